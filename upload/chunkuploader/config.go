package chunkuploader

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const (
	// MiB ...
	MiB = 1024 * 1024

	// DefaultChunkSize is the desktop chunk size when nothing else is configured.
	DefaultChunkSize int64 = 70 * MiB
	// MobileChunkSize bounds the amount of data at risk per request on unreliable radios.
	MobileChunkSize int64 = 10 * MiB
	// ChunkGranularity is the multiple every non-final chunk must be aligned to.
	ChunkGranularity int64 = 256 * 1024

	// ProbeAttempts is the number of status requests made before a probe is reported as failed.
	ProbeAttempts = 3

	// trustThresholdPercent is the confirmed share of the file above which a failed attempt is
	// trusted instead of retried.
	trustThresholdPercent = 90
)

// BackoffShape ...
type BackoffShape int

const (
	BackoffExponential BackoffShape = iota
	BackoffLinear
)

func (s BackoffShape) String() string {
	if s == BackoffLinear {
		return "linear"
	}
	return "exponential"
}

// DeviceProfile holds every device-class dependent knob of an upload. It is selected once when
// the upload starts and never changes during a run.
type DeviceProfile struct {
	Class DeviceClass

	// ChunkSize is the size of every window except possibly the last one.
	ChunkSize int64

	// MaxRetries is the total number of transfer attempts per window.
	MaxRetries int

	Backoff   BackoffShape
	RetryBase time.Duration
	RetryCap  time.Duration

	// ChunkTimeout bounds a single chunk PUT, ProbeTimeout a single status PUT.
	ChunkTimeout time.Duration
	ProbeTimeout time.Duration
	// ProbeBase is the first wait between failed status probe attempts; it doubles afterwards.
	ProbeBase time.Duration

	// Pacing is the pause between two confirmed chunks.
	Pacing time.Duration

	// ProgressInterval throttles in-flight progress events.
	ProgressInterval time.Duration
}

// DesktopProfile returns the profile for stable links. A non-positive chunkSize selects DefaultChunkSize.
func DesktopProfile(chunkSize int64) DeviceProfile {
	return DeviceProfile{
		Class:            Desktop,
		ChunkSize:        ChunkSize(Desktop, chunkSize),
		MaxRetries:       MaxRetries(Desktop),
		Backoff:          BackoffExponential,
		RetryBase:        2 * time.Second,
		RetryCap:         30 * time.Second,
		ChunkTimeout:     5 * time.Minute,
		ProbeTimeout:     30 * time.Second,
		ProbeBase:        2 * time.Second,
		Pacing:           100 * time.Millisecond,
		ProgressInterval: 250 * time.Millisecond,
	}
}

// MobileProfile returns the profile for unreliable radios: small chunks, short timeouts and
// quick linear retries.
func MobileProfile() DeviceProfile {
	return DeviceProfile{
		Class:            Mobile,
		ChunkSize:        ChunkSize(Mobile, 0),
		MaxRetries:       MaxRetries(Mobile),
		Backoff:          BackoffLinear,
		RetryBase:        time.Second,
		RetryCap:         5 * time.Second,
		ChunkTimeout:     2 * time.Minute,
		ProbeTimeout:     15 * time.Second,
		ProbeBase:        time.Second,
		Pacing:           250 * time.Millisecond,
		ProgressInterval: 500 * time.Millisecond,
	}
}

// ProfileFor selects the profile of a device class.
func ProfileFor(class DeviceClass, configuredChunkSize int64) DeviceProfile {
	if class == Mobile {
		return MobileProfile()
	}
	return DesktopProfile(configuredChunkSize)
}

// DefaultHTTPClient creates an HTTP client for chunk and status requests.
func DefaultHTTPClient() *http.Client {
	client := cleanhttp.DefaultPooledClient()
	// No timeout - chunk and probe timeouts are handled via context
	client.Timeout = 0
	// A 308 is a protocol answer here, never a redirect to follow.
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}
