// Package chunkuploader drives a single resumable upload: it sends strictly ordered byte ranges to a
// resumable-upload target, verifies ambiguous results against the server and reports confirmed bytes.
package chunkuploader

import (
	"fmt"
)

// UploadTarget is the opaque resumable-upload URI returned by the session initiator.
type UploadTarget string

// DeviceClass selects the profile used for chunk sizing, retries and timeouts.
type DeviceClass string

const (
	Desktop DeviceClass = "desktop"
	Mobile  DeviceClass = "mobile"
)

// ParseDeviceClass ...
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch DeviceClass(s) {
	case Desktop, "":
		return Desktop, nil
	case Mobile:
		return Mobile, nil
	default:
		return "", fmt.Errorf("unknown device class: %s", s)
	}
}

// TransferWindow is a closed byte interval [Start, End] of a file of Total bytes.
type TransferWindow struct {
	Start int64
	End   int64
	Total int64
}

// NewTransferWindow returns the window starting at confirmed bytes, at most chunkSize long and
// clamped to the end of the file.
func NewTransferWindow(confirmed, chunkSize, total int64) (TransferWindow, error) {
	if total <= 0 {
		return TransferWindow{}, fmt.Errorf("invalid total size: %d", total)
	}
	if chunkSize <= 0 {
		return TransferWindow{}, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}
	if confirmed < 0 || confirmed >= total {
		return TransferWindow{}, fmt.Errorf("start byte %d out of range [0, %d)", confirmed, total)
	}

	end := confirmed + chunkSize - 1
	if end > total-1 {
		end = total - 1
	}

	return TransferWindow{Start: confirmed, End: end, Total: total}, nil
}

// Len returns the number of bytes covered by the window.
func (w TransferWindow) Len() int64 {
	return w.End - w.Start + 1
}

// IsLast reports whether the window reaches the end of the file.
func (w TransferWindow) IsLast() bool {
	return w.End == w.Total-1
}

// ContentRange renders the Content-Range header value of a chunk upload.
func (w TransferWindow) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", w.Start, w.End, w.Total)
}

func (w TransferWindow) String() string {
	return fmt.Sprintf("[%d,%d]", w.Start, w.End)
}

// OutcomeKind tags a ChunkOutcome.
type OutcomeKind int

const (
	OutcomeConfirmed OutcomeKind = iota
	OutcomeRejected
	OutcomeAmbiguous
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// ChunkOutcome is the result of one transfer attempt. It is never an error: every failure mode of a
// transfer maps to Rejected or Ambiguous.
type ChunkOutcome struct {
	Kind OutcomeKind

	// ConfirmedBytes and Complete are set for OutcomeConfirmed.
	ConfirmedBytes int64
	Complete       bool
	// FileID is the remote file identifier, when the final response carried one.
	FileID string

	// Reason and Recoverable are set for OutcomeRejected.
	Reason      Reason
	Recoverable bool

	StatusCode int
	Message    string
	Err        error

	// bodyInFlight is set when the transport had not released the chunk bytes on return.
	bodyInFlight bool
}

// Confirmed ...
func Confirmed(confirmedBytes int64, complete bool) ChunkOutcome {
	return ChunkOutcome{Kind: OutcomeConfirmed, ConfirmedBytes: confirmedBytes, Complete: complete}
}

// Rejected ...
func Rejected(reason Reason, recoverable bool) ChunkOutcome {
	return ChunkOutcome{Kind: OutcomeRejected, Reason: reason, Recoverable: recoverable}
}

// Ambiguous ...
func Ambiguous(err error) ChunkOutcome {
	reason := ReasonNetworkAmbiguous
	if isTimeout(err) {
		reason = ReasonTimeout
	}
	return ChunkOutcome{Kind: OutcomeAmbiguous, Reason: reason, Recoverable: true, Err: err}
}

func (o ChunkOutcome) String() string {
	switch o.Kind {
	case OutcomeConfirmed:
		return fmt.Sprintf("confirmed(%d, complete=%t)", o.ConfirmedBytes, o.Complete)
	case OutcomeRejected:
		return fmt.Sprintf("rejected(%s, recoverable=%t, status=%d)", o.Reason, o.Recoverable, o.StatusCode)
	default:
		return fmt.Sprintf("ambiguous(%s: %v)", o.Reason, o.Err)
	}
}

// ProbeResult is what the server reports about a resumable session.
type ProbeResult struct {
	ConfirmedBytes int64
	Complete       bool
	FileID         string
}
