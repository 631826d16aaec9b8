package chunkuploader

import (
	"time"
)

// ChunkSize returns the window size of a device class. Mobile devices always use MobileChunkSize;
// desktops use the configured size, or DefaultChunkSize when none is configured.
func ChunkSize(class DeviceClass, configured int64) int64 {
	if class == Mobile {
		return MobileChunkSize
	}
	if configured <= 0 {
		return DefaultChunkSize
	}
	return configured
}

// MaxRetries returns the number of transfer attempts a window gets before the upload fails.
func MaxRetries(class DeviceClass) int {
	if class == Mobile {
		return 3
	}
	return 5
}

// RetryDelay returns the wait before retry number attempt (1-based) of a window.
func RetryDelay(class DeviceClass, attempt int) time.Duration {
	return ProfileFor(class, 0).RetryDelay(attempt)
}

// PacingDelay returns the pause between two confirmed chunks.
func PacingDelay(class DeviceClass) time.Duration {
	return ProfileFor(class, 0).Pacing
}

// RetryDelay computes the backoff of the profile: base*2^(attempt-1) for exponential,
// base*attempt for linear, both capped.
func (p DeviceProfile) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.RetryBase * time.Duration(attempt)
	default:
		d = p.RetryBase
		for i := 1; i < attempt && d < p.RetryCap; i++ {
			d *= 2
		}
	}

	if p.RetryCap > 0 && d > p.RetryCap {
		d = p.RetryCap
	}
	return d
}

// PlanWindows lists the windows of an upload in which every attempt is confirmed on the first try.
func PlanWindows(total, chunkSize int64) ([]TransferWindow, error) {
	var windows []TransferWindow
	for confirmed := int64(0); confirmed < total; {
		w, err := NewTransferWindow(confirmed, chunkSize, total)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
		confirmed = w.End + 1
	}
	return windows, nil
}

// trustApplies reports whether a failed attempt on window w is optimistically treated as
// confirmed: the window is the last one, or at least 90% of the file is already confirmed.
// Windows accepted this way were never verified by the server.
func trustApplies(w TransferWindow, confirmed int64) bool {
	if w.IsLast() {
		return true
	}
	return confirmed*100 >= w.Total*trustThresholdPercent
}
