package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Reason classifies why a chunk or an upload failed.
type Reason string

const (
	ReasonExpired              Reason = "expired"
	ReasonAuthFailed           Reason = "auth_failed"
	ReasonPermissionDenied     Reason = "permission_denied"
	ReasonServerError          Reason = "server_error"
	ReasonNetworkAmbiguous     Reason = "network_ambiguous"
	ReasonTimeout              Reason = "timeout"
	ReasonRetryBudgetExhausted Reason = "retry_budget_exhausted"
	ReasonCancelled            Reason = "cancelled"
	ReasonUnexpectedStatus     Reason = "unexpected_status"
)

// ErrCancelled is wrapped by the UploadError returned when the caller cancels an upload.
var ErrCancelled = errors.New("upload cancelled")

// UploadError is the only error the sequencer surfaces. It always carries the number of bytes
// the server confirmed before the failure.
type UploadError struct {
	Reason Reason
	// LastReason is the concrete reason behind ReasonRetryBudgetExhausted.
	LastReason     Reason
	ConfirmedBytes int64
	StatusCode     int
	Message        string
	Err            error
}

func (e *UploadError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Reason)
	}
	if e.Reason == ReasonRetryBudgetExhausted && e.LastReason != "" {
		msg = fmt.Sprintf("%s (last failure: %s)", msg, e.LastReason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the failure requires a brand new upload session.
func (e *UploadError) Fatal() bool {
	switch e.Reason {
	case ReasonExpired, ReasonAuthFailed, ReasonPermissionDenied:
		return true
	}
	return false
}

func newUploadError(outcome ChunkOutcome, confirmed int64) *UploadError {
	return &UploadError{
		Reason:         outcome.Reason,
		ConfirmedBytes: confirmed,
		StatusCode:     outcome.StatusCode,
		Message:        outcome.Message,
		Err:            outcome.Err,
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
