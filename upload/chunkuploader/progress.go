package chunkuploader

import (
	"fmt"
)

// State is the position of the sequencer in its state machine.
type State int

const (
	StateIdle State = iota
	StateSending
	StateVerifying
	StateRetrying
	StateAdvancing
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateVerifying:
		return "verifying"
	case StateRetrying:
		return "retrying"
	case StateAdvancing:
		return "advancing"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is a read-only snapshot handed to progress sinks.
type Progress struct {
	State      State
	ChunkIndex int
	Attempt    int

	// ConfirmedBytes only moves on server evidence.
	ConfirmedBytes int64
	// SentBytes includes bytes of the current window that are on the wire but not yet confirmed.
	SentBytes int64
	TotalSize int64
}

// ProgressFunc receives progress snapshots. It must not block for long. In-flight updates of a
// chunk are delivered from the HTTP transport's goroutine while state changes come from the
// goroutine of the upload, so a sink that keeps state must synchronize it.
type ProgressFunc func(Progress)

// Percent returns the confirmed share of the file.
func (p Progress) Percent() float64 {
	return Percent(p.ConfirmedBytes, p.TotalSize)
}

// SentPercent returns the share of the file that has been sent, confirmed or not.
func (p Progress) SentPercent() float64 {
	sent := p.SentBytes
	if sent < p.ConfirmedBytes {
		sent = p.ConfirmedBytes
	}
	return Percent(sent, p.TotalSize)
}

func (p Progress) String() string {
	sent := p.SentBytes
	if sent < p.ConfirmedBytes {
		sent = p.ConfirmedBytes
	}
	label := "UPLOADING..."
	switch p.State {
	case StateVerifying:
		label = "VERIFYING..."
	case StateRetrying:
		label = fmt.Sprintf("RETRY %d...", p.Attempt)
	case StateComplete:
		label = "COMPLETE"
	case StateFailed:
		label = "FAILED"
	}
	return fmt.Sprintf("%s %.1fMB / %.1fMB (%s)", label,
		float64(sent)/MiB, float64(p.TotalSize)/MiB, FormatPercent(Percent(sent, p.TotalSize)))
}

// Percent returns done/total*100, floored to an integer at or above 10% and to one decimal
// below it.
func Percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	if done <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	// integer math keeps the floor exact
	tenths := done * 1000 / total
	if tenths < 100 {
		return float64(tenths) / 10
	}
	return float64(done * 100 / total)
}

// FormatPercent renders a value returned by Percent.
func FormatPercent(pct float64) string {
	if pct < 10 {
		return fmt.Sprintf("%.1f%%", pct)
	}
	return fmt.Sprintf("%d%%", int(pct))
}
