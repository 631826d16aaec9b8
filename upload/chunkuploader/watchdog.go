package chunkuploader

import (
	"context"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// StallFunc is notified when an upload has made no progress for longer than the threshold.
type StallFunc func(runID string, idle time.Duration)

// Watchdog reports uploads that stopped making progress. It only observes the run context and
// never changes the course of the upload.
type Watchdog struct {
	rc        *UploadRunContext
	threshold time.Duration
	interval  time.Duration
	logger    log.Logger
	onStall   StallFunc
	now       func() time.Time
}

// NewWatchdog creates a Watchdog checking rc every second. A non-positive threshold disables it.
func NewWatchdog(rc *UploadRunContext, threshold time.Duration, logger log.Logger, onStall StallFunc) *Watchdog {
	return &Watchdog{
		rc:        rc,
		threshold: threshold,
		interval:  time.Second,
		logger:    logger,
		onStall:   onStall,
		now:       time.Now,
	}
}

// Run blocks until ctx is done or the upload reaches a terminal state.
func (w *Watchdog) Run(ctx context.Context) {
	if w.threshold <= 0 {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var reported time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch w.rc.State() {
			case StateComplete, StateFailed:
				return
			}

			last := w.rc.LastProgress()
			idle := w.now().Sub(last)
			if idle <= w.threshold || !reported.Before(last) {
				continue
			}
			// one report per stall
			reported = w.now()

			w.logger.Warnf("No upload progress for %s (chunk %d, state %s, %d bytes confirmed, avg chunk time %s)",
				idle.Round(time.Second), w.rc.ChunkIndex()+1, w.rc.State(), w.rc.ConfirmedBytes(),
				w.rc.Stats().Average().Round(time.Second))
			if w.onStall != nil {
				w.onStall(w.rc.RunID, idle)
			}
		}
	}
}
