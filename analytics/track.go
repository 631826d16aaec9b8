package analytics

import (
	"runtime"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/chunkuploader"
	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/session"
)

type TrackerFactory func(log.Logger, env.Repository, ...analytics.Properties) analytics.Tracker

const (
	SourceEnvKey = "UPLOADER_SOURCE"
	Source       = "source"
	RunID        = "run_id"
)

// UploadTracker reports upload lifecycle events. It implements session.Tracker.
type UploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func NewUploadTracker(repository env.Repository, logger log.Logger, trackerFactory TrackerFactory) *UploadTracker {
	p := analytics.Properties{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
	if source := repository.Get(SourceEnvKey); source != "" {
		p[Source] = source
	}
	return &UploadTracker{
		tracker: trackerFactory(logger, repository, p),
		logger:  logger,
	}
}

func NewDefaultUploadTracker(repository env.Repository, logger log.Logger) *UploadTracker {
	return NewUploadTracker(repository, logger, analytics.NewDefaultTracker)
}

func (t *UploadTracker) LogUploadStarted(runID, fileName string, size int64, class chunkuploader.DeviceClass) {
	t.tracker.Enqueue("upload_started", analytics.Properties{
		RunID:          runID,
		"size_bytes":   size,
		"device_class": string(class),
	})
}

func (t *UploadTracker) LogChunkRetried(runID string, w chunkuploader.TransferWindow, attempt int, reason chunkuploader.Reason) {
	t.tracker.Enqueue("chunk_retried", analytics.Properties{
		RunID:         runID,
		"chunk_start": w.Start,
		"chunk_end":   w.End,
		"attempt":     attempt,
		"reason":      string(reason),
	})
}

func (t *UploadTracker) LogTrustModeApplied(runID string, w chunkuploader.TransferWindow, confirmedBefore int64) {
	t.tracker.Enqueue("trust_mode_applied", analytics.Properties{
		RunID:              runID,
		"chunk_start":      w.Start,
		"chunk_end":        w.End,
		"confirmed_before": confirmedBefore,
		"is_last_chunk":    w.IsLast(),
	})
}

func (t *UploadTracker) LogStall(runID string, idle time.Duration) {
	t.tracker.Enqueue("upload_stalled", analytics.Properties{
		RunID:    runID,
		"idle_s": idle.Truncate(time.Second).Seconds(),
	})
}

func (t *UploadTracker) LogUploadCompleted(runID string, size int64, result chunkuploader.Result) {
	t.tracker.Enqueue("upload_completed", analytics.Properties{
		RunID:             runID,
		"size_bytes":      size,
		"upload_time_s":   result.Duration.Truncate(time.Second).Seconds(),
		"chunk_count":     result.Chunks,
		"retry_count":     result.Retries,
		"trusted_windows": result.TrustedWindows,
	})
}

func (t *UploadTracker) LogUploadFailed(runID string, step session.Step, reason string, confirmedBytes int64, duration time.Duration) {
	t.tracker.Enqueue("upload_failed", analytics.Properties{
		RunID:             runID,
		"step":            string(step),
		"reason":          reason,
		"confirmed_bytes": confirmedBytes,
		"duration_s":      duration.Truncate(time.Second).Seconds(),
	})
}

// Wait blocks until the queued events are sent.
func (t *UploadTracker) Wait() {
	t.tracker.Wait()
}

var _ session.Tracker = (*UploadTracker)(nil)
