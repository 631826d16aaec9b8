package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/chunkuploader"
	"golang.org/x/sync/errgroup"
)

// Tracker receives lifecycle events of uploads.
type Tracker interface {
	LogUploadStarted(runID, fileName string, size int64, class chunkuploader.DeviceClass)
	LogChunkRetried(runID string, w chunkuploader.TransferWindow, attempt int, reason chunkuploader.Reason)
	LogTrustModeApplied(runID string, w chunkuploader.TransferWindow, confirmedBefore int64)
	LogStall(runID string, idle time.Duration)
	LogUploadCompleted(runID string, size int64, result chunkuploader.Result)
	LogUploadFailed(runID string, step Step, reason string, confirmedBytes int64, duration time.Duration)
}

type noopTracker struct{}

func (noopTracker) LogUploadStarted(string, string, int64, chunkuploader.DeviceClass)             {}
func (noopTracker) LogChunkRetried(string, chunkuploader.TransferWindow, int, chunkuploader.Reason) {}
func (noopTracker) LogTrustModeApplied(string, chunkuploader.TransferWindow, int64)                {}
func (noopTracker) LogStall(string, time.Duration)                                                {}
func (noopTracker) LogUploadCompleted(string, int64, chunkuploader.Result)                        {}
func (noopTracker) LogUploadFailed(string, Step, string, int64, time.Duration)                    {}

// Params configures an Orchestrator. Initiator and Finalizer are required.
type Params struct {
	Profile chunkuploader.DeviceProfile
	// StallThreshold enables the watchdog when positive.
	StallThreshold time.Duration
	// Metadata is forwarded to the initiator with every session.
	Metadata map[string]string

	Initiator   Initiator
	Finalizer   Finalizer
	Invalidator CredentialInvalidator
	Tracker     Tracker
	OnProgress  chunkuploader.ProgressFunc

	// Transferrer, Prober and Sleeper default to the HTTP implementations and a real timer.
	Transferrer chunkuploader.ChunkTransferrer
	Prober      chunkuploader.StatusChecker
	Sleeper     chunkuploader.Sleeper
}

// Result describes a finished upload.
type Result struct {
	SessionID string
	FileName  string
	MIMEType  string
	Size      int64
	// FileID is the remote file identifier, when the storage side reported one.
	FileID string
	// Message is the completion message of the finalizer.
	Message string

	Chunks         int
	Retries        int
	TrustedWindows int
	Duration       time.Duration
}

// Orchestrator runs validate -> init -> chunk sequencing -> finalize for one file at a time.
type Orchestrator struct {
	params Params
	logger log.Logger
}

// NewOrchestrator ...
func NewOrchestrator(params Params, logger log.Logger) (*Orchestrator, error) {
	if params.Initiator == nil {
		return nil, fmt.Errorf("initiator is required")
	}
	if params.Finalizer == nil {
		return nil, fmt.Errorf("finalizer is required")
	}
	if params.Profile.ChunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", params.Profile.ChunkSize)
	}
	if params.Tracker == nil {
		params.Tracker = noopTracker{}
	}
	if params.Transferrer == nil {
		params.Transferrer = chunkuploader.NewTransferrer(nil, params.Profile, logger)
	}
	if params.Prober == nil {
		params.Prober = chunkuploader.NewStatusProber(nil, params.Profile, logger)
	}

	return &Orchestrator{params: params, logger: logger}, nil
}

// Upload uploads file through a fresh session. Every error is an *Error.
func (o *Orchestrator) Upload(ctx context.Context, file chunkuploader.FileHandle) (Result, error) {
	startedAt := time.Now()
	size := file.Size()
	result := Result{FileName: file.Name(), Size: size}
	rc := chunkuploader.NewUploadRunContext(size)

	mimeType, err := DetectMIMEType(file)
	if err != nil {
		return result, o.fail(rc.RunID, StepValidate, file.Name(), 0, startedAt, err)
	}
	result.MIMEType = mimeType
	if err := ValidateFile(size, mimeType); err != nil {
		return result, o.fail(rc.RunID, StepValidate, file.Name(), 0, startedAt, err)
	}

	o.params.Tracker.LogUploadStarted(rc.RunID, file.Name(), size, o.params.Profile.Class)

	o.logger.Infof("Opening upload session for %s (%s, %s)", file.Name(), mimeType, units.HumanSizeWithPrecision(float64(size), 3))
	sess, err := o.params.Initiator.InitUpload(ctx, InitRequest{
		FileName: file.Name(),
		FileSize: size,
		MIMEType: mimeType,
		Metadata: o.params.Metadata,
	})
	if err != nil {
		return result, o.fail(rc.RunID, StepInit, file.Name(), 0, startedAt, err)
	}
	result.SessionID = sess.ID
	o.logger.Debugf("Session %s: %s", sess.ID, sess.Message)

	seqResult, err := o.run(ctx, rc, sess.Target, file)
	if err != nil {
		var confirmed int64
		var uploadErr *chunkuploader.UploadError
		if errors.As(err, &uploadErr) {
			confirmed = uploadErr.ConfirmedBytes
		}
		return result, o.fail(rc.RunID, StepUpload, file.Name(), confirmed, startedAt, err)
	}
	result.FileID = seqResult.FileID
	result.Chunks = seqResult.Chunks
	result.Retries = seqResult.Retries
	result.TrustedWindows = seqResult.TrustedWindows

	message, err := o.params.Finalizer.FinalizeUpload(ctx, sess.ID)
	if err != nil {
		return result, o.fail(rc.RunID, StepFinalize, file.Name(), seqResult.ConfirmedBytes, startedAt, err)
	}
	result.Message = message
	result.Duration = time.Since(startedAt)

	o.params.Tracker.LogUploadCompleted(rc.RunID, size, seqResult)
	o.logger.Donef("Uploaded %s (%s) in %s: %d chunks, %d retries", file.Name(),
		units.HumanSizeWithPrecision(float64(size), 3), result.Duration.Round(time.Second), result.Chunks, result.Retries)
	if result.TrustedWindows > 0 {
		o.logger.Warnf("%d chunk(s) were accepted without server confirmation", result.TrustedWindows)
	}
	if message != "" {
		o.logger.Printf("%s", message)
	}

	return result, nil
}

// run drives the sequencer with the watchdog observing it. The watchdog stops with the sequencer.
func (o *Orchestrator) run(ctx context.Context, rc *chunkuploader.UploadRunContext, target chunkuploader.UploadTarget, file chunkuploader.FileHandle) (chunkuploader.Result, error) {
	runID := rc.RunID
	tracker := o.params.Tracker

	sequencer, err := chunkuploader.NewSequencer(chunkuploader.SequencerConfig{
		Profile:     o.params.Profile,
		Transferrer: o.params.Transferrer,
		Prober:      o.params.Prober,
		Sleeper:     o.params.Sleeper,
		Hooks: chunkuploader.Hooks{
			OnProgress: o.params.OnProgress,
			OnAuthFailure: func() {
				if o.params.Invalidator != nil {
					o.params.Invalidator.InvalidateCredentials()
				}
			},
			OnRetry: func(w chunkuploader.TransferWindow, attempt int, reason chunkuploader.Reason) {
				tracker.LogChunkRetried(runID, w, attempt, reason)
			},
			OnTrust: func(w chunkuploader.TransferWindow, confirmedBefore int64) {
				tracker.LogTrustModeApplied(runID, w, confirmedBefore)
			},
		},
	}, o.logger)
	if err != nil {
		return chunkuploader.Result{}, err
	}

	watchdog := chunkuploader.NewWatchdog(rc, o.params.StallThreshold, o.logger, tracker.LogStall)
	watchCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()

	var result chunkuploader.Result
	var g errgroup.Group
	g.Go(func() error {
		watchdog.Run(watchCtx)
		return nil
	})
	g.Go(func() error {
		defer stopWatchdog()
		var err error
		result, err = sequencer.Run(ctx, rc, target, file)
		return err
	})

	if err := g.Wait(); err != nil {
		return chunkuploader.Result{}, err
	}
	return result, nil
}

func (o *Orchestrator) fail(runID string, step Step, fileName string, confirmed int64, startedAt time.Time, err error) *Error {
	reason := "error"
	var uploadErr *chunkuploader.UploadError
	if errors.As(err, &uploadErr) {
		reason = string(uploadErr.Reason)
	} else if step == StepValidate {
		reason = "invalid_file"
	}

	o.params.Tracker.LogUploadFailed(runID, step, reason, confirmed, time.Since(startedAt))

	sessionErr := &Error{Step: step, FileName: fileName, ConfirmedBytes: confirmed, Err: err}
	o.logger.Errorf("Upload of %s failed during %s: %s", fileName, step, err)
	return sessionErr
}
