package chunkuploader

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// ChunkTransferrer sends one window of an upload. *Transferrer implements it.
type ChunkTransferrer interface {
	Transfer(ctx context.Context, target UploadTarget, w TransferWindow, data []byte, onProgress func(sent int64)) ChunkOutcome
}

// StatusChecker reads the confirmed byte count of an upload from the server. *StatusProber implements it.
type StatusChecker interface {
	Probe(ctx context.Context, target UploadTarget, totalSize int64) (ProbeResult, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Hooks are optional observers of a sequencer run. None of them can change its course.
type Hooks struct {
	OnProgress ProgressFunc
	// OnAuthFailure is called once per 401 so cached credentials can be dropped upstream.
	OnAuthFailure func()
	// OnRetry is called before the wait preceding attempt+1 of window w.
	OnRetry func(w TransferWindow, attempt int, reason Reason)
	// OnTrust is called when a failed attempt on w is accepted without server confirmation.
	OnTrust func(w TransferWindow, confirmedBefore int64)
}

// SequencerConfig holds the collaborators of a Sequencer.
type SequencerConfig struct {
	Profile     DeviceProfile
	Transferrer ChunkTransferrer
	Prober      StatusChecker
	// Sleeper defaults to SleepContext.
	Sleeper Sleeper
	Hooks   Hooks
}

// Result summarizes a completed upload.
type Result struct {
	ConfirmedBytes int64
	// FileID is the remote file identifier, if the server reported one.
	FileID         string
	Chunks         int
	Retries        int
	TrustedWindows int
	Duration       time.Duration
}

// Sequencer uploads a file as a strictly ordered series of windows, verifying every failed attempt
// against the server before deciding to retry, advance or give up.
type Sequencer struct {
	profile  DeviceProfile
	transfer ChunkTransferrer
	prober   StatusChecker
	sleep    Sleeper
	hooks    Hooks
	logger   log.Logger
	pool     *bufferPool
}

// NewSequencer creates a Sequencer. Transferrer and Prober are required.
func NewSequencer(config SequencerConfig, logger log.Logger) (*Sequencer, error) {
	if config.Transferrer == nil {
		return nil, fmt.Errorf("transferrer is required")
	}
	if config.Prober == nil {
		return nil, fmt.Errorf("prober is required")
	}
	if config.Profile.ChunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", config.Profile.ChunkSize)
	}
	if config.Profile.MaxRetries < 1 {
		return nil, fmt.Errorf("invalid retry budget: %d", config.Profile.MaxRetries)
	}

	sleep := config.Sleeper
	if sleep == nil {
		sleep = SleepContext
	}

	return &Sequencer{
		profile:  config.Profile,
		transfer: config.Transferrer,
		prober:   config.Prober,
		sleep:    sleep,
		hooks:    config.Hooks,
		logger:   logger,
		pool:     newBufferPool(config.Profile.ChunkSize),
	}, nil
}

// Profile returns the device profile the sequencer was created with.
func (s *Sequencer) Profile() DeviceProfile {
	return s.profile
}

// Run uploads file to target. rc may be shared with a Watchdog; a nil rc gets a fresh one.
// Every returned error is an *UploadError carrying the bytes confirmed before the failure.
func (s *Sequencer) Run(ctx context.Context, rc *UploadRunContext, target UploadTarget, file FileHandle) (Result, error) {
	total := file.Size()
	if rc == nil {
		rc = NewUploadRunContext(total)
	}
	if total <= 0 {
		rc.setState(StateFailed)
		return Result{}, &UploadError{Reason: ReasonUnexpectedStatus, Message: fmt.Sprintf("invalid file size: %d", total)}
	}

	run := &sequencerRun{
		Sequencer: s,
		ctx:       ctx,
		rc:        rc,
		target:    target,
		file:      file,
		total:     total,
	}
	return run.loop()
}

// sequencerRun is the state of one Run call. confirmed is only ever raised.
type sequencerRun struct {
	*Sequencer

	ctx    context.Context
	rc     *UploadRunContext
	target UploadTarget
	file   FileHandle
	total  int64

	confirmed  int64
	chunkIndex int
	fileID     string
	result     Result
}

func (r *sequencerRun) loop() (Result, error) {
	startedAt := time.Now()
	r.rc.setState(StateIdle)

	for r.confirmed < r.total {
		if err := r.ctx.Err(); err != nil {
			return r.fail(r.cancelled(err))
		}

		w, err := NewTransferWindow(r.confirmed, r.profile.ChunkSize, r.total)
		if err != nil {
			return r.fail(&UploadError{Reason: ReasonUnexpectedStatus, ConfirmedBytes: r.confirmed, Err: err})
		}
		r.rc.setChunkIndex(r.chunkIndex)

		windowStart := time.Now()
		next, uerr := r.window(w)
		if uerr != nil {
			return r.fail(uerr)
		}

		r.advance(next)
		r.result.Chunks++
		r.rc.Stats().Update(time.Since(windowStart))
		r.logger.Donef("Chunk %d %s done, %s of %d bytes confirmed",
			r.chunkIndex+1, w, FormatPercent(Percent(r.confirmed, r.total)), r.total)
		r.chunkIndex++

		if r.confirmed < r.total {
			r.rc.setState(StateIdle)
			if err := r.sleep(r.ctx, r.profile.Pacing); err != nil {
				return r.fail(r.cancelled(err))
			}
		}
	}

	r.rc.setState(StateComplete)
	r.emit(StateComplete, 0)

	r.result.ConfirmedBytes = r.confirmed
	r.result.FileID = r.fileID
	r.result.Duration = time.Since(startedAt)
	return r.result, nil
}

// window runs the Sending/Verifying/Retrying cycle of w and returns the confirmed byte count to
// advance to.
func (r *sequencerRun) window(w TransferWindow) (int64, *UploadError) {
	buf := r.pool.Get()
	data, err := readWindow(r.file, w, buf)
	if err != nil {
		r.pool.Put(buf)
		return 0, &UploadError{Reason: ReasonUnexpectedStatus, ConfirmedBytes: r.confirmed, Message: "read source", Err: err}
	}

	bodyInFlight := false
	defer func() {
		if !bodyInFlight {
			r.pool.Put(buf)
		}
	}()

	for attempt := 1; ; attempt++ {
		if err := r.ctx.Err(); err != nil {
			return 0, r.cancelled(err)
		}

		r.rc.setState(StateSending)
		r.emit(StateSending, attempt)
		r.logger.Infof("Uploading chunk %d %s (attempt %d/%d)", r.chunkIndex+1, w, attempt, r.profile.MaxRetries)

		outcome := r.transfer.Transfer(r.ctx, r.target, w, data, func(sent int64) {
			r.rc.setSent(w.Start + sent)
			r.emitSent(attempt, w.Start+sent)
		})
		if outcome.bodyInFlight {
			bodyInFlight = true
		}

		if outcome.Kind == OutcomeConfirmed {
			next := outcome.ConfirmedBytes
			if outcome.Complete {
				next = r.total
				r.setFileID(outcome.FileID)
			}
			if next > r.confirmed {
				return next, nil
			}
			outcome = ChunkOutcome{
				Kind:        OutcomeRejected,
				Reason:      ReasonServerError,
				Recoverable: true,
				StatusCode:  outcome.StatusCode,
				Message:     fmt.Sprintf("server confirmed no bytes beyond %d", next),
			}
		}

		if err := r.ctx.Err(); err != nil {
			return 0, r.cancelled(err)
		}

		if outcome.Reason == ReasonAuthFailed && r.hooks.OnAuthFailure != nil {
			r.hooks.OnAuthFailure()
		}
		r.logger.Warnf("Chunk %d %s attempt %d failed: %s", r.chunkIndex+1, w, attempt, outcome)

		r.rc.setState(StateVerifying)
		r.emit(StateVerifying, attempt)
		if next, ok := r.verify(w); ok {
			return next, nil
		}
		if err := r.ctx.Err(); err != nil {
			return 0, r.cancelled(err)
		}

		if trustApplies(w, r.confirmed) {
			r.logger.Warnf("Accepting chunk %d %s without server confirmation", r.chunkIndex+1, w)
			r.result.TrustedWindows++
			r.rc.Stats().addTrusted()
			if r.hooks.OnTrust != nil {
				r.hooks.OnTrust(w, r.confirmed)
			}
			return w.End + 1, nil
		}

		if !outcome.Recoverable {
			r.logger.Errorf("Chunk %d %s failed: %s", r.chunkIndex+1, w, outcome)
			return 0, newUploadError(outcome, r.confirmed)
		}

		if attempt >= r.profile.MaxRetries {
			uerr := newUploadError(outcome, r.confirmed)
			uerr.Reason = ReasonRetryBudgetExhausted
			uerr.LastReason = outcome.Reason
			if uerr.Message == "" {
				uerr.Message = fmt.Sprintf("chunk %d failed after %d attempts", r.chunkIndex+1, attempt)
			}
			r.logger.Errorf("Chunk %d %s: giving up after %d attempts", r.chunkIndex+1, w, attempt)
			return 0, uerr
		}

		r.rc.setState(StateRetrying)
		r.emit(StateRetrying, attempt)
		r.result.Retries++
		r.rc.Stats().addRetry()
		if r.hooks.OnRetry != nil {
			r.hooks.OnRetry(w, attempt, outcome.Reason)
		}

		delay := r.profile.RetryDelay(attempt)
		r.logger.Warnf("Retrying chunk %d in %s", r.chunkIndex+1, delay)
		if err := r.sleep(r.ctx, delay); err != nil {
			return 0, r.cancelled(err)
		}
	}
}

// verify probes the server after a failed attempt on w. It reports the byte count to advance to
// when the server already holds all of w.
func (r *sequencerRun) verify(w TransferWindow) (int64, bool) {
	probe, err := r.prober.Probe(r.ctx, r.target, r.total)
	if err != nil {
		r.rc.Stats().addProbe(false)
		r.logger.Warnf("Status check after chunk %d failed: %s", r.chunkIndex+1, err)
		return 0, false
	}

	switch {
	case probe.Complete:
		r.rc.Stats().addProbe(true)
		r.setFileID(probe.FileID)
		r.logger.Printf("Server reports the file complete")
		return r.total, true
	case probe.ConfirmedBytes >= w.End+1:
		r.rc.Stats().addProbe(true)
		r.logger.Printf("Server already holds chunk %d (%d bytes confirmed)", r.chunkIndex+1, probe.ConfirmedBytes)
		return probe.ConfirmedBytes, true
	default:
		r.rc.Stats().addProbe(false)
		r.logger.Debugf("Server holds %d bytes, chunk %d %s did not land", probe.ConfirmedBytes, r.chunkIndex+1, w)
		return 0, false
	}
}

func (r *sequencerRun) advance(next int64) {
	r.rc.setState(StateAdvancing)
	if next > r.total {
		next = r.total
	}
	if next > r.confirmed {
		r.confirmed = next
		r.rc.setConfirmed(next)
	}
	r.emit(StateAdvancing, 0)
}

func (r *sequencerRun) setFileID(id string) {
	if id != "" {
		r.fileID = id
	}
}

func (r *sequencerRun) fail(err *UploadError) (Result, error) {
	r.rc.setState(StateFailed)
	r.emit(StateFailed, 0)
	return Result{}, err
}

func (r *sequencerRun) cancelled(cause error) *UploadError {
	return &UploadError{
		Reason:         ReasonCancelled,
		ConfirmedBytes: r.confirmed,
		Err:            fmt.Errorf("%w: %w", ErrCancelled, cause),
	}
}

func (r *sequencerRun) emit(state State, attempt int) {
	if r.hooks.OnProgress == nil {
		return
	}
	r.hooks.OnProgress(Progress{
		State:          state,
		ChunkIndex:     r.chunkIndex,
		Attempt:        attempt,
		ConfirmedBytes: r.confirmed,
		SentBytes:      r.rc.SentBytes(),
		TotalSize:      r.total,
	})
}

// emitSent may run on the transport goroutine, so it only reads values fixed for the attempt.
func (r *sequencerRun) emitSent(attempt int, sent int64) {
	if r.hooks.OnProgress == nil {
		return
	}
	r.hooks.OnProgress(Progress{
		State:          StateSending,
		ChunkIndex:     r.rc.ChunkIndex(),
		Attempt:        attempt,
		ConfirmedBytes: r.rc.ConfirmedBytes(),
		SentBytes:      sent,
		TotalSize:      r.total,
	})
}
