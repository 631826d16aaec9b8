package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroSource serves size zero bytes without holding them in memory.
type zeroSource struct {
	size int64
}

func (z zeroSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= z.size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if off+n > z.size {
		n = z.size - off
	}
	clear(p[:n])
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (z zeroSource) Name() string { return "zero.mp4" }
func (z zeroSource) Size() int64  { return z.size }

// fakeTransferrer answers with scripted outcomes by call index and confirms the window otherwise.
type fakeTransferrer struct {
	outcomes map[int]ChunkOutcome
	always   *ChunkOutcome
	windows  []TransferWindow
	onCall   func(call int)
}

func (f *fakeTransferrer) Transfer(_ context.Context, _ UploadTarget, w TransferWindow, data []byte, onProgress func(int64)) ChunkOutcome {
	call := len(f.windows)
	f.windows = append(f.windows, w)
	if f.onCall != nil {
		f.onCall(call)
	}
	if onProgress != nil {
		onProgress(int64(len(data)))
	}

	if f.always != nil {
		return *f.always
	}
	if outcome, ok := f.outcomes[call]; ok {
		return outcome
	}
	return Confirmed(w.End+1, w.IsLast())
}

type probeAnswer struct {
	result ProbeResult
	err    error
}

// fakeProber answers with scripted results in order, then repeats the last one.
type fakeProber struct {
	answers []probeAnswer
	calls   int
}

func (f *fakeProber) Probe(context.Context, UploadTarget, int64) (ProbeResult, error) {
	f.calls++
	if len(f.answers) == 0 {
		return ProbeResult{}, errors.New("no answer")
	}
	i := f.calls - 1
	if i >= len(f.answers) {
		i = len(f.answers) - 1
	}
	return f.answers[i].result, f.answers[i].err
}

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

type sequencerFixture struct {
	transferrer *fakeTransferrer
	prober      *fakeProber
	sleeper     *recordingSleeper
	progress    []Progress
	retries     []int
	trusted     []TransferWindow
	authFails   int
}

func newSequencerFixture() *sequencerFixture {
	return &sequencerFixture{
		transferrer: &fakeTransferrer{outcomes: map[int]ChunkOutcome{}},
		prober:      &fakeProber{},
		sleeper:     &recordingSleeper{},
	}
}

func (f *sequencerFixture) sequencer(t *testing.T, profile DeviceProfile) *Sequencer {
	t.Helper()
	s, err := NewSequencer(SequencerConfig{
		Profile:     profile,
		Transferrer: f.transferrer,
		Prober:      f.prober,
		Sleeper:     f.sleeper.Sleep,
		Hooks: Hooks{
			OnProgress:    func(p Progress) { f.progress = append(f.progress, p) },
			OnAuthFailure: func() { f.authFails++ },
			OnRetry:       func(_ TransferWindow, attempt int, _ Reason) { f.retries = append(f.retries, attempt) },
			OnTrust:       func(w TransferWindow, _ int64) { f.trusted = append(f.trusted, w) },
		},
	}, log.NewLogger())
	require.NoError(t, err)
	return s
}

func uploadError(t *testing.T, err error) *UploadError {
	t.Helper()
	var uerr *UploadError
	require.True(t, errors.As(err, &uerr), "expected *UploadError, got %T: %v", err, err)
	return uerr
}

func TestNewSequencer_Validation(t *testing.T) {
	profile := DesktopProfile(MiB)

	_, err := NewSequencer(SequencerConfig{Profile: profile, Prober: &fakeProber{}}, log.NewLogger())
	require.Error(t, err)

	_, err = NewSequencer(SequencerConfig{Profile: profile, Transferrer: &fakeTransferrer{}}, log.NewLogger())
	require.Error(t, err)

	profile.MaxRetries = 0
	_, err = NewSequencer(SequencerConfig{Profile: profile, Transferrer: &fakeTransferrer{}, Prober: &fakeProber{}}, log.NewLogger())
	require.Error(t, err)
}

func TestSequencer_Run_AllConfirmed(t *testing.T) {
	f := newSequencerFixture()
	f.transferrer.outcomes[2] = ChunkOutcome{Kind: OutcomeConfirmed, ConfirmedBytes: 150_000_000, Complete: true, FileID: "file-1"}
	s := f.sequencer(t, DesktopProfile(70_000_000))

	rc := NewUploadRunContext(150_000_000)
	result, err := s.Run(context.Background(), rc, "https://upload.example/session", zeroSource{size: 150_000_000})
	require.NoError(t, err)

	assert.Equal(t, []TransferWindow{
		{Start: 0, End: 69_999_999, Total: 150_000_000},
		{Start: 70_000_000, End: 139_999_999, Total: 150_000_000},
		{Start: 140_000_000, End: 149_999_999, Total: 150_000_000},
	}, f.transferrer.windows)
	assert.Equal(t, int64(150_000_000), result.ConfirmedBytes)
	assert.Equal(t, "file-1", result.FileID)
	assert.Equal(t, 3, result.Chunks)
	assert.Equal(t, 0, result.Retries)
	assert.Equal(t, 0, f.prober.calls)

	assert.Equal(t, StateComplete, rc.State())
	assert.Equal(t, int64(150_000_000), rc.ConfirmedBytes())
	assert.Equal(t, int64(3), rc.Stats().FinishedCount())

	// pacing between chunks only
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, f.sleeper.delays)

	require.NotEmpty(t, f.progress)
	last := f.progress[len(f.progress)-1]
	assert.Equal(t, StateComplete, last.State)
	assert.Equal(t, float64(100), last.Percent())
}

func TestSequencer_Run_AmbiguousChunkResolvedByProbe(t *testing.T) {
	f := newSequencerFixture()
	f.transferrer.outcomes[1] = Ambiguous(errors.New("connection reset by peer"))
	f.prober.answers = []probeAnswer{{result: ProbeResult{ConfirmedBytes: 140_000_000}}}
	s := f.sequencer(t, DesktopProfile(70_000_000))

	result, err := s.Run(context.Background(), nil, "target", zeroSource{size: 150_000_000})
	require.NoError(t, err)

	require.Len(t, f.transferrer.windows, 3)
	assert.Equal(t, int64(140_000_000), f.transferrer.windows[2].Start)
	assert.Equal(t, 1, f.prober.calls)
	assert.Equal(t, 0, result.Retries)
	assert.Equal(t, 0, result.TrustedWindows)
	assert.Empty(t, f.retries)
	assert.Equal(t, int64(150_000_000), result.ConfirmedBytes)
}

// The sole window is also the last one, so a failed attempt is accepted without server
// confirmation. This is an accepted-risk path, not a verified upload.
func TestSequencer_Run_SingleWindowTrustMode(t *testing.T) {
	f := newSequencerFixture()
	f.transferrer.always = &ChunkOutcome{Kind: OutcomeRejected, Reason: ReasonServerError, Recoverable: true, StatusCode: 503}
	f.prober.answers = []probeAnswer{{result: ProbeResult{ConfirmedBytes: 0}}}
	s := f.sequencer(t, DesktopProfile(70_000_000))

	result, err := s.Run(context.Background(), nil, "target", zeroSource{size: 5_000_000})
	require.NoError(t, err)

	assert.Len(t, f.transferrer.windows, 1)
	assert.Equal(t, int64(5_000_000), result.ConfirmedBytes)
	assert.Equal(t, 1, result.TrustedWindows)
	assert.Equal(t, 0, result.Retries)
	assert.Empty(t, f.sleeper.delays)
	assert.Equal(t, []TransferWindow{{Start: 0, End: 4_999_999, Total: 5_000_000}}, f.trusted)
}

// The trust shortcut also covers windows starting at or past 90% of the file. Accepted-risk path.
func TestSequencer_Run_TrustModeNearEnd(t *testing.T) {
	total := 20 * MiB
	f := newSequencerFixture()
	// window 19 starts at 18 MiB, exactly 90% of the file
	f.transferrer.outcomes[18] = Ambiguous(context.DeadlineExceeded)
	f.prober.answers = []probeAnswer{{err: errors.New("status check failed")}}
	s := f.sequencer(t, DesktopProfile(MiB))

	result, err := s.Run(context.Background(), nil, "target", zeroSource{size: int64(total)})
	require.NoError(t, err)

	require.Len(t, f.transferrer.windows, 20)
	assert.Equal(t, int64(19*MiB), f.transferrer.windows[19].Start)
	assert.Equal(t, 1, result.TrustedWindows)
	require.Len(t, f.trusted, 1)
	assert.False(t, f.trusted[0].IsLast())
}

func TestSequencer_Run_TrustModeIdempotence(t *testing.T) {
	f := newSequencerFixture()
	total := int64(3 * MiB)
	f.transferrer.outcomes[2] = ChunkOutcome{Kind: OutcomeRejected, Reason: ReasonServerError, Recoverable: true, StatusCode: 500}
	f.prober.answers = []probeAnswer{{result: ProbeResult{ConfirmedBytes: total, Complete: true, FileID: "drive-id"}}}
	s := f.sequencer(t, DesktopProfile(MiB))

	result, err := s.Run(context.Background(), nil, "target", zeroSource{size: total})
	require.NoError(t, err)

	assert.Equal(t, total, result.ConfirmedBytes)
	assert.Equal(t, "drive-id", result.FileID)
	assert.Equal(t, 0, result.TrustedWindows)
	assert.Len(t, f.transferrer.windows, 3)
}

func TestSequencer_Run_RetryCeiling(t *testing.T) {
	tests := []struct {
		name    string
		profile DeviceProfile
		probe   probeAnswer
	}{
		{
			name:    "desktop",
			profile: DesktopProfile(MiB),
			probe:   probeAnswer{result: ProbeResult{ConfirmedBytes: 0}},
		},
		{
			name:    "mobile",
			profile: MobileProfile(),
			probe:   probeAnswer{err: errors.New("status check failed after 3 attempts")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSequencerFixture()
			f.transferrer.always = &ChunkOutcome{Kind: OutcomeRejected, Reason: ReasonServerError, Recoverable: true, StatusCode: 503}
			f.prober.answers = []probeAnswer{tt.probe}
			s := f.sequencer(t, tt.profile)

			total := 3 * tt.profile.ChunkSize
			rc := NewUploadRunContext(total)
			_, err := s.Run(context.Background(), rc, "target", zeroSource{size: total})
			require.Error(t, err)

			uerr := uploadError(t, err)
			assert.Equal(t, ReasonRetryBudgetExhausted, uerr.Reason)
			assert.Equal(t, ReasonServerError, uerr.LastReason)
			assert.Equal(t, int64(0), uerr.ConfirmedBytes)
			assert.Equal(t, 503, uerr.StatusCode)

			maxRetries := MaxRetries(tt.profile.Class)
			assert.Len(t, f.transferrer.windows, maxRetries)
			assert.Equal(t, maxRetries, f.prober.calls)

			var expected []time.Duration
			for attempt := 1; attempt < maxRetries; attempt++ {
				expected = append(expected, RetryDelay(tt.profile.Class, attempt))
			}
			assert.Equal(t, expected, f.sleeper.delays)
			assert.Len(t, f.retries, maxRetries-1)
			assert.Equal(t, StateFailed, rc.State())
		})
	}
}

func TestSequencer_Run_RetryThenSuccess(t *testing.T) {
	f := newSequencerFixture()
	f.transferrer.outcomes[0] = ChunkOutcome{Kind: OutcomeRejected, Reason: ReasonServerError, Recoverable: true, StatusCode: 502}
	f.prober.answers = []probeAnswer{{result: ProbeResult{ConfirmedBytes: 0}}}
	s := f.sequencer(t, DesktopProfile(MiB))

	result, err := s.Run(context.Background(), nil, "target", zeroSource{size: 2 * MiB})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Retries)
	assert.Equal(t, []int{1}, f.retries)
	require.Len(t, f.transferrer.windows, 3)
	assert.Equal(t, f.transferrer.windows[0], f.transferrer.windows[1])
	assert.Equal(t, []time.Duration{2 * time.Second, 100 * time.Millisecond}, f.sleeper.delays)
}

func TestSequencer_Run_MobileWindowSize(t *testing.T) {
	f := newSequencerFixture()
	profile := ProfileFor(Mobile, 70*MiB)
	s := f.sequencer(t, profile)

	total := int64(25 * MiB)
	_, err := s.Run(context.Background(), nil, "target", zeroSource{size: total})
	require.NoError(t, err)

	require.Len(t, f.transferrer.windows, 3)
	for _, w := range f.transferrer.windows {
		assert.LessOrEqual(t, w.Len(), int64(10*MiB))
	}
	assert.Equal(t, int64(5*MiB), f.transferrer.windows[2].Len())
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, f.sleeper.delays)
}

func TestSequencer_Run_MonotonicityAndCoverage(t *testing.T) {
	f := newSequencerFixture()
	total := int64(4 * MiB)
	// server regresses, then a partial probe, then a lost response resolved by probe
	f.transferrer.outcomes[1] = Confirmed(MiB/2, false)
	f.transferrer.outcomes[3] = Ambiguous(errors.New("EOF"))
	f.prober.answers = []probeAnswer{
		{result: ProbeResult{ConfirmedBytes: MiB + MiB/2}},
		{result: ProbeResult{ConfirmedBytes: 3 * MiB}},
	}
	s := f.sequencer(t, DesktopProfile(MiB))

	result, err := s.Run(context.Background(), nil, "target", zeroSource{size: total})
	require.NoError(t, err)
	assert.Equal(t, total, result.ConfirmedBytes)

	var previous int64
	for _, p := range f.progress {
		assert.GreaterOrEqual(t, p.ConfirmedBytes, previous)
		previous = p.ConfirmedBytes
	}

	windows := f.transferrer.windows
	require.Len(t, windows, 5)
	assert.Equal(t, windows[1], windows[2])

	covered := int64(0)
	for _, w := range windows {
		require.LessOrEqual(t, w.Start, covered, "gap before window %s", w)
		if w.End+1 > covered {
			covered = w.End + 1
		}
	}
	assert.Equal(t, total, covered)
	assert.True(t, windows[len(windows)-1].IsLast())
}

func TestSequencer_Run_FatalRejections(t *testing.T) {
	tests := []struct {
		name      string
		outcome   ChunkOutcome
		reason    Reason
		authFails int
	}{
		{
			name:    "expired",
			outcome: ChunkOutcome{Kind: OutcomeRejected, Reason: ReasonExpired, StatusCode: 404, Message: "Not Found"},
			reason:  ReasonExpired,
		},
		{
			name:      "auth failed",
			outcome:   ChunkOutcome{Kind: OutcomeRejected, Reason: ReasonAuthFailed, StatusCode: 401},
			reason:    ReasonAuthFailed,
			authFails: 1,
		},
		{
			name:    "permission denied",
			outcome: ChunkOutcome{Kind: OutcomeRejected, Reason: ReasonPermissionDenied, StatusCode: 403},
			reason:  ReasonPermissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSequencerFixture()
			f.transferrer.outcomes[1] = tt.outcome
			f.prober.answers = []probeAnswer{{result: ProbeResult{ConfirmedBytes: MiB}}}
			s := f.sequencer(t, DesktopProfile(MiB))

			_, err := s.Run(context.Background(), nil, "target", zeroSource{size: 4 * MiB})
			require.Error(t, err)

			uerr := uploadError(t, err)
			assert.Equal(t, tt.reason, uerr.Reason)
			assert.True(t, uerr.Fatal())
			assert.Equal(t, int64(MiB), uerr.ConfirmedBytes)
			assert.Equal(t, tt.outcome.StatusCode, uerr.StatusCode)
			assert.Equal(t, tt.authFails, f.authFails)
			assert.Len(t, f.transferrer.windows, 2)
			assert.Equal(t, 1, f.prober.calls)
			assert.Empty(t, f.retries)
		})
	}
}

func TestSequencer_Run_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSequencerFixture()
	f.transferrer.onCall = func(call int) {
		if call == 1 {
			cancel()
		}
	}
	f.transferrer.outcomes[1] = Ambiguous(context.Canceled)
	s := f.sequencer(t, DesktopProfile(MiB))

	rc := NewUploadRunContext(3 * MiB)
	_, err := s.Run(ctx, rc, "target", zeroSource{size: 3 * MiB})
	require.Error(t, err)

	uerr := uploadError(t, err)
	assert.Equal(t, ReasonCancelled, uerr.Reason)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int64(MiB), uerr.ConfirmedBytes)
	assert.Equal(t, 0, f.prober.calls)
	assert.Equal(t, StateFailed, rc.State())
}

func TestSequencer_Run_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newSequencerFixture()
	s := f.sequencer(t, DesktopProfile(MiB))

	_, err := s.Run(ctx, nil, "target", zeroSource{size: MiB})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, f.transferrer.windows)
}

func TestSequencer_Run_ReadFailure(t *testing.T) {
	f := newSequencerFixture()
	s := f.sequencer(t, DesktopProfile(MiB))

	// declares more bytes than it can serve
	source := shortSource{zeroSource{size: 2 * MiB}}
	_, err := s.Run(context.Background(), nil, "target", source)
	require.Error(t, err)

	uerr := uploadError(t, err)
	assert.Equal(t, int64(MiB), uerr.ConfirmedBytes)
	assert.Len(t, f.transferrer.windows, 1)
}

type shortSource struct {
	zeroSource
}

func (s shortSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size/2 {
		return 0, fmt.Errorf("read %d: device not ready", off)
	}
	return s.zeroSource.ReadAt(p, off)
}
