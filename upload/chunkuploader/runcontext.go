package chunkuploader

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// UploadRunContext is the shared view of one running upload. The sequencer is its only writer;
// observers such as the Watchdog only read it.
type UploadRunContext struct {
	RunID     string
	StartedAt time.Time
	TotalSize int64

	confirmedBytes atomic.Int64
	sentBytes      atomic.Int64
	lastProgress   atomic.Int64
	state          atomic.Int32
	chunkIndex     atomic.Int32

	stats *Stats
	now   func() time.Time
}

// NewUploadRunContext ...
func NewUploadRunContext(totalSize int64) *UploadRunContext {
	return newUploadRunContext(totalSize, time.Now)
}

func newUploadRunContext(totalSize int64, now func() time.Time) *UploadRunContext {
	rc := &UploadRunContext{
		RunID:     uuid.NewString(),
		StartedAt: now(),
		TotalSize: totalSize,
		stats:     NewStats(),
		now:       now,
	}
	rc.lastProgress.Store(rc.StartedAt.UnixNano())
	return rc
}

// ConfirmedBytes ...
func (rc *UploadRunContext) ConfirmedBytes() int64 {
	return rc.confirmedBytes.Load()
}

// SentBytes ...
func (rc *UploadRunContext) SentBytes() int64 {
	return rc.sentBytes.Load()
}

// State ...
func (rc *UploadRunContext) State() State {
	return State(rc.state.Load())
}

// ChunkIndex ...
func (rc *UploadRunContext) ChunkIndex() int {
	return int(rc.chunkIndex.Load())
}

// LastProgress returns the time bytes were last sent or confirmed.
func (rc *UploadRunContext) LastProgress() time.Time {
	return time.Unix(0, rc.lastProgress.Load())
}

// Stats ...
func (rc *UploadRunContext) Stats() *Stats {
	return rc.stats
}

func (rc *UploadRunContext) setState(s State) {
	rc.state.Store(int32(s))
}

func (rc *UploadRunContext) setChunkIndex(i int) {
	rc.chunkIndex.Store(int32(i))
}

func (rc *UploadRunContext) setConfirmed(n int64) {
	rc.confirmedBytes.Store(n)
	rc.sentBytes.Store(n)
	rc.touch()
}

func (rc *UploadRunContext) setSent(n int64) {
	rc.sentBytes.Store(n)
	rc.touch()
}

func (rc *UploadRunContext) touch() {
	rc.lastProgress.Store(rc.now().UnixNano())
}
