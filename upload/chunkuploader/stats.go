package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks chunk upload metrics for stall reporting and the final summary.
type Stats struct {
	sum             time.Duration
	finishedChunks  int64
	retries         int64
	probes          int64
	trustedWindows  int64
	probeRecoveries int64
	mu              sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records the duration of a confirmed chunk, including its retries.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
}

func (s *Stats) addRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

func (s *Stats) addProbe(recovered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	if recovered {
		s.probeRecoveries++
	}
}

func (s *Stats) addTrusted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trustedWindows++
}

// Average returns the average duration of confirmed chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of confirmed chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// TotalDuration returns the sum of all chunk durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

// Retries returns the number of retried transfer attempts.
func (s *Stats) Retries() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Probes returns the number of status probes and how many of them proved a window had landed.
func (s *Stats) Probes() (total, recovered int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes, s.probeRecoveries
}

// TrustedWindows returns the number of windows accepted without server confirmation.
func (s *Stats) TrustedWindows() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trustedWindows
}
