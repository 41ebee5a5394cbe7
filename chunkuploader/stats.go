package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks chunk upload attempts for hung detection and reporting.
type Stats struct {
	sum            time.Duration
	attempts       int64
	failures       int64
	finishedChunks int64
	mu             sync.Mutex
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Attempts       int64
	Failures       int64
	FinishedChunks int64
	Average        time.Duration
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk upload duration.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
}

// Average returns the average upload duration for completed chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.average()
}

// FinishedCount returns the number of completed chunk uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Attempts:       s.attempts,
		Failures:       s.failures,
		FinishedChunks: s.finishedChunks,
		Average:        s.average(),
	}
}

func (s *Stats) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
}

func (s *Stats) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
}

func (s *Stats) average() time.Duration {
	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}
