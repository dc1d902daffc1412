// Package telemetry defines the per-backend-instance telemetry record and
// a thread-safe accumulator the streaming proxy and router share without
// holding a pointer to one another (see the design note on cyclic
// references in SPEC_FULL.md §9).
package telemetry

import (
	"sync"
	"time"
)

// Record holds the telemetry accumulated for one loaded backend instance.
type Record struct {
	InputTokens       int       `json:"input_tokens"`
	OutputTokens      int       `json:"output_tokens"`
	TimeToFirstTokenS float64   `json:"time_to_first_token_s"`
	TokensPerSecond   float64   `json:"tokens_per_second"`
	DecodeIntervals   []float64 `json:"decode_token_intervals"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Sink is a thread-safe accumulator for one backend instance's telemetry.
// Adapters and the streaming proxy only ever hold a Sink, never the
// router itself, breaking the adapter<->router reference cycle.
type Sink struct {
	mu     sync.Mutex
	record Record
}

// NewSink creates an empty telemetry sink.
func NewSink() *Sink {
	return &Sink{}
}

// Update merges a completed request's telemetry into the running record.
// Token counts accumulate; timing fields reflect the most recent request.
func (s *Sink) Update(update Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.InputTokens += update.InputTokens
	s.record.OutputTokens += update.OutputTokens
	if update.TimeToFirstTokenS > 0 {
		s.record.TimeToFirstTokenS = update.TimeToFirstTokenS
	}
	if update.TokensPerSecond > 0 {
		s.record.TokensPerSecond = update.TokensPerSecond
	}
	if len(update.DecodeIntervals) > 0 {
		s.record.DecodeIntervals = update.DecodeIntervals
	}
	s.record.LastUpdated = time.Now()
}

// Snapshot returns a copy of the current telemetry record.
func (s *Sink) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record
	rec.DecodeIntervals = append([]float64(nil), s.record.DecodeIntervals...)
	return rec
}

// Reset clears the accumulated telemetry, used when a backend is unloaded
// and a fresh instance is about to take its place.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = Record{}
}
