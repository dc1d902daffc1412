package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateAccumulatesTokensAndKeepsLatestTimings(t *testing.T) {
	s := NewSink()

	s.Update(Record{InputTokens: 10, OutputTokens: 5, TimeToFirstTokenS: 0.3, TokensPerSecond: 20})
	s.Update(Record{InputTokens: 7, OutputTokens: 3, TimeToFirstTokenS: 0.1, TokensPerSecond: 40})

	rec := s.Snapshot()
	require.Equal(t, 17, rec.InputTokens)
	require.Equal(t, 8, rec.OutputTokens)
	require.InDelta(t, 0.1, rec.TimeToFirstTokenS, 1e-9)
	require.InDelta(t, 40.0, rec.TokensPerSecond, 1e-9)
	require.False(t, rec.LastUpdated.IsZero())
}

func TestUpdateZeroTimingsDoNotClobber(t *testing.T) {
	s := NewSink()
	s.Update(Record{TimeToFirstTokenS: 0.3, TokensPerSecond: 20})
	s.Update(Record{InputTokens: 1})

	rec := s.Snapshot()
	require.InDelta(t, 0.3, rec.TimeToFirstTokenS, 1e-9)
	require.InDelta(t, 20.0, rec.TokensPerSecond, 1e-9)
}

func TestSnapshotCopiesIntervals(t *testing.T) {
	s := NewSink()
	s.Update(Record{DecodeIntervals: []float64{0.01, 0.02}})

	rec := s.Snapshot()
	rec.DecodeIntervals[0] = 99

	fresh := s.Snapshot()
	require.InDelta(t, 0.01, fresh.DecodeIntervals[0], 1e-9)
}

func TestResetClearsRecord(t *testing.T) {
	s := NewSink()
	s.Update(Record{InputTokens: 10})
	s.Reset()
	require.Equal(t, Record{}, s.Snapshot())
}
