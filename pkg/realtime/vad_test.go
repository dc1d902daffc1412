package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// window builds a 100 ms window of constant-amplitude samples.
func window(amplitude float32) []float32 {
	samples := make([]float32, SampleRate/10)
	for i := range samples {
		samples[i] = amplitude
	}
	return samples
}

func TestVADDetectsSpeechStartAfterMinDuration(t *testing.T) {
	v := New(Config{EnergyThreshold: 0.02, MinSilenceMs: 300, MinSpeechMs: 150})

	// First loud window accumulates 100 ms, below the 150 ms floor.
	require.Equal(t, EventNone, v.Process(window(0.5), SampleRate, 100))
	require.False(t, v.IsSpeechActive())

	// Second loud window crosses it.
	require.Equal(t, EventSpeechStart, v.Process(window(0.5), SampleRate, 200))
	require.True(t, v.IsSpeechActive())
	require.Equal(t, int64(200), v.SpeechStartMs())
}

func TestVADDetectsSpeechEndAfterSilence(t *testing.T) {
	v := New(Config{EnergyThreshold: 0.02, MinSilenceMs: 200, MinSpeechMs: 100})

	require.Equal(t, EventSpeechStart, v.Process(window(0.5), SampleRate, 100))

	// One quiet window is only 100 ms of silence; not enough yet.
	require.Equal(t, EventNone, v.Process(window(0.0), SampleRate, 200))
	require.True(t, v.IsSpeechActive())

	require.Equal(t, EventSpeechEnd, v.Process(window(0.0), SampleRate, 300))
	require.False(t, v.IsSpeechActive())
	require.Equal(t, int64(300), v.SpeechEndMs())
}

func TestVADBriefDipDoesNotEndSpeech(t *testing.T) {
	v := New(Config{EnergyThreshold: 0.02, MinSilenceMs: 300, MinSpeechMs: 100})

	require.Equal(t, EventSpeechStart, v.Process(window(0.5), SampleRate, 100))
	require.Equal(t, EventNone, v.Process(window(0.0), SampleRate, 200))
	// Speech resumes; the silence accumulator resets.
	require.Equal(t, EventNone, v.Process(window(0.5), SampleRate, 300))
	require.Equal(t, EventNone, v.Process(window(0.0), SampleRate, 400))
	require.True(t, v.IsSpeechActive())
}

func TestVADSilenceAloneNeverFires(t *testing.T) {
	v := New(DefaultConfig())
	for i := 0; i < 20; i++ {
		require.Equal(t, EventNone, v.Process(window(0.001), SampleRate, int64(i*100)))
	}
	require.False(t, v.IsSpeechActive())
}

func TestVADResetClearsState(t *testing.T) {
	v := New(Config{EnergyThreshold: 0.02, MinSilenceMs: 200, MinSpeechMs: 100})
	require.Equal(t, EventSpeechStart, v.Process(window(0.5), SampleRate, 100))

	v.Reset()
	require.False(t, v.IsSpeechActive())
	// After a reset, detection starts from scratch.
	require.Equal(t, EventSpeechStart, v.Process(window(0.5), SampleRate, 500))
}
