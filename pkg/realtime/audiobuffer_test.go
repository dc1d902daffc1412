package realtime

import (
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestAppendDecodesPCM16(t *testing.T) {
	b := NewBuffer()
	samples := []int16{100, -200, 32767, -32768}
	require.NoError(t, b.Append(base64.StdEncoding.EncodeToString(pcmBytes(samples))))

	require.Equal(t, len(samples), b.SampleCount())
	floats := b.Samples()
	require.InDelta(t, 100.0/32768.0, float64(floats[0]), 1e-6)
	require.InDelta(t, -200.0/32768.0, float64(floats[1]), 1e-6)
}

func TestAppendRejectsInvalidBase64(t *testing.T) {
	b := NewBuffer()
	require.Error(t, b.Append("not!!base64"))
	require.True(t, b.Empty())
}

func TestWAVHeaderAndPayload(t *testing.T) {
	b := NewBuffer()
	b.AppendRaw([]int16{1, 2, 3, 4})

	wav := b.WAV()
	require.Equal(t, "RIFF", string(wav[0:4]))
	require.Equal(t, "WAVE", string(wav[8:12]))
	require.Equal(t, "data", string(wav[36:40]))
	require.Equal(t, uint32(8), binary.LittleEndian.Uint32(wav[40:44]))
	require.Equal(t, uint32(SampleRate), binary.LittleEndian.Uint32(wav[24:28]))
	require.Len(t, wav, 44+8)
}

func TestWAVPaddedExtendsShortClips(t *testing.T) {
	b := NewBuffer()
	b.AppendRaw(make([]int16, SampleRate/10)) // 100 ms

	wav := b.WAVPadded(1250)
	wantSamples := 1250 * SampleRate / 1000
	require.Len(t, wav, 44+wantSamples*2)

	// A clip already past the floor is not padded.
	long := NewBuffer()
	long.AppendRaw(make([]int16, 2*SampleRate))
	require.Len(t, long.WAVPadded(1250), 44+2*SampleRate*2)
}

func TestRecentSamplesReturnsTrailingWindow(t *testing.T) {
	b := NewBuffer()
	samples := make([]int16, SampleRate) // 1 s
	for i := range samples {
		samples[i] = int16(i % 100)
	}
	b.AppendRaw(samples)

	recent := b.RecentSamples(100)
	require.Len(t, recent, SampleRate/10)

	// A window longer than the buffer returns the whole buffer.
	small := NewBuffer()
	small.AppendRaw([]int16{1, 2, 3})
	require.Len(t, small.RecentSamples(100), 3)
}

func TestClearAndDuration(t *testing.T) {
	b := NewBuffer()
	b.AppendRaw(make([]int16, SampleRate/2))
	require.Equal(t, int64(500), b.DurationMs())

	b.Clear()
	require.True(t, b.Empty())
	require.Equal(t, int64(0), b.DurationMs())
}
