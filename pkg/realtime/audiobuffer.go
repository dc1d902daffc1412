// Package realtime implements the streaming speech-to-text session
// manager: a growing PCM16 sample buffer, an energy-threshold voice-activity
// detector, and a gorilla/websocket duplex handler, grounded on
// _examples/original_source/src/cpp/server/realtime_session.cpp and
// streaming_audio_buffer.cpp.
package realtime

import (
	"encoding/base64"
	"sync"
)

// SampleRate, Channels, and BitsPerSample are whisper.cpp's expected PCM
// format; the original implementation's header declaring these constants
// was not available in the retrieved sources, so these are the standard
// whisper-compatible values (16 kHz mono 16-bit).
const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
)

// Buffer is a thread-safe accumulator of PCM16 little-endian samples for
// one realtime session.
type Buffer struct {
	mu      sync.Mutex
	samples []int16
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append base64-decodes audio (PCM16 little-endian) and appends it.
func (b *Buffer) Append(base64Audio string) error {
	if base64Audio == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(base64Audio)
	if err != nil {
		return err
	}
	b.AppendRaw(bytesToSamples(raw))
	return nil
}

// AppendRaw appends already-decoded PCM16 samples.
func (b *Buffer) AppendRaw(samples []int16) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, samples...)
}

func bytesToSamples(raw []byte) []int16 {
	n := len(raw) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(uint16(raw[i*2]) | uint16(raw[i*2+1])<<8)
	}
	return samples
}

// WAV renders the buffer's current contents as a WAV container.
func (b *Buffer) WAV() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return buildWAV(b.samples)
}

// WAVPadded renders the buffer as a WAV container, padding with trailing
// silence up to minDurationMs if the buffer is shorter, to avoid whisper
// hallucinating on very short clips.
func (b *Buffer) WAVPadded(minDurationMs int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	minSamples := minDurationMs * SampleRate / 1000
	if len(b.samples) >= minSamples {
		return buildWAV(b.samples)
	}
	padded := make([]int16, minSamples)
	copy(padded, b.samples)
	return buildWAV(padded)
}

// Samples returns the buffer's contents as float32 in [-1, 1].
func (b *Buffer) Samples() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return toFloat32(b.samples)
}

// RecentSamples returns the trailing ms milliseconds of the buffer as
// float32 in [-1, 1], used as the VAD's sliding analysis window.
func (b *Buffer) RecentSamples(ms int) []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := ms * SampleRate / 1000
	if want > len(b.samples) {
		want = len(b.samples)
	}
	start := len(b.samples) - want
	return toFloat32(b.samples[start:])
}

func toFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Clear drops all buffered samples.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = nil
}

// DurationMs reports the buffer's current duration in milliseconds.
func (b *Buffer) DurationMs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.samples)) * 1000 / SampleRate
}

// SampleCount reports the number of buffered samples.
func (b *Buffer) SampleCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Empty reports whether the buffer holds no samples.
func (b *Buffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples) == 0
}

func buildWAV(samples []int16) []byte {
	dataSize := uint32(len(samples) * 2)
	byteRate := uint32(SampleRate * Channels * (BitsPerSample / 8))
	blockAlign := uint16(Channels * (BitsPerSample / 8))

	wav := make([]byte, 0, 44+int(dataSize))
	wav = append(wav, 'R', 'I', 'F', 'F')
	wav = appendU32(wav, 36+dataSize)
	wav = append(wav, 'W', 'A', 'V', 'E')
	wav = append(wav, 'f', 'm', 't', ' ')
	wav = appendU32(wav, 16)
	wav = appendU16(wav, 1) // PCM
	wav = appendU16(wav, uint16(Channels))
	wav = appendU32(wav, uint32(SampleRate))
	wav = appendU32(wav, byteRate)
	wav = appendU16(wav, blockAlign)
	wav = appendU16(wav, uint16(BitsPerSample))
	wav = append(wav, 'd', 'a', 't', 'a')
	wav = appendU32(wav, dataSize)

	for _, s := range samples {
		wav = append(wav, byte(uint16(s)&0xFF), byte(uint16(s)>>8))
	}
	return wav
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
