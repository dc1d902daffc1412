package realtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/router"
)

// minPaddedDurationMs is the minimum clip length transcription pads to,
// grounded on realtime_session.cpp's transcribe_and_send calling
// get_wav_padded(1250).
const minPaddedDurationMs = 1250

// vadWindowMs is the trailing analysis window processed on every
// audio_chunk, per spec.md §4.10 ("run VAD over recent 100 ms").
const vadWindowMs = 100

// Sender delivers one JSON event to the session's client. Implemented by
// the websocket connection wrapper in handler.go; kept as an interface
// so the manager has no direct gorilla/websocket dependency.
type Sender interface {
	Send(event map[string]any) error
}

// Session is one realtime transcription session's mutable state:
// identifier, configured model, sample buffer, and VAD.
type Session struct {
	ID     string
	Model  string
	Buffer *Buffer
	VAD    *VAD
	sender Sender

	mu     sync.Mutex
	active bool
}

func newSessionID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return "sess_" + hex.EncodeToString(buf)
}

// Manager owns every active realtime session and drives transcription
// through the router, grounded on RealtimeSessionManager in
// realtime_session.cpp.
type Manager struct {
	log    logging.Logger
	router *router.Router

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session Manager.
func NewManager(log logging.Logger, r *router.Router) *Manager {
	return &Manager{log: log, router: r, sessions: make(map[string]*Session)}
}

// CreateSession starts a new session, applying its initial model and
// turn_detection configuration, and sends a
// "transcription_session.created" event to sender.
func (m *Manager) CreateSession(sender Sender, model string, vadConfig Config) *Session {
	s := &Session{
		ID:     newSessionID(),
		Model:  model,
		Buffer: NewBuffer(),
		VAD:    New(vadConfig),
		sender: sender,
		active: true,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	_ = sender.Send(map[string]any{
		"type":    "transcription_session.created",
		"session": map[string]any{"id": s.ID},
	})
	return s
}

// UpdateSession applies new model/VAD configuration to an existing
// session.
func (m *Manager) UpdateSession(s *Session, model string, vadConfig *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model != "" {
		s.Model = model
	}
	if vadConfig != nil {
		s.VAD.SetConfig(*vadConfig)
	}
	_ = s.sender.Send(map[string]any{
		"type":    "transcription_session.updated",
		"session": map[string]any{"id": s.ID, "model": s.Model},
	})
}

// CloseSession removes a session from the manager.
func (m *Manager) CloseSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		delete(m.sessions, id)
	}
}

// AppendAudio decodes and appends a base64 PCM16 chunk, then runs VAD
// over the buffer's trailing window, emitting speech-started /
// speech-stopped events and triggering transcription on speech end.
func (m *Manager) AppendAudio(ctx context.Context, s *Session, base64Audio string) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return
	}

	if err := s.Buffer.Append(base64Audio); err != nil {
		_ = s.sender.Send(errorEvent("invalid audio_chunk: " + err.Error()))
		return
	}

	m.processVAD(ctx, s)
}

func (m *Manager) processVAD(ctx context.Context, s *Session) {
	recent := s.Buffer.RecentSamples(vadWindowMs)
	if len(recent) == 0 {
		return
	}

	duration := s.Buffer.DurationMs()
	event := s.VAD.Process(recent, SampleRate, duration)

	switch event {
	case EventSpeechStart:
		_ = s.sender.Send(map[string]any{
			"type":           "input_audio_buffer.speech_started",
			"audio_start_ms": s.VAD.SpeechStartMs(),
		})
	case EventSpeechEnd:
		_ = s.sender.Send(map[string]any{
			"type":         "input_audio_buffer.speech_stopped",
			"audio_end_ms": s.VAD.SpeechEndMs(),
		})
		m.transcribeAndSend(ctx, s)
	}
}

// CommitAudio transcribes the current buffer regardless of VAD state.
func (m *Manager) CommitAudio(ctx context.Context, s *Session) {
	if s.Buffer.Empty() {
		return
	}
	_ = s.sender.Send(map[string]any{"type": "input_audio_buffer.committed"})
	m.transcribeAndSend(ctx, s)
}

// ClearAudio drops the buffer and resets VAD state.
func (m *Manager) ClearAudio(s *Session) {
	s.Buffer.Clear()
	s.VAD.Reset()
	_ = s.sender.Send(map[string]any{"type": "input_audio_buffer.cleared"})
}

func (m *Manager) transcribeAndSend(ctx context.Context, s *Session) {
	if s.Buffer.Empty() {
		return
	}

	wav := s.Buffer.WAVPadded(minPaddedDurationMs)

	capable, err := router.Dispatch[backend.TranscriptionCapable](ctx, m.router, s.Model, backend.LoadOptions{})
	if err != nil {
		m.sendTranscriptionError(s, err)
		return
	}

	text, err := capable.Transcribe(ctx, wav, "realtime_audio.wav", "", "")
	if err != nil {
		m.sendTranscriptionError(s, err)
		return
	}

	_ = s.sender.Send(map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": text,
	})

	s.Buffer.Clear()
	s.VAD.Reset()
}

func (m *Manager) sendTranscriptionError(s *Session, err error) {
	m.log.Warnf("realtime session %s: transcription failed: %v", s.ID, err)
	_ = s.sender.Send(errorEvent(fmt.Sprintf("Transcription failed: %v", err)))
}

func errorEvent(message string) map[string]any {
	return map[string]any{
		"type": "error",
		"error": map[string]string{
			"message": message,
			"type":    "transcription_error",
		},
	}
}
