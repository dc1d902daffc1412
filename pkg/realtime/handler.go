package realtime

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lemonade-run/gateway/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Realtime transcription is consumed by local and browser clients
	// across arbitrary origins during development; CORS-equivalent
	// filtering is handled upstream by pkg/middleware, not here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn wraps one websocket connection as a Sender, serializing writes
// since gorilla/websocket forbids concurrent writers on the same
// connection.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) Send(event map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(event)
}

// clientMessage is the envelope for every inbound control message, mirroring
// the message kinds realtime_session.cpp's websocket loop switches on.
type clientMessage struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`

	// start / update
	TurnDetection *vadTurnDetection `json:"turn_detection,omitempty"`

	// audio_chunk
	Audio string `json:"audio,omitempty"`
}

type vadTurnDetection struct {
	Threshold         *float64 `json:"threshold,omitempty"`
	SilenceDurationMs *int     `json:"silence_duration_ms,omitempty"`
	PrefixPaddingMs   *int     `json:"prefix_padding_ms,omitempty"`
}

func (t *vadTurnDetection) toConfig(base Config) Config {
	if t == nil {
		return base
	}
	cfg := base
	if t.Threshold != nil {
		cfg.EnergyThreshold = *t.Threshold
	}
	if t.SilenceDurationMs != nil {
		cfg.MinSilenceMs = *t.SilenceDurationMs
	}
	if t.PrefixPaddingMs != nil {
		cfg.MinSpeechMs = *t.PrefixPaddingMs
	}
	return cfg
}

// Handler upgrades HTTP connections to websocket and drives one Session
// per connection for its lifetime.
type Handler struct {
	log     logging.Logger
	manager *Manager
}

// NewHandler creates an http.Handler serving the realtime transcription
// websocket endpoint.
func NewHandler(log logging.Logger, manager *Manager) *Handler {
	return &Handler{log: log, manager: manager}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("realtime: websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	c := &conn{ws: ws}
	ctx := r.Context()

	var session *Session
	defer func() {
		if session != nil {
			h.manager.CloseSession(session.ID)
		}
	}()

	for {
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "start":
			vadCfg := msg.TurnDetection.toConfig(DefaultConfig())
			session = h.manager.CreateSession(c, msg.Model, vadCfg)

		case "update":
			if session == nil {
				_ = c.Send(errorEvent("no active session"))
				continue
			}
			var cfgPtr *Config
			if msg.TurnDetection != nil {
				cfg := msg.TurnDetection.toConfig(session.VAD.cfg)
				cfgPtr = &cfg
			}
			h.manager.UpdateSession(session, msg.Model, cfgPtr)

		case "audio_chunk":
			if session == nil {
				_ = c.Send(errorEvent("no active session"))
				continue
			}
			h.manager.AppendAudio(ctx, session, msg.Audio)

		case "commit":
			if session == nil {
				_ = c.Send(errorEvent("no active session"))
				continue
			}
			h.manager.CommitAudio(ctx, session)

		case "clear":
			if session == nil {
				_ = c.Send(errorEvent("no active session"))
				continue
			}
			h.manager.ClearAudio(session)

		default:
			_ = c.Send(errorEvent("unknown message type: " + msg.Type))
		}
	}
}
