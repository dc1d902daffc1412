package server

import (
	"net/http"
	"time"
)

// healthResponse is the body for GET/HEAD /health: a liveness marker plus
// the loaded-backend snapshot callers poll to see what is resident.
type healthResponse struct {
	Status       string         `json:"status"`
	UptimeS      float64        `json:"uptime_s"`
	ModelsLoaded []loadedModel  `json:"models_loaded"`
	PoolLimits   map[string]int `json:"pool_limits"`
}

type loadedModel struct {
	ModelName   string `json:"model_name"`
	Backend     string `json:"backend"`
	Type        string `json:"type"`
	IsRunning   bool   `json:"is_running"`
	ContextSize int    `json:"context_size,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := s.router.RunningBackends()
	loaded := make([]loadedModel, 0, len(running))
	for _, st := range running {
		loaded = append(loaded, loadedModel{
			ModelName:   st.ModelName,
			Backend:     st.Backend,
			Type:        st.Type,
			IsRunning:   st.IsRunning,
			ContextSize: st.ContextSize,
		})
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		UptimeS:      time.Since(s.startedAt).Seconds(),
		ModelsLoaded: loaded,
		PoolLimits:   s.router.PoolLimits(),
	})
}
