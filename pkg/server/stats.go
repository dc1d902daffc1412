package server

import (
	"net/http"
	"runtime"

	"github.com/elastic/go-sysinfo"

	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/router"
	"github.com/lemonade-run/gateway/pkg/telemetry"
)

// statsResponse aggregates telemetry across every currently loaded
// backend, with the per-model records alongside the totals.
type statsResponse struct {
	TotalInputTokens  int             `json:"total_input_tokens"`
	TotalOutputTokens int             `json:"total_output_tokens"`
	Models            []modelStats    `json:"models"`
	PoolLimits        map[string]int  `json:"pool_limits"`
}

type modelStats struct {
	ModelName string           `json:"model_name"`
	Backend   string           `json:"backend"`
	Telemetry telemetry.Record `json:"telemetry"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	running := s.router.RunningBackends()

	resp := statsResponse{
		Models:     make([]modelStats, 0, len(running)),
		PoolLimits: s.router.PoolLimits(),
	}
	for _, st := range running {
		resp.TotalInputTokens += st.Telemetry.InputTokens
		resp.TotalOutputTokens += st.Telemetry.OutputTokens
		resp.Models = append(resp.Models, modelStats{
			ModelName: st.ModelName,
			Backend:   st.Backend,
			Telemetry: st.Telemetry,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type systemInfoResponse struct {
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	CPUs          int    `json:"cpus"`
	TotalRAMBytes uint64 `json:"total_ram_bytes"`
	NPUHardware   bool   `json:"npu_hardware"`

	// Verbose-only fields.
	Hostname      string            `json:"hostname,omitempty"`
	KernelVersion string            `json:"kernel_version,omitempty"`
	Engines       map[string]string `json:"inference_engines,omitempty"`
	Orchestration any               `json:"orchestration,omitempty"`
	LoadedModels  []router.Status   `json:"loaded_models,omitempty"`
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	avail := catalog.DetectAvailability(s.log)

	resp := systemInfoResponse{
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		CPUs:          runtime.NumCPU(),
		TotalRAMBytes: avail.TotalRAMBytes,
		NPUHardware:   avail.NPUHardware,
	}

	if r.URL.Query().Get("verbose") == "true" {
		if host, err := sysinfo.Host(); err == nil {
			info := host.Info()
			resp.Hostname = info.Hostname
			resp.KernelVersion = info.KernelVersion
		}
		resp.Engines = engineAvailability(avail)
		if s.orchestrator != nil {
			resp.Orchestration = s.orchestrator.PresetInfo()
		}
		resp.LoadedModels = s.router.RunningBackends()
	}

	writeJSON(w, http.StatusOK, resp)
}

// engineAvailability reports, per backend family, whether the host can
// run it and why not when it can't — the structural view of the
// availability decision log the catalog prints once at startup.
func engineAvailability(a catalog.Availability) map[string]string {
	engines := map[string]string{
		string(catalog.RecipeGGUFRuntime): "available",
		string(catalog.RecipeImageGen):    "available",
		string(catalog.RecipeTTS):         "available",
		string(catalog.RecipeWhisperCPU):  "available",
		string(catalog.RecipeONNXCPU):     "available",
		string(catalog.RecipeONNXNPU):     "available",
		string(catalog.RecipeONNXHybrid):  "available",
		string(catalog.RecipeDockerGPU):   "available",
	}

	if !a.RyzenAIServe {
		engines[string(catalog.RecipeONNXNPU)] = "unavailable: " + catalog.HubCLIName + " CLI not found"
		engines[string(catalog.RecipeONNXHybrid)] = "unavailable: " + catalog.HubCLIName + " CLI not found"
	}
	if !a.NPUHardware {
		engines[string(catalog.RecipeONNXNPU)] = "unavailable: no NPU detected"
		engines[string(catalog.RecipeONNXHybrid)] = "unavailable: no NPU detected"
	}
	if a.IsMacOS {
		for recipe := range engines {
			if recipe != string(catalog.RecipeGGUFRuntime) {
				engines[recipe] = "unavailable: not supported on macOS"
			}
		}
	}
	return engines
}
