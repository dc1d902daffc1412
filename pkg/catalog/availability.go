package catalog

import (
	"os/exec"
	"runtime"
	"strings"

	"github.com/elastic/go-sysinfo"
	"github.com/jaypipes/ghw"
	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/pathutil"
)

// amdNPUVendorID is AMD's PCI vendor ID; Ryzen AI NPUs enumerate as AMD
// signal-processing devices under this vendor.
const amdNPUVendorID = "1022"

// repoRequiring64GB names the one catalog model gated behind an explicit
// 64 GB RAM floor instead of the generic 80%-of-RAM rule; with the floor
// met it stays available even where its declared size would trip the
// generic rule. Compared against the checkpoint's repo with the
// ":variant" suffix stripped.
const repoRequiring64GB = "unsloth/Llama-4-Scout-17B-16E-Instruct-GGUF"

// Availability is a one-shot snapshot of which backend families this host
// can actually run, consulted when filtering the catalog.
type Availability struct {
	NPUHardware   bool
	RyzenAIServe  bool
	IsMacOS       bool
	TotalRAMBytes uint64
}

// DetectAvailability probes hardware and third-party CLI presence. It
// never returns an error: every signal defaults to "unavailable" on
// detection failure so a broken probe degrades the catalog rather than
// crashing the gateway.
func DetectAvailability(log logging.Logger) Availability {
	a := Availability{IsMacOS: runtime.GOOS == "darwin"}

	if pathutil.SkipNPUCheck() {
		a.NPUHardware = true
	} else {
		a.NPUHardware = detectNPU(log)
	}

	if _, err := exec.LookPath(HubCLIName); err == nil {
		a.RyzenAIServe = true
	}

	if host, err := sysinfo.Host(); err == nil {
		if mem, err := host.Memory(); err == nil {
			a.TotalRAMBytes = mem.Total
		} else {
			log.Warnf("could not read system memory: %v", err)
		}
	} else {
		log.Warnf("could not read host info: %v", err)
	}

	return a
}

func detectNPU(log logging.Logger) bool {
	if runtime.GOOS != "windows" {
		return false
	}
	pci, err := ghw.PCI()
	if err != nil {
		log.Warnf("PCI enumeration failed, assuming no NPU: %v", err)
		return false
	}
	for _, dev := range pci.Devices {
		if dev.Vendor != nil && dev.Vendor.ID == amdNPUVendorID &&
			dev.Class != nil && strings.Contains(strings.ToLower(dev.Class.Name), "signal processing") {
			return true
		}
	}
	return false
}

// filterByBackend drops descriptors whose backend dependencies are
// absent: onnx-npu/onnx-hybrid need NPU hardware (or the skip-check
// override) and the ryzenai-serve CLI, macOS only serves gguf-runtime,
// the one checkpoint with a hard-coded 64 GB RAM floor is kept or dropped
// by that floor alone, and any other model whose declared size exceeds
// 80% of system RAM is dropped.
func filterByBackend(models map[string]*Descriptor, a Availability, log logging.Logger) map[string]*Descriptor {
	filtered := make(map[string]*Descriptor, len(models))
	var dropped []string

	ramThreshold := float64(a.TotalRAMBytes) * 0.8 / (1 << 30)

	for name, d := range models {
		switch d.Recipe {
		case RecipeONNXNPU, RecipeONNXHybrid:
			if !a.NPUHardware || !a.RyzenAIServe {
				dropped = append(dropped, name)
				continue
			}
		}

		if a.IsMacOS && d.Recipe != RecipeGGUFRuntime {
			dropped = append(dropped, name)
			continue
		}

		if repo, _, _ := strings.Cut(d.Checkpoint, ":"); repo == repoRequiring64GB {
			if a.TotalRAMBytes < 64*(1<<30) {
				dropped = append(dropped, name)
				continue
			}
			filtered[name] = d
			continue
		}

		if a.TotalRAMBytes > 0 && d.SizeGB > ramThreshold {
			dropped = append(dropped, name)
			continue
		}

		filtered[name] = d
	}

	if len(dropped) > 0 {
		log.Infof("availability filter dropped %d model(s): %v", len(dropped), dropped)
	}
	return filtered
}
