// Package catalog builds and maintains the process-wide mapping from model
// name to descriptor: the server-shipped catalog merged with user
// registrations, filtered by backend availability, and annotated with
// whether each model's files are present on disk.
package catalog

// ModelType classifies a descriptor by primary capability, derived from
// its labels.
type ModelType string

const (
	TypeLLM       ModelType = "LLM"
	TypeAudio     ModelType = "AUDIO"
	TypeEmbedding ModelType = "EMBEDDING"
	TypeReranking ModelType = "RERANKING"
	TypeImage     ModelType = "IMAGE"
)

// Device classifies a descriptor by the compute it targets, derived from
// its recipe.
type Device string

const (
	DeviceCPU    Device = "CPU"
	DeviceNPU    Device = "NPU"
	DeviceGPU    Device = "GPU"
	DeviceHybrid Device = "HYBRID"
)

// Recipe names the backend family a descriptor is served by.
type Recipe string

const (
	RecipeGGUFRuntime Recipe = "gguf-runtime"
	RecipeONNXCPU     Recipe = "onnx-cpu"
	RecipeONNXNPU     Recipe = "onnx-npu"
	RecipeONNXHybrid  Recipe = "onnx-hybrid"
	RecipeWhisperCPU  Recipe = "whisper-cpu"
	RecipeImageGen    Recipe = "image-gen"
	RecipeTTS         Recipe = "tts"
	RecipeDockerGPU   Recipe = "docker-gpu"
)

// Source records where a descriptor originated.
type Source string

const (
	SourceCatalog     Source = "catalog"
	SourceLocalUpload Source = "local-upload"
	SourceLocalPath   Source = "local-path"
)

// Descriptor is the full record the gateway keeps for one logical model.
type Descriptor struct {
	Name       string   `json:"name"`
	Checkpoint string   `json:"checkpoint"`
	Recipe     Recipe   `json:"recipe"`
	MMProj     string   `json:"mmproj,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	SizeGB     float64  `json:"size_gb,omitempty"`
	Suggested  bool     `json:"suggested,omitempty"`
	Source     Source   `json:"source"`

	// Type and Device are derived, not stored in the source JSON; they're
	// recomputed by classify() whenever a Descriptor is built.
	Type   ModelType `json:"type"`
	Device Device    `json:"device"`

	// Downloaded reports whether the descriptor's files are present on
	// disk; ResolvedPath is the absolute location to hand the backend
	// once they are.
	Downloaded   bool   `json:"downloaded"`
	ResolvedPath string `json:"resolved_path,omitempty"`
}

// HasLabel reports whether d carries the given free-form label.
func (d *Descriptor) HasLabel(label string) bool {
	for _, l := range d.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// classify fills in Type and Device from Labels and Recipe.
func (d *Descriptor) classify() {
	switch {
	case d.HasLabel("embeddings"):
		d.Type = TypeEmbedding
	case d.HasLabel("reranking"):
		d.Type = TypeReranking
	case d.Recipe == RecipeWhisperCPU || d.Recipe == RecipeTTS:
		d.Type = TypeAudio
	case d.Recipe == RecipeImageGen:
		d.Type = TypeImage
	default:
		d.Type = TypeLLM
	}

	switch d.Recipe {
	case RecipeONNXNPU:
		d.Device = DeviceNPU
	case RecipeONNXHybrid:
		d.Device = DeviceHybrid
	case RecipeDockerGPU:
		d.Device = DeviceGPU
	default:
		d.Device = DeviceCPU
	}
}
