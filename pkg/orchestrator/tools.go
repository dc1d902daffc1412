package orchestrator

import (
	"encoding/json"

	"github.com/lemonade-run/gateway/pkg/openai"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// toolSchemas holds the compiled JSON schema for each tool's parameters,
// used to validate a tool call's arguments before dispatch — the
// idiomatic-Go generalization of the teacher's hand-validated field
// checks (orchestrator.cpp's execute_* functions each check
// arguments.contains(...) by hand).
var toolSchemas map[string]*jsonschema.Schema

func init() {
	toolSchemas = make(map[string]*jsonschema.Schema, len(toolDefs))
	for _, t := range toolDefs {
		compiler := jsonschema.NewCompiler()
		var schemaDoc any
		if err := json.Unmarshal(t.Function.Parameters, &schemaDoc); err != nil {
			panic("orchestrator: invalid built-in tool schema for " + t.Function.Name + ": " + err.Error())
		}
		url := "mem://" + t.Function.Name
		if err := compiler.AddResource(url, schemaDoc); err != nil {
			panic("orchestrator: compiling schema for " + t.Function.Name + ": " + err.Error())
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			panic("orchestrator: compiling schema for " + t.Function.Name + ": " + err.Error())
		}
		toolSchemas[t.Function.Name] = schema
	}
}

func rawSchema(s string) json.RawMessage { return json.RawMessage(s) }

// toolDefs is the fixed set of five tools the orchestrator exposes, one
// per endpoint capability, grounded verbatim on orchestrator.cpp's
// build_endpoint_tools() (names, descriptions, and required-field sets
// are carried over unchanged; only the encoding is idiomatic Go instead
// of nlohmann::json literals).
var toolDefs = []openai.Tool{
	{
		Type: "function",
		Function: openai.ToolFunction{
			Name: "transcribe_audio",
			Description: "Transcribe an audio file to text. Use when the user asks to " +
				"transcribe, caption, or convert speech to text.",
			Parameters: rawSchema(`{
				"type": "object",
				"properties": {
					"language": {"type": "string", "description": "Optional ISO-639-1 language code (e.g. 'en', 'es', 'fr')."}
				},
				"required": []
			}`),
		},
	},
	{
		Type: "function",
		Function: openai.ToolFunction{
			Name: "generate_image",
			Description: "Generate an image from a text description. Use when the user " +
				"asks to create, draw, or generate a picture or image.",
			Parameters: rawSchema(`{
				"type": "object",
				"properties": {
					"prompt": {"type": "string", "description": "A detailed description of the image to generate."},
					"width": {"type": "integer", "description": "Image width in pixels. Default depends on model."},
					"height": {"type": "integer", "description": "Image height in pixels. Default depends on model."},
					"steps": {"type": "integer", "description": "Number of diffusion steps. More steps = higher quality but slower."}
				},
				"required": ["prompt"]
			}`),
		},
	},
	{
		Type: "function",
		Function: openai.ToolFunction{
			Name: "text_to_speech",
			Description: "Convert text to spoken audio. Use when the user asks to read " +
				"aloud, speak, or generate audio from text.",
			Parameters: rawSchema(`{
				"type": "object",
				"properties": {
					"input": {"type": "string", "description": "The text to convert to speech."},
					"voice": {"type": "string", "description": "Voice identifier. Optional."}
				},
				"required": ["input"]
			}`),
		},
	},
	{
		Type: "function",
		Function: openai.ToolFunction{
			Name: "compute_embeddings",
			Description: "Compute vector embeddings for text. Use when the user asks to " +
				"embed text, compute similarity, or prepare text for semantic search.",
			Parameters: rawSchema(`{
				"type": "object",
				"properties": {
					"input": {"type": "string", "description": "The text to compute embeddings for."}
				},
				"required": ["input"]
			}`),
		},
	},
	{
		Type: "function",
		Function: openai.ToolFunction{
			Name: "rerank_documents",
			Description: "Rerank a list of documents by relevance to a query. Use for " +
				"retrieval-augmented generation (RAG) or search result reranking.",
			Parameters: rawSchema(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "The search query to rank documents against."},
					"documents": {"type": "array", "items": {"type": "string"}, "description": "List of document texts to rerank."}
				},
				"required": ["query", "documents"]
			}`),
		},
	},
}

// endpointKeyForTool maps a tool's function name to the endpoint_models
// key that configures which model serves it.
var endpointKeyForTool = map[string]string{
	"transcribe_audio":   "transcription",
	"generate_image":     "image_generation",
	"text_to_speech":     "tts",
	"compute_embeddings": "embeddings",
	"rerank_documents":   "reranking",
}

func validateArguments(toolName string, arguments map[string]any) error {
	schema, ok := toolSchemas[toolName]
	if !ok {
		return nil
	}
	return schema.Validate(arguments)
}
