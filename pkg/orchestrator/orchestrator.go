// Package orchestrator exposes the gateway's non-text endpoints
// (transcription, image generation, text-to-speech, embeddings,
// reranking) as tool definitions to a locally-loaded LLM and runs a
// tool-calling loop on its behalf, grounded on
// _examples/original_source/src/cpp/server/orchestrator.cpp.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/openai"
	"github.com/lemonade-run/gateway/pkg/puller"
	"github.com/lemonade-run/gateway/pkg/router"
)

const defaultMaxIterations = 5

const systemPrompt = "You are a helpful assistant with access to local AI tools. " +
	"When the user's request can be fulfilled by one of your tools, " +
	"call the appropriate tool. Otherwise, respond directly. " +
	"Always explain what you did after using a tool."

// Orchestrator runs the tool-calling loop. There is exactly one per
// gateway process; it never owns the router's loaded-backend table
// directly, only dispatching through router.Dispatch like any other
// caller.
type Orchestrator struct {
	log     logging.Logger
	router  *router.Router
	catalog *catalog.Manager
	client  *httpclient.Client
	puller  *puller.Puller

	// imageGen is held directly rather than dispatched through the
	// router: image generation is stateless per-request and never enters
	// the loaded-backend table.
	imageGen backend.ImageGenCapable

	presetsPath string

	preset    Preset
	matchedOn string
	tools     []openai.Tool
	resolved  bool
}

// New creates an Orchestrator and immediately attempts to resolve a
// platform preset for this host; a failure to match is logged, not
// fatal — orchestration is simply unavailable until a request supplies
// an explicit orchestrator_model override.
func New(log logging.Logger, r *router.Router, cat *catalog.Manager, client *httpclient.Client, pull *puller.Puller, imageGen backend.ImageGenCapable, presetsPath string) *Orchestrator {
	o := &Orchestrator{
		log:         log,
		router:      r,
		catalog:     cat,
		client:      client,
		puller:      pull,
		imageGen:    imageGen,
		presetsPath: presetsPath,
	}
	o.resolvePreset()
	return o
}

// resolvePreset loads platform_presets.json, walks it in order, and
// picks the first preset whose matched recipes are all available,
// filtering the tool manifest down to tools whose endpoint model is
// configured and raising the router's load floor so a full tool-calling
// session never evicts itself mid-flight.
func (o *Orchestrator) resolvePreset() {
	presets, err := loadPresets(o.presetsPath)
	if err != nil {
		o.log.Warnf("orchestrator: %v; orchestration unavailable until presets load", err)
		return
	}

	available, err := availableRecipes(o.catalog)
	if err != nil {
		o.log.Warnf("orchestrator: could not determine available recipes: %v", err)
		return
	}

	preset, matchedOn, ok := resolvePreset(presets, available)
	if !ok {
		o.log.Warnf("orchestrator: no preset matched current hardware; orchestration will be unavailable")
		return
	}

	o.applyPreset(preset, matchedOn)
}

func (o *Orchestrator) applyPreset(preset Preset, matchedOn string) {
	o.preset = preset
	o.matchedOn = matchedOn
	o.resolved = true

	var tools []openai.Tool
	for _, t := range toolDefs {
		key, ok := endpointKeyForTool[t.Function.Name]
		if !ok {
			continue
		}
		if _, configured := preset.EndpointModels[key]; configured {
			tools = append(tools, t)
		}
	}
	o.tools = tools

	maxNeeded := 1 // the orchestrator LLM itself always needs a slot
	for key := range preset.EndpointModels {
		switch key {
		case "transcription", "tts":
			maxNeeded = max(maxNeeded, 2)
		}
	}
	o.router.SetMinLoadedModels(maxNeeded)

	o.log.Infof("orchestrator: matched preset %q (%s) via %q, orchestrator model %q, %d tool(s) available",
		preset.Name, preset.Description, matchedOn, preset.OrchestratorModel, len(tools))
}

// Request is the body of a POST /orchestrate call.
type Request struct {
	Messages          []openai.Message `json:"messages"`
	OrchestratorModel string           `json:"orchestrator_model,omitempty"`
	Preset            string           `json:"preset,omitempty"`
	MaxIterations     int              `json:"max_iterations,omitempty"`
	AudioData         string           `json:"audio_data,omitempty"`
	AudioFilename     string           `json:"audio_filename,omitempty"`
	Temperature       *float64         `json:"temperature,omitempty"`
	TopP              *float64         `json:"top_p,omitempty"`
	TopK              *int             `json:"top_k,omitempty"`
	RepeatPenalty     *float64         `json:"repeat_penalty,omitempty"`
}

// toolContext carries per-request data tool executors need but that
// isn't part of a tool call's own arguments (the audio clip for
// transcribe_audio, per orchestrator.cpp's orchestration_context_).
type toolContext struct {
	audioData     string
	audioFilename string
}

// Orchestrate runs the tool-calling loop for one request.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (*openai.ChatCompletionResponse, error) {
	preset := o.preset
	matchedOn := o.matchedOn
	orchModel := req.OrchestratorModel
	if orchModel == "" {
		orchModel = preset.OrchestratorModel
	}
	tools := o.tools

	if req.Preset != "" {
		presets, err := loadPresets(o.presetsPath)
		if err == nil {
			if p, ok := findPreset(presets, req.Preset); ok {
				preset = p
				matchedOn = "explicit:" + req.Preset
				if orchModel == "" || req.OrchestratorModel == "" {
					orchModel = p.OrchestratorModel
				}
				var overridden []openai.Tool
				for _, t := range toolDefs {
					if key, ok := endpointKeyForTool[t.Function.Name]; ok {
						if _, configured := p.EndpointModels[key]; configured {
							overridden = append(overridden, t)
						}
					}
				}
				tools = overridden
			}
		}
	}

	if orchModel == "" {
		return nil, &ConfigurationError{Message: "No orchestrator model configured. Either specify " +
			"'orchestrator_model' in the request or ensure a platform preset matches your hardware."}
	}

	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	tctx := toolContext{audioData: req.AudioData, audioFilename: req.AudioFilename}
	if tctx.audioFilename == "" {
		tctx.audioFilename = "audio.wav"
	}

	if err := o.ensureModelLoaded(ctx, orchModel); err != nil {
		return nil, fmt.Errorf("loading orchestrator model %s: %w", orchModel, err)
	}

	messages := append([]openai.Message(nil), req.Messages...)
	if len(messages) == 0 || messages[0].Role != "system" {
		messages = append([]openai.Message{{Role: "system", Content: systemPrompt}}, messages...)
	}

	var last *openai.ChatCompletionResponse
	for iter := 0; iter < maxIter; iter++ {
		llmReq := openai.ChatCompletionRequest{
			Model:         orchModel,
			Messages:      messages,
			Stream:        false,
			Tools:         tools,
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			TopK:          req.TopK,
			RepeatPenalty: req.RepeatPenalty,
		}

		resp, err := o.callOrchestratorLLM(ctx, orchModel, llmReq)
		if err != nil {
			return nil, fmt.Errorf("orchestrator LLM call failed: %w", err)
		}
		last = resp

		if len(resp.Choices) == 0 {
			break
		}
		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			break
		}

		messages = append(messages, msg)
		for _, tc := range msg.ToolCalls {
			result := o.executeToolCall(ctx, tc, tctx)
			messages = append(messages, openai.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    result,
			})
		}
	}

	if last != nil {
		if last.Orchestration == nil {
			last.Orchestration = map[string]any{}
		}
		presetName := preset.Name
		if presetName == "" {
			presetName = "none"
		}
		last.Orchestration["preset"] = presetName
		last.Orchestration["matched_on"] = matchedOn
		last.Orchestration["orchestrator_model"] = orchModel
		last.Orchestration["endpoint_models"] = preset.EndpointModels
	}
	return last, nil
}

// ConfigurationError is returned when no orchestrator model could be
// resolved; HTTP handlers map it to a 400 configuration_error.
type ConfigurationError struct{ Message string }

func (e *ConfigurationError) Error() string { return e.Message }

func (o *Orchestrator) ensureModelDownloaded(ctx context.Context, name string) error {
	exists, err := o.catalog.ModelExists(name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("orchestrator model not found: %s", name)
	}
	downloaded, err := o.catalog.IsModelDownloaded(name)
	if err != nil {
		return err
	}
	if !downloaded {
		o.log.Infof("orchestrator: downloading model %s before first use", name)
		if err := o.puller.Pull(ctx, name, puller.Options{}, nil); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) ensureModelLoaded(ctx context.Context, name string) error {
	if err := o.ensureModelDownloaded(ctx, name); err != nil {
		return err
	}
	_, err := o.router.EnsureLoaded(ctx, name, backend.LoadOptions{})
	return err
}

// callOrchestratorLLM dispatches a non-streaming chat completion to the
// loaded orchestrator backend directly (no HTTP loopback): the router
// already knows which adapter instance is serving orchModel.
func (o *Orchestrator) callOrchestratorLLM(ctx context.Context, orchModel string, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	capable, err := router.Dispatch[backend.CompletionCapable](ctx, o.router, orchModel, backend.LoadOptions{})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	respBody, err := o.client.Post(ctx, capable.Endpoint()+capable.CompletionPath(), body, nil, 0)
	if err != nil {
		return nil, err
	}
	if respBody.Status >= 400 {
		return nil, &backend.BackendError{Status: respBody.Status, Body: respBody.Body}
	}
	var out openai.ChatCompletionResponse
	if err := json.Unmarshal(respBody.Body, &out); err != nil {
		return nil, fmt.Errorf("parsing orchestrator LLM response: %w", err)
	}
	return &out, nil
}

// executeToolCall routes one tool call to its endpoint and returns a
// JSON string result, summarizing large payloads (embedding vectors,
// generated images) rather than inlining them, per spec.md §4.9. Errors
// are returned as a JSON error object, not a Go error, so the loop
// always has a "tool" message to append (mirroring
// orchestrator.cpp's execute_tool_call, which never throws).
func (o *Orchestrator) executeToolCall(ctx context.Context, tc openai.ToolCall, tctx toolContext) string {
	var args map[string]any
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return errorJSON("invalid tool arguments: " + err.Error())
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArguments(tc.Function.Name, args); err != nil {
		return errorJSON("tool argument validation failed: " + err.Error())
	}

	o.log.Infof("orchestrator: executing tool %s", tc.Function.Name)

	switch tc.Function.Name {
	case "transcribe_audio":
		return o.executeTranscribeAudio(ctx, args, tctx)
	case "generate_image":
		return o.executeGenerateImage(ctx, args)
	case "text_to_speech":
		return o.executeTextToSpeech(ctx, args)
	case "compute_embeddings":
		return o.executeComputeEmbeddings(ctx, args)
	case "rerank_documents":
		return o.executeRerankDocuments(ctx, args)
	default:
		return errorJSON("unknown tool: " + tc.Function.Name)
	}
}

func errorJSON(message string) string {
	data, _ := json.Marshal(map[string]string{"error": message})
	return string(data)
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func (o *Orchestrator) modelFor(key string) (string, bool) {
	model, ok := o.preset.EndpointModels[key]
	return model, ok && model != ""
}

func (o *Orchestrator) executeTranscribeAudio(ctx context.Context, args map[string]any, tctx toolContext) string {
	model, ok := o.modelFor("transcription")
	if !ok {
		return errorJSON("No transcription model configured in preset")
	}
	if tctx.audioData == "" {
		return errorJSON("No audio data provided. Include 'audio_data' (base64) in the orchestrate request.")
	}
	if err := o.ensureModelLoaded(ctx, model); err != nil {
		return errorJSON(err.Error())
	}
	audio, err := base64.StdEncoding.DecodeString(tctx.audioData)
	if err != nil {
		return errorJSON("invalid base64 audio_data: " + err.Error())
	}
	capable, err := router.Dispatch[backend.TranscriptionCapable](ctx, o.router, model, backend.LoadOptions{})
	if err != nil {
		return errorJSON(err.Error())
	}
	text, err := capable.Transcribe(ctx, audio, tctx.audioFilename, stringArg(args, "language"), "")
	if err != nil {
		return errorJSON(err.Error())
	}
	data, _ := json.Marshal(map[string]string{"text": text})
	return string(data)
}

func (o *Orchestrator) executeGenerateImage(ctx context.Context, args map[string]any) string {
	model, ok := o.modelFor("image_generation")
	if !ok {
		return errorJSON("No image generation model configured in preset")
	}
	if o.imageGen == nil {
		return errorJSON("Image generation backend is not available")
	}
	if err := o.ensureModelDownloaded(ctx, model); err != nil {
		return errorJSON(err.Error())
	}
	descr, err := o.catalog.GetModelInfo(model)
	if err != nil {
		return errorJSON(err.Error())
	}

	req := backend.ImageRequest{Prompt: stringArg(args, "prompt")}
	if w, ok := numberArg(args, "width"); ok {
		req.Width = w
	}
	if h, ok := numberArg(args, "height"); ok {
		req.Height = h
	}
	if s, ok := numberArg(args, "steps"); ok {
		req.Steps = s
	}

	result, err := o.imageGen.GenerateImage(ctx, descr, req)
	if err != nil {
		return errorJSON(err.Error())
	}
	if result.B64JSON == "" {
		return errorJSON("image generation produced no output")
	}
	data, _ := json.Marshal(map[string]any{
		"status":      "success",
		"message":     "Image generated successfully.",
		"image_count": 1,
	})
	return string(data)
}

func (o *Orchestrator) executeTextToSpeech(ctx context.Context, args map[string]any) string {
	model, ok := o.modelFor("tts")
	if !ok {
		return errorJSON("No TTS model configured in preset")
	}
	if err := o.ensureModelLoaded(ctx, model); err != nil {
		return errorJSON(err.Error())
	}
	capable, err := router.Dispatch[backend.SpeechCapable](ctx, o.router, model, backend.LoadOptions{})
	if err != nil {
		return errorJSON(err.Error())
	}
	input := stringArg(args, "input")
	if _, err := capable.Synthesize(ctx, input, stringArg(args, "voice")); err != nil {
		return errorJSON(err.Error())
	}
	preview := input
	if len(preview) > 100 {
		preview = preview[:100]
	}
	data, _ := json.Marshal(map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Text-to-speech request prepared for model '%s'. Input: %s", model, preview),
	})
	return string(data)
}

func (o *Orchestrator) executeComputeEmbeddings(ctx context.Context, args map[string]any) string {
	model, ok := o.modelFor("embeddings")
	if !ok {
		return errorJSON("No embeddings model configured in preset")
	}
	if err := o.ensureModelLoaded(ctx, model); err != nil {
		return errorJSON(err.Error())
	}
	capable, err := router.Dispatch[backend.EmbeddingsCapable](ctx, o.router, model, backend.LoadOptions{})
	if err != nil {
		return errorJSON(err.Error())
	}
	reqBody, _ := json.Marshal(map[string]string{"model": model, "input": stringArg(args, "input")})
	resp, err := o.client.Post(ctx, capable.Endpoint()+capable.EmbeddingsPath(), reqBody, nil, 0)
	if err != nil || resp.Status >= 400 {
		return errorJSON("embeddings request failed")
	}
	var parsed struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil || len(parsed.Data) == 0 {
		return string(resp.Body)
	}
	data, _ := json.Marshal(map[string]any{
		"status":     "success",
		"dimensions": len(parsed.Data[0].Embedding),
		"model":      model,
	})
	return string(data)
}

func (o *Orchestrator) executeRerankDocuments(ctx context.Context, args map[string]any) string {
	model, ok := o.modelFor("reranking")
	if !ok {
		return errorJSON("No reranking model configured in preset")
	}
	if err := o.ensureModelLoaded(ctx, model); err != nil {
		return errorJSON(err.Error())
	}
	capable, err := router.Dispatch[backend.RerankingCapable](ctx, o.router, model, backend.LoadOptions{})
	if err != nil {
		return errorJSON(err.Error())
	}
	docs := stringSliceArg(args, "documents")
	reqBody, _ := json.Marshal(map[string]any{
		"model":     model,
		"query":     stringArg(args, "query"),
		"documents": docs,
	})
	resp, err := o.client.Post(ctx, capable.Endpoint()+capable.RerankingPath(), reqBody, nil, 0)
	if err != nil || resp.Status >= 400 {
		return errorJSON("reranking request failed")
	}
	return string(resp.Body)
}

func numberArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case json.Number:
		n, err := strconv.Atoi(v.String())
		return n, err == nil
	case int:
		return v, true
	}
	return 0, false
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// PresetInfo is the diagnostic shape get_preset_info returned in the
// original implementation, exposed for /system-info's verbose mode.
type PresetInfo struct {
	ResolvedPreset    string   `json:"resolved_preset"`
	MatchedOn         string   `json:"matched_on,omitempty"`
	OrchestratorModel string   `json:"orchestrator_model"`
	AvailableTools    []string `json:"available_tools"`
}

// PresetInfo reports the currently resolved preset for diagnostics.
func (o *Orchestrator) PresetInfo() PresetInfo {
	name := "none"
	if o.resolved {
		name = o.preset.Name
	}
	tools := make([]string, 0, len(o.tools))
	for _, t := range o.tools {
		tools = append(tools, t.Function.Name)
	}
	return PresetInfo{
		ResolvedPreset:    name,
		MatchedOn:         o.matchedOn,
		OrchestratorModel: o.preset.OrchestratorModel,
		AvailableTools:    tools,
	}
}
