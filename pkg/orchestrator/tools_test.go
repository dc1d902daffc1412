package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToolManifestCoversEveryEndpointKey(t *testing.T) {
	require.Len(t, toolDefs, 5)
	for _, tool := range toolDefs {
		require.Equal(t, "function", tool.Type)
		require.Contains(t, endpointKeyForTool, tool.Function.Name)
		require.NotEmpty(t, tool.Function.Description)
	}
}

func TestValidateArgumentsRequiredFields(t *testing.T) {
	// Optional-only schema accepts an empty argument object.
	require.NoError(t, validateArguments("transcribe_audio", map[string]any{}))
	require.NoError(t, validateArguments("transcribe_audio", map[string]any{"language": "en"}))

	// generate_image requires a prompt.
	require.Error(t, validateArguments("generate_image", map[string]any{}))
	require.NoError(t, validateArguments("generate_image", map[string]any{"prompt": "a lemon"}))

	// rerank_documents requires both query and documents.
	require.Error(t, validateArguments("rerank_documents", map[string]any{"query": "q"}))
	require.NoError(t, validateArguments("rerank_documents", map[string]any{
		"query":     "q",
		"documents": []any{"doc one", "doc two"},
	}))
}

func TestValidateArgumentsUnknownToolIsPermissive(t *testing.T) {
	require.NoError(t, validateArguments("not_a_tool", map[string]any{"whatever": true}))
}
