package catalog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsCLIManaged(t *testing.T) {
	cases := []struct {
		name       string
		recipe     Recipe
		checkpoint string
		want       bool
	}{
		{"npu hub-native id", RecipeONNXNPU, "llama-3.2-1b-instruct", true},
		{"hybrid hub-native id", RecipeONNXHybrid, "llama-3.2-3b-instruct:int4", true},
		{"npu with hub repo path", RecipeONNXNPU, "amd/llama-3.2-1b:npu", false},
		{"gguf is never cli-managed", RecipeGGUFRuntime, "llama-3.2-1b", false},
		{"onnx-cpu is never cli-managed", RecipeONNXCPU, "llama-3.2-1b", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &Descriptor{Recipe: tc.recipe, Checkpoint: tc.checkpoint}
			require.Equal(t, tc.want, IsCLIManaged(d))
		})
	}
}

func TestCLIListedParsesListOutput(t *testing.T) {
	orig := runCLIList
	defer func() { runCLIList = orig }()

	runCLIList = func() (string, error) {
		return "NAME                   SIZE\n" +
			"llama-3.2-1b-instruct  1.1GB\n" +
			"qwen-2.5-0.5b:int4     0.4GB\n", nil
	}

	require.True(t, cliListed("llama-3.2-1b-instruct"))
	require.True(t, cliListed("llama-3.2-1b-instruct:int4"))
	require.True(t, cliListed("qwen-2.5-0.5b"))
	require.False(t, cliListed("mistral-7b"))
}

func TestCLIListedFailureMeansNotDownloaded(t *testing.T) {
	orig := runCLIList
	defer func() { runCLIList = orig }()

	runCLIList = func() (string, error) {
		return "", fmt.Errorf("cli not installed")
	}
	require.False(t, cliListed("llama-3.2-1b-instruct"))
}
