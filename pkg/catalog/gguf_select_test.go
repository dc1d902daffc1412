package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestSelectGGUFFileWildcardReturnsFirst(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "model-Q4_K_M.gguf"))
	touch(t, filepath.Join(dir, "model-Q8_0.gguf"))

	got, err := SelectGGUFFile(dir, "*")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "model-Q4_K_M.gguf"), got)
}

func TestSelectGGUFFileExactFilename(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "model-Q4_K_M.gguf"))

	got, err := SelectGGUFFile(dir, "model-Q4_K_M.gguf")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "model-Q4_K_M.gguf"), got)
}

func TestSelectGGUFFileEmptyVariantSkipsMMProj(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "mmproj-model-f16.gguf"))
	touch(t, filepath.Join(dir, "model-Q4_K_M.gguf"))

	got, err := SelectGGUFFile(dir, "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "model-Q4_K_M.gguf"), got)
}

func TestSelectGGUFFileUniqueSuffixMatch(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "model-Q4_K_M.gguf"))
	touch(t, filepath.Join(dir, "model-Q8_0.gguf"))

	got, err := SelectGGUFFile(dir, "Q8_0")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "model-Q8_0.gguf"), got)
}

func TestSelectGGUFFileAmbiguousSuffixIsError(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a-Q4_K_M.gguf"))
	touch(t, filepath.Join(dir, "b-Q4_K_M.gguf"))

	_, err := SelectGGUFFile(dir, "Q4_K_M")
	require.Error(t, err)
}

func TestSelectGGUFFileShardedFolder(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "Q4_K_M", "model-00001-of-00002.gguf"))
	touch(t, filepath.Join(dir, "Q4_K_M", "model-00002-of-00002.gguf"))

	got, err := SelectGGUFFile(dir, "Q4_K_M")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "Q4_K_M", "model-00001-of-00002.gguf"), got)
}

func TestSelectGGUFFileExactVariantRoundTrip(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "only-one.gguf"))

	got, err := SelectGGUFFile(dir, "one")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "only-one.gguf"), got)

	got2, err := SelectGGUFFile(dir, "only-one.gguf")
	require.NoError(t, err)
	require.Equal(t, got, got2)
}

func TestSelectGGUFFileNoMatchIsError(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "model.gguf"))

	_, err := SelectGGUFFile(dir, "nonexistent")
	require.Error(t, err)
}
