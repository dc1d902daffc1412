package procmanager

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLineFilterWriterDropsMatchingLines(t *testing.T) {
	var out bytes.Buffer
	w := NewLineFilterWriter(&out, func(line string) bool {
		return !strings.Contains(line, "noisy")
	})

	_, err := w.Write([]byte("first line\nnoisy line here\nlast"))
	require.NoError(t, err)
	_, err = w.Write([]byte(" line\n"))
	require.NoError(t, err)

	require.Equal(t, "first line\nlast line\n", out.String())
}

func TestLineFilterWriterNilPredicateKeepsEverything(t *testing.T) {
	var out bytes.Buffer
	w := NewLineFilterWriter(&out, nil)
	_, err := w.Write([]byte("a\nb\n"))
	require.NoError(t, err)
	require.Equal(t, "a\nb\n", out.String())
}
