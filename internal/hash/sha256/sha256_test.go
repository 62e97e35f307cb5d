package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashKnownDigest(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

func TestHashIgnoresSurroundingWhitespace(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte(`{"reviews":[]}`))
	require.NoError(t, err)
	b, err := h.Hash([]byte("  {\"reviews\":[]}\n"))
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := h.Hash([]byte(`{"reviews":[1]}`))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
