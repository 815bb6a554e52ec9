// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestHasherHashFieldsIgnoresInsertionOrder(t *testing.T) {
	t.Parallel()

	h := New()
	a := map[string]any{"title": "Atlas", "price": 41000.0, "variants": []string{"SE", "SEL"}}
	b := map[string]any{"variants": []string{"SE", "SEL"}, "price": 41000.0, "title": "Atlas"}

	hashA, err := h.HashFields(a)
	require.NoError(t, err)
	hashB, err := h.HashFields(b)
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)

	b["price"] = 39000.0
	hashC, err := h.HashFields(b)
	require.NoError(t, err)
	require.NotEqual(t, hashA, hashC)
}

func TestHasherHashFieldsRejectsUnencodable(t *testing.T) {
	t.Parallel()

	_, err := New().HashFields(map[string]any{"bad": make(chan int)})
	require.Error(t, err)
}
