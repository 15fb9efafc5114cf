package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysDefaultFormat(t *testing.T) {
	k := &Keys{Prefix: "app:", Version: 2}
	assert.Equal(t, "app:v2:users:42", k.Build("users", "42"))
}

func TestKeysVersionZeroOmitted(t *testing.T) {
	k := &Keys{Prefix: "app:"}
	assert.Equal(t, "app:users:42", k.Build("users", "42"))
}

func TestKeysNoPrefix(t *testing.T) {
	k := &Keys{}
	assert.Equal(t, "users:42", k.Build("users", "42"))
}

func TestKeysVersionBumpChangesEveryKey(t *testing.T) {
	v1 := &Keys{Version: 1}
	v2 := &Keys{Version: 2}
	assert.NotEqual(t, v1.Build("ns", "k"), v2.Build("ns", "k"))
}

func TestKeysFromCallDeterministic(t *testing.T) {
	k := &Keys{}
	kwargs := map[string]any{"b": 2, "a": 1, "c": 3}
	first, err := k.FromCall("ns", "fetch", []any{"x", 7}, kwargs)
	require.NoError(t, err)
	// Repeated calls must not depend on map iteration order.
	for range 20 {
		key, err := k.FromCall("ns", "fetch", []any{"x", 7}, kwargs)
		require.NoError(t, err)
		assert.Equal(t, first, key)
	}
	assert.Contains(t, first, "fetch(")
}

func TestHashedKeysBoundedLength(t *testing.T) {
	h := &HashedKeys{Length: 16}
	long := strings.Repeat("x", 10_000)
	key := h.Build("ns", long)
	assert.True(t, strings.HasPrefix(key, "ns:"))
	assert.Len(t, key, len("ns:")+16)

	// Same input, same digest.
	assert.Equal(t, key, h.Build("ns", long))
	// Different input, different digest.
	assert.NotEqual(t, key, h.Build("ns", long+"y"))
}

func TestHashedKeysDefaultLength(t *testing.T) {
	h := &HashedKeys{}
	key := h.Build("ns", "k")
	// Full SHA-256 hex digest.
	assert.Len(t, key, len("ns:")+64)
}

func TestHashedKeysFromCallHashesTuple(t *testing.T) {
	h := &HashedKeys{Length: 32}
	key, err := h.FromCall("ns", "fetch", []any{strings.Repeat("a", 5_000)}, nil)
	require.NoError(t, err)
	assert.Len(t, key, len("ns:")+32)
}

func TestFastKeysBoundedLength(t *testing.T) {
	f := &FastKeys{Prefix: "p:"}
	key := f.Build("ns", strings.Repeat("x", 1_000))
	assert.LessOrEqual(t, len(key), len("p:ns:")+16)
	assert.Equal(t, key, f.Build("ns", strings.Repeat("x", 1_000)))
}
