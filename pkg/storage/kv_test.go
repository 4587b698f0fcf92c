package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	memory := NewMemory(0 /*quota*/)

	t.Run("set", func(t *testing.T) {
		require.NoError(t, memory.Set("k1", "v1"))
		require.NoError(t, memory.Set("k2", "v2"))
		assert.Equal(t, 2, memory.Len())
		assert.Equal(t, 8, memory.HeldBytes())
	})
	t.Run("get_existing_key", func(t *testing.T) {
		val, err := memory.Get("k1")
		assert.NoError(t, err)
		assert.Equal(t, "v1", val)
	})
	t.Run("get_non_existent_key", func(t *testing.T) {
		_, err := memory.Get("non_existent")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, memory.Set("k1", "v1-updated"))
		val, err := memory.Get("k1")
		assert.NoError(t, err)
		assert.Equal(t, "v1-updated", val)
		assert.Equal(t, 2, memory.Len())
		assert.Equal(t, 16, memory.HeldBytes())
	})
	t.Run("remove", func(t *testing.T) {
		memory.Remove("k2")
		memory.Remove("non_existent") // No-op.
		_, err := memory.Get("k2")
		assert.ErrorIs(t, err, ErrKeyNotFound)
		assert.Equal(t, 1, memory.Len())
		assert.Equal(t, 12, memory.HeldBytes())
	})
	t.Run("clear", func(t *testing.T) {
		memory.Clear()
		assert.Zero(t, memory.Len())
		assert.Zero(t, memory.HeldBytes())
	})
}

func TestMemory_Quota(t *testing.T) {
	memory := NewMemory(10 /*quota*/)
	require.NoError(t, memory.Set("a", "1234")) // 5 bytes held.
	require.NoError(t, memory.Set("b", "123"))  // 9 bytes held.
	// Would be 12 bytes.
	assert.ErrorIs(t, memory.Set("c", "12"), ErrQuotaExceeded)
	_, err := memory.Get("c")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Replacing a value only accounts for the difference.
	require.NoError(t, memory.Set("a", "12345")) // 10 bytes held.
	assert.Equal(t, 10, memory.HeldBytes())
	assert.ErrorIs(t, memory.Set("a", "123456"), ErrQuotaExceeded)

	// Freeing space makes room again.
	memory.Remove("b")
	assert.NoError(t, memory.Set("c", "12"))
}

func TestNewMemoryFromFlags(t *testing.T) {
	memory := NewMemoryFromFlags()
	assert.Equal(t, *quotaBytes, memory.quota)
}
