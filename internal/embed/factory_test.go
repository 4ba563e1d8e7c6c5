package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmbedder(t *testing.T) {
	t.Run("static without cache", func(t *testing.T) {
		e, err := NewEmbedder(Options{Provider: ProviderStatic, Dimensions: 64})
		require.NoError(t, err)
		assert.IsType(t, &StaticEmbedder{}, e)
		assert.Equal(t, 64, e.Dimensions())
	})

	t.Run("cache wraps provider", func(t *testing.T) {
		e, err := NewEmbedder(Options{Provider: "STATIC", CacheSize: 5})
		require.NoError(t, err)
		cached, ok := e.(*CachedEmbedder)
		require.True(t, ok)
		assert.IsType(t, &StaticEmbedder{}, cached.Inner())
	})

	t.Run("ollama", func(t *testing.T) {
		e, err := NewEmbedder(Options{Provider: ProviderOllama, Model: "m", Dimensions: 8})
		require.NoError(t, err)
		assert.Equal(t, "m", e.ModelName())
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewEmbedder(Options{Provider: "mlx"})
		assert.Error(t, err)
	})
}
