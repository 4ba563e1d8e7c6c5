package embed

import (
	"fmt"
	"log/slog"
	"strings"
)

// ProviderType represents an embedding provider
type ProviderType string

const (
	// ProviderOllama uses the Ollama HTTP API
	ProviderOllama ProviderType = "ollama"

	// ProviderStatic uses hash-based embeddings (no network)
	ProviderStatic ProviderType = "static"
)

// Options configures NewEmbedder.
type Options struct {
	Provider   ProviderType
	Model      string
	Host       string
	Dimensions int
	BatchSize  int
	// MaxTokens truncates input for the static provider (0 = unlimited).
	MaxTokens int
	// CacheSize enables an LRU query cache when positive.
	CacheSize int
}

// NewEmbedder creates an embedder for the given provider, wrapped in a
// cache when opts.CacheSize is positive.
func NewEmbedder(opts Options) (Embedder, error) {
	var e Embedder

	switch ProviderType(strings.ToLower(string(opts.Provider))) {
	case ProviderStatic, "":
		s := NewStaticEmbedder(opts.Model, opts.Dimensions)
		if opts.MaxTokens > 0 {
			s = s.WithMaxTokens(opts.MaxTokens)
		}
		e = s
	case ProviderOllama:
		e = NewOllamaEmbedder(OllamaConfig{
			Host:       opts.Host,
			Model:      opts.Model,
			Dimensions: opts.Dimensions,
			BatchSize:  opts.BatchSize,
		})
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", opts.Provider)
	}

	slog.Debug("embedder_created",
		slog.String("provider", string(opts.Provider)),
		slog.String("model", e.ModelName()),
		slog.Int("dimensions", e.Dimensions()))

	if opts.CacheSize > 0 {
		return NewCachedEmbedder(e, opts.CacheSize), nil
	}
	return e, nil
}
