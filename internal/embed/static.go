package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// StaticEmbedder generates embeddings using a hash-based approach.
// Works without external dependencies (no network, no model download).
// Provides deterministic, fast embeddings with reduced semantic quality.
type StaticEmbedder struct {
	name string
	dims int

	// maxTokens truncates input like an encoder's max sequence length (0 = no limit).
	maxTokens int

	mu     sync.RWMutex
	closed bool
}

var (
	_ Embedder      = (*StaticEmbedder)(nil)
	_ TokenEmbedder = (*StaticEmbedder)(nil)
)

// englishStopWords are dropped before hashing tokens.
var englishStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true,
	"was": true, "of": true, "to": true, "in": true, "on": true,
	"and": true, "or": true, "for": true, "with": true, "it": true,
	"do": true, "does": true, "i": true, "how": true, "what": true,
}

// Weights for vector generation
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

var tokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// NewStaticEmbedder creates a static embedder with the given dimension.
// Non-positive dims fall back to StaticDimensions.
func NewStaticEmbedder(name string, dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = StaticDimensions
	}
	if name == "" {
		name = "static"
	}
	return &StaticEmbedder{name: name, dims: dims}
}

// WithMaxTokens returns a copy that only reads the first n tokens of input.
func (e *StaticEmbedder) WithMaxTokens(n int) *StaticEmbedder {
	return &StaticEmbedder{name: e.name, dims: e.dims, maxTokens: n}
}

func (e *StaticEmbedder) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("embedder is closed")
	}
	return nil
}

// Embed generates embedding for a single text.
func (e *StaticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	tokens := e.truncate(tokenize(text))
	if len(tokens) == 0 {
		return make([]float32, e.dims), nil
	}

	vector := make([]float32, e.dims)
	for _, token := range filterStopWords(tokens) {
		vector[hashToIndex(token, e.dims)] += tokenWeight
	}
	for _, ngram := range extractNgrams(strings.Join(tokens, ""), ngramSize) {
		vector[hashToIndex(ngram, e.dims)] += ngramWeight
	}

	return normalizeVector(vector), nil
}

// EmbedTokens returns one normalized vector per non-stop-word token. Each
// token vector mixes the token hash with its character trigrams so related
// word forms land near each other.
func (e *StaticEmbedder) EmbedTokens(_ context.Context, text string) ([][]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	tokens := filterStopWords(e.truncate(tokenize(text)))
	out := make([][]float32, 0, len(tokens))
	for _, token := range tokens {
		v := make([]float32, e.dims)
		v[hashToIndex(token, e.dims)] += tokenWeight
		for _, ngram := range extractNgrams(token, ngramSize) {
			v[hashToIndex(ngram, e.dims)] += ngramWeight
		}
		out = append(out, normalizeVector(v))
	}
	return out, nil
}

func (e *StaticEmbedder) truncate(tokens []string) []string {
	if e.maxTokens > 0 && len(tokens) > e.maxTokens {
		return tokens[:e.maxTokens]
	}
	return tokens
}

// tokenize lowercases text and splits it on non-alphanumeric runes.
func tokenize(text string) []string {
	words := tokenRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		tokens = append(tokens, strings.ToLower(w))
	}
	return tokens
}

func filterStopWords(tokens []string) []string {
	filtered := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !englishStopWords[t] {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// extractNgrams extracts n-rune sliding windows.
func extractNgrams(text string, n int) []string {
	runes := []rune(text)
	if len(runes) < n {
		return []string{}
	}

	ngrams := make([]string, 0, len(runes)-n+1)
	for i := 0; i <= len(runes)-n; i++ {
		if !unicode.IsLetter(runes[i]) && !unicode.IsDigit(runes[i]) {
			continue
		}
		ngrams = append(ngrams, string(runes[i:i+n]))
	}
	return ngrams
}

// hashToIndex uses FNV-64 to map a string to an index.
func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string {
	return e.name
}

// Available checks if the embedder is ready (always true until closed).
func (e *StaticEmbedder) Available(_ context.Context) bool {
	return e.checkOpen() == nil
}

// Close releases resources.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
