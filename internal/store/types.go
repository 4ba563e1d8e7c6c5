// Package store holds the document model and the document stores that back
// query and indexing pipelines. Every store kind declares whether its state
// can be shared by independently constructed pipelines (see IsShareable).
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// Kind identifies a document store implementation.
type Kind string

const (
	KindMemory       Kind = "memory"
	KindHNSW         Kind = "hnsw"
	KindSQLiteMemory Kind = "sqlite-memory"
	KindSQLite       Kind = "sqlite"
	KindPostgres     Kind = "postgres"
)

// Capabilities describes what a store kind supports.
type Capabilities struct {
	// Shareable reports whether two pipelines built independently against
	// the same configuration observe the same documents. Stores whose index
	// lives in process memory are never shareable: a second instance is a
	// second, divergent copy.
	Shareable bool
	// Keyword reports support for KeywordSearcher.
	Keyword bool
	// Vector reports support for VectorSearcher.
	Vector bool
}

var kindCapabilities = map[Kind]Capabilities{
	KindMemory:       {Shareable: false, Keyword: true, Vector: true},
	KindHNSW:         {Shareable: false, Keyword: false, Vector: true},
	KindSQLiteMemory: {Shareable: false, Keyword: true, Vector: true},
	KindSQLite:       {Shareable: true, Keyword: true, Vector: true},
	KindPostgres:     {Shareable: true, Keyword: true, Vector: true},
}

// Capabilities returns the capability flags of k. Unknown kinds report
// ok == false and the zero Capabilities.
func (k Kind) Capabilities() (Capabilities, bool) {
	c, ok := kindCapabilities[k]
	return c, ok
}

// Kinds returns every known store kind.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindCapabilities))
	for k := range kindCapabilities {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// IsShareable reports whether s may be used by an indexing pipeline while a
// separately built query pipeline serves from the same configuration.
// Nil stores and unknown kinds are not shareable.
func IsShareable(s DocumentStore) bool {
	if s == nil {
		return false
	}
	c, _ := s.Kind().Capabilities()
	return c.Shareable
}

// Document is the unit stored, retrieved and ranked.
type Document struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Meta      map[string]string `json:"meta,omitempty"`
	Embedding []float32         `json:"-"`
	// Score is set by retrievers and rankers; higher is better.
	Score float64 `json:"score"`
}

// NewDocument creates a document whose ID is the SHA-256 of its content.
func NewDocument(content string, meta map[string]string) *Document {
	return &Document{ID: ContentID(content), Content: content, Meta: meta}
}

// ContentID returns the content-addressed document ID.
func ContentID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Clone returns a copy safe to mutate per request.
func (d *Document) Clone() *Document {
	c := *d
	if d.Meta != nil {
		c.Meta = make(map[string]string, len(d.Meta))
		for k, v := range d.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// DocumentStore is implemented by every store kind.
type DocumentStore interface {
	// Kind returns the store kind, which determines its capabilities.
	Kind() Kind

	// WriteDocuments upserts documents by ID.
	WriteDocuments(ctx context.Context, docs []*Document) error

	// GetDocument returns a document by ID or ErrNotFound.
	GetDocument(ctx context.Context, id string) (*Document, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	// Close releases resources. It is safe to call more than once.
	Close() error
}

// KeywordSearcher is implemented by stores with a full-text index.
type KeywordSearcher interface {
	QueryKeyword(ctx context.Context, query string, topK int) ([]*Document, error)
}

// VectorSearcher is implemented by stores that keep document embeddings.
type VectorSearcher interface {
	QueryByEmbedding(ctx context.Context, embedding []float32, topK int) ([]*Document, error)
}

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// ErrDimensionMismatch is returned when vector dimensions don't match.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// sortByScore orders docs by descending score, then ID for stability,
// and truncates to topK when topK > 0.
func sortByScore(docs []*Document, topK int) []*Document {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].ID < docs[j].ID
	})
	if topK > 0 && len(docs) > topK {
		docs = docs[:topK]
	}
	return docs
}
