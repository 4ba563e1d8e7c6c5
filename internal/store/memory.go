package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"

	"github.com/Aman-CERP/qaserve/internal/embed"
)

// MemoryStore keeps documents in a map and indexes their content in a
// memory-only Bleve index (BM25 scoring). Nothing survives the process and
// nothing is visible to other instances, so it is never shareable.
type MemoryStore struct {
	mu     sync.RWMutex
	index  bleve.Index
	docs   map[string]*Document
	closed bool
}

var (
	_ DocumentStore   = (*MemoryStore)(nil)
	_ KeywordSearcher = (*MemoryStore)(nil)
	_ VectorSearcher  = (*MemoryStore)(nil)
)

// bleveDocument is the document structure for Bleve indexing.
type bleveDocument struct {
	Content string `json:"content"`
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() (*MemoryStore, error) {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultAnalyzer = en.AnalyzerName

	idx, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory index: %w", err)
	}

	return &MemoryStore{
		index: idx,
		docs:  make(map[string]*Document),
	}, nil
}

// Kind returns KindMemory.
func (s *MemoryStore) Kind() Kind { return KindMemory }

// WriteDocuments upserts documents and indexes their content.
func (s *MemoryStore) WriteDocuments(_ context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	batch := s.index.NewBatch()
	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = ContentID(doc.Content)
		}
		if err := batch.Index(doc.ID, bleveDocument{Content: doc.Content}); err != nil {
			return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
	}
	if err := s.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}

	for _, doc := range docs {
		stored := doc.Clone()
		stored.Score = 0
		s.docs[doc.ID] = stored
	}
	return nil
}

// GetDocument returns a copy of the document with the given ID.
func (s *MemoryStore) GetDocument(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

// Count returns the number of stored documents.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	return len(s.docs), nil
}

// QueryKeyword returns documents matching any query term, scored by BM25.
func (s *MemoryStore) QueryKeyword(ctx context.Context, query string, topK int) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return []*Document{}, nil
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("content")

	req := bleve.NewSearchRequest(matchQuery)
	req.Size = topK

	result, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]*Document, 0, len(result.Hits))
	for _, hit := range result.Hits {
		doc, ok := s.docs[hit.ID]
		if !ok {
			continue
		}
		c := doc.Clone()
		c.Score = hit.Score
		out = append(out, c)
	}
	return out, nil
}

// QueryByEmbedding scores every embedded document by cosine similarity.
func (s *MemoryStore) QueryByEmbedding(_ context.Context, embedding []float32, topK int) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	out := make([]*Document, 0, len(s.docs))
	for _, doc := range s.docs {
		if len(doc.Embedding) == 0 {
			continue
		}
		if len(doc.Embedding) != len(embedding) {
			return nil, ErrDimensionMismatch{Expected: len(doc.Embedding), Got: len(embedding)}
		}
		c := doc.Clone()
		c.Score = embed.CosineSimilarity(embedding, doc.Embedding)
		out = append(out, c)
	}
	return sortByScore(out, topK), nil
}

// Close releases the Bleve index.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.docs = nil
	return s.index.Close()
}
