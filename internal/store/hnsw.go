package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWConfig configures an HNSWStore.
type HNSWConfig struct {
	// Dimensions is the vector size. Zero takes it from the first write or
	// from the loaded index.
	Dimensions int
	// M is the maximum neighbors per node (default 16).
	M int
	// EfSearch is the search candidate list size (default 20).
	EfSearch int
}

// HNSWStore is a dense vector store over a single in-process coder/hnsw
// graph. It can be loaded from and saved to disk, but each loaded instance
// is an independent copy, so it is not shareable.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config HNSWConfig

	docs    map[string]*Document
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

var (
	_ DocumentStore  = (*HNSWStore)(nil)
	_ VectorSearcher = (*HNSWStore)(nil)
)

// hnswSnapshot is the gob-encoded sidecar saved next to the graph.
type hnswSnapshot struct {
	Config  HNSWConfig
	Docs    map[string]*Document
	IDMap   map[string]uint64
	NextKey uint64
}

// NewHNSWStore creates an empty HNSW store.
func NewHNSWStore(cfg HNSWConfig) *HNSWStore {
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	return &HNSWStore{
		graph:  newGraph(cfg),
		config: cfg,
		docs:   make(map[string]*Document),
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

func newGraph(cfg HNSWConfig) *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25
	return graph
}

// LoadHNSWStore loads a store previously written with Save. An empty path
// returns a fresh store.
func LoadHNSWStore(path string, cfg HNSWConfig) (*HNSWStore, error) {
	s := NewHNSWStore(cfg)
	if path == "" {
		return s, nil
	}
	if err := s.Load(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Kind returns KindHNSW.
func (s *HNSWStore) Kind() Kind { return KindHNSW }

// WriteDocuments upserts documents. Every document must carry an embedding.
// Replaced vectors are orphaned in the graph rather than deleted, because
// coder/hnsw misbehaves when the last node is removed.
func (s *HNSWStore) WriteDocuments(_ context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	for _, doc := range docs {
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %s has no embedding", doc.ID)
		}
		if s.config.Dimensions == 0 {
			s.config.Dimensions = len(doc.Embedding)
		}
		if len(doc.Embedding) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(doc.Embedding)}
		}
	}

	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = ContentID(doc.Content)
		}
		if existing, ok := s.idMap[doc.ID]; ok {
			delete(s.keyMap, existing)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(doc.Embedding))
		copy(vec, doc.Embedding)
		normalizeVectorInPlace(vec)
		s.graph.Add(hnsw.MakeNode(key, vec))

		stored := doc.Clone()
		stored.Score = 0
		stored.Embedding = vec
		s.docs[doc.ID] = stored
		s.idMap[doc.ID] = key
		s.keyMap[key] = doc.ID
	}
	return nil
}

// GetDocument returns a copy of the document with the given ID.
func (s *HNSWStore) GetDocument(_ context.Context, id string) (*Document, error) {
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

// Count returns the number of live documents.
func (s *HNSWStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	return len(s.docs), nil
}

// QueryByEmbedding returns the approximate topK nearest documents.
func (s *HNSWStore) QueryByEmbedding(_ context.Context, embedding []float32, topK int) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.graph.Len() == 0 || topK <= 0 {
		return []*Document{}, nil
	}
	if len(embedding) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(embedding)}
	}

	query := make([]float32, len(embedding))
	copy(query, embedding)
	normalizeVectorInPlace(query)

	// Ask for extra candidates so orphaned nodes don't starve the result.
	k := topK + (s.graph.Len() - len(s.idMap))
	nodes := s.graph.Search(query, k)

	out := make([]*Document, 0, len(nodes))
	for _, node := range nodes {
		id, ok := s.keyMap[node.Key]
		if !ok {
			continue
		}
		c := s.docs[id].Clone()
		// Cosine distance ranges 0..2
		c.Score = float64(1.0 - s.graph.Distance(query, node.Value)/2.0)
		out = append(out, c)
	}
	return sortByScore(out, topK), nil
}

// Save writes the graph to path and the documents to path + ".meta", each
// through a temp file and rename, under a cross-process lock.
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	lock := NewFileLock(path)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	if err := writeAtomic(path, func(f *os.File) error { return s.graph.Export(f) }); err != nil {
		return fmt.Errorf("failed to export graph: %w", err)
	}

	snap := hnswSnapshot{Config: s.config, Docs: s.docs, IDMap: s.idMap, NextKey: s.nextKey}
	if err := writeAtomic(path+".meta", func(f *os.File) error { return gob.NewEncoder(f).Encode(snap) }); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}

	slog.Debug("hnsw_saved", slog.String("path", path), slog.Int("documents", len(s.docs)))
	return nil
}

func writeAtomic(path string, write func(f *os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Load replaces the store contents with the index saved at path.
func (s *HNSWStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	lock := NewFileLock(path)
	if err := lock.RLock(); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() { _ = metaFile.Close() }()

	var snap hnswSnapshot
	if err := gob.NewDecoder(metaFile).Decode(&snap); err != nil {
		return fmt.Errorf("decode hnsw metadata: %w", err)
	}

	graphFile, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer func() { _ = graphFile.Close() }()

	graph := newGraph(snap.Config)
	// coder/hnsw Import requires io.ByteReader
	if err := graph.Import(bufio.NewReader(graphFile)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	s.graph = graph
	s.config = snap.Config
	s.docs = snap.Docs
	if s.docs == nil {
		s.docs = make(map[string]*Document)
	}
	s.idMap = snap.IDMap
	if s.idMap == nil {
		s.idMap = make(map[string]uint64)
	}
	s.nextKey = snap.NextKey
	s.keyMap = make(map[uint64]string, len(s.idMap))
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	return nil
}

// Close releases resources.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.graph = nil
	return nil
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
