package stages

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/qaserve/internal/embed"
	"github.com/Aman-CERP/qaserve/internal/pipeline"
	"github.com/Aman-CERP/qaserve/internal/store"
)

// BM25Retriever retrieves documents from a store's full-text index.
type BM25Retriever struct {
	store    store.DocumentStore
	searcher store.KeywordSearcher
	topK     int
}

var (
	_ pipeline.Stage       = (*BM25Retriever)(nil)
	_ pipeline.StoreHolder = (*BM25Retriever)(nil)
)

// NewBM25Retriever binds a keyword retriever to s. It fails when the store
// kind has no keyword index.
func NewBM25Retriever(s store.DocumentStore, topK int) (*BM25Retriever, error) {
	if s == nil {
		return nil, fmt.Errorf("%s requires a document store", TypeBM25Retriever)
	}
	searcher, ok := s.(store.KeywordSearcher)
	if !ok {
		return nil, fmt.Errorf("%s: store kind %s has no keyword index", TypeBM25Retriever, s.Kind())
	}
	return &BM25Retriever{
		store:    s,
		searcher: searcher,
		topK:     effectiveTopK(topK, DefaultRetrieverTopK),
	}, nil
}

func (r *BM25Retriever) Type() string                       { return TypeBM25Retriever }
func (r *BM25Retriever) Input() pipeline.Kind               { return pipeline.KindQuery }
func (r *BM25Retriever) Output() pipeline.Kind              { return pipeline.KindDocuments }
func (r *BM25Retriever) DocumentStore() store.DocumentStore { return r.store }
func (r *BM25Retriever) TopK() int                          { return r.topK }

// Run replaces p.Documents with the keyword matches for p.Query.
func (r *BM25Retriever) Run(ctx context.Context, p *pipeline.Payload) error {
	topK := effectiveTopK(p.Params.RetrieverTopK, r.topK)
	docs, err := r.searcher.QueryKeyword(ctx, p.Query, topK)
	if err != nil {
		return fmt.Errorf("keyword search failed: %w", err)
	}
	p.Documents = applyFilters(docs, p.Params.Filters)
	return nil
}

// EmbeddingRetriever retrieves documents by similarity to the query embedded
// with a single sentence encoder.
type EmbeddingRetriever struct {
	store    store.DocumentStore
	searcher store.VectorSearcher
	embedder embed.Embedder
	topK     int
}

var (
	_ PassageEmbedder      = (*EmbeddingRetriever)(nil)
	_ pipeline.StoreHolder = (*EmbeddingRetriever)(nil)
)

// NewEmbeddingRetriever binds a vector retriever to s.
func NewEmbeddingRetriever(s store.DocumentStore, e embed.Embedder, topK int) (*EmbeddingRetriever, error) {
	searcher, err := vectorSearcher(TypeEmbeddingRetriever, s)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%s requires an embedder", TypeEmbeddingRetriever)
	}
	return &EmbeddingRetriever{
		store:    s,
		searcher: searcher,
		embedder: e,
		topK:     effectiveTopK(topK, DefaultRetrieverTopK),
	}, nil
}

func (r *EmbeddingRetriever) Type() string                       { return TypeEmbeddingRetriever }
func (r *EmbeddingRetriever) Input() pipeline.Kind               { return pipeline.KindQuery }
func (r *EmbeddingRetriever) Output() pipeline.Kind              { return pipeline.KindDocuments }
func (r *EmbeddingRetriever) DocumentStore() store.DocumentStore { return r.store }

// Run embeds p.Query and replaces p.Documents with the nearest documents.
func (r *EmbeddingRetriever) Run(ctx context.Context, p *pipeline.Payload) error {
	vec, err := r.embedder.Embed(ctx, p.Query)
	if err != nil {
		return fmt.Errorf("failed to embed query: %w", err)
	}
	docs, err := r.searcher.QueryByEmbedding(ctx, vec, effectiveTopK(p.Params.RetrieverTopK, r.topK))
	if err != nil {
		return fmt.Errorf("vector search failed: %w", err)
	}
	p.Documents = applyFilters(docs, p.Params.Filters)
	return nil
}

// EmbedDocuments sets the embedding of each document in place.
func (r *EmbeddingRetriever) EmbedDocuments(ctx context.Context, docs []*store.Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed documents: %w", err)
	}
	for i, d := range docs {
		d.Embedding = vecs[i]
	}
	return nil
}

// Close releases the embedder.
func (r *EmbeddingRetriever) Close() error {
	return r.embedder.Close()
}

// DenseConfig configures a DensePassageRetriever.
type DenseConfig struct {
	// MaxSeqLenQuery and MaxSeqLenPassage cap the words read per text.
	MaxSeqLenQuery   int
	MaxSeqLenPassage int
	// BatchSize is the number of passages per encoder call.
	BatchSize int
	// EmbedTitle prefixes the passage with its meta "name" before encoding.
	EmbedTitle bool
	TopK       int
}

// maxParallelBatches bounds concurrent passage encoder calls.
const maxParallelBatches = 4

// DensePassageRetriever uses separate query and passage encoders that share
// one vector space.
type DensePassageRetriever struct {
	store          store.DocumentStore
	searcher       store.VectorSearcher
	queryEncoder   embed.Embedder
	passageEncoder embed.Embedder
	cfg            DenseConfig
}

var (
	_ PassageEmbedder      = (*DensePassageRetriever)(nil)
	_ pipeline.StoreHolder = (*DensePassageRetriever)(nil)
)

// NewDensePassageRetriever binds a dual-encoder retriever to s.
func NewDensePassageRetriever(s store.DocumentStore, queryEncoder, passageEncoder embed.Embedder, cfg DenseConfig) (*DensePassageRetriever, error) {
	searcher, err := vectorSearcher(TypeDensePassageRetriever, s)
	if err != nil {
		return nil, err
	}
	if queryEncoder == nil || passageEncoder == nil {
		return nil, fmt.Errorf("%s requires query and passage encoders", TypeDensePassageRetriever)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	cfg.TopK = effectiveTopK(cfg.TopK, DefaultRetrieverTopK)
	return &DensePassageRetriever{
		store:          s,
		searcher:       searcher,
		queryEncoder:   queryEncoder,
		passageEncoder: passageEncoder,
		cfg:            cfg,
	}, nil
}

func (r *DensePassageRetriever) Type() string                       { return TypeDensePassageRetriever }
func (r *DensePassageRetriever) Input() pipeline.Kind               { return pipeline.KindQuery }
func (r *DensePassageRetriever) Output() pipeline.Kind              { return pipeline.KindDocuments }
func (r *DensePassageRetriever) DocumentStore() store.DocumentStore { return r.store }
func (r *DensePassageRetriever) Config() DenseConfig                { return r.cfg }

// Run encodes the (truncated) query and replaces p.Documents with the
// nearest passages.
func (r *DensePassageRetriever) Run(ctx context.Context, p *pipeline.Payload) error {
	vec, err := r.queryEncoder.Embed(ctx, truncateWords(p.Query, r.cfg.MaxSeqLenQuery))
	if err != nil {
		return fmt.Errorf("failed to encode query: %w", err)
	}
	docs, err := r.searcher.QueryByEmbedding(ctx, vec, effectiveTopK(p.Params.RetrieverTopK, r.cfg.TopK))
	if err != nil {
		return fmt.Errorf("vector search failed: %w", err)
	}
	p.Documents = applyFilters(docs, p.Params.Filters)
	return nil
}

// EmbedDocuments encodes passages in batches of BatchSize, running up to
// maxParallelBatches batches at once.
func (r *DensePassageRetriever) EmbedDocuments(ctx context.Context, docs []*store.Document) error {
	if len(docs) == 0 {
		return nil
	}
	start := time.Now()

	texts := make([]string, len(docs))
	for i, d := range docs {
		text := d.Content
		if title := d.Meta["name"]; r.cfg.EmbedTitle && title != "" {
			text = title + " " + text
		}
		texts[i] = truncateWords(text, r.cfg.MaxSeqLenPassage)
	}

	vecs := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelBatches)
	for lo := 0; lo < len(texts); lo += r.cfg.BatchSize {
		hi := min(lo+r.cfg.BatchSize, len(texts))
		g.Go(func() error {
			batch, err := r.passageEncoder.EmbedBatch(gctx, texts[lo:hi])
			if err != nil {
				return err
			}
			copy(vecs[lo:hi], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to encode passages: %w", err)
	}

	for i, d := range docs {
		d.Embedding = vecs[i]
	}

	slog.Debug("passages_encoded",
		slog.Int("count", len(docs)),
		slog.Int("batch_size", r.cfg.BatchSize),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Close releases both encoders.
func (r *DensePassageRetriever) Close() error {
	qErr := r.queryEncoder.Close()
	if r.passageEncoder == r.queryEncoder {
		return qErr
	}
	if err := r.passageEncoder.Close(); err != nil {
		return err
	}
	return qErr
}

func vectorSearcher(typ string, s store.DocumentStore) (store.VectorSearcher, error) {
	if s == nil {
		return nil, fmt.Errorf("%s requires a document store", typ)
	}
	searcher, ok := s.(store.VectorSearcher)
	if !ok {
		return nil, fmt.Errorf("%s: store kind %s has no vector index", typ, s.Kind())
	}
	return searcher, nil
}

// DocumentEmbedder is the indexing form of a retriever: it embeds the
// documents flowing through it with the retriever's passage encoder.
type DocumentEmbedder struct {
	retriever PassageEmbedder
}

var _ pipeline.Stage = (*DocumentEmbedder)(nil)

// NewDocumentEmbedder wraps r for use after a documents-producing stage.
func NewDocumentEmbedder(r PassageEmbedder) *DocumentEmbedder {
	return &DocumentEmbedder{retriever: r}
}

func (e *DocumentEmbedder) Type() string          { return e.retriever.Type() }
func (e *DocumentEmbedder) Input() pipeline.Kind  { return pipeline.KindDocuments }
func (e *DocumentEmbedder) Output() pipeline.Kind { return pipeline.KindDocuments }

// DocumentStore returns the wrapped retriever's store.
func (e *DocumentEmbedder) DocumentStore() store.DocumentStore {
	if h, ok := e.retriever.(pipeline.StoreHolder); ok {
		return h.DocumentStore()
	}
	return nil
}

func (e *DocumentEmbedder) Run(ctx context.Context, p *pipeline.Payload) error {
	return e.retriever.EmbedDocuments(ctx, p.Documents)
}

// Close closes the wrapped retriever when it holds resources.
func (e *DocumentEmbedder) Close() error {
	if c, ok := e.retriever.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
