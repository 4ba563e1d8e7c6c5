package topology

import (
	"fmt"
	"sort"

	"github.com/Aman-CERP/qaserve/internal/embed"
	"github.com/Aman-CERP/qaserve/internal/stages"
	"github.com/Aman-CERP/qaserve/internal/store"
)

// Component types understood by the declarative loader, besides the stage
// types defined in package stages.
const (
	TypeInMemoryDocumentStore = "InMemoryDocumentStore"
	TypeHNSWDocumentStore     = "HNSWDocumentStore"
	TypeSQLiteDocumentStore   = "SQLiteDocumentStore"
	TypePostgresDocumentStore = "PostgresDocumentStore"
)

// factory constructs one component. The result is either a
// store.DocumentStore or a pipeline.Stage.
type factory func(l *loadState, p *params) (any, error)

// registry is populated in init to break the initialization cycle
// through loadState.resolve, which itself consults registry.
var registry map[string]factory

func init() {
	registry = map[string]factory{
		TypeInMemoryDocumentStore:        newInMemoryStoreComponent,
		TypeHNSWDocumentStore:            newHNSWStoreComponent,
		TypeSQLiteDocumentStore:          newSQLiteStoreComponent,
		TypePostgresDocumentStore:        newPostgresStoreComponent,
		stages.TypeBM25Retriever:         newBM25RetrieverComponent,
		stages.TypeEmbeddingRetriever:    newEmbeddingRetrieverComponent,
		stages.TypeDensePassageRetriever: newDensePassageRetrieverComponent,
		stages.TypeMaxSimRanker:          newMaxSimRankerComponent,
		stages.TypeCrossEncoderRanker:    newCrossEncoderRankerComponent,
		stages.TypeDocs2Answers:          newDocs2AnswersComponent,
		stages.TypeTextConverter:         newTextConverterComponent,
		stages.TypePreProcessor:          newPreProcessorComponent,
	}
}

// ComponentTypes returns every type a description may use.
func ComponentTypes() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func newInMemoryStoreComponent(_ *loadState, _ *params) (any, error) {
	return store.NewMemoryStore()
}

func newHNSWStoreComponent(l *loadState, p *params) (any, error) {
	path, err := p.String("path", "")
	if err != nil {
		return nil, err
	}
	dims, err := p.Int("dimensions", l.cfg.Embeddings.Dimensions)
	if err != nil {
		return nil, err
	}
	m, err := p.Int("m", 0)
	if err != nil {
		return nil, err
	}
	ef, err := p.Int("ef_search", 0)
	if err != nil {
		return nil, err
	}
	return store.LoadHNSWStore(path, store.HNSWConfig{Dimensions: dims, M: m, EfSearch: ef})
}

func newSQLiteStoreComponent(_ *loadState, p *params) (any, error) {
	path, err := p.String("path", "")
	if err != nil {
		return nil, err
	}
	cache, err := p.Int("cache_mb", 0)
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(store.SQLiteConfig{Path: path, CacheMB: cache})
}

func newPostgresStoreComponent(l *loadState, p *params) (any, error) {
	ds := l.cfg.DocumentStore
	var cfg store.PostgresConfig
	var err error
	if cfg.Host, err = p.String("host", ds.Host); err != nil {
		return nil, err
	}
	if cfg.Port, err = p.Int("port", ds.Port); err != nil {
		return nil, err
	}
	if cfg.User, err = p.String("username", ds.User); err != nil {
		return nil, err
	}
	if cfg.Password, err = p.String("password", ds.Password); err != nil {
		return nil, err
	}
	if cfg.Database, err = p.String("database", ds.Database); err != nil {
		return nil, err
	}
	if cfg.Table, err = p.String("index", ds.Index); err != nil {
		return nil, err
	}
	return store.NewPostgresStore(cfg)
}

// storeParam resolves the document_store reference of a retriever.
func storeParam(l *loadState, p *params) (store.DocumentStore, error) {
	ref, err := p.String("document_store", "")
	if err != nil {
		return nil, err
	}
	if ref == "" {
		return nil, fmt.Errorf("component %s: param document_store is required", p.component)
	}
	return l.resolveStore(ref)
}

func newBM25RetrieverComponent(l *loadState, p *params) (any, error) {
	s, err := storeParam(l, p)
	if err != nil {
		return nil, err
	}
	topK, err := p.Int("top_k", 0)
	if err != nil {
		return nil, err
	}
	return stages.NewBM25Retriever(s, topK)
}

// embedderParam builds an embedder from params, defaulting to the
// configured embeddings section.
func embedderParam(l *loadState, p *params, modelKey, defModel string, maxTokens, cacheSize int) (embed.Embedder, error) {
	ec := l.cfg.Embeddings
	opts := embedderOptions(ec, defModel, maxTokens)
	opts.CacheSize = cacheSize

	provider, err := p.String("provider", ec.Provider)
	if err != nil {
		return nil, err
	}
	opts.Provider = embed.ProviderType(provider)
	if opts.Model, err = p.String(modelKey, defModel); err != nil {
		return nil, err
	}
	if opts.Host, err = p.String("host", ec.Host); err != nil {
		return nil, err
	}
	if opts.Dimensions, err = p.Int("dimensions", ec.Dimensions); err != nil {
		return nil, err
	}
	return embed.NewEmbedder(opts)
}

func newEmbeddingRetrieverComponent(l *loadState, p *params) (any, error) {
	s, err := storeParam(l, p)
	if err != nil {
		return nil, err
	}
	topK, err := p.Int("top_k", 0)
	if err != nil {
		return nil, err
	}
	e, err := embedderParam(l, p, "embedding_model", l.cfg.Embeddings.Model, 0, l.cfg.Embeddings.CacheSize)
	if err != nil {
		return nil, err
	}
	r, err := stages.NewEmbeddingRetriever(s, e, topK)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	return r, nil
}

func newDensePassageRetrieverComponent(l *loadState, p *params) (any, error) {
	s, err := storeParam(l, p)
	if err != nil {
		return nil, err
	}
	dc := l.cfg.Dense
	cfg := stages.DenseConfig{}
	if cfg.MaxSeqLenQuery, err = p.Int("max_seq_len_query", dc.MaxSeqLenQuery); err != nil {
		return nil, err
	}
	if cfg.MaxSeqLenPassage, err = p.Int("max_seq_len_passage", dc.MaxSeqLenPassage); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = p.Int("batch_size", dc.BatchSize); err != nil {
		return nil, err
	}
	if cfg.EmbedTitle, err = p.Bool("embed_title", dc.EmbedTitle); err != nil {
		return nil, err
	}
	if cfg.TopK, err = p.Int("top_k", 0); err != nil {
		return nil, err
	}

	queryEnc, err := embedderParam(l, p, "query_embedding_model", dc.QueryModel, cfg.MaxSeqLenQuery, l.cfg.Embeddings.CacheSize)
	if err != nil {
		return nil, err
	}
	passageEnc, err := embedderParam(l, p, "passage_embedding_model", dc.PassageModel, cfg.MaxSeqLenPassage, 0)
	if err != nil {
		_ = queryEnc.Close()
		return nil, err
	}
	r, err := stages.NewDensePassageRetriever(s, queryEnc, passageEnc, cfg)
	if err != nil {
		_ = queryEnc.Close()
		_ = passageEnc.Close()
		return nil, err
	}
	return r, nil
}

func newMaxSimRankerComponent(l *loadState, p *params) (any, error) {
	model, err := p.String("model", "maxsim")
	if err != nil {
		return nil, err
	}
	dims, err := p.Int("dimensions", l.cfg.Embeddings.Dimensions)
	if err != nil {
		return nil, err
	}
	topK, err := p.Int("top_k", l.cfg.Ranker.TopK)
	if err != nil {
		return nil, err
	}
	batch, err := p.Int("batch_size", l.cfg.Ranker.BatchSize)
	if err != nil {
		return nil, err
	}
	return stages.NewMaxSimRanker(embed.NewStaticEmbedder(model, dims), topK, batch)
}

func newCrossEncoderRankerComponent(l *loadState, p *params) (any, error) {
	rc := l.cfg.Ranker
	cfg := stages.CrossEncoderConfig{}
	var err error
	if cfg.Endpoint, err = p.String("endpoint", rc.Endpoint); err != nil {
		return nil, err
	}
	if cfg.Model, err = p.String("model", rc.Model); err != nil {
		return nil, err
	}
	if cfg.TopK, err = p.Int("top_k", rc.TopK); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = p.Int("batch_size", rc.BatchSize); err != nil {
		return nil, err
	}
	return stages.NewCrossEncoderRanker(cfg)
}

func newDocs2AnswersComponent(_ *loadState, _ *params) (any, error) {
	return stages.Docs2Answers{}, nil
}

func newTextConverterComponent(_ *loadState, p *params) (any, error) {
	remove, err := p.Bool("remove_numeric_tables", false)
	if err != nil {
		return nil, err
	}
	return &stages.TextConverter{RemoveNumericTables: remove}, nil
}

func newPreProcessorComponent(_ *loadState, p *params) (any, error) {
	cfg := stages.DefaultPreProcessorConfig()
	var err error
	if cfg.CleanWhitespace, err = p.Bool("clean_whitespace", cfg.CleanWhitespace); err != nil {
		return nil, err
	}
	if cfg.CleanEmptyLines, err = p.Bool("clean_empty_lines", cfg.CleanEmptyLines); err != nil {
		return nil, err
	}
	if cfg.SplitBy, err = p.String("split_by", cfg.SplitBy); err != nil {
		return nil, err
	}
	if cfg.SplitLength, err = p.Int("split_length", cfg.SplitLength); err != nil {
		return nil, err
	}
	if cfg.SplitOverlap, err = p.Int("split_overlap", cfg.SplitOverlap); err != nil {
		return nil, err
	}
	return stages.NewPreProcessor(cfg)
}
