package topology

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/Aman-CERP/qaserve/internal/config"
	"github.com/Aman-CERP/qaserve/internal/embed"
	"github.com/Aman-CERP/qaserve/internal/pipeline"
	"github.com/Aman-CERP/qaserve/internal/stages"
	"github.com/Aman-CERP/qaserve/internal/store"
)

// Node names used by the programmatic topologies.
const (
	nodeRetriever = "Retriever"
	nodeRanker    = "Ranker"
	nodeAnswers   = "Docs2Answers"
)

// chain builds a query pipeline from stages in order, each taking the one
// before it.
func chain(name string, ss ...namedStage) (*pipeline.Pipeline, error) {
	p := pipeline.New(name)
	input := pipeline.RootQuery
	for _, s := range ss {
		if err := p.AddNode(s.name, s.stage, []string{input}); err != nil {
			return nil, err
		}
		input = s.name
	}
	return p, nil
}

type namedStage struct {
	name  string
	stage pipeline.Stage
}

// closeAll closes whatever was built before a topology failed.
func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		if c != nil {
			_ = c.Close()
		}
	}
}

func embedderOptions(cfg config.EmbeddingsConfig, model string, maxTokens int) embed.Options {
	return embed.Options{
		Provider:   embed.ProviderType(cfg.Provider),
		Model:      model,
		Host:       cfg.Host,
		Dimensions: cfg.Dimensions,
		BatchSize:  cfg.BatchSize,
		MaxTokens:  maxTokens,
		CacheSize:  cfg.CacheSize,
	}
}

// buildPGEmbeddingFAQ: PostgreSQL -> EmbeddingRetriever -> Docs2Answers.
func buildPGEmbeddingFAQ(_ context.Context, cfg *config.Config, _ *slog.Logger) (*Result, error) {
	ds := cfg.DocumentStore
	st, err := store.NewPostgresStore(store.PostgresConfig{
		Host:     ds.Host,
		Port:     ds.Port,
		User:     ds.User,
		Password: ds.Password,
		Database: ds.Database,
		Table:    ds.Index,
	})
	if err != nil {
		return nil, err
	}

	e, err := embed.NewEmbedder(embedderOptions(cfg.Embeddings, cfg.Embeddings.Model, 0))
	if err != nil {
		closeAll(st)
		return nil, err
	}

	retriever, err := stages.NewEmbeddingRetriever(st, e, 0)
	if err != nil {
		closeAll(st, e)
		return nil, err
	}

	p, err := chain(QueryPipelineName,
		namedStage{nodeRetriever, retriever},
		namedStage{nodeAnswers, stages.Docs2Answers{}})
	if err != nil {
		closeAll(st, e)
		return nil, err
	}
	return &Result{Query: p}, nil
}

// buildHNSWDenseFAQ: HNSW index -> DensePassageRetriever -> Docs2Answers.
// The index is written offline by BuildHNSWIndex.
func buildHNSWDenseFAQ(_ context.Context, cfg *config.Config, _ *slog.Logger) (*Result, error) {
	st, err := store.LoadHNSWStore(cfg.DocumentStore.HNSWPath, store.HNSWConfig{
		Dimensions: cfg.Embeddings.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load vector index: %w", err)
	}

	retriever, err := newDenseRetriever(cfg, st)
	if err != nil {
		closeAll(st)
		return nil, err
	}

	p, err := chain(QueryPipelineName,
		namedStage{nodeRetriever, retriever},
		namedStage{nodeAnswers, stages.Docs2Answers{}})
	if err != nil {
		closeAll(st, retriever)
		return nil, err
	}
	return &Result{Query: p}, nil
}

// newDenseRetriever builds the dual-encoder retriever over st. Queries and
// index builds must use the same encoders.
func newDenseRetriever(cfg *config.Config, st store.DocumentStore) (*stages.DensePassageRetriever, error) {
	dense := cfg.Dense
	queryEnc, err := embed.NewEmbedder(embedderOptions(cfg.Embeddings, dense.QueryModel, dense.MaxSeqLenQuery))
	if err != nil {
		return nil, err
	}
	passageOpts := embedderOptions(cfg.Embeddings, dense.PassageModel, dense.MaxSeqLenPassage)
	passageOpts.BatchSize = dense.BatchSize
	passageOpts.CacheSize = 0
	passageEnc, err := embed.NewEmbedder(passageOpts)
	if err != nil {
		closeAll(queryEnc)
		return nil, err
	}

	retriever, err := stages.NewDensePassageRetriever(st, queryEnc, passageEnc, stages.DenseConfig{
		MaxSeqLenQuery:   dense.MaxSeqLenQuery,
		MaxSeqLenPassage: dense.MaxSeqLenPassage,
		BatchSize:        dense.BatchSize,
		EmbedTitle:       dense.EmbedTitle,
	})
	if err != nil {
		closeAll(queryEnc, passageEnc)
		return nil, err
	}
	return retriever, nil
}

// buildSQLiteBM25Rerank: SQLite FTS5 -> BM25Retriever -> ranker -> Docs2Answers.
// The ranker is the HTTP cross-encoder when an endpoint is configured and
// the in-process MaxSim ranker otherwise.
func buildSQLiteBM25Rerank(_ context.Context, cfg *config.Config, _ *slog.Logger) (*Result, error) {
	st, err := store.NewSQLiteStore(store.SQLiteConfig{
		Path:    cfg.DocumentStore.SQLitePath,
		CacheMB: cfg.DocumentStore.SQLiteCacheMB,
	})
	if err != nil {
		return nil, err
	}

	retriever, err := stages.NewBM25Retriever(st, cfg.Ranker.RetrieverTopK)
	if err != nil {
		closeAll(st)
		return nil, err
	}

	ranker, err := newRanker(cfg)
	if err != nil {
		closeAll(st)
		return nil, err
	}

	p, err := chain(QueryPipelineName,
		namedStage{nodeRetriever, retriever},
		namedStage{nodeRanker, ranker},
		namedStage{nodeAnswers, stages.Docs2Answers{}})
	if err != nil {
		closeAll(st)
		return nil, err
	}
	return &Result{Query: p}, nil
}

func newRanker(cfg *config.Config) (pipeline.Stage, error) {
	rc := cfg.Ranker
	if rc.Endpoint != "" {
		return stages.NewCrossEncoderRanker(stages.CrossEncoderConfig{
			Endpoint:  rc.Endpoint,
			Model:     rc.Model,
			TopK:      rc.TopK,
			BatchSize: rc.BatchSize,
		})
	}
	model := rc.Model
	if model == "" {
		model = "maxsim"
	}
	return stages.NewMaxSimRanker(embed.NewStaticEmbedder(model, cfg.Embeddings.Dimensions), rc.TopK, rc.BatchSize)
}
