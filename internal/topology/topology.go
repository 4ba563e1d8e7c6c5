// Package topology turns a configured selector into a query pipeline and,
// for the declarative selector, a companion indexing pipeline.
//
// The set of topologies is closed: each Selector maps to exactly one builder
// in the variants table. Unknown selectors build nothing.
package topology

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/Aman-CERP/qaserve/internal/config"
	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
	"github.com/Aman-CERP/qaserve/internal/pipeline"
)

// Selector names a pipeline topology.
type Selector string

const (
	// Declarative loads the query and indexing pipelines from a YAML
	// description.
	Declarative Selector = config.SelectorDeclarative
	// PGEmbeddingFAQ serves FAQ answers from PostgreSQL via a sentence
	// encoder retriever.
	PGEmbeddingFAQ Selector = config.SelectorPGEmbeddingFAQ
	// HNSWDenseFAQ serves FAQ answers from an in-process HNSW index via a
	// dual-encoder retriever.
	HNSWDenseFAQ Selector = config.SelectorHNSWDenseFAQ
	// SQLiteBM25Rerank retrieves by BM25 from SQLite FTS5 and reranks.
	SQLiteBM25Rerank Selector = config.SelectorSQLiteBM25Rerank
)

// QueryPipelineName is the name given to programmatically built pipelines.
const QueryPipelineName = "query"

// Result holds what a topology built. Query is nil only when the selector
// was not recognized. Indexing is only ever set by the declarative
// topology; IndexingErr explains why it is nil when an indexing pipeline
// was configured but could not be built.
type Result struct {
	Selector    Selector
	Query       *pipeline.Pipeline
	Indexing    *pipeline.Pipeline
	IndexingErr error
}

// Close closes both pipelines.
func (r *Result) Close() error {
	if r == nil {
		return nil
	}
	var err error
	if r.Query != nil {
		err = r.Query.Close()
	}
	if r.Indexing != nil {
		if iErr := r.Indexing.Close(); err == nil {
			err = iErr
		}
	}
	return err
}

// Option configures Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger for topology and pipeline loading events.
// Stages and stores log through slog.Default at run time.
func WithLogger(l *slog.Logger) Option {
	return func(o *buildOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// builder builds one topology variant.
type builder func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Result, error)

var variants = map[Selector]builder{
	Declarative:      buildDeclarative,
	PGEmbeddingFAQ:   buildPGEmbeddingFAQ,
	HNSWDenseFAQ:     buildHNSWDenseFAQ,
	SQLiteBM25Rerank: buildSQLiteBM25Rerank,
}

// Selectors returns every recognized selector.
func Selectors() []Selector {
	out := make([]Selector, 0, len(variants))
	for s := range variants {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether s names a topology.
func (s Selector) Known() bool {
	_, ok := variants[s]
	return ok
}

// Build builds the topology named by cfg.Pipeline.Selector.
//
// A failure to build the query pipeline is returned as a PipelineConfig
// error. An unrecognized selector returns an empty Result together with an
// UnrecognizedSelector error, which callers treat as a warning.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*Result, error) {
	o := buildOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	sel := Selector(cfg.Pipeline.Selector)
	build, ok := variants[sel]
	if !ok {
		return &Result{Selector: sel}, qaerrors.UnrecognizedSelectorError(string(sel))
	}

	start := time.Now()
	res, err := build(ctx, cfg, o.logger)
	if err != nil {
		if qaerrors.GetCode(err) != qaerrors.ErrCodePipelineConfig {
			err = qaerrors.PipelineConfigError("failed to build "+string(sel)+" pipeline", err)
		}
		return nil, err
	}
	res.Selector = sel

	o.logger.Info("pipeline_loaded",
		slog.String("selector", string(sel)),
		slog.Any("stages", res.Query.StageTypes()),
		slog.Bool("indexing", res.Indexing != nil),
		slog.Duration("duration", time.Since(start)))
	return res, nil
}
