package topology

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aman-CERP/qaserve/internal/config"
	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
	"github.com/Aman-CERP/qaserve/internal/pipeline"
	"github.com/Aman-CERP/qaserve/internal/stages"
	"github.com/Aman-CERP/qaserve/internal/store"
)

// IndexBuildPipelineName names the offline pipeline run by BuildHNSWIndex.
const IndexBuildPipelineName = "hnsw_index_build"

// HNSWIndexBuild describes an offline build of the index served by the
// hnsw_dense_faq topology.
type HNSWIndexBuild struct {
	// Files are the plain-text files to index.
	Files []string
	// Meta is attached to every document.
	Meta map[string]string
	// Out is where the index is saved. Empty uses document_store.hnsw_path.
	Out string
	// Split configures the PreProcessor. The zero value uses
	// stages.DefaultPreProcessorConfig.
	Split stages.PreProcessorConfig
}

// BuildHNSWIndex runs b.Files through TextConverter, PreProcessor, the
// hnsw_dense_faq passage encoder and an HNSW store, then saves the store.
// It returns the number of passages saved.
func BuildHNSWIndex(ctx context.Context, cfg *config.Config, b HNSWIndexBuild) (int, error) {
	out := b.Out
	if out == "" {
		out = cfg.DocumentStore.HNSWPath
	}
	if out == "" {
		return 0, qaerrors.ConfigError("no index path configured", nil).
			WithSuggestion("set document_store.hnsw_path or pass --out")
	}
	split := b.Split
	if split == (stages.PreProcessorConfig{}) {
		split = stages.DefaultPreProcessorConfig()
	}

	start := time.Now()
	st := store.NewHNSWStore(store.HNSWConfig{Dimensions: cfg.Embeddings.Dimensions})
	p, err := indexBuildPipeline(cfg, st, split)
	if err != nil {
		closeAll(st)
		return 0, err
	}
	defer func() { _ = p.Close() }()

	res, err := p.RunFiles(ctx, b.Files, b.Meta)
	if err != nil {
		return 0, err
	}
	if err := st.Save(out); err != nil {
		return 0, fmt.Errorf("failed to save vector index: %w", err)
	}

	n := len(res.Documents)
	slog.Info("hnsw_index_built",
		slog.String("path", out),
		slog.Int("files", len(b.Files)),
		slog.Int("documents", n),
		slog.Duration("duration", time.Since(start)))
	return n, nil
}

// indexBuildPipeline: File -> TextConverter -> PreProcessor -> passage
// encoder -> HNSW store. On error nothing built is left open except st.
func indexBuildPipeline(cfg *config.Config, st *store.HNSWStore, split stages.PreProcessorConfig) (*pipeline.Pipeline, error) {
	pp, err := stages.NewPreProcessor(split)
	if err != nil {
		return nil, err
	}
	retriever, err := newDenseRetriever(cfg, st)
	if err != nil {
		return nil, err
	}
	writer, err := stages.NewDocumentWriter(st)
	if err != nil {
		closeAll(retriever)
		return nil, err
	}

	p := pipeline.New(IndexBuildPipelineName)
	nodes := []struct {
		name  string
		stage pipeline.Stage
		input string
	}{
		{"Converter", &stages.TextConverter{}, pipeline.RootFile},
		{"PreProcessor", pp, "Converter"},
		{"Embedder", stages.NewDocumentEmbedder(retriever), "PreProcessor"},
		{"Writer", writer, "Embedder"},
	}
	for _, n := range nodes {
		if err := p.AddNode(n.name, n.stage, []string{n.input}); err != nil {
			closeAll(retriever)
			return nil, err
		}
	}
	return p, nil
}
