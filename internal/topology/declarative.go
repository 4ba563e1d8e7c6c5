package topology

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/qaserve/internal/config"
)

// buildDeclarative loads the query pipeline and then, independently, the
// indexing pipeline from the same description. The two loads construct
// separate component instances; whether they observe the same documents
// depends on the store kind.
func buildDeclarative(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Result, error) {
	loader := NewLoader(cfg.Pipeline.YAMLPath, cfg).WithLogger(log)

	query, err := loader.Load(ctx, cfg.Pipeline.QueryName)
	if err != nil {
		return nil, err
	}
	res := &Result{Query: query}

	if cfg.Pipeline.IndexingName == "" {
		return res, nil
	}
	indexing, err := loader.Load(ctx, cfg.Pipeline.IndexingName)
	if err != nil {
		log.Debug("indexing_pipeline_not_loaded",
			slog.String("pipeline", cfg.Pipeline.IndexingName),
			slog.String("error", err.Error()))
		res.IndexingErr = err
		return res, nil
	}
	res.Indexing = indexing
	return res, nil
}
