// Package provision builds everything a worker process needs to serve
// queries, once, at startup: the query pipeline, the optional indexing
// pipeline, the admission gate and the upload directory.
//
// Provision fails only when the query pipeline cannot be built from a
// recognized selector. Every other problem degrades the Bundle and is
// recorded in Bundle.Diagnostics.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Aman-CERP/qaserve/internal/config"
	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
	"github.com/Aman-CERP/qaserve/internal/gate"
	"github.com/Aman-CERP/qaserve/internal/pipeline"
	"github.com/Aman-CERP/qaserve/internal/store"
	"github.com/Aman-CERP/qaserve/internal/topology"
)

// Sentinel errors returned by Bundle operations.
var (
	ErrQueryUnavailable    = errors.New("query pipeline is not available")
	ErrIndexingUnavailable = errors.New("indexing pipeline is not available")
)

// Option configures Provision.
type Option func(*options)

type options struct {
	logger *slog.Logger
	build  func(context.Context, *config.Config) (*topology.Result, error)
}

// WithLogger sets the logger used for provisioning and pipeline loading
// events. Stages and stores keep logging through slog.Default once serving.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// withBuilder replaces the topology builder in tests.
func withBuilder(b func(context.Context, *config.Config) (*topology.Result, error)) Option {
	return func(o *options) { o.build = b }
}

// Provision builds the Bundle described by cfg.
//
// A PipelineConfig error building the query pipeline is returned and no
// Bundle is produced. An unrecognized selector yields a Bundle without a
// query pipeline. An indexing pipeline whose document store is not
// shareable, or that could not be loaded, is discarded.
func Provision(ctx context.Context, cfg *config.Config, opts ...Option) (*Bundle, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if o.build == nil {
		o.build = func(ctx context.Context, cfg *config.Config) (*topology.Result, error) {
			return topology.Build(ctx, cfg, topology.WithLogger(log))
		}
	}

	b := &Bundle{
		Selector:  topology.Selector(cfg.Pipeline.Selector),
		UploadDir: cfg.Server.FileUploadPath,
	}

	res, err := o.build(ctx, cfg)
	switch {
	case errors.Is(err, qaerrors.ErrUnrecognizedSelector):
		log.Warn("pipeline_selector_unrecognized",
			slog.String("selector", cfg.Pipeline.Selector),
			slog.String("impact", "no query pipeline will be served"))
		b.addDiagnostic(describe(err))
	case err != nil:
		log.Error("pipeline_provision_failed", qaerrors.LogAttrs(err)...)
		return nil, err
	default:
		b.QueryPipeline = res.Query
		b.DocumentStore = res.Query.DocumentStore()
		b.attachIndexing(log, cfg, res)
	}

	limit := cfg.Server.ConcurrentRequestsPerWorker
	if limit <= 0 {
		b.addDiagnostic(fmt.Sprintf("concurrent_requests_per_worker %d is not positive, using 1", limit))
		limit = 1
	}
	g, err := gate.New(limit)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.Gate = g

	if b.UploadDir != "" {
		if err := os.MkdirAll(b.UploadDir, 0o755); err != nil {
			uerr := qaerrors.New(qaerrors.ErrCodeUploadDir,
				fmt.Sprintf("failed to create upload directory %s", b.UploadDir), err)
			log.Warn("upload_dir_unavailable", qaerrors.LogAttrs(uerr)...)
			b.addDiagnostic(describe(uerr))
		}
	}

	log.Info("pipeline_provisioned",
		slog.String("selector", string(b.Selector)),
		slog.Bool("query", b.QueryPipeline != nil),
		slog.Bool("indexing", b.IndexingPipeline != nil),
		slog.Int("concurrency_limit", g.Limit()),
		slog.Int("diagnostics", len(b.Diagnostics)))
	return b, nil
}

// attachIndexing keeps the indexing pipeline only when its document store
// is shareable with the separately built query pipeline.
func (b *Bundle) attachIndexing(log *slog.Logger, cfg *config.Config, res *topology.Result) {
	if res.Indexing == nil {
		if res.IndexingErr != nil {
			log.Error("indexing_disabled",
				slog.String("pipeline", cfg.Pipeline.IndexingName),
				slog.String("error", describe(res.IndexingErr)),
				slog.String("impact", "file upload will not be available"))
			b.addDiagnostic(describe(res.IndexingErr))
		}
		return
	}

	st := res.Indexing.DocumentStore()
	if store.IsShareable(st) {
		b.IndexingPipeline = res.Indexing
		return
	}

	kind := "none"
	if st != nil {
		kind = string(st.Kind())
	}
	incompatible := qaerrors.IncompatibleStoreError(kind)
	if err := res.Indexing.Close(); err != nil {
		log.Debug("indexing_pipeline_close_failed", slog.String("error", err.Error()))
	}
	shareable := shareableKinds()
	log.Error("indexing_disabled",
		slog.String("store_kind", kind),
		slog.String("error", incompatible.Message),
		slog.String("shareable_kinds", shareable),
		slog.String("impact", "file upload will not be available"))
	b.addDiagnostic(fmt.Sprintf("%s (shareable kinds: %s)", incompatible.Message, shareable))
}

// shareableKinds lists the store kinds an indexing pipeline may write to.
func shareableKinds() string {
	var names []string
	for _, k := range store.Kinds() {
		if c, _ := k.Capabilities(); c.Shareable {
			names = append(names, string(k))
		}
	}
	return strings.Join(names, ", ")
}

// describe renders err and its first cause as one line.
func describe(err error) string {
	var qe *qaerrors.QAError
	if !errors.As(err, &qe) {
		return err.Error()
	}
	if qe.Cause != nil {
		return qe.Message + ": " + qe.Cause.Error()
	}
	return qe.Message
}

// Bundle is the provisioned serving state. It is created once per process
// and is read-only afterwards apart from the gate's counters.
type Bundle struct {
	Selector topology.Selector
	// QueryPipeline is nil when the selector was not recognized.
	QueryPipeline *pipeline.Pipeline
	DocumentStore store.DocumentStore
	// IndexingPipeline is nil unless an indexing pipeline was built over a
	// shareable store.
	IndexingPipeline *pipeline.Pipeline
	Gate             *gate.Gate
	UploadDir        string
	// Diagnostics explains every degradation, one line each.
	Diagnostics []string

	closed bool
}

func (b *Bundle) addDiagnostic(msg string) {
	b.Diagnostics = append(b.Diagnostics, msg)
}

// Healthy reports whether queries can be served.
func (b *Bundle) Healthy() bool {
	return b != nil && b.QueryPipeline != nil
}

// IndexingAvailable reports whether files can be indexed.
func (b *Bundle) IndexingAvailable() bool {
	return b != nil && b.IndexingPipeline != nil
}

// Query runs query through the query pipeline while admitted by the gate.
// The gate slot is released on every exit path.
func (b *Bundle) Query(ctx context.Context, query string, params pipeline.Params) (*pipeline.Payload, error) {
	if !b.Healthy() {
		return nil, ErrQueryUnavailable
	}
	var out *pipeline.Payload
	err := b.Gate.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.QueryPipeline.RunQuery(ctx, query, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IndexFiles runs the indexing pipeline over local files and returns the
// number of documents it produced.
func (b *Bundle) IndexFiles(ctx context.Context, paths []string, meta map[string]string) (int, error) {
	if !b.IndexingAvailable() {
		return 0, ErrIndexingUnavailable
	}
	out, err := b.IndexingPipeline.RunFiles(ctx, paths, meta)
	if err != nil {
		return 0, err
	}
	return len(out.Documents), nil
}

// Close releases both pipelines. It is not safe to call concurrently with
// Query or IndexFiles.
func (b *Bundle) Close() error {
	if b == nil || b.closed {
		return nil
	}
	b.closed = true
	var errs []error
	if b.QueryPipeline != nil {
		errs = append(errs, b.QueryPipeline.Close())
	}
	if b.IndexingPipeline != nil {
		errs = append(errs, b.IndexingPipeline.Close())
	}
	return errors.Join(errs...)
}
