package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/qaserve/internal/config"
	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
	"github.com/Aman-CERP/qaserve/internal/pipeline"
	"github.com/Aman-CERP/qaserve/internal/store"
	"github.com/Aman-CERP/qaserve/internal/topology"
)

const descriptionTemplate = `
components:
  - name: DocumentStore
    type: %s
    params: %s
  - name: Retriever
    type: BM25Retriever
    params: {document_store: DocumentStore, top_k: 5}
  - {name: Reader, type: Docs2Answers}
  - {name: Converter, type: TextConverter}
  - {name: Splitter, type: PreProcessor, params: {split_by: passage, split_length: 1}}
pipelines:
  - name: query
    nodes:
      - {name: Retriever, inputs: [Query]}
      - {name: Reader, inputs: [Retriever]}
  - name: indexing
    nodes:
      - {name: Converter, inputs: [File]}
      - {name: Splitter, inputs: [Converter]}
      - {name: %s, inputs: [Splitter]}
`

func baseConfig(t *testing.T, selector string) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Pipeline.Selector = selector
	dir := t.TempDir()
	cfg.DocumentStore.SQLitePath = filepath.Join(dir, "documents.db")
	cfg.Server.FileUploadPath = filepath.Join(dir, "file-upload")
	return cfg
}

func declarativeConfig(t *testing.T, storeType, storeParams, writerNode string) *config.Config {
	t.Helper()
	cfg := baseConfig(t, config.SelectorDeclarative)
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	body := fmt.Sprintf(descriptionTemplate, storeType, storeParams, writerNode)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg.Pipeline.YAMLPath = path
	return cfg
}

func provision(t *testing.T, cfg *config.Config, opts ...Option) *Bundle {
	t.Helper()
	b, err := Provision(context.Background(), cfg, opts...)
	require.NoError(t, err)
	require.NotNil(t, b)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestProvision_SelectorTopologies(t *testing.T) {
	tests := []struct {
		selector string
		kind     store.Kind
		stages   []string
	}{
		{config.SelectorPGEmbeddingFAQ, store.KindPostgres, []string{"EmbeddingRetriever", "Docs2Answers"}},
		{config.SelectorHNSWDenseFAQ, store.KindHNSW, []string{"DensePassageRetriever", "Docs2Answers"}},
		{config.SelectorSQLiteBM25Rerank, store.KindSQLite, []string{"BM25Retriever", "MaxSimRanker", "Docs2Answers"}},
	}

	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			b := provision(t, baseConfig(t, tt.selector))

			require.True(t, b.Healthy())
			assert.Equal(t, topology.Selector(tt.selector), b.Selector)
			assert.Equal(t, tt.stages, b.QueryPipeline.StageTypes())
			require.NotNil(t, b.DocumentStore)
			assert.Equal(t, tt.kind, b.DocumentStore.Kind())
			assert.False(t, b.IndexingAvailable())
			assert.Empty(t, b.Diagnostics)
			assert.DirExists(t, b.UploadDir)
		})
	}

	t.Run(config.SelectorDeclarative, func(t *testing.T) {
		b := provision(t, declarativeConfig(t, "SQLiteDocumentStore", "{}", "DocumentStore"))

		require.True(t, b.Healthy())
		assert.Equal(t, []string{"BM25Retriever", "Docs2Answers"}, b.QueryPipeline.StageTypes())
		assert.Equal(t, store.KindSQLiteMemory, b.DocumentStore.Kind())
	})
}

func TestProvision_NonShareableStoreDropsIndexing(t *testing.T) {
	for _, storeType := range []string{"InMemoryDocumentStore", "SQLiteDocumentStore"} {
		t.Run(storeType, func(t *testing.T) {
			var indexingStore store.DocumentStore
			spy := func(ctx context.Context, cfg *config.Config) (*topology.Result, error) {
				res, err := topology.Build(ctx, cfg)
				if err == nil && res.Indexing != nil {
					indexingStore = res.Indexing.DocumentStore()
				}
				return res, err
			}

			b := provision(t, declarativeConfig(t, storeType, "{}", "DocumentStore"), withBuilder(spy))

			assert.True(t, b.Healthy())
			assert.Nil(t, b.IndexingPipeline)
			assert.False(t, b.IndexingAvailable())
			require.Len(t, b.Diagnostics, 1)
			assert.Contains(t, b.Diagnostics[0], "is not shareable across query and indexing pipelines")
			assert.Contains(t, b.Diagnostics[0], "(shareable kinds: postgres, sqlite)")

			// The discarded pipeline's store is closed, the query store is not.
			require.NotNil(t, indexingStore)
			_, err := indexingStore.Count(context.Background())
			assert.ErrorIs(t, err, store.ErrClosed)
			_, err = b.DocumentStore.Count(context.Background())
			assert.NoError(t, err)

			_, err = b.IndexFiles(context.Background(), []string{"x.txt"}, nil)
			assert.ErrorIs(t, err, ErrIndexingUnavailable)
		})
	}
}

func TestProvision_ShareableStoreKeepsIndexing(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	cfg := declarativeConfig(t, "SQLiteDocumentStore", fmt.Sprintf("{path: %q}", dbPath), "DocumentStore")

	b := provision(t, cfg)
	require.True(t, b.IndexingAvailable())
	assert.Empty(t, b.Diagnostics)
	assert.NotSame(t, b.DocumentStore, b.IndexingPipeline.DocumentStore())

	file := filepath.Join(t.TempDir(), "faq.txt")
	require.NoError(t, os.WriteFile(file, []byte("Refunds take five days.\n\nShipping is free."), 0o644))
	n, err := b.IndexFiles(ctx, []string{file}, map[string]string{"source": "test"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	out, err := b.Query(ctx, "refunds", pipeline.Params{})
	require.NoError(t, err)
	require.NotEmpty(t, out.Answers)
	assert.Contains(t, out.Answers[0].Answer, "Refunds")
	assert.Equal(t, 0, b.Gate.InFlight())
}

func TestProvision_MalformedDescriptions(t *testing.T) {
	t.Run("query branch is fatal", func(t *testing.T) {
		cfg := baseConfig(t, config.SelectorDeclarative)
		path := filepath.Join(t.TempDir(), "pipelines.yaml")
		require.NoError(t, os.WriteFile(path, []byte("pipelines: [oops"), 0o644))
		cfg.Pipeline.YAMLPath = path

		b, err := Provision(context.Background(), cfg)
		require.Error(t, err)
		assert.Nil(t, b)
		assert.True(t, errors.Is(err, qaerrors.ErrPipelineConfig))
	})

	t.Run("indexing branch degrades", func(t *testing.T) {
		cfg := declarativeConfig(t, "SQLiteDocumentStore", "{}", "Missing")

		b := provision(t, cfg)
		assert.True(t, b.Healthy())
		assert.Nil(t, b.IndexingPipeline)
		require.Len(t, b.Diagnostics, 1)
		assert.NotEmpty(t, b.Diagnostics[0])
	})

	t.Run("indexing pipeline absent", func(t *testing.T) {
		cfg := declarativeConfig(t, "SQLiteDocumentStore", "{}", "DocumentStore")
		cfg.Pipeline.IndexingName = "not_declared"

		b := provision(t, cfg)
		assert.True(t, b.Healthy())
		assert.Nil(t, b.IndexingPipeline)
		assert.Len(t, b.Diagnostics, 1)
	})
}

func TestProvision_UnrecognizedSelector(t *testing.T) {
	b := provision(t, baseConfig(t, "esds_emr_faq_v2"))

	assert.False(t, b.Healthy())
	assert.Nil(t, b.DocumentStore)
	require.NotNil(t, b.Gate)
	require.Len(t, b.Diagnostics, 1)
	assert.Contains(t, b.Diagnostics[0], "esds_emr_faq_v2")

	_, err := b.Query(context.Background(), "anything", pipeline.Params{})
	assert.ErrorIs(t, err, ErrQueryUnavailable)
}

func TestProvision_LoggerReachesTopology(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	provision(t, declarativeConfig(t, "SQLiteDocumentStore", "{}", "DocumentStore"), WithLogger(logger))

	logs := buf.String()
	assert.Contains(t, logs, `"msg":"pipeline_loaded"`)
	assert.Contains(t, logs, `"msg":"indexing_disabled"`)
	assert.Contains(t, logs, `"msg":"pipeline_provisioned"`)
}

func TestProvision_GateLimit(t *testing.T) {
	cfg := baseConfig(t, config.SelectorSQLiteBM25Rerank)
	cfg.Server.ConcurrentRequestsPerWorker = 3
	assert.Equal(t, 3, provision(t, cfg).Gate.Limit())

	cfg = baseConfig(t, config.SelectorSQLiteBM25Rerank)
	cfg.Server.ConcurrentRequestsPerWorker = 0
	b := provision(t, cfg)
	assert.Equal(t, 1, b.Gate.Limit())
	require.Len(t, b.Diagnostics, 1)
	assert.Contains(t, b.Diagnostics[0], "concurrent_requests_per_worker")
}

func TestProvision_UploadDirFailureIsNotFatal(t *testing.T) {
	cfg := baseConfig(t, config.SelectorSQLiteBM25Rerank)
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.Server.FileUploadPath = filepath.Join(blocker, "uploads")

	b := provision(t, cfg)
	assert.True(t, b.Healthy())
	require.Len(t, b.Diagnostics, 1)
	assert.Contains(t, b.Diagnostics[0], "upload directory")
}

// panicStage fails the way a buggy stage would.
type panicStage struct{}

func (panicStage) Type() string          { return "Panic" }
func (panicStage) Input() pipeline.Kind  { return pipeline.KindQuery }
func (panicStage) Output() pipeline.Kind { return pipeline.KindAnswers }

func (panicStage) Run(context.Context, *pipeline.Payload) error {
	panic("stage failure")
}

func TestBundle_QueryReleasesGateOnPanic(t *testing.T) {
	p := pipeline.New("query")
	require.NoError(t, p.AddNode("Panic", panicStage{}, []string{pipeline.RootQuery}))
	build := func(context.Context, *config.Config) (*topology.Result, error) {
		return &topology.Result{Query: p}, nil
	}

	b := provision(t, baseConfig(t, config.SelectorDeclarative), withBuilder(build))

	assert.Panics(t, func() {
		_, _ = b.Query(context.Background(), "q", pipeline.Params{})
	})
	assert.Equal(t, 0, b.Gate.InFlight())

	_, err := b.Query(context.Background(), "", pipeline.Params{})
	assert.Equal(t, qaerrors.ErrCodeQueryEmpty, qaerrors.GetCode(err))
	assert.Equal(t, 0, b.Gate.InFlight())
}

func TestBundle_CloseIsIdempotent(t *testing.T) {
	b := provision(t, baseConfig(t, config.SelectorSQLiteBM25Rerank))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	var nilBundle *Bundle
	assert.NoError(t, nilBundle.Close())
	assert.False(t, nilBundle.Healthy())
}
