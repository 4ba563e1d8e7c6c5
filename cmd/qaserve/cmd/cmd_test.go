package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
	"github.com/Aman-CERP/qaserve/pkg/version"
)

const testPipelines = `
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
      - {name: DocumentStore, inputs: [Splitter]}
`

const testConfig = `
pipeline:
  selector: %s
  yaml_path: %s
server:
  file_upload_path: %s
  log_level: error
`

type testEnv struct {
	dir        string
	configPath string
	uploadDir  string
}

// newTestEnv writes a config using a declarative pipeline over the given
// document store. The user config directory is isolated per test.
func newTestEnv(t *testing.T, selector, storeType, storeParams string) testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))

	pipelines := filepath.Join(dir, "pipelines.yaml")
	require.NoError(t, os.WriteFile(pipelines, []byte(fmt.Sprintf(testPipelines, storeType, storeParams)), 0o644))

	env := testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "qaserve.yaml"),
		uploadDir:  filepath.Join(dir, "file-upload"),
	}
	body := fmt.Sprintf(testConfig, selector, pipelines, env.uploadDir)
	require.NoError(t, os.WriteFile(env.configPath, []byte(body), 0o644))
	return env
}

func sqliteEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	return newTestEnv(t, "query", "SQLiteDocumentStore", fmt.Sprintf("{path: %q}", filepath.Join(dir, "documents.db")))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()

	for _, name := range []string{"init", "check", "query", "index", "watch", "build-index", "version"} {
		sub, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
}

func TestRootCmd_ProfilesCommand(t *testing.T) {
	dir := t.TempDir()
	cpu := filepath.Join(dir, "cpu.prof")
	heap := filepath.Join(dir, "heap.prof")

	_, err := run(t, "version", "--profile-cpu", cpu, "--profile-mem", heap)

	require.NoError(t, err)
	assert.FileExists(t, cpu)
	assert.FileExists(t, heap)
}

func TestRootCmd_ShowsHelp(t *testing.T) {
	out, err := run(t, "--help")

	require.NoError(t, err)
	assert.Contains(t, out, "qaserve")
	assert.Contains(t, out, "check")
	assert.Contains(t, out, "Available Commands")
}

func TestVersionCmd_Outputs(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "qaserve "+version.Version)

	out, err = run(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, version.Version, strings.TrimSpace(out))

	out, err = run(t, "version", "--json")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Version, info["version"])
	assert.Contains(t, info, "go_version")
}

func TestCheckCmd_Healthy(t *testing.T) {
	env := sqliteEnv(t)

	out, err := run(t, "check", "--config", env.configPath)

	require.NoError(t, err)
	assert.Contains(t, out, "Selector:")
	assert.Contains(t, out, "BM25Retriever -> Docs2Answers")
	assert.Contains(t, out, "TextConverter -> PreProcessor -> DocumentWriter")
	assert.Contains(t, out, "Ready to serve queries")
	assert.DirExists(t, env.uploadDir)
}

func TestCheckCmd_DiscardedIndexingIsReported(t *testing.T) {
	env := newTestEnv(t, "query", "InMemoryDocumentStore", "{}")

	out, err := run(t, "check", "--config", env.configPath)

	require.NoError(t, err, "a discarded indexing pipeline does not fail the check")
	assert.Contains(t, out, "not shareable")
	assert.Contains(t, out, "Ready to serve queries")
}

func TestCheckCmd_UnrecognizedSelectorFails(t *testing.T) {
	env := newTestEnv(t, "faiss_dpr", "InMemoryDocumentStore", "{}")

	out, err := run(t, "check", "--config", env.configPath)

	require.ErrorIs(t, err, errUnhealthy)
	assert.Contains(t, out, "faiss_dpr")
	assert.Contains(t, out, "No query pipeline available")
	assert.Contains(t, out, "hnsw_dense_faq, pg_embedding_faq, query, sqlite_bm25_rerank")
}

func TestCheckCmd_Metrics(t *testing.T) {
	env := sqliteEnv(t)

	out, err := run(t, "check", "--metrics", "--config", env.configPath)

	require.NoError(t, err)
	assert.Contains(t, out, "# TYPE qaserve_gate_in_flight gauge")
	assert.Contains(t, out, "# TYPE qaserve_gate_wait_seconds histogram")
	assert.NotContains(t, out, "go_goroutines")
}

func TestCheckCmd_MissingConfigFails(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	_, err := run(t, "check", "--config", filepath.Join(t.TempDir(), "absent.yaml"))

	require.Error(t, err)
}

func TestIndexThenQuery(t *testing.T) {
	env := sqliteEnv(t)
	file := filepath.Join(env.dir, "faq.txt")
	require.NoError(t, os.WriteFile(file, []byte("Refunds take five days.\n\nShipping is free."), 0o644))

	// Given: a file indexed through the upload directory
	out, err := run(t, "index", "--config", env.configPath, "--meta", "source=cli", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 2 documents from 1 files")

	staged, err := os.ReadDir(env.uploadDir)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.True(t, strings.HasSuffix(staged[0].Name(), "_faq.txt"))

	// When: querying in a fresh process over the same store
	out, err = run(t, "query", "--config", env.configPath, "refunds")

	// Then: the answer is titled by the original file name
	require.NoError(t, err)
	assert.Contains(t, out, " 1. [")
	assert.Contains(t, out, "faq.txt")
	assert.NotContains(t, out, staged[0].Name())
	assert.Contains(t, out, "Refunds take five days.")
}

func TestBuildIndexThenServeHNSW(t *testing.T) {
	env := newTestEnv(t, "hnsw_dense_faq", "InMemoryDocumentStore", "{}")
	index := filepath.Join(env.dir, "data", "faq.hnsw")
	f, err := os.OpenFile(env.configPath, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fmt.Fprintf(f, "document_store:\n  hnsw_path: %s\n", index)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	file := filepath.Join(env.dir, "faq.txt")
	require.NoError(t, os.WriteFile(file, []byte("Refunds take five days.\n\nShipping is free."), 0o644))

	// Given: an index built offline from a file
	out, err := run(t, "build-index", "--config", env.configPath,
		"--split-by", "passage", "--split-length", "1", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 2 passages from 1 files into "+index)
	assert.FileExists(t, index)
	assert.FileExists(t, index+".meta")

	// When: a worker provisions the dense topology from it
	out, err = run(t, "check", "--config", env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "DensePassageRetriever -> Docs2Answers")

	// Then: queries are answered from the saved passages
	out, err = run(t, "query", "--config", env.configPath, "refunds")
	require.NoError(t, err)
	assert.Contains(t, out, "Refunds take five days.")
	assert.Contains(t, out, "Shipping is free.")
}

func TestBuildIndexCmd_NeedsOutputPath(t *testing.T) {
	env := newTestEnv(t, "hnsw_dense_faq", "InMemoryDocumentStore", "{}")
	file := filepath.Join(env.dir, "faq.txt")
	require.NoError(t, os.WriteFile(file, []byte("Refunds take five days."), 0o644))

	_, err := run(t, "build-index", "--config", env.configPath, file)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no index path")
}

func TestQueryCmd_JSON(t *testing.T) {
	env := sqliteEnv(t)
	file := filepath.Join(env.dir, "faq.txt")
	require.NoError(t, os.WriteFile(file, []byte("Refunds take five days."), 0o644))
	_, err := run(t, "index", "--config", env.configPath, file)
	require.NoError(t, err)

	out, err := run(t, "query", "--config", env.configPath, "--json", "refunds")

	require.NoError(t, err)
	var answers []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &answers))
	require.Len(t, answers, 1)
	assert.Contains(t, answers[0]["answer"], "Refunds take five days.")
}

func TestQueryCmd_NoAnswers(t *testing.T) {
	env := sqliteEnv(t)

	out, err := run(t, "query", "--config", env.configPath, "anything")

	require.NoError(t, err)
	assert.Contains(t, out, "No answers found")
}

func TestQueryCmd_RequiresText(t *testing.T) {
	_, err := run(t, "query")
	require.Error(t, err)
}

func TestIndexCmd_UnavailableIndexing(t *testing.T) {
	env := newTestEnv(t, "query", "InMemoryDocumentStore", "{}")
	file := filepath.Join(env.dir, "faq.txt")
	require.NoError(t, os.WriteFile(file, []byte("Refunds take five days."), 0o644))

	out, err := run(t, "index", "--config", env.configPath, file)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "indexing unavailable")
	assert.Contains(t, out, "not shareable")
}

func TestIndexCmd_MissingFile(t *testing.T) {
	env := sqliteEnv(t)

	_, err := run(t, "index", "--config", env.configPath, filepath.Join(env.dir, "absent.txt"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open")
	assert.Equal(t, qaerrors.ErrCodeFileNotFound, qaerrors.GetCode(err))
}

func TestWatchCmd_UnavailableIndexing(t *testing.T) {
	env := newTestEnv(t, "query", "InMemoryDocumentStore", "{}")

	_, err := run(t, "watch", "--config", env.configPath)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "indexing unavailable")
}

func TestInitCmd_GeneratedFilesServeAndIndex(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))

	out, err := run(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote qaserve.yaml")
	assert.Contains(t, out, "Wrote pipelines.yaml")

	// The starter config is picked up from the working directory.
	out, err = run(t, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "BM25Retriever -> Docs2Answers")
	assert.Contains(t, out, "TextConverter -> PreProcessor -> DocumentWriter")
	assert.FileExists(t, filepath.Join(dir, "data", "documents.db"))
}

func TestInitCmd_KeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "qaserve.yaml")
	require.NoError(t, os.WriteFile(existing, []byte("version: 1\n"), 0o644))

	out, err := run(t, "init", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "exists, skipping")
	body, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(body))

	_, err = run(t, "init", "--dir", dir, "--force")
	require.NoError(t, err)
	body, err = os.ReadFile(existing)
	require.NoError(t, err)
	assert.Contains(t, string(body), "selector: query")
}
