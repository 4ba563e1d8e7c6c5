package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
)

// Pipeline selector values understood by the topology builder.
const (
	SelectorDeclarative      = "query"
	SelectorPGEmbeddingFAQ   = "pg_embedding_faq"
	SelectorHNSWDenseFAQ     = "hnsw_dense_faq"
	SelectorSQLiteBM25Rerank = "sqlite_bm25_rerank"
)

// Config represents the complete qaserve configuration.
// It is loaded once at startup and passed explicitly to the provisioner.
type Config struct {
	Version       int                 `yaml:"version" json:"version"`
	Pipeline      PipelineConfig      `yaml:"pipeline" json:"pipeline"`
	DocumentStore DocumentStoreConfig `yaml:"document_store" json:"document_store"`
	Embeddings    EmbeddingsConfig    `yaml:"embeddings" json:"embeddings"`
	Dense         DenseConfig         `yaml:"dense" json:"dense"`
	Ranker        RankerConfig        `yaml:"ranker" json:"ranker"`
	Server        ServerConfig        `yaml:"server" json:"server"`
}

// PipelineConfig selects the topology and, for the declarative selector,
// where its description lives.
type PipelineConfig struct {
	// Selector picks the topology: query, pg_embedding_faq, hnsw_dense_faq
	// or sqlite_bm25_rerank.
	Selector string `yaml:"selector" json:"selector"`
	// YAMLPath is the declarative pipeline description.
	YAMLPath string `yaml:"yaml_path" json:"yaml_path"`
	// QueryName is the pipeline loaded from YAMLPath for serving queries.
	QueryName string `yaml:"query_name" json:"query_name"`
	// IndexingName is the optional companion pipeline loaded from YAMLPath.
	IndexingName string `yaml:"indexing_name" json:"indexing_name"`
}

// DocumentStoreConfig holds connection info for the programmatic topologies.
type DocumentStoreConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
	Database string `yaml:"database" json:"database"`
	// Index is the table (postgres) or logical index name.
	Index string `yaml:"index" json:"index"`

	SQLitePath    string `yaml:"sqlite_path" json:"sqlite_path"`
	SQLiteCacheMB int    `yaml:"sqlite_cache_mb" json:"sqlite_cache_mb"`

	// HNSWPath is the vector index written by `qaserve build-index`. Empty
	// starts a fresh index.
	HNSWPath string `yaml:"hnsw_path" json:"hnsw_path"`
}

// EmbeddingsConfig configures the sentence encoder used by embedding retrievers.
type EmbeddingsConfig struct {
	// Provider is "static" (hash embeddings, no network) or "ollama".
	Provider   string `yaml:"provider" json:"provider"`
	Model      string `yaml:"model" json:"model"`
	Host       string `yaml:"host" json:"host"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size"`
	// CacheSize is the number of query embeddings kept in the LRU cache (0 disables).
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// DenseConfig configures the dual-encoder dense passage retriever.
type DenseConfig struct {
	QueryModel       string `yaml:"query_model" json:"query_model"`
	PassageModel     string `yaml:"passage_model" json:"passage_model"`
	MaxSeqLenQuery   int    `yaml:"max_seq_len_query" json:"max_seq_len_query"`
	MaxSeqLenPassage int    `yaml:"max_seq_len_passage" json:"max_seq_len_passage"`
	BatchSize        int    `yaml:"batch_size" json:"batch_size"`
	EmbedTitle       bool   `yaml:"embed_title" json:"embed_title"`
}

// RankerConfig configures the reranking stage of sqlite_bm25_rerank.
// An empty Endpoint selects the in-process MaxSim ranker.
type RankerConfig struct {
	Endpoint      string `yaml:"endpoint" json:"endpoint"`
	Model         string `yaml:"model" json:"model"`
	RetrieverTopK int    `yaml:"retriever_top_k" json:"retriever_top_k"`
	TopK          int    `yaml:"top_k" json:"top_k"`
	BatchSize     int    `yaml:"batch_size" json:"batch_size"`
}

// ServerConfig configures the per-worker serving limits.
type ServerConfig struct {
	// ConcurrentRequestsPerWorker bounds in-flight queries per process.
	ConcurrentRequestsPerWorker int    `yaml:"concurrent_requests_per_worker" json:"concurrent_requests_per_worker"`
	FileUploadPath              string `yaml:"file_upload_path" json:"file_upload_path"`
	WatchDebounce               string `yaml:"watch_debounce" json:"watch_debounce"`
	LogLevel                    string `yaml:"log_level" json:"log_level"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Pipeline: PipelineConfig{
			Selector:     SelectorDeclarative,
			YAMLPath:     "pipelines.yaml",
			QueryName:    "query",
			IndexingName: "indexing",
		},
		DocumentStore: DocumentStoreConfig{
			Host:          "localhost",
			Port:          5432,
			User:          "postgres",
			Database:      "qaserve",
			Index:         "document",
			SQLitePath:    filepath.Join("data", "documents.db"),
			SQLiteCacheMB: 64,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "static",
			Model:      "nomic-embed-text",
			Dimensions: 256,
			BatchSize:  32,
			CacheSize:  1000,
		},
		Dense: DenseConfig{
			QueryModel:       "dpr-question-encoder",
			PassageModel:     "dpr-ctx-encoder",
			MaxSeqLenQuery:   64,
			MaxSeqLenPassage: 256,
			BatchSize:        16,
			EmbedTitle:       true,
		},
		Ranker: RankerConfig{
			RetrieverTopK: 1000,
			TopK:          1000,
			BatchSize:     1024,
		},
		Server: ServerConfig{
			ConcurrentRequestsPerWorker: 4,
			FileUploadPath:              "file-upload",
			WatchDebounce:               "500ms",
			LogLevel:                    "info",
		},
	}
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/qaserve/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/qaserve/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "qaserve", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "qaserve", "config.yaml")
	}
	return filepath.Join(home, ".config", "qaserve", "config.yaml")
}

// loadUserConfig loads the user/global configuration file if it exists.
// Returns nil config and nil error if the file doesn't exist (that's OK).
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	cfg := NewConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// Load loads configuration, applying in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/qaserve/config.yaml)
//  3. The file at path, or qaserve.yaml in the working directory when path is empty
//  4. Environment variables (QASERVE_*)
//
// An explicit path that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	switch {
	case path != "":
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	case fileExists("qaserve.yaml"):
		if err := cfg.loadYAML("qaserve.yaml"); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, qaerrors.ConfigError("invalid configuration: "+err.Error(), err).
			WithSuggestion("Fix the reported field in qaserve.yaml or the matching QASERVE_* variable")
	}

	return cfg, nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return qaerrors.New(qaerrors.ErrCodeConfigNotFound,
			fmt.Sprintf("failed to read config file %s: %v", path, err), err).
			WithSuggestion("Run 'qaserve init' to create a configuration")
	}

	// Use a temporary struct for parsing to detect type errors
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return qaerrors.ConfigError(fmt.Sprintf("failed to parse config file %s: %v", path, err), err)
	}

	c.mergeWith(&parsed)

	// Booleans can't be told apart from "unset" after unmarshalling, so
	// check the raw document for an explicit embed_title.
	var raw struct {
		Dense map[string]any `yaml:"dense"`
	}
	if err := yaml.Unmarshal(data, &raw); err == nil {
		if _, ok := raw.Dense["embed_title"]; ok {
			c.Dense.EmbedTitle = parsed.Dense.EmbedTitle
		}
	}
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	// Pipeline
	mergeString(&c.Pipeline.Selector, other.Pipeline.Selector)
	mergeString(&c.Pipeline.YAMLPath, other.Pipeline.YAMLPath)
	mergeString(&c.Pipeline.QueryName, other.Pipeline.QueryName)
	mergeString(&c.Pipeline.IndexingName, other.Pipeline.IndexingName)

	// Document store
	mergeString(&c.DocumentStore.Host, other.DocumentStore.Host)
	mergeInt(&c.DocumentStore.Port, other.DocumentStore.Port)
	mergeString(&c.DocumentStore.User, other.DocumentStore.User)
	mergeString(&c.DocumentStore.Password, other.DocumentStore.Password)
	mergeString(&c.DocumentStore.Database, other.DocumentStore.Database)
	mergeString(&c.DocumentStore.Index, other.DocumentStore.Index)
	mergeString(&c.DocumentStore.SQLitePath, other.DocumentStore.SQLitePath)
	mergeInt(&c.DocumentStore.SQLiteCacheMB, other.DocumentStore.SQLiteCacheMB)
	mergeString(&c.DocumentStore.HNSWPath, other.DocumentStore.HNSWPath)

	// Embeddings
	mergeString(&c.Embeddings.Provider, other.Embeddings.Provider)
	mergeString(&c.Embeddings.Model, other.Embeddings.Model)
	mergeString(&c.Embeddings.Host, other.Embeddings.Host)
	mergeInt(&c.Embeddings.Dimensions, other.Embeddings.Dimensions)
	mergeInt(&c.Embeddings.BatchSize, other.Embeddings.BatchSize)
	mergeInt(&c.Embeddings.CacheSize, other.Embeddings.CacheSize)

	// Dense retriever (EmbedTitle is handled by loadYAML)
	mergeString(&c.Dense.QueryModel, other.Dense.QueryModel)
	mergeString(&c.Dense.PassageModel, other.Dense.PassageModel)
	mergeInt(&c.Dense.MaxSeqLenQuery, other.Dense.MaxSeqLenQuery)
	mergeInt(&c.Dense.MaxSeqLenPassage, other.Dense.MaxSeqLenPassage)
	mergeInt(&c.Dense.BatchSize, other.Dense.BatchSize)

	// Ranker
	mergeString(&c.Ranker.Endpoint, other.Ranker.Endpoint)
	mergeString(&c.Ranker.Model, other.Ranker.Model)
	mergeInt(&c.Ranker.RetrieverTopK, other.Ranker.RetrieverTopK)
	mergeInt(&c.Ranker.TopK, other.Ranker.TopK)
	mergeInt(&c.Ranker.BatchSize, other.Ranker.BatchSize)

	// Server. A zero concurrency limit is kept as-is so the provisioner can
	// report the fallback; only non-zero values override.
	mergeInt(&c.Server.ConcurrentRequestsPerWorker, other.Server.ConcurrentRequestsPerWorker)
	mergeString(&c.Server.FileUploadPath, other.Server.FileUploadPath)
	mergeString(&c.Server.WatchDebounce, other.Server.WatchDebounce)
	mergeString(&c.Server.LogLevel, other.Server.LogLevel)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies QASERVE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("QASERVE_QUERY_PIPELINE_NAME"); v != "" {
		c.Pipeline.Selector = v
	}
	if v := os.Getenv("QASERVE_PIPELINE_YAML_PATH"); v != "" {
		c.Pipeline.YAMLPath = v
	}
	if v := os.Getenv("QASERVE_INDEXING_PIPELINE_NAME"); v != "" {
		c.Pipeline.IndexingName = v
	}

	if v := os.Getenv("QASERVE_DOCUMENTSTORE_PARAMS_HOST"); v != "" {
		c.DocumentStore.Host = v
	}
	if v := os.Getenv("QASERVE_DOCUMENTSTORE_PARAMS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.DocumentStore.Port = p
		}
	}
	if v := os.Getenv("QASERVE_DOCUMENTSTORE_PARAMS_PASSWORD"); v != "" {
		c.DocumentStore.Password = v
	}
	if v := os.Getenv("QASERVE_INDEX_NAME"); v != "" {
		c.DocumentStore.Index = v
	}
	if v := os.Getenv("QASERVE_SQLITE_PATH"); v != "" {
		c.DocumentStore.SQLitePath = v
	}
	if v := os.Getenv("QASERVE_HNSW_PATH"); v != "" {
		c.DocumentStore.HNSWPath = v
	}

	if v := os.Getenv("QASERVE_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("QASERVE_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("QASERVE_EMBEDDINGS_HOST"); v != "" {
		c.Embeddings.Host = v
	}

	if v := os.Getenv("QASERVE_RANKER_ENDPOINT"); v != "" {
		c.Ranker.Endpoint = v
	}

	if v := os.Getenv("QASERVE_CONCURRENT_REQUEST_PER_WORKER"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Server.ConcurrentRequestsPerWorker = n
		}
	}
	if v := os.Getenv("QASERVE_FILE_UPLOAD_PATH"); v != "" {
		c.Server.FileUploadPath = v
	}
	if v := os.Getenv("QASERVE_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
}

// Validate validates the configuration and returns an error if invalid.
//
// The selector is deliberately not validated here: an unknown selector is a
// degraded serving state reported by the provisioner, not a load failure.
func (c *Config) Validate() error {
	if c.Pipeline.Selector == "" {
		return fmt.Errorf("pipeline.selector must not be empty")
	}
	if c.Pipeline.Selector == SelectorDeclarative && c.Pipeline.YAMLPath == "" {
		return fmt.Errorf("pipeline.yaml_path is required for selector %q", SelectorDeclarative)
	}

	if c.DocumentStore.Port < 0 || c.DocumentStore.Port > 65535 {
		return fmt.Errorf("document_store.port must be between 0 and 65535, got %d", c.DocumentStore.Port)
	}

	validProviders := map[string]bool{"static": true, "ollama": true}
	if !validProviders[strings.ToLower(c.Embeddings.Provider)] {
		return fmt.Errorf("embeddings.provider must be 'static' or 'ollama', got %s", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions < 0 {
		return fmt.Errorf("embeddings.dimensions must be non-negative, got %d", c.Embeddings.Dimensions)
	}

	if c.Ranker.TopK < 0 || c.Ranker.RetrieverTopK < 0 || c.Ranker.BatchSize < 0 {
		return fmt.Errorf("ranker top_k, retriever_top_k and batch_size must be non-negative")
	}

	if c.Server.FileUploadPath == "" {
		return fmt.Errorf("server.file_upload_path must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
