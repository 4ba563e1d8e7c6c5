package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/qaserve/internal/embed"
)

// PostgresConfig configures a PostgresStore.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	// Table holds the documents (default "document").
	Table string
	// MaxConns caps the pool size (default pgxpool's).
	MaxConns int32
	// ConnectTimeout bounds the schema bootstrap retries (default 1m).
	ConnectTimeout time.Duration
}

// ConnString renders the config as a postgres:// URL.
func (c PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	return u.String()
}

// PostgresStore keeps documents in an external PostgreSQL server. Keyword
// search uses a generated tsvector column; embeddings are stored as real[]
// and scored in process. State lives in the server, so independently built
// pipelines see the same documents.
//
// The pool connects lazily and the schema is created on first use, so
// constructing a store never blocks on the network.
type PostgresStore struct {
	pool    *pgxpool.Pool
	table   string
	timeout time.Duration

	// schemaSem serializes schema bootstrap; waiters give up with their ctx.
	schemaSem   *semaphore.Weighted
	schemaReady bool

	closeOnce sync.Once
}

var (
	_ DocumentStore   = (*PostgresStore)(nil)
	_ KeywordSearcher = (*PostgresStore)(nil)
	_ VectorSearcher  = (*PostgresStore)(nil)
)

// NewPostgresStore creates a store backed by a lazily connecting pool.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.Table == "" {
		cfg.Table = "document"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = time.Minute
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres pool: %w", err)
	}

	return &PostgresStore{
		pool:      pool,
		table:     pgx.Identifier{cfg.Table}.Sanitize(),
		timeout:   cfg.ConnectTimeout,
		schemaSem: semaphore.NewWeighted(1),
	}, nil
}

// Kind returns KindPostgres.
func (s *PostgresStore) Kind() Kind { return KindPostgres }

// ensureSchema pings with exponential backoff and creates the table once.
// A failed attempt is retried on the next call. Callers queued behind a
// bootstrap in progress return ctx.Err() when their context ends.
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if err := s.schemaSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for schema: %w", err)
	}
	defer s.schemaSem.Release(1)

	if s.schemaReady {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.timeout
	attempt := 1
	err := backoff.Retry(func() error {
		if err := s.pool.Ping(ctx); err != nil {
			slog.Info("waiting_for_database", slog.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id        TEXT PRIMARY KEY,
			content   TEXT NOT NULL,
			meta      JSONB NOT NULL DEFAULT '{}',
			embedding REAL[],
			tsv       TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
		);
		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s USING GIN (tsv);`,
		s.table, pgx.Identifier{trimQuotes(s.table) + "_tsv_idx"}.Sanitize())
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	s.schemaReady = true
	return nil
}

func trimQuotes(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return ident[1 : len(ident)-1]
	}
	return ident
}

// WriteDocuments upserts documents in a single batch.
func (s *PostgresStore) WriteDocuments(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, content, meta, embedding) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, meta = EXCLUDED.meta,
		embedding = COALESCE(EXCLUDED.embedding, %s.embedding)`, s.table, s.table)

	batch := &pgx.Batch{}
	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = ContentID(doc.Content)
		}
		meta := doc.Meta
		if meta == nil {
			meta = map[string]string{}
		}
		var emb any
		if len(doc.Embedding) > 0 {
			emb = doc.Embedding
		}
		batch.Queue(query, doc.ID, doc.Content, meta, emb)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write documents: %w", err)
	}
	return nil
}

// GetDocument returns the document with the given ID.
func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	var doc Document
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, content, meta, embedding FROM %s WHERE id = $1`, s.table), id).
		Scan(&doc.ID, &doc.Content, &doc.Meta, &doc.Embedding)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// Count returns the number of stored documents.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}

	var n int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// QueryKeyword ranks documents with ts_rank over an OR of the query terms.
func (s *PostgresStore) QueryKeyword(ctx context.Context, query string, topK int) ([]*Document, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 || topK <= 0 {
		return []*Document{}, nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	// websearch_to_tsquery treats "or" as the OR operator
	q := ""
	for i, t := range tokens {
		if i > 0 {
			q += " or "
		}
		q += t
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, content, meta, embedding, ts_rank(tsv, q) AS score
		FROM %s, websearch_to_tsquery('english', $1) q
		WHERE tsv @@ q
		ORDER BY score DESC, id
		LIMIT $2`, s.table), q, topK)
	if err != nil {
		return nil, fmt.Errorf("keyword query: %w", err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Document, error) {
		var d Document
		var score float32
		if err := row.Scan(&d.ID, &d.Content, &d.Meta, &d.Embedding, &score); err != nil {
			return nil, err
		}
		d.Score = float64(score)
		return &d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("keyword query: %w", err)
	}
	return docs, nil
}

// QueryByEmbedding scores every embedded document by cosine similarity.
func (s *PostgresStore) QueryByEmbedding(ctx context.Context, embedding []float32, topK int) ([]*Document, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, content, meta, embedding FROM %s WHERE embedding IS NOT NULL`, s.table))
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Document, error) {
		var d Document
		if err := row.Scan(&d.ID, &d.Content, &d.Meta, &d.Embedding); err != nil {
			return nil, err
		}
		if len(d.Embedding) != len(embedding) {
			return nil, ErrDimensionMismatch{Expected: len(d.Embedding), Got: len(embedding)}
		}
		d.Score = embed.CosineSimilarity(embedding, d.Embedding)
		return &d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return sortByScore(docs, topK), nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.closeOnce.Do(s.pool.Close)
	return nil
}
