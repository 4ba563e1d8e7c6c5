package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Aman-CERP/qaserve/internal/embed"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file. Empty or ":memory:" opens a private
	// in-memory database.
	Path string
	// CacheMB is the page cache size (default 64).
	CacheMB int
}

// SQLiteStore keeps documents in SQLite with an FTS5 index for BM25 keyword
// search. File-backed stores run in WAL mode so several processes or
// pipelines can read and write the same file; in-memory stores are private
// to one connection.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	kind   Kind
	closed bool
}

var (
	_ DocumentStore   = (*SQLiteStore)(nil)
	_ KeywordSearcher = (*SQLiteStore)(nil)
	_ VectorSearcher  = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens or creates a SQLite document store.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	kind := KindSQLite
	dsn := cfg.Path
	if cfg.Path == "" || cfg.Path == ":memory:" {
		kind = KindSQLiteMemory
		dsn = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(cfg.Path), err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention; it also keeps an in-memory
	// database on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	cacheMB := cfg.CacheMB
	if cacheMB <= 0 {
		cacheMB = 64
	}
	// modernc.org/sqlite ignores most DSN params, so set pragmas directly
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", cacheMB*1024),
		"PRAGMA temp_store = MEMORY",
	}
	if kind == KindSQLite {
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: cfg.Path, kind: kind}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id        TEXT PRIMARY KEY,
		content   TEXT NOT NULL,
		meta      TEXT NOT NULL DEFAULT '{}',
		embedding BLOB
	);

	-- doc_id is UNINDEXED (stored but not searchable)
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_content USING fts5(
		doc_id UNINDEXED,
		content,
		tokenize='porter unicode61'
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Kind returns KindSQLite for file databases and KindSQLiteMemory otherwise.
func (s *SQLiteStore) Kind() Kind { return s.kind }

// Path returns the database path ("" for in-memory stores).
func (s *SQLiteStore) Path() string { return s.path }

// WriteDocuments upserts documents and their FTS rows in one transaction.
func (s *SQLiteStore) WriteDocuments(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert, err := tx.PrepareContext(ctx,
		`INSERT INTO documents(id, content, meta, embedding) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET content = excluded.content, meta = excluded.meta,
		 embedding = COALESCE(excluded.embedding, documents.embedding)`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer upsert.Close()

	// FTS5 virtual tables don't support REPLACE, so delete first
	ftsDelete, err := tx.PrepareContext(ctx, `DELETE FROM fts_content WHERE doc_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare FTS delete: %w", err)
	}
	defer ftsDelete.Close()

	ftsInsert, err := tx.PrepareContext(ctx, `INSERT INTO fts_content(doc_id, content) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare FTS insert: %w", err)
	}
	defer ftsInsert.Close()

	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = ContentID(doc.Content)
		}
		meta, err := json.Marshal(doc.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode meta for %s: %w", doc.ID, err)
		}
		var emb any
		if b := encodeEmbedding(doc.Embedding); b != nil {
			emb = b
		}
		if _, err := upsert.ExecContext(ctx, doc.ID, doc.Content, string(meta), emb); err != nil {
			return fmt.Errorf("failed to write document %s: %w", doc.ID, err)
		}
		if _, err := ftsDelete.ExecContext(ctx, doc.ID); err != nil {
			return fmt.Errorf("failed to delete existing document %s: %w", doc.ID, err)
		}
		if _, err := ftsInsert.ExecContext(ctx, doc.ID, doc.Content); err != nil {
			return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
	}

	return tx.Commit()
}

// GetDocument returns the document with the given ID.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `SELECT id, content, meta, embedding FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// Count returns the number of stored documents.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// QueryKeyword returns documents matching any query term, scored by FTS5 bm25().
func (s *SQLiteStore) QueryKeyword(ctx context.Context, query string, topK int) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	tokens := Tokenize(query)
	if len(tokens) == 0 || topK <= 0 {
		return []*Document{}, nil
	}

	// Quote each term and OR them so any matching term qualifies
	terms := make([]string, len(tokens))
	for i, t := range tokens {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}

	// bm25() is negative; lower is better
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.content, d.meta, d.embedding, bm25(fts_content) AS score
		FROM fts_content
		JOIN documents d ON d.id = fts_content.doc_id
		WHERE fts_content MATCH ?
		ORDER BY score
		LIMIT ?`, strings.Join(terms, " OR "), topK)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		var (
			doc       Document
			meta      string
			embedding []byte
			score     float64
		)
		if err := rows.Scan(&doc.ID, &doc.Content, &meta, &embedding, &score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if err := decodeMeta(meta, &doc); err != nil {
			return nil, err
		}
		doc.Embedding = decodeEmbedding(embedding)
		doc.Score = -score
		out = append(out, &doc)
	}
	return out, rows.Err()
}

// QueryByEmbedding scores every embedded document by cosine similarity.
func (s *SQLiteStore) QueryByEmbedding(ctx context.Context, embedding []float32, topK int) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, meta, embedding FROM documents WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		if len(doc.Embedding) != len(embedding) {
			return nil, ErrDimensionMismatch{Expected: len(doc.Embedding), Got: len(embedding)}
		}
		doc.Score = embed.CosineSimilarity(embedding, doc.Embedding)
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortByScore(out, topK), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc       Document
		meta      string
		embedding []byte
	)
	if err := row.Scan(&doc.ID, &doc.Content, &meta, &embedding); err != nil {
		return nil, err
	}
	if err := decodeMeta(meta, &doc); err != nil {
		return nil, err
	}
	doc.Embedding = decodeEmbedding(embedding)
	return &doc, nil
}

func decodeMeta(raw string, doc *Document) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &doc.Meta); err != nil {
		return fmt.Errorf("failed to decode meta for %s: %w", doc.ID, err)
	}
	return nil
}

// encodeEmbedding stores float32s little-endian; nil stays NULL.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
