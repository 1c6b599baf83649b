package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Span is a syntactic unit (function, class, block) within a file, the
// unit SpanID hashes identity over.
type Span struct {
	ID        string
	Repo      string
	Path      string
	ByteStart int
	ByteEnd   int
	Kind      string
	Name      string
	Signature string
	Doc       string
	ParentIDs []string
}

// ReferenceEdge is a directed relationship between two spans/chunks, e.g.
// calls, uses, imports, extends.
type ReferenceEdge struct {
	FromID     string
	ToID       string
	Type       string
	Confidence float64
}

// MemoryResult is a single hit from the memory source (prior session notes,
// outcome evidence) that the seed fan-out mixes in alongside vector,
// lexical, and symbol results.
type MemoryResult struct {
	ID      string
	Content string
	Score   float64
}

// GraphStore is the storage collaborator graph traversal (internal/graph)
// reads from, satisfied by RetrievalStore below.
type GraphStore interface {
	FetchNode(ctx context.Context, nodeID string) (RetrievalNode, error)
	FetchEdges(ctx context.Context, nodeID string) ([]ReferenceEdge, error)
}

// RetrievalNode is the minimal content the graph traversal needs per node.
type RetrievalNode struct {
	ID      string
	Content string
}

// RetrievalStore is the storage facade extension hybrid retrieval,
// graph traversal, and the learning bridge read from: memory
// search, symbol-seed lookup, and the reference-edge graph, layered on the
// same modernc.org/sqlite WAL/pragma/integrity-check conventions as
// SQLiteBM25Index above.
type RetrievalStore struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// validateRetrievalIntegrity checks the retrieval database before opening.
// Unlike the BM25 variant it only runs the integrity check: the schema is
// created on open, so a missing table is not corruption.
func validateRetrievalIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// NewRetrievalStore opens (or creates) the retrieval-graph database at
// path, or an in-memory one if path is empty.
func NewRetrievalStore(path string) (*RetrievalStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		if validErr := validateRetrievalIntegrity(path); validErr != nil {
			slog.Warn("retrieval_store_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			_ = os.Remove(path)
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
			slog.Info("retrieval_store_cleared", slog.String("path", path))
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open retrieval store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &RetrievalStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize retrieval store schema: %w", err)
	}
	return s, nil
}

func (s *RetrievalStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS spans (
		id TEXT PRIMARY KEY,
		repo TEXT NOT NULL,
		path TEXT NOT NULL,
		byte_start INTEGER NOT NULL,
		byte_end INTEGER NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		signature TEXT,
		doc TEXT,
		content TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_spans_name ON spans(name);
	CREATE INDEX IF NOT EXISTS idx_spans_path ON spans(path);

	CREATE TABLE IF NOT EXISTS reference_edges (
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		type TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 1.0,
		PRIMARY KEY (from_id, to_id, type)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_from ON reference_edges(from_id);

	CREATE TABLE IF NOT EXISTS memory_entries (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		repo TEXT,
		created_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *RetrievalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SaveSpan upserts a span's identity and content.
func (s *RetrievalStore) SaveSpan(ctx context.Context, span Span, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spans (id, repo, path, byte_start, byte_end, kind, name, signature, doc, content)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repo=excluded.repo, path=excluded.path, byte_start=excluded.byte_start,
			byte_end=excluded.byte_end, kind=excluded.kind, name=excluded.name,
			signature=excluded.signature, doc=excluded.doc, content=excluded.content
	`, span.ID, span.Repo, span.Path, span.ByteStart, span.ByteEnd, span.Kind, span.Name, span.Signature, span.Doc, content)
	return err
}

// SaveEdge upserts a reference edge.
func (s *RetrievalStore) SaveEdge(ctx context.Context, edge ReferenceEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reference_edges (from_id, to_id, type, confidence)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, type) DO UPDATE SET confidence=excluded.confidence
	`, edge.FromID, edge.ToID, edge.Type, edge.Confidence)
	return err
}

// FetchNode implements graph.Store / GraphStore.
func (s *RetrievalStore) FetchNode(ctx context.Context, nodeID string) (RetrievalNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM spans WHERE id = ?`, nodeID).Scan(&content)
	if err == sql.ErrNoRows {
		return RetrievalNode{ID: nodeID}, nil
	}
	if err != nil {
		return RetrievalNode{}, err
	}
	return RetrievalNode{ID: nodeID, Content: content}, nil
}

// FetchEdges implements graph.Store / GraphStore.
func (s *RetrievalStore) FetchEdges(ctx context.Context, nodeID string) ([]ReferenceEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT from_id, to_id, type, confidence FROM reference_edges WHERE from_id = ?`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []ReferenceEdge
	for rows.Next() {
		var e ReferenceEdge
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Type, &e.Confidence); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// SearchSymbolSeeds finds span IDs whose name matches a prefix or exact
// token, for the symbol-search fan-out source.
func (s *RetrievalStore) SearchSymbolSeeds(ctx context.Context, query string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM spans WHERE name LIKE ? ORDER BY name LIMIT ?`, "%"+query+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveMemoryEntry records a memory-namespace entry (e.g. a resolved
// incident note, a prior session's answer) searchable by MemorySearch.
func (s *RetrievalStore) SaveMemoryEntry(ctx context.Context, id, content, repo string, createdAtUnix int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (id, content, repo, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content=excluded.content, repo=excluded.repo
	`, id, content, repo, createdAtUnix)
	return err
}

// MemorySearch returns memory entries whose content contains query,
// ranked by naive substring-frequency scoring. It is a deliberately simple
// fallback source; a production deployment would back this with the same
// FTS5 index SQLiteBM25Index uses.
func (s *RetrievalStore) MemorySearch(ctx context.Context, query string, limit int) ([]MemoryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, content FROM memory_entries WHERE content LIKE ? ORDER BY created_at DESC LIMIT ?`, "%"+query+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MemoryResult
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, err
		}
		results = append(results, MemoryResult{ID: id, Content: content, Score: 1.0})
	}
	return results, rows.Err()
}
