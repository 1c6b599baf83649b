package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// StoreConfig configures the SQLite metadata store.
type StoreConfig struct {
	// CacheSizeMB is the SQLite page cache size in megabytes (default: 64)
	CacheSizeMB int
}

// DefaultStoreConfig returns default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{CacheSizeMB: 64}
}

// SQLiteStore implements MetadataStore using SQLite.
// Uses WAL mode for concurrent multi-process access, the same connection
// discipline as SQLiteBM25Index.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// Verify interface implementation at compile time
var _ MetadataStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the metadata database at path with
// default configuration.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(path, DefaultStoreConfig())
}

// NewSQLiteStoreWithConfig opens (or creates) the metadata database at path.
// The schema is created automatically on first open.
func NewSQLiteStoreWithConfig(path string, config StoreConfig) (*SQLiteStore, error) {
	if config.CacheSizeMB <= 0 {
		config.CacheSizeMB = DefaultStoreConfig().CacheSizeMB
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", config.CacheSizeMB*1024),
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		root_path TEXT NOT NULL,
		project_type TEXT NOT NULL DEFAULT '',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		file_count INTEGER NOT NULL DEFAULT 0,
		indexed_at INTEGER NOT NULL DEFAULT 0,
		version TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		mod_time INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		indexed_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_files_project_path ON files(project_id, path);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		file_path TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		raw_content TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		start_line INTEGER NOT NULL DEFAULT 0,
		end_line INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		embedding BLOB,
		embedding_model TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);

	CREATE TABLE IF NOT EXISTS symbols (
		chunk_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		start_line INTEGER NOT NULL DEFAULT 0,
		end_line INTEGER NOT NULL DEFAULT 0,
		signature TEXT NOT NULL DEFAULT '',
		doc_comment TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_symbols_chunk ON symbols(chunk_id);
	CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);

	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (2);
	`

	_, err := s.db.Exec(schema)
	return err
}

// DB returns the underlying database handle. Used by index info and stats
// queries that need counts the typed interface does not expose.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the store. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		// Checkpoint before close to ensure durability
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// timeToUnixNano converts a time to int64 for storage. Zero time maps to 0
// so it round-trips as zero instead of a large negative nanosecond count.
func timeToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func unixNanoToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// --- Project operations ---

// SaveProject inserts or updates a project.
func (s *SQLiteStore) SaveProject(ctx context.Context, project *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, project_type, chunk_count, file_count, indexed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			root_path = excluded.root_path,
			project_type = excluded.project_type,
			chunk_count = excluded.chunk_count,
			file_count = excluded.file_count,
			indexed_at = excluded.indexed_at,
			version = excluded.version`,
		project.ID, project.Name, project.RootPath, project.ProjectType,
		project.ChunkCount, project.FileCount, timeToUnixNano(project.IndexedAt), project.Version)
	if err != nil {
		return fmt.Errorf("failed to save project %s: %w", project.ID, err)
	}
	return nil
}

// GetProject returns the project by ID, or nil if it does not exist.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var p Project
	var indexedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, root_path, project_type, chunk_count, file_count, indexed_at, version
		FROM projects WHERE id = ?`, id).Scan(
		&p.ID, &p.Name, &p.RootPath, &p.ProjectType, &p.ChunkCount, &p.FileCount, &indexedAt, &p.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	p.IndexedAt = unixNanoToTime(indexedAt)
	return &p, nil
}

// UpdateProjectStats sets the file and chunk counts on a project.
func (s *SQLiteStore) UpdateProjectStats(ctx context.Context, id string, fileCount, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET file_count = ?, chunk_count = ? WHERE id = ?`,
		fileCount, chunkCount, id)
	if err != nil {
		return fmt.Errorf("failed to update project stats %s: %w", id, err)
	}
	return nil
}

// RefreshProjectStats recalculates file and chunk counts from the database
// and updates indexed_at.
func (s *SQLiteStore) RefreshProjectStats(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET
			file_count = (SELECT COUNT(*) FROM files WHERE project_id = ?),
			chunk_count = (SELECT COUNT(*) FROM chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)),
			indexed_at = ?
		WHERE id = ?`,
		id, id, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to refresh project stats %s: %w", id, err)
	}
	return nil
}

// --- File operations ---

// SaveFiles inserts or updates files in a single transaction.
func (s *SQLiteStore) SaveFiles(ctx context.Context, files []*File) error {
	if len(files) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			path = excluded.path,
			size = excluded.size,
			mod_time = excluded.mod_time,
			content_hash = excluded.content_hash,
			language = excluded.language,
			content_type = excluded.content_type,
			indexed_at = excluded.indexed_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare file statement: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.ID, f.ProjectID, f.Path, f.Size,
			timeToUnixNano(f.ModTime), f.ContentHash, f.Language, f.ContentType,
			timeToUnixNano(f.IndexedAt)); err != nil {
			return fmt.Errorf("failed to save file %s: %w", f.Path, err)
		}
	}

	return tx.Commit()
}

const fileColumns = `id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at`

func scanFile(scanner interface{ Scan(...any) error }) (*File, error) {
	var f File
	var modTime, indexedAt int64
	if err := scanner.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime,
		&f.ContentHash, &f.Language, &f.ContentType, &indexedAt); err != nil {
		return nil, err
	}
	f.ModTime = unixNanoToTime(modTime)
	f.IndexedAt = unixNanoToTime(indexedAt)
	return &f, nil
}

// GetFileByPath returns the file at path within a project, or nil if absent.
func (s *SQLiteStore) GetFileByPath(ctx context.Context, projectID, path string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ? AND path = ?`, projectID, path)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file %s: %w", path, err)
	}
	return f, nil
}

// GetChangedFiles returns files modified after since.
func (s *SQLiteStore) GetChangedFiles(ctx context.Context, projectID string, since time.Time) ([]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ? AND mod_time > ? ORDER BY path`,
		projectID, timeToUnixNano(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query changed files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

const listFilesCursorPrefix = "offset:"

func decodeFileCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	value, ok := strings.CutPrefix(string(raw), listFilesCursorPrefix)
	if !ok {
		return 0, fmt.Errorf("invalid cursor format: %q", string(raw))
	}
	offset, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor offset: %w", err)
	}
	if offset < 0 {
		return 0, fmt.Errorf("cursor offset must be non-negative, got %d", offset)
	}
	return offset, nil
}

func encodeFileCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(listFilesCursorPrefix + strconv.Itoa(offset)))
}

// ListFiles returns a page of files for a project. The cursor is opaque;
// pass the returned cursor to fetch the next page. An empty returned cursor
// means there are no more pages.
func (s *SQLiteStore) ListFiles(ctx context.Context, projectID string, cursor string, limit int) ([]*File, string, error) {
	offset, err := decodeFileCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, "", err
	}

	// Fetch one extra row to detect whether another page exists.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ? ORDER BY path LIMIT ? OFFSET ?`,
		projectID, limit+1, offset)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(files) > limit {
		files = files[:limit]
		nextCursor = encodeFileCursor(offset + limit)
	}
	return files, nextCursor, nil
}

// GetFilePathsByProject returns every indexed path in a project.
func (s *SQLiteStore) GetFilePathsByProject(ctx context.Context, projectID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM files WHERE project_id = ? ORDER BY path`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query file paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// GetFilesForReconciliation returns all files in a project keyed by path.
func (s *SQLiteStore) GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	fileMap := make(map[string]*File)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		fileMap[f.Path] = f
	}
	return fileMap, rows.Err()
}

// ListFilePathsUnder returns paths inside dirPrefix. An empty prefix returns
// all paths; a trailing slash on the prefix is normalized away.
func (s *SQLiteStore) ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error) {
	dirPrefix = strings.TrimSuffix(dirPrefix, "/")
	if dirPrefix == "" {
		return s.GetFilePathsByProject(ctx, projectID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	// Escape LIKE wildcards in the prefix so a literal _ or % in a
	// directory name cannot widen the match.
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(dirPrefix)
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM files WHERE project_id = ? AND path LIKE ? ESCAPE '\' ORDER BY path`,
		projectID, escaped+"/%")
	if err != nil {
		return nil, fmt.Errorf("failed to query paths under %s: %w", dirPrefix, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// DeleteFile removes a file and its chunks. Idempotent.
func (s *SQLiteStore) DeleteFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteChunksByFileTx(ctx, tx, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to delete file %s: %w", fileID, err)
	}

	return tx.Commit()
}

// DeleteFilesByProject removes all files in a project with their chunks.
func (s *SQLiteStore) DeleteFilesByProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM symbols WHERE chunk_id IN (
			SELECT id FROM chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?))`,
		projectID); err != nil {
		return fmt.Errorf("failed to delete symbols for project %s: %w", projectID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)`,
		projectID); err != nil {
		return fmt.Errorf("failed to delete chunks for project %s: %w", projectID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to delete files for project %s: %w", projectID, err)
	}

	return tx.Commit()
}

// --- Chunk operations ---

// SaveChunks inserts or updates chunks and their symbols in one transaction.
func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, file_id, file_path, content, raw_content, context,
			content_type, language, start_line, end_line, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_id = excluded.file_id,
			file_path = excluded.file_path,
			content = excluded.content,
			raw_content = excluded.raw_content,
			context = excluded.context,
			content_type = excluded.content_type,
			language = excluded.language,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk statement: %w", err)
	}
	defer chunkStmt.Close()

	symDeleteStmt, err := tx.PrepareContext(ctx, `DELETE FROM symbols WHERE chunk_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare symbol delete statement: %w", err)
	}
	defer symDeleteStmt.Close()

	symInsertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO symbols (chunk_id, name, type, start_line, end_line, signature, doc_comment)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare symbol insert statement: %w", err)
	}
	defer symInsertStmt.Close()

	for _, c := range chunks {
		var metadataJSON []byte
		if len(c.Metadata) > 0 {
			metadataJSON, err = json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata for chunk %s: %w", c.ID, err)
			}
		}

		if _, err := chunkStmt.ExecContext(ctx, c.ID, c.FileID, c.FilePath,
			c.Content, c.RawContent, c.Context, string(c.ContentType), c.Language,
			c.StartLine, c.EndLine, nullableString(metadataJSON),
			timeToUnixNano(c.CreatedAt), timeToUnixNano(c.UpdatedAt)); err != nil {
			return fmt.Errorf("failed to save chunk %s: %w", c.ID, err)
		}

		if _, err := symDeleteStmt.ExecContext(ctx, c.ID); err != nil {
			return fmt.Errorf("failed to clear symbols for chunk %s: %w", c.ID, err)
		}
		for _, sym := range c.Symbols {
			if _, err := symInsertStmt.ExecContext(ctx, c.ID, sym.Name, string(sym.Type),
				sym.StartLine, sym.EndLine, sym.Signature, sym.DocComment); err != nil {
				return fmt.Errorf("failed to save symbol %s: %w", sym.Name, err)
			}
		}
	}

	return tx.Commit()
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

const chunkColumns = `id, file_id, file_path, content, raw_content, context,
	content_type, language, start_line, end_line, metadata, created_at, updated_at`

func scanChunk(scanner interface{ Scan(...any) error }) (*Chunk, error) {
	var c Chunk
	var contentType string
	var metadataJSON sql.NullString
	var createdAt, updatedAt int64
	if err := scanner.Scan(&c.ID, &c.FileID, &c.FilePath, &c.Content, &c.RawContent,
		&c.Context, &contentType, &c.Language, &c.StartLine, &c.EndLine,
		&metadataJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.ContentType = ContentType(contentType)
	c.CreatedAt = unixNanoToTime(createdAt)
	c.UpdatedAt = unixNanoToTime(updatedAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
		}
	}
	return &c, nil
}

func (s *SQLiteStore) loadSymbols(ctx context.Context, chunkIDs []string) (map[string][]*Symbol, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT chunk_id, name, type, start_line, end_line, signature, doc_comment
		FROM symbols WHERE chunk_id IN (%s)`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	byChunk := make(map[string][]*Symbol)
	for rows.Next() {
		var chunkID, symType string
		var sym Symbol
		if err := rows.Scan(&chunkID, &sym.Name, &symType, &sym.StartLine,
			&sym.EndLine, &sym.Signature, &sym.DocComment); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		sym.Type = SymbolType(symType)
		byChunk[chunkID] = append(byChunk[chunkID], &sym)
	}
	return byChunk, rows.Err()
}

// GetChunk returns the chunk by ID, or nil if it does not exist.
func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %s: %w", id, err)
	}

	symbols, err := s.loadSymbols(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	c.Symbols = symbols[id]
	return c, nil
}

// GetChunks returns the chunks for the given IDs in a single query.
// Missing IDs are skipped.
func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT `+chunkColumns+` FROM chunks WHERE id IN (%s)`,
		strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	found := make([]string, len(chunks))
	for i, c := range chunks {
		found[i] = c.ID
	}
	symbols, err := s.loadSymbols(ctx, found)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		c.Symbols = symbols[c.ID]
	}
	return chunks, nil
}

// GetChunksByFile returns all chunks for a file ordered by position.
func (s *SQLiteStore) GetChunksByFile(ctx context.Context, fileID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE file_id = ? ORDER BY start_line`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks for file %s: %w", fileID, err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	symbols, err := s.loadSymbols(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		c.Symbols = symbols[c.ID]
	}
	return chunks, nil
}

// DeleteChunks removes chunks by ID. Unknown IDs are ignored.
func (s *SQLiteStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	inClause := strings.Join(placeholders, ",")

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM symbols WHERE chunk_id IN (%s)`, inClause), args...); err != nil {
		return fmt.Errorf("failed to delete symbols: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM chunks WHERE id IN (%s)`, inClause), args...)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && int(affected) < len(ids) {
		slog.Warn("delete_chunks_partial",
			slog.Int("requested", len(ids)),
			slog.Int64("deleted", affected))
	}

	return tx.Commit()
}

// DeleteChunksByFile removes all chunks belonging to a file.
func (s *SQLiteStore) DeleteChunksByFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteChunksByFileTx(ctx, tx, fileID); err != nil {
		return err
	}

	return tx.Commit()
}

func deleteChunksByFileTx(ctx context.Context, tx *sql.Tx, fileID string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM symbols WHERE chunk_id IN (SELECT id FROM chunks WHERE file_id = ?)`, fileID); err != nil {
		return fmt.Errorf("failed to delete symbols for file %s: %w", fileID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to delete chunks for file %s: %w", fileID, err)
	}
	return nil
}

// --- Symbol operations ---

// SearchSymbols returns symbols whose name contains the query substring.
func (s *SQLiteStore) SearchSymbols(ctx context.Context, name string, limit int) ([]*Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(name)
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, start_line, end_line, signature, doc_comment
		FROM symbols WHERE name LIKE ? ESCAPE '\' ORDER BY name LIMIT ?`,
		"%"+escaped+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search symbols: %w", err)
	}
	defer rows.Close()

	var symbols []*Symbol
	for rows.Next() {
		var sym Symbol
		var symType string
		if err := rows.Scan(&sym.Name, &symType, &sym.StartLine, &sym.EndLine,
			&sym.Signature, &sym.DocComment); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		sym.Type = SymbolType(symType)
		symbols = append(symbols, &sym)
	}
	return symbols, rows.Err()
}

// --- State operations ---

// GetState returns the value for key, or an empty string if unset.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, nil
}

// SetState stores a key-value pair, replacing any existing value.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO state (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

// --- Embedding operations ---

// embeddingToBytes packs a float32 vector into little-endian bytes for BLOB
// storage.
func embeddingToBytes(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToEmbedding unpacks a little-endian BLOB into a float32 vector.
func bytesToEmbedding(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	embedding := make([]float32, len(buf)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return embedding
}

// SaveChunkEmbeddings stores embeddings for the given chunks. Used by HNSW
// compaction to rebuild the vector store without re-embedding.
func (s *SQLiteStore) SaveChunkEmbeddings(ctx context.Context, chunkIDs []string, embeddings [][]float32, model string) error {
	if len(chunkIDs) != len(embeddings) {
		return fmt.Errorf("chunk ID count %d does not match embedding count %d", len(chunkIDs), len(embeddings))
	}
	if len(chunkIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE chunks SET embedding = ?, embedding_model = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare embedding statement: %w", err)
	}
	defer stmt.Close()

	for i, id := range chunkIDs {
		if _, err := stmt.ExecContext(ctx, embeddingToBytes(embeddings[i]), model, id); err != nil {
			return fmt.Errorf("failed to save embedding for chunk %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// GetAllEmbeddings returns every stored embedding keyed by chunk ID.
// Chunks without embeddings are omitted.
func (s *SQLiteStore) GetAllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	embeddings := make(map[string][]float32)
	for rows.Next() {
		var id string
		var buf []byte
		if err := rows.Scan(&id, &buf); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		embeddings[id] = bytesToEmbedding(buf)
	}
	return embeddings, rows.Err()
}

// GetEmbeddingStats returns how many chunks have and lack embeddings.
func (s *SQLiteStore) GetEmbeddingStats(ctx context.Context) (withEmbedding, withoutEmbedding int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, 0, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN embedding IS NOT NULL THEN 1 END),
			COUNT(CASE WHEN embedding IS NULL THEN 1 END)
		FROM chunks`).Scan(&withEmbedding, &withoutEmbedding)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query embedding stats: %w", err)
	}
	return withEmbedding, withoutEmbedding, nil
}

// --- Checkpoint operations ---

// SaveIndexCheckpoint records indexing progress so an interrupted run can
// resume.
func (s *SQLiteStore) SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error {
	entries := map[string]string{
		StateKeyCheckpointStage:         stage,
		StateKeyCheckpointTotal:         strconv.Itoa(total),
		StateKeyCheckpointEmbedded:      strconv.Itoa(embeddedCount),
		StateKeyCheckpointTimestamp:     time.Now().Format(time.RFC3339),
		StateKeyCheckpointEmbedderModel: embedderModel,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for key, value := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO state (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("failed to save checkpoint key %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// LoadIndexCheckpoint returns the saved checkpoint, or nil if none exists or
// the last run completed.
func (s *SQLiteStore) LoadIndexCheckpoint(ctx context.Context) (*IndexCheckpoint, error) {
	stage, err := s.GetState(ctx, StateKeyCheckpointStage)
	if err != nil {
		return nil, err
	}
	if stage == "" || stage == "complete" {
		return nil, nil
	}

	totalStr, err := s.GetState(ctx, StateKeyCheckpointTotal)
	if err != nil {
		return nil, err
	}
	embeddedStr, err := s.GetState(ctx, StateKeyCheckpointEmbedded)
	if err != nil {
		return nil, err
	}
	timestampStr, err := s.GetState(ctx, StateKeyCheckpointTimestamp)
	if err != nil {
		return nil, err
	}
	model, err := s.GetState(ctx, StateKeyCheckpointEmbedderModel)
	if err != nil {
		return nil, err
	}

	checkpoint := &IndexCheckpoint{Stage: stage, EmbedderModel: model}
	checkpoint.Total, _ = strconv.Atoi(totalStr)
	checkpoint.EmbeddedCount, _ = strconv.Atoi(embeddedStr)
	if ts, err := time.Parse(time.RFC3339, timestampStr); err == nil {
		checkpoint.Timestamp = ts
	}
	return checkpoint, nil
}

// ClearIndexCheckpoint removes any saved checkpoint.
func (s *SQLiteStore) ClearIndexCheckpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE key IN (?, ?, ?, ?, ?)`,
		StateKeyCheckpointStage, StateKeyCheckpointTotal, StateKeyCheckpointEmbedded,
		StateKeyCheckpointTimestamp, StateKeyCheckpointEmbedderModel)
	if err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}
