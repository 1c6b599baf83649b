package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EmbedderInfoInput carries the currently configured embedder's identity so
// GetIndexInfo can check compatibility against what the index was built with.
type EmbedderInfoInput struct {
	Model      string
	Backend    string
	Dimensions int
}

// GetIndexInfo gathers index configuration and statistics for the
// `corpusindex index info` command. current may be nil when no embedder
// could be constructed; compatibility is then reported as true.
func GetIndexInfo(ctx context.Context, metadata *SQLiteStore, dataDir string, current *EmbedderInfoInput) (*IndexInfo, error) {
	info := &IndexInfo{
		Location:    dataDir,
		ProjectRoot: filepath.Dir(dataDir),
	}

	// Embedding configuration stored when the index was built (QW-5).
	model, err := metadata.GetState(ctx, StateKeyIndexModel)
	if err != nil {
		return nil, fmt.Errorf("failed to read index model: %w", err)
	}
	info.IndexModel = model
	if model != "" {
		info.IndexBackend = inferBackendFromModel(model)
	}
	if dimStr, err := metadata.GetState(ctx, StateKeyIndexDimension); err == nil && dimStr != "" {
		info.IndexDimensions, _ = strconv.Atoi(dimStr)
	}

	// Counts straight from the tables; the typed interface has no count
	// operations.
	db := metadata.DB()
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&info.ChunkCount); err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&info.DocumentCount); err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}

	// On-disk sizes. The SQLite FTS5 backend is a single file, the legacy
	// Bleve backend a directory; sum whichever exists.
	info.BM25SizeBytes = fileSize(filepath.Join(dataDir, "bm25.db")) +
		getDirSize(filepath.Join(dataDir, "bm25.bleve"))
	info.VectorSizeBytes = fileSize(filepath.Join(dataDir, "vectors.hnsw"))
	info.IndexSizeBytes = getDirSize(dataDir)

	// Timestamps from the project row when present, the database file
	// otherwise.
	var createdAt, updatedAt int64
	row := db.QueryRowContext(ctx, `SELECT MIN(indexed_at), MAX(indexed_at) FROM projects WHERE indexed_at > 0`)
	if err := row.Scan(&createdAt, &updatedAt); err == nil && createdAt > 0 {
		info.CreatedAt = time.Unix(0, createdAt)
		info.UpdatedAt = time.Unix(0, updatedAt)
	} else if stat, err := os.Stat(metadata.path); err == nil {
		info.UpdatedAt = stat.ModTime()
	}

	// Compare against the current embedder for dimension mismatch detection.
	info.Compatible = true
	if current != nil {
		info.CurrentModel = current.Model
		info.CurrentBackend = current.Backend
		info.CurrentDimensions = current.Dimensions
		if info.IndexDimensions > 0 && current.Dimensions > 0 {
			info.Compatible = info.IndexDimensions == current.Dimensions
		}
	}

	return info, nil
}

// inferBackendFromModel guesses the embedding backend from a model name.
// Legacy indexes stored only the model, not the backend.
func inferBackendFromModel(model string) string {
	if strings.HasPrefix(model, "static") {
		return "static"
	}
	if filepath.IsAbs(model) || containsAny(model, []string{"mlx-community/", "mlx-"}) {
		return "mlx"
	}
	return "ollama"
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func fileSize(path string) int64 {
	stat, err := os.Stat(path)
	if err != nil || stat.IsDir() {
		return 0
	}
	return stat.Size()
}

// getDirSize returns the total size of all files under dir, 0 if it does not
// exist.
func getDirSize(dir string) int64 {
	var size int64
	_ = filepath.Walk(dir, func(_ string, fileInfo os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fileInfo.IsDir() {
			size += fileInfo.Size()
		}
		return nil
	})
	return size
}

// FormatBytes renders a byte count in human-readable form.
func FormatBytes(bytes int64) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gb)
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mb)
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kb)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatTime renders a timestamp, or "unknown" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04:05")
}
