package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeintel/corpusindex/internal/config"
	"github.com/codeintel/corpusindex/internal/embed"
	"github.com/codeintel/corpusindex/internal/store"
)

// DebugInfo is the machine-readable form of `corpusindex debug`.
type DebugInfo struct {
	IndexPath   string    `json:"index_path"`
	ProjectRoot string    `json:"project_root"`
	ProjectName string    `json:"project_name"`
	FileCount   int       `json:"file_count"`
	ChunkCount  int       `json:"chunk_count"`
	LastIndexed time.Time `json:"last_indexed"`

	Languages map[string]float64 `json:"languages,omitempty"`

	EmbedderProvider  string `json:"embedder_provider"`
	EmbedderModel     string `json:"embedder_model"`
	WithEmbeddings    int    `json:"with_embeddings"`
	WithoutEmbeddings int    `json:"without_embeddings"`

	BM25Backend   string `json:"bm25_backend"`
	BM25SizeBytes int64  `json:"bm25_size_bytes"`

	VectorSizeBytes  int64 `json:"vector_size_bytes"`
	VectorDimensions int   `json:"vector_dimensions,omitempty"`

	MetadataSizeBytes int64 `json:"metadata_size_bytes"`
	TotalSizeBytes    int64 `json:"total_size_bytes"`
}

func newDebugCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Dump index internals for bug reports",
		Long: `Collect everything needed to diagnose a misbehaving index in one place:
file and chunk counts, embedder configuration, BM25 and vector store sizes,
and storage layout. Attach the --json output to bug reports.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDebug(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runDebug(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = filepath.Abs(".")
	}

	dataDir := filepath.Join(root, ".corpusindex")
	if !fileExists(filepath.Join(dataDir, "metadata.db")) {
		return fmt.Errorf("no index found in %s\nRun 'corpusindex index' to create one", root)
	}

	info, err := collectDebugInfo(ctx, root, dataDir)
	if err != nil {
		return fmt.Errorf("failed to collect debug info: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	return renderDebugInfo(cmd, info)
}

// collectDebugInfo gathers index internals without mutating anything.
func collectDebugInfo(ctx context.Context, root, dataDir string) (*DebugInfo, error) {
	info := &DebugInfo{
		IndexPath:   dataDir,
		ProjectRoot: root,
		ProjectName: filepath.Base(root),
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	projectID := hashString(root)
	if project, err := metadata.GetProject(ctx, projectID); err == nil && project != nil {
		info.FileCount = project.FileCount
		info.ChunkCount = project.ChunkCount
		info.LastIndexed = project.IndexedAt
		if project.Name != "" {
			info.ProjectName = project.Name
		}
	}

	if with, without, err := metadata.GetEmbeddingStats(ctx); err == nil {
		info.WithEmbeddings = with
		info.WithoutEmbeddings = without
	}

	if paths, err := metadata.GetFilePathsByProject(ctx, projectID); err == nil {
		info.Languages = languageDistribution(paths)
	}

	info.EmbedderProvider = embed.ParseProvider(cfg.Embeddings.Provider).String()
	info.EmbedderModel = cfg.Embeddings.Model

	info.BM25Backend = cfg.Search.BM25Backend
	if info.BM25Backend == "" {
		info.BM25Backend = "sqlite"
	}
	if size := getFileSize(filepath.Join(dataDir, "bm25.db")); size > 0 {
		info.BM25SizeBytes = size
	} else {
		info.BM25SizeBytes = getDirSize(filepath.Join(dataDir, "bm25.bleve"))
		if info.BM25SizeBytes > 0 {
			info.BM25Backend = "bleve"
		}
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	info.VectorSizeBytes = getFileSize(vectorPath)
	if dims, err := store.ReadHNSWStoreDimensions(vectorPath); err == nil {
		info.VectorDimensions = dims
	}

	info.MetadataSizeBytes = getFileSize(metadataPath)
	info.TotalSizeBytes = getDirSize(dataDir)

	return info, nil
}

// languageDistribution maps normalized file extensions to their share of the
// indexed file set.
func languageDistribution(paths []string) map[string]float64 {
	if len(paths) == 0 {
		return nil
	}
	counts := make(map[string]int)
	total := 0
	for _, p := range paths {
		ext := filepath.Ext(p)
		if ext == "" {
			continue
		}
		counts[normalizeExtension(ext[1:])]++
		total++
	}
	if total == 0 {
		return nil
	}
	langs := make(map[string]float64, len(counts))
	for lang, n := range counts {
		langs[lang] = float64(n) / float64(total)
	}
	return langs
}

// normalizeExtension folds extension aliases onto one canonical name.
func normalizeExtension(ext string) string {
	switch ext {
	case "tsx":
		return "ts"
	case "jsx", "mjs":
		return "js"
	case "yml":
		return "yaml"
	case "htm":
		return "html"
	default:
		return ext
	}
}

func renderDebugInfo(cmd *cobra.Command, info *DebugInfo) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "CorpusIndex Debug Info")
	fmt.Fprintln(out, "======================")
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Project:     %s\n", info.ProjectName)
	fmt.Fprintf(out, "Root:        %s\n", info.ProjectRoot)
	fmt.Fprintf(out, "Index:       %s\n", info.IndexPath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "FILES & CHUNKS")
	fmt.Fprintf(out, "  Files:        %s\n", formatNumber(info.FileCount))
	fmt.Fprintf(out, "  Chunks:       %s\n", formatNumber(info.ChunkCount))
	fmt.Fprintf(out, "  Last indexed: %s\n", formatAge(info.LastIndexed))
	fmt.Fprintf(out, "  Languages:    %s\n", formatLanguages(info.Languages))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "EMBEDDER")
	fmt.Fprintf(out, "  Provider:   %s\n", info.EmbedderProvider)
	fmt.Fprintf(out, "  Model:      %s\n", info.EmbedderModel)
	fmt.Fprintf(out, "  Embedded:   %s of %s chunks\n",
		formatNumber(info.WithEmbeddings),
		formatNumber(info.WithEmbeddings+info.WithoutEmbeddings))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "BM25 INDEX")
	fmt.Fprintf(out, "  Backend: %s\n", info.BM25Backend)
	fmt.Fprintf(out, "  Size:    %s\n", store.FormatBytes(info.BM25SizeBytes))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "VECTOR STORE")
	fmt.Fprintf(out, "  Size: %s\n", store.FormatBytes(info.VectorSizeBytes))
	if info.VectorDimensions > 0 {
		fmt.Fprintf(out, "  Dims: %d\n", info.VectorDimensions)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "STORAGE")
	fmt.Fprintf(out, "  Metadata: %s\n", store.FormatBytes(info.MetadataSizeBytes))
	fmt.Fprintf(out, "  Total:    %s\n", store.FormatBytes(info.TotalSizeBytes))

	return nil
}

// formatAge renders how long ago a timestamp was, coarsely.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return pluralAgo(int(d.Minutes()), "minute")
	case d < 24*time.Hour:
		return pluralAgo(int(d.Hours()), "hour")
	default:
		return pluralAgo(int(d.Hours()/24), "day")
	}
}

func pluralAgo(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}

// formatNumber renders an int with thousands separators.
func formatNumber(n int) string {
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return string(out)
}

// formatLanguages renders a language share map sorted by share, descending.
func formatLanguages(langs map[string]float64) string {
	if len(langs) == 0 {
		return "none"
	}
	names := make([]string, 0, len(langs))
	for name := range langs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if langs[names[i]] != langs[names[j]] {
			return langs[names[i]] > langs[names[j]]
		}
		return names[i] < names[j]
	})
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s (%.0f%%)", name, langs[name]*100)
	}
	result := parts[0]
	for _, p := range parts[1:] {
		result += ", " + p
	}
	return result
}
