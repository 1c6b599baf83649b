package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/codeintel/corpusindex/internal/cache"
	"github.com/codeintel/corpusindex/internal/chunk"
	"github.com/codeintel/corpusindex/internal/config"
	"github.com/codeintel/corpusindex/internal/embed"
	"github.com/codeintel/corpusindex/internal/index"
	"github.com/codeintel/corpusindex/internal/logging"
	"github.com/codeintel/corpusindex/internal/mcp"
	"github.com/codeintel/corpusindex/internal/outcome"
	"github.com/codeintel/corpusindex/internal/reliability"
	"github.com/codeintel/corpusindex/internal/retrieval"
	"github.com/codeintel/corpusindex/internal/scanner"
	"github.com/codeintel/corpusindex/internal/search"
	"github.com/codeintel/corpusindex/internal/store"
	"github.com/codeintel/corpusindex/internal/telemetry"
	"github.com/codeintel/corpusindex/internal/watcher"
)

// defaultWatcherStartupTimeout bounds how long the background file watcher
// may spend initializing. Overridable via CORPUSINDEX_WATCHER_STARTUP_TIMEOUT
// for slow filesystems (BUG-035).
const defaultWatcherStartupTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		transport string
		port      int
		debug     bool
		session   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Run the Model Context Protocol server over stdio.

AI clients (Claude Code, Cursor) connect to this process and issue search
tool calls against the local index. All logging goes to the log file, never
to stdout: stdout carries the JSON-RPC protocol stream.

Examples:
  corpusindex serve
  corpusindex serve --session my-feature
  corpusindex serve --debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "info"
			if debug {
				level = "debug"
			}
			return serveMCP(cmd.Context(), transport, port, session, level)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport: stdio")
	cmd.Flags().IntVar(&port, "port", 0, "Port for network transports (unused for stdio)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable verbose logging")
	cmd.Flags().StringVar(&session, "session", "", "Named session to pin this server to")

	return cmd
}

// verifyStdinForMCP rejects a terminal stdin early. The MCP handshake never
// arrives from an interactive terminal, and the resulting hang confuses
// users into thinking the server is broken (BUG-035).
func verifyStdinForMCP() error {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return fmt.Errorf("stdin is a terminal: 'corpusindex serve' speaks MCP over a stdin/stdout pipe and must be launched by an MCP client, not interactively")
	}
	return nil
}

// runServe starts the MCP server against the index in the current project.
func runServe(ctx context.Context, transport string, port int) error {
	return serveMCP(ctx, transport, port, "", "info")
}

// runServeWithSession starts the MCP server pinned to a named session.
// MCP-safe logging is initialized here too, not only in runServe (BUG-035).
func runServeWithSession(ctx context.Context, sessionName, transport string, port int) error {
	return serveMCP(ctx, transport, port, sessionName, "info")
}

func serveMCP(ctx context.Context, transport string, port int, sessionName, logLevel string) error {
	// MCP-safe logging before anything else: nothing may reach stdout or
	// stderr once an MCP client is attached (BUG-034).
	if cleanup, err := logging.SetupMCPModeWithLevel(logLevel); err == nil {
		defer cleanup()
	}

	if transport == "stdio" {
		if err := verifyStdinForMCP(); err != nil {
			return err
		}
	}

	// Find project root
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	if sessionName != "" {
		if manager, err := getSessionManager(); err == nil {
			if sess, err := manager.Open(sessionName, root); err != nil {
				slog.Warn("session_open_failed",
					slog.String("session", sessionName),
					slog.String("error", err.Error()))
			} else {
				slog.Info("session_attached", slog.String("session", sess.Name))
				if sess.ProjectPath != "" {
					root = sess.ProjectPath
				}
			}
		}
	}

	dataDir := filepath.Join(root, ".corpusindex")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if !fileExists(metadataPath) {
		return fmt.Errorf("no index found in %s\nRun 'corpusindex index' to create one", root)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25, err := store.NewBM25IndexWithBackend(filepath.Join(dataDir, "bm25"),
		store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	// Config-based embedder, with a static fallback: the server must come up
	// even when Ollama is unreachable, just with degraded semantic quality.
	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if err != nil {
		slog.Warn("embedder_unavailable_using_static",
			slog.String("provider", provider.String()),
			slog.String("error", err.Error()))
		embedder = embed.NewStaticEmbedder768()
	}
	defer func() { _ = embedder.Close() }()

	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(embedder.Dimensions()))
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if fileExists(vectorPath) {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	retStore, err := store.NewRetrievalStore(filepath.Join(dataDir, "retrieval.db"))
	if err != nil {
		return fmt.Errorf("failed to open retrieval store: %w", err)
	}
	defer func() { _ = retStore.Close() }()

	fabric := cache.New()
	envelope := reliability.New()
	metrics := telemetry.NewRetrievalMetrics()

	bridge := outcome.New(fabric, slog.Default())
	bridge.Start(ctx)
	defer bridge.Stop()

	engine := retrieval.NewEngine(bm25, vector, embedder, retStore, metadata,
		fabric, envelope,
		retrieval.WithOutcomeBridge(bridge),
		retrieval.WithMetrics(metrics))

	server, err := mcp.NewServer(engine, metadata, embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer func() { _ = server.Close() }()
	server.SetOutcomeBridge(bridge)
	server.SetCacheFabric(fabric)
	server.SetEnvelope(envelope)
	server.SetRetrievalMetrics(metrics)
	if metricsStore, err := telemetry.NewSQLiteMetricsStore(metadata.DB()); err == nil {
		server.SetMetrics(telemetry.NewQueryMetrics(metricsStore))
	} else {
		slog.Warn("query_metrics_disabled", slog.String("error", err.Error()))
	}

	// Incremental reindex on file change: the index engine and coordinator
	// keep the stores the retrieval engine reads from current while the
	// server runs, so edits made mid-session are searchable without a full
	// 'corpusindex index' pass.
	codeChunker := chunk.NewCodeChunker()
	defer codeChunker.Close()
	maintenance := search.New(bm25, vector, embedder, metadata, search.DefaultConfig())
	fileScanner, err := scanner.New()
	if err != nil {
		slog.Warn("scanner_unavailable_gitignore_reconciliation_disabled",
			slog.String("error", err.Error()))
		fileScanner = nil
	}
	coordinator := index.NewCoordinator(index.CoordinatorConfig{
		ProjectID:       hashString(root),
		RootPath:        root,
		DataDir:         dataDir,
		Engine:          maintenance,
		Metadata:        metadata,
		CodeChunker:     codeChunker,
		MDChunker:       chunk.NewMarkdownChunker(),
		Scanner:         fileScanner,
		ExcludePatterns: cfg.Paths.Exclude,
	})

	// File watcher starts in the background: the MCP handshake must be
	// answered within 500ms, and watcher startup can take seconds on slow
	// filesystems (BUG-035). Events drive the coordinator's incremental
	// reindex, then invalidate the affected cache entries.
	go watchAndReindex(ctx, root, fabric, coordinator)

	addr := ""
	if port > 0 {
		addr = fmt.Sprintf("127.0.0.1:%d", port)
	}
	return server.Serve(ctx, transport, addr)
}

// watchAndReindex runs the file watcher, feeds change batches to the
// index coordinator, and invalidates cache entries for the touched files.
// Errors are logged, never fatal: the server stays correct without a
// watcher, the index just goes stale until the next full reindex and
// cached entries live out their TTL.
func watchAndReindex(ctx context.Context, root string, fabric *cache.Fabric, coordinator *index.Coordinator) {
	startupTimeout := defaultWatcherStartupTimeout
	if v := os.Getenv("CORPUSINDEX_WATCHER_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			startupTimeout = d
		}
	}

	w, err := watcher.NewHybridWatcher(watcher.Options{})
	if err != nil {
		slog.Warn("watcher_create_failed", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = w.Stop() }()

	// Start owns ctx for the watcher's lifetime, so the startup bound is a
	// select, not a context cancellation.
	started := make(chan error, 1)
	go func() { started <- w.Start(ctx, root) }()
	select {
	case err := <-started:
		if err != nil {
			slog.Warn("watcher_start_failed", slog.String("error", err.Error()))
			return
		}
	case <-time.After(startupTimeout):
		slog.Warn("watcher_startup_timeout", slog.Duration("timeout", startupTimeout))
		return
	case <-ctx.Done():
		return
	}
	slog.Info("watcher_started", slog.String("type", w.WatcherType()), slog.String("root", root))

	// Catch up on .gitignore edits made while the server was down.
	if err := coordinator.ReconcileOnStartup(ctx); err != nil {
		slog.Warn("startup_reconciliation_failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Events():
			if !ok {
				return
			}
			if err := coordinator.HandleEvents(ctx, batch); err != nil {
				slog.Warn("incremental_reindex_failed", slog.String("error", err.Error()))
			}
			for _, ev := range batch {
				fabric.InvalidateOnFileChange(ev.Path)
			}
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			slog.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}
}
