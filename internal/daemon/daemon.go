package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeintel/corpusindex/internal/cache"
	"github.com/codeintel/corpusindex/internal/config"
	"github.com/codeintel/corpusindex/internal/embed"
	"github.com/codeintel/corpusindex/internal/reliability"
	"github.com/codeintel/corpusindex/internal/retrieval"
	"github.com/codeintel/corpusindex/internal/store"
)

// defaultDaemonBudget bounds the assembled bundle's token size for daemon
// searches, where clients supply no budget of their own.
const defaultDaemonBudget = 8000

// projectState holds one loaded project's stores and retrieval engine.
// Keeping these warm across searches is the whole point of the daemon:
// opening stores and loading vectors dominates cold-search latency.
type projectState struct {
	rootPath string
	loadedAt time.Time
	lastUsed time.Time

	metadata store.MetadataStore
	bm25     store.BM25Index
	vector   store.VectorStore
	ret      *store.RetrievalStore
	engine   *retrieval.Engine
}

// Close releases the project's stores. Nil stores are skipped so a
// partially-constructed state can always be closed.
func (p *projectState) Close() error {
	var firstErr error
	if p.metadata != nil {
		if err := p.metadata.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.bm25 != nil {
		if err := p.bm25.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.vector != nil {
		if err := p.vector.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.ret != nil {
		if err := p.ret.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Daemon is the long-lived background service: it owns the shared embedder,
// a bounded LRU of loaded projects, and the Unix-socket RPC server.
type Daemon struct {
	cfg        Config
	embedder   embed.Embedder
	server     *Server
	compaction *CompactionManager

	mu       sync.RWMutex
	projects map[string]*projectState
	started  time.Time
}

// Verify the daemon satisfies the RPC server's handler contract.
var _ RequestHandler = (*Daemon)(nil)

// Option configures a Daemon at construction time.
type Option func(*Daemon)

// WithEmbedder injects a pre-built embedder instead of the config-driven
// one Start would otherwise create. Tests use this to avoid Ollama.
func WithEmbedder(e embed.Embedder) Option {
	return func(d *Daemon) { d.embedder = e }
}

// NewDaemon creates a daemon from the given configuration.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		projects: make(map[string]*projectState),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.compaction = NewCompactionManager(d, config.NewConfig().Compaction)

	return d, nil
}

// Start runs the daemon until ctx is cancelled. It cleans up stale
// socket/PID files from a previous crash, writes its own PID file, and
// serves RPC requests on the Unix socket.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.cfg.EnsureDir(); err != nil {
		return err
	}

	pidFile := NewPIDFile(d.cfg.PIDPath)
	if pidFile.IsRunning() {
		return fmt.Errorf("daemon already running (pid file %s)", d.cfg.PIDPath)
	}
	// Stale PID file from a crashed process; Write replaces it.
	if err := pidFile.Write(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() { _ = pidFile.Remove() }()

	if d.embedder == nil {
		d.embedder = d.buildEmbedder(ctx)
	}

	server, err := NewServer(d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	server.SetHandler(d)
	d.server = server

	d.mu.Lock()
	d.started = time.Now()
	d.mu.Unlock()

	d.compaction.Start(ctx)
	defer d.compaction.Stop()
	defer d.cleanup()

	slog.Info("Daemon started",
		slog.String("socket", d.cfg.SocketPath),
		slog.Int("pid", os.Getpid()))

	return server.ListenAndServe(ctx)
}

// buildEmbedder creates the config-driven embedder, falling back to the
// static embedder so the daemon always comes up.
func (d *Daemon) buildEmbedder(ctx context.Context) embed.Embedder {
	cfg := config.NewConfig()
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
		return embed.NewStaticEmbedder768()
	}
	return embedder
}

// HandleSearch loads (or reuses) the project's stores and runs a hybrid
// search, returning flat results for the RPC protocol.
func (d *Daemon) HandleSearch(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	state, err := d.getProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	d.compaction.InterruptCompaction(params.RootPath)
	defer d.compaction.OnSearchComplete(params.RootPath)

	scope := ""
	if len(params.Scopes) > 0 {
		scope = params.Scopes[0]
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 10
	}

	resp, err := state.engine.Search(ctx, retrieval.Request{
		Query:    params.Query,
		Scope:    scope,
		Language: params.Language,
		Limit:    limit,
		Budget:   defaultDaemonBudget,
	})
	if err != nil {
		return nil, err
	}

	return d.toSearchResults(ctx, state, resp), nil
}

// toSearchResults flattens bundle items into the wire format, enriching
// with line/language metadata from the project's chunk store.
func (d *Daemon) toSearchResults(ctx context.Context, state *projectState, resp retrieval.Response) []SearchResult {
	results := make([]SearchResult, 0, len(resp.Bundle.Items))

	ids := make([]string, 0, len(resp.Bundle.Items))
	for _, item := range resp.Bundle.Items {
		if !item.Skipped {
			ids = append(ids, item.ID)
		}
	}
	chunkByID := make(map[string]*store.Chunk, len(ids))
	if chunks, err := state.metadata.GetChunks(ctx, ids); err == nil {
		for _, c := range chunks {
			chunkByID[c.ID] = c
		}
	}

	for _, item := range resp.Bundle.Items {
		if item.Skipped {
			continue
		}
		r := SearchResult{
			FilePath: item.FilePath,
			Content:  item.Content,
			Score:    item.Quality,
		}
		if c, ok := chunkByID[item.ID]; ok {
			r.StartLine = c.StartLine
			r.EndLine = c.EndLine
			r.Language = c.Language
		}
		results = append(results, r)
	}
	return results
}

// GetStatus reports daemon health for the status RPC.
func (d *Daemon) GetStatus() StatusResult {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(d.started).Round(time.Second).String(),
		EmbedderType:   "unavailable",
		EmbedderStatus: "unavailable",
		ProjectsLoaded: len(d.projects),
	}
	if d.embedder != nil {
		status.EmbedderType = d.embedder.ModelName()
		status.EmbedderStatus = "ready"
	}
	return status
}

// getProject returns the loaded project state for rootPath, opening its
// stores on first use and evicting the least recently used project when
// the load cap is exceeded.
func (d *Daemon) getProject(ctx context.Context, rootPath string) (*projectState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if state, ok := d.projects[rootPath]; ok {
		state.lastUsed = time.Now()
		return state, nil
	}

	dataDir := filepath.Join(rootPath, ".corpusindex")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no index found in %s", rootPath)
	}

	state, err := d.loadProject(ctx, rootPath, dataDir)
	if err != nil {
		return nil, err
	}

	for len(d.projects) >= d.cfg.MaxProjects {
		d.evictLRU()
	}
	d.projects[rootPath] = state

	slog.Info("project_loaded",
		slog.String("project", rootPath),
		slog.Int("loaded", len(d.projects)))

	return state, nil
}

// loadProject opens all stores for one project and wires its engine.
func (d *Daemon) loadProject(ctx context.Context, rootPath, dataDir string) (*projectState, error) {
	cfg, err := config.Load(rootPath)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadata, err := store.NewSQLiteStore(filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}

	state := &projectState{
		rootPath: rootPath,
		loadedAt: time.Now(),
		lastUsed: time.Now(),
		metadata: metadata,
	}

	state.bm25, err = store.NewBM25IndexWithBackend(filepath.Join(dataDir, "bm25"),
		store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("failed to open BM25 index: %w", err)
	}

	dims := 768
	if d.embedder != nil {
		dims = d.embedder.Dimensions()
	}
	state.vector, err = store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}
	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, err := os.Stat(vectorPath); err == nil {
		if loadErr := state.vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector_load_failed",
				slog.String("project", rootPath),
				slog.String("error", loadErr.Error()))
		}
	}

	state.ret, err = store.NewRetrievalStore(filepath.Join(dataDir, "retrieval.db"))
	if err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("failed to open retrieval store: %w", err)
	}

	embedder := d.embedder
	if embedder == nil {
		embedder = embed.NewStaticEmbedder768()
	}
	state.engine = retrieval.NewEngine(state.bm25, state.vector, embedder,
		state.ret, state.metadata, cache.New(), reliability.New())

	return state, nil
}

// evictLRU removes the least recently used project. Caller holds d.mu.
func (d *Daemon) evictLRU() {
	var oldest string
	var oldestTime time.Time
	for path, state := range d.projects {
		if oldest == "" || state.lastUsed.Before(oldestTime) {
			oldest = path
			oldestTime = state.lastUsed
		}
	}
	if oldest == "" {
		return
	}

	if err := d.projects[oldest].Close(); err != nil {
		slog.Warn("project_close_failed",
			slog.String("project", oldest),
			slog.String("error", err.Error()))
	}
	delete(d.projects, oldest)

	slog.Info("project_evicted", slog.String("project", oldest))
}

// cleanup releases every loaded project and the shared embedder.
func (d *Daemon) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for path, state := range d.projects {
		if err := state.Close(); err != nil {
			slog.Warn("project_close_failed",
				slog.String("project", path),
				slog.String("error", err.Error()))
		}
	}
	d.projects = make(map[string]*projectState)

	if d.embedder != nil {
		_ = d.embedder.Close()
		d.embedder = nil
	}
}
