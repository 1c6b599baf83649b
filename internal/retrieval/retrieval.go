// Package retrieval is the hybrid retrieval orchestrator: it classifies a
// query's intent (internal/intent), derives a retrieval policy
// (internal/policy), fans seed sources out in parallel with
// golang.org/x/sync/errgroup, fuses them with weighted RRF
// (internal/seedmix), expands the fused seeds through the reference graph
// (internal/graph), boosts scores with graph evidence, and assembles the
// final context bundle (internal/bundle) under the token budget, all
// wrapped in the reliability envelope (internal/reliability) and observed
// through the Prometheus series in internal/telemetry.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeintel/corpusindex/internal/bundle"
	"github.com/codeintel/corpusindex/internal/cache"
	"github.com/codeintel/corpusindex/internal/degrade"
	"github.com/codeintel/corpusindex/internal/embed"
	"github.com/codeintel/corpusindex/internal/graph"
	"github.com/codeintel/corpusindex/internal/ids"
	"github.com/codeintel/corpusindex/internal/intent"
	"github.com/codeintel/corpusindex/internal/outcome"
	"github.com/codeintel/corpusindex/internal/policy"
	"github.com/codeintel/corpusindex/internal/reliability"
	"github.com/codeintel/corpusindex/internal/seedmix"
	"github.com/codeintel/corpusindex/internal/store"
	"github.com/codeintel/corpusindex/internal/telemetry"
)

// graphBoostWeight scales a fused result's graph-enhancement score
// before the final re-sort.
const graphBoostWeight = 0.2

// graphSeedCount caps how many top fused results feed the graph expansion
// seed set, alongside any symbol entities the intent classifier extracted.
const graphSeedCount = 10

// overfetchMultiplier widens each seed source's own limit beyond the
// caller's requested limit so fusion has enough candidates to rank from.
const overfetchMultiplier = 2

// performanceWarningThreshold is the per-search latency above which a
// warning is logged.
const performanceWarningThreshold = 200 * time.Millisecond

// defaultLimit is used when a caller leaves Request.Limit unset.
const defaultLimit = 10

// Engine wires every retrieval component behind the reliability
// envelope: the full vector+lexical+memory+symbol hybrid pipeline, graph
// expansion included.
type Engine struct {
	bm25      store.BM25Index
	vector    store.VectorStore
	embedder  embed.Embedder
	retrieval *store.RetrievalStore
	metadata  store.MetadataStore

	fabric   *cache.Fabric
	envelope *reliability.Envelope
	bridge   *outcome.Bridge
	metrics  *telemetry.RetrievalMetrics
	fusion   *seedmix.Optimizer
	intents  *intent.Classifier

	repoOverrides map[string]map[intent.Intent]policy.Override
	modelID       string
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithRepoOverrides installs per-(repo,intent) policy overrides.
func WithRepoOverrides(overrides map[string]map[intent.Intent]policy.Override) Option {
	return func(e *Engine) { e.repoOverrides = overrides }
}

// WithModelID sets the default model ID used for token estimation when a
// request doesn't specify one.
func WithModelID(modelID string) Option {
	return func(e *Engine) {
		if modelID != "" {
			e.modelID = modelID
		}
	}
}

// WithOutcomeBridge wires the learning bridge so past satisfied
// outcomes can be consulted during ranking.
func WithOutcomeBridge(b *outcome.Bridge) Option {
	return func(e *Engine) { e.bridge = b }
}

// WithMetrics wires the Prometheus series.
func WithMetrics(m *telemetry.RetrievalMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds a retrieval engine from its storage and fabric
// collaborators. bm25, vector, embedder, and metadata are the classic
// hybrid-search dependencies; retrieval, fabric, and envelope add
// memory/symbol/graph evidence, caching, and the reliability envelope.
func NewEngine(
	bm25 store.BM25Index,
	vector store.VectorStore,
	embedder embed.Embedder,
	retrieval *store.RetrievalStore,
	metadata store.MetadataStore,
	fabric *cache.Fabric,
	envelope *reliability.Envelope,
	opts ...Option,
) *Engine {
	e := &Engine{
		bm25:      bm25,
		vector:    vector,
		embedder:  embedder,
		retrieval: retrieval,
		metadata:  metadata,
		fabric:    fabric,
		envelope:  envelope,
		fusion:    seedmix.New(),
		intents:   intent.New(),
		modelID:   "default",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request is a single retrieval call's inputs.
type Request struct {
	Query       string
	Repo        string
	Scope       string
	Language    string
	Limit       int
	Budget      int // token budget for the assembled bundle
	ModelID     string
	ForceIntent intent.Intent // bypasses classification when non-empty
}

// Response is what Search returns: the assembled bundle plus the
// classification/policy trail that produced it.
type Response struct {
	Bundle           bundle.Bundle
	Intent           intent.Intent
	Confidence       float64
	Policy           policy.Policy
	QueryFingerprint string
	FromCache        bool
	Latency          time.Duration
}

// Search runs the full hybrid retrieval pipeline for one query.
func (e *Engine) Search(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	query := strings.TrimSpace(req.Query)
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	modelID := req.ModelID
	if modelID == "" {
		modelID = e.modelID
	}

	classification := e.intents.ClassifyWithOverride(query, req.ForceIntent)

	pol := policy.Derive(classification.Intent, policy.Context{
		Language:      req.Language,
		Budget:        req.Budget,
		Confidence:    classification.Confidence,
		Repo:          req.Repo,
		RepoOverrides: e.repoOverrides,
	})

	fp := ids.QueryFingerprint(ids.QueryFingerprintInput{
		QueryText:           query,
		Intent:              string(classification.Intent),
		Limit:               limit,
		IncludedSourceTypes: includedSourceTypes(pol),
		Repo:                req.Repo,
		Scope:               req.Scope,
		GraphEnabled:        pol.MaxDepth > 0,
	})

	slog.Info("retrieval_started",
		slog.String("query", query),
		slog.String("intent", string(classification.Intent)),
		slog.String("fingerprint", fp))

	cacheResult, err := e.fabric.Get(cache.NamespaceBundle, fp, func() (any, cache.SetOptions, error) {
		b, buildErr := e.assemble(ctx, req, query, limit, modelID, classification, pol, fp)
		if buildErr != nil {
			return nil, cache.SetOptions{}, buildErr
		}
		return b, cache.SetOptions{Signature: b.Signature, Repo: req.Repo}, nil
	})
	elapsed := time.Since(start)
	if err != nil {
		if e.metrics != nil {
			e.metrics.SearchLatencyMs.WithLabelValues("bundle", "false").Observe(float64(elapsed.Milliseconds()))
		}
		return Response{}, err
	}

	b, _ := cacheResult.Value.(bundle.Bundle)

	// Cache stats are a serve-time concern, so they live on this response's
	// copy of the bundle, never on the cached value.
	stats := e.fabric.GetStats(cache.NamespaceBundle)
	b.Explanation.CacheStats = bundle.CacheStats{
		Hit:     cacheResult.Cached,
		HitRate: stats.HitRate,
		Entries: stats.Len,
	}

	if e.metrics != nil {
		e.metrics.SearchLatencyMs.WithLabelValues("bundle", "true").Observe(float64(elapsed.Milliseconds()))
		e.metrics.CacheOperations.WithLabelValues(string(cache.NamespaceBundle), boolLabel(cacheResult.Cached)).Inc()
		if b.Degraded {
			e.metrics.BudgetExhaustionTotal.Inc()
		}
	}
	if elapsed > performanceWarningThreshold {
		slog.Warn("retrieval_slow", slog.String("fingerprint", fp), slog.Duration("latency", elapsed))
	}

	return Response{
		Bundle:           b,
		Intent:           classification.Intent,
		Confidence:       classification.Confidence,
		Policy:           pol,
		QueryFingerprint: fp,
		FromCache:        cacheResult.Cached,
		Latency:          elapsed,
	}, nil
}

// assemble performs the uncached path: seed fan-out, fusion, graph
// expansion, boosting, and final bundle assembly. It is invoked at most
// once per (fingerprint, TTL window) via the cache fabric's read-through
// Get.
func (e *Engine) assemble(
	ctx context.Context,
	req Request,
	query string,
	limit int,
	modelID string,
	classification intent.Classification,
	pol policy.Policy,
	fp string,
) (bundle.Bundle, error) {
	fetchLimit := limit * overfetchMultiplier

	seeds, seedErr := e.fanOutSeeds(ctx, query, fetchLimit, pol)

	fused := e.fusion.Fuse(seeds, fetchLimit, pol.EarlyStopThreshold)

	graphResult, graphSources := e.expandGraph(ctx, fused, classification, pol, modelID)

	boosted := applyGraphBoost(fused, graphResult)
	if len(boosted) > limit {
		boosted = boosted[:limit]
	}

	sources, err := e.buildSources(ctx, boosted)
	if err != nil {
		return bundle.Bundle{}, err
	}
	for k, v := range graphSources {
		sources[k] = v
	}

	b := bundle.Assemble(bundle.Input{
		Query:        query,
		Budget:       req.Budget,
		ModelID:      modelID,
		Sources:      sources,
		Policy:       pol,
		QualityFloor: 0,
		Limit:        limit,
	})

	if graphResult.Truncated {
		b.MarkGraphTruncated("graph expansion stopped: " + stoppingKind(graphResult))
	}
	if seedErr != nil {
		b.MarkStorageUnavailable(seedErr.Error())
	}

	if e.bridge != nil {
		if entry, ok := e.bridge.Consult(fp, string(classification.Intent), func(sig string) bool {
			return sig == b.Signature
		}); ok {
			slog.Debug("retrieval_learning_hit", slog.String("fingerprint", fp), slog.Bool("satisfaction", entry.Satisfaction))
		}
	}

	return b, nil
}

// fanOutSeeds runs the vector, lexical, memory, and symbol seed sources
// concurrently via errgroup, sized by the policy's per-source weights.
func (e *Engine) fanOutSeeds(ctx context.Context, query string, limit int, pol policy.Policy) ([]seedmix.Source, error) {
	g, gctx := errgroup.WithContext(ctx)

	var (
		vectorItems  []seedmix.Item
		lexicalItems []seedmix.Item
		memoryItems  []seedmix.Item
		symbolItems  []seedmix.Item
	)
	var vecErr, lexErr, memErr, symErr error

	g.Go(func() error {
		vectorItems = e.callPhase(gctx, reliability.PhaseSearch, func(c context.Context) ([]seedmix.Item, error) {
			return e.vectorSeeds(c, query, limit)
		}, &vecErr)
		return nil
	})
	g.Go(func() error {
		lexicalItems = e.callPhase(gctx, reliability.PhaseSearch, func(c context.Context) ([]seedmix.Item, error) {
			return e.lexicalSeeds(c, query, limit)
		}, &lexErr)
		return nil
	})
	if e.retrieval != nil {
		g.Go(func() error {
			memoryItems = e.callPhase(gctx, reliability.PhaseStorage, func(c context.Context) ([]seedmix.Item, error) {
				return e.memorySeeds(c, query, limit)
			}, &memErr)
			return nil
		})
		g.Go(func() error {
			symbolItems = e.callPhase(gctx, reliability.PhaseStorage, func(c context.Context) ([]seedmix.Item, error) {
				return e.symbolSeeds(c, query, limit)
			}, &symErr)
			return nil
		})
	}

	_ = g.Wait()

	sources := []seedmix.Source{
		{Name: "vector", Weight: weightFor(pol, "vector"), Items: vectorItems},
		{Name: "lexical", Weight: weightFor(pol, "lexical"), Items: lexicalItems},
	}
	if e.retrieval != nil {
		sources = append(sources,
			seedmix.Source{Name: "memory", Weight: weightFor(pol, "memory"), Items: memoryItems},
			seedmix.Source{Name: "symbol", Weight: weightFor(pol, "symbol"), Items: symbolItems},
		)
	}

	var firstErr error
	for _, se := range []error{vecErr, lexErr, memErr, symErr} {
		if se != nil {
			firstErr = se
			break
		}
	}
	return sources, firstErr
}

// callPhase wraps a seed-source call in the named reliability policy,
// falling back to an empty result set rather than failing the whole
// fan-out when one source misbehaves.
func (e *Engine) callPhase(ctx context.Context, phase reliability.Phase, fn func(context.Context) ([]seedmix.Item, error), errOut *error) []seedmix.Item {
	p := e.envelope.Policy(phase)
	if p == nil {
		items, err := fn(ctx)
		*errOut = err
		return items
	}
	items, out := reliability.Call(ctx, p, fn, func(context.Context) ([]seedmix.Item, error) {
		return nil, nil
	})
	*errOut = out.Err
	return items
}

func (e *Engine) vectorSeeds(ctx context.Context, query string, limit int) ([]seedmix.Item, error) {
	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := e.vector.Search(ctx, embedding, limit)
	if err != nil {
		return nil, err
	}
	items := make([]seedmix.Item, len(results))
	for i, r := range results {
		items[i] = seedmix.Item{ID: r.ID, Rank: i}
	}
	return items, nil
}

func (e *Engine) lexicalSeeds(ctx context.Context, query string, limit int) ([]seedmix.Item, error) {
	results, err := e.bm25.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	items := make([]seedmix.Item, len(results))
	for i, r := range results {
		items[i] = seedmix.Item{ID: r.DocID, Rank: i}
	}
	return items, nil
}

func (e *Engine) memorySeeds(ctx context.Context, query string, limit int) ([]seedmix.Item, error) {
	results, err := e.retrieval.MemorySearch(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	items := make([]seedmix.Item, len(results))
	for i, r := range results {
		items[i] = seedmix.Item{ID: r.ID, Rank: i}
	}
	return items, nil
}

func (e *Engine) symbolSeeds(ctx context.Context, query string, limit int) ([]seedmix.Item, error) {
	symbolIDs, err := e.retrieval.SearchSymbolSeeds(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	items := make([]seedmix.Item, len(symbolIDs))
	for i, id := range symbolIDs {
		items[i] = seedmix.Item{ID: id, Rank: i}
	}
	return items, nil
}

// graphStoreAdapter satisfies graph.Store by converting RetrievalStore's
// own Span/ReferenceEdge-oriented result types into graph.Node/graph.Edge.
type graphStoreAdapter struct {
	retrieval *store.RetrievalStore
}

func (a graphStoreAdapter) FetchNode(ctx context.Context, nodeID string) (graph.Node, error) {
	n, err := a.retrieval.FetchNode(ctx, nodeID)
	if err != nil {
		return graph.Node{}, err
	}
	return graph.Node{ID: n.ID, Content: n.Content}, nil
}

func (a graphStoreAdapter) FetchEdges(ctx context.Context, nodeID string) ([]graph.Edge, error) {
	edges, err := a.retrieval.FetchEdges(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	out := make([]graph.Edge, len(edges))
	for i, e := range edges {
		out[i] = graph.Edge{From: e.FromID, To: e.ToID, Type: e.Type, Confidence: e.Confidence}
	}
	return out, nil
}

// expandGraph seeds the budget-bounded graph traversal from the top
// fused results plus any symbol entities the classifier extracted, then
// converts the visited nodes into a "graph-evidence" source for the
// bundle assembler.
func (e *Engine) expandGraph(ctx context.Context, fused []seedmix.Fused, classification intent.Classification, pol policy.Policy, modelID string) (graph.Result, map[bundle.SourceType][]bundle.Candidate) {
	if e.retrieval == nil || pol.MaxDepth <= 0 {
		return graph.Result{}, nil
	}

	seedSet := make([]string, 0, graphSeedCount)
	for i, f := range fused {
		if i >= graphSeedCount {
			break
		}
		seedSet = append(seedSet, f.ID)
	}
	for _, ent := range classification.Entities {
		if ent.Type == "symbol" {
			seedSet = append(seedSet, ent.Value)
		}
	}
	if len(seedSet) == 0 {
		return graph.Result{}, nil
	}

	p := e.envelope.Policy(reliability.PhaseGraph)
	adapter := graphStoreAdapter{retrieval: e.retrieval}
	fn := func(c context.Context) (graph.Result, error) {
		return graph.Traverse(c, adapter, graph.Request{
			StartSymbols:      seedSet,
			MaxDepth:          pol.MaxDepth,
			TokenBudget:       pol.EarlyStopThreshold * 200,
			ExpansionStrategy: graph.QualityFirst,
			ModelID:           modelID,
		}), nil
	}
	var result graph.Result
	if p != nil {
		result, _ = reliability.Call(ctx, p, fn, func(context.Context) (graph.Result, error) {
			return graph.Result{}, nil
		})
	} else {
		result, _ = fn(ctx)
	}

	if len(result.VisitedNodes) == 0 {
		return result, nil
	}

	candidates := make([]bundle.Candidate, 0, len(result.VisitedNodes))
	for _, nodeID := range result.VisitedNodes {
		node, err := e.retrieval.FetchNode(ctx, nodeID)
		if err != nil || node.Content == "" {
			continue
		}
		candidates = append(candidates, bundle.Candidate{
			Item: degrade.Item{
				ID:          nodeID,
				ContentType: "code",
				Content:     node.Content,
			},
			Score: 1.0,
		})
	}
	return result, map[bundle.SourceType][]bundle.Candidate{bundle.SourceGraphEvidence: candidates}
}

// applyGraphBoost re-scores fused results as
// final_score = fused_score + graphBoostWeight * graph_enhancement_score,
// where graph_enhancement_score is 1 for a result that also appears among
// the graph's visited nodes, 0 otherwise, then re-sorts descending.
func applyGraphBoost(fused []seedmix.Fused, result graph.Result) []seedmix.Fused {
	if len(result.VisitedNodes) == 0 {
		return fused
	}
	visited := make(map[string]bool, len(result.VisitedNodes))
	for _, id := range result.VisitedNodes {
		visited[id] = true
	}

	boosted := make([]seedmix.Fused, len(fused))
	copy(boosted, fused)
	for i := range boosted {
		if visited[boosted[i].ID] {
			boosted[i].Score += graphBoostWeight
		}
	}
	sort.SliceStable(boosted, func(i, j int) bool { return boosted[i].Score > boosted[j].Score })
	return boosted
}

// buildSources converts the boosted fused results into a code-content
// bundle source by batch-fetching chunk content in one query.
func (e *Engine) buildSources(ctx context.Context, boosted []seedmix.Fused) (map[bundle.SourceType][]bundle.Candidate, error) {
	sources := map[bundle.SourceType][]bundle.Candidate{}
	if len(boosted) == 0 || e.metadata == nil {
		return sources, nil
	}

	chunkIDs := make([]string, len(boosted))
	scoreByID := make(map[string]float64, len(boosted))
	for i, f := range boosted {
		chunkIDs[i] = f.ID
		scoreByID[f.ID] = f.Score
	}

	chunks, err := e.metadata.GetChunks(ctx, chunkIDs)
	if err != nil {
		return nil, err
	}

	code := make([]bundle.Candidate, 0, len(chunks))
	for _, c := range chunks {
		code = append(code, bundle.Candidate{
			Item: degrade.Item{
				ID:          c.ID,
				ContentType: "code",
				FilePath:    c.FilePath,
				Content:     c.Content,
				Imports:     c.Context,
				LineCount:   c.EndLine - c.StartLine + 1,
			},
			Score: scoreByID[c.ID],
		})
	}
	sort.SliceStable(code, func(i, j int) bool { return code[i].Score > code[j].Score })
	sources[bundle.SourceCode] = code
	return sources, nil
}

// weightFor looks up a seed source's weight from the derived policy,
// defaulting to 1.0 if the policy didn't set one.
func weightFor(pol policy.Policy, name string) float64 {
	if w, ok := pol.SeedWeights[name]; ok {
		return w
	}
	return 1.0
}

// includedSourceTypes lists the bundle source types a policy permits, for
// the query fingerprint's source_types field.
func includedSourceTypes(pol policy.Policy) []string {
	types := []string{"memory", "graph-evidence"}
	if pol.IncludeContent {
		types = append(types, "code")
	}
	if pol.IncludeSymbols {
		types = append(types, "symbols")
	}
	if pol.IncludeFiles {
		types = append(types, "docs")
	}
	return types
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func stoppingKind(r graph.Result) string {
	if r.StoppingCondition == nil {
		return "unknown"
	}
	return r.StoppingCondition.Kind
}
