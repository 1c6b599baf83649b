package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeintel/corpusindex/internal/cache"
	"github.com/codeintel/corpusindex/internal/outcome"
	"github.com/codeintel/corpusindex/internal/reliability"
	"github.com/codeintel/corpusindex/internal/telemetry"
)

// RecordOutcomeInput is a client's report of how well an assembled bundle
// served its session.
type RecordOutcomeInput struct {
	SessionID       string  `json:"session_id" jsonschema:"identifier of the client session"`
	Query           string  `json:"query" jsonschema:"the original query fingerprint or text"`
	Intent          string  `json:"intent,omitempty" jsonschema:"classified intent of the query"`
	BundleSignature string  `json:"bundle_signature" jsonschema:"signature of the bundle being reported on"`
	Satisfied       bool    `json:"satisfied" jsonschema:"whether the bundle satisfied the session"`
	TimeToFixMs     int64   `json:"time_to_fix_ms,omitempty" jsonschema:"milliseconds from bundle delivery to fix"`
	TopClickID      string  `json:"top_click_id,omitempty" jsonschema:"ID of the most-used result item"`
	TokenUsage      int     `json:"token_usage,omitempty" jsonschema:"tokens the client actually consumed"`
	Confidence      float64 `json:"confidence,omitempty" jsonschema:"reporter confidence in the signal, 0 to 1"`
}

// RecordOutcomeOutput acknowledges an outcome report.
type RecordOutcomeOutput struct {
	Recorded bool `json:"recorded" jsonschema:"true when the signal was accepted for processing"`
}

// HealthInput has no parameters.
type HealthInput struct{}

// CacheHealthOutput is one namespace's health flags.
type CacheHealthOutput struct {
	Namespace        string `json:"namespace"`
	LowHitRate       bool   `json:"low_hit_rate"`
	HighMemory       bool   `json:"high_memory"`
	HighEvictionRate bool   `json:"high_eviction_rate"`
}

// HealthOutput reports cache, circuit, and storage health.
type HealthOutput struct {
	Cache    []CacheHealthOutput `json:"cache"`
	Circuits map[string]string   `json:"circuits"`
	Storage  string              `json:"storage"`
}

// MetricsInput has no parameters.
type MetricsInput struct{}

// MetricsOutput carries the Prometheus text exposition body.
type MetricsOutput struct {
	Exposition string `json:"exposition" jsonschema:"metrics in text/plain Prometheus exposition format"`
}

// SetOutcomeBridge wires the outcome/learning bridge consumed by the
// record_outcome tool. Optional; without it the tool reports an error.
func (s *Server) SetOutcomeBridge(b *outcome.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridge = b
}

// SetCacheFabric wires the cache fabric reported by the health tool.
func (s *Server) SetCacheFabric(f *cache.Fabric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fabric = f
}

// SetEnvelope wires the reliability envelope reported by the health tool.
func (s *Server) SetEnvelope(e *reliability.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelope = e
}

// SetRetrievalMetrics wires the Prometheus registry served by the metrics
// tool.
func (s *Server) SetRetrievalMetrics(m *telemetry.RetrievalMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrievalMetrics = m
}

// registerOpsTools registers the outcome/health/metrics operations.
func (s *Server) registerOpsTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "record_outcome",
		Description: "Report whether a search result bundle actually helped. Feedback is recorded asynchronously and improves ranking of repeated queries.",
	}, s.mcpRecordOutcomeHandler)
	s.logger.Debug("Registered tool", slog.String("name", "record_outcome"))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "health",
		Description: "Report cache hit-rate/memory health, circuit breaker states, and storage availability.",
	}, s.mcpHealthHandler)
	s.logger.Debug("Registered tool", slog.String("name", "health"))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "metrics",
		Description: "Return search/cache/graph/bundle metrics in Prometheus text exposition format.",
	}, s.mcpMetricsHandler)
	s.logger.Debug("Registered tool", slog.String("name", "metrics"))
}

// mcpRecordOutcomeHandler enqueues an outcome signal. It never blocks:
// the bridge's queue is bounded and drop-oldest.
func (s *Server) mcpRecordOutcomeHandler(_ context.Context, _ *mcp.CallToolRequest, input RecordOutcomeInput) (
	*mcp.CallToolResult,
	RecordOutcomeOutput,
	error,
) {
	if input.BundleSignature == "" {
		return nil, RecordOutcomeOutput{}, NewInvalidParamsError("bundle_signature is required")
	}

	s.mu.RLock()
	bridge := s.bridge
	s.mu.RUnlock()
	if bridge == nil {
		return nil, RecordOutcomeOutput{}, NewInternalError("outcome recording is not enabled on this server")
	}

	bridge.Record(outcome.Signal{
		SessionID:       input.SessionID,
		Query:           input.Query,
		Intent:          input.Intent,
		BundleSignature: input.BundleSignature,
		Satisfied:       input.Satisfied,
		TimeToFixMs:     input.TimeToFixMs,
		TopClickID:      input.TopClickID,
		TokenUsage:      input.TokenUsage,
		Confidence:      input.Confidence,
	})

	return nil, RecordOutcomeOutput{Recorded: true}, nil
}

// mcpHealthHandler reports the health() surface: cache flags per
// namespace, circuit state per phase, and storage reachability.
func (s *Server) mcpHealthHandler(ctx context.Context, _ *mcp.CallToolRequest, _ HealthInput) (
	*mcp.CallToolResult,
	HealthOutput,
	error,
) {
	s.mu.RLock()
	fabric := s.fabric
	envelope := s.envelope
	s.mu.RUnlock()

	out := HealthOutput{Circuits: map[string]string{}}

	if fabric != nil {
		for _, ns := range []cache.Namespace{
			cache.NamespaceSearch, cache.NamespaceBundle,
			cache.NamespaceIndex, cache.NamespaceMetadata,
		} {
			h := fabric.GetHealth(ns)
			out.Cache = append(out.Cache, CacheHealthOutput{
				Namespace:        string(h.Namespace),
				LowHitRate:       h.LowHitRate,
				HighMemory:       h.HighMemory,
				HighEvictionRate: h.HighEvictionRate,
			})
		}
	}

	if envelope != nil {
		for _, phase := range []reliability.Phase{
			reliability.PhaseSearch, reliability.PhaseGraph,
			reliability.PhaseCache, reliability.PhaseStorage,
		} {
			out.Circuits[string(phase)] = envelope.CircuitState(phase)
		}
	}

	out.Storage = "ok"
	if _, err := s.metadata.GetState(ctx, "health_probe"); err != nil {
		out.Storage = "unavailable: " + err.Error()
	}

	return nil, out, nil
}

// mcpMetricsHandler returns the Prometheus exposition body.
func (s *Server) mcpMetricsHandler(_ context.Context, _ *mcp.CallToolRequest, _ MetricsInput) (
	*mcp.CallToolResult,
	MetricsOutput,
	error,
) {
	s.mu.RLock()
	m := s.retrievalMetrics
	s.mu.RUnlock()
	if m == nil {
		return nil, MetricsOutput{}, NewInternalError("metrics are not enabled on this server")
	}

	body, err := m.Exposition()
	if err != nil {
		return nil, MetricsOutput{}, MapError(err)
	}
	return nil, MetricsOutput{Exposition: body}, nil
}
