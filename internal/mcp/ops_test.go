package mcp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeintel/corpusindex/internal/cache"
	"github.com/codeintel/corpusindex/internal/outcome"
	"github.com/codeintel/corpusindex/internal/reliability"
	"github.com/codeintel/corpusindex/internal/telemetry"
)

// =============================================================================
// record_outcome Tool
// =============================================================================

func TestRecordOutcome_RequiresSignature(t *testing.T) {
	srv := newTestServer(t)

	_, _, err := srv.mcpRecordOutcomeHandler(context.Background(), nil, RecordOutcomeInput{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bundle_signature")
}

func TestRecordOutcome_NoBridgeConfigured(t *testing.T) {
	srv := newTestServer(t)

	_, _, err := srv.mcpRecordOutcomeHandler(context.Background(), nil, RecordOutcomeInput{
		BundleSignature: "abc123",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enabled")
}

func TestRecordOutcome_PromotesSatisfiedSignal(t *testing.T) {
	srv := newTestServer(t)

	fabric := cache.New()
	bridge := outcome.New(fabric, nil)
	bridge.Start(context.Background())
	defer bridge.Stop()
	srv.SetOutcomeBridge(bridge)

	_, out, err := srv.mcpRecordOutcomeHandler(context.Background(), nil, RecordOutcomeInput{
		SessionID:       "sess-1",
		Query:           "fingerprint-1",
		Intent:          "symbol",
		BundleSignature: "sig-1",
		Satisfied:       true,
		Confidence:      0.9,
	})

	require.NoError(t, err)
	assert.True(t, out.Recorded)

	// The bridge drains asynchronously; poll for the learning entry.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entry, ok := bridge.Consult("fingerprint-1", "symbol", nil); ok {
			assert.Equal(t, "sig-1", entry.BundleSignature)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("satisfied signal was not promoted to the learning cache")
}

// =============================================================================
// health Tool
// =============================================================================

func TestHealth_ReportsAllNamespacesAndPhases(t *testing.T) {
	srv := newTestServer(t)
	srv.SetCacheFabric(cache.New())
	srv.SetEnvelope(reliability.New())

	_, out, err := srv.mcpHealthHandler(context.Background(), nil, HealthInput{})
	require.NoError(t, err)

	assert.Len(t, out.Cache, 4)
	namespaces := make(map[string]bool)
	for _, h := range out.Cache {
		namespaces[h.Namespace] = true
	}
	for _, ns := range []string{"search", "bundle", "index", "metadata"} {
		assert.True(t, namespaces[ns], "missing namespace %s", ns)
	}

	assert.Len(t, out.Circuits, 4)
	for _, phase := range []string{"search", "graph", "cache", "storage"} {
		assert.Equal(t, "closed", out.Circuits[phase])
	}

	assert.Equal(t, "ok", out.Storage)
}

func TestHealth_WithoutCollaborators(t *testing.T) {
	srv := newTestServer(t)

	_, out, err := srv.mcpHealthHandler(context.Background(), nil, HealthInput{})
	require.NoError(t, err)

	assert.Empty(t, out.Cache)
	assert.Empty(t, out.Circuits)
	assert.Equal(t, "ok", out.Storage)
}

// =============================================================================
// metrics Tool
// =============================================================================

func TestMetrics_NotConfigured(t *testing.T) {
	srv := newTestServer(t)

	_, _, err := srv.mcpMetricsHandler(context.Background(), nil, MetricsInput{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enabled")
}

func TestMetrics_ReturnsExposition(t *testing.T) {
	srv := newTestServer(t)

	m := telemetry.NewRetrievalMetrics()
	m.BudgetExhaustionTotal.Inc()
	srv.SetRetrievalMetrics(m)

	_, out, err := srv.mcpMetricsHandler(context.Background(), nil, MetricsInput{})
	require.NoError(t, err)

	assert.True(t, strings.Contains(out.Exposition, "corpusindex_budget_exhaustion_total"),
		"exposition should contain the budget exhaustion counter: %s", out.Exposition)
	assert.Contains(t, out.Exposition, "corpusindex_budget_exhaustion_total 1")
}
