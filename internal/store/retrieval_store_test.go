package store

import (
	"context"
	"testing"
)

func newTestRetrievalStore(t *testing.T) *RetrievalStore {
	t.Helper()
	s, err := NewRetrievalStore("")
	if err != nil {
		t.Fatalf("failed to create retrieval store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndFetchSpanNode(t *testing.T) {
	s := newTestRetrievalStore(t)
	ctx := context.Background()

	span := Span{ID: "span1", Repo: "r", Path: "a/b.go", Kind: "function", Name: "Foo"}
	if err := s.SaveSpan(ctx, span, "func Foo() {}"); err != nil {
		t.Fatalf("SaveSpan failed: %v", err)
	}

	node, err := s.FetchNode(ctx, "span1")
	if err != nil {
		t.Fatalf("FetchNode failed: %v", err)
	}
	if node.Content != "func Foo() {}" {
		t.Fatalf("expected saved content, got %q", node.Content)
	}
}

func TestFetchNodeMissingReturnsEmptyNotError(t *testing.T) {
	s := newTestRetrievalStore(t)
	node, err := s.FetchNode(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("expected no error for missing node, got %v", err)
	}
	if node.Content != "" {
		t.Fatalf("expected empty content for missing node")
	}
}

func TestSaveAndFetchEdges(t *testing.T) {
	s := newTestRetrievalStore(t)
	ctx := context.Background()
	edge := ReferenceEdge{FromID: "a", ToID: "b", Type: "calls", Confidence: 0.8}
	if err := s.SaveEdge(ctx, edge); err != nil {
		t.Fatalf("SaveEdge failed: %v", err)
	}
	edges, err := s.FetchEdges(ctx, "a")
	if err != nil {
		t.Fatalf("FetchEdges failed: %v", err)
	}
	if len(edges) != 1 || edges[0].ToID != "b" {
		t.Fatalf("expected 1 edge to b, got %+v", edges)
	}
}

func TestSearchSymbolSeedsMatchesSubstring(t *testing.T) {
	s := newTestRetrievalStore(t)
	ctx := context.Background()
	s.SaveSpan(ctx, Span{ID: "s1", Repo: "r", Path: "p", Kind: "function", Name: "GetUserByID"}, "")
	s.SaveSpan(ctx, Span{ID: "s2", Repo: "r", Path: "p", Kind: "function", Name: "DeleteUser"}, "")

	ids, err := s.SearchSymbolSeeds(ctx, "User", 10)
	if err != nil {
		t.Fatalf("SearchSymbolSeeds failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 matches, got %d: %v", len(ids), ids)
	}
}

func TestMemorySearchReturnsMatchingEntries(t *testing.T) {
	s := newTestRetrievalStore(t)
	ctx := context.Background()
	if err := s.SaveMemoryEntry(ctx, "m1", "fixed the race condition in the worker pool", "repoA", 1000); err != nil {
		t.Fatalf("SaveMemoryEntry failed: %v", err)
	}
	if err := s.SaveMemoryEntry(ctx, "m2", "unrelated note about documentation", "repoA", 1001); err != nil {
		t.Fatalf("SaveMemoryEntry failed: %v", err)
	}

	results, err := s.MemorySearch(ctx, "race condition", 10)
	if err != nil {
		t.Fatalf("MemorySearch failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "m1" {
		t.Fatalf("expected 1 match on m1, got %+v", results)
	}
}

func TestSaveSpanUpsertOverwritesContent(t *testing.T) {
	s := newTestRetrievalStore(t)
	ctx := context.Background()
	span := Span{ID: "s1", Repo: "r", Path: "p", Kind: "function", Name: "Foo"}
	s.SaveSpan(ctx, span, "v1")
	s.SaveSpan(ctx, span, "v2")

	node, err := s.FetchNode(ctx, "s1")
	if err != nil {
		t.Fatalf("FetchNode failed: %v", err)
	}
	if node.Content != "v2" {
		t.Fatalf("expected upsert to overwrite content, got %q", node.Content)
	}
}

func TestSaveEdgeUpsertOverwritesConfidence(t *testing.T) {
	s := newTestRetrievalStore(t)
	ctx := context.Background()
	s.SaveEdge(ctx, ReferenceEdge{FromID: "a", ToID: "b", Type: "calls", Confidence: 0.3})
	s.SaveEdge(ctx, ReferenceEdge{FromID: "a", ToID: "b", Type: "calls", Confidence: 0.9})

	edges, err := s.FetchEdges(ctx, "a")
	if err != nil {
		t.Fatalf("FetchEdges failed: %v", err)
	}
	if len(edges) != 1 || edges[0].Confidence != 0.9 {
		t.Fatalf("expected upserted confidence 0.9, got %+v", edges)
	}
}
