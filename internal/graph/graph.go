// Package graph implements the budget-bounded breadth-first traversal over
// reference edges (calls, uses, imports, extends, ...) that expands a seed
// set of symbol IDs into graph evidence for a bundle: a queue plus an
// explicit visited set, bounded by a token budget, with a pluggable
// expansion strategy (breadth-first vs quality-first).
package graph

import (
	"container/heap"
	"context"
	"errors"
	"sort"

	"github.com/codeintel/corpusindex/internal/tokens"
)

// Strategy selects the order in which queued nodes are expanded.
type Strategy string

const (
	// BreadthFirst pops nodes in FIFO order.
	BreadthFirst Strategy = "breadth-first"
	// QualityFirst pops the highest edge-confidence node first.
	QualityFirst Strategy = "quality-first"
)

// Edge is a directed reference edge between two nodes (symbols/chunks).
type Edge struct {
	From       string
	To         string
	Type       string
	Confidence float64
}

// Node is a unit the graph can fetch content for. NodeID matches an edge's
// From/To field; Content is the text used for token estimation.
type Node struct {
	ID      string
	Content string
}

// Store is the storage collaborator graph traversal reads from. It is
// satisfied by the metadata store's chunk/edge lookups.
type Store interface {
	FetchNode(ctx context.Context, nodeID string) (Node, error)
	FetchEdges(ctx context.Context, nodeID string) ([]Edge, error)
}

// Request describes a single traversal invocation.
type Request struct {
	StartSymbols      []string
	MaxDepth          int
	TokenBudget       int
	EdgeTypes         []string // allowed edge types; empty means all types allowed
	ExpansionStrategy Strategy
	ModelID           string
}

// StoppingCondition records why a traversal ended before exhausting the
// frontier.
type StoppingCondition struct {
	Kind   string
	Detail string
}

// Result is the output of a traversal.
type Result struct {
	VisitedNodes      []string
	Edges             []Edge
	TokensUsed        int
	Truncated         bool
	ExpansionStrategy Strategy
	StoppingCondition *StoppingCondition
}

type queueItem struct {
	nodeID     string
	depth      int
	confidence float64
	order      int
}

// priorityQueue orders queueItems by confidence (quality-first) for use
// with container/heap.
type priorityQueue []queueItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].confidence != pq[j].confidence {
		return pq[i].confidence > pq[j].confidence
	}
	return pq[i].order < pq[j].order
}
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{}) { *pq = append(*pq, x.(queueItem)) }
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

func edgeAllowed(edgeTypes []string, t string) bool {
	if len(edgeTypes) == 0 {
		return true
	}
	for _, allowed := range edgeTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// Traverse runs a budget-bounded BFS (or quality-first expansion) starting
// from req.StartSymbols, recording visited nodes and allowed edges until
// the queue empties, depth is exhausted, or the token budget runs out.
func Traverse(ctx context.Context, store Store, req Request) Result {
	strategy := req.ExpansionStrategy
	if strategy == "" {
		strategy = BreadthFirst
	}

	tracker := tokens.NewBudgetTracker(req.TokenBudget)
	visited := make(map[string]bool)
	var visitedOrder []string
	var edges []Edge
	order := 0

	fifo := make([]queueItem, 0, len(req.StartSymbols))
	var pq priorityQueue

	enqueue := func(id string, depth int, confidence float64) {
		item := queueItem{nodeID: id, depth: depth, confidence: confidence, order: order}
		order++
		if strategy == QualityFirst {
			heap.Push(&pq, item)
		} else {
			fifo = append(fifo, item)
		}
	}

	for _, s := range req.StartSymbols {
		enqueue(s, 0, 1.0)
	}

	popNext := func() (queueItem, bool) {
		if strategy == QualityFirst {
			if pq.Len() == 0 {
				return queueItem{}, false
			}
			return heap.Pop(&pq).(queueItem), true
		}
		if len(fifo) == 0 {
			return queueItem{}, false
		}
		item := fifo[0]
		fifo = fifo[1:]
		return item, true
	}

	truncated := false
	var stop *StoppingCondition

	for {
		if ctx.Err() != nil {
			truncated = true
			stop = &StoppingCondition{Kind: "CANCELLED", Detail: ctx.Err().Error()}
			break
		}

		item, ok := popNext()
		if !ok {
			break
		}
		if visited[item.nodeID] {
			continue
		}

		node, err := store.FetchNode(ctx, item.nodeID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				truncated = true
				stop = &StoppingCondition{Kind: "CANCELLED", Detail: err.Error()}
				break
			}
			truncated = true
			stop = &StoppingCondition{Kind: "STORAGE_UNAVAILABLE", Detail: err.Error()}
			break
		}

		estimated := tokens.EstimateTokens(node.Content, req.ModelID)
		if !tracker.CanFit(estimated) {
			truncated = true
			stop = &StoppingCondition{Kind: "TOKEN_BUDGET", Detail: "token budget exhausted during graph expansion"}
			break
		}
		tracker.Add(item.nodeID, estimated)

		visited[item.nodeID] = true
		visitedOrder = append(visitedOrder, item.nodeID)

		nodeEdges, err := store.FetchEdges(ctx, item.nodeID)
		if err != nil {
			truncated = true
			stop = &StoppingCondition{Kind: "STORAGE_UNAVAILABLE", Detail: err.Error()}
			break
		}

		for _, e := range nodeEdges {
			if !edgeAllowed(req.EdgeTypes, e.Type) {
				continue
			}
			edges = append(edges, e)
			if item.depth+1 <= req.MaxDepth && !visited[e.To] {
				enqueue(e.To, item.depth+1, e.Confidence)
			}
		}
	}

	sort.Strings(visitedOrder)

	return Result{
		VisitedNodes:      visitedOrder,
		Edges:             edges,
		TokensUsed:        tracker.Report().Used,
		Truncated:         truncated,
		ExpansionStrategy: strategy,
		StoppingCondition: stop,
	}
}
