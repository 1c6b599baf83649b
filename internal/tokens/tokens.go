// Package tokens provides model-aware token estimation and budget tracking
// for the retrieval pipeline. The fast-path estimator is a per-model
// chars-per-token divisor, since a single repository may be packing
// context for more than one downstream model.
package tokens

import (
	"math"
	"sync"
)

// charsPerToken is the fallback divisor used when a model has no entry in
// the table (internal/chunk.TokensPerChar uses 4 for the same reason).
const charsPerToken = 4.0

// modelCharsPerToken holds the approximate chars-per-token ratio used by
// estimate_tokens's fast fallback, per model family. These are rough
// approximations, not exact tokenizer output; an exact tokenizer can be
// plugged in later via a different estimator.
var modelCharsPerToken = map[string]float64{
	"claude-3-opus":   3.6,
	"claude-3-sonnet": 3.6,
	"claude-3-haiku":  3.6,
	"gpt-4":           4.0,
	"gpt-4o":          4.0,
	"gpt-3.5-turbo":   4.0,
	"default":         charsPerToken,
}

// EstimateTokens estimates the token count of text for the given model
// using ceil(len(text)/k) with k taken from the model table.
// Estimation is monotonic in input length by construction.
func EstimateTokens(text string, modelID string) int {
	if text == "" {
		return 0
	}
	k, ok := modelCharsPerToken[modelID]
	if !ok || k <= 0 {
		k = charsPerToken
	}
	return int(math.Ceil(float64(len(text)) / k))
}

// Candidate is a model option scored by RecommendModel.
type Candidate struct {
	ModelID      string
	ContextLimit int
}

// RecommendModel picks the first candidate (in order) whose context limit
// can hold the estimated tokens of targetText, falling back to the
// candidate with the largest context limit if none fits.
func RecommendModel(targetText string, candidates []Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	for _, c := range candidates {
		needed := EstimateTokens(targetText, c.ModelID)
		if needed <= c.ContextLimit {
			return c.ModelID
		}
		if c.ContextLimit > best.ContextLimit {
			best = c
		}
	}
	return best.ModelID
}

// Item records one accepted contribution to a budget, for the itemized
// report BudgetTracker.Report produces.
type Item struct {
	Name   string
	Tokens int
}

// BudgetTracker tracks token consumption against a fixed budget. It is safe
// for concurrent use since the retrieval fan-out may add items from multiple
// goroutines racing to claim budget headroom.
type BudgetTracker struct {
	mu     sync.Mutex
	budget int
	used   int
	items  []Item
}

// NewBudgetTracker creates a tracker for the given total budget.
func NewBudgetTracker(budget int) *BudgetTracker {
	if budget < 0 {
		budget = 0
	}
	return &BudgetTracker{budget: budget}
}

// Add records tokens spent on item, returning the remaining budget
// afterward. It never refuses the add; callers must check CanFit first if
// they need to respect the budget. Tokens used can exceed budget only if
// the caller explicitly overrides via Add despite CanFit returning false,
// in which case the overage is recorded rather than rejected.
func (b *BudgetTracker) Add(name string, tokensUsed int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used += tokensUsed
	b.items = append(b.items, Item{Name: name, Tokens: tokensUsed})
	return b.budget - b.used
}

// CanFit reports whether tokensUsed more tokens would fit within budget.
func (b *BudgetTracker) CanFit(tokensUsed int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used+tokensUsed <= b.budget
}

// Remaining returns the unused portion of the budget; never negative.
func (b *BudgetTracker) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.budget - b.used
	if r < 0 {
		return 0
	}
	return r
}

// Report is the snapshot BudgetTracker.Report returns for observability.
type Report struct {
	Budget     int
	Used       int
	Remaining  int
	Percentage float64
	Items      []Item
}

// Report returns a snapshot of the tracker's current state.
func (b *BudgetTracker) Report() Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.budget - b.used
	if remaining < 0 {
		remaining = 0
	}
	pct := 0.0
	if b.budget > 0 {
		pct = float64(b.used) / float64(b.budget) * 100
	}
	items := make([]Item, len(b.items))
	copy(items, b.items)
	return Report{
		Budget:     b.budget,
		Used:       b.used,
		Remaining:  remaining,
		Percentage: pct,
		Items:      items,
	}
}
