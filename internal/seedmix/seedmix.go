// Package seedmix implements the weighted Reciprocal Rank Fusion (RRF) that
// combines the vector, lexical, memory, and symbol seed lists produced by
// hybrid retrieval into a single ranked list, with an early-stop
// truncation once the score tail flattens out. Sources are an arbitrary
// named set, each with its own weight.
package seedmix

import "sort"

// DefaultK is the standard RRF smoothing constant. It is configurable
// per optimizer rather than hardcoded.
const DefaultK = 60

// Item is a single ranked item from one seed source.
type Item struct {
	ID   string
	Rank int // 0-indexed position in the source's result list
}

// Source is a named, ranked list of items plus the weight it contributes
// to the fused score.
type Source struct {
	Name   string
	Weight float64
	Items  []Item
}

// Fused is a single item's aggregate result after fusion.
type Fused struct {
	ID          string
	Score       float64
	SourceRanks map[string]int // source name -> 0-indexed rank, absent if not present
	VectorRank  int            // convenience accessor, -1 if absent
	LexicalRank int            // convenience accessor, -1 if absent
	inputOrder  int
}

// Optimizer fuses weighted seed sources using Weighted Reciprocal Rank
// Fusion: for each source list, for each item at rank r (0-indexed),
// contribute w_source / (k + r + 1) to the item's aggregate score.
type Optimizer struct {
	K int
}

// New creates a seed mix optimizer with the default k=60.
func New() *Optimizer {
	return &Optimizer{K: DefaultK}
}

// NewWithK creates a seed mix optimizer with a custom k. If k <= 0, it
// defaults to DefaultK.
func NewWithK(k int) *Optimizer {
	if k <= 0 {
		k = DefaultK
	}
	return &Optimizer{K: k}
}

// Fuse combines the given sources into a single ranked, deduplicated list
// trimmed to limit. With uniform weights and limit large enough to avoid
// truncation, this reduces to classical RRF.
//
// earlyStopThreshold truncates the output once n=3 consecutive items score
// below best_score/earlyStopThreshold, while always returning at least one
// result. Pass earlyStopThreshold <= 0 to disable early stopping.
func (o *Optimizer) Fuse(sources []Source, limit int, earlyStopThreshold int) []Fused {
	scores := make(map[string]*Fused)
	order := 0

	getOrCreate := func(id string) *Fused {
		if f, ok := scores[id]; ok {
			return f
		}
		f := &Fused{ID: id, SourceRanks: make(map[string]int), VectorRank: -1, LexicalRank: -1, inputOrder: order}
		order++
		scores[id] = f
		return f
	}

	for _, src := range sources {
		for _, it := range src.Items {
			f := getOrCreate(it.ID)
			f.SourceRanks[src.Name] = it.Rank
			f.Score += src.Weight / float64(o.K+it.Rank+1)
			switch src.Name {
			case "vector":
				f.VectorRank = it.Rank
			case "lexical":
				f.LexicalRank = it.Rank
			}
		}
	}

	results := make([]Fused, 0, len(scores))
	for _, f := range scores {
		results = append(results, *f)
	}

	sort.Slice(results, func(i, j int) bool {
		return compare(results[i], results[j])
	})

	results = applyEarlyStop(results, earlyStopThreshold)

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	return results
}

// compare implements the tie-break order: (a) higher
// aggregate score, (b) better (lower) vector rank, (c) better lexical
// rank, (d) stable input order.
func compare(a, b Fused) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if r := compareRank(a.VectorRank, b.VectorRank); r != 0 {
		return r < 0
	}
	if r := compareRank(a.LexicalRank, b.LexicalRank); r != 0 {
		return r < 0
	}
	return a.inputOrder < b.inputOrder
}

// compareRank treats -1 (absent) as worse than any present rank.
func compareRank(a, b int) int {
	if a == b {
		return 0
	}
	if a < 0 {
		return 1
	}
	if b < 0 {
		return -1
	}
	if a < b {
		return -1
	}
	return 1
}

// consecutiveBelowThreshold is the number of consecutive low-score
// items that triggers early stop.
const consecutiveBelowThreshold = 3

// applyEarlyStop truncates results once consecutiveBelowThreshold items in
// a row fall below best_score/earlyStopThreshold, always keeping at least
// one result.
func applyEarlyStop(results []Fused, earlyStopThreshold int) []Fused {
	if earlyStopThreshold <= 0 || len(results) <= 1 {
		return results
	}
	bestScore := results[0].Score
	if bestScore <= 0 {
		return results
	}
	floor := bestScore / float64(earlyStopThreshold)

	run := 0
	for i, r := range results {
		if r.Score < floor {
			run++
			if run >= consecutiveBelowThreshold {
				cut := i - run + 1
				if cut < 1 {
					cut = 1
				}
				return results[:cut]
			}
		} else {
			run = 0
		}
	}
	return results
}
