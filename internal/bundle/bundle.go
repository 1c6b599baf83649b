// Package bundle assembles the final context bundle from fused retrieval
// results plus optional memory and graph evidence, degrading items that
// don't fit the remaining token budget (internal/degrade) and recording
// the stopping conditions that explain what was left out and why.
package bundle

import (
	"time"

	"github.com/codeintel/corpusindex/internal/degrade"
	"github.com/codeintel/corpusindex/internal/ids"
	"github.com/codeintel/corpusindex/internal/policy"
	"github.com/codeintel/corpusindex/internal/tokens"
)

// SourceType names one of the fixed-priority-order sources assembled into
// a bundle.
type SourceType string

const (
	SourceCode          SourceType = "code"
	SourceMemory        SourceType = "memory"
	SourceSymbols       SourceType = "symbols"
	SourceGraphEvidence SourceType = "graph-evidence"
	SourceDocs          SourceType = "docs"
)

// sourceOrder is the fixed priority order sources are packed in.
var sourceOrder = []SourceType{SourceCode, SourceMemory, SourceSymbols, SourceGraphEvidence, SourceDocs}

// Candidate is a single scored item offered to a source, already ordered
// by the caller in descending score order.
type Candidate struct {
	degrade.Item
	Score float64
}

// Input is everything the assembler needs for one bundle.
type Input struct {
	Query          string
	Budget         int
	ModelID        string
	Sources        map[SourceType][]Candidate
	Policy         policy.Policy
	PackingProfile degrade.PackingProfile
	QualityFloor   float64   // items below this score are dropped as QUALITY_THRESHOLD
	Limit          int       // overall result-count cap across all sources; 0 disables
	AssembledAt    time.Time // injected for deterministic tests; zero means now
}

// StoppingCondition records why assembly ended a phase short of the
// ideal.
type StoppingCondition struct {
	Kind     string
	Severity string
	Detail   string
}

var severityByKind = map[string]string{
	"TOKEN_BUDGET":        "high",
	"RESULT_LIMIT":        "low",
	"QUALITY_THRESHOLD":   "medium",
	"CACHE_SATURATION":    "low",
	"GRAPH_TRUNCATED":     "medium",
	"STORAGE_UNAVAILABLE": "high",
}

func newStopping(kind, detail string) StoppingCondition {
	sev, ok := severityByKind[kind]
	if !ok {
		sev = "medium"
	}
	return StoppingCondition{Kind: kind, Severity: sev, Detail: detail}
}

// SourceSummary records the per-source outcome.
type SourceSummary struct {
	Type   SourceType
	Items  int
	Tokens int
}

// Evidence cites one packed item back to the stored chunk or span it was
// assembled from.
type Evidence struct {
	ID     string
	Source SourceType
	Score  float64
	Tokens int
	Level  degrade.Level
}

// CacheStats snapshots the bundle cache at serve time. The assembler never
// touches the cache, so the retrieval engine fills this in.
type CacheStats struct {
	Hit     bool
	HitRate float64
	Entries int
}

// Explanation is the bundle's audit trail: what went in, why assembly
// stopped where it did, and how the cache behaved.
type Explanation struct {
	Evidence           []Evidence
	StoppingConditions []StoppingCondition
	CacheStats         CacheStats
}

// Bundle is the assembled result.
type Bundle struct {
	Query       string
	Sources     []SourceSummary
	TotalTokens int
	Budget      int
	BudgetUsed  float64 // fraction of budget consumed, in [0, 1]
	AssembledAt time.Time
	Signature   string
	Explanation Explanation

	Items    []degrade.DegradedItem
	Degraded bool
}

// Assemble packs the bundle: iterate sources in priority
// order, items within each source in score order, degrading items that
// exceed the remaining budget and recording stopping conditions along the
// way. The bundle is guaranteed well-formed: if any source produced data,
// at least one non-empty source is present in the result.
func Assemble(in Input) Bundle {
	tracker := tokens.NewBudgetTracker(in.Budget)
	profile := in.PackingProfile
	if profile == nil {
		profile = degrade.DefaultPackingProfile
	}
	assembledAt := in.AssembledAt
	if assembledAt.IsZero() {
		assembledAt = time.Now()
	}

	result := Bundle{
		Query:       in.Query,
		Budget:      in.Budget,
		AssembledAt: assembledAt,
	}
	resultCount := 0
	anySourceHadData := false

	for _, sourceType := range sourceOrder {
		if !policyIncludes(in.Policy, sourceType) {
			continue
		}
		candidates, ok := in.Sources[sourceType]
		if !ok || len(candidates) == 0 {
			continue
		}
		anySourceHadData = true

		summary := SourceSummary{Type: sourceType}

		for _, c := range candidates {
			if in.Limit > 0 && resultCount >= in.Limit {
				result.stop("RESULT_LIMIT", "caller result limit reached")
				break
			}
			if in.QualityFloor > 0 && c.Score < in.QualityFloor {
				result.stop("QUALITY_THRESHOLD", "remaining items below score floor")
				break
			}

			c.Item.Priority = profile.PriorityFor(c.Item.ContentType)
			remaining := tracker.Remaining()
			d := degrade.Degrade(c.Item, remaining, in.ModelID)

			if d.Skipped {
				result.stop("TOKEN_BUDGET", "item skipped after exhausting degrade levels")
				result.Degraded = true
				continue
			}
			if d.Level != degrade.LevelPassThrough {
				result.Degraded = true
			}

			tracker.Add(c.Item.ID, d.Tokens)
			result.Items = append(result.Items, d)
			result.Explanation.Evidence = append(result.Explanation.Evidence, Evidence{
				ID:     c.Item.ID,
				Source: sourceType,
				Score:  c.Score,
				Tokens: d.Tokens,
				Level:  d.Level,
			})
			resultCount++
			summary.Items++
			summary.Tokens += d.Tokens
		}

		result.Sources = append(result.Sources, summary)
	}

	result.TotalTokens = tracker.Report().Used
	if in.Budget > 0 {
		result.BudgetUsed = float64(result.TotalTokens) / float64(in.Budget)
		if result.BudgetUsed > 1 {
			result.BudgetUsed = 1
		}
	}

	if !anySourceHadData {
		result.stop("STORAGE_UNAVAILABLE", "no source produced any data")
	}

	result.Signature = ids.BundleSignature(ids.BundleSignatureInput{
		QueryText:        in.Query,
		SourceTypes:      summaryTypes(result.Sources),
		SourceItemCounts: summaryCounts(result.Sources),
		TotalTokens:      result.TotalTokens,
		AssembledAt:      assembledAt,
	})

	return result
}

// stop appends a stopping condition to the bundle's explanation.
func (b *Bundle) stop(kind, detail string) {
	b.Explanation.StoppingConditions = append(b.Explanation.StoppingConditions, newStopping(kind, detail))
}

// MarkGraphTruncated appends a GRAPH_TRUNCATED stopping condition,
// propagated from graph expansion when it hit its own budget or depth
// limit.
func (b *Bundle) MarkGraphTruncated(detail string) {
	b.stop("GRAPH_TRUNCATED", detail)
}

// MarkStorageUnavailable appends a STORAGE_UNAVAILABLE stopping condition
// for a source that failed even after reliability-envelope retries.
func (b *Bundle) MarkStorageUnavailable(detail string) {
	b.stop("STORAGE_UNAVAILABLE", detail)
}

// policyIncludes reports whether p permits a given source type.
func policyIncludes(p policy.Policy, sourceType SourceType) bool {
	switch sourceType {
	case SourceSymbols:
		return p.IncludeSymbols
	case SourceDocs:
		return p.IncludeFiles
	case SourceCode:
		return p.IncludeContent
	default:
		return true
	}
}

func summaryTypes(summaries []SourceSummary) []string {
	out := make([]string, len(summaries))
	for i, s := range summaries {
		out[i] = string(s.Type)
	}
	return out
}

func summaryCounts(summaries []SourceSummary) []int {
	out := make([]int, len(summaries))
	for i, s := range summaries {
		out[i] = s.Items
	}
	return out
}
