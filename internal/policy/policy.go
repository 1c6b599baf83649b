// Package policy derives a retrieval Policy from a query's classified
// Intent plus call-site context. It is a pure function over a table of
// base policies: same inputs, same policy, no I/O.
package policy

import (
	"github.com/codeintel/corpusindex/internal/intent"
)

// seedWeightCeiling is the hard ceiling on any seed weight after
// context adjustments.
const seedWeightCeiling = 5.0

// lowBudgetThreshold triggers the token-budget context adjustment.
const lowBudgetThreshold = 2000

// Policy is the derived retrieval configuration for a single query.
type Policy struct {
	MaxDepth            int
	IncludeSymbols      bool
	IncludeFiles        bool
	IncludeContent      bool
	EarlyStopThreshold  int
	SeedWeights         map[string]float64
}

// clone returns a deep copy so callers can mutate the result freely without
// affecting the base policy table.
func (p Policy) clone() Policy {
	weights := make(map[string]float64, len(p.SeedWeights))
	for k, v := range p.SeedWeights {
		weights[k] = v
	}
	p.SeedWeights = weights
	return p
}

// basePolicies maps each intent to its starting policy.
var basePolicies = map[intent.Intent]Policy{
	intent.IntentSymbol: {
		MaxDepth: 3, IncludeSymbols: true, IncludeFiles: false, IncludeContent: true,
		EarlyStopThreshold: 5,
		SeedWeights: map[string]float64{"vector": 1.0, "lexical": 1.0, "memory": 0.5, "symbol": 2.0, "definition": 2.0, "declaration": 1.5},
	},
	intent.IntentConfig: {
		MaxDepth: 2, IncludeSymbols: false, IncludeFiles: true, IncludeContent: true,
		EarlyStopThreshold: 4,
		SeedWeights: map[string]float64{"vector": 0.7, "lexical": 1.0, "memory": 1.5, "symbol": 0.3, "file": 2.0},
	},
	intent.IntentAPI: {
		MaxDepth: 3, IncludeSymbols: true, IncludeFiles: false, IncludeContent: true,
		EarlyStopThreshold: 5,
		SeedWeights: map[string]float64{"vector": 1.0, "lexical": 1.0, "memory": 2.0, "symbol": 1.8},
	},
	intent.IntentIncident: {
		MaxDepth: 4, IncludeSymbols: true, IncludeFiles: true, IncludeContent: true,
		EarlyStopThreshold: 8,
		SeedWeights: map[string]float64{"vector": 1.8, "lexical": 1.0, "memory": 2.0, "symbol": 1.0},
	},
	intent.IntentSearch: {
		MaxDepth: 3, IncludeSymbols: true, IncludeFiles: true, IncludeContent: true,
		EarlyStopThreshold: 7,
		SeedWeights: map[string]float64{"vector": 1.0, "lexical": 1.0, "memory": 1.0, "symbol": 1.0},
	},
}

// staticallyTypedLanguages receive a symbol-weight boost for symbol
// intent: their symbol tables are reliable enough to lean on harder.
var staticallyTypedLanguages = map[string]bool{
	"go": true, "java": true, "kotlin": true, "rust": true, "c": true,
	"cpp": true, "csharp": true, "typescript": true, "swift": true, "scala": true,
}

// Override is a caller-supplied per-(repo,intent) policy override. Any
// non-zero/non-nil field takes precedence over the derived policy.
type Override struct {
	MaxDepth           *int
	IncludeSymbols     *bool
	IncludeFiles       *bool
	IncludeContent     *bool
	EarlyStopThreshold *int
	SeedWeights        map[string]float64
}

// Context carries the call-site information that adjusts the base policy.
type Context struct {
	// Language is the dominant language of the repository, used for the
	// statically-typed symbol-weight boost.
	Language string

	// Budget is the caller's token budget; a low budget disables content
	// inclusion and shrinks the early-stop threshold.
	Budget int

	// Confidence is the intent classifier's confidence, used to scale
	// numeric weights.
	Confidence float64

	// RepoOverrides maps "repo" to a per-intent Override; callers inject
	// per-repo policy overrides keyed by (repo, intent).
	Repo          string
	RepoOverrides map[string]map[intent.Intent]Override
}

// Derive computes the retrieval policy for a query, applying the base
// table lookup followed by the context adjustments in order:
// language boost, budget constraint, repo override, confidence scaling.
func Derive(in intent.Intent, ctx Context) Policy {
	base, ok := basePolicies[in]
	if !ok {
		base = basePolicies[intent.IntentSearch]
	}
	p := base.clone()

	// 1. Language-specific boosts for symbol intent.
	if in == intent.IntentSymbol && staticallyTypedLanguages[ctx.Language] {
		p.SeedWeights["symbol"] *= 1.3
		p.SeedWeights["definition"] *= 1.3
	}

	// 2. Token budget constraint.
	if ctx.Budget > 0 && ctx.Budget < lowBudgetThreshold {
		p.IncludeContent = false
		p.EarlyStopThreshold = p.EarlyStopThreshold - p.EarlyStopThreshold/3
		if p.EarlyStopThreshold < 1 {
			p.EarlyStopThreshold = 1
		}
	}

	// 3. Repository override.
	if overrides, ok := ctx.RepoOverrides[ctx.Repo]; ok {
		if o, ok := overrides[in]; ok {
			applyOverride(&p, o)
		}
	}

	// 4. Confidence scaling: multiply numeric weights by max(0.5, confidence).
	scale := ctx.Confidence
	if scale < 0.5 {
		scale = 0.5
	}
	for k, v := range p.SeedWeights {
		w := v * scale
		if w < 0 {
			w = 0
		}
		if w > seedWeightCeiling {
			w = seedWeightCeiling
		}
		p.SeedWeights[k] = w
	}

	if p.MaxDepth < 0 {
		p.MaxDepth = 0
	}
	if p.EarlyStopThreshold < 1 {
		p.EarlyStopThreshold = 1
	}

	return p
}

// applyOverride merges any fields the override supplies into p, taking
// precedence over the intent default for those fields only.
func applyOverride(p *Policy, o Override) {
	if o.MaxDepth != nil {
		p.MaxDepth = *o.MaxDepth
	}
	if o.IncludeSymbols != nil {
		p.IncludeSymbols = *o.IncludeSymbols
	}
	if o.IncludeFiles != nil {
		p.IncludeFiles = *o.IncludeFiles
	}
	if o.IncludeContent != nil {
		p.IncludeContent = *o.IncludeContent
	}
	if o.EarlyStopThreshold != nil {
		p.EarlyStopThreshold = *o.EarlyStopThreshold
	}
	for k, v := range o.SeedWeights {
		p.SeedWeights[k] = v
	}
}
