// Package intent classifies a raw query string into a retrieval intent
// (symbol, config, api, incident, search) plus lightweight entities. It
// Classification is rule-based and deterministic: a fixed keyword
// scoring table and no model calls, so identical input always yields
// identical output. The five-way intent taxonomy is what the engine's
// policy gate (internal/policy) consumes.
package intent

import (
	"regexp"
	"strings"
)

// Intent is the classification category for a query.
type Intent string

const (
	IntentSymbol   Intent = "symbol"
	IntentConfig   Intent = "config"
	IntentAPI      Intent = "api"
	IntentIncident Intent = "incident"
	IntentSearch   Intent = "search"
)

// confidenceFloor is the minimum normalized best-score before a
// classification collapses to IntentSearch.
const confidenceFloor = 0.2

// Entity is a lightweight extracted entity: a symbol name, file extension,
// HTTP verb, or numeric code found in the query text.
type Entity struct {
	Type  string
	Value string
}

// Classification is the transient per-query record produced by Classify.
type Classification struct {
	Intent       Intent
	Confidence   float64
	Entities     []Entity
	// Forced is true when the caller supplied an override via ClassifyWithOverride.
	Forced bool
}

// tokenSet maps a feature token to the intents it favors and the weight it
// contributes to each. Tokens are checked as whole-word matches against the
// normalized query.
type tokenRule struct {
	token  string
	intent Intent
	weight float64
}

// rules is the fixed scoring table: definitional
// tokens favor symbol, configuration tokens favor config, HTTP/route tokens
// favor api, failure tokens favor incident. Anything left over is search.
var rules = []tokenRule{
	// Definitional tokens -> symbol
	{"function", IntentSymbol, 1.0},
	{"func", IntentSymbol, 1.0},
	{"class", IntentSymbol, 1.0},
	{"method", IntentSymbol, 0.8},
	{"def", IntentSymbol, 1.0},
	{"interface", IntentSymbol, 0.8},
	{"struct", IntentSymbol, 0.8},
	{"implementation", IntentSymbol, 0.6},
	{"definition", IntentSymbol, 0.6},

	// Configuration tokens -> config
	{".env", IntentConfig, 1.0},
	{"config", IntentConfig, 1.0},
	{"configuration", IntentConfig, 1.0},
	{"settings", IntentConfig, 1.0},
	{"yaml", IntentConfig, 0.6},
	{"yml", IntentConfig, 0.6},
	{"toml", IntentConfig, 0.6},
	{"environment", IntentConfig, 0.6},
	{"flag", IntentConfig, 0.4},

	// HTTP/route tokens -> api
	{"endpoint", IntentAPI, 1.0},
	{"route", IntentAPI, 1.0},
	{"api", IntentAPI, 1.0},
	{"handler", IntentAPI, 0.8},
	{"http", IntentAPI, 0.7},
	{"get", IntentAPI, 0.4},
	{"post", IntentAPI, 0.4},
	{"put", IntentAPI, 0.4},
	{"delete", IntentAPI, 0.4},
	{"patch", IntentAPI, 0.4},
	{"request", IntentAPI, 0.4},
	{"response", IntentAPI, 0.4},

	// Failure tokens -> incident
	{"error", IntentIncident, 1.0},
	{"crash", IntentIncident, 1.0},
	{"bug", IntentIncident, 1.0},
	{"debug", IntentIncident, 0.8},
	{"exception", IntentIncident, 1.0},
	{"panic", IntentIncident, 1.0},
	{"fail", IntentIncident, 0.8},
	{"failure", IntentIncident, 0.8},
	{"broken", IntentIncident, 0.6},
	{"incident", IntentIncident, 1.0},
	{"timeout", IntentIncident, 0.6},
}

var (
	symbolNamePattern = regexp.MustCompile(`\b[a-zA-Z_][a-zA-Z0-9_]*(?:[A-Z][a-z0-9]*)+\b|\b[a-z]+(?:_[a-z0-9]+)+\b`)
	fileExtPattern    = regexp.MustCompile(`\.([a-zA-Z0-9]{1,8})\b`)
	httpVerbPattern   = regexp.MustCompile(`(?i)\b(GET|POST|PUT|DELETE|PATCH|HEAD|OPTIONS)\b`)
	numericCodePattern = regexp.MustCompile(`\b\d{3,5}\b`)
)

// Classifier classifies queries into retrieval intents.
type Classifier struct{}

// New creates a new rule-based intent classifier.
func New() *Classifier {
	return &Classifier{}
}

// normalize lowercases and collapses whitespace before scoring.
func normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Classify scores each intent from the fixed rule set over token features
// and returns the highest-scoring intent along with a normalized
// confidence. If confidence falls below confidenceFloor, the intent
// collapses to IntentSearch.
func (c *Classifier) Classify(query string) Classification {
	normalized := normalize(query)
	scores := map[Intent]float64{
		IntentSymbol:   0,
		IntentConfig:   0,
		IntentAPI:      0,
		IntentIncident: 0,
	}

	words := strings.Fields(normalized)
	wordSet := make(map[string]struct{}, len(words))
	for _, w := range words {
		wordSet[strings.Trim(w, ".,!?;:()[]{}\"'")] = struct{}{}
	}

	for _, r := range rules {
		token := r.token
		if strings.Contains(token, " ") || strings.HasPrefix(token, ".") {
			if strings.Contains(normalized, token) {
				scores[r.intent] += r.weight
			}
			continue
		}
		if _, ok := wordSet[token]; ok {
			scores[r.intent] += r.weight
		}
	}

	bestIntent, bestScore, sum := IntentSearch, 0.0, 0.0
	for _, in := range []Intent{IntentSymbol, IntentConfig, IntentAPI, IntentIncident} {
		sum += scores[in]
		if scores[in] > bestScore {
			bestScore = scores[in]
			bestIntent = in
		}
	}

	confidence := 0.0
	if sum > 0 {
		confidence = bestScore / sum
	}
	if confidence < confidenceFloor {
		bestIntent = IntentSearch
	}

	return Classification{
		Intent:     bestIntent,
		Confidence: confidence,
		Entities:   extractEntities(query),
	}
}

// ClassifyWithOverride honors a caller-supplied force_intent, bypassing
// classification entirely and fixing confidence at 1.0.
func (c *Classifier) ClassifyWithOverride(query string, forced Intent) Classification {
	if forced == "" {
		return c.Classify(query)
	}
	return Classification{
		Intent:     forced,
		Confidence: 1.0,
		Entities:   extractEntities(query),
		Forced:     true,
	}
}

// extractEntities pulls symbol-looking names, file extensions, HTTP verbs,
// and numeric codes out of the raw (non-normalized) query text.
func extractEntities(query string) []Entity {
	var entities []Entity
	seen := make(map[string]struct{})

	add := func(typ, value string) {
		key := typ + ":" + value
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		entities = append(entities, Entity{Type: typ, Value: value})
	}

	for _, m := range symbolNamePattern.FindAllString(query, -1) {
		add("symbol", m)
	}
	for _, m := range fileExtPattern.FindAllStringSubmatch(query, -1) {
		add("extension", strings.ToLower(m[1]))
	}
	for _, m := range httpVerbPattern.FindAllString(query, -1) {
		add("http_verb", strings.ToUpper(m))
	}
	for _, m := range numericCodePattern.FindAllString(query, -1) {
		add("numeric_code", m)
	}

	return entities
}
