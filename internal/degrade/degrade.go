// Package degrade implements progressive content compression for items that
// don't fit a remaining token budget. It reuses the same
// pattern-extraction moves the contextual chunk enricher makes (pulling
// file path, symbol name/type, and first-sentence doc comments out of a
// chunk) but runs them as a level selector instead of an embedding-context
// prefix generator.
package degrade

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/codeintel/corpusindex/internal/tokens"
)

// Level is a compression aggressiveness level.
type Level int

const (
	LevelPassThrough Level = 0
	LevelStripped    Level = 1 // comments removed, blank lines trimmed
	LevelCapsule     Level = 2 // signatures + docstrings + imports only
	LevelOutline     Level = 3 // file path, exported symbol names, line counts
	LevelSkip        Level = 4 // item dropped entirely
)

// qualityScores publishes the per-level quality score for observability,
// decreasing monotonically with aggressiveness.
var qualityScores = map[Level]float64{
	LevelPassThrough: 1.0,
	LevelStripped:    0.85,
	LevelCapsule:     0.55,
	LevelOutline:     0.25,
	LevelSkip:        0.0,
}

// QualityScore returns the published quality score for a level.
func QualityScore(l Level) float64 {
	return qualityScores[l]
}

// Symbol is the minimal symbol shape degrade needs out of a chunk, kept
// independent of the store package so this package has no storage
// dependency.
type Symbol struct {
	Name       string
	Type       string
	Signature  string
	DocComment string
	Exported   bool
}

// Item is a single piece of content to be degraded.
type Item struct {
	ID         string
	ContentType string // code, tests, comments, examples, configuration, documentation
	FilePath   string
	Content    string
	Imports    string
	Symbols    []Symbol
	LineCount  int
	Priority   int // lower is packed first; from the caller's packing profile
}

// DegradedItem is the result of degrading an Item to a specific level.
type DegradedItem struct {
	ID       string
	FilePath string
	Level    Level
	Content  string
	Tokens   int
	Quality  float64
	Skipped  bool
}

var commentLinePattern = regexp.MustCompile(`^\s*(//|#|\*|/\*)`)

// stripComments removes full-line comments and blank lines, the level-1
// transform.
func stripComments(content string) string {
	lines := strings.Split(content, "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if commentLinePattern.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// capsule produces signatures + docstrings + imports, dropping bodies: the
// level-2 transform.
func capsule(item Item) string {
	var parts []string
	if item.Imports != "" {
		parts = append(parts, item.Imports)
	}
	for _, s := range item.Symbols {
		line := strings.TrimSpace(s.Type + " " + s.Name)
		if s.Signature != "" {
			line = s.Signature
		}
		if s.DocComment != "" {
			line = firstSentence(s.DocComment) + "\n" + line
		}
		parts = append(parts, line)
	}
	if len(parts) == 0 {
		return stripComments(item.Content)
	}
	return strings.Join(parts, "\n\n")
}

// outline produces the file path, exported symbol names, and line count:
// the level-3 transform.
func outline(item Item) string {
	var names []string
	for _, s := range item.Symbols {
		if s.Exported {
			names = append(names, s.Name)
		}
	}
	if len(names) == 0 {
		for _, s := range item.Symbols {
			names = append(names, s.Name)
		}
	}
	return item.FilePath + " (" + strings.Join(names, ", ") + ", " + strconv.Itoa(item.LineCount) + " lines)"
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "//")
	text = strings.TrimPrefix(text, "/*")
	text = strings.TrimSuffix(text, "*/")
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '\n' {
			return strings.TrimSpace(text[:i])
		}
	}
	return text
}

// Render produces the content for item at the given level without
// consulting a budget; callers use this during level selection to measure
// candidate sizes.
func Render(item Item, level Level) DegradedItem {
	var content string
	switch level {
	case LevelPassThrough:
		content = item.Content
	case LevelStripped:
		content = stripComments(item.Content)
	case LevelCapsule:
		content = capsule(item)
	case LevelOutline:
		content = outline(item)
	case LevelSkip:
		return DegradedItem{ID: item.ID, FilePath: item.FilePath, Level: LevelSkip, Content: "", Tokens: 0, Quality: 0, Skipped: true}
	default:
		content = item.Content
	}
	return DegradedItem{
		ID:       item.ID,
		FilePath: item.FilePath,
		Level:    level,
		Content:  content,
		Tokens:   tokens.EstimateTokens(content, "default"),
		Quality:  QualityScore(level),
	}
}

// Degrade finds the lowest (least aggressive) level for item whose
// rendered token count fits within maxTokens, returning the level-4 skip
// result if nothing fits.
func Degrade(item Item, maxTokens int, modelID string) DegradedItem {
	for _, level := range []Level{LevelPassThrough, LevelStripped, LevelCapsule, LevelOutline} {
		d := Render(item, level)
		d.Tokens = tokens.EstimateTokens(d.Content, modelID)
		if d.Tokens <= maxTokens {
			return d
		}
	}
	return Render(item, LevelSkip)
}

// PackingProfile supplies per-content-type priority weights used to order
// items before packing (lower priority value packs first). Absent a
// profile, DefaultPackingProfile is used.
type PackingProfile map[string]int

// DefaultPackingProfile is the default content-type ordering used when
// the caller supplies no profile.
var DefaultPackingProfile = PackingProfile{
	"code":          0,
	"tests":         1,
	"examples":      2,
	"configuration": 3,
	"documentation": 4,
	"comments":      5,
}

// PriorityFor returns the packing priority for a content type, falling
// back to the lowest priority (packed last) for unknown types.
func (p PackingProfile) PriorityFor(contentType string) int {
	if v, ok := p[contentType]; ok {
		return v
	}
	return len(DefaultPackingProfile)
}

// SelectLevels picks, for each item (already ordered by priority), the
// lowest level such that the total fits within budget. Items are
// processed in the given order; earlier items are favored with
// lower-aggressiveness levels when budget is tight.
func SelectLevels(items []Item, budget int, modelID string) []DegradedItem {
	tracker := tokens.NewBudgetTracker(budget)
	results := make([]DegradedItem, 0, len(items))
	for _, item := range items {
		var chosen DegradedItem
		for _, level := range []Level{LevelPassThrough, LevelStripped, LevelCapsule, LevelOutline, LevelSkip} {
			d := Render(item, level)
			if level == LevelSkip {
				chosen = d
				break
			}
			d.Tokens = tokens.EstimateTokens(d.Content, modelID)
			if tracker.CanFit(d.Tokens) {
				chosen = d
				break
			}
		}
		if !chosen.Skipped {
			tracker.Add(item.ID, chosen.Tokens)
		}
		results = append(results, chosen)
	}
	return results
}
