package mcp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeintel/corpusindex/internal/bundle"
	"github.com/codeintel/corpusindex/internal/degrade"
)

func TestFormatSearchResults_Basic(t *testing.T) {
	// Given: a bundle with one item
	b := bundle.Bundle{
		Items: []degrade.DegradedItem{
			{ID: "c1", FilePath: "internal/auth/handler.go", Content: "func AuthMiddleware() {}", Quality: 0.95},
		},
	}

	// When: formatting results
	markdown := FormatSearchResults("authentication", b)

	// Then: markdown contains expected elements
	assert.Contains(t, markdown, "## Search Results")
	assert.Contains(t, markdown, `"authentication"`)
	assert.Contains(t, markdown, "Found 1 result")
	assert.Contains(t, markdown, "internal/auth/handler.go")
	assert.Contains(t, markdown, "quality: 0.95")
	assert.Contains(t, markdown, "func AuthMiddleware()")
}

func TestFormatSearchResults_MultipleResults(t *testing.T) {
	// Given: multiple items
	b := bundle.Bundle{
		Items: []degrade.DegradedItem{
			{ID: "c1", FilePath: "file1.go", Content: "func First() {}", Quality: 0.9},
			{ID: "c2", FilePath: "file2.go", Content: "func Second() {}", Quality: 0.8},
		},
	}

	// When: formatting results
	markdown := FormatSearchResults("test", b)

	// Then: both results included
	assert.Contains(t, markdown, "Found 2 results")
	assert.Contains(t, markdown, "file1.go")
	assert.Contains(t, markdown, "file2.go")
	assert.Contains(t, markdown, "### 1.")
	assert.Contains(t, markdown, "### 2.")
}

func TestFormatSearchResults_EmptyResults(t *testing.T) {
	// Given: no items
	b := bundle.Bundle{}

	// When: formatting empty results
	markdown := FormatSearchResults("xyznonexistent", b)

	// Then: friendly message
	assert.Contains(t, markdown, "No results found")
	assert.Contains(t, markdown, "xyznonexistent")
	assert.NotContains(t, markdown, "###")
}

func TestFormatSearchResults_SkippedItem(t *testing.T) {
	// Given: a skipped (level-4 degraded) item
	b := bundle.Bundle{
		Items: []degrade.DegradedItem{
			{ID: "c1", Skipped: true},
		},
	}

	// When: formatting
	markdown := FormatSearchResults("test", b)

	// Then: skipped item is excluded gracefully
	assert.Contains(t, markdown, "No results found")
}

func TestFormatCodeResults_WithLanguageFilter(t *testing.T) {
	// Given: code results
	b := bundle.Bundle{
		Items: []degrade.DegradedItem{
			{ID: "c1", FilePath: "handler.go", Content: "func Handle() {\n\t// implementation\n}", Quality: 0.92},
		},
	}

	// When: formatting code results with language filter
	markdown := FormatCodeResults("handler", b, "go")

	// Then: includes language filter info
	assert.Contains(t, markdown, "## Code Search Results")
	assert.Contains(t, markdown, "Language filter: `go`")
	assert.Contains(t, markdown, "func Handle()")
}

func TestFormatCodeResults_NoLanguageFilter(t *testing.T) {
	// Given: code results
	b := bundle.Bundle{
		Items: []degrade.DegradedItem{
			{ID: "c1", FilePath: "handler.go", Content: "func Handle() {}", Quality: 0.92},
		},
	}

	// When: formatting without language filter
	markdown := FormatCodeResults("handler", b, "")

	// Then: no language filter line
	assert.Contains(t, markdown, "## Code Search Results")
	assert.NotContains(t, markdown, "Language filter:")
}

func TestFormatCodeResults_EmptyResults(t *testing.T) {
	// Given: no code results
	b := bundle.Bundle{}

	// When: formatting with language filter
	markdown := FormatCodeResults("handler", b, "python")

	// Then: message includes language info
	assert.Contains(t, markdown, "No code results found")
	assert.Contains(t, markdown, "in python files")
}

func TestFormatDocsResults_PreservesMarkdown(t *testing.T) {
	// Given: markdown documentation result
	b := bundle.Bundle{
		Items: []degrade.DegradedItem{
			{ID: "d1", FilePath: "docs/installation.md", Content: "## Installation\n\nRun `go install`...", Quality: 0.88},
		},
	}

	// When: formatting docs results
	markdown := FormatDocsResults("installation", b)

	// Then: markdown content preserved (not wrapped in code block)
	assert.Contains(t, markdown, "## Documentation Results")
	assert.Contains(t, markdown, "docs/installation.md")
	assert.Contains(t, markdown, "## Installation")
	assert.Contains(t, markdown, "Run `go install`")
	// Should have horizontal rule separator
	assert.Contains(t, markdown, "---")
}

func TestFormatDocsResults_NonMarkdown(t *testing.T) {
	// Given: text documentation (not markdown)
	b := bundle.Bundle{
		Items: []degrade.DegradedItem{
			{ID: "d1", FilePath: "README.txt", Content: "This is plain text documentation."},
		},
	}

	// When: formatting
	markdown := FormatDocsResults("readme", b)

	// Then: wrapped in code block
	assert.Contains(t, markdown, "```")
	assert.Contains(t, markdown, "This is plain text documentation.")
}

func TestFormatDocsResults_Empty(t *testing.T) {
	// Given: no docs results
	b := bundle.Bundle{}

	// When: formatting
	markdown := FormatDocsResults("nonexistent", b)

	// Then: friendly message
	assert.Contains(t, markdown, "No documentation found")
	assert.Contains(t, markdown, "nonexistent")
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		name       string
		limit      int
		defaultVal int
		min        int
		max        int
		want       int
	}{
		{"zero uses default", 0, 10, 1, 50, 10},
		{"negative uses default", -5, 10, 1, 50, 10},
		{"below min clamps to min", 0, 10, 1, 50, 10},
		{"above max clamps to max", 100, 10, 1, 50, 50},
		{"valid value unchanged", 25, 10, 1, 50, 25},
		{"at min boundary", 1, 10, 1, 50, 1},
		{"at max boundary", 50, 10, 1, 50, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clampLimit(tt.limit, tt.defaultVal, tt.min, tt.max)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatSearchResults_LargeResults(t *testing.T) {
	// Given: 50 results
	items := make([]degrade.DegradedItem, 50)
	for i := 0; i < 50; i++ {
		items[i] = degrade.DegradedItem{
			ID:       "c" + strings.Repeat("x", 1),
			FilePath: "file.go",
			Content:  "func Test() {}",
			Quality:  float64(50-i) / 50.0,
		}
	}
	b := bundle.Bundle{Items: items}

	// When: formatting
	markdown := FormatSearchResults("test", b)

	// Then: all 50 results included
	assert.Contains(t, markdown, "Found 50 results")
	assert.Equal(t, 50, strings.Count(markdown, "### "))
}

func TestFormatSearchResults_UsesContent(t *testing.T) {
	// Given: item with content
	b := bundle.Bundle{
		Items: []degrade.DegradedItem{
			{ID: "c1", FilePath: "handler.go", Content: "original content with formatting", Quality: 0.9},
		},
	}

	// When: formatting
	markdown := FormatSearchResults("test", b)

	// Then: content is rendered
	assert.Contains(t, markdown, "original content with formatting")
}

// =============================================================================
// UX-1: ToSearchResultOutput Tests
// =============================================================================

func TestToSearchResultOutput_BasicFields(t *testing.T) {
	// Given: a bundle item with basic fields
	item := degrade.DegradedItem{
		FilePath: "internal/auth/handler.go",
		Content:  "func AuthMiddleware() {}",
		Quality:  0.95,
		Level:    degrade.LevelPassThrough,
	}

	// When: converting to output format
	output := ToSearchResultOutput(item)

	// Then: basic fields are populated
	assert.Equal(t, "internal/auth/handler.go", output.FilePath)
	assert.Equal(t, "func AuthMiddleware() {}", output.Content)
	assert.Equal(t, 0.95, output.Score)
	assert.Equal(t, "full content within budget", output.MatchReason)
}

func TestToSearchResultOutput_ZeroValue(t *testing.T) {
	// Given: a zero-value item
	item := degrade.DegradedItem{}

	// When: converting
	output := ToSearchResultOutput(item)

	// Then: fields come through empty/zero
	assert.Empty(t, output.FilePath)
	assert.Empty(t, output.Content)
}

func TestGenerateMatchReason_ByLevel(t *testing.T) {
	tests := []struct {
		level degrade.Level
		want  string
	}{
		{degrade.LevelPassThrough, "full content within budget"},
		{degrade.LevelStripped, "comments stripped to fit budget"},
		{degrade.LevelCapsule, "reduced to signatures and docstrings to fit budget"},
		{degrade.LevelOutline, "reduced to an outline to fit budget"},
	}

	for _, tt := range tests {
		item := degrade.DegradedItem{Level: tt.level}
		assert.Equal(t, tt.want, generateMatchReason(item))
	}
}
