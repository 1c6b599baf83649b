package mcp

import (
	"fmt"
	"strings"

	"github.com/codeintel/corpusindex/internal/bundle"
	"github.com/codeintel/corpusindex/internal/degrade"
)

// FormatSearchResults formats an assembled bundle as markdown.
func FormatSearchResults(query string, b bundle.Bundle) string {
	validResults := filterValidResults(b.Items)

	if len(validResults) == 0 {
		return fmt.Sprintf("No results found for \"%s\"", query)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Search Results for \"%s\"\n\n", query))
	sb.WriteString(fmt.Sprintf("Found %d result", len(validResults)))
	if len(validResults) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range validResults {
		formatResult(&sb, i+1, r)
	}

	return sb.String()
}

// FormatCodeResults formats code-specific results with syntax highlighting.
func FormatCodeResults(query string, b bundle.Bundle, langFilter string) string {
	validResults := filterValidResults(b.Items)

	if len(validResults) == 0 {
		msg := fmt.Sprintf("No code results found for \"%s\"", query)
		if langFilter != "" {
			msg += fmt.Sprintf(" in %s files", langFilter)
		}
		return msg
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Code Search Results for \"%s\"\n\n", query))
	if langFilter != "" {
		sb.WriteString(fmt.Sprintf("Language filter: `%s`\n\n", langFilter))
	}
	sb.WriteString(fmt.Sprintf("Found %d result", len(validResults)))
	if len(validResults) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range validResults {
		formatResult(&sb, i+1, r)
	}

	return sb.String()
}

// FormatDocsResults formats documentation results.
func FormatDocsResults(query string, b bundle.Bundle) string {
	validResults := filterValidResults(b.Items)

	if len(validResults) == 0 {
		return fmt.Sprintf("No documentation found for \"%s\"", query)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Documentation Results for \"%s\"\n\n", query))
	sb.WriteString(fmt.Sprintf("Found %d result", len(validResults)))
	if len(validResults) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range validResults {
		formatDocsResult(&sb, i+1, r)
	}

	return sb.String()
}

// filterValidResults removes skipped (level-4 degraded) items.
func filterValidResults(items []degrade.DegradedItem) []degrade.DegradedItem {
	valid := make([]degrade.DegradedItem, 0, len(items))
	for _, item := range items {
		if !item.Skipped {
			valid = append(valid, item)
		}
	}
	return valid
}

// formatResult formats a single bundle item.
func formatResult(sb *strings.Builder, num int, item degrade.DegradedItem) {
	fmt.Fprintf(sb, "### %d. %s (quality: %.2f)\n\n", num, item.FilePath, item.Quality)
	fmt.Fprintf(sb, "```\n%s\n```\n\n", item.Content)
}

// formatDocsResult formats a documentation bundle item.
func formatDocsResult(sb *strings.Builder, num int, item degrade.DegradedItem) {
	fmt.Fprintf(sb, "### %d. %s (quality: %.2f)\n\n", num, item.FilePath, item.Quality)

	if strings.HasSuffix(item.FilePath, ".md") {
		sb.WriteString(item.Content)
		sb.WriteString("\n\n---\n\n")
	} else {
		fmt.Fprintf(sb, "```\n%s\n```\n\n", item.Content)
	}
}

// clampLimit ensures limit is within bounds.
func clampLimit(limit, defaultVal, min, max int) int {
	if limit <= 0 {
		return defaultVal
	}
	if limit < min {
		return min
	}
	if limit > max {
		return max
	}
	return limit
}

// ToSearchResultOutput converts a bundle item to the enhanced output format.
func ToSearchResultOutput(item degrade.DegradedItem) SearchResultOutput {
	return SearchResultOutput{
		FilePath:    item.FilePath,
		Content:     item.Content,
		Score:       item.Quality,
		MatchReason: generateMatchReason(item),
	}
}

// generateMatchReason creates a human-readable explanation of why a bundle
// item was included.
func generateMatchReason(item degrade.DegradedItem) string {
	switch item.Level {
	case degrade.LevelPassThrough:
		return "full content within budget"
	case degrade.LevelStripped:
		return "comments stripped to fit budget"
	case degrade.LevelCapsule:
		return "reduced to signatures and docstrings to fit budget"
	case degrade.LevelOutline:
		return "reduced to an outline to fit budget"
	default:
		return "matched content"
	}
}
