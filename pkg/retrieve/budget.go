package retrieve

import (
	"fmt"
	"strings"
)

// estimateTokens approximates the token cost of a string. Four characters
// per token is the usual planning heuristic for English prose and is
// cheap enough to run on every candidate.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// summaryOf returns the short form used under truncation: the stored
// summary when present, otherwise a clipped prefix of the content.
func summaryOf(p ScoredPiece) string {
	if p.Piece.Summary != "" {
		return p.Piece.Summary
	}
	const clip = 200
	content := p.Piece.Content
	if len(content) <= clip {
		return content
	}
	return content[:clip] + "…"
}

// formatBudgeted applies the per-info-type token budget and renders the
// final text block.
//
// Within each info type the pieces arrive in rank order. When every full
// body fits the type's budget, all are included whole. When they do not,
// progressive disclosure kicks in: the top-ranked piece keeps its full
// body and the rest fall back to summaries; whatever still does not fit
// is dropped from the block (the piece stays in the result list for
// callers that page further).
func formatBudgeted(pieces []ScoredPiece, cfg *Config) ([]ScoredPiece, string) {
	if len(pieces) == 0 {
		return pieces, ""
	}

	// Group by info type, preserving overall rank order.
	var typeOrder []string
	byType := map[string][]int{}
	for i, p := range pieces {
		it := p.Piece.InfoType
		if it == "" {
			it = "general"
		}
		if _, ok := byType[it]; !ok {
			typeOrder = append(typeOrder, it)
		}
		byType[it] = append(byType[it], i)
	}

	var b strings.Builder
	for _, infoType := range typeOrder {
		budget := cfg.DefaultBudget
		if v, ok := cfg.Budgets[infoType]; ok {
			budget = v
		}
		idxs := byType[infoType]

		full := 0
		for _, i := range idxs {
			full += estimateTokens(pieces[i].Piece.Content)
		}
		truncating := full > budget

		var entries []string
		spent := 0
		for rank, i := range idxs {
			body := pieces[i].Piece.Content
			if truncating && rank > 0 {
				body = summaryOf(pieces[i])
				pieces[i].Truncated = true
			}
			cost := estimateTokens(body)
			if spent+cost > budget && rank > 0 {
				pieces[i].Truncated = true
				continue // over budget, dropped from the block
			}
			spent += cost
			entries = append(entries, fmt.Sprintf("- [%.3f] %s", pieces[i].Score, body))
		}
		if len(entries) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", infoType, strings.Join(entries, "\n"))
	}

	return pieces, strings.TrimSuffix(b.String(), "\n")
}
