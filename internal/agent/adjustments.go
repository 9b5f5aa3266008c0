package agent

import (
	"strings"
)

// AdjustmentPrefix marks reply lines that carry a plan adjustment. The
// system prompt asks the model to emit them.
const AdjustmentPrefix = "ADJUSTMENT:"

// ExtractAdjustments splits a reply into the text shown to the user and the
// adjustment lines. Matching is case-insensitive and ignores leading list
// markers.
func ExtractAdjustments(reply string) (string, []string) {
	var (
		kept        []string
		adjustments []string
	)
	for _, line := range strings.Split(reply, "\n") {
		trimmed := strings.TrimLeft(strings.TrimSpace(line), "-*• ")
		if len(trimmed) >= len(AdjustmentPrefix) && strings.EqualFold(trimmed[:len(AdjustmentPrefix)], AdjustmentPrefix) {
			if adj := strings.TrimSpace(trimmed[len(AdjustmentPrefix):]); adj != "" {
				adjustments = append(adjustments, adj)
			}
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), adjustments
}

func parseReply(text string) *ChatResponse {
	clean, adjustments := ExtractAdjustments(text)
	if clean == "" {
		// A reply made only of adjustments still needs something to show.
		clean = "Noted."
	}
	return &ChatResponse{Text: clean, Adjustments: adjustments}
}

// MergeAdjustments appends the adjustments of next that are not already in
// current, preserving order.
func MergeAdjustments(current, next []string) []string {
	seen := make(map[string]struct{}, len(current))
	out := append([]string(nil), current...)
	for _, a := range current {
		seen[strings.ToLower(a)] = struct{}{}
	}
	for _, a := range next {
		key := strings.ToLower(a)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}
	return out
}
