package ai

import "sort"

// defaultHeuristicTemperature is used when the LLM-backed InferTags call
// fails and the gateway falls back to the local heuristic.
const defaultHeuristicTemperature = 0.5

// tokenize/stop-word filtering for the fallback heuristic intentionally
// duplicates a cut-down version of playbook.Tokenize rather than importing
// internal/playbook: the ai package must stay free of playbook business
// rules (it only shapes requests and parses responses), and the heuristic
// is a transport-layer degradation, not a playbook concern.
var heuristicStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"to": true, "of": true, "in": true, "on": true, "for": true, "with": true,
	"this": true, "that": true, "it": true, "i": true, "you": true, "we": true,
	"can": true, "do": true, "does": true, "did": true, "will": true, "would": true,
	"should": true, "could": true, "my": true, "your": true, "at": true, "as": true,
	"not": true, "have": true, "has": true, "had": true, "please": true,
}

// heuristicInferTags extracts tags from prompt token frequency, filtering
// stop words, as the deterministic local fallback for InferTags on failure.
func heuristicInferTags(prompt string, maxTags int) *TagInferenceResponse {
	if maxTags <= 0 {
		maxTags = 8
	}

	counts := make(map[string]int)
	order := make([]string, 0)
	for _, tok := range heuristicTokenize(prompt) {
		if _, seen := counts[tok]; !seen {
			order = append(order, tok)
		}
		counts[tok]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		if counts[order[i]] != counts[order[j]] {
			return counts[order[i]] > counts[order[j]]
		}
		return order[i] < order[j]
	})

	if len(order) > maxTags {
		order = order[:maxTags]
	}

	return &TagInferenceResponse{
		Tags:        order,
		Temperature: defaultHeuristicTemperature,
		Complexity:  0.5,
	}
}

func heuristicTokenize(s string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) < 2 {
			cur = cur[:0]
			return
		}
		tok := string(cur)
		cur = cur[:0]
		if heuristicStopWords[tok] {
			return
		}
		out = append(out, tok)
	}

	for _, r := range s {
		lower := toLowerRune(r)
		if isWordRune(lower) {
			cur = append(cur, lower)
		} else {
			flush()
		}
	}
	flush()
	return out
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
}

func toLowerRune(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}
