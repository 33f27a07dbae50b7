package playbook

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/simpleflo/playbookd/pkg/models"
)

// stopWords are excluded when extracting prompt-significant tokens; they
// carry no topical signal for coverage/hits scoring.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"to": true, "of": true, "in": true, "on": true, "for": true, "with": true,
	"this": true, "that": true, "it": true, "i": true, "you": true, "we": true,
	"can": true, "do": true, "does": true, "did": true, "will": true, "would": true,
	"should": true, "could": true, "my": true, "your": true, "at": true, "as": true,
	"not": true, "have": true, "has": true, "had": true, "please": true,
}

// foldTransformer strips diacritics after NFKD decomposition so that tag
// normalization is accent-insensitive ("café" and "cafe" collapse to one
// tag), then recomposes to NFC.
var foldTransformer = transform.Chain(
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NormalizeTag applies the tag normalization rule: fold case and accents,
// trim, strip punctuation except hyphen, collapse internal whitespace to
// a hyphen, and truncate to MaxTagLen.
func NormalizeTag(raw string) string {
	folded, _, err := transform.String(foldTransformer, raw)
	if err != nil {
		folded = raw
	}
	folded = strings.ToLower(strings.TrimSpace(folded))

	var b strings.Builder
	lastWasSpace := false
	for _, r := range folded {
		switch {
		case r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastWasSpace = false
		case unicode.IsSpace(r):
			if !lastWasSpace && b.Len() > 0 {
				b.WriteRune('-')
				lastWasSpace = true
			}
		}
	}

	tag := strings.Trim(b.String(), "-")
	if len(tag) > models.MaxTagLen {
		tag = tag[:models.MaxTagLen]
		tag = strings.TrimRight(tag, "-")
	}
	return tag
}

// Normalize normalizes and deduplicates a set of raw tag strings.
func Normalize(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		tag := NormalizeTag(r)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// Tokenize splits text into lowercase, stop-word-filtered significant
// tokens, used both for tag inference fallback and for Selector's hits()
// textual signal.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})

	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if f == "" || stopWords[f] || len(f) < 2 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Coverage measures the fraction of prompt tags a KPT's tag set
// satisfies: |P ∩ K| / max(1, |P|). Asymmetric by design — it favors
// KPTs that cover what the user asked, not KPTs with many extra tags.
func Coverage(promptTags, kptTags []string) float64 {
	if len(promptTags) == 0 {
		return 0
	}
	kptSet := make(map[string]bool, len(kptTags))
	for _, t := range kptTags {
		kptSet[t] = true
	}
	hits := 0
	for _, t := range promptTags {
		if kptSet[t] {
			hits++
		}
	}
	return float64(hits) / float64(max(1, len(promptTags)))
}

// Hits counts case-insensitive, token-boundary matches of prompt-significant
// tokens within kptText — a weak textual signal layered on top of tag
// overlap in the Selector's base weight.
func Hits(promptTokens []string, kptText string) int {
	kptTokens := make(map[string]int, 8)
	for _, t := range Tokenize(kptText) {
		kptTokens[t]++
	}

	count := 0
	for _, t := range promptTokens {
		count += kptTokens[t]
	}
	return count
}
