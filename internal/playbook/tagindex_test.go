package playbook

import (
	"reflect"
	"testing"
)

func TestNormalizeTag(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"trim and lowercase", "  Payment  ", "payment"},
		{"collapse whitespace to hyphen", "payment retry", "payment-retry"},
		{"strip punctuation except hyphen", "payment/retry!", "paymentretry"},
		{"preserve existing hyphen", "multi-tenant", "multi-tenant"},
		{"accent folding", "café", "cafe"},
		{"empty after stripping", "***", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := NormalizeTag(c.in); got != c.want {
				t.Errorf("NormalizeTag(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func TestNormalize_DeduplicatesAndDropsEmpty(t *testing.T) {
	got := Normalize([]string{"Payment", "payment", " Retry ", "", "***"})
	want := []string{"payment", "retry"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Normalize = %v, want %v", got, want)
	}
}

func TestCoverage(t *testing.T) {
	cases := []struct {
		name       string
		promptTags []string
		kptTags    []string
		want       float64
	}{
		{"empty prompt tags", nil, []string{"payment"}, 0},
		{"full coverage", []string{"payment"}, []string{"payment", "retry"}, 1},
		{"partial coverage", []string{"payment", "retry"}, []string{"payment"}, 0.5},
		{"no overlap", []string{"payment"}, []string{"auth"}, 0},
		{"asymmetric favors prompt denominator", []string{"payment"}, []string{"payment", "auth", "retry", "backoff"}, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Coverage(c.promptTags, c.kptTags); got != c.want {
				t.Errorf("Coverage(%v, %v) = %v, want %v", c.promptTags, c.kptTags, got, c.want)
			}
		})
	}
}

func TestHits_TokenBoundaryCaseInsensitive(t *testing.T) {
	tokens := Tokenize("Fix the Retry logic")
	got := Hits(tokens, "Use exponential backoff when you retry failed payment calls.")
	if got != 1 {
		t.Errorf("expected 1 hit for exact token match of 'retry', got %d", got)
	}
}

func TestHits_NoPartialWordMatch(t *testing.T) {
	tokens := Tokenize("retry the payment")
	got := Hits(tokens, "retrying is handled by the payment gateway")
	if got != 1 {
		t.Errorf("expected only 'payment' to match exactly ('retry' != 'retrying'), got %d", got)
	}
}

func TestTokenize_DropsStopWordsAndShortTokens(t *testing.T) {
	got := Tokenize("Can you fix the retry logic for a payment?")
	for _, tok := range got {
		if stopWords[tok] {
			t.Errorf("Tokenize retained stop word %q", tok)
		}
		if len(tok) < 2 {
			t.Errorf("Tokenize retained too-short token %q", tok)
		}
	}
}
