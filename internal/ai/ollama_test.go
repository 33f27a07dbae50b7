package ai

import (
	"testing"
	"time"
)

func TestNewOllamaGateway_Defaults(t *testing.T) {
	gw, err := NewOllamaGateway(OllamaConfig{})
	if err != nil {
		t.Fatalf("NewOllamaGateway: %v", err)
	}
	if gw.Name() != "ollama" {
		t.Errorf("expected name ollama, got %s", gw.Name())
	}
	if gw.model != "llama3.1" {
		t.Errorf("expected default model llama3.1, got %s", gw.model)
	}
	if gw.timeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %s", gw.timeout)
	}
}

func TestNewOllamaGateway_InvalidHost(t *testing.T) {
	_, err := NewOllamaGateway(OllamaConfig{Host: "://not-a-url"})
	if err == nil {
		t.Fatal("expected error for invalid host")
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"tags":["a"]}`, `{"tags":["a"]}`},
		{"here is json: {\"a\":1} thanks", `{"a":1}`},
		{"no json here", "no json here"},
	}
	for _, c := range cases {
		if got := extractJSON(c.in); got != c.want {
			t.Errorf("extractJSON(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected short string unchanged, got %q", got)
	}
	got := truncate("0123456789abcdef", 5)
	if got != "01234... (truncated)" {
		t.Errorf("unexpected truncation: %q", got)
	}
}

func TestMaxTagsOrDefault(t *testing.T) {
	if maxTagsOrDefault(0) != 8 {
		t.Error("expected default of 8 for non-positive input")
	}
	if maxTagsOrDefault(3) != 3 {
		t.Error("expected explicit value to pass through")
	}
}
