package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRedactSecrets_BearerToken(t *testing.T) {
	in := `request failed: Authorization: Bearer abc123xyz status 401`
	got := RedactSecrets(in)
	if strings.Contains(got, "abc123xyz") {
		t.Errorf("expected the bearer token redacted, got %q", got)
	}
	if !strings.Contains(got, "[REDACTED]") {
		t.Errorf("expected a redaction marker, got %q", got)
	}
}

func TestRedactSecrets_MultipleOccurrences(t *testing.T) {
	in := "first Bearer aaa then Bearer bbb end"
	got := RedactSecrets(in)
	if strings.Contains(got, "aaa") || strings.Contains(got, "bbb") {
		t.Errorf("expected both tokens redacted, got %q", got)
	}
	if !strings.HasSuffix(got, "end") {
		t.Errorf("expected trailing text preserved, got %q", got)
	}
}

func TestRedactSecrets_AnthropicKey(t *testing.T) {
	in := `{"llm_api_key": "sk-ant-api03-verysecret"}`
	got := RedactSecrets(in)
	if strings.Contains(got, "verysecret") {
		t.Errorf("expected the API key redacted, got %q", got)
	}
}

func TestRedactSecrets_NoSecretsUnchanged(t *testing.T) {
	in := "an ordinary error message with no credentials"
	if got := RedactSecrets(in); got != in {
		t.Errorf("expected a secret-free string unchanged, got %q", got)
	}
}

func TestSanitizeForLog(t *testing.T) {
	got := SanitizeForLog(map[string]interface{}{
		"llm_api_key": "sk-ant-whatever",
		"prompt":      "fix the retry logic",
	})
	if got["llm_api_key"] != "[REDACTED]" {
		t.Errorf("expected llm_api_key redacted, got %v", got["llm_api_key"])
	}
	if got["prompt"] != "fix the retry logic" {
		t.Errorf("expected non-sensitive fields passed through, got %v", got["prompt"])
	}
}

func TestWriteDiagnosticRecord(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".diagnostics")

	err := WriteDiagnosticRecord(dir, "on_session_end", fmt.Errorf("llm call failed: Bearer topsecret expired"))
	if err != nil {
		t.Fatalf("WriteDiagnosticRecord: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading diagnostics dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one JSONL file, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("reading record: %v", err)
	}
	if !strings.Contains(string(data), "on_session_end") {
		t.Errorf("expected the trigger name in the record, got %s", data)
	}
	if strings.Contains(string(data), "topsecret") {
		t.Errorf("expected the secret redacted from the record, got %s", data)
	}
}
