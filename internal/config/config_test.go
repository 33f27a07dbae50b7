package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.ProjectDir == "" {
		t.Error("ProjectDir should not be empty")
	}
	if cfg.PlaybookPath != "" {
		t.Error("PlaybookPath should default to empty (resolved lazily)")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel should be 'info', got %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat should be 'json', got %s", cfg.LogFormat)
	}
	if cfg.DiagnosticMode {
		t.Error("DiagnosticMode should default to false")
	}
}

func TestDefaultConfig_DiagnosticsDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Diagnostics.Enabled {
		t.Error("Diagnostics.Enabled should default to false")
	}
	if cfg.Diagnostics.ListenAddr != "127.0.0.1:8787" {
		t.Errorf("ListenAddr should be 127.0.0.1:8787, got %s", cfg.Diagnostics.ListenAddr)
	}
	if cfg.Diagnostics.ReadTimeout <= 0 || cfg.Diagnostics.WriteTimeout <= 0 {
		t.Error("Diagnostics timeouts should be positive")
	}
}

func TestDefaultConfig_LLMDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LLM.Provider != "ollama" {
		t.Errorf("LLM.Provider should be 'ollama', got %s", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "qwen2.5-coder:7b" {
		t.Errorf("LLM.Model should be 'qwen2.5-coder:7b', got %s", cfg.LLM.Model)
	}
	if cfg.LLM.BaseURL != "http://localhost:11434" {
		t.Errorf("LLM.BaseURL should be 'http://localhost:11434', got %s", cfg.LLM.BaseURL)
	}
	if cfg.LLM.TimeoutMS != 10_000 {
		t.Errorf("LLM.TimeoutMS should be 10000, got %d", cfg.LLM.TimeoutMS)
	}
	if cfg.LLM.Retries != 2 {
		t.Errorf("LLM.Retries should be 2, got %d", cfg.LLM.Retries)
	}
}

func TestDefaultConfig_SimilarityDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LLM.Similarity.Enabled {
		t.Error("Similarity.Enabled should default to false")
	}
	if cfg.LLM.Similarity.CollectionName != "playbookd_kpts" {
		t.Errorf("CollectionName should be 'playbookd_kpts', got %s", cfg.LLM.Similarity.CollectionName)
	}
	if cfg.LLM.Similarity.QdrantPort != 6334 {
		t.Errorf("QdrantPort should be 6334, got %d", cfg.LLM.Similarity.QdrantPort)
	}
}

func TestDefaultConfig_PlaybookDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Playbook.MergeThreshold != 0.80 {
		t.Errorf("MergeThreshold should be 0.80, got %v", cfg.Playbook.MergeThreshold)
	}
	if cfg.Playbook.PruneThreshold != -5 {
		t.Errorf("PruneThreshold should be -5, got %d", cfg.Playbook.PruneThreshold)
	}
	if cfg.Playbook.MaxKPTs != 250 {
		t.Errorf("MaxKPTs should be 250, got %d", cfg.Playbook.MaxKPTs)
	}
	if cfg.Playbook.DefaultSelectionLimit != 6 {
		t.Errorf("DefaultSelectionLimit should be 6, got %d", cfg.Playbook.DefaultSelectionLimit)
	}
	if cfg.Playbook.DefaultTemperature != 0.5 {
		t.Errorf("DefaultTemperature should be 0.5, got %v", cfg.Playbook.DefaultTemperature)
	}
	if cfg.Playbook.BackupKeep != 3 {
		t.Errorf("BackupKeep should be 3, got %d", cfg.Playbook.BackupKeep)
	}
	if cfg.Playbook.HighConfidenceScore != 2 {
		t.Errorf("HighConfidenceScore should be 2, got %d", cfg.Playbook.HighConfidenceScore)
	}
	if !cfg.Playbook.AdaptiveTemperature {
		t.Error("AdaptiveTemperature should default to true")
	}
}

func TestDefaultConfig_TriggersDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Triggers.UpdateOnExit {
		t.Error("UpdateOnExit should default to true")
	}
	if !cfg.Triggers.UpdateOnClear {
		t.Error("UpdateOnClear should default to true")
	}
}

func TestConfig_ResolvedPlaybookPath_Default(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProjectDir = "/tmp/proj"

	want := filepath.Join("/tmp/proj", ".claude", "playbook.json")
	if got := cfg.ResolvedPlaybookPath(); got != want {
		t.Errorf("ResolvedPlaybookPath() = %s, want %s", got, want)
	}
}

func TestConfig_ResolvedPlaybookPath_Override(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProjectDir = "/tmp/proj"
	cfg.PlaybookPath = "/custom/playbook.json"

	if got := cfg.ResolvedPlaybookPath(); got != "/custom/playbook.json" {
		t.Errorf("ResolvedPlaybookPath() = %s, want override", got)
	}
}

func TestConfig_LockPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PlaybookPath = "/tmp/proj/.claude/playbook.json"

	want := "/tmp/proj/.claude/playbook.json.lock"
	if got := cfg.LockPath(); got != want {
		t.Errorf("LockPath() = %s, want %s", got, want)
	}
}

func TestConfig_BackupsDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PlaybookPath = "/tmp/proj/.claude/playbook.json"

	want := filepath.Join("/tmp/proj/.claude", "backups")
	if got := cfg.BackupsDir(); got != want {
		t.Errorf("BackupsDir() = %s, want %s", got, want)
	}
}

func TestConfig_DiagnosticsDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PlaybookPath = "/tmp/proj/.claude/playbook.json"

	want := filepath.Join("/tmp/proj/.claude", ".diagnostics")
	if got := cfg.DiagnosticsDir(); got != want {
		t.Errorf("DiagnosticsDir() = %s, want %s", got, want)
	}
}

func TestConfig_AuditDBPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PlaybookPath = "/tmp/proj/.claude/playbook.json"

	want := filepath.Join("/tmp/proj/.claude", "playbook_audit.db")
	if got := cfg.AuditDBPath(); got != want {
		t.Errorf("AuditDBPath() = %s, want %s", got, want)
	}
}

func TestConfig_TemplatesDir_AbsentReturnsEmpty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PlaybookPath = filepath.Join(t.TempDir(), ".claude", "playbook.json")

	if got := cfg.TemplatesDir(); got != "" {
		t.Errorf("TemplatesDir() = %s, want empty when absent", got)
	}
}

func TestConfig_TemplatesDir_PresentReturnsPath(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.PlaybookPath = filepath.Join(dir, "playbook.json")

	templatesDir := filepath.Join(dir, "templates")
	if err := os.MkdirAll(templatesDir, 0700); err != nil {
		t.Fatalf("failed to create templates dir: %v", err)
	}

	if got := cfg.TemplatesDir(); got != templatesDir {
		t.Errorf("TemplatesDir() = %s, want %s", got, templatesDir)
	}
}

func TestConfig_EnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.PlaybookPath = filepath.Join(dir, "claude", "playbook.json")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	expectedDirs := []string{
		filepath.Dir(cfg.ResolvedPlaybookPath()),
		cfg.BackupsDir(),
	}

	for _, d := range expectedDirs {
		info, err := os.Stat(d)
		if err != nil {
			t.Errorf("Directory %s not created: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestConfig_EnsureDirectories_Permissions(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.PlaybookPath = filepath.Join(dir, "claude", "playbook.json")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	info, err := os.Stat(cfg.BackupsDir())
	if err != nil {
		t.Fatalf("Failed to stat BackupsDir: %v", err)
	}

	perm := info.Mode().Perm()
	if perm&0077 != 0 {
		t.Errorf("Backup directory should not be world-readable, got %o", perm)
	}
}

func TestConfig_EnsureDirectories_IncludesDiagnosticsWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.PlaybookPath = filepath.Join(dir, "claude", "playbook.json")
	cfg.DiagnosticMode = true

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	info, err := os.Stat(cfg.DiagnosticsDir())
	if err != nil {
		t.Errorf("diagnostics directory %s not created: %v", cfg.DiagnosticsDir(), err)
		return
	}
	if !info.IsDir() {
		t.Errorf("%s is not a directory", cfg.DiagnosticsDir())
	}
}

func TestConfig_EnsureDirectories_OmitsDiagnosticsWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.PlaybookPath = filepath.Join(dir, "claude", "playbook.json")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	if _, err := os.Stat(cfg.DiagnosticsDir()); err == nil {
		t.Error("diagnostics directory should not be created when DiagnosticMode is false")
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(cwd)

	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.LogLevel == "" {
		t.Error("LogLevel should have default value")
	}
	if cfg.Playbook.MaxKPTs != 250 {
		t.Errorf("MaxKPTs should be default 250 when no config file present, got %d", cfg.Playbook.MaxKPTs)
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Skip("Cannot determine home directory")
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.claude", filepath.Join(homeDir, ".claude")},
		{"~/", homeDir},
		{"~", homeDir},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		result := expandPath(tt.input)
		if result != tt.expected {
			t.Errorf("expandPath(%q) = %q, expected %q", tt.input, result, tt.expected)
		}
	}
}
