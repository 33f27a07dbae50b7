// Package config handles playbookd configuration loading and management.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	if path == "~" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return homeDir
	}
	return path
}

// Config holds all playbookd configuration.
type Config struct {
	// ProjectDir is the project directory the playbook belongs to.
	ProjectDir string `mapstructure:"project_dir"`

	// PlaybookPath overrides the default <project_dir>/.claude/playbook.json
	// location when set.
	PlaybookPath string `mapstructure:"playbook_path"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// DiagnosticMode enables per-run JSONL diagnostic records alongside the
	// playbook.
	DiagnosticMode bool `mapstructure:"diagnostic_mode"`

	// Diagnostics configures the optional local introspection server.
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`

	// LLM configures the gateway used for tagging and reflection.
	LLM LLMConfig `mapstructure:"llm"`

	// Playbook holds the engine's tuning knobs.
	Playbook PlaybookConfig `mapstructure:"playbook"`

	// Triggers controls which lifecycle events write the playbook.
	Triggers TriggersConfig `mapstructure:"triggers"`
}

// DiagnosticsConfig configures the optional local HTTP introspection server.
type DiagnosticsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LLMConfig holds LLM endpoint credentials and reliability settings.
type LLMConfig struct {
	// Provider selects "ollama" (default, local) or "anthropic" (BYOK).
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	BaseURL  string `mapstructure:"base_url"`

	// APIKey is read from environment only; never persisted via viper.
	APIKey string `mapstructure:"-"`

	TimeoutMS int `mapstructure:"timeout_ms"`
	Retries   int `mapstructure:"retries"`

	// Similarity configures the optional local embedding-based merge
	// oracle. Disabled by default, in which case the LLM's reported
	// similarity alone decides merges; when enabled, the oracle can veto a
	// pair that scores below the merge threshold.
	Similarity SimilarityConfig `mapstructure:"similarity"`
}

// SimilarityConfig configures the optional qdrant-backed embedding
// similarity oracle and its redis-backed cache.
type SimilarityConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	OllamaHost     string `mapstructure:"ollama_host"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	QdrantHost     string `mapstructure:"qdrant_host"`
	QdrantPort     int    `mapstructure:"qdrant_port"`
	CollectionName string `mapstructure:"collection_name"`
	CacheRedisAddr string `mapstructure:"cache_redis_addr"`
}

// PlaybookConfig holds the engine's numeric tuning constants.
type PlaybookConfig struct {
	MergeThreshold        float64 `mapstructure:"merge_threshold"`
	PruneThreshold        int     `mapstructure:"prune_threshold"`
	MaxKPTs               int     `mapstructure:"max_kpts"`
	DefaultSelectionLimit int     `mapstructure:"default_selection_limit"`
	DefaultTemperature    float64 `mapstructure:"default_temperature"`
	BackupKeep            int     `mapstructure:"backup_keep"`
	HighConfidenceScore   int     `mapstructure:"high_confidence_score"`
	AdaptiveTemperature   bool    `mapstructure:"adaptive_temperature"`
}

// TriggersConfig controls which lifecycle triggers write the playbook.
type TriggersConfig struct {
	UpdateOnExit  bool `mapstructure:"update_on_exit"`
	UpdateOnClear bool `mapstructure:"update_on_clear"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cwd, _ := os.Getwd()

	return &Config{
		ProjectDir:     cwd,
		PlaybookPath:   "",
		LogLevel:       "info",
		LogFormat:      "json",
		DiagnosticMode: false,

		Diagnostics: DiagnosticsConfig{
			Enabled:      false,
			ListenAddr:   "127.0.0.1:8787",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},

		LLM: LLMConfig{
			Provider:  "ollama",
			Model:     "qwen2.5-coder:7b",
			BaseURL:   "http://localhost:11434",
			TimeoutMS: 10_000,
			Retries:   2,
			Similarity: SimilarityConfig{
				Enabled:        false,
				OllamaHost:     "http://localhost:11434",
				EmbeddingModel: "nomic-embed-text",
				QdrantHost:     "localhost",
				QdrantPort:     6334,
				CollectionName: "playbookd_kpts",
				CacheRedisAddr: "localhost:6379",
			},
		},

		Playbook: PlaybookConfig{
			MergeThreshold:        0.80,
			PruneThreshold:        -5,
			MaxKPTs:               250,
			DefaultSelectionLimit: 6,
			DefaultTemperature:    0.5,
			BackupKeep:            3,
			HighConfidenceScore:   2,
			AdaptiveTemperature:   true,
		},

		Triggers: TriggersConfig{
			UpdateOnExit:  true,
			UpdateOnClear: true,
		},
	}
}

// Load loads configuration from files and environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("playbookd")
	v.SetConfigType("yaml")

	v.AddConfigPath(filepath.Join(cfg.ProjectDir, ".claude"))
	v.AddConfigPath(".")

	v.SetEnvPrefix("PLAYBOOKD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg.ProjectDir = expandPath(cfg.ProjectDir)
	cfg.PlaybookPath = expandPath(cfg.PlaybookPath)

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("PLAYBOOKD_LLM_API_KEY")
	}

	return cfg, nil
}

// ResolvedPlaybookPath returns the playbook file path, defaulting to
// <project_dir>/.claude/playbook.json when unset.
func (c *Config) ResolvedPlaybookPath() string {
	if c.PlaybookPath != "" {
		return c.PlaybookPath
	}
	return filepath.Join(c.ProjectDir, ".claude", "playbook.json")
}

// LockPath returns the path of the advisory cross-process lock file
// co-located with the playbook.
func (c *Config) LockPath() string {
	return c.ResolvedPlaybookPath() + ".lock"
}

// BackupsDir returns the directory timestamped playbook backups are
// written to, a sibling of the playbook file itself.
func (c *Config) BackupsDir() string {
	return filepath.Join(filepath.Dir(c.ResolvedPlaybookPath()), "backups")
}

// DiagnosticsDir returns the sibling directory diagnostic records are
// written to when DiagnosticMode is enabled.
func (c *Config) DiagnosticsDir() string {
	return filepath.Join(filepath.Dir(c.ResolvedPlaybookPath()), ".diagnostics")
}

// AuditDBPath returns the path to the sqlite reflection audit ledger.
func (c *Config) AuditDBPath() string {
	return filepath.Join(filepath.Dir(c.ResolvedPlaybookPath()), "playbook_audit.db")
}

// TemplatesDir returns the directory holding user-overridable prompt
// templates, if one exists; an empty result means use the embedded
// defaults.
func (c *Config) TemplatesDir() string {
	dir := filepath.Join(filepath.Dir(c.ResolvedPlaybookPath()), "templates")
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return ""
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.ResolvedPlaybookPath()),
		c.BackupsDir(),
	}
	if c.DiagnosticMode {
		dirs = append(dirs, c.DiagnosticsDir())
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	return nil
}
