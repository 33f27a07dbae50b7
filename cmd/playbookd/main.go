// Package main is the entry point for the playbookd CLI: the thin process
// a host assistant execs once per lifecycle trigger. Each of the three
// trigger subcommands reads a small JSON envelope on stdin and writes a
// JSON result to stdout; the other subcommands read no stdin and print
// text unless asked for --json. The trigger subcommands always exit 0 because failures are
// swallowed at the trigger-handler boundary and recorded to diagnostics
// instead of surfacing to the host.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/simpleflo/playbookd/internal/ai"
	"github.com/simpleflo/playbookd/internal/audit"
	"github.com/simpleflo/playbookd/internal/config"
	"github.com/simpleflo/playbookd/internal/daemon"
	"github.com/simpleflo/playbookd/internal/observability"
	"github.com/simpleflo/playbookd/internal/playbook"
	"github.com/simpleflo/playbookd/internal/templates"
)

var (
	// Version is set at build time.
	Version = "dev"
	// BuildTime is set at build time.
	BuildTime = "unknown"
)

var projectDir string

func main() {
	rootCmd := &cobra.Command{
		Use:     "playbookd",
		Short:   "playbookd - the Conduit playbook engine CLI",
		Long:    `playbookd maintains a per-project playbook of scored, tagged key points extracted from prior coding-assistant conversations, and selects the most relevant subset to inject into each new prompt.`,
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", "", "project directory (default: current working directory)")

	rootCmd.AddCommand(onPromptSubmitCmd())
	rootCmd.AddCommand(onSessionEndCmd())
	rootCmd.AddCommand(onPreCompactCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// turnInput is the wire shape of one transcript/history turn on stdin.
type turnInput struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func toTurns(in []turnInput) []ai.Turn {
	out := make([]ai.Turn, len(in))
	for i, t := range in {
		out[i] = ai.Turn{Role: t.Role, Text: t.Text}
	}
	return out
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if projectDir != "" {
		cfg.ProjectDir = projectDir
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	observability.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	return cfg, nil
}

// buildHandlers assembles a playbook.Handlers from configuration: storage,
// advisory lock, LLM gateway, prompt templates, and the audit ledger. A
// failure to open the audit ledger is non-fatal (the ledger is a
// diagnostics aid, not the source of truth) and degrades to nil, matching
// internal/daemon.New's own tolerance for a missing ledger.
func buildHandlers(cfg *config.Config) (*playbook.Handlers, error) {
	gw, err := ai.NewManager(ai.ManagerConfig{
		Provider:     cfg.LLM.Provider,
		Model:        cfg.LLM.Model,
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       cfg.LLM.APIKey,
		TimeoutMS:    cfg.LLM.TimeoutMS,
		Retries:      cfg.LLM.Retries,
		TemplatesDir: cfg.TemplatesDir(),
	})
	if err != nil {
		return nil, fmt.Errorf("build LLM gateway: %w", err)
	}

	tmplStore, err := templates.Load(cfg.TemplatesDir())
	if err != nil {
		return nil, fmt.Errorf("load prompt templates: %w", err)
	}

	ledger, err := audit.Open(cfg.AuditDBPath())
	if err != nil {
		ledger = nil
	}

	reflCfg := playbook.ReflectorConfig{
		MergeThreshold: cfg.Playbook.MergeThreshold,
		PruneThreshold: cfg.Playbook.PruneThreshold,
		MaxKPTs:        cfg.Playbook.MaxKPTs,
	}
	if cfg.LLM.Similarity.Enabled {
		oracle, err := ai.NewSimilarityOracle(ai.SimilarityConfig{
			OllamaHost:     cfg.LLM.Similarity.OllamaHost,
			EmbeddingModel: cfg.LLM.Similarity.EmbeddingModel,
			QdrantHost:     cfg.LLM.Similarity.QdrantHost,
			QdrantPort:     cfg.LLM.Similarity.QdrantPort,
			CollectionName: cfg.LLM.Similarity.CollectionName,
		})
		if err != nil {
			return nil, fmt.Errorf("build similarity oracle: %w", err)
		}
		var cache ai.SimilarityCache
		if addr := cfg.LLM.Similarity.CacheRedisAddr; addr != "" {
			cache = ai.NewRedisSimilarityCache(addr, 0)
		} else {
			cache = ai.NewInMemorySimilarityCache(0)
		}
		reflCfg.MergeOracle = ai.NewMergeValidator(oracle, cache)
	}

	h := &playbook.Handlers{
		Storage: playbook.NewStorage(cfg.ResolvedPlaybookPath(), cfg.BackupsDir(), cfg.Playbook.BackupKeep, cfg.Playbook.MaxKPTs, cfg.Playbook.PruneThreshold),
		Lock:    playbook.NewLock(cfg.LockPath()),
		Gateway: gw,
		Config:  reflCfg,
		Templates:             tmplStore,
		Ledger:                ledger,
		DefaultSelectionLimit: cfg.Playbook.DefaultSelectionLimit,
		DefaultTemperature:    cfg.Playbook.DefaultTemperature,
		AdaptiveTemperature:   cfg.Playbook.AdaptiveTemperature,
		Logger:                observability.Logger("trigger"),
	}

	if cfg.DiagnosticMode {
		diagDir := cfg.DiagnosticsDir()
		h.OnDiagnostic(func(trigger string, err error) {
			_ = observability.WriteDiagnosticRecord(diagDir, trigger, err)
		})
	}

	return h, nil
}

func triggerDeadline(ms int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(ms)*time.Millisecond)
}

// onPromptSubmitInput is the stdin envelope for `on-prompt-submit`.
type onPromptSubmitInput struct {
	Prompt  string      `json:"prompt"`
	History []turnInput `json:"history"`
}

func onPromptSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "on-prompt-submit",
		Short: "Handle a prompt-submission trigger: read stdin JSON, emit an injection payload on stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in onPromptSubmitInput
			if err := readStdinJSON(&in); err != nil {
				fmt.Fprintln(os.Stdout, `{"text":"","selected":0}`)
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintln(os.Stdout, `{"text":"","selected":0}`)
				return nil
			}

			h, err := buildHandlers(cfg)
			if err != nil {
				fmt.Fprintln(os.Stdout, `{"text":"","selected":0}`)
				return nil
			}

			ctx, cancel := triggerDeadline(10_000)
			defer cancel()
			payload := h.OnPromptSubmit(ctx, in.Prompt, toTurns(in.History))

			out, _ := json.Marshal(map[string]interface{}{
				"text":     payload.Text,
				"selected": len(payload.SelectedKPTs),
			})
			fmt.Fprintln(os.Stdout, string(out))
			return nil
		},
	}
}

// reflectionInput is the stdin envelope shared by on-session-end and
// on-pre-compact: a single transcript, ordered oldest-first.
type reflectionInput struct {
	Transcript []turnInput `json:"transcript"`
}

func onSessionEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "on-session-end",
		Short: "Handle a session-end trigger: reflect the transcript into the playbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			runReflectionTrigger("on_session_end", func(ctx context.Context, h *playbook.Handlers, transcript []ai.Turn) {
				h.OnSessionEnd(ctx, transcript)
			})
			return nil
		},
	}
}

func onPreCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "on-pre-compact",
		Short: "Handle a pre-compaction trigger: reflect the transcript into the playbook before context is dropped",
		RunE: func(cmd *cobra.Command, args []string) error {
			runReflectionTrigger("on_pre_compact", func(ctx context.Context, h *playbook.Handlers, transcript []ai.Turn) {
				h.OnPreCompact(ctx, transcript)
			})
			return nil
		},
	}
}

// runReflectionTrigger is the shared body of on-session-end/on-pre-compact:
// load config, honor the update_on_exit/update_on_clear switch, and always
// print a JSON status line regardless of outcome.
func runReflectionTrigger(trigger string, call func(ctx context.Context, h *playbook.Handlers, transcript []ai.Turn)) {
	var in reflectionInput
	if err := readStdinJSON(&in); err != nil {
		fmt.Fprintln(os.Stdout, `{"ran":false,"reason":"unreadable input"}`)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stdout, `{"ran":false,"reason":"config load failed"}`)
		return
	}

	if trigger == "on_session_end" && !cfg.Triggers.UpdateOnExit {
		fmt.Fprintln(os.Stdout, `{"ran":false,"reason":"update_on_exit disabled"}`)
		return
	}
	if trigger == "on_pre_compact" && !cfg.Triggers.UpdateOnClear {
		fmt.Fprintln(os.Stdout, `{"ran":false,"reason":"update_on_clear disabled"}`)
		return
	}

	h, err := buildHandlers(cfg)
	if err != nil {
		fmt.Fprintln(os.Stdout, `{"ran":false,"reason":"handler setup failed"}`)
		return
	}

	ctx, cancel := triggerDeadline(120_000)
	defer cancel()
	call(ctx, h, toTurns(in.Transcript))
	fmt.Fprintln(os.Stdout, `{"ran":true}`)
}

func readStdinJSON(v interface{}) error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("empty stdin")
	}
	return json.Unmarshal(data, v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Up-convert legacy single-text key points to the structured when/do shape",
		Long:  `Runs one lazy-migration pass over the playbook: each legacy single-text key point is sent to the LLM for decomposition into a "when X, do Y" pair, and converted only when the model reports confidence of at least 0.7. Low-confidence and failed conversions keep their legacy shape for a later pass.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			h, err := buildHandlers(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := triggerDeadline(120_000)
			defer cancel()
			migrated, err := h.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migrate playbook: %w", err)
			}
			fmt.Printf("migrated %d key point(s)\n", migrated)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current playbook's size and lifecycle breakdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			storage := playbook.NewStorage(cfg.ResolvedPlaybookPath(), cfg.BackupsDir(), cfg.Playbook.BackupKeep, cfg.Playbook.MaxKPTs, cfg.Playbook.PruneThreshold)
			pb, err := storage.Load()
			if err != nil {
				return fmt.Errorf("load playbook: %w", err)
			}

			result := map[string]interface{}{
				"version":      pb.Version,
				"last_updated": pb.LastUpdated,
				"stable":       len(pb.Stable()),
				"pending":      len(pb.PendingOnes()),
				"total":        len(pb.KeyPoints),
				"path":         cfg.ResolvedPlaybookPath(),
			}

			if jsonOutput {
				out, _ := json.MarshalIndent(result, "", "  ")
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("playbook: %s\n", result["path"])
			fmt.Printf("  version:      %s\n", pb.Version)
			fmt.Printf("  last updated: %s\n", pb.LastUpdated.Format(time.RFC3339))
			fmt.Printf("  stable:       %d\n", len(pb.Stable()))
			fmt.Printf("  pending:      %d\n", len(pb.PendingOnes()))
			fmt.Printf("  total:        %d\n", len(pb.KeyPoints))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent reflection outcomes from the audit ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ledger, err := audit.Open(cfg.AuditDBPath())
			if err != nil {
				return fmt.Errorf("open audit ledger: %w", err)
			}
			defer ledger.Close()

			entries, err := ledger.History(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read audit history: %w", err)
			}

			if jsonOutput {
				out, _ := json.MarshalIndent(entries, "", "  ")
				fmt.Println(string(out))
				return nil
			}

			for _, e := range entries {
				fmt.Printf("%-9s before=%-4d after=%-4d merges=%-3d pruned=%-3d evicted=%-3d\n",
					e.Outcome, e.KPTCountBefore, e.KPTCountAfter, e.MergesApplied, e.KPTsPruned, e.KPTsEvicted)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the optional local diagnostics HTTP server in the foreground",
		Long:  `Starts the read-only diagnostics server (status, playbook, history, SSE events). It is never required for correctness; every trigger handler works identically with it absent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Diagnostics.Enabled = true

			d, err := daemon.New(cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			return d.Run()
		},
	}
	return cmd
}
