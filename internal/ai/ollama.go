package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	"github.com/simpleflo/playbookd/internal/observability"
	"github.com/simpleflo/playbookd/internal/templates"
)

// OllamaConfig configures the Ollama-backed gateway.
type OllamaConfig struct {
	Host    string // e.g. http://localhost:11434
	Model   string
	Timeout time.Duration
	Retries int

	// TemplatesDir overrides the embedded default prompt templates when
	// non-empty, so behavior can be tuned without code changes.
	TemplatesDir string
}

// OllamaGateway implements Gateway against a local Ollama daemon using the
// official client.
type OllamaGateway struct {
	client  *api.Client
	model   string
	timeout time.Duration
	retries int
	prompts *templates.Store
	logger  zerolog.Logger
}

// NewOllamaGateway builds a gateway from cfg.
func NewOllamaGateway(cfg OllamaConfig) (*OllamaGateway, error) {
	if cfg.Host == "" {
		cfg.Host = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	host, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", cfg.Host, err)
	}

	prompts, err := templates.Load(cfg.TemplatesDir)
	if err != nil {
		return nil, fmt.Errorf("ollama: load prompt templates: %w", err)
	}

	return &OllamaGateway{
		client:  api.NewClient(host, http.DefaultClient),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		prompts: prompts,
		logger:  observability.Logger("ai.ollama"),
	}, nil
}

// Name returns "ollama".
func (g *OllamaGateway) Name() string { return "ollama" }

// IsAvailable lists the daemon's models as a cheap reachability check.
func (g *OllamaGateway) IsAvailable(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if _, err := g.client.List(ctx); err != nil {
		return false, &ErrProviderUnavailable{Provider: "ollama", Reason: err.Error()}
	}
	return true, nil
}

// InferTags asks the model for a tag set, temperature, and complexity
// estimate for the given prompt.
func (g *OllamaGateway) InferTags(ctx context.Context, req TagInferenceRequest) (*TagInferenceResponse, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Infer up to %d tags for this prompt.\n\n", maxTagsOrDefault(req.MaxTags))
	if len(req.RecentHistory) > 0 {
		sb.WriteString("Recent history:\n")
		for _, t := range req.RecentHistory {
			fmt.Fprintf(&sb, "[%s] %s\n", t.Role, truncate(t.Text, 500))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Prompt:\n")
	sb.WriteString(req.Prompt)

	systemPrompt, err := g.prompts.Render(templates.Tagger, nil)
	if err != nil {
		return nil, err
	}

	raw, err := g.chatJSON(ctx, systemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Tags        []string `json:"tags"`
		Temperature float64  `json:"temperature"`
		Complexity  float64  `json:"complexity"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("ollama: parse tag inference response: %w\nresponse: %s", err, raw)
	}

	return &TagInferenceResponse{
		Tags:        parsed.Tags,
		Temperature: parsed.Temperature,
		Complexity:  parsed.Complexity,
	}, nil
}

// Reflect runs the LLM side of the reflection pipeline: one call both
// proposes new KPTs and evaluates every existing one.
func (g *OllamaGateway) Reflect(ctx context.Context, req ReflectionRequest) (*ReflectionResult, error) {
	var sb strings.Builder
	sb.WriteString("=== Existing key points ===\n")
	for _, k := range req.ExistingKPTs {
		fmt.Fprintf(&sb, "%s [%s]: %s\n", k.Name, strings.Join(k.Tags, ","), truncate(k.Text, 300))
	}
	sb.WriteString("\n=== Transcript ===\n")
	for _, t := range req.Transcript {
		fmt.Fprintf(&sb, "[%s] %s\n", t.Role, truncate(t.Text, 1000))
	}

	systemPrompt, err := g.prompts.Render(templates.Reflection, nil)
	if err != nil {
		return nil, err
	}

	raw, err := g.chatJSON(ctx, systemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		NewKPTs []struct {
			Text            string   `json:"text"`
			When            string   `json:"when"`
			Do              string   `json:"do"`
			Tags            []string `json:"tags"`
			EffectRating    *float64 `json:"effect_rating"`
			RiskLevel       *float64 `json:"risk_level"`
			InnovationLevel *float64 `json:"innovation_level"`
		} `json:"new_kpts"`
		Deltas map[string]struct {
			ScoreDelta   int      `json:"score_delta"`
			TagAdditions []string `json:"tag_additions"`
			TextRewrite  string   `json:"text_rewrite"`
		} `json:"deltas"`
		Merges []struct {
			Survivor   string   `json:"survivor"`
			Absorbed   []string `json:"absorbed"`
			Similarity float64  `json:"similarity"`
		} `json:"merges"`
		Promotions []string `json:"promotions"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("ollama: parse reflection response: %w\nresponse: %s", err, raw)
	}

	result := &ReflectionResult{
		Deltas:     make(map[string]KPTDelta, len(parsed.Deltas)),
		Promotions: parsed.Promotions,
	}
	for _, c := range parsed.NewKPTs {
		result.NewKPTs = append(result.NewKPTs, NewKPTCandidate{
			Text: c.Text, When: c.When, Do: c.Do, Tags: c.Tags,
			EffectRating: c.EffectRating, RiskLevel: c.RiskLevel, InnovationLevel: c.InnovationLevel,
		})
	}
	for name, d := range parsed.Deltas {
		result.Deltas[name] = KPTDelta{
			ScoreDelta:   d.ScoreDelta,
			TagAdditions: d.TagAdditions,
			TextRewrite:  d.TextRewrite,
		}
	}
	for _, m := range parsed.Merges {
		result.Merges = append(result.Merges, MergeGroup{
			Survivor: m.Survivor, Absorbed: m.Absorbed, Similarity: m.Similarity,
		})
	}

	return result, nil
}

// MigrateToWhenDo up-converts a legacy single-text KPT.
func (g *OllamaGateway) MigrateToWhenDo(ctx context.Context, text string) (*MigrationResult, error) {
	systemPrompt, err := g.prompts.Render(templates.Migration, nil)
	if err != nil {
		return nil, err
	}

	raw, err := g.chatJSON(ctx, systemPrompt, text)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		When       string  `json:"when"`
		Do         string  `json:"do"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("ollama: parse migration response: %w\nresponse: %s", err, raw)
	}

	return &MigrationResult{When: parsed.When, Do: parsed.Do, Confidence: parsed.Confidence}, nil
}

// chatJSON sends a single-turn system/user chat to the model and returns
// the extracted JSON object from the reply, retrying transport failures up
// to g.retries times. Schema failures are never retried.
func (g *OllamaGateway) chatJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	stream := false
	req := &api.ChatRequest{
		Model: g.model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
		Options: map[string]interface{}{
			"temperature": 0.1,
		},
	}

	var reply strings.Builder
	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		reply.Reset()
		err := g.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			reply.WriteString(resp.Message.Content)
			return nil
		})
		if err == nil {
			return extractJSON(reply.String()), nil
		}
		lastErr = err
		observability.LogError(g.logger, err, "ollama chat attempt failed", map[string]interface{}{
			"attempt": attempt,
		})
	}

	return "", fmt.Errorf("ollama: chat failed after %d attempts: %w", g.retries+1, lastErr)
}

func maxTagsOrDefault(n int) int {
	if n <= 0 {
		return 8
	}
	return n
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}

func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
