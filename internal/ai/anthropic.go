package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/simpleflo/playbookd/internal/observability"
	"github.com/simpleflo/playbookd/internal/templates"
)

// defaultAnthropicModel is used when LLMConfig.Model is unset.
const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

// AnthropicConfig configures the Anthropic-backed gateway.
type AnthropicConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
	Retries int

	// TemplatesDir overrides the embedded default prompt templates when
	// non-empty.
	TemplatesDir string
}

// AnthropicGateway implements Gateway against the Claude API.
type AnthropicGateway struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
	retries int
	hasKey  bool
	prompts *templates.Store
	logger  zerolog.Logger
}

// NewAnthropicGateway builds a gateway from cfg, falling back to
// ANTHROPIC_API_KEY when cfg.APIKey is unset.
func NewAnthropicGateway(cfg AnthropicConfig) (*AnthropicGateway, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	prompts, err := templates.Load(cfg.TemplatesDir)
	if err != nil {
		return nil, fmt.Errorf("anthropic: load prompt templates: %w", err)
	}

	return &AnthropicGateway{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		hasKey:  cfg.APIKey != "",
		prompts: prompts,
		logger:  observability.Logger("ai.anthropic"),
	}, nil
}

// Name returns "anthropic".
func (g *AnthropicGateway) Name() string { return "anthropic" }

// IsAvailable reports whether an API key is configured. It does not probe
// the network; the first real call surfaces auth failures.
func (g *AnthropicGateway) IsAvailable(ctx context.Context) (bool, error) {
	if !g.hasKey {
		return false, &ErrProviderUnavailable{
			Provider: "anthropic",
			Reason:   "ANTHROPIC_API_KEY not set",
		}
	}
	return true, nil
}

// InferTags asks Claude for a tag set, temperature, and complexity estimate.
func (g *AnthropicGateway) InferTags(ctx context.Context, req TagInferenceRequest) (*TagInferenceResponse, error) {
	userPrompt := buildTagInferencePrompt(req)

	systemPrompt, err := g.prompts.Render(templates.Tagger, nil)
	if err != nil {
		return nil, err
	}

	raw, err := g.chatJSON(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Tags        []string `json:"tags"`
		Temperature float64  `json:"temperature"`
		Complexity  float64  `json:"complexity"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("anthropic: parse tag inference response: %w\nresponse: %s", err, raw)
	}

	return &TagInferenceResponse{
		Tags:        parsed.Tags,
		Temperature: parsed.Temperature,
		Complexity:  parsed.Complexity,
	}, nil
}

// Reflect runs the LLM side of the reflection pipeline against Claude.
func (g *AnthropicGateway) Reflect(ctx context.Context, req ReflectionRequest) (*ReflectionResult, error) {
	userPrompt := buildReflectionPrompt(req)

	systemPrompt, err := g.prompts.Render(templates.Reflection, nil)
	if err != nil {
		return nil, err
	}

	raw, err := g.chatJSON(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	return parseReflectionResponse(raw)
}

// MigrateToWhenDo up-converts a legacy single-text KPT via Claude.
func (g *AnthropicGateway) MigrateToWhenDo(ctx context.Context, text string) (*MigrationResult, error) {
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
		return nil, fmt.Errorf("anthropic: parse migration response: %w\nresponse: %s", err, raw)
	}

	return &MigrationResult{When: parsed.When, Do: parsed.Do, Confidence: parsed.Confidence}, nil
}

// chatJSON sends a single-turn system/user message to Claude and returns
// the extracted JSON object from the reply, retrying transport failures up
// to g.retries times. Authentication failures are not retried.
func (g *AnthropicGateway) chatJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		msg, err := g.client.Messages.New(ctx, params)
		if err != nil {
			if isAnthropicAuthError(err) {
				return "", &ErrProviderUnavailable{Provider: "anthropic", Reason: err.Error()}
			}
			lastErr = err
			observability.LogError(g.logger, err, "anthropic chat attempt failed", map[string]interface{}{
				"attempt": attempt,
			})
			continue
		}

		if len(msg.Content) == 0 {
			lastErr = fmt.Errorf("empty response from anthropic")
			continue
		}

		return extractJSON(msg.Content[0].Text), nil
	}

	return "", fmt.Errorf("anthropic: chat failed after %d attempts: %w", g.retries+1, lastErr)
}

// isAnthropicAuthError reports whether err represents an authentication
// failure the SDK surfaced as a 401/403, which retrying cannot fix.
func isAnthropicAuthError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 401 || apiErr.StatusCode == 403
	}
	return false
}

func buildTagInferencePrompt(req TagInferenceRequest) string {
	var turns []Turn
	turns = append(turns, req.RecentHistory...)
	return renderTurnsAndPrompt(turns, req.Prompt, maxTagsOrDefault(req.MaxTags))
}

func renderTurnsAndPrompt(history []Turn, prompt string, maxTags int) string {
	var out string
	out += fmt.Sprintf("Infer up to %d tags for this prompt.\n\n", maxTags)
	if len(history) > 0 {
		out += "Recent history:\n"
		for _, t := range history {
			out += fmt.Sprintf("[%s] %s\n", t.Role, truncate(t.Text, 500))
		}
		out += "\n"
	}
	out += "Prompt:\n" + prompt
	return out
}

func buildReflectionPrompt(req ReflectionRequest) string {
	out := "=== Existing key points ===\n"
	for _, k := range req.ExistingKPTs {
		out += fmt.Sprintf("%s: %s\n", k.Name, truncate(k.Text, 300))
	}
	out += "\n=== Transcript ===\n"
	for _, t := range req.Transcript {
		out += fmt.Sprintf("[%s] %s\n", t.Role, truncate(t.Text, 1000))
	}
	return out
}

func parseReflectionResponse(raw string) (*ReflectionResult, error) {
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
		return nil, fmt.Errorf("anthropic: parse reflection response: %w\nresponse: %s", err, raw)
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
