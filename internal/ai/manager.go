package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/simpleflo/playbookd/internal/observability"
)

// ManagerConfig is the subset of configuration NewManager needs. It
// mirrors config.LLMConfig without importing internal/config, keeping this
// package's dependency surface one-directional.
type ManagerConfig struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	TimeoutMS int
	Retries   int

	// TemplatesDir overrides the embedded default prompt templates when
	// non-empty.
	TemplatesDir string
}

// Manager is the LLMGateway implementation callers construct: it selects
// the configured provider, applies the InferTags heuristic fallback on
// failure, and logs every degraded call.
type Manager struct {
	provider Gateway
	logger   zerolog.Logger
}

// NewManager builds a Manager around the provider named by cfg.Provider.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var provider Gateway
	switch cfg.Provider {
	case "ollama", "":
		gw, err := NewOllamaGateway(OllamaConfig{
			Host:         cfg.BaseURL,
			Model:        cfg.Model,
			Timeout:      timeout,
			Retries:      cfg.Retries,
			TemplatesDir: cfg.TemplatesDir,
		})
		if err != nil {
			return nil, err
		}
		provider = gw
	case "anthropic":
		gw, err := NewAnthropicGateway(AnthropicConfig{
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			Timeout:      timeout,
			Retries:      cfg.Retries,
			TemplatesDir: cfg.TemplatesDir,
		})
		if err != nil {
			return nil, err
		}
		provider = gw
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.Provider)
	}

	return &Manager{
		provider: provider,
		logger:   observability.Logger("ai.manager"),
	}, nil
}

// Name returns the wrapped provider's name.
func (m *Manager) Name() string { return m.provider.Name() }

// IsAvailable delegates to the wrapped provider.
func (m *Manager) IsAvailable(ctx context.Context) (bool, error) {
	return m.provider.IsAvailable(ctx)
}

// InferTags delegates to the wrapped provider, falling back to the
// deterministic local heuristic on any failure.
func (m *Manager) InferTags(ctx context.Context, req TagInferenceRequest) (*TagInferenceResponse, error) {
	resp, err := m.provider.InferTags(ctx, req)
	if err == nil {
		return resp, nil
	}

	observability.LogError(m.logger, err, "InferTags degraded to heuristic fallback", map[string]interface{}{
		"provider": m.provider.Name(),
	})
	return heuristicInferTags(req.Prompt, req.MaxTags), nil
}

// Reflect delegates to the wrapped provider. There is no local fallback for
// reflection; a failure here propagates so the caller leaves the playbook
// untouched.
func (m *Manager) Reflect(ctx context.Context, req ReflectionRequest) (*ReflectionResult, error) {
	return m.provider.Reflect(ctx, req)
}

// MigrateToWhenDo delegates to the wrapped provider. The caller is
// responsible for the confidence admission threshold.
func (m *Manager) MigrateToWhenDo(ctx context.Context, text string) (*MigrationResult, error) {
	return m.provider.MigrateToWhenDo(ctx, text)
}
