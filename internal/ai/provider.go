// Package ai provides the LLMGateway: the single typed entry point to the
// external model used for tag inference, reflection, and legacy KPT
// migration. Gateway implementations handle retries, timeouts, JSON-schema
// parsing of the reply, and redaction of secrets from diagnostic dumps;
// they never embed playbook business rules.
package ai

import (
	"context"
	"fmt"
)

// Turn is one message in a conversation transcript.
type Turn struct {
	Role string // "user" or "assistant"
	Text string
}

// Gateway is the single interface to the external model.
type Gateway interface {
	// Name returns the provider name (e.g., "ollama", "anthropic").
	Name() string

	// IsAvailable checks if the provider is configured and accessible.
	IsAvailable(ctx context.Context) (bool, error)

	// InferTags derives a tag set, a suggested selection temperature, and
	// a complexity estimate from a prompt and recent history.
	InferTags(ctx context.Context, req TagInferenceRequest) (*TagInferenceResponse, error)

	// Reflect extracts new KPTs, scores existing ones, and proposes
	// merges/promotions from a transcript and the current playbook.
	Reflect(ctx context.Context, req ReflectionRequest) (*ReflectionResult, error)

	// MigrateToWhenDo up-converts a legacy single-text KPT statement to
	// the structured when/do shape.
	MigrateToWhenDo(ctx context.Context, text string) (*MigrationResult, error)
}

// TagInferenceRequest is the input to InferTags.
type TagInferenceRequest struct {
	Prompt        string
	RecentHistory []Turn
	MaxTags       int
}

// TagInferenceResponse is the parsed result of InferTags.
type TagInferenceResponse struct {
	Tags        []string
	Temperature float64
	Complexity  float64
}

// ReflectionRequest is the input to Reflect.
type ReflectionRequest struct {
	Transcript   []Turn
	ExistingKPTs []ReflectionKPTView
}

// ReflectionKPTView is the minimal KPT view the LLM needs to evaluate an
// existing entry as Helpful/Neutral/Harmful/NotApplicable.
type ReflectionKPTView struct {
	Name string
	Text string
	Tags []string
}

// ReflectionResult is the parsed output of Reflect.
type ReflectionResult struct {
	NewKPTs    []NewKPTCandidate
	Deltas     map[string]KPTDelta
	Merges     []MergeGroup
	Promotions []string
}

// NewKPTCandidate is a candidate KPT proposed for admission as pending.
type NewKPTCandidate struct {
	Text            string
	When            string
	Do              string
	Tags            []string
	EffectRating    *float64
	RiskLevel       *float64
	InnovationLevel *float64
}

// KPTDelta is the evaluation outcome for one existing KPT.
type KPTDelta struct {
	ScoreDelta   int
	TagAdditions []string
	TextRewrite  string // empty means no rewrite proposed
}

// MergeGroup is a proposed merge: absorbed members fold into survivor.
type MergeGroup struct {
	Survivor   string
	Absorbed   []string
	Similarity float64
}

// MigrationResult is the parsed output of MigrateToWhenDo.
type MigrationResult struct {
	When       string
	Do         string
	Confidence float64
}

// ErrLowConfidence is returned when a migration's confidence is below the
// threshold the caller applies.
type ErrLowConfidence struct {
	Confidence float64
	Threshold  float64
}

func (e *ErrLowConfidence) Error() string {
	return fmt.Sprintf("migration confidence %.2f is below threshold %.2f", e.Confidence, e.Threshold)
}

// ErrProviderUnavailable is returned when the gateway's provider is not
// accessible.
type ErrProviderUnavailable struct {
	Provider string
	Reason   string
}

func (e *ErrProviderUnavailable) Error() string {
	return fmt.Sprintf("LLM provider %s is unavailable: %s", e.Provider, e.Reason)
}
