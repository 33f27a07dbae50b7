package ai

import (
	"context"
	"testing"
	"time"
)

func TestNewAnthropicGateway_Defaults(t *testing.T) {
	gw, err := NewAnthropicGateway(AnthropicConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.Name() != "anthropic" {
		t.Errorf("expected name anthropic, got %s", gw.Name())
	}
	if gw.model != defaultAnthropicModel {
		t.Errorf("expected default model %s, got %s", defaultAnthropicModel, gw.model)
	}
	if gw.timeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %s", gw.timeout)
	}
}

func TestAnthropicGateway_IsAvailable_NoKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	gw, err := NewAnthropicGateway(AnthropicConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := gw.IsAvailable(context.Background())
	if ok {
		t.Error("expected unavailable with no API key")
	}
	if err == nil {
		t.Fatal("expected error with no API key")
	}
	var unavail *ErrProviderUnavailable
	if !asErrProviderUnavailable(err, &unavail) {
		t.Fatalf("expected ErrProviderUnavailable, got %T: %v", err, err)
	}
}

func TestAnthropicGateway_IsAvailable_WithKey(t *testing.T) {
	gw, err := NewAnthropicGateway(AnthropicConfig{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := gw.IsAvailable(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected available when API key is set")
	}
}

func asErrProviderUnavailable(err error, target **ErrProviderUnavailable) bool {
	e, ok := err.(*ErrProviderUnavailable)
	if ok {
		*target = e
	}
	return ok
}
