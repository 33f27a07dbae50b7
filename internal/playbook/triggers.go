package playbook

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/simpleflo/playbookd/internal/ai"
	"github.com/simpleflo/playbookd/internal/audit"
	"github.com/simpleflo/playbookd/internal/observability"
	"github.com/simpleflo/playbookd/internal/templates"
	"github.com/simpleflo/playbookd/pkg/models"
)

// Handlers bundles the dependencies the three TriggerHandlers share:
// storage, the advisory lock, the LLM gateway, and tuning configuration.
type Handlers struct {
	Storage *Storage
	Lock    *Lock
	Gateway ai.Gateway
	Config  ReflectorConfig

	// Templates supplies the injection preamble/closing-line text. A nil
	// Store falls back to the built-in wording, which keeps callers that
	// don't wire one (tests, early bring-up) working.
	Templates *templates.Store

	// Ledger records every reflection outcome to the audit trail. Nil
	// disables recording entirely; the playbook file itself remains the
	// sole source of truth either way.
	Ledger *audit.Ledger

	DefaultSelectionLimit int
	DefaultTemperature    float64
	AdaptiveTemperature   bool

	Logger zerolog.Logger

	// onDiagnostic receives structured failure records when a handler
	// swallows an error at the boundary. Nil is a valid no-op sink.
	onDiagnostic func(trigger string, err error)
}

// InjectionPayload is the result of onPromptSubmit: the text block handed
// back to the host, or empty when nothing qualified.
type InjectionPayload struct {
	Text         string
	SelectedKPTs []models.KPT
}

// OnDiagnostic registers a sink for structured failure records.
func (h *Handlers) OnDiagnostic(fn func(trigger string, err error)) {
	h.onDiagnostic = fn
}

func (h *Handlers) recordFailure(trigger string, err error) {
	observability.LogError(h.Logger, err, "trigger handler swallowed error", map[string]interface{}{
		"trigger": trigger,
	})
	if h.onDiagnostic != nil {
		h.onDiagnostic(trigger, err)
	}
}

// OnPromptSubmit loads the playbook under a shared lock, infers tags for
// the prompt, runs the Selector, and renders an injection payload. It
// never writes the playbook. Any error degrades to an empty payload.
func (h *Handlers) OnPromptSubmit(ctx context.Context, prompt string, history []ai.Turn) InjectionPayload {
	logger := observability.WithTrigger(h.Logger, "on_prompt_submit")

	if err := h.Lock.AcquireShared(ctx); err != nil {
		h.recordFailure("on_prompt_submit", err)
		return InjectionPayload{}
	}
	pb, err := h.Storage.Load()
	h.Lock.Release()
	if err != nil {
		h.recordFailure("on_prompt_submit", err)
		return InjectionPayload{}
	}

	tagResp, err := h.Gateway.InferTags(ctx, ai.TagInferenceRequest{
		Prompt:        prompt,
		RecentHistory: history,
		MaxTags:       8,
	})
	if err != nil {
		h.recordFailure("on_prompt_submit", err)
		return InjectionPayload{}
	}

	selected := Select(pb, SelectionInput{
		Prompt:              prompt,
		PromptTags:          tagResp.Tags,
		Temperature:         orTemperature(tagResp.Temperature, h.DefaultTemperature),
		Limit:               h.DefaultSelectionLimit,
		AdaptiveTemperature: h.AdaptiveTemperature,
	})

	if len(selected) > 0 {
		observability.LogEvent(logger, observability.EventPromptInjected, map[string]interface{}{
			"count": len(selected),
		})
	}

	return InjectionPayload{
		Text:         h.RenderInjection(selected),
		SelectedKPTs: selected,
	}
}

// OnSessionEnd runs a full reflection under the exclusive lock, releasing
// it while the LLM call is in flight and rebasing onto the latest
// on-disk state before storing. It is a no-op if updates on
// exit are disabled by configuration — callers check that before
// invoking this handler.
func (h *Handlers) OnSessionEnd(ctx context.Context, transcript []ai.Turn) {
	h.reflectAndStore(ctx, "on_session_end", transcript)
}

// OnPreCompact behaves identically to OnSessionEnd; it is invoked before
// the host compacts its context window and is idempotent: re-running on
// the same transcript produces an equivalent playbook modulo LLM
// nondeterminism, which Reflector validation guards against.
func (h *Handlers) OnPreCompact(ctx context.Context, transcript []ai.Turn) {
	h.reflectAndStore(ctx, "on_pre_compact", transcript)
}

func (h *Handlers) reflectAndStore(ctx context.Context, trigger string, transcript []ai.Turn) {
	logger := observability.WithTrigger(h.Logger, trigger)

	if err := h.Lock.AcquireExclusive(ctx); err != nil {
		h.recordFailure(trigger, err)
		return
	}

	pb, err := h.Storage.Load()
	if err != nil {
		h.Lock.Release()
		h.recordFailure(trigger, err)
		return
	}

	beforeCount := len(pb.KeyPoints)
	fp, _ := Fingerprint(h.Storage.path)

	// Release the exclusive lock for the LLM call; it is the only
	// long-latency operation and must not hold the lock.
	h.Lock.Release()

	outcome, err := Reflect(ctx, h.Gateway, pb, transcript, h.Config)
	if err != nil {
		h.recordFailure(trigger, err)
		return
	}

	if err := h.Lock.AcquireExclusive(ctx); err != nil {
		h.recordFailure(trigger, err)
		return
	}
	defer h.Lock.Release()

	changed, err := Changed(h.Storage.path, fp)
	if err != nil {
		h.recordFailure(trigger, err)
		return
	}
	if changed {
		rebased, rebaseErr := h.rebase(ctx, outcome, transcript)
		if rebaseErr != nil {
			observability.LogEvent(logger, observability.EventConcurrentUpdate, map[string]interface{}{
				"reason": rebaseErr.Error(),
			})
			h.recordFailure(trigger, rebaseErr)
			return
		}
		outcome = rebased
	}

	if outcome.Rejected {
		observability.LogEvent(logger, observability.EventReflectionAborted, map[string]interface{}{
			"reason": outcome.RejectReason,
		})
		h.recordLedger(ctx, "rejected", beforeCount, beforeCount, outcome, map[string]interface{}{
			"reason": outcome.RejectReason,
		})
		return
	}

	if err := h.Storage.Store(outcome.Playbook); err != nil {
		h.recordFailure(trigger, err)
		return
	}

	observability.LogEvent(logger, observability.EventReflectionApplied, map[string]interface{}{
		"merges":  outcome.MergesApplied,
		"pruned":  outcome.Pruned,
		"evicted": outcome.Evicted,
	})

	afterCount := len(outcome.Playbook.KeyPoints)
	ledgerOutcome := "applied"
	if outcome.MergesApplied == 0 && outcome.Pruned == 0 && outcome.Evicted == 0 && afterCount == beforeCount {
		ledgerOutcome = "noop"
	}
	h.recordLedger(ctx, ledgerOutcome, beforeCount, afterCount, outcome, nil)
}

// recordLedger appends one entry to the audit trail. A nil Ledger is a
// no-op: the ledger is a diagnostics aid, never the source of truth.
func (h *Handlers) recordLedger(ctx context.Context, outcome string, before, after int, out *ReflectOutcome, detail map[string]interface{}) {
	if h.Ledger == nil {
		return
	}
	err := h.Ledger.Record(ctx, audit.Entry{
		Outcome:        outcome,
		KPTCountBefore: before,
		KPTCountAfter:  after,
		MergesApplied:  out.MergesApplied,
		KPTsPruned:     out.Pruned,
		KPTsEvicted:    out.Evicted,
		Detail:         detail,
	})
	if err != nil {
		h.recordFailure("audit_ledger", err)
	}
}

// rebase re-reads the current on-disk playbook and re-runs the
// reflection against it, since it mutated between the initial load and
// the re-acquired lock.
func (h *Handlers) rebase(ctx context.Context, stale *ReflectOutcome, transcript []ai.Turn) (*ReflectOutcome, error) {
	latest, err := h.Storage.Load()
	if err != nil {
		return nil, models.Wrap(models.ErrConcurrentUpdate, "reload playbook for rebase", err)
	}
	return Reflect(ctx, h.Gateway, latest, transcript, h.Config)
}

func orTemperature(v, def float64) float64 {
	if v < 0 || v > 1 {
		return def
	}
	return v
}

// RenderInjection renders the injection payload text block handed back
// to the host at prompt time, loading its preamble and closing line from
// the "playbook" and "task_guidance" templates.
func (h *Handlers) RenderInjection(selected []models.KPT) string {
	if len(selected) == 0 {
		return ""
	}

	var bullets strings.Builder
	for _, k := range selected {
		bullets.WriteString("- ")
		bullets.WriteString(k.DisplayText())
		bullets.WriteString("\n")
	}

	preamble, guidance := h.renderInjectionText(bullets.String())

	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString(guidance)
	return b.String()
}

func (h *Handlers) renderInjectionText(bullets string) (preamble, guidance string) {
	preamble = "Relevant prior knowledge:\n" + bullets
	guidance = "Apply what's useful; ignore what isn't."

	if h.Templates == nil {
		return preamble, guidance
	}

	if rendered, err := h.Templates.Render(templates.Playbook, map[string]string{"Bullets": bullets}); err == nil {
		preamble = rendered
	} else {
		h.recordFailure("render_injection", err)
	}
	if rendered, err := h.Templates.Render(templates.TaskGuidance, nil); err == nil {
		guidance = rendered
	} else {
		h.recordFailure("render_injection", err)
	}
	return preamble, guidance
}
