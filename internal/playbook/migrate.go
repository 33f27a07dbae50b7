package playbook

import (
	"context"

	"github.com/simpleflo/playbookd/internal/ai"
	"github.com/simpleflo/playbookd/internal/observability"
	"github.com/simpleflo/playbookd/pkg/models"
)

// migrationConfidenceThreshold is the minimum model-reported confidence
// required to up-convert a legacy single-text KPT to the when/do shape.
// Below it the legacy shape is preserved.
const migrationConfidenceThreshold = 0.7

// MigrateLegacy up-converts every legacy single-text KPT in pb to the
// structured when/do shape, in place. A KPT is left untouched when the
// model's confidence is below the threshold or its migration call fails;
// migration is best-effort per item and a later run picks up whatever
// this one skipped. Returns the number of KPTs converted.
func MigrateLegacy(ctx context.Context, gateway ai.Gateway, pb *models.Playbook) (int, error) {
	migrated := 0
	for i := range pb.KeyPoints {
		k := &pb.KeyPoints[i]
		if k.Text == "" || k.HasWhenDo() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return migrated, err
		}

		result, err := gateway.MigrateToWhenDo(ctx, k.Text)
		if err != nil {
			continue
		}
		if result.Confidence < migrationConfidenceThreshold || result.When == "" || result.Do == "" {
			continue
		}

		k.When = result.When
		k.Do = result.Do
		k.Text = ""
		migrated++
	}
	return migrated, nil
}

// Migrate runs a full lazy-migration pass as a lock-guarded
// read-modify-write sequence: load under the exclusive lock,
// release it for the duration of the LLM calls, then re-acquire and
// store unless the playbook mutated underneath — migration carries no
// deltas worth rebasing, so a concurrent update simply aborts this pass.
func (h *Handlers) Migrate(ctx context.Context) (int, error) {
	logger := observability.WithTrigger(h.Logger, "migrate")

	if err := h.Lock.AcquireExclusive(ctx); err != nil {
		return 0, err
	}

	pb, err := h.Storage.Load()
	if err != nil {
		h.Lock.Release()
		return 0, err
	}
	fp, _ := Fingerprint(h.Storage.path)
	h.Lock.Release()

	migrated, err := MigrateLegacy(ctx, h.Gateway, pb)
	if err != nil {
		return 0, err
	}
	if migrated == 0 {
		return 0, nil
	}

	if err := h.Lock.AcquireExclusive(ctx); err != nil {
		return 0, err
	}
	defer h.Lock.Release()

	changed, err := Changed(h.Storage.path, fp)
	if err != nil {
		return 0, err
	}
	if changed {
		err := models.NewError(models.ErrConcurrentUpdate, "playbook changed during migration; discarding this pass")
		observability.LogEvent(logger, observability.EventConcurrentUpdate, map[string]interface{}{
			"reason": err.Message,
		})
		return 0, err
	}

	if err := h.Storage.Store(pb); err != nil {
		return 0, err
	}

	observability.LogEvent(logger, observability.EventLegacyMigrated, map[string]interface{}{
		"migrated": migrated,
	})
	return migrated, nil
}
