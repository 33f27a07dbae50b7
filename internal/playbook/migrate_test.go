package playbook

import (
	"context"
	"fmt"
	"testing"

	"github.com/simpleflo/playbookd/internal/ai"
	"github.com/simpleflo/playbookd/pkg/models"
)

// migratingGateway scripts MigrateToWhenDo per input text.
type migratingGateway struct {
	scriptedGateway
	results map[string]*ai.MigrationResult
}

func (g *migratingGateway) MigrateToWhenDo(ctx context.Context, text string) (*ai.MigrationResult, error) {
	if r, ok := g.results[text]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("migration transport error")
}

func TestMigrateLegacy_ConvertsConfidentLegacyKPTs(t *testing.T) {
	pb := &models.Playbook{KeyPoints: []models.KPT{
		{Name: "kpt_001", Text: "back off exponentially on payment retries", Tags: []string{"payment"}, Score: 3},
		{Name: "kpt_002", When: "already structured", Do: "leave alone", Tags: []string{"auth"}, Score: 1},
	}}
	gw := &migratingGateway{results: map[string]*ai.MigrationResult{
		"back off exponentially on payment retries": {When: "a payment retry fails", Do: "back off exponentially", Confidence: 0.9},
	}}

	migrated, err := MigrateLegacy(context.Background(), gw, pb)
	if err != nil {
		t.Fatalf("MigrateLegacy: %v", err)
	}
	if migrated != 1 {
		t.Fatalf("expected 1 migration, got %d", migrated)
	}

	k := pb.KeyPoints[0]
	if !k.HasWhenDo() || k.Text != "" {
		t.Errorf("expected kpt_001 converted to when/do, got %+v", k)
	}
	if pb.KeyPoints[1].When != "already structured" {
		t.Errorf("expected the structured KPT left untouched, got %+v", pb.KeyPoints[1])
	}
}

func TestMigrateLegacy_LowConfidencePreservesLegacyShape(t *testing.T) {
	pb := &models.Playbook{KeyPoints: []models.KPT{
		{Name: "kpt_001", Text: "an ambiguous lesson", Tags: []string{"general"}, Score: 0},
	}}
	gw := &migratingGateway{results: map[string]*ai.MigrationResult{
		"an ambiguous lesson": {When: "something", Do: "something else", Confidence: 0.4},
	}}

	migrated, err := MigrateLegacy(context.Background(), gw, pb)
	if err != nil {
		t.Fatalf("MigrateLegacy: %v", err)
	}
	if migrated != 0 {
		t.Errorf("expected no migrations below the confidence threshold, got %d", migrated)
	}
	if pb.KeyPoints[0].Text != "an ambiguous lesson" || pb.KeyPoints[0].HasWhenDo() {
		t.Errorf("expected legacy shape preserved, got %+v", pb.KeyPoints[0])
	}
}

func TestMigrateLegacy_PerItemErrorSkipsThatKPT(t *testing.T) {
	pb := &models.Playbook{KeyPoints: []models.KPT{
		{Name: "kpt_001", Text: "unscripted text the fake errors on", Tags: []string{"general"}, Score: 0},
	}}
	gw := &migratingGateway{}

	migrated, err := MigrateLegacy(context.Background(), gw, pb)
	if err != nil {
		t.Fatalf("MigrateLegacy: %v", err)
	}
	if migrated != 0 {
		t.Errorf("expected the erroring KPT to be skipped, got %d migrations", migrated)
	}
	if pb.KeyPoints[0].Text == "" {
		t.Error("expected the erroring KPT's legacy text preserved")
	}
}

func TestHandlersMigrate_StoresConvertedPlaybook(t *testing.T) {
	gw := &migratingGateway{results: map[string]*ai.MigrationResult{
		"do something about kpt_001": {When: "the kpt_001 situation arises", Do: "handle it", Confidence: 0.8},
	}}
	h := newTestHandlers(t, gw)
	pb := &models.Playbook{KeyPoints: []models.KPT{stableKPT("kpt_001", 3, []string{"payment"})}}
	if err := h.Storage.Store(pb); err != nil {
		t.Fatalf("seeding storage: %v", err)
	}

	migrated, err := h.Migrate(context.Background())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if migrated != 1 {
		t.Fatalf("expected 1 migration, got %d", migrated)
	}

	stored, err := h.Storage.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !stored.KeyPoints[0].HasWhenDo() {
		t.Errorf("expected the stored KPT in when/do shape, got %+v", stored.KeyPoints[0])
	}
}

func TestHandlersMigrate_NothingLegacyIsANoop(t *testing.T) {
	h := newTestHandlers(t, &migratingGateway{})
	pb := &models.Playbook{KeyPoints: []models.KPT{
		{Name: "kpt_001", When: "x happens", Do: "do y", Tags: []string{"x"}, Score: 1},
	}}
	if err := h.Storage.Store(pb); err != nil {
		t.Fatalf("seeding storage: %v", err)
	}
	before, _ := h.Storage.Load()

	migrated, err := h.Migrate(context.Background())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if migrated != 0 {
		t.Errorf("expected no migrations, got %d", migrated)
	}

	after, err := h.Storage.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !after.LastUpdated.Equal(before.LastUpdated) {
		t.Error("expected a no-op migration to leave the file untouched")
	}
}
