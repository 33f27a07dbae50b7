package playbook

import (
	"fmt"
	"testing"

	"github.com/simpleflo/playbookd/pkg/models"
)

func stableKPT(name string, score int, tags []string) models.KPT {
	return models.KPT{
		Name:            name,
		Text:            "do something about " + name,
		Tags:            tags,
		Score:           score,
		EffectRating:    0.5,
		RiskLevel:       -0.3,
		InnovationLevel: 0.5,
		Pending:         false,
	}
}

func TestSelect_EmptyPlaybookReturnsNothing(t *testing.T) {
	pb := models.NewEmptyPlaybook()
	got := Select(pb, SelectionInput{Prompt: "fix the retry logic", PromptTags: []string{"retry"}, Temperature: 0.2, Limit: 6})
	if len(got) != 0 {
		t.Errorf("expected no selections from an empty playbook, got %d", len(got))
	}
}

func TestSelect_PendingKPTsNeverInjected(t *testing.T) {
	pb := &models.Playbook{KeyPoints: []models.KPT{
		{Name: "kpt_001", Text: "a pending lesson", Tags: []string{"payment"}, Score: 5, Pending: true},
	}}
	got := Select(pb, SelectionInput{PromptTags: []string{"payment"}, Temperature: 0.5, Limit: 6})
	if len(got) != 0 {
		t.Errorf("expected pending KPTs to be excluded, got %d", len(got))
	}
}

// At low T, both A (score 3, risk -0.6, effect 0.9)
// and B (score 1, innovation 0.9) are selected, A outranking B because
// B's Recommendation multiplier is heavily suppressed at low T.
func TestSelect_LowTemperatureFavorsHighConfidence(t *testing.T) {
	a := stableKPT("kpt_001", 3, []string{"payment"})
	a.RiskLevel = -0.6
	a.EffectRating = 0.9

	b := stableKPT("kpt_002", 1, []string{"payment"})
	b.InnovationLevel = 0.9

	pb := &models.Playbook{KeyPoints: []models.KPT{a, b}}

	got := Select(pb, SelectionInput{PromptTags: []string{"payment"}, Temperature: 0.2, Limit: 2})
	if len(got) != 2 {
		t.Fatalf("expected both KPTs selected, got %d", len(got))
	}
	if got[0].Name != "kpt_001" {
		t.Errorf("expected kpt_001 (HighConfidence) to outrank kpt_002 at T=0.2, got order %v", names(got))
	}
}

// A KPT with risk_level past the extreme threshold is
// dropped at low T regardless of score.
func TestSelect_RiskGateDropsExtremeRisk(t *testing.T) {
	risky := stableKPT("kpt_001", 10, []string{"payment"})
	risky.RiskLevel = 0.9 // beyond the declared [-1,0] range, modeling an un-clamped in-flight candidate

	pb := &models.Playbook{KeyPoints: []models.KPT{risky}}
	got := Select(pb, SelectionInput{PromptTags: []string{"payment"}, Temperature: 0.2, Limit: 6})
	if len(got) != 0 {
		t.Errorf("expected the extreme-risk KPT to be dropped, got %v", names(got))
	}
}

func TestSelect_DiversityFloorDeprioritizesDominantTag(t *testing.T) {
	pb := &models.Playbook{}
	for i := 0; i < 4; i++ {
		k := stableKPT(kptName(i+1), 5, []string{"payment"})
		pb.KeyPoints = append(pb.KeyPoints, k)
	}
	other := stableKPT(kptName(5), 5, []string{"auth"})
	pb.KeyPoints = append(pb.KeyPoints, other)

	got := Select(pb, SelectionInput{PromptTags: []string{"payment", "auth"}, Temperature: 0.5, Limit: 3})
	if len(got) != 3 {
		t.Fatalf("expected 3 selections, got %d", len(got))
	}

	foundOther := false
	for _, k := range got {
		if k.Name == "kpt_005" {
			foundOther = true
		}
	}
	if !foundOther {
		t.Errorf("expected the diversity floor to surface the non-dominant tag among top 3, got %v", names(got))
	}
}

func TestSelect_Idempotent(t *testing.T) {
	pb := &models.Playbook{KeyPoints: []models.KPT{
		stableKPT("kpt_001", 4, []string{"payment", "retry"}),
		stableKPT("kpt_002", 1, []string{"payment"}),
		stableKPT("kpt_003", -2, []string{"auth"}),
	}}
	in := SelectionInput{PromptTags: []string{"payment"}, Temperature: 0.4, Limit: 3}

	first := Select(pb.Clone(), in)
	second := Select(pb.Clone(), in)

	if len(first) != len(second) {
		t.Fatalf("non-deterministic selection length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Name != second[i].Name {
			t.Errorf("non-deterministic order at index %d: %s vs %s", i, first[i].Name, second[i].Name)
		}
	}
}

// For matched candidates with neutral tilt inputs (risk in (-0.5, -0.2)
// so neither branch's risk adjustment fires, zero effect and innovation),
// proven knowledge dominates recommendations throughout the mid band —
// 2.5-1.5T stays above 2.0T for all T < 5/7 — and the band-edge
// adjustments (-0.3 vs +0.5) flip the ordering exactly at T=0.7. The
// crossover therefore sits at the exploratory band edge.
func TestTemperatureMultiplier_CrossoverAtExploratoryBandEdge(t *testing.T) {
	hc := models.KPT{Score: HighConfidenceScore, EffectRating: 0, RiskLevel: -0.3, InnovationLevel: 0}
	rec := models.KPT{Score: HighConfidenceScore - 1, EffectRating: 0, RiskLevel: -0.3, InnovationLevel: 0}

	below := 0.69
	muHC, muRec := temperatureMultiplier(hc, below), temperatureMultiplier(rec, below)
	if muHC <= muRec {
		t.Errorf("expected HighConfidence to dominate just below the band edge, got %.4f vs %.4f", muHC, muRec)
	}

	at := 0.7
	muHC, muRec = temperatureMultiplier(hc, at), temperatureMultiplier(rec, at)
	if muHC >= muRec {
		t.Errorf("expected Recommendation to dominate at the band edge, got %.4f vs %.4f", muHC, muRec)
	}
}

func names(kpts []models.KPT) []string {
	out := make([]string, len(kpts))
	for i, k := range kpts {
		out[i] = k.Name
	}
	return out
}

func kptName(n int) string {
	return fmt.Sprintf("kpt_%03d", n)
}
