package models

import "testing"

func TestKPT_DisplayTextPrefersWhenDo(t *testing.T) {
	k := KPT{Text: "legacy text", When: "a payment retry fails", Do: "apply exponential backoff"}
	want := "When a payment retry fails, do apply exponential backoff"
	if got := k.DisplayText(); got != want {
		t.Errorf("DisplayText() = %q, want %q", got, want)
	}
}

func TestKPT_DisplayTextFallsBackToLegacyText(t *testing.T) {
	k := KPT{Text: "legacy text"}
	if got := k.DisplayText(); got != "legacy text" {
		t.Errorf("DisplayText() = %q, want %q", got, "legacy text")
	}
}

func TestKPT_HasWhenDo(t *testing.T) {
	cases := []struct {
		name string
		k    KPT
		want bool
	}{
		{"both present", KPT{When: "x", Do: "y"}, true},
		{"only when", KPT{When: "x"}, false},
		{"only do", KPT{Do: "y"}, false},
		{"neither", KPT{Text: "legacy"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.k.HasWhenDo(); got != c.want {
				t.Errorf("HasWhenDo() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestKPT_ClampEnforcesDeclaredRanges(t *testing.T) {
	k := KPT{
		Score:           100,
		EffectRating:    5,
		RiskLevel:       5,
		InnovationLevel: -5,
	}
	k.Clamp()

	if k.Score != int(MaxScore) {
		t.Errorf("Score = %d, want clamped to %v", k.Score, MaxScore)
	}
	if k.EffectRating != MaxEffect {
		t.Errorf("EffectRating = %v, want clamped to %v", k.EffectRating, MaxEffect)
	}
	if k.RiskLevel != MaxRisk {
		t.Errorf("RiskLevel = %v, want clamped to %v", k.RiskLevel, MaxRisk)
	}
	if k.InnovationLevel != MinNovelty {
		t.Errorf("InnovationLevel = %v, want clamped to %v", k.InnovationLevel, MinNovelty)
	}
}

func TestKPT_ClampLowerBounds(t *testing.T) {
	k := KPT{Score: -100, EffectRating: -1, RiskLevel: -5, InnovationLevel: -1}
	k.Clamp()

	if k.Score != int(MinScore) {
		t.Errorf("Score = %d, want clamped to %v", k.Score, MinScore)
	}
	if k.EffectRating != MinEffect {
		t.Errorf("EffectRating = %v, want clamped to %v", k.EffectRating, MinEffect)
	}
	if k.RiskLevel != MinRisk {
		t.Errorf("RiskLevel = %v, want clamped to %v", k.RiskLevel, MinRisk)
	}
}

func TestPlaybook_StableAndPendingPartition(t *testing.T) {
	pb := &Playbook{KeyPoints: []KPT{
		{Name: "kpt_001", Pending: false},
		{Name: "kpt_002", Pending: true},
		{Name: "kpt_003", Pending: false},
	}}

	stable := pb.Stable()
	pending := pb.PendingOnes()

	if len(stable) != 2 || len(pending) != 1 {
		t.Fatalf("expected 2 stable + 1 pending, got %d stable + %d pending", len(stable), len(pending))
	}
	if pending[0].Name != "kpt_002" {
		t.Errorf("expected pending[0] = kpt_002, got %s", pending[0].Name)
	}
}

func TestPlaybook_Find(t *testing.T) {
	pb := &Playbook{KeyPoints: []KPT{{Name: "kpt_001"}, {Name: "kpt_002"}}}

	if got := pb.Find("kpt_002"); got == nil || got.Name != "kpt_002" {
		t.Errorf("Find(kpt_002) = %v, want a pointer to kpt_002", got)
	}
	if got := pb.Find("kpt_999"); got != nil {
		t.Errorf("Find(kpt_999) = %v, want nil", got)
	}
}

func TestPlaybook_CloneIsDeep(t *testing.T) {
	pb := &Playbook{KeyPoints: []KPT{{Name: "kpt_001", Tags: []string{"payment"}}}}
	clone := pb.Clone()

	clone.KeyPoints[0].Tags[0] = "mutated"
	clone.KeyPoints[0].Score = 99

	if pb.KeyPoints[0].Tags[0] != "payment" {
		t.Error("mutating the clone's tags mutated the original")
	}
	if pb.KeyPoints[0].Score == 99 {
		t.Error("mutating the clone's score mutated the original")
	}
}

func TestNewEmptyPlaybook(t *testing.T) {
	pb := NewEmptyPlaybook()
	if pb.Version != SchemaVersion {
		t.Errorf("Version = %q, want %q", pb.Version, SchemaVersion)
	}
	if len(pb.KeyPoints) != 0 {
		t.Errorf("expected no key points, got %d", len(pb.KeyPoints))
	}
}
