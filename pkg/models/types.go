package models

import "time"

// SchemaVersion is the current on-disk playbook schema version.
const SchemaVersion = "2.0"

// Numeric bounds enforced on write.
const (
	MinScore    = -5.0
	MaxScore    = 20.0
	MinEffect   = 0.0
	MaxEffect   = 1.0
	MinRisk     = -1.0
	MaxRisk     = 0.0
	MinNovelty  = 0.0
	MaxNovelty  = 1.0
	MaxTagLen   = 64
	MaxTextHint = 400
)

// KPT is a single Key Point: a scored, tagged lesson learned from a
// conversation.
type KPT struct {
	Name string `json:"name"`

	// Text is the legacy single-statement shape. When and Do form the v2.0
	// shape. Both may be present; callers prefer When/Do when non-empty.
	Text string `json:"text,omitempty"`
	When string `json:"when,omitempty"`
	Do   string `json:"do,omitempty"`

	Tags []string `json:"tags"`

	Score           int     `json:"score"`
	EffectRating    float64 `json:"effect_rating"`
	RiskLevel       float64 `json:"risk_level"`
	InnovationLevel float64 `json:"innovation_level"`

	Pending bool `json:"pending"`
}

// HasWhenDo reports whether the KPT carries the v2.0 when/do shape.
func (k *KPT) HasWhenDo() bool {
	return k.When != "" && k.Do != ""
}

// DisplayText renders the KPT's statement for injection or logging,
// preferring the when/do shape when present.
func (k *KPT) DisplayText() string {
	if k.HasWhenDo() {
		return "When " + k.When + ", do " + k.Do
	}
	return k.Text
}

// Clamp restricts all numeric attributes to their declared ranges.
func (k *KPT) Clamp() {
	k.Score = clampInt(k.Score, int(MinScore), int(MaxScore))
	k.EffectRating = clampFloat(k.EffectRating, MinEffect, MaxEffect)
	k.RiskLevel = clampFloat(k.RiskLevel, MinRisk, MaxRisk)
	k.InnovationLevel = clampFloat(k.InnovationLevel, MinNovelty, MaxNovelty)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Playbook is the persisted document: a schema version, a last-updated
// timestamp, and an ordered sequence of KPTs partitioned into a stable
// region followed by a pending region.
type Playbook struct {
	Version     string    `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
	KeyPoints   []KPT     `json:"key_points"`
}

// NewEmptyPlaybook returns the zero-value playbook Storage.load returns
// when no file exists on disk.
func NewEmptyPlaybook() *Playbook {
	return &Playbook{
		Version:   SchemaVersion,
		KeyPoints: []KPT{},
	}
}

// Stable returns the stable-region KPTs, in on-disk order.
func (p *Playbook) Stable() []KPT {
	out := make([]KPT, 0, len(p.KeyPoints))
	for _, k := range p.KeyPoints {
		if !k.Pending {
			out = append(out, k)
		}
	}
	return out
}

// PendingOnes returns the pending-region KPTs, in on-disk order.
func (p *Playbook) PendingOnes() []KPT {
	out := make([]KPT, 0, len(p.KeyPoints))
	for _, k := range p.KeyPoints {
		if k.Pending {
			out = append(out, k)
		}
	}
	return out
}

// Find returns a pointer to the KPT with the given name, or nil.
func (p *Playbook) Find(name string) *KPT {
	for i := range p.KeyPoints {
		if p.KeyPoints[i].Name == name {
			return &p.KeyPoints[i]
		}
	}
	return nil
}

// Clone returns a deep copy, used to bracket a reflection in a rollback
// scope (Storage.snapshot/restore).
func (p *Playbook) Clone() *Playbook {
	clone := &Playbook{
		Version:     p.Version,
		LastUpdated: p.LastUpdated,
		KeyPoints:   make([]KPT, len(p.KeyPoints)),
	}
	for i, k := range p.KeyPoints {
		tags := make([]string, len(k.Tags))
		copy(tags, k.Tags)
		k.Tags = tags
		clone.KeyPoints[i] = k
	}
	return clone
}
