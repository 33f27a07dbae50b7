package playbook

import (
	"context"
	"fmt"
	"sort"

	"github.com/simpleflo/playbookd/internal/ai"
	"github.com/simpleflo/playbookd/pkg/models"
)

// Defaults admitted for a newly extracted KPT when the model omits a
// numeric attribute.
const (
	defaultEffectRating    = 0.5
	defaultRiskLevel       = -0.3
	defaultInnovationLevel = 0.5
)

// Score deltas applied to existing KPTs per reflection evaluation.
const (
	scoreDeltaHelpful       = 1
	scoreDeltaNeutral       = 0
	scoreDeltaHarmful       = -3
	scoreDeltaNotApplicable = 0
)

// ReflectorConfig holds the tuning knobs the Reflector needs from
// configuration.
type ReflectorConfig struct {
	MergeThreshold float64
	PruneThreshold int
	MaxKPTs        int

	// MergeOracle optionally re-scores each model-proposed merge pair with
	// a local embedding similarity before the merge is applied; pairs that
	// score below MergeThreshold are discarded from their group. Nil skips
	// re-validation and the model's reported similarity stands alone.
	MergeOracle ai.MergeOracle
}

// ReflectOutcome summarizes what a Reflect call did, for logging and the
// audit ledger.
type ReflectOutcome struct {
	Playbook      *models.Playbook
	Applied       bool
	Rejected      bool
	RejectReason  string
	MergesApplied int
	Pruned        int
	Evicted       int
}

// Reflect runs the full reflection procedure against gateway and the
// current playbook, returning the candidate next playbook. The caller is
// responsible for validating against a fresher on-disk copy
// (rebase-or-abort) and for the atomic store.
func Reflect(ctx context.Context, gateway ai.Gateway, current *models.Playbook, transcript []ai.Turn, cfg ReflectorConfig) (*ReflectOutcome, error) {
	snapshot := Snapshot(current)
	working := current.Clone()

	existingViews := make([]ai.ReflectionKPTView, 0, len(working.KeyPoints))
	for _, k := range working.KeyPoints {
		existingViews = append(existingViews, ai.ReflectionKPTView{
			Name: k.Name,
			Text: k.DisplayText(),
			Tags: k.Tags,
		})
	}

	result, err := gateway.Reflect(ctx, ai.ReflectionRequest{
		Transcript:   transcript,
		ExistingKPTs: existingViews,
	})
	if err != nil {
		return nil, err
	}

	applyDeltas(working, result.Deltas)
	merges := revalidateMerges(ctx, cfg.MergeOracle, working, result.Merges, cfg.MergeThreshold)
	mergesApplied := applyMerges(working, merges, cfg.MergeThreshold)
	admitNewKPTs(working, result.NewKPTs)
	promote(working, result.Promotions)
	pruned := prune(working, cfg.PruneThreshold)
	evicted := evict(working, cfg.MaxKPTs)
	reorder(working)
	renumber(working)

	if err := Validate(working, cfg.MaxKPTs, cfg.PruneThreshold); err != nil {
		return &ReflectOutcome{
			Playbook:     Restore(snapshot),
			Rejected:     true,
			RejectReason: err.Error(),
		}, nil
	}

	return &ReflectOutcome{
		Playbook:      working,
		Applied:       true,
		MergesApplied: mergesApplied,
		Pruned:        pruned,
		Evicted:       evicted,
	}, nil
}

// applyDeltas applies score/tag/text deltas to existing KPTs, clamping
// score to the valid range.
func applyDeltas(pb *models.Playbook, deltas map[string]ai.KPTDelta) {
	for name, delta := range deltas {
		k := pb.Find(name)
		if k == nil {
			continue
		}
		k.Score += delta.ScoreDelta
		if k.Score < int(models.MinScore) {
			k.Score = int(models.MinScore)
		}
		if k.Score > int(models.MaxScore) {
			k.Score = int(models.MaxScore)
		}
		if len(delta.TagAdditions) > 0 {
			k.Tags = Normalize(append(append([]string{}, k.Tags...), delta.TagAdditions...))
		}
		if delta.TextRewrite != "" {
			k.Text = delta.TextRewrite
			k.When, k.Do = "", ""
		}
	}
}

// revalidateMerges cross-checks each proposed merge pair against the
// local embedding oracle, dropping absorbed members whose pair score
// falls below the merge threshold. The oracle is best-effort: a pair it
// cannot score keeps the model's verdict.
func revalidateMerges(ctx context.Context, oracle ai.MergeOracle, pb *models.Playbook, merges []ai.MergeGroup, threshold float64) []ai.MergeGroup {
	if oracle == nil {
		return merges
	}

	out := make([]ai.MergeGroup, 0, len(merges))
	for _, g := range merges {
		survivor := pb.Find(g.Survivor)
		if survivor == nil {
			out = append(out, g)
			continue
		}

		kept := make([]string, 0, len(g.Absorbed))
		for _, n := range g.Absorbed {
			k := pb.Find(n)
			if k == nil {
				kept = append(kept, n)
				continue
			}
			score, err := oracle.PairScore(ctx, survivor.Name, survivor.DisplayText(), k.Name, k.DisplayText())
			if err != nil || score >= threshold {
				kept = append(kept, n)
			}
		}
		if len(kept) > 0 {
			g.Absorbed = kept
			out = append(out, g)
		}
	}
	return out
}

// applyMerges resolves merge groups, preferring the
// higher-reported-similarity group when two groups claim the same
// member, then folds absorbed members into their survivor.
func applyMerges(pb *models.Playbook, merges []ai.MergeGroup, threshold float64) int {
	owner := make(map[string]int) // absorbed name -> winning group index
	for i, g := range merges {
		if g.Similarity < threshold || g.Survivor == "" || len(g.Absorbed) == 0 {
			continue
		}
		for _, absorbedName := range g.Absorbed {
			if absorbedName == g.Survivor {
				continue
			}
			if prevIdx, ok := owner[absorbedName]; ok {
				if merges[prevIdx].Similarity >= g.Similarity {
					continue
				}
			}
			owner[absorbedName] = i
		}
	}

	// Group absorbed names by their final winning group index, then apply
	// groups in proposal order so the outcome does not depend on map
	// iteration when one group's survivor is another group's absorbed
	// member.
	byGroup := make(map[int][]string)
	groupOrder := make([]int, 0, len(merges))
	for name, idx := range owner {
		if _, seen := byGroup[idx]; !seen {
			groupOrder = append(groupOrder, idx)
		}
		byGroup[idx] = append(byGroup[idx], name)
	}
	sort.Ints(groupOrder)
	for _, names := range byGroup {
		sort.Strings(names)
	}

	merged := 0
	for _, idx := range groupOrder {
		g := merges[idx]
		proposed := pb.Find(g.Survivor)
		if proposed == nil {
			continue
		}

		members := []*models.KPT{proposed}
		for _, n := range byGroup[idx] {
			if k := pb.Find(n); k != nil {
				members = append(members, k)
			}
		}
		if len(members) < 2 {
			continue
		}

		// The highest-scored member survives, keeping its name and text;
		// the model's proposed survivor only breaks score ties. Its
		// effect/risk/innovation attributes are already its own, so no
		// copying is needed.
		best := proposed
		totalScore := 0
		var tagSet []string
		for _, m := range members {
			totalScore += m.Score
			tagSet = append(tagSet, m.Tags...)
			if m.Score > best.Score {
				best = m
			}
		}

		best.Score = clampInt(totalScore, int(models.MinScore), int(models.MaxScore))
		best.Tags = Normalize(tagSet)

		drop := make(map[string]bool, len(members)-1)
		for _, m := range members {
			if m != best {
				drop[m.Name] = true
			}
		}
		remaining := make([]models.KPT, 0, len(pb.KeyPoints)-len(drop))
		for _, k := range pb.KeyPoints {
			if drop[k.Name] {
				continue
			}
			remaining = append(remaining, k)
		}
		pb.KeyPoints = remaining
		merged += len(drop)
	}

	return merged
}

// admitNewKPTs adds model-proposed candidates as
// pending, normalizing tags and filling in default numeric attributes.
func admitNewKPTs(pb *models.Playbook, candidates []ai.NewKPTCandidate) {
	for _, c := range candidates {
		if c.Text == "" && (c.When == "" || c.Do == "") {
			continue
		}

		tags := Normalize(c.Tags)
		if len(tags) == 0 {
			tags = []string{synthesizeFallbackTag(c)}
		}

		k := models.KPT{
			Text:            c.Text,
			When:            c.When,
			Do:              c.Do,
			Tags:            tags,
			Score:           0,
			Pending:         true,
			EffectRating:    orDefault(c.EffectRating, defaultEffectRating),
			RiskLevel:       orDefault(c.RiskLevel, defaultRiskLevel),
			InnovationLevel: orDefault(c.InnovationLevel, defaultInnovationLevel),
		}
		k.Clamp()
		pb.KeyPoints = append(pb.KeyPoints, k)
	}
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// synthesizeFallbackTag honors invariant 3: if the extractor returned no
// tags, the Reflector must synthesize at least one.
func synthesizeFallbackTag(c ai.NewKPTCandidate) string {
	text := c.Text
	if text == "" {
		text = c.When + " " + c.Do
	}
	tokens := Tokenize(text)
	if len(tokens) > 0 {
		return tokens[0]
	}
	return "general"
}

// promote graduates pending items named in promotions.
func promote(pb *models.Playbook, promotions []string) {
	promoted := make(map[string]bool, len(promotions))
	for _, n := range promotions {
		promoted[n] = true
	}
	for i := range pb.KeyPoints {
		if pb.KeyPoints[i].Pending && promoted[pb.KeyPoints[i].Name] {
			pb.KeyPoints[i].Pending = false
		}
	}
}

// prune removes any KPT at or below the prune threshold.
func prune(pb *models.Playbook, threshold int) int {
	var kept []models.KPT
	removed := 0
	for _, k := range pb.KeyPoints {
		if k.Score <= threshold {
			removed++
			continue
		}
		kept = append(kept, k)
	}
	pb.KeyPoints = kept
	return removed
}

// evict removes lowest-scored stable KPTs until size is within MaxKPTs.
func evict(pb *models.Playbook, maxKPTs int) int {
	if maxKPTs <= 0 || len(pb.KeyPoints) <= maxKPTs {
		return 0
	}

	overflow := len(pb.KeyPoints) - maxKPTs

	stableIdx := make([]int, 0, len(pb.KeyPoints))
	for i, k := range pb.KeyPoints {
		if !k.Pending {
			stableIdx = append(stableIdx, i)
		}
	}
	sort.SliceStable(stableIdx, func(a, b int) bool {
		return pb.KeyPoints[stableIdx[a]].Score < pb.KeyPoints[stableIdx[b]].Score
	})

	toRemove := make(map[int]bool, overflow)
	for i := 0; i < overflow && i < len(stableIdx); i++ {
		toRemove[stableIdx[i]] = true
	}

	kept := make([]models.KPT, 0, len(pb.KeyPoints)-len(toRemove))
	for i, k := range pb.KeyPoints {
		if toRemove[i] {
			continue
		}
		kept = append(kept, k)
	}
	pb.KeyPoints = kept
	return len(toRemove)
}

// reorder places the stable region first (descending score, then name),
// pending region second (insertion order preserved).
func reorder(pb *models.Playbook) {
	stable := pb.Stable()
	pending := pb.PendingOnes()

	sort.SliceStable(stable, func(i, j int) bool {
		if stable[i].Score != stable[j].Score {
			return stable[i].Score > stable[j].Score
		}
		return stable[i].Name < stable[j].Name
	})

	pb.KeyPoints = append(stable, pending...)
}

// renumber assigns a dense kpt_001..kpt_N prefix to the final order.
func renumber(pb *models.Playbook) {
	for i := range pb.KeyPoints {
		pb.KeyPoints[i].Name = fmt.Sprintf("kpt_%03d", i+1)
	}
}
