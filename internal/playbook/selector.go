package playbook

import (
	"regexp"
	"sort"

	"github.com/simpleflo/playbookd/pkg/models"
)

// HighConfidenceScore is the score at/above which a candidate is treated
// as HighConfidence rather than Recommendation.
const HighConfidenceScore = 2

var (
	urgentCuesRE      = regexp.MustCompile(`(?i)\b(fix|bug|error|urgent|critical|broken)\b`)
	productionCuesRE  = regexp.MustCompile(`(?i)\b(production|deploy|release|customer)\b`)
	exploratoryCuesRE = regexp.MustCompile(`(?i)\b(explore|learn|research|alternative|innovative)\b`)
)

// SelectionInput bundles the Selector's per-call inputs.
type SelectionInput struct {
	Prompt      string
	PromptTags  []string
	Temperature float64
	Limit       int

	// AdaptiveTemperature enables the keyword-based override of
	// Temperature before layer assignment.
	AdaptiveTemperature bool
}

// Select runs the full Selector algorithm and returns an ordered subset
// of stable KPTs to inject.
func Select(pb *models.Playbook, in SelectionInput) []models.KPT {
	limit := in.Limit
	if limit <= 0 {
		limit = 6
	}

	temperature := in.Temperature
	if in.AdaptiveTemperature {
		temperature = adaptiveTemperatureOverride(in.Prompt, temperature)
	}

	promptTokens := Tokenize(in.Prompt)
	candidates := candidateFilter(pb, in.PromptTags, promptTokens, limit)

	type scored struct {
		kpt        models.KPT
		weight     float64
		primaryTag string
	}

	scoredCandidates := make([]scored, 0, len(candidates))
	for _, k := range candidates {
		if !passesRiskGate(&k, temperature) {
			continue
		}

		base := baseWeight(in.PromptTags, promptTokens, k)
		mu := temperatureMultiplier(k, temperature)
		weight := base * max(mu, 0.05)

		scoredCandidates = append(scoredCandidates, scored{
			kpt:        k,
			weight:     weight,
			primaryTag: primaryTag(k),
		})
	}

	// Diversity floor: once a tag accounts for >= limit/2 of the
	// selection built so far, halve the weight of further candidates
	// whose primary tag is that tag. Each candidate is halved at most
	// once, which both converges and keeps ordering deterministic.
	type candidate struct {
		scored
		halved bool
	}

	pending := make([]candidate, len(scoredCandidates))
	for i, c := range scoredCandidates {
		pending[i] = candidate{scored: c}
	}

	byWeight := func(i, j int) bool {
		if pending[i].weight != pending[j].weight {
			return pending[i].weight > pending[j].weight
		}
		if pending[i].kpt.Score != pending[j].kpt.Score {
			return pending[i].kpt.Score > pending[j].kpt.Score
		}
		return pending[i].kpt.Name < pending[j].kpt.Name
	}

	tagCounts := make(map[string]int)
	result := make([]models.KPT, 0, limit)
	threshold := float64(limit) / 2.0

	for len(result) < limit && len(pending) > 0 {
		sort.SliceStable(pending, byWeight)

		top := &pending[0]
		if !top.halved && float64(tagCounts[top.primaryTag]) >= threshold {
			top.weight *= 0.5
			top.halved = true
			continue
		}

		result = append(result, top.kpt)
		tagCounts[top.primaryTag]++
		pending = pending[1:]
	}

	return result
}

// candidateFilter keeps stable KPTs whose tags or text overlap the
// prompt, relaxing to top-scored stable KPTs when too few match.
func candidateFilter(pb *models.Playbook, promptTags, promptTokens []string, limit int) []models.KPT {
	promptTagSet := make(map[string]bool, len(promptTags))
	for _, t := range promptTags {
		promptTagSet[t] = true
	}

	stable := pb.Stable()

	var direct []models.KPT
	for _, k := range stable {
		if tagsIntersect(promptTagSet, k.Tags) || Hits(promptTokens, k.DisplayText()) >= 1 {
			direct = append(direct, k)
		}
	}

	working := max(limit*2, 15)
	if len(direct) >= limit*2 {
		return direct
	}

	// Relax: add top-scored stable KPTs irrespective of overlap.
	sort.SliceStable(stable, func(i, j int) bool {
		return stable[i].Score > stable[j].Score
	})

	present := make(map[string]bool, len(direct))
	for _, k := range direct {
		present[k.Name] = true
	}

	out := append([]models.KPT{}, direct...)
	for _, k := range stable {
		if len(out) >= working {
			break
		}
		if present[k.Name] {
			continue
		}
		out = append(out, k)
		present[k.Name] = true
	}

	return out
}

func tagsIntersect(promptTagSet map[string]bool, kptTags []string) bool {
	for _, t := range kptTags {
		if promptTagSet[t] {
			return true
		}
	}
	return false
}

// baseWeight blends tag coverage, clamped score, and textual hits.
func baseWeight(promptTags, promptTokens []string, k models.KPT) float64 {
	score := clampF(float64(k.Score), models.MinScore, models.MaxScore)
	return 10*Coverage(promptTags, k.Tags) + 3*score + 5*float64(Hits(promptTokens, k.DisplayText()))
}

// temperatureMultiplier computes the layer assignment, temperature
// multiplier, and multi-dimensional tilt. The constants are fixed:
// selection must be reproducible for identical inputs.
func temperatureMultiplier(k models.KPT, temperature float64) float64 {
	if k.Score >= HighConfidenceScore {
		mu := 2.5 - 1.5*temperature
		if temperature <= 0.3 {
			mu += 0.5
		} else if temperature >= 0.7 {
			mu -= 0.3
		}

		mu += 0.3 * k.EffectRating
		if k.RiskLevel <= -0.5 {
			mu += 0.2
		}
		return mu
	}

	mu := 2.0 * temperature
	if temperature <= 0.3 {
		mu *= 0.3
	} else if temperature >= 0.7 {
		mu += 0.5
	}

	mu += 0.4 * k.InnovationLevel
	if k.RiskLevel >= -0.2 {
		mu *= 0.8
	}
	return mu
}

// adaptiveTemperatureOverride implements the optional keyword heuristic
// that may override the LLM-supplied temperature before layer assignment.
func adaptiveTemperatureOverride(prompt string, temperature float64) float64 {
	t := temperature
	if urgentCuesRE.MatchString(prompt) && t > 0.3 {
		t = 0.3
	}
	if productionCuesRE.MatchString(prompt) && t > 0.5 {
		t = 0.5
	}
	if exploratoryCuesRE.MatchString(prompt) && t < 0.7 {
		t = 0.7
	}
	return t
}

// primaryTag returns the tag used for the diversity floor: the first tag
// in the KPT's normalized (and therefore already-deterministic) tag list.
func primaryTag(k models.KPT) string {
	if len(k.Tags) == 0 {
		return ""
	}
	return k.Tags[0]
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
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
