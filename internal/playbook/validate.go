package playbook

import (
	"fmt"

	"github.com/simpleflo/playbookd/pkg/models"
)

// Validate checks the invariants that must hold after any Storage.Store,
// given the configured max-size ceiling and prune threshold. It does not
// mutate pb except for clamping numeric attributes into range.
func Validate(pb *models.Playbook, maxKPTs, pruneThreshold int) error {
	if err := validateNames(pb); err != nil {
		return err
	}
	if err := validateOrdering(pb); err != nil {
		return err
	}
	if err := validateContent(pb); err != nil {
		return err
	}
	if err := validatePruneThreshold(pb, pruneThreshold); err != nil {
		return err
	}
	if err := validateSize(pb, maxKPTs); err != nil {
		return err
	}
	clampNumerics(pb)
	return nil
}

// validateNames enforces uniqueness and a dense kpt_001..kpt_N prefix.
func validateNames(pb *models.Playbook) error {
	seen := make(map[string]bool, len(pb.KeyPoints))
	for _, k := range pb.KeyPoints {
		if seen[k.Name] {
			return models.NewError(models.ErrInvariantViolation, "duplicate kpt name").
				WithDetails("name", k.Name)
		}
		seen[k.Name] = true
	}

	for i, k := range pb.KeyPoints {
		want := fmt.Sprintf("kpt_%03d", i+1)
		if k.Name != want {
			return models.NewError(models.ErrInvariantViolation, "kpt names are not a dense prefix").
				WithDetails("index", i).
				WithDetails("got", k.Name).
				WithDetails("want", want)
		}
	}
	return nil
}

// validateOrdering enforces stable region before pending region, no
// interleaving.
func validateOrdering(pb *models.Playbook) error {
	seenPending := false
	for _, k := range pb.KeyPoints {
		if k.Pending {
			seenPending = true
			continue
		}
		if seenPending {
			return models.NewError(models.ErrInvariantViolation, "stable kpt found after pending region").
				WithDetails("name", k.Name)
		}
	}
	return nil
}

// validateContent enforces non-empty text/when+do and non-empty tags.
func validateContent(pb *models.Playbook) error {
	for _, k := range pb.KeyPoints {
		if k.Text == "" && !k.HasWhenDo() {
			return models.NewError(models.ErrInvariantViolation, "kpt has no text and no when/do").
				WithDetails("name", k.Name)
		}
		if len(k.Tags) == 0 {
			return models.NewError(models.ErrInvariantViolation, "kpt has no tags").
				WithDetails("name", k.Name)
		}
	}
	return nil
}

func validatePruneThreshold(pb *models.Playbook, threshold int) error {
	for _, k := range pb.KeyPoints {
		if k.Score <= threshold {
			return models.NewError(models.ErrInvariantViolation, "kpt at or below prune threshold was not removed").
				WithDetails("name", k.Name).
				WithDetails("score", k.Score)
		}
	}
	return nil
}

func validateSize(pb *models.Playbook, maxKPTs int) error {
	if maxKPTs > 0 && len(pb.KeyPoints) > maxKPTs {
		return models.NewError(models.ErrInvariantViolation, "playbook exceeds maximum size").
			WithDetails("size", len(pb.KeyPoints)).
			WithDetails("max", maxKPTs)
	}
	return nil
}

func clampNumerics(pb *models.Playbook) {
	for i := range pb.KeyPoints {
		pb.KeyPoints[i].Clamp()
	}
}
