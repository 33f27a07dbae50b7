package playbook

import "github.com/simpleflo/playbookd/pkg/models"

// riskRule mirrors a priority-ordered policy check: a condition over a
// candidate KPT and temperature, paired with the reason to log when it
// fires. The Selector's risk gate evaluates rules in priority order and
// drops the candidate on the first match.
type riskRule struct {
	Priority  int
	Condition func(k *models.KPT, temperature float64) bool
	Reason    string
}

// Matches reports whether the rule fires for k at the given temperature.
func (r riskRule) Matches(k *models.KPT, temperature float64) bool {
	if r.Condition == nil {
		return false
	}
	return r.Condition(k, temperature)
}

// riskGateRules returns the Selector's built-in risk gate: drop any KPT
// whose risk_level is at or above the extreme-risk threshold, which is 0.8
// at low temperature (T <= 0.4) and the stricter 0.6 above it.
func riskGateRules() []riskRule {
	return []riskRule{
		{
			Priority: 0,
			Reason:   "risk_level exceeds extreme risk threshold for low temperature",
			Condition: func(k *models.KPT, temperature float64) bool {
				return temperature <= 0.4 && k.RiskLevel >= extremeRiskThreshold(temperature)
			},
		},
		{
			Priority: 1,
			Reason:   "risk_level exceeds extreme risk threshold",
			Condition: func(k *models.KPT, temperature float64) bool {
				return temperature > 0.4 && k.RiskLevel >= extremeRiskThreshold(temperature)
			},
		},
	}
}

// extremeRiskThreshold returns the risk_level cutoff compared directly on
// risk_level's signed scale (more negative is safer): 0.8 when T <= 0.4,
// else 0.6.
func extremeRiskThreshold(temperature float64) float64 {
	if temperature <= 0.4 {
		return 0.8
	}
	return 0.6
}

// passesRiskGate applies riskGateRules in priority order, returning false
// on the first matching (i.e. rejecting) rule.
func passesRiskGate(k *models.KPT, temperature float64) bool {
	rules := riskGateRules()
	for _, r := range rules {
		if r.Matches(k, temperature) {
			return false
		}
	}
	return true
}
