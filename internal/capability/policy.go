package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"concord/internal/domain"
)

// PolicyConfig holds the weighted-score parameters the policy provider uses
// when a party's policy does not override them.
type PolicyConfig struct {
	Weights          map[string]float64
	ApproveThreshold float64
	RejectThreshold  float64
}

// partyPolicy is the structured configuration a party hands to the policy
// provider. Scores are per weighted category; an explicit decision short
// circuits scoring entirely (useful for scripted parties).
type partyPolicy struct {
	Decision         string             `json:"decision,omitempty"`
	NonNegotiable    bool               `json:"non_negotiable,omitempty"`
	Scores           map[string]float64 `json:"scores,omitempty"`
	Weights          map[string]float64 `json:"weights,omitempty"`
	ApproveThreshold *float64           `json:"approve_threshold,omitempty"`
	RejectThreshold  *float64           `json:"reject_threshold,omitempty"`
}

// PolicyProvider is the built-in decision provider: it interprets the party
// policy as weighted category scores and converts the aggregate into a
// decision. Weight semantics and thresholds are configuration, not constants.
type PolicyProvider struct {
	Defaults PolicyConfig
}

func (p *PolicyProvider) Evaluate(ctx context.Context, req EvaluationRequest) (Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return Evaluation{}, err
	}
	var policy partyPolicy
	if req.PolicyJSON != "" {
		if err := json.Unmarshal([]byte(req.PolicyJSON), &policy); err != nil {
			return Evaluation{}, fmt.Errorf("party %s policy: %w", req.PartyID, err)
		}
	}
	if policy.Decision != "" {
		rationale, _ := json.Marshal(map[string]any{
			"source": "policy_override",
			"round":  req.Round,
		})
		return Evaluation{
			Decision:      policy.Decision,
			RationaleJSON: string(rationale),
			NonNegotiable: policy.NonNegotiable,
		}, nil
	}

	weights := policy.Weights
	if len(weights) == 0 {
		weights = p.Defaults.Weights
	}
	approve := p.Defaults.ApproveThreshold
	if policy.ApproveThreshold != nil {
		approve = *policy.ApproveThreshold
	}
	reject := p.Defaults.RejectThreshold
	if policy.RejectThreshold != nil {
		reject = *policy.RejectThreshold
	}

	score := weightedScore(policy.Scores, weights)
	decision := domain.DecisionRequestedChanges
	switch {
	case score >= approve:
		decision = domain.DecisionApproved
	case score < reject:
		decision = domain.DecisionRejected
	}

	rationale, _ := json.Marshal(map[string]any{
		"source":            "weighted_score",
		"score":             score,
		"approve_threshold": approve,
		"reject_threshold":  reject,
		"round":             req.Round,
	})
	return Evaluation{
		Decision:      decision,
		RationaleJSON: string(rationale),
		NonNegotiable: decision == domain.DecisionRejected && policy.NonNegotiable,
	}, nil
}

// weightedScore normalizes by the sum of weights so partial score maps stay
// on the same scale. Missing categories score neutral (5).
func weightedScore(scores, weights map[string]float64) float64 {
	if len(weights) == 0 {
		return 5
	}
	cats := make([]string, 0, len(weights))
	for cat := range weights {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	var total, weightSum float64
	for _, cat := range cats {
		w := weights[cat]
		s, ok := scores[cat]
		if !ok {
			s = 5
		}
		total += s * w
		weightSum += w
	}
	if weightSum == 0 {
		return 5
	}
	return total / weightSum
}
