package engine

import (
	"sort"

	"concord/internal/domain"
)

// Classification summarizes a complete round of party responses.
type Classification struct {
	Approvals      int
	Rejections     int
	ChangeRequests int
	Conflict       *domain.Conflict
}

// Classify derives the conflict outcome for a round from its full response
// set. Any rejection is a conflict regardless of tolerance; requested changes
// conflict only when they exceed the tolerance. The function is pure and
// deterministic: responses are ordered by party id before grouping, so
// replaying the same set always yields the same conflict.
func Classify(round int, responses []domain.PartyResponse, tolerance int) Classification {
	ordered := make([]domain.PartyResponse, len(responses))
	copy(ordered, responses)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PartyID < ordered[j].PartyID })

	var cls Classification
	var dissenting, assenting []domain.PartyDecision
	for _, r := range ordered {
		pd := domain.PartyDecision{PartyID: r.PartyID, Decision: r.Decision}
		switch r.Decision {
		case domain.DecisionApproved:
			cls.Approvals++
			assenting = append(assenting, pd)
		case domain.DecisionRejected:
			cls.Rejections++
			dissenting = append(dissenting, pd)
		default:
			cls.ChangeRequests++
			dissenting = append(dissenting, pd)
		}
	}
	if cls.Rejections > 0 || cls.ChangeRequests > tolerance {
		cls.Conflict = &domain.Conflict{
			Round:      round,
			Dissenting: dissenting,
			Assenting:  assenting,
		}
	}
	return cls
}
