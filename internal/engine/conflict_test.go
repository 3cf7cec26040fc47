package engine_test

import (
	"testing"

	"concord/internal/domain"
	"concord/internal/engine"
)

func resp(party, decision string) domain.PartyResponse {
	return domain.PartyResponse{CaseID: "c1", Round: 1, PartyID: party, Decision: decision}
}

func TestClassifyUnanimousApproval(t *testing.T) {
	cls := engine.Classify(1, []domain.PartyResponse{
		resp("a", domain.DecisionApproved),
		resp("b", domain.DecisionApproved),
	}, 0)
	if cls.Conflict != nil {
		t.Fatalf("expected no conflict, got %+v", cls.Conflict)
	}
	if cls.Approvals != 2 {
		t.Fatalf("expected 2 approvals, got %d", cls.Approvals)
	}
}

func TestClassifyRejectionAlwaysConflicts(t *testing.T) {
	// tolerance does not absorb rejections
	cls := engine.Classify(1, []domain.PartyResponse{
		resp("a", domain.DecisionApproved),
		resp("b", domain.DecisionRejected),
	}, 5)
	if cls.Conflict == nil {
		t.Fatalf("expected conflict on rejection")
	}
	if len(cls.Conflict.Dissenting) != 1 || cls.Conflict.Dissenting[0].PartyID != "b" {
		t.Fatalf("unexpected dissenting set: %+v", cls.Conflict.Dissenting)
	}
}

func TestClassifyToleranceAbsorbsChangeRequests(t *testing.T) {
	set := []domain.PartyResponse{
		resp("a", domain.DecisionApproved),
		resp("b", domain.DecisionRequestedChanges),
	}
	if cls := engine.Classify(1, set, 1); cls.Conflict != nil {
		t.Fatalf("expected tolerance 1 to absorb one change request")
	}
	if cls := engine.Classify(1, set, 0); cls.Conflict == nil {
		t.Fatalf("expected conflict at tolerance 0")
	}
}

func TestClassifyDeterministicOrder(t *testing.T) {
	forward := []domain.PartyResponse{
		resp("a", domain.DecisionRequestedChanges),
		resp("b", domain.DecisionRejected),
		resp("c", domain.DecisionApproved),
	}
	reversed := []domain.PartyResponse{forward[2], forward[1], forward[0]}
	c1 := engine.Classify(1, forward, 0).Conflict
	c2 := engine.Classify(1, reversed, 0).Conflict
	if c1 == nil || c2 == nil {
		t.Fatalf("expected conflicts")
	}
	if len(c1.Dissenting) != len(c2.Dissenting) {
		t.Fatalf("dissenting lengths differ")
	}
	for i := range c1.Dissenting {
		if c1.Dissenting[i] != c2.Dissenting[i] {
			t.Fatalf("order not deterministic: %+v vs %+v", c1.Dissenting, c2.Dissenting)
		}
	}
}
