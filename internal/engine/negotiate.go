package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"concord/internal/capability"
	"concord/internal/domain"
	"concord/internal/events"
)

// runMediation executes one negotiation cycle for a conflicted round. The
// conflict is recomputed from the persisted responses so a resumed case
// mediates the same conflict it parked on. Every cycle records exactly one
// negotiation attempt in the transition's transaction.
func (e *Engine) runMediation(ctx context.Context, c domain.Case) (domain.Case, error) {
	set, err := e.Repo.ListResponses(ctx, c.ID, c.Round)
	if err != nil {
		return c, err
	}
	cls := Classify(c.Round, set, e.Config.Workflow.ConflictTolerance)
	if cls.Conflict == nil {
		return c, fmt.Errorf("case %s: no conflict to mediate in round %d", c.ID, c.Round)
	}
	conflictJSON, err := json.Marshal(cls.Conflict)
	if err != nil {
		return c, err
	}

	maxRounds := e.Config.Workflow.MaxRounds
	if c.Round >= maxRounds {
		attempt := domain.NegotiationAttempt{
			ID:           uuid.New().String(),
			CaseID:       c.ID,
			Round:        c.Round,
			ConflictJSON: string(conflictJSON),
			Outcome:      domain.AttemptExhausted,
			CreatedAt:    e.nowStr(),
		}
		return e.failCase(ctx, c, domain.StateMediating, "negotiator",
			domain.ReasonNegotiationExhausted,
			fmt.Sprintf("conflict unresolved after %d of %d rounds", c.Round, maxRounds),
			func(tx *sql.Tx) error { return e.Repo.InsertAttemptTx(ctx, tx, attempt) })
	}

	var delta capability.ChangeDelta
	err = e.retry().Do(ctx, func(ctx context.Context) error {
		mctx, cancel := context.WithTimeout(ctx, e.Config.MediationTimeout())
		defer cancel()
		got, callErr := e.Capabilities.Mediator.Propose(mctx, capability.MediationRequest{
			CaseID:    c.ID,
			Round:     c.Round,
			Conflict:  *cls.Conflict,
			Changes:   c.Changes,
			Responses: set,
		})
		if callErr != nil {
			return callErr
		}
		delta = got
		return nil
	})
	if err != nil {
		attempt := domain.NegotiationAttempt{
			ID:           uuid.New().String(),
			CaseID:       c.ID,
			Round:        c.Round,
			ConflictJSON: string(conflictJSON),
			Outcome:      domain.AttemptFailed,
			CreatedAt:    e.nowStr(),
		}
		return e.failCase(ctx, c, domain.StateMediating, "negotiator",
			domain.ReasonMediationUnavailable,
			fmt.Sprintf("mediation capability unavailable: %v", err),
			func(tx *sql.Tx) error { return e.Repo.InsertAttemptTx(ctx, tx, attempt) })
	}

	nextRound := c.Round + 1
	merged := applyDelta(c.Changes, delta.Items)
	proposalJSON, err := json.Marshal(delta)
	if err != nil {
		return c, err
	}
	now := e.nowStr()
	attempt := domain.NegotiationAttempt{
		ID:           uuid.New().String(),
		CaseID:       c.ID,
		Round:        c.Round,
		ConflictJSON: string(conflictJSON),
		ProposalJSON: string(proposalJSON),
		Outcome:      domain.AttemptResubmitted,
		NextRound:    &nextRound,
		CreatedAt:    now,
	}
	snapshot := domain.ChangeSnapshot{
		CaseID:    c.ID,
		Round:     nextRound,
		Changes:   merged,
		CreatedAt: now,
	}

	next := c
	next.Changes = merged
	next.Round = nextRound
	next.State = domain.StateEvaluating
	return e.commitTransition(ctx, next, domain.StateMediating, "negotiator", events.EventPayload{
		"round":      c.Round,
		"next_round": nextRound,
		"changes":    len(merged),
	}, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAttemptTx(ctx, tx, attempt); err != nil {
			return err
		}
		return e.Repo.InsertSnapshotTx(ctx, tx, snapshot)
	})
}

// applyDelta folds a mediation proposal into the proposed change set: items
// matching an existing name replace it in place, new names append in
// proposal order.
func applyDelta(changes, delta []domain.ChangeItem) []domain.ChangeItem {
	merged := make([]domain.ChangeItem, len(changes))
	copy(merged, changes)
	index := make(map[string]int, len(merged))
	for i, c := range merged {
		index[c.Name] = i
	}
	for _, item := range delta {
		if i, ok := index[item.Name]; ok {
			merged[i] = item
			continue
		}
		index[item.Name] = len(merged)
		merged = append(merged, item)
	}
	return merged
}
