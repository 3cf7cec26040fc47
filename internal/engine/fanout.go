package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"concord/internal/capability"
	"concord/internal/domain"
	"concord/internal/events"
	"concord/internal/repo"
)

// runEvaluation executes one evaluation round: fan out to every party that
// has not yet answered this round, persist the answers, then classify the
// complete response set. Re-entrant after a crash or resume; answered
// parties are never asked twice for the same round.
func (e *Engine) runEvaluation(ctx context.Context, c domain.Case) (domain.Case, error) {
	fresh, err := e.collectRound(ctx, c)
	if err != nil {
		return c, err
	}
	if len(fresh) > 0 {
		if err := e.storeResponses(ctx, c, fresh); err != nil {
			return c, err
		}
	}

	set, err := e.Repo.ListResponses(ctx, c.ID, c.Round)
	if err != nil {
		return c, err
	}
	if len(set) < len(c.Parties) {
		return c, fmt.Errorf("round %d incomplete: %d of %d responses", c.Round, len(set), len(c.Parties))
	}

	for _, r := range set {
		if r.Decision == domain.DecisionRejected && r.NonNegotiable {
			return e.failCase(ctx, c, domain.StateEvaluating, "fanout",
				domain.ReasonPartyRejected,
				fmt.Sprintf("party %s rejected as non-negotiable", r.PartyID), nil)
		}
	}

	cls := Classify(c.Round, set, e.Config.Workflow.ConflictTolerance)
	payload := events.EventPayload{
		"round":           c.Round,
		"approvals":       cls.Approvals,
		"rejections":      cls.Rejections,
		"change_requests": cls.ChangeRequests,
	}
	if cls.Conflict != nil {
		dissenting := make([]string, 0, len(cls.Conflict.Dissenting))
		for _, d := range cls.Conflict.Dissenting {
			dissenting = append(dissenting, d.PartyID)
		}
		payload["dissenting"] = dissenting
		next := c
		next.State = domain.StateConflictDetected
		return e.commitTransition(ctx, next, domain.StateEvaluating, "detector", payload, nil)
	}

	if criterion := e.reviewCriterion(c); criterion != "" {
		payload["criterion"] = criterion
		next := c
		next.State = domain.StateReviewing
		return e.commitTransition(ctx, next, domain.StateEvaluating, "review_gate", payload, nil)
	}

	next := c
	next.State = domain.StateFinalizing
	return e.commitTransition(ctx, next, domain.StateEvaluating, "engine", payload, nil)
}

// collectRound asks every unanswered party for its decision concurrently,
// bounded by the round deadline. It never returns a partial set error: a
// party that cannot answer is synthesized as requested_changes so the round
// always completes.
func (e *Engine) collectRound(ctx context.Context, c domain.Case) ([]domain.PartyResponse, error) {
	existing, err := e.Repo.ListResponses(ctx, c.ID, c.Round)
	if err != nil {
		return nil, err
	}
	answered := make(map[string]bool, len(existing))
	for _, r := range existing {
		answered[r.PartyID] = true
	}
	var pending []domain.Party
	for _, p := range c.Parties {
		if !answered[p.ID] {
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	rctx, cancel := context.WithTimeout(ctx, e.Config.RoundDeadline())
	defer cancel()

	results := make([]domain.PartyResponse, len(pending))
	var g errgroup.Group
	for i, p := range pending {
		i, p := i, p
		g.Go(func() error {
			results[i] = e.evaluateParty(rctx, c, p)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// evaluateParty runs one party's decision provider with the per-decision
// timeout and retry budget. Timeouts and exhausted retries synthesize a
// requested_changes response carrying the failure in its rationale; the
// round proceeds either way.
func (e *Engine) evaluateParty(ctx context.Context, c domain.Case, p domain.Party) domain.PartyResponse {
	resp := domain.PartyResponse{
		ID:      uuid.New().String(),
		CaseID:  c.ID,
		Round:   c.Round,
		PartyID: p.ID,
		TS:      e.nowStr(),
	}

	provider, err := e.Capabilities.ProviderFor(p)
	if err == nil {
		var ev capability.Evaluation
		err = e.retry().Do(ctx, func(ctx context.Context) error {
			dctx, cancel := context.WithTimeout(ctx, e.Config.DecisionTimeout())
			defer cancel()
			got, callErr := provider.Evaluate(dctx, capability.EvaluationRequest{
				CaseID:           c.ID,
				Round:            c.Round,
				DocumentRef:      c.DocumentRef,
				OriginalDocument: c.OriginalDocument,
				Changes:          c.Changes,
				PartyID:          p.ID,
				PolicyJSON:       p.PolicyJSON,
			})
			if callErr != nil {
				return callErr
			}
			switch got.Decision {
			case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionRequestedChanges:
			default:
				return fmt.Errorf("party %s: invalid decision %q", p.ID, got.Decision)
			}
			ev = got
			return nil
		})
		if err == nil {
			resp.Decision = ev.Decision
			resp.RationaleJSON = ev.RationaleJSON
			resp.NonNegotiable = ev.NonNegotiable
			return resp
		}
	}

	reason := "provider_error"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	rationale, _ := json.Marshal(map[string]any{
		"reason": reason,
		"detail": err.Error(),
		"round":  c.Round,
	})
	resp.Decision = domain.DecisionRequestedChanges
	resp.RationaleJSON = string(rationale)
	resp.Synthesized = true
	resp.TS = e.nowStr()
	return resp
}

// storeResponses persists freshly collected responses. The transaction first
// re-checks that the case is still in this round's evaluation; if a control
// transition moved the case while the fan-out ran, the results are discarded.
// Duplicate responses (from a racing resume) are ignored by the unique
// round/party constraint.
func (e *Engine) storeResponses(ctx context.Context, c domain.Case, responses []domain.PartyResponse) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state string
	var round int
	if err := tx.QueryRowContext(ctx, `SELECT state, round FROM cases WHERE id = ?`, c.ID).Scan(&state, &round); err != nil {
		if err == sql.ErrNoRows {
			return repo.ErrNotFound
		}
		return err
	}
	if state != domain.StateEvaluating || round != c.Round {
		return repo.ErrConcurrentTransition
	}
	for _, r := range responses {
		if _, err := e.Repo.InsertResponseTx(ctx, tx, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}
