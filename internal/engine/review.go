package engine

import (
	"context"
	"fmt"

	"concord/internal/capability"
	"concord/internal/domain"
	"concord/internal/events"
)

// reviewCriterion reports why a case needs the specialized review gate, or ""
// when it can finalize directly. Two triggers: the summed value delta of the
// change set reaching the configured threshold, or any change touching a
// flagged category.
func (e *Engine) reviewCriterion(c domain.Case) string {
	var total float64
	for _, ch := range c.Changes {
		total += ch.ValueDelta
	}
	if t := e.Config.Review.ValueThreshold; t > 0 && total >= t {
		return fmt.Sprintf("value_delta %.2f >= %.2f", total, t)
	}
	for _, ch := range c.Changes {
		for _, cat := range e.Config.Review.FlagCategories {
			if ch.Category == cat {
				return fmt.Sprintf("flagged category %s (%s)", cat, ch.Name)
			}
		}
	}
	return ""
}

// runReview obtains the single review verdict for the case and routes on it.
// The verdict is persisted in the same commit as the transition, so a replay
// never asks the reviewer twice.
func (e *Engine) runReview(ctx context.Context, c domain.Case) (domain.Case, error) {
	verdict := c.ReviewVerdict
	if verdict == "" {
		err := e.retry().Do(ctx, func(ctx context.Context) error {
			rctx, cancel := context.WithTimeout(ctx, e.Config.ReviewTimeout())
			defer cancel()
			got, callErr := e.Capabilities.Reviewer.Review(rctx, capability.ReviewRequest{
				CaseID:      c.ID,
				DocumentRef: c.DocumentRef,
				Changes:     c.Changes,
			})
			if callErr != nil {
				return callErr
			}
			verdict = got
			return nil
		})
		if err != nil {
			return e.failCase(ctx, c, domain.StateReviewing, "review_gate",
				domain.ReasonReviewUnavailable,
				fmt.Sprintf("review capability unavailable: %v", err), nil)
		}
	}

	c.ReviewVerdict = verdict
	if verdict != capability.VerdictApproved {
		return e.failCase(ctx, c, domain.StateReviewing, "review_gate",
			domain.ReasonReviewRejected, "specialized review rejected the change set", nil)
	}
	next := c
	next.State = domain.StateFinalizing
	return e.commitTransition(ctx, next, domain.StateReviewing, "review_gate", events.EventPayload{
		"verdict": verdict,
		"round":   c.Round,
	}, nil)
}

// runFinalize asks the merge capability for the consolidated artifact and
// completes the case.
func (e *Engine) runFinalize(ctx context.Context, c domain.Case) (domain.Case, error) {
	var artifact capability.Artifact
	err := e.retry().Do(ctx, func(ctx context.Context) error {
		mctx, cancel := context.WithTimeout(ctx, e.Config.MergeTimeout())
		defer cancel()
		got, callErr := e.Capabilities.Merger.Merge(mctx, capability.MergeRequest{
			CaseID:           c.ID,
			DocumentRef:      c.DocumentRef,
			OriginalDocument: c.OriginalDocument,
			Changes:          c.Changes,
		})
		if callErr != nil {
			return callErr
		}
		artifact = got
		return nil
	})
	if err != nil {
		return e.failCase(ctx, c, domain.StateFinalizing, "finalizer",
			domain.ReasonMergeFailed,
			fmt.Sprintf("merge capability failed: %v", err), nil)
	}

	next := c
	next.State = domain.StateCompleted
	next.ArtifactRef = artifact.Ref
	next.ArtifactHash = artifact.ContentHash
	now := e.nowStr()
	next.CompletedAt = &now
	return e.commitTransition(ctx, next, domain.StateFinalizing, "finalizer", events.EventPayload{
		"artifact_ref":  artifact.Ref,
		"artifact_hash": artifact.ContentHash,
		"rounds":        c.Round,
	}, nil)
}
