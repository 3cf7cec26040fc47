// Package capability defines the contracts of the external collaborators the
// orchestration engine consumes: per-party decision providers, the mediation
// capability, the specialized review capability and the merge capability.
// Implementations here are adapters only; the engine never assumes how a
// decision is produced.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"concord/internal/domain"
)

// EvaluationRequest carries the identical payload every party receives for a
// round.
type EvaluationRequest struct {
	CaseID           string              `json:"case_id"`
	Round            int                 `json:"round"`
	DocumentRef      string              `json:"document_ref"`
	OriginalDocument string              `json:"original_document,omitempty"`
	Changes          []domain.ChangeItem `json:"changes"`
	PartyID          string              `json:"party_id"`
	PolicyJSON       string              `json:"policy_json,omitempty"`
}

// Evaluation is a decision provider's answer.
type Evaluation struct {
	Decision      string `json:"decision"`
	RationaleJSON string `json:"rationale,omitempty"`
	NonNegotiable bool   `json:"non_negotiable,omitempty"`
}

// DecisionProvider produces one party's decision for a case round.
type DecisionProvider interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (Evaluation, error)
}

// MediationRequest carries the conflict and context handed to the mediator.
type MediationRequest struct {
	CaseID    string                 `json:"case_id"`
	Round     int                    `json:"round"`
	Conflict  domain.Conflict        `json:"conflict"`
	Changes   []domain.ChangeItem    `json:"changes"`
	Responses []domain.PartyResponse `json:"responses"`
}

// ChangeDelta is a compromise produced by mediation: named items appended to
// or overriding the proposed change set.
type ChangeDelta struct {
	Items         []domain.ChangeItem `json:"items"`
	RationaleJSON string              `json:"rationale,omitempty"`
}

// Mediator proposes a compromise for a conflict.
type Mediator interface {
	Propose(ctx context.Context, req MediationRequest) (ChangeDelta, error)
}

// ReviewRequest carries case context for the specialized review step.
type ReviewRequest struct {
	CaseID      string              `json:"case_id"`
	DocumentRef string              `json:"document_ref"`
	Changes     []domain.ChangeItem `json:"changes"`
}

// Review verdicts.
const (
	VerdictApproved = "approved"
	VerdictRejected = "rejected"
)

// Reviewer renders a single approved/rejected verdict per case.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (string, error)
}

// MergeRequest asks the merge capability for the consolidated artifact.
type MergeRequest struct {
	CaseID           string              `json:"case_id"`
	DocumentRef      string              `json:"document_ref"`
	OriginalDocument string              `json:"original_document,omitempty"`
	Changes          []domain.ChangeItem `json:"changes"`
}

// Artifact is the consolidated output of a successful merge.
type Artifact struct {
	Ref         string `json:"ref"`
	ContentHash string `json:"content_hash"`
	Content     string `json:"content,omitempty"`
}

// Merger consolidates accepted changes into the final artifact.
type Merger interface {
	Merge(ctx context.Context, req MergeRequest) (Artifact, error)
}

// Set bundles the collaborator handles the engine needs. ProviderFor resolves
// a party's capability reference to a concrete decision provider.
type Set struct {
	ProviderFor func(p domain.Party) (DecisionProvider, error)
	Mediator    Mediator
	Reviewer    Reviewer
	Merger      Merger
}

// RetryPolicy retries transient collaborator failures with bounded
// exponential backoff. Errors are absorbed until the budget is exhausted.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Do runs fn up to MaxAttempts times, sleeping between attempts. The last
// error is returned once the budget is spent; context cancellation stops the
// loop immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (after %d attempts: %v)", ctx.Err(), i, lastErr)
			}
			return err
		}
		if err := fn(ctx); err != nil {
			lastErr = err
			if i == attempts-1 {
				break
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (after %d attempts: %v)", ctx.Err(), i+1, lastErr)
			case <-time.After(backoff):
			}
			backoff *= 2
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, lastErr)
}

// ErrUnknownProvider is returned when a party's capability reference cannot
// be resolved.
var ErrUnknownProvider = errors.New("unknown decision provider")
