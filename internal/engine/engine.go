package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"concord/internal/capability"
	"concord/internal/config"
	"concord/internal/domain"
	"concord/internal/events"
	"concord/internal/repo"
)

// Engine owns the per-case state machine. It is the only writer of state
// transitions; every transition is committed to the registry together with
// its workflow event before the next step runs.
type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Config       *config.Config
	Capabilities capability.Set
	Sink         events.Sink
	Now          func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(db *sql.DB, cfg *config.Config, caps capability.Set) *Engine {
	e := &Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Config:       cfg,
		Capabilities: caps,
		Now:          time.Now,
		inflight:     make(map[string]struct{}),
	}
	e.Events = events.Writer{DB: db, Now: e.now}
	return e
}

// ErrAdvanceInFlight is returned when a second advance attempt races one
// already executing for the same case. Callers retry; nothing is queued.
var ErrAdvanceInFlight = errors.New("advance already in flight for case")

// ValidationError marks a malformed case definition, rejected before the case
// exists. It is not a workflow failure.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) retry() capability.RetryPolicy {
	return capability.RetryPolicy{
		MaxAttempts: e.Config.Retry.MaxAttempts,
		Backoff:     e.Config.Backoff(),
		MaxBackoff:  e.Config.MaxBackoff(),
	}
}

func (e *Engine) publish(evt domain.Event) {
	if e.Sink != nil {
		e.Sink.Publish(evt)
	}
}

// ensureCaseTransition is the guarded transition table. Control transitions
// (cancel, pause, resume) are handled by their operations and are not listed.
func ensureCaseTransition(oldState, newState string) error {
	switch oldState {
	case domain.StateInitiated:
		if newState == domain.StateEvaluating {
			return nil
		}
	case domain.StateEvaluating:
		switch newState {
		case domain.StateConflictDetected, domain.StateReviewing, domain.StateFinalizing, domain.StateFailed:
			return nil
		}
	case domain.StateConflictDetected:
		if newState == domain.StateMediating {
			return nil
		}
	case domain.StateMediating:
		if newState == domain.StateEvaluating || newState == domain.StateFailed {
			return nil
		}
	case domain.StateReviewing:
		if newState == domain.StateFinalizing || newState == domain.StateFailed {
			return nil
		}
	case domain.StateFinalizing:
		if newState == domain.StateCompleted || newState == domain.StateFailed {
			return nil
		}
	}
	return fmt.Errorf("invalid case transition %s -> %s", oldState, newState)
}

// CaseCreateOptions are parameters for initiating a case.
type CaseCreateOptions struct {
	ID               string
	DocumentRef      string
	OriginalDocument string
	Parties          []domain.Party
	Changes          []domain.ChangeItem
	Deadline         *string
}

// CreateCase validates a case definition and records it in the initiated
// state. Validation failures reject the definition; the case is never
// created.
func (e *Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	if e.Config == nil {
		return domain.Case{}, errors.New("config not loaded")
	}
	if opts.DocumentRef == "" {
		return domain.Case{}, validationErrorf("document_ref is required")
	}
	if len(opts.Parties) == 0 {
		return domain.Case{}, validationErrorf("at least one party is required")
	}
	if len(opts.Changes) == 0 {
		return domain.Case{}, validationErrorf("at least one proposed change is required")
	}
	seenParty := map[string]bool{}
	for _, p := range opts.Parties {
		if p.ID == "" {
			return domain.Case{}, validationErrorf("party id must not be empty")
		}
		if seenParty[p.ID] {
			return domain.Case{}, validationErrorf("duplicate party id %s", p.ID)
		}
		seenParty[p.ID] = true
	}
	seenChange := map[string]bool{}
	for _, c := range opts.Changes {
		if c.Name == "" {
			return domain.Case{}, validationErrorf("change item name must not be empty")
		}
		if seenChange[c.Name] {
			return domain.Case{}, validationErrorf("duplicate change item %s", c.Name)
		}
		seenChange[c.Name] = true
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	c := domain.Case{
		ID:               id,
		DocumentRef:      opts.DocumentRef,
		OriginalDocument: opts.OriginalDocument,
		Parties:          opts.Parties,
		Changes:          opts.Changes,
		State:            domain.StateInitiated,
		Round:            1,
		Deadline:         opts.Deadline,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.CreateCaseTx(ctx, tx, c); err != nil {
		return domain.Case{}, err
	}
	evt, err := e.Events.Append(ctx, tx, c.ID, "", domain.StateInitiated, "engine", events.EventPayload{
		"document_ref": c.DocumentRef,
		"parties":      len(c.Parties),
		"changes":      len(c.Changes),
	})
	if err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	e.publish(evt)
	return c, nil
}

// commitTransition writes the case row guarded by the prior state, appends
// the workflow event in the same transaction, and publishes the event to the
// sink after commit. inserts runs first inside the transaction for satellite
// rows (attempts, snapshots).
func (e *Engine) commitTransition(ctx context.Context, c domain.Case, prior, component string, payload events.EventPayload, inserts func(tx *sql.Tx) error) (domain.Case, error) {
	if err := ensureCaseTransition(prior, c.State); err != nil {
		return c, err
	}
	return e.commitUnchecked(ctx, c, prior, component, payload, inserts)
}

func (e *Engine) commitUnchecked(ctx context.Context, c domain.Case, prior, component string, payload events.EventPayload, inserts func(tx *sql.Tx) error) (domain.Case, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	if inserts != nil {
		if err := inserts(tx); err != nil {
			return c, err
		}
	}
	c.UpdatedAt = e.nowStr()
	if err := e.Repo.CommitCaseTx(ctx, tx, c, prior); err != nil {
		return c, err
	}
	evt, err := e.Events.Append(ctx, tx, c.ID, prior, c.State, component, payload)
	if err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.publish(evt)
	return c, nil
}

func (e *Engine) beginAdvance(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight == nil {
		e.inflight = make(map[string]struct{})
	}
	if _, busy := e.inflight[id]; busy {
		return ErrAdvanceInFlight
	}
	e.inflight[id] = struct{}{}
	return nil
}

func (e *Engine) endAdvance(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

// Advance executes exactly one step of the state machine for a case and
// returns the resulting snapshot. advanced is false when the case is
// terminal, paused, or a concurrent control transition won the race (the
// step's results are discarded, never merged).
func (e *Engine) Advance(ctx context.Context, id string) (domain.Case, bool, error) {
	if e.Config == nil {
		return domain.Case{}, false, errors.New("config not loaded")
	}
	if err := e.beginAdvance(id); err != nil {
		return domain.Case{}, false, err
	}
	defer e.endAdvance(id)

	c, err := e.Repo.GetCase(ctx, id)
	if err != nil {
		return c, false, err
	}

	var next domain.Case
	switch c.State {
	case domain.StateInitiated:
		started := c
		started.State = domain.StateEvaluating
		next, err = e.commitTransition(ctx, started, domain.StateInitiated, "engine", events.EventPayload{"round": c.Round}, nil)
	case domain.StateEvaluating:
		next, err = e.runEvaluation(ctx, c)
	case domain.StateConflictDetected:
		mediating := c
		mediating.State = domain.StateMediating
		next, err = e.commitTransition(ctx, mediating, domain.StateConflictDetected, "negotiator", events.EventPayload{"round": c.Round}, nil)
	case domain.StateMediating:
		next, err = e.runMediation(ctx, c)
	case domain.StateReviewing:
		next, err = e.runReview(ctx, c)
	case domain.StateFinalizing:
		next, err = e.runFinalize(ctx, c)
	default:
		// paused or terminal
		return c, false, nil
	}

	if err != nil {
		if errors.Is(err, repo.ErrConcurrentTransition) {
			// A control transition (cancel/pause) moved the case while this
			// step ran; its results are discarded on arrival.
			reloaded, rerr := e.Repo.GetCase(ctx, id)
			if rerr != nil {
				return c, false, rerr
			}
			return reloaded, false, nil
		}
		return c, false, err
	}
	return next, true, nil
}

// Run advances a case until it parks: terminal state, paused, or an error.
func (e *Engine) Run(ctx context.Context, id string) (domain.Case, error) {
	for {
		c, advanced, err := e.Advance(ctx, id)
		if err != nil || !advanced {
			return c, err
		}
		if err := ctx.Err(); err != nil {
			return c, err
		}
	}
}

// Cancel terminates a case from any non-terminal state. The cancellation is
// observed by in-flight work at its next commit boundary.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, id)
	if err != nil {
		return c, err
	}
	if domain.IsTerminal(c.State) {
		return c, fmt.Errorf("case %s already terminal (%s)", id, c.State)
	}
	prior := c.State
	c.State = domain.StateCancelled
	c.FailureDetail = reason
	now := e.nowStr()
	c.CompletedAt = &now
	return e.commitUnchecked(ctx, c, prior, "operator", events.EventPayload{"reason": reason}, nil)
}

// Pause parks a non-terminal case. The in-progress step is re-issued on
// resume; no partial completion is assumed.
func (e *Engine) Pause(ctx context.Context, id string) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, id)
	if err != nil {
		return c, err
	}
	if domain.IsTerminal(c.State) {
		return c, fmt.Errorf("case %s already terminal (%s)", id, c.State)
	}
	if c.State == domain.StatePaused {
		return c, fmt.Errorf("case %s already paused", id)
	}
	prior := c.State
	c.PausedFrom = prior
	c.State = domain.StatePaused
	return e.commitUnchecked(ctx, c, prior, "operator", events.EventPayload{"paused_from": prior}, nil)
}

// Resume re-enters the step that was in progress when the case was paused.
func (e *Engine) Resume(ctx context.Context, id string) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, id)
	if err != nil {
		return c, err
	}
	if c.State != domain.StatePaused {
		return c, fmt.Errorf("case %s is not paused (%s)", id, c.State)
	}
	if c.PausedFrom == "" {
		return c, fmt.Errorf("case %s has no resume state", id)
	}
	resumed := c.PausedFrom
	c.State = resumed
	c.PausedFrom = ""
	return e.commitUnchecked(ctx, c, domain.StatePaused, "operator", events.EventPayload{"resumed_to": resumed}, nil)
}

// failCase commits a terminal failure with its machine-readable reason and a
// human-readable detail naming the round and state it failed at.
func (e *Engine) failCase(ctx context.Context, c domain.Case, prior, component, reason, detail string, inserts func(tx *sql.Tx) error) (domain.Case, error) {
	c.State = domain.StateFailed
	c.FailureReason = reason
	c.FailureDetail = fmt.Sprintf("%s (round %d, state %s)", detail, c.Round, prior)
	now := e.nowStr()
	c.CompletedAt = &now
	return e.commitTransition(ctx, c, prior, component, events.EventPayload{
		"reason": reason,
		"detail": c.FailureDetail,
		"round":  c.Round,
	}, inserts)
}
