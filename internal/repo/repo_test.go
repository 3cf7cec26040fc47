package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"concord/internal/config"
	"concord/internal/db"
	"concord/internal/domain"
	"concord/internal/events"
	"concord/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func seedCase(t *testing.T, r Repo, id string) domain.Case {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	c := domain.Case{
		ID:          id,
		DocumentRef: "contracts/msa-2024.md",
		Parties: []domain.Party{
			{ID: "contract-team", Provider: "policy"},
			{ID: "business-team", Provider: "policy", PolicyJSON: `{"decision":"approved"}`},
		},
		Changes: []domain.ChangeItem{
			{Name: "payment_terms", OldValue: "net 30", NewValue: "net 45", Category: "payment", ValueDelta: 1200},
		},
		State:     domain.StateInitiated,
		Round:     1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	inTx(t, r, func(tx *sql.Tx) error {
		return r.CreateCaseTx(context.Background(), tx, c)
	})
	return c
}

func inTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx body: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestCreateAndGetCase(t *testing.T) {
	r := newTestRepo(t)
	seedCase(t, r, "case-1")

	got, err := r.GetCase(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if got.DocumentRef != "contracts/msa-2024.md" || got.State != domain.StateInitiated || got.Round != 1 {
		t.Fatalf("unexpected case: %+v", got)
	}
	if len(got.Parties) != 2 || got.Parties[0].ID != "contract-team" || got.Parties[1].PolicyJSON == "" {
		t.Fatalf("unexpected parties: %+v", got.Parties)
	}
	if len(got.Changes) != 1 || got.Changes[0].ValueDelta != 1200 {
		t.Fatalf("unexpected changes: %+v", got.Changes)
	}

	snap, err := r.GetSnapshot(context.Background(), "case-1", 1)
	if err != nil {
		t.Fatalf("round-1 snapshot: %v", err)
	}
	if len(snap.Changes) != 1 || snap.Changes[0].Name != "payment_terms" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if _, err := r.GetSnapshot(context.Background(), "case-1", 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing round, got %v", err)
	}
}

func TestGetCaseNotFound(t *testing.T) {
	r := newTestRepo(t)
	if _, err := r.GetCase(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitCaseGuardsPriorState(t *testing.T) {
	r := newTestRepo(t)
	c := seedCase(t, r, "case-1")

	c.State = domain.StateEvaluating
	inTx(t, r, func(tx *sql.Tx) error {
		return r.CommitCaseTx(context.Background(), tx, c, domain.StateInitiated)
	})

	// A commit expecting the old prior state must lose the race.
	stale := c
	stale.State = domain.StateConflictDetected
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	err = r.CommitCaseTx(context.Background(), tx, stale, domain.StateInitiated)
	tx.Rollback()
	if !errors.Is(err, ErrConcurrentTransition) {
		t.Fatalf("expected ErrConcurrentTransition, got %v", err)
	}

	got, err := r.GetCase(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if got.State != domain.StateEvaluating {
		t.Fatalf("state overwritten despite stale prior: %s", got.State)
	}
}

func TestCommitCaseMissingIsNotFound(t *testing.T) {
	r := newTestRepo(t)
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	c := domain.Case{ID: "ghost", State: domain.StateEvaluating}
	err = r.CommitCaseTx(context.Background(), tx, c, domain.StateInitiated)
	tx.Rollback()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertResponseIgnoresDuplicates(t *testing.T) {
	r := newTestRepo(t)
	seedCase(t, r, "case-1")

	resp := domain.PartyResponse{
		ID: "resp-1", CaseID: "case-1", Round: 1, PartyID: "contract-team",
		Decision: domain.DecisionApproved, TS: "2026-03-01T12:00:00Z",
	}
	var first, second bool
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		first, err = r.InsertResponseTx(context.Background(), tx, resp)
		return err
	})
	dup := resp
	dup.ID = "resp-2"
	dup.Decision = domain.DecisionRejected
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		second, err = r.InsertResponseTx(context.Background(), tx, dup)
		return err
	})
	if !first || second {
		t.Fatalf("expected first insert only, got first=%v second=%v", first, second)
	}

	responses, err := r.ListResponses(context.Background(), "case-1", 1)
	if err != nil {
		t.Fatalf("list responses: %v", err)
	}
	if len(responses) != 1 || responses[0].Decision != domain.DecisionApproved {
		t.Fatalf("duplicate response overwrote original: %+v", responses)
	}
}

func TestListCasesFilters(t *testing.T) {
	r := newTestRepo(t)
	seedCase(t, r, "case-a")
	b := seedCase(t, r, "case-b")

	b.State = domain.StateEvaluating
	inTx(t, r, func(tx *sql.Tx) error {
		return r.CommitCaseTx(context.Background(), tx, b, domain.StateInitiated)
	})

	all, err := r.ListCases(context.Background(), CaseFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(all))
	}
	evaluating, err := r.ListCases(context.Background(), CaseFilter{State: domain.StateEvaluating})
	if err != nil {
		t.Fatalf("list by state: %v", err)
	}
	if len(evaluating) != 1 || evaluating[0].ID != "case-b" {
		t.Fatalf("state filter failed: %+v", evaluating)
	}
	limited, err := r.ListCases(context.Background(), CaseFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit not honored: %d", len(limited))
	}
}

func TestEventsAfterCursor(t *testing.T) {
	r := newTestRepo(t)
	seedCase(t, r, "case-a")
	seedCase(t, r, "case-b")

	w := events.Writer{DB: r.DB}
	inTx(t, r, func(tx *sql.Tx) error {
		pairs := []struct{ caseID, from, to string }{
			{"case-a", "", domain.StateInitiated},
			{"case-a", domain.StateInitiated, domain.StateEvaluating},
			{"case-b", "", domain.StateInitiated},
		}
		for _, p := range pairs {
			if _, err := w.Append(context.Background(), tx, p.caseID, p.from, p.to, "engine", nil); err != nil {
				return err
			}
		}
		return nil
	})

	all, err := r.EventsAfter(context.Background(), 100, 0, "")
	if err != nil {
		t.Fatalf("events after 0: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	tail, err := r.EventsAfter(context.Background(), 100, all[0].ID, "")
	if err != nil {
		t.Fatalf("events after cursor: %v", err)
	}
	if len(tail) != 2 || tail[0].ID <= all[0].ID {
		t.Fatalf("cursor not honored: %+v", tail)
	}
	scoped, err := r.EventsAfter(context.Background(), 100, 0, "case-b")
	if err != nil {
		t.Fatalf("events for case: %v", err)
	}
	if len(scoped) != 1 || scoped[0].CaseID != "case-b" {
		t.Fatalf("case scope failed: %+v", scoped)
	}

	latest, err := r.LatestEventID(context.Background())
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	if latest != all[len(all)-1].ID {
		t.Fatalf("latest id mismatch: %d vs %d", latest, all[len(all)-1].ID)
	}
}

func TestWorkflowConfigRoundTrip(t *testing.T) {
	r := newTestRepo(t)

	if _, err := r.GetWorkflowConfig(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty registry, got %v", err)
	}

	cfg := config.Default()
	cfg.Workflow.MaxRounds = 7
	if err := r.UpsertWorkflowConfig(context.Background(), cfg); err != nil {
		t.Fatalf("upsert config: %v", err)
	}
	got, err := r.GetWorkflowConfig(context.Background())
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if got.Workflow.MaxRounds != 7 {
		t.Fatalf("expected max_rounds 7, got %d", got.Workflow.MaxRounds)
	}

	cfg.Workflow.MaxRounds = 3
	if err := r.UpsertWorkflowConfig(context.Background(), cfg); err != nil {
		t.Fatalf("update config: %v", err)
	}
	got, err = r.GetWorkflowConfig(context.Background())
	if err != nil {
		t.Fatalf("get updated config: %v", err)
	}
	if got.Workflow.MaxRounds != 3 {
		t.Fatalf("upsert did not replace: %d", got.Workflow.MaxRounds)
	}
}
