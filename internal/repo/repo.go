package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"concord/internal/config"
	"concord/internal/domain"
)

// Repo is the case registry: it owns storage and retrieval of cases and their
// satellite records. Reads observe the latest committed transition; state
// commits are optimistic and reject on prior-state mismatch.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConcurrentTransition is returned when a state commit finds the case
	// no longer in the expected prior state. Callers must reload and decide;
	// the registry never silently overwrites.
	ErrConcurrentTransition = errors.New("concurrent transition conflict")
)

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CreateCaseTx inserts a case, its party list and the round-1 change
// snapshot.
func (r Repo) CreateCaseTx(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	changesJSON, err := marshalJSON(c.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO cases(id,document_ref,original_document,changes_json,state,round,paused_from,review_verdict,failure_reason,failure_detail,artifact_ref,artifact_hash,deadline,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.DocumentRef, nullable(c.OriginalDocument), changesJSON, c.State, c.Round,
		nullable(c.PausedFrom), nullable(c.ReviewVerdict), nullable(c.FailureReason), nullable(c.FailureDetail),
		nullable(c.ArtifactRef), nullable(c.ArtifactHash), c.Deadline, c.CreatedAt, c.UpdatedAt, c.CompletedAt); err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	for i, p := range c.Parties {
		if _, err := tx.ExecContext(ctx, `INSERT INTO case_parties(case_id,party_id,position,provider,policy_json) VALUES (?,?,?,?,?)`,
			c.ID, p.ID, i, p.Provider, nullable(p.PolicyJSON)); err != nil {
			return fmt.Errorf("insert party %s: %w", p.ID, err)
		}
	}
	return r.InsertSnapshotTx(ctx, tx, domain.ChangeSnapshot{
		CaseID: c.ID, Round: c.Round, Changes: c.Changes, CreatedAt: c.CreatedAt,
	})
}

func scanCase(row *sql.Row) (domain.Case, error) {
	var c domain.Case
	var originalDoc, pausedFrom, reviewVerdict, failureReason, failureDetail, artifactRef, artifactHash sql.NullString
	var changesJSON string
	err := row.Scan(&c.ID, &c.DocumentRef, &originalDoc, &changesJSON, &c.State, &c.Round,
		&pausedFrom, &reviewVerdict, &failureReason, &failureDetail,
		&artifactRef, &artifactHash, &c.Deadline, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(changesJSON), &c.Changes); err != nil {
		return c, fmt.Errorf("decode changes: %w", err)
	}
	c.OriginalDocument = originalDoc.String
	c.PausedFrom = pausedFrom.String
	c.ReviewVerdict = reviewVerdict.String
	c.FailureReason = failureReason.String
	c.FailureDetail = failureDetail.String
	c.ArtifactRef = artifactRef.String
	c.ArtifactHash = artifactHash.String
	return c, nil
}

const caseColumns = `id,document_ref,original_document,changes_json,state,round,paused_from,review_verdict,failure_reason,failure_detail,artifact_ref,artifact_hash,deadline,created_at,updated_at,completed_at`

// GetCase loads a case with its party list.
func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	c, err := scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
	if err != nil {
		return c, err
	}
	c.Parties, err = r.listParties(ctx, id)
	return c, err
}

func (r Repo) listParties(ctx context.Context, caseID string) ([]domain.Party, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT party_id,provider,COALESCE(policy_json,'') FROM case_parties WHERE case_id=? ORDER BY position`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var parties []domain.Party
	for rows.Next() {
		var p domain.Party
		if err := rows.Scan(&p.ID, &p.Provider, &p.PolicyJSON); err != nil {
			return nil, err
		}
		parties = append(parties, p)
	}
	return parties, rows.Err()
}

// CaseFilter narrows ListCases.
type CaseFilter struct {
	State       string
	DocumentRef string
	Limit       int
}

// ListCases returns case rows without party lists, newest first.
func (r Repo) ListCases(ctx context.Context, f CaseFilter) ([]domain.Case, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.DocumentRef != "" {
		clauses = append(clauses, "document_ref=?")
		args = append(args, f.DocumentRef)
	}
	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		var c domain.Case
		var originalDoc, pausedFrom, reviewVerdict, failureReason, failureDetail, artifactRef, artifactHash sql.NullString
		var changesJSON string
		if err := rows.Scan(&c.ID, &c.DocumentRef, &originalDoc, &changesJSON, &c.State, &c.Round,
			&pausedFrom, &reviewVerdict, &failureReason, &failureDetail,
			&artifactRef, &artifactHash, &c.Deadline, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(changesJSON), &c.Changes); err != nil {
			return nil, fmt.Errorf("decode changes: %w", err)
		}
		c.OriginalDocument = originalDoc.String
		c.PausedFrom = pausedFrom.String
		c.ReviewVerdict = reviewVerdict.String
		c.FailureReason = failureReason.String
		c.FailureDetail = failureDetail.String
		c.ArtifactRef = artifactRef.String
		c.ArtifactHash = artifactHash.String
		res = append(res, c)
	}
	return res, rows.Err()
}

// CommitCaseTx writes the full case row guarded by the expected prior state.
// Zero rows affected means another transition won the race.
func (r Repo) CommitCaseTx(ctx context.Context, tx *sql.Tx, c domain.Case, priorState string) error {
	changesJSON, err := marshalJSON(c.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE cases SET changes_json=?,state=?,round=?,paused_from=?,review_verdict=?,failure_reason=?,failure_detail=?,artifact_ref=?,artifact_hash=?,updated_at=?,completed_at=? WHERE id=? AND state=?`,
		changesJSON, c.State, c.Round, nullable(c.PausedFrom), nullable(c.ReviewVerdict),
		nullable(c.FailureReason), nullable(c.FailureDetail), nullable(c.ArtifactRef), nullable(c.ArtifactHash),
		c.UpdatedAt, c.CompletedAt, c.ID, priorState)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM cases WHERE id=?`, c.ID).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		}
		return ErrConcurrentTransition
	}
	return nil
}

// InsertResponseTx records a party response. Returns false when a response
// for (case, round, party) already exists; responses are never overwritten.
func (r Repo) InsertResponseTx(ctx context.Context, tx *sql.Tx, resp domain.PartyResponse) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO party_responses(id,case_id,round,party_id,decision,rationale_json,non_negotiable,synthesized,ts)
VALUES (?,?,?,?,?,?,?,?,?)`,
		resp.ID, resp.CaseID, resp.Round, resp.PartyID, resp.Decision, nullable(resp.RationaleJSON),
		boolInt(resp.NonNegotiable), boolInt(resp.Synthesized), resp.TS)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ListResponses returns the response set for one round in party order.
func (r Repo) ListResponses(ctx context.Context, caseID string, round int) ([]domain.PartyResponse, error) {
	return r.queryResponses(ctx, `SELECT id,case_id,round,party_id,decision,COALESCE(rationale_json,''),non_negotiable,synthesized,ts
FROM party_responses WHERE case_id=? AND round=? ORDER BY party_id`, caseID, round)
}

// ListAllResponses returns every recorded response for a case.
func (r Repo) ListAllResponses(ctx context.Context, caseID string) ([]domain.PartyResponse, error) {
	return r.queryResponses(ctx, `SELECT id,case_id,round,party_id,decision,COALESCE(rationale_json,''),non_negotiable,synthesized,ts
FROM party_responses WHERE case_id=? ORDER BY round, party_id`, caseID)
}

func (r Repo) queryResponses(ctx context.Context, query string, args ...any) ([]domain.PartyResponse, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PartyResponse
	for rows.Next() {
		var resp domain.PartyResponse
		var nonNeg, synth int
		if err := rows.Scan(&resp.ID, &resp.CaseID, &resp.Round, &resp.PartyID, &resp.Decision,
			&resp.RationaleJSON, &nonNeg, &synth, &resp.TS); err != nil {
			return nil, err
		}
		resp.NonNegotiable = nonNeg != 0
		resp.Synthesized = synth != 0
		res = append(res, resp)
	}
	return res, rows.Err()
}

// InsertAttemptTx records a negotiation attempt.
func (r Repo) InsertAttemptTx(ctx context.Context, tx *sql.Tx, a domain.NegotiationAttempt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO negotiation_attempts(id,case_id,round,conflict_json,proposal_json,outcome,next_round,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.CaseID, a.Round, a.ConflictJSON, nullable(a.ProposalJSON), a.Outcome, a.NextRound, a.CreatedAt)
	return err
}

// ListAttempts returns negotiation attempts for a case in round order.
func (r Repo) ListAttempts(ctx context.Context, caseID string) ([]domain.NegotiationAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,round,conflict_json,COALESCE(proposal_json,''),outcome,next_round,created_at
FROM negotiation_attempts WHERE case_id=? ORDER BY round, created_at`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NegotiationAttempt
	for rows.Next() {
		var a domain.NegotiationAttempt
		if err := rows.Scan(&a.ID, &a.CaseID, &a.Round, &a.ConflictJSON, &a.ProposalJSON, &a.Outcome, &a.NextRound, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// InsertSnapshotTx stores a per-round proposed-change snapshot. Snapshots are
// append-only; prior rounds stay retrievable.
func (r Repo) InsertSnapshotTx(ctx context.Context, tx *sql.Tx, s domain.ChangeSnapshot) error {
	changesJSON, err := marshalJSON(s.Changes)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO change_snapshots(case_id,round,changes_json,created_at) VALUES (?,?,?,?)`,
		s.CaseID, s.Round, changesJSON, s.CreatedAt)
	return err
}

// GetSnapshot returns the proposed change set as it stood for a round.
func (r Repo) GetSnapshot(ctx context.Context, caseID string, round int) (domain.ChangeSnapshot, error) {
	var s domain.ChangeSnapshot
	var changesJSON string
	err := r.DB.QueryRowContext(ctx, `SELECT case_id,round,changes_json,created_at FROM change_snapshots WHERE case_id=? AND round=?`, caseID, round).
		Scan(&s.CaseID, &s.Round, &changesJSON, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	err = json.Unmarshal([]byte(changesJSON), &s.Changes)
	return s, err
}

// EventsAfter returns up to limit events with id greater than the cursor,
// optionally scoped to one case.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, caseID string) ([]domain.Event, error) {
	query := `SELECT id,ts,case_id,from_state,to_state,component,payload_json FROM events WHERE id>?`
	args := []any{afterID}
	if caseID != "" {
		query += ` AND case_id=?`
		args = append(args, caseID)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.CaseID, &e.FromState, &e.ToState, &e.Component, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, zero when empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// UpsertWorkflowConfig stores the active workflow config in the registry so
// servers and workers share one validated source.
func (r Repo) UpsertWorkflowConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workflow_configs(id,config_json,created_at,updated_at) VALUES ('default',?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now, now)
	return err
}

// GetWorkflowConfig loads the stored workflow config.
func (r Repo) GetWorkflowConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workflow_configs WHERE id='default'`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
