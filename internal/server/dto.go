package server

import (
	"encoding/json"

	"concord/internal/domain"
)

// Request payloads

type PartyRequest struct {
	ID       string         `json:"id"`
	Provider string         `json:"provider,omitempty"`
	Policy   map[string]any `json:"policy,omitempty"`
}

type ChangeRequest struct {
	Name       string  `json:"name"`
	OldValue   string  `json:"old_value,omitempty"`
	NewValue   string  `json:"new_value"`
	Category   string  `json:"category,omitempty"`
	ValueDelta float64 `json:"value_delta,omitempty"`
}

type CreateCaseRequest struct {
	ID               *string         `json:"id,omitempty"`
	DocumentRef      string          `json:"document_ref"`
	OriginalDocument string          `json:"original_document,omitempty"`
	Parties          []PartyRequest  `json:"parties"`
	Changes          []ChangeRequest `json:"changes"`
	Deadline         *string         `json:"deadline,omitempty" format:"date-time"`
}

type CancelCaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type CaseResponse struct {
	ID               string              `json:"id"`
	DocumentRef      string              `json:"document_ref"`
	OriginalDocument string              `json:"original_document,omitempty"`
	State            string              `json:"state" enum:"initiated,evaluating,conflict_detected,mediating,reviewing,finalizing,completed,failed,cancelled,paused"`
	Round            int                 `json:"round"`
	Progress         float64             `json:"progress"`
	Parties          []domain.Party      `json:"parties"`
	Changes          []domain.ChangeItem `json:"changes"`
	PausedFrom       string              `json:"paused_from,omitempty"`
	ReviewVerdict    string              `json:"review_verdict,omitempty"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	FailureDetail    string              `json:"failure_detail,omitempty"`
	ArtifactRef      string              `json:"artifact_ref,omitempty"`
	ArtifactHash     string              `json:"artifact_hash,omitempty"`
	Deadline         *string             `json:"deadline,omitempty" format:"date-time"`
	CreatedAt        string              `json:"created_at" format:"date-time"`
	UpdatedAt        string              `json:"updated_at" format:"date-time"`
	CompletedAt      *string             `json:"completed_at,omitempty" format:"date-time"`
}

type PartyResponseBody struct {
	ID            string          `json:"id"`
	Round         int             `json:"round"`
	PartyID       string          `json:"party_id"`
	Decision      string          `json:"decision" enum:"approved,rejected,requested_changes"`
	Rationale     json.RawMessage `json:"rationale,omitempty"`
	NonNegotiable bool            `json:"non_negotiable,omitempty"`
	Synthesized   bool            `json:"synthesized,omitempty"`
	TS            string          `json:"ts" format:"date-time"`
}

type AttemptResponse struct {
	ID        string          `json:"id"`
	Round     int             `json:"round"`
	Conflict  json.RawMessage `json:"conflict"`
	Proposal  json.RawMessage `json:"proposal,omitempty"`
	Outcome   string          `json:"outcome" enum:"resubmitted,exhausted,failed"`
	NextRound *int            `json:"next_round,omitempty"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64           `json:"id"`
	TS        string          `json:"ts" format:"date-time"`
	CaseID    string          `json:"case_id"`
	FromState string          `json:"from_state,omitempty"`
	ToState   string          `json:"to_state"`
	Component string          `json:"component"`
	Payload   json.RawMessage `json:"payload"`
}

type SnapshotResponse struct {
	Round     int                 `json:"round"`
	Changes   []domain.ChangeItem `json:"changes"`
	CreatedAt string              `json:"created_at" format:"date-time"`
}

func caseResponse(c domain.Case) CaseResponse {
	return CaseResponse{
		ID:               c.ID,
		DocumentRef:      c.DocumentRef,
		OriginalDocument: c.OriginalDocument,
		State:            c.State,
		Round:            c.Round,
		Progress:         c.Progress(),
		Parties:          c.Parties,
		Changes:          c.Changes,
		PausedFrom:       c.PausedFrom,
		ReviewVerdict:    c.ReviewVerdict,
		FailureReason:    c.FailureReason,
		FailureDetail:    c.FailureDetail,
		ArtifactRef:      c.ArtifactRef,
		ArtifactHash:     c.ArtifactHash,
		Deadline:         c.Deadline,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		CompletedAt:      c.CompletedAt,
	}
}

func mapCases(items []domain.Case) []CaseResponse {
	out := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		out = append(out, caseResponse(c))
	}
	return out
}

func partyResponseBody(r domain.PartyResponse) PartyResponseBody {
	return PartyResponseBody{
		ID:            r.ID,
		Round:         r.Round,
		PartyID:       r.PartyID,
		Decision:      r.Decision,
		Rationale:     rawJSON(r.RationaleJSON),
		NonNegotiable: r.NonNegotiable,
		Synthesized:   r.Synthesized,
		TS:            r.TS,
	}
}

func attemptResponse(a domain.NegotiationAttempt) AttemptResponse {
	return AttemptResponse{
		ID:        a.ID,
		Round:     a.Round,
		Conflict:  rawJSON(a.ConflictJSON),
		Proposal:  rawJSON(a.ProposalJSON),
		Outcome:   a.Outcome,
		NextRound: a.NextRound,
		CreatedAt: a.CreatedAt,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:        evt.ID,
		TS:        evt.TS,
		CaseID:    evt.CaseID,
		FromState: evt.FromState,
		ToState:   evt.ToState,
		Component: evt.Component,
		Payload:   rawJSON(evt.Payload),
	}
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

func partiesFromRequest(reqs []PartyRequest) ([]domain.Party, error) {
	out := make([]domain.Party, 0, len(reqs))
	for _, p := range reqs {
		policy := ""
		if p.Policy != nil {
			b, err := json.Marshal(p.Policy)
			if err != nil {
				return nil, err
			}
			policy = string(b)
		}
		out = append(out, domain.Party{ID: p.ID, Provider: p.Provider, PolicyJSON: policy})
	}
	return out, nil
}

func changesFromRequest(reqs []ChangeRequest) []domain.ChangeItem {
	out := make([]domain.ChangeItem, 0, len(reqs))
	for _, c := range reqs {
		out = append(out, domain.ChangeItem{
			Name:       c.Name,
			OldValue:   c.OldValue,
			NewValue:   c.NewValue,
			Category:   c.Category,
			ValueDelta: c.ValueDelta,
		})
	}
	return out
}
