package domain

// Case lifecycle states.
const (
	StateInitiated        = "initiated"
	StateEvaluating       = "evaluating"
	StateConflictDetected = "conflict_detected"
	StateMediating        = "mediating"
	StateReviewing        = "reviewing"
	StateFinalizing       = "finalizing"
	StateCompleted        = "completed"
	StateFailed           = "failed"
	StateCancelled        = "cancelled"
	StatePaused           = "paused"
)

// IsTerminal reports whether a state admits no further transitions.
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Party decisions.
const (
	DecisionApproved         = "approved"
	DecisionRejected         = "rejected"
	DecisionRequestedChanges = "requested_changes"
)

// Terminal failure reasons recorded on a case.
const (
	ReasonNegotiationExhausted = "NegotiationExhausted"
	ReasonMediationUnavailable = "MediationUnavailable"
	ReasonReviewUnavailable    = "ReviewUnavailable"
	ReasonReviewRejected       = "ReviewRejected"
	ReasonMergeFailed          = "MergeFailed"
	ReasonPartyRejected        = "PartyRejected"
)

// Party is one stakeholder whose decision provider evaluates proposed changes.
// The party list is fixed at case creation.
type Party struct {
	ID         string `json:"id"`
	Provider   string `json:"provider"`
	PolicyJSON string `json:"policy_json,omitempty"`
}

// ChangeItem is one named old/new pair in the proposed change set. Category
// and ValueDelta feed the review gate criterion; the engine is otherwise
// indifferent to their meaning.
type ChangeItem struct {
	Name       string  `json:"name"`
	OldValue   string  `json:"old_value,omitempty"`
	NewValue   string  `json:"new_value"`
	Category   string  `json:"category,omitempty"`
	ValueDelta float64 `json:"value_delta,omitempty"`
}

// Case is one amendment workflow instance.
type Case struct {
	ID               string       `json:"id"`
	DocumentRef      string       `json:"document_ref"`
	OriginalDocument string       `json:"original_document,omitempty"`
	Parties          []Party      `json:"parties"`
	Changes          []ChangeItem `json:"changes"`
	State            string       `json:"state" enum:"initiated,evaluating,conflict_detected,mediating,reviewing,finalizing,completed,failed,cancelled,paused"`
	Round            int          `json:"round"`
	PausedFrom       string       `json:"paused_from,omitempty"`
	ReviewVerdict    string       `json:"review_verdict,omitempty"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	FailureDetail    string       `json:"failure_detail,omitempty"`
	ArtifactRef      string       `json:"artifact_ref,omitempty"`
	ArtifactHash     string       `json:"artifact_hash,omitempty"`
	Deadline         *string      `json:"deadline,omitempty" format:"date-time"`
	CreatedAt        string       `json:"created_at" format:"date-time"`
	UpdatedAt        string       `json:"updated_at" format:"date-time"`
	CompletedAt      *string      `json:"completed_at,omitempty" format:"date-time"`
}

// Progress maps the current state to a rough completion percentage for
// status reporting.
func (c Case) Progress() float64 {
	steps := map[string]float64{
		StateInitiated:        5,
		StateEvaluating:       25,
		StateConflictDetected: 40,
		StateMediating:        50,
		StateReviewing:        75,
		StateFinalizing:       90,
		StateCompleted:        100,
		StateFailed:           100,
		StateCancelled:        100,
	}
	if c.State == StatePaused {
		return steps[c.PausedFrom]
	}
	return steps[c.State]
}

// PartyResponse is one party's evaluation for one round. Immutable once
// recorded; a re-evaluation creates a new response for a later round, never
// an overwrite.
type PartyResponse struct {
	ID            string `json:"id"`
	CaseID        string `json:"case_id"`
	Round         int    `json:"round"`
	PartyID       string `json:"party_id"`
	Decision      string `json:"decision" enum:"approved,rejected,requested_changes"`
	RationaleJSON string `json:"rationale_json,omitempty"`
	NonNegotiable bool   `json:"non_negotiable,omitempty"`
	Synthesized   bool   `json:"synthesized,omitempty"`
	TS            string `json:"ts" format:"date-time"`
}

// PartyDecision pairs a party with its decision inside a Conflict.
type PartyDecision struct {
	PartyID  string `json:"party_id"`
	Decision string `json:"decision"`
}

// Conflict is derived per round from a complete response set; it is computed
// fresh each round, never persisted as an input.
type Conflict struct {
	Round      int             `json:"round"`
	Dissenting []PartyDecision `json:"dissenting"`
	Assenting  []PartyDecision `json:"assenting"`
}

// Negotiation attempt outcomes.
const (
	AttemptResubmitted = "resubmitted"
	AttemptExhausted   = "exhausted"
	AttemptFailed      = "failed"
)

// NegotiationAttempt records one mediation cycle. Never mutated after
// creation.
type NegotiationAttempt struct {
	ID           string `json:"id"`
	CaseID       string `json:"case_id"`
	Round        int    `json:"round"`
	ConflictJSON string `json:"conflict_json"`
	ProposalJSON string `json:"proposal_json,omitempty"`
	Outcome      string `json:"outcome" enum:"resubmitted,exhausted,failed"`
	NextRound    *int   `json:"next_round,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// ChangeSnapshot preserves the proposed change set as it stood for a round.
type ChangeSnapshot struct {
	CaseID    string       `json:"case_id"`
	Round     int          `json:"round"`
	Changes   []ChangeItem `json:"changes"`
	CreatedAt string       `json:"created_at" format:"date-time"`
}

// Event is one append-only audit record, produced after every committed
// transition.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	CaseID    string `json:"case_id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Component string `json:"component"`
	Payload   string `json:"payload_json"`
}
