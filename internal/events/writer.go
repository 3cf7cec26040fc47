package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"concord/internal/domain"
)

// Writer appends workflow events inside the same transaction that commits the
// state transition they describe.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event row and returns it with its assigned id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, caseID, fromState, toState, component string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,case_id,from_state,to_state,component,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, caseID, fromState, toState, component, string(data))
	if err != nil {
		return domain.Event{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:        id,
		TS:        ts,
		CaseID:    caseID,
		FromState: fromState,
		ToState:   toState,
		Component: component,
		Payload:   string(data),
	}, nil
}

// Sink receives events after their transaction commits. Delivery is
// at-least-once; consumers dedupe by (case id, to_state, ts) or event id.
type Sink interface {
	Publish(evt domain.Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(evt domain.Event)

func (f SinkFunc) Publish(evt domain.Event) { f(evt) }
