package concordsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Concord HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Party identifies a stakeholder and its decision provider.
type Party struct {
	ID       string         `json:"id"`
	Provider string         `json:"provider,omitempty"`
	Policy   map[string]any `json:"policy,omitempty"`
}

// Change is one named amendment in a proposed change set.
type Change struct {
	Name       string  `json:"name"`
	OldValue   string  `json:"old_value,omitempty"`
	NewValue   string  `json:"new_value"`
	Category   string  `json:"category,omitempty"`
	ValueDelta float64 `json:"value_delta,omitempty"`
}

// CaseDefinition is the payload for initiating a case.
type CaseDefinition struct {
	ID               string   `json:"id,omitempty"`
	DocumentRef      string   `json:"document_ref"`
	OriginalDocument string   `json:"original_document,omitempty"`
	Parties          []Party  `json:"parties"`
	Changes          []Change `json:"changes"`
	Deadline         *string  `json:"deadline,omitempty"`
}

// Case represents the API case model.
type Case struct {
	ID            string   `json:"id"`
	DocumentRef   string   `json:"document_ref"`
	State         string   `json:"state"`
	Round         int      `json:"round"`
	Progress      float64  `json:"progress"`
	Parties       []Party  `json:"parties"`
	Changes       []Change `json:"changes"`
	PausedFrom    string   `json:"paused_from,omitempty"`
	ReviewVerdict string   `json:"review_verdict,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	FailureDetail string   `json:"failure_detail,omitempty"`
	ArtifactRef   string   `json:"artifact_ref,omitempty"`
	ArtifactHash  string   `json:"artifact_hash,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
	CompletedAt   *string  `json:"completed_at,omitempty"`
}

// PartyResponse is one party's recorded decision for a round.
type PartyResponse struct {
	ID            string         `json:"id"`
	Round         int            `json:"round"`
	PartyID       string         `json:"party_id"`
	Decision      string         `json:"decision"`
	Rationale     map[string]any `json:"rationale,omitempty"`
	NonNegotiable bool           `json:"non_negotiable,omitempty"`
	Synthesized   bool           `json:"synthesized,omitempty"`
	TS            string         `json:"ts"`
}

// Attempt is one recorded negotiation cycle.
type Attempt struct {
	ID        string         `json:"id"`
	Round     int            `json:"round"`
	Conflict  map[string]any `json:"conflict"`
	Proposal  map[string]any `json:"proposal,omitempty"`
	Outcome   string         `json:"outcome"`
	NextRound *int           `json:"next_round,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// Event is one audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	CaseID    string         `json:"case_id"`
	FromState string         `json:"from_state,omitempty"`
	ToState   string         `json:"to_state"`
	Component string         `json:"component"`
	Payload   map[string]any `json:"payload"`
}

// PaginatedEvents wraps the global event feed with its cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// AdvanceResult reports one engine step.
type AdvanceResult struct {
	Case     Case `json:"case"`
	Advanced bool `json:"advanced"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Initiate creates a case.
func (c *Client) Initiate(ctx context.Context, def CaseDefinition) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "v0/cases", def, &resp)
	return resp, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, c.casePath(id, ""), nil, &resp)
	return resp, err
}

// ListCases lists cases, optionally filtered by state.
func (c *Client) ListCases(ctx context.Context, state string) ([]Case, error) {
	endpoint := "v0/cases"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp []Case
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Advance executes one engine step.
func (c *Client) Advance(ctx context.Context, id string) (AdvanceResult, error) {
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, c.casePath(id, "advance"), nil, &resp)
	return resp, err
}

// Run drives a case until it completes, fails, or parks.
func (c *Client) Run(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, c.casePath(id, "run"), nil, &resp)
	return resp, err
}

// Cancel terminates a case.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, c.casePath(id, "cancel"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Pause parks a case.
func (c *Client) Pause(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, c.casePath(id, "pause"), nil, &resp)
	return resp, err
}

// Resume re-enters a paused case.
func (c *Client) Resume(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, c.casePath(id, "resume"), nil, &resp)
	return resp, err
}

// Responses lists party responses for a case; round 0 means all rounds.
func (c *Client) Responses(ctx context.Context, id string, round int) ([]PartyResponse, error) {
	endpoint := c.casePath(id, "responses")
	if round > 0 {
		endpoint += fmt.Sprintf("?round=%d", round)
	}
	var resp []PartyResponse
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Attempts lists negotiation attempts for a case.
func (c *Client) Attempts(ctx context.Context, id string) ([]Attempt, error) {
	var resp []Attempt
	err := c.do(ctx, http.MethodGet, c.casePath(id, "attempts"), nil, &resp)
	return resp, err
}

// CaseEvents returns the audit trail of a case.
func (c *Client) CaseEvents(ctx context.Context, id string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, c.casePath(id, "events"), nil, &resp)
	return resp, err
}

// EventsPage reads the global event feed from a cursor.
func (c *Client) EventsPage(ctx context.Context, after int64, limit int) (PaginatedEvents, error) {
	endpoint := fmt.Sprintf("v0/events?after=%d", after)
	if limit > 0 {
		endpoint += fmt.Sprintf("&limit=%d", limit)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) casePath(id, suffix string) string {
	p := fmt.Sprintf("v0/cases/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
