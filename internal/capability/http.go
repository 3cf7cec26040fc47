package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTP adapters for collaborators reachable over a webhook-style contract:
// POST JSON request, 2xx JSON response. Timeouts come from the caller's
// context; the engine wraps every call in its configured per-capability
// timeout.

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// HTTPDecisionProvider calls a remote decision provider.
type HTTPDecisionProvider struct {
	URL    string
	Client *http.Client
}

func (p *HTTPDecisionProvider) Evaluate(ctx context.Context, req EvaluationRequest) (Evaluation, error) {
	var ev Evaluation
	if err := postJSON(ctx, orDefault(p.Client), p.URL, req, &ev); err != nil {
		return Evaluation{}, fmt.Errorf("decision provider %s: %w", p.URL, err)
	}
	return ev, nil
}

// HTTPMediator calls a remote mediation capability.
type HTTPMediator struct {
	URL    string
	Client *http.Client
}

func (m *HTTPMediator) Propose(ctx context.Context, req MediationRequest) (ChangeDelta, error) {
	var delta ChangeDelta
	if err := postJSON(ctx, orDefault(m.Client), m.URL, req, &delta); err != nil {
		return ChangeDelta{}, fmt.Errorf("mediator %s: %w", m.URL, err)
	}
	return delta, nil
}

// HTTPReviewer calls a remote specialized-review capability.
type HTTPReviewer struct {
	URL    string
	Client *http.Client
}

func (r *HTTPReviewer) Review(ctx context.Context, req ReviewRequest) (string, error) {
	var out struct {
		Verdict string `json:"verdict"`
	}
	if err := postJSON(ctx, orDefault(r.Client), r.URL, req, &out); err != nil {
		return "", fmt.Errorf("reviewer %s: %w", r.URL, err)
	}
	if out.Verdict != VerdictApproved && out.Verdict != VerdictRejected {
		return "", fmt.Errorf("reviewer %s: invalid verdict %q", r.URL, out.Verdict)
	}
	return out.Verdict, nil
}

// HTTPMerger calls a remote merge capability.
type HTTPMerger struct {
	URL    string
	Client *http.Client
}

func (m *HTTPMerger) Merge(ctx context.Context, req MergeRequest) (Artifact, error) {
	var art Artifact
	if err := postJSON(ctx, orDefault(m.Client), m.URL, req, &art); err != nil {
		return Artifact{}, fmt.Errorf("merger %s: %w", m.URL, err)
	}
	if art.Ref == "" {
		return Artifact{}, fmt.Errorf("merger %s: empty artifact ref", m.URL)
	}
	return art, nil
}

func orDefault(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}
