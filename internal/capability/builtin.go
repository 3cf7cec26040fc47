package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"concord/internal/domain"
)

// Built-in collaborators back the CLI demo mode and environments without
// remote capabilities. They honor the same contracts as the HTTP adapters;
// they are not a merge or mediation algorithm of record.

// BuiltinMediator proposes a compromise by carrying the current change set
// forward and appending a round-scoped mediation note naming the dissenters.
// Deterministic for a given conflict.
type BuiltinMediator struct{}

func (BuiltinMediator) Propose(ctx context.Context, req MediationRequest) (ChangeDelta, error) {
	if err := ctx.Err(); err != nil {
		return ChangeDelta{}, err
	}
	dissenters := make([]string, 0, len(req.Conflict.Dissenting))
	for _, d := range req.Conflict.Dissenting {
		dissenters = append(dissenters, d.PartyID)
	}
	note := domain.ChangeItem{
		Name:     fmt.Sprintf("mediation_note_round_%d", req.Round),
		NewValue: fmt.Sprintf("compromise requested by %s", strings.Join(dissenters, ", ")),
		Category: "mediation",
	}
	rationale, _ := json.Marshal(map[string]any{
		"source":     "builtin_mediator",
		"round":      req.Round,
		"dissenting": dissenters,
	})
	return ChangeDelta{Items: []domain.ChangeItem{note}, RationaleJSON: string(rationale)}, nil
}

// BuiltinReviewer approves unless a change falls in one of its reject
// categories.
type BuiltinReviewer struct {
	RejectCategories []string
}

func (r BuiltinReviewer) Review(ctx context.Context, req ReviewRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for _, c := range req.Changes {
		for _, cat := range r.RejectCategories {
			if c.Category == cat {
				return VerdictRejected, nil
			}
		}
	}
	return VerdictApproved, nil
}

// BuiltinMerger renders the accepted changes beneath the original document
// and hashes the result.
type BuiltinMerger struct{}

func (BuiltinMerger) Merge(ctx context.Context, req MergeRequest) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	var b strings.Builder
	b.WriteString(req.OriginalDocument)
	if req.OriginalDocument != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("AMENDMENTS\n")
	for _, c := range req.Changes {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.NewValue)
	}
	content := b.String()
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])
	return Artifact{
		Ref:         fmt.Sprintf("%s@%s", req.DocumentRef, hash[:12]),
		ContentHash: hash,
		Content:     content,
	}, nil
}

// SetOptions configures NewSet.
type SetOptions struct {
	Policy           PolicyConfig
	MediatorEndpoint string
	ReviewerEndpoint string
	MergerEndpoint   string
	HTTPClient       *http.Client
}

// NewSet wires a capability set from endpoints: "builtin" (or empty) selects
// the in-process implementation, anything starting with http(s) an HTTP
// adapter. Party provider references resolve the same way, with "policy"
// mapping to the weighted-score provider.
func NewSet(opts SetOptions) Set {
	policy := &PolicyProvider{Defaults: opts.Policy}
	client := opts.HTTPClient
	set := Set{
		ProviderFor: func(p domain.Party) (DecisionProvider, error) {
			switch {
			case p.Provider == "" || p.Provider == "policy":
				return policy, nil
			case strings.HasPrefix(p.Provider, "http://"), strings.HasPrefix(p.Provider, "https://"):
				return &HTTPDecisionProvider{URL: p.Provider, Client: client}, nil
			}
			return nil, fmt.Errorf("%w: party %s references %q", ErrUnknownProvider, p.ID, p.Provider)
		},
	}
	if isHTTP(opts.MediatorEndpoint) {
		set.Mediator = &HTTPMediator{URL: opts.MediatorEndpoint, Client: client}
	} else {
		set.Mediator = BuiltinMediator{}
	}
	if isHTTP(opts.ReviewerEndpoint) {
		set.Reviewer = &HTTPReviewer{URL: opts.ReviewerEndpoint, Client: client}
	} else {
		set.Reviewer = BuiltinReviewer{}
	}
	if isHTTP(opts.MergerEndpoint) {
		set.Merger = &HTTPMerger{URL: opts.MergerEndpoint, Client: client}
	} else {
		set.Merger = BuiltinMerger{}
	}
	return set
}

func isHTTP(endpoint string) bool {
	return strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
}
