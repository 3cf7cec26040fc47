package app

import (
	"context"
	"errors"

	"concord/internal/config"
	"concord/internal/repo"
)

// ResolveConfig returns the active workflow configuration for a workspace.
// The registry copy wins so every process sharing the database runs the same
// workflow parameters; a concord.yml in the workspace seeds the registry on
// first use, and defaults apply when neither exists.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetWorkflowConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := r.UpsertWorkflowConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
