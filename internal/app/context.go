package app

import (
	"context"
	"errors"
	"fmt"

	"planline/internal/config"
	"planline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and its config. It prefers
// the override, then the id in planline.yml, then the only project that
// already has a plan in the workspace database. A missing planline.yml falls
// back to the defaults.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	projectID := projectOverride
	if projectID == "" && cfg != nil {
		projectID = cfg.Project.ID
	}
	if projectID == "" {
		id, err := r.SingleProject(ctx)
		switch {
		case err == nil:
			projectID = id
		case errors.Is(err, repo.ErrNotFound):
			return "", nil, fmt.Errorf("project not specified; use --project or run pl init")
		default:
			return "", nil, err
		}
	}
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
