package registry

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfoundry/foundry/pkg/engine"
	"github.com/openfoundry/foundry/pkg/telemetry"
)

// ProjectRegistry manages project records and the admission rules for
// project deletion.
type ProjectRegistry struct {
	store    Store
	logger   *telemetry.Logger
	validate *validator.Validate
	now      engine.Clock
}

// NewProjectRegistry creates a project registry over the given store.
func NewProjectRegistry(s Store, logger *telemetry.Logger) *ProjectRegistry {
	return &ProjectRegistry{
		store:    s,
		logger:   logger.NewComponentLogger("projects"),
		validate: validator.New(),
		now:      func() time.Time { return time.Now() },
	}
}

// WithClock overrides the clock, for tests.
func (r *ProjectRegistry) WithClock(now engine.Clock) *ProjectRegistry {
	r.now = now
	return r
}

// Create registers a new project. ID, CRN, state and timestamps are
// assigned here; the caller provides name, location and resource group.
func (r *ProjectRegistry) Create(ctx context.Context, p *engine.Project) (*engine.Project, error) {
	if err := r.validate.Struct(p); err != nil {
		return nil, engine.NewValidationError("invalid project definition", err)
	}

	now := r.now()
	p.ID = newID()
	p.CRN = projectCRN(p.Location, p.ResourceGroup, p.ID)
	p.State = engine.ProjectStateReady
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := r.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}

	audit(ctx, r.store, "project.create", "", p.ID, map[string]string{"name": p.Name})
	r.logger.WithProjectID(p.ID).Infof("project %q created", p.Name)

	return p, nil
}

// Get loads a project by id.
func (r *ProjectRegistry) Get(ctx context.Context, id string) (*engine.Project, error) {
	return r.store.GetProject(ctx, id)
}

// List returns one page of projects.
func (r *ProjectRegistry) List(ctx context.Context, token string, limit int) ([]*engine.Project, string, error) {
	return r.store.ListProjects(ctx, token, limit)
}

// Update changes a project's mutable fields (name, description,
// destroy_on_delete).
func (r *ProjectRegistry) Update(ctx context.Context, id string, name, description string, destroyOnDelete bool) (*engine.Project, error) {
	p, err := r.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	if name != "" {
		p.Name = name
	}
	p.Description = description
	p.DestroyOnDelete = destroyOnDelete
	p.UpdatedAt = r.now()

	if err := r.validate.Struct(p); err != nil {
		return nil, engine.NewValidationError("invalid project definition", err)
	}
	if err := r.store.UpdateProject(ctx, p); err != nil {
		return nil, err
	}

	audit(ctx, r.store, "project.update", "", p.ID, nil)
	return p, nil
}

// Delete removes a project. It is admitted only when no configuration in
// the project holds deployed resources or has a job in flight; otherwise
// it fails with Conflict and nothing changes.
func (r *ProjectRegistry) Delete(ctx context.Context, id string) error {
	p, err := r.store.GetProject(ctx, id)
	if err != nil {
		return err
	}

	ids, err := r.store.ListConfigIDs(ctx, id)
	if err != nil {
		return err
	}
	for _, configID := range ids {
		cfg, err := r.store.GetConfigByID(ctx, configID)
		if err != nil {
			if engine.IsNotFound(err) {
				continue
			}
			return err
		}
		if cfg.State.HasDeployedResources() {
			return engine.NewConflictError(
				"project has configurations with deployed resources", nil).
				WithResource(id).WithCode(engine.ErrCodeProjectNotEmpty)
		}
		if cfg.State.IsInProgress() {
			return engine.NewConflictError(
				"project has configurations with jobs in flight", nil).
				WithResource(id).WithCode(engine.ErrCodeProjectNotEmpty)
		}
	}

	// Sync jobs hold a claim without an in-progress state; the store
	// re-checks this inside the delete transaction.
	claims, err := r.store.CountJobClaimsForProject(ctx, id)
	if err != nil {
		return err
	}
	if claims > 0 {
		return engine.NewConflictError(
			"project has configurations with jobs in flight", nil).
			WithResource(id).WithCode(engine.ErrCodeProjectNotEmpty)
	}

	if err := r.store.SetProjectState(ctx, id, engine.ProjectStateDeleting); err != nil {
		return err
	}
	if err := r.store.DeleteProject(ctx, id); err != nil {
		// The row still exists; record the failed attempt on it.
		if stateErr := r.store.SetProjectState(ctx, id, engine.ProjectStateDeletingFailed); stateErr != nil {
			r.logger.WithProjectID(id).WithError(stateErr).Warn("failed to mark project deleting_failed")
		}
		return err
	}

	audit(ctx, r.store, "project.delete", "", id, map[string]string{"name": p.Name})
	r.logger.WithProjectID(id).Info("project deleted")

	return nil
}
