package registry

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfoundry/foundry/pkg/engine"
	"github.com/openfoundry/foundry/pkg/telemetry"
)

// EnvironmentRegistry manages environments and resolves the effective
// definition a configuration runs with.
type EnvironmentRegistry struct {
	store    Store
	logger   *telemetry.Logger
	validate *validator.Validate
	now      engine.Clock
}

// NewEnvironmentRegistry creates an environment registry over the given
// store.
func NewEnvironmentRegistry(s Store, logger *telemetry.Logger) *EnvironmentRegistry {
	return &EnvironmentRegistry{
		store:    s,
		logger:   logger.NewComponentLogger("environments"),
		validate: validator.New(),
		now:      func() time.Time { return time.Now() },
	}
}

// WithClock overrides the clock, for tests.
func (r *EnvironmentRegistry) WithClock(now engine.Clock) *EnvironmentRegistry {
	r.now = now
	return r
}

// Create registers a new environment in a project.
func (r *EnvironmentRegistry) Create(ctx context.Context, env *engine.Environment) (*engine.Environment, error) {
	if _, err := r.store.GetProject(ctx, env.ProjectID); err != nil {
		return nil, err
	}
	if err := r.validate.Struct(env); err != nil {
		return nil, engine.NewValidationError("invalid environment definition", err)
	}
	if env.Authorization != nil {
		if err := env.Authorization.Validate(); err != nil {
			return nil, err
		}
	}

	now := r.now()
	env.ID = newID()
	env.CreatedAt = now
	env.UpdatedAt = now

	if err := r.store.CreateEnvironment(ctx, env); err != nil {
		return nil, err
	}

	audit(ctx, r.store, "environment.create", "", env.ID, map[string]string{"name": env.Name})
	r.logger.WithProjectID(env.ProjectID).WithEnvironmentID(env.ID).
		Infof("environment %q created", env.Name)

	return env, nil
}

// Get loads an environment by id.
func (r *EnvironmentRegistry) Get(ctx context.Context, id string) (*engine.Environment, error) {
	return r.store.GetEnvironment(ctx, id)
}

// List returns all environments of a project.
func (r *EnvironmentRegistry) List(ctx context.Context, projectID string) ([]*engine.Environment, error) {
	return r.store.ListEnvironments(ctx, projectID)
}

// Update replaces an environment's mutable fields and defaults.
func (r *EnvironmentRegistry) Update(ctx context.Context, env *engine.Environment) (*engine.Environment, error) {
	existing, err := r.store.GetEnvironment(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	env.ProjectID = existing.ProjectID
	env.CreatedAt = existing.CreatedAt
	env.UpdatedAt = r.now()

	if err := r.validate.Struct(env); err != nil {
		return nil, engine.NewValidationError("invalid environment definition", err)
	}
	if env.Authorization != nil {
		if err := env.Authorization.Validate(); err != nil {
			return nil, err
		}
	}

	if err := r.store.UpdateEnvironment(ctx, env); err != nil {
		return nil, err
	}

	audit(ctx, r.store, "environment.update", "", env.ID, nil)
	return env, nil
}

// Delete removes an environment. An environment still referenced by any
// configuration's current definition cannot be deleted; the configurations
// must be repointed or deleted first.
func (r *EnvironmentRegistry) Delete(ctx context.Context, id string) error {
	if _, err := r.store.GetEnvironment(ctx, id); err != nil {
		return err
	}

	count, err := r.store.CountConfigsReferencingEnvironment(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return engine.NewConflictError(
			"environment is referenced by configurations", nil).
			WithResource(id).WithCode(engine.ErrCodeEnvReferenced)
	}

	if err := r.store.DeleteEnvironment(ctx, id); err != nil {
		return err
	}

	audit(ctx, r.store, "environment.delete", "", id, nil)
	r.logger.WithEnvironmentID(id).Info("environment deleted")

	return nil
}

// ResolveEffective merges environment defaults with configuration
// overrides: the configuration always wins, environment values fill the
// gaps, and inputs merge key by key.
func (r *EnvironmentRegistry) ResolveEffective(ctx context.Context, cfg *engine.Configuration) (*engine.EffectiveDefinition, error) {
	eff := &engine.EffectiveDefinition{
		Authorization:     cfg.Definition.Authorization,
		ComplianceProfile: cfg.Definition.ComplianceProfile,
		Inputs:            cfg.Definition.Inputs,
	}

	if cfg.Definition.EnvironmentID == "" {
		return eff, nil
	}

	env, err := r.store.GetEnvironment(ctx, cfg.Definition.EnvironmentID)
	if err != nil {
		return nil, err
	}

	if eff.Authorization == nil {
		eff.Authorization = env.Authorization
	}
	if eff.ComplianceProfile == nil {
		eff.ComplianceProfile = env.ComplianceProfile
	}
	eff.Inputs = engine.Merge(env.Inputs, cfg.Definition.Inputs)

	return eff, nil
}
