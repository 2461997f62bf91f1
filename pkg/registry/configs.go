package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfoundry/foundry/pkg/engine"
	"github.com/openfoundry/foundry/pkg/store"
	"github.com/openfoundry/foundry/pkg/telemetry"
)

// ConfigRegistry manages configurations and their version history. Every
// definition save is a new version; versions are append-only and version
// numbers are never reused.
type ConfigRegistry struct {
	store    Store
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	validate *validator.Validate
	now      engine.Clock
}

// NewConfigRegistry creates a configuration registry over the given store.
func NewConfigRegistry(s Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *ConfigRegistry {
	return &ConfigRegistry{
		store:    s,
		logger:   logger.NewComponentLogger("configs"),
		metrics:  metrics,
		validate: validator.New(),
		now:      func() time.Time { return time.Now() },
	}
}

// WithClock overrides the clock, for tests.
func (r *ConfigRegistry) WithClock(now engine.Clock) *ConfigRegistry {
	r.now = now
	return r
}

// checkDefinition validates a definition and its project-scoped
// references.
func (r *ConfigRegistry) checkDefinition(ctx context.Context, projectID string, def *engine.ConfigDefinition) error {
	if err := r.validate.Struct(def); err != nil {
		return engine.NewValidationError("invalid configuration definition", err)
	}
	if def.Authorization != nil {
		if err := def.Authorization.Validate(); err != nil {
			return err
		}
	}
	if def.EnvironmentID != "" {
		env, err := r.store.GetEnvironment(ctx, def.EnvironmentID)
		if err != nil {
			return err
		}
		if env.ProjectID != projectID {
			return engine.NewValidationError(
				fmt.Sprintf("environment %s belongs to a different project", def.EnvironmentID), nil)
		}
	}
	return nil
}

// Create registers a new configuration as version 1 in draft state.
func (r *ConfigRegistry) Create(ctx context.Context, projectID string, def *engine.ConfigDefinition) (*engine.Configuration, error) {
	if _, err := r.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	if err := r.checkDefinition(ctx, projectID, def); err != nil {
		return nil, err
	}

	now := r.now()
	cfg := &engine.Configuration{
		ID:             newID(),
		ProjectID:      projectID,
		Version:        1,
		IsDraft:        true,
		State:          engine.StateDraft,
		Definition:     *def,
		CreatedAt:      now,
		UserModifiedAt: now,
		LastSave:       now,
		UpdatedAt:      now,
	}

	if err := r.store.CreateConfig(ctx, cfg); err != nil {
		return nil, err
	}

	r.recordEvent(ctx, cfg.ID, 1, engine.EventTypeVersionSaved, "version 1 saved")
	r.metrics.RecordVersionSaved()
	audit(ctx, r.store, "config.create", "", cfg.ID, map[string]string{"name": def.Name})
	r.logger.WithProjectID(projectID).WithConfigID(cfg.ID).
		Infof("configuration %q created", def.Name)

	return cfg, nil
}

// Get loads a configuration by id.
func (r *ConfigRegistry) Get(ctx context.Context, configID string) (*engine.Configuration, error) {
	return r.store.GetConfigByID(ctx, configID)
}

// List returns one page of a project's configurations.
func (r *ConfigRegistry) List(ctx context.Context, projectID, token string, limit int) ([]*engine.Configuration, string, error) {
	return r.store.ListConfigs(ctx, projectID, token, limit)
}

// Save stores the definition as a new version and makes it current. The
// configuration returns to draft; a previously approved version loses its
// approval. Saving is rejected while a job is in flight for the current
// version, and in states where a new version is not a legal event.
func (r *ConfigRegistry) Save(ctx context.Context, configID string, def *engine.ConfigDefinition) (*engine.Configuration, error) {
	cfg, err := r.store.GetConfigByID(ctx, configID)
	if err != nil {
		return nil, err
	}
	if err := r.checkDefinition(ctx, cfg.ProjectID, def); err != nil {
		return nil, err
	}

	// Saving is not a table transition: the append itself produces the new
	// draft version. It is refused only while a job is running or once a
	// delete has begun.
	switch {
	case cfg.State.IsInProgress():
		return nil, engine.NewConflictError(
			fmt.Sprintf("cannot save while configuration is %s", cfg.State), nil).
			WithResource(configID).WithCode(engine.ErrCodeJobInFlight)
	case cfg.State == engine.StateDeleting, cfg.State == engine.StateDeleted:
		return nil, engine.NewInvalidTransitionError(cfg.State, engine.EventNewVersionSaved)
	}
	if claim, err := r.store.GetJobClaim(ctx, configID, cfg.Version); err == nil {
		return nil, engine.NewConflictError(
			fmt.Sprintf("job %s is in flight for version %d", claim.JobID, cfg.Version), nil).
			WithResource(configID).WithCode(engine.ErrCodeJobInFlight)
	} else if !engine.IsNotFound(err) {
		return nil, err
	}

	updated, err := r.store.AppendVersion(ctx, configID, def, r.now())
	if err != nil {
		return nil, err
	}

	r.recordEvent(ctx, configID, updated.Version, engine.EventTypeVersionSaved,
		fmt.Sprintf("version %d saved", updated.Version))
	r.metrics.RecordVersionSaved()
	audit(ctx, r.store, "config.save", "", configID, map[string]int64{"version": updated.Version})
	r.logger.WithConfigID(configID).WithVersion(updated.Version).Info("new version saved")

	return updated, nil
}

// Delete removes a configuration. It is admitted only when the current
// state allows a delete request and no job is in flight; a configuration
// with deployed resources must be undeployed first.
func (r *ConfigRegistry) Delete(ctx context.Context, configID string) error {
	cfg, err := r.store.GetConfigByID(ctx, configID)
	if err != nil {
		return err
	}

	if cfg.State.HasDeployedResources() || cfg.DeployedVersion != nil {
		return engine.NewConflictError(
			"configuration has deployed resources; undeploy first", nil).
			WithResource(configID).WithCode(engine.ErrCodeVersionDeployed)
	}
	if _, err := engine.Next(cfg.State, engine.EventDeleteRequested); err != nil {
		return err
	}
	if claim, err := r.store.GetJobClaim(ctx, configID, cfg.Version); err == nil {
		return engine.NewConflictError(
			fmt.Sprintf("job %s is in flight for version %d", claim.JobID, cfg.Version), nil).
			WithResource(configID).WithCode(engine.ErrCodeJobInFlight)
	} else if !engine.IsNotFound(err) {
		return err
	}

	if err := r.store.CompareAndSwapState(ctx, configID, cfg.Version, cfg.State, engine.StateDeleting); err != nil {
		return err
	}
	// The row still exists after a failed step; record the failed attempt
	// on it so delete_requested can be retried from deleting_failed.
	fail := func(err error) error {
		if stateErr := r.store.CompareAndSwapState(ctx, configID, cfg.Version, engine.StateDeleting, engine.StateDeletingFailed); stateErr != nil {
			r.logger.WithConfigID(configID).WithError(stateErr).Warn("failed to mark configuration deleting_failed")
		}
		return err
	}
	if err := r.store.DeleteAllVersions(ctx, configID); err != nil {
		return fail(err)
	}
	if err := r.store.DeleteConfig(ctx, configID); err != nil {
		return fail(err)
	}

	r.recordEvent(ctx, configID, cfg.Version, engine.EventTypeStateChanged, "configuration deleted")
	audit(ctx, r.store, "config.delete", "", configID, nil)
	r.logger.WithConfigID(configID).Info("configuration deleted")

	return nil
}

// Versions returns all stored versions in version order.
func (r *ConfigRegistry) Versions(ctx context.Context, configID string) ([]engine.VersionSummary, error) {
	return r.store.ListVersions(ctx, configID)
}

// GetVersion loads one stored version snapshot.
func (r *ConfigRegistry) GetVersion(ctx context.Context, configID string, version int64) (*store.ConfigVersion, error) {
	return r.store.GetVersion(ctx, configID, version)
}

// DeleteVersion removes a stored version snapshot. The deployed version
// and the current version cannot be deleted, and the number is never
// reused either way.
func (r *ConfigRegistry) DeleteVersion(ctx context.Context, configID string, version int64) error {
	if err := r.store.DeleteVersion(ctx, configID, version); err != nil {
		return err
	}
	audit(ctx, r.store, "config.delete_version", "", configID, map[string]int64{"version": version})
	return nil
}

// MarkUpdateAvailable flips the update-available marker, feeding the
// needs-attention view.
func (r *ConfigRegistry) MarkUpdateAvailable(ctx context.Context, configID string, available bool) error {
	return r.store.SetUpdateAvailable(ctx, configID, available)
}

// ResolveAttention clears resolved issue markers by event id.
func (r *ConfigRegistry) ResolveAttention(ctx context.Context, configID string, eventIDs []string) error {
	return r.store.ClearNeedsAttention(ctx, configID, eventIDs)
}

func (r *ConfigRegistry) recordEvent(ctx context.Context, configID string, version int64, eventType, message string) {
	err := r.store.AppendLifecycleEvent(ctx, &engine.LifecycleEvent{
		ConfigID:  configID,
		Version:   version,
		Type:      eventType,
		Message:   message,
		Timestamp: r.now(),
	})
	if err != nil {
		r.logger.WithConfigID(configID).WithError(err).Warn("failed to append lifecycle event")
	}
}
