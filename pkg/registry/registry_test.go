package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfoundry/foundry/pkg/engine"
	"github.com/openfoundry/foundry/pkg/store"
	"github.com/openfoundry/foundry/pkg/telemetry"
)

type testRegistries struct {
	store        *store.SQLiteStore
	projects     *ProjectRegistry
	environments *EnvironmentRegistry
	configs      *ConfigRegistry
}

func setupRegistries(t *testing.T) *testRegistries {
	t.Helper()

	s, err := store.NewSQLiteStore(store.Config{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	logger := telemetry.NewNopLogger()
	return &testRegistries{
		store:        s,
		projects:     NewProjectRegistry(s, logger),
		environments: NewEnvironmentRegistry(s, logger),
		configs:      NewConfigRegistry(s, logger, nil),
	}
}

func (tr *testRegistries) mustProject(t *testing.T) *engine.Project {
	t.Helper()
	p, err := tr.projects.Create(context.Background(), &engine.Project{
		Name:          "test project",
		Location:      "us-south",
		ResourceGroup: "default",
	})
	if err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	return p
}

func (tr *testRegistries) mustConfig(t *testing.T, projectID string) *engine.Configuration {
	t.Helper()
	cfg, err := tr.configs.Create(context.Background(), projectID, &engine.ConfigDefinition{
		Name:      "web-cluster",
		LocatorID: "catalog-1.version-1",
	})
	if err != nil {
		t.Fatalf("failed to create config: %v", err)
	}
	return cfg
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	var e *engine.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected a classified error, got %v", err)
	}
	return e.Code
}

// TestProjectCreate tests project registration and server-assigned fields.
func TestProjectCreate(t *testing.T) {
	tr := setupRegistries(t)

	p := tr.mustProject(t)
	if p.ID == "" || p.CRN == "" {
		t.Errorf("expected id and crn to be assigned: %+v", p)
	}
	if p.State != engine.ProjectStateReady {
		t.Errorf("expected ready state, got %s", p.State)
	}

	// Location and resource group are mandatory.
	_, err := tr.projects.Create(context.Background(), &engine.Project{Name: "incomplete"})
	if !engine.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// TestProjectUpdate tests partial updates keep unset fields.
func TestProjectUpdate(t *testing.T) {
	tr := setupRegistries(t)
	ctx := context.Background()

	p := tr.mustProject(t)

	updated, err := tr.projects.Update(ctx, p.ID, "", "now with a description", true)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Name != p.Name {
		t.Errorf("empty name must keep the old one, got %q", updated.Name)
	}
	if updated.Description != "now with a description" || !updated.DestroyOnDelete {
		t.Errorf("update not applied: %+v", updated)
	}
}

// TestProjectDeleteAdmission tests that deletion is refused while any
// configuration holds resources or runs a job.
func TestProjectDeleteAdmission(t *testing.T) {
	tr := setupRegistries(t)
	ctx := context.Background()

	p := tr.mustProject(t)
	cfg := tr.mustConfig(t, p.ID)

	if err := tr.store.CompareAndSwapState(ctx, cfg.ID, 1, engine.StateDraft, engine.StateDeployed); err != nil {
		t.Fatalf("failed to force state: %v", err)
	}
	err := tr.projects.Delete(ctx, p.ID)
	if !engine.IsConflict(err) || errCode(t, err) != engine.ErrCodeProjectNotEmpty {
		t.Fatalf("expected PROJECT_NOT_EMPTY conflict, got %v", err)
	}

	if err := tr.store.CompareAndSwapState(ctx, cfg.ID, 1, engine.StateDeployed, engine.StateValidating); err != nil {
		t.Fatalf("failed to force state: %v", err)
	}
	if err := tr.projects.Delete(ctx, p.ID); !engine.IsConflict(err) {
		t.Fatalf("expected conflict while job in flight, got %v", err)
	}

	// Settled configurations do not block deletion; they cascade.
	if err := tr.store.CompareAndSwapState(ctx, cfg.ID, 1, engine.StateValidating, engine.StateValidated); err != nil {
		t.Fatalf("failed to force state: %v", err)
	}
	if err := tr.projects.Delete(ctx, p.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := tr.projects.Get(ctx, p.ID); !engine.IsNotFound(err) {
		t.Errorf("expected project gone, got %v", err)
	}
}

// TestProjectDeleteHeldClaim tests that a held job claim blocks project
// deletion even when the configuration sits in a settled state, as a sync
// claim does.
func TestProjectDeleteHeldClaim(t *testing.T) {
	tr := setupRegistries(t)
	ctx := context.Background()

	p := tr.mustProject(t)
	cfg := tr.mustConfig(t, p.ID)

	if err := tr.store.ClaimJob(ctx, &engine.JobClaim{
		ConfigID: cfg.ID, Version: 1,
		Action: engine.ActionSync, JobID: "job-1",
		Status: engine.JobPending, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to seed claim: %v", err)
	}

	err := tr.projects.Delete(ctx, p.ID)
	if !engine.IsConflict(err) || errCode(t, err) != engine.ErrCodeProjectNotEmpty {
		t.Fatalf("expected PROJECT_NOT_EMPTY conflict, got %v", err)
	}

	if err := tr.store.ReleaseJob(ctx, cfg.ID, 1); err != nil {
		t.Fatalf("failed to release claim: %v", err)
	}
	if err := tr.projects.Delete(ctx, p.ID); err != nil {
		t.Fatalf("delete failed after release: %v", err)
	}
	if _, err := tr.configs.Get(ctx, cfg.ID); !engine.IsNotFound(err) {
		t.Errorf("expected configs to cascade, got %v", err)
	}
}

// TestEnvironmentAuthorization tests the exactly-one-credential rule.
func TestEnvironmentAuthorization(t *testing.T) {
	tr := setupRegistries(t)
	ctx := context.Background()

	p := tr.mustProject(t)

	cases := []struct {
		name string
		auth *engine.Authorization
		ok   bool
	}{
		{"api key", &engine.Authorization{Method: engine.AuthMethodAPIKey, APIKey: "k"}, true},
		{"trusted profile", &engine.Authorization{Method: engine.AuthMethodTrustedProfile, TrustedProfileID: "tp"}, true},
		{"both credentials", &engine.Authorization{APIKey: "k", TrustedProfileID: "tp"}, false},
		{"no credentials", &engine.Authorization{Method: engine.AuthMethodAPIKey}, false},
		{"method mismatch", &engine.Authorization{Method: engine.AuthMethodTrustedProfile, APIKey: "k"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tr.environments.Create(ctx, &engine.Environment{
				ProjectID:     p.ID,
				Name:          "env-" + tc.name,
				Authorization: tc.auth,
			})
			if tc.ok && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if !tc.ok {
				if !engine.IsValidation(err) {
					t.Fatalf("expected validation error, got %v", err)
				}
				if errCode(t, err) != engine.ErrCodeAuthAmbiguous {
					t.Errorf("expected AUTH_AMBIGUOUS code, got %v", err)
				}
			}
		})
	}

	if _, err := tr.environments.Create(ctx, &engine.Environment{
		ProjectID: "missing", Name: "orphan",
	}); !engine.IsNotFound(err) {
		t.Errorf("expected not-found for unknown project, got %v", err)
	}
}

// TestEnvironmentDeleteReferenced tests that a referenced environment
// cannot be deleted until its configurations are repointed or removed.
func TestEnvironmentDeleteReferenced(t *testing.T) {
	tr := setupRegistries(t)
	ctx := context.Background()

	p := tr.mustProject(t)
	env, err := tr.environments.Create(ctx, &engine.Environment{ProjectID: p.ID, Name: "staging"})
	if err != nil {
		t.Fatalf("failed to create environment: %v", err)
	}

	cfg, err := tr.configs.Create(ctx, p.ID, &engine.ConfigDefinition{
		Name:          "web-cluster",
		LocatorID:     "catalog-1.version-1",
		EnvironmentID: env.ID,
	})
	if err != nil {
		t.Fatalf("failed to create config: %v", err)
	}

	err = tr.environments.Delete(ctx, env.ID)
	if !engine.IsConflict(err) || errCode(t, err) != engine.ErrCodeEnvReferenced {
		t.Fatalf("expected ENVIRONMENT_REFERENCED conflict, got %v", err)
	}

	if err := tr.configs.Delete(ctx, cfg.ID); err != nil {
		t.Fatalf("failed to delete config: %v", err)
	}
	if err := tr.environments.Delete(ctx, env.ID); err != nil {
		t.Errorf("expected delete to succeed once unreferenced, got %v", err)
	}
}

// TestResolveEffective tests the environment-default overlay: configuration
// values win, environment values fill the gaps, inputs merge per key.
func TestResolveEffective(t *testing.T) {
	tr := setupRegistries(t)
	ctx := context.Background()

	p := tr.mustProject(t)
	env, err := tr.environments.Create(ctx, &engine.Environment{
		ProjectID: p.ID,
		Name:      "staging",
		Authorization: &engine.Authorization{
			Method: engine.AuthMethodTrustedProfile, TrustedProfileID: "tp-1",
		},
		ComplianceProfile: &engine.ComplianceProfile{ProfileName: "baseline"},
		Inputs: engine.PropertyBag{
			{Key: "region", Value: engine.StringValue("eu-de")},
			{Key: "tier", Value: engine.StringValue("small")},
		},
	})
	if err != nil {
		t.Fatalf("failed to create environment: %v", err)
	}

	cfg, err := tr.configs.Create(ctx, p.ID, &engine.ConfigDefinition{
		Name:              "web-cluster",
		LocatorID:         "catalog-1.version-1",
		EnvironmentID:     env.ID,
		ComplianceProfile: &engine.ComplianceProfile{ProfileName: "production"},
		Inputs: engine.PropertyBag{
			{Key: "tier", Value: engine.StringValue("large")},
		},
	})
	if err != nil {
		t.Fatalf("failed to create config: %v", err)
	}

	eff, err := tr.environments.ResolveEffective(ctx, cfg)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if eff.Authorization == nil || eff.Authorization.TrustedProfileID != "tp-1" {
		t.Errorf("expected environment authorization, got %+v", eff.Authorization)
	}
	if eff.ComplianceProfile == nil || eff.ComplianceProfile.ProfileName != "production" {
		t.Errorf("configuration profile must win, got %+v", eff.ComplianceProfile)
	}
	if v, _ := eff.Inputs.Get("region"); v.Str != "eu-de" {
		t.Errorf("environment input missing: %+v", eff.Inputs)
	}
	if v, _ := eff.Inputs.Get("tier"); v.Str != "large" {
		t.Errorf("configuration input must win: %+v", eff.Inputs)
	}

	// Without an environment the definition stands alone.
	standalone, err := tr.configs.Create(ctx, p.ID, &engine.ConfigDefinition{
		Name: "solo", LocatorID: "catalog-1.version-1",
	})
	if err != nil {
		t.Fatalf("failed to create config: %v", err)
	}
	eff, err = tr.environments.ResolveEffective(ctx, standalone)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if eff.Authorization != nil || eff.ComplianceProfile != nil {
		t.Errorf("expected bare definition, got %+v", eff)
	}
}

// TestConfigCreateAndSave tests versioned saves through the registry.
func TestConfigCreateAndSave(t *testing.T) {
	tr := setupRegistries(t)
	ctx := context.Background()

	p := tr.mustProject(t)
	cfg := tr.mustConfig(t, p.ID)
	if cfg.Version != 1 || cfg.State != engine.StateDraft || !cfg.IsDraft {
		t.Fatalf("unexpected initial config: %+v", cfg)
	}

	def := cfg.Definition
	def.Description = "second revision"
	updated, err := tr.configs.Save(ctx, cfg.ID, &def)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if updated.Version != 2 || updated.State != engine.StateDraft {
		t.Errorf("expected draft v2, got v%d %s", updated.Version, updated.State)
	}

	versions, err := tr.configs.Versions(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("failed to list versions: %v", err)
	}
	if len(versions) != 2 {
		t.Errorf("expected 2 versions, got %d", len(versions))
	}

	// A definition missing its locator never becomes a version.
	if _, err := tr.configs.Save(ctx, cfg.ID, &engine.ConfigDefinition{Name: "x"}); !engine.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}

	// Environments cannot be borrowed across projects.
	other := tr.mustProject(t)
	env, err := tr.environments.Create(ctx, &engine.Environment{ProjectID: other.ID, Name: "foreign"})
	if err != nil {
		t.Fatalf("failed to create environment: %v", err)
	}
	def.EnvironmentID = env.ID
	if _, err := tr.configs.Save(ctx, cfg.ID, &def); !engine.IsValidation(err) {
		t.Errorf("expected validation error for foreign environment, got %v", err)
	}
}

// TestSaveRejectedWhileBusy tests the save admission rules.
func TestSaveRejectedWhileBusy(t *testing.T) {
	tr := setupRegistries(t)
	ctx := context.Background()

	p := tr.mustProject(t)
	cfg := tr.mustConfig(t, p.ID)
	def := cfg.Definition

	// A held claim blocks saving even in a settled state.
	if err := tr.store.ClaimJob(ctx, &engine.JobClaim{
		ConfigID: cfg.ID, Version: 1,
		Action: engine.ActionValidate, JobID: "job-1",
		Status: engine.JobPending, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to seed claim: %v", err)
	}
	_, err := tr.configs.Save(ctx, cfg.ID, &def)
	if !engine.IsConflict(err) || errCode(t, err) != engine.ErrCodeJobInFlight {
		t.Fatalf("expected JOB_IN_FLIGHT conflict, got %v", err)
	}
	if err := tr.store.ReleaseJob(ctx, cfg.ID, 1); err != nil {
		t.Fatalf("failed to release claim: %v", err)
	}

	// In-progress states refuse saves outright.
	if err := tr.store.CompareAndSwapState(ctx, cfg.ID, 1, engine.StateDraft, engine.StateValidating); err != nil {
		t.Fatalf("failed to force state: %v", err)
	}
	if _, err := tr.configs.Save(ctx, cfg.ID, &def); !engine.IsConflict(err) {
		t.Errorf("expected conflict while validating, got %v", err)
	}

	// A deleted configuration takes no further versions.
	if err := tr.store.CompareAndSwapState(ctx, cfg.ID, 1, engine.StateValidating, engine.StateDeleted); err != nil {
		t.Fatalf("failed to force state: %v", err)
	}
	if _, err := tr.configs.Save(ctx, cfg.ID, &def); !engine.IsInvalidTransition(err) {
		t.Errorf("expected invalid-transition error, got %v", err)
	}
}

// TestConfigDeleteAdmission tests configuration deletion guards.
func TestConfigDeleteAdmission(t *testing.T) {
	tr := setupRegistries(t)
	ctx := context.Background()

	p := tr.mustProject(t)
	cfg := tr.mustConfig(t, p.ID)

	// Deployed resources must be torn down first.
	if err := tr.store.CompareAndSwapState(ctx, cfg.ID, 1, engine.StateDraft, engine.StateDeployed); err != nil {
		t.Fatalf("failed to force state: %v", err)
	}
	err := tr.configs.Delete(ctx, cfg.ID)
	if !engine.IsConflict(err) || errCode(t, err) != engine.ErrCodeVersionDeployed {
		t.Fatalf("expected VERSION_DEPLOYED conflict, got %v", err)
	}

	// A held claim blocks deletion.
	if err := tr.store.CompareAndSwapState(ctx, cfg.ID, 1, engine.StateDeployed, engine.StateDraft); err != nil {
		t.Fatalf("failed to force state: %v", err)
	}
	if err := tr.store.ClaimJob(ctx, &engine.JobClaim{
		ConfigID: cfg.ID, Version: 1,
		Action: engine.ActionValidate, JobID: "job-1",
		Status: engine.JobPending, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to seed claim: %v", err)
	}
	if err := tr.configs.Delete(ctx, cfg.ID); !engine.IsConflict(err) {
		t.Fatalf("expected conflict while claim held, got %v", err)
	}
	if err := tr.store.ReleaseJob(ctx, cfg.ID, 1); err != nil {
		t.Fatalf("failed to release claim: %v", err)
	}

	if err := tr.configs.Delete(ctx, cfg.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := tr.configs.Get(ctx, cfg.ID); !engine.IsNotFound(err) {
		t.Errorf("expected config gone, got %v", err)
	}
}

// deleteFaultStore fails the bulk version delete while armed.
type deleteFaultStore struct {
	Store
	arm bool
}

func (s *deleteFaultStore) DeleteAllVersions(ctx context.Context, configID string) error {
	if s.arm {
		return engine.NewInternalError("disk full", nil).WithResource(configID)
	}
	return s.Store.DeleteAllVersions(ctx, configID)
}

// TestConfigDeleteRetryAfterFailure tests that a failed destructive step
// leaves the configuration in deleting_failed, from which delete can be
// requested again.
func TestConfigDeleteRetryAfterFailure(t *testing.T) {
	tr := setupRegistries(t)
	ctx := context.Background()

	p := tr.mustProject(t)
	cfg := tr.mustConfig(t, p.ID)

	faulty := &deleteFaultStore{Store: tr.store, arm: true}
	configs := NewConfigRegistry(faulty, telemetry.NewNopLogger(), nil)

	if err := configs.Delete(ctx, cfg.ID); err == nil {
		t.Fatal("expected delete to fail")
	}
	got, err := tr.configs.Get(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("failed to reload configuration: %v", err)
	}
	if got.State != engine.StateDeletingFailed {
		t.Fatalf("expected deleting_failed after failed delete, got %s", got.State)
	}

	faulty.arm = false
	if err := configs.Delete(ctx, cfg.ID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if _, err := tr.configs.Get(ctx, cfg.ID); !engine.IsNotFound(err) {
		t.Errorf("expected config gone, got %v", err)
	}
}

// TestMarkAndResolveAttention tests the update marker and issue resolution
// passthroughs.
func TestMarkAndResolveAttention(t *testing.T) {
	tr := setupRegistries(t)
	ctx := context.Background()

	p := tr.mustProject(t)
	cfg := tr.mustConfig(t, p.ID)

	if err := tr.configs.MarkUpdateAvailable(ctx, cfg.ID, true); err != nil {
		t.Fatalf("failed to mark update: %v", err)
	}
	got, _ := tr.configs.Get(ctx, cfg.ID)
	if !got.UpdateAvailable {
		t.Error("update marker not set")
	}

	if err := tr.store.AddNeedsAttention(ctx, cfg.ID, engine.NeedsAttention{
		Event: "deployment_drift", EventID: "ev-1", Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to add marker: %v", err)
	}
	if err := tr.configs.ResolveAttention(ctx, cfg.ID, []string{"ev-1"}); err != nil {
		t.Fatalf("failed to resolve marker: %v", err)
	}
	got, _ = tr.configs.Get(ctx, cfg.ID)
	if len(got.NeedsAttention) != 0 {
		t.Errorf("expected markers cleared, got %+v", got.NeedsAttention)
	}
}
