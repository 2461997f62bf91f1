package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openfoundry/foundry/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	// A single connection keeps every query on the same in-memory database.
	s, err := NewSQLiteStore(Config{
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

	return s
}

func testProject(id string) *engine.Project {
	now := time.Now().UTC().Truncate(time.Second)
	return &engine.Project{
		ID:            id,
		CRN:           "crn:foundry:" + id,
		Name:          "project " + id,
		Location:      "us-south",
		ResourceGroup: "default",
		State:         engine.ProjectStateReady,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func testConfig(projectID, id string) *engine.Configuration {
	now := time.Now().UTC().Truncate(time.Second)
	return &engine.Configuration{
		ID:        id,
		ProjectID: projectID,
		Version:   1,
		IsDraft:   true,
		State:     engine.StateDraft,
		Definition: engine.ConfigDefinition{
			Name:      "cfg-" + id,
			LocatorID: "catalog-1.version-1",
			Inputs: engine.PropertyBag{
				{Key: "region", Value: engine.StringValue("us-south")},
				{Key: "replicas", Value: engine.NumberValue(3)},
			},
		},
		CreatedAt:      now,
		UserModifiedAt: now,
		LastSave:       now,
		UpdatedAt:      now,
	}
}

// mustCreateConfig inserts a project and a configuration under it.
func mustCreateConfig(t *testing.T, s *SQLiteStore, projectID, configID string) *engine.Configuration {
	t.Helper()

	ctx := context.Background()
	if _, err := s.GetProject(ctx, projectID); err != nil {
		if err := s.CreateProject(ctx, testProject(projectID)); err != nil {
			t.Fatalf("failed to create project: %v", err)
		}
	}

	cfg := testConfig(projectID, configID)
	if err := s.CreateConfig(ctx, cfg); err != nil {
		t.Fatalf("failed to create config: %v", err)
	}
	return cfg
}

// TestStoreLifecycle tests database initialization and closure.
func TestStoreLifecycle(t *testing.T) {
	s, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := s.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests that the schema comes up with all tables.
func TestStoreMigrations(t *testing.T) {
	s := setupTestStore(t)

	tables := []string{
		"projects", "environments", "configs", "config_versions",
		"job_claims", "lifecycle_events", "audit",
	}
	for _, table := range tables {
		var count int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		if err := s.db.QueryRow(query).Scan(&count); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

// TestProjectCRUD tests project create, read, update and delete.
func TestProjectCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := testProject("proj-1")
	p.Description = "the first project"
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}

	got, err := s.GetProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if got.Name != p.Name || got.Description != p.Description ||
		got.Location != p.Location || got.ResourceGroup != p.ResourceGroup {
		t.Errorf("project round trip mismatch: got %+v", got)
	}
	if got.State != engine.ProjectStateReady {
		t.Errorf("expected state ready, got %s", got.State)
	}

	got.Name = "renamed"
	got.DestroyOnDelete = true
	got.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	if err := s.UpdateProject(ctx, got); err != nil {
		t.Fatalf("failed to update project: %v", err)
	}

	updated, err := s.GetProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("failed to get updated project: %v", err)
	}
	if updated.Name != "renamed" || !updated.DestroyOnDelete {
		t.Errorf("update not persisted: %+v", updated)
	}

	if err := s.SetProjectState(ctx, "proj-1", engine.ProjectStateDeleting); err != nil {
		t.Fatalf("failed to set project state: %v", err)
	}
	deleting, _ := s.GetProject(ctx, "proj-1")
	if deleting.State != engine.ProjectStateDeleting {
		t.Errorf("expected state deleting, got %s", deleting.State)
	}

	if err := s.DeleteProject(ctx, "proj-1"); err != nil {
		t.Fatalf("failed to delete project: %v", err)
	}
	if _, err := s.GetProject(ctx, "proj-1"); !engine.IsNotFound(err) {
		t.Errorf("expected not-found after delete, got %v", err)
	}
	if err := s.DeleteProject(ctx, "proj-1"); !engine.IsNotFound(err) {
		t.Errorf("expected not-found on double delete, got %v", err)
	}
}

// TestListProjectsPagination tests cursor paging over projects.
func TestListProjectsPagination(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.CreateProject(ctx, testProject(fmt.Sprintf("proj-%d", i))); err != nil {
			t.Fatalf("failed to create project %d: %v", i, err)
		}
	}

	page1, token, err := s.ListProjects(ctx, "", 2)
	if err != nil {
		t.Fatalf("failed to list first page: %v", err)
	}
	if len(page1) != 2 || token == "" {
		t.Fatalf("expected full first page with token, got %d projects, token %q", len(page1), token)
	}
	if page1[0].ID != "proj-0" || page1[1].ID != "proj-1" {
		t.Errorf("unexpected first page order: %s, %s", page1[0].ID, page1[1].ID)
	}

	page2, token, err := s.ListProjects(ctx, token, 2)
	if err != nil {
		t.Fatalf("failed to list second page: %v", err)
	}
	if len(page2) != 2 || page2[0].ID != "proj-2" {
		t.Fatalf("unexpected second page: %d projects", len(page2))
	}

	page3, token, err := s.ListProjects(ctx, token, 2)
	if err != nil {
		t.Fatalf("failed to list last page: %v", err)
	}
	if len(page3) != 1 || token != "" {
		t.Errorf("expected final page of 1 with empty token, got %d, token %q", len(page3), token)
	}

	if _, _, err := s.ListProjects(ctx, "not-a-token", 2); !engine.IsValidation(err) {
		t.Errorf("expected validation error for bad token, got %v", err)
	}
}

// TestConfigRoundTrip tests configuration persistence including the JSON
// definition and pointer columns.
func TestConfigRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cfg := mustCreateConfig(t, s, "proj-1", "cfg-1")

	got, err := s.GetConfigByID(ctx, "cfg-1")
	if err != nil {
		t.Fatalf("failed to get config: %v", err)
	}
	if got.ProjectID != "proj-1" || got.Version != 1 || !got.IsDraft {
		t.Errorf("config round trip mismatch: %+v", got)
	}
	if got.State != engine.StateDraft {
		t.Errorf("expected draft state, got %s", got.State)
	}
	if got.Definition.Name != cfg.Definition.Name || got.Definition.LocatorID != cfg.Definition.LocatorID {
		t.Errorf("definition mismatch: %+v", got.Definition)
	}
	if len(got.Definition.Inputs) != 2 || got.Definition.Inputs[0].Key != "region" {
		t.Errorf("inputs did not round trip in order: %+v", got.Definition.Inputs)
	}
	if got.ApprovedVersion != nil || got.DeployedVersion != nil {
		t.Errorf("expected nil version pointers on a fresh config")
	}
	if len(got.NeedsAttention) != 0 {
		t.Errorf("expected no attention markers, got %v", got.NeedsAttention)
	}

	// The first version snapshot is written alongside the config row.
	v, err := s.GetVersion(ctx, "cfg-1", 1)
	if err != nil {
		t.Fatalf("failed to get initial version: %v", err)
	}
	if v.Summary.State != engine.StateDraft || v.Definition.Name != cfg.Definition.Name {
		t.Errorf("initial snapshot mismatch: %+v", v.Summary)
	}

	if err := s.SetWorkspaceRef(ctx, "cfg-1", "ws-abc"); err != nil {
		t.Fatalf("failed to set workspace ref: %v", err)
	}
	if err := s.SetUpdateAvailable(ctx, "cfg-1", true); err != nil {
		t.Fatalf("failed to set update_available: %v", err)
	}
	got, _ = s.GetConfigByID(ctx, "cfg-1")
	if got.WorkspaceRef != "ws-abc" || !got.UpdateAvailable {
		t.Errorf("flags not persisted: ref=%q update=%v", got.WorkspaceRef, got.UpdateAvailable)
	}

	if _, err := s.GetConfigByID(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

// TestCompareAndSwapState tests the CAS transition and its failure
// disambiguation.
func TestCompareAndSwapState(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateConfig(t, s, "proj-1", "cfg-1")

	if err := s.CompareAndSwapState(ctx, "cfg-1", 1, engine.StateDraft, engine.StateValidating); err != nil {
		t.Fatalf("CAS failed: %v", err)
	}

	got, _ := s.GetConfigByID(ctx, "cfg-1")
	if got.State != engine.StateValidating {
		t.Errorf("expected validating, got %s", got.State)
	}
	v, _ := s.GetVersion(ctx, "cfg-1", 1)
	if v.Summary.State != engine.StateValidating {
		t.Errorf("version snapshot not kept in step: %s", v.Summary.State)
	}

	// Stale from-state loses the race.
	err := s.CompareAndSwapState(ctx, "cfg-1", 1, engine.StateDraft, engine.StateValidating)
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict for stale from-state, got %v", err)
	}
	var lifecycleErr *engine.Error
	if !errors.As(err, &lifecycleErr) || lifecycleErr.Code != engine.ErrCodeStateChanged {
		t.Errorf("expected STATE_CHANGED code, got %v", err)
	}

	// Stale version number is also a conflict, not a not-found.
	if _, err := s.AppendVersion(ctx, "cfg-1", &engine.ConfigDefinition{Name: "n", LocatorID: "c.v"}, time.Now().UTC()); err != nil {
		t.Fatalf("failed to append version: %v", err)
	}
	err = s.CompareAndSwapState(ctx, "cfg-1", 1, engine.StateValidating, engine.StateValidated)
	if !engine.IsConflict(err) {
		t.Errorf("expected conflict for stale version, got %v", err)
	}

	if err := s.CompareAndSwapState(ctx, "missing", 1, engine.StateDraft, engine.StateValidating); !engine.IsNotFound(err) {
		t.Errorf("expected not-found for missing config, got %v", err)
	}
}

// TestAppendVersionHighWater tests that version numbers come from the
// high-water mark and are never reused.
func TestAppendVersionHighWater(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateConfig(t, s, "proj-1", "cfg-1")
	def := &engine.ConfigDefinition{Name: "cfg", LocatorID: "cat.v2"}

	cfg, err := s.AppendVersion(ctx, "cfg-1", def, time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to append version: %v", err)
	}
	if cfg.Version != 2 || !cfg.IsDraft || cfg.State != engine.StateDraft {
		t.Fatalf("expected draft v2, got v%d state %s draft=%v", cfg.Version, cfg.State, cfg.IsDraft)
	}

	// The previous snapshot is superceded.
	v1, err := s.GetVersion(ctx, "cfg-1", 1)
	if err != nil {
		t.Fatalf("failed to get v1: %v", err)
	}
	if v1.Summary.State != engine.StateSuperceded {
		t.Errorf("expected v1 superceded, got %s", v1.Summary.State)
	}

	// Deleting an old version must not free its number.
	if err := s.DeleteVersion(ctx, "cfg-1", 1); err != nil {
		t.Fatalf("failed to delete v1: %v", err)
	}
	cfg, err = s.AppendVersion(ctx, "cfg-1", def, time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to append after delete: %v", err)
	}
	if cfg.Version != 3 {
		t.Errorf("expected v3 after deleting v1, got v%d", cfg.Version)
	}

	versions, err := s.ListVersions(ctx, "cfg-1")
	if err != nil {
		t.Fatalf("failed to list versions: %v", err)
	}
	if len(versions) != 2 || versions[0].Version != 2 || versions[1].Version != 3 {
		t.Errorf("unexpected version list: %+v", versions)
	}

	if _, err := s.AppendVersion(ctx, "missing", def, time.Now().UTC()); !engine.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

// TestAppendVersionApprovalReset tests that saving a new version clears the
// approval and restores the draft flag.
func TestAppendVersionApprovalReset(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateConfig(t, s, "proj-1", "cfg-1")
	one := int64(1)
	if err := s.SetApprovedVersion(ctx, "cfg-1", &one, "ship it"); err != nil {
		t.Fatalf("failed to approve: %v", err)
	}
	approved, _ := s.GetConfigByID(ctx, "cfg-1")
	if approved.IsDraft || approved.ApprovedVersion == nil || approved.ApprovedComment != "ship it" {
		t.Fatalf("approval not persisted: %+v", approved)
	}

	cfg, err := s.AppendVersion(ctx, "cfg-1", &engine.ConfigDefinition{Name: "n", LocatorID: "c.v"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to append version: %v", err)
	}
	if cfg.ApprovedVersion != nil || cfg.ApprovedComment != "" || !cfg.IsDraft {
		t.Errorf("approval should reset on save: %+v", cfg)
	}
}

// TestAppendVersionKeepsDeployedSnapshot tests that the deployed version is
// never marked superceded by a newer save.
func TestAppendVersionKeepsDeployedSnapshot(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateConfig(t, s, "proj-1", "cfg-1")
	if err := s.CompareAndSwapState(ctx, "cfg-1", 1, engine.StateDraft, engine.StateDeployed); err != nil {
		t.Fatalf("failed to force deployed state: %v", err)
	}
	one := int64(1)
	if err := s.SetDeployedVersion(ctx, "cfg-1", &one); err != nil {
		t.Fatalf("failed to set deployed version: %v", err)
	}

	if _, err := s.AppendVersion(ctx, "cfg-1", &engine.ConfigDefinition{Name: "n", LocatorID: "c.v"}, time.Now().UTC()); err != nil {
		t.Fatalf("failed to append version: %v", err)
	}

	v1, err := s.GetVersion(ctx, "cfg-1", 1)
	if err != nil {
		t.Fatalf("failed to get v1: %v", err)
	}
	if v1.Summary.State != engine.StateDeployed {
		t.Errorf("deployed snapshot must keep its state, got %s", v1.Summary.State)
	}
}

// TestDeleteVersionConflicts tests the deployed-version and current-version
// deletion guards.
func TestDeleteVersionConflicts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateConfig(t, s, "proj-1", "cfg-1")
	if _, err := s.AppendVersion(ctx, "cfg-1", &engine.ConfigDefinition{Name: "n", LocatorID: "c.v"}, time.Now().UTC()); err != nil {
		t.Fatalf("failed to append version: %v", err)
	}
	one := int64(1)
	if err := s.SetDeployedVersion(ctx, "cfg-1", &one); err != nil {
		t.Fatalf("failed to set deployed version: %v", err)
	}

	err := s.DeleteVersion(ctx, "cfg-1", 1)
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict deleting deployed version, got %v", err)
	}
	var lifecycleErr *engine.Error
	if !errors.As(err, &lifecycleErr) || lifecycleErr.Code != engine.ErrCodeVersionDeployed {
		t.Errorf("expected VERSION_DEPLOYED code, got %v", err)
	}

	if err := s.DeleteVersion(ctx, "cfg-1", 2); !engine.IsConflict(err) {
		t.Errorf("expected conflict deleting current version, got %v", err)
	}
	if err := s.DeleteVersion(ctx, "cfg-1", 99); !engine.IsNotFound(err) {
		t.Errorf("expected not-found for missing version, got %v", err)
	}

	// Undeploy clears the pointer and makes v1 deletable.
	if err := s.SetDeployedVersion(ctx, "cfg-1", nil); err != nil {
		t.Fatalf("failed to clear deployed version: %v", err)
	}
	if err := s.DeleteVersion(ctx, "cfg-1", 1); err != nil {
		t.Errorf("expected delete to succeed after undeploy, got %v", err)
	}
}

// TestDeleteAllVersions tests the bulk snapshot removal used when a
// configuration is deleted.
func TestDeleteAllVersions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateConfig(t, s, "proj-1", "cfg-1")
	if _, err := s.AppendVersion(ctx, "cfg-1", &engine.ConfigDefinition{Name: "n", LocatorID: "c.v"}, time.Now().UTC()); err != nil {
		t.Fatalf("failed to append version: %v", err)
	}

	one := int64(1)
	if err := s.SetDeployedVersion(ctx, "cfg-1", &one); err != nil {
		t.Fatalf("failed to set deployed version: %v", err)
	}
	err := s.DeleteAllVersions(ctx, "cfg-1")
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict while a version is deployed, got %v", err)
	}
	var lifecycleErr *engine.Error
	if !errors.As(err, &lifecycleErr) || lifecycleErr.Code != engine.ErrCodeVersionDeployed {
		t.Errorf("expected VERSION_DEPLOYED code, got %v", err)
	}

	if err := s.SetDeployedVersion(ctx, "cfg-1", nil); err != nil {
		t.Fatalf("failed to clear deployed version: %v", err)
	}
	if err := s.DeleteAllVersions(ctx, "cfg-1"); err != nil {
		t.Fatalf("failed to delete versions: %v", err)
	}

	versions, err := s.ListVersions(ctx, "cfg-1")
	if err != nil {
		t.Fatalf("failed to list versions: %v", err)
	}
	if len(versions) != 0 {
		t.Errorf("expected no versions, got %d", len(versions))
	}

	if err := s.DeleteAllVersions(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

// TestApproveVersion tests the combined approval swap: state, pointer,
// comment and draft flag land together.
func TestApproveVersion(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateConfig(t, s, "proj-1", "cfg-1")
	if err := s.CompareAndSwapState(ctx, "cfg-1", 1, engine.StateDraft, engine.StateValidated); err != nil {
		t.Fatalf("failed to force state: %v", err)
	}

	// A stale from-state loses the swap and changes nothing.
	if err := s.ApproveVersion(ctx, "cfg-1", 1, engine.StateDraft, "lgtm"); !engine.IsConflict(err) {
		t.Fatalf("expected conflict on stale from-state, got %v", err)
	}
	cfg, err := s.GetConfigByID(ctx, "cfg-1")
	if err != nil {
		t.Fatalf("failed to reload configuration: %v", err)
	}
	if cfg.State != engine.StateValidated || cfg.ApprovedVersion != nil {
		t.Fatalf("lost swap must not leave partial effects: %+v", cfg)
	}

	if err := s.ApproveVersion(ctx, "cfg-1", 1, engine.StateValidated, "lgtm"); err != nil {
		t.Fatalf("failed to approve: %v", err)
	}
	cfg, err = s.GetConfigByID(ctx, "cfg-1")
	if err != nil {
		t.Fatalf("failed to reload configuration: %v", err)
	}
	if cfg.State != engine.StateApproved {
		t.Errorf("expected approved state, got %s", cfg.State)
	}
	if cfg.ApprovedVersion == nil || *cfg.ApprovedVersion != 1 {
		t.Errorf("expected approved version 1, got %v", cfg.ApprovedVersion)
	}
	if cfg.ApprovedComment != "lgtm" || cfg.IsDraft {
		t.Errorf("expected comment recorded and draft cleared, got %+v", cfg)
	}

	if err := s.ApproveVersion(ctx, "missing", 1, engine.StateValidated, "lgtm"); !engine.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

// TestDeleteProjectClaimGuard tests that the project delete refuses to run
// while any of the project's configurations holds a job claim.
func TestDeleteProjectClaimGuard(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateConfig(t, s, "proj-1", "cfg-1")
	if err := s.ClaimJob(ctx, &engine.JobClaim{
		ConfigID: "cfg-1", Version: 1,
		Action: engine.ActionSync, JobID: "job-1",
		Status: engine.JobPending, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to seed claim: %v", err)
	}

	count, err := s.CountJobClaimsForProject(ctx, "proj-1")
	if err != nil {
		t.Fatalf("failed to count claims: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 claim, got %d", count)
	}

	err = s.DeleteProject(ctx, "proj-1")
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict while claim held, got %v", err)
	}
	var lifecycleErr *engine.Error
	if !errors.As(err, &lifecycleErr) || lifecycleErr.Code != engine.ErrCodeProjectNotEmpty {
		t.Errorf("expected PROJECT_NOT_EMPTY code, got %v", err)
	}

	if err := s.ReleaseJob(ctx, "cfg-1", 1); err != nil {
		t.Fatalf("failed to release claim: %v", err)
	}
	if err := s.DeleteProject(ctx, "proj-1"); err != nil {
		t.Fatalf("delete failed after release: %v", err)
	}
	if _, err := s.GetConfigByID(ctx, "cfg-1"); !engine.IsNotFound(err) {
		t.Errorf("expected config cascaded, got %v", err)
	}
}

// TestJobClaims tests the at-most-one-in-flight admission record.
func TestJobClaims(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	claim := &engine.JobClaim{
		ConfigID:  "cfg-1",
		Version:   1,
		Action:    engine.ActionValidate,
		JobID:     "job-1",
		Status:    engine.JobPending,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.ClaimJob(ctx, claim); err != nil {
		t.Fatalf("failed to claim job: %v", err)
	}

	// A second claim on the same (config, version) must be rejected.
	dup := *claim
	dup.JobID = "job-2"
	err := s.ClaimJob(ctx, &dup)
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate claim, got %v", err)
	}
	var lifecycleErr *engine.Error
	if !errors.As(err, &lifecycleErr) || lifecycleErr.Code != engine.ErrCodeJobInFlight {
		t.Errorf("expected JOB_IN_FLIGHT code, got %v", err)
	}

	// A different version of the same config may run concurrently.
	other := *claim
	other.Version = 2
	other.JobID = "job-3"
	if err := s.ClaimJob(ctx, &other); err != nil {
		t.Errorf("claim on another version should succeed: %v", err)
	}

	if err := s.UpdateJobClaim(ctx, "cfg-1", 1, "engine-42", engine.JobPending); err != nil {
		t.Fatalf("failed to update claim: %v", err)
	}
	got, err := s.GetJobClaim(ctx, "cfg-1", 1)
	if err != nil {
		t.Fatalf("failed to get claim: %v", err)
	}
	if got.EngineJobID != "engine-42" || got.Action != engine.ActionValidate || got.JobID != "job-1" {
		t.Errorf("claim round trip mismatch: %+v", got)
	}

	if err := s.ReleaseJob(ctx, "cfg-1", 1); err != nil {
		t.Fatalf("failed to release claim: %v", err)
	}
	if _, err := s.GetJobClaim(ctx, "cfg-1", 1); !engine.IsNotFound(err) {
		t.Errorf("expected not-found after release, got %v", err)
	}
	// Releasing twice is not an error.
	if err := s.ReleaseJob(ctx, "cfg-1", 1); err != nil {
		t.Errorf("double release should be a no-op: %v", err)
	}
}

// TestListConfigsPagination tests cursor paging scoped to a project,
// including skip-on-delete and filter-hash validation.
func TestListConfigsPagination(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustCreateConfig(t, s, "proj-1", fmt.Sprintf("cfg-%d", i))
	}
	mustCreateConfig(t, s, "proj-2", "other")

	page1, token, err := s.ListConfigs(ctx, "proj-1", "", 2)
	if err != nil {
		t.Fatalf("failed to list first page: %v", err)
	}
	if len(page1) != 2 || token == "" {
		t.Fatalf("expected 2 configs with token, got %d", len(page1))
	}

	// A token minted for one project must not page another.
	if _, _, err := s.ListConfigs(ctx, "proj-2", token, 2); !engine.IsValidation(err) {
		t.Errorf("expected validation error for cross-project token, got %v", err)
	}

	// Rows deleted since the token was issued are skipped.
	if err := s.DeleteConfig(ctx, "cfg-2"); err != nil {
		t.Fatalf("failed to delete config: %v", err)
	}
	page2, token, err := s.ListConfigs(ctx, "proj-1", token, 2)
	if err != nil {
		t.Fatalf("failed to list second page: %v", err)
	}
	if len(page2) != 0 || token != "" {
		t.Errorf("expected empty final page, got %d configs, token %q", len(page2), token)
	}

	ids, err := s.ListConfigIDs(ctx, "proj-1")
	if err != nil {
		t.Fatalf("failed to list config ids: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 remaining configs, got %v", ids)
	}
}

// TestNeedsAttentionMarkers tests adding and clearing attention markers.
func TestNeedsAttentionMarkers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateConfig(t, s, "proj-1", "cfg-1")
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.AddNeedsAttention(ctx, "cfg-1", engine.NeedsAttention{
		Event: "update_available", EventID: "ev-1", Timestamp: now,
	}); err != nil {
		t.Fatalf("failed to add marker: %v", err)
	}
	if err := s.AddNeedsAttention(ctx, "cfg-1", engine.NeedsAttention{
		Event: "deployment_drift", EventID: "ev-2", Severity: "warning", Timestamp: now,
	}); err != nil {
		t.Fatalf("failed to add second marker: %v", err)
	}

	cfg, _ := s.GetConfigByID(ctx, "cfg-1")
	if len(cfg.NeedsAttention) != 2 {
		t.Fatalf("expected 2 markers, got %d", len(cfg.NeedsAttention))
	}

	if err := s.ClearNeedsAttention(ctx, "cfg-1", []string{"ev-1"}); err != nil {
		t.Fatalf("failed to clear marker: %v", err)
	}
	cfg, _ = s.GetConfigByID(ctx, "cfg-1")
	if len(cfg.NeedsAttention) != 1 || cfg.NeedsAttention[0].EventID != "ev-2" {
		t.Errorf("expected ev-2 to remain, got %+v", cfg.NeedsAttention)
	}

	// An empty id list clears everything.
	if err := s.ClearNeedsAttention(ctx, "cfg-1", nil); err != nil {
		t.Fatalf("failed to clear all markers: %v", err)
	}
	cfg, _ = s.GetConfigByID(ctx, "cfg-1")
	if len(cfg.NeedsAttention) != 0 {
		t.Errorf("expected no markers, got %+v", cfg.NeedsAttention)
	}

	if err := s.AddNeedsAttention(ctx, "missing", engine.NeedsAttention{Event: "x", EventID: "y"}); !engine.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

// TestSetActionSummary tests folding job summaries into their slots.
func TestSetActionSummary(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateConfig(t, s, "proj-1", "cfg-1")
	now := time.Now().UTC().Truncate(time.Second)

	summary := &engine.ActionSummary{
		Action:      engine.ActionValidate,
		Result:      engine.JobPassed,
		JobID:       "job-1",
		Version:     1,
		StartedAt:   now,
		CompletedAt: now,
		Summary:     engine.RunSummary{Adds: 3, Changes: 1},
		ComplianceScan: &engine.ComplianceScan{
			Profile: "default",
			Passed:  true,
		},
	}
	if err := s.SetActionSummary(ctx, "cfg-1", summary); err != nil {
		t.Fatalf("failed to set summary: %v", err)
	}

	cfg, _ := s.GetConfigByID(ctx, "cfg-1")
	if cfg.LastValidated == nil {
		t.Fatal("expected last_validated to be set")
	}
	if cfg.LastValidated.Result != engine.JobPassed || cfg.LastValidated.Summary.Adds != 3 {
		t.Errorf("summary round trip mismatch: %+v", cfg.LastValidated)
	}
	if cfg.LastValidated.ComplianceScan == nil || !cfg.LastValidated.ComplianceScan.Passed {
		t.Errorf("compliance scan not retained: %+v", cfg.LastValidated.ComplianceScan)
	}
	if cfg.LastDeployed != nil || cfg.LastUndeployed != nil {
		t.Error("other summary slots should stay empty")
	}

	// Sync has no summary slot.
	err := s.SetActionSummary(ctx, "cfg-1", &engine.ActionSummary{Action: engine.ActionSync})
	if !engine.IsValidation(err) {
		t.Errorf("expected validation error for sync summary, got %v", err)
	}
}

// TestEnvironmentCRUD tests environment persistence and reference counting.
func TestEnvironmentCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateProject(ctx, testProject("proj-1")); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	env := &engine.Environment{
		ID:        "env-1",
		ProjectID: "proj-1",
		Name:      "staging",
		Authorization: &engine.Authorization{
			Method: engine.AuthMethodAPIKey,
			APIKey: "secret",
		},
		Inputs: engine.PropertyBag{
			{Key: "region", Value: engine.StringValue("eu-de")},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateEnvironment(ctx, env); err != nil {
		t.Fatalf("failed to create environment: %v", err)
	}

	got, err := s.GetEnvironment(ctx, "env-1")
	if err != nil {
		t.Fatalf("failed to get environment: %v", err)
	}
	if got.Name != "staging" || got.Authorization == nil || got.Authorization.APIKey != "secret" {
		t.Errorf("environment round trip mismatch: %+v", got)
	}
	if v, ok := got.Inputs.Get("region"); !ok || v.Str != "eu-de" {
		t.Errorf("inputs did not round trip: %+v", got.Inputs)
	}

	got.Description = "pre-production"
	if err := s.UpdateEnvironment(ctx, got); err != nil {
		t.Fatalf("failed to update environment: %v", err)
	}

	env2 := &engine.Environment{
		ID: "env-2", ProjectID: "proj-1", Name: "production",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateEnvironment(ctx, env2); err != nil {
		t.Fatalf("failed to create second environment: %v", err)
	}
	envs, err := s.ListEnvironments(ctx, "proj-1")
	if err != nil {
		t.Fatalf("failed to list environments: %v", err)
	}
	if len(envs) != 2 || envs[0].Name != "production" || envs[1].Name != "staging" {
		t.Errorf("expected name-ordered environments, got %+v", envs)
	}

	// Reference counting looks at the current definition.
	cfg := testConfig("proj-1", "cfg-1")
	cfg.Definition.EnvironmentID = "env-1"
	if err := s.CreateConfig(ctx, cfg); err != nil {
		t.Fatalf("failed to create config: %v", err)
	}
	count, err := s.CountConfigsReferencingEnvironment(ctx, "env-1")
	if err != nil {
		t.Fatalf("failed to count references: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 reference, got %d", count)
	}
	count, _ = s.CountConfigsReferencingEnvironment(ctx, "env-2")
	if count != 0 {
		t.Errorf("expected 0 references, got %d", count)
	}

	if err := s.DeleteEnvironment(ctx, "env-2"); err != nil {
		t.Fatalf("failed to delete environment: %v", err)
	}
	if _, err := s.GetEnvironment(ctx, "env-2"); !engine.IsNotFound(err) {
		t.Errorf("expected not-found after delete, got %v", err)
	}
}

// TestLifecycleEvents tests the append-only per-config event log.
func TestLifecycleEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	first := &engine.LifecycleEvent{
		ConfigID: "cfg-1", Version: 1,
		Type: engine.EventTypeStateChanged, Message: "draft -> validating",
		Timestamp: now,
	}
	if err := s.AppendLifecycleEvent(ctx, first); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if first.ID == 0 {
		t.Error("expected event id to be assigned")
	}
	second := &engine.LifecycleEvent{
		ConfigID: "cfg-1", Version: 1,
		Type: engine.EventTypeJobCompleted, Message: "validate passed",
		Timestamp: now,
	}
	if err := s.AppendLifecycleEvent(ctx, second); err != nil {
		t.Fatalf("failed to append second event: %v", err)
	}

	events, err := s.ListLifecycleEvents(ctx, "cfg-1", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != engine.EventTypeStateChanged || events[1].Type != engine.EventTypeJobCompleted {
		t.Errorf("expected oldest-first order, got %s, %s", events[0].Type, events[1].Type)
	}
}

// TestAuditTrail tests audit entry recording and newest-first listing.
func TestAuditTrail(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	for i, action := range []string{"config.create", "config.save", "config.approve"} {
		entry := &AuditEntry{
			Action:     action,
			Actor:      "operator",
			ResourceID: "cfg-1",
			Timestamp:  now.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if entry.ID == 0 {
			t.Error("expected audit id to be assigned")
		}
	}

	entries, err := s.ListAuditEntries(ctx, "cfg-1", 2)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected limit of 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "config.approve" {
		t.Errorf("expected newest first, got %s", entries[0].Action)
	}
}
