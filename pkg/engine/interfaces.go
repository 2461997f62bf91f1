package engine

import (
	"context"
	"time"
)

// WorkspaceDefinition is the contract issued to the provisioning engine
// when creating or updating a workspace for a configuration.
type WorkspaceDefinition struct {
	ConfigID      string         `json:"config_id"`
	Name          string         `json:"name"`
	LocatorID     string         `json:"locator_id"`
	Inputs        PropertyBag    `json:"inputs,omitempty"`
	Settings      PropertyBag    `json:"settings,omitempty"`
	Authorization *Authorization `json:"authorization,omitempty"`
}

// EngineJobResult is what the provisioning engine reports for a job.
type EngineJobResult struct {
	Status       JobStatus     `json:"status"`
	Summary      RunSummary    `json:"summary"`
	CostEstimate *CostEstimate `json:"cost_estimate,omitempty"`

	// CraLogs are compliance scan log lines, when a scan ran.
	CraLogs []string `json:"cra_logs,omitempty"`

	// Outputs are the deployment outputs reported by a passed apply job.
	Outputs []OutputValue `json:"outputs,omitempty"`

	// Message carries the failure reason for failed jobs.
	Message string `json:"message,omitempty"`
}

// SchematicsEngine is the external provisioning engine boundary. The core
// only issues this contract; plan/apply/destroy execution lives elsewhere.
type SchematicsEngine interface {
	// CreateOrUpdateWorkspace ensures a workspace exists for the
	// definition and returns its reference.
	CreateOrUpdateWorkspace(ctx context.Context, def *WorkspaceDefinition) (string, error)

	// RunPlan starts a plan job for the version and returns the engine
	// job id.
	RunPlan(ctx context.Context, workspaceRef string, version int64) (string, error)

	// RunApply starts an apply job for the version.
	RunApply(ctx context.Context, workspaceRef string, version int64) (string, error)

	// RunDestroy starts a destroy job for the version.
	RunDestroy(ctx context.Context, workspaceRef string, version int64) (string, error)

	// GetJobResult returns the current result of an engine job. Status is
	// pending until the job reaches a terminal result.
	GetJobResult(ctx context.Context, engineJobID string) (*EngineJobResult, error)
}

// Store is the persistence surface the lifecycle core depends on. The
// sqlite store in pkg/store implements it.
type Store interface {
	AttentionSource

	// GetConfigByID loads a configuration by its id.
	GetConfigByID(ctx context.Context, configID string) (*Configuration, error)

	// CompareAndSwapState transitions (configID, version) from one state
	// to another atomically. It fails with Conflict when the current
	// state no longer matches from, and NotFound when the configuration
	// or version does not exist.
	CompareAndSwapState(ctx context.Context, configID string, version int64, from, to ConfigState) error

	// SetActionSummary folds a completed job summary into the
	// configuration's last_validated/last_deployed/last_undeployed field,
	// selected by summary.Action.
	SetActionSummary(ctx context.Context, configID string, summary *ActionSummary) error

	// SetDeployedVersion updates the deployed-version pointer; nil clears it.
	SetDeployedVersion(ctx context.Context, configID string, version *int64) error

	// SetOutputs records the outputs of the last passed deployment on the
	// configuration's definition.
	SetOutputs(ctx context.Context, configID string, outputs []OutputValue) error

	// ApproveVersion swaps (configID, version) from its current state to
	// approved and records the approved-version pointer and comment in
	// the same transaction. Failure modes match CompareAndSwapState.
	ApproveVersion(ctx context.Context, configID string, version int64, from ConfigState, comment string) error

	// SetWorkspaceRef records the provisioning-engine workspace backing
	// the configuration.
	SetWorkspaceRef(ctx context.Context, configID, ref string) error

	// ClaimJob atomically records an in-flight job for (configID,
	// version). It fails with Conflict when a claim already exists.
	ClaimJob(ctx context.Context, claim *JobClaim) error

	// UpdateJobClaim updates the engine job reference and status of an
	// existing claim.
	UpdateJobClaim(ctx context.Context, configID string, version int64, engineJobID string, status JobStatus) error

	// ReleaseJob removes the claim for (configID, version).
	ReleaseJob(ctx context.Context, configID string, version int64) error

	// GetJobClaim returns the in-flight claim, or NotFound.
	GetJobClaim(ctx context.Context, configID string, version int64) (*JobClaim, error)

	// AddNeedsAttention appends an unresolved issue marker.
	AddNeedsAttention(ctx context.Context, configID string, entry NeedsAttention) error

	// AppendLifecycleEvent appends to the configuration's event log.
	AppendLifecycleEvent(ctx context.Context, event *LifecycleEvent) error
}

// AttentionSource is the read surface the attention aggregator scans.
type AttentionSource interface {
	// ListConfigIDs returns the ids of all configurations in a project.
	ListConfigIDs(ctx context.Context, projectID string) ([]string, error)

	// GetConfigByID loads a configuration by its id.
	GetConfigByID(ctx context.Context, configID string) (*Configuration, error)
}

// ComplianceEvaluator evaluates a configuration definition against a named
// compliance profile. Implemented by pkg/policy.
type ComplianceEvaluator interface {
	Evaluate(ctx context.Context, profile string, def *ConfigDefinition) (*ComplianceScan, error)
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time
