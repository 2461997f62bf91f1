package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfoundry/foundry/pkg/telemetry"
)

func defaultClock() time.Time { return time.Now() }

// EffectiveDefinition carries the authorization, compliance profile and
// inputs that apply to a configuration after environment defaults are
// merged with configuration overrides.
type EffectiveDefinition struct {
	Authorization     *Authorization
	ComplianceProfile *ComplianceProfile
	Inputs            PropertyBag
}

// DefinitionResolver resolves the effective definition for a
// configuration. Implemented by the environment registry.
type DefinitionResolver interface {
	ResolveEffective(ctx context.Context, cfg *Configuration) (*EffectiveDefinition, error)
}

// JobHandle identifies a submitted job for polling.
type JobHandle struct {
	JobID    string     `json:"job_id"`
	ConfigID string     `json:"config_id"`
	Version  int64      `json:"version"`
	Action   ActionType `json:"action"`
}

// JobCoordinator manages the asynchronous lifecycle of validate, deploy,
// undeploy and sync actions against the provisioning engine. Submit
// returns immediately; completion is observed via polling. At most one job
// may be in flight per (configuration, version).
type JobCoordinator struct {
	store      Store
	engine     SchematicsEngine
	sm         *StateMachine
	compliance ComplianceEvaluator
	resolver   DefinitionResolver
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer

	pollInterval time.Duration
	now          Clock

	mu   sync.RWMutex
	jobs map[string]JobStatus // job id -> latest status, terminal retained

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobCoordinator creates a coordinator over the given store, engine and
// state machine.
func NewJobCoordinator(store Store, eng SchematicsEngine, sm *StateMachine, logger *telemetry.Logger, metrics *telemetry.Metrics) *JobCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobCoordinator{
		store:        store,
		engine:       eng,
		sm:           sm,
		logger:       logger.NewComponentLogger("coordinator"),
		metrics:      metrics,
		pollInterval: 2 * time.Second,
		now:          defaultClock,
		jobs:         make(map[string]JobStatus),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// WithCompliance enables the compliance gate on validate jobs.
func (c *JobCoordinator) WithCompliance(eval ComplianceEvaluator) *JobCoordinator {
	c.compliance = eval
	return c
}

// WithResolver sets the effective-definition resolver.
func (c *JobCoordinator) WithResolver(r DefinitionResolver) *JobCoordinator {
	c.resolver = r
	return c
}

// WithPollInterval overrides how often engine job results are polled.
func (c *JobCoordinator) WithPollInterval(d time.Duration) *JobCoordinator {
	if d > 0 {
		c.pollInterval = d
	}
	return c
}

// WithTracer enables span creation on submissions.
func (c *JobCoordinator) WithTracer(t *telemetry.Tracer) *JobCoordinator {
	c.tracer = t
	return c
}

// WithClock overrides the clock, for tests.
func (c *JobCoordinator) WithClock(now Clock) *JobCoordinator {
	c.now = now
	return c
}

// Close stops all observer goroutines and waits for them to drain.
// In-flight claims are left in place; a later sync reconciles them.
func (c *JobCoordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Wait blocks until all observer goroutines have finished. Tests use it to
// observe terminal results deterministically.
func (c *JobCoordinator) Wait() {
	c.wg.Wait()
}

// Submit admits a job for (configID, version) and starts driving it. It
// fails with Conflict when a job for the same configuration version is
// already in flight, and with InvalidStateTransition when the action is
// not legal in the current state; either way nothing changes. On success
// the configuration is already in the corresponding in-progress state when
// Submit returns.
func (c *JobCoordinator) Submit(ctx context.Context, configID string, version int64, action ActionType) (*JobHandle, error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.StartConfigSpan(ctx, "coordinator.submit", configID)
		span.SetAttributes(telemetry.AttrAction.String(string(action)))
		defer span.End()
	}

	event, err := action.RequestEvent()
	if err != nil {
		return nil, NewValidationError(err.Error(), nil)
	}

	cfg, err := c.store.GetConfigByID(ctx, configID)
	if err != nil {
		return nil, err
	}
	if version != cfg.Version {
		return nil, NewConflictError(
			fmt.Sprintf("version %d is not the current version (%d)", version, cfg.Version), nil).
			WithResource(configID)
	}
	if _, err := Next(cfg.State, event); err != nil {
		return nil, err
	}

	claim := &JobClaim{
		ConfigID:  configID,
		Version:   version,
		Action:    action,
		JobID:     uuid.New().String(),
		Status:    JobPending,
		CreatedAt: c.now(),
	}
	if err := c.store.ClaimJob(ctx, claim); err != nil {
		return nil, err
	}

	// The admission claim is held; from here on every exit path either
	// hands the claim to the observer goroutine or releases it.
	if action != ActionSync {
		if _, err := c.sm.ApplyToVersion(ctx, cfg, version, event); err != nil {
			if relErr := c.store.ReleaseJob(ctx, configID, version); relErr != nil {
				c.logger.WithConfigID(configID).WithError(relErr).Warn("failed to release claim")
			}
			return nil, err
		}
	}

	c.setJobStatus(claim.JobID, JobPending)
	c.metrics.RecordJobSubmitted(string(action))
	c.recordEvent(ctx, configID, version, EventTypeJobSubmitted,
		fmt.Sprintf("%s job %s submitted", action, claim.JobID))
	c.logger.WithConfigID(configID).WithVersion(version).WithJobID(claim.JobID).
		Infof("%s job submitted", action)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(c.ctx, cfg, claim)
	}()

	return &JobHandle{
		JobID:    claim.JobID,
		ConfigID: configID,
		Version:  version,
		Action:   action,
	}, nil
}

// Poll returns the current status of a job. Non-blocking; terminal
// statuses are retained for the coordinator's lifetime.
func (c *JobCoordinator) Poll(ctx context.Context, handle *JobHandle) (JobStatus, error) {
	c.mu.RLock()
	status, ok := c.jobs[handle.JobID]
	c.mu.RUnlock()
	if ok {
		return status, nil
	}

	claim, err := c.store.GetJobClaim(ctx, handle.ConfigID, handle.Version)
	if err != nil {
		return "", NewNotFoundError("job not found", err).WithResource(handle.JobID)
	}
	if claim.JobID != handle.JobID {
		return "", NewNotFoundError("job not found", nil).WithResource(handle.JobID)
	}
	return claim.Status, nil
}

func (c *JobCoordinator) setJobStatus(jobID string, status JobStatus) {
	c.mu.Lock()
	c.jobs[jobID] = status
	c.mu.Unlock()
}

// run drives one claimed job to a terminal result.
func (c *JobCoordinator) run(ctx context.Context, cfg *Configuration, claim *JobClaim) {
	started := c.now()
	log := c.logger.WithConfigID(cfg.ID).WithVersion(claim.Version).WithJobID(claim.JobID)

	if claim.Action == ActionSync {
		c.runSync(ctx, cfg, claim, started)
		return
	}

	eff := c.resolveEffective(ctx, cfg)

	var scan *ComplianceScan
	if claim.Action == ActionValidate && c.compliance != nil && eff.ComplianceProfile != nil {
		var err error
		scan, err = c.compliance.Evaluate(ctx, eff.ComplianceProfile.ProfileName, &cfg.Definition)
		if err != nil {
			log.WithError(err).Warn("compliance evaluation failed")
			scan = &ComplianceScan{
				Profile:  eff.ComplianceProfile.ProfileName,
				Passed:   false,
				Warnings: []string{fmt.Sprintf("compliance evaluation error: %v", err)},
			}
		}
		if !scan.Passed {
			// Blocked locally; the provisioning engine is never called.
			c.finish(ctx, cfg, claim, started, &EngineJobResult{
				Status:  JobFailed,
				Message: "compliance profile violations block validation",
			}, scan)
			return
		}
	}

	workspaceRef, err := c.ensureWorkspace(ctx, cfg, eff)
	if err != nil {
		c.finish(ctx, cfg, claim, started, upstreamResult("workspace", err), scan)
		return
	}

	engineJobID, err := c.startEngineJob(ctx, claim.Action, workspaceRef, claim.Version)
	if err != nil {
		c.finish(ctx, cfg, claim, started, upstreamResult(string(claim.Action), err), scan)
		return
	}
	claim.EngineJobID = engineJobID
	if err := c.store.UpdateJobClaim(ctx, cfg.ID, claim.Version, engineJobID, JobPending); err != nil {
		log.WithError(err).Warn("failed to record engine job reference")
	}

	result := c.awaitResult(ctx, engineJobID)
	if result == nil {
		// Shut down mid-flight; the claim stays for sync to reconcile.
		log.Warn("coordinator stopped before job completion")
		return
	}
	c.finish(ctx, cfg, claim, started, result, scan)
}

func (c *JobCoordinator) resolveEffective(ctx context.Context, cfg *Configuration) *EffectiveDefinition {
	if c.resolver != nil {
		eff, err := c.resolver.ResolveEffective(ctx, cfg)
		if err == nil {
			return eff
		}
		c.logger.WithConfigID(cfg.ID).WithError(err).
			Warn("effective definition resolution failed; using configuration values")
	}
	return &EffectiveDefinition{
		Authorization:     cfg.Definition.Authorization,
		ComplianceProfile: cfg.Definition.ComplianceProfile,
		Inputs:            cfg.Definition.Inputs,
	}
}

func (c *JobCoordinator) ensureWorkspace(ctx context.Context, cfg *Configuration, eff *EffectiveDefinition) (string, error) {
	ref, err := c.engine.CreateOrUpdateWorkspace(ctx, &WorkspaceDefinition{
		ConfigID:      cfg.ID,
		Name:          cfg.Definition.Name,
		LocatorID:     cfg.Definition.LocatorID,
		Inputs:        eff.Inputs,
		Settings:      cfg.Definition.Settings,
		Authorization: eff.Authorization,
	})
	if err != nil {
		return "", err
	}
	if ref != cfg.WorkspaceRef {
		if err := c.store.SetWorkspaceRef(ctx, cfg.ID, ref); err != nil {
			return "", err
		}
		cfg.WorkspaceRef = ref
	}
	return ref, nil
}

func (c *JobCoordinator) startEngineJob(ctx context.Context, action ActionType, workspaceRef string, version int64) (string, error) {
	switch action {
	case ActionValidate:
		return c.engine.RunPlan(ctx, workspaceRef, version)
	case ActionDeploy:
		return c.engine.RunApply(ctx, workspaceRef, version)
	case ActionUndeploy:
		return c.engine.RunDestroy(ctx, workspaceRef, version)
	default:
		return "", NewValidationError(fmt.Sprintf("action %s has no engine job", action), nil)
	}
}

// awaitResult polls the engine until the job reaches a terminal result.
// Returns nil only when the coordinator context is cancelled.
func (c *JobCoordinator) awaitResult(ctx context.Context, engineJobID string) *EngineJobResult {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		result, err := c.engine.GetJobResult(ctx, engineJobID)
		if err != nil {
			c.logger.WithJobID(engineJobID).WithError(err).Warn("engine result poll failed")
		} else if result != nil && result.Status.IsTerminal() {
			return result
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// finish folds a terminal result into the configuration: writes the action
// summary, drives the state machine, and maintains the deployed-version
// pointer. The claim is released last.
func (c *JobCoordinator) finish(ctx context.Context, cfg *Configuration, claim *JobClaim, started time.Time, result *EngineJobResult, scan *ComplianceScan) {
	completed := c.now()
	log := c.logger.WithConfigID(cfg.ID).WithVersion(claim.Version).WithJobID(claim.JobID)

	summary := &ActionSummary{
		Action:      claim.Action,
		Result:      result.Status,
		JobID:       claim.JobID,
		EngineJobID: claim.EngineJobID,
		Version:     claim.Version,
		StartedAt:   started,
		CompletedAt: completed,
		Summary:     result.Summary,
		Message:     result.Message,
	}
	if claim.Action == ActionValidate && result.Status == JobPassed {
		summary.CostEstimate = result.CostEstimate
		if scan == nil && len(result.CraLogs) > 0 {
			scan = &ComplianceScan{Passed: true, Warnings: result.CraLogs}
		}
	}
	summary.ComplianceScan = scan

	// A sync job has no summary slot of its own; runSync already rewrote
	// the summary of the action it re-read.
	if claim.Action != ActionSync {
		if err := c.store.SetActionSummary(ctx, cfg.ID, summary); err != nil {
			log.WithError(err).Error("failed to record action summary")
		}
	}

	// Sync never leaves its settled state through job events; every other
	// action ends with a job_passed or job_failed transition out of the
	// in-progress state.
	if claim.Action != ActionSync {
		event := EventJobFailed
		if result.Status == JobPassed {
			event = EventJobPassed
		}

		fresh, err := c.store.GetConfigByID(ctx, cfg.ID)
		if err != nil {
			log.WithError(err).Error("failed to reload configuration")
			fresh = cfg
		}
		if _, err := c.sm.ApplyToVersion(ctx, fresh, claim.Version, event); err != nil {
			log.WithError(err).Error("failed to apply terminal transition")
		}
	}

	if result.Status == JobPassed {
		switch claim.Action {
		case ActionDeploy:
			v := claim.Version
			if err := c.store.SetDeployedVersion(ctx, cfg.ID, &v); err != nil {
				log.WithError(err).Error("failed to set deployed version")
			}
			if len(result.Outputs) > 0 {
				if err := c.store.SetOutputs(ctx, cfg.ID, result.Outputs); err != nil {
					log.WithError(err).Error("failed to record deployment outputs")
				}
			}
		case ActionUndeploy:
			if err := c.store.SetDeployedVersion(ctx, cfg.ID, nil); err != nil {
				log.WithError(err).Error("failed to clear deployed version")
			}
		}
	}

	c.recordEvent(ctx, cfg.ID, claim.Version, EventTypeJobCompleted,
		fmt.Sprintf("%s job %s completed: %s", claim.Action, claim.JobID, result.Status))
	c.metrics.RecordJobCompleted(string(claim.Action), string(result.Status), completed.Sub(started).Seconds())
	c.setJobStatus(claim.JobID, result.Status)

	if err := c.store.UpdateJobClaim(ctx, cfg.ID, claim.Version, claim.EngineJobID, result.Status); err != nil {
		log.WithError(err).Warn("failed to update claim status")
	}
	if err := c.store.ReleaseJob(ctx, cfg.ID, claim.Version); err != nil {
		log.WithError(err).Warn("failed to release claim")
	}
	log.Infof("%s job finished: %s", claim.Action, result.Status)
}

// runSync reconciles recorded state against the provisioning engine
// without running plan or apply: it re-reads the last engine job result,
// rewrites the corresponding summary, and corrects failed states that the
// engine reports as having actually passed.
func (c *JobCoordinator) runSync(ctx context.Context, cfg *Configuration, claim *JobClaim, started time.Time) {
	log := c.logger.WithConfigID(cfg.ID).WithVersion(claim.Version).WithJobID(claim.JobID)

	last := latestSummary(cfg)
	if last == nil || last.EngineJobID == "" {
		c.finish(ctx, cfg, claim, started, &EngineJobResult{
			Status:  JobFailed,
			Message: "nothing to sync: no engine job recorded",
		}, nil)
		return
	}

	result, err := c.engine.GetJobResult(ctx, last.EngineJobID)
	if err != nil {
		c.finish(ctx, cfg, claim, started, upstreamResult("sync", err), nil)
		return
	}

	refreshed := *last
	refreshed.Summary = result.Summary
	refreshed.Result = result.Status
	refreshed.Message = result.Message
	if err := c.store.SetActionSummary(ctx, cfg.ID, &refreshed); err != nil {
		log.WithError(err).Error("failed to refresh action summary")
	}

	if result.Status == JobPassed {
		c.reconcilePassed(ctx, cfg, claim.Version, last.Action, log)
	} else if result.Status == JobFailed && cfg.State == StateDeployed {
		// The engine no longer agrees that this version is deployed.
		entry := NeedsAttention{
			Event:     "deployment_drift",
			EventID:   uuid.New().String(),
			Severity:  "warning",
			Timestamp: c.now(),
		}
		if err := c.store.AddNeedsAttention(ctx, cfg.ID, entry); err != nil {
			log.WithError(err).Warn("failed to record drift marker")
		}
		c.recordEvent(ctx, cfg.ID, claim.Version, EventTypeDriftDetected,
			"engine reports last job failed while configuration is deployed")
	}

	c.finish(ctx, cfg, claim, started, &EngineJobResult{Status: JobPassed}, nil)
}

// reconcilePassed corrects a *_failed state when the engine reports the
// underlying job actually passed. The swap is a direct compare-and-swap:
// sync is the explicit escape hatch from states the transition table
// cannot leave via job results.
func (c *JobCoordinator) reconcilePassed(ctx context.Context, cfg *Configuration, version int64, action ActionType, log *telemetry.Logger) {
	var from, to ConfigState
	switch {
	case action == ActionValidate && cfg.State == StateValidatingFailed:
		from, to = StateValidatingFailed, StateValidated
	case action == ActionDeploy && cfg.State == StateDeployingFailed:
		from, to = StateDeployingFailed, StateDeployed
	case action == ActionUndeploy && cfg.State == StateUndeployingFailed:
		from, to = StateUndeployingFailed, StateApproved
	default:
		return
	}

	if err := c.store.CompareAndSwapState(ctx, cfg.ID, version, from, to); err != nil {
		log.WithError(err).Warn("sync state correction lost a race")
		return
	}
	c.recordEvent(ctx, cfg.ID, version, EventTypeStateChanged,
		fmt.Sprintf("state corrected from %s to %s by sync", from, to))

	switch to {
	case StateDeployed:
		v := version
		if err := c.store.SetDeployedVersion(ctx, cfg.ID, &v); err != nil {
			log.WithError(err).Error("failed to set deployed version")
		}
	case StateApproved:
		if err := c.store.SetDeployedVersion(ctx, cfg.ID, nil); err != nil {
			log.WithError(err).Error("failed to clear deployed version")
		}
	}
	cfg.State = to
}

func (c *JobCoordinator) recordEvent(ctx context.Context, configID string, version int64, eventType, message string) {
	err := c.store.AppendLifecycleEvent(ctx, &LifecycleEvent{
		ConfigID:  configID,
		Version:   version,
		Type:      eventType,
		Message:   message,
		Timestamp: c.now(),
	})
	if err != nil {
		c.logger.WithConfigID(configID).WithError(err).Warn("failed to append lifecycle event")
	}
}

// latestSummary returns the most recently completed action summary.
func latestSummary(cfg *Configuration) *ActionSummary {
	var latest *ActionSummary
	for _, s := range []*ActionSummary{cfg.LastValidated, cfg.LastDeployed, cfg.LastUndeployed} {
		if s == nil {
			continue
		}
		if latest == nil || s.CompletedAt.After(latest.CompletedAt) {
			latest = s
		}
	}
	return latest
}

func upstreamResult(op string, err error) *EngineJobResult {
	return &EngineJobResult{
		Status:  JobFailed,
		Message: NewUpstreamError(fmt.Sprintf("provisioning engine %s failed", op), err).Error(),
	}
}
