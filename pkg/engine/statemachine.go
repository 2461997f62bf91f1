package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfoundry/foundry/pkg/telemetry"
)

// StateMachine is the single authority over configuration state. All state
// changes flow through Apply, which serializes against concurrent writers
// with a compare-and-swap on the stored state.
type StateMachine struct {
	store   Store
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	now     Clock
}

// NewStateMachine creates a state machine over the given store.
func NewStateMachine(store Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *StateMachine {
	return &StateMachine{
		store:   store,
		logger:  logger.NewComponentLogger("statemachine"),
		metrics: metrics,
		now:     defaultClock,
	}
}

// WithClock overrides the clock, for tests.
func (m *StateMachine) WithClock(now Clock) *StateMachine {
	m.now = now
	return m
}

// Apply applies event to the configuration's current version and returns
// the resulting state. Illegal (state, event) pairs fail with
// InvalidStateTransition and leave state unchanged; a lost race against a
// concurrent writer fails with Conflict. No partial effects either way.
func (m *StateMachine) Apply(ctx context.Context, configID string, event LifecycleEventType) (ConfigState, error) {
	cfg, err := m.store.GetConfigByID(ctx, configID)
	if err != nil {
		return "", err
	}
	return m.ApplyToVersion(ctx, cfg, cfg.Version, event)
}

// ApplyToVersion applies event to a specific version of an already loaded
// configuration.
func (m *StateMachine) ApplyToVersion(ctx context.Context, cfg *Configuration, version int64, event LifecycleEventType) (ConfigState, error) {
	next, err := Next(cfg.State, event)
	if err != nil {
		return cfg.State, err
	}
	if next == cfg.State {
		// Self-transition (sync in a settled state): nothing to swap.
		return cfg.State, nil
	}

	if err := m.store.CompareAndSwapState(ctx, cfg.ID, version, cfg.State, next); err != nil {
		return cfg.State, err
	}

	m.logger.WithConfigID(cfg.ID).WithVersion(version).
		Infof("state %s -> %s (%s)", cfg.State, next, event)
	m.metrics.RecordTransition(string(cfg.State), string(next))

	m.recordEvent(ctx, cfg.ID, version, EventTypeStateChanged,
		fmt.Sprintf("state changed from %s to %s on %s", cfg.State, next, event))

	cfg.State = next
	return next, nil
}

// Legal reports whether event is admissible in state, without applying it.
func (m *StateMachine) Legal(state ConfigState, event LifecycleEventType) bool {
	_, err := Next(state, event)
	return err == nil
}

// Approve approves a validated configuration version. The configuration
// must currently be in the validated state.
func (m *StateMachine) Approve(ctx context.Context, configID, comment string) (*Configuration, error) {
	return m.approve(ctx, configID, comment, false)
}

// ForceApprove approves a validated version while breaking a
// required-approval policy; the override comment is mandatory and is
// checked before any state inspection.
func (m *StateMachine) ForceApprove(ctx context.Context, configID, comment string) (*Configuration, error) {
	if strings.TrimSpace(comment) == "" {
		return nil, NewValidationError("force approval requires a non-empty comment", nil).
			WithCode(ErrCodeCommentRequired).WithResource(configID)
	}
	return m.approve(ctx, configID, comment, true)
}

func (m *StateMachine) approve(ctx context.Context, configID, comment string, forced bool) (*Configuration, error) {
	cfg, err := m.store.GetConfigByID(ctx, configID)
	if err != nil {
		return nil, err
	}

	event := EventApprove
	if forced {
		event = EventForceApprove
	}
	next, err := Next(cfg.State, event)
	if err != nil {
		return nil, err
	}

	// The state swap and the approved-version pointer land together; an
	// approved configuration always carries its pointer.
	if err := m.store.ApproveVersion(ctx, configID, cfg.Version, cfg.State, comment); err != nil {
		return nil, err
	}

	version := cfg.Version
	m.metrics.RecordTransition(string(cfg.State), string(next))
	m.recordEvent(ctx, configID, version, EventTypeStateChanged,
		fmt.Sprintf("state changed from %s to %s on %s", cfg.State, next, event))

	cfg.State = next
	cfg.ApprovedVersion = &version
	cfg.ApprovedComment = comment
	cfg.IsDraft = false

	m.logger.WithConfigID(configID).WithVersion(version).
		WithField("forced", forced).Info("configuration approved")
	return cfg, nil
}

// Discard discards the configuration's current draft version. Irreversible
// for that version.
func (m *StateMachine) Discard(ctx context.Context, configID string) (ConfigState, error) {
	return m.Apply(ctx, configID, EventDiscard)
}

// recordEvent appends to the lifecycle event log. Log-only failures never
// fail the transition that triggered them.
func (m *StateMachine) recordEvent(ctx context.Context, configID string, version int64, eventType, message string) {
	err := m.store.AppendLifecycleEvent(ctx, &LifecycleEvent{
		ConfigID:  configID,
		Version:   version,
		Type:      eventType,
		Message:   message,
		Timestamp: m.now(),
	})
	if err != nil {
		m.logger.WithConfigID(configID).WithError(err).Warn("failed to append lifecycle event")
	}
}
