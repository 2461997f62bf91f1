package engine

import (
	"encoding/json"
	"fmt"
)

// ConfigState represents the lifecycle state of a configuration version.
//
// The field is an open-string enum: values read back from storage or from a
// newer server are preserved verbatim, and IsKnown reports whether this
// build recognizes them.
type ConfigState string

const (
	// StateDraft indicates a newly saved, still editable version.
	StateDraft ConfigState = "draft"

	// StateValidating indicates a validate job is in flight.
	StateValidating ConfigState = "validating"

	// StateValidatingFailed indicates the last validate job failed.
	StateValidatingFailed ConfigState = "validating_failed"

	// StateValidated indicates the version passed validation.
	StateValidated ConfigState = "validated"

	// StateApproved indicates the version is approved for deployment and
	// currently has no deployed resources.
	StateApproved ConfigState = "approved"

	// StateDeploying indicates a deploy job is in flight.
	StateDeploying ConfigState = "deploying"

	// StateDeployed indicates resources are deployed from this version.
	StateDeployed ConfigState = "deployed"

	// StateDeployingFailed indicates the last deploy job failed.
	StateDeployingFailed ConfigState = "deploying_failed"

	// StateUndeploying indicates an undeploy job is in flight.
	StateUndeploying ConfigState = "undeploying"

	// StateUndeployingFailed indicates the last undeploy job failed.
	StateUndeployingFailed ConfigState = "undeploying_failed"

	// StateSuperceded indicates a newer version replaced this one.
	StateSuperceded ConfigState = "superceded"

	// StateDiscarded indicates the draft was discarded. Irreversible.
	StateDiscarded ConfigState = "discarded"

	// StateDeleting indicates deletion is in progress.
	StateDeleting ConfigState = "deleting"

	// StateDeletingFailed indicates the last delete attempt failed.
	StateDeletingFailed ConfigState = "deleting_failed"

	// StateDeleted indicates the configuration is gone. Terminal.
	StateDeleted ConfigState = "deleted"
)

var knownStates = map[ConfigState]bool{
	StateDraft: true, StateValidating: true, StateValidatingFailed: true,
	StateValidated: true, StateApproved: true, StateDeploying: true,
	StateDeployed: true, StateDeployingFailed: true, StateUndeploying: true,
	StateUndeployingFailed: true, StateSuperceded: true, StateDiscarded: true,
	StateDeleting: true, StateDeletingFailed: true, StateDeleted: true,
}

// IsKnown returns true if this build recognizes the state value.
func (s ConfigState) IsKnown() bool {
	return knownStates[s]
}

// IsInProgress returns true while an async job owns the configuration.
func (s ConfigState) IsInProgress() bool {
	return s == StateValidating || s == StateDeploying ||
		s == StateUndeploying || s == StateDeleting
}

// IsTerminal returns true for states that accept no further events.
func (s ConfigState) IsTerminal() bool {
	return s == StateDiscarded || s == StateDeleted
}

// HasDeployedResources returns true while cloud resources may exist for the
// configuration, which blocks version and project deletion.
func (s ConfigState) HasDeployedResources() bool {
	return s == StateDeployed || s == StateUndeploying || s == StateUndeployingFailed
}

// Validate checks if the state is one this build recognizes.
func (s ConfigState) Validate() error {
	if !s.IsKnown() {
		return fmt.Errorf("invalid configuration state: %s", s)
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for type-safe serialization.
func (s ConfigState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON accepts unknown state strings so a newer server value never
// fails decoding; callers gate on IsKnown where it matters.
func (s *ConfigState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ConfigState(str)
	return nil
}

// LifecycleEventType represents an event applied to the state machine.
type LifecycleEventType string

const (
	// EventValidateRequested submits a validate job.
	EventValidateRequested LifecycleEventType = "validate_requested"

	// EventJobPassed reports a terminal passed job result.
	EventJobPassed LifecycleEventType = "job_passed"

	// EventJobFailed reports a terminal failed job result.
	EventJobFailed LifecycleEventType = "job_failed"

	// EventApprove approves a validated version.
	EventApprove LifecycleEventType = "approve"

	// EventForceApprove approves with a mandatory override comment.
	EventForceApprove LifecycleEventType = "force_approve"

	// EventDeployRequested submits a deploy job.
	EventDeployRequested LifecycleEventType = "deploy_requested"

	// EventUndeployRequested submits an undeploy job.
	EventUndeployRequested LifecycleEventType = "undeploy_requested"

	// EventSyncRequested reconciles against provisioning-engine state.
	EventSyncRequested LifecycleEventType = "sync_requested"

	// EventNewVersionSaved records that a newer version was saved; the
	// previous active version becomes superceded if it was approved or
	// deployed.
	EventNewVersionSaved LifecycleEventType = "new_version_saved"

	// EventDiscard discards a draft version.
	EventDiscard LifecycleEventType = "discard"

	// EventDeleteRequested starts deletion.
	EventDeleteRequested LifecycleEventType = "delete_requested"
)

// transitions is the full legal transition table. A missing (state, event)
// pair is an illegal transition.
var transitions = map[ConfigState]map[LifecycleEventType]ConfigState{
	StateDraft: {
		EventValidateRequested: StateValidating,
		EventDiscard:           StateDiscarded,
		EventDeleteRequested:   StateDeleting,
	},
	StateValidating: {
		EventJobPassed: StateValidated,
		EventJobFailed: StateValidatingFailed,
	},
	StateValidatingFailed: {
		EventValidateRequested: StateValidating,
		EventSyncRequested:     StateValidatingFailed,
		EventDiscard:           StateDiscarded,
		EventDeleteRequested:   StateDeleting,
	},
	StateValidated: {
		EventApprove:           StateApproved,
		EventForceApprove:      StateApproved,
		EventValidateRequested: StateValidating,
		EventDiscard:           StateDiscarded,
		EventDeleteRequested:   StateDeleting,
	},
	StateApproved: {
		EventDeployRequested: StateDeploying,
		EventSyncRequested:   StateApproved,
		EventDeleteRequested: StateDeleting,
	},
	StateDeploying: {
		EventJobPassed: StateDeployed,
		EventJobFailed: StateDeployingFailed,
	},
	StateDeployed: {
		EventUndeployRequested: StateUndeploying,
		EventSyncRequested:     StateDeployed,
	},
	StateDeployingFailed: {
		EventDeployRequested:   StateDeploying,
		EventUndeployRequested: StateUndeploying,
		EventSyncRequested:     StateDeployingFailed,
	},
	StateUndeploying: {
		// Resources are gone; the version returns to approved-but-undeployed.
		EventJobPassed: StateApproved,
		EventJobFailed: StateUndeployingFailed,
	},
	StateUndeployingFailed: {
		EventUndeployRequested: StateUndeploying,
		EventSyncRequested:     StateUndeployingFailed,
	},
	StateSuperceded: {
		EventDeleteRequested: StateDeleting,
	},
	StateDiscarded: {
		EventDeleteRequested: StateDeleting,
	},
	StateDeleting: {
		EventJobPassed: StateDeleted,
		EventJobFailed: StateDeletingFailed,
	},
	StateDeletingFailed: {
		EventDeleteRequested: StateDeleting,
	},
	StateDeleted: {},
}

// Next returns the target state for applying event in state, or an
// InvalidStateTransition error. EventNewVersionSaved is handled by the
// version store append, not this table: the new version starts at draft and
// the previous version is superceded when it was approved or deployed.
func Next(state ConfigState, event LifecycleEventType) (ConfigState, error) {
	if targets, ok := transitions[state]; ok {
		if next, ok := targets[event]; ok {
			return next, nil
		}
	}
	return state, NewInvalidTransitionError(state, event)
}

// ProjectState represents the lifecycle state of a project.
type ProjectState string

const (
	// ProjectStateReady indicates the project is usable.
	ProjectStateReady ProjectState = "ready"

	// ProjectStateDeleting indicates project deletion is in progress.
	ProjectStateDeleting ProjectState = "deleting"

	// ProjectStateDeletingFailed indicates the last delete attempt failed.
	ProjectStateDeletingFailed ProjectState = "deleting_failed"
)

// Validate checks if the project state is valid.
func (s ProjectState) Validate() error {
	switch s {
	case ProjectStateReady, ProjectStateDeleting, ProjectStateDeletingFailed:
		return nil
	default:
		return fmt.Errorf("invalid project state: %s", s)
	}
}

// ActionType identifies an asynchronous action against a configuration.
type ActionType string

const (
	// ActionValidate plans the configuration and runs compliance checks.
	ActionValidate ActionType = "validate"

	// ActionDeploy applies the configuration.
	ActionDeploy ActionType = "deploy"

	// ActionUndeploy destroys the configuration's resources.
	ActionUndeploy ActionType = "undeploy"

	// ActionSync reconciles recorded state against the provisioning
	// engine without running plan or apply.
	ActionSync ActionType = "sync"
)

// RequestEvent returns the state machine event that admits the action.
func (a ActionType) RequestEvent() (LifecycleEventType, error) {
	switch a {
	case ActionValidate:
		return EventValidateRequested, nil
	case ActionDeploy:
		return EventDeployRequested, nil
	case ActionUndeploy:
		return EventUndeployRequested, nil
	case ActionSync:
		return EventSyncRequested, nil
	default:
		return "", fmt.Errorf("invalid action type: %s", a)
	}
}

// Validate checks if the action type is valid.
func (a ActionType) Validate() error {
	_, err := a.RequestEvent()
	return err
}

// JobStatus represents the status of a submitted job.
type JobStatus string

const (
	// JobPending indicates the job has not reached a terminal result.
	JobPending JobStatus = "pending"

	// JobPassed indicates the job completed successfully.
	JobPassed JobStatus = "passed"

	// JobFailed indicates the job completed unsuccessfully.
	JobFailed JobStatus = "failed"
)

// IsTerminal returns true once the job has a final result.
func (s JobStatus) IsTerminal() bool {
	return s == JobPassed || s == JobFailed
}
