package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Project owns environments and configurations.
type Project struct {
	// ID is the unique project identifier.
	ID string `json:"id"`

	// CRN is the cloud resource name of the project.
	CRN string `json:"crn"`

	// Name is the human-readable project name.
	Name string `json:"name" validate:"required"`

	// Description is an optional free-text description.
	Description string `json:"description,omitempty"`

	// Location is the region the project lives in.
	Location string `json:"location" validate:"required"`

	// ResourceGroup scopes the project for billing and access.
	ResourceGroup string `json:"resource_group" validate:"required"`

	// State is the project lifecycle state.
	State ProjectState `json:"state"`

	// DestroyOnDelete controls whether deployed resources are torn down
	// when the project is deleted. It never controls whether the delete
	// itself is admitted.
	DestroyOnDelete bool `json:"destroy_on_delete"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuthMethod selects the mechanism of an authorization block.
type AuthMethod string

const (
	// AuthMethodTrustedProfile delegates via an IAM trusted profile.
	AuthMethodTrustedProfile AuthMethod = "trusted_profile"

	// AuthMethodAPIKey authorizes with a static API key.
	AuthMethodAPIKey AuthMethod = "api_key"
)

// Authorization selects exactly one credential for deployment actions.
type Authorization struct {
	// Method names the active mechanism.
	Method AuthMethod `json:"method"`

	// TrustedProfileID is set when Method is trusted_profile.
	TrustedProfileID string `json:"trusted_profile_id,omitempty"`

	// APIKey is set when Method is api_key.
	APIKey string `json:"api_key,omitempty"`
}

// Validate enforces the exactly-one-credential invariant.
func (a *Authorization) Validate() error {
	hasProfile := a.TrustedProfileID != ""
	hasKey := a.APIKey != ""
	if hasProfile == hasKey {
		return NewValidationError(
			"authorization must set exactly one of trusted_profile_id, api_key", nil).
			WithCode(ErrCodeAuthAmbiguous)
	}
	switch a.Method {
	case AuthMethodTrustedProfile:
		if !hasProfile {
			return NewValidationError("method trusted_profile requires trusted_profile_id", nil).
				WithCode(ErrCodeAuthAmbiguous)
		}
	case AuthMethodAPIKey:
		if !hasKey {
			return NewValidationError("method api_key requires api_key", nil).
				WithCode(ErrCodeAuthAmbiguous)
		}
	case "":
		// Method may be inferred from the populated credential.
	default:
		return NewValidationError(fmt.Sprintf("unknown authorization method: %s", a.Method), nil)
	}
	return nil
}

// ComplianceProfile references the compliance profile a configuration is
// evaluated against during validation.
type ComplianceProfile struct {
	ID               string `json:"id,omitempty"`
	InstanceID       string `json:"instance_id,omitempty"`
	InstanceLocation string `json:"instance_location,omitempty"`
	AttachmentID     string `json:"attachment_id,omitempty"`
	ProfileName      string `json:"profile_name"`
}

// Environment groups shared defaults for configurations within a project.
type Environment struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`

	// Authorization is the environment-level default credential.
	Authorization *Authorization `json:"authorization,omitempty"`

	// Inputs are environment-level default input variables.
	Inputs PropertyBag `json:"inputs,omitempty"`

	// ComplianceProfile is the environment-level default profile.
	ComplianceProfile *ComplianceProfile `json:"compliance_profile,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OutputValue is a named output produced by a deployment.
type OutputValue struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Value       Value  `json:"value,omitempty"`
}

// ConfigDefinition is the desired definition of a configuration. A snapshot
// of it is what the version store persists at every save.
type ConfigDefinition struct {
	// Name is the configuration name.
	Name string `json:"name" validate:"required"`

	// Description is an optional free-text description.
	Description string `json:"description,omitempty"`

	// Labels tag the configuration.
	Labels []string `json:"labels,omitempty"`

	// EnvironmentID references an environment within the same project.
	EnvironmentID string `json:"environment_id,omitempty"`

	// Authorization overrides the environment-level credential.
	Authorization *Authorization `json:"authorization,omitempty"`

	// ComplianceProfile overrides the environment-level profile.
	ComplianceProfile *ComplianceProfile `json:"compliance_profile,omitempty"`

	// LocatorID identifies the deployable-architecture template as
	// catalogID.versionID.
	LocatorID string `json:"locator_id" validate:"required"`

	// Inputs are the template input variables.
	Inputs PropertyBag `json:"inputs,omitempty"`

	// Settings are provisioning-engine settings.
	Settings PropertyBag `json:"settings,omitempty"`

	// Outputs are the last known deployment outputs.
	Outputs []OutputValue `json:"outputs,omitempty"`
}

// Configuration is the central lifecycle entity.
type Configuration struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`

	// Version is the current (highest) version number.
	Version int64 `json:"version"`

	// IsDraft is true while the current version has not been approved.
	IsDraft bool `json:"is_draft"`

	// State is the lifecycle state of the current version. Owned by the
	// state machine; everything else treats it as read-only.
	State ConfigState `json:"state"`

	// UpdateAvailable is true when the locator's template has a newer
	// version than what was last applied.
	UpdateAvailable bool `json:"update_available"`

	// NeedsAttention lists unresolved issue markers.
	NeedsAttention []NeedsAttention `json:"needs_attention_state,omitempty"`

	// Definition is the current desired definition.
	Definition ConfigDefinition `json:"definition"`

	// LastValidated, LastDeployed and LastUndeployed are the folded
	// summaries of the most recent job of each action.
	LastValidated  *ActionSummary `json:"last_validated,omitempty"`
	LastDeployed   *ActionSummary `json:"last_deployed,omitempty"`
	LastUndeployed *ActionSummary `json:"last_undeployed,omitempty"`

	// ApprovedVersion points at the version number approved for
	// deployment, if any.
	ApprovedVersion *int64 `json:"approved_version,omitempty"`

	// ApprovedComment is the comment recorded at approval.
	ApprovedComment string `json:"approved_comment,omitempty"`

	// DeployedVersion points at the version whose last deploy passed. It
	// is cleared, never left dangling, when that version is deleted or
	// undeployed.
	DeployedVersion *int64 `json:"deployed_version,omitempty"`

	// WorkspaceRef is the provisioning-engine workspace backing this
	// configuration, once one has been created.
	WorkspaceRef string `json:"workspace_ref,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	UserModifiedAt time.Time `json:"user_modified_at"`
	LastSave       time.Time `json:"last_save"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// VersionSummary describes one stored configuration version.
type VersionSummary struct {
	ConfigID  string      `json:"config_id"`
	Version   int64       `json:"version"`
	State     ConfigState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
}

// NeedsAttention is an unresolved issue marker on a configuration.
type NeedsAttention struct {
	// Event names the issue, e.g. "update_available" or "deployment_drift".
	Event string `json:"event"`

	// EventID uniquely identifies this occurrence.
	EventID string `json:"event_id"`

	// Severity is informational; it never gates transitions.
	Severity string `json:"severity,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// CumulativeNeedsAttention is one entry of the derived project-wide view.
type CumulativeNeedsAttention struct {
	Event         string    `json:"event"`
	EventID       string    `json:"event_id"`
	ConfigID      string    `json:"config_id"`
	ConfigVersion int64     `json:"config_version"`
	Timestamp     time.Time `json:"timestamp"`
}

// AttentionView is the recomputable needs-attention view for a project.
// Degraded is reported as data, never as an error: a partial view remains
// usable but non-authoritative.
type AttentionView struct {
	Entries    []CumulativeNeedsAttention `json:"entries"`
	Degraded   bool                       `json:"error"`
	ComputedAt time.Time                  `json:"computed_at"`
}

// RunSummary carries plan/apply/destroy counts and messages from a job.
type RunSummary struct {
	Adds     int      `json:"adds"`
	Changes  int      `json:"changes"`
	Destroys int      `json:"destroys"`
	Messages []string `json:"messages,omitempty"`
}

// CostEstimate is the optional cost projection attached to a passed
// validation.
type CostEstimate struct {
	Currency     string    `json:"currency"`
	TotalMonthly float64   `json:"total_monthly_cost"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// ComplianceScan summarizes a compliance-profile evaluation.
type ComplianceScan struct {
	Profile    string   `json:"profile"`
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// ActionSummary is the folded record of a completed job.
type ActionSummary struct {
	Action      ActionType `json:"action"`
	Result      JobStatus  `json:"result"`
	JobID       string     `json:"job_id"`
	EngineJobID string     `json:"engine_job_id,omitempty"`
	Version     int64      `json:"version"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`

	Summary        RunSummary      `json:"summary"`
	CostEstimate   *CostEstimate   `json:"cost_estimate,omitempty"`
	ComplianceScan *ComplianceScan `json:"compliance_scan,omitempty"`

	// Message carries the failure reason when Result is failed.
	Message string `json:"message,omitempty"`
}

// JobClaim is the admission-control record for an in-flight job. At most
// one claim may exist per (config id, version).
type JobClaim struct {
	ConfigID    string     `json:"config_id"`
	Version     int64      `json:"version"`
	Action      ActionType `json:"action"`
	JobID       string     `json:"job_id"`
	EngineJobID string     `json:"engine_job_id,omitempty"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// LifecycleEvent is one append-only entry in a configuration's event log.
type LifecycleEvent struct {
	ID        int64     `json:"id"`
	ConfigID  string    `json:"config_id"`
	Version   int64     `json:"version"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Lifecycle event type constants.
const (
	EventTypeStateChanged  = "state.changed"
	EventTypeJobSubmitted  = "job.submitted"
	EventTypeJobCompleted  = "job.completed"
	EventTypeVersionSaved  = "version.saved"
	EventTypeDriftDetected = "drift.detected"
)

// ValueKind tags the variant held by a Value.
type ValueKind string

const (
	ValueNull   ValueKind = "null"
	ValueString ValueKind = "string"
	ValueNumber ValueKind = "number"
	ValueBool   ValueKind = "bool"
	ValueList   ValueKind = "list"
	ValueMap    ValueKind = "map"
)

// Value is a tagged union over the JSON value space. Input variables and
// settings are open property bags, so new keys and shapes must round-trip
// without any schema knowledge.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []Value
	Map  PropertyBag
}

// Property is one key/value pair of a PropertyBag.
type Property struct {
	Key   string
	Value Value
}

// PropertyBag is an ordered open mapping from string keys to values. Order
// is the order keys appeared in the source document.
type PropertyBag []Property

// Get returns the value for key and whether it was present.
func (b PropertyBag) Get(key string) (Value, bool) {
	for _, p := range b {
		if p.Key == key {
			return p.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the value for key, appending when absent.
func (b *PropertyBag) Set(key string, v Value) {
	for i := range *b {
		if (*b)[i].Key == key {
			(*b)[i].Value = v
			return
		}
	}
	*b = append(*b, Property{Key: key, Value: v})
}

// Merge returns base overlaid with override: override keys win, base keys
// absent from override are kept in base order.
func Merge(base, override PropertyBag) PropertyBag {
	merged := make(PropertyBag, 0, len(base)+len(override))
	for _, p := range base {
		if _, ok := override.Get(p.Key); !ok {
			merged = append(merged, p)
		}
	}
	return append(merged, override...)
}

// StringValue builds a string Value.
func StringValue(s string) Value { return Value{Kind: ValueString, Str: s} }

// NumberValue builds a number Value.
func NumberValue(n float64) Value { return Value{Kind: ValueNumber, Num: n} }

// BoolValue builds a bool Value.
func BoolValue(v bool) Value { return Value{Kind: ValueBool, Bool: v} }

// MarshalJSON renders the value as plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueNull, "":
		return []byte("null"), nil
	case ValueString:
		return json.Marshal(v.Str)
	case ValueNumber:
		return json.Marshal(v.Num)
	case ValueBool:
		return json.Marshal(v.Bool)
	case ValueList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	case ValueMap:
		return v.Map.MarshalJSON()
	default:
		return nil, fmt.Errorf("invalid value kind: %s", v.Kind)
	}
}

// UnmarshalJSON parses arbitrary JSON into the tagged union.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	parsed, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalJSON renders the bag as a JSON object in key order.
func (b PropertyBag) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a JSON object preserving key order.
func (b *PropertyBag) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*b = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("property bag must be a JSON object, got %v", tok)
	}
	bag, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*b = bag
	return nil
}

// decodeObject consumes object members up to and including the closing
// brace. The opening brace has already been consumed.
func decodeObject(dec *json.Decoder) (PropertyBag, error) {
	bag := PropertyBag{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("object key must be a string, got %v", keyTok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		bag = append(bag, Property{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, err
	}
	return bag, nil
}

// decodeValue consumes one JSON value from the decoder.
func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Value{Kind: ValueNull}, nil
	case string:
		return Value{Kind: ValueString, Str: t}, nil
	case bool:
		return Value{Kind: ValueBool, Bool: t}, nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: ValueNumber, Num: n}, nil
	case json.Delim:
		switch t {
		case '{':
			bag, err := decodeObject(dec)
			if err != nil {
				return Value{}, err
			}
			return Value{Kind: ValueMap, Map: bag}, nil
		case '[':
			list := []Value{}
			for dec.More() {
				elem, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				list = append(list, elem)
			}
			if _, err := dec.Token(); err != nil { // closing ']'
				return Value{}, err
			}
			return Value{Kind: ValueList, List: list}, nil
		}
	}
	return Value{}, fmt.Errorf("unexpected JSON token: %v", tok)
}
