package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/openfoundry/foundry/pkg/engine"
	"github.com/openfoundry/foundry/pkg/telemetry"
)

// Engine evaluates configuration definitions against named compliance
// profiles. It implements engine.ComplianceEvaluator.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	builtins []Policy
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in profiles loaded.
func NewEngine(logger *telemetry.Logger, metrics *telemetry.Metrics) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.NewComponentLogger("policy-engine"),
		metrics:  metrics,
		builtins: GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate runs every enabled policy bound to the named profile (plus the
// shared, unbound policies) against the definition and folds the deny
// results into a compliance scan. A policy whose evaluation errors is
// reported as a warning rather than failing the scan.
func (e *Engine) Evaluate(ctx context.Context, profile string, def *engine.ConfigDefinition) (*engine.ComplianceScan, error) {
	if profile == "" {
		return nil, engine.NewValidationError("compliance profile name is empty", nil)
	}

	input, err := buildInput(profile, def)
	if err != nil {
		return nil, engine.NewInternalError("failed to encode definition for evaluation", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	scan := &engine.ComplianceScan{Profile: profile, Passed: true}

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		if cp.policy.Profile != "" && cp.policy.Profile != profile {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.WithError(err).
				WithField("policy", cp.policy.Name).
				WithField("profile", profile).
				Error("policy evaluation failed")
			scan.Warnings = append(scan.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				scan.Violations = append(scan.Violations, v.String())
			} else {
				scan.Warnings = append(scan.Warnings, v.String())
			}
		}
	}

	scan.Passed = len(scan.Violations) == 0
	e.metrics.RecordComplianceEvaluation(profile, scan.Passed)

	e.logger.WithField("profile", profile).
		WithField("violations", len(scan.Violations)).
		WithField("warnings", len(scan.Warnings)).
		Debug("compliance evaluation completed")

	return scan, nil
}

// buildInput renders the definition as plain JSON for Rego.
func buildInput(profile string, def *engine.ConfigDefinition) (*Input, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &Input{
		Profile:    profile,
		Definition: doc,
		Timestamp:  time.Now(),
	}, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	packageName := extractPackageName(cp.policy.Rego)
	query := fmt.Sprintf("data.%s.deny", packageName)

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(rego string) string {
	for _, line := range strings.Split(rego, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "foundry.profiles"
}

// createViolation builds a Violation from one deny result. Results may be
// plain strings or objects with message, severity and field keys.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if field, ok := v["field"].(string); ok {
			violation.Field = field
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query("data"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.WithField("policy", policy.Name).Debug("policy compiled")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtins {
		if err := e.compileAndStorePolicy(ctx, &e.builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtins[i].Name, err)
		}
	}

	e.logger.WithField("count", len(e.builtins)).Info("built-in policies loaded")

	return nil
}

// LoadPolicies loads policy files from the given paths and adds them to
// the engine, replacing same-named policies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	return e.SetPolicies(ctx, policies)
}

// SetPolicies compiles and installs the given policies. It is the reload
// hook used by the watching loader.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.WithError(err).
				WithField("policy", policies[i].Name).
				Error("failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.WithField("count", len(policies)).Info("policies installed")

	return nil
}

// AddPolicy compiles and installs a single policy.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.compileAndStorePolicy(ctx, &policy)
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewNotFoundError(fmt.Sprintf("policy not found: %s", name), nil)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}

	return policies
}

// ReloadPolicies drops every installed policy and restores the built-ins.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)

	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewNotFoundError(fmt.Sprintf("policy not found: %s", name), nil)
	}

	cp.policy.Enabled = true
	e.logger.WithField("policy", name).Info("policy enabled")

	return nil
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewNotFoundError(fmt.Sprintf("policy not found: %s", name), nil)
	}

	cp.policy.Enabled = false
	e.logger.WithField("policy", name).Info("policy disabled")

	return nil
}
