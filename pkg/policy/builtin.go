package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies. Unbound policies run
// on every scan; the rest belong to the default and production profiles.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		definitionBasicsPolicy(),
		inputHygienePolicy(),
		trustedProfilePolicy(),
		deployGuardrailsPolicy(),
	}
}

// definitionBasicsPolicy enforces core definition invariants.
func definitionBasicsPolicy() Policy {
	return Policy{
		Name:        "definition-basics",
		Description: "Enforces definition naming conventions and a well-formed locator",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"definition", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package foundry.profiles.basics

import rego.v1

deny contains violation if {
	def := input.definition
	not def.name
	violation := {
		"message": "configuration must have a name",
		"severity": "error",
		"field": "name",
	}
}

deny contains violation if {
	def := input.definition
	name := def.name
	lower(name) != name
	violation := {
		"message": sprintf("configuration name '%s' must be lowercase", [name]),
		"severity": "error",
		"field": "name",
	}
}

deny contains violation if {
	def := input.definition
	name := def.name
	not regex.match("^[a-z0-9][a-z0-9-]*[a-z0-9]$", name)
	violation := {
		"message": sprintf("configuration name '%s' must contain only lowercase letters, numbers, and hyphens", [name]),
		"severity": "error",
		"field": "name",
	}
}

deny contains violation if {
	def := input.definition
	name := def.name
	count(name) > 63
	violation := {
		"message": sprintf("configuration name '%s' must not exceed 63 characters", [name]),
		"severity": "error",
		"field": "name",
	}
}

# Locators are catalogID.versionID
deny contains violation if {
	def := input.definition
	locator := def.locator_id
	not regex.match("^[A-Za-z0-9-]+\\.[A-Za-z0-9-]+$", locator)
	violation := {
		"message": sprintf("locator '%s' must be of the form catalogID.versionID", [locator]),
		"severity": "error",
		"field": "locator_id",
	}
}`,
	}
}

// inputHygienePolicy warns about empty or placeholder input values.
func inputHygienePolicy() Policy {
	return Policy{
		Name:        "input-hygiene",
		Description: "Warns about empty or placeholder input variable values",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"inputs"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package foundry.profiles.inputs

import rego.v1

placeholders := ["changeme", "todo", "fixme", "placeholder"]

deny contains violation if {
	def := input.definition
	some key, value in def.inputs
	value == ""
	violation := {
		"message": sprintf("input variable '%s' has an empty value", [key]),
		"severity": "warning",
		"field": key,
	}
}

deny contains violation if {
	def := input.definition
	some key, value in def.inputs
	is_string(value)
	lower(value) in placeholders
	violation := {
		"message": sprintf("input variable '%s' still holds placeholder value '%s'", [key, value]),
		"severity": "warning",
		"field": key,
	}
}`,
	}
}

// trustedProfilePolicy requires trusted-profile credentials under the
// production profile. Static API keys never reach production deploys.
func trustedProfilePolicy() Policy {
	return Policy{
		Name:        "trusted-profile-required",
		Description: "Requires trusted-profile authorization instead of static API keys",
		Profile:     "production",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"authorization", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package foundry.profiles.authorization

import rego.v1

deny contains violation if {
	def := input.definition
	auth := def.authorization
	auth.api_key != ""
	violation := {
		"message": "static API keys are not allowed under the production profile",
		"severity": "critical",
		"field": "authorization",
	}
}

deny contains violation if {
	def := input.definition
	not def.authorization
	violation := {
		"message": "the production profile requires an explicit authorization block",
		"severity": "critical",
		"field": "authorization",
	}
}`,
	}
}

// deployGuardrailsPolicy adds default-profile guardrails for deploys.
func deployGuardrailsPolicy() Policy {
	return Policy{
		Name:        "deploy-guardrails",
		Description: "Warns when a definition lacks a description or labels",
		Profile:     "default",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"metadata"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package foundry.profiles.metadata

import rego.v1

deny contains violation if {
	def := input.definition
	not def.description
	violation := {
		"message": "configuration should carry a description",
		"severity": "warning",
		"field": "description",
	}
}

deny contains violation if {
	def := input.definition
	not def.labels
	violation := {
		"message": "configuration should carry at least one label",
		"severity": "warning",
		"field": "labels",
	}
}`,
	}
}
