// Package policy provides Open Policy Agent (OPA) compliance profiles for
// Foundry.
//
// A compliance profile is a named set of Rego policies that configuration
// definitions are evaluated against during validation. Policies bind to a
// profile either explicitly (the Profile field) or by directory layout when
// loaded from disk; unbound policies apply to every profile.
//
// # Architecture
//
// The package has four parts:
//
//  1. Engine - compiles policies and evaluates definitions against a profile
//  2. Loader - loads policies from files and directories, with hot reload
//  3. Types - policies, severities, violations and evaluation input
//  4. Built-in policies - baseline checks that ship with the engine
//
// # Usage
//
// Creating an engine and evaluating a definition:
//
//	eng, err := policy.NewEngine(logger, metrics)
//	if err != nil {
//	    return err
//	}
//
//	scan, err := eng.Evaluate(ctx, "production", &cfg.Definition)
//	if err != nil {
//	    return err
//	}
//	if !scan.Passed {
//	    for _, v := range scan.Violations {
//	        fmt.Println(v)
//	    }
//	}
//
// # Severity
//
// Violations carry one of four severities. Only error and critical block a
// scan; info and warning are folded into the scan's warnings and never fail
// validation.
//
// # Custom Policies
//
// Custom policies are Rego modules that deny over the evaluation input:
//
//	package foundry.profiles.backup
//
//	import rego.v1
//
//	deny contains violation if {
//	    not input.definition.inputs.backup_enabled
//	    violation := {
//	        "message": "production configurations must enable backups",
//	        "severity": "error",
//	        "field": "inputs.backup_enabled",
//	    }
//	}
//
// Policies load from the paths in the server configuration; a file under
// policies/production/ binds to the production profile, files at the root
// apply everywhere.
//
// # Hot Reload
//
// The loader can watch policy paths and push changes into a running engine:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.SetPolicies(ctx, policies)
//	})
//
// Policies are compiled once with OPA's PreparedEvalQuery and reused across
// evaluations.
package policy
