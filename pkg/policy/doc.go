// Package policy is the local plan gate. Before a workspace is sent to the
// runner, the rendered variables of the request are checked against Rego
// policies with Open Policy Agent.
//
// Every policy package defines a deny set. A member is either a message
// string or an object:
//
//	deny contains violation if {
//		input.variables.memory % 4 != 0
//		violation := {
//			"message": "memory is not a multiple of 4 MB",
//			"field": "memory",
//			"severity": "error",
//		}
//	}
//
// The input document is {"request_id": ..., "variables": {...}} where
// variables holds the same keys as the rendered tfvars file. Violations of
// severity error or critical reject the plan; warnings are only reported.
//
// Built-in policies (see GetBuiltinPolicies) are always loaded. Site policies
// are read from .rego and .json files by a Loader and can be hot reloaded:
//
//	eng, _ := policy.NewEngine(logger)
//	_ = eng.LoadPolicies(ctx, []string{"/etc/vmpool/policies"})
//	loader, _ := eng.Watch(ctx, []string{"/etc/vmpool/policies"})
//	defer loader.Close()
//
//	result, err := eng.Evaluate(ctx, requestID, vars)
//	if err == nil && !result.Allowed {
//		// reject with result.Summary()
//	}
package policy
