package governor

// BuiltinRules returns the rules compiled into every rule engine. Operators
// layer their own on top through the loader.
func BuiltinRules() []Rule {
	return []Rule{
		externalCallLimitRule(),
		criticalIrreversibleRule(),
	}
}

// externalCallLimitRule rejects steps that declare an unreasonable number of
// external calls. A single step fanning out this widely is almost always a
// graph authoring mistake.
func externalCallLimitRule() Rule {
	return Rule{
		Name:        "step-external-call-limit",
		Description: "Denies steps declaring more than 25 external calls",
		Enabled:     true,
		Rego: `package runforge.rules.external_calls

import rego.v1

deny contains violation if {
	input.step.external_calls > 25
	violation := {
		"message": sprintf("step %s declares %d external calls, limit is 25", [input.step.step_id, input.step.external_calls]),
	}
}
`,
	}
}

// criticalIrreversibleRule escalates critical steps that cannot be rolled
// back. Disabled by default; operators opt in per deployment.
func criticalIrreversibleRule() Rule {
	return Rule{
		Name:        "critical-irreversible-approval",
		Description: "Requires approval for critical steps without a rollback path",
		Enabled:     false,
		Rego: `package runforge.rules.irreversible

import rego.v1

require_approval contains violation if {
	input.step.critical
	not input.step.rollback_capable
	violation := {
		"message": sprintf("critical step %s has no rollback path", [input.step.step_id]),
	}
}
`,
	}
}
