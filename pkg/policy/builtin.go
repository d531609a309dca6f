package policy

import "time"

// BuiltinPolicies returns the policies every engine starts with. They are
// driven by data.hermit.config.
func BuiltinPolicies() []Policy {
	now := time.Now()
	return []Policy{
		{
			Name:        "network-access",
			Description: "Rejects actions that request network access unless it is allowed",
			Severity:    SeverityError,
			Enabled:     true,
			Builtin:     true,
			Tags:        []string{"admission", "isolation"},
			UpdatedAt:   now,
			Rego: `package hermit.admission.network

deny contains msg if {
	input.action.network
	not data.hermit.config.allow_network
	msg := sprintf("action %q requests network access, which is disabled", [input.action.name])
}
`,
		},
		{
			Name:        "environment-denylist",
			Description: "Rejects actions that pass host secrets through the environment",
			Severity:    SeverityError,
			Enabled:     true,
			Builtin:     true,
			Tags:        []string{"admission", "hermeticity"},
			UpdatedAt:   now,
			Rego: `package hermit.admission.environment

deny contains msg if {
	some name, _ in input.action.env
	name in data.hermit.config.env_denylist
	msg := sprintf("environment variable %s may not be passed to actions", [name])
}
`,
		},
		{
			Name:        "argv-passthrough",
			Description: "Rejects absolute commands outside the passthrough paths",
			Severity:    SeverityError,
			Enabled:     true,
			Builtin:     true,
			Tags:        []string{"admission", "hermeticity"},
			UpdatedAt:   now,
			Rego: `package hermit.admission.argv

deny contains msg if {
	data.hermit.config.restrict_argv
	cmd := input.action.argv[0]
	startswith(cmd, "/")
	not under_passthrough(cmd)
	msg := sprintf("command %s is outside the passthrough paths", [cmd])
}

under_passthrough(p) if {
	some prefix in data.hermit.config.passthrough
	startswith(p, concat("", [trim_suffix(prefix, "/"), "/"]))
}
`,
		},
		{
			Name:        "killed-exit-codes",
			Description: "Never caches failures whose exit code means the action was killed",
			Severity:    SeverityInfo,
			Enabled:     true,
			Builtin:     true,
			Tags:        []string{"caching"},
			UpdatedAt:   now,
			Rego: `package hermit.caching.killed

nocache contains reason if {
	input.exit_code in data.hermit.config.nocache_exit_codes
	reason := sprintf("exit code %d indicates the action was killed", [input.exit_code])
}
`,
		},
	}
}
