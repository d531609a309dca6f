// Package policy evaluates Open Policy Agent (OPA) Rego policies over
// actions before they run and over failed results before they are cached.
//
// # Rules
//
// A policy is one Rego module. Two rule names are recognized in its
// package:
//
//   - deny: a set of messages, or objects with "message" and "severity".
//     Any entry with severity error or critical rejects the action at
//     admission. Other entries are returned as warnings.
//   - nocache: a set of reasons. Any entry keeps a failed result out of
//     the action cache so the action is re-run next time.
//
// The input document is:
//
//	{
//	    "action": {"name", "fingerprint", "argv", "env", "workdir",
//	               "outputs", "network", "timeout_seconds"},
//	    "exit_code": 137,            // nocache only
//	    "context": {"operation": "admit" | "cache", "backend", "timestamp"}
//	}
//
// Settings are published as data.hermit.config (see Settings).
//
// # Built-in Policies
//
//  1. network-access - rejects network opt-in unless allow_network is set
//  2. environment-denylist - rejects variables named in env_denylist
//  3. argv-passthrough - with restrict_argv, rejects absolute commands
//     outside the passthrough paths
//  4. killed-exit-codes - never caches exits listed in nocache_exit_codes
//
// # Custom Policies
//
// Custom policies are .rego files, named after the file, or .json files
// carrying a Policy. For example:
//
//	package hermit.admission.timeouts
//
//	deny contains msg if {
//	    input.action.timeout_seconds > 3600
//	    msg := "actions may not run longer than an hour"
//	}
//
// Engine.Watch loads a set of paths and reloads it through fsnotify when a
// file changes. A reload that fails to parse or compile leaves the previous
// policies active.
package policy
