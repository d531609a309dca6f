// Package config loads executor configuration and evaluates Starlark
// action files.
//
// # Executor configuration
//
// ExecutorConfig is read from YAML, JSON or CUE. Every document is first
// checked against the built-in #Executor CUE definition, which is closed,
// so unknown keys are reported with their location. The document is then
// decoded over DefaultExecutorConfig, derived paths are filled from Root,
// and struct constraints are checked with validator tags.
//
//	cfg, err := config.Load("hermit.yaml")
//	if err != nil {
//	    return err
//	}
//
// A CUE file may compute values:
//
//	root: "/var/cache/hermit"
//	sandbox: {
//	    backend:     "namespace"
//	    passthrough: ["/usr", "/lib", "/lib64", "/bin"]
//	}
//	policy: settings: passthrough: sandbox.passthrough
//
// # Action files
//
// StarlarkEvaluator evaluates action files with these builtins:
//
//	file(path, src=None, content=None, executable=False)
//	symlink(path, target)
//	directory(path)
//	depset(*items, mount="", filter="", patterns=[])
//	action(name, argv, inputs=None, outputs=[], env={}, workdir="",
//	       optional_outputs=[], timeout="", network=False,
//	       cache_failures=True, cacheable_exit_codes=[])
//
// file() writes content to the content store during evaluation. action()
// validates the action and returns its fingerprint. Command line variables
// are available as the dict vars. Evaluation is bounded by a timeout.
//
//	srcs = depset(file("main.c", src = "main.c"))
//	action(
//	    name = "compile",
//	    argv = ["cc", "-c", "main.c", "-o", "main.o"],
//	    inputs = srcs,
//	    outputs = ["main.o"],
//	    env = {"PATH": "/usr/bin"},
//	)
package config
