// Package engine is the executor core: the entry point a scheduler submits
// actions to.
//
// # Submission
//
// Core.Submit takes an action (argv, environment, input DepSet, declared
// outputs, cache policy and deadline) and returns an Outcome with the exit
// code, the output DepSet, whether the result was cached, and the
// execution's duration, or a typed *execerr.Error. A submission goes
// through these steps:
//
//  1. Admission: enabled Rego policies may deny the action.
//  2. Cache: the fingerprint is looked up; concurrent submissions of the
//     same fingerprint share a single execution.
//  3. Materialization: on a miss the input DepSet is realized, either into
//     a reusable slot updated incrementally or into a shared root keyed by
//     the DepSet hash.
//  4. Execution: the command runs under the configured isolation backend,
//     and declared outputs are captured into the content store.
//
// Deterministic failures (a non-zero exit or a missing output) are cached
// unless the action or the caching policy says otherwise. Canceled and
// timed out executions are never cached.
//
// # Batches
//
// RunAll submits a set of independent actions through a bounded worker
// pool. Results are reported per action with a summary, under a run ID.
//
//	core, err := engine.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer core.Close(ctx)
//
//	out, err := core.Submit(ctx, action)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(out.ExitCode, out.Cached, out.Outputs.Hash())
package engine
