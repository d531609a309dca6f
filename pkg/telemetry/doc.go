// Package telemetry provides observability instrumentation for the executor.
//
// The package integrates structured logging (zerolog, with lumberjack file
// rotation), distributed tracing (OpenTelemetry), metrics (Prometheus) and
// an in-process event stream into one Telemetry value that is built at
// startup and threaded through the engine.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Components receive a zerolog.Logger tagged with their name:
//
//	logger := tel.Logger.NewComponentLogger("materializer").Zerolog()
//
// Output is any comma separated combination of stdout, stderr and file.
// File output rotates by size and age.
//
// # Metrics
//
// Key metrics exposed:
//
//   - hermit_cache_lookups_total{result}
//   - hermit_cache_inflight
//   - hermit_materialize_ops_total{op}
//   - hermit_materialize_duration_seconds{mode}
//   - hermit_action_duration_seconds{backend}
//   - hermit_action_failures_total{kind}
//   - hermit_actions_running
//   - hermit_store_bytes_total{op}
//
// # Events
//
// Events are delivered to subscribers in publication order from a single
// goroutine. The server's WebSocket stream is one such subscriber:
//
//	unsubscribe := tel.Events.Subscribe(func(e telemetry.Event) {
//	    select {
//	    case ch <- e:
//	    default:
//	    }
//	}, telemetry.FilterByType(telemetry.EventTypeActionFailed))
//	defer unsubscribe()
//
// Event types: cache.hit, cache.miss, materialize.delta, action.started,
// action.completed, action.failed, policy.denied.
package telemetry
