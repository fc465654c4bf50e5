// Package telemetry provides observability for the vmpool service.
//
// It combines structured logging (zerolog, rotated files through lumberjack),
// tracing (OpenTelemetry), Prometheus metrics and a lifecycle event
// publisher that acts as the notification sink for request transitions.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(store, renderer, allocator, materializer, gateway, engine.Options{
//	    Logger:  tel.Logger.Zerolog(),
//	    Metrics: tel.Metrics,
//	    Tracer:  tel.Tracer.Tracer(),
//	    Events:  telemetry.NewEngineSink(tel.Events),
//	})
//
// # Metrics
//
// All metrics live in a dedicated registry served by Metrics.Handler:
//
//   - vmpool_request_transitions_total{from,to}
//   - vmpool_requests_in_state{state}
//   - vmpool_requests_finished_total{state}
//   - vmpool_runner_calls_total{operation,outcome}
//   - vmpool_runner_call_duration_seconds{operation}
//   - vmpool_ip_allocations_total{outcome}
//   - vmpool_http_requests_total{method,route,status}
//
// # Events
//
// Subscribers receive events sequentially in publish order. Filters select
// by level, type or request:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    notifyChat(e)
//	}, telemetry.FilterByType(telemetry.EventTypeTransition))
package telemetry
