/*
Package runtime assembles a robohub app from its parts.

# Package Structure

## Service (service.go)

Service wires together:
  - the agent transport, built from the transport registry
  - the agent client (reports, events, request routing)
  - the Prometheus collectors and their HTTP server
  - the supervisor driving the device run loop

## Status (status.go)

A JSON snapshot of the run state and the last channel health report, served
next to the metrics.

# Sub-packages

  - channel/: channels, items, queue naming and rate tracking
  - synchronizer/: sequence-correlated grouping of items across channels
  - orchestrator/: per-device channel registry and queue polling
  - supervisor/: run loop state machine and application hooks
  - device/: device provider and session contracts; device/sim simulates one
  - agent/: agent client, topics, requests and detections
  - config/: runtime settings and the app configuration
  - errors/: sentinel errors and failure classification
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: message metadata keys
  - metrics/: Prometheus collectors and HTTP server

# Usage Example

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	svc, err := runtime.NewService(ctx, cfg, logger, runtime.ServiceDependencies{
		Provider: provider,
		Hooks: supervisor.Hooks{
			OnSetup:  setupPipeline,
			OnUpdate: processFrame,
		},
	})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime
