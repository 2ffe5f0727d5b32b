// Package robohub runs vision and robotics apps on top of hardware devices.
// An app declares the output channels it wants from each device (camera
// frames, neural network detections, encoded video, statistics) and gets a
// per-tick OnUpdate callback whenever fresh data arrived. Items that share a
// capture sequence number across channels can be correlated with a
// Synchronizer, which delivers each complete group exactly once and in order.
//
// A Supervisor owns the run loop. It discovers and connects the configured
// devices, polls every device's queues, detects channels that stopped
// producing and recovers from transient failures by tearing everything down
// and reconnecting, up to Config.MaxFailures times. Fatal errors stop the app
// at once.
//
// Service bundles the supervisor with an agent client that reports status,
// failures, detections and published streams over the configured transport,
// and receives configuration updates, stream toggles and requests. A minimal
// app fills Config (or calls ConfigFromEnv), provides a DeviceProvider and
// Hooks, creates a Service and calls Start.
//
// # Transports
//
// The agent talks to its broker through one of these transports:
//   - channel: in-process Go channels for tests and local runs
//   - mqtt: MQTT with retained announcements and a last will
//   - nats: NATS core messaging
//   - kafka: Kafka with a consumer group per app
//   - rabbitmq: AMQP durable queues
//   - http: webhook style delivery
//   - aws: AWS SNS/SQS with LocalStack support
//
// Import transport/transports to register all of them, or a single
// transport package for a smaller binary.
//
// # Metrics
//
// With Config.MetricsEnabled the service exposes Prometheus collectors on
// /metrics and a JSON run state snapshot on /api/status.
package robohub
