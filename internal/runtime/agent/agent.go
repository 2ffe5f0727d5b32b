// Package agent talks to the control-plane agent that manages the app. It
// reports online state, devices, failures and health, forwards published
// streams and detections, and turns inbound configuration, stream toggles
// and requests into ordered events for the run loop.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/robohub/internal/runtime/channel"
	"github.com/drblury/robohub/internal/runtime/device"
	"github.com/drblury/robohub/internal/runtime/orchestrator"
)

// FailureKind distinguishes a retried failure from the one that stopped the
// app.
type FailureKind string

const (
	FailureTransient     FailureKind = "transient"
	FailureExhausted     FailureKind = "exhausted"
	FailureFatal         FailureKind = "fatal"
	FailureMissingDevice FailureKind = "missing-device"
)

// Failure is one reported run loop failure.
type Failure struct {
	Kind     FailureKind
	Attempt  int
	DeviceID string
	Err      error
}

// Message renders the failure the way the agent shows it to operators.
func (f Failure) Message() string {
	switch f.Kind {
	case FailureMissingDevice:
		return fmt.Sprintf("Device %s is not available", f.DeviceID)
	case FailureFatal:
		return fmt.Sprintf("Application cannot start: %v", f.Err)
	case FailureExhausted:
		return fmt.Sprintf("Application stopped after %d failures: %v", f.Attempt, f.Err)
	default:
		return fmt.Sprintf("Application failure (attempt %d): %v", f.Attempt, f.Err)
	}
}

// OnlineStatus is reported when the app (re)connects.
type OnlineStatus struct {
	AppID   string                  `json:"appId"`
	Streams []channel.PublishedInfo `json:"streams"`
}

// HealthReport is the periodic system report.
type HealthReport struct {
	AppID    string                      `json:"appId"`
	State    string                      `json:"state"`
	Failures int                         `json:"failures"`
	At       time.Time                   `json:"at"`
	Channels []orchestrator.HealthSample `json:"channels"`
}

// Event is delivered from the agent to the run loop, in arrival order.
type Event interface {
	eventName() string
}

// ConfigurationEvent carries a full replacement of the app configuration
// values.
type ConfigurationEvent struct {
	Values map[string]any
}

// StreamToggleEvent enables or disables published streams by id.
type StreamToggleEvent struct {
	IDs     []string
	Enabled bool
}

func (ConfigurationEvent) eventName() string { return "configuration" }
func (StreamToggleEvent) eventName() string  { return "stream-toggle" }

// Reporter is what the run loop needs from the agent. Implementations must
// not block the caller on I/O.
type Reporter interface {
	ReportFailure(ctx context.Context, f Failure) error
	ReportOnline(ctx context.Context, status OnlineStatus) error
	ReportHealth(ctx context.Context, report HealthReport) error
	ReportDevice(ctx context.Context, info device.Info) error
	SendStream(ctx context.Context, streamID string, payload []byte) error
	SendStatistics(ctx context.Context, deviceID string, stats any) error
	SendDetection(ctx context.Context, d *Detection) error
	Events() <-chan Event
}

// Nop is a Reporter that discards everything and never emits events.
type Nop struct{}

func (Nop) ReportFailure(context.Context, Failure) error      { return nil }
func (Nop) ReportOnline(context.Context, OnlineStatus) error  { return nil }
func (Nop) ReportHealth(context.Context, HealthReport) error  { return nil }
func (Nop) ReportDevice(context.Context, device.Info) error   { return nil }
func (Nop) SendStream(context.Context, string, []byte) error  { return nil }
func (Nop) SendStatistics(context.Context, string, any) error { return nil }
func (Nop) SendDetection(context.Context, *Detection) error   { return nil }
func (Nop) Events() <-chan Event                              { return nil }

var (
	_ Reporter                = Nop{}
	_ orchestrator.StreamSink = Nop{}
)
