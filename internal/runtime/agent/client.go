package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/robohub/internal/runtime/channel"
	"github.com/drblury/robohub/internal/runtime/device"
	rherrors "github.com/drblury/robohub/internal/runtime/errors"
	"github.com/drblury/robohub/internal/runtime/ids"
	"github.com/drblury/robohub/internal/runtime/jsoncodec"
	"github.com/drblury/robohub/internal/runtime/logging"
	"github.com/drblury/robohub/internal/runtime/metadata"
	"github.com/drblury/robohub/transport"
)

const (
	DefaultOutboxSize  = 256
	DefaultEventBuffer = 64
)

// ErrOutboxFull is returned when a report was dropped because the outbox
// is full.
var ErrOutboxFull = errors.New("agent: outbox full")

// DropObserver is told about every dropped outbound message.
type DropObserver interface {
	OutboxDropped(topic string)
}

type outgoing struct {
	topic string
	msg   *message.Message
}

// Client is the Reporter backed by a watermill transport. Reports are queued
// and published by Run; inbound messages become Events.
type Client struct {
	appID      string
	topics     Topics
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     logging.ServiceLogger
	router     *Router
	observer   DropObserver

	outboxSize  int
	eventBuffer int
	outbox      chan outgoing
	events      chan Event
	dropped     atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithLogger(logger logging.ServiceLogger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithOutboxSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.outboxSize = n
		}
	}
}

func WithEventBuffer(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}

func WithDropObserver(o DropObserver) ClientOption {
	return func(c *Client) { c.observer = o }
}

// WithRouter sets the router serving agent requests.
func WithRouter(r *Router) ClientOption {
	return func(c *Client) {
		if r != nil {
			c.router = r
		}
	}
}

// WithTopicSeparator changes the separator used to build topic names.
func WithTopicSeparator(sep string) ClientOption {
	return func(c *Client) { c.topics = NewTopics(c.appID, sep) }
}

// NewClient returns a client for appID over t. The subscriber may be nil, in
// which case no events or requests are received.
func NewClient(appID string, t transport.Transport, opts ...ClientOption) (*Client, error) {
	if appID == "" {
		return nil, fmt.Errorf("agent: app id is required")
	}
	if t.Publisher == nil {
		return nil, rherrors.ErrPublisherRequired
	}
	c := &Client{
		appID:       appID,
		topics:      NewTopics(appID, "/"),
		publisher:   t.Publisher,
		subscriber:  t.Subscriber,
		router:      NewRouter(),
		outboxSize:  DefaultOutboxSize,
		eventBuffer: DefaultEventBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).With(logging.LogFields{"app_id": appID})
	c.outbox = make(chan outgoing, c.outboxSize)
	c.events = make(chan Event, c.eventBuffer)
	return c, nil
}

func (c *Client) AppID() string        { return c.appID }
func (c *Client) Topics() Topics       { return c.topics }
func (c *Client) Router() *Router      { return c.router }
func (c *Client) Events() <-chan Event { return c.events }

// Dropped returns how many outbound messages were dropped.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

type failurePayload struct {
	AppID   string `json:"appId"`
	Kind    string `json:"kind"`
	Attempt int    `json:"attempt,omitempty"`
	Device  string `json:"device,omitempty"`
	Message string `json:"message"`
}

type statisticsPayload struct {
	AppID  string `json:"appId"`
	Device string `json:"device"`
	Stats  any    `json:"stats"`
}

type appPayload struct {
	AppID string `json:"appId"`
}

func (c *Client) ReportFailure(ctx context.Context, f Failure) error {
	return c.enqueueJSON(ctx, c.topics.Error(), failurePayload{
		AppID:   c.appID,
		Kind:    string(f.Kind),
		Attempt: f.Attempt,
		Device:  f.DeviceID,
		Message: f.Message(),
	}, false)
}

func (c *Client) ReportOnline(ctx context.Context, status OnlineStatus) error {
	if status.AppID == "" {
		status.AppID = c.appID
	}
	if status.Streams == nil {
		status.Streams = []channel.PublishedInfo{}
	}
	return c.enqueueJSON(ctx, c.topics.Online(), status, true)
}

func (c *Client) ReportDevice(ctx context.Context, info device.Info) error {
	return c.enqueueJSON(ctx, c.topics.Device(), info, true)
}

func (c *Client) ReportHealth(ctx context.Context, report HealthReport) error {
	if report.AppID == "" {
		report.AppID = c.appID
	}
	return c.enqueueJSON(ctx, c.topics.System(), report, false)
}

func (c *Client) SendStatistics(ctx context.Context, deviceID string, stats any) error {
	return c.enqueueJSON(ctx, c.topics.System(), statisticsPayload{AppID: c.appID, Device: deviceID, Stats: stats}, false)
}

func (c *Client) SendDetection(ctx context.Context, d *Detection) error {
	if d == nil {
		return fmt.Errorf("agent: detection is nil")
	}
	return c.enqueueJSON(ctx, c.topics.Detection(), d, false)
}

func (c *Client) SendStream(ctx context.Context, streamID string, payload []byte) error {
	return c.enqueue(ctx, c.topics.Stream(streamID), payload, metadata.New(metadata.KeyContentType, metadata.ContentTypeBinary))
}

func (c *Client) enqueueJSON(ctx context.Context, topic string, v any, retained bool) error {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return fmt.Errorf("agent: encode %s: %w", topic, err)
	}
	md := metadata.New(metadata.KeyContentType, metadata.ContentTypeJSON)
	if retained {
		md = md.With(metadata.KeyRetained, "true")
	}
	return c.enqueue(ctx, topic, payload, md)
}

func (c *Client) enqueue(ctx context.Context, topic string, payload []byte, md metadata.Metadata) error {
	msg := message.NewMessage(ids.CreateULID(), payload)
	md.With(metadata.KeyAppID, c.appID).Apply(msg)
	if ctx != nil {
		msg.SetContext(context.WithoutCancel(ctx))
	}
	select {
	case c.outbox <- outgoing{topic: topic, msg: msg}:
		return nil
	default:
		c.dropped.Add(1)
		if c.observer != nil {
			c.observer.OutboxDropped(topic)
		}
		c.logger.Debug("Agent outbox full, dropping message", logging.LogFields{"topic": topic})
		return fmt.Errorf("%w: %s", ErrOutboxFull, topic)
	}
}

type inbound struct {
	topic  string
	handle func(ctx context.Context, msg *message.Message) error
}

// Run subscribes to the inbound topics and publishes queued reports until
// ctx is done. Queued reports are flushed before it returns.
func (c *Client) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if c.subscriber != nil {
		subs := []inbound{
			{topic: c.topics.Configuration(), handle: c.handleConfiguration},
			{topic: c.topics.StreamEnable(), handle: c.handleToggle(true)},
			{topic: c.topics.StreamDisable(), handle: c.handleToggle(false)},
			{topic: c.topics.Request(), handle: c.handleRequest},
		}
		for _, sub := range subs {
			msgs, err := c.subscriber.Subscribe(ctx, sub.topic)
			if err != nil {
				return fmt.Errorf("agent: subscribe %s: %w", sub.topic, err)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.consume(ctx, sub.topic, msgs, sub.handle)
			}()
		}
	}

	c.logger.Info("Agent client running", nil)
	for {
		select {
		case <-ctx.Done():
			c.flush()
			wg.Wait()
			return nil
		case out := <-c.outbox:
			c.publish(out)
		}
	}
}

func (c *Client) consume(ctx context.Context, topic string, msgs <-chan *message.Message, handle func(context.Context, *message.Message) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := handle(ctx, msg); err != nil {
				c.logger.Error("Failed to handle agent message", err, logging.LogFields{"topic": topic, "message_uuid": msg.UUID})
			}
			msg.Ack()
		}
	}
}

func (c *Client) publish(out outgoing) {
	if err := c.publisher.Publish(out.topic, out.msg); err != nil {
		c.logger.Error("Failed to publish agent message", err, logging.LogFields{"topic": out.topic})
	}
}

func (c *Client) flush() {
	for {
		select {
		case out := <-c.outbox:
			c.publish(out)
		default:
			return
		}
	}
}

// Deliver queues ev on Events as if it had arrived from the agent. It blocks
// until the event is consumed or ctx is done.
func (c *Client) Deliver(ctx context.Context, ev Event) {
	c.emit(ctx, ev)
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) handleConfiguration(ctx context.Context, msg *message.Message) error {
	var values map[string]any
	if err := jsoncodec.Unmarshal(msg.Payload, &values); err != nil {
		return fmt.Errorf("decode configuration: %w", err)
	}
	c.emit(ctx, ConfigurationEvent{Values: values})
	return nil
}

func (c *Client) handleToggle(enabled bool) func(context.Context, *message.Message) error {
	return func(ctx context.Context, msg *message.Message) error {
		var streamIDs []string
		if err := jsoncodec.Unmarshal(msg.Payload, &streamIDs); err != nil {
			return fmt.Errorf("decode stream toggle: %w", err)
		}
		c.emit(ctx, StreamToggleEvent{IDs: streamIDs, Enabled: enabled})
		return nil
	}
}

func (c *Client) handleRequest(ctx context.Context, msg *message.Message) error {
	var req Request
	if err := jsoncodec.Unmarshal(msg.Payload, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if req.ID == "" {
		return fmt.Errorf("request without id")
	}
	resp := c.router.Serve(ctx, req)
	payload, err := jsoncodec.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	md := metadata.New(metadata.KeyContentType, metadata.ContentTypeJSON, metadata.KeyRequestID, req.ID)
	return c.enqueue(ctx, c.topics.Response(req.ID), payload, md)
}

// Close publishes the offline notice and closes the transport. Call it after
// Run returned. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		payload, err := jsoncodec.Marshal(appPayload{AppID: c.appID})
		if err == nil {
			msg := message.NewMessage(ids.CreateULID(), payload)
			metadata.New(metadata.KeyAppID, c.appID, metadata.KeyContentType, metadata.ContentTypeJSON).Apply(msg)
			if err := c.publisher.Publish(c.topics.Offline(), msg); err != nil {
				errs = append(errs, fmt.Errorf("agent: publish offline: %w", err))
			}
		}
		if err := c.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("agent: close publisher: %w", err))
		}
		if c.subscriber != nil && any(c.subscriber) != any(c.publisher) {
			if err := c.subscriber.Close(); err != nil {
				errs = append(errs, fmt.Errorf("agent: close subscriber: %w", err))
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

var (
	_ Reporter     = (*Client)(nil)
	_ DropObserver = DropObserverFunc(nil)
)

// DropObserverFunc adapts a function to DropObserver.
type DropObserverFunc func(topic string)

func (f DropObserverFunc) OutboxDropped(topic string) { f(topic) }
