// Package mqtt provides an agent transport over an MQTT broker using the
// Eclipse Paho client. It is the only transport with native retained
// messages and a last will.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/drblury/robohub/internal/runtime/jsoncodec"
	"github.com/drblury/robohub/internal/runtime/metadata"
	"github.com/drblury/robohub/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "mqtt"

// KeyTopic carries the broker topic a message arrived on.
const KeyTopic = "mqtt_topic"

const (
	qos               byte = 1
	connectTimeout         = 5 * time.Second
	publishTimeout         = 5 * time.Second
	disconnectQuiesce uint = 250
)

// ErrClosed is returned when publishing or subscribing after Close.
var ErrClosed = errors.New("mqtt: transport closed")

// ClientFactory allows overriding the paho client creation for testing.
var ClientFactory = func(opts *paho.ClientOptions) paho.Client {
	return paho.NewClient(opts)
}

func init() {
	Register()
}

// Register registers the MQTT transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MQTTCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MQTTCapabilities
}

// WillTopic is the topic the broker publishes to when the app drops off
// without a clean disconnect.
func WillTopic(appID string) string {
	return "offline/" + appID
}

// Build connects to the configured broker and returns a transport whose
// publisher and subscriber share one client connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	broker := cfg.GetMQTTBrokerURL()
	if broker == "" {
		return transport.Transport{}, errors.New("mqtt: broker url is required")
	}

	appID := cfg.GetAppID()
	will, err := jsoncodec.Marshal(map[string]string{"appId": appID})
	if err != nil {
		return transport.Transport{}, fmt.Errorf("mqtt: encode last will: %w", err)
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(appID)
	if cfg.GetMQTTUsername() != "" {
		opts.SetUsername(cfg.GetMQTTUsername())
		opts.SetPassword(cfg.GetMQTTPassword())
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetBinaryWill(WillTopic(appID), will, 0, false)

	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("MQTT connected", watermill.LogFields{"broker": broker})
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Error("MQTT connection lost", err, watermill.LogFields{"broker": broker})
	})

	client := ClientFactory(opts)
	if err := wait(ctx, client.Connect(), connectTimeout); err != nil {
		return transport.Transport{}, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}

	ps := newPubSub(client, logger)
	return transport.Transport{Publisher: ps, Subscriber: ps}, nil
}

func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s", timeout)
	}
	return token.Error()
}

// PubSub adapts a paho client to watermill's Publisher and Subscriber.
type PubSub struct {
	client paho.Client
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	subs    sync.WaitGroup
}

func newPubSub(client paho.Client, logger watermill.LoggerAdapter) *PubSub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &PubSub{
		client:  client,
		logger:  logger,
		closing: make(chan struct{}),
	}
}

// Publish sends each payload at QoS 1. Messages marked with
// metadata.KeyRetained are published retained. MQTT 3.1.1 carries no
// headers, so other metadata is not transmitted.
func (p *PubSub) Publish(topic string, messages ...*message.Message) error {
	if p.isClosed() {
		return ErrClosed
	}
	for _, msg := range messages {
		token := p.client.Publish(topic, qos, metadata.Retained(msg), []byte(msg.Payload))
		if err := wait(context.Background(), token, publishTimeout); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", topic, err)
		}
	}
	return nil
}

// Subscribe delivers messages arriving on topic until ctx is done or the
// transport is closed. Each message must be acked or nacked before the next
// one is delivered; nacked messages are dropped.
func (p *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.subs.Add(1)
	p.mu.Unlock()

	sub := &subscription{out: make(chan *message.Message)}
	fields := watermill.LogFields{"topic": topic}

	handler := func(_ paho.Client, in paho.Message) {
		msg := message.NewMessage(watermill.NewUUID(), in.Payload())
		msg.Metadata.Set(KeyTopic, in.Topic())
		if in.Retained() {
			metadata.SetRetained(msg)
		}
		if !sub.deliver(ctx, p.closing, msg) {
			return
		}
		select {
		case <-msg.Acked():
		case <-msg.Nacked():
			p.logger.Debug("MQTT message nacked, dropping", fields)
		case <-ctx.Done():
		case <-p.closing:
		}
	}

	if err := wait(ctx, p.client.Subscribe(topic, qos, handler), connectTimeout); err != nil {
		p.subs.Done()
		return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	p.logger.Debug("MQTT subscribed", fields)

	go func() {
		defer p.subs.Done()
		select {
		case <-ctx.Done():
			token := p.client.Unsubscribe(topic)
			if err := wait(context.Background(), token, publishTimeout); err != nil {
				p.logger.Error("MQTT unsubscribe failed", err, fields)
			}
		case <-p.closing:
		}
		sub.close()
	}()

	return sub.out, nil
}

// Close stops every subscription and disconnects from the broker.
func (p *PubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	p.subs.Wait()
	p.client.Disconnect(disconnectQuiesce)
	return nil
}

func (p *PubSub) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type subscription struct {
	mu     sync.RWMutex
	closed bool
	out    chan *message.Message
}

func (s *subscription) deliver(ctx context.Context, closing <-chan struct{}, msg *message.Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- msg:
		return true
	case <-ctx.Done():
	case <-closing:
	}
	return false
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	close(s.out)
}
