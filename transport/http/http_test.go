package http

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/robohub/internal/runtime/config"
	"github.com/drblury/robohub/transport"
)

type mockPublisher struct{ closed bool }

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { m.closed = true; return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }

func swapFactories(t *testing.T) {
	t.Helper()
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})
}

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	assert.Equal(t, transport.HTTPCapabilities, transport.GetCapabilities(TransportName))
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
}

func TestTopicURL(t *testing.T) {
	assert.Equal(t, "http://agent:8080/online/demo", TopicURL("http://agent:8080/", "online/demo"))
	assert.Equal(t, "http://agent:8080/online/demo", TopicURL("http://agent:8080", "/online/demo"))
}

func TestBuild(t *testing.T) {
	swapFactories(t)
	mockPub := &mockPublisher{}
	mockSub := &mockSubscriber{}
	var marshal watermillhttp.MarshalMessageFunc

	PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		marshal = config.MarshalMessageFunc
		return mockPub, nil
	}
	SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, ":8090", addr)
		return mockSub, nil
	}

	cfg := &config.Config{HTTPServerAddress: ":8090", HTTPPublisherURL: "http://agent:8080/"}
	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, mockPub, tr.Publisher)
	assert.Equal(t, mockSub, tr.Subscriber)

	req, err := marshal("online/demo", message.NewMessage("1", []byte(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, "http://agent:8080/online/demo", req.URL.String())
}

func TestBuildErrors(t *testing.T) {
	t.Run("publisher", func(t *testing.T) {
		swapFactories(t)
		PublisherFactory = func(watermillhttp.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}
		_, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "http publisher: publisher error")
	})

	t.Run("subscriber closes publisher", func(t *testing.T) {
		swapFactories(t)
		pub := &mockPublisher{}
		PublisherFactory = func(watermillhttp.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(string, watermillhttp.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}
		_, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "http subscriber: subscriber error")
		assert.True(t, pub.closed)
	})
}
