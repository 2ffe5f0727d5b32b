// Package channel provides an in-process agent transport backed by
// Watermill's Go channel pub/sub. It serves tests and apps running next to
// an embedded agent.
//
// Publish blocks until every subscriber acked the message, so inbound
// configuration updates and stream toggles reach the app in publish order.
// A publisher on a topic nobody consumes returns immediately; a subscriber
// that never acks stalls its publisher until the subscription or the
// transport is closed. Topics use "/" as separator.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/robohub/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// OutputBuffer bounds each subscriber channel.
const OutputBuffer = 64

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport. Publisher and subscriber share
// one pub/sub, so the agent side of a test subscribes to the same object.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer:            OutputBuffer,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
