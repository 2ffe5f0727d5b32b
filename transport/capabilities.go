package transport

// Capabilities describes what a transport backend offers the agent client.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// SupportsRetained means the broker keeps the last message of a topic for
	// late subscribers, which the online and device announcements rely on.
	SupportsRetained bool

	// SupportsLastWill means the broker announces the app as offline when
	// the connection drops without a clean close.
	SupportsLastWill bool

	// SupportsOrdering means messages on one topic arrive in publish order.
	SupportsOrdering bool

	SupportsAck  bool
	SupportsNack bool

	// MaxMessageSize is the largest payload in bytes, 0 when unknown.
	MaxMessageSize int64
}

// RequiresRetainEmulation reports whether announcements must be republished
// periodically because the broker does not retain them.
func (c Capabilities) RequiresRetainEmulation() bool {
	return !c.SupportsRetained
}

// SupportsReliableDelivery reports at-least-once delivery (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a payload of size bytes can be sent.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	MQTTCapabilities = Capabilities{
		Name:             "mqtt",
		SupportsRetained: true,
		SupportsLastWill: true,
		SupportsOrdering: true,
		SupportsAck:      true,
		MaxMessageSize:   268435455, // protocol limit
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsAck:      true,
		MaxMessageSize:   1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   262144,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
