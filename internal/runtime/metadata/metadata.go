// Package metadata holds the message header keys shared by the agent client
// and the transports.
package metadata

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
)

const (
	// KeyRetained asks brokers that support it to keep the last message on
	// the topic for late subscribers.
	KeyRetained = "robohub_retained"

	// KeyAppID names the app that produced the message.
	KeyAppID = "robohub_app_id"

	// KeyRequestID correlates a response with its request.
	KeyRequestID = "robohub_request_id"

	// KeyContentType describes the payload encoding.
	KeyContentType = "content_type"
)

const (
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/octet-stream"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// New constructs Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key, value string) Metadata {
	out := make(Metadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}

// Apply copies every entry into msg's metadata.
func (m Metadata) Apply(msg *message.Message) {
	if msg.Metadata == nil {
		msg.Metadata = message.Metadata{}
	}
	for k, v := range m {
		msg.Metadata.Set(k, v)
	}
}

// Retained reports whether msg asks to be retained.
func Retained(msg *message.Message) bool {
	ok, _ := strconv.ParseBool(msg.Metadata.Get(KeyRetained))
	return ok
}

// SetRetained marks msg as retained.
func SetRetained(msg *message.Message) {
	if msg.Metadata == nil {
		msg.Metadata = message.Metadata{}
	}
	msg.Metadata.Set(KeyRetained, "true")
}
