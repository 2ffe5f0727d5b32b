// Package device defines the boundary between the runtime and the camera
// driver: discovering devices, opening a session, and pulling the items the
// device pipeline produced since the last poll.
package device

import (
	"context"

	"github.com/drblury/robohub/internal/runtime/channel"
)

// Info describes a discovered device. ID is the stable identifier apps list
// in their device configuration.
type Info struct {
	ID        string `json:"serialNumber"`
	State     string `json:"state,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Platform  string `json:"platform,omitempty"`
	BoardName string `json:"boardName,omitempty"`
	BoardRev  string `json:"boardRev,omitempty"`
}

// Delivery is one item read from a named device queue.
type Delivery struct {
	Queue string
	Item  channel.Item
}

// QueueSpec announces a queue the app configured during setup.
type QueueSpec struct {
	Queue     string
	ChannelID string
	Kind      channel.Kind
	Rate      float64
	Direction channel.Direction
}

// Provider finds devices and opens sessions on them.
type Provider interface {
	Discover(ctx context.Context) ([]Info, error)
	Connect(ctx context.Context, info Info) (Session, error)
}

// Session is an open device. PollOutputs must not block; it returns what is
// currently queued, possibly nothing.
type Session interface {
	Info() Info
	PollOutputs() ([]Delivery, error)
	Close() error
}

// Starter is implemented by sessions that need the configured queues before
// they start producing.
type Starter interface {
	Start(ctx context.Context, queues []QueueSpec) error
}

// InputSink is implemented by sessions that accept items on input queues.
type InputSink interface {
	Send(queue string, item channel.Item) error
}

// IDs returns the ids of infos in order.
func IDs(infos []Info) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.ID
	}
	return out
}

// Missing returns the required ids absent from found, in required order.
func Missing(required []string, found []Info) []string {
	have := make(map[string]struct{}, len(found))
	for _, info := range found {
		have[info.ID] = struct{}{}
	}
	var missing []string
	for _, id := range required {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// Select returns the infos for required ids, in required order. Unknown ids
// are skipped.
func Select(required []string, found []Info) []Info {
	byID := make(map[string]Info, len(found))
	for _, info := range found {
		byID[info.ID] = info
	}
	out := make([]Info, 0, len(required))
	for _, id := range required {
		if info, ok := byID[id]; ok {
			out = append(out, info)
		}
	}
	return out
}
