package channel

import (
	"sync/atomic"

	"github.com/drblury/robohub/internal/runtime/ids"
)

// Published marks an output channel as a stream the agent can preview.
// Streams start disabled; the agent enables them on demand.
type Published struct {
	id          string
	description string
	rate        float64
	kind        Kind
	source      *Channel
	enabled     atomic.Bool
}

// PublishedInfo is the JSON view of a published stream announced to the
// agent.
type PublishedInfo struct {
	ID          string  `json:"name"`
	Type        string  `json:"type"`
	FPS         float64 `json:"fps"`
	Description string  `json:"description,omitempty"`
	Enabled     bool    `json:"enabled"`
}

func newPublished(source *Channel, description string) *Published {
	kind := source.kind
	if kind == KindFrame {
		// frames leave the device encoded
		kind = KindEncoded
	}
	return &Published{
		id:          ids.CreateULID(),
		description: description,
		rate:        source.rate,
		kind:        kind,
		source:      source,
	}
}

func (p *Published) ID() string          { return p.id }
func (p *Published) Description() string { return p.description }
func (p *Published) Kind() Kind          { return p.kind }
func (p *Published) Source() *Channel    { return p.source }
func (p *Published) Enabled() bool       { return p.enabled.Load() }
func (p *Published) Enable()             { p.enabled.Store(true) }
func (p *Published) Disable()            { p.enabled.Store(false) }

// Info returns the announcement view of the stream.
func (p *Published) Info() PublishedInfo {
	streamType := "video"
	if p.kind == KindStatistics {
		streamType = "statistics"
	}
	return PublishedInfo{
		ID:          p.id,
		Type:        streamType,
		FPS:         p.rate,
		Description: p.description,
		Enabled:     p.Enabled(),
	}
}
