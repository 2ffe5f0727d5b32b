// Package channel models the device output and input queues an app reads
// from and writes to. A Channel keeps the last received item, tracks the
// observed rate and fans every item out to its listeners in arrival order.
package channel

import (
	"fmt"
	"sync"
	"time"
)

// Direction tells whether a channel is read from or written to.
type Direction int

const (
	Output Direction = iota
	Input
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// Handle points a channel back at the orchestrator that owns it. Owner is
// the orchestrator id and Index the channel's slot in its arena.
type Handle struct {
	Owner string
	Index int
}

// Listener receives every item delivered to a channel.
type Listener func(Item)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Channel is one device queue.
type Channel struct {
	id        string
	queue     string
	kind      Kind
	rate      float64
	direction Direction
	handle    Handle
	now       func() time.Time
	createdAt time.Time

	// deliverMu serializes Deliver so listeners see arrival order.
	deliverMu sync.Mutex

	mu           sync.RWMutex
	last         Item
	hasLast      bool
	lastAt       time.Time
	listeners    []listenerEntry
	nextListener uint64
	published    *Published

	tracker *RateTracker
}

// Option configures a Channel.
type Option func(*Channel)

// WithHandle sets the owning orchestrator handle.
func WithHandle(h Handle) Option {
	return func(c *Channel) { c.handle = h }
}

// WithDirection marks the channel as input or output. Output is the default.
func WithDirection(d Direction) Option {
	return func(c *Channel) { c.direction = d }
}

// WithClock overrides the clock used for receive timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRateSamples sets the rate tracker window.
func WithRateSamples(n int) Option {
	return func(c *Channel) { c.tracker = NewRateTracker(n) }
}

// New creates a channel. id is the app-facing name, queue the device queue
// name and rate the declared nominal rate in items per second (zero when
// unknown).
func New(id, queue string, kind Kind, rate float64, opts ...Option) *Channel {
	c := &Channel{
		id:    id,
		queue: queue,
		kind:  kind,
		rate:  rate,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracker == nil {
		c.tracker = NewRateTracker(DefaultRateSamples)
	}
	c.createdAt = c.now()
	return c
}

func (c *Channel) ID() string            { return c.id }
func (c *Channel) Queue() string         { return c.queue }
func (c *Channel) Kind() Kind            { return c.kind }
func (c *Channel) DeclaredRate() float64 { return c.rate }
func (c *Channel) Direction() Direction  { return c.direction }
func (c *Channel) Handle() Handle        { return c.handle }
func (c *Channel) CreatedAt() time.Time  { return c.createdAt }
func (c *Channel) ObservedRate() float64 { return c.tracker.Value() }

func (c *Channel) String() string { return fmt.Sprintf("%s(%s)", c.id, c.queue) }

// RateTracker exposes the observed rate tracker.
func (c *Channel) RateTracker() *RateTracker { return c.tracker }

// Last returns the most recent item. The value stays valid until the next
// delivery overwrites it.
func (c *Channel) Last() (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.hasLast
}

// LastReceived returns when the last item arrived, or the zero time.
func (c *Channel) LastReceived() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastAt
}

// LastActivity returns the last receive time, or the creation time when the
// channel never produced.
func (c *Channel) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.hasLast {
		return c.lastAt
	}
	return c.createdAt
}

// AddListener registers fn and returns a function removing it. The remove
// function is safe to call more than once.
func (c *Channel) AddListener(fn Listener) (remove func()) {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.removeListener(id) })
	}
}

func (c *Channel) removeListener(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.listeners {
		if l.id == id {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return
		}
	}
}

// RemoveAllListeners detaches every listener.
func (c *Channel) RemoveAllListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = nil
}

// ListenerCount returns the number of attached listeners.
func (c *Channel) ListenerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

// Deliver records item as the latest value and hands it to every listener
// in registration order. Concurrent deliveries are serialized.
func (c *Channel) Deliver(item Item) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	now := c.now()
	c.mu.Lock()
	c.last = item
	c.hasLast = true
	c.lastAt = now
	listeners := make([]Listener, len(c.listeners))
	for i, l := range c.listeners {
		listeners[i] = l.fn
	}
	c.mu.Unlock()

	c.tracker.Record(now, item.Samples())

	for _, fn := range listeners {
		fn(item)
	}
}

// Publish exposes the channel as a stream the agent can preview. Publishing
// twice returns the existing stream. A non-empty description overrides the
// channel id as the stream description.
func (c *Channel) Publish(description string) (*Published, error) {
	if c.direction != Output {
		return nil, fmt.Errorf("channel %s: only output channels can be published", c.id)
	}
	if !c.kind.Publishable() {
		return nil, fmt.Errorf("channel %s: publishing %s streams is not supported", c.id, c.kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.published != nil {
		return c.published, nil
	}
	if description == "" {
		description = c.id
	}
	c.published = newPublished(c, description)
	return c.published, nil
}

// Published returns the published stream, or nil.
func (c *Channel) Published() *Published {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published
}
