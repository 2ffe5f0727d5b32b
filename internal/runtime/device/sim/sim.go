// Package sim provides a synthetic device provider. Each configured output
// queue produces items at its declared rate, measured against the session
// clock, so a pipeline can run without hardware.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/robohub/internal/runtime/channel"
	"github.com/drblury/robohub/internal/runtime/device"
)

// maxBurst bounds how many items one queue yields per poll after a long gap.
const maxBurst = 30

// Provider discovers a fixed set of simulated devices.
type Provider struct {
	mu              sync.Mutex
	devices         []device.Info
	now             func() time.Time
	connectFailures int
	connects        int
	sessions        []*Session
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock sets the clock used by sessions.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithConnectFailures makes the first n Connect calls fail.
func WithConnectFailures(n int) Option {
	return func(p *Provider) { p.connectFailures = n }
}

// New returns a provider exposing one device per id.
func New(ids []string, opts ...Option) *Provider {
	p := &Provider{now: time.Now}
	for _, id := range ids {
		p.devices = append(p.devices, device.Info{
			ID:       id,
			State:    "X_LINK_UNBOOTED",
			Protocol: "X_LINK_USB_VSC",
			Platform: "sim",
		})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Discover returns every simulated device.
func (p *Provider) Discover(ctx context.Context) ([]device.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]device.Info(nil), p.devices...), nil
}

// Connect opens a session on info.
func (p *Provider) Connect(ctx context.Context, info device.Info) (device.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.connects <= p.connectFailures {
		return nil, fmt.Errorf("sim: connect %s: link reset (attempt %d)", info.ID, p.connects)
	}
	s := &Session{info: info, now: p.now, stalled: map[string]bool{}}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Connects returns how many times Connect was called.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Sessions returns every session opened so far, including closed ones.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

type output struct {
	spec     device.QueueSpec
	produced int64
}

// Session is a simulated device session.
type Session struct {
	info device.Info
	now  func() time.Time

	mu      sync.Mutex
	started time.Time
	outputs []*output
	stalled map[string]bool
	failErr error
	closed  bool
	inputs  []device.Delivery
}

// Info returns the device description.
func (s *Session) Info() device.Info { return s.info }

// Start records the configured output queues and starts the production
// clock.
func (s *Session) Start(_ context.Context, queues []device.QueueSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = s.now()
	s.outputs = s.outputs[:0]
	for _, q := range queues {
		if q.Direction == channel.Output {
			s.outputs = append(s.outputs, &output{spec: q})
		}
	}
	return nil
}

// PollOutputs returns the items each queue owes since the last poll.
func (s *Session) PollOutputs() ([]device.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("sim: device %s is closed", s.info.ID)
	}
	if s.failErr != nil {
		err := s.failErr
		s.failErr = nil
		return nil, err
	}
	if s.started.IsZero() {
		return nil, nil
	}

	elapsed := s.now().Sub(s.started).Seconds()
	var out []device.Delivery
	for _, o := range s.outputs {
		if o.spec.Rate <= 0 || s.stalled[o.spec.Queue] {
			continue
		}
		due := int64(elapsed*o.spec.Rate) - o.produced
		if due > maxBurst {
			o.produced += due - maxBurst
			due = maxBurst
		}
		for ; due > 0; due-- {
			o.produced++
			out = append(out, device.Delivery{Queue: o.spec.Queue, Item: s.item(o)})
		}
	}
	return out, nil
}

func (s *Session) item(o *output) channel.Item {
	seq := o.produced
	switch o.spec.Kind {
	case channel.KindStatistics:
		return channel.Item{Timestamp: s.now(), Payload: map[string]any{
			"device":      s.info.ID,
			"uptime_s":    s.now().Sub(s.started).Seconds(),
			"temperature": 42.0,
		}}
	case channel.KindIMU:
		return channel.Item{Timestamp: s.now(), Count: 4, Payload: []float64{0, 0, 9.81}}
	case channel.KindBinary:
		return channel.Item{Timestamp: s.now(), Payload: []byte(fmt.Sprintf("%s/%s#%d", s.info.ID, o.spec.ChannelID, seq))}
	default:
		return channel.Item{
			Sequence:    seq,
			HasSequence: true,
			Timestamp:   s.now(),
			Payload:     []byte(fmt.Sprintf("%s/%s#%d", s.info.ID, o.spec.ChannelID, seq)),
		}
	}
}

// Stall stops production on queue until Resume is called.
func (s *Session) Stall(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled[queue] = true
}

// Resume restarts production on a stalled queue. Items missed while stalled
// are skipped.
func (s *Session) Resume(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stalled, queue)
	elapsed := s.now().Sub(s.started).Seconds()
	for _, o := range s.outputs {
		if o.spec.Queue == queue {
			o.produced = int64(elapsed * o.spec.Rate)
		}
	}
}

// FailNextPoll makes the next PollOutputs return err.
func (s *Session) FailNextPoll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Send accepts an item for an input queue.
func (s *Session) Send(queue string, item channel.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sim: device %s is closed", s.info.ID)
	}
	s.inputs = append(s.inputs, device.Delivery{Queue: queue, Item: item})
	return nil
}

// Inputs returns everything sent to input queues.
func (s *Session) Inputs() []device.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]device.Delivery(nil), s.inputs...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes the session. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ device.Provider  = (*Provider)(nil)
	_ device.Session   = (*Session)(nil)
	_ device.Starter   = (*Session)(nil)
	_ device.InputSink = (*Session)(nil)
)
