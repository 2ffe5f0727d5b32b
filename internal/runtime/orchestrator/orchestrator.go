// Package orchestrator owns the live channel set of one connected device
// session. It routes polled deliveries to channels, derives the tick pacing
// from declared rates and reports channels that stopped producing.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/robohub/internal/runtime/channel"
	"github.com/drblury/robohub/internal/runtime/device"
	rherrors "github.com/drblury/robohub/internal/runtime/errors"
	"github.com/drblury/robohub/internal/runtime/ids"
	"github.com/drblury/robohub/internal/runtime/logging"
	"github.com/drblury/robohub/internal/runtime/synchronizer"
)

const (
	DefaultStuckTimeout = 60 * time.Second
	DefaultMaxInterval  = time.Second
)

// StreamSink receives payloads of published channels.
type StreamSink interface {
	SendStream(ctx context.Context, streamID string, payload []byte) error
	SendStatistics(ctx context.Context, deviceID string, stats any) error
}

// Observer is notified about items routed to channels.
type Observer interface {
	ItemsReceived(deviceID, channelID string, n int)
}

// Options configures an Orchestrator. Zero values pick defaults.
type Options struct {
	// ID identifies the orchestrator in channel handles. A ULID is generated
	// when empty.
	ID           string
	Namer        *channel.QueueNamer
	Clock        func() time.Time
	StuckTimeout time.Duration
	MaxInterval  time.Duration
	Logger       logging.ServiceLogger
	Observer     Observer
	SyncObserver synchronizer.Observer
	Streams      StreamSink
}

// HealthSample is a per-channel activity snapshot.
type HealthSample struct {
	Device       string        `json:"device"`
	Channel      string        `json:"channel"`
	Queue        string        `json:"queue"`
	Kind         string        `json:"kind"`
	DeclaredRate float64       `json:"declared_rate"`
	ObservedRate float64       `json:"observed_rate"`
	LastActivity time.Time     `json:"last_activity"`
	Idle         time.Duration `json:"idle"`
	Stuck        bool          `json:"stuck"`
}

type slot struct {
	ch           *channel.Channel
	registeredAt time.Time
}

// Orchestrator is the channel registry for one device session.
type Orchestrator struct {
	id      string
	session device.Session
	info    device.Info
	opts    Options
	logger  logging.ServiceLogger

	mu      sync.RWMutex
	slots   []slot
	byQueue map[string]int
	syncs   []*synchronizer.Synchronizer
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// New returns an orchestrator for session.
func New(session device.Session, opts Options) (*Orchestrator, error) {
	if session == nil {
		return nil, rherrors.ErrSessionRequired
	}
	if opts.ID == "" {
		opts.ID = ids.CreateULID()
	}
	if opts.Namer == nil {
		opts.Namer = channel.NewQueueNamer()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = DefaultStuckTimeout
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	info := session.Info()
	return &Orchestrator{
		id:      opts.ID,
		session: session,
		info:    info,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).With(logging.LogFields{"device": info.ID}),
		byQueue: make(map[string]int),
	}, nil
}

func (o *Orchestrator) ID() string              { return o.id }
func (o *Orchestrator) Device() device.Info     { return o.info }
func (o *Orchestrator) Session() device.Session { return o.session }

// CreateOutput creates and registers an output channel on a fresh queue.
func (o *Orchestrator) CreateOutput(id string, kind channel.Kind, rate float64) (*channel.Channel, error) {
	return o.create(id, o.opts.Namer.NextOutput(), kind, rate, channel.Output)
}

// CreateInput creates and registers an input channel on a fresh queue.
func (o *Orchestrator) CreateInput(id string, kind channel.Kind) (*channel.Channel, error) {
	return o.create(id, o.opts.Namer.NextInput(), kind, 0, channel.Input)
}

func (o *Orchestrator) create(id, queue string, kind channel.Kind, rate float64, dir channel.Direction) (*channel.Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, rherrors.ErrChannelClosed
	}
	ch := channel.New(id, queue, kind, rate,
		channel.WithDirection(dir),
		channel.WithClock(o.opts.Clock),
		channel.WithHandle(channel.Handle{Owner: o.id, Index: len(o.slots)}),
	)
	o.insertLocked(ch)
	return ch, nil
}

// RegisterOutput tracks an externally built output channel.
func (o *Orchestrator) RegisterOutput(ch *channel.Channel) error {
	return o.register(ch, channel.Output)
}

// RegisterInput tracks an externally built input channel.
func (o *Orchestrator) RegisterInput(ch *channel.Channel) error {
	return o.register(ch, channel.Input)
}

func (o *Orchestrator) register(ch *channel.Channel, dir channel.Direction) error {
	if ch == nil {
		return fmt.Errorf("register %s: nil channel", dir)
	}
	if ch.Direction() != dir {
		return fmt.Errorf("register %s: channel %s is an %s channel", dir, ch, ch.Direction())
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return rherrors.ErrChannelClosed
	}
	if _, dup := o.byQueue[ch.Queue()]; dup {
		return fmt.Errorf("register %s: queue %s already registered", dir, ch.Queue())
	}
	o.insertLocked(ch)
	return nil
}

func (o *Orchestrator) insertLocked(ch *channel.Channel) {
	o.byQueue[ch.Queue()] = len(o.slots)
	o.slots = append(o.slots, slot{ch: ch, registeredAt: o.opts.Clock()})
	o.logger.Debug("Channel registered", logging.LogFields{
		"channel":   ch.ID(),
		"queue":     ch.Queue(),
		"kind":      ch.Kind().String(),
		"direction": ch.Direction().String(),
	})
}

// Channel resolves a handle issued by this orchestrator.
func (o *Orchestrator) Channel(h channel.Handle) (*channel.Channel, bool) {
	if h.Owner != o.id {
		return nil, false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if h.Index < 0 || h.Index >= len(o.slots) {
		return nil, false
	}
	return o.slots[h.Index].ch, true
}

// Outputs returns the output channels in registration order.
func (o *Orchestrator) Outputs() []*channel.Channel { return o.channels(channel.Output) }

// Inputs returns the input channels in registration order.
func (o *Orchestrator) Inputs() []*channel.Channel { return o.channels(channel.Input) }

func (o *Orchestrator) channels(dir channel.Direction) []*channel.Channel {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*channel.Channel
	for _, s := range o.slots {
		if s.ch.Direction() == dir {
			out = append(out, s.ch)
		}
	}
	return out
}

// Synchronize attaches a synchronizer to channels. It is closed together
// with the orchestrator.
func (o *Orchestrator) Synchronize(channels []*channel.Channel, cb synchronizer.Callback, opts ...synchronizer.Option) (*synchronizer.Synchronizer, error) {
	base := []synchronizer.Option{synchronizer.WithLogger(o.logger)}
	if o.opts.SyncObserver != nil {
		base = append(base, synchronizer.WithObserver(o.opts.SyncObserver))
	}
	s, err := synchronizer.New(channels, cb, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		s.Close()
		return nil, rherrors.ErrChannelClosed
	}
	o.syncs = append(o.syncs, s)
	return s, nil
}

// Start hands the configured queues to sessions implementing device.Starter.
func (o *Orchestrator) Start(ctx context.Context) error {
	starter, ok := o.session.(device.Starter)
	if !ok {
		return nil
	}
	o.mu.RLock()
	specs := make([]device.QueueSpec, 0, len(o.slots))
	for _, s := range o.slots {
		specs = append(specs, device.QueueSpec{
			Queue:     s.ch.Queue(),
			ChannelID: s.ch.ID(),
			Kind:      s.ch.Kind(),
			Rate:      s.ch.DeclaredRate(),
			Direction: s.ch.Direction(),
		})
	}
	o.mu.RUnlock()
	if err := starter.Start(ctx, specs); err != nil {
		return fmt.Errorf("start device %s: %w", o.info.ID, err)
	}
	return nil
}

// PollTick drains the session once and routes every delivery to its channel.
// It reports whether any output channel received an item.
func (o *Orchestrator) PollTick(ctx context.Context) (bool, error) {
	deliveries, err := o.session.PollOutputs()
	if err != nil {
		return false, fmt.Errorf("poll device %s: %w", o.info.ID, err)
	}

	produced := false
	counts := map[*channel.Channel]int{}
	for _, d := range deliveries {
		ch := o.lookup(d.Queue)
		if ch == nil || ch.Direction() != channel.Output {
			o.logger.Trace("Skipping delivery", logging.LogFields{
				"queue": d.Queue,
				"error": rherrors.ErrUnknownQueue.Error(),
			})
			continue
		}
		ch.Deliver(d.Item)
		counts[ch] += d.Item.Samples()
		produced = true
		o.forward(ctx, ch, d.Item)
	}

	if o.opts.Observer != nil {
		for ch, n := range counts {
			o.opts.Observer.ItemsReceived(o.info.ID, ch.ID(), n)
		}
	}
	return produced, nil
}

func (o *Orchestrator) lookup(queue string) *channel.Channel {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return nil
	}
	idx, ok := o.byQueue[queue]
	if !ok {
		return nil
	}
	return o.slots[idx].ch
}

func (o *Orchestrator) forward(ctx context.Context, ch *channel.Channel, item channel.Item) {
	pub := ch.Published()
	if pub == nil || o.opts.Streams == nil {
		return
	}
	if pub.Kind() == channel.KindStatistics {
		if err := o.opts.Streams.SendStatistics(ctx, o.info.ID, item.Payload); err != nil {
			o.logger.Error("Failed to forward statistics", err, logging.LogFields{"channel": ch.ID()})
		}
		return
	}
	if !pub.Enabled() {
		return
	}
	payload, ok := item.Bytes()
	if !ok {
		o.logger.Debug("Published item has no byte payload", logging.LogFields{"channel": ch.ID()})
		return
	}
	if err := o.opts.Streams.SendStream(ctx, pub.ID(), payload); err != nil {
		o.logger.Error("Failed to forward stream", err, logging.LogFields{"channel": ch.ID(), "stream": pub.ID()})
	}
}

// MinInterval is the longest the caller may wait between polls without
// falling behind the fastest output.
func (o *Orchestrator) MinInterval() time.Duration {
	interval := o.opts.MaxInterval
	for _, ch := range o.Outputs() {
		if r := ch.DeclaredRate(); r > 0 {
			if d := time.Duration(float64(time.Second) / r); d < interval {
				interval = d
			}
		}
	}
	return interval
}

// CheckStuck returns the first output channel whose last activity is older
// than the stuck timeout. Channels that never produced count from their
// registration.
func (o *Orchestrator) CheckStuck(now time.Time) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, s := range o.slots {
		if s.ch.Direction() != channel.Output {
			continue
		}
		if now.Sub(lastActivity(s)) > o.opts.StuckTimeout {
			return s.ch.ID(), true
		}
	}
	return "", false
}

func lastActivity(s slot) time.Time {
	last := s.ch.LastReceived()
	if last.Before(s.registeredAt) {
		return s.registeredAt
	}
	return last
}

// Health returns one sample per output channel.
func (o *Orchestrator) Health(now time.Time) []HealthSample {
	o.mu.RLock()
	defer o.mu.RUnlock()
	samples := make([]HealthSample, 0, len(o.slots))
	for _, s := range o.slots {
		if s.ch.Direction() != channel.Output {
			continue
		}
		last := lastActivity(s)
		idle := now.Sub(last)
		samples = append(samples, HealthSample{
			Device:       o.info.ID,
			Channel:      s.ch.ID(),
			Queue:        s.ch.Queue(),
			Kind:         s.ch.Kind().String(),
			DeclaredRate: s.ch.DeclaredRate(),
			ObservedRate: s.ch.ObservedRate(),
			LastActivity: last,
			Idle:         idle,
			Stuck:        idle > o.opts.StuckTimeout,
		})
	}
	return samples
}

// PublishedStreams describes every published output.
func (o *Orchestrator) PublishedStreams() []channel.PublishedInfo {
	var out []channel.PublishedInfo
	for _, ch := range o.Outputs() {
		if pub := ch.Published(); pub != nil {
			out = append(out, pub.Info())
		}
	}
	return out
}

// SetStreamEnabled toggles the published stream with id. It reports whether
// the stream belongs to this orchestrator.
func (o *Orchestrator) SetStreamEnabled(id string, enabled bool) bool {
	for _, ch := range o.Outputs() {
		pub := ch.Published()
		if pub == nil || pub.ID() != id {
			continue
		}
		if enabled {
			pub.Enable()
		} else {
			pub.Disable()
		}
		return true
	}
	return false
}

// Send writes item to an input channel of this orchestrator.
func (o *Orchestrator) Send(ch *channel.Channel, item channel.Item) error {
	if ch == nil || ch.Direction() != channel.Input {
		return rherrors.ErrNotInput
	}
	if o.lookup(ch.Queue()) != ch {
		return fmt.Errorf("send to %s: %w", ch, rherrors.ErrUnknownQueue)
	}
	sink, ok := o.session.(device.InputSink)
	if !ok {
		return rherrors.ErrInputNotSupported
	}
	if err := sink.Send(ch.Queue(), item); err != nil {
		return fmt.Errorf("send to %s: %w", ch, err)
	}
	ch.Deliver(item)
	return nil
}

// Close detaches every listener, forgets all channels and closes the
// session. Safe to call more than once.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		syncs := o.syncs
		slots := o.slots
		o.syncs = nil
		o.slots = nil
		o.byQueue = map[string]int{}
		o.mu.Unlock()

		for _, s := range syncs {
			s.Close()
		}
		for _, s := range slots {
			s.ch.RemoveAllListeners()
		}
		if err := o.session.Close(); err != nil {
			o.closeErr = fmt.Errorf("close device %s: %w", o.info.ID, err)
		}
		o.logger.Debug("Orchestrator closed", logging.LogFields{"channels": len(slots)})
	})
	return o.closeErr
}
