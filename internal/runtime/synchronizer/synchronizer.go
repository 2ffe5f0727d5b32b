// Package synchronizer correlates items from several device channels that
// were captured at the same instant. Items are grouped by capture sequence
// number; once every channel contributed to a group the callback fires with
// one item per channel, in channel declaration order.
//
// Completion is monotonic: callbacks never go backwards in sequence and a
// sequence is emitted at most once. Groups older than the last completed
// one are discarded, and the number of pending groups is bounded.
package synchronizer

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/drblury/robohub/internal/runtime/channel"
	rherrors "github.com/drblury/robohub/internal/runtime/errors"
	"github.com/drblury/robohub/internal/runtime/logging"
)

// MaxCapacity caps the correlation window when channel rates are high or
// unknown.
const MaxCapacity = 30

// Drop reasons reported to an Observer.
const (
	DropStale      = "stale"
	DropEvicted    = "evicted"
	DropSuperseded = "superseded"
	DropOrphaned   = "orphaned"
)

// Callback receives one item per channel, in the order the channels were
// given to New. It must not deliver into the synchronizer's own channels.
type Callback func(items []channel.Item)

// Observer is notified about completions and dropped groups or items.
type Observer interface {
	SyncCompleted(name string)
	SyncDropped(name, reason string, n int)
}

// Stats is a point-in-time view of a synchronizer.
type Stats struct {
	Completed  uint64 `json:"completed"`
	Stale      uint64 `json:"stale"`
	Evicted    uint64 `json:"evicted"`
	Superseded uint64 `json:"superseded"`
	Orphaned   uint64 `json:"orphaned"`
	Pending    int    `json:"pending"`
	Capacity   int    `json:"capacity"`
	// LastCompleted is -1 until the first group completes.
	LastCompleted int64 `json:"last_completed"`
}

type group struct {
	seq    int64
	items  []channel.Item
	filled []bool
	count  int
}

func newGroup(seq int64, n int) *group {
	return &group{seq: seq, items: make([]channel.Item, n), filled: make([]bool, n)}
}

func (g *group) set(k int, item channel.Item) {
	if !g.filled[k] {
		g.filled[k] = true
		g.count++
	}
	g.items[k] = item
}

func (g *group) complete() bool { return g.count == len(g.items) }

// Synchronizer is a sequence-correlated multi-channel join.
type Synchronizer struct {
	name     string
	channels []*channel.Channel
	callback Callback
	capacity int
	logger   logging.ServiceLogger
	observer Observer

	mu            sync.Mutex
	window        []*group
	lastCompleted int64
	hasCompleted  bool

	// emitMu is taken before mu is released so callbacks run one at a
	// time and in completion order.
	emitMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	removers  []func()

	completed  atomic.Uint64
	stale      atomic.Uint64
	evicted    atomic.Uint64
	superseded atomic.Uint64
	orphaned   atomic.Uint64
	pending    atomic.Int64
	watermark  atomic.Int64
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithName sets the name used in logs and metrics.
func WithName(name string) Option {
	return func(s *Synchronizer) { s.name = name }
}

// WithCapacity overrides the window capacity derived from channel rates.
func WithCapacity(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(s *Synchronizer) { s.logger = logger }
}

// WithObserver sets the completion/drop observer.
func WithObserver(o Observer) Option {
	return func(s *Synchronizer) { s.observer = o }
}

// New attaches a synchronizer to channels. At least two channels are
// required.
func New(channels []*channel.Channel, cb Callback, opts ...Option) (*Synchronizer, error) {
	if len(channels) < 2 {
		return nil, rherrors.ErrTooFewChannels
	}
	s := &Synchronizer{
		channels: append([]*channel.Channel(nil), channels...),
		callback: cb,
		capacity: Capacity(channels),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	if s.name == "" {
		ids := make([]string, len(channels))
		for i, ch := range channels {
			ids[i] = ch.ID()
		}
		s.name = strings.Join(ids, "+")
	}
	s.watermark.Store(-1)

	for k, ch := range s.channels {
		s.removers = append(s.removers, ch.AddListener(func(item channel.Item) {
			s.add(k, item)
		}))
	}
	return s, nil
}

// Capacity returns the window capacity for channels: the lowest positive
// declared rate, capped at MaxCapacity and at least one.
func Capacity(channels []*channel.Channel) int {
	lowest := 0.0
	for _, ch := range channels {
		r := ch.DeclaredRate()
		if r > 0 && (lowest == 0 || r < lowest) {
			lowest = r
		}
	}
	if lowest == 0 || lowest > MaxCapacity {
		return MaxCapacity
	}
	if lowest < 1 {
		return 1
	}
	return int(lowest)
}

// Name returns the synchronizer name.
func (s *Synchronizer) Name() string { return s.name }

// Channels returns the participating channels in declaration order.
func (s *Synchronizer) Channels() []*channel.Channel {
	return append([]*channel.Channel(nil), s.channels...)
}

// Add feeds item as if channel k had delivered it. Listeners call it; tests
// and replay tools may call it directly.
func (s *Synchronizer) Add(k int, item channel.Item) {
	if k < 0 || k >= len(s.channels) {
		return
	}
	s.add(k, item)
}

func (s *Synchronizer) add(k int, item channel.Item) {
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	g := s.locate(item)
	if g == nil {
		s.mu.Unlock()
		return
	}
	g.set(k, item)
	if !g.complete() {
		s.mu.Unlock()
		return
	}

	s.finish(g)
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()

	if s.observer != nil {
		s.observer.SyncCompleted(s.name)
	}
	if s.callback != nil {
		s.callback(g.items)
	}
}

// locate returns the group item belongs to, creating it when needed, or nil
// when the item is dropped. Called with mu held.
func (s *Synchronizer) locate(item channel.Item) *group {
	if !item.HasSequence {
		if len(s.window) == 0 {
			s.orphaned.Add(1)
			s.drop(DropOrphaned, 1)
			return nil
		}
		return s.window[len(s.window)-1]
	}

	seq := item.Sequence
	if s.hasCompleted && seq <= s.lastCompleted {
		s.stale.Add(1)
		s.drop(DropStale, 1)
		return nil
	}

	idx := sort.Search(len(s.window), func(i int) bool { return s.window[i].seq >= seq })
	if idx < len(s.window) && s.window[idx].seq == seq {
		return s.window[idx]
	}

	g := newGroup(seq, len(s.channels))
	s.window = append(s.window, nil)
	copy(s.window[idx+1:], s.window[idx:])
	s.window[idx] = g

	if over := len(s.window) - s.capacity; over > 0 {
		evictedSelf := s.window[over-1].seq >= seq
		s.window = append(s.window[:0], s.window[over:]...)
		s.evicted.Add(uint64(over))
		s.drop(DropEvicted, over)
		s.logger.Trace("Correlation window full, evicted oldest groups", logging.LogFields{
			"synchronizer": s.name,
			"evicted":      over,
		})
		if evictedSelf {
			s.pending.Store(int64(len(s.window)))
			return nil
		}
	}
	s.pending.Store(int64(len(s.window)))
	return g
}

// finish removes g and every older group. Called with mu held.
func (s *Synchronizer) finish(g *group) {
	idx := sort.Search(len(s.window), func(i int) bool { return s.window[i].seq >= g.seq })
	if idx > 0 {
		s.superseded.Add(uint64(idx))
		s.drop(DropSuperseded, idx)
	}
	s.window = append(s.window[:0], s.window[idx+1:]...)
	s.lastCompleted = g.seq
	s.hasCompleted = true
	s.completed.Add(1)
	s.pending.Store(int64(len(s.window)))
	s.watermark.Store(g.seq)
}

func (s *Synchronizer) drop(reason string, n int) {
	if s.observer != nil {
		s.observer.SyncDropped(s.name, reason, n)
	}
}

// Stats returns the current counters. It is safe to call from the callback.
func (s *Synchronizer) Stats() Stats {
	return Stats{
		Completed:     s.completed.Load(),
		Stale:         s.stale.Load(),
		Evicted:       s.evicted.Load(),
		Superseded:    s.superseded.Load(),
		Orphaned:      s.orphaned.Load(),
		Pending:       int(s.pending.Load()),
		Capacity:      s.capacity,
		LastCompleted: s.watermark.Load(),
	}
}

// Close detaches the synchronizer from its channels. Items delivered after
// Close are ignored. Safe to call more than once.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		for _, remove := range s.removers {
			remove()
		}
	})
}
