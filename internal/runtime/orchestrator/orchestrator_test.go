package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/robohub/internal/runtime/channel"
	"github.com/drblury/robohub/internal/runtime/device"
	rherrors "github.com/drblury/robohub/internal/runtime/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type scriptedSession struct {
	mu      sync.Mutex
	info    device.Info
	batches [][]device.Delivery
	pollErr error
	started []device.QueueSpec
	sent    []device.Delivery
	closes  int
}

func (s *scriptedSession) Info() device.Info { return s.info }

func (s *scriptedSession) queue(ds ...device.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, ds)
}

func (s *scriptedSession) PollOutputs() ([]device.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	next := s.batches[0]
	s.batches = s.batches[1:]
	return next, nil
}

func (s *scriptedSession) Start(_ context.Context, specs []device.QueueSpec) error {
	s.started = specs
	return nil
}

func (s *scriptedSession) Send(queue string, item channel.Item) error {
	s.sent = append(s.sent, device.Delivery{Queue: queue, Item: item})
	return nil
}

func (s *scriptedSession) Close() error {
	s.closes++
	return nil
}

type pollOnlySession struct{ info device.Info }

func (p *pollOnlySession) Info() device.Info                       { return p.info }
func (p *pollOnlySession) PollOutputs() ([]device.Delivery, error) { return nil, nil }
func (p *pollOnlySession) Close() error                            { return nil }

type sinkRecorder struct {
	streams map[string][][]byte
	stats   []any
}

func (r *sinkRecorder) SendStream(_ context.Context, id string, payload []byte) error {
	if r.streams == nil {
		r.streams = map[string][][]byte{}
	}
	r.streams[id] = append(r.streams[id], payload)
	return nil
}

func (r *sinkRecorder) SendStatistics(_ context.Context, _ string, stats any) error {
	r.stats = append(r.stats, stats)
	return nil
}

type itemCounter map[string]int

func (c itemCounter) ItemsReceived(_, channelID string, n int) { c[channelID] += n }

func newTestOrchestrator(t *testing.T, clock *fakeClock, opts Options) (*Orchestrator, *scriptedSession) {
	t.Helper()
	sess := &scriptedSession{info: device.Info{ID: "cam-1"}}
	opts.Clock = clock.Now
	o, err := New(sess, opts)
	require.NoError(t, err)
	return o, sess
}

func TestNewRequiresSession(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, rherrors.ErrSessionRequired)
}

func TestCreateChannelsUseNamerAndHandles(t *testing.T) {
	namer := channel.NewQueueNamer()
	o, sess := newTestOrchestrator(t, newFakeClock(), Options{ID: "orch-a", Namer: namer})

	color, err := o.CreateOutput("color", channel.KindFrame, 30)
	require.NoError(t, err)
	nn, err := o.CreateOutput("nn", channel.KindDetection, 10)
	require.NoError(t, err)
	ctrl, err := o.CreateInput("ctrl", channel.KindBinary)
	require.NoError(t, err)

	assert.Equal(t, "_out_1", color.Queue())
	assert.Equal(t, "_out_2", nn.Queue())
	assert.Equal(t, "_in_1", ctrl.Queue())
	assert.Equal(t, channel.Handle{Owner: "orch-a", Index: 1}, nn.Handle())

	got, ok := o.Channel(nn.Handle())
	require.True(t, ok)
	assert.Same(t, nn, got)
	_, ok = o.Channel(channel.Handle{Owner: "other", Index: 1})
	assert.False(t, ok)
	_, ok = o.Channel(channel.Handle{Owner: "orch-a", Index: 9})
	assert.False(t, ok)

	assert.Equal(t, []*channel.Channel{color, nn}, o.Outputs())
	assert.Equal(t, []*channel.Channel{ctrl}, o.Inputs())

	require.NoError(t, o.Start(context.Background()))
	require.Len(t, sess.started, 3)
	assert.Equal(t, device.QueueSpec{Queue: "_out_1", ChannelID: "color", Kind: channel.KindFrame, Rate: 30, Direction: channel.Output}, sess.started[0])
	assert.Equal(t, channel.Input, sess.started[2].Direction)

	// A second orchestrator sharing the namer never reuses queue names.
	o2, _ := newTestOrchestrator(t, newFakeClock(), Options{Namer: namer})
	other, err := o2.CreateOutput("color", channel.KindFrame, 30)
	require.NoError(t, err)
	assert.Equal(t, "_out_3", other.Queue())
}

func TestRegisterValidatesDirectionAndDuplicates(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeClock(), Options{})

	out := channel.New("depth", "_out_9", channel.KindFrame, 15)
	in := channel.New("cfg", "_in_9", channel.KindBinary, 0, channel.WithDirection(channel.Input))

	require.NoError(t, o.RegisterOutput(out))
	require.NoError(t, o.RegisterInput(in))
	assert.ErrorContains(t, o.RegisterOutput(out), "already registered")
	assert.ErrorContains(t, o.RegisterOutput(in), "is an input channel")
	assert.ErrorContains(t, o.RegisterInput(out), "is an output channel")
	assert.Error(t, o.RegisterOutput(nil))
}

func TestPollTickRoutesDeliveriesInArrivalOrder(t *testing.T) {
	counts := itemCounter{}
	o, sess := newTestOrchestrator(t, newFakeClock(), Options{Observer: counts})
	color, err := o.CreateOutput("color", channel.KindFrame, 30)
	require.NoError(t, err)
	imu, err := o.CreateOutput("imu", channel.KindIMU, 100)
	require.NoError(t, err)

	var seen []int64
	color.AddListener(func(item channel.Item) { seen = append(seen, item.Sequence) })

	produced, err := o.PollTick(context.Background())
	require.NoError(t, err)
	assert.False(t, produced)

	sess.queue(
		device.Delivery{Queue: color.Queue(), Item: channel.Sequenced(1, "a")},
		device.Delivery{Queue: "_out_404", Item: channel.Sequenced(1, "lost")},
		device.Delivery{Queue: color.Queue(), Item: channel.Sequenced(2, "b")},
		device.Delivery{Queue: imu.Queue(), Item: channel.Item{Count: 4}},
	)
	produced, err = o.PollTick(context.Background())
	require.NoError(t, err)
	assert.True(t, produced)
	assert.Equal(t, []int64{1, 2}, seen)

	last, ok := color.Last()
	require.True(t, ok)
	assert.Equal(t, "b", last.Payload)
	assert.Equal(t, itemCounter{"color": 2, "imu": 4}, counts)

	sess.queue(device.Delivery{Queue: "_out_404", Item: channel.Sequenced(3, nil)})
	produced, err = o.PollTick(context.Background())
	require.NoError(t, err)
	assert.False(t, produced, "unknown queues do not count as new data")
}

func TestPollTickPropagatesSessionErrors(t *testing.T) {
	o, sess := newTestOrchestrator(t, newFakeClock(), Options{})
	boom := errors.New("usb disconnected")
	sess.pollErr = boom

	_, err := o.PollTick(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "poll device cam-1")
}

func TestPollTickFeedsSynchronizer(t *testing.T) {
	o, sess := newTestOrchestrator(t, newFakeClock(), Options{})
	a, _ := o.CreateOutput("a", channel.KindFrame, 10)
	b, _ := o.CreateOutput("b", channel.KindDetection, 10)

	var fired []int64
	_, err := o.Synchronize([]*channel.Channel{a, b}, func(items []channel.Item) {
		fired = append(fired, items[0].Sequence)
	})
	require.NoError(t, err)

	sess.queue(
		device.Delivery{Queue: a.Queue(), Item: channel.Sequenced(1, nil)},
		device.Delivery{Queue: b.Queue(), Item: channel.Sequenced(1, nil)},
		device.Delivery{Queue: a.Queue(), Item: channel.Sequenced(2, nil)},
		device.Delivery{Queue: a.Queue(), Item: channel.Sequenced(3, nil)},
	)
	sess.queue(device.Delivery{Queue: b.Queue(), Item: channel.Sequenced(2, nil)})

	_, err = o.PollTick(context.Background())
	require.NoError(t, err)
	_, err = o.PollTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, fired)

	_, err = o.Synchronize([]*channel.Channel{a}, nil)
	assert.ErrorIs(t, err, rherrors.ErrTooFewChannels)
}

func TestMinInterval(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeClock(), Options{})
	assert.Equal(t, time.Second, o.MinInterval(), "no rates yields the max interval")

	_, _ = o.CreateOutput("slow", channel.KindStatistics, 0.5)
	assert.Equal(t, time.Second, o.MinInterval())

	_, _ = o.CreateOutput("nn", channel.KindDetection, 10)
	_, _ = o.CreateOutput("color", channel.KindFrame, 40)
	_, _ = o.CreateInput("ctrl", channel.KindBinary)
	assert.Equal(t, 25*time.Millisecond, o.MinInterval())

	capped, _ := newTestOrchestrator(t, newFakeClock(), Options{MaxInterval: 10 * time.Millisecond})
	_, _ = capped.CreateOutput("color", channel.KindFrame, 30)
	assert.Equal(t, 10*time.Millisecond, capped.MinInterval())
}

func TestCheckStuckReportsSilentChannel(t *testing.T) {
	clock := newFakeClock()
	o, sess := newTestOrchestrator(t, clock, Options{})
	a, _ := o.CreateOutput("A", channel.KindFrame, 30)
	b, _ := o.CreateOutput("B", channel.KindFrame, 30)
	_, _ = o.CreateInput("ctrl", channel.KindBinary)

	_, stuck := o.CheckStuck(clock.Now())
	assert.False(t, stuck)

	sess.queue(
		device.Delivery{Queue: a.Queue(), Item: channel.Sequenced(1, nil)},
		device.Delivery{Queue: b.Queue(), Item: channel.Sequenced(1, nil)},
	)
	_, err := o.PollTick(context.Background())
	require.NoError(t, err)

	for i := 0; i < 61; i++ {
		clock.Advance(time.Second)
		sess.queue(device.Delivery{Queue: a.Queue(), Item: channel.Sequenced(int64(i+2), nil)})
		_, err := o.PollTick(context.Background())
		require.NoError(t, err)
		if i < 59 {
			_, stuck := o.CheckStuck(clock.Now())
			require.False(t, stuck, "second %d", i+1)
		}
	}

	id, stuck := o.CheckStuck(clock.Now())
	require.True(t, stuck)
	assert.Equal(t, "B", id)

	health := o.Health(clock.Now())
	require.Len(t, health, 2)
	assert.Equal(t, "A", health[0].Channel)
	assert.False(t, health[0].Stuck)
	assert.Zero(t, health[0].Idle)
	assert.True(t, health[1].Stuck)
	assert.Equal(t, 61*time.Second, health[1].Idle)
	assert.Equal(t, "frame", health[1].Kind)
	assert.InDelta(t, 1.0, health[0].ObservedRate, 0.01)
}

func TestCheckStuckCountsFromRegistration(t *testing.T) {
	clock := newFakeClock()
	o, _ := newTestOrchestrator(t, clock, Options{StuckTimeout: 5 * time.Second})

	clock.Advance(time.Hour)
	_, _ = o.CreateOutput("late", channel.KindFrame, 30)

	clock.Advance(5 * time.Second)
	_, stuck := o.CheckStuck(clock.Now())
	assert.False(t, stuck)

	clock.Advance(time.Millisecond)
	id, stuck := o.CheckStuck(clock.Now())
	assert.True(t, stuck)
	assert.Equal(t, "late", id)
}

func TestPublishedStreamsAreForwarded(t *testing.T) {
	sink := &sinkRecorder{}
	o, sess := newTestOrchestrator(t, newFakeClock(), Options{Streams: sink})
	video, _ := o.CreateOutput("video", channel.KindEncoded, 30)
	sys, _ := o.CreateOutput("sys", channel.KindStatistics, 1)
	_, _ = o.CreateOutput("nn", channel.KindDetection, 10)

	pub, err := video.Publish("main camera")
	require.NoError(t, err)
	_, err = sys.Publish("system")
	require.NoError(t, err)

	streams := o.PublishedStreams()
	require.Len(t, streams, 2)
	assert.Equal(t, pub.ID(), streams[0].ID)
	assert.False(t, streams[0].Enabled)

	sess.queue(
		device.Delivery{Queue: video.Queue(), Item: channel.Sequenced(1, []byte("f1"))},
		device.Delivery{Queue: sys.Queue(), Item: channel.Unsequenced(map[string]any{"cpu": 0.5})},
	)
	_, err = o.PollTick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sink.streams, "disabled streams are not forwarded")
	assert.Len(t, sink.stats, 1)

	assert.True(t, o.SetStreamEnabled(pub.ID(), true))
	assert.False(t, o.SetStreamEnabled("unknown", true))

	sess.queue(
		device.Delivery{Queue: video.Queue(), Item: channel.Sequenced(2, []byte("f2"))},
		device.Delivery{Queue: video.Queue(), Item: channel.Sequenced(3, 42)},
	)
	_, err = o.PollTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("f2")}, sink.streams[pub.ID()])

	assert.True(t, o.SetStreamEnabled(pub.ID(), false))
	assert.False(t, pub.Enabled())
}

func TestSendRoutesToInputSink(t *testing.T) {
	o, sess := newTestOrchestrator(t, newFakeClock(), Options{})
	ctrl, _ := o.CreateInput("ctrl", channel.KindBinary)
	color, _ := o.CreateOutput("color", channel.KindFrame, 30)

	require.NoError(t, o.Send(ctrl, channel.Unsequenced([]byte("focus=auto"))))
	require.Len(t, sess.sent, 1)
	assert.Equal(t, ctrl.Queue(), sess.sent[0].Queue)
	last, ok := ctrl.Last()
	require.True(t, ok)
	assert.Equal(t, []byte("focus=auto"), last.Payload)

	assert.ErrorIs(t, o.Send(color, channel.Unsequenced(nil)), rherrors.ErrNotInput)
	stranger := channel.New("x", "_in_77", channel.KindBinary, 0, channel.WithDirection(channel.Input))
	assert.ErrorIs(t, o.Send(stranger, channel.Unsequenced(nil)), rherrors.ErrUnknownQueue)

	plain, err := New(&pollOnlySession{info: device.Info{ID: "cam-2"}}, Options{})
	require.NoError(t, err)
	in, _ := plain.CreateInput("ctrl", channel.KindBinary)
	assert.ErrorIs(t, plain.Send(in, channel.Unsequenced(nil)), rherrors.ErrInputNotSupported)
	assert.NoError(t, plain.Start(context.Background()))
}

func TestCloseDetachesEverything(t *testing.T) {
	o, sess := newTestOrchestrator(t, newFakeClock(), Options{})
	a, _ := o.CreateOutput("a", channel.KindFrame, 10)
	b, _ := o.CreateOutput("b", channel.KindFrame, 10)
	a.AddListener(func(channel.Item) {})
	s, err := o.Synchronize([]*channel.Channel{a, b}, func([]channel.Item) {})
	require.NoError(t, err)
	assert.Equal(t, 2, a.ListenerCount())

	require.NoError(t, o.Close())
	require.NoError(t, o.Close())

	assert.Equal(t, 1, sess.closes)
	assert.Zero(t, a.ListenerCount())
	assert.Zero(t, b.ListenerCount())
	assert.Empty(t, o.Outputs())
	assert.Zero(t, s.Stats().Pending)

	_, err = o.CreateOutput("c", channel.KindFrame, 10)
	assert.ErrorIs(t, err, rherrors.ErrChannelClosed)
	assert.ErrorIs(t, o.RegisterOutput(channel.New("d", "_out_50", channel.KindFrame, 1)), rherrors.ErrChannelClosed)
	_, err = o.Synchronize([]*channel.Channel{a, b}, nil)
	assert.ErrorIs(t, err, rherrors.ErrChannelClosed)

	sess.queue(device.Delivery{Queue: a.Queue(), Item: channel.Sequenced(1, nil)})
	produced, err := o.PollTick(context.Background())
	require.NoError(t, err)
	assert.False(t, produced)
}
