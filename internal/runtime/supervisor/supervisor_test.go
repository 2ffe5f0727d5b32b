package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/robohub/internal/runtime/agent"
	"github.com/drblury/robohub/internal/runtime/channel"
	"github.com/drblury/robohub/internal/runtime/config"
	"github.com/drblury/robohub/internal/runtime/device"
	"github.com/drblury/robohub/internal/runtime/device/sim"
	rherrors "github.com/drblury/robohub/internal/runtime/errors"
	"github.com/drblury/robohub/internal/runtime/orchestrator"
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

type fakeReporter struct {
	agent.Nop
	mu       sync.Mutex
	failures []agent.Failure
	online   []agent.OnlineStatus
	health   []agent.HealthReport
	devices  []device.Info
	events   chan agent.Event
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{events: make(chan agent.Event, 8)}
}

func (r *fakeReporter) ReportFailure(_ context.Context, f agent.Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return nil
}

func (r *fakeReporter) ReportOnline(_ context.Context, s agent.OnlineStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = append(r.online, s)
	return nil
}

func (r *fakeReporter) ReportHealth(_ context.Context, h agent.HealthReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = append(r.health, h)
	return nil
}

func (r *fakeReporter) ReportDevice(_ context.Context, info device.Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, info)
	return nil
}

func (r *fakeReporter) Events() <-chan agent.Event { return r.events }

func (r *fakeReporter) failuresOf(kind agent.FailureKind) []agent.Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agent.Failure
	for _, f := range r.failures {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

type recordingObserver struct {
	mu         sync.Mutex
	ticks      int
	categories []string
	states     []string
	health     int
}

func (o *recordingObserver) RecordTick(bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ticks++
}

func (o *recordingObserver) RecordFailure(category string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.categories = append(o.categories, category)
}

func (o *recordingObserver) SetState(state string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) ObserveHealth([]orchestrator.HealthSample) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.health++
}

func (o *recordingObserver) ForgetChannels() {}

// twoFrameOutputs creates two 1 Hz frame outputs per device and stores them
// in the returned map keyed by channel id.
func twoFrameOutputs(t *testing.T) (Hooks, map[string]*channel.Channel) {
	t.Helper()
	var mu sync.Mutex
	channels := map[string]*channel.Channel{}
	return Hooks{OnSetup: func(o *orchestrator.Orchestrator) error {
		for _, id := range []string{"a", "b"} {
			ch, err := o.CreateOutput(id, channel.KindFrame, 1)
			if err != nil {
				return err
			}
			mu.Lock()
			channels[id] = ch
			mu.Unlock()
		}
		return nil
	}}, channels
}

func newTestSupervisor(t *testing.T, cfg config.Config, provider device.Provider, opts ...Option) *Supervisor {
	t.Helper()
	s, err := New(cfg, provider, opts...)
	require.NoError(t, err)
	return s
}

func stepUntil(t *testing.T, s *Supervisor, want State, maxSteps int) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		if s.State() == want {
			return
		}
		s.Step(context.Background())
	}
	require.Equal(t, want, s.State(), "state not reached after %d steps", maxSteps)
}

func TestNewValidates(t *testing.T) {
	_, err := New(config.Config{DeviceIDs: []string{"cam-1"}}, nil)
	assert.ErrorIs(t, err, rherrors.ErrProviderRequired)

	_, err = New(config.Config{DeviceIDs: []string{"cam-1", "cam-1"}}, sim.New(nil))
	assert.ErrorContains(t, err, "duplicate device id")

	s, err := New(config.Config{RunWithoutDevices: true}, nil)
	require.NoError(t, err)
	assert.Len(t, s.Config().AppID, 26)
	assert.Equal(t, config.DefaultMaxFailures, s.Config().MaxFailures)
	assert.Equal(t, StateIdle, s.State())
}

func TestRecoversAfterNineConnectFailures(t *testing.T) {
	clock := newFakeClock()
	provider := sim.New([]string{"cam-1"}, sim.WithClock(clock.Now), sim.WithConnectFailures(9))
	reporter := newFakeReporter()
	s := newTestSupervisor(t, config.Config{DeviceIDs: []string{"cam-1"}}, provider,
		WithClock(clock.Now), WithReporter(reporter))

	stepUntil(t, s, StateTicking, 100)

	assert.Equal(t, 10, provider.Connects())
	assert.Equal(t, 0, s.Failures())
	assert.Len(t, reporter.failuresOf(agent.FailureTransient), 9)
	assert.Empty(t, reporter.failuresOf(agent.FailureExhausted))
	require.Len(t, reporter.devices, 1)
	assert.Equal(t, "cam-1", reporter.devices[0].ID)
	assert.NotEmpty(t, reporter.online)
}

func TestStopsAfterTenFailures(t *testing.T) {
	clock := newFakeClock()
	provider := sim.New([]string{"cam-1"}, sim.WithClock(clock.Now), sim.WithConnectFailures(10))
	reporter := newFakeReporter()
	exits := 0
	s := newTestSupervisor(t, config.Config{DeviceIDs: []string{"cam-1"}}, provider,
		WithClock(clock.Now),
		WithReporter(reporter),
		WithHooks(Hooks{OnExit: func() { exits++ }}),
	)

	stepUntil(t, s, StateStopped, 100)

	assert.Equal(t, 10, provider.Connects())
	assert.Equal(t, 10, s.Failures())
	assert.Len(t, reporter.failuresOf(agent.FailureTransient), 10)
	exhausted := reporter.failuresOf(agent.FailureExhausted)
	require.Len(t, exhausted, 1)
	assert.Contains(t, exhausted[0].Message(), "Application stopped after 10 failures")
	assert.ErrorContains(t, s.Err(), "gave up after 10 failures")
	assert.Equal(t, 1, exits)

	// further steps are no-ops
	assert.Zero(t, s.Step(context.Background()))
	assert.Equal(t, 1, exits)
}

func TestStuckChannelTriggersRecovery(t *testing.T) {
	clock := newFakeClock()
	provider := sim.New([]string{"cam-1"}, sim.WithClock(clock.Now))
	observer := &recordingObserver{}
	reporter := newFakeReporter()
	hooks, channels := twoFrameOutputs(t)
	s := newTestSupervisor(t, config.Config{DeviceIDs: []string{"cam-1"}}, provider,
		WithClock(clock.Now), WithReporter(reporter), WithObserver(observer), WithHooks(hooks))

	stepUntil(t, s, StateTicking, 10)
	clock.Advance(time.Second)
	s.Step(context.Background())
	require.Equal(t, StateTicking, s.State())

	session := provider.Sessions()[0]
	session.Stall(channels["b"].Queue())
	stalledAt := clock.Now()

	for i := 0; i < 70 && s.State() == StateTicking; i++ {
		clock.Advance(time.Second)
		s.Step(context.Background())
	}

	require.Equal(t, StateRecovering, s.State())
	idle := clock.Now().Sub(stalledAt)
	assert.Greater(t, idle, config.DefaultStuckTimeout)
	assert.LessOrEqual(t, idle, config.DefaultStuckTimeout+2*time.Second)
	assert.True(t, session.Closed())
	assert.Equal(t, 1, s.Failures())
	assert.Equal(t, []string{string(rherrors.CategoryStuck)}, observer.categories)

	transient := reporter.failuresOf(agent.FailureTransient)
	require.Len(t, transient, 1)
	assert.ErrorIs(t, transient[0].Err, rherrors.ErrStuckChannel)
	assert.ErrorContains(t, transient[0].Err, "channel b on device cam-1")
	assert.NotEmpty(t, reporter.health)
	assert.Positive(t, observer.health)

	// the next cycle reconnects a fresh session
	stepUntil(t, s, StateTicking, 10)
	assert.Len(t, provider.Sessions(), 2)
}

func TestOnUpdateRunsOncePerProducingTick(t *testing.T) {
	clock := newFakeClock()
	provider := sim.New([]string{"cam-1"}, sim.WithClock(clock.Now))
	hooks, _ := twoFrameOutputs(t)
	updates := 0
	hooks.OnUpdate = func() error {
		updates++
		return nil
	}
	s := newTestSupervisor(t, config.Config{DeviceIDs: []string{"cam-1"}}, provider,
		WithClock(clock.Now), WithHooks(hooks))

	stepUntil(t, s, StateTicking, 10)
	s.Step(context.Background())
	assert.Zero(t, updates, "nothing produced yet")

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		s.Step(context.Background())
	}
	assert.Equal(t, 3, updates)

	s.Step(context.Background())
	assert.Equal(t, 3, updates)
}

func TestTickDelayFollowsFastestChannel(t *testing.T) {
	clock := newFakeClock()
	provider := sim.New([]string{"cam-1"}, sim.WithClock(clock.Now))
	s := newTestSupervisor(t, config.Config{DeviceIDs: []string{"cam-1"}}, provider,
		WithClock(clock.Now),
		WithHooks(Hooks{OnSetup: func(o *orchestrator.Orchestrator) error {
			_, err := o.CreateOutput("rgb", channel.KindFrame, 20)
			return err
		}}),
	)
	stepUntil(t, s, StateTicking, 10)
	assert.Equal(t, 50*time.Millisecond, s.Step(context.Background()))
}

func TestNoDevicesIsFatal(t *testing.T) {
	reporter := newFakeReporter()
	observer := &recordingObserver{}
	exits := 0
	s := newTestSupervisor(t, config.Config{}, sim.New(nil),
		WithReporter(reporter),
		WithObserver(observer),
		WithHooks(Hooks{OnExit: func() { exits++ }}),
	)

	stepUntil(t, s, StateStopped, 5)

	assert.ErrorIs(t, s.Err(), rherrors.ErrNoDevices)
	assert.Equal(t, 1, exits)
	assert.Zero(t, s.Failures())
	fatal := reporter.failuresOf(agent.FailureFatal)
	require.Len(t, fatal, 1)
	assert.Contains(t, fatal[0].Message(), "Application cannot start")
	assert.Equal(t, []string{string(rherrors.CategoryFatal)}, observer.categories)
	assert.Equal(t, "stopped", observer.states[len(observer.states)-1])
}

func TestFatalHookErrorStops(t *testing.T) {
	provider := sim.New([]string{"cam-1"})
	s := newTestSupervisor(t, config.Config{DeviceIDs: []string{"cam-1"}}, provider,
		WithHooks(Hooks{OnInitialize: func([]device.Info) error {
			return rherrors.Fatal(errors.New("model file missing"))
		}}),
	)
	stepUntil(t, s, StateStopped, 5)
	assert.True(t, rherrors.IsFatal(s.Err()))
	assert.Zero(t, provider.Connects())
}

func TestHookPanicIsRecovered(t *testing.T) {
	provider := sim.New([]string{"cam-1"})
	reporter := newFakeReporter()
	s := newTestSupervisor(t, config.Config{DeviceIDs: []string{"cam-1"}}, provider,
		WithReporter(reporter),
		WithHooks(Hooks{OnSetup: func(*orchestrator.Orchestrator) error { panic("nil model") }}),
	)

	stepUntil(t, s, StateRecovering, 5)

	assert.Equal(t, 1, s.Failures())
	transient := reporter.failuresOf(agent.FailureTransient)
	require.Len(t, transient, 1)
	var panicErr *rherrors.HookPanicError
	require.ErrorAs(t, transient[0].Err, &panicErr)
	assert.Equal(t, "OnSetup", panicErr.Hook)
	assert.True(t, provider.Sessions()[0].Closed())
}

func TestMissingDeviceIsReportedAndThrottled(t *testing.T) {
	clock := newFakeClock()
	provider := sim.New([]string{"cam-1"}, sim.WithClock(clock.Now))
	reporter := newFakeReporter()
	s := newTestSupervisor(t, config.Config{DeviceIDs: []string{"cam-1", "cam-2"}}, provider,
		WithClock(clock.Now), WithReporter(reporter))

	s.Step(context.Background())
	assert.Equal(t, config.DefaultDiscoveryInterval, s.Step(context.Background()))
	s.Step(context.Background())
	assert.Equal(t, StateDiscovering, s.State())

	missing := reporter.failuresOf(agent.FailureMissingDevice)
	require.Len(t, missing, 1)
	assert.Equal(t, "Device cam-2 is not available", missing[0].Message())

	clock.Advance(config.DefaultHealthInterval)
	s.Step(context.Background())
	assert.Len(t, reporter.failuresOf(agent.FailureMissingDevice), 2)
	assert.Zero(t, provider.Connects())
	assert.Zero(t, s.Failures())
}

func TestDiscoverAllAdoptsEveryDevice(t *testing.T) {
	provider := sim.New([]string{"cam-1", "cam-2"})
	var initialized []string
	s := newTestSupervisor(t, config.Config{DiscoverAll: true}, provider,
		WithHooks(Hooks{OnInitialize: func(devices []device.Info) error {
			initialized = device.IDs(devices)
			return nil
		}}))

	stepUntil(t, s, StateTicking, 5)
	assert.Equal(t, []string{"cam-1", "cam-2"}, initialized)
	assert.Len(t, s.Orchestrators(), 2)
}

func TestConfigurationEventAndRestart(t *testing.T) {
	provider := sim.New([]string{"cam-1"})
	reporter := newFakeReporter()
	var s *Supervisor
	var changes [][2]any
	s = newTestSupervisor(t, config.Config{DeviceIDs: []string{"cam-1"}}, provider,
		WithReporter(reporter),
		WithAppConfig(config.NewAppConfig(map[string]any{"fps": 5})),
		WithHooks(Hooks{OnConfiguration: func(old, current *config.AppConfig) {
			changes = append(changes, [2]any{old.Int("fps", 0), current.Int("fps", 0)})
			s.Restart()
		}}),
	)
	stepUntil(t, s, StateTicking, 5)

	reporter.events <- agent.ConfigurationEvent{Values: map[string]any{"fps": 5}}
	s.Step(context.Background())
	assert.Empty(t, changes, "unchanged values do not notify")
	assert.Equal(t, StateTicking, s.State())

	reporter.events <- agent.ConfigurationEvent{Values: map[string]any{"fps": 10.0}}
	s.Step(context.Background())
	assert.Equal(t, [][2]any{{5, 10}}, changes)
	assert.Equal(t, 10, s.AppConfig().Int("fps", 0))
	assert.Equal(t, StateDiscovering, s.State())
	assert.True(t, provider.Sessions()[0].Closed())

	stepUntil(t, s, StateTicking, 5)
	assert.Equal(t, 2, provider.Connects())
	assert.Zero(t, s.Failures())
}

func TestStreamToggleEvent(t *testing.T) {
	provider := sim.New([]string{"cam-1"})
	reporter := newFakeReporter()
	var stream *channel.Published
	s := newTestSupervisor(t, config.Config{DeviceIDs: []string{"cam-1"}}, provider,
		WithReporter(reporter),
		WithHooks(Hooks{OnSetup: func(o *orchestrator.Orchestrator) error {
			ch, err := o.CreateOutput("preview", channel.KindFrame, 30)
			if err != nil {
				return err
			}
			stream, err = ch.Publish("Preview")
			return err
		}}),
	)
	stepUntil(t, s, StateTicking, 5)
	require.NotNil(t, stream)
	require.Len(t, reporter.online, 1)
	require.Len(t, reporter.online[0].Streams, 1)
	assert.False(t, reporter.online[0].Streams[0].Enabled)

	reporter.events <- agent.StreamToggleEvent{IDs: []string{stream.ID(), "unknown"}, Enabled: true}
	s.Step(context.Background())

	assert.True(t, stream.Enabled())
	require.Len(t, reporter.online, 2)
	assert.True(t, reporter.online[1].Streams[0].Enabled)
}

func TestRunWithoutDevicesUpdatesEveryTick(t *testing.T) {
	updates := 0
	s := newTestSupervisor(t, config.Config{RunWithoutDevices: true}, nil,
		WithHooks(Hooks{OnUpdate: func() error {
			updates++
			return nil
		}}))

	stepUntil(t, s, StateTicking, 5)
	delay := s.Step(context.Background())
	s.Step(context.Background())
	assert.Equal(t, 2, updates)
	assert.LessOrEqual(t, delay, config.DefaultMaxTickInterval)
}

func TestUpdateErrorCountsAsFailure(t *testing.T) {
	clock := newFakeClock()
	provider := sim.New([]string{"cam-1"}, sim.WithClock(clock.Now))
	hooks, _ := twoFrameOutputs(t)
	hooks.OnUpdate = func() error { return errors.New("inference failed") }
	s := newTestSupervisor(t, config.Config{DeviceIDs: []string{"cam-1"}}, provider,
		WithClock(clock.Now), WithHooks(hooks))

	stepUntil(t, s, StateTicking, 5)
	clock.Advance(time.Second)
	assert.Equal(t, config.DefaultRecoveryBackoff, s.Step(context.Background()))
	assert.Equal(t, StateRecovering, s.State())
	assert.Equal(t, 1, s.Failures())
}

func TestCancelledContextShutsDown(t *testing.T) {
	exits := 0
	s := newTestSupervisor(t, config.Config{RunWithoutDevices: true}, nil,
		WithHooks(Hooks{OnExit: func() { exits++ }}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, s.Run(ctx))
	assert.Equal(t, StateStopped, s.State())
	assert.NoError(t, s.Err())
	assert.Equal(t, 1, exits)
	assert.ErrorIs(t, s.Run(ctx), rherrors.ErrAlreadyRunning)
}

func TestStartStop(t *testing.T) {
	provider := sim.New([]string{"cam-1"})
	hooks, _ := twoFrameOutputs(t)
	var mu sync.Mutex
	exits := 0
	hooks.OnExit = func() {
		mu.Lock()
		defer mu.Unlock()
		exits++
	}
	s := newTestSupervisor(t, config.Config{DeviceIDs: []string{"cam-1"}}, provider, WithHooks(hooks))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), rherrors.ErrAlreadyRunning)
	require.Eventually(t, func() bool { return s.State() == StateTicking }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.True(t, provider.Sessions()[0].Closed())
	mu.Lock()
	assert.Equal(t, 1, exits)
	mu.Unlock()

	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestStopWithoutStart(t *testing.T) {
	exits := 0
	s := newTestSupervisor(t, config.Config{RunWithoutDevices: true}, nil,
		WithHooks(Hooks{OnExit: func() { exits++ }}))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 1, exits)
}

func TestStopTimesOut(t *testing.T) {
	release := make(chan struct{})
	s := newTestSupervisor(t, config.Config{RunWithoutDevices: true, StopTimeout: 20 * time.Millisecond}, nil,
		WithHooks(Hooks{OnUpdate: func() error {
			<-release
			return nil
		}}))
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)

	assert.ErrorIs(t, s.Stop(context.Background()), rherrors.ErrStopTimeout)
	close(release)
	require.Eventually(t, func() bool { return s.State() == StateStopped }, time.Second, 5*time.Millisecond)
}

func TestMergeHooks(t *testing.T) {
	var calls []string
	first := Hooks{
		OnUpdate: func() error { calls = append(calls, "first"); return errors.New("stop") },
		OnExit:   func() { calls = append(calls, "exit-1") },
	}
	second := Hooks{
		OnUpdate: func() error { calls = append(calls, "second"); return nil },
		OnExit:   func() { calls = append(calls, "exit-2") },
	}
	merged := first.Merge(second)
	assert.EqualError(t, merged.OnUpdate(), "stop")
	merged.OnExit()
	assert.Equal(t, []string{"first", "exit-1", "exit-2"}, calls)
	assert.Nil(t, Hooks{}.Merge(Hooks{}).OnSetup)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ticking", StateTicking.String())
	assert.Equal(t, "unknown", State(42).String())
}
