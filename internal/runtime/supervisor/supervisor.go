// Package supervisor drives the app lifecycle: it discovers and connects the
// required devices, runs the application hooks, paces the tick loop and
// recovers from failures with a bounded number of restarts.
//
// The state machine is advanced by Step, which returns how long the caller
// should wait before the next step. Run is the scheduler that owns it. All
// state is mutated only by the goroutine calling Step; Stop and Restart are
// requests applied at the next step.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/robohub/internal/runtime/agent"
	"github.com/drblury/robohub/internal/runtime/channel"
	"github.com/drblury/robohub/internal/runtime/config"
	"github.com/drblury/robohub/internal/runtime/device"
	rherrors "github.com/drblury/robohub/internal/runtime/errors"
	"github.com/drblury/robohub/internal/runtime/ids"
	"github.com/drblury/robohub/internal/runtime/logging"
	"github.com/drblury/robohub/internal/runtime/orchestrator"
	"github.com/drblury/robohub/internal/runtime/synchronizer"
)

const tracerName = "robohub-supervisor"

// Observer receives run loop measurements.
type Observer interface {
	RecordTick(produced bool)
	RecordFailure(category string)
	SetState(state string)
	ObserveHealth(samples []orchestrator.HealthSample)
	ForgetChannels()
}

// Supervisor is the run loop state machine.
type Supervisor struct {
	cfg        config.Config
	provider   device.Provider
	reporter   agent.Reporter
	hooks      Hooks
	logger     logging.ServiceLogger
	observer   Observer
	appConfig  *config.AppConfig
	namer      *channel.QueueNamer
	tracer     trace.Tracer
	classify   rherrors.Classifier
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) bool
	orchLogger logging.ServiceLogger

	// Owned by the goroutine calling Step.
	state         State
	failures      int
	devices       []device.Info
	orchs         []*orchestrator.Orchestrator
	lastHealth    time.Time
	lastMissing   time.Time
	exited        bool
	terminalError error

	stateSnap    atomic.Int32
	failureSnap  atomic.Int32
	errSnap      atomic.Value
	restartReq   atomic.Bool
	stopReq      atomic.Bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	running      atomic.Bool
	done         chan struct{}
	finishedOnce sync.Once
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithHooks adds application hooks. Repeated calls merge in order.
func WithHooks(h Hooks) Option {
	return func(s *Supervisor) { s.hooks = s.hooks.Merge(h) }
}

// WithReporter sets the agent reporter. Defaults to agent.Nop.
func WithReporter(r agent.Reporter) Option {
	return func(s *Supervisor) {
		if r != nil {
			s.reporter = r
		}
	}
}

func WithLogger(logger logging.ServiceLogger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithObserver sets the metrics observer. When it also implements the
// orchestrator or synchronizer observer interfaces it receives those events
// too.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) { s.observer = o }
}

// WithAppConfig sets the application configuration updated by agent events.
func WithAppConfig(c *config.AppConfig) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.appConfig = c
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleeper replaces the wait between steps used by Run. The sleeper
// returns false when it was interrupted.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) bool) Option {
	return func(s *Supervisor) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithClassifier replaces the failure classifier.
func WithClassifier(c rherrors.Classifier) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.classify = c
		}
	}
}

// WithTracer replaces the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Supervisor) {
		if t != nil {
			s.tracer = t
		}
	}
}

// New returns a supervisor for cfg. Unset tuning values take their defaults
// and an app id is generated when cfg has none.
func New(cfg config.Config, provider device.Provider, opts ...Option) (*Supervisor, error) {
	if provider == nil && !cfg.RunWithoutDevices {
		return nil, rherrors.ErrProviderRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.AppID == "" {
		cfg.AppID = ids.CreateULID()
	}

	s := &Supervisor{
		cfg:       cfg,
		provider:  provider,
		reporter:  agent.Nop{},
		appConfig: config.NewAppConfig(nil),
		namer:     channel.NewQueueNamer(),
		tracer:    otel.Tracer(tracerName),
		classify:  rherrors.Classify,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.sleep = s.wait
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).With(logging.LogFields{"app_id": cfg.AppID})
	s.orchLogger = s.logger
	s.publishState(StateIdle)
	return s, nil
}

// Config returns the effective configuration.
func (s *Supervisor) Config() config.Config { return s.cfg }

// AppConfig returns the application configuration.
func (s *Supervisor) AppConfig() *config.AppConfig { return s.appConfig }

// State returns the current run state. Safe from any goroutine.
func (s *Supervisor) State() State { return State(s.stateSnap.Load()) }

// Failures returns the consecutive failure count.
func (s *Supervisor) Failures() int { return int(s.failureSnap.Load()) }

// Err returns the error that stopped the supervisor, or nil.
func (s *Supervisor) Err() error {
	if e, ok := s.errSnap.Load().(errBox); ok {
		return e.err
	}
	return nil
}

type errBox struct{ err error }

// Orchestrators returns the connected device orchestrators. Only call it
// from hooks, which run on the loop goroutine.
func (s *Supervisor) Orchestrators() []*orchestrator.Orchestrator {
	return append([]*orchestrator.Orchestrator(nil), s.orchs...)
}

// Restart asks the loop to tear everything down and rediscover devices.
func (s *Supervisor) Restart() { s.restartReq.Store(true) }

func (s *Supervisor) requestStop() {
	s.stopReq.Store(true)
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Step advances the state machine once and returns the delay before the
// next step. It never panics; failures are classified and recovered.
func (s *Supervisor) Step(ctx context.Context) (delay time.Duration) {
	if s.state == StateStopped {
		return 0
	}
	defer func() {
		if v := recover(); v != nil {
			delay = s.fail(ctx, &rherrors.HookPanicError{Hook: "step", Value: v})
		}
	}()

	if s.stopReq.Load() || ctx.Err() != nil {
		s.shutdown(nil)
		return 0
	}

	s.drainEvents(ctx)
	if s.restartReq.CompareAndSwap(true, false) && s.state != StateIdle {
		s.logger.Info("Restart requested", nil)
		s.teardown()
		s.setState(StateDiscovering)
		return 0
	}

	switch s.state {
	case StateIdle, StateRecovering:
		s.setState(StateDiscovering)
		return 0
	case StateDiscovering:
		return s.discover(ctx)
	case StateConnected:
		return s.connect(ctx)
	case StateTicking:
		return s.tick(ctx)
	}
	return 0
}

func (s *Supervisor) discover(ctx context.Context) time.Duration {
	if s.cfg.RunWithoutDevices {
		s.devices = nil
		s.setState(StateConnected)
		return 0
	}
	if len(s.cfg.DeviceIDs) == 0 && !s.cfg.DiscoverAll {
		return s.fail(ctx, rherrors.ErrNoDevices)
	}

	found, err := s.provider.Discover(ctx)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("discover devices: %w", err))
	}

	if len(s.cfg.DeviceIDs) == 0 {
		if len(found) == 0 {
			s.logger.Debug("Waiting for any device", nil)
			return s.cfg.DiscoveryInterval
		}
		s.devices = found
		s.setState(StateConnected)
		return 0
	}

	if missing := device.Missing(s.cfg.DeviceIDs, found); len(missing) > 0 {
		now := s.now()
		if s.lastMissing.IsZero() || now.Sub(s.lastMissing) >= s.cfg.HealthInterval {
			s.lastMissing = now
			for _, id := range missing {
				s.logger.Info("Required device not available", logging.LogFields{"device": id})
				s.report(func() error {
					return s.reporter.ReportFailure(ctx, agent.Failure{Kind: agent.FailureMissingDevice, DeviceID: id, Err: rherrors.ErrDeviceMissing})
				})
			}
		}
		return s.cfg.DiscoveryInterval
	}
	s.lastMissing = time.Time{}
	s.devices = device.Select(s.cfg.DeviceIDs, found)
	s.setState(StateConnected)
	return 0
}

func (s *Supervisor) connect(ctx context.Context) time.Duration {
	ctx, span := s.tracer.Start(ctx, "supervisor.connect")
	defer span.End()
	span.SetAttributes(attribute.StringSlice("devices", device.IDs(s.devices)))

	if s.hooks.OnInitialize != nil {
		devices := append([]device.Info(nil), s.devices...)
		if err := s.callHook("OnInitialize", func() error { return s.hooks.OnInitialize(devices) }); err != nil {
			return s.fail(ctx, err)
		}
	}

	for _, info := range s.devices {
		if err := s.connectDevice(ctx, info); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return s.fail(ctx, err)
		}
	}

	s.reportOnline(ctx)
	s.failures = 0
	s.failureSnap.Store(0)
	s.lastHealth = s.now()
	s.setState(StateTicking)
	return 0
}

func (s *Supervisor) connectDevice(ctx context.Context, info device.Info) error {
	sess, err := s.provider.Connect(ctx, info)
	if err != nil {
		return fmt.Errorf("connect device %s: %w", info.ID, err)
	}

	opts := orchestrator.Options{
		Namer:        s.namer,
		Clock:        s.now,
		StuckTimeout: s.cfg.StuckTimeout,
		MaxInterval:  s.cfg.MaxTickInterval,
		Logger:       s.orchLogger,
		Streams:      s.reporter,
	}
	if o, ok := s.observer.(orchestrator.Observer); ok {
		opts.Observer = o
	}
	if o, ok := s.observer.(synchronizer.Observer); ok {
		opts.SyncObserver = o
	}
	orch, err := orchestrator.New(sess, opts)
	if err != nil {
		_ = sess.Close()
		return err
	}
	s.orchs = append(s.orchs, orch)

	if s.hooks.OnSetup != nil {
		if err := s.callHook("OnSetup", func() error { return s.hooks.OnSetup(orch) }); err != nil {
			return err
		}
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}
	s.report(func() error { return s.reporter.ReportDevice(ctx, info) })
	s.logger.Info("Device connected", logging.LogFields{"device": info.ID, "channels": len(orch.Outputs())})
	return nil
}

func (s *Supervisor) tick(ctx context.Context) time.Duration {
	start := s.now()

	produced := false
	for _, o := range s.orchs {
		p, err := o.PollTick(ctx)
		if err != nil {
			return s.fail(ctx, err)
		}
		produced = produced || p
	}

	now := s.now()
	for _, o := range s.orchs {
		if id, stuck := o.CheckStuck(now); stuck {
			return s.fail(ctx, fmt.Errorf("%w: channel %s on device %s", rherrors.ErrStuckChannel, id, o.Device().ID))
		}
	}

	if s.observer != nil {
		s.observer.RecordTick(produced)
	}
	// Without devices nothing produces, so the app is updated on every tick.
	if (produced || len(s.orchs) == 0) && s.hooks.OnUpdate != nil {
		if err := s.callHook("OnUpdate", s.hooks.OnUpdate); err != nil {
			return s.fail(ctx, err)
		}
	}

	s.maybeReportHealth(ctx, now)

	if wait := s.minInterval() - s.now().Sub(start); wait > 0 {
		return wait
	}
	return 0
}

func (s *Supervisor) minInterval() time.Duration {
	interval := s.cfg.MaxTickInterval
	for _, o := range s.orchs {
		if d := o.MinInterval(); d < interval {
			interval = d
		}
	}
	return interval
}

func (s *Supervisor) maybeReportHealth(ctx context.Context, now time.Time) {
	if now.Sub(s.lastHealth) < s.cfg.HealthInterval {
		return
	}
	s.lastHealth = now
	var samples []orchestrator.HealthSample
	for _, o := range s.orchs {
		samples = append(samples, o.Health(now)...)
	}
	if s.observer != nil {
		s.observer.ObserveHealth(samples)
	}
	s.report(func() error {
		return s.reporter.ReportHealth(ctx, agent.HealthReport{
			AppID:    s.cfg.AppID,
			State:    s.state.String(),
			Failures: s.failures,
			At:       now,
			Channels: samples,
		})
	})
}

// fail classifies err, tears everything down and decides between a retry,
// a permanent stop and a shutdown on cancellation.
func (s *Supervisor) fail(ctx context.Context, err error) time.Duration {
	category := s.classify(err)
	if category == rherrors.CategoryCancelled {
		s.shutdown(nil)
		return 0
	}

	_, span := s.tracer.Start(ctx, "supervisor.recover")
	defer span.End()
	span.RecordError(err)
	span.SetAttributes(attribute.String("failure.category", string(category)))

	if s.observer != nil {
		s.observer.RecordFailure(string(category))
	}
	s.teardown()

	if category == rherrors.CategoryFatal {
		s.logger.Error("Fatal failure, stopping", err, nil)
		span.SetStatus(codes.Error, "fatal")
		s.report(func() error { return s.reporter.ReportFailure(ctx, agent.Failure{Kind: agent.FailureFatal, Err: err}) })
		s.shutdown(err)
		return 0
	}

	s.failures++
	s.failureSnap.Store(int32(s.failures))
	s.logger.Error("Run loop failure", err, logging.LogFields{
		"attempt":  s.failures,
		"category": string(category),
	})
	s.report(func() error {
		return s.reporter.ReportFailure(ctx, agent.Failure{Kind: agent.FailureTransient, Attempt: s.failures, Err: err})
	})

	if s.failures >= s.cfg.MaxFailures {
		span.SetStatus(codes.Error, "exhausted")
		s.report(func() error {
			return s.reporter.ReportFailure(ctx, agent.Failure{Kind: agent.FailureExhausted, Attempt: s.failures, Err: err})
		})
		s.shutdown(fmt.Errorf("gave up after %d failures: %w", s.failures, err))
		return 0
	}

	s.setState(StateRecovering)
	return s.cfg.RecoveryBackoff
}

func (s *Supervisor) teardown() {
	for _, o := range s.orchs {
		if err := o.Close(); err != nil {
			s.logger.Error("Failed to close device", err, logging.LogFields{"device": o.Device().ID})
		}
	}
	s.orchs = nil
	if s.observer != nil {
		s.observer.ForgetChannels()
	}
}

func (s *Supervisor) shutdown(err error) {
	if s.state == StateStopped {
		return
	}
	s.teardown()
	if !s.exited {
		s.exited = true
		if s.hooks.OnExit != nil {
			if hookErr := s.callHook("OnExit", func() error { s.hooks.OnExit(); return nil }); hookErr != nil {
				s.logger.Error("Exit hook failed", hookErr, nil)
			}
		}
	}
	s.terminalError = err
	s.errSnap.Store(errBox{err: err})
	s.setState(StateStopped)
}

func (s *Supervisor) drainEvents(ctx context.Context) {
	events := s.reporter.Events()
	if events == nil {
		return
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		default:
			return
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev agent.Event) {
	switch e := ev.(type) {
	case agent.ConfigurationEvent:
		old := s.appConfig.Clone()
		s.appConfig.SetData(e.Values)
		changed := s.appConfig.ChangedKeys(old)
		s.logger.Info("Configuration updated", logging.LogFields{"changed": changed})
		if len(changed) == 0 || s.hooks.OnConfiguration == nil {
			return
		}
		err := s.callHook("OnConfiguration", func() error {
			s.hooks.OnConfiguration(old, s.appConfig)
			return nil
		})
		if err != nil {
			s.logger.Error("Configuration hook failed", err, nil)
		}
	case agent.StreamToggleEvent:
		for _, id := range e.IDs {
			found := false
			for _, o := range s.orchs {
				found = o.SetStreamEnabled(id, e.Enabled) || found
			}
			if !found {
				s.logger.Debug("Unknown stream", logging.LogFields{"stream": id})
			}
		}
		s.reportOnline(ctx)
	}
}

func (s *Supervisor) reportOnline(ctx context.Context) {
	streams := []channel.PublishedInfo{}
	for _, o := range s.orchs {
		streams = append(streams, o.PublishedStreams()...)
	}
	s.report(func() error {
		return s.reporter.ReportOnline(ctx, agent.OnlineStatus{AppID: s.cfg.AppID, Streams: streams})
	})
}

func (s *Supervisor) report(send func() error) {
	if err := send(); err != nil {
		if errors.Is(err, agent.ErrOutboxFull) {
			return
		}
		s.logger.Error("Failed to report to agent", err, nil)
	}
}

// callHook runs fn, turning a returned error into a HookError and a panic
// into a HookPanicError.
func (s *Supervisor) callHook(name string, fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &rherrors.HookPanicError{Hook: name, Value: v}
		}
	}()
	if hookErr := fn(); hookErr != nil {
		if rherrors.IsFatal(hookErr) {
			return hookErr
		}
		return &rherrors.HookError{Hook: name, Err: hookErr}
	}
	return nil
}

func (s *Supervisor) setState(st State) {
	if s.state == st {
		return
	}
	s.logger.Info("Run state changed", logging.LogFields{"from": s.state.String(), "to": st.String()})
	s.publishState(st)
}

func (s *Supervisor) publishState(st State) {
	s.state = st
	s.stateSnap.Store(int32(st))
	if s.observer != nil {
		s.observer.SetState(st.String())
	}
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	}
}

// Run drives the state machine until it stops. It returns the error that
// stopped it, or nil after a requested stop or a cancelled ctx.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return rherrors.ErrAlreadyRunning
	}
	return s.loop(ctx)
}

// Start runs the supervisor in a new goroutine.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return rherrors.ErrAlreadyRunning
	}
	go func() {
		if err := s.loop(ctx); err != nil {
			s.logger.Error("Supervisor stopped", err, nil)
		}
	}()
	return nil
}

func (s *Supervisor) loop(ctx context.Context) error {
	defer s.finishedOnce.Do(func() { close(s.done) })

	s.logger.Info("Supervisor started", logging.LogFields{"devices": s.cfg.DeviceIDs})
	for {
		delay := s.Step(ctx)
		if s.state == StateStopped {
			return s.terminalError
		}
		if delay > 0 {
			s.sleep(ctx, delay)
		}
	}
}

// Done is closed once the run loop has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Stop asks the loop to stop and waits for it, bounded by the configured
// stop timeout and ctx. When the loop never ran, resources are released
// directly. Safe to call more than once.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.requestStop()
	if s.running.CompareAndSwap(false, true) {
		s.shutdown(nil)
		s.finishedOnce.Do(func() { close(s.done) })
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-timer.C:
		return rherrors.ErrStopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
