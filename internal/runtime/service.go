package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/robohub/internal/runtime/agent"
	configpkg "github.com/drblury/robohub/internal/runtime/config"
	"github.com/drblury/robohub/internal/runtime/device"
	rherrors "github.com/drblury/robohub/internal/runtime/errors"
	"github.com/drblury/robohub/internal/runtime/ids"
	loggingpkg "github.com/drblury/robohub/internal/runtime/logging"
	"github.com/drblury/robohub/internal/runtime/metrics"
	"github.com/drblury/robohub/internal/runtime/orchestrator"
	"github.com/drblury/robohub/internal/runtime/supervisor"
	"github.com/drblury/robohub/transport"
)

// ServiceDependencies holds the optional collaborators a Service can use.
// Leave fields nil to get the defaults.
type ServiceDependencies struct {
	// Provider finds and opens devices. Required unless the config runs
	// without devices.
	Provider device.Provider
	Hooks    supervisor.Hooks

	// AppConfigDefaults are the declared defaults of the app configuration
	// loaded from Config.ConfigPath.
	AppConfigDefaults map[string]any

	// Transport skips the registry when set.
	Transport *transport.Transport
	Registry  *transport.Registry

	// Registerer receives the collectors. A private registry is used when nil.
	Registerer prometheus.Registerer
	Classifier rherrors.Classifier
}

// Service wires the agent client, the metrics endpoint and the supervisor
// for one app.
type Service struct {
	Conf   configpkg.Config
	Logger loggingpkg.ServiceLogger

	client     *agent.Client
	supervisor *supervisor.Supervisor
	metrics    *metrics.Metrics
	server     *metrics.Server
	store      *agent.Store
	status     *statusTracker
}

// NewService validates conf, builds the configured agent transport and
// assembles the supervisor. Register request handlers on Router before
// calling Start.
func NewService(ctx context.Context, conf configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	log = loggingpkg.OrNop(log)
	conf = conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if conf.AppID == "" {
		conf.AppID = ids.CreateULID()
	}
	log = log.With(loggingpkg.LogFields{"app_id": conf.AppID})
	log.Info("Creating app service", loggingpkg.LogFields{
		"agent_transport": conf.AgentTransport,
		"config":          conf.String(),
	})

	appConfig, err := configpkg.LoadAppConfig(conf.ConfigPath, deps.AppConfigDefaults)
	if err != nil {
		return nil, err
	}

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	m := metrics.New(registerer)
	if err := m.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	tr, err := buildTransport(ctx, &conf, log, deps)
	if err != nil {
		return nil, err
	}

	client, err := agent.NewClient(conf.AppID, tr,
		agent.WithLogger(log),
		agent.WithOutboxSize(conf.AgentBuffer),
		agent.WithDropObserver(m),
		agent.WithTopicSeparator(agent.SeparatorFor(conf.AgentTransport)),
	)
	if err != nil {
		closeTransport(tr)
		return nil, err
	}

	status := &statusTracker{Metrics: m}
	opts := []supervisor.Option{
		supervisor.WithHooks(deps.Hooks),
		supervisor.WithReporter(client),
		supervisor.WithLogger(log),
		supervisor.WithObserver(status),
		supervisor.WithAppConfig(appConfig),
	}
	if deps.Classifier != nil {
		opts = append(opts, supervisor.WithClassifier(deps.Classifier))
	}
	sup, err := supervisor.New(conf, deps.Provider, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	s := &Service{
		Conf:       conf,
		Logger:     log,
		client:     client,
		supervisor: sup,
		metrics:    m,
		server:     metrics.NewServer(log),
		store:      agent.NewStore(conf.StorageDir),
		status:     status,
	}
	if conf.MetricsEnabled {
		s.server.Handle(conf.MetricsPort, "/metrics", m.Handler())
		s.server.Handle(conf.MetricsPort, "/api/status", s.StatusHandler())
	}
	return s, nil
}

func buildTransport(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (transport.Transport, error) {
	if deps.Transport != nil {
		return *deps.Transport, nil
	}
	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	tr, err := registry.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return transport.Transport{}, fmt.Errorf("build agent transport %q: %w", conf.AgentTransport, err)
	}
	return tr, nil
}

func closeTransport(tr transport.Transport) {
	if tr.Publisher != nil {
		_ = tr.Publisher.Close()
	}
	if tr.Subscriber != nil && any(tr.Subscriber) != any(tr.Publisher) {
		_ = tr.Subscriber.Close()
	}
}

// Client returns the agent client.
func (s *Service) Client() *agent.Client { return s.client }

// Router returns the agent request router.
func (s *Service) Router() *agent.Router { return s.client.Router() }

// Supervisor returns the run loop.
func (s *Service) Supervisor() *supervisor.Supervisor { return s.supervisor }

// Metrics returns the service collectors.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Store returns the detection artifact store rooted at Config.StorageDir.
func (s *Service) Store() *agent.Store { return s.store }

// Start runs the agent client and the supervisor until the supervisor
// stops or ctx is done, then flushes the agent and closes the transport.
// The returned error is the one that stopped the supervisor.
func (s *Service) Start(ctx context.Context) error {
	if s.Conf.MetricsEnabled {
		s.server.Start()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		clientErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.client.Run(runCtx); err != nil {
			s.Logger.Error("Agent client stopped", err, nil)
			clientErr = err
			cancel()
		}
	}()

	if s.Conf.WatchConfig && s.Conf.ConfigPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watchAppConfig(runCtx)
		}()
	}

	runErr := s.supervisor.Run(runCtx)
	cancel()
	wg.Wait()
	if clientErr != nil && (runErr == nil || errors.Is(runErr, context.Canceled)) {
		runErr = clientErr
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), s.Conf.StopTimeout)
	defer done()
	var errs []error
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := s.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		s.Logger.Error("Failed to release service resources", err, nil)
	}
	return runErr
}

func (s *Service) watchAppConfig(ctx context.Context) {
	path := s.Conf.ConfigPath
	err := configpkg.WatchAppConfig(ctx, path, 0,
		func(values map[string]any) {
			s.Logger.Info("App config file changed", loggingpkg.LogFields{"path": path})
			s.client.Deliver(ctx, agent.ConfigurationEvent{Values: values})
		},
		func(err error) {
			s.Logger.Error("Failed to reload app config", err, loggingpkg.LogFields{"path": path})
		})
	if err != nil {
		s.Logger.Error("App config watcher stopped", err, loggingpkg.LogFields{"path": path})
	}
}

// Stop asks the supervisor to stop and waits for it.
func (s *Service) Stop(ctx context.Context) error {
	return s.supervisor.Stop(ctx)
}

// statusTracker keeps the last health snapshot for the status endpoint and
// forwards everything to the collectors.
type statusTracker struct {
	*metrics.Metrics

	mu     sync.RWMutex
	health []orchestrator.HealthSample
}

func (t *statusTracker) ObserveHealth(samples []orchestrator.HealthSample) {
	t.mu.Lock()
	t.health = append(t.health[:0], samples...)
	t.mu.Unlock()
	t.Metrics.ObserveHealth(samples)
}

func (t *statusTracker) ForgetChannels() {
	t.mu.Lock()
	t.health = nil
	t.mu.Unlock()
	t.Metrics.ForgetChannels()
}

func (t *statusTracker) Health() []orchestrator.HealthSample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]orchestrator.HealthSample(nil), t.health...)
}
