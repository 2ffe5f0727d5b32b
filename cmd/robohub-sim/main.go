// Command robohub-sim runs a complete app against simulated devices. Every
// device exposes a color stream and a detection stream at the same rate;
// the two are synchronized by sequence number and every hundredth group is
// reported to the agent as a detection.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/drblury/robohub"
	"github.com/drblury/robohub/internal/runtime/device/sim"
	_ "github.com/drblury/robohub/transport/transports"
)

const detectionEvery = 100

func main() {
	fps := flag.Float64("fps", 15, "simulated camera rate")
	metricsPort := flag.Int("metrics-port", 0, "serve /metrics and /api/status on this port")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := robohub.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfg, err := robohub.ConfigFromEnv()
	if err != nil {
		logger.Error("Invalid environment", err, nil)
		os.Exit(1)
	}
	if len(cfg.DeviceIDs) == 0 && !cfg.RunWithoutDevices {
		cfg.DeviceIDs = []string{"sim-0"}
	}
	if *metricsPort > 0 {
		cfg.MetricsEnabled = true
		cfg.MetricsPort = *metricsPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &simApp{fps: *fps, logger: logger}
	svc, err := robohub.NewService(ctx, cfg, logger, robohub.ServiceDependencies{
		Provider:          sim.New(cfg.DeviceIDs),
		Hooks:             app.hooks(),
		AppConfigDefaults: map[string]any{"label": "person"},
	})
	if err != nil {
		logger.Error("Failed to create service", err, nil)
		os.Exit(1)
	}
	app.svc = svc
	svc.Router().Handle(http.MethodGet, "/groups", func(context.Context, robohub.Request) (robohub.Response, error) {
		return robohub.JSONResponse(http.StatusOK, map[string]int64{"groups": app.groups.Load()}), nil
	})

	if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("App stopped", err, robohub.LogFields{"groups": app.groups.Load()})
		os.Exit(1)
	}
	logger.Info("App stopped", robohub.LogFields{"groups": app.groups.Load()})
}

type simApp struct {
	fps    float64
	logger robohub.ServiceLogger
	svc    *robohub.Service
	groups atomic.Int64
	last   atomic.Int64
}

func (a *simApp) hooks() robohub.Hooks {
	return robohub.Hooks{
		OnInitialize: func(devices []robohub.DeviceInfo) error {
			a.logger.Info("Devices ready", robohub.LogFields{"count": len(devices)})
			return nil
		},
		OnSetup: a.setup,
		OnUpdate: func() error {
			if n := a.groups.Load(); n/detectionEvery > a.last.Load()/detectionEvery {
				a.last.Store(n)
				return a.reportDetection(n)
			}
			return nil
		},
		OnConfiguration: func(_, current *robohub.AppConfig) {
			a.logger.Info("Configuration changed", robohub.LogFields{"label": current.String("label", "")})
		},
		OnExit: func() {
			a.logger.Info("Exiting", nil)
		},
	}
}

func (a *simApp) setup(o *robohub.Orchestrator) error {
	color, err := o.CreateOutput("color", robohub.KindFrame, a.fps)
	if err != nil {
		return err
	}
	nn, err := o.CreateOutput("nn", robohub.KindDetection, a.fps)
	if err != nil {
		return err
	}
	if _, err := o.CreateOutput("stats", robohub.KindStatistics, 1); err != nil {
		return err
	}
	if _, err := color.Publish("Color camera"); err != nil {
		return err
	}
	_, err = o.Synchronize([]*robohub.Channel{color, nn}, func([]robohub.Item) {
		a.groups.Add(1)
	})
	return err
}

func (a *simApp) reportDetection(groups int64) error {
	label := a.svc.Supervisor().AppConfig().String("label", "person")
	d := robohub.NewDetection(label, "sim")
	d.Data = map[string]any{"groups": groups, "at": time.Now().UTC()}
	err := a.svc.Client().SendDetection(context.Background(), d)
	if errors.Is(err, robohub.ErrOutboxFull) {
		return nil
	}
	return err
}
