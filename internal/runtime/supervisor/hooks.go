package supervisor

import (
	"github.com/drblury/robohub/internal/runtime/config"
	"github.com/drblury/robohub/internal/runtime/device"
	"github.com/drblury/robohub/internal/runtime/orchestrator"
)

// Hooks are the application callbacks. All hooks are optional.
type Hooks struct {
	// OnInitialize runs once per connection cycle with the selected devices,
	// before any of them is connected.
	OnInitialize func(devices []device.Info) error

	// OnSetup runs exactly once per connected device, before ticking starts.
	// It creates the channels and synchronizers the app needs.
	OnSetup func(o *orchestrator.Orchestrator) error

	// OnUpdate runs once per tick in which any device produced data.
	OnUpdate func() error

	// OnConfiguration runs when an agent configuration update changed at
	// least one key. It may call Supervisor.Restart.
	OnConfiguration func(old, current *config.AppConfig)

	// OnExit runs once when the supervisor stops.
	OnExit func()
}

// Merge returns hooks calling h first and other second. Error returning
// hooks stop at the first error.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnInitialize:    chainInitialize(h.OnInitialize, other.OnInitialize),
		OnSetup:         chainSetup(h.OnSetup, other.OnSetup),
		OnUpdate:        chainUpdate(h.OnUpdate, other.OnUpdate),
		OnConfiguration: chainConfiguration(h.OnConfiguration, other.OnConfiguration),
		OnExit:          chainExit(h.OnExit, other.OnExit),
	}
}

func chainInitialize(a, b func([]device.Info) error) func([]device.Info) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(devices []device.Info) error {
		if err := a(devices); err != nil {
			return err
		}
		return b(devices)
	}
}

func chainSetup(a, b func(*orchestrator.Orchestrator) error) func(*orchestrator.Orchestrator) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(o *orchestrator.Orchestrator) error {
		if err := a(o); err != nil {
			return err
		}
		return b(o)
	}
}

func chainUpdate(a, b func() error) func() error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func() error {
		if err := a(); err != nil {
			return err
		}
		return b()
	}
}

func chainConfiguration(a, b func(old, current *config.AppConfig)) func(old, current *config.AppConfig) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(old, current *config.AppConfig) {
		a(old, current)
		b(old, current)
	}
}

func chainExit(a, b func()) func() {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func() {
		a()
		b()
	}
}
