package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/koalacloud/koalacloud/internal/config"
	"github.com/koalacloud/koalacloud/internal/events"
)

// ErrUnknownService is returned for a name that is not configured.
var ErrUnknownService = errors.New("unknown service")

// ErrCommandFailed wraps a start or stop that exited non-zero.
var ErrCommandFailed = errors.New("service command failed")

// DriveState is the built-in "drive" toggle that gates file and share access.
type DriveState struct {
	enabled atomic.Bool
}

// NewDriveState returns a DriveState that starts enabled.
func NewDriveState() *DriveState {
	d := &DriveState{}
	d.enabled.Store(true)
	return d
}

// Enabled reports whether the drive is on.
func (d *DriveState) Enabled() bool {
	return d.enabled.Load()
}

// Set turns the drive on or off.
func (d *DriveState) Set(on bool) {
	d.enabled.Store(on)
}

// Service is a controllable host service.
type Service interface {
	Kind() config.ServiceKind
	Running(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type systemdService struct {
	unit   string
	runner Runner
}

func (s *systemdService) Kind() config.ServiceKind { return config.ServiceSystemd }

func (s *systemdService) Running(ctx context.Context) (bool, error) {
	res, err := s.runner.Run(ctx, "systemctl", "is-active", "--quiet", s.unit)
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

func (s *systemdService) Start(ctx context.Context) error {
	return check(s.runner.Run(ctx, "systemctl", "start", s.unit))
}

func (s *systemdService) Stop(ctx context.Context) error {
	return check(s.runner.Run(ctx, "systemctl", "stop", s.unit))
}

type dockerService struct {
	dir    string
	runner Runner
}

func (s *dockerService) Kind() config.ServiceKind { return config.ServiceDocker }

func (s *dockerService) compose(ctx context.Context, args ...string) (Result, error) {
	argv := append([]string{"docker", "compose", "--project-directory", s.dir}, args...)
	return s.runner.Run(ctx, argv...)
}

// Running reports whether the compose project has any containers.
func (s *dockerService) Running(ctx context.Context) (bool, error) {
	res, err := s.compose(ctx, "ps", "-q")
	if err != nil {
		return false, err
	}
	return res.Success() && strings.TrimSpace(res.Stdout) != "", nil
}

func (s *dockerService) Start(ctx context.Context) error {
	return check(s.compose(ctx, "up", "-d"))
}

func (s *dockerService) Stop(ctx context.Context) error {
	return check(s.compose(ctx, "down"))
}

func check(res Result, err error) error {
	if err != nil {
		return err
	}
	if !res.Success() {
		msg := res.Message()
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		return fmt.Errorf("%w: %s", ErrCommandFailed, msg)
	}
	return nil
}

// New builds a Service for cfg.
func New(cfg config.ServiceConfig, runner Runner) (Service, error) {
	switch cfg.Type {
	case config.ServiceSystemd:
		return &systemdService{unit: cfg.Unit, runner: runner}, nil
	case config.ServiceDocker:
		return &dockerService{dir: cfg.Dir, runner: runner}, nil
	default:
		return nil, fmt.Errorf("unknown service type %q", cfg.Type)
	}
}

// Manager controls the configured services plus the drive toggle.
type Manager struct {
	services map[string]Service
	drive    *DriveState
	bus      *events.Bus
	logger   zerolog.Logger
}

// Option is a functional option for configuring the Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager builds services from cfgs. bus may be nil.
func NewManager(
	cfgs map[string]config.ServiceConfig,
	runner Runner,
	drive *DriveState,
	bus *events.Bus,
	opts ...Option,
) (*Manager, error) {
	m := &Manager{
		services: make(map[string]Service, len(cfgs)),
		drive:    drive,
		bus:      bus,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	for name, cfg := range cfgs {
		if name == config.DriveServiceName {
			return nil, fmt.Errorf("service %q: name is reserved", name)
		}
		svc, err := New(cfg, runner)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		m.services[name] = svc
	}

	return m, nil
}

// Names returns the configured service names in order, without the drive toggle.
func (m *Manager) Names() []string {
	return slices.Sorted(maps.Keys(m.services))
}

// Status reports every service's running state and the drive toggle.
// A service whose state cannot be read is reported as stopped.
func (m *Manager) Status(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(m.services)+1)

	for name, svc := range m.services {
		running, err := svc.Running(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Str("service", name).Msg("failed to read service state")
		}
		out[name] = running
	}

	out[config.DriveServiceName] = m.drive.Enabled()
	return out
}

// Toggle starts (on) or stops (off) the named service and returns its state
// afterwards. The drive toggle flips immediately.
func (m *Manager) Toggle(ctx context.Context, name string, on bool) (bool, error) {
	if name == config.DriveServiceName {
		m.drive.Set(on)
		m.logger.Info().Bool("enabled", on).Msg("drive toggled")
		m.publish(name, on)
		return on, nil
	}

	svc, ok := m.services[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}

	action := svc.Stop
	if on {
		action = svc.Start
	}
	if err := action(ctx); err != nil {
		m.logger.Error().Err(err).Str("service", name).Bool("on", on).Msg("service toggle failed")
		return false, err
	}

	running, err := svc.Running(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Str("service", name).Msg("failed to read service state")
	}

	m.logger.Info().
		Str("service", name).
		Str("kind", string(svc.Kind())).
		Bool("running", running).
		Msg("service toggled")
	m.publish(name, running)

	return running, nil
}

func (m *Manager) publish(name string, on bool) {
	if m.bus == nil {
		return
	}
	state := "off"
	if on {
		state = "on"
	}
	m.bus.Publish(events.Event{
		Type:    events.ServiceToggled,
		Subject: name,
		Data:    map[string]any{"state": state},
	})
}
