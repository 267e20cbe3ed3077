// Package supervisor starts the backend process once per container and
// reports when it is ready to accept traffic.
//
// The liveness marker is the only record that the backend was started. The
// supervisor keeps no in-memory "started" flag: the host runtime may hand
// later invocations to a different process image, so every Ensure consults
// the marker store.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"serverless-launcher/internal/config"
	"serverless-launcher/internal/metrics"
)

const loopback = "127.0.0.1"

// ErrBackendExited is returned when the backend exits before it is ready.
var ErrBackendExited = errors.New("backend exited before becoming ready")

// State is the backend lifecycle as seen by this container.
type State int

const (
	// StateCold means no liveness marker exists.
	StateCold State = iota
	// StateStarting means this launcher has spawned the backend and is waiting for readiness.
	StateStarting
	// StateReady means the liveness marker exists.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Options controls how the backend is launched and probed.
type Options struct {
	Argv        []string
	Port        int
	PortEnv     string
	ReadyText   string
	EnvDefaults map[string]string
	// Dev picks a free port and keeps the child attached to the launcher.
	Dev bool

	// ReadyTimeout bounds the whole readiness wait; zero waits forever.
	ReadyTimeout  time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// LockPath, when set, serializes the cold start check across launchers
	// with an advisory file lock.
	LockPath string

	// Stdout receives the backend's standard output. Defaults to os.Stdout.
	Stdout io.Writer
	// Environ supplies the launcher environment. Defaults to os.Environ.
	Environ func() []string
}

// OptionsFromConfig maps launcher configuration onto supervisor options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Argv:          cfg.Backend.Argv(),
		Port:          cfg.Backend.Port,
		PortEnv:       cfg.Backend.PortEnv,
		ReadyText:     cfg.Backend.Ready(),
		EnvDefaults:   cfg.Backend.EnvDefaults,
		Dev:           cfg.Launcher.Dev,
		ReadyTimeout:  cfg.Launcher.ReadyTimeout(),
		ProbeInterval: cfg.Launcher.ProbeInterval(),
		ProbeTimeout:  cfg.Launcher.ProbeTimeout(),
	}
	if cfg.Launcher.LockStartup {
		opts.LockPath = cfg.Launcher.MarkerPath + ".lock"
	}
	return opts
}

// Backend identifies the running backend.
type Backend struct {
	PID  int
	Port int
	// Cold is true when this call started the backend.
	Cold bool
}

// Addr returns the backend's loopback address.
func (b Backend) Addr() string {
	return net.JoinHostPort(loopback, strconv.Itoa(b.Port))
}

// Supervisor guarantees a running backend per container.
//
// Concurrent first invocations are not serialized unless Options.LockPath is
// set: each may find the marker absent and spawn its own backend, and the
// later one fails to bind the port.
type Supervisor struct {
	opts    Options
	markers MarkerStore
	spawner Spawner
	logger  *slog.Logger
	metrics *metrics.Metrics

	starting atomic.Int32
}

// New creates a Supervisor. The metrics parameter is optional; pass nil to
// disable startup metrics.
func New(opts Options, markers MarkerStore, spawner Spawner, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	return &Supervisor{
		opts:    opts,
		markers: markers,
		spawner: spawner,
		logger:  logger.With("component", "supervisor"),
		metrics: m,
	}
}

// State reports the backend lifecycle state.
func (s *Supervisor) State() (State, error) {
	if s.starting.Load() > 0 {
		return StateStarting, nil
	}
	_, ok, err := s.markers.Load()
	if err != nil {
		return StateCold, err
	}
	if ok {
		return StateReady, nil
	}
	return StateCold, nil
}

// Marker returns the current liveness marker, if any.
func (s *Supervisor) Marker() (Marker, bool, error) {
	return s.markers.Load()
}

// Ensure returns the running backend, starting it first when the liveness
// marker is absent. A startup blocks until the backend is ready, ctx ends,
// the configured ready timeout passes, or the backend exits.
func (s *Supervisor) Ensure(ctx context.Context) (Backend, error) {
	if b, ok, err := s.running(); err != nil || ok {
		return b, err
	}

	if s.opts.LockPath != "" {
		unlock, err := lockFile(s.opts.LockPath)
		if err != nil {
			return Backend{}, err
		}
		defer unlock()

		if b, ok, err := s.running(); err != nil || ok {
			return b, err
		}
	}

	return s.start(ctx)
}

func (s *Supervisor) running() (Backend, bool, error) {
	m, ok, err := s.markers.Load()
	if err != nil || !ok {
		return Backend{}, false, err
	}
	port := m.Port
	if port == 0 {
		port = s.opts.Port
	}
	return Backend{PID: m.PID, Port: port}, true, nil
}

func (s *Supervisor) start(ctx context.Context) (Backend, error) {
	s.starting.Add(1)
	defer s.starting.Add(-1)

	begin := time.Now()

	port := s.opts.Port
	if s.opts.Dev {
		p, err := freePort(s.opts.Port)
		if err != nil {
			s.recordStart("spawn_failed", begin)
			return Backend{}, fmt.Errorf("choose port: %w", err)
		}
		port = p
	}

	proc, err := s.spawner.Spawn(SpawnSpec{
		Argv:   s.opts.Argv,
		Env:    buildEnv(s.opts.Environ(), s.opts.EnvDefaults, s.opts.PortEnv, port),
		Detach: !s.opts.Dev,
	})
	if err != nil {
		s.recordStart("spawn_failed", begin)
		return Backend{}, err
	}
	s.logger.Info("backend spawned", "pid", proc.Pid(), "port", port, "argv", s.opts.Argv)

	ready := make(chan struct{})
	go forwardOutput(proc.Stdout(), s.opts.Stdout, s.opts.ReadyText, func() { close(ready) })

	if err := s.awaitReady(ctx, proc, port, ready); err != nil {
		// ctx belongs to the caller. Under serve it is the HTTP request
		// context, so a client that disconnects mid cold start gets the
		// backend killed and the next invocation starts it again.
		s.recordStart("not_ready", begin)
		if kerr := proc.Kill(); kerr != nil {
			s.logger.Warn("kill unready backend", "pid", proc.Pid(), "err", kerr)
		}
		return Backend{}, fmt.Errorf("wait for backend readiness: %w", err)
	}

	marker := Marker{PID: proc.Pid(), StartedAt: time.Now().UTC()}
	if s.opts.Dev {
		marker.Port = port
	}
	if err := s.markers.Save(marker); err != nil {
		s.recordStart("marker_failed", begin)
		return Backend{}, fmt.Errorf("save liveness marker: %w", err)
	}

	s.recordStart("ready", begin)
	s.logger.Info("Ready", "pid", proc.Pid(), "port", port, "startup_ms", time.Since(begin).Milliseconds())

	return Backend{PID: proc.Pid(), Port: port, Cold: true}, nil
}

// awaitReady waits for the readiness text (when configured) and then for
// the port to accept connections.
func (s *Supervisor) awaitReady(ctx context.Context, proc Process, port int, ready <-chan struct{}) error {
	if s.opts.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ReadyTimeout)
		defer cancel()
	}

	if s.opts.ReadyText != "" {
		select {
		case <-ready:
		case <-proc.Done():
			return ErrBackendExited
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	addr := net.JoinHostPort(loopback, strconv.Itoa(port))
	return waitTCP(ctx, addr, s.opts.ProbeInterval, s.opts.ProbeTimeout, proc.Done())
}

func (s *Supervisor) recordStart(result string, begin time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.BackendStarts.WithLabelValues(result).Inc()
	if result == "ready" {
		s.metrics.BackendStartupDuration.Observe(time.Since(begin).Seconds())
	}
}
