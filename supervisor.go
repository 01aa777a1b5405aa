package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// readyFD is the descriptor number the child sees for the readiness pipe
// (ExtraFiles[0] is always fd 3).
const readyFD = 3

// SupervisorConfig holds configuration for creating a Supervisor
type SupervisorConfig struct {
	// LibraryPath is the library host executable; it must exist.
	LibraryPath string
	Args        []string
	Env         []string

	Endpoint    string
	ServiceName string
	Mode        string
	ErrorPolicy ErrorPolicy

	// MetricsAddr is handed to the library host, which serves its
	// invocation metrics there.
	MetricsAddr string

	// Policy decides on restarts; defaults to PolicyForMode(Mode).
	Policy RestartPolicy

	// RestartLimit caps the respawn rate (0 = unlimited).
	RestartLimit rate.Limit
	RestartBurst int

	Logger *zerolog.Logger
	Stdout io.Writer
	Stderr io.Writer
}

// Supervisor forks the library host process and replaces it under its
// RestartPolicy when it exits.
type Supervisor struct {
	cfg     SupervisorConfig
	policy  RestartPolicy
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu       sync.Mutex
	child    *child
	forks    int
	restarts int
	exits    int
	lastExit ExitStatus
	stopped  bool

	ready atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type child struct {
	cmd      *exec.Cmd
	ready    atomic.Bool
	readyCh  chan struct{}
	readDone chan struct{}
	exited   chan struct{}
	status   ExitStatus
}

// NewSupervisor validates cfg and creates a supervisor. It fails with a
// *ConfigurationError if the library path does not name an existing file.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	info, err := os.Stat(cfg.LibraryPath)
	if err != nil {
		return nil, &ConfigurationError{Field: "library_path", Err: fmt.Errorf("%s does not exist: %w", cfg.LibraryPath, err)}
	}
	if info.IsDir() {
		return nil, &ConfigurationError{Field: "library_path", Err: fmt.Errorf("%s is a directory", cfg.LibraryPath)}
	}

	if cfg.Endpoint == "" {
		port, err := findFreePort()
		if err != nil {
			return nil, &ConfigurationError{Field: "endpoint", Err: err}
		}
		cfg.Endpoint = fmt.Sprintf("tcp://127.0.0.1:%d", port)
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}

	s := &Supervisor{
		cfg:    cfg,
		policy: cfg.Policy,
	}
	if s.policy == nil {
		s.policy = PolicyForMode(cfg.Mode)
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	} else {
		s.logger = defaultLogger()
	}
	if cfg.RestartLimit > 0 {
		burst := cfg.RestartBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(cfg.RestartLimit, burst)
	}

	return s, nil
}

// Start forks the first library child
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	return s.fork()
}

// fork starts a fresh child and binds readiness and exit watchers to it
func (s *Supervisor) fork() error {
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create ready pipe: %w", err)
	}

	boot := BootstrapConfig{
		Role:        RoleLibrary,
		LibraryPath: s.cfg.LibraryPath,
		Endpoint:    s.cfg.Endpoint,
		ServiceName: s.cfg.ServiceName,
		ReadyFD:     readyFD,
		Mode:        s.cfg.Mode,
		ErrorPolicy: s.cfg.ErrorPolicy,
		MetricsAddr: s.cfg.MetricsAddr,
	}

	cmd := exec.Command(s.cfg.LibraryPath, s.cfg.Args...)
	cmd.Env = append(append(os.Environ(), s.cfg.Env...), boot.Env()...)
	cmd.ExtraFiles = []*os.File{pw}
	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("failed to start library process: %w", err)
	}
	pw.Close()

	c := &child{
		cmd:      cmd,
		readyCh:  make(chan struct{}),
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		pr.Close()
		return fmt.Errorf("supervisor stopped")
	}
	s.child = c
	s.forks++
	s.ready.Store(false)
	s.mu.Unlock()

	s.logger.Info().Int("pid", cmd.Process.Pid).Str("endpoint", s.cfg.Endpoint).Msg("library worker forked")

	s.wg.Add(2)
	go s.watchReady(c, pr)
	go s.watchExit(c)
	return nil
}

// watchReady waits for the child's readiness message
func (s *Supervisor) watchReady(c *child, pr *os.File) {
	defer s.wg.Done()
	defer close(c.readDone)
	defer pr.Close()

	sig, err := ReadReady(pr)
	if err != nil || !sig.Ready {
		return
	}

	c.ready.Store(true)
	close(c.readyCh)

	s.mu.Lock()
	if s.child == c {
		s.ready.Store(true)
	}
	s.mu.Unlock()

	s.logger.Info().Int("pid", c.cmd.Process.Pid).Msg("library worker ready")
}

// watchExit waits for the child to exit and applies the restart policy
func (s *Supervisor) watchExit(c *child) {
	defer s.wg.Done()

	_ = c.cmd.Wait()

	select {
	case <-c.readDone:
	case <-time.After(time.Second):
	}

	status := ExitStatus{PID: c.cmd.Process.Pid, Ready: c.ready.Load()}
	status.Code, status.Signal = exitDetails(c.cmd.ProcessState)
	c.status = status
	close(c.exited)

	s.mu.Lock()
	s.exits++
	s.lastExit = status
	if s.child == c {
		s.ready.Store(false)
	}
	stopped := s.stopped
	restarts := s.restarts
	s.mu.Unlock()

	s.logger.Error().
		Int("pid", status.PID).
		Int("code", status.Code).
		Str("signal", status.Signal).
		Msg("library worker exit")
	if !status.Ready {
		s.logger.Error().Err(&InitializationError{Err: errors.New("exited before signalling ready")}).
			Int("pid", status.PID).
			Msg("library worker failed to initialize")
	}

	if stopped {
		return
	}

	delay, restart := s.policy.Next(restarts, status)
	if !restart {
		s.logger.Warn().Int("restarts", restarts).Msg("library worker left down by restart policy")
		return
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.restarts++
	s.mu.Unlock()

	if err := s.fork(); err != nil {
		s.logger.Error().Err(err).Msg("library worker respawn failed")
	}
}

// exitDetails extracts exit code and terminating signal
func exitDetails(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return state.ExitCode(), ws.Signal().String()
	}
	return state.ExitCode(), ""
}

// WaitReady blocks until the current child signals readiness. It returns an
// *InitializationError if that child exits first.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	c := s.child
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("supervisor not started")
	}

	select {
	case <-c.readyCh:
		return nil
	case <-c.exited:
		if c.ready.Load() {
			return nil
		}
		return &InitializationError{Err: fmt.Errorf("library worker exited before ready (%s)", c.status)}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill terminates the current child immediately. The exit is handled like
// any other crash.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	c := s.child
	s.mu.Unlock()
	if c == nil || c.cmd.Process == nil {
		return fmt.Errorf("no library worker running")
	}
	return c.cmd.Process.Kill()
}

// Stop stops supervising, interrupts the child and kills it if it does not
// exit within two seconds.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	c := s.child
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	if c != nil && c.cmd.Process != nil {
		select {
		case <-c.exited:
		default:
			_ = c.cmd.Process.Signal(os.Interrupt)
			select {
			case <-c.exited:
			case <-time.After(2 * time.Second):
				_ = c.cmd.Process.Kill()
			}
		}
	}

	s.wg.Wait()
	return nil
}

// Ready reports whether the current child has signalled readiness
func (s *Supervisor) Ready() bool {
	return s.ready.Load()
}

// PID returns the current child's process ID, or 0 before Start
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil || s.child.cmd.Process == nil {
		return 0
	}
	return s.child.cmd.Process.Pid
}

// Endpoint returns the endpoint handed to every child
func (s *Supervisor) Endpoint() string {
	return s.cfg.Endpoint
}

// Forks returns how many children were started
func (s *Supervisor) Forks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forks
}

// Restarts returns how many children were started as replacements
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Exits returns how many children have exited
func (s *Supervisor) Exits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exits
}

// LastExit returns the status of the most recent child exit
func (s *Supervisor) LastExit() ExitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExit
}

var (
	supervisorForksDesc = prometheus.NewDesc(
		"dispatch_supervisor_forks_total",
		"Library worker processes started",
		nil, nil,
	)
	supervisorExitsDesc = prometheus.NewDesc(
		"dispatch_supervisor_exits_total",
		"Library worker processes exited",
		nil, nil,
	)
	supervisorReadyDesc = prometheus.NewDesc(
		"dispatch_supervisor_ready",
		"1 if the current library worker signalled readiness",
		nil, nil,
	)
)

// Describe implements prometheus.Collector
func (s *Supervisor) Describe(ch chan<- *prometheus.Desc) {
	ch <- supervisorForksDesc
	ch <- supervisorExitsDesc
	ch <- supervisorReadyDesc
}

// Collect implements prometheus.Collector
func (s *Supervisor) Collect(ch chan<- prometheus.Metric) {
	ready := 0.0
	if s.Ready() {
		ready = 1
	}
	ch <- prometheus.MustNewConstMetric(supervisorForksDesc, prometheus.CounterValue, float64(s.Forks()))
	ch <- prometheus.MustNewConstMetric(supervisorExitsDesc, prometheus.CounterValue, float64(s.Exits()))
	ch <- prometheus.MustNewConstMetric(supervisorReadyDesc, prometheus.GaugeValue, ready)
}
