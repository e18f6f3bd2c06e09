// Package supervisor owns the lifecycle of one sandboxed kernel process.
// The process is tracked as a process group, not a bare pid: sandboxed
// children commonly spawn helpers that must die with the leader. States move
// only forward, Idle through Starting and Running into exactly one terminal
// state, driven by OS exit and signal events.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kernelcell/kernelcell/internal/runenv"
)

// State is the supervisor's position in the lifecycle state machine.
type State int

const (
	Idle State = iota
	Starting
	Running
	Exited
	Killed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Killed:
		return "killed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Exited || s == Killed || s == Failed
}

// Status is a point-in-time snapshot of the supervised process.
type Status struct {
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// ErrAlreadyRunning is returned by Start when the run context already has a
// live process.
var ErrAlreadyRunning = errors.New("already running")

// LaunchError is a fatal exec failure, wrapping the underlying OS error.
type LaunchError struct {
	Argv []string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %q: %v", e.Argv[0], e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// StartupTimeoutError reports that the child did not become ready within the
// bounded startup window. The process group has been killed.
type StartupTimeoutError struct {
	Timeout time.Duration
	Port    int
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("child did not accept connections on port %d within %s", e.Port, e.Timeout)
}

// RuntimeFailureError reports a terminal, non-clean child outcome. It is
// never auto-retried.
type RuntimeFailureError struct {
	State    State
	ExitCode int
	Reason   string
}

func (e *RuntimeFailureError) Error() string {
	switch e.State {
	case Exited:
		return fmt.Sprintf("child exited with code %d", e.ExitCode)
	case Killed:
		return fmt.Sprintf("child killed by signal %s", e.Reason)
	default:
		return fmt.Sprintf("child failed: %s", e.Reason)
	}
}

const (
	// DefaultStartupTimeout bounds the wait for the child's readiness port.
	DefaultStartupTimeout = 10 * time.Second
	// DefaultStopGrace is the window between the graceful signal and the
	// forceful group kill during shutdown.
	DefaultStopGrace = 2 * time.Second

	readyPollInterval = 250 * time.Millisecond
)

// signalGroup delivers a signal to the whole process group. Overridable so
// tests can count signal deliveries.
var signalGroup = func(pgid int, sig unix.Signal) error {
	return unix.Kill(-pgid, sig)
}

// Config tunes one Supervisor.
type Config struct {
	StartupTimeout time.Duration
	StopGrace      time.Duration
	Logger         *slog.Logger
}

// Supervisor drives one sandboxed child through its lifecycle. All control
// operations on one Supervisor are serialized through its mutex; no lock is
// held across a wait on the child, so status queries never block on a
// long-running process.
type Supervisor struct {
	env    *runenv.RunEnv
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	pid           int
	exitCode      int
	reason        string
	startedAt     time.Time
	stopRequested bool
	done          chan struct{}
}

// New creates a Supervisor for a provisioned run environment.
func New(env *runenv.RunEnv, cfg Config) *Supervisor {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		env:    env,
		cfg:    cfg,
		logger: logger,
		state:  Idle,
		done:   make(chan struct{}),
	}
}

// Start launches the sandbox-wrapped child and waits for it to become ready.
// Cancelling ctx before exec is a synchronous abort with no process side
// effects. A second Start against a live process returns ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Starting, Running:
		s.mu.Unlock()
		return ErrAlreadyRunning
	case Idle:
	default:
		s.mu.Unlock()
		return &RuntimeFailureError{State: s.state, ExitCode: s.exitCode, Reason: s.reason}
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = Starting
	s.mu.Unlock()

	stdout, stderr, err := s.openLogs()
	if err != nil {
		s.failNoProcess(err.Error())
		return err
	}

	cmd := exec.Command(s.env.Argv[0], s.env.Argv[1:]...)
	cmd.Dir = s.env.Context.Workspace
	cmd.Env = s.env.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		lerr := &LaunchError{Argv: s.env.Argv, Err: err}
		s.failNoProcess(lerr.Error())
		return lerr
	}

	s.mu.Lock()
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	stopPending := s.stopRequested
	s.mu.Unlock()
	s.logger.Info("child started",
		slog.String("run_id", s.env.RunID),
		slog.Int("pid", cmd.Process.Pid))

	go s.reap(cmd, stdout, stderr)

	if stopPending {
		// A Stop raced this launch before the pid existed; honor it now.
		s.killGroup()
	}

	if err := s.awaitReady(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == Starting {
		s.state = Running
	}
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) openLogs() (stdout, stderr *os.File, err error) {
	flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
	stdout, err = os.OpenFile(s.env.StdoutPath, flags, 0o644)
	if err != nil {
		return nil, nil, &LaunchError{Argv: s.env.Argv, Err: err}
	}
	stderr, err = os.OpenFile(s.env.StderrPath, flags, 0o644)
	if err != nil {
		stdout.Close()
		return nil, nil, &LaunchError{Argv: s.env.Argv, Err: err}
	}
	return stdout, stderr, nil
}

// awaitReady blocks until the child accepts loopback connections on the
// configured port. With port 0 there is no readiness signal to wait for and
// a surviving exec counts as ready.
func (s *Supervisor) awaitReady(ctx context.Context) error {
	port := s.env.Context.Port
	if port <= 0 {
		return nil
	}

	deadline := time.After(s.cfg.StartupTimeout)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for {
		conn, err := net.DialTimeout("tcp", addr, readyPollInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-s.done:
			// Child already reached a terminal state on its own; Status
			// carries the outcome.
			return nil
		case <-deadline:
			s.fail(fmt.Sprintf("startup timeout after %s", s.cfg.StartupTimeout))
			s.killGroup()
			<-s.done
			return &StartupTimeoutError{Timeout: s.cfg.StartupTimeout, Port: port}
		case <-ctx.Done():
			s.fail("cancelled during startup")
			s.killGroup()
			<-s.done
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

// reap waits for the child and records its terminal state, unless the
// supervisor already reached one (startup timeout, cancellation).
func (s *Supervisor) reap(cmd *exec.Cmd, stdout, stderr *os.File) {
	err := cmd.Wait()
	stdout.Close()
	stderr.Close()

	s.mu.Lock()
	defer close(s.done)
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}

	switch {
	case err == nil:
		s.state = Exited
		s.exitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				s.state = Killed
				s.reason = ws.Signal().String()
				break
			}
			s.state = Exited
			s.exitCode = exitErr.ExitCode()
			break
		}
		s.state = Failed
		s.reason = err.Error()
	}

	s.logger.Info("child finished",
		slog.String("run_id", s.env.RunID),
		slog.String("state", s.state.String()),
		slog.Int("exit_code", s.exitCode),
		slog.String("reason", s.reason))
}

// Stop shuts the child down, escalating from SIGTERM to a SIGKILL of the
// whole process group after the grace period. Stopping a process that has
// already reached a terminal state succeeds without issuing any signal. A
// Stop that arrives while a launch is in flight takes effect as soon as the
// process exists.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Idle || s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	pid := s.pid
	if pid == 0 {
		// The launch is still in flight and there is no pid to signal yet.
		// Record the request so Start kills the group as soon as the pid
		// exists, then wait for the terminal state.
		s.stopRequested = true
		s.mu.Unlock()
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Unlock()

	if err := signalGroup(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("graceful signal failed", slog.Int("pid", pid), slog.String("error", err.Error()))
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(s.cfg.StopGrace):
	case <-ctx.Done():
	}

	s.killGroup()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) killGroup() {
	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()
	if pid == 0 {
		return
	}
	if err := signalGroup(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("group kill failed", slog.Int("pid", pid), slog.String("error", err.Error()))
	}
}

// fail records a terminal Failed state if none has been reached yet.
func (s *Supervisor) fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = Failed
	s.reason = reason
}

// failNoProcess records Failed for a launch that never produced a process,
// so there is no reaper to close the done channel.
func (s *Supervisor) failNoProcess(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = Failed
	s.reason = reason
	close(s.done)
}

// Status returns a snapshot of the current lifecycle state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		RunID:     s.env.RunID,
		State:     s.state.String(),
		PID:       s.pid,
		ExitCode:  s.exitCode,
		Reason:    s.reason,
		StartedAt: s.startedAt,
	}
}

// Wait returns a channel closed when the child reaches a terminal state.
func (s *Supervisor) Wait() <-chan struct{} {
	return s.done
}

// Result maps the terminal state to the error taxonomy: nil for a clean
// exit, a RuntimeFailureError otherwise. It returns nil while the process
// is still live.
func (s *Supervisor) Result() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		return nil
	}
	if s.state == Exited && s.exitCode == 0 {
		return nil
	}
	return &RuntimeFailureError{State: s.state, ExitCode: s.exitCode, Reason: s.reason}
}
