package supervisor_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kernelcell/kernelcell/internal/profile"
	"github.com/kernelcell/kernelcell/internal/runenv"
	"github.com/kernelcell/kernelcell/internal/supervisor"
)

func testEnv(t *testing.T, argv ...string) *runenv.RunEnv {
	t.Helper()
	runRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(runRoot, "runtime"), 0o755))
	return &runenv.RunEnv{
		RunID:      "test-run",
		Context:    runenv.RunContext{Workspace: runRoot, RunRoot: runRoot, Mode: profile.ModePassthrough},
		StdoutPath: filepath.Join(runRoot, "runtime", "kernel.out"),
		StderrPath: filepath.Join(runRoot, "runtime", "kernel.err"),
		Argv:       argv,
		Env:        []string{"PATH=/usr/bin:/bin"},
	}
}

func waitTerminal(t *testing.T, s *supervisor.Supervisor) {
	t.Helper()
	select {
	case <-s.Wait():
	case <-time.After(10 * time.Second):
		t.Fatal("child did not reach a terminal state")
	}
}

func TestStart_CleanExit(t *testing.T) {
	s := supervisor.New(testEnv(t, "/bin/sh", "-c", "exit 0"), supervisor.Config{})
	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)

	st := s.Status()
	assert.Equal(t, "exited", st.State)
	assert.Equal(t, 0, st.ExitCode)
	assert.NoError(t, s.Result())
}

func TestStart_NonzeroExit(t *testing.T) {
	s := supervisor.New(testEnv(t, "/bin/sh", "-c", "exit 3"), supervisor.Config{})
	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)

	st := s.Status()
	assert.Equal(t, "exited", st.State)
	assert.Equal(t, 3, st.ExitCode)

	var rf *supervisor.RuntimeFailureError
	require.ErrorAs(t, s.Result(), &rf)
	assert.Equal(t, supervisor.Exited, rf.State)
	assert.Equal(t, 3, rf.ExitCode)
}

func TestStart_KilledBySignal(t *testing.T) {
	s := supervisor.New(testEnv(t, "/bin/sh", "-c", "kill -TERM $$"), supervisor.Config{})
	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)

	st := s.Status()
	assert.Equal(t, "killed", st.State)
	assert.Equal(t, "terminated", st.Reason)

	var rf *supervisor.RuntimeFailureError
	require.ErrorAs(t, s.Result(), &rf)
	assert.Equal(t, supervisor.Killed, rf.State)
}

func TestStart_LaunchError(t *testing.T) {
	s := supervisor.New(testEnv(t, "/no/such/binary"), supervisor.Config{})
	err := s.Start(context.Background())
	require.Error(t, err)

	var le *supervisor.LaunchError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "failed", s.Status().State)
	waitTerminal(t, s)
	require.NoError(t, s.Stop(context.Background()))
}

func TestStart_AlreadyRunning(t *testing.T) {
	s := supervisor.New(testEnv(t, "/bin/sleep", "30"), supervisor.Config{})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	err := s.Start(context.Background())
	require.ErrorIs(t, err, supervisor.ErrAlreadyRunning)
}

func TestStart_ConcurrentStartsOneWinner(t *testing.T) {
	s := supervisor.New(testEnv(t, "/bin/sleep", "30"), supervisor.Config{})
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- s.Start(context.Background()) }()
	}
	a, b := <-errs, <-errs

	if a == nil {
		require.ErrorIs(t, b, supervisor.ErrAlreadyRunning)
	} else {
		require.ErrorIs(t, a, supervisor.ErrAlreadyRunning)
		require.NoError(t, b)
	}
	assert.Equal(t, "running", s.Status().State)
}

func TestStart_CancelledBeforeExec(t *testing.T) {
	s := supervisor.New(testEnv(t, "/bin/sh", "-c", "exit 0"), supervisor.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// A pre-exec abort has no side effects; the run context is still usable.
	assert.Equal(t, "idle", s.Status().State)
	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)
	assert.Equal(t, "exited", s.Status().State)
}

func TestStart_NoRestartAfterTerminal(t *testing.T) {
	s := supervisor.New(testEnv(t, "/bin/sh", "-c", "exit 1"), supervisor.Config{})
	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)

	err := s.Start(context.Background())
	var rf *supervisor.RuntimeFailureError
	require.ErrorAs(t, err, &rf)
}

func TestStart_PortReadiness(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	env := testEnv(t, "/bin/sleep", "30")
	env.Context.Port = port
	s := supervisor.New(env, supervisor.Config{StartupTimeout: 5 * time.Second})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	assert.Equal(t, "running", s.Status().State)
}

func TestStart_StartupTimeout(t *testing.T) {
	env := testEnv(t, "/bin/sleep", "30")
	env.Context.Port = 1 // nothing listens on tcp/1
	s := supervisor.New(env, supervisor.Config{StartupTimeout: 500 * time.Millisecond})

	err := s.Start(context.Background())
	require.Error(t, err)

	var ste *supervisor.StartupTimeoutError
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, 1, ste.Port)

	// The terminal state was recorded before the kill, so the reaper's
	// signal observation cannot override it.
	st := s.Status()
	assert.Equal(t, "failed", st.State)
	assert.Contains(t, st.Reason, "startup timeout")
}

func TestStop_GracefulTermination(t *testing.T) {
	s := supervisor.New(testEnv(t, "/bin/sleep", "30"), supervisor.Config{})
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop(context.Background()))

	st := s.Status()
	assert.Equal(t, "killed", st.State)
	assert.Equal(t, "terminated", st.Reason)
}

func TestStop_Escalation(t *testing.T) {
	// The child traps the graceful signal and keeps running; Stop must
	// escalate to a group kill after the grace window.
	s := supervisor.New(
		testEnv(t, "/bin/sh", "-c", "trap '' TERM; while :; do sleep 1; done"),
		supervisor.Config{StopGrace: 200 * time.Millisecond},
	)
	require.NoError(t, s.Start(context.Background()))

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), 10*time.Second)

	st := s.Status()
	assert.Equal(t, "killed", st.State)
	assert.Equal(t, "killed", st.Reason)
}

func TestStop_IdleNoSignal(t *testing.T) {
	var signals atomic.Int32
	restore := supervisor.SetSignalGroup(func(pgid int, sig unix.Signal) error {
		signals.Add(1)
		return nil
	})
	defer restore()

	s := supervisor.New(testEnv(t, "/bin/true"), supervisor.Config{})
	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, signals.Load())
}

func TestStop_AfterExitNoSignal(t *testing.T) {
	s := supervisor.New(testEnv(t, "/bin/sh", "-c", "exit 0"), supervisor.Config{})
	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)

	var signals atomic.Int32
	restore := supervisor.SetSignalGroup(func(pgid int, sig unix.Signal) error {
		signals.Add(1)
		return nil
	})
	defer restore()

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, signals.Load())
	assert.Equal(t, "exited", s.Status().State)
}

func TestStatus_Snapshot(t *testing.T) {
	s := supervisor.New(testEnv(t, "/bin/sleep", "30"), supervisor.Config{})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	st := s.Status()
	assert.Equal(t, "test-run", st.RunID)
	assert.Equal(t, "running", st.State)
	assert.NotZero(t, st.PID)
	assert.False(t, st.StartedAt.IsZero())
}
