package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelcell/kernelcell/internal/profile"
	"github.com/kernelcell/kernelcell/internal/runenv"
)

func newRaceEnv(t *testing.T, argv ...string) *runenv.RunEnv {
	t.Helper()
	runRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(runRoot, "runtime"), 0o755))
	return &runenv.RunEnv{
		RunID:      "race-run",
		Context:    runenv.RunContext{Workspace: runRoot, RunRoot: runRoot, Mode: profile.ModePassthrough},
		StdoutPath: filepath.Join(runRoot, "runtime", "kernel.out"),
		StderrPath: filepath.Join(runRoot, "runtime", "kernel.err"),
		Argv:       argv,
		Env:        []string{"PATH=/usr/bin:/bin"},
	}
}

func TestStop_DuringLaunchWindow(t *testing.T) {
	// A Stop landing between the Starting transition and the pid being
	// recorded must not report success while the launch proceeds.
	s := New(newRaceEnv(t, "/bin/sleep", "30"), Config{})
	s.mu.Lock()
	s.state = Starting
	s.mu.Unlock()

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned while the launch was still in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	s.mu.Lock()
	requested := s.stopRequested
	s.mu.Unlock()
	assert.True(t, requested)

	// The launch fails before a process exists; Stop then completes.
	s.failNoProcess("launch aborted")
	require.NoError(t, <-stopped)
	assert.Equal(t, "failed", s.Status().State)
}

func TestStart_HonorsStopRequestedDuringLaunch(t *testing.T) {
	s := New(newRaceEnv(t, "/bin/sleep", "30"), Config{})
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()

	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Wait():
	case <-time.After(10 * time.Second):
		t.Fatal("child was not killed")
	}
	assert.Equal(t, "killed", s.Status().State)
}
