// Command kernelcell compiles a declarative access-control policy into a
// native sandbox profile, provisions an isolated per-run filesystem,
// launches the wrapped kernel process under that profile, and serves
// start/stop/status over newline-delimited JSON on stdio.
//
// Usage:
//
//	kernelcell [flags] <policy.yaml> <workspace> <run_root> [-- child command...]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kernelcell/kernelcell/internal/bridge"
	"github.com/kernelcell/kernelcell/internal/guard"
	"github.com/kernelcell/kernelcell/internal/policy"
	"github.com/kernelcell/kernelcell/internal/profile"
	"github.com/kernelcell/kernelcell/internal/runenv"
	"github.com/kernelcell/kernelcell/internal/supervisor"
	"github.com/kernelcell/kernelcell/internal/trace"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Environment toggles, read once here and threaded as explicit options.
const (
	envDebug        = "KERNELCELL_DEBUG"
	envEchoDir      = "KERNELCELL_POLICY_ECHO_DIR"
	envPlatformDirs = "KERNELCELL_PLATFORM_DIRS"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	port := flag.Int("port", 0, "loopback readiness port of the wrapped kernel (0 = no readiness probe)")
	modeFlag := flag.String("mode", "seatbelt", "sandbox backend: seatbelt or passthrough")
	traceSandbox := flag.Bool("trace-sandbox", false, "capture sandbox denial diagnostics into the run-root trace directory")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("kernelcell %s (%s)\n", version, commit)
		return exitOK
	}

	args := flag.Args()
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: kernelcell [flags] <policy.yaml> <workspace> <run_root> [-- child command...]")
		return exitUsage
	}
	policyPath, workspace, runRoot := args[0], args[1], args[2]
	childArgv := args[3:]
	if len(childArgv) > 0 && childArgv[0] == "--" {
		childArgv = childArgv[1:]
	}
	if len(childArgv) == 0 {
		fmt.Fprintln(os.Stderr, "kernelcell: missing child command after --")
		return exitUsage
	}

	mode, err := profile.ParseMode(*modeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernelcell: %v\n", err)
		return exitUsage
	}

	debug := os.Getenv(envDebug) != ""
	echoDir := os.Getenv(envEchoDir)
	platformDirs := os.Getenv(envPlatformDirs) != ""

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	for name, p := range map[string]*string{"workspace": &workspace, "run_root": &runRoot, "policy": &policyPath} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			logger.Error("resolving path", slog.String("arg", name), slog.String("error", err.Error()))
			return exitUsage
		}
		*p = abs
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := runenv.RunContext{
		Workspace: workspace,
		RunRoot:   runRoot,
		Port:      *port,
		Mode:      mode,
		Trace:     *traceSandbox,
	}

	pol, err := policy.Load(policyPath, policy.Macros{Workspace: workspace, RunRoot: runRoot})
	if err != nil {
		logger.Error("loading policy", slog.String("error", err.Error()))
		return exitUsage
	}

	guards, err := guard.New(pol.Guards)
	if err != nil {
		logger.Error("compiling guards", slog.String("error", err.Error()))
		return exitUsage
	}

	compilerOpts := profile.Options{
		Workspace: workspace,
		RunRoot:   runRoot,
		Guards:    guards,
	}
	if *traceSandbox {
		compilerOpts.TracePath = runenv.TracePath(runRoot)
	}
	compiler, err := profile.New(mode, compilerOpts)
	if err != nil {
		logger.Error("selecting compiler backend", slog.String("error", err.Error()))
		return exitUsage
	}
	compiled, err := compiler.Compile(pol)
	if err != nil {
		logger.Error("compiling profile", slog.String("error", err.Error()))
		return exitUsage
	}
	if debug {
		logger.Debug("profile compiled",
			slog.String("mode", string(mode)),
			slog.String("checksum", compiled.Checksum))
	}

	if echoDir != "" {
		if err := runenv.Echo(echoDir, compiled); err != nil {
			logger.Warn("policy echo failed", slog.String("dir", echoDir), slog.String("error", err.Error()))
		} else if debug {
			logger.Debug("policy echoed", slog.String("dir", echoDir))
		}
	}

	env, err := runenv.Provision(rc, compiled, pol, runenv.Options{
		ChildArgv:    childArgv,
		PlatformDirs: platformDirs,
	})
	if err != nil {
		logger.Error("provisioning run environment", slog.String("error", err.Error()))
		return exitFatal
	}
	logger.Info("run environment provisioned",
		slog.String("run_id", env.RunID),
		slog.String("run_root", runRoot),
		slog.String("profile_checksum", compiled.Checksum))

	var watcher *trace.Watcher
	if *traceSandbox {
		watcher, err = trace.NewWatcher(env.TracePath, logger)
		if err != nil {
			logger.Error("starting trace watcher", slog.String("error", err.Error()))
			return exitFatal
		}
		watcher.Start(ctx)
		defer func() {
			watcher.Close()
			summary := watcher.Snapshot()
			if summary.Lines > 0 {
				logger.Info("sandbox denials observed",
					slog.Int("lines", summary.Lines),
					slog.Any("denials", summary.Denials))
			}
		}()
	}

	sup := supervisor.New(env, supervisor.Config{Logger: logger})
	if err := sup.Start(ctx); err != nil {
		logger.Error("starting child", slog.String("error", err.Error()))
		return exitFatal
	}

	// Control loop over our own stdio; the child's stdio is redirected into
	// run-root log files so it cannot corrupt the protocol stream.
	b := bridge.New(sup, os.Stdin, os.Stdout, logger)
	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("control loop failed", slog.String("error", err.Error()))
	}

	// The orchestrator hung up or we were signalled: shut the child down.
	childFailed := sup.Result()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*supervisor.DefaultStopGrace)
	defer cancel()
	if err := sup.Stop(shutdownCtx); err != nil {
		logger.Error("stopping child", slog.String("error", err.Error()))
		return exitFatal
	}

	// Propagate a child failure that happened before shutdown was requested;
	// a child we killed ourselves is a clean exit.
	var rf *supervisor.RuntimeFailureError
	if childFailed != nil {
		if errors.As(childFailed, &rf) && rf.State == supervisor.Exited && rf.ExitCode > 0 {
			return rf.ExitCode
		}
		return exitFatal
	}
	return exitOK
}
