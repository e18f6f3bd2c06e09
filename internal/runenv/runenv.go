// Package runenv provisions the ephemeral per-run directory tree and derives
// the launch specification for the sandboxed kernel process. The run-root
// owns every artifact a run produces: the compiled profile, the launch spec,
// redirected runtime/data/config/cache directories, and log files. Nothing
// in the ambient user or system configuration is visible to the child.
package runenv

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kernelcell/kernelcell/internal/policy"
	"github.com/kernelcell/kernelcell/internal/profile"
)

// RunContext identifies one sandboxed run. The caller owns exclusive use of
// RunRoot for the lifetime of the run; run-roots are never shared across
// concurrent runs.
type RunContext struct {
	Workspace string
	RunRoot   string
	Port      int
	Mode      profile.Mode
	Trace     bool
}

// Subdirectories created under the run-root before launch.
var runRootDirs = []string{"config", "data", "mpl", "runtime", "tmp"}

// DefaultEnvAllowlist is the parent environment subset passed through when
// the policy does not name its own passthrough list.
var DefaultEnvAllowlist = []string{
	"HOME", "LOGNAME", "PATH", "SHELL", "TEMP", "TMP", "TMPDIR", "USER", "USERNAME",
}

// ProvisionError is a fatal filesystem setup failure. There is no partial
// recovery: the caller must provision a fresh run-root.
type ProvisionError struct {
	Path string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Path, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Options carries provisioning inputs beyond the run context.
type Options struct {
	// ChildArgv is the real kernel command the launch spec wraps.
	ChildArgv []string

	// RunID identifies the run in artifacts and status payloads.
	// Generated when empty.
	RunID string

	// SandboxExecPath overrides the sandbox primitive location. Resolved
	// from PATH in seatbelt mode when empty.
	SandboxExecPath string

	// PlatformDirs opts the wrapped application into platform-standard
	// directory resolution.
	PlatformDirs bool

	// ParentEnv is the environment to filter. Defaults to os.Environ().
	ParentEnv []string
}

// RunEnv is the provisioned launch state for one run.
type RunEnv struct {
	RunID          string
	Context        RunContext
	ProfilePath    string
	LaunchSpecPath string
	TracePath      string // empty unless tracing was enabled
	StdoutPath     string
	StderrPath     string
	Argv           []string
	Env            []string
}

// launchSpec is the config/launch.json artifact. It records the exact
// wrapped invocation so a run is reproducible and auditable.
type launchSpec struct {
	RunID           string   `json:"run_id"`
	Mode            string   `json:"mode"`
	Workspace       string   `json:"workspace"`
	Port            int      `json:"port"`
	ProfilePath     string   `json:"profile_path"`
	ProfileChecksum string   `json:"profile_checksum"`
	Argv            []string `json:"argv"`
	Env             []string `json:"env"`
}

// TraceDir returns the dedicated denial-diagnostics directory for a run-root,
// kept separate from the child's own stdout/stderr logs.
func TraceDir(runRoot string) string {
	return filepath.Join(runRoot, "runtime", "trace")
}

// TracePath returns the denial trace file the compiled profile routes the
// sandbox primitive's diagnostics to.
func TracePath(runRoot string) string {
	return filepath.Join(TraceDir(runRoot), "seatbelt.trace.log")
}

// Provision idempotently creates the run-root tree and writes the profile
// and launch spec via atomic write-then-rename. Provisioning the same
// run-root twice with the same compiled profile leaves the tree and the
// profile checksum unchanged.
func Provision(rc RunContext, compiled *profile.Compiled, pol *policy.Policy, opts Options) (*RunEnv, error) {
	if len(opts.ChildArgv) == 0 {
		return nil, &ProvisionError{Path: rc.RunRoot, Err: fmt.Errorf("child command is required")}
	}

	for _, dir := range runRootDirs {
		full := filepath.Join(rc.RunRoot, dir)
		if err := os.MkdirAll(full, 0o755); err != nil {
			return nil, &ProvisionError{Path: full, Err: err}
		}
	}

	tracePath := ""
	if rc.Trace {
		tracePath = TracePath(rc.RunRoot)
		if err := os.MkdirAll(TraceDir(rc.RunRoot), 0o755); err != nil {
			return nil, &ProvisionError{Path: TraceDir(rc.RunRoot), Err: err}
		}
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	profilePath := filepath.Join(rc.RunRoot, "config", "profile.sb")
	if err := writeFileAtomic(profilePath, []byte(compiled.Text)); err != nil {
		return nil, err
	}

	argv, err := wrapArgv(rc.Mode, profilePath, opts)
	if err != nil {
		return nil, err
	}
	env := childEnv(rc, pol, opts)

	spec := launchSpec{
		RunID:           runID,
		Mode:            string(rc.Mode),
		Workspace:       rc.Workspace,
		Port:            rc.Port,
		ProfilePath:     profilePath,
		ProfileChecksum: compiled.Checksum,
		Argv:            argv,
		Env:             env,
	}
	specJSON, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return nil, &ProvisionError{Path: rc.RunRoot, Err: fmt.Errorf("encoding launch spec: %w", err)}
	}
	launchSpecPath := filepath.Join(rc.RunRoot, "config", "launch.json")
	if err := writeFileAtomic(launchSpecPath, append(specJSON, '\n')); err != nil {
		return nil, err
	}

	return &RunEnv{
		RunID:          runID,
		Context:        rc,
		ProfilePath:    profilePath,
		LaunchSpecPath: launchSpecPath,
		TracePath:      tracePath,
		StdoutPath:     filepath.Join(rc.RunRoot, "runtime", "kernel.out"),
		StderrPath:     filepath.Join(rc.RunRoot, "runtime", "kernel.err"),
		Argv:           argv,
		Env:            env,
	}, nil
}

// wrapArgv prefixes the child command with the sandbox primitive in seatbelt
// mode. Passthrough launches the child directly.
func wrapArgv(mode profile.Mode, profilePath string, opts Options) ([]string, error) {
	if mode != profile.ModeSeatbelt {
		return append([]string{}, opts.ChildArgv...), nil
	}

	sx := opts.SandboxExecPath
	if sx == "" {
		resolved, err := exec.LookPath("sandbox-exec")
		if err != nil {
			return nil, &ProvisionError{Path: "sandbox-exec", Err: fmt.Errorf("sandbox primitive not found: %w", err)}
		}
		sx = resolved
	}

	argv := []string{sx, "-f", profilePath}
	return append(argv, opts.ChildArgv...), nil
}

// childEnv builds the isolated child environment: allowlist-filtered parent
// variables, run-root redirects for the child's config/data/runtime/cache
// search paths, then explicit policy overrides, which always win.
func childEnv(rc RunContext, pol *policy.Policy, opts Options) []string {
	parent := opts.ParentEnv
	if parent == nil {
		parent = os.Environ()
	}

	allowlist := DefaultEnvAllowlist
	if pol != nil && len(pol.Env.Passthrough) > 0 {
		allowlist = pol.Env.Passthrough
	}

	env := make(map[string]string)
	allowed := make(map[string]bool, len(allowlist))
	for _, k := range allowlist {
		allowed[k] = true
	}
	for _, entry := range parent {
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if allowed[k] {
			env[k] = v
		}
	}

	// Redirect the wrapped runtime's search paths into the run-root so no
	// ambient user- or system-level configuration leaks in.
	env["JUPYTER_RUNTIME_DIR"] = filepath.Join(rc.RunRoot, "runtime")
	env["JUPYTER_DATA_DIR"] = filepath.Join(rc.RunRoot, "data")
	env["JUPYTER_CONFIG_DIR"] = filepath.Join(rc.RunRoot, "config")
	env["MPLCONFIGDIR"] = filepath.Join(rc.RunRoot, "mpl")
	env["PYTHONPYCACHEPREFIX"] = filepath.Join(rc.RunRoot, "mpl", "pycache")
	env["TMPDIR"] = filepath.Join(rc.RunRoot, "tmp")
	env["TMP"] = filepath.Join(rc.RunRoot, "tmp")
	env["TEMP"] = filepath.Join(rc.RunRoot, "tmp")
	if opts.PlatformDirs {
		env["JUPYTER_PLATFORM_DIRS"] = "1"
	}

	if pol != nil {
		for k, v := range pol.Env.Set {
			env[k] = v
		}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &ProvisionError{Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &ProvisionError{Path: path, Err: err}
	}
	return nil
}

// Echo copies the compiled profile into the diagnostics echo directory.
// Echo failures are reported but are the caller's choice to ignore: the
// echo is observability, not enforcement.
func Echo(echoDir string, compiled *profile.Compiled) error {
	if err := os.MkdirAll(echoDir, 0o755); err != nil {
		return fmt.Errorf("policy echo: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(echoDir, "profile.sb"), []byte(compiled.Text)); err != nil {
		return fmt.Errorf("policy echo: %w", err)
	}
	return nil
}
