// Package policy loads and validates the declarative access-control policy
// that drives profile compilation. A policy document describes the filesystem,
// network, and IPC operations the sandboxed kernel process is permitted to
// perform; everything not named is denied.
package policy

import (
	"fmt"
	"sort"
)

// NetworkMode selects the network posture of the sandbox.
type NetworkMode string

const (
	// NetworkDisabled compiles to an explicit deny-all network rule.
	NetworkDisabled NetworkMode = "disabled"
	// NetworkLoopback permits loopback traffic only.
	NetworkLoopback NetworkMode = "loopback"
)

// NetworkPolicy describes permitted network access. Ports is only meaningful
// in loopback mode and narrows allowances to the listed local ports.
type NetworkPolicy struct {
	Mode  NetworkMode
	Ports []int
}

// GuardRule is a CEL constraint evaluated against every permission the
// compiler is about to emit. Effect "deny" aborts compilation.
type GuardRule struct {
	Name       string
	Expression string
	Effect     string
}

// EnvPolicy controls the child's environment. Passthrough names parent
// variables copied into the child; Set entries always win over passthrough.
type EnvPolicy struct {
	Set         map[string]string
	Passthrough []string
}

// Policy is the validated, macro-resolved form of a policy document.
// All paths are absolute and deduplicated. The loader does not collapse
// ".." segments; the compiler rejects them fail-closed.
type Policy struct {
	AllowReadPaths  []string
	AllowWritePaths []string
	AllowReadAll    bool
	Network         NetworkPolicy
	MachLookups     []string
	Env             EnvPolicy
	Guards          []GuardRule

	// Unrecognized holds document keys that matched no schema field.
	// The loader rejects any; the compiler independently refuses to
	// compile a Policy carrying them.
	Unrecognized []string
}

// ConfigError is a fatal policy-input error raised before any process start.
type ConfigError struct {
	Path  string // policy document path, if known
	Field string // offending field or path value
	Err   error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Path != "" && e.Field != "":
		return fmt.Sprintf("policy %s: field %q: %v", e.Path, e.Field, e.Err)
	case e.Path != "":
		return fmt.Sprintf("policy %s: %v", e.Path, e.Err)
	case e.Field != "":
		return fmt.Sprintf("policy field %q: %v", e.Field, e.Err)
	default:
		return fmt.Sprintf("policy: %v", e.Err)
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Validate checks the structural invariants the compiler relies on.
func (p *Policy) Validate() error {
	for _, path := range append(append([]string{}, p.AllowReadPaths...), p.AllowWritePaths...) {
		if len(path) == 0 || path[0] != '/' {
			return &ConfigError{Field: path, Err: fmt.Errorf("path must be absolute after macro resolution")}
		}
	}

	switch p.Network.Mode {
	case NetworkDisabled, NetworkLoopback:
	default:
		return &ConfigError{Field: string(p.Network.Mode), Err: fmt.Errorf("network mode must be %q or %q", NetworkDisabled, NetworkLoopback)}
	}

	for _, port := range p.Network.Ports {
		if port < 1 || port > 65535 {
			return &ConfigError{Field: fmt.Sprintf("%d", port), Err: fmt.Errorf("network port out of range")}
		}
	}
	if len(p.Network.Ports) > 0 && p.Network.Mode == NetworkDisabled {
		return &ConfigError{Field: "network.ports", Err: fmt.Errorf("ports require loopback mode")}
	}

	for _, name := range p.MachLookups {
		if name == "" {
			return &ConfigError{Field: "mach_lookups", Err: fmt.Errorf("service name must not be empty")}
		}
	}

	for i, g := range p.Guards {
		if g.Name == "" {
			return &ConfigError{Field: fmt.Sprintf("guards[%d]", i), Err: fmt.Errorf("guard name is required")}
		}
		if g.Expression == "" {
			return &ConfigError{Field: g.Name, Err: fmt.Errorf("guard expression is required")}
		}
		if g.Effect != "deny" && g.Effect != "allow" {
			return &ConfigError{Field: g.Name, Err: fmt.Errorf("guard effect must be 'allow' or 'deny', got %q", g.Effect)}
		}
	}

	return nil
}

// sortedUnique normalizes a path list into sorted, deduplicated order so the
// compiled profile is a pure function of the policy content.
func sortedUnique(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
