// Package profile compiles a validated policy into a native sandbox profile.
// Compilation is deterministic: the same policy always yields byte-identical
// profile text, so profiles can be diffed and audited across runs. The
// baseline is default-deny; every rule block only ever adds the allowances
// the policy names.
package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/kernelcell/kernelcell/internal/guard"
	"github.com/kernelcell/kernelcell/internal/policy"
)

// Mode selects the compiler backend.
type Mode string

const (
	// ModeSeatbelt compiles to macOS SBPL enforced by sandbox-exec.
	ModeSeatbelt Mode = "seatbelt"
	// ModePassthrough emits a marker profile and no confinement. Intended
	// for development hosts without the sandbox primitive.
	ModePassthrough Mode = "passthrough"
)

// ParseMode validates a mode string from the launch surface.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSeatbelt, ModePassthrough:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown sandbox mode %q (want %q or %q)", s, ModeSeatbelt, ModePassthrough)
	}
}

// Compiled is an immutable compilation result. Text is opaque rule text in
// the backend's native grammar; Checksum is "sha256:<hex>" over Text.
type Compiled struct {
	Mode     Mode
	Text     string
	Checksum string
}

// Compiler translates a policy into a native profile.
type Compiler interface {
	Compile(p *policy.Policy) (*Compiled, error)
}

// Options carries the run-scoped inputs a backend needs beyond the policy.
type Options struct {
	// Workspace is the workspace directory (informational; the policy's
	// macro resolution has already placed it in the path lists).
	Workspace string

	// RunRoot is the per-run artifact directory. The backend grants the
	// child access to the run-root subdirectories it needs at runtime.
	RunRoot string

	// TracePath, when non-empty, routes the sandbox primitive's denial
	// diagnostics to this file.
	TracePath string

	// Guards is the optional constraint engine consulted for every
	// permission before it is emitted. Nil means no guards.
	Guards *guard.Engine
}

// New returns the backend for the given mode.
func New(mode Mode, opts Options) (Compiler, error) {
	switch mode {
	case ModeSeatbelt:
		return &SeatbeltCompiler{opts: opts}, nil
	case ModePassthrough:
		return &PassthroughCompiler{opts: opts}, nil
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", mode)
	}
}

// checksum returns "sha256:<hex>" over the profile text.
func checksum(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ErrorKind classifies a PolicyError.
type ErrorKind string

const (
	// PathTraversal marks a path with a residual ".." segment.
	PathTraversal ErrorKind = "path traversal"
	// UnrecognizedField marks a policy field the compiler does not know.
	UnrecognizedField ErrorKind = "unrecognized field"
	// GuardDenied marks a permission rejected by a guard rule.
	GuardDenied ErrorKind = "guard denied"
)

// PolicyError is a fatal, fail-closed compilation rejection. No profile
// artifact is produced when one is returned.
type PolicyError struct {
	Kind    ErrorKind
	Subject string // offending path, field, or guard name
	Err     error
}

func (e *PolicyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("profile compiler: %s: %q: %v", e.Kind, e.Subject, e.Err)
	}
	return fmt.Sprintf("profile compiler: %s: %q", e.Kind, e.Subject)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// rejectUnrecognized refuses to compile a policy carrying fields the schema
// did not recognize. Unknown input must narrow permissions, never widen them.
func rejectUnrecognized(p *policy.Policy) error {
	if len(p.Unrecognized) > 0 {
		return &PolicyError{Kind: UnrecognizedField, Subject: p.Unrecognized[0]}
	}
	return nil
}

// checkGuards consults the guard engine for one subject.
func checkGuards(g *guard.Engine, s guard.Subject) error {
	if g == nil {
		return nil
	}
	effect, rule, err := g.Evaluate(s)
	if err != nil {
		return &PolicyError{Kind: GuardDenied, Subject: rule, Err: err}
	}
	if effect == guard.Deny {
		subject := s.Path
		if subject == "" {
			subject = s.Service
		}
		if subject == "" {
			subject = fmt.Sprintf("%s port %d", s.Category, s.Port)
		}
		return &PolicyError{Kind: GuardDenied, Subject: subject, Err: fmt.Errorf("denied by guard %q", rule)}
	}
	return nil
}
