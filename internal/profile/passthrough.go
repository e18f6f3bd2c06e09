package profile

import (
	"fmt"

	"github.com/kernelcell/kernelcell/internal/policy"
)

// PassthroughCompiler is the no-confinement backend. It still runs the full
// fail-closed validation pipeline (unrecognized fields, traversal, guards)
// so a policy that would not compile for seatbelt does not silently run
// unconfined, but the emitted profile is a marker and the launch spec wraps
// nothing around the child.
type PassthroughCompiler struct {
	opts Options
}

// Compile validates the policy and emits the passthrough marker profile.
func (c *PassthroughCompiler) Compile(p *policy.Policy) (*Compiled, error) {
	// Reuse the seatbelt pipeline for validation, discard its text.
	vet := &SeatbeltCompiler{opts: c.opts}
	if _, err := vet.Compile(p); err != nil {
		return nil, err
	}

	text := fmt.Sprintf(";; kernelcell passthrough profile\n;; NO CONFINEMENT IS APPLIED\n;; workspace: %s\n;; run-root: %s\n", c.opts.Workspace, c.opts.RunRoot)
	return &Compiled{Mode: ModePassthrough, Text: text, Checksum: checksum(text)}, nil
}
