// Package bridge exposes lifecycle control over a line-oriented stdio
// protocol. Requests are newline-delimited JSON objects {"op": ..., "params":
// ...}; every request gets exactly one response, {"status":"ok","payload":
// ...} or {"status":"error","message": ...}, delivered strictly in request
// order. The bridge dispatches serially, so at most one operation is in
// flight per run context and control operations can never race each other.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kernelcell/kernelcell/internal/supervisor"
)

// Controller is the lifecycle surface the bridge drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() supervisor.Status
}

// Request is one control-protocol request line.
type Request struct {
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one control-protocol response line.
type Response struct {
	Status  string `json:"status"`
	Payload any    `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}

// Bridge reads requests from in and writes responses to out.
type Bridge struct {
	ctrl   Controller
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// New creates a Bridge over the given transport.
func New(ctrl Controller, in io.Reader, out io.Writer, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{ctrl: ctrl, in: in, out: out, logger: logger}
}

// Run serves the control protocol until the input stream closes or ctx is
// cancelled. A closed input is a clean shutdown: the orchestrator hung up.
// Reads happen on their own goroutine so cancellation takes effect even
// while a read on an open stream is blocked; dispatch stays serial, so
// responses are still delivered strictly in request order.
func (b *Bridge) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(b.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(b.out)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		var line []byte
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("reading control stream: %w", err)
					}
				default:
				}
				return nil
			}
			line = l
		}
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(Response{Status: "error", Message: fmt.Sprintf("malformed request: %v", err)}); err != nil {
				return fmt.Errorf("writing response: %w", err)
			}
			continue
		}

		resp := b.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, req Request) Response {
	b.logger.Debug("control request", slog.String("op", req.Op))

	switch req.Op {
	case "start":
		if err := b.ctrl.Start(ctx); err != nil {
			return errorResponse(err)
		}
		return Response{Status: "ok", Payload: b.ctrl.Status()}
	case "stop":
		if err := b.ctrl.Stop(ctx); err != nil {
			return errorResponse(err)
		}
		return Response{Status: "ok", Payload: b.ctrl.Status()}
	case "status":
		return Response{Status: "ok", Payload: b.ctrl.Status()}
	default:
		return Response{Status: "error", Message: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func errorResponse(err error) Response {
	if errors.Is(err, supervisor.ErrAlreadyRunning) {
		return Response{Status: "error", Message: "already running"}
	}
	return Response{Status: "error", Message: err.Error()}
}
