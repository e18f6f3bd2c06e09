// Package trace captures the sandbox primitive's denial diagnostics. The
// compiled profile routes denials to a file in a dedicated echo directory;
// the watcher tails that file and keeps both the raw text verbatim and a
// best-effort structured summary (denial count per operation). Raw output
// is the source of truth; the summary never replaces it.
package trace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Summary is the structured view over the denial stream.
type Summary struct {
	// Denials maps a denied operation (e.g. "file-read-data",
	// "network-outbound") to the number of times it was denied.
	Denials map[string]int
	// Lines is the total number of trace lines observed, parsed or not.
	Lines int
}

// Watcher tails one denial trace file. The file usually does not exist
// until the sandboxed child triggers its first denial, so the watcher
// watches the parent directory and picks the file up on creation.
type Watcher struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	raw     strings.Builder
	partial string
	offset  int64
	summary Summary

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWatcher creates a watcher for the given trace file. The parent
// directory must exist.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("trace watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("trace watcher: watching %s: %w", filepath.Dir(path), err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		path:    path,
		logger:  logger,
		watcher: fw,
		summary: Summary{Denials: make(map[string]int)},
		closed:  make(chan struct{}),
	}
	return w, nil
}

// Start begins tailing in a background goroutine until ctx is cancelled or
// Close is called. Content already present in the file is consumed first.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	// Catch up on anything written before the watch started.
	w.drain()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.drain()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("trace watch error", slog.String("error", err.Error()))
		}
	}
}

// drain reads everything appended since the last offset.
func (w *Watcher) drain() {
	f, err := os.Open(w.path)
	if err != nil {
		return // not created yet
	}
	defer f.Close()

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) == 0 {
		return
	}
	w.offset += int64(len(data))
	w.raw.Write(data)

	chunk := w.partial + string(data)
	lines := strings.Split(chunk, "\n")
	w.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		w.observe(line)
	}
}

// observe parses one trace line. Seatbelt denial lines look like
// "deny file-read-data /private/etc/hosts"; anything unparseable is only
// counted.
func (w *Watcher) observe(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	w.summary.Lines++

	fields := strings.Fields(line)
	for i, field := range fields {
		if field == "deny" && i+1 < len(fields) {
			w.summary.Denials[fields[i+1]]++
			return
		}
	}
}

// Raw returns the denial stream verbatim.
func (w *Watcher) Raw() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.raw.String()
}

// Snapshot returns a copy of the structured summary.
func (w *Watcher) Snapshot() Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := Summary{Denials: make(map[string]int, len(w.summary.Denials)), Lines: w.summary.Lines}
	for op, n := range w.summary.Denials {
		out.Denials[op] = n
	}
	return out
}

// Close stops the watcher after a final drain.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.drain()
		close(w.closed)
		err = w.watcher.Close()
	})
	return err
}
