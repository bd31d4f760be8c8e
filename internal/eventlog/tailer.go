package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/devloop-run/devloop/internal/model"
)

// DefaultTailInterval is the ~500ms poll cadence from spec.md §4.7.
const DefaultTailInterval = 500 * time.Millisecond

// Tailer reads only the bytes appended since its last Poll, splitting on
// newlines and holding back any partial trailing line until it is
// completed by a subsequent write (spec.md §5: readers tolerate partial
// lines).
type Tailer struct {
	path    string
	offset  int64
	partial []byte
}

// NewTailer creates a Tailer starting at the current end of the file, so
// callers only observe events appended after this point — matching wait()'s
// "tail from current end" semantics (spec.md §4.8).
func NewTailer(path string) (*Tailer, error) {
	t := &Tailer{path: path}
	if info, err := os.Stat(path); err == nil {
		t.offset = info.Size()
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat event log %s: %w", path, err)
	}
	return t, nil
}

// NewTailerFromStart creates a Tailer that will yield every event in the
// file on its first Poll.
func NewTailerFromStart(path string) *Tailer {
	return &Tailer{path: path}
}

// Poll returns every complete event appended since the last call.
func (t *Tailer) Poll() ([]model.Event, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log %s: %w", t.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat event log %s: %w", t.path, err)
	}
	if info.Size() < t.offset {
		// File was truncated/rotated out from under us; restart from 0.
		t.offset = 0
		t.partial = nil
	}
	if info.Size() == t.offset {
		return nil, nil
	}

	if _, err := f.Seek(t.offset, 0); err != nil {
		return nil, fmt.Errorf("seek event log %s: %w", t.path, err)
	}
	chunk := make([]byte, info.Size()-t.offset)
	n, err := f.Read(chunk)
	if err != nil {
		return nil, fmt.Errorf("read event log %s: %w", t.path, err)
	}
	chunk = chunk[:n]
	t.offset += int64(n)

	buf := append(t.partial, chunk...)
	lines := bytes.Split(buf, []byte("\n"))

	if len(lines) > 0 && len(lines[len(lines)-1]) > 0 {
		// Last element has no trailing newline: it's an in-flight partial
		// write. Hold it back in t.partial; the next read appends the rest
		// of the line to it.
		t.partial = lines[len(lines)-1]
		lines = lines[:len(lines)-1]
	} else {
		t.partial = nil
	}

	events := make([]model.Event, 0, len(lines))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Run polls at interval until ctx is cancelled, invoking onEvent for each
// newly observed event in arrival order.
func (t *Tailer) Run(ctx context.Context, interval time.Duration, onEvent func(model.Event)) error {
	if interval <= 0 {
		interval = DefaultTailInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			events, err := t.Poll()
			if err != nil {
				continue
			}
			for _, ev := range events {
				onEvent(ev)
			}
		}
	}
}

// WaitFor polls until an event matching predicate arrives or timeout
// elapses, returning it. Used by InteractionBroker.wait (spec.md §4.8).
func WaitFor(ctx context.Context, path string, timeout time.Duration, predicate func(model.Event) bool) (*model.Event, error) {
	t, err := NewTailer(path)
	if err != nil {
		return nil, err
	}
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		events, err := t.Poll()
		if err != nil {
			return nil, err
		}
		for i := range events {
			if predicate(events[i]) {
				return &events[i], nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, context.DeadlineExceeded
		case <-ticker.C:
		}
	}
}
