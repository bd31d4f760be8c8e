// Package eventlog implements the per-session append-only JSONL event log
// (spec.md §4.7): the sole machine-readable protocol between supervised
// processes, interaction UIs, and the supervisor. Writers append one JSON
// object per line; readers tail by polling file length and splitting on
// newlines, tolerating partial trailing writes.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/devloop-run/devloop/internal/model"
)

// EventLog is a single-writer-per-call, append-only JSON-lines file.
type EventLog struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// Open opens (creating if necessary) the events file at path for appending.
func Open(path string) (*EventLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	return &EventLog{path: path, f: f}, nil
}

// Path returns the underlying file path.
func (el *EventLog) Path() string { return el.path }

// Close closes the underlying file.
func (el *EventLog) Close() error {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.f.Close()
}

// Append writes ev as one JSON line. Writers MUST use a single atomic
// append write (spec.md §5 ordering guarantees); os.O_APPEND gives this for
// writes under the platform's atomic-write limit, which one JSON event
// always is.
func (el *EventLog) Append(ev model.Event) error {
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixMilli()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	el.mu.Lock()
	defer el.mu.Unlock()
	if _, err := el.f.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// AppendResult appends a "result" event, first scanning the file backwards
// for an existing result with the same id. If one is found the new event is
// silently dropped, guaranteeing at-most-one result per interaction id
// (spec.md §4.7 idempotence) even if a UI writes twice on exit.
func (el *EventLog) AppendResult(ev model.Event) error {
	if ev.Type != model.EventResult {
		return fmt.Errorf("eventlog: AppendResult requires Type == result, got %q", ev.Type)
	}
	if ev.ID == "" {
		return fmt.Errorf("eventlog: AppendResult requires a non-empty id")
	}
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixMilli()
	}

	el.mu.Lock()
	defer el.mu.Unlock()

	exists, err := el.hasResultLocked(ev.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')
	if _, err := el.f.Write(line); err != nil {
		return fmt.Errorf("append result event: %w", err)
	}
	return nil
}

// hasResultLocked scans the file from its last line backwards looking for a
// result event with the given id. Callers must hold el.mu.
func (el *EventLog) hasResultLocked(id string) (bool, error) {
	data, err := os.ReadFile(el.path)
	if err != nil {
		return false, fmt.Errorf("scan event log: %w", err)
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Type == model.EventResult && ev.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// ReadAll parses every well-formed line in the log, in file order, skipping
// malformed trailing partial lines. It reads the file once; the polling
// tail path is the Tailer.
func ReadAll(path string) ([]model.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	defer f.Close()

	var events []model.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev model.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
