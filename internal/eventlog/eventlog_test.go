package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloop-run/devloop/internal/model"
)

func openForRawAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
}

func TestAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	el, err := Open(path)
	require.NoError(t, err)
	defer el.Close()

	require.NoError(t, el.Append(model.Event{Type: model.EventStatus, Message: "one"}))
	require.NoError(t, el.Append(model.Event{Type: model.EventStatus, Message: "two"}))

	events, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "one", events[0].Message)
	assert.Equal(t, "two", events[1].Message)
}

func TestAppendResultIsIdempotentPerID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	el, err := Open(path)
	require.NoError(t, err)
	defer el.Close()

	require.NoError(t, el.AppendResult(model.Event{Type: model.EventResult, ID: "abc", Action: model.ActionAccept}))
	require.NoError(t, el.AppendResult(model.Event{Type: model.EventResult, ID: "abc", Action: model.ActionAccept}))
	require.NoError(t, el.AppendResult(model.Event{Type: model.EventResult, ID: "xyz", Action: model.ActionCancel}))

	events, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, events, 2, "duplicate result for the same id must be dropped")
	assert.Equal(t, "abc", events[0].ID)
	assert.Equal(t, "xyz", events[1].ID)
}

func TestAppendResultRejectsWrongType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	el, err := Open(path)
	require.NoError(t, err)
	defer el.Close()

	err = el.AppendResult(model.Event{Type: model.EventStatus, ID: "abc"})
	assert.Error(t, err)
}

func TestTailerSkipsPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	el, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, el.Append(model.Event{Type: model.EventStatus, Message: "first"}))

	tailer := NewTailerFromStart(path)
	events, err := tailer.Poll()
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Simulate a writer mid-write: raw partial bytes with no trailing \n.
	f, err := openForRawAppend(path)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":1,"type":"status","message":"partial`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err = tailer.Poll()
	require.NoError(t, err)
	assert.Empty(t, events, "a partial line with no trailing newline must not be parsed yet")

	// Complete the line.
	f, err = openForRawAppend(path)
	require.NoError(t, err)
	_, err = f.WriteString(`"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err = tailer.Poll()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "partial", events[0].Message)

	require.NoError(t, el.Close())
}

func TestWaitForFindsMatchingResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	el, err := Open(path)
	require.NoError(t, err)
	defer el.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = el.AppendResult(model.Event{Type: model.EventResult, ID: "target", Action: model.ActionAccept})
	}()

	ev, err := WaitFor(context.Background(), path, time.Second, func(e model.Event) bool {
		return e.Type == model.EventResult && e.ID == "target"
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.ActionAccept, ev.Action)
}

func TestWaitForTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	el, err := Open(path)
	require.NoError(t, err)
	defer el.Close()

	_, err = WaitFor(context.Background(), path, 50*time.Millisecond, func(e model.Event) bool {
		return e.ID == "never-arrives"
	})
	assert.Error(t, err)
}
