package logbuffer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushAndTailOrder(t *testing.T) {
	b := New(3)
	b.Push("stdout", "a")
	b.Push("stdout", "b")
	b.Push("stdout", "c")

	tail := b.Tail(10)
	require.Len(t, tail, 3)
	assert.Equal(t, []string{"a", "b", "c"}, textsOf(tail))
}

func TestOverflowEvictsOldest(t *testing.T) {
	b := New(2)
	for i := 0; i < 5; i++ {
		b.Push("stdout", fmt.Sprintf("line-%d", i))
	}
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, []string{"line-3", "line-4"}, textsOf(b.Tail(10)))
}

func TestTailCapsAtRequestedCount(t *testing.T) {
	b := New(10)
	for i := 0; i < 5; i++ {
		b.Push("stdout", fmt.Sprintf("l%d", i))
	}
	assert.Equal(t, []string{"l3", "l4"}, textsOf(b.Tail(2)))
}

func TestPushLinesSplitsAndDropsEmpty(t *testing.T) {
	b := New(10)
	b.PushLines("stdout", "one\n\ntwo\nthree\n")
	assert.Equal(t, []string{"one", "two", "three"}, textsOf(b.Tail(10)))
}

func TestClearResetsLength(t *testing.T) {
	b := New(4)
	b.Push("stdout", "x")
	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Nil(t, b.Tail(10))
}

func TestNeverExceedsCapacity(t *testing.T) {
	b := New(5)
	for i := 0; i < 1000; i++ {
		b.Push("stdout", fmt.Sprintf("%d", i))
		assert.LessOrEqual(t, b.Len(), 5)
	}
}

func textsOf(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}
