package microthread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWheelInsertAndExpireDue(t *testing.T) {
	w := NewWheel(time.Millisecond, 16)
	co1 := Spawn(func(Yielder) {}, 0)
	co2 := Spawn(func(Yielder) {}, 0)
	defer co1.Resume()
	defer co2.Resume()

	now := NowMS()
	w.Insert(co1, now+5)
	w.Insert(co2, now+5000)

	require.Equal(t, 2, w.Len())

	due := w.ExpireDue(now + 5)
	assert.ElementsMatch(t, []*Coroutine{co1}, due)
	assert.Equal(t, 1, w.Len())

	deadline, ok := w.NextDeadline()
	assert.True(t, ok)
	assert.Equal(t, now+5000, deadline)
}

func TestWheelRemove(t *testing.T) {
	w := NewWheel(time.Millisecond, 16)
	co := Spawn(func(Yielder) {}, 0)
	defer co.Resume()

	w.Insert(co, NowMS()+1000)
	require.Equal(t, 1, w.Len())
	w.Remove(co)
	assert.Equal(t, 0, w.Len())
	assert.Equal(t, int64(0), co.Deadline())

	// removing twice is a no-op
	w.Remove(co)
	assert.Equal(t, 0, w.Len())
}

func TestWheelReinsertReplacesPriorEntry(t *testing.T) {
	w := NewWheel(time.Millisecond, 16)
	co := Spawn(func(Yielder) {}, 0)
	defer co.Resume()

	now := NowMS()
	w.Insert(co, now+10)
	w.Insert(co, now+20)

	require.Equal(t, 1, w.Len())
	deadline, ok := w.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, now+20, deadline)
}

func TestWheelExpireDueOrderingWithinBucket(t *testing.T) {
	w := NewWheel(time.Millisecond, 1) // force every entry into the same bucket
	co1 := Spawn(func(Yielder) {}, 0)
	co2 := Spawn(func(Yielder) {}, 0)
	co3 := Spawn(func(Yielder) {}, 0)
	defer co1.Resume()
	defer co2.Resume()
	defer co3.Resume()

	now := NowMS()
	w.Insert(co1, now)
	w.Insert(co2, now)
	w.Insert(co3, now)

	due := w.ExpireDue(now)
	assert.Equal(t, []*Coroutine{co1, co2, co3}, due)
}
