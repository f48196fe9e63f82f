//go:build linux

package microthread

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRoundRobinFairness(t *testing.T) {
	sched, err := NewScheduler(WithIdleWaitMS(50), WithLogger(noopLogger{}))
	require.NoError(t, err)
	defer sched.Shutdown()

	var mu sync.Mutex
	var order []int
	finished := make(chan int, 3)

	spawn := func(id int) {
		sched.Spawn(func(yield Yielder) {
			for round := 0; round < 2; round++ {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
				yield()
			}
			finished <- id
		})
	}
	spawn(1)
	spawn(2)
	spawn(3)

	go sched.Run()

	for i := 0; i < 3; i++ {
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for coroutines to finish")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 1, 2, 3}, order)
}

func TestSchedulerSleepMSWakesOnTimeout(t *testing.T) {
	sched, err := NewScheduler(WithIdleWaitMS(10), WithLogger(noopLogger{}))
	require.NoError(t, err)
	defer sched.Shutdown()

	done := make(chan WakeReason, 1)
	var co *Coroutine
	co = sched.Spawn(func(yield Yielder) {
		sched.SleepMS(co, 20)
		done <- co.WakeReason()
	})

	go sched.Run()

	select {
	case reason := <-done:
		assert.Equal(t, WakeTimeout, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("sleeping coroutine never woke")
	}
}

func TestSchedulerStats(t *testing.T) {
	sched, err := NewScheduler(WithLogger(noopLogger{}))
	require.NoError(t, err)
	defer sched.Shutdown()

	sched.Spawn(func(yield Yielder) { yield() })
	stats := sched.Stats()
	assert.Equal(t, 1, stats.Runnable)
	assert.Equal(t, 0, stats.IOWait)
	assert.Equal(t, 0, stats.TimerPending)
}
