package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_PostRunsOnNextTick(t *testing.T) {
	l := New(NewLoopOptions{Quantum: time.Second})
	var order []string
	l.Post(func() {
		order = append(order, "first")
		l.Post(func() { order = append(order, "nested") })
	})

	l.Tick()
	assert.Equal(t, []string{"first"}, order)
	l.Tick()
	assert.Equal(t, []string{"first", "nested"}, order)
}

func TestLoop_Every(t *testing.T) {
	l := New(NewLoopOptions{Quantum: 500 * time.Millisecond})
	fired := 0
	l.Every(time.Second, func(timer *Timer) {
		fired++
		if fired == 3 {
			timer.Cancel()
		}
	})

	for i := 0; i < 10; i++ {
		l.Tick()
	}
	assert.Equal(t, 3, fired)
	assert.Equal(t, 0, l.Timers())
}

func TestLoop_After(t *testing.T) {
	l := New(NewLoopOptions{Quantum: time.Second})
	fired := 0
	l.After(2*time.Second, func() { fired++ })

	l.Tick()
	assert.Equal(t, 0, fired)
	l.Tick()
	assert.Equal(t, 1, fired)
	l.Tick()
	l.Tick()
	assert.Equal(t, 1, fired)
}

func TestLoop_CancelledBeforeFiring(t *testing.T) {
	l := New(NewLoopOptions{Quantum: time.Second})
	fired := false
	timer := l.After(time.Second, func() { fired = true })
	timer.Cancel()
	l.Tick()
	assert.False(t, fired)
}

func TestLoop_PanicDoesNotStopTick(t *testing.T) {
	l := New(NewLoopOptions{Quantum: time.Second})
	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })
	assert.NotPanics(t, l.Tick)
	assert.True(t, ran)
}

func TestLoop_CallFromOtherGoroutine(t *testing.T) {
	l := New(NewLoopOptions{Quantum: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Start(ctx)

	var n int32
	require.NoError(t, l.Call(ctx, func() { atomic.AddInt32(&n, 1) }))
	assert.Equal(t, int32(1), atomic.LoadInt32(&n))
}

func TestLoop_CallTimesOut(t *testing.T) {
	l := New(NewLoopOptions{Quantum: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Call(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
