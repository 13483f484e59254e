// Package loop provides the node's main execution context. All state owned by
// the orchestrator, the relocation scheduler and the stores is mutated from
// tasks and timers run here; other goroutines hand work over with Post or Call.
package loop

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/log"
)

// DefaultQuantum matches a 20 tick per second game server.
const DefaultQuantum = 50 * time.Millisecond

type Loop struct {
	quantum time.Duration
	logger  *log.Logger

	lock    sync.Mutex
	pending []func()
	timers  []*Timer
}

type NewLoopOptions struct {
	Quantum time.Duration
}

func New(opts NewLoopOptions) *Loop {
	quantum := opts.Quantum
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	return &Loop{
		quantum: quantum,
		logger:  log.With("loop"),
	}
}

// Quantum returns the duration of one tick.
func (l *Loop) Quantum() time.Duration {
	return l.quantum
}

// Timer is a repeating or one-shot task counted in ticks. A cancelled timer
// never fires again.
type Timer struct {
	period    int
	remaining int
	once      bool
	fn        func(*Timer)

	lock      sync.Mutex
	cancelled bool
}

func (t *Timer) Cancel() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.cancelled = true
}

func (t *Timer) Cancelled() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.cancelled
}

// Post schedules fn to run on the next tick. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.pending = append(l.pending, fn)
}

// Call runs fn on the loop and waits for it to finish. It must not be called
// from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Every runs fn once per period, the first time one period from now.
func (l *Loop) Every(period time.Duration, fn func(*Timer)) *Timer {
	return l.addTimer(period, false, fn)
}

// After runs fn once, delay from now.
func (l *Loop) After(delay time.Duration, fn func()) *Timer {
	return l.addTimer(delay, true, func(*Timer) { fn() })
}

func (l *Loop) addTimer(period time.Duration, once bool, fn func(*Timer)) *Timer {
	ticks := int((period + l.quantum - 1) / l.quantum)
	if ticks < 1 {
		ticks = 1
	}
	t := &Timer{
		period:    ticks,
		remaining: ticks,
		once:      once,
		fn:        fn,
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	l.timers = append(l.timers, t)
	return t
}

// Tick runs one quantum: tasks posted before the call, then due timers.
// Work scheduled while ticking runs on a later tick.
func (l *Loop) Tick() {
	l.lock.Lock()
	tasks := l.pending
	l.pending = nil
	timers := l.timers
	l.timers = nil
	l.lock.Unlock()

	for _, task := range tasks {
		l.run(task)
	}

	live := timers[:0]
	for _, t := range timers {
		if t.Cancelled() {
			continue
		}
		t.remaining--
		if t.remaining <= 0 {
			t.remaining = t.period
			if t.once {
				t.Cancel()
			}
			timer := t
			l.run(func() { timer.fn(timer) })
		}
		if !t.Cancelled() {
			live = append(live, t)
		}
	}

	l.lock.Lock()
	l.timers = append(live, l.timers...)
	l.lock.Unlock()
}

// Timers returns the number of live timers.
func (l *Loop) Timers() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	n := 0
	for _, t := range l.timers {
		if !t.Cancelled() {
			n++
		}
	}
	return n
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered from panic in loop task: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
}

// Start ticks until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	ticker := time.NewTicker(l.quantum)
	defer ticker.Stop()

	l.logger.Info("Main loop started with a %s quantum", l.quantum)
	for {
		select {
		case <-ctx.Done():
			// drain so shutdown hooks posted by Stop callers still run
			l.Tick()
			return nil
		case <-ticker.C:
			l.Tick()
		}
	}
}
