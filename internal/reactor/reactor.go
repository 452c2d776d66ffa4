// Package reactor runs callbacks one at a time on a dedicated goroutine.
//
// Endpoints and managers keep all of their protocol state on a Loop: bus
// replies, signals and timers never touch that state directly, they post a
// closure instead. Closures posted after Stop are dropped, which is how late
// replies for a closed object become no-ops.
package reactor

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Loop is a single-goroutine executor with an unbounded queue.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
	exit chan struct{}
}

// New starts a loop.
func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		exit: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.exit)
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-l.done:
				return
			default:
			}
			fn()
		}
	}
}

// Post queues fn to run on the loop and returns immediately. Closures
// posted from the loop itself run on a later turn. It reports false if the
// loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from the loop goroutine. It reports false if fn did not run.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.exit:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Stop drops queued closures and terminates the loop after the closure that
// is currently running, if any. It may be called from the loop. Use Done to
// wait for the goroutine to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
	close(l.done)
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.exit
}

// Timer is a one-shot timer whose callback runs on the loop.
// Stop and Active must only be called on the loop.
type Timer struct {
	t       clock.Timer
	dur     time.Duration
	stopped bool
}

// AfterFunc arms a timer that posts fn to the loop after d. Once Stop
// returns, fn is guaranteed not to run even if the timer already fired and
// its closure is still queued.
func (l *Loop) AfterFunc(clk clock.WithDelayedExecution, d time.Duration, fn func()) *Timer {
	tm := &Timer{dur: d}
	tm.t = clk.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped {
				return
			}
			tm.stopped = true
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It is safe to call on a nil or fired timer.
func (t *Timer) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	t.t.Stop()
}

// Active reports whether the timer is armed and has not run yet.
func (t *Timer) Active() bool {
	return t != nil && !t.stopped
}

// Duration returns the delay the timer was armed with.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}
	return t.dur
}
