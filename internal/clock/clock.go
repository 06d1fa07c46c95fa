// Package clock provides the time source and timer scheduling used by every
// background routine, so tests can drive virtual time deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is a source of time and cancellable one-shot timers.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (real clock) or inside Advance
	// (fake clock) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the callback. Returns false if it already ran or was stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Since returns the time elapsed on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// periodic re-arms a one-shot timer after every run.
type periodic struct {
	mu      sync.Mutex
	clock   Clock
	every   time.Duration
	fn      func()
	current Timer
	stopped bool
}

// Every runs f every d until the returned Timer is stopped.
// The first run happens after d, not immediately.
func Every(c Clock, d time.Duration, f func()) Timer {
	p := &periodic{clock: c, every: d, fn: f}
	p.mu.Lock()
	p.current = c.AfterFunc(d, p.run)
	p.mu.Unlock()
	return p
}

func (p *periodic) run() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.fn()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.current = p.clock.AfterFunc(p.every, p.run)
	}
}

func (p *periodic) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.stopped = true
	if p.current != nil {
		p.current.Stop()
	}
	return true
}
