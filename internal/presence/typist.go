package presence

import (
	"sync"
	"time"
)

// DefaultTypingDebounce is the inactivity window after which a typing user
// is automatically reported as stopped.
const DefaultTypingDebounce = 3 * time.Second

// Typist owns the sender side of the typing protocol: redundant starts are
// coalesced, and a stop is emitted automatically after the inactivity window
// if the caller never stops explicitly.
type Typist struct {
	mu     sync.Mutex
	active bool
	timer  *time.Timer
	window time.Duration
	emit   func(typing bool)
	closed bool
}

// NewTypist creates a typist emitting start/stop signals through emit.
func NewTypist(window time.Duration, emit func(typing bool)) *Typist {
	if window <= 0 {
		window = DefaultTypingDebounce
	}
	return &Typist{window: window, emit: emit}
}

// Touch signals typing activity. The first touch emits a start; subsequent
// touches only rearm the auto-stop timer.
func (t *Typist) Touch() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	first := !t.active
	t.active = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.window, t.autoStop)
	t.mu.Unlock()

	if first {
		t.emit(true)
	}
}

// Stop signals the user stopped typing. No-op if not currently typing.
func (t *Typist) Stop() {
	t.mu.Lock()
	if !t.active || t.closed {
		t.mu.Unlock()
		return
	}
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.emit(false)
}

func (t *Typist) autoStop() {
	t.mu.Lock()
	if !t.active || t.closed {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	t.mu.Unlock()

	t.emit(false)
}

// Close stops the timer without emitting; used on session teardown.
func (t *Typist) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
