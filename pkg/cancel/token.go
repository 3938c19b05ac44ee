// Package cancel implements cooperative cancellation for executions. A token
// is created per execution and handed to every blocking operation; long work
// polls it between I/O boundaries and fails fast once cancelled.
package cancel

import (
	"log/slog"
	"sync"
)

// Reason classifies why an execution was cancelled.
type Reason string

const (
	ReasonUserInitiated  Reason = "user_initiated"
	ReasonTimeout        Reason = "timeout"
	ReasonSystemShutdown Reason = "system_shutdown"
	ReasonResourceLimit  Reason = "resource_limit"
	ReasonError          Reason = "error"
	ReasonDuplicate      Reason = "duplicate"
)

// Token is a cooperative cancellation signal. The first cancel wins and sets
// reason and message; later cancels are no-ops. Safe for concurrent use.
type Token struct {
	mu        sync.Mutex
	done      chan struct{}
	cancelled bool
	reason    Reason
	message   string
	callbacks []func(Reason, string)
}

// NewToken returns an uncancelled token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// IsCancelled is a cheap thread-safe read.
func (t *Token) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done returns a channel closed on first cancel, for select loops.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Reason returns the winning cancel reason, or "" while uncancelled.
func (t *Token) Reason() Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Message returns the winning cancel message.
func (t *Token) Message() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.message
}

// Cancel cancels the token. Idempotent; returns whether this call won.
// Registered callbacks fire on the winning call, best-effort: a panicking
// callback is logged and never reaches the canceller.
func (t *Token) Cancel(reason Reason, message string) bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.reason = reason
	t.message = message
	callbacks := t.callbacks
	t.callbacks = nil
	close(t.done)
	t.mu.Unlock()

	for _, cb := range callbacks {
		runCallback(cb, reason, message)
	}
	return true
}

// OnCancel registers a callback fired on first cancel. If the token is
// already cancelled the callback runs immediately.
func (t *Token) OnCancel(cb func(reason Reason, message string)) {
	t.mu.Lock()
	if t.cancelled {
		reason, message := t.reason, t.message
		t.mu.Unlock()
		runCallback(cb, reason, message)
		return
	}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

func runCallback(cb func(Reason, string), reason Reason, message string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Cancellation callback panicked", "reason", reason, "panic", r)
		}
	}()
	cb(reason, message)
}
