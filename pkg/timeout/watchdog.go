package timeout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/runforge/execore/pkg/cancel"
)

// Canceller is the slice of the cancellation manager the watchdog needs.
type Canceller interface {
	Cancel(executionID string, reason cancel.Reason, message string) bool
}

// Watchdog arms one timer per running execution, tied to its timeout_at.
// On expiry it cancels the execution with reason timeout; normal termination
// disarms the timer. Executions that expired while still queued are covered
// separately by the maintenance sweep, not by armed timers.
type Watchdog struct {
	canceller Canceller

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatchdog returns a watchdog cancelling through c.
func NewWatchdog(c Canceller) *Watchdog {
	return &Watchdog{canceller: c, timers: make(map[string]*time.Timer)}
}

// Arm schedules cancellation at deadline. Re-arming an execution replaces
// its timer. A deadline already in the past fires immediately.
func (w *Watchdog) Arm(executionID string, deadline time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[executionID]; ok {
		timer.Stop()
	}
	w.timers[executionID] = time.AfterFunc(time.Until(deadline), func() {
		w.expire(executionID, deadline)
	})
}

// Disarm stops the timer for an execution that terminated in time.
func (w *Watchdog) Disarm(executionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[executionID]; ok {
		timer.Stop()
		delete(w.timers, executionID)
	}
}

// Stop disarms everything, used on shutdown.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, timer := range w.timers {
		timer.Stop()
		delete(w.timers, id)
	}
}

func (w *Watchdog) expire(executionID string, deadline time.Time) {
	w.mu.Lock()
	delete(w.timers, executionID)
	w.mu.Unlock()

	slog.Warn("Execution exceeded its deadline, cancelling",
		"execution_id", executionID, "timeout_at", deadline)
	w.canceller.Cancel(executionID, cancel.ReasonTimeout, "execution timeout exceeded")
}
