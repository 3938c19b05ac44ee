package cancel

import (
	"sync"
)

// Manager owns the live cancellation tokens, one per in-flight execution.
// The API cancel endpoint, the timeout watchdog and worker shutdown all
// reach running executions through it.
type Manager struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{tokens: make(map[string]*Token)}
}

// Register creates and tracks a token for an execution. Registering over an
// existing live token returns the existing one, so a retried queue item
// shares the original signal.
func (m *Manager) Register(executionID string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.tokens[executionID]; ok {
		return token
	}
	token := NewToken()
	m.tokens[executionID] = token
	return token
}

// Get returns the live token for an execution, if any.
func (m *Manager) Get(executionID string) (*Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.tokens[executionID]
	return token, ok
}

// Cancel cancels the live token for an execution. Returns false when the
// execution has no live token (not running on this process) or the token was
// already cancelled.
func (m *Manager) Cancel(executionID string, reason Reason, message string) bool {
	token, ok := m.Get(executionID)
	if !ok {
		return false
	}
	return token.Cancel(reason, message)
}

// Release drops the token once the execution reached a terminal state.
func (m *Manager) Release(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, executionID)
}

// CancelAll cancels every live token, used on graceful shutdown.
func (m *Manager) CancelAll(reason Reason, message string) int {
	m.mu.RLock()
	tokens := make([]*Token, 0, len(m.tokens))
	for _, token := range m.tokens {
		tokens = append(tokens, token)
	}
	m.mu.RUnlock()

	cancelled := 0
	for _, token := range tokens {
		if token.Cancel(reason, message) {
			cancelled++
		}
	}
	return cancelled
}

// Active returns how many tokens are live.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
