package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTransition(t *testing.T) {
	allowed := []struct{ from, to ExecutionStatus }{
		{StatusPendingApproval, StatusApproved},
		{StatusPendingApproval, StatusCancelled},
		{StatusApproved, StatusQueued},
		{StatusApproved, StatusRunning},
		{StatusApproved, StatusCancelled},
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusCancelled},
		{StatusQueued, StatusFailed},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusPartial},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusRunning, StatusTimedOut},
		{StatusRunning, StatusQueued}, // retry re-pend
	}
	for _, tr := range allowed {
		assert.NoError(t, ValidateTransition(tr.from, tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	denied := []struct{ from, to ExecutionStatus }{
		{StatusPendingApproval, StatusRunning},
		{StatusPendingApproval, StatusQueued},
		{StatusApproved, StatusCompleted},
		{StatusQueued, StatusCompleted},
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusQueued},
		{StatusCancelled, StatusRunning},
		{StatusTimedOut, StatusFailed},
		{StatusPartial, StatusCompleted},
	}
	for _, tr := range denied {
		assert.Error(t, ValidateTransition(tr.from, tr.to), "%s -> %s should be denied", tr.from, tr.to)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []ExecutionStatus{StatusCompleted, StatusPartial, StatusFailed, StatusCancelled, StatusTimedOut}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	live := []ExecutionStatus{StatusPendingApproval, StatusApproved, StatusQueued, StatusRunning}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestInitialStatus(t *testing.T) {
	assert.Equal(t, StatusApproved, InitialStatus(0))
	assert.Equal(t, StatusPendingApproval, InitialStatus(1))
	assert.Equal(t, StatusPendingApproval, InitialStatus(3))
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, PriorityDefault, ClampPriority(0))
	assert.Equal(t, PriorityHighest, ClampPriority(-2))
	assert.Equal(t, PriorityLowest, ClampPriority(99))
	assert.Equal(t, 3, ClampPriority(3))
}
