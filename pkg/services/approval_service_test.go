package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/execore/pkg/models"
)

func submitGated(t *testing.T, f *serviceFixture) (*models.Execution, *models.Approval) {
	t.Helper()
	result, err := f.svc.Submit(context.Background(), "tenant-a", "alice", &models.SubmissionRequest{
		Plan:          commandPlan("gated"),
		ApprovalLevel: 1,
	})
	require.NoError(t, err)
	approval, err := f.store.GetPendingApprovalByExecution(context.Background(), result.Execution.ExecutionID)
	require.NoError(t, err)
	return result.Execution, approval
}

func newApprovalService(f *serviceFixture) *ApprovalService {
	return NewApprovalService(f.store, f.queue, f.events, testServiceConfig())
}

func TestRespondApproveQueuesExecution(t *testing.T) {
	f := newServiceFixture(t)
	execution, approval := submitGated(t, f)
	approvals := newApprovalService(f)

	decided, err := approvals.Respond(context.Background(), "tenant-a", approval.ApprovalID, "bob", true)
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalApproved, decided.State)
	require.NotNil(t, decided.ApproverID)
	assert.Equal(t, "bob", *decided.ApproverID)

	stored, err := f.store.GetExecution(context.Background(), execution.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, stored.Status)
	assert.Contains(t, f.store.transitions, "pending_approval->approved")
	assert.Contains(t, f.store.transitions, "approved->queued")

	require.Len(t, f.queue.executions, 1)
	assert.Equal(t, execution.ExecutionID, f.queue.executions[0])
	// Attempt budget comes from the SLA class, not the approval.
	assert.Equal(t, testServiceConfig().SLA.MaxAttemptsFor(string(stored.SLAClass)), f.queue.maxAttempts[0])

	assert.Equal(t, []models.ApprovalState{models.ApprovalApproved}, f.events.decisions)
}

func TestRespondRejectCancelsExecution(t *testing.T) {
	f := newServiceFixture(t)
	execution, approval := submitGated(t, f)
	approvals := newApprovalService(f)

	decided, err := approvals.Respond(context.Background(), "tenant-a", approval.ApprovalID, "bob", false)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, decided.State)

	stored, err := f.store.GetExecution(context.Background(), execution.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "approval rejected", *stored.ErrorMessage)
	assert.Empty(t, f.queue.executions)
}

func TestRespondTwiceReturnsNotPending(t *testing.T) {
	f := newServiceFixture(t)
	_, approval := submitGated(t, f)
	approvals := newApprovalService(f)
	ctx := context.Background()

	_, err := approvals.Respond(ctx, "tenant-a", approval.ApprovalID, "bob", true)
	require.NoError(t, err)

	_, err = approvals.Respond(ctx, "tenant-a", approval.ApprovalID, "carol", false)
	assert.ErrorIs(t, err, ErrApprovalNotPending)
}

func TestRespondExpiredApproval(t *testing.T) {
	f := newServiceFixture(t)
	_, approval := submitGated(t, f)
	approval.ExpiresAt = time.Now().Add(-time.Minute)

	_, err := newApprovalService(f).Respond(context.Background(), "tenant-a", approval.ApprovalID, "bob", true)
	assert.ErrorIs(t, err, ErrApprovalNotPending)
}

func TestRespondDetectsPlanSwap(t *testing.T) {
	f := newServiceFixture(t)
	execution, approval := submitGated(t, f)

	// The execution's plan hash no longer matches what was approved.
	f.store.executions[execution.ExecutionID].PlanHash = "tampered"

	_, err := newApprovalService(f).Respond(context.Background(), "tenant-a", approval.ApprovalID, "bob", true)
	assert.True(t, IsValidationError(err), "expected validation error, got %v", err)
}

func TestRespondEnforcesTenant(t *testing.T) {
	f := newServiceFixture(t)
	_, approval := submitGated(t, f)
	approvals := newApprovalService(f)
	ctx := context.Background()

	_, err := approvals.Respond(ctx, "tenant-b", approval.ApprovalID, "bob", true)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = approvals.Respond(ctx, "tenant-a", "no-such-approval", "bob", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetPendingByExecution(t *testing.T) {
	f := newServiceFixture(t)
	execution, approval := submitGated(t, f)
	approvals := newApprovalService(f)
	ctx := context.Background()

	got, err := approvals.GetPendingByExecution(ctx, "tenant-a", execution.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, approval.ApprovalID, got.ApprovalID)

	_, err = approvals.GetPendingByExecution(ctx, "tenant-b", execution.ExecutionID)
	assert.ErrorIs(t, err, ErrNotFound)
}
