package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/execore/pkg/cancel"
	"github.com/runforge/execore/pkg/config"
	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/models"
	"github.com/runforge/execore/pkg/services"
)

// memStore is an in-memory services.Store for handler tests.
type memStore struct {
	mu          sync.Mutex
	executions  map[string]*models.Execution
	steps       map[string][]*models.ExecutionStep
	approvals   map[string]*models.Approval
	deadLetters map[string]*models.DeadLetterItem
}

func newMemStore() *memStore {
	return &memStore{
		executions:  make(map[string]*models.Execution),
		steps:       make(map[string][]*models.ExecutionStep),
		approvals:   make(map[string]*models.Approval),
		deadLetters: make(map[string]*models.DeadLetterItem),
	}
}

func (s *memStore) GetTimeoutPolicy(sla models.SLAClass, action models.ActionClass) (*models.TimeoutPolicy, error) {
	return &models.TimeoutPolicy{
		SLAClass:                sla,
		ActionClass:             action,
		ExecutionTimeoutSeconds: 600,
		StepTimeoutSeconds:      60,
		LeaseTimeoutSeconds:     300,
		ApprovalTimeoutSeconds:  3600,
		MaxAttempts:             3,
	}, nil
}

func (s *memStore) CreateExecution(_ context.Context, e *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.executions {
		if existing.TenantID == e.TenantID && existing.IdempotencyKey == e.IdempotencyKey &&
			existing.Status != models.StatusFailed && existing.Status != models.StatusCancelled {
			return database.ErrDuplicate
		}
	}
	s.executions[e.ExecutionID] = e
	return nil
}

func (s *memStore) GetExecution(_ context.Context, executionID string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return e, nil
}

func (s *memStore) GetExecutionByIdempotencyKey(_ context.Context, tenantID, key string, createdAfter time.Time) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.executions {
		if e.TenantID == tenantID && e.IdempotencyKey == key && !e.CreatedAt.Before(createdAfter) &&
			e.Status != models.StatusFailed && e.Status != models.StatusCancelled {
			return e, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memStore) RetireIdempotencyKeys(_ context.Context, tenantID, key string, createdBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	retired := 0
	for _, e := range s.executions {
		if e.TenantID == tenantID && e.IdempotencyKey == key && e.CreatedAt.Before(createdBefore) {
			e.IdempotencyKey = e.IdempotencyKey + ":" + e.ExecutionID
			retired++
		}
	}
	return retired, nil
}

func (s *memStore) UpdateExecutionStatus(_ context.Context, upd database.StatusUpdate) (*database.StatusTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[upd.ExecutionID]
	if !ok {
		return nil, database.ErrNotFound
	}
	from := e.Status
	if !upd.Force {
		if err := models.ValidateTransition(from, upd.To); err != nil {
			return nil, database.ErrInvalidTransition
		}
	}
	e.Status = upd.To
	e.ErrorMessage = upd.ErrorMessage
	return &database.StatusTransition{ExecutionID: e.ExecutionID, From: from, To: upd.To, TenantID: e.TenantID}, nil
}

func (s *memStore) ListExecutions(_ context.Context, tenantID string, f models.ExecutionFilters) (*models.ExecutionList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := &models.ExecutionList{Limit: f.Limit, Offset: f.Offset}
	for _, e := range s.executions {
		if e.TenantID == tenantID {
			list.Executions = append(list.Executions, e)
		}
	}
	list.TotalCount = len(list.Executions)
	return list, nil
}

func (s *memStore) CreateSteps(_ context.Context, steps []*models.ExecutionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range steps {
		s.steps[step.ExecutionID] = append(s.steps[step.ExecutionID], step)
	}
	return nil
}

func (s *memStore) ListSteps(_ context.Context, executionID string) ([]*models.ExecutionStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps[executionID], nil
}

func (s *memStore) ListEvents(_ context.Context, _ string, _, _ int) ([]*models.ExecutionEvent, int, error) {
	return nil, 0, nil
}

func (s *memStore) ReleaseExecutionLocks(_ context.Context, _ string) (int, error) {
	return 0, nil
}

func (s *memStore) QueueStats(_ context.Context) (*models.QueueStats, float64, error) {
	return &models.QueueStats{Pending: 4}, 1.25, nil
}

func (s *memStore) CreateApproval(_ context.Context, approval *models.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[approval.ApprovalID] = approval
	return nil
}

func (s *memStore) GetApproval(_ context.Context, approvalID string) (*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return a, nil
}

func (s *memStore) GetPendingApprovalByExecution(_ context.Context, executionID string) (*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.approvals {
		if a.ExecutionID == executionID && a.State == models.ApprovalPending {
			return a, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memStore) RespondApproval(_ context.Context, approvalID, approverID string, approve bool) (*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, database.ErrNotFound
	}
	if a.State != models.ApprovalPending {
		return nil, database.ErrApprovalNotPending
	}
	if approve {
		a.State = models.ApprovalApproved
	} else {
		a.State = models.ApprovalRejected
	}
	now := time.Now().UTC()
	a.ApproverID = &approverID
	a.RespondedAt = &now
	return a, nil
}

func (s *memStore) ListDeadLetters(_ context.Context, filter database.DeadLetterFilter) ([]*models.DeadLetterItem, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*models.DeadLetterItem
	for _, item := range s.deadLetters {
		if filter.TenantID != "" && item.TenantID != filter.TenantID {
			continue
		}
		if !filter.IncludeResolved && (item.Requeued || item.Archived) {
			continue
		}
		items = append(items, item)
	}
	return items, len(items), nil
}

func (s *memStore) GetDeadLetter(_ context.Context, dlqID string) (*models.DeadLetterItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.deadLetters[dlqID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return item, nil
}

func (s *memStore) RequeueDeadLetter(_ context.Context, dlqID string) (*models.DeadLetterItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.deadLetters[dlqID]
	if !ok {
		return nil, database.ErrNotFound
	}
	if item.Requeued || item.Archived {
		return nil, database.ErrDeadLetterResolved
	}
	item.Requeued = true
	return item, nil
}

func (s *memStore) ArchiveDeadLetter(_ context.Context, dlqID string) (*models.DeadLetterItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.deadLetters[dlqID]
	if !ok {
		return nil, database.ErrNotFound
	}
	if item.Requeued || item.Archived {
		return nil, database.ErrDeadLetterResolved
	}
	item.Archived = true
	return item, nil
}

// noopEnqueuer accepts everything.
type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(_ context.Context, execution *models.Execution, maxAttempts int) (*models.QueueItem, error) {
	return &models.QueueItem{ExecutionID: execution.ExecutionID, MaxAttempts: maxAttempts}, nil
}

// noopEvents discards all events.
type noopEvents struct{}

func (noopEvents) PublishStatusChange(context.Context, *database.StatusTransition, string) {}
func (noopEvents) PublishCancelRequested(context.Context, *models.Execution, string, string) error {
	return nil
}
func (noopEvents) PublishApprovalDecision(context.Context, *models.Approval) error { return nil }

type apiFixture struct {
	store  *memStore
	server *Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cfg := &config.Config{
		Server: config.DefaultServerConfig(),
		Engine: config.DefaultEngineConfig(),
		Dedup:  config.DefaultDedupConfig(),
		SLA:    config.DefaultSLAConfig(),
	}
	store := newMemStore()
	executions := services.NewExecutionService(store, noopEnqueuer{}, nil, cancel.NewManager(), noopEvents{}, cfg)
	approvals := services.NewApprovalService(store, noopEnqueuer{}, noopEvents{}, cfg)
	dlq := services.NewDeadLetterService(store, noopEvents{})

	return &apiFixture{
		store:  store,
		server: NewServer(cfg, nil, executions, approvals, dlq, nil, nil, nil),
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func tenantHeaders() map[string]string {
	return map[string]string{
		"X-Tenant-ID": "tenant-a",
		"X-Actor-ID":  "alice",
	}
}

const submitBody = `{
	"plan": {
		"name": "restart",
		"steps": [
			{
				"name": "restart service",
				"target_asset_id": "asset-1",
				"input": {"command": "systemctl restart nginx"}
			}
		]
	}
}`

func TestTenantHeadersRequired(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/executions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/executions", "", map[string]string{"X-Tenant-ID": "tenant-a"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitExecution(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/executions", submitBody, tenantHeaders())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"duplicate":false`)
	assert.Contains(t, rec.Body.String(), `"status":"queued"`)

	// Resubmission inside the window is a 200 with the original execution.
	rec = f.do(t, http.MethodPost, "/api/v1/executions", submitBody, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"duplicate":true`)
}

func TestSubmitExecutionBadRequest(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/executions", `{not json`, tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/executions", `{"plan": null}`, tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/executions",
		`{"plan": {"name": "p", "steps": [{"name": "s", "type": "teleport"}]}}`, tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown step type")
}

func TestGetExecution(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/executions", submitBody, tenantHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)
	executionID := extractExecutionID(t, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/executions/"+executionID, "", tenantHeaders())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"progress"`)
	assert.Contains(t, rec.Body.String(), `"total_steps":1`)

	// Another tenant cannot see it.
	other := map[string]string{"X-Tenant-ID": "tenant-b", "X-Actor-ID": "bob"}
	rec = f.do(t, http.MethodGet, "/api/v1/executions/"+executionID, "", other)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/executions/unknown", "", tenantHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExecutionsFilterValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/executions?status=bogus", "", tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/executions?sla_class=hyperfast", "", tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/executions?created_after=yesterday", "", tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/executions?status=queued,running", "", tenantHeaders())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelExecution(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/executions", submitBody, tenantHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)
	executionID := extractExecutionID(t, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/executions/"+executionID+"/cancel",
		`{"reason": "wrong target"}`, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)

	// Terminal now: a second cancel conflicts.
	rec = f.do(t, http.MethodPost, "/api/v1/executions/"+executionID+"/cancel", "", tenantHeaders())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprovalFlow(t *testing.T) {
	f := newAPIFixture(t)

	body := strings.Replace(submitBody, `"plan": {`, `"approval_level": 1, "plan": {`, 1)
	rec := f.do(t, http.MethodPost, "/api/v1/executions", body, tenantHeaders())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"pending_approval"`)
	executionID := extractExecutionID(t, rec.Body.String())

	approval, err := f.store.GetPendingApprovalByExecution(context.Background(), executionID)
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/"+approval.ApprovalID, `{"approve": true}`, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"state":"approved"`)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/"+approval.ApprovalID, `{"approve": false}`, tenantHeaders())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.store.deadLetters["dlq-1"] = &models.DeadLetterItem{
		DLQID:       "dlq-1",
		ExecutionID: "exec-1",
		TenantID:    "tenant-a",
	}
	f.store.executions["exec-1"] = &models.Execution{
		ExecutionID: "exec-1",
		TenantID:    "tenant-a",
		Status:      models.StatusFailed,
	}

	rec := f.do(t, http.MethodGet, "/api/v1/dlq", "", tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_count":1`)

	rec = f.do(t, http.MethodPost, "/api/v1/dlq/dlq-1/requeue", "", tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"requeued":true`)

	rec = f.do(t, http.MethodPost, "/api/v1/dlq/dlq-1/archive", "", tenantHeaders())
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/dlq/missing/requeue", "", tenantHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/queue/stats", "", tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pending":4`)
	assert.Contains(t, rec.Body.String(), `"avg_attempts":1.25`)
}

func TestHealthAndVersion(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = f.do(t, http.MethodGet, "/api/v1/version", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"app":"execore"`)
}

func TestStreamUnavailableWithoutHub(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/executions", submitBody, tenantHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)
	executionID := extractExecutionID(t, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/executions/"+executionID+"/stream", "", tenantHeaders())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// extractExecutionID pulls the execution ID out of a submission response.
func extractExecutionID(t *testing.T, body string) string {
	t.Helper()
	var resp struct {
		Execution struct {
			ExecutionID string `json:"execution_id"`
		} `json:"execution"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.NotEmpty(t, resp.Execution.ExecutionID, "no execution_id in %s", body)
	return resp.Execution.ExecutionID
}
