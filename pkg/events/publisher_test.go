package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/execore/pkg/models"
)

func TestWirePayloadFields(t *testing.T) {
	from, to := "queued", "running"
	actor := "worker-1"
	traceID := "trace-abc"
	errMsg := "boom"
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	payload := WirePayload(&models.ExecutionEvent{
		ID:           42,
		EventID:      "evt-1",
		ExecutionID:  "exec-1",
		TenantID:     "tenant-a",
		Channel:      ExecutionChannel("exec-1"),
		EventType:    models.EventTypeStatusChanged,
		FromStatus:   &from,
		ToStatus:     &to,
		ActorID:      &actor,
		ActorType:    models.ActorTypeWorker,
		Details:      models.JSONMap{"attempt": 2},
		ErrorMessage: &errMsg,
		TraceID:      &traceID,
		CreatedAt:    created,
	})

	assert.Equal(t, models.EventTypeStatusChanged, payload["type"])
	assert.Equal(t, "evt-1", payload["event_id"])
	assert.Equal(t, "exec-1", payload["execution_id"])
	assert.Equal(t, int64(42), payload["db_event_id"])
	assert.Equal(t, "queued", payload["from_status"])
	assert.Equal(t, "running", payload["to_status"])
	assert.Equal(t, "worker-1", payload["actor_id"])
	assert.Equal(t, "boom", payload["error_message"])
	assert.Equal(t, "trace-abc", payload["trace_id"])
	assert.Equal(t, created.Format(time.RFC3339Nano), payload["timestamp"])
}

func TestWirePayloadOmitsEmptyOptionals(t *testing.T) {
	payload := WirePayload(&models.ExecutionEvent{
		EventID:     "evt-2",
		ExecutionID: "exec-2",
		EventType:   models.EventTypeCancelRequested,
		ActorType:   models.ActorTypeUser,
		CreatedAt:   time.Now(),
	})

	for _, key := range []string{"db_event_id", "from_status", "to_status", "actor_id", "details", "error_message", "trace_id"} {
		_, present := payload[key]
		assert.False(t, present, "unexpected key %s", key)
	}
}

func TestEncodeNotifyPassthrough(t *testing.T) {
	encoded, err := encodeNotify(map[string]any{"type": "step.progress", "step_id": "s1"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(encoded), &decoded))
	assert.Equal(t, "step.progress", decoded["type"])
	assert.Equal(t, "s1", decoded["step_id"])
	_, truncated := decoded["truncated"]
	assert.False(t, truncated)
}

func TestEncodeNotifyTruncatesOversizedPayloads(t *testing.T) {
	encoded, err := encodeNotify(map[string]any{
		"type":         models.EventTypeStatusChanged,
		"event_id":     "evt-big",
		"execution_id": "exec-big",
		"db_event_id":  int64(7),
		"details":      map[string]any{"blob": strings.Repeat("x", notifyLimit+1)},
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(encoded), notifyLimit)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(encoded), &decoded))
	assert.Equal(t, true, decoded["truncated"])
	assert.Equal(t, "evt-big", decoded["event_id"])
	assert.Equal(t, "exec-big", decoded["execution_id"])
	assert.Equal(t, float64(7), decoded["db_event_id"])
	_, hasDetails := decoded["details"]
	assert.False(t, hasDetails, "truncation envelope carries routing fields only")
}
