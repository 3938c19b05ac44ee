// Package events delivers execution progress in real time. Persistent
// events are written to the execution_events audit table and broadcast via
// PostgreSQL NOTIFY in one transaction; transient events (step progress)
// are NOTIFY-only. A dedicated LISTEN connection fans notifications out to
// local WebSocket subscribers, so delivery works across pods.
//
// Channel layout:
//
//	execution:{execution_id}  one execution's full event stream
//	executions                global stream of status changes (list pages)
//
// Every persisted event carries db_event_id, the monotonically increasing
// row ID clients hand back for catch-up after a reconnect. Payloads over
// PostgreSQL's NOTIFY size limit are replaced by a truncation envelope with
// just the routing fields; the client fetches the full event over REST.
package events

// GlobalChannel carries status-change events for every execution. Tenant
// dashboards subscribe here instead of per-execution channels.
const GlobalChannel = "executions"

// ExecutionChannel returns the NOTIFY/WebSocket channel for one execution.
func ExecutionChannel(executionID string) string {
	return "execution:" + executionID
}

// ClientMessage is the JSON frame clients send over the WebSocket.
type ClientMessage struct {
	Action      string `json:"action"` // subscribe, unsubscribe, catchup, ping
	Channel     string `json:"channel,omitempty"`
	LastEventID *int64 `json:"last_event_id,omitempty"`
}
