package agent

import "time"

// ToolCallStatus is the lifecycle state of one tool invocation.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallRunning ToolCallStatus = "running"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCallRecord is emitted to tool listeners on every status transition.
type ToolCallRecord struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Status     ToolCallStatus         `json:"status"`
	Result     string                 `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at,omitempty"`
}

// ToolListener receives tool call record transitions. Invoked synchronously
// on the orchestrator's goroutine.
type ToolListener func(ToolCallRecord)

// Severity grades context notifications.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ContextNotification is an advisory event about context management: a result
// was cached, history was pruned, the budget is filling up.
type ContextNotification struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// NotificationCallback receives context notifications.
type NotificationCallback func(ContextNotification)
