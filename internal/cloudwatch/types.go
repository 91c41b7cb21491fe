// Package cloudwatch wraps the AWS CloudWatch Logs API behind the small
// surface the agent consumes: list log groups, fetch events, search across
// groups.
package cloudwatch

import "context"

// LogEvent is one log record, timestamps in epoch milliseconds.
type LogEvent struct {
	Timestamp     int64  `json:"timestamp"`
	Message       string `json:"message"`
	LogStream     string `json:"log_stream,omitempty"`
	IngestionTime int64  `json:"ingestion_time,omitempty"`
}

// LogGroup describes one CloudWatch log group.
type LogGroup struct {
	Name          string `json:"name"`
	CreatedAt     int64  `json:"created_at"` // epoch ms
	StoredBytes   int64  `json:"stored_bytes"`
	RetentionDays *int32 `json:"retention_days,omitempty"`
}

// FetchParams selects events from a single log group.
type FetchParams struct {
	LogGroup        string
	StartTime       int64 // epoch ms
	EndTime         int64 // epoch ms; 0 = now
	FilterPattern   string
	Limit           int // 0 = default
	LogStreamPrefix string
}

// SearchParams selects events across groups matched by substring patterns.
type SearchParams struct {
	LogGroupPatterns []string
	Pattern          string
	StartTime        int64
	EndTime          int64
	Limit            int
}

// PageFunc receives progress per pagination step: running count and a
// human-readable message.
type PageFunc func(count int, message string)

// API is the CloudWatch surface the rest of the system depends on.
// Production code uses *Client; tests substitute fakes.
type API interface {
	ListLogGroups(ctx context.Context, prefix string, limit int) ([]LogGroup, error)
	ListAllLogGroups(ctx context.Context, onPage PageFunc) ([]LogGroup, error)
	FetchLogs(ctx context.Context, params FetchParams) ([]LogEvent, error)
	SearchLogs(ctx context.Context, params SearchParams) ([]LogEvent, error)
}
