package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cwlens/cwlens/internal/cloudwatch"
	"github.com/cwlens/cwlens/internal/querycache"
	"github.com/cwlens/cwlens/internal/sanitize"
)

const (
	defaultFetchLimit  = 100
	maxFetchLimit      = 1000
	maxListGroupsLimit = 100
)

// Deps bundles the shared backends the CloudWatch tools execute against.
type Deps struct {
	CW        cloudwatch.API
	Queries   *querycache.Cache // optional
	Sanitizer *sanitize.Sanitizer
}

// cachedLookup serves a query-cache hit as a tool result, or nil on miss.
// Cache failures degrade to a miss.
func (d *Deps) cachedLookup(ctx context.Context, queryType string, kwargs map[string]interface{}) *Result {
	if d.Queries == nil {
		return nil
	}
	raw, err := d.Queries.Get(ctx, queryType, kwargs)
	if err != nil || raw == nil {
		return nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	return DataResult(data)
}

// cacheStore records a fresh result, logging but not propagating failures.
func (d *Deps) cacheStore(ctx context.Context, queryType string, data map[string]interface{}, kwargs map[string]interface{}) {
	if d.Queries == nil {
		return
	}
	if err := d.Queries.Set(ctx, queryType, data, kwargs); err != nil {
		slog.Warn("query cache store failed", "query_type", queryType, "error", err)
	}
}

// sanitizeEvents redacts event messages when sanitization is enabled and
// reports the redaction summary, or empty when nothing was redacted.
func (d *Deps) sanitizeEvents(events []map[string]interface{}) ([]map[string]interface{}, string) {
	if d.Sanitizer == nil || !d.Sanitizer.Enabled() {
		return events, ""
	}
	clean, counts := d.Sanitizer.SanitizeEvents(events)
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return clean, ""
	}
	return clean, sanitize.FormatSummary(counts)
}

func eventMaps(events []cloudwatch.LogEvent) []map[string]interface{} {
	out := make([]map[string]interface{}, len(events))
	for i, ev := range events {
		m := map[string]interface{}{
			"timestamp": ev.Timestamp,
			"message":   ev.Message,
		}
		if ev.LogStream != "" {
			m["log_stream"] = ev.LogStream
		}
		out[i] = m
	}
	return out
}

// --- list_log_groups ---

type ListLogGroupsTool struct {
	deps *Deps
}

func NewListLogGroupsTool(deps *Deps) *ListLogGroupsTool {
	return &ListLogGroupsTool{deps: deps}
}

func (t *ListLogGroupsTool) Name() string { return "list_log_groups" }

func (t *ListLogGroupsTool) Description() string {
	return "List CloudWatch log groups, optionally filtered by name prefix. Returns up to 100 groups with creation time, stored bytes and retention."
}

func (t *ListLogGroupsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prefix": map[string]interface{}{
				"type":        "string",
				"description": "Only return groups whose name starts with this prefix.",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum number of groups to return (1-100). Default 50.",
			},
		},
	}
}

func (t *ListLogGroupsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	prefix := stringArg(args, "prefix")
	limit := intArg(args, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > maxListGroupsLimit {
		limit = maxListGroupsLimit
	}

	kwargs := map[string]interface{}{"prefix": prefix, "limit": limit}
	if hit := t.deps.cachedLookup(ctx, "list_log_groups", kwargs); hit != nil {
		return hit
	}

	groups, err := t.deps.CW.ListLogGroups(ctx, prefix, limit)
	if err != nil {
		return cloudwatchError("list_log_groups", err)
	}

	data := map[string]interface{}{
		"log_groups": groups,
		"count":      len(groups),
		"prefix":     prefix,
	}
	t.deps.cacheStore(ctx, "list_log_groups", data, kwargs)
	return DataResult(data)
}

// --- fetch_logs ---

type FetchLogsTool struct {
	deps *Deps
}

func NewFetchLogsTool(deps *Deps) *FetchLogsTool {
	return &FetchLogsTool{deps: deps}
}

func (t *FetchLogsTool) Name() string { return "fetch_logs" }

func (t *FetchLogsTool) Description() string {
	return "Fetch log events from a single CloudWatch log group within a time window, optionally filtered by a CloudWatch filter pattern."
}

func (t *FetchLogsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"log_group": map[string]interface{}{
				"type":        "string",
				"description": "Exact log group name, e.g. /aws/lambda/my-function.",
			},
			"start_time": map[string]interface{}{
				"type":        "string",
				"description": "Window start: epoch ms, RFC3339, or relative like '1h ago'. Default '1h ago'.",
			},
			"end_time": map[string]interface{}{
				"type":        "string",
				"description": "Window end, same formats. Default now.",
			},
			"filter_pattern": map[string]interface{}{
				"type":        "string",
				"description": "CloudWatch Logs filter pattern, e.g. 'ERROR' or '{ $.level = \"error\" }'.",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum events to return (1-1000). Default 100.",
			},
			"log_stream_prefix": map[string]interface{}{
				"type":        "string",
				"description": "Restrict to log streams with this name prefix.",
			},
		},
		"required": []string{"log_group"},
	}
}

func (t *FetchLogsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	logGroup := stringArg(args, "log_group")
	if logGroup == "" {
		return ErrorResult("fetch_logs requires log_group")
	}

	now := time.Now()
	start, err := parseTime(args["start_time"], now)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid start_time: %v", err))
	}
	if start == 0 {
		start = now.Add(-time.Hour).UnixMilli()
	}
	end, err := parseTime(args["end_time"], now)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid end_time: %v", err))
	}
	if end != 0 && end <= start {
		return ErrorResult("end_time must be after start_time")
	}

	limit := intArg(args, "limit", defaultFetchLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}
	filter := stringArg(args, "filter_pattern")
	streamPrefix := stringArg(args, "log_stream_prefix")

	kwargs := map[string]interface{}{
		"log_group":  logGroup,
		"start_time": start,
		"end_time":   end,
		"limit":      limit,
	}
	if filter != "" {
		kwargs["filter_pattern"] = filter
	}
	if streamPrefix != "" {
		kwargs["log_stream_prefix"] = streamPrefix
	}
	if hit := t.deps.cachedLookup(ctx, "fetch_logs", kwargs); hit != nil {
		return hit
	}

	events, err := t.deps.CW.FetchLogs(ctx, cloudwatch.FetchParams{
		LogGroup:        logGroup,
		StartTime:       start,
		EndTime:         end,
		FilterPattern:   filter,
		Limit:           limit,
		LogStreamPrefix: streamPrefix,
	})
	if err != nil {
		return cloudwatchError("fetch_logs", err)
	}

	maps, redacted := t.deps.sanitizeEvents(eventMaps(events))
	data := map[string]interface{}{
		"log_group":  logGroup,
		"events":     maps,
		"count":      len(maps),
		"start_time": start,
		"end_time":   end,
	}
	if filter != "" {
		data["filter_pattern"] = filter
	}
	if redacted != "" {
		data["sanitization"] = redacted
	}
	t.deps.cacheStore(ctx, "fetch_logs", data, kwargs)
	return DataResult(data)
}

// --- search_logs ---

type SearchLogsTool struct {
	deps *Deps
}

func NewSearchLogsTool(deps *Deps) *SearchLogsTool {
	return &SearchLogsTool{deps: deps}
}

func (t *SearchLogsTool) Name() string { return "search_logs" }

func (t *SearchLogsTool) Description() string {
	return "Search for a pattern across multiple CloudWatch log groups matched by name substrings. Results are merged and sorted by timestamp."
}

func (t *SearchLogsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"log_group_patterns": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Substrings matched against log group names, case-insensitive.",
			},
			"search_pattern": map[string]interface{}{
				"type":        "string",
				"description": "CloudWatch Logs filter pattern to search for.",
			},
			"start_time": map[string]interface{}{
				"type":        "string",
				"description": "Window start: epoch ms, RFC3339, or relative like '1h ago'. Default '1h ago'.",
			},
			"end_time": map[string]interface{}{
				"type":        "string",
				"description": "Window end, same formats. Default now.",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum events to return across all groups (1-1000). Default 100.",
			},
		},
		"required": []string{"log_group_patterns", "search_pattern"},
	}
}

func (t *SearchLogsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	patterns := stringSliceArg(args, "log_group_patterns")
	if len(patterns) == 0 {
		return ErrorResult("search_logs requires log_group_patterns")
	}
	pattern := stringArg(args, "search_pattern")
	if pattern == "" {
		// Some models send the older argument name.
		pattern = stringArg(args, "pattern")
	}
	if pattern == "" {
		return ErrorResult("search_logs requires search_pattern")
	}

	now := time.Now()
	start, err := parseTime(args["start_time"], now)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid start_time: %v", err))
	}
	if start == 0 {
		start = now.Add(-time.Hour).UnixMilli()
	}
	end, err := parseTime(args["end_time"], now)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid end_time: %v", err))
	}

	limit := intArg(args, "limit", defaultFetchLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}

	kwargs := map[string]interface{}{
		"log_group_patterns": strings.Join(patterns, ","),
		"search_pattern":     pattern,
		"start_time":         start,
		"end_time":           end,
		"limit":              limit,
	}
	if hit := t.deps.cachedLookup(ctx, "search_logs", kwargs); hit != nil {
		return hit
	}

	events, err := t.deps.CW.SearchLogs(ctx, cloudwatch.SearchParams{
		LogGroupPatterns: patterns,
		Pattern:          pattern,
		StartTime:        start,
		EndTime:          end,
		Limit:            limit,
	})
	if err != nil {
		return cloudwatchError("search_logs", err)
	}

	maps, redacted := t.deps.sanitizeEvents(eventMaps(events))
	data := map[string]interface{}{
		"search_pattern": pattern,
		"events":         maps,
		"count":          len(maps),
		"start_time":     start,
		"end_time":       end,
	}
	if redacted != "" {
		data["sanitization"] = redacted
	}
	t.deps.cacheStore(ctx, "search_logs", data, kwargs)
	return DataResult(data)
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	var out []string
	switch v := args[key].(type) {
	case []string:
		out = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// cloudwatchError maps an AWS failure to an actionable tool error.
func cloudwatchError(tool string, err error) *Result {
	var hint string
	switch cloudwatch.KindOf(err) {
	case cloudwatch.ErrNotFound:
		hint = "The log group does not exist. Use list_log_groups to find valid names."
	case cloudwatch.ErrAuthentication:
		hint = "AWS credentials are missing or lack permission. Check the configured profile and IAM policy."
	case cloudwatch.ErrRateLimit:
		hint = "CloudWatch throttled the request. Narrow the time window or retry shortly."
	case cloudwatch.ErrInvalidParameter:
		hint = "A request parameter was rejected. Check the filter pattern syntax and time range."
	}

	msg := fmt.Sprintf("%s failed: %v", tool, err)
	if hint != "" {
		msg += " " + hint
	}
	return ErrorResult(msg).WithError(err)
}
