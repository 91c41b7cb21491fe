package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cwlens/cwlens/internal/cloudwatch"
	"github.com/cwlens/cwlens/internal/querycache"
	"github.com/cwlens/cwlens/internal/sanitize"
)

type fakeCW struct {
	groups []cloudwatch.LogGroup
	events []cloudwatch.LogEvent
	err    error

	fetchCalls  int
	lastFetch   cloudwatch.FetchParams
	searchCalls   int
	lastSearch    cloudwatch.SearchParams
	lastListLimit int
}

func (f *fakeCW) ListLogGroups(ctx context.Context, prefix string, limit int) ([]cloudwatch.LogGroup, error) {
	f.lastListLimit = limit
	return f.groups, f.err
}

func (f *fakeCW) ListAllLogGroups(ctx context.Context, onPage cloudwatch.PageFunc) ([]cloudwatch.LogGroup, error) {
	return f.groups, f.err
}

func (f *fakeCW) FetchLogs(ctx context.Context, params cloudwatch.FetchParams) ([]cloudwatch.LogEvent, error) {
	f.fetchCalls++
	f.lastFetch = params
	return f.events, f.err
}

func (f *fakeCW) SearchLogs(ctx context.Context, params cloudwatch.SearchParams) ([]cloudwatch.LogEvent, error) {
	f.searchCalls++
	f.lastSearch = params
	return f.events, f.err
}

func testDeps(t *testing.T, cw *fakeCW, withQueryCache bool) *Deps {
	t.Helper()
	deps := &Deps{CW: cw, Sanitizer: sanitize.New(true)}
	if withQueryCache {
		qc, err := querycache.Open(querycache.Config{Path: ":memory:"})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { qc.Close() })
		deps.Queries = qc
	}
	return deps
}

func TestFetchLogsRequiresLogGroup(t *testing.T) {
	tool := NewFetchLogsTool(testDeps(t, &fakeCW{}, false))
	res := tool.Execute(context.Background(), map[string]interface{}{})
	if !res.IsError {
		t.Fatal("expected error for missing log_group")
	}
	if !strings.Contains(res.ForLLM, "log_group") {
		t.Errorf("message = %q", res.ForLLM)
	}
}

func TestFetchLogsRejectsInvertedWindow(t *testing.T) {
	tool := NewFetchLogsTool(testDeps(t, &fakeCW{}, false))
	res := tool.Execute(context.Background(), map[string]interface{}{
		"log_group":  "/aws/lambda/api",
		"start_time": "1h ago",
		"end_time":   "2h ago",
	})
	if !res.IsError {
		t.Fatal("expected error for end before start")
	}
}

func TestFetchLogsClampsLimit(t *testing.T) {
	cw := &fakeCW{}
	tool := NewFetchLogsTool(testDeps(t, cw, false))

	res := tool.Execute(context.Background(), map[string]interface{}{
		"log_group": "/aws/lambda/api",
		"limit":     float64(50000),
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if cw.lastFetch.Limit != maxFetchLimit {
		t.Errorf("limit = %d, want %d", cw.lastFetch.Limit, maxFetchLimit)
	}
}

func TestFetchLogsDefaultsWindowToLastHour(t *testing.T) {
	cw := &fakeCW{}
	tool := NewFetchLogsTool(testDeps(t, cw, false))

	before := time.Now().Add(-time.Hour).UnixMilli()
	res := tool.Execute(context.Background(), map[string]interface{}{"log_group": "/aws/lambda/api"})
	after := time.Now().Add(-time.Hour).UnixMilli()
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if cw.lastFetch.StartTime < before || cw.lastFetch.StartTime > after {
		t.Errorf("default start = %d, want about one hour ago", cw.lastFetch.StartTime)
	}
}

func TestFetchLogsSanitizesMessages(t *testing.T) {
	cw := &fakeCW{events: []cloudwatch.LogEvent{
		{Timestamp: 1700000000000, Message: "login failed for bob@corp.io"},
	}}
	tool := NewFetchLogsTool(testDeps(t, cw, false))

	res := tool.Execute(context.Background(), map[string]interface{}{"log_group": "/aws/lambda/api"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if strings.Contains(res.ForLLM, "bob@corp.io") {
		t.Errorf("email survived sanitization: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "[EMAIL_REDACTED]") {
		t.Errorf("missing redaction placeholder: %s", res.ForLLM)
	}
	if res.Data["sanitization"] == nil {
		t.Error("missing sanitization summary")
	}
}

func TestFetchLogsQueryCacheHitSkipsAPI(t *testing.T) {
	cw := &fakeCW{events: []cloudwatch.LogEvent{{Timestamp: 1700000000000, Message: "hello"}}}
	tool := NewFetchLogsTool(testDeps(t, cw, true))

	args := map[string]interface{}{
		"log_group":  "/aws/lambda/api",
		"start_time": int64(1700000000000),
		"end_time":   int64(1700003600000),
	}
	first := tool.Execute(context.Background(), args)
	if first.IsError {
		t.Fatalf("first call failed: %s", first.ForLLM)
	}
	second := tool.Execute(context.Background(), args)
	if second.IsError {
		t.Fatalf("second call failed: %s", second.ForLLM)
	}

	if cw.fetchCalls != 1 {
		t.Errorf("API called %d times, want 1 (second should hit cache)", cw.fetchCalls)
	}
	if second.Data["count"].(float64) != 1 {
		t.Errorf("cached count = %v", second.Data["count"])
	}
}

func TestFetchLogsNotFoundHint(t *testing.T) {
	cw := &fakeCW{err: &cloudwatch.Error{Kind: cloudwatch.ErrNotFound, Message: "no such group"}}
	tool := NewFetchLogsTool(testDeps(t, cw, false))

	res := tool.Execute(context.Background(), map[string]interface{}{"log_group": "/nope"})
	if !res.IsError {
		t.Fatal("expected error")
	}
	if !strings.Contains(res.ForLLM, "list_log_groups") {
		t.Errorf("missing recovery hint: %s", res.ForLLM)
	}
}

func TestListLogGroupsClampsLimit(t *testing.T) {
	cw := &fakeCW{groups: []cloudwatch.LogGroup{{Name: "/aws/lambda/api"}}}
	tool := NewListLogGroupsTool(testDeps(t, cw, false))

	res := tool.Execute(context.Background(), map[string]interface{}{"limit": float64(500)})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if cw.lastListLimit != maxListGroupsLimit {
		t.Errorf("limit = %d, want %d", cw.lastListLimit, maxListGroupsLimit)
	}
	if res.Data["count"].(int) != 1 {
		t.Errorf("count = %v", res.Data["count"])
	}
}

func TestSearchLogsRequiresPatterns(t *testing.T) {
	tool := NewSearchLogsTool(testDeps(t, &fakeCW{}, false))

	res := tool.Execute(context.Background(), map[string]interface{}{"search_pattern": "ERROR"})
	if !res.IsError {
		t.Fatal("expected error for missing log_group_patterns")
	}

	res = tool.Execute(context.Background(), map[string]interface{}{
		"log_group_patterns": []interface{}{"lambda"},
	})
	if !res.IsError {
		t.Fatal("expected error for missing search_pattern")
	}
}

func TestSearchLogsPassesParams(t *testing.T) {
	cw := &fakeCW{events: []cloudwatch.LogEvent{
		{Timestamp: 1700000001000, Message: "ERROR boom", LogStream: "app/1"},
	}}
	tool := NewSearchLogsTool(testDeps(t, cw, false))

	res := tool.Execute(context.Background(), map[string]interface{}{
		"log_group_patterns": "payment, orders",
		"search_pattern":     "ERROR",
		"limit":              float64(10),
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if len(cw.lastSearch.LogGroupPatterns) != 2 {
		t.Errorf("patterns = %v", cw.lastSearch.LogGroupPatterns)
	}
	if cw.lastSearch.Pattern != "ERROR" || cw.lastSearch.Limit != 10 {
		t.Errorf("params = %+v", cw.lastSearch)
	}
	if res.Data["count"].(int) != 1 {
		t.Errorf("count = %v", res.Data["count"])
	}
}

func TestSearchLogsSchemaNamesSearchPattern(t *testing.T) {
	tool := NewSearchLogsTool(testDeps(t, &fakeCW{}, false))

	params := tool.Parameters()
	props := params["properties"].(map[string]interface{})
	if _, ok := props["search_pattern"]; !ok {
		t.Error("schema missing search_pattern property")
	}
	required := params["required"].([]string)
	var found bool
	for _, r := range required {
		if r == "search_pattern" {
			found = true
		}
	}
	if !found {
		t.Errorf("required = %v", required)
	}
}

func TestSearchLogsAcceptsLegacyPatternArg(t *testing.T) {
	cw := &fakeCW{events: []cloudwatch.LogEvent{
		{Timestamp: 1700000001000, Message: "ERROR boom", LogStream: "app/1"},
	}}
	tool := NewSearchLogsTool(testDeps(t, cw, false))

	res := tool.Execute(context.Background(), map[string]interface{}{
		"log_group_patterns": []interface{}{"payment"},
		"pattern":            "ERROR",
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if cw.lastSearch.Pattern != "ERROR" {
		t.Errorf("pattern = %q", cw.lastSearch.Pattern)
	}
}
