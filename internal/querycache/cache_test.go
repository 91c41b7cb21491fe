package querycache

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	kwargs := map[string]interface{}{
		"log_group":  "/aws/lambda/api",
		"start_time": int64(1700000000000),
		"end_time":   int64(1700003600000),
		"limit":      100,
	}
	payload := map[string]interface{}{
		"events": []map[string]interface{}{{"timestamp": 1700000001000, "message": "hello"}},
		"count":  1,
	}

	if err := c.Set(ctx, "fetch_logs", payload, kwargs); err != nil {
		t.Fatal(err)
	}

	raw, err := c.Get(ctx, "fetch_logs", kwargs)
	if err != nil {
		t.Fatal(err)
	}
	if raw == nil {
		t.Fatal("expected hit, got miss")
	}

	var got map[string]interface{}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["count"].(float64) != 1 {
		t.Errorf("count = %v", got["count"])
	}
}

func TestGetMiss(t *testing.T) {
	c := openTestCache(t)
	raw, err := c.Get(context.Background(), "fetch_logs", map[string]interface{}{"log_group": "/nope"})
	if err != nil {
		t.Fatal(err)
	}
	if raw != nil {
		t.Errorf("expected miss, got %s", raw)
	}
}

func TestKeyFloorsTimesToMinute(t *testing.T) {
	base := map[string]interface{}{
		"log_group":  "/aws/lambda/api",
		"start_time": int64(1700000000000),
	}
	within := map[string]interface{}{
		"log_group":  "/aws/lambda/api",
		"start_time": int64(1700000059000), // same minute
	}
	nextMinute := map[string]interface{}{
		"log_group":  "/aws/lambda/api",
		"start_time": int64(1700000060000),
	}

	if Key("fetch_logs", base) != Key("fetch_logs", within) {
		t.Error("sub-minute difference changed the key")
	}
	if Key("fetch_logs", base) == Key("fetch_logs", nextMinute) {
		t.Error("different minute produced the same key")
	}
}

func TestKeyDistinguishesQueryType(t *testing.T) {
	kwargs := map[string]interface{}{"log_group": "/a"}
	if Key("fetch_logs", kwargs) == Key("search_logs", kwargs) {
		t.Error("query type not part of the key")
	}
}

func TestCalculateTTL(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		queryType string
		kwargs    map[string]interface{}
		want      time.Duration
	}{
		{"list groups", "list_log_groups", nil, 15 * time.Minute},
		{"recent logs no end", "fetch_logs", map[string]interface{}{}, time.Minute},
		{
			"recent logs fresh end", "fetch_logs",
			map[string]interface{}{"end_time": now.Add(-time.Minute).UnixMilli()},
			time.Minute,
		},
		{
			"historic logs", "fetch_logs",
			map[string]interface{}{"end_time": now.Add(-10 * time.Minute).UnixMilli()},
			24 * time.Hour,
		},
		{
			"boundary exactly five minutes", "fetch_logs",
			map[string]interface{}{"end_time": now.Add(-5 * time.Minute).UnixMilli()},
			24 * time.Hour,
		},
		{"statistics", "get_log_statistics", nil, 5 * time.Minute},
		{"other", "describe_streams", nil, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateTTL(tt.queryType, tt.kwargs, now); got != tt.want {
				t.Errorf("ttl = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClearByLogGroup(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	for i, group := range []string{"/a", "/a", "/b"} {
		kwargs := map[string]interface{}{"log_group": group, "limit": 100 + i}
		if err := c.Set(ctx, "fetch_logs", map[string]interface{}{"count": 0}, kwargs); err != nil {
			t.Fatal(err)
		}
	}

	n, err := c.Clear(ctx, "/a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("cleared %d entries for /a, want 2", n)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.EntryCount != 1 {
		t.Errorf("entries after clear = %d, want 1", stats.EntryCount)
	}
}

func TestStats(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	payload := map[string]interface{}{
		"events": []map[string]interface{}{{"message": "a"}, {"message": "b"}},
	}
	if err := c.Set(ctx, "fetch_logs", payload, map[string]interface{}{"log_group": "/x"}); err != nil {
		t.Fatal(err)
	}

	s, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.EntryCount != 1 {
		t.Errorf("entries = %d", s.EntryCount)
	}
	if s.TotalLogsCached != 2 {
		t.Errorf("logs cached = %d", s.TotalLogsCached)
	}
	if s.SizeBytes <= 0 {
		t.Errorf("size = %d", s.SizeBytes)
	}
}
