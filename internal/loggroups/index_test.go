package loggroups

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/cwlens/cwlens/internal/cloudwatch"
)

type fakeClient struct {
	groups []cloudwatch.LogGroup
	err    error
}

func (f *fakeClient) ListLogGroups(ctx context.Context, prefix string, limit int) ([]cloudwatch.LogGroup, error) {
	return f.groups, f.err
}

func (f *fakeClient) ListAllLogGroups(ctx context.Context, onPage cloudwatch.PageFunc) ([]cloudwatch.LogGroup, error) {
	if f.err != nil {
		return nil, f.err
	}
	if onPage != nil {
		onPage(len(f.groups), "loaded")
	}
	return f.groups, nil
}

func (f *fakeClient) FetchLogs(ctx context.Context, params cloudwatch.FetchParams) ([]cloudwatch.LogEvent, error) {
	return nil, nil
}

func (f *fakeClient) SearchLogs(ctx context.Context, params cloudwatch.SearchParams) ([]cloudwatch.LogEvent, error) {
	return nil, nil
}

func namedGroups(names ...string) []cloudwatch.LogGroup {
	out := make([]cloudwatch.LogGroup, len(names))
	for i, n := range names {
		out[i] = cloudwatch.LogGroup{Name: n, StoredBytes: 1024}
	}
	return out
}

func TestLoadAllTransitionsToReady(t *testing.T) {
	fake := &fakeClient{groups: namedGroups("/aws/lambda/api", "/aws/lambda/worker")}
	ix := NewIndex(fake)

	if ix.State() != StateUninitialized {
		t.Fatalf("initial state = %s", ix.State())
	}

	var notified bool
	ix.OnUpdate(func() { notified = true })

	if err := ix.LoadAll(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if ix.State() != StateReady {
		t.Errorf("state = %s, want ready", ix.State())
	}
	if ix.Count() != 2 {
		t.Errorf("count = %d", ix.Count())
	}
	if !notified {
		t.Error("update callback not fired")
	}
}

func TestLoadAllErrorPreservesPriorList(t *testing.T) {
	fake := &fakeClient{groups: namedGroups("/aws/lambda/api")}
	ix := NewIndex(fake)
	if err := ix.LoadAll(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	fake.err = errors.New("throttled")
	if err := ix.LoadAll(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if ix.State() != StateError {
		t.Errorf("state = %s, want error", ix.State())
	}
	if ix.Count() != 1 {
		t.Errorf("prior list not preserved, count = %d", ix.Count())
	}
}

func TestFindMatching(t *testing.T) {
	ix := NewIndex(&fakeClient{})
	ix.groups = namedGroups("/aws/lambda/Payment-API", "/aws/lambda/orders", "/ecs/payment-worker")
	ix.state = StateReady

	got := ix.FindMatching("payment")
	if len(got) != 2 {
		t.Fatalf("matches = %v", got)
	}
	if got[0] != "/aws/lambda/Payment-API" || got[1] != "/ecs/payment-worker" {
		t.Errorf("matches = %v", got)
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"/aws/lambda/api", "/aws/lambda/"},
		{"/ecs/cluster-1/service", "/ecs/"},
		{"/aws/rds/instance/db1/error", "/aws/rds/"},
		{"/custom/app/service/extra", "/custom/app/service/"},
		{"/custom/app", "/custom/app/"},
		{"standalone", "standalone"},
	}
	for _, tt := range tests {
		if got := categorize(tt.name); got != tt.want {
			t.Errorf("categorize(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestGetStats(t *testing.T) {
	ix := NewIndex(&fakeClient{})
	ix.groups = namedGroups("/aws/lambda/a", "/aws/lambda/b", "/ecs/c")
	ix.state = StateReady

	s := ix.GetStats()
	if s.Count != 3 {
		t.Errorf("count = %d", s.Count)
	}
	if s.TotalBytes != 3*1024 {
		t.Errorf("bytes = %d", s.TotalBytes)
	}
	if s.Categories["/aws/lambda/"] != 2 || s.Categories["/ecs/"] != 1 {
		t.Errorf("categories = %v", s.Categories)
	}
}

func TestRenderSystemPromptNotLoaded(t *testing.T) {
	ix := NewIndex(&fakeClient{})
	out := ix.RenderSystemPrompt()
	if !strings.Contains(out, "not loaded") {
		t.Errorf("missing not-loaded notice: %q", out)
	}
	if !strings.Contains(out, "list_log_groups") {
		t.Errorf("missing discovery hint: %q", out)
	}
}

func TestRenderSystemPromptFullList(t *testing.T) {
	fake := &fakeClient{groups: namedGroups("/aws/lambda/zeta", "/aws/lambda/alpha")}
	ix := NewIndex(fake)
	if err := ix.LoadAll(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	out := ix.RenderSystemPrompt()
	if !strings.Contains(out, "Total: 2 log groups") {
		t.Errorf("missing total line: %q", out)
	}
	// Full list, sorted.
	alpha := strings.Index(out, "/aws/lambda/alpha")
	zeta := strings.Index(out, "/aws/lambda/zeta")
	if alpha < 0 || zeta < 0 || alpha > zeta {
		t.Errorf("list not sorted or incomplete: %q", out)
	}
}

func TestRenderSystemPromptSwitchesToSummary(t *testing.T) {
	names := make([]string, 0, 501)
	for i := 0; i < 400; i++ {
		names = append(names, fmt.Sprintf("/aws/lambda/fn-%03d", i))
	}
	for i := 0; i < 101; i++ {
		names = append(names, fmt.Sprintf("/ecs/svc-%03d", i))
	}
	fake := &fakeClient{groups: namedGroups(names...)}
	ix := NewIndex(fake)
	if err := ix.LoadAll(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	out := ix.RenderSystemPrompt()
	if !strings.Contains(out, "Top categories") {
		t.Fatalf("expected categorized summary: %.200q", out)
	}
	if !strings.Contains(out, "/aws/lambda/") || !strings.Contains(out, "/ecs/") {
		t.Errorf("categories missing: %.200q", out)
	}

	// Sample is bounded.
	sampleCount := strings.Count(out[strings.Index(out, "Representative sample"):], "\n- ")
	if sampleCount > sampleLimit {
		t.Errorf("sample has %d names, cap is %d", sampleCount, sampleLimit)
	}
}

func TestSampleProportionalRespectsLimit(t *testing.T) {
	byCategory := map[string][]string{
		"/a/": make([]string, 0, 90),
		"/b/": {"/b/one"},
	}
	for i := 0; i < 90; i++ {
		byCategory["/a/"] = append(byCategory["/a/"], fmt.Sprintf("/a/item-%02d", i))
	}
	cats := []catCount{{"/a/", 90}, {"/b/", 1}}

	sample := sampleProportional(cats, byCategory, 10)
	if len(sample) > 10 {
		t.Errorf("sample size %d exceeds limit", len(sample))
	}
	if len(sample) == 0 {
		t.Fatal("empty sample")
	}
}
