package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cwlens/cwlens/internal/budget"
	"github.com/cwlens/cwlens/internal/providers"
	"github.com/cwlens/cwlens/internal/resultcache"
	"github.com/cwlens/cwlens/internal/tokens"
	"github.com/cwlens/cwlens/internal/tools"
)

// scriptedProvider replays a fixed sequence of responses and records the
// requests it received. The last response repeats once the script runs out.
// ChatStream delivers response text as a series of small chunks, the way a
// real SSE stream would.
type scriptedProvider struct {
	responses   []*providers.ChatResponse
	requests    []providers.ChatRequest
	chatCalls   int
	streamCalls int
}

func (p *scriptedProvider) next(req providers.ChatRequest) *providers.ChatResponse {
	p.requests = append(p.requests, req)
	idx := len(p.requests) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx]
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.chatCalls++
	return p.next(req), nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	p.streamCalls++
	resp := p.next(req)
	if onChunk != nil {
		const chunkSize = 16
		for i := 0; i < len(resp.Content); i += chunkSize {
			end := i + chunkSize
			if end > len(resp.Content) {
				end = len(resp.Content)
			}
			onChunk(providers.StreamChunk{Content: resp.Content[i:end]})
		}
		onChunk(providers.StreamChunk{Done: true})
	}
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

type stubTool struct {
	name   string
	result *tools.Result
	calls  int
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	s.calls++
	return s.result
}

func finalText(text string) *providers.ChatResponse {
	return &providers.ChatResponse{Content: text, FinishReason: "stop"}
}

func toolCallResp(id, name string) *providers.ChatResponse {
	return &providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: id, Name: name, Arguments: map[string]interface{}{}}},
		FinishReason: "tool_calls",
	}
}

func newTestOrchestrator(t *testing.T, provider providers.Provider, reg *tools.Registry, opts Options, results *resultcache.Cache) *Orchestrator {
	t.Helper()
	counter := tokens.NewCounter("test-model")
	tracker := budget.NewTracker(counter, budget.NewAllocation(200000, budget.DefaultPolicy()))
	o := New(Config{
		Provider:     provider,
		Model:        "test-model",
		Tools:        reg,
		Tracker:      tracker,
		Results:      results,
		Options:      opts,
		SystemPrompt: func() string { return "You answer questions about CloudWatch logs." },
	})
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o
}

func historyContains(o *Orchestrator, role, substr string) bool {
	for _, m := range o.GetHistory() {
		if m.Role == role && strings.Contains(m.Content, substr) {
			return true
		}
	}
	return false
}

func TestChatPlainAnswer(t *testing.T) {
	resp := finalText("The error was a database timeout.")
	resp.Usage = &providers.Usage{PromptTokens: 120, CompletionTokens: 15, TotalTokens: 135}
	p := &scriptedProvider{responses: []*providers.ChatResponse{resp}}
	o := newTestOrchestrator(t, p, tools.NewRegistry(), DefaultOptions(), nil)

	got, err := o.Chat(context.Background(), "why did the job fail?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "The error was a database timeout." {
		t.Errorf("got %q", got)
	}
	if len(p.requests) != 1 {
		t.Errorf("provider called %d times", len(p.requests))
	}
	if !historyContains(o, "user", "why did the job fail?") {
		t.Error("user message not in history")
	}
	if !historyContains(o, "assistant", "database timeout") {
		t.Error("assistant reply not in history")
	}

	sess := o.SessionUsage()
	if sess.PromptTokens != 120 || sess.CompletionTokens != 15 || sess.Requests != 1 {
		t.Errorf("session usage = %+v", sess)
	}
}

func TestChatToolCallRoundTrip(t *testing.T) {
	stub := &stubTool{name: "fetch_logs", result: tools.DataResult(map[string]interface{}{
		"count":  2,
		"events": []map[string]interface{}{{"message": "a"}, {"message": "b"}},
	})}
	reg := tools.NewRegistry()
	reg.Register(stub)

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResp("t1", "fetch_logs"),
		finalText("Two events found."),
	}}
	o := newTestOrchestrator(t, p, reg, DefaultOptions(), nil)

	var statuses []ToolCallStatus
	o.RegisterToolListener(func(rec ToolCallRecord) {
		statuses = append(statuses, rec.Status)
	})

	got, err := o.Chat(context.Background(), "fetch recent logs")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Two events found." {
		t.Errorf("got %q", got)
	}
	if stub.calls != 1 {
		t.Errorf("tool executed %d times", stub.calls)
	}
	if !historyContains(o, "tool", `"count":2`) {
		t.Error("tool result not in history")
	}

	want := []ToolCallStatus{ToolCallPending, ToolCallRunning, ToolCallSuccess}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v", statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("status[%d] = %s, want %s", i, statuses[i], want[i])
		}
	}

	// Second request carries the assistant tool_call and the tool result.
	second := p.requests[1].Messages
	var sawToolMsg bool
	for _, m := range second {
		if m.Role == "tool" && m.ToolCallID == "t1" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Error("tool result missing from follow-up request")
	}
}

func TestChatIntentNudgeReinvokes(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		finalText("Let me fetch the logs from the last hour."),
		finalText("The logs show three timeouts."),
	}}
	o := newTestOrchestrator(t, p, tools.NewRegistry(), DefaultOptions(), nil)

	got, err := o.Chat(context.Background(), "what happened?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "The logs show three timeouts." {
		t.Errorf("got %q", got)
	}
	if len(p.requests) != 2 {
		t.Fatalf("provider called %d times, want 2", len(p.requests))
	}
	if !historyContains(o, "system", "did not call a tool") {
		t.Error("intent guidance not injected")
	}
}

func TestChatIntentNudgeDisabled(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		finalText("Let me fetch the logs from the last hour."),
	}}
	opts := DefaultOptions()
	opts.AutoRetryEnabled = false
	o := newTestOrchestrator(t, p, tools.NewRegistry(), opts, nil)

	got, err := o.Chat(context.Background(), "what happened?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Let me fetch the logs from the last hour." {
		t.Errorf("got %q", got)
	}
	if len(p.requests) != 1 {
		t.Errorf("provider called %d times, want 1", len(p.requests))
	}
}

func TestChatEmptyResultInjectsExpansionGuidance(t *testing.T) {
	stub := &stubTool{name: "fetch_logs", result: tools.DataResult(map[string]interface{}{
		"count":  0,
		"events": []map[string]interface{}{},
	})}
	reg := tools.NewRegistry()
	reg.Register(stub)

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResp("t1", "fetch_logs"),
		finalText("Expanding did not help; the window was quiet."),
	}}
	o := newTestOrchestrator(t, p, reg, DefaultOptions(), nil)

	if _, err := o.Chat(context.Background(), "any errors?"); err != nil {
		t.Fatal(err)
	}
	if !historyContains(o, "system", "returned no events") {
		t.Error("empty-result guidance not injected")
	}
	if !historyContains(o, "system", "factor of 4") {
		t.Error("guidance missing expansion factor")
	}
}

func TestSelfDirectGivingUpRequiresEmptyPrior(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedProvider{responses: []*providers.ChatResponse{finalText("x")}},
		tools.NewRegistry(), DefaultOptions(), nil)

	text := "No results were found in that time range."
	if cond := o.selfDirect(text, NewRetryState(3), true, false); cond != CondEmptyLogs {
		t.Errorf("with empty prior: cond = %q", cond)
	}
	if cond := o.selfDirect(text, NewRetryState(3), true, true); cond != CondGroupNotFound {
		t.Errorf("with not-found prior: cond = %q", cond)
	}
	if cond := o.selfDirect(text, NewRetryState(3), false, false); cond != "" {
		t.Errorf("without empty prior: cond = %q", cond)
	}
}

func TestChatIterationCeiling(t *testing.T) {
	stub := &stubTool{name: "fetch_logs", result: tools.DataResult(map[string]interface{}{"count": 1})}
	reg := tools.NewRegistry()
	reg.Register(stub)

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResp("t1", "fetch_logs"), // repeats forever
	}}
	opts := DefaultOptions()
	opts.MaxToolIterations = 3
	o := newTestOrchestrator(t, p, reg, opts, nil)

	got, err := o.Chat(context.Background(), "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "limit of 3 tool iterations") {
		t.Errorf("got %q", got)
	}
	if stub.calls != 3 {
		t.Errorf("tool executed %d times, want 3", stub.calls)
	}
}

func TestChatCachesLargeResult(t *testing.T) {
	results, err := resultcache.Open(resultcache.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	defer results.Close()

	events := make([]map[string]interface{}, 400)
	for i := range events {
		events[i] = map[string]interface{}{
			"timestamp": int64(1700000000000 + i*1000),
			"message":   fmt.Sprintf("INFO a reasonably long log line with request details %d", i),
		}
	}
	stub := &stubTool{name: "fetch_logs", result: tools.DataResult(map[string]interface{}{
		"count":  400,
		"events": events,
	})}
	reg := tools.NewRegistry()
	reg.Register(stub)

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResp("t1", "fetch_logs"),
		finalText("Summarized from the cached result."),
	}}
	opts := DefaultOptions()
	opts.CacheLargeResultsThreshold = 100
	o := newTestOrchestrator(t, p, reg, opts, results)

	var notices []ContextNotification
	o.SetContextNotificationCallback(func(n ContextNotification) {
		notices = append(notices, n)
	})

	if _, err := o.Chat(context.Background(), "show me everything"); err != nil {
		t.Fatal(err)
	}

	// The tool message holds the summary envelope, not the raw events.
	if !historyContains(o, "tool", `"cache_id":"result_`) {
		t.Error("tool message does not carry the cache envelope")
	}
	// The summary carries a handful of sample events, not the full set.
	if historyContains(o, "tool", "log line with request details 100") {
		t.Error("raw events leaked into history")
	}

	// Fetch guidance reaches the next request as a system note and suggests
	// the initial chunk size.
	var guidance string
	for _, m := range p.requests[1].Messages {
		if m.Role == "system" && strings.Contains(m.Content, "fetch_cached_result_chunk") {
			guidance = m.Content
		}
	}
	if guidance == "" {
		t.Error("cache guidance missing from follow-up request")
	} else if !strings.Contains(guidance, "limit=50") {
		t.Errorf("guidance does not suggest the initial chunk size: %q", guidance)
	}

	var notified bool
	for _, n := range notices {
		if strings.Contains(n.Message, "Cached a large fetch_logs result") {
			notified = true
		}
	}
	if !notified {
		t.Errorf("no cache notification: %+v", notices)
	}

	if n, _ := results.Count(context.Background()); n != 1 {
		t.Errorf("result cache count = %d", n)
	}
}

func TestChatUnknownToolBecomesErrorResult(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResp("t1", "nonexistent_tool"),
		finalText("Recovered."),
	}}
	o := newTestOrchestrator(t, p, tools.NewRegistry(), DefaultOptions(), nil)

	got, err := o.Chat(context.Background(), "do the thing")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Recovered." {
		t.Errorf("got %q", got)
	}
	if !historyContains(o, "tool", "unknown tool") {
		t.Error("error result not recorded")
	}
}

func TestInjectContextUpdateDeliveredOnce(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{finalText("ok")}}
	o := newTestOrchestrator(t, p, tools.NewRegistry(), DefaultOptions(), nil)

	o.InjectContextUpdate("Log group catalog finished loading: 42 groups.")
	if _, err := o.Chat(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	var sawNote bool
	for _, m := range p.requests[0].Messages {
		if m.Role == "system" && strings.Contains(m.Content, "42 groups") {
			sawNote = true
		}
	}
	if !sawNote {
		t.Error("injected note missing from request")
	}

	// Consumed: a second turn must not repeat it.
	if _, err := o.Chat(context.Background(), "hi again"); err != nil {
		t.Fatal(err)
	}
	for _, m := range p.requests[1].Messages {
		if m.Role == "system" && strings.Contains(m.Content, "42 groups") {
			t.Error("injected note delivered twice")
		}
	}
}

func TestChatStreamEmitsFragments(t *testing.T) {
	long := strings.Repeat("All services are healthy. ", 10)
	p := &scriptedProvider{responses: []*providers.ChatResponse{finalText(long)}}
	o := newTestOrchestrator(t, p, tools.NewRegistry(), DefaultOptions(), nil)

	var parts []string
	got, err := o.ChatStream(context.Background(), "status?", func(fragment string) {
		parts = append(parts, fragment)
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(parts, "") != got {
		t.Error("fragments do not reassemble to the final text")
	}
	if len(parts) < 2 {
		t.Errorf("expected multiple fragments, got %d", len(parts))
	}
	// Fragments come from the provider's stream, not from re-chunking a
	// completed response.
	if p.streamCalls != 1 {
		t.Errorf("ChatStream called %d times, want 1", p.streamCalls)
	}
	if p.chatCalls != 0 {
		t.Errorf("Chat called %d times, want 0", p.chatCalls)
	}
}

func TestChatWithoutStreamingUsesChat(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{finalText("ok")}}
	o := newTestOrchestrator(t, p, tools.NewRegistry(), DefaultOptions(), nil)

	if _, err := o.Chat(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if p.chatCalls != 1 || p.streamCalls != 0 {
		t.Errorf("chat=%d stream=%d", p.chatCalls, p.streamCalls)
	}
}

func TestClearHistory(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{finalText("ok")}}
	o := newTestOrchestrator(t, p, tools.NewRegistry(), DefaultOptions(), nil)

	if _, err := o.Chat(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if len(o.GetHistory()) == 0 {
		t.Fatal("history empty after chat")
	}
	o.ClearHistory()
	if len(o.GetHistory()) != 0 {
		t.Errorf("history not cleared: %d messages", len(o.GetHistory()))
	}
}

func TestCacheGuidanceUsesConfiguredChunkSize(t *testing.T) {
	results, err := resultcache.Open(resultcache.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	defer results.Close()

	events := make([]map[string]interface{}, 300)
	for i := range events {
		events[i] = map[string]interface{}{
			"timestamp": int64(1700000000000 + i*1000),
			"message":   fmt.Sprintf("INFO a reasonably long log line with request details %d", i),
		}
	}
	stub := &stubTool{name: "fetch_logs", result: tools.DataResult(map[string]interface{}{
		"count":  300,
		"events": events,
	})}
	reg := tools.NewRegistry()
	reg.Register(stub)

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResp("t1", "fetch_logs"),
		finalText("Done."),
	}}
	opts := DefaultOptions()
	opts.CacheLargeResultsThreshold = 100
	opts.InitialChunkSize = 25
	o := newTestOrchestrator(t, p, reg, opts, results)

	if _, err := o.Chat(context.Background(), "show me everything"); err != nil {
		t.Fatal(err)
	}

	var guidance string
	for _, m := range p.requests[1].Messages {
		if m.Role == "system" && strings.Contains(m.Content, "fetch_cached_result_chunk") {
			guidance = m.Content
		}
	}
	if !strings.Contains(guidance, "limit=25") {
		t.Errorf("guidance = %q, want limit=25", guidance)
	}
}

func TestChatArgumentParseFailureBecomesErrorResult(t *testing.T) {
	stub := &stubTool{name: "fetch_logs", result: tools.DataResult(map[string]interface{}{"count": 1})}
	reg := tools.NewRegistry()
	reg.Register(stub)

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			ToolCalls: []providers.ToolCall{{
				ID:             "t1",
				Name:           "fetch_logs",
				ArgumentsError: "malformed tool arguments: unexpected end of JSON input",
			}},
			FinishReason: "tool_calls",
		},
		finalText("Let me correct that call."),
	}}
	o := newTestOrchestrator(t, p, reg, DefaultOptions(), nil)

	var sawError bool
	o.RegisterToolListener(func(rec ToolCallRecord) {
		if rec.Status == ToolCallError {
			sawError = true
		}
	})

	if _, err := o.Chat(context.Background(), "fetch logs"); err != nil {
		t.Fatal(err)
	}
	if stub.calls != 0 {
		t.Errorf("tool executed %d times with undecodable arguments", stub.calls)
	}
	if !historyContains(o, "tool", "invalid arguments for fetch_logs") {
		t.Error("structured error result missing from history")
	}
	if !historyContains(o, "tool", `"success":false`) {
		t.Error("error result not structured")
	}
	if !sawError {
		t.Error("no error status emitted to listeners")
	}
}

func TestChatCancelledDuringBackoff(t *testing.T) {
	stub := &stubTool{name: "fetch_logs", result: tools.DataResult(map[string]interface{}{"count": 1})}
	reg := tools.NewRegistry()
	reg.Register(stub)

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResp("t1", "fetch_logs"), // repeats forever
	}}
	o := newTestOrchestrator(t, p, reg, DefaultOptions(), nil)
	o.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := o.Chat(ctx, "loop")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("cancelled turn blocked for %v", elapsed)
	}
	if stub.calls != 1 {
		t.Errorf("tool executed %d times, want 1", stub.calls)
	}
}

func TestIterationBackoffSchedule(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 8 * time.Second},
		{10, 30 * time.Second}, // capped
	}
	for _, tt := range tests {
		if got := iterationBackoff(tt.n); got != tt.want {
			t.Errorf("iteration %d: %v, want %v", tt.n, got, tt.want)
		}
	}
}
