// Package agent runs the message loop: one user message in, zero or more
// tool-calling iterations, one assistant reply out.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cwlens/cwlens/internal/budget"
	"github.com/cwlens/cwlens/internal/providers"
	"github.com/cwlens/cwlens/internal/resultcache"
	"github.com/cwlens/cwlens/internal/tools"
)

// Options tunes one orchestrator session.
type Options struct {
	MaxToolIterations          int     // default 10, clamped to 1..100
	MaxRetryAttempts           int     // self-direction nudges per turn, default 3
	AutoRetryEnabled           bool
	IntentDetectionEnabled     bool
	TimeExpansionFactor        int     // default 4
	EnableResultCaching        bool
	CacheLargeResultsThreshold int     // tokens, default 5000
	InitialChunkSize           int     // suggested first fetch_cached_result_chunk limit, default 50
	EnableAutoFetchGuidance    bool
	EnableHistoryPruning       bool
	PruneThresholdPct          float64 // default 80
}

// DefaultOptions returns the standard session options.
func DefaultOptions() Options {
	return Options{
		MaxToolIterations:          10,
		MaxRetryAttempts:           3,
		AutoRetryEnabled:           true,
		IntentDetectionEnabled:     true,
		TimeExpansionFactor:        4,
		EnableResultCaching:        true,
		CacheLargeResultsThreshold: 5000,
		InitialChunkSize:           50,
		EnableAutoFetchGuidance:    true,
		EnableHistoryPruning:       true,
		PruneThresholdPct:          80,
	}
}

func (o Options) normalized() Options {
	if o.MaxToolIterations <= 0 {
		o.MaxToolIterations = 10
	}
	if o.MaxToolIterations > 100 {
		o.MaxToolIterations = 100
	}
	if o.MaxRetryAttempts <= 0 {
		o.MaxRetryAttempts = 3
	}
	if o.TimeExpansionFactor <= 1 {
		o.TimeExpansionFactor = 4
	}
	if o.CacheLargeResultsThreshold <= 0 {
		o.CacheLargeResultsThreshold = 5000
	}
	if o.InitialChunkSize <= 0 {
		o.InitialChunkSize = 50
	}
	if o.PruneThresholdPct <= 0 {
		o.PruneThresholdPct = 80
	}
	return o
}

// Config assembles an orchestrator.
type Config struct {
	Provider providers.Provider
	Model    string
	Tools    *tools.Registry
	Tracker  *budget.Tracker
	Results  *resultcache.Cache // nil disables result caching
	Options  Options

	// SystemPrompt is re-evaluated per LLM call so live data (like the
	// log-group catalog) stays current.
	SystemPrompt func() string
}

// Orchestrator drives one chat session. Single-threaded: one Chat or
// ChatStream call at a time.
type Orchestrator struct {
	provider providers.Provider
	model    string
	tools    *tools.Registry
	tracker  *budget.Tracker
	results  *resultcache.Cache
	opts     Options

	systemPrompt func() string

	mu            sync.Mutex
	toolListeners []ToolListener
	notifyCb      NotificationCallback

	pendingInjection string   // one-shot ad-hoc system note
	cacheGuidance    []string // queued cache guidance, takes precedence

	session SessionUsage

	tracer trace.Tracer
	sleep  func(context.Context, time.Duration) error // replaceable in tests
}

func New(cfg Config) *Orchestrator {
	model := cfg.Model
	if model == "" {
		model = cfg.Provider.DefaultModel()
	}
	sp := cfg.SystemPrompt
	if sp == nil {
		sp = func() string { return "" }
	}
	return &Orchestrator{
		provider:     cfg.Provider,
		model:        model,
		tools:        cfg.Tools,
		tracker:      cfg.Tracker,
		results:      cfg.Results,
		opts:         cfg.Options.normalized(),
		systemPrompt: sp,
		tracer:       otel.Tracer("cwlens/agent"),
		sleep:        sleepCtx,
	}
}

// RegisterToolListener attaches a callback invoked on every tool call record
// transition, on the orchestrator's goroutine.
func (o *Orchestrator) RegisterToolListener(fn ToolListener) {
	o.mu.Lock()
	o.toolListeners = append(o.toolListeners, fn)
	o.mu.Unlock()
}

// SetContextNotificationCallback attaches the advisory-event callback.
func (o *Orchestrator) SetContextNotificationCallback(fn NotificationCallback) {
	o.mu.Lock()
	o.notifyCb = fn
	o.mu.Unlock()
}

// InjectContextUpdate enqueues a one-shot system note delivered at the start
// of the next LLM call. Cache guidance queued by the loop takes precedence.
func (o *Orchestrator) InjectContextUpdate(text string) {
	o.mu.Lock()
	o.pendingInjection = text
	o.mu.Unlock()
}

// ClearHistory drops the conversation.
func (o *Orchestrator) ClearHistory() {
	o.tracker.Clear()
}

// GetHistory returns the held conversation messages.
func (o *Orchestrator) GetHistory() []budget.Message {
	return o.tracker.Messages()
}

// Usage reports the current budget usage.
func (o *Orchestrator) Usage() budget.Usage {
	return o.tracker.Usage()
}

// SessionUsage is the cumulative provider-reported token spend of a session.
type SessionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	Requests         int `json:"requests"`
}

// SessionUsage reports the accumulated token spend across all LLM calls.
func (o *Orchestrator) SessionUsage() SessionUsage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Chat processes one user message and returns the final assistant text.
func (o *Orchestrator) Chat(ctx context.Context, userText string) (string, error) {
	return o.run(ctx, userText, nil)
}

// ChatStream processes one user message, streaming final assistant text
// fragments to onFragment. Tool-call phases are not streamed.
func (o *Orchestrator) ChatStream(ctx context.Context, userText string, onFragment func(string)) (string, error) {
	return o.run(ctx, userText, onFragment)
}

func (o *Orchestrator) emitRecord(rec ToolCallRecord) {
	o.mu.Lock()
	listeners := make([]ToolListener, len(o.toolListeners))
	copy(listeners, o.toolListeners)
	o.mu.Unlock()
	for _, fn := range listeners {
		fn(rec)
	}
}

func (o *Orchestrator) notify(sev Severity, msg string) {
	o.mu.Lock()
	cb := o.notifyCb
	o.mu.Unlock()
	if cb != nil {
		cb(ContextNotification{Severity: sev, Message: msg})
	}
}

// consumeInjections drains queued system notes, cache guidance first.
func (o *Orchestrator) consumeInjections() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []string
	out = append(out, o.cacheGuidance...)
	o.cacheGuidance = nil
	if o.pendingInjection != "" {
		out = append(out, o.pendingInjection)
		o.pendingInjection = ""
	}
	return out
}

// addToHistory appends a message, pruning on overflow rather than dropping
// the message.
func (o *Orchestrator) addToHistory(msg budget.Message) {
	err := o.tracker.AddMessage(msg)
	if err == nil {
		return
	}
	usable := o.tracker.Allocation().Usable()
	removed := o.tracker.PruneToTarget(usable / 2)
	if len(removed) > 0 {
		o.notify(SeverityWarning, fmt.Sprintf("Pruned %d old messages to make room in the context window.", len(removed)))
	}
	if err := o.tracker.AddMessage(msg); err != nil {
		// Even after pruning the message is too large. Truncate.
		slog.Warn("message exceeds usable budget after prune", "role", msg.Role, "error", err)
		half := len(msg.Content) / 2
		msg.Content = msg.Content[:half] + "\n[Content truncated to fit the context window]"
		o.addToHistory(msg)
	}
}

// maybePrune runs the threshold-based prune before an LLM call.
func (o *Orchestrator) maybePrune() {
	if !o.opts.EnableHistoryPruning {
		return
	}
	o.tracker.Reaccount()
	if !o.tracker.ShouldPrune(o.opts.PruneThresholdPct) {
		return
	}
	usage := o.tracker.Usage()
	target := usage.TotalTokens / 4 // free a quarter of current usage
	indices := o.tracker.PrunableIndices(target)
	if len(indices) == 0 {
		return
	}
	removed := o.tracker.Prune(indices)
	o.tracker.Reaccount()
	after := o.tracker.Usage()
	o.notify(SeverityInfo, fmt.Sprintf("Context at %.0f%% utilization: pruned %d old messages (now %.0f%%).",
		usage.Utilization, len(removed), after.Utilization))
}

// buildOutgoing assembles the provider message list for one LLM call.
func (o *Orchestrator) buildOutgoing() []providers.Message {
	system := o.systemPrompt()
	o.tracker.SetSystemPrompt(system)

	messages := []providers.Message{{Role: "system", Content: system}}
	for _, note := range o.consumeInjections() {
		messages = append(messages, providers.Message{Role: "system", Content: note})
	}

	history := o.tracker.Messages()
	wire := make([]providers.Message, len(history))
	for i, m := range history {
		wire[i] = m.Message
	}
	return append(messages, repairHistory(wire)...)
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// iterationBackoff is the delay before tool-loop iteration n (1-based):
// 0.5s, 1s, 2s, then doubling, capped.
func iterationBackoff(n int) time.Duration {
	const maxBackoff = 30 * time.Second
	var d time.Duration
	switch {
	case n <= 1:
		d = 500 * time.Millisecond
	case n == 2:
		d = time.Second
	default:
		d = 2 * time.Second << (n - 3)
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (o *Orchestrator) run(ctx context.Context, userText string, onFragment func(string)) (string, error) {
	turnID := uuid.NewString()[:8]
	ctx, span := o.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("turn_id", turnID),
		attribute.Int("message_chars", len(userText)),
	))
	defer span.End()
	slog.Debug("turn started", "turn_id", turnID)

	o.addToHistory(budget.NewMessage("user", userText))

	retry := NewRetryState(o.opts.MaxRetryAttempts)
	var lastBatchEmpty, lastBatchNotFound bool

	for iteration := 1; ; iteration++ {
		if iteration > o.opts.MaxToolIterations {
			stall := fmt.Sprintf("I reached the limit of %d tool iterations without completing the request. "+
				"Try narrowing the question or raising max_tool_iterations.", o.opts.MaxToolIterations)
			o.addToHistory(budget.NewMessage("assistant", stall))
			span.SetAttributes(attribute.Bool("iteration_ceiling", true))
			if onFragment != nil {
				onFragment(stall)
			}
			return stall, nil
		}

		o.maybePrune()
		o.warnIfNearLimit()

		messages := o.buildOutgoing()
		resp, err := o.callLLM(ctx, messages, iteration, onFragment)
		if err != nil {
			span.RecordError(err)
			failure := fmt.Sprintf("The request failed: %v", err)
			o.addToHistory(budget.NewMessage("assistant", failure))
			return "", fmt.Errorf("llm call (iteration %d): %w", iteration, err)
		}

		if len(resp.ToolCalls) == 0 {
			text := SanitizeAssistantContent(resp.Content)

			if cond := o.selfDirect(text, retry, lastBatchEmpty, lastBatchNotFound); cond != "" {
				o.injectGuidance(cond, retry)
				continue
			}

			final := text
			if final == "" {
				final = "I could not produce a response. Please rephrase the question."
				// Nothing was streamed for an empty response; deliver the
				// fallback so the caller is not left with silence.
				if onFragment != nil {
					onFragment(final)
				}
			}
			o.addToHistory(budget.NewMessage("assistant", final))
			span.SetAttributes(attribute.Int("iterations", iteration))
			return final, nil
		}

		// Tool-calling iteration.
		assistantMsg := budget.Message{
			Message: providers.Message{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			},
			Timestamp: time.Now().UTC(),
		}
		o.addToHistory(assistantMsg)

		batch := o.dispatchBatch(ctx, resp.ToolCalls)
		lastBatchEmpty, lastBatchNotFound = false, false
		for _, br := range batch {
			o.addToHistory(budget.Message{
				Message: providers.Message{
					Role:       "tool",
					Content:    br.content,
					ToolCallID: br.toolCallID,
				},
				Timestamp: time.Now().UTC(),
			})
			if br.empty {
				lastBatchEmpty = true
			}
			if br.notFound {
				lastBatchNotFound = true
			}
		}

		if o.opts.AutoRetryEnabled {
			switch {
			case lastBatchNotFound && retry.CanAttempt(CondGroupNotFound):
				o.injectGuidance(CondGroupNotFound, retry)
			case lastBatchEmpty && retry.CanAttempt(CondEmptyLogs):
				o.injectGuidance(CondEmptyLogs, retry)
			}
		}

		if d := iterationBackoff(iteration); d > 0 {
			if err := o.sleep(ctx, d); err != nil {
				span.RecordError(err)
				return "", fmt.Errorf("turn cancelled during backoff: %w", err)
			}
		}
	}
}

// selfDirect decides whether final text warrants a nudge instead of ending
// the turn.
func (o *Orchestrator) selfDirect(text string, retry *RetryState, lastEmpty, lastNotFound bool) RetryCondition {
	if !o.opts.AutoRetryEnabled {
		return ""
	}

	if DetectGivingUp(text) && lastEmpty {
		cond := CondEmptyLogs
		if lastNotFound {
			cond = CondGroupNotFound
		}
		if retry.CanAttempt(cond) {
			return cond
		}
	}

	if o.opts.IntentDetectionEnabled {
		if cond := DetectIntent(text); cond != "" && retry.CanAttempt(cond) {
			return cond
		}
	}
	return ""
}

func (o *Orchestrator) injectGuidance(cond RetryCondition, retry *RetryState) {
	retry.Record(cond)
	msg := Guidance(cond, o.opts.TimeExpansionFactor)
	slog.Info("self-direction nudge", "condition", cond, "attempt", retry.Attempts)
	o.addToHistory(budget.NewMessage("system", msg))
	o.notify(SeverityInfo, fmt.Sprintf("Self-direction: %s (attempt %d/%d)", cond, retry.Attempts, retry.Max))
}

func (o *Orchestrator) warnIfNearLimit() {
	usage := o.tracker.Usage()
	if usage.Band() == budget.BandRed {
		o.notify(SeverityWarning, fmt.Sprintf("Context window is %.0f%% full.", usage.Utilization))
	}
}

// callLLM issues one provider call. With onFragment set it goes through
// ChatStream and forwards text deltas as they arrive; tool-call deltas are
// accumulated by the provider and only surface in the returned response.
func (o *Orchestrator) callLLM(ctx context.Context, messages []providers.Message, iteration int, onFragment func(string)) (*providers.ChatResponse, error) {
	ctx, span := o.tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("model", o.model),
		attribute.Int("iteration", iteration),
		attribute.Int("messages", len(messages)),
		attribute.Bool("streaming", onFragment != nil),
	))
	defer span.End()

	req := providers.ChatRequest{
		Messages: messages,
		Tools:    o.tools.ProviderDefs(),
		Model:    o.model,
		Options: map[string]interface{}{
			"max_tokens": 8192,
		},
	}

	var resp *providers.ChatResponse
	var err error
	if onFragment != nil {
		resp, err = o.provider.ChatStream(ctx, req, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				onFragment(chunk.Content)
			}
		})
	} else {
		resp, err = o.provider.Chat(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("prompt_tokens", resp.Usage.PromptTokens),
			attribute.Int("completion_tokens", resp.Usage.CompletionTokens),
		)
		o.mu.Lock()
		o.session.PromptTokens += resp.Usage.PromptTokens
		o.session.CompletionTokens += resp.Usage.CompletionTokens
		o.session.Requests++
		o.mu.Unlock()
		o.calibrate(messages, resp.Usage.PromptTokens)
	}
	return resp, nil
}

// calibrate feeds actual prompt token counts back into the estimator.
func (o *Orchestrator) calibrate(messages []providers.Message, promptTokens int) {
	if promptTokens <= 0 {
		return
	}
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	o.tracker.Counter().Calibrate(chars, promptTokens)
}

// batchResult is one dispatched tool call's outcome plus loop-analysis flags.
type batchResult struct {
	toolCallID string
	content    string
	empty      bool
	notFound   bool
}

// dispatchBatch executes a batch of tool calls. Multiple calls run in
// parallel; results are reordered to match the tool-call order before being
// appended.
func (o *Orchestrator) dispatchBatch(ctx context.Context, calls []providers.ToolCall) []batchResult {
	if len(calls) == 1 {
		return []batchResult{o.dispatchOne(ctx, calls[0])}
	}

	type indexed struct {
		idx int
		res batchResult
	}
	ch := make(chan indexed, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			ch <- indexed{idx: idx, res: o.dispatchOne(ctx, tc)}
		}(i, tc)
	}
	go func() { wg.Wait(); close(ch) }()

	collected := make([]indexed, 0, len(calls))
	for r := range ch {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	out := make([]batchResult, len(collected))
	for i, r := range collected {
		out[i] = r.res
	}
	return out
}

func (o *Orchestrator) dispatchOne(ctx context.Context, tc providers.ToolCall) batchResult {
	ctx, span := o.tracer.Start(ctx, "tool.exec",
		trace.WithAttributes(attribute.String("tool", tc.Name)))
	defer span.End()

	start := time.Now().UTC()
	rec := ToolCallRecord{
		ID:        tc.ID,
		Name:      tc.Name,
		Arguments: tc.Arguments,
		Status:    ToolCallPending,
		StartedAt: start,
	}
	o.emitRecord(rec)

	// Arguments that failed to decode on the wire never reach the tool; the
	// model gets a structured error to correct the call.
	if tc.ArgumentsError != "" {
		rec.Status = ToolCallError
		rec.Error = tc.ArgumentsError
		rec.FinishedAt = time.Now().UTC()
		o.emitRecord(rec)
		span.SetAttributes(attribute.Bool("error", true))
		errBody, _ := json.Marshal(map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("invalid arguments for %s: %s", tc.Name, tc.ArgumentsError),
		})
		return batchResult{toolCallID: tc.ID, content: string(errBody)}
	}

	rec.Status = ToolCallRunning
	o.emitRecord(rec)

	result := o.tools.Execute(ctx, tc.Name, tc.Arguments)
	rec.FinishedAt = time.Now().UTC()

	if result.IsError {
		span.SetAttributes(attribute.Bool("error", true))
		rec.Status = ToolCallError
		rec.Error = result.ForLLM
		o.emitRecord(rec)
		errBody, _ := json.Marshal(map[string]interface{}{
			"success": false,
			"error":   result.ForLLM,
		})
		return batchResult{
			toolCallID: tc.ID,
			content:    string(errBody),
			notFound:   resultNotFound(result.ForLLM),
		}
	}

	content := o.maybeCacheResult(ctx, tc, result)

	rec.Status = ToolCallSuccess
	rec.Result = content
	o.emitRecord(rec)

	return batchResult{
		toolCallID: tc.ID,
		content:    content,
		empty:      resultLooksEmpty(result.Data),
	}
}

// maybeCacheResult applies the result-cache decision: oversized or
// budget-breaking results are swapped for a summary envelope.
func (o *Orchestrator) maybeCacheResult(ctx context.Context, tc providers.ToolCall, result *tools.Result) string {
	if !o.opts.EnableResultCaching || o.results == nil || result.Data == nil {
		return result.ForLLM
	}

	shouldCache, tokenCount := o.tracker.ShouldCache(result.Data, o.opts.CacheLargeResultsThreshold)
	if !shouldCache {
		return result.ForLLM
	}

	envelope, err := o.results.Cache(ctx, tc.Name, tc.Arguments, result.Data)
	if err != nil {
		slog.Warn("result cache store failed", "tool", tc.Name, "error", err)
		return result.ForLLM
	}

	body, err := json.Marshal(envelope.ToContextDict())
	if err != nil {
		return result.ForLLM
	}

	o.notify(SeverityInfo, fmt.Sprintf("Cached a large %s result (%d tokens) as %s.", tc.Name, tokenCount, envelope.CacheID))

	if o.opts.EnableAutoFetchGuidance {
		o.mu.Lock()
		o.cacheGuidance = append(o.cacheGuidance, fmt.Sprintf(
			"A large %s result was cached as %s (%d events). Call fetch_cached_result_chunk with cache_id=%s and limit=%d to page through the data instead of re-querying.",
			tc.Name, envelope.CacheID, envelope.Summary.TotalEvents, envelope.CacheID, o.opts.InitialChunkSize))
		o.mu.Unlock()
	}

	return string(body)
}
