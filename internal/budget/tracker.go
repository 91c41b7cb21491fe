package budget

import (
	"fmt"
	"sort"
	"time"

	"github.com/cwlens/cwlens/internal/providers"
	"github.com/cwlens/cwlens/internal/tokens"
)

// Message is a conversation record with budget/pruning metadata on top of the
// provider wire message. System and Important messages are never pruned.
type Message struct {
	providers.Message
	Important bool      `json:"important,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage wraps a provider message with the current timestamp.
func NewMessage(role, content string) Message {
	return Message{
		Message:   providers.Message{Role: role, Content: content},
		Timestamp: time.Now().UTC(),
	}
}

// ErrOverflow is returned when a proposed message does not fit the usable
// window. Callers respond by caching or rejecting, never by aborting the turn.
type ErrOverflow struct {
	Tokens    int
	Available int
}

func (e *ErrOverflow) Error() string {
	return fmt.Sprintf("budget overflow: message of %d tokens exceeds %d available", e.Tokens, e.Available)
}

// minRecentPreserved is how many of the most recent non-system messages the
// pruner always keeps, regardless of the requested target.
const minRecentPreserved = 4

// Tracker owns the conversation list for one session and keeps a running token
// account of it. Single-threaded per session; no internal locking.
type Tracker struct {
	counter *tokens.Counter
	alloc   Allocation

	systemPrompt string
	systemTokens int

	messages  []Message
	msgTokens []int // parallel to messages
}

// NewTracker creates a tracker for one session.
func NewTracker(counter *tokens.Counter, alloc Allocation) *Tracker {
	return &Tracker{counter: counter, alloc: alloc}
}

// Allocation returns the fixed budget split.
func (t *Tracker) Allocation() Allocation { return t.alloc }

// Counter exposes the token counter, shared with calibration feedback.
func (t *Tracker) Counter() *tokens.Counter { return t.counter }

// SetSystemPrompt counts and records the system prompt. The prompt itself is
// not part of the prunable conversation.
func (t *Tracker) SetSystemPrompt(prompt string) {
	t.systemPrompt = prompt
	t.systemTokens = t.counter.Count(prompt)
}

// countMessage charges a message: content plus serialized tool-call arguments.
func (t *Tracker) countMessage(msg Message) int {
	n := t.counter.Count(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += t.counter.Count(tc.Name)
		n += t.counter.CountJSON(tc.Arguments)
	}
	return n
}

// AddMessage appends a message, rejecting it with *ErrOverflow when the total
// would exceed the usable window.
func (t *Tracker) AddMessage(msg Message) error {
	n := t.countMessage(msg)
	available := t.alloc.Usable() - t.total()
	if n > available {
		return &ErrOverflow{Tokens: n, Available: available}
	}
	t.messages = append(t.messages, msg)
	t.msgTokens = append(t.msgTokens, n)
	return nil
}

// Messages returns the held conversation. The slice is shared; callers must
// not mutate it.
func (t *Tracker) Messages() []Message { return t.messages }

// Len returns the number of held messages.
func (t *Tracker) Len() int { return len(t.messages) }

// Clear drops the conversation (system prompt is kept).
func (t *Tracker) Clear() {
	t.messages = nil
	t.msgTokens = nil
}

// Reaccount recomputes every message's token charge. Called after external
// mutation or counter recalibration.
func (t *Tracker) Reaccount() {
	for i := range t.messages {
		t.msgTokens[i] = t.countMessage(t.messages[i])
	}
	t.systemTokens = t.counter.Count(t.systemPrompt)
}

func (t *Tracker) total() int {
	total := t.systemTokens
	for _, n := range t.msgTokens {
		total += n
	}
	return total
}

// Usage reports the current per-subbudget account.
func (t *Tracker) Usage() Usage {
	u := Usage{SystemPromptTokens: t.systemTokens}
	for i, msg := range t.messages {
		if msg.Role == "tool" {
			u.ToolResultTokens += t.msgTokens[i]
		} else {
			u.HistoryTokens += t.msgTokens[i]
		}
	}
	u.TotalTokens = u.SystemPromptTokens + u.HistoryTokens + u.ToolResultTokens

	usable := t.alloc.Usable()
	u.RemainingTokens = usable - u.TotalTokens
	if usable > 0 {
		u.Utilization = 100 * float64(u.TotalTokens) / float64(usable)
	}
	return u
}

// CanFit reports whether a prospective tool result fits the remaining budget,
// along with its token estimate.
func (t *Tracker) CanFit(result interface{}) (bool, int) {
	n := t.counter.CountJSON(result)
	return n <= t.alloc.Usable()-t.total(), n
}

// ShouldCache reports whether a tool result should be swapped for a cache
// summary: true when it exceeds the threshold or simply would not fit.
func (t *Tracker) ShouldCache(result interface{}, threshold int) (bool, int) {
	fits, n := t.CanFit(result)
	return n > threshold || !fits, n
}

// ShouldPrune recommends pruning when utilization meets the threshold
// percentage (typically 80).
func (t *Tracker) ShouldPrune(thresholdPct float64) bool {
	return t.Usage().Utilization >= thresholdPct
}

// PrunableIndices selects message indices, oldest first, whose removal frees
// at least targetTokens. System and important messages are never selected, and
// the minRecentPreserved most recent non-system messages are always kept.
func (t *Tracker) PrunableIndices(targetTokens int) []int {
	// Mark the protected tail.
	protected := make(map[int]bool)
	kept := 0
	for i := len(t.messages) - 1; i >= 0 && kept < minRecentPreserved; i-- {
		if t.messages[i].Role == "system" {
			continue
		}
		protected[i] = true
		kept++
	}

	var indices []int
	freed := 0
	for i, msg := range t.messages {
		if freed >= targetTokens {
			break
		}
		if msg.Role == "system" || msg.Important || protected[i] {
			continue
		}
		indices = append(indices, i)
		freed += t.msgTokens[i]
	}
	return indices
}

// Prune removes the given indices and returns the removed messages in their
// original order. Unknown indices are ignored.
func (t *Tracker) Prune(indices []int) []Message {
	if len(indices) == 0 {
		return nil
	}
	drop := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i >= 0 && i < len(t.messages) {
			drop[i] = true
		}
	}

	var removed []Message
	keptMsgs := t.messages[:0]
	keptTokens := t.msgTokens[:0]
	for i := range t.messages {
		if drop[i] {
			removed = append(removed, t.messages[i])
			continue
		}
		keptMsgs = append(keptMsgs, t.messages[i])
		keptTokens = append(keptTokens, t.msgTokens[i])
	}
	t.messages = keptMsgs
	t.msgTokens = keptTokens

	sort.SliceStable(removed, func(i, j int) bool {
		return removed[i].Timestamp.Before(removed[j].Timestamp)
	})
	return removed
}

// PruneToTarget is the convenience path the orchestrator uses: select
// prunable indices for targetTokens and remove them in one step.
func (t *Tracker) PruneToTarget(targetTokens int) []Message {
	return t.Prune(t.PrunableIndices(targetTokens))
}
