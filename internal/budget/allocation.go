// Package budget tracks token usage of a session's conversation against a
// model context window and decides when and what to prune.
package budget

// Strategy selects how the non-reserved share of the window is split between
// conversation history and tool results.
type Strategy string

const (
	StrategyAdaptive       Strategy = "adaptive"        // 55% history / 45% results
	StrategyHistoryFocused Strategy = "history_focused" // 65% / 35%
	StrategyResultFocused  Strategy = "result_focused"  // 40% / 60%
)

// AllocationPolicy carries the window split fractions. The defaults mirror
// the 5/86/4/5 split; they are configuration, not constants baked into code.
type AllocationPolicy struct {
	SystemPromptPct    float64 `json:"system_prompt_pct"`
	ResponseReservePct float64 `json:"response_reserve_pct"`
	SafetyBufferPct    float64 `json:"safety_buffer_pct"`
	Strategy           Strategy `json:"strategy"`
}

// DefaultPolicy returns the standard allocation policy.
func DefaultPolicy() AllocationPolicy {
	return AllocationPolicy{
		SystemPromptPct:    0.05,
		ResponseReservePct: 0.04,
		SafetyBufferPct:    0.05,
		Strategy:           StrategyAdaptive,
	}
}

// Allocation is the fixed per-session token budget.
// Invariant: SystemPrompt + History + ToolResults + ResponseReserve +
// SafetyBuffer == TotalWindow.
type Allocation struct {
	TotalWindow     int `json:"total_window"`
	SystemPrompt    int `json:"system_prompt"`
	History         int `json:"history"`
	ToolResults     int `json:"tool_results"`
	ResponseReserve int `json:"response_reserve"`
	SafetyBuffer    int `json:"safety_buffer"`
}

// NewAllocation splits a context window per the policy.
func NewAllocation(window int, policy AllocationPolicy) Allocation {
	a := Allocation{
		TotalWindow:     window,
		SystemPrompt:    int(float64(window) * policy.SystemPromptPct),
		ResponseReserve: int(float64(window) * policy.ResponseReservePct),
		SafetyBuffer:    int(float64(window) * policy.SafetyBufferPct),
	}

	remaining := window - a.SystemPrompt - a.ResponseReserve - a.SafetyBuffer

	historyShare := 0.55
	switch policy.Strategy {
	case StrategyHistoryFocused:
		historyShare = 0.65
	case StrategyResultFocused:
		historyShare = 0.40
	}

	a.History = int(float64(remaining) * historyShare)
	// Remainder goes to tool results so the parts always sum to the window.
	a.ToolResults = remaining - a.History
	return a
}

// Usable returns the token count available for actual content
// (window minus the safety buffer).
func (a Allocation) Usable() int {
	return a.TotalWindow - a.SafetyBuffer
}

// Band is the status color derived from utilization.
type Band string

const (
	BandGreen  Band = "green"  // < 71%
	BandYellow Band = "yellow" // 71–85%
	BandRed    Band = "red"    // >= 86%
)

// Usage is the per-turn derived view of the budget.
type Usage struct {
	SystemPromptTokens int     `json:"system_prompt_tokens"`
	HistoryTokens      int     `json:"history_tokens"`
	ToolResultTokens   int     `json:"tool_result_tokens"`
	TotalTokens        int     `json:"total_tokens"`
	RemainingTokens    int     `json:"remaining_tokens"`
	Utilization        float64 `json:"utilization"` // percent of usable tokens
}

// Band returns the status color for this usage level.
func (u Usage) Band() Band {
	switch {
	case u.Utilization >= 86:
		return BandRed
	case u.Utilization >= 71:
		return BandYellow
	default:
		return BandGreen
	}
}
