package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// RetryCondition names a detected stall the loop can nudge its way out of.
type RetryCondition string

const (
	CondEmptyLogs        RetryCondition = "empty_logs"
	CondGroupNotFound    RetryCondition = "log_group_not_found"
	CondIntentSearch     RetryCondition = "intent_search_logs"
	CondIntentListGroups RetryCondition = "intent_list_log_groups"
	CondIntentExpandTime RetryCondition = "intent_expand_time"
	CondIntentFilter     RetryCondition = "intent_change_filter"
)

// RetryState tracks nudges within one user turn. A given strategy fires at
// most once per turn, and the total is bounded by the configured max.
type RetryState struct {
	Attempts int
	Max      int
	used     map[RetryCondition]bool
}

func NewRetryState(max int) *RetryState {
	if max <= 0 {
		max = 3
	}
	return &RetryState{Max: max, used: make(map[RetryCondition]bool)}
}

// CanAttempt reports whether cond may still be injected this turn.
func (r *RetryState) CanAttempt(cond RetryCondition) bool {
	return r.Attempts < r.Max && !r.used[cond]
}

// Record marks cond as used and counts the attempt.
func (r *RetryState) Record(cond RetryCondition) {
	r.used[cond] = true
	r.Attempts++
}

// intentPatterns map assistant phrasings that announce an action to the
// condition whose guidance gets that action executed. Order matters: more
// specific intents are checked before the generic search intent.
var intentPatterns = []struct {
	cond RetryCondition
	re   *regexp.Regexp
}{
	{CondIntentListGroups, regexp.MustCompile(`(?i)\b(let me|i('| wi)ll|going to|need to|should)\b[^.!?\n]{0,60}\blist\b[^.!?\n]{0,40}\blog groups?\b`)},
	{CondIntentExpandTime, regexp.MustCompile(`(?i)\b(let me|i('| wi)ll|going to|need to|should)\b[^.!?\n]{0,60}\b(expand|widen|extend|broaden)\b[^.!?\n]{0,40}\b(time|range|window|period)\b`)},
	{CondIntentFilter, regexp.MustCompile(`(?i)\b(let me|i('| wi)ll|going to|need to|should)\b[^.!?\n]{0,60}\b(change|adjust|different|modify|try)\b[^.!?\n]{0,40}\b(filter|pattern)\b`)},
	{CondIntentSearch, regexp.MustCompile(`(?i)\b(let me|i('| wi)ll|going to|need to|should)\b[^.!?\n]{0,60}\b(search|fetch|check|look at|query|retrieve|examine)\b[^.!?\n]{0,40}\b(logs?|log group|events)\b`)},
}

// analyzePattern matches analysis-over-prior-data statements, which need no
// tool call and must not trigger a nudge.
var analyzePattern = regexp.MustCompile(`(?i)\b(let me|i('| wi)ll|going to)\b[^.!?\n]{0,60}\b(analy[sz]e|review|summariz|interpret|examine the (above|results|output))`)

// givingUpPattern matches "no results" style conclusions.
var givingUpPattern = regexp.MustCompile(`(?i)\b(no (results?|logs?|entries|events|matches|data)( were| was)? (found|returned|available)|unable to (find|locate|retrieve)|couldn'?t (find|locate|retrieve)|could not (find|locate|retrieve)|unfortunately[^.!?\n]{0,60}(no|not|couldn))`)

// DetectIntent scans final assistant text for announced-but-unexecuted
// actions. Returns the matched condition, or "" when none fires.
func DetectIntent(text string) RetryCondition {
	if text == "" {
		return ""
	}
	if analyzePattern.MatchString(text) {
		return ""
	}
	for _, p := range intentPatterns {
		if p.re.MatchString(text) {
			return p.cond
		}
	}
	return ""
}

// DetectGivingUp reports whether text reads as a premature "nothing found"
// conclusion. Only meaningful when the prior tool result was empty.
func DetectGivingUp(text string) bool {
	return givingUpPattern.MatchString(text)
}

// resultLooksEmpty reports whether a structured tool result carried no events.
func resultLooksEmpty(data map[string]interface{}) bool {
	if data == nil {
		return false
	}
	if n, ok := data["count"].(float64); ok {
		return n == 0
	}
	if n, ok := data["count"].(int); ok {
		return n == 0
	}
	switch evs := data["events"].(type) {
	case []interface{}:
		return len(evs) == 0
	case []map[string]interface{}:
		return len(evs) == 0
	}
	return false
}

// resultNotFound reports whether a tool result indicates a missing log group.
func resultNotFound(forLLM string) bool {
	lower := strings.ToLower(forLLM)
	return strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "resourcenotfound") ||
		strings.Contains(lower, "not found")
}

// Guidance renders the synthetic system message for a condition.
func Guidance(cond RetryCondition, timeExpansionFactor int) string {
	if timeExpansionFactor <= 1 {
		timeExpansionFactor = 4
	}
	switch cond {
	case CondEmptyLogs:
		return fmt.Sprintf("The previous query returned no events. Expand the time range by a factor of %d (e.g. 1h becomes %dh) or broaden the filter pattern, then query again.", timeExpansionFactor, timeExpansionFactor)
	case CondGroupNotFound:
		return "The log group was not found. Call list_log_groups to discover valid names and retry with the closest match."
	case CondIntentSearch:
		return "You described searching or fetching logs but did not call a tool. Execute fetch_logs or search_logs now instead of describing it."
	case CondIntentListGroups:
		return "You described listing log groups but did not call a tool. Execute list_log_groups now."
	case CondIntentExpandTime:
		return "You described expanding the time range but did not call a tool. Re-issue the query now with an earlier start_time."
	case CondIntentFilter:
		return "You described changing the filter but did not call a tool. Re-issue the query now with a different filter_pattern."
	default:
		return ""
	}
}
