package agent

import (
	"strings"
	"testing"
)

func TestDetectIntent(t *testing.T) {
	tests := []struct {
		name string
		text string
		want RetryCondition
	}{
		{
			"search announcement",
			"I'll search the logs for errors in the payment service.",
			CondIntentSearch,
		},
		{
			"fetch announcement",
			"Let me fetch the logs from the last hour.",
			CondIntentSearch,
		},
		{
			"list groups announcement",
			"I need to list the available log groups first.",
			CondIntentListGroups,
		},
		{
			"expand time announcement",
			"Let me expand the time range to cover the last day.",
			CondIntentExpandTime,
		},
		{
			"change filter announcement",
			"I should try a different filter pattern here.",
			CondIntentFilter,
		},
		{
			"analysis is exempt",
			"Let me analyze the results above to find the root cause.",
			"",
		},
		{
			"plain answer",
			"The error was caused by a timeout connecting to the database.",
			"",
		},
		{
			"empty",
			"",
			"",
		},
		{
			"past tense does not fire",
			"I searched the logs and found three errors.",
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectIntent(tt.text); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectGivingUp(t *testing.T) {
	positive := []string{
		"No results were found in the specified time range.",
		"I was unable to find any matching log entries.",
		"Couldn't locate any errors in that log group.",
		"Unfortunately there are no events matching your query.",
	}
	for _, text := range positive {
		if !DetectGivingUp(text) {
			t.Errorf("not detected: %q", text)
		}
	}

	negative := []string{
		"Found 12 errors, all caused by connection timeouts.",
		"The logs show the deployment completed successfully.",
	}
	for _, text := range negative {
		if DetectGivingUp(text) {
			t.Errorf("false positive: %q", text)
		}
	}
}

func TestRetryStateNoRepeat(t *testing.T) {
	r := NewRetryState(3)

	if !r.CanAttempt(CondEmptyLogs) {
		t.Fatal("fresh state should allow attempt")
	}
	r.Record(CondEmptyLogs)
	if r.CanAttempt(CondEmptyLogs) {
		t.Error("same condition allowed twice")
	}
	if !r.CanAttempt(CondGroupNotFound) {
		t.Error("different condition blocked")
	}
}

func TestRetryStateMaxAttempts(t *testing.T) {
	r := NewRetryState(2)
	r.Record(CondEmptyLogs)
	r.Record(CondGroupNotFound)
	if r.CanAttempt(CondIntentSearch) {
		t.Error("attempt allowed past max")
	}
}

func TestRetryStateDefaultMax(t *testing.T) {
	if r := NewRetryState(0); r.Max != 3 {
		t.Errorf("default max = %d, want 3", r.Max)
	}
}

func TestResultLooksEmpty(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
		want bool
	}{
		{"nil", nil, false},
		{"zero count", map[string]interface{}{"count": 0}, true},
		{"zero float count", map[string]interface{}{"count": float64(0)}, true},
		{"nonzero count", map[string]interface{}{"count": 3}, false},
		{"empty events", map[string]interface{}{"events": []interface{}{}}, true},
		{"populated events", map[string]interface{}{"events": []interface{}{map[string]interface{}{}}}, false},
		{"no signal", map[string]interface{}{"log_groups": []string{}}, false},
	}
	for _, tt := range tests {
		if got := resultLooksEmpty(tt.data); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestResultNotFound(t *testing.T) {
	if !resultNotFound("fetch_logs failed: cloudwatch not_found: The log group does not exist.") {
		t.Error("not-found message missed")
	}
	if resultNotFound(`{"count": 5, "events": [...]}`) {
		t.Error("false positive on normal result")
	}
}

func TestGuidanceUsesExpansionFactor(t *testing.T) {
	msg := Guidance(CondEmptyLogs, 6)
	if !strings.Contains(msg, "factor of 6") {
		t.Errorf("factor missing: %q", msg)
	}

	// Degenerate factor falls back to default.
	msg = Guidance(CondEmptyLogs, 0)
	if !strings.Contains(msg, "factor of 4") {
		t.Errorf("default factor missing: %q", msg)
	}
}

func TestGuidanceCoversAllConditions(t *testing.T) {
	for _, cond := range []RetryCondition{
		CondEmptyLogs, CondGroupNotFound, CondIntentSearch,
		CondIntentListGroups, CondIntentExpandTime, CondIntentFilter,
	} {
		if Guidance(cond, 4) == "" {
			t.Errorf("no guidance for %s", cond)
		}
	}
}
