package tools

import "encoding/json"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`  // content sent to the LLM
	IsError bool   `json:"is_error"` // marks error
	Err     error  `json:"-"`        // internal error (not serialized)

	// Data is the structured payload behind ForLLM. The agent loop inspects
	// it for result-cache decisions; nil for plain-text results.
	Data map[string]interface{} `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

// DataResult wraps a structured payload, serializing it for the LLM.
func DataResult(data map[string]interface{}) *Result {
	body, err := json.Marshal(data)
	if err != nil {
		return ErrorResult("failed to serialize tool result: " + err.Error())
	}
	return &Result{ForLLM: string(body), Data: data}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
