package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// SanitizeAssistantContent cleans assistant response text before it reaches
// the user: thinking tags, garbled tool-call XML some models emit as text,
// and leading blank lines.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}

	original := content
	content = stripGarbledToolXML(content)
	content = stripThinkingTags(content)
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized assistant content",
			"original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// garbledToolXMLPattern matches XML-like tool call artifacts that some models
// emit as text content instead of proper tool calls.
var garbledToolXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|invoke|tool_call|tool_use|parameter)[^>]*>`,
)

var garbledToolXMLIndicators = []string{
	"<parameter name=",
	"</parameter",
	"<function_call",
	"<tool_call",
	"<tool_use",
}

func stripGarbledToolXML(content string) string {
	lower := strings.ToLower(content)
	hasIndicator := false
	for _, ind := range garbledToolXMLIndicators {
		if strings.Contains(lower, ind) {
			hasIndicator = true
			break
		}
	}
	if !hasIndicator {
		return content
	}

	cleaned := strings.TrimSpace(garbledToolXMLPattern.ReplaceAllString(content, ""))
	if cleaned == "" {
		slog.Warn("stripped entire response as garbled tool XML", "original_len", len(content))
	}
	return cleaned
}

var thinkingTagPattern = regexp.MustCompile(`(?s)<(think|thinking|thought)>.*?</(think|thinking|thought)>`)

func stripThinkingTags(content string) string {
	return thinkingTagPattern.ReplaceAllString(content, "")
}
