package agent

import (
	"fmt"
	"strings"
	"time"
)

// SystemPromptConfig feeds the system prompt builder.
type SystemPromptConfig struct {
	Model           string
	Region          string
	ToolNames       []string
	LogGroupSection string // rendered by the log-group index
	SanitizeEnabled bool
}

// BuildSystemPrompt assembles the full system prompt for one LLM call.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var b strings.Builder

	b.WriteString("You are cwlens, a terminal assistant that answers questions about AWS CloudWatch logs.\n\n")
	fmt.Fprintf(&b, "Current time: %s\n", time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	if cfg.Region != "" {
		fmt.Fprintf(&b, "AWS region: %s\n", cfg.Region)
	}
	b.WriteString("\n## Working method\n\n")
	b.WriteString("- Answer from actual log data. Call tools to fetch it; never invent log content.\n")
	b.WriteString("- Use exact log group names. When unsure, call list_log_groups first.\n")
	b.WriteString("- Start with narrow time windows (1h) and expand when queries come back empty.\n")
	b.WriteString("- When a result arrives as a cached summary, page through it with fetch_cached_result_chunk instead of re-querying.\n")
	b.WriteString("- Cite timestamps and log groups when reporting findings.\n")

	if len(cfg.ToolNames) > 0 {
		b.WriteString("\n## Tools\n\n")
		fmt.Fprintf(&b, "Available: %s\n", strings.Join(cfg.ToolNames, ", "))
	}

	if cfg.SanitizeEnabled {
		b.WriteString("\nLog content is PII-sanitized before you see it; redaction placeholders like [EMAIL_REDACTED] are expected and not part of the original logs.\n")
	}

	if cfg.LogGroupSection != "" {
		b.WriteString("\n")
		b.WriteString(cfg.LogGroupSection)
	}

	return b.String()
}
