package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwlens/cwlens/internal/agent"
)

func chatCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	return cmd
}

func runChat(oneShot string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	a, err := buildApp(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.close()

	// Load the log-group catalog in the background so the first question
	// does not wait on pagination.
	go func() {
		if err := a.index.LoadAll(ctx, func(count int, msg string) {
			fmt.Fprintf(os.Stderr, "\r%s", msg)
		}); err != nil {
			fmt.Fprintf(os.Stderr, "\nlog group catalog load failed: %v\n", err)
			return
		}
		fmt.Fprintf(os.Stderr, "\rLoaded %d log groups.%s\n", a.index.Count(), strings.Repeat(" ", 20))
	}()

	a.orch.RegisterToolListener(func(rec agent.ToolCallRecord) {
		switch rec.Status {
		case agent.ToolCallRunning:
			fmt.Fprintf(os.Stderr, "  → %s...\n", rec.Name)
		case agent.ToolCallError:
			fmt.Fprintf(os.Stderr, "  ✗ %s failed\n", rec.Name)
		}
	})
	a.orch.SetContextNotificationCallback(func(n agent.ContextNotification) {
		fmt.Fprintf(os.Stderr, "  [%s] %s\n", n.Severity, n.Message)
	})

	if oneShot != "" {
		resp, err := a.orch.Chat(ctx, oneShot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(resp)
		return
	}

	fmt.Fprintf(os.Stderr, "\ncwlens %s — ask about your CloudWatch logs\n", Version)
	fmt.Fprintf(os.Stderr, "Model: %s | Provider: %s\n", a.model, a.provider.Name())
	fmt.Fprintln(os.Stderr, `Commands: /refresh /clear /stats /help /quit`)
	fmt.Fprintln(os.Stderr)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nGoodbye!")
			return
		default:
		}

		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if done := a.handleSlashCommand(ctx, input); done {
				return
			}
			continue
		}

		fmt.Fprintln(os.Stderr)
		_, err := a.orch.ChatStream(ctx, input, func(fragment string) {
			fmt.Print(fragment)
		})
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Println()
	}
}

// handleSlashCommand runs a local REPL command. Returns true to exit.
func (a *app) handleSlashCommand(ctx context.Context, input string) bool {
	switch strings.Fields(input)[0] {
	case "/quit", "/exit":
		fmt.Fprintln(os.Stderr, "Goodbye!")
		return true
	case "/clear":
		a.orch.ClearHistory()
		fmt.Fprintln(os.Stderr, "History cleared.")
	case "/refresh":
		fmt.Fprintln(os.Stderr, "Refreshing log group catalog...")
		if err := a.index.Refresh(ctx, func(count int, msg string) {
			fmt.Fprintf(os.Stderr, "\r%s", msg)
		}); err != nil {
			fmt.Fprintf(os.Stderr, "\nRefresh failed: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "\rLoaded %d log groups.%s\n", a.index.Count(), strings.Repeat(" ", 20))
		}
	case "/stats":
		a.printStats(ctx)
	case "/help":
		fmt.Fprintln(os.Stderr, "/refresh  reload the log group catalog")
		fmt.Fprintln(os.Stderr, "/clear    clear conversation history")
		fmt.Fprintln(os.Stderr, "/stats    show budget and cache statistics")
		fmt.Fprintln(os.Stderr, "/quit     exit")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %s (try /help)\n", input)
	}
	return false
}

func (a *app) printStats(ctx context.Context) {
	usage := a.orch.Usage()
	fmt.Fprintf(os.Stderr, "Context: %d tokens used (%.1f%%), %d remaining [%s]\n",
		usage.TotalTokens, usage.Utilization, usage.RemainingTokens, usage.Band())

	sess := a.orch.SessionUsage()
	fmt.Fprintf(os.Stderr, "Session: %d prompt + %d completion tokens over %d requests\n",
		sess.PromptTokens, sess.CompletionTokens, sess.Requests)

	stats := a.index.GetStats()
	fmt.Fprintf(os.Stderr, "Log groups: %d (%s)\n", stats.Count, stats.State)

	if a.queries != nil {
		if qs, err := a.queries.Stats(ctx); err == nil {
			fmt.Fprintf(os.Stderr, "Query cache: %d entries, %.1f MB, %d hits\n",
				qs.EntryCount, qs.SizeMB, qs.TotalHits)
		}
	}
	if n, err := a.results.Count(ctx); err == nil {
		fmt.Fprintf(os.Stderr, "Result cache: %d entries\n", n)
	}
}
