// Package claude wraps the Anthropic SDK for the one API call ralph makes
// directly: turning a finished run's state and logs into a narrative summary.
// The coding agents themselves are driven through the claude CLI, not this
// client.
package claude

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Client wraps the Anthropic SDK for Claude API calls.
type Client struct {
	inner anthropic.Client
	model anthropic.Model
}

// NewClient creates a Claude client. apiKey defaults to ANTHROPIC_API_KEY env.
// model defaults to Claude Sonnet.
func NewClient(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	inner := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	m := anthropic.ModelClaudeSonnet4_6
	if model != "" {
		m = anthropic.Model(model)
	}

	return &Client{inner: inner, model: m}, nil
}

const summariseRunPrompt = `You are a technical project manager summarising an autonomous agent run over a product backlog.

You will receive:
1. A structured run summary (run ID, mode, per-story outcomes, merge results).
2. Agent session logs for each user story (truncated to the last ~2000 lines).

Produce a concise narrative summary covering:
- What each story's agent accomplished (or why it failed, deferred, or produced no commits).
- Any merge conflicts or branches left behind for manual recovery.
- An overall assessment of the run.

Keep it concise — aim for 1-2 sentences per story and a short overall paragraph.
Do not repeat raw log content verbatim. Focus on the human-readable takeaway.
`

// SummariseRun sends a run summary and per-story logs to Claude and returns a
// human-readable narrative of what each agent accomplished or why it failed.
func (c *Client) SummariseRun(ctx context.Context, runSummary string, storyLogs map[string]string) (string, error) {
	var userContent strings.Builder
	userContent.WriteString("## Run Summary\n\n")
	userContent.WriteString(runSummary)
	userContent.WriteString("\n\n## Agent Session Logs\n\n")

	ids := make([]string, 0, len(storyLogs))
	for id := range storyLogs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		userContent.WriteString(fmt.Sprintf("### Story: %s\n```\n%s\n```\n\n", id, storyLogs[id]))
	}

	resp, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(4096),
		System: []anthropic.TextBlockParam{
			{Text: summariseRunPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userContent.String())),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude API call: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return strings.TrimSpace(text), nil
}

// TailLog returns the last maxLines lines of a log file, for inclusion in a
// summary request without blowing the context window.
func TailLog(path string, maxLines int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n"), nil
}
