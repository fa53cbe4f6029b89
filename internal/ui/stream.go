package ui

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// StreamFormatter turns Claude stream-json output into compact, prefixed
// progress lines. Protocol signals (US-DONE, GUTTER, ...) are surfaced
// prominently; tool results and thinking stay hidden. Implements io.Writer
// so it can sit in the agent's output MultiWriter.
type StreamFormatter struct {
	prefix string
	dest   io.Writer
	mu     *sync.Mutex
	buf    []byte
}

// NewStreamFormatter creates a StreamFormatter that prefixes every line with
// the story's colored id. The mutex is shared with the caller so interleaved
// writers never tear a line.
func NewStreamFormatter(storyID string, dest io.Writer, mu *sync.Mutex) *StreamFormatter {
	return &StreamFormatter{
		prefix: StoryPrefix(storyID) + " ",
		dest:   dest,
		mu:     mu,
	}
}

func (sf *StreamFormatter) Write(p []byte) (int, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	sf.buf = append(sf.buf, p...)
	for {
		idx := bytes.IndexByte(sf.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(sf.buf[:idx])
		sf.buf = sf.buf[idx+1:]
		sf.processLine(line)
	}
	return len(p), nil
}

func (sf *StreamFormatter) processLine(line string) {
	if !gjson.Valid(line) {
		return
	}
	// Everything that matters to an operator comes through assistant turns;
	// "user" (tool_result) and "system" events are noise at this level.
	if gjson.Get(line, "type").String() != "assistant" {
		return
	}

	gjson.Get(line, "message.content").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text":
			sf.writeText(item.Get("text").String())
		case "tool_use":
			sf.writeToolUse(item)
		}
		return true
	})
}

// signalTokens are the reporting-protocol words that deserve emphasis when
// they scroll past live.
var signalTokens = map[string]func(a ...interface{}) string{
	"US-DONE":  BoldGreen,
	"COMPLETE": BoldGreen,
	"ROTATE":   BoldYellow,
	"DEFER":    BoldYellow,
	"WARN":     BoldYellow,
	"GUTTER":   BoldRed,
}

func (sf *StreamFormatter) writeText(text string) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		fields := strings.Fields(trimmed)
		if paint, ok := signalTokens[strings.TrimSuffix(fields[0], ":")]; ok {
			sf.writeLine(fmt.Sprintf("📣 %s", paint(trimmed)))
			continue
		}
		sf.writeLine(fmt.Sprintf("💬 %s", trimmed))
	}
}

func (sf *StreamFormatter) writeToolUse(item gjson.Result) {
	name := item.Get("name").String()
	input := item.Get("input")

	var display string
	switch name {
	case "Bash":
		display = "🔧 $ " + firstOf(input, "description", "command")
	case "Read":
		display = "📖 Reading " + input.Get("file_path").String()
	case "Write", "Edit":
		display = "✏️  " + name + " " + input.Get("file_path").String()
	case "Glob", "Grep":
		display = "🔍 Searching " + input.Get("pattern").String()
	case "Task":
		display = "🤖 Subagent: " + firstOf(input, "description", "prompt")
	default:
		display = "🔧 " + name
	}

	sf.writeLine(Dim(display))
}

// firstOf returns the first non-empty of the named input fields, truncated
// to keep one event on one terminal line.
func firstOf(input gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := input.Get(k).String(); v != "" {
			if len(v) > 80 {
				v = v[:80] + "..."
			}
			return v
		}
	}
	return ""
}

func (sf *StreamFormatter) writeLine(text string) {
	fmt.Fprintf(sf.dest, "  %s%s\n", sf.prefix, text)
}
