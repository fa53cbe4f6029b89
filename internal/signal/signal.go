// Package signal defines the closed vocabulary through which worker outcomes
// reach the orchestrator, and the classifier that maps raw worker output
// onto it. Classification is a pure function over captured text so it can be
// tested without a real worker process.
package signal

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Kind enumerates the recognized worker signals.
type Kind int

const (
	// Unclassified means the worker exited without emitting a recognized
	// token: finished without explicit completion.
	Unclassified Kind = iota
	// UsDone reports one user story complete; carries the story id.
	UsDone
	// Complete reports the whole queue done.
	Complete
	// Rotate asks for a fresh worker on the same story: the execution
	// context exceeded its budget and progress lives only in the store and
	// on disk, never in worker memory.
	Rotate
	// Gutter is the worker self-reporting it is stuck. Fatal to the run.
	Gutter
	// Defer is a transient/rate-limit signal: back off and retry.
	Defer
	// Warn is advisory and never terminal.
	Warn
)

func (k Kind) String() string {
	switch k {
	case UsDone:
		return "US-DONE"
	case Complete:
		return "COMPLETE"
	case Rotate:
		return "ROTATE"
	case Gutter:
		return "GUTTER"
	case Defer:
		return "DEFER"
	case Warn:
		return "WARN"
	default:
		return "unclassified"
	}
}

// Terminal reports whether a signal ends the invocation's interpretation.
func (k Kind) Terminal() bool {
	switch k {
	case UsDone, Complete, Rotate, Gutter, Defer:
		return true
	}
	return false
}

// Outcome is the classified result of one invocation: exactly one governing
// terminal signal (or Unclassified) plus any advisory warnings seen.
type Outcome struct {
	Kind     Kind
	StoryID  string
	Warnings []string
}

// Classify scans raw worker output and returns its Outcome. Lines of Claude
// stream-json are unwrapped to their assistant text first; anything else is
// scanned as plain text. The completion signal is the worker's final word by
// protocol, so the last terminal token seen governs.
func Classify(raw string) Outcome {
	var out Outcome
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, text := range unwrap(line) {
			scan(text, &out)
		}
	}
	return out
}

// unwrap extracts the human-visible text from a single output line. For
// stream-json events only assistant text blocks and the final result payload
// can carry signal tokens; tool chatter cannot.
func unwrap(line string) []string {
	if !strings.HasPrefix(line, "{") || !gjson.Valid(line) {
		return []string{line}
	}

	switch gjson.Get(line, "type").String() {
	case "assistant":
		var texts []string
		gjson.Get(line, "message.content").ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "text" {
				texts = append(texts, item.Get("text").String())
			}
			return true
		})
		return texts
	case "result":
		if res := gjson.Get(line, "result").String(); res != "" {
			return []string{res}
		}
	}
	return nil
}

// scan looks for signal tokens at the start of each line of text.
func scan(text string, out *Outcome) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch strings.TrimSuffix(fields[0], ":") {
		case "US-DONE":
			out.Kind = UsDone
			out.StoryID = ""
			if len(fields) > 1 {
				out.StoryID = strings.Trim(fields[1], "().,")
			}
		case "COMPLETE":
			out.Kind = Complete
			out.StoryID = ""
		case "ROTATE":
			out.Kind = Rotate
			out.StoryID = ""
		case "GUTTER":
			out.Kind = Gutter
			out.StoryID = ""
		case "DEFER":
			out.Kind = Defer
			out.StoryID = ""
		case "WARN":
			msg := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
			out.Warnings = append(out.Warnings, msg)
		}
	}
}
