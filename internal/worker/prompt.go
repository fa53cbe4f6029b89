package worker

import (
	"bytes"
	"os"
	"strings"
	"text/template"

	"github.com/peppescaffidi/cursor-ralph-loop/internal/store"
)

const defaultPromptTemplate = `You are working on user story {{.StoryID}}: {{.Title}}

## Acceptance Criteria
{{range .AcceptanceCriteria}}- {{.}}
{{end}}
## Instructions
1. Read prd.json and progress.txt to see what has already been done. Progress
   persists only in those files and in git — your memory does not survive
   restarts, so reconstruct state from them.
2. Implement the story, commit your changes with a descriptive message.
3. Append one line to progress.txt describing what you did.
{{- if .Parallel}}
4. Do NOT edit prd.json — the coordinator updates it after your branch merges.
{{- else}}
4. Do NOT mark the story complete in prd.json yourself — report it instead.
{{- end}}

## Reporting protocol
Finish your final message with exactly one of these signals on its own line:
- US-DONE {{.StoryID}} — the story is implemented and its criteria pass
- COMPLETE — every story in prd.json already passes, nothing left to do
- ROTATE — your context has grown too large to continue safely; a fresh
  instance will pick up from the persisted state
- GUTTER — you are stuck and a human needs to intervene
- DEFER — a transient failure (rate limit, flaky dependency) blocked you
You may emit WARN <message> lines at any point for non-fatal advisories.

## Context
- Workspace: {{.Workspace}}
{{- if .Branch}}
- Branch: {{.Branch}}
{{- end}}
- Project: {{.Project}}
`

// Request carries everything needed to render one invocation's payload.
type Request struct {
	Story     store.Story
	Project   string
	Workspace string
	Branch    string
	BaseRef   string
	Parallel  bool

	// ReportPID, when set, receives the agent's process id right after
	// spawn so the caller can persist it for cancellation.
	ReportPID func(pid int)
}

type promptData struct {
	StoryID            string
	Title              string
	AcceptanceCriteria []string
	Project            string
	Workspace          string
	Branch             string
	Parallel           bool
}

// RenderPrompt renders the worker request payload from either a custom
// template file or the default.
func RenderPrompt(req Request, templatePath string) (string, error) {
	tmplStr := defaultPromptTemplate
	if templatePath != "" {
		content, err := os.ReadFile(templatePath)
		if err != nil {
			return "", err
		}
		tmplStr = string(content)
	}

	tmpl, err := template.New("prompt").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	data := promptData{
		StoryID:            req.Story.ID,
		Title:              req.Story.Title,
		AcceptanceCriteria: req.Story.AcceptanceCriteria,
		Project:            req.Project,
		Workspace:          req.Workspace,
		Branch:             req.Branch,
		Parallel:           req.Parallel,
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n") + "\n", nil
}
