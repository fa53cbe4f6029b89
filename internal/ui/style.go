package ui

import (
	"github.com/fatih/color"
)

// Sprint color functions for building styled strings.
var (
	Bold        = color.New(color.Bold).SprintFunc()
	Dim         = color.New(color.Faint).SprintFunc()
	Cyan        = color.New(color.FgCyan).SprintFunc()
	Green       = color.New(color.FgGreen).SprintFunc()
	Red         = color.New(color.FgRed).SprintFunc()
	Yellow      = color.New(color.FgYellow).SprintFunc()
	Magenta     = color.New(color.FgMagenta).SprintFunc()
	BoldCyan    = color.New(color.Bold, color.FgCyan).SprintFunc()
	BoldGreen   = color.New(color.Bold, color.FgGreen).SprintFunc()
	BoldRed     = color.New(color.Bold, color.FgRed).SprintFunc()
	BoldYellow  = color.New(color.Bold, color.FgYellow).SprintFunc()
	BoldMagenta = color.New(color.Bold, color.FgMagenta).SprintFunc()
	BoldWhite   = color.New(color.Bold, color.FgWhite).SprintFunc()
)

// storyColors is a palette of distinct bold colors for differentiating
// concurrent jobs in interleaved output.
var storyColors = []func(a ...interface{}) string{
	BoldMagenta,
	BoldCyan,
	BoldYellow,
	BoldGreen,
	color.New(color.Bold, color.FgHiBlue).SprintFunc(),
	color.New(color.Bold, color.FgHiRed).SprintFunc(),
}

func storyColorIndex(storyID string) int {
	var h uint32
	for _, c := range storyID {
		h = h*31 + uint32(c)
	}
	return int(h % uint32(len(storyColors)))
}

// StoryPrefix returns a colored [story-id] prefix string. Each story id gets
// a stable color from the palette.
func StoryPrefix(storyID string) string {
	c := storyColors[storyColorIndex(storyID)]
	return Dim("[") + c(storyID) + Dim("]")
}

// StatusIcon returns a colored icon for compact job status display.
func StatusIcon(status string) string {
	switch status {
	case "done":
		return Green("✓")
	case "running":
		return Cyan("●")
	case "failed":
		return Red("✗")
	default:
		return Dim("◌")
	}
}
