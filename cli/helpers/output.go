package helpers

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/compozy/taskvisor/engine/task"
)

var stateColors = map[task.State]lipgloss.Color{
	task.StateRunning:              lipgloss.Color("69"),
	task.StateWaitingForPermission: lipgloss.Color("214"),
	task.StateCompleted:            lipgloss.Color("42"),
	task.StateError:                lipgloss.Color("196"),
	task.StateStopped:              lipgloss.Color("245"),
}

// Printer renders task snapshots as single status lines.
type Printer struct {
	w      io.Writer
	render *lipgloss.Renderer
	detail lipgloss.Style
}

// NewPrinter styles output for w. Writers that are not terminals get
// plain text.
func NewPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:      w,
		render: r,
		detail: r.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}

func (p *Printer) stateStyle(state task.State) lipgloss.Style {
	style := p.render.NewStyle().Bold(true)
	if color, ok := stateColors[state]; ok {
		style = style.Foreground(color)
	}
	return style
}

// Snapshot prints one line for snap.
func (p *Printer) Snapshot(snap task.Snapshot) {
	line := fmt.Sprintf("%s %s", p.stateStyle(snap.State).Render(string(snap.State)), snap.ID)
	if detail := SnapshotDetail(snap); detail != "" {
		line += "  " + p.detail.Render(detail)
	}
	fmt.Fprintln(p.w, line)
}

// Println prints a dimmed informational line.
func (p *Printer) Println(msg string) {
	fmt.Fprintln(p.w, p.detail.Render(msg))
}

// SnapshotDetail is the short explanation shown next to a state.
func SnapshotDetail(snap task.Snapshot) string {
	switch snap.State {
	case task.StateWaitingForPermission:
		if snap.ActivePrompt != nil {
			return "waiting: " + snap.ActivePrompt.Message
		}
	case task.StateError:
		return snap.Error
	case task.StateCompleted:
		if snap.ReturnValue != nil {
			return "returned " + Truncate(*snap.ReturnValue, 120)
		}
	}
	return ""
}

// Truncate shortens s to maxLength runes, marking the cut.
func Truncate(s string, maxLength int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return string(runes[:maxLength])
	}
	return string(runes[:maxLength-3]) + "..."
}
