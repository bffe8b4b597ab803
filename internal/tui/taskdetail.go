package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/parley/internal/models"
)

var (
	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			MarginTop(1)

	doneMark    = lipgloss.NewStyle().Foreground(successColor).Render("✓")
	pendingMark = lipgloss.NewStyle().Foreground(mutedColor).Render("·")
)

func mark(ok bool) string {
	if ok {
		return doneMark
	}
	return pendingMark
}

func (a *App) renderTaskDetail(height int) string {
	t, ok := a.taskByID(a.detailID)
	if !ok {
		return "\n  Task is gone (pruned or reset). Esc to go back.\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("\n  %s\n", lipgloss.NewStyle().Bold(true).Render(truncate(t.Input, a.width-4))))
	b.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("ID:"), t.ID))
	b.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("Status:"), formatStatus(t.Status)))
	b.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("Created:"), t.CreatedAt.Local().Format("15:04:05")))
	if t.FinishedAt != nil {
		b.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("Finished:"), t.FinishedAt.Local().Format("15:04:05")))
	}

	if len(t.InterruptionState) > 0 {
		b.WriteString(sectionStyle.Render("  Interruption") + "\n")
		for _, st := range models.AllStages {
			acked, engaged := t.InterruptionState[st]
			if !engaged {
				continue
			}
			state := statusInterrupt.Render("waiting")
			if acked {
				state = statusFinished.Render("acknowledged")
			}
			b.WriteString(fmt.Sprintf("    %-6s %s\n", st, state))
		}
	}

	b.WriteString(sectionStyle.Render(fmt.Sprintf("  Response (%d units)", len(t.Response))) + "\n")
	if len(t.Response) == 0 {
		b.WriteString("    " + helpStyle.Render("no output yet") + "\n")
	}
	lines := 0
	for i, u := range t.Response {
		if lines >= height-10 && height > 10 {
			b.WriteString(helpStyle.Render(fmt.Sprintf("    ... %d more", len(t.Response)-i)) + "\n")
			break
		}
		b.WriteString(fmt.Sprintf("    %2d  tts %s  play %s  %s\n",
			i, mark(u.Audio != ""), mark(u.PlaybackFinished), truncate(u.Text, a.width-24)))
		lines++
	}

	return b.String()
}
