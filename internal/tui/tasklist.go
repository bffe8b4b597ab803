package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/parley/internal/models"
)

var (
	statusCreated     = lipgloss.NewStyle().Foreground(warningColor)
	statusLLMStarted  = lipgloss.NewStyle().Foreground(secondaryColor)
	statusLLMFinished = lipgloss.NewStyle().Foreground(cyanColor)
	statusFinished    = lipgloss.NewStyle().Foreground(successColor)
	statusInterrupt   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	statusCancelled   = lipgloss.NewStyle().Foreground(mutedColor).Strikethrough(true)
)

func statusLabel(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusCreated:
		return "CREATED"
	case models.TaskStatusLLMStarted:
		return "THINKING"
	case models.TaskStatusLLMFinished:
		return "SPEAKING"
	case models.TaskStatusFinished:
		return "DONE"
	case models.TaskStatusPendingInterruption:
		return "INTERRUPTING"
	case models.TaskStatusCancelled:
		return "CANCELLED"
	default:
		return strings.ToUpper(string(status))
	}
}

func statusIcon(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusCreated:
		return "○"
	case models.TaskStatusLLMStarted:
		return "◐"
	case models.TaskStatusLLMFinished:
		return "◑"
	case models.TaskStatusFinished:
		return "●"
	case models.TaskStatusPendingInterruption:
		return "◌"
	case models.TaskStatusCancelled:
		return "✗"
	default:
		return "?"
	}
}

func formatStatus(status models.TaskStatus) string {
	text := statusIcon(status) + " " + statusLabel(status)
	switch status {
	case models.TaskStatusCreated:
		return statusCreated.Render(text)
	case models.TaskStatusLLMStarted:
		return statusLLMStarted.Render(text)
	case models.TaskStatusLLMFinished:
		return statusLLMFinished.Render(text)
	case models.TaskStatusFinished:
		return statusFinished.Render(text)
	case models.TaskStatusPendingInterruption:
		return statusInterrupt.Render(text)
	case models.TaskStatusCancelled:
		return statusCancelled.Render(text)
	default:
		return text
	}
}

// unitProgress reports how many response units have audio and how many
// have been played.
func unitProgress(t models.Task) (voiced, played int) {
	for _, u := range t.Response {
		if u.Audio != "" {
			voiced++
		}
		if u.PlaybackFinished {
			played++
		}
	}
	return voiced, played
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func (a *App) renderTaskList(height int) string {
	if !a.connected && len(a.tasks) == 0 {
		return "\n  Waiting for daemon...\n"
	}
	if len(a.tasks) == 0 {
		return "\n  No tasks. Type something to queue a task, or /prompt <text> to talk.\n"
	}

	inputWidth := a.width - 40
	if inputWidth < 20 {
		inputWidth = 20
	}

	var lines []string
	for i, t := range a.tasks {
		voiced, played := unitProgress(t)
		progress := fmt.Sprintf("%d/%d/%d", len(t.Response), voiced, played)
		input := truncate(t.Input, inputWidth)

		if i == a.selectedIdx {
			line := selectedStyle.Render(fmt.Sprintf("▶ %s %-12s %-9s %s", statusIcon(t.Status), statusLabel(t.Status), progress, input))
			lines = append(lines, line)
		} else {
			line := taskItemStyle.Render(fmt.Sprintf("%s %s  %s", formatStatus(t.Status), helpStyle.Render(progress), input))
			lines = append(lines, line)
		}
	}

	// Limit visible lines
	if len(lines) > height {
		start := a.selectedIdx - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}

	return strings.Join(lines, "\n")
}
