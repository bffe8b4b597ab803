// Package tui provides the interactive pipeline monitor for Parley.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/parley/internal/controlplane"
	"github.com/fentz26/parley/internal/models"
	"github.com/fentz26/parley/internal/pipeline"
)

const reconnectDelay = 2 * time.Second

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	taskItemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// App is the main TUI application model.
type App struct {
	client      *Client
	stream      *Stream
	snap        controlplane.Snapshot
	tasks       []models.Task
	selectedIdx int
	detailID    string
	input       textinput.Model
	width       int
	height      int
	mode        string
	message     string
	filterIdx   int
	connected   bool
	suggestions *Suggestions
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "Say something to queue a task | /interrupt | /prune [n] | /prompt <text>"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr),
		input:       ti,
		mode:        modeList,
		width:       80,
		height:      24,
		suggestions: NewSuggestions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	if a.stream != nil {
		a.stream.Close()
	}
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.connect(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, handled := a.handleKey(msg); handled {
			return a, cmd
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4

	case streamConnectedMsg:
		a.stream = msg.stream
		a.connected = true
		return a, a.waitSnapshot()

	case snapshotMsg:
		a.applySnapshot(msg.snap)
		return a, a.waitSnapshot()

	case disconnectedMsg:
		if a.stream != nil {
			a.stream.Close()
			a.stream = nil
		}
		if a.connected {
			a.message = "Error: lost daemon connection: " + msg.err.Error()
		}
		a.connected = false
		return a, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return a, a.connect()

	case commandResultMsg:
		a.message = msg.message

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())

	return a, tea.Batch(cmds...)
}

// handleKey processes navigation keys. It reports false for keys that belong
// to the input box.
func (a *App) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	typing := a.input.Value() != ""

	switch msg.String() {
	case "ctrl+c":
		return tea.Quit, true

	case "esc":
		if typing {
			a.input.SetValue("")
			a.suggestions.Update("")
			return nil, true
		}
		if a.mode != modeList {
			a.mode = modeList
			a.detailID = ""
			return nil, true
		}

	case "up":
		if a.suggestions.IsVisible() {
			a.suggestions.Prev()
		} else if a.mode == modeList && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return nil, true

	case "down":
		if a.suggestions.IsVisible() {
			a.suggestions.Next()
		} else if a.mode == modeList && a.selectedIdx < len(a.tasks)-1 {
			a.selectedIdx++
		}
		return nil, true

	case "tab":
		if a.suggestions.IsVisible() {
			if selected := a.suggestions.Selected(); selected != nil {
				a.input.SetValue(selected.Text + " ")
				a.input.CursorEnd()
				a.suggestions.Update(a.input.Value())
			}
			return nil, true
		}
		if a.mode == modeList {
			a.filterIdx = (a.filterIdx + 1) % len(filters)
			a.refilter()
		}
		return nil, true

	case "ctrl+w":
		if a.mode == modeWorkers {
			a.mode = modeList
		} else {
			a.mode = modeWorkers
		}
		return nil, true

	case "enter":
		if a.suggestions.IsVisible() {
			if selected := a.suggestions.Selected(); selected != nil && strings.TrimSpace(a.input.Value()) != selected.Text {
				a.input.SetValue(selected.Text + " ")
				a.input.CursorEnd()
				a.suggestions.Update(a.input.Value())
				return nil, true
			}
		}
		line := strings.TrimSpace(a.input.Value())
		if line != "" {
			a.input.SetValue("")
			a.suggestions.Update("")
			return a.executeCommand(line), true
		}
		if a.mode == modeList && len(a.tasks) > 0 {
			a.detailID = a.tasks[a.selectedIdx].ID
			a.mode = modeDetail
		}
		return nil, true
	}
	return nil, false
}

// applySnapshot replaces the displayed state and keeps the selection on the
// same task when it is still visible.
func (a *App) applySnapshot(snap controlplane.Snapshot) {
	a.snap = snap
	a.refilter()

	if c := snap.Change; c != nil {
		switch c.Topic {
		case pipeline.TopicTasksReset:
			a.message = "Pipeline reset"
		case pipeline.TopicInterruption:
			if c.Stage == "" {
				a.message = fmt.Sprintf("Interrupting %s", shortID(c.TaskID))
			}
		}
	}
}

func (a *App) refilter() {
	var selectedID string
	if a.selectedIdx < len(a.tasks) {
		selectedID = a.tasks[a.selectedIdx].ID
	}

	filter := filters[a.filterIdx]
	a.tasks = a.tasks[:0]
	for _, t := range a.snap.Tasks {
		if filter == "" || t.Status == filter {
			a.tasks = append(a.tasks, t)
		}
	}

	a.selectedIdx = min(a.selectedIdx, max(0, len(a.tasks)-1))
	for i, t := range a.tasks {
		if t.ID == selectedID {
			a.selectedIdx = i
			break
		}
	}
}

func (a *App) taskByID(id string) (models.Task, bool) {
	for _, t := range a.snap.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return models.Task{}, false
}

func (a *App) connect() tea.Cmd {
	client := a.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()
		stream, err := client.Stream(ctx)
		if err != nil {
			return disconnectedMsg{err}
		}
		return streamConnectedMsg{stream}
	}
}

func (a *App) waitSnapshot() tea.Cmd {
	stream := a.stream
	if stream == nil {
		return nil
	}
	return func() tea.Msg {
		snap, err := stream.Next()
		if err != nil {
			return disconnectedMsg{err}
		}
		return snapshotMsg{snap}
	}
}

func (a *App) executeCommand(line string) tea.Cmd {
	c, err := parseCommand(line)
	if err != nil {
		return func() tea.Msg { return errMsg{err} }
	}

	switch c.name {
	case cmdQuit:
		return tea.Quit
	case cmdWorkers:
		a.mode = modeWorkers
		return nil
	}

	client := a.client
	return func() tea.Msg {
		switch c.name {
		case cmdTask:
			task, err := client.CreateTask(c.text)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ Queued task %s", shortID(task.ID))}

		case cmdInterrupt:
			res, err := client.Interrupt()
			if err != nil {
				return errMsg{err}
			}
			if !res.Interrupted {
				return commandResultMsg{"Nothing to interrupt"}
			}
			return commandResultMsg{fmt.Sprintf("✓ Interrupted %s", shortID(res.TaskID))}

		case cmdPrune:
			res, err := client.Prune(c.n)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ Pruned %d tasks (%d left)", res.Removed, res.Remaining)}

		case cmdPrompt:
			if err := client.Prompt(c.text); err != nil {
				return errMsg{err}
			}
			return commandResultMsg{"✓ Prompt sent"}
		}
		return nil
	}
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.connected {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}

	header := titleStyle.Render("PARLEY Pipeline")
	header += "  " + daemonStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d tasks]", a.snap.Summary.Total))
	if a.snap.Workers.SessionBusy {
		header += "  " + statusLLMStarted.Render("generating")
	}

	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	contentHeight := a.height - 8
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case modeList:
		filterLabel := fmt.Sprintf(" Filter: [%s]  %s", filterName(filters[a.filterIdx]), a.renderSummary())
		b.WriteString(lipgloss.NewStyle().Foreground(mutedColor).Render(filterLabel) + "\n")
		b.WriteString(a.renderTaskList(contentHeight - 1))
	case modeDetail:
		b.WriteString(a.renderTaskDetail(contentHeight))
	case modeWorkers:
		b.WriteString(a.renderWorkersPanel(contentHeight))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))

	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:detail | Tab:filter | Ctrl+W:workers | Ctrl+C:quit", len(a.tasks))
	case modeDetail:
		status = " Esc:back | /interrupt | Ctrl+C:quit"
	case modeWorkers:
		status = fmt.Sprintf(" Subscribers: %d | Esc:back | Ctrl+C:quit", a.snap.Workers.Subscribers)
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(status))

	return b.String()
}

func (a *App) renderSummary() string {
	var parts []string
	for _, st := range models.AllStatuses {
		if n := a.snap.Summary.ByStatus[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", statusIcon(st), n))
		}
	}
	return strings.Join(parts, "  ")
}

func (a *App) renderWorkersPanel(height int) string {
	var b strings.Builder
	w := a.snap.Workers

	b.WriteString("\n  Stage Workers\n")
	b.WriteString("  " + strings.Repeat("─", 60) + "\n\n")

	if len(w.Stages) == 0 {
		b.WriteString("  " + helpStyle.Render("No in-process stage workers (external connectors only)") + "\n")
	} else {
		headerStyle := lipgloss.NewStyle().Bold(true).Foreground(cyanColor)
		b.WriteString("  " + headerStyle.Render(fmt.Sprintf("%-6s  %-12s  %-7s  %-9s  %-6s  %-9s",
			"STAGE", "CONNECTOR", "ACTIVE", "PROCESSED", "FAILED", "CANCELLED")) + "\n")

		stages := make([]models.Stage, 0, len(w.Stages))
		for st := range w.Stages {
			stages = append(stages, st)
		}
		sort.Slice(stages, func(i, j int) bool { return stageOrder(stages[i]) < stageOrder(stages[j]) })

		for _, st := range stages {
			s := w.Stages[st]
			active := fmt.Sprintf("%d/%d", s.Active, s.Workers)
			activeStyle := lipgloss.NewStyle().Foreground(mutedColor)
			if s.Active > 0 {
				activeStyle = lipgloss.NewStyle().Foreground(successColor).Bold(true)
			}
			failed := fmt.Sprintf("%-6d", s.Failed)
			if s.Failed > 0 {
				failed = lipgloss.NewStyle().Foreground(errorColor).Render(failed)
			}
			b.WriteString(fmt.Sprintf("  %-6s  %-12s  %s  %-9d  %s  %-9d\n",
				st, truncate(s.Connector, 12), activeStyle.Render(fmt.Sprintf("%-7s", active)),
				s.Processed, failed, s.Cancelled))
		}
	}

	b.WriteString("\n")
	session := helpStyle.Render("idle")
	if w.SessionBusy {
		session = statusLLMStarted.Render("generating")
	}
	if w.SessionID != "" {
		session += " " + helpStyle.Render(shortID(w.SessionID))
	}
	b.WriteString(fmt.Sprintf("  Session:          %s\n", session))
	b.WriteString(fmt.Sprintf("  Playback clients: %d\n", w.PlaybackClients))
	b.WriteString(fmt.Sprintf("  Subscribers:      %d\n", w.Subscribers))

	return b.String()
}

func stageOrder(st models.Stage) int {
	for i, s := range models.AllStages {
		if s == st {
			return i
		}
	}
	return len(models.AllStages)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
