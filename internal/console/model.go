package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/autoglm/taskrelay"
)

const (
	statusInterval = time.Second
	maxLines       = 1000
	chromeHeight   = 4
)

// Relay is the part of *taskrelay.Relay the console drives.
type Relay interface {
	Submit(ctx context.Context, instruction string) (*taskrelay.Submission, error)
	Status() taskrelay.StatusReport
}

type (
	recordMsg      struct{ rec taskrelay.Record }
	queueClosedMsg struct{}
	errMsg         struct{ err error }
	tickMsg        time.Time
	sentMsg        struct {
		sub *taskrelay.Submission
		err error
	}
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	connectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	downStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	kindStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	inputStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderTop(true).BorderForeground(lipgloss.Color("240"))
)

// Model is the bubbletea model of the interactive console.
type Model struct {
	ctx     context.Context
	relay   Relay
	records <-chan taskrelay.Record
	errs    <-chan error
	hl      *Highlighter

	input    textinput.Model
	viewport viewport.Model
	lines    []string
	status   taskrelay.StatusReport
	quitting bool
}

// NewModel creates a console model. records and errs may be nil.
func NewModel(ctx context.Context, relay Relay, records <-chan taskrelay.Record, errs <-chan error, hl *Highlighter) Model {
	ti := textinput.New()
	ti.Placeholder = "帮我在小红书找三篇云南的旅游攻略汇总一篇"
	ti.Prompt = "> "
	ti.CharLimit = taskrelay.MaxInstructionLength
	ti.Focus()

	if hl == nil {
		hl = NewHighlighter("none")
	}

	m := Model{
		ctx:      ctx,
		relay:    relay,
		records:  records,
		errs:     errs,
		hl:       hl,
		input:    ti,
		viewport: viewport.New(80, 20),
		status:   relay.Status(),
	}
	m.appendLine(dimStyle.Render("Type your task to send, or 'help' for commands."))
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		waitForRecord(m.records),
		waitForError(m.ctx, m.errs),
		tick(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-chromeHeight, 1)
		m.input.Width = max(msg.Width-4, 10)
		m.viewport.GotoBottom()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			return m.handleLine(m.input.Value())
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case recordMsg:
		m.appendLine(m.formatRecord(msg.rec))
		return m, waitForRecord(m.records)

	case queueClosedMsg:
		m.appendLine(dimStyle.Render("response feed closed"))
		return m, nil

	case errMsg:
		m.appendLine(errorStyle.Render("Error: " + msg.err.Error()))
		return m, waitForError(m.ctx, m.errs)

	case sentMsg:
		if msg.err != nil {
			m.appendLine(errorStyle.Render("Failed to send task: " + msg.err.Error()))
		} else {
			m.appendLine(dimStyle.Render("task sent (msg_id " + msg.sub.MsgID + ")"))
		}
		m.status = m.relay.Status()
		return m, nil

	case tickMsg:
		m.status = m.relay.Status()
		return m, tick()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleLine(line string) (tea.Model, tea.Cmd) {
	m.input.Reset()

	kind, task := ParseCommand(line)
	switch kind {
	case CommandQuit:
		m.quitting = true
		return m, tea.Quit
	case CommandHelp:
		m.appendLine(helpText)
		return m, nil
	case CommandTask:
		m.appendLine(titleStyle.Render("> ") + task)
		return m, m.submit(task)
	}
	return m, nil
}

func (m Model) submit(task string) tea.Cmd {
	ctx, relay := m.ctx, m.relay
	return func() tea.Msg {
		sub, err := relay.Submit(ctx, task)
		return sentMsg{sub: sub, err: err}
	}
}

func (m Model) formatRecord(rec taskrelay.Record) string {
	ts := dimStyle.Render(rec.ReceivedAt.Format("15:04:05"))
	kind := kindStyle.Render(rec.MsgType)
	if rec.ParsedData == nil {
		return fmt.Sprintf("%s %s %s", ts, kind, rec.Message)
	}
	return fmt.Sprintf("%s %s %s", ts, kind, m.hl.Payload(rec.ParsedData))
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if n := len(m.lines); n > maxLines {
		m.lines = m.lines[n-maxLines:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m Model) header() string {
	var status string
	switch m.status.Status {
	case taskrelay.StatusConnected:
		status = connectedStyle.Render("● connected")
	case taskrelay.StatusConnecting:
		status = pendingStyle.Render("● connecting")
	default:
		status = downStyle.Render("● " + m.status.Status.String())
	}
	return fmt.Sprintf("%s  %s  %s",
		titleStyle.Render("AutoGLM Task Console"),
		status,
		dimStyle.Render(fmt.Sprintf("%d responses", m.status.RecentCount)),
	)
}

func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	return fmt.Sprintf("%s\n%s\n%s", m.header(), m.viewport.View(), inputStyle.Render(m.input.View()))
}

func waitForRecord(records <-chan taskrelay.Record) tea.Cmd {
	if records == nil {
		return nil
	}
	return func() tea.Msg {
		rec, ok := <-records
		if !ok {
			return queueClosedMsg{}
		}
		return recordMsg{rec: rec}
	}
}

// waitForError stops waiting once ctx is done; errs is shared with relay
// callbacks and never closed.
func waitForError(ctx context.Context, errs <-chan error) tea.Cmd {
	if errs == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return errMsg{err: err}
		}
	}
}

func tick() tea.Cmd {
	return tea.Tick(statusInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
