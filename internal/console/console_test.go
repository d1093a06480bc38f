package console

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoglm/taskrelay"
)

type fakeRelay struct {
	mu     sync.Mutex
	tasks  []string
	err    error
	status taskrelay.StatusReport
}

func (f *fakeRelay) Submit(ctx context.Context, instruction string) (*taskrelay.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, instruction)
	return &taskrelay.Submission{TaskID: "0", MsgID: "msg-1"}, nil
}

func (f *fakeRelay) Status() taskrelay.StatusReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func newTestModel(relay *fakeRelay) Model {
	return NewModel(context.Background(), relay, nil, nil, nil)
}

func typeLine(t *testing.T, m Model, line string) (Model, tea.Cmd) {
	t.Helper()
	m.input.SetValue(line)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(Model), cmd
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		kind CommandKind
		task string
	}{
		{"", CommandNone, ""},
		{"   ", CommandNone, ""},
		{"quit", CommandQuit, ""},
		{"EXIT", CommandQuit, ""},
		{" q ", CommandQuit, ""},
		{"help", CommandHelp, ""},
		{"H", CommandHelp, ""},
		{"  find three travel guides ", CommandTask, "find three travel guides"},
		{"quit now", CommandTask, "quit now"},
	}
	for _, tt := range tests {
		kind, task := ParseCommand(tt.line)
		assert.Equal(t, tt.kind, kind, "ParseCommand(%q)", tt.line)
		assert.Equal(t, tt.task, task, "ParseCommand(%q)", tt.line)
	}
}

func TestModel_Quit(t *testing.T) {
	m, cmd := typeLine(t, newTestModel(&fakeRelay{}), "q")
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, "Goodbye!\n", m.View())
}

func TestModel_Help(t *testing.T) {
	m, cmd := typeLine(t, newTestModel(&fakeRelay{}), "help")
	assert.Nil(t, cmd)
	assert.Contains(t, strings.Join(m.lines, "\n"), "quit/exit/q")
	assert.Empty(t, m.input.Value())
}

func TestModel_BlankLineIgnored(t *testing.T) {
	relay := &fakeRelay{}
	m := newTestModel(relay)
	before := len(m.lines)

	m, cmd := typeLine(t, m, "   ")
	assert.Nil(t, cmd)
	assert.Len(t, m.lines, before)
}

func TestModel_SubmitTask(t *testing.T) {
	relay := &fakeRelay{status: taskrelay.StatusReport{Status: taskrelay.StatusConnected, Connected: true}}
	m, cmd := typeLine(t, newTestModel(relay), "find three travel guides")
	require.NotNil(t, cmd)

	msg := cmd()
	require.IsType(t, sentMsg{}, msg)
	assert.Equal(t, []string{"find three travel guides"}, relay.tasks)

	next, _ := m.Update(msg)
	m = next.(Model)
	assert.Contains(t, m.lines[len(m.lines)-1], "msg-1")
	assert.Contains(t, m.View(), "connected")
}

func TestModel_SubmitFailure(t *testing.T) {
	relay := &fakeRelay{err: taskrelay.ErrServiceUnavailable}
	m, cmd := typeLine(t, newTestModel(relay), "task")

	next, _ := m.Update(cmd())
	m = next.(Model)
	assert.Contains(t, m.lines[len(m.lines)-1], "Failed to send task")
}

func TestModel_Record(t *testing.T) {
	records := make(chan taskrelay.Record, 1)
	m := NewModel(context.Background(), &fakeRelay{}, records, nil, nil)

	rec := taskrelay.Record{
		ID:         1,
		Message:    `{"msg_type":"agent_response","text":"hello"}`,
		ReceivedAt: time.Now(),
		MsgType:    "agent_response",
		ParsedData: map[string]any{"msg_type": "agent_response", "text": "hello"},
	}
	next, cmd := m.Update(recordMsg{rec: rec})
	m = next.(Model)

	last := m.lines[len(m.lines)-1]
	assert.Contains(t, last, "agent_response")
	assert.Contains(t, last, `"text":"hello"`)
	require.NotNil(t, cmd)

	close(records)
	assert.IsType(t, queueClosedMsg{}, cmd())
}

func TestModel_RawRecord(t *testing.T) {
	m := newTestModel(&fakeRelay{})
	next, _ := m.Update(recordMsg{rec: taskrelay.Record{MsgType: "raw", Message: "plain text"}})
	m = next.(Model)
	assert.Contains(t, m.lines[len(m.lines)-1], "plain text")
}

func TestModel_Error(t *testing.T) {
	errs := make(chan error, 1)
	m := NewModel(context.Background(), &fakeRelay{}, nil, errs, nil)

	next, cmd := m.Update(errMsg{err: errors.New("connection reset")})
	m = next.(Model)
	assert.Contains(t, m.lines[len(m.lines)-1], "Error: connection reset")

	errs <- errors.New("again")
	next, _ = m.Update(cmd())
	m = next.(Model)
	assert.Contains(t, m.lines[len(m.lines)-1], "Error: again")
}

func TestModel_ErrorWaitEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error)
	m := NewModel(ctx, &fakeRelay{}, nil, errs, nil)

	_, cmd := m.Update(errMsg{err: errors.New("first")})
	require.NotNil(t, cmd)

	got := make(chan tea.Msg, 1)
	go func() { got <- cmd() }()

	cancel()
	select {
	case msg := <-got:
		assert.Nil(t, msg)
	case <-time.After(time.Second):
		t.Fatal("error wait did not end after cancel")
	}
}

func TestModel_StatusTick(t *testing.T) {
	relay := &fakeRelay{}
	m := newTestModel(relay)
	assert.Contains(t, m.View(), "disconnected")

	relay.status = taskrelay.StatusReport{Status: taskrelay.StatusConnected, Connected: true, RecentCount: 4}
	next, cmd := m.Update(tickMsg(time.Now()))
	m = next.(Model)

	assert.NotNil(t, cmd)
	view := m.View()
	assert.Contains(t, view, "● connected")
	assert.Contains(t, view, "4 responses")
}

func TestModel_WindowSize(t *testing.T) {
	m := newTestModel(&fakeRelay{})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = next.(Model)
	assert.Equal(t, 120, m.viewport.Width)
	assert.Equal(t, 36, m.viewport.Height)
}

func TestHighlighter(t *testing.T) {
	plain := NewHighlighter("none")
	assert.Equal(t, `{"a":1}`, plain.Payload(map[string]any{"a": 1}))

	colour := NewHighlighter("monokai")
	out := colour.Highlight(`{"a":1}`)
	assert.Contains(t, out, "\x1b[")
	assert.Contains(t, out, `"a"`)
}

func TestConsole_ReportDoesNotBlock(t *testing.T) {
	c := New("none", zerolog.Nop())
	for i := 0; i < cap(c.errs)+5; i++ {
		c.report(errors.New("x"))
	}
	assert.Len(t, c.errs, cap(c.errs))
	assert.Len(t, c.RelayOptions(), 1)
}
