package termui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Naoki-Hiraoka/Groot/internal/interpreter"
)

// --- Tea messages ---

// statusBatchMsg carries a translated status change batch from the session.
type statusBatchMsg struct {
	changes []interpreter.StatusChange
	reset   bool
}

// sessionErrMsg carries an error surfaced by the session's supervisor.
type sessionErrMsg struct{ err error }

// connectDoneMsg is sent after a connection attempt completes.
type connectDoneMsg struct{ err error }

// execDoneMsg is sent after a manual execution completes.
type execDoneMsg struct{ err error }

// tickMsg drives the periodic row refresh.
type tickMsg time.Time

// Sink forwards session notifications into the Bubble Tea loop. It
// implements interpreter.StatusSink; NotifyError fits the session's error
// handler option.
type Sink struct {
	ch chan tea.Msg
}

// NewSink creates a sink with a buffered hand-off channel.
func NewSink() *Sink {
	return &Sink{ch: make(chan tea.Msg, 64)}
}

// ApplyStatusChanges implements interpreter.StatusSink.
func (s *Sink) ApplyStatusChanges(changes []interpreter.StatusChange, reset bool) {
	select {
	case s.ch <- statusBatchMsg{changes: changes, reset: reset}:
	default:
	}
}

// NotifyError forwards a supervisor error to the UI.
func (s *Sink) NotifyError(err error) {
	select {
	case s.ch <- sessionErrMsg{err: err}:
	default:
	}
}

// --- Key bindings ---

type keyMap struct {
	Quit        key.Binding
	Up          key.Binding
	Down        key.Binding
	Toggle      key.Binding
	Connect     key.Binding
	TickOnce    key.Binding
	Autorun     key.Binding
	Reset       key.Binding
	ExecOne     key.Binding
	ExecRunning key.Binding
	SetSuccess  key.Binding
	SetFailure  key.Binding
	SetIdle     key.Binding
	Blackboard  key.Binding
}

var keys = keyMap{
	Quit:        key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Up:          key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑", "up")),
	Down:        key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓", "down")),
	Toggle:      key.NewBinding(key.WithKeys("enter", " "), key.WithHelp("enter", "collapse/expand")),
	Connect:     key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "connect")),
	TickOnce:    key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "tick")),
	Autorun:     key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "autorun")),
	Reset:       key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reset")),
	ExecOne:     key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "exec node")),
	ExecRunning: key.NewBinding(key.WithKeys("E"), key.WithHelp("E", "exec running")),
	SetSuccess:  key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "set success")),
	SetFailure:  key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "set failure")),
	SetIdle:     key.NewBinding(key.WithKeys("i"), key.WithHelp("i", "set idle")),
	Blackboard:  key.NewBinding(key.WithKeys("b"), key.WithHelp("b", "blackboard")),
}

// Config holds the parameters needed to launch the sidepanel.
type Config struct {
	Session  *interpreter.Session
	Sink     *Sink
	Hostname string
	Port     int
}

// Model is the top-level Bubble Tea model for the sidepanel.
type Model struct {
	session *interpreter.Session
	sink    *Sink

	hostname string
	port     int

	rows     []interpreter.Row
	statuses map[int]interpreter.NodeStatus
	cursor   int

	connecting     bool
	executing      bool
	showBlackboard bool
	errText        string

	width  int
	height int
}

// Run starts the sidepanel and blocks until the user quits.
func Run(cfg Config) error {
	m := Model{
		session:  cfg.Session,
		sink:     cfg.Sink,
		hostname: cfg.Hostname,
		port:     cfg.Port,
		statuses: make(map[int]interpreter.NodeStatus),
		rows:     cfg.Session.Rows(),
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init returns the initial commands: listen for session events and start the
// refresh tick.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.listen(), refreshTick())
}

// listen waits for the next session notification.
func (m Model) listen() tea.Cmd {
	return func() tea.Msg {
		return <-m.sink.ch
	}
}

func refreshTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// connectCmd dials the bridge in the background.
func (m Model) connectCmd() tea.Cmd {
	session, hostname, port := m.session, m.hostname, m.port
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return connectDoneMsg{err: session.Connect(ctx, hostname, port)}
	}
}

func (m Model) execSelectedCmd(visualIndex int) tea.Cmd {
	session := m.session
	return func() tea.Msg {
		return execDoneMsg{err: session.ExecuteNode(context.Background(), visualIndex)}
	}
}

func (m Model) execRunningCmd() tea.Cmd {
	session := m.session
	return func() tea.Msg {
		return execDoneMsg{err: session.ExecuteRunningNodes(context.Background())}
	}
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.rows = m.session.Rows()
		m.clampCursor()
		return m, refreshTick()

	case statusBatchMsg:
		if msg.reset {
			m.statuses = make(map[int]interpreter.NodeStatus)
		}
		for _, c := range msg.changes {
			m.statuses[c.Index] = c.Status
		}
		return m, m.listen()

	case sessionErrMsg:
		m.errText = msg.err.Error()
		return m, m.listen()

	case connectDoneMsg:
		m.connecting = false
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else {
			m.errText = ""
		}

	case execDoneMsg:
		m.executing = false
		if msg.err != nil {
			m.errText = msg.err.Error()
		}
		m.rows = m.session.Rows()
		m.clampCursor()
	}

	return m, nil
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		m.session.Close()
		return m, tea.Quit

	case key.Matches(msg, keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, keys.Down):
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}

	case key.Matches(msg, keys.Toggle):
		if row, ok := m.selectedRow(); ok && row.Subtree {
			m.session.ToggleCollapse(row.VisualIndex)
			m.rows = m.session.Rows()
			m.clampCursor()
		}

	case key.Matches(msg, keys.Connect):
		if !m.connecting {
			m.connecting = true
			return m, m.connectCmd()
		}

	case key.Matches(msg, keys.TickOnce):
		if err := m.session.TickOnce(); err != nil {
			m.errText = err.Error()
		}

	case key.Matches(msg, keys.Autorun):
		m.session.SetAutorun(!m.session.Autorun())

	case key.Matches(msg, keys.Reset):
		m.session.Reset()

	case key.Matches(msg, keys.ExecOne):
		if row, ok := m.selectedRow(); ok && !m.executing {
			m.executing = true
			return m, m.execSelectedCmd(row.VisualIndex)
		}

	case key.Matches(msg, keys.ExecRunning):
		if !m.executing {
			m.executing = true
			return m, m.execRunningCmd()
		}

	case key.Matches(msg, keys.SetSuccess):
		m.forceSelected(interpreter.StatusSuccess)

	case key.Matches(msg, keys.SetFailure):
		m.forceSelected(interpreter.StatusFailure)

	case key.Matches(msg, keys.SetIdle):
		m.forceSelected(interpreter.StatusIdle)

	case key.Matches(msg, keys.Blackboard):
		m.showBlackboard = !m.showBlackboard
	}

	return m, nil
}

func (m *Model) forceSelected(status interpreter.NodeStatus) {
	if row, ok := m.selectedRow(); ok {
		m.session.ChangeSelectedStatus([]int{row.VisualIndex}, status)
	}
}

func (m *Model) selectedRow() (interpreter.Row, bool) {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return interpreter.Row{}, false
	}
	return m.rows[m.cursor], true
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.rows) {
		m.cursor = len(m.rows) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// View renders the complete sidepanel.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	for i, row := range m.rows {
		b.WriteString(m.renderRow(i, row))
		b.WriteString("\n")
	}

	if m.showBlackboard {
		b.WriteString("\n" + m.renderBlackboard())
	}

	if m.errText != "" {
		b.WriteString("\n" + errorStyle.Render("Error: "+m.errText) + "\n")
	}

	b.WriteString("\n" + m.renderKeyBar())
	return b.String()
}

func (m Model) renderHeader() string {
	title := headerStyle.Render("groot-interpreter")

	var conn string
	if m.connecting {
		conn = autorunBadge.Render("connecting")
	} else if m.session.Connected() {
		conn = connectedBadge.Render(fmt.Sprintf("%s:%d", m.hostname, m.port))
	} else {
		conn = disconnectedBadge.Render("offline")
	}

	parts := []string{title, conn}
	if m.session.Autorun() {
		parts = append(parts, autorunBadge.Render("autorun"))
	}
	if name := m.session.TreeName(); name != "" {
		parts = append(parts, rowDim.Render(name))
	}
	return strings.Join(parts, " ")
}

func (m Model) renderRow(i int, row interpreter.Row) string {
	status := row.Status
	if st, ok := m.statuses[row.VisualIndex]; ok {
		status = st
	}

	glyph, style := statusGlyph(status)
	indent := strings.Repeat("  ", row.Depth)

	marker := " "
	if row.Subtree {
		marker = GlyphExpanded
		if row.Collapsed {
			marker = GlyphCollapsed
		}
	}

	name := row.Name
	if name == "" {
		name = row.Type.String()
	}

	line := fmt.Sprintf("%s %s%s %s", glyph, indent, marker, name)
	if i == m.cursor {
		return rowCursor.Render("> " + line)
	}
	return "  " + style.Render(line)
}

func statusGlyph(status interpreter.NodeStatus) (string, interface{ Render(...string) string }) {
	switch status {
	case interpreter.StatusRunning:
		return GlyphRunning, rowRunning
	case interpreter.StatusSuccess:
		return GlyphSuccess, rowSuccess
	case interpreter.StatusFailure:
		return GlyphFailure, rowFailure
	default:
		return GlyphIdle, rowIdle
	}
}

// renderBlackboard shows the shared value store as sorted key: value lines.
func (m Model) renderBlackboard() string {
	snap := m.session.Blackboard().Snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("blackboard (%d)", len(snap))) + "\n")
	if len(snap) == 0 {
		b.WriteString(rowDim.Render("  (empty)") + "\n")
		return b.String()
	}
	for _, k := range names {
		b.WriteString(fmt.Sprintf("  %s %v\n", keyStyle.Render(k+":"), snap[k]))
	}
	return b.String()
}

func (m Model) renderKeyBar() string {
	bindings := []key.Binding{
		keys.Connect, keys.TickOnce, keys.Autorun, keys.Reset,
		keys.ExecOne, keys.ExecRunning, keys.SetSuccess, keys.SetFailure,
		keys.SetIdle, keys.Blackboard, keys.Toggle, keys.Quit,
	}
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		h := b.Help()
		parts = append(parts, keyStyle.Render(h.Key)+keyDescStyle.Render(":"+h.Desc))
	}
	return keyBarStyle.Render(strings.Join(parts, "  "))
}
