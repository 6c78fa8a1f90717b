// Package console is an interactive PV monitor built on bubbletea. It keeps
// its own list of PVs and resubscribes all of them whenever the stream
// connection opens.
package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/epics2web/pvstream/internal/client"
	"github.com/epics2web/pvstream/internal/protocol"
	"github.com/pkg/errors"
)

// Stream is the part of a StreamClient the console drives.
type Stream interface {
	Open() error
	Close(code int, reason string) error
	Subscribe(pvs []string) error
	Unsubscribe(pvs []string) error
	State() client.State
}

// EventMsg carries a client event into the bubbletea loop.
type EventMsg struct {
	Event client.Event
}

type commandDoneMsg struct {
	op  string
	err error
}

// Attach forwards client events to send, usually tea.Program.Send. Message
// events are not forwarded; the typed events carry the same data.
func Attach(c *client.StreamClient, send func(tea.Msg)) (detach func()) {
	types := []client.EventType{
		client.EventConnecting, client.EventOpen, client.EventClosing,
		client.EventClose, client.EventError, client.EventUpdate, client.EventInfo,
	}
	removers := make([]func(), 0, len(types))
	for _, t := range types {
		removers = append(removers, c.On(t, func(ev client.Event) {
			send(EventMsg{Event: ev})
		}))
	}
	return func() {
		for _, remove := range removers {
			remove()
		}
	}
}

type pvStatus int

const (
	statusPending pvStatus = iota
	statusConnected
	statusDisconnected
)

func (s pvStatus) String() string {
	switch s {
	case statusConnected:
		return "connected"
	case statusDisconnected:
		return "disconnected"
	}
	return "pending"
}

type row struct {
	name       string
	status     pvStatus
	datatype   string
	enumLabels []string
	value      protocol.Value
	updated    time.Time
}

// display renders the value, with the enum label when one is known.
func (r *row) display() string {
	if r.value.IsZero() {
		return ""
	}
	text := r.value.String()
	if len(r.enumLabels) > 0 {
		if f, ok := r.value.Float64(); ok {
			if i := int(f); i >= 0 && i < len(r.enumLabels) && float64(i) == f {
				return fmt.Sprintf("%s (%s)", r.enumLabels[i], text)
			}
		}
	}
	return text
}

// Model is the root bubbletea model.
type Model struct {
	stream Stream
	keys   KeyMap
	input  textinput.Model
	adding bool

	rows     []*row
	index    map[string]*row
	selected int

	conn    client.State
	lastErr string

	width  int
	height int
}

// New creates a console monitoring pvs on stream.
func New(stream Stream, pvs []string) Model {
	input := textinput.New()
	input.Placeholder = "PV names, separated by spaces or commas"
	input.Prompt = "add> "
	input.CharLimit = 4096

	m := Model{
		stream: stream,
		keys:   DefaultKeyMap(),
		input:  input,
		index:  make(map[string]*row),
		conn:   stream.State(),
	}
	m.addRows(pvs)
	return m
}

// Init opens the connection unless it is already connecting.
func (m Model) Init() tea.Cmd {
	stream := m.stream
	return func() tea.Msg {
		err := stream.Open()
		if errors.Is(err, client.ErrAlreadyOpen) {
			err = nil
		}
		return commandDoneMsg{op: "open", err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(msg.Width-10, 10)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case EventMsg:
		return m.handleEvent(msg.Event)

	case commandDoneMsg:
		if msg.err != nil {
			m.lastErr = fmt.Sprintf("%s: %v", msg.op, msg.err)
		}
		return m, nil
	}

	if m.adding {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleEvent(ev client.Event) (tea.Model, tea.Cmd) {
	switch ev := ev.(type) {
	case client.ConnectingEvent:
		m.conn = client.StateConnecting
	case client.OpenEvent:
		m.conn = client.StateOpen
		m.lastErr = ""
		// The gateway forgets monitors with the connection; start over.
		for _, r := range m.rows {
			r.status = statusPending
		}
		return m, m.subscribeCmd(m.names())
	case client.ClosingEvent:
		m.conn = client.StateClosing
	case client.CloseEvent:
		m.conn = client.StateClosed
	case client.ErrorEvent:
		m.lastErr = ev.Err.Error()
	case client.InfoEvent:
		if r, ok := m.index[ev.PV]; ok {
			r.status = statusDisconnected
			r.datatype, r.enumLabels = "", nil
			if ev.Connected {
				r.status = statusConnected
				r.datatype = ev.Datatype
				r.enumLabels = ev.EnumLabels
			}
		}
	case client.UpdateEvent:
		if r, ok := m.index[ev.PV]; ok {
			r.value = ev.Value
			r.updated = ev.Timestamp
		}
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.adding {
		switch {
		case key.Matches(msg, m.keys.Submit):
			added := m.addRows(splitNames(m.input.Value()))
			m.input.Reset()
			m.input.Blur()
			m.adding = false
			if m.conn == client.StateOpen {
				return m, m.subscribeCmd(added)
			}
			return m, nil
		case key.Matches(msg, m.keys.Escape):
			m.input.Reset()
			m.input.Blur()
			m.adding = false
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		if len(m.rows) > 0 {
			m.selected = (m.selected + 1) % len(m.rows)
		}

	case key.Matches(msg, m.keys.Up):
		if len(m.rows) > 0 {
			m.selected = (m.selected - 1 + len(m.rows)) % len(m.rows)
		}

	case key.Matches(msg, m.keys.Add):
		m.adding = true
		return m, m.input.Focus()

	case key.Matches(msg, m.keys.Remove):
		if len(m.rows) == 0 {
			return m, nil
		}
		name := m.rows[m.selected].name
		m.removeRow(m.selected)
		if m.conn == client.StateOpen {
			return m, m.commandCmd("clear", func() error { return m.stream.Unsubscribe([]string{name}) })
		}

	case key.Matches(msg, m.keys.Reconnect):
		stream := m.stream
		return m, m.commandCmd("reconnect", func() error {
			if stream.State() == client.StateClosed {
				return stream.Open()
			}
			return stream.Close(client.CloseNormalClosure, "reconnect requested")
		})
	}
	return m, nil
}

func (m Model) subscribeCmd(names []string) tea.Cmd {
	if len(names) == 0 {
		return nil
	}
	stream := m.stream
	return m.commandCmd("monitor", func() error { return stream.Subscribe(names) })
}

func (m Model) commandCmd(op string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return commandDoneMsg{op: op, err: fn()}
	}
}

// addRows appends rows for names not shown yet and returns those names.
func (m *Model) addRows(names []string) []string {
	var added []string
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := m.index[name]; ok {
			continue
		}
		r := &row{name: name}
		m.rows = append(m.rows, r)
		m.index[name] = r
		added = append(added, name)
	}
	return added
}

func (m *Model) removeRow(i int) {
	delete(m.index, m.rows[i].name)
	m.rows = append(m.rows[:i:i], m.rows[i+1:]...)
	if m.selected >= len(m.rows) {
		m.selected = max(len(m.rows)-1, 0)
	}
}

func (m Model) names() []string {
	out := make([]string, len(m.rows))
	for i, r := range m.rows {
		out[i] = r.name
	}
	return out
}

// splitNames accepts names separated by whitespace or commas.
func splitNames(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

func (m Model) View() string {
	sections := []string{
		m.renderBanner(),
		m.renderTable(),
	}
	if m.adding {
		sections = append(sections, m.input.View())
	}
	if m.lastErr != "" {
		sections = append(sections, StyleError.Render("  "+m.lastErr))
	}
	sections = append(sections, StyleDimmed.Render("  j/k:navigate  a:add  x:remove  r:reconnect  q:quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderBanner() string {
	width := max(m.width, 40)

	var conn string
	switch m.conn {
	case client.StateOpen:
		conn = lipgloss.NewStyle().Foreground(ColorHealthy).Render("● Connected")
	case client.StateConnecting:
		conn = lipgloss.NewStyle().Foreground(ColorWarning).Render("○ Connecting...")
	default:
		conn = lipgloss.NewStyle().Foreground(ColorDanger).Render("○ Disconnected")
	}

	connected := 0
	for _, r := range m.rows {
		if r.status == statusConnected {
			connected++
		}
	}
	sep := lipgloss.NewStyle().Foreground(ColorBorder).Render(" | ")
	content := conn + sep + fmt.Sprintf("%d pvs  %d connected", len(m.rows), connected)

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(ColorBorder).
		Render(content)
}

const rowFormat = "%s%-32s %-12s %-11s %-24s %s"

func (m Model) renderTable() string {
	lines := []string{
		StyleHeader.Render(fmt.Sprintf(rowFormat, "  ", "PV", "STATUS", "TYPE", "VALUE", "UPDATED")),
	}
	for i, r := range m.rows {
		prefix := "  "
		if i == m.selected {
			prefix = "> "
		}
		updated := ""
		if !r.updated.IsZero() {
			updated = r.updated.Format("15:04:05.000")
		}
		status := lipgloss.NewStyle().Foreground(StatusColor(r.status)).Render(fmt.Sprintf("%-12s", r.status))
		line := fmt.Sprintf("%s%-32s %s %-11s %-24s %s",
			prefix, truncate(r.name, 32), status, r.datatype, truncate(r.display(), 24), updated)
		if i == m.selected {
			line = StyleSelected.Render(line)
		}
		lines = append(lines, line)
	}
	if len(m.rows) == 0 {
		lines = append(lines, StyleDimmed.Render("  No PVs monitored, press a to add some"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
