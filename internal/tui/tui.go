// Package tui renders the slot dashboard: a one-shot status table and a
// live Bubble Tea view that tails every session's event log.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fakeyudi/afkbridge/internal/mailbox"
	"github.com/fakeyudi/afkbridge/internal/registry"
	"github.com/fakeyudi/afkbridge/internal/session"
)

// ── Styles ────────────

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("245")).
				Background(lipgloss.Color("235")).
				Padding(0, 1)

	tabSepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238")).
			Background(lipgloss.Color("235"))

	sectionHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Bold(true)

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	timeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	kindStyles = map[mailbox.Kind]lipgloss.Style{
		mailbox.KindPermissionRequest: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		mailbox.KindStop:              lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true),
		mailbox.KindNotification:      lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		mailbox.KindKeepAlive:         dimStyle,
	}

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("245")).
			Padding(0, 1)
)

// SlotView is one occupied slot with the tail of its log.
type SlotView struct {
	Session session.Session
	Events  []mailbox.Event
	Queued  string
	Killed  string
	Bound   string
}

// Snapshot is everything the dashboard shows at one instant.
type Snapshot struct {
	Slots       []SlotView
	DaemonPID   int
	DaemonAlive bool
	Heartbeat   time.Time
	Taken       time.Time
}

// Load reads a Snapshot from the registry and mailboxes.
func Load(reg *registry.Store, tail int) Snapshot {
	st := reg.Load()
	snap := Snapshot{
		DaemonPID:   st.DaemonPID,
		DaemonAlive: st.DaemonPID != 0 && reg.DaemonRunning(st),
		Heartbeat:   st.DaemonHeartbeat,
		Taken:       time.Now(),
	}
	for _, sess := range st.Sessions() {
		m := reg.Mailboxes().Open(sess.ID)
		view := SlotView{Session: sess}
		view.Events, _ = m.Tail(tail)
		view.Queued, _, _ = m.PeekQueued()
		view.Killed, _ = m.Killed()
		view.Bound, _ = m.Binding()
		snap.Slots = append(snap.Slots, view)
	}
	return snap
}

// Status renders a static summary for `afkbridge status`.
func Status(snap Snapshot, configured bool) string {
	var sb strings.Builder
	row := func(label, value string) {
		sb.WriteString(labelStyle.Render(fmt.Sprintf("  %-12s", label)) + "  " + value + "\n")
	}
	sb.WriteString(sectionHeader.Render("afkbridge") + "\n\n")
	if configured {
		row("Bot:", okStyle.Render("configured"))
	} else {
		row("Bot:", badStyle.Render("not configured")+dimStyle.Render("  run `afkbridge setup`"))
	}
	row("Daemon:", daemonLine(snap))
	sb.WriteString("\n")

	if len(snap.Slots) == 0 {
		sb.WriteString(dimStyle.Render("  No active AFK sessions.") + "\n")
		return sb.String()
	}
	for _, v := range snap.Slots {
		s := v.Session
		line := fmt.Sprintf("%s  %s", labelStyle.Render(fmt.Sprintf("  %-4s", s.Label())), s.Project)
		if s.TopicName != "" {
			line += dimStyle.Render(" / " + s.TopicName)
		}
		line += dimStyle.Render(fmt.Sprintf("  (session %s, since %s)", shortID(s.ID), s.Started.Local().Format("15:04:05")))
		if v.Killed != "" {
			line += "  " + badStyle.Render("ended: "+v.Killed)
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}

func daemonLine(snap Snapshot) string {
	if !snap.DaemonAlive {
		return badStyle.Render("stopped")
	}
	line := okStyle.Render(fmt.Sprintf("running (pid %d)", snap.DaemonPID))
	if !snap.Heartbeat.IsZero() {
		line += dimStyle.Render(fmt.Sprintf("  heartbeat %s ago", snap.Taken.Sub(snap.Heartbeat).Round(time.Second)))
	}
	return line
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return "…" + id[len(id)-8:]
}

// ── Model ────────────────────

type tickMsg time.Time

// Model is the live dashboard. Tab 0 is the overview, then one tab per slot.
type Model struct {
	load     func() Snapshot
	interval time.Duration
	snap     Snapshot
	active   int
	viewport viewport.Model
	width    int
	height   int
	ready    bool
	oldest   bool
}

// New returns a dashboard that calls load every interval.
func New(load func() Snapshot, interval time.Duration) Model {
	return Model{load: load, interval: interval, snap: load()}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd { return m.tick() }

func (m Model) tabCount() int { return len(m.snap.Slots) + 1 }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "l", "right":
			m.active = (m.active + 1) % m.tabCount()
			m.refresh(true)
			return m, nil
		case "shift+tab", "h", "left":
			m.active = (m.active - 1 + m.tabCount()) % m.tabCount()
			m.refresh(true)
			return m, nil
		case "s":
			m.oldest = !m.oldest
			m.refresh(true)
			return m, nil
		case "0", "1", "2", "3", "4", "5", "6", "7", "8", "9":
			if n := int(msg.String()[0] - '0'); n < m.tabCount() {
				m.active = n
				m.refresh(true)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport = viewport.New(m.width, max(m.height-3, 1))
		m.ready = true
		m.refresh(true)
		return m, nil

	case tickMsg:
		m.snap = m.load()
		if m.active >= m.tabCount() {
			m.active = 0
		}
		m.refresh(false)
		return m, m.tick()
	}
	return m, nil
}

func (m *Model) refresh(top bool) {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderTab())
	if top {
		m.viewport.GotoTop()
	}
}

func (m Model) View() string {
	if !m.ready {
		return "Loading…"
	}
	title := titleStyle.Width(m.width).Render("  afkbridge  " + daemonText(m.snap))

	var tabParts []string
	for i := 0; i < m.tabCount(); i++ {
		label := " 0 Overview "
		if i > 0 {
			s := m.snap.Slots[i-1].Session
			label = fmt.Sprintf(" %d %s %s ", i, s.Label(), s.Project)
		}
		if i == m.active {
			tabParts = append(tabParts, activeTabStyle.Render(label))
		} else {
			tabParts = append(tabParts, inactiveTabStyle.Render(label))
		}
		if i < m.tabCount()-1 {
			tabParts = append(tabParts, tabSepStyle.Render("│"))
		}
	}
	tabRow := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabParts...))

	order := "newest first"
	if m.oldest {
		order = "oldest first"
	}
	hint := "  ←/→ tab  ↑/↓ scroll  0-9 jump  s " + order + "  q quit"
	pct := fmt.Sprintf("%3.0f%%", m.viewport.ScrollPercent()*100)
	pad := max(m.width-lipgloss.Width(hint)-len(pct)-2, 1)
	statusBar := statusBarStyle.Width(m.width).Render(hint + strings.Repeat(" ", pad) + pct)

	return lipgloss.JoinVertical(lipgloss.Left, title, tabRow, m.viewport.View(), statusBar)
}

func daemonText(snap Snapshot) string {
	if snap.DaemonAlive {
		return fmt.Sprintf("daemon pid %d", snap.DaemonPID)
	}
	return "daemon stopped"
}

func (m *Model) renderTab() string {
	if m.active == 0 {
		return "\n" + Status(m.snap, true)
	}
	return m.renderSlot(m.snap.Slots[m.active-1])
}

func heading(s string) string {
	return "\n" + sectionHeader.Render("  "+s) + "\n\n"
}

func (m *Model) renderSlot(v SlotView) string {
	var sb strings.Builder
	s := v.Session
	sb.WriteString(heading(s.Title()))
	row := func(label, value string) {
		sb.WriteString(labelStyle.Render(fmt.Sprintf("  %-12s", label)) + "  " + value + "\n")
	}
	row("Session:", s.ID)
	if v.Bound != "" {
		row("Bound to:", v.Bound)
	}
	row("Started:", s.Started.Local().Format("2006-01-02 15:04:05"))
	if s.ThreadID != 0 {
		row("Thread:", fmt.Sprintf("%d", s.ThreadID))
	}
	if v.Queued != "" {
		row("Queued:", v.Queued)
	}
	if v.Killed != "" {
		row("Ended:", badStyle.Render(v.Killed))
	}

	events := append([]mailbox.Event(nil), v.Events...)
	if m.oldest {
		sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	} else {
		sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.After(events[j].Timestamp) })
	}
	sb.WriteString(heading(fmt.Sprintf("Events (%d)", len(events))))
	if len(events) == 0 {
		sb.WriteString(dimStyle.Render("  (none)") + "\n")
		return sb.String()
	}
	for _, ev := range events {
		ts := timeStyle.Render(ev.Timestamp.Local().Format("15:04:05"))
		style, ok := kindStyles[ev.Kind()]
		if !ok {
			style = labelStyle
		}
		badge := style.Render(fmt.Sprintf("  %-18s", ev.Kind()))
		sb.WriteString(ts + badge + "  " + summary(ev) + "\n")
	}
	return sb.String()
}

// summary is a one-line description of an event.
func summary(ev mailbox.Event) string {
	switch p := ev.Payload.(type) {
	case mailbox.Activation:
		return "activated " + p.Project
	case mailbox.Deactivation:
		return "deactivated " + p.Reason
	case mailbox.PermissionRequest:
		line := p.ToolName
		if p.Description != "" {
			line += ": " + firstLine(p.Description)
		}
		if p.AutoApproved {
			line += dimStyle.Render(" (auto)")
		}
		return line
	case mailbox.Stop:
		return firstLine(p.LastMessage)
	case mailbox.Notification:
		return firstLine(p.Message)
	case mailbox.Response:
		return firstLine(p.Text)
	case mailbox.KeepAlive:
		return dimStyle.Render("waiting on " + p.WaitingOn)
	}
	return ""
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	if r := []rune(s); len(r) > 100 {
		return string(r[:100]) + "…"
	}
	return s
}

// Run starts the live dashboard.
func Run(load func() Snapshot, interval time.Duration) error {
	p := tea.NewProgram(New(load, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
