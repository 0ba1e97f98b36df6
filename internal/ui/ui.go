// Package ui implements the interactive dashboard: a client list with
// start/stop controls, a live connection log, and an add/edit form.
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mstiles/tunnelpanel/internal/appconfig"
	"github.com/mstiles/tunnelpanel/internal/model"
	"github.com/mstiles/tunnelpanel/internal/panel"
	"github.com/mstiles/tunnelpanel/internal/util"
)

type tickMsg time.Time

type logMsg model.LogEntry

type statusMsg string

const logTailLines = 12

type modelUI struct {
	p        *panel.Panel
	clients  []model.ShortClient
	sel      int
	logs     []model.LogEntry
	status   string
	width    int
	height   int
	showHelp bool
	form     *clientForm
	confirm  string // name pending delete confirmation, empty otherwise
	subID    string
	feed     <-chan model.LogEntry
	theme    theme
	refresh  int
}

func initialModel(p *panel.Panel) modelUI {
	settings := p.Settings()
	subID, feed := p.SubscribeLogs()
	m := modelUI{
		p:       p,
		subID:   subID,
		feed:    feed,
		theme:   themeFor(settings.ThemeMode),
		refresh: settings.RefreshSeconds,
	}
	m.clients = p.ListClients()
	m.logs = p.RecentLogs(logTailLines)
	m.status = "Ready. Select a client, then s to start/stop, a to add."
	return m
}

func tickCmd(seconds int) tea.Cmd {
	if seconds <= 0 {
		seconds = util.DefaultRefreshSeconds
	}
	return tea.Tick(time.Duration(seconds)*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForLog(feed <-chan model.LogEntry) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-feed
		if !ok {
			return nil
		}
		return logMsg(e)
	}
}

func (m modelUI) Init() tea.Cmd {
	return tea.Batch(tickCmd(m.refresh), waitForLog(m.feed))
}

func (m modelUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.clients = m.p.ListClients()
		m.clampSel()
		return m, tickCmd(m.refresh)
	case logMsg:
		m.logs = append(m.logs, model.LogEntry(msg))
		if len(m.logs) > logTailLines {
			m.logs = m.logs[len(m.logs)-logTailLines:]
		}
		return m, waitForLog(m.feed)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case statusMsg:
		m.status = string(msg)
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m modelUI) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.form != nil {
		if msg.String() == "esc" {
			m.form = nil
			m.status = "Cancelled."
			return m, nil
		}
		result, cmd := m.form.update(msg)
		if result == nil {
			return m, cmd
		}
		var err error
		if result.edit {
			err = m.p.UpdateClient(result.spec.Name, result.spec)
		} else {
			err = m.p.AddClient(result.spec)
		}
		if err != nil {
			m.form.errMsg = err.Error()
			return m, nil
		}
		m.form = nil
		m.clients = m.p.ListClients()
		m.clampSel()
		m.status = "Saved " + result.spec.Name + "."
		return m, nil
	}

	if m.confirm != "" {
		switch msg.String() {
		case "y", "Y":
			name := m.confirm
			m.confirm = ""
			if err := m.p.RemoveClient(name); err != nil {
				m.status = "Remove failed: " + err.Error()
			} else {
				m.status = "Removed " + name + "."
			}
			m.clients = m.p.ListClients()
			m.clampSel()
		default:
			m.confirm = ""
			m.status = "Remove cancelled."
		}
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "j", "down":
		if m.sel < len(m.clients)-1 {
			m.sel++
		}
	case "k", "up":
		if m.sel > 0 {
			m.sel--
		}
	case "?":
		m.showHelp = !m.showHelp
	case "r":
		m.clients = m.p.ListClients()
		m.clampSel()
		m.status = "Refreshed."
	case "a":
		m.form = newForm(m.p.Settings().DefaultAddr)
	case "e":
		if len(m.clients) == 0 {
			break
		}
		c := m.clients[m.sel]
		m.form = editForm(c)
	case "d":
		if len(m.clients) == 0 {
			break
		}
		m.confirm = m.clients[m.sel].Name
		m.status = "Remove " + m.confirm + "? y to confirm."
	case "s", "enter":
		if len(m.clients) == 0 {
			break
		}
		c := m.clients[m.sel]
		if c.State.Active() {
			if err := m.p.StopClient(c.Name); err != nil {
				m.status = "Stop failed: " + err.Error()
			} else {
				m.status = "Stopped " + c.Name + "."
			}
		} else {
			if err := m.p.StartClient(c.Name); err != nil {
				m.status = "Start failed: " + err.Error()
			} else {
				m.status = "Starting " + c.Name + "..."
			}
		}
		m.clients = m.p.ListClients()
	}
	return m, nil
}

func (m *modelUI) clampSel() {
	if m.sel >= len(m.clients) {
		m.sel = len(m.clients) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
}

func (m modelUI) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(m.theme.title).Render("Tunnel Panel")
	subhead := fmt.Sprintf("clients=%d running=%d refresh=%ds", len(m.clients), m.runningCount(), m.refresh)

	if m.form != nil {
		return lipgloss.JoinVertical(lipgloss.Left, head, subhead, m.form.view(m.renderPanel, m.effectiveWidth()))
	}

	list := strings.Builder{}
	for i, c := range m.clients {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		list.WriteString(fmt.Sprintf("%s %-20s %-28s %-13s %s\n",
			cursor, util.Truncate(c.Name, 20), util.Truncate(c.Addr, 28), c.State, stateGlyph(c)))
	}
	if len(m.clients) == 0 {
		list.WriteString("  (no clients; press a to add one)\n")
	}

	detail := strings.Builder{}
	if len(m.clients) > 0 {
		c := m.clients[m.sel]
		detail.WriteString(fmt.Sprintf("Name: %s\nAddr: %s\nKey: %s\nTLS: %v\nAuto-start: %v\n",
			c.Name, c.Addr, c.Key, c.TLS, c.AutoStart))
		detail.WriteString(fmt.Sprintf("State: %s\nRunning: %v\nUptime: %ds\n", c.State, c.Running, c.UptimeSec))
		detail.WriteString("Last error: " + util.EmptyDash(c.LastError) + "\n")
	} else {
		detail.WriteString("Pick a client to view its status.\n")
	}

	logs := strings.Builder{}
	for _, e := range m.logs {
		id := e.ClientID
		if id == "" {
			id = "manager"
		}
		logs.WriteString(fmt.Sprintf("%s %-12s %-13s %s\n",
			e.Timestamp.Format("15:04:05"), util.Truncate(id, 12), e.Type, util.Truncate(e.Message, 70)))
	}
	if len(m.logs) == 0 {
		logs.WriteString("(no events yet)\n")
	}

	quickHelp := "Keys: s start/stop | a add | e edit | d delete | r refresh | ? help | q quit"
	main := m.renderMainPanels(list.String(), detail.String())
	logPanel := m.renderPanel("Connection Log", logs.String(), m.effectiveWidth(), m.theme.logs)
	status := m.renderPanel("Status", m.status, m.effectiveWidth(), m.theme.status)
	help := ""
	if m.showHelp {
		help = m.renderPanel("Help", m.helpBlock(), m.effectiveWidth(), m.theme.help)
	}
	return lipgloss.JoinVertical(lipgloss.Left, head, subhead, quickHelp, main, logPanel, help, status)
}

// Run starts the dashboard program. Stopping the managed clients on exit
// is the caller's responsibility (panel.Close).
func Run(p *panel.Panel) error {
	prog := tea.NewProgram(initialModel(p), tea.WithAltScreen())
	_, err := prog.Run()
	return err
}

func (m modelUI) runningCount() int {
	n := 0
	for _, c := range m.clients {
		if c.Running {
			n++
		}
	}
	return n
}

func stateGlyph(c model.ShortClient) string {
	switch c.State {
	case model.StateConnected:
		return "●"
	case model.StateConnecting, model.StateReconnecting:
		return "◐"
	default:
		return "○"
	}
}

func (m modelUI) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection.",
		"  Start/Stop: s (or Enter) toggles the selected client.",
		"  Add: press a, fill in the form, Enter to save.",
		"  Edit: press e on a selected client (name is fixed).",
		"  Delete: press d, then y to confirm. A running client is stopped first.",
		"  Quit: press q (or Ctrl+C); all running clients are stopped.",
	}, "\n")
}

func (m modelUI) renderMainPanels(listPanel, detailPanel string) string {
	width := m.effectiveWidth()
	if width < 96 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel("Clients", listPanel, width, m.theme.clients),
			m.renderPanel("Details", detailPanel, width, m.theme.details),
		)
	}
	leftWidth := width * 3 / 5
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel("Clients", listPanel, leftWidth, m.theme.clients),
		m.renderPanel("Details", detailPanel, rightWidth, m.theme.details),
	)
}

func (m modelUI) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m modelUI) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(strings.TrimSpace(header + "\n" + content))
}

// theme maps the persisted theme mode to panel accents. Display only.
type theme struct {
	title   lipgloss.Color
	clients lipgloss.Color
	details lipgloss.Color
	logs    lipgloss.Color
	status  lipgloss.Color
	help    lipgloss.Color
}

func themeFor(mode appconfig.ThemeMode) theme {
	if mode == appconfig.ThemeLight {
		return theme{
			title:   lipgloss.Color("25"),
			clients: lipgloss.Color("25"),
			details: lipgloss.Color("29"),
			logs:    lipgloss.Color("94"),
			status:  lipgloss.Color("125"),
			help:    lipgloss.Color("240"),
		}
	}
	return theme{
		title:   lipgloss.Color("39"),
		clients: lipgloss.Color("39"),
		details: lipgloss.Color("69"),
		logs:    lipgloss.Color("63"),
		status:  lipgloss.Color("205"),
		help:    lipgloss.Color("244"),
	}
}
