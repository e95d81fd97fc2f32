package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Bubble Tea messages.

type notificationMsg struct {
	method string
	params json.RawMessage
}

type disconnectedMsg struct{}

type refreshMsg struct{}

type approvalEntry struct {
	TaskID      string    `json:"taskId"`
	ChannelID   string    `json:"channelId"`
	ToolID      string    `json:"toolId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Styles.

var (
	accentColor = lipgloss.Color("#06B6D4")
	mutedColor  = lipgloss.Color("#6B7280")
	okColor     = lipgloss.Color("#10B981")
	errColor    = lipgloss.Color("#EF4444")
	warnColor   = lipgloss.Color("#F59E0B")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(accentColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accentColor)

	approvalsTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(warnColor)

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(warnColor)

	logOK     = lipgloss.NewStyle().Foreground(okColor)
	logErr    = lipgloss.NewStyle().Foreground(errColor)
	logWarn   = lipgloss.NewStyle().Foreground(warnColor)
	logMuted  = lipgloss.NewStyle().Foreground(mutedColor)
	footerHlp = lipgloss.NewStyle().Foreground(mutedColor)
)

// model is the operator console: an event log, the pending-approval
// list, and an input line for sending messages through the gateway.
type model struct {
	client  *gatewayClient
	channel string

	log       viewport.Model
	input     textarea.Model
	lines     []string
	approvals []approvalEntry
	selected  int

	width  int
	height int
	ready  bool
	closed bool
}

func newModel(client *gatewayClient, channel string) model {
	ti := textarea.New()
	ti.Placeholder = "Message the assistant..."
	ti.Focus()
	ti.CharLimit = 4096
	ti.SetHeight(2)
	ti.ShowLineNumbers = false
	ti.KeyMap.InsertNewline.SetEnabled(false)

	return model{client: client, channel: channel, input: ti}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, refreshCmd())
}

func refreshCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg { return refreshMsg{} })
}

func (m *model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > 500 {
		m.lines = m.lines[len(m.lines)-500:]
	}
	if m.ready {
		m.log.SetContent(strings.Join(m.lines, "\n"))
		m.log.GotoBottom()
	}
}

// fetchApprovals polls approval.list; it runs as a tea.Cmd so the UI
// never blocks on the wire.
func (m model) fetchApprovals() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		resp, err := client.Call("approval.list", map[string]any{})
		if err != nil || resp.Error != nil {
			return nil
		}
		var result struct {
			Pending []approvalEntry `json:"pending"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil
		}
		return result.Pending
	}
}

func (m model) grant(approved bool) tea.Cmd {
	if len(m.approvals) == 0 {
		return nil
	}
	entry := m.approvals[m.selected]
	client := m.client
	return func() tea.Msg {
		_, _ = client.Call("approval.grant", map[string]any{
			"taskId": entry.TaskID, "approved": approved,
		})
		return refreshMsg{}
	}
}

func (m model) sendChat(text string) tea.Cmd {
	client := m.client
	channel := m.channel
	return func() tea.Msg {
		_, _ = client.Call("chat.send", map[string]any{
			"agentId": "operator", "userId": "operator", "channelId": channel, "text": text,
		})
		return nil
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		logHeight := m.height - 12
		if logHeight < 4 {
			logHeight = 4
		}
		if !m.ready {
			m.log = viewport.New(m.width-4, logHeight)
			m.ready = true
		} else {
			m.log.Width = m.width - 4
			m.log.Height = logHeight
		}
		m.log.SetContent(strings.Join(m.lines, "\n"))
		m.input.SetWidth(m.width - 6)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.closed = true
			return m, tea.Quit
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.appendLine(logMuted.Render(stamp()) + " you: " + text)
			m.input.Reset()
			return m, m.sendChat(text)
		case "up", "ctrl+p":
			if m.selected > 0 {
				m.selected--
			}
			return m, nil
		case "down", "ctrl+n":
			if m.selected < len(m.approvals)-1 {
				m.selected++
			}
			return m, nil
		case "ctrl+a":
			return m, m.grant(true)
		case "ctrl+d":
			return m, m.grant(false)
		}

	case notificationMsg:
		m.handleNotification(msg)
		return m, m.fetchApprovals()

	case refreshMsg:
		cmds = append(cmds, m.fetchApprovals(), refreshCmd())

	case []approvalEntry:
		m.approvals = msg
		if m.selected >= len(m.approvals) {
			m.selected = 0
		}

	case disconnectedMsg:
		m.appendLine(logErr.Render("gateway connection lost"))
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	if m.ready {
		m.log, cmd = m.log.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func stamp() string {
	return time.Now().Format("15:04:05")
}

func (m *model) handleNotification(n notificationMsg) {
	switch n.method {
	case "chat.response":
		var p struct {
			TaskID    string `json:"taskId"`
			ChannelID string `json:"channelId"`
			Text      string `json:"text"`
			Status    string `json:"status"`
		}
		if err := json.Unmarshal(n.params, &p); err != nil {
			return
		}
		style := logMuted
		switch p.Status {
		case "completed":
			style = logOK
		case "failed":
			style = logErr
		case "pending":
			style = logWarn
		}
		m.appendLine(fmt.Sprintf("%s %s [%s] %s",
			logMuted.Render(stamp()), style.Render(p.Status), p.ChannelID, p.Text))
	case "approval.requested":
		var p struct {
			TaskID string `json:"taskId"`
			ToolID string `json:"toolId"`
		}
		if err := json.Unmarshal(n.params, &p); err != nil {
			return
		}
		m.appendLine(fmt.Sprintf("%s %s tool=%s task=%s",
			logMuted.Render(stamp()), logWarn.Render("approval requested"), p.ToolID, p.TaskID))
	case "approval.resolved":
		var p struct {
			TaskID   string `json:"taskId"`
			Approved bool   `json:"approved"`
		}
		if err := json.Unmarshal(n.params, &p); err != nil {
			return
		}
		verdict := logOK.Render("approved")
		if !p.Approved {
			verdict = logErr.Render("denied")
		}
		m.appendLine(fmt.Sprintf("%s approval %s task=%s",
			logMuted.Render(stamp()), verdict, p.TaskID))
	}
}

func (m model) View() string {
	if !m.ready {
		return "connecting..."
	}

	header := headerStyle.Render(" moonbot gatewayctl ") +
		logMuted.Render("  client "+m.client.clientID)

	logPanel := panelStyle.Width(m.width - 2).Render(m.log.View())

	var approvals strings.Builder
	approvals.WriteString(approvalsTitle.Render(fmt.Sprintf("Pending approvals (%d)", len(m.approvals))))
	approvals.WriteString("\n")
	if len(m.approvals) == 0 {
		approvals.WriteString(logMuted.Render("  none"))
	}
	for i, a := range m.approvals {
		line := fmt.Sprintf("  %s  tool=%s  channel=%s", a.TaskID, a.ToolID, a.ChannelID)
		if i == m.selected {
			line = selectedStyle.Render(line)
		}
		approvals.WriteString(line + "\n")
	}

	footer := footerHlp.Render("enter send · ↑/↓ select · ctrl+a approve · ctrl+d deny · esc quit")

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		logPanel,
		approvals.String(),
		m.input.View(),
		footer,
	)
}
