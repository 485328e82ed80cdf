package watch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tidemill/keel/internal/events"
)

// Counters tallies record and task outcomes observed on the event feed.
type Counters struct {
	Processed int
	Rejected  int
	Skipped   int
	Tasks     int
	TaskFails int
}

// Model is the bubbletea model for the watch TUI.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	phase     string
	cursor    int64
	uptime    int64
	connected bool

	counters  Counters
	eventLog  []events.Event
	blacklist table.Model

	ticker Ticker
	pulse  Pulse
	theme  Theme

	feed      chan events.Event
	lastError string
}

// New creates a watch model pointed at the daemon's ops API.
func New(apiURL, token string) *Model {
	columns := []table.Column{
		{Title: "Process Instance", Width: 20},
	}
	bl := table.New(
		table.WithColumns(columns),
		table.WithHeight(6),
		table.WithFocused(false),
	)
	return &Model{
		apiURL:    apiURL,
		token:     token,
		phase:     "connecting",
		feed:      make(chan events.Event, 100),
		blacklist: bl,
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.token, m.feed),
		receiveNextEvent(m.feed),
		func() tea.Msg { return fetchStatus(m.apiURL, m.token) },
		func() tea.Msg { return fetchBlacklist(m.apiURL, m.token) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.blacklist, cmd = m.blacklist.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.pulse.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}
		m.pulse.OnEvent()
		m.connected = true
		m.lastError = ""
		m.applyEvent(e)

		cmds := []tea.Cmd{receiveNextEvent(m.feed)}
		if e.Type == events.TypeBlacklisted {
			cmds = append(cmds, func() tea.Msg { return fetchBlacklist(m.apiURL, m.token) })
		}
		return m, tea.Batch(cmds...)

	case statusMsg:
		m.phase = msg.Phase
		m.cursor = msg.Cursor
		m.uptime = msg.UptimeSeconds
		m.connected = true
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.token)
		})

	case blacklistMsg:
		rows := make([]table.Row, 0, len(msg.Entries))
		for _, key := range msg.Entries {
			rows = append(rows, table.Row{strconv.FormatInt(key, 10)})
		}
		m.blacklist.SetRows(rows)

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.token, m.feed)

	case errMsg:
		m.lastError = msg.Error()
		m.connected = false
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.token)
		})
	}

	return m, nil
}

func (m *Model) applyEvent(e events.Event) {
	switch e.Type {
	case events.TypeRecordHandled:
		m.counters.Processed++
	case events.TypeRecordRejected:
		m.counters.Rejected++
	case events.TypeRecordSkipped:
		m.counters.Skipped++
	case events.TypeTaskExecuted:
		m.counters.Tasks++
	case events.TypeTaskFailed:
		m.counters.Tasks++
		m.counters.TaskFails++
	case events.TypePhaseChanged:
		var data struct {
			Phase string `json:"phase"`
		}
		_ = json.Unmarshal(e.Data, &data)
		if data.Phase != "" {
			m.phase = data.Phase
		}
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to keel..."
	}

	header := m.renderHeader()
	counters := m.renderCounters()
	blacklist := m.renderBlacklist()
	stream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(" " + m.lastError)
	}

	help := m.theme.Dim.Render(" q: quit")

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		lipgloss.JoinHorizontal(lipgloss.Top, counters, blacklist),
		stream,
		errBar,
		help,
	)
}

func (m Model) renderHeader() string {
	innerWidth := m.width - 4

	var phaseStyled string
	switch m.phase {
	case "processing":
		phaseStyled = m.theme.StatusOK.Render(strings.ToUpper(m.phase))
	case "paused":
		phaseStyled = m.theme.StatusPaused.Render(strings.ToUpper(m.phase))
	case "replaying":
		phaseStyled = m.theme.StatusRunning.Render(strings.ToUpper(m.phase))
	default:
		phaseStyled = m.theme.StatusFailed.Render(strings.ToUpper(m.phase))
	}
	if !m.connected {
		phaseStyled = m.theme.StatusFailed.Render("DISCONNECTED")
	}

	tickerStr := m.theme.Highlight.Render(m.ticker.Current())
	clock := m.theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" KEEL WATCH %s", tickerStr)

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  ⏱ %s  cursor: %d", phaseStyled, formatDuration(time.Duration(m.uptime)*time.Second), m.cursor)
	activityLine := fmt.Sprintf(" activity %s", m.pulse.Render(m.theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return m.theme.Border.Width(innerWidth).Render(content)
}

func (m Model) renderCounters() string {
	width := m.width/2 - 4
	lines := []string{
		m.theme.Title.Render("RECORDS"),
		fmt.Sprintf("  processed %s", m.theme.StatusOK.Render(strconv.Itoa(m.counters.Processed))),
		fmt.Sprintf("  rejected  %s", m.theme.StatusFailed.Render(strconv.Itoa(m.counters.Rejected))),
		fmt.Sprintf("  skipped   %s", m.theme.Dim.Render(strconv.Itoa(m.counters.Skipped))),
		fmt.Sprintf("  tasks     %s (%d failed)", m.theme.Highlight.Render(strconv.Itoa(m.counters.Tasks)), m.counters.TaskFails),
	}
	return m.theme.Border.Width(width).Render(strings.Join(lines, "\n"))
}

func (m Model) renderBlacklist() string {
	width := m.width/2 - 4
	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("BLACKLIST"),
		m.blacklist.View(),
	)
	return m.theme.Border.Width(width).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
