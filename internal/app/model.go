package app

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"parley/internal/logging"
	"parley/internal/run"
	"parley/internal/types"
)

const tickInterval = 100 * time.Millisecond

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	stateStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	statusBarStyle = lipgloss.NewStyle().Faint(true)
	errorBarStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	hintBarStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

type tickMsg time.Time

type opDoneMsg struct {
	err error
}

type Model struct {
	driver *run.Driver
	log    logging.Logger

	viewport viewport.Model
	input    textarea.Model
	spin     spinner.Model

	width  int
	height int
	ready  bool

	feedbackMode bool
	busy         bool
	status       string
	fingerprint  string
	snapshot     run.Snapshot
}

func newModel(driver *run.Driver, log logging.Logger) *Model {
	input := textarea.New()
	input.Placeholder = "Describe what the agent should do…"
	input.ShowLineNumbers = false
	input.CharLimit = 0
	input.SetHeight(3)
	input.Focus()

	spin := spinner.New(spinner.WithSpinner(spinner.MiniDot))

	return &Model{
		driver:   driver,
		log:      log,
		input:    input,
		spin:     spin,
		snapshot: driver.Snapshot(),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spin.Tick, tickCmd())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.refreshSnapshot()
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case opDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.status = errorBarStyle.Render(msg.err.Error())
		}
		m.refreshSnapshot()
		return m, nil

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.driver.Close()
		return m, tea.Quit

	case "esc":
		if m.feedbackMode {
			m.feedbackMode = false
			m.input.Placeholder = "Describe what the agent should do…"
			m.input.Reset()
			return m, nil
		}
		m.driver.Close()
		return m, tea.Quit

	case "enter":
		return m.submit()

	case "ctrl+a":
		return m.approve()

	case "ctrl+f":
		if pendingApprovalID(m.snapshot.Messages) != "" {
			m.feedbackMode = true
			m.input.Placeholder = "Feedback for the agent (enter to send, esc to go back)…"
			m.input.Focus()
		}
		return m, nil

	case "ctrl+x":
		return m.cancel()

	case "ctrl+r":
		return m.retry()

	case "ctrl+y":
		if text := lastAssistantText(m.snapshot.Messages); text != "" {
			if err := copyTextToClipboard(text); err != nil {
				m.status = errorBarStyle.Render(err.Error())
			} else {
				m.status = statusBarStyle.Render("reply copied")
			}
		}
		return m, nil

	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.busy {
		return m, nil
	}

	if m.feedbackMode {
		messageID := pendingApprovalID(m.snapshot.Messages)
		if messageID == "" {
			m.feedbackMode = false
			return m, nil
		}
		m.feedbackMode = false
		m.input.Placeholder = "Describe what the agent should do…"
		m.input.Reset()
		return m.dispatch(func(driver *run.Driver) error {
			return driver.Feedback(context.Background(), messageID, text)
		})
	}

	if m.snapshot.Streaming || !m.snapshot.State.Quiescent() {
		m.status = errorBarStyle.Render("a run is already active; wait for it to pause or finish")
		return m, nil
	}
	m.input.Reset()
	return m.dispatch(func(driver *run.Driver) error {
		return driver.Send(context.Background(), text)
	})
}

func (m *Model) approve() (tea.Model, tea.Cmd) {
	messageID := pendingApprovalID(m.snapshot.Messages)
	if messageID == "" || m.busy {
		return m, nil
	}
	return m.dispatch(func(driver *run.Driver) error {
		return driver.Approve(context.Background(), messageID)
	})
}

func (m *Model) cancel() (tea.Model, tea.Cmd) {
	messageID := pendingApprovalID(m.snapshot.Messages)
	if messageID == "" || m.busy {
		return m, nil
	}
	return m.dispatch(func(driver *run.Driver) error {
		return driver.Cancel(context.Background(), messageID)
	})
}

func (m *Model) retry() (tea.Model, tea.Cmd) {
	messageID := retryableID(m.snapshot.Messages)
	if messageID == "" || m.busy {
		return m, nil
	}
	return m.dispatch(func(driver *run.Driver) error {
		return driver.Retry(context.Background(), messageID)
	})
}

// dispatch runs one workflow operation off the UI goroutine. The driver
// serializes internally; busy only debounces the keyboard.
func (m *Model) dispatch(op func(*run.Driver) error) (tea.Model, tea.Cmd) {
	m.busy = true
	m.status = ""
	driver := m.driver
	return m, func() tea.Msg {
		return opDoneMsg{err: op(driver)}
	}
}

func (m *Model) refreshSnapshot() {
	snapshot := m.driver.Snapshot()
	fingerprint := transcriptFingerprint(snapshot)
	m.snapshot = snapshot
	if fingerprint == m.fingerprint || !m.ready {
		return
	}
	m.fingerprint = fingerprint
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(renderTranscript(snapshot.Messages, m.viewport.Width))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	inputHeight := 3
	chrome := 4 // header, progress, hint, status
	viewportHeight := height - inputHeight - chrome
	if viewportHeight < 3 {
		viewportHeight = 3
	}

	if !m.ready {
		m.viewport = viewport.New(width, viewportHeight)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = viewportHeight
	}
	m.input.SetWidth(width)

	m.fingerprint = ""
	m.refreshSnapshot()
}

func (m *Model) View() string {
	if !m.ready {
		return "loading…"
	}

	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(renderProgress(m.snapshot, m.spin.View()))
	b.WriteString("\n")
	b.WriteString(m.hintView())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.statusView())
	return b.String()
}

func (m *Model) headerView() string {
	title := headerStyle.Render("parley")
	thread := m.snapshot.ThreadID
	if thread == "" {
		thread = "new thread"
	}
	return truncateLine(title+" "+stateStyle.Render(thread+" · "+string(m.snapshot.State)), m.width)
}

func (m *Model) hintView() string {
	switch {
	case m.feedbackMode:
		return hintBarStyle.Render("feedback mode: enter to send, esc to go back")
	case retryableID(m.snapshot.Messages) != "":
		return hintBarStyle.Render("last action timed out · ctrl+r retry · ctrl+a approve · ctrl+f feedback · ctrl+x cancel")
	case m.snapshot.State == types.RunAwaitingApproval && pendingApprovalID(m.snapshot.Messages) != "":
		return hintBarStyle.Render("decision needed · ctrl+a approve · ctrl+f feedback · ctrl+x cancel")
	default:
		return statusBarStyle.Render("enter send · ctrl+y copy reply · ctrl+c quit")
	}
}

func (m *Model) statusView() string {
	if m.status != "" {
		return truncateLine(m.status, m.width)
	}
	return ""
}

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
