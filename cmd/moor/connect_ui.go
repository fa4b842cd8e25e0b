package main

import (
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/moorlab/moor/internal/prompt"
)

// Messages exchanged between the surface (orchestrator side) and the model.
type (
	promptRequestMsg struct {
		prompt string
		masked bool
		resp   chan prompt.Response
	}
	statusMsg       struct{ status string }
	errorMsg        struct{ message string }
	openFinishedMsg struct{ err error }
)

// tuiSurface adapts the running bubbletea program to the prompt.Surface
// contract. Requests and display updates are delivered as messages; the
// done channel closes when the program has stopped, resolving outstanding
// requests as abandoned.
type tuiSurface struct {
	prog *tea.Program
	done chan struct{}
	once sync.Once
}

func newTUISurface(prog *tea.Program) *tuiSurface {
	return &tuiSurface{prog: prog, done: make(chan struct{})}
}

func (s *tuiSurface) ShowRequest(promptText string, masked bool) <-chan prompt.Response {
	ch := make(chan prompt.Response, 1)
	s.prog.Send(promptRequestMsg{prompt: promptText, masked: masked, resp: ch})
	return ch
}

func (s *tuiSurface) ShowStatus(status string) { s.prog.Send(statusMsg{status: status}) }
func (s *tuiSurface) ShowError(message string) { s.prog.Send(errorMsg{message: message}) }
func (s *tuiSurface) Done() <-chan struct{}    { return s.done }
func (s *tuiSurface) Close()                   { s.once.Do(func() { close(s.done) }) }

var (
	modalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(64)
	headerStyle = lipgloss.NewStyle().Bold(true)
	metaStyle   = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// connectModel renders the connection modal: a header naming the target, a
// live status line, a terminal error when one occurred, and a single-line
// input whenever a credential request is pending.
type connectModel struct {
	connString string
	nickname   string

	spinner spinner.Model
	input   textinput.Model

	pending *promptRequestMsg
	status  string
	errMsg  string
	closing bool
}

func newConnectModel(connString, nickname string) connectModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	in := textinput.New()
	in.Prompt = "> "
	in.CharLimit = 256

	return connectModel{
		connString: connString,
		nickname:   nickname,
		spinner:    sp,
		input:      in,
	}
}

func (m connectModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m connectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case promptRequestMsg:
		// A new request replaces any unanswered one; the old channel
		// closes without a value so its waiter sees "abandoned".
		if m.pending != nil {
			close(m.pending.resp)
		}
		req := msg
		m.pending = &req
		m.status = ""
		if msg.masked {
			m.input.EchoMode = textinput.EchoPassword
			m.input.EchoCharacter = '•'
		} else {
			m.input.EchoMode = textinput.EchoNormal
		}
		m.input.SetValue("")
		return m, m.input.Focus()

	case statusMsg:
		m.status = msg.status
		return m, nil

	case errorMsg:
		m.errMsg = msg.message
		return m, nil

	case openFinishedMsg:
		m.closing = true
		if msg.err == nil {
			return m, tea.Quit
		}
		// Leave the error on screen; any key dismisses.
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEnter:
			if m.pending != nil {
				m.pending.resp <- prompt.Response{Secret: m.input.Value()}
				close(m.pending.resp)
				m.pending = nil
				m.input.SetValue("")
				m.input.Blur()
				return m, nil
			}
			if m.closing {
				return m, tea.Quit
			}
		case tea.KeyEsc, tea.KeyCtrlC:
			if m.pending != nil {
				close(m.pending.resp)
				m.pending = nil
			}
			return m, tea.Quit
		}
		if m.closing && m.pending == nil {
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m connectModel) View() string {
	header := headerStyle.Render("SSH Connection")
	title := m.connString
	if m.nickname != "" {
		title = m.nickname + " " + metaStyle.Render("("+m.connString+")")
	}

	lines := []string{header + "  " + title}
	switch {
	case m.errMsg != "":
		lines = append(lines, errorStyle.Render("✗ "+m.errMsg))
	case m.status != "":
		lines = append(lines, m.spinner.View()+" "+m.status)
	default:
		lines = append(lines, m.spinner.View()+" connecting")
	}
	if m.pending != nil {
		lines = append(lines, m.pending.prompt, m.input.View())
	}
	if m.errMsg != "" {
		lines = append(lines, metaStyle.Render("press enter to close"))
	}

	return modalStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)) + "\n"
}
