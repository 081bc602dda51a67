package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"skald/cli/style"
)

var watchCmd = &cobra.Command{
	Use:   "watch <deployment-id>",
	Short: "Follow a deployment live",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	p := tea.NewProgram(newWatchModel(args[0]), tea.WithOutput(cmd.OutOrStdout()))
	final, err := p.Run()
	if err != nil {
		return err
	}
	if wm := final.(watchModel); wm.failed {
		return fmt.Errorf("deployment %s", wm.status)
	}
	return nil
}

// --- Messages ---

type wsEvent struct {
	Type       string            `json:"type"`
	Deployment string            `json:"deployment"`
	Payload    map[string]string `json:"payload"`
}

type watchStarted struct{ ch chan tea.Msg }

type stepUpdate struct {
	step    string
	attempt string
	status  string
}

type retryScheduled struct {
	next  string
	delay string
	err   string
}

type deployFinished struct{ status string }

type wsError struct{ err error }

// --- Model ---

type stepLine struct {
	step    string
	attempt string
	status  string // running | complete | failed
}

type watchModel struct {
	id        string
	spinner   spinner.Model
	lines     []stepLine
	status    string // connecting | running | retrying | succeeded | failed | gave_up
	note      string
	failed    bool
	startTime time.Time
	eventCh   chan tea.Msg
}

func newWatchModel(id string) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = style.StepRunning
	return watchModel{
		id:        id,
		spinner:   s,
		status:    "connecting",
		startTime: time.Now(),
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, connectAndWatch(m.id))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case watchStarted:
		m.status = "running"
		m.eventCh = msg.ch
		return m, waitForEvent(m.eventCh)

	case stepUpdate:
		m.status = "running"
		m.note = ""
		m.setStep(msg)
		return m, waitForEvent(m.eventCh)

	case retryScheduled:
		m.status = "retrying"
		m.note = fmt.Sprintf("attempt %s in %s: %s", msg.next, msg.delay, msg.err)
		return m, waitForEvent(m.eventCh)

	case deployFinished:
		m.status = msg.status
		m.failed = msg.status != "succeeded"
		return m, tea.Quit

	case wsError:
		m.status = "failed"
		m.note = msg.err.Error()
		m.failed = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *watchModel) setStep(u stepUpdate) {
	for i := range m.lines {
		if m.lines[i].step == u.step && m.lines[i].attempt == u.attempt {
			m.lines[i].status = u.status
			return
		}
	}
	m.lines = append(m.lines, stepLine{step: u.step, attempt: u.attempt, status: u.status})
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(style.Title.Render("deployment " + shortID(m.id)))
	b.WriteString("\n\n")

	for _, l := range m.lines {
		name := fmt.Sprintf("%-9s", l.step)
		attempt := style.DimText.Render("#" + l.attempt)
		switch l.status {
		case "running":
			fmt.Fprintf(&b, "  %s %s %s\n", style.StepRunning.Render(name), attempt, m.spinner.View())
		case "complete":
			fmt.Fprintf(&b, "  %s %s %s\n", style.StepDone.Render(name), attempt, style.StepDone.Render("✓"))
		default:
			fmt.Fprintf(&b, "  %s %s %s\n", style.StepFailed.Render(name), attempt, style.StepFailed.Render("✗"))
		}
	}

	elapsed := time.Since(m.startTime).Round(time.Second)
	switch m.status {
	case "connecting":
		b.WriteString(m.spinner.View() + style.DimText.Render(" connecting..."))
	case "running":
		b.WriteString(m.spinner.View() + style.DimText.Render(fmt.Sprintf(" running (%s)", elapsed)))
	case "retrying":
		b.WriteString(style.Icon("deploy.retrying") + " " + style.Warning.Render(m.note))
	default:
		line := style.Status(m.status)
		if m.note != "" {
			line += " " + style.DimText.Render(m.note)
		}
		b.WriteString(line)
	}
	b.WriteString("\n")
	return b.String()
}

// --- Commands ---

// connectAndWatch subscribes to the hub before reading the current status
// so no transition between the two is missed.
func connectAndWatch(id string) tea.Cmd {
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.Dial(client.WebSocketURL(), client.WebSocketHeader())
		if err != nil {
			return wsError{err: fmt.Errorf("websocket connect: %w", err)}
		}

		d, err := client.GetDeployment(id)
		if err != nil {
			conn.Close()
			return wsError{err: err}
		}
		if d.Terminal() {
			conn.Close()
			return deployFinished{status: d.Status}
		}

		ch := make(chan tea.Msg, 32)
		go func() {
			defer conn.Close()
			defer close(ch)
			for {
				_, message, err := conn.ReadMessage()
				if err != nil {
					ch <- wsError{err: fmt.Errorf("websocket read: %w", err)}
					return
				}
				msg, ok := decodeEvent(message, id)
				if !ok {
					continue
				}
				ch <- msg
				if _, done := msg.(deployFinished); done {
					return
				}
			}
		}()
		return watchStarted{ch: ch}
	}
}

// decodeEvent maps a hub event for deployment id to a model message.
func decodeEvent(raw []byte, id string) (tea.Msg, bool) {
	var evt wsEvent
	if err := json.Unmarshal(raw, &evt); err != nil || evt.Deployment != id {
		return nil, false
	}
	switch evt.Type {
	case "deploy.step":
		return stepUpdate{step: evt.Payload["step"], attempt: evt.Payload["attempt"], status: evt.Payload["status"]}, true
	case "deploy.retrying":
		return retryScheduled{next: evt.Payload["nextAttempt"], delay: evt.Payload["delay"], err: evt.Payload["error"]}, true
	case "deploy.succeeded", "deploy.failed", "deploy.gave_up":
		return deployFinished{status: strings.TrimPrefix(evt.Type, "deploy.")}, true
	}
	return nil, false
}

func waitForEvent(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return wsError{err: fmt.Errorf("event stream closed")}
		}
		return msg
	}
}
