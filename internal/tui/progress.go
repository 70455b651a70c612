// Package tui shows live gate progress in the terminal.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lucasnoah/qualitygate/internal/pipeline"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	passStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

type rowState int

const (
	rowRunning rowState = iota
	rowPassed
	rowFailed
	rowAdvisory
	rowAborted
)

type row struct {
	run     string // gate or gate/entry
	stage   string
	state   rowState
	started time.Time
	elapsed time.Duration
	detail  string
}

type stageStartedMsg struct {
	run   string
	stage string
	at    time.Time
}

type stageFinishedMsg struct {
	run string
	res pipeline.StageResult
}

type runFinishedMsg struct {
	run     string
	outcome pipeline.Outcome
}

type doneMsg struct{}

// Model renders one row per executed stage across every running entry.
type Model struct {
	title    string
	spinner  spinner.Model
	rows     []row
	outcomes map[string]pipeline.Outcome
	order    []string
	now      func() time.Time
	done     bool
}

// NewModel creates a progress model.
func NewModel(title string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return Model{
		title:    title,
		spinner:  s,
		outcomes: map[string]pipeline.Outcome{},
		now:      time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Interrupts are delivered as signals to the whole process; the
		// model only stops drawing.
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case stageStartedMsg:
		m.track(msg.run)
		m.rows = append(m.rows, row{run: msg.run, stage: msg.stage, state: rowRunning, started: msg.at})
	case stageFinishedMsg:
		for i := len(m.rows) - 1; i >= 0; i-- {
			r := &m.rows[i]
			if r.run != msg.run || r.stage != msg.res.Name || r.state != rowRunning {
				continue
			}
			r.elapsed = msg.res.Duration
			r.detail = msg.res.Summary
			if msg.res.Reason != "" {
				r.detail = msg.res.Reason
			}
			switch {
			case msg.res.Aborted:
				r.state = rowAborted
			case msg.res.Passed():
				r.state = rowPassed
			case !msg.res.Fatal:
				r.state = rowAdvisory
			default:
				r.state = rowFailed
			}
			break
		}
	case runFinishedMsg:
		m.track(msg.run)
		m.outcomes[msg.run] = msg.outcome
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) track(run string) {
	for _, r := range m.order {
		if r == run {
			return
		}
	}
	m.order = append(m.order, run)
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n")
	multi := len(m.order) > 1
	for _, r := range m.rows {
		var tag string
		switch r.state {
		case rowRunning:
			tag = m.spinner.View()
		case rowPassed:
			tag = passStyle.Render("✓")
		case rowFailed:
			tag = failStyle.Render("✗")
		case rowAdvisory:
			tag = warnStyle.Render("!")
		case rowAborted:
			tag = pendingStyle.Render("-")
		}
		name := r.stage
		if multi {
			name = r.run + " " + r.stage
		}
		elapsed := r.elapsed
		if r.state == rowRunning {
			elapsed = m.now().Sub(r.started)
		}
		line := fmt.Sprintf(" %s %s %s", tag, name, detailStyle.Render(elapsed.Round(100*time.Millisecond).String()))
		if r.detail != "" && r.state != rowPassed {
			line += detailStyle.Render("  " + r.detail)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	for _, run := range m.order {
		out, ok := m.outcomes[run]
		if !ok {
			continue
		}
		switch out.Status {
		case pipeline.StatusPass:
			b.WriteString(passStyle.Render(run + ": pass"))
		case pipeline.StatusFail:
			b.WriteString(failStyle.Render(run + ": rejected at " + out.Stage))
		default:
			b.WriteString(pendingStyle.Render(run + ": aborted"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Observer forwards engine events to a running program. It is safe to share
// across matrix entries.
type Observer struct {
	mu sync.Mutex
	p  *tea.Program
}

func runLabel(run *pipeline.Run) string {
	if run.Entry == "" {
		return run.Gate
	}
	return run.Gate + "/" + run.Entry
}

func (o *Observer) send(msg tea.Msg) {
	o.mu.Lock()
	p := o.p
	o.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func (o *Observer) StageStarted(run *pipeline.Run, index int, st pipeline.Stage) {
	o.send(stageStartedMsg{run: runLabel(run), stage: st.Name, at: time.Now()})
}

func (o *Observer) StageFinished(run *pipeline.Run, res pipeline.StageResult) {
	o.send(stageFinishedMsg{run: runLabel(run), res: res})
}

func (o *Observer) RunFinished(run *pipeline.Run) {
	o.send(runFinishedMsg{run: runLabel(run), outcome: run.Outcome})
}

// Run draws progress to out while work executes. The observer handed to
// work must be registered with every engine whose progress should show.
// Run returns once both work and the program have finished.
func Run(ctx context.Context, out io.Writer, title string, work func(obs *Observer) error) error {
	obs := &Observer{}
	p := tea.NewProgram(NewModel(title),
		tea.WithContext(ctx),
		tea.WithOutput(out),
		tea.WithInput(nil),
	)
	obs.mu.Lock()
	obs.p = p
	obs.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		err := work(obs)
		p.Send(doneMsg{})
		errc <- err
	}()

	_, uiErr := p.Run()
	workErr := <-errc
	if workErr != nil {
		return workErr
	}
	if uiErr != nil && ctx.Err() == nil {
		return fmt.Errorf("progress display: %w", uiErr)
	}
	return nil
}
