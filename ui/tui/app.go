// Package tui shows the stage progress of a closurizer run in the terminal.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"closurizer/internal/output"
	"closurizer/ui/console"
)

type stageState int

const (
	statePending stageState = iota
	stateRunning
	stateDone
	stateFailed
)

// Messages
type StageMsg struct {
	Stage string
	Done  bool
}

type FinishedMsg struct {
	Report *output.Report
	Err    error
}

type TickMsg time.Time

// ProgressModel is the Bubble Tea model of a running pipeline.
type ProgressModel struct {
	stages  []string
	states  map[string]stageState
	spinner spinner.Model
	cancel  context.CancelFunc

	started time.Time
	elapsed time.Duration

	report   *output.Report
	err      error
	finished bool
}

// NewProgressModel tracks the pipeline stages in run order. cancel is called
// when the user interrupts the run.
func NewProgressModel(cancel context.CancelFunc) *ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(console.Highlight)

	stages := []string{output.StageLoad, output.StageAggregate, output.StageEnrich, output.StageMaterialize}
	states := make(map[string]stageState, len(stages))
	for _, st := range stages {
		states[st] = statePending
	}
	return &ProgressModel{
		stages:  stages,
		states:  states,
		spinner: s,
		cancel:  cancel,
		started: time.Now(),
	}
}

func (m *ProgressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m *ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			if m.cancel != nil {
				m.cancel()
			}
			m.err = context.Canceled
			m.failRunning()
			m.finished = true
			return m, tea.Quit
		}
		return m, nil

	case StageMsg:
		if _, ok := m.states[msg.Stage]; ok {
			m.states[msg.Stage] = stateRunning
			if msg.Done {
				m.states[msg.Stage] = stateDone
			}
		}
		return m, nil

	case FinishedMsg:
		m.report, m.err = msg.Report, msg.Err
		if msg.Err != nil {
			m.failRunning()
		}
		m.finished = true
		m.elapsed = time.Since(m.started)
		return m, tea.Quit

	case TickMsg:
		if m.finished {
			return m, nil
		}
		m.elapsed = time.Since(m.started)
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *ProgressModel) failRunning() {
	for st, state := range m.states {
		if state == stateRunning {
			m.states[st] = stateFailed
		}
	}
}

func (m *ProgressModel) View() string {
	var b strings.Builder
	b.WriteString(console.TitleStyle.Render("■ CLOSURIZER"))
	fmt.Fprintf(&b, " %s\n", console.NoteStyle.Render(m.elapsed.Round(100*time.Millisecond).String()))

	for _, st := range m.stages {
		var mark string
		switch m.states[st] {
		case stateRunning:
			mark = m.spinner.View()
		case stateDone:
			mark = lipgloss.NewStyle().Foreground(console.Special).Render("✓")
		case stateFailed:
			mark = lipgloss.NewStyle().Foreground(console.Danger).Render("✗")
		default:
			mark = console.LeaderStyle.Render("·")
		}
		fmt.Fprintf(&b, "  %s %s\n", mark, st)
	}
	if m.finished && m.err != nil {
		fmt.Fprintf(&b, "\n%s\n", m.err)
	}
	return b.String()
}

// Run executes run while rendering its stage progress to out. It returns once
// run has returned, also when the user interrupts.
func Run(ctx context.Context, out io.Writer, run func(ctx context.Context, progress output.Progress) (*output.Report, error)) (*output.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := NewProgressModel(cancel)
	p := tea.NewProgram(m, tea.WithOutput(out), tea.WithContext(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		report, err := run(ctx, func(stage string, finished bool) {
			p.Send(StageMsg{Stage: stage, Done: finished})
		})
		p.Send(FinishedMsg{Report: report, Err: err})
	}()

	_, runErr := p.Run()
	cancel()
	<-done
	if m.err == nil && runErr != nil && !m.finished {
		return nil, runErr
	}
	return m.report, m.err
}
