package report

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/analysis"
)

// maxFaultLines bounds the faults listed below the progress bar.
const maxFaultLines = 5

// Progress shows analyzer runs as they happen on a terminal.
type Progress struct {
	program  *tea.Program
	model    *progressModel
	mu       sync.Mutex
	finished bool
	done     chan struct{}
}

// NewProgress creates a progress display for about total analyzer runs.
func NewProgress(w io.Writer, total int, styles *Styles) *Progress {
	model := newProgressModel(total, styles)

	opts := []tea.ProgramOption{
		tea.WithOutput(w),
		tea.WithoutSignalHandler(),
	}

	// Only use input if we have a TTY
	if !Interactive(w) {
		opts = append(opts, tea.WithInput(nil))
	}

	return &Progress{
		program: tea.NewProgram(model, opts...),
		model:   model,
		done:    make(chan struct{}),
	}
}

// Start begins the event loop. Call this before analysis starts.
func (p *Progress) Start() {
	go func() {
		defer close(p.done)

		_, _ = p.program.Run()
	}()
}

// Observe sends a run event to the display. It is safe to pass as an
// analysis observer.
func (p *Progress) Observe(ev analysis.RunEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return
	}

	p.program.Send(runMsg(ev))
}

// Finish stops the display and waits for it to clear.
func (p *Progress) Finish() {
	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()

	p.program.Send(doneMsg{})
	<-p.done
}

// Interrupted reports whether the user quit the display early.
func (p *Progress) Interrupted() bool {
	<-p.done

	return p.model.interrupted
}

// -----------------------------------------------------------------------------
// Model
// -----------------------------------------------------------------------------

type (
	runMsg  analysis.RunEvent
	doneMsg struct{}
)

type runKey struct {
	doc      crawler.DocumentID
	analyzer crawler.AnalyzerID
}

type progressModel struct {
	styles  *Styles
	spinner spinner.Model

	total    int
	running  map[runKey]struct{}
	outcomes map[analysis.Outcome]int
	current  crawler.DocumentID
	faults   []string

	width       int
	done        bool
	interrupted bool
}

func newProgressModel(total int, styles *Styles) *progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.Running

	return &progressModel{
		styles:   styles,
		spinner:  s,
		total:    total,
		running:  make(map[runKey]struct{}),
		outcomes: make(map[analysis.Outcome]int),
		width:    80,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) { //nolint:ireturn // bubbletea.Model interface required by tea.Program
	switch msg := msg.(type) {
	case runMsg:
		m.handle(analysis.RunEvent(msg))

	case doneMsg:
		m.done = true

		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.interrupted = true
			m.done = true

			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd

		m.spinner, cmd = m.spinner.Update(msg)

		return m, cmd
	}

	return m, nil
}

func (m *progressModel) handle(ev analysis.RunEvent) {
	k := runKey{ev.Document, ev.Analyzer}

	if ev.Outcome == analysis.OutcomeRunning {
		m.running[k] = struct{}{}
		m.current = ev.Document

		return
	}

	delete(m.running, k)
	m.outcomes[ev.Outcome]++

	if ev.Outcome == analysis.OutcomeFaulted {
		line := fmt.Sprintf("%s on %s", ev.Analyzer, ev.Document)
		if ev.Err != nil {
			line += ": " + ev.Err.Error()
		}

		m.faults = append(m.faults, line)
		if len(m.faults) > maxFaultLines {
			m.faults = m.faults[len(m.faults)-maxFaultLines:]
		}
	}
}

func (m *progressModel) finishedRuns() int {
	n := 0
	for _, c := range m.outcomes {
		n += c
	}

	return n
}

func (m *progressModel) View() string {
	if m.done {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.spinner.View())
	b.WriteString(" ")
	b.WriteString(m.styles.Bold.Render("Analyzing"))

	if m.current != "" {
		b.WriteString(" ")
		b.WriteString(m.styles.Muted.Render(string(m.current)))
	}

	b.WriteString("\n")
	b.WriteString(m.renderProgress())
	b.WriteString("\n")

	for _, f := range m.faults {
		b.WriteString(m.styles.Error.Render(m.styles.SymbolFault + " " + f))
		b.WriteString("\n")
	}

	return b.String()
}

func (m *progressModel) renderProgress() string {
	done := m.finishedRuns()

	width := max(m.width-40, 10)

	filled := 0
	if m.total > 0 {
		filled = min(done*width/m.total, width)
	}

	fullChar, emptyChar := ProgressChars()

	bar := m.styles.ProgressFilled.Render(strings.Repeat(fullChar, filled)) +
		m.styles.ProgressEmpty.Render(strings.Repeat(emptyChar, width-filled))

	counts := fmt.Sprintf(" %d/%d  %d running", done, m.total, len(m.running))
	if n := m.outcomes[analysis.OutcomeFaulted]; n > 0 {
		counts += fmt.Sprintf(", %d faulted", n)
	}

	return bar + m.styles.Dim.Render(counts)
}
