package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUI message types
type StreamLineMsg struct{ Text string }
type ChunkMsg struct {
	Seq   int
	EndMs int64
}
type TranscriptMsg struct {
	Seq  int
	Text string
}
type ErrorLineMsg struct{ Text string }
type UpdateAvailableMsg struct{ Version string }
type tickMsg time.Time

// sessionView seeds the model with what is known before the program starts.
type sessionView struct {
	title        string
	path         string
	startedAt    time.Time
	transcribing bool
}

type tuiModel struct {
	view          sessionView
	frame         int
	width, height int

	streams       []string // most recent stream status lines
	chunkSeq      int
	chunkEndMs    int64
	transcript    string // last transcript text
	transcripts   int
	errLine       string
	updateVersion string
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

var (
	recStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	recDimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("88")).Bold(true)
	titleStyle      = lipgloss.NewStyle().Bold(true)
	pathStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	transcriptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Italic(true)
	errStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	helpStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpBoldStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
)

func NewTUIProgram(view sessionView) *tea.Program {
	m := tuiModel{view: view}
	return tea.NewProgram(m, tea.WithAltScreen())
}

// tuiSend delivers a message to the status view when one is running.
func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()

	if p != nil {
		p.Send(msg)
	}
}

func tuiTick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case StreamLineMsg:
		m.streams = append(m.streams, msg.Text)
		if len(m.streams) > 3 {
			m.streams = m.streams[len(m.streams)-3:]
		}

	case ChunkMsg:
		m.chunkSeq = msg.Seq
		m.chunkEndMs = msg.EndMs

	case TranscriptMsg:
		m.transcripts++
		m.transcript = msg.Text

	case ErrorLineMsg:
		m.errLine = msg.Text

	case UpdateAvailableMsg:
		m.updateVersion = msg.Version
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	dot := recStyle.Render("●")
	if m.frame%4 >= 2 {
		dot = recDimStyle.Render("●")
	}
	elapsed := fmtElapsed(time.Since(m.view.startedAt))

	var lines []string
	lines = append(lines,
		fmt.Sprintf("%s %s  %s", dot, recStyle.Render("REC "+elapsed), titleStyle.Render(m.view.title)),
		pathStyle.Render("→ "+m.view.path),
		"")

	for _, s := range m.streams {
		lines = append(lines, dimStyle.Render(s))
	}
	if len(m.streams) > 0 {
		lines = append(lines, "")
	}

	if m.chunkSeq > 0 {
		captured := fmtElapsed(time.Duration(m.chunkEndMs) * time.Millisecond)
		lines = append(lines, dimStyle.Render(fmt.Sprintf("chunks: %d (%s captured)", m.chunkSeq, captured)))
	}

	if m.view.transcribing {
		switch {
		case m.transcripts == 0:
			lines = append(lines, dimStyle.Render("transcript: waiting..."))
		default:
			width := m.width - 6
			if width > 76 {
				width = 76
			}
			for i, l := range wrapText(m.transcript, width) {
				prefix := fmt.Sprintf("transcript %d: ", m.transcripts)
				if i > 0 {
					prefix = strings.Repeat(" ", len(prefix))
				}
				lines = append(lines, dimStyle.Render(prefix)+transcriptStyle.Render(l))
			}
		}
	}

	if m.errLine != "" {
		lines = append(lines, errStyle.Render("⚠ "+m.errLine))
	}

	lines = append(lines, "",
		helpBoldStyle.Render("q")+helpStyle.Render(" or ")+helpBoldStyle.Render("Ctrl+C")+helpStyle.Render(" to stop"),
		helpStyle.Render("scribe "+version))
	if m.updateVersion != "" {
		lines = append(lines, helpStyle.Render("update available: "+m.updateVersion+" (run: scribe update)"))
	}

	return lipgloss.NewStyle().Padding(1, 2).Render(strings.Join(lines, "\n")) + "\n"
}

func fmtElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	min := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, min, sec)
	}
	return fmt.Sprintf("%02d:%02d", min, sec)
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
