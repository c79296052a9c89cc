package main

import (
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	xansi "github.com/charmbracelet/x/ansi"
	"github.com/revgate/revgate/internal/storage"
	"github.com/spf13/cobra"
)

// ClipboardWriter abstracts the system clipboard so tests can stub it
// out, grounded on the teacher's own realClipboard/ClipboardWriter seam.
type ClipboardWriter interface {
	WriteText(text string) error
}

type systemClipboard struct{}

func (systemClipboard) WriteText(text string) error { return clipboard.WriteAll(text) }

var tuiClipboard ClipboardWriter = systemClipboard{}

var (
	tuiTitleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "125", Dark: "205"})
	tuiSelectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "127", Dark: "212"})
	tuiHelpStyle     = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "242", Dark: "246"})
)

func tuiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Browse review tasks interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(daemonAddr)
			tasks, err := client.reviews("", "", 100)
			if err != nil {
				return err
			}
			m := newTuiModel(client, tasks)
			_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}
}

type tuiView int

const (
	viewList tuiView = iota
	viewDetail
)

type tuiModel struct {
	client    *apiClient
	tasks     []*storage.Task
	cursor    int
	view      tuiView
	detail    string
	detailRaw string
	clipMsg   string
	width     int
	renderer  *glamour.TermRenderer
	err       error
}

func newTuiModel(client *apiClient, tasks []*storage.Task) tuiModel {
	renderer, _ := newRenderer(0)
	return tuiModel{client: client, tasks: tasks, renderer: renderer}
}

func (m tuiModel) Init() tea.Cmd { return nil }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if sizeMsg, ok := msg.(tea.WindowSizeMsg); ok {
		m.width = sizeMsg.Width
		if m.renderer != nil {
			if r, err := newRenderer(sizeMsg.Width); err == nil {
				m.renderer = r
			}
		}
		return m, nil
	}

	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch m.view {
	case viewDetail:
		switch keyMsg.String() {
		case "q", "esc":
			m.view = viewList
			m.detail = ""
			m.detailRaw = ""
			m.clipMsg = ""
		case "c":
			if err := tuiClipboard.WriteText(m.detailRaw); err != nil {
				m.clipMsg = fmt.Sprintf("copy failed: %v", err)
			} else {
				m.clipMsg = "report copied to clipboard"
			}
		case "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	}

	switch keyMsg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.tasks)-1 {
			m.cursor++
		}
	case "enter":
		if len(m.tasks) == 0 {
			return m, nil
		}
		task := m.tasks[m.cursor]
		md, err := m.client.reviewExport(task.TaskID, "md")
		if err != nil {
			m.err = err
			return m, nil
		}
		rendered := md
		if m.renderer != nil {
			if out, err := m.renderer.Render(md); err == nil {
				rendered = out
			}
		}
		m.detail = rendered
		m.detailRaw = md
		m.clipMsg = ""
		m.view = viewDetail
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.view == viewDetail {
		help := "q/esc: back  c: copy report"
		if m.clipMsg != "" {
			help = m.clipMsg + "  |  " + help
		}
		return m.detail + "\n" + tuiHelpStyle.Render(help)
	}

	var b strings.Builder
	b.WriteString(tuiTitleStyle.Render("revgate reviews") + "\n\n")
	if m.err != nil {
		b.WriteString(fmt.Sprintf("error: %v\n", m.err))
	}
	if len(m.tasks) == 0 {
		b.WriteString("no reviews found\n")
	}
	for i, t := range m.tasks {
		line := fmt.Sprintf("%-10s %-20s %-12s score %d", t.TaskID, t.RepoID, t.Status, t.QualityScore)
		if i == m.cursor {
			line = tuiSelectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		if m.width > 0 && xansi.StringWidth(line) > m.width {
			line = xansi.Truncate(line, m.width, "…")
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n" + tuiHelpStyle.Render("up/down: move  enter: view  q: quit"))
	return b.String()
}
