package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"chorus/internal/domain"
)

// Adaptive palette for light and dark terminals. NO_COLOR and non-terminal outputs
// are handled by lipgloss's color profile detection.
var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
)

var (
	symbolSuccess = "✓"
	symbolError   = "✗"
	symbolWarning = "⚠"
	symbolArrow   = "→"
	symbolBullet  = "•"
)

var (
	styleBold    = lipgloss.NewStyle().Bold(true)
	styleDim     = lipgloss.NewStyle().Faint(true)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	styleInfo    = lipgloss.NewStyle().Foreground(colorInfo)
	styleAccent  = lipgloss.NewStyle().Foreground(colorAccent)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)

	styleHeader = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
)

func statusStyle(s domain.SpecialistStatus) lipgloss.Style {
	switch s {
	case domain.StatusHealthy:
		return styleSuccess
	case domain.StatusUnhealthy:
		return styleError
	default:
		return styleMuted
	}
}

// table renders rows as aligned columns with a styled header.
type table struct {
	header []string
	rows   [][]string
	styles map[int]func(string) lipgloss.Style
}

func newTable(header ...string) *table {
	return &table{header: header, styles: make(map[int]func(string) lipgloss.Style)}
}

// styleColumn colours the cells of column i by their value.
func (t *table) styleColumn(i int, fn func(string) lipgloss.Style) *table {
	t.styles[i] = fn
	return t
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, c := range row {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}

	line := func(cells []string, cellStyle func(i int, c string) lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			st := cellStyle(i, c)
			if i < len(cells)-1 {
				st = st.Width(widths[i] + 2)
			}
			parts[i] = st.Render(c)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}

	fmt.Fprintln(w, line(t.header, func(int, string) lipgloss.Style { return styleHeader }))
	for _, row := range t.rows {
		fmt.Fprintln(w, line(row, func(i int, c string) lipgloss.Style {
			if fn, ok := t.styles[i]; ok {
				return fn(c)
			}
			return lipgloss.NewStyle()
		}))
	}
}

// field prints a "label: value" line with an aligned, bold label.
func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", styleBold.Width(14).Render(label+":"), value)
}
