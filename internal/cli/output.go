package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// stateStyle colors a connection state or command status.
func stateStyle(s string) lipgloss.Style {
	switch s {
	case "connected", "success", "enabled":
		return okStyle
	case "connecting", "disabled":
		return warnStyle
	case "error", "disconnected":
		return errStyle
	}
	return lipgloss.NewStyle()
}

// table renders rows under headers with padded columns. When style is
// non-nil it picks one column per row to color.
type table struct {
	headers []string
	rows    [][]string
	style   func(row []string) (col int, s lipgloss.Style)
}

func (t *table) add(cells ...string) { t.rows = append(t.rows, cells) }

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, r := range t.rows {
		for i, c := range r {
			if i < len(widths) && len(c) > widths[i] {
				widths[i] = len(c)
			}
		}
	}

	cells := make([]string, len(t.headers))
	for i, h := range t.headers {
		cells[i] = headerStyle.Render(pad(h, widths[i]))
	}
	fmt.Fprintln(w, strings.Join(cells, "  "))

	for _, r := range t.rows {
		styled := -1
		var s lipgloss.Style
		if t.style != nil {
			styled, s = t.style(r)
		}
		cells := make([]string, len(r))
		for i, c := range r {
			cell := c
			if i < len(widths) && i < len(r)-1 {
				cell = pad(c, widths[i])
			}
			if i == styled {
				cell = s.Render(cell)
			}
			cells[i] = cell
		}
		fmt.Fprintln(w, strings.Join(cells, "  "))
	}
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
