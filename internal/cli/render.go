package cli

import (
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/g960059/plugbridge/internal/api"
)

// palette renders against the runner's writer, so piped output carries no
// escape sequences.
type palette struct {
	header lipgloss.Style
	dim    lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
}

func newPalette(w io.Writer) palette {
	r := lipgloss.NewRenderer(w)
	return palette{
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#ddd")),
		dim:    r.NewStyle().Foreground(lipgloss.Color("#888")),
		ok:     r.NewStyle().Foreground(lipgloss.Color("#5f5")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("#fa0")),
		bad:    r.NewStyle().Foreground(lipgloss.Color("#f55")),
	}
}

func (p palette) state(state string) lipgloss.Style {
	switch state {
	case "ready", "ok":
		return p.ok
	case "starting", "degraded":
		return p.warn
	case "failed", "down":
		return p.bad
	default:
		return p.dim
	}
}

// table lays rows out in padded columns. Widths are measured on the
// unstyled text.
func (p palette) table(headers []string, rows [][]string, styleCell func(col int, cell string) lipgloss.Style) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	line := func(cells []string, style func(int, string) lipgloss.Style) {
		parts := make([]string, 0, len(cells))
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			padded := cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			if i == len(cells)-1 {
				padded = cell
			}
			parts = append(parts, style(i, cell).Render(padded))
		}
		b.WriteString(strings.Join(parts, "  "))
		b.WriteByte('\n')
	}
	line(headers, func(int, string) lipgloss.Style { return p.header })
	for _, row := range rows {
		line(row, styleCell)
	}
	return b.String()
}

func (p palette) bridgeTable(bridges []api.BridgeResponse) string {
	headers := []string{"BRIDGE", "PLUGIN", "NAME", "STATE", "HEALTH", "PID", "DROPPED", "OUTCOME"}
	rows := make([][]string, 0, len(bridges))
	for _, b := range bridges {
		pid := "-"
		if b.PID != nil {
			pid = itoa64(*b.PID)
		}
		outcome := b.Outcome
		if outcome == "" {
			outcome = "-"
		}
		rows = append(rows, []string{
			b.BridgeID,
			itoa64(int64(b.PluginID)),
			b.Name,
			b.State,
			b.Health,
			pid,
			itoa64(b.DroppedEvents),
			outcome,
		})
	}
	return p.table(headers, rows, func(col int, cell string) lipgloss.Style {
		switch col {
		case 3, 4:
			return p.state(cell)
		case 7:
			return p.dim
		}
		return lipgloss.NewStyle()
	})
}

func (p palette) bridgeDetail(b api.BridgeResponse) string {
	var sb strings.Builder
	field := func(k, v string, style lipgloss.Style) {
		sb.WriteString(p.dim.Render(k + ":"))
		sb.WriteString(" ")
		sb.WriteString(style.Render(v))
		sb.WriteByte('\n')
	}
	plain := lipgloss.NewStyle()
	field("bridge", b.BridgeID, p.header)
	field("plugin", itoa64(int64(b.PluginID))+" "+b.Name, plain)
	field("filename", b.Filename, plain)
	field("state", b.State, p.state(b.State))
	field("health", b.Health, p.state(b.Health))
	if b.PID != nil {
		field("pid", itoa64(*b.PID), plain)
	}
	if len(b.Args) > 0 {
		field("args", strings.Join(b.Args, " "), p.dim)
	}
	field("dropped", itoa64(b.DroppedEvents), plain)
	field("started", b.StartedAt, plain)
	if b.StoppedAt != nil {
		field("stopped", *b.StoppedAt, plain)
	}
	if b.Outcome != "" {
		field("outcome", b.Outcome, plain)
	}
	if b.LastError != "" {
		field("error", b.LastError, p.bad)
	}
	return sb.String()
}

func itoa64(v int64) string {
	return strconv.FormatInt(v, 10)
}
