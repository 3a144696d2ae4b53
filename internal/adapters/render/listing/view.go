// Package listing renders persisted sessions and datasets for the terminal.
package listing

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bnema/datavault/internal/domain"
	"github.com/bytedance/sonic"
	"github.com/charmbracelet/lipgloss"
)

type DatasetOptions struct {
	// MaxRows caps the printed rows, zero prints every row.
	MaxRows int
}

func RenderSessions(rows []domain.SessionState) string {
	s := newStyles()
	lines := []string{
		s.title.Render("Data Vault sessions"),
		s.header.Render(fmt.Sprintf("sessions: %d", len(rows))),
	}

	if len(rows) == 0 {
		lines = append(lines, s.empty.Render("No sessions stored."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, row := range rows {
		lines = append(lines, s.section.Render(renderSession(row, s)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderSession(row domain.SessionState, s styles) string {
	parts := []string{
		s.path.Render(displayPath(row.Path)),
		s.detail.Render(fmt.Sprintf("directories: %d  datasets: %d", len(row.Subdirs), len(row.Datasets))),
	}
	for _, name := range row.Subdirs {
		parts = append(parts, entryLine(name+"/", row.DirTags[name], s))
	}
	for _, name := range row.Datasets {
		parts = append(parts, entryLine(name, row.DatasetTags[name], s))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func entryLine(name string, tags []string, s styles) string {
	line := "  " + s.detail.Render(name)
	if len(tags) == 0 {
		return line
	}

	rendered := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == domain.TrashTag {
			rendered = append(rendered, s.trash.Render(tag))
			continue
		}
		rendered = append(rendered, s.tag.Render(tag))
	}
	return line + " " + s.header.Render("[") + strings.Join(rendered, " ") + s.header.Render("]")
}

func RenderDataset(path domain.Path, state domain.DatasetState, opts DatasetOptions) string {
	s := newStyles()
	meta := state.Meta

	lines := []string{
		s.title.Render(meta.Name),
		s.header.Render(fmt.Sprintf("%s  created %s  rows: %d", displayPath(path), formatCreated(meta.Created), len(state.Rows))),
	}

	lines = append(lines, s.section.Render(renderVariables(meta, s)))
	if len(state.Parameters) > 0 {
		lines = append(lines, s.section.Render(renderParameters(state.Parameters, s)))
	}
	if len(state.Comments) > 0 {
		lines = append(lines, s.section.Render(renderComments(state.Comments, s)))
	}
	lines = append(lines, s.section.Render(renderRows(meta, state.Rows, opts, s)))

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderVariables(meta domain.DatasetMeta, s styles) string {
	parts := []string{s.label.Render("independents:")}
	for _, v := range meta.Independents {
		parts = append(parts, "  "+s.detail.Render(v.String()))
	}
	parts = append(parts, s.label.Render("dependents:"))
	for _, v := range meta.Dependents {
		parts = append(parts, "  "+s.detail.Render(v.String()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderParameters(params []domain.Parameter, s styles) string {
	parts := []string{s.label.Render("parameters:")}
	for _, param := range params {
		parts = append(parts, "  "+s.label.Render(param.Name+" =")+" "+s.detail.Render(formatValue(param.Value)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderComments(comments []domain.Comment, s styles) string {
	parts := []string{s.label.Render("comments:")}
	for _, comment := range comments {
		prefix := s.header.Render(fmt.Sprintf("%s %s:", comment.Time.UTC().Format(time.DateTime), comment.User))
		parts = append(parts, "  "+prefix+" "+s.comment.Render(comment.Text))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderRows(meta domain.DatasetMeta, rows []domain.Row, opts DatasetOptions, s styles) string {
	if len(rows) == 0 {
		return s.empty.Render("No rows.")
	}

	shown := rows
	if opts.MaxRows > 0 && len(rows) > opts.MaxRows {
		shown = rows[:opts.MaxRows]
	}

	headers := columnHeaders(meta)
	cells := make([][]string, 0, len(shown))
	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = lipgloss.Width(header)
	}
	for _, row := range shown {
		line := make([]string, len(headers))
		for i := range headers {
			if i < len(row) {
				line[i] = FormatFloat(row[i])
			}
			widths[i] = max(widths[i], len(line[i]))
		}
		cells = append(cells, line)
	}

	out := []string{joinCells(headers, widths, s.column)}
	for _, line := range cells {
		out = append(out, joinCells(line, widths, s.cell))
	}
	if len(shown) < len(rows) {
		out = append(out, s.overflow.Render(fmt.Sprintf("... %d more rows", len(rows)-len(shown))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, out...)
}

func columnHeaders(meta domain.DatasetMeta) []string {
	headers := make([]string, 0, meta.Width())
	for _, v := range meta.Independents {
		headers = append(headers, v.String())
	}
	for _, v := range meta.Dependents {
		headers = append(headers, v.String())
	}
	return headers
}

func joinCells(cells []string, widths []int, style lipgloss.Style) string {
	rendered := make([]string, 0, len(cells))
	for i, cell := range cells {
		rendered = append(rendered, style.Width(widths[i]).Render(cell))
	}
	return strings.Join(rendered, "  ")
}

// FormatFloat prints the shortest representation that reads back to the
// same float64.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return strconv.Quote(v)
	case float64:
		return FormatFloat(v)
	}
	encoded, err := sonic.MarshalString(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return encoded
}

func formatCreated(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}

func displayPath(path domain.Path) string {
	if path.IsRoot() {
		return "/"
	}
	return path.String()
}

// SortSessions orders rows by path.
func SortSessions(rows []domain.SessionState) {
	slices.SortFunc(rows, func(a, b domain.SessionState) int {
		return strings.Compare(a.Path.String(), b.Path.String())
	})
}
