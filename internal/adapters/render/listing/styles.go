package listing

import "github.com/charmbracelet/lipgloss"

type styles struct {
	title    lipgloss.Style
	header   lipgloss.Style
	path     lipgloss.Style
	detail   lipgloss.Style
	tag      lipgloss.Style
	trash    lipgloss.Style
	section  lipgloss.Style
	label    lipgloss.Style
	column   lipgloss.Style
	cell     lipgloss.Style
	comment  lipgloss.Style
	empty    lipgloss.Style
	overflow lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:    lipgloss.NewStyle().Bold(true),
		header:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		path:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		detail:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		tag:      lipgloss.NewStyle().Foreground(lipgloss.Color("159")),
		trash:    lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		section:  lipgloss.NewStyle().MarginTop(1),
		label:    lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		column:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245")).Align(lipgloss.Right),
		cell:     lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Align(lipgloss.Right),
		comment:  lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		empty:    lipgloss.NewStyle().Faint(true),
		overflow: lipgloss.NewStyle().Faint(true).Italic(true),
	}
}
