package console

import "github.com/charmbracelet/lipgloss"

var (
	Subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	Highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	Special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	Warning   = lipgloss.AdaptiveColor{Light: "#C9A227", Dark: "#F2C94C"}
	Danger    = lipgloss.AdaptiveColor{Light: "#D1495B", Dark: "#FF6B6B"}

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Highlight)

	SectionStyle = lipgloss.NewStyle().
			Foreground(Highlight)

	LeaderStyle = lipgloss.NewStyle().
			Foreground(Subtle)

	NoteStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(Subtle)

	StatementStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Subtle).
			Padding(0, 1)
)
