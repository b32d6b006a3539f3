package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/harperreed/whiteboard/models"
)

var (
	versionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170")).Width(7)
	actorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

func feedLine(m models.Mutation) string {
	line := fmt.Sprintf("%s %s %s", versionStyle.Render(fmt.Sprintf("v%d", m.Version)), m.Kind, actorStyle.Render(m.ActorID))
	switch {
	case m.Element != nil:
		line += fmt.Sprintf(" page %d %s %s", m.PageNumber, m.Element.Kind, preview(m.Element.Content))
	case m.ElementID != "":
		line += fmt.Sprintf(" page %d %s", m.PageNumber, m.ElementID)
	case m.PageNumber > 0:
		line += fmt.Sprintf(" page %d", m.PageNumber)
	}
	return line
}

func feedSnapshotLine(version int64) string {
	return fmt.Sprintf("%s snapshot", versionStyle.Render(fmt.Sprintf("v%d", version)))
}

func renderFeed(lines []string) string {
	return strings.Join(lines, "\n")
}

func (m Model) renderFeedView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.feedView.View(),
		helpStyle.Render("↑/↓: scroll  tab: board  q: quit"),
	)
}

func (m Model) handleFeedKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	m.feedView, cmd = m.feedView.Update(msg)
	return m, cmd
}
