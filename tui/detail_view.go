package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	detailBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("170")).
			Padding(1, 2)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Width(14)
)

func (m Model) renderDetailView() string {
	el := m.selectedElement()
	if el == nil {
		return "Element no longer exists\n" + helpStyle.Render("esc: back")
	}

	var body strings.Builder
	row := func(label, value string) {
		body.WriteString(labelStyle.Render(label))
		body.WriteString(value)
		body.WriteString("\n")
	}
	row("ID", el.ID)
	row("Type", string(el.Kind))
	row("Version", fmt.Sprintf("%d", el.Version))
	row("Position", fmt.Sprintf("x=%.1f y=%.1f", el.Geometry.X, el.Geometry.Y))
	row("Size", fmt.Sprintf("%.1f x %.1f (rotation %.0f)", el.Geometry.Width, el.Geometry.Height, el.Geometry.Rotation))
	row("Created by", el.Provenance.CreatedBy)
	row("Created at", el.Provenance.CreatedAt.Format("2006-01-02 15:04:05"))
	if el.Provenance.LastModifiedBy != "" {
		row("Modified by", el.Provenance.LastModifiedBy)
	}
	if el.Provenance.SourceURL != "" {
		row("Source", el.Provenance.SourceURL)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, el.Content, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(el.Content)
	}
	body.WriteString("\n")
	body.WriteString(pretty.String())

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		detailBoxStyle.Render(body.String()),
		helpStyle.Render("esc: back  tab: feed  q: quit"),
	)
}

func (m Model) handleDetailKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "backspace", "enter":
		m.viewMode = ViewBoard
	}
	return m, nil
}
