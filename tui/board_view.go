package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/harperreed/whiteboard/models"
)

const contentPreview = 40

func (m Model) renderBoardView() string {
	var s strings.Builder

	s.WriteString(m.renderHeader())
	s.WriteString("\n\n")

	if m.doc == nil {
		s.WriteString("Waiting for the first snapshot...")
		s.WriteString("\n")
		s.WriteString(helpStyle.Render("q: quit"))
		return s.String()
	}

	s.WriteString(m.renderTabs())
	s.WriteString("\n\n")

	s.WriteString(m.renderElementsTable())
	s.WriteString("\n")

	s.WriteString(helpStyle.Render("←/→: page  ↑/↓: select  enter: details  tab: feed  q: quit"))
	return s.String()
}

func (m Model) renderHeader() string {
	title := fmt.Sprintf("WHITEBOARD %s", m.documentID)
	if m.doc != nil {
		title += fmt.Sprintf("  v%d", m.doc.Version)
	}
	header := titleStyle.Render(title)
	if m.closed {
		header = lipgloss.JoinHorizontal(lipgloss.Top, header, "  ", statusStyle.Render("stream ended"))
	}
	return header
}

func (m Model) renderTabs() string {
	var rendered []string
	for _, p := range m.doc.Pages {
		label := fmt.Sprintf("Page %d", p.Number)
		if p.Number == m.doc.ActivePage {
			label += " *"
		}
		if p.Number == m.page {
			rendered = append(rendered, tabActiveStyle.Render(label))
		} else {
			rendered = append(rendered, tabInactiveStyle.Render(label))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func (m Model) renderElementsTable() string {
	page := m.doc.Page(m.page)
	if page == nil {
		return "No such page"
	}

	columns := []table.Column{
		{Title: "Type", Width: 12},
		{Title: "Content", Width: contentPreview},
		{Title: "Position", Width: 18},
		{Title: "By", Width: 12},
		{Title: "Ver", Width: 4},
	}

	var rows []table.Row
	for _, el := range page.Elements {
		rows = append(rows, table.Row{
			string(el.Kind),
			preview(el.Content),
			fmt.Sprintf("%.0f,%.0f %.0fx%.0f", el.Geometry.X, el.Geometry.Y, el.Geometry.Width, el.Geometry.Height),
			lastEditor(el),
			fmt.Sprintf("%d", el.Version),
		})
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(max(m.height-10, 3)),
	)

	if m.selectedRow < len(rows) {
		t.SetCursor(m.selectedRow)
	}

	return t.View()
}

func (m Model) handleBoardKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.doc == nil {
		return m, nil
	}

	switch msg.String() {
	case "left", "h":
		if m.page > 1 {
			m.page--
			m.selectedRow = 0
		}
	case "right", "l":
		if m.page < len(m.doc.Pages) {
			m.page++
			m.selectedRow = 0
		}
	case "up", "k":
		if m.selectedRow > 0 {
			m.selectedRow--
		}
	case "down", "j":
		if page := m.doc.Page(m.page); page != nil && m.selectedRow < len(page.Elements)-1 {
			m.selectedRow++
		}
	case "enter":
		if m.selectedElement() != nil {
			m.viewMode = ViewDetail
		}
	}
	return m, nil
}

func (m Model) selectedElement() *models.Element {
	if m.doc == nil {
		return nil
	}
	page := m.doc.Page(m.page)
	if page == nil || m.selectedRow >= len(page.Elements) {
		return nil
	}
	return &page.Elements[m.selectedRow]
}

func preview(content []byte) string {
	s := strings.Join(strings.Fields(string(content)), " ")
	if len(s) > contentPreview {
		return s[:contentPreview-3] + "..."
	}
	return s
}

func lastEditor(el models.Element) string {
	if el.Provenance.LastModifiedBy != "" {
		return el.Provenance.LastModifiedBy
	}
	return el.Provenance.CreatedBy
}
