// ABOUTME: Terminal User Interface using bubbletea framework
// ABOUTME: Live viewer of one whiteboard fed by a stream follower
package tui

import (
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/harperreed/whiteboard/client"
	"github.com/harperreed/whiteboard/models"
)

// ViewMode represents the current TUI view
type ViewMode int

const (
	ViewBoard ViewMode = iota
	ViewDetail
	ViewFeed
)

const maxFeedLines = 500

// Source is what the viewer follows; *client.Follower satisfies it.
type Source interface {
	Replica() *models.Document
	Updates() <-chan client.Update
}

type updateMsg client.Update

// closedMsg is sent once the source stops delivering updates.
type closedMsg struct{}

// Model is the main bubbletea model
type Model struct {
	source     Source
	documentID string
	viewMode   ViewMode

	doc         *models.Document
	page        int
	selectedRow int
	feed        []string
	feedView    viewport.Model
	closed      bool

	// UI state
	width  int
	height int
}

// NewModel creates a viewer for documentID fed by source.
func NewModel(documentID string, source Source) Model {
	m := Model{
		source:     source,
		documentID: documentID,
		viewMode:   ViewBoard,
		width:      80,
		height:     24,
		feedView:   viewport.New(80, 16),
	}
	m.doc = source.Replica()
	if m.doc != nil {
		m.page = m.doc.ActivePage
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return waitForUpdate(m.source.Updates())
}

func waitForUpdate(ch <-chan client.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return updateMsg(u)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.feedView.Width = msg.Width
		m.feedView.Height = max(msg.Height-8, 3)
		return m, nil
	case updateMsg:
		m.applyUpdate(client.Update(msg))
		return m, waitForUpdate(m.source.Updates())
	case closedMsg:
		m.closed = true
		return m, nil
	}
	return m, nil
}

func (m *Model) applyUpdate(u client.Update) {
	prevActive := 0
	if m.doc != nil {
		prevActive = m.doc.ActivePage
	}
	m.doc = m.source.Replica()
	if m.doc == nil {
		return
	}

	// Follow the presenter unless the viewer picked a page of their own.
	if m.page == 0 || m.page == prevActive {
		m.page = m.doc.ActivePage
	}
	if m.doc.Page(m.page) == nil {
		m.page = m.doc.ActivePage
	}

	if u.Mutation != nil {
		m.feed = append(m.feed, feedLine(*u.Mutation))
	} else {
		m.feed = append(m.feed, feedSnapshotLine(u.Version))
	}
	if len(m.feed) > maxFeedLines {
		m.feed = m.feed[len(m.feed)-maxFeedLines:]
	}
	m.feedView.SetContent(renderFeed(m.feed))
	m.feedView.GotoBottom()
}

func (m Model) View() string {
	switch m.viewMode {
	case ViewBoard:
		return m.renderBoardView()
	case ViewDetail:
		return m.renderDetailView()
	case ViewFeed:
		return m.renderFeedView()
	}
	return ""
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.viewMode == ViewFeed {
			m.viewMode = ViewBoard
		} else {
			m.viewMode = ViewFeed
		}
		return m, nil
	}

	// Delegate to view-specific handlers
	switch m.viewMode {
	case ViewBoard:
		return m.handleBoardKeys(msg)
	case ViewDetail:
		return m.handleDetailKeys(msg)
	case ViewFeed:
		return m.handleFeedKeys(msg)
	}

	return m, nil
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170")).
			MarginBottom(1)

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170")).
			Background(lipgloss.Color("235")).
			Padding(0, 2)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginTop(1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)
)
