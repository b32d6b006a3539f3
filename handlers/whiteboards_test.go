// ABOUTME: Tests for whiteboard MCP tools and resources
// ABOUTME: Drives a real MCP server over in-memory transports against an in-memory backend
package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/whiteboard/kv"
	"github.com/harperreed/whiteboard/whiteboard"
)

var testImpl = &mcp.Implementation{Name: "whiteboard-test", Version: "0.1.0"}

func setupSession(t *testing.T) (*mcp.ClientSession, *whiteboard.Service) {
	t.Helper()
	backend, err := kv.OpenInMemory()
	require.NoError(t, err)
	svc := whiteboard.New(backend, whiteboard.Options{})
	t.Cleanup(func() { _ = svc.Close() })

	server := mcp.NewServer(testImpl, nil)
	NewWhiteboardHandlers(svc).Register(server)
	NewResourceHandlers(svc).Register(server)
	NewPromptHandlers(svc).Register(server)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = server.Run(ctx, serverT) }()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session, svc
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any, out any) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s failed: %v", name, result.Content)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal([]byte(text.Text), out))
}

func callToolError(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.True(t, result.IsError, "tool %s unexpectedly succeeded", name)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestCreateAndGetWhiteboard(t *testing.T) {
	session, _ := setupSession(t)

	var created WhiteboardOutput
	callTool(t, session, "create_whiteboard", map[string]any{"session_id": "s1", "actor_id": "alice"}, &created)
	assert.Equal(t, "s1", created.ID)
	assert.Equal(t, int64(1), created.Version)
	require.Len(t, created.Pages, 1)
	assert.Equal(t, "white", created.Pages[0].Background)

	var got WhiteboardOutput
	callTool(t, session, "get_whiteboard", map[string]any{"id": "s1"}, &got)
	assert.Equal(t, created.Version, got.Version)

	msg := callToolError(t, session, "create_whiteboard", map[string]any{"session_id": "s1"})
	assert.Contains(t, msg, "already exists")
}

func TestElementToolsBumpVersion(t *testing.T) {
	session, svc := setupSession(t)
	var created WhiteboardOutput
	callTool(t, session, "create_whiteboard", map[string]any{"session_id": "s1"}, &created)

	var added ChangeOutput
	callTool(t, session, "add_element", map[string]any{
		"id":          "s1",
		"page_number": 1,
		"type":        "text",
		"content":     map[string]any{"text": "hello"},
		"position":    map[string]any{"x": 1, "y": 2, "width": 30, "height": 10},
	}, &added)
	assert.Equal(t, int64(2), added.Version)
	require.NotNil(t, added.Element)
	assert.Equal(t, "mcp", added.Mutation.ActorID)
	assert.Equal(t, map[string]any{"text": "hello"}, added.Element.Content)

	var updated ChangeOutput
	callTool(t, session, "update_element", map[string]any{
		"id":          "s1",
		"page_number": 1,
		"element_id":  added.Element.ID,
		"content":     "bye",
		"actor_id":    "bob",
	}, &updated)
	assert.Equal(t, int64(3), updated.Version)
	assert.Equal(t, "bye", updated.Element.Content)
	assert.Equal(t, added.Element.Position, updated.Element.Position)
	assert.Equal(t, "bob", updated.Element.ModifiedBy)

	var removed ChangeOutput
	callTool(t, session, "remove_element", map[string]any{
		"id":          "s1",
		"page_number": 1,
		"element_id":  added.Element.ID,
	}, &removed)
	assert.Equal(t, int64(4), removed.Version)

	doc, err := svc.Current(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, doc.ElementCount())

	var old WhiteboardOutput
	callTool(t, session, "get_whiteboard", map[string]any{"id": "s1", "version": 2}, &old)
	require.Len(t, old.Pages[0].Elements, 1)
	assert.Equal(t, added.Element.ID, old.Pages[0].Elements[0].ID)

	var history HistoryOutput
	callTool(t, session, "get_whiteboard_history", map[string]any{"id": "s1"}, &history)
	require.Len(t, history.Mutations, 4)
	assert.Equal(t, "create", history.Mutations[0].Kind)
	assert.Equal(t, "remove-element", history.Mutations[3].Kind)

	var elementHistory HistoryOutput
	callTool(t, session, "get_whiteboard_history", map[string]any{"id": "s1", "element_id": added.Element.ID}, &elementHistory)
	assert.Len(t, elementHistory.Mutations, 3)
}

func TestPageAndSettingsTools(t *testing.T) {
	session, _ := setupSession(t)
	var created WhiteboardOutput
	callTool(t, session, "create_whiteboard", map[string]any{"session_id": "s1"}, &created)

	var page ChangeOutput
	callTool(t, session, "add_page", map[string]any{"id": "s1", "background": "grid"}, &page)
	assert.Equal(t, 2, page.Pages)
	assert.Equal(t, 2, page.Mutation.PageNumber)

	var active ChangeOutput
	callTool(t, session, "set_active_page", map[string]any{"id": "s1", "page_number": 2}, &active)
	assert.Equal(t, int64(3), active.Version)

	var settings ChangeOutput
	callTool(t, session, "update_settings", map[string]any{"id": "s1", "theme": "dark", "grid_size": 40}, &settings)
	assert.Equal(t, int64(4), settings.Version)

	var got WhiteboardOutput
	callTool(t, session, "get_whiteboard", map[string]any{"id": "s1"}, &got)
	assert.Equal(t, 2, got.ActivePage)
	assert.Equal(t, "dark", got.Settings.Theme)
	assert.Equal(t, 40, got.Settings.GridSize)

	msg := callToolError(t, session, "set_active_page", map[string]any{"id": "s1", "page_number": 9})
	assert.Contains(t, msg, "page not found")
}

func TestFreezeWhiteboardTool(t *testing.T) {
	session, _ := setupSession(t)
	var created WhiteboardOutput
	callTool(t, session, "create_whiteboard", map[string]any{"session_id": "s1"}, &created)

	var frozen WhiteboardSummary
	callTool(t, session, "freeze_whiteboard", map[string]any{"id": "s1"}, &frozen)
	assert.True(t, frozen.Frozen)

	msg := callToolError(t, session, "add_page", map[string]any{"id": "s1"})
	assert.Contains(t, msg, "frozen")

	var list ListWhiteboardsOutput
	callTool(t, session, "list_whiteboards", map[string]any{}, &list)
	require.Len(t, list.Whiteboards, 1)
	assert.True(t, list.Whiteboards[0].Frozen)
}

func TestToolInputErrors(t *testing.T) {
	session, _ := setupSession(t)

	assert.Contains(t, callToolError(t, session, "get_whiteboard", map[string]any{"id": "missing"}), "not found")
	assert.Contains(t, callToolError(t, session, "create_whiteboard", map[string]any{"session_id": ""}), "session_id is required")

	var created WhiteboardOutput
	callTool(t, session, "create_whiteboard", map[string]any{"session_id": "s1"}, &created)
	msg := callToolError(t, session, "add_element", map[string]any{
		"id":          "s1",
		"page_number": 1,
		"type":        "hologram",
		"content":     "x",
		"position":    map[string]any{"x": 0, "y": 0, "width": 1, "height": 1},
	})
	assert.Contains(t, msg, "invalid element")
}

func TestReadResources(t *testing.T) {
	session, svc := setupSession(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "s1", "alice")
	require.NoError(t, err)
	_, err = svc.AddPage(ctx, "s1", "alice", "")
	require.NoError(t, err)

	read := func(uri string) string {
		t.Helper()
		res, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
		require.NoError(t, err)
		require.Len(t, res.Contents, 1)
		return res.Contents[0].Text
	}

	var board struct {
		Version int64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal([]byte(read("whiteboard://boards/s1")), &board))
	assert.Equal(t, int64(2), board.Version)

	require.NoError(t, json.Unmarshal([]byte(read("whiteboard://boards/s1/versions/1")), &board))
	assert.Equal(t, int64(1), board.Version)

	var history []map[string]any
	require.NoError(t, json.Unmarshal([]byte(read("whiteboard://boards/s1/history")), &history))
	assert.Len(t, history, 2)

	var list []map[string]any
	require.NoError(t, json.Unmarshal([]byte(read("whiteboard://boards")), &list))
	assert.Len(t, list, 1)
}

func TestPrompts(t *testing.T) {
	session, svc := setupSession(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "s1", "alice")
	require.NoError(t, err)
	_, err = svc.AddPage(ctx, "s1", "bob", "grid")
	require.NoError(t, err)

	res, err := session.GetPrompt(ctx, &mcp.GetPromptParams{
		Name:      "board-changes",
		Arguments: map[string]string{"whiteboard_id": "s1", "since": "1"},
	})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	text, ok := res.Messages[0].Content.(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "v2 add-page by bob on page 2")

	res, err = session.GetPrompt(ctx, &mcp.GetPromptParams{
		Name:      "board-summary",
		Arguments: map[string]string{"whiteboard_id": "s1"},
	})
	require.NoError(t, err)
	text, ok = res.Messages[0].Content.(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "Pages: 2 (active page 1)")
}
