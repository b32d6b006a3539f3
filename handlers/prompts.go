// ABOUTME: MCP prompt handlers for reusable whiteboard workflow templates
// ABOUTME: Builds prompts that summarize a board or explain what changed between versions
package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/whiteboard/models"
	"github.com/harperreed/whiteboard/whiteboard"
)

type PromptHandlers struct {
	svc *whiteboard.Service
}

func NewPromptHandlers(svc *whiteboard.Service) *PromptHandlers {
	return &PromptHandlers{svc: svc}
}

// GetPrompt generates the prompt message based on the template
func (h *PromptHandlers) GetPrompt(ctx context.Context, request *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	arguments := request.Params.Arguments
	switch name {
	case "board-summary":
		return h.getBoardSummaryPrompt(ctx, arguments)
	case "board-changes":
		return h.getBoardChangesPrompt(ctx, arguments)
	default:
		return nil, fmt.Errorf("unknown prompt: %s", name)
	}
}

// Register adds the prompt templates to server.
func (h *PromptHandlers) Register(server *mcp.Server) {
	server.AddPrompt(&mcp.Prompt{
		Name:        "board-summary",
		Description: "Summarize everything on a whiteboard",
		Arguments: []*mcp.PromptArgument{
			{Name: "whiteboard_id", Description: "Whiteboard ID", Required: true},
		},
	}, h.GetPrompt)

	server.AddPrompt(&mcp.Prompt{
		Name:        "board-changes",
		Description: "Explain what changed on a whiteboard since a version",
		Arguments: []*mcp.PromptArgument{
			{Name: "whiteboard_id", Description: "Whiteboard ID", Required: true},
			{Name: "since", Description: "Version to compare against", Required: true},
		},
	}, h.GetPrompt)
}

func (h *PromptHandlers) getBoardSummaryPrompt(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
	id, ok := args["whiteboard_id"]
	if !ok || id == "" {
		return nil, fmt.Errorf("whiteboard_id is required")
	}

	doc, err := h.svc.Current(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch whiteboard: %w", err)
	}

	var promptText strings.Builder
	promptText.WriteString("Please summarize this whiteboard:\n\n")
	promptText.WriteString(fmt.Sprintf("Session: %s\n", doc.SessionID))
	promptText.WriteString(fmt.Sprintf("Version: %d\n", doc.Version))
	promptText.WriteString(fmt.Sprintf("Pages: %d (active page %d)\n", len(doc.Pages), doc.ActivePage))
	for _, page := range doc.Pages {
		promptText.WriteString(fmt.Sprintf("\nPage %d (%d elements):\n", page.Number, len(page.Elements)))
		for _, el := range page.Elements {
			promptText.WriteString(fmt.Sprintf("- %s %s: %s\n", el.Kind, el.ID, string(el.Content)))
		}
	}

	promptText.WriteString("\nPlease describe the main topics on the board and how the pages relate.")

	return promptResult(fmt.Sprintf("Summary for whiteboard: %s", doc.ID), promptText.String()), nil
}

func (h *PromptHandlers) getBoardChangesPrompt(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
	id, ok := args["whiteboard_id"]
	if !ok || id == "" {
		return nil, fmt.Errorf("whiteboard_id is required")
	}
	since, err := strconv.ParseInt(args["since"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid since: %w", err)
	}

	records, err := h.svc.History(ctx, id, since+1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}

	var promptText strings.Builder
	promptText.WriteString(fmt.Sprintf("These changes were made to whiteboard %s after version %d:\n\n", id, since))
	if len(records) == 0 {
		promptText.WriteString("(no changes)\n")
	}
	for _, m := range records {
		promptText.WriteString(describeMutation(m))
		promptText.WriteString("\n")
	}
	promptText.WriteString("\nPlease explain what the participants changed and why it might matter.")

	return promptResult(fmt.Sprintf("Changes to whiteboard %s since version %d", id, since), promptText.String()), nil
}

func describeMutation(m models.Mutation) string {
	line := fmt.Sprintf("v%d %s by %s", m.Version, m.Kind, m.ActorID)
	if m.PageNumber > 0 {
		line += fmt.Sprintf(" on page %d", m.PageNumber)
	}
	if m.Element != nil {
		line += fmt.Sprintf(": %s %s", m.Element.Kind, string(m.Element.Content))
	} else if m.ElementID != "" {
		line += fmt.Sprintf(": element %s", m.ElementID)
	}
	return line
}

func promptResult(description, text string) *mcp.GetPromptResult {
	return &mcp.GetPromptResult{
		Description: description,
		Messages: []*mcp.PromptMessage{
			{
				Role:    "user",
				Content: &mcp.TextContent{Text: text},
			},
		},
	}
}
