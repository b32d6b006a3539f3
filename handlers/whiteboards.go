// ABOUTME: MCP tool handlers for whiteboard operations
// ABOUTME: Exposes create, read, history, page, element, and freeze tools over the façade
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/whiteboard/models"
	"github.com/harperreed/whiteboard/whiteboard"
)

const defaultActor = "mcp"

type WhiteboardHandlers struct {
	svc *whiteboard.Service
}

func NewWhiteboardHandlers(svc *whiteboard.Service) *WhiteboardHandlers {
	return &WhiteboardHandlers{svc: svc}
}

type ElementOutput struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	PageNumber int             `json:"page_number"`
	Content    any             `json:"content"`
	Position   models.Geometry `json:"position"`
	Style      models.Style    `json:"style"`
	Version    int64           `json:"version"`
	CreatedBy  string          `json:"created_by,omitempty"`
	CreatedAt  string          `json:"created_at"`
	ModifiedBy string          `json:"last_modified_by,omitempty"`
}

type PageOutput struct {
	PageNumber int             `json:"page_number"`
	Background string          `json:"background"`
	Elements   []ElementOutput `json:"elements"`
}

type WhiteboardOutput struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Version    int64           `json:"version"`
	ActivePage int             `json:"active_page"`
	Settings   models.Settings `json:"settings"`
	Pages      []PageOutput    `json:"pages"`
	UpdatedAt  string          `json:"updated_at"`
}

type MutationOutput struct {
	ID         string `json:"id"`
	Version    int64  `json:"version"`
	Kind       string `json:"kind"`
	PageNumber int    `json:"page_number,omitempty"`
	ElementID  string `json:"element_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// ChangeOutput is returned by every tool that commits a mutation.
type ChangeOutput struct {
	Version  int64          `json:"version"`
	Mutation MutationOutput `json:"mutation"`
	Element  *ElementOutput `json:"element,omitempty"`
	Pages    int            `json:"pages"`
}

type WhiteboardSummary struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	CreatedBy string `json:"created_by,omitempty"`
	CreatedAt string `json:"created_at"`
	Frozen    bool   `json:"frozen"`
}

type CreateWhiteboardInput struct {
	SessionID string `json:"session_id" jsonschema:"Session ID the whiteboard belongs to (required, becomes the whiteboard ID)"`
	ActorID   string `json:"actor_id,omitempty" jsonschema:"Who is creating the whiteboard"`
}

func (h *WhiteboardHandlers) CreateWhiteboard(ctx context.Context, request *mcp.CallToolRequest, input CreateWhiteboardInput) (*mcp.CallToolResult, WhiteboardOutput, error) {
	if input.SessionID == "" {
		return nil, WhiteboardOutput{}, fmt.Errorf("session_id is required")
	}

	doc, err := h.svc.Create(ctx, input.SessionID, actorOr(input.ActorID))
	if err != nil {
		return nil, WhiteboardOutput{}, fmt.Errorf("failed to create whiteboard: %w", err)
	}
	return nil, whiteboardToOutput(doc), nil
}

type GetWhiteboardInput struct {
	ID      string `json:"id" jsonschema:"Whiteboard ID (required)"`
	Version int64  `json:"version,omitempty" jsonschema:"Reconstruct the whiteboard as of this version (default current)"`
}

func (h *WhiteboardHandlers) GetWhiteboard(ctx context.Context, request *mcp.CallToolRequest, input GetWhiteboardInput) (*mcp.CallToolResult, WhiteboardOutput, error) {
	if input.ID == "" {
		return nil, WhiteboardOutput{}, fmt.Errorf("id is required")
	}

	var (
		doc *models.Document
		err error
	)
	if input.Version > 0 {
		doc, err = h.svc.AtVersion(ctx, input.ID, input.Version)
	} else {
		doc, err = h.svc.Current(ctx, input.ID)
	}
	if err != nil {
		return nil, WhiteboardOutput{}, fmt.Errorf("failed to get whiteboard: %w", err)
	}
	return nil, whiteboardToOutput(doc), nil
}

type ListWhiteboardsInput struct{}

type ListWhiteboardsOutput struct {
	Whiteboards []WhiteboardSummary `json:"whiteboards"`
}

func (h *WhiteboardHandlers) ListWhiteboards(ctx context.Context, request *mcp.CallToolRequest, input ListWhiteboardsInput) (*mcp.CallToolResult, ListWhiteboardsOutput, error) {
	infos, err := h.svc.List(ctx)
	if err != nil {
		return nil, ListWhiteboardsOutput{}, fmt.Errorf("failed to list whiteboards: %w", err)
	}

	out := ListWhiteboardsOutput{Whiteboards: make([]WhiteboardSummary, 0, len(infos))}
	for _, info := range infos {
		out.Whiteboards = append(out.Whiteboards, summaryToOutput(info))
	}
	return nil, out, nil
}

type GetHistoryInput struct {
	ID        string `json:"id" jsonschema:"Whiteboard ID (required)"`
	From      int64  `json:"from,omitempty" jsonschema:"First version to return (default 1)"`
	To        int64  `json:"to,omitempty" jsonschema:"Last version to return (default latest)"`
	ElementID string `json:"element_id,omitempty" jsonschema:"Only return mutations that touched this element"`
}

type HistoryOutput struct {
	Mutations []MutationOutput `json:"mutations"`
}

func (h *WhiteboardHandlers) GetHistory(ctx context.Context, request *mcp.CallToolRequest, input GetHistoryInput) (*mcp.CallToolResult, HistoryOutput, error) {
	if input.ID == "" {
		return nil, HistoryOutput{}, fmt.Errorf("id is required")
	}

	var (
		records []models.Mutation
		err     error
	)
	if input.ElementID != "" {
		records, err = h.svc.ElementHistory(ctx, input.ID, input.ElementID)
	} else {
		from := input.From
		if from < 1 {
			from = 1
		}
		records, err = h.svc.History(ctx, input.ID, from, input.To)
	}
	if err != nil {
		return nil, HistoryOutput{}, fmt.Errorf("failed to read history: %w", err)
	}

	out := HistoryOutput{Mutations: make([]MutationOutput, 0, len(records))}
	for _, m := range records {
		out.Mutations = append(out.Mutations, mutationToOutput(m))
	}
	return nil, out, nil
}

type AddPageInput struct {
	ID         string `json:"id" jsonschema:"Whiteboard ID (required)"`
	Background string `json:"background,omitempty" jsonschema:"Page background (default white)"`
	ActorID    string `json:"actor_id,omitempty" jsonschema:"Who is making the change"`
}

func (h *WhiteboardHandlers) AddPage(ctx context.Context, request *mcp.CallToolRequest, input AddPageInput) (*mcp.CallToolResult, ChangeOutput, error) {
	if input.ID == "" {
		return nil, ChangeOutput{}, fmt.Errorf("id is required")
	}

	res, err := h.svc.AddPage(ctx, input.ID, actorOr(input.ActorID), input.Background)
	if err != nil {
		return nil, ChangeOutput{}, fmt.Errorf("failed to add page: %w", err)
	}
	return nil, changeToOutput(res), nil
}

type SetActivePageInput struct {
	ID         string `json:"id" jsonschema:"Whiteboard ID (required)"`
	PageNumber int    `json:"page_number" jsonschema:"Page to show (required)"`
	ActorID    string `json:"actor_id,omitempty" jsonschema:"Who is making the change"`
}

func (h *WhiteboardHandlers) SetActivePage(ctx context.Context, request *mcp.CallToolRequest, input SetActivePageInput) (*mcp.CallToolResult, ChangeOutput, error) {
	if input.ID == "" {
		return nil, ChangeOutput{}, fmt.Errorf("id is required")
	}

	res, err := h.svc.SetActivePage(ctx, input.ID, actorOr(input.ActorID), input.PageNumber)
	if err != nil {
		return nil, ChangeOutput{}, fmt.Errorf("failed to set active page: %w", err)
	}
	return nil, changeToOutput(res), nil
}

type UpdateSettingsInput struct {
	ID          string  `json:"id" jsonschema:"Whiteboard ID (required)"`
	GridEnabled *bool   `json:"grid_enabled,omitempty" jsonschema:"Show the grid"`
	SnapToGrid  *bool   `json:"snap_to_grid,omitempty" jsonschema:"Snap elements to the grid"`
	GridSize    *int    `json:"grid_size,omitempty" jsonschema:"Grid spacing in pixels"`
	Theme       *string `json:"theme,omitempty" jsonschema:"Canvas theme, e.g. light or dark"`
	ActorID     string  `json:"actor_id,omitempty" jsonschema:"Who is making the change"`
}

func (h *WhiteboardHandlers) UpdateSettings(ctx context.Context, request *mcp.CallToolRequest, input UpdateSettingsInput) (*mcp.CallToolResult, ChangeOutput, error) {
	if input.ID == "" {
		return nil, ChangeOutput{}, fmt.Errorf("id is required")
	}

	u := models.SettingsUpdate{
		GridEnabled: input.GridEnabled,
		SnapToGrid:  input.SnapToGrid,
		GridSize:    input.GridSize,
		Theme:       input.Theme,
	}
	res, err := h.svc.UpdateSettings(ctx, input.ID, actorOr(input.ActorID), u)
	if err != nil {
		return nil, ChangeOutput{}, fmt.Errorf("failed to update settings: %w", err)
	}
	return nil, changeToOutput(res), nil
}

type AddElementInput struct {
	ID         string          `json:"id" jsonschema:"Whiteboard ID (required)"`
	PageNumber int             `json:"page_number" jsonschema:"Page to draw on (required)"`
	Type       string          `json:"type" jsonschema:"Element type: text, image, chart, shape, file, ai-generated"`
	Content    any             `json:"content" jsonschema:"Element payload, any JSON value (required)"`
	Position   models.Geometry `json:"position" jsonschema:"Position and size on the page"`
	Style      *models.Style   `json:"style,omitempty" jsonschema:"Visual style"`
	SourceType string          `json:"source_type,omitempty" jsonschema:"Where the content came from"`
	SourceURL  string          `json:"source_url,omitempty" jsonschema:"Link to the content source"`
	ActorID    string          `json:"actor_id,omitempty" jsonschema:"Who is making the change"`
}

func (h *WhiteboardHandlers) AddElement(ctx context.Context, request *mcp.CallToolRequest, input AddElementInput) (*mcp.CallToolResult, ChangeOutput, error) {
	if input.ID == "" {
		return nil, ChangeOutput{}, fmt.Errorf("id is required")
	}

	content, err := rawContent(input.Content)
	if err != nil {
		return nil, ChangeOutput{}, err
	}

	spec := models.ElementSpec{
		Kind:       models.ElementKind(input.Type),
		Content:    content,
		Geometry:   input.Position,
		SourceType: input.SourceType,
		SourceURL:  input.SourceURL,
	}
	if input.Style != nil {
		spec.Style = *input.Style
	}

	res, err := h.svc.AddElement(ctx, input.ID, actorOr(input.ActorID), input.PageNumber, spec)
	if err != nil {
		return nil, ChangeOutput{}, fmt.Errorf("failed to add element: %w", err)
	}
	return nil, changeToOutput(res), nil
}

type UpdateElementInput struct {
	ID         string           `json:"id" jsonschema:"Whiteboard ID (required)"`
	PageNumber int              `json:"page_number" jsonschema:"Page holding the element (required)"`
	ElementID  string           `json:"element_id" jsonschema:"Element ID (required)"`
	Content    any              `json:"content,omitempty" jsonschema:"Replacement payload"`
	Position   *models.Geometry `json:"position,omitempty" jsonschema:"Replacement position and size"`
	Style      *models.Style    `json:"style,omitempty" jsonschema:"Replacement style"`
	SourceType *string          `json:"source_type,omitempty" jsonschema:"Replacement source type"`
	SourceURL  *string          `json:"source_url,omitempty" jsonschema:"Replacement source link"`
	ActorID    string           `json:"actor_id,omitempty" jsonschema:"Who is making the change"`
}

func (h *WhiteboardHandlers) UpdateElement(ctx context.Context, request *mcp.CallToolRequest, input UpdateElementInput) (*mcp.CallToolResult, ChangeOutput, error) {
	if input.ID == "" {
		return nil, ChangeOutput{}, fmt.Errorf("id is required")
	}
	if input.ElementID == "" {
		return nil, ChangeOutput{}, fmt.Errorf("element_id is required")
	}

	u := models.ElementUpdate{
		Geometry:   input.Position,
		Style:      input.Style,
		SourceType: input.SourceType,
		SourceURL:  input.SourceURL,
	}
	if input.Content != nil {
		content, err := rawContent(input.Content)
		if err != nil {
			return nil, ChangeOutput{}, err
		}
		u.Content = content
	}

	res, err := h.svc.UpdateElement(ctx, input.ID, actorOr(input.ActorID), input.PageNumber, input.ElementID, u)
	if err != nil {
		return nil, ChangeOutput{}, fmt.Errorf("failed to update element: %w", err)
	}
	return nil, changeToOutput(res), nil
}

type RemoveElementInput struct {
	ID         string `json:"id" jsonschema:"Whiteboard ID (required)"`
	PageNumber int    `json:"page_number" jsonschema:"Page holding the element (required)"`
	ElementID  string `json:"element_id" jsonschema:"Element ID (required)"`
	ActorID    string `json:"actor_id,omitempty" jsonschema:"Who is making the change"`
}

func (h *WhiteboardHandlers) RemoveElement(ctx context.Context, request *mcp.CallToolRequest, input RemoveElementInput) (*mcp.CallToolResult, ChangeOutput, error) {
	if input.ID == "" {
		return nil, ChangeOutput{}, fmt.Errorf("id is required")
	}
	if input.ElementID == "" {
		return nil, ChangeOutput{}, fmt.Errorf("element_id is required")
	}

	res, err := h.svc.RemoveElement(ctx, input.ID, actorOr(input.ActorID), input.PageNumber, input.ElementID)
	if err != nil {
		return nil, ChangeOutput{}, fmt.Errorf("failed to remove element: %w", err)
	}
	return nil, changeToOutput(res), nil
}

type FreezeWhiteboardInput struct {
	ID string `json:"id" jsonschema:"Whiteboard ID (required)"`
}

func (h *WhiteboardHandlers) FreezeWhiteboard(ctx context.Context, request *mcp.CallToolRequest, input FreezeWhiteboardInput) (*mcp.CallToolResult, WhiteboardSummary, error) {
	if input.ID == "" {
		return nil, WhiteboardSummary{}, fmt.Errorf("id is required")
	}

	info, err := h.svc.Freeze(ctx, input.ID)
	if err != nil {
		return nil, WhiteboardSummary{}, fmt.Errorf("failed to freeze whiteboard: %w", err)
	}
	return nil, summaryToOutput(*info), nil
}

// Register adds every whiteboard tool to server.
func (h *WhiteboardHandlers) Register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_whiteboard",
		Description: "Create the whiteboard for a session",
	}, h.CreateWhiteboard)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_whiteboard",
		Description: "Get a whiteboard's current state, or its state as of a past version",
	}, h.GetWhiteboard)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_whiteboards",
		Description: "List every whiteboard and whether its session has ended",
	}, h.ListWhiteboards)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_whiteboard_history",
		Description: "List committed mutations of a whiteboard, optionally for one element",
	}, h.GetHistory)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_page",
		Description: "Append a new page to a whiteboard",
	}, h.AddPage)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_active_page",
		Description: "Switch the page viewers are shown",
	}, h.SetActivePage)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_settings",
		Description: "Change grid and theme settings of a whiteboard",
	}, h.UpdateSettings)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_element",
		Description: "Place a new element (text, image, chart, shape, file, ai-generated) on a page",
	}, h.AddElement)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_element",
		Description: "Partially update an element; omitted fields are kept",
	}, h.UpdateElement)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_element",
		Description: "Remove an element from a page",
	}, h.RemoveElement)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "freeze_whiteboard",
		Description: "End a whiteboard's session; it becomes read-only",
	}, h.FreezeWhiteboard)
}

func actorOr(id string) string {
	if id == "" {
		return defaultActor
	}
	return id
}

func rawContent(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, fmt.Errorf("content is required")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid content: %w", err)
	}
	return data, nil
}

func elementToOutput(el models.Element, page int) ElementOutput {
	var content any
	if len(el.Content) > 0 {
		_ = json.Unmarshal(el.Content, &content)
	}
	return ElementOutput{
		ID:         el.ID,
		Type:       string(el.Kind),
		PageNumber: page,
		Content:    content,
		Position:   el.Geometry,
		Style:      el.Style,
		Version:    el.Version,
		CreatedBy:  el.Provenance.CreatedBy,
		CreatedAt:  el.Provenance.CreatedAt.Format(time.RFC3339),
		ModifiedBy: el.Provenance.LastModifiedBy,
	}
}

func whiteboardToOutput(doc *models.Document) WhiteboardOutput {
	out := WhiteboardOutput{
		ID:         doc.ID,
		SessionID:  doc.SessionID,
		Version:    doc.Version,
		ActivePage: doc.ActivePage,
		Settings:   doc.Settings,
		Pages:      make([]PageOutput, 0, len(doc.Pages)),
		UpdatedAt:  doc.UpdatedAt.Format(time.RFC3339),
	}
	for _, p := range doc.Pages {
		page := PageOutput{
			PageNumber: p.Number,
			Background: p.Background,
			Elements:   make([]ElementOutput, 0, len(p.Elements)),
		}
		for _, el := range p.Elements {
			page.Elements = append(page.Elements, elementToOutput(el, p.Number))
		}
		out.Pages = append(out.Pages, page)
	}
	return out
}

func mutationToOutput(m models.Mutation) MutationOutput {
	return MutationOutput{
		ID:         m.ID,
		Version:    m.Version,
		Kind:       string(m.Kind),
		PageNumber: m.PageNumber,
		ElementID:  m.ElementID,
		ActorID:    m.ActorID,
		Timestamp:  m.Timestamp.Format(time.RFC3339),
	}
}

func changeToOutput(res *whiteboard.Result) ChangeOutput {
	out := ChangeOutput{
		Version:  res.Version,
		Mutation: mutationToOutput(res.Mutation),
	}
	if res.Document != nil {
		out.Pages = len(res.Document.Pages)
	}
	if res.Element != nil {
		el := elementToOutput(*res.Element, res.Mutation.PageNumber)
		out.Element = &el
	}
	return out
}

func summaryToOutput(info models.DocumentInfo) WhiteboardSummary {
	return WhiteboardSummary{
		ID:        info.ID,
		SessionID: info.SessionID,
		CreatedBy: info.CreatedBy,
		CreatedAt: info.CreatedAt.Format(time.RFC3339),
		Frozen:    info.Frozen(),
	}
}
