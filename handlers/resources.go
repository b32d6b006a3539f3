// ABOUTME: MCP resource handlers for exposing whiteboard state
// ABOUTME: Provides read-only access to boards and their history via whiteboard:// URIs
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/whiteboard/whiteboard"
)

const (
	resourceScheme = "whiteboard://"
	jsonMIME       = "application/json"
)

type ResourceHandlers struct {
	svc *whiteboard.Service
}

func NewResourceHandlers(svc *whiteboard.Service) *ResourceHandlers {
	return &ResourceHandlers{svc: svc}
}

// ReadResource serves whiteboard://boards, whiteboard://boards/{id},
// whiteboard://boards/{id}/versions/{v} and whiteboard://boards/{id}/history.
func (h *ResourceHandlers) ReadResource(ctx context.Context, request *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := request.Params.URI
	if !strings.HasPrefix(uri, resourceScheme) {
		return nil, fmt.Errorf("invalid URI scheme: expected %s", resourceScheme)
	}

	parts := strings.Split(strings.TrimPrefix(uri, resourceScheme), "/")
	if parts[0] != "boards" {
		return nil, mcp.ResourceNotFoundError(uri)
	}

	switch {
	case len(parts) == 1:
		infos, err := h.svc.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list whiteboards: %w", err)
		}
		return jsonResource(uri, infos)

	case len(parts) == 2:
		doc, err := h.svc.Current(ctx, parts[1])
		if err != nil {
			return nil, fmt.Errorf("failed to fetch whiteboard: %w", err)
		}
		return jsonResource(uri, doc)

	case len(parts) == 3 && parts[2] == "history":
		records, err := h.svc.History(ctx, parts[1], 1, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch history: %w", err)
		}
		return jsonResource(uri, records)

	case len(parts) == 4 && parts[2] == "versions":
		version, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid version %q: %w", parts[3], err)
		}
		doc, err := h.svc.AtVersion(ctx, parts[1], version)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch whiteboard: %w", err)
		}
		return jsonResource(uri, doc)
	}

	return nil, mcp.ResourceNotFoundError(uri)
}

// Register adds the board list and the per-board templates to server.
func (h *ResourceHandlers) Register(server *mcp.Server) {
	server.AddResource(&mcp.Resource{
		URI:         resourceScheme + "boards",
		Name:        "whiteboards",
		Description: "Every whiteboard with its lifecycle state",
		MIMEType:    jsonMIME,
	}, h.ReadResource)

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: resourceScheme + "boards/{id}",
		Name:        "whiteboard",
		Description: "Current state of one whiteboard",
		MIMEType:    jsonMIME,
	}, h.ReadResource)

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: resourceScheme + "boards/{id}/versions/{version}",
		Name:        "whiteboard-version",
		Description: "A whiteboard as of a past version",
		MIMEType:    jsonMIME,
	}, h.ReadResource)

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: resourceScheme + "boards/{id}/history",
		Name:        "whiteboard-history",
		Description: "Every retained mutation of one whiteboard",
		MIMEType:    jsonMIME,
	}, h.ReadResource)
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}

	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
		{
			URI:      uri,
			MIMEType: jsonMIME,
			Text:     string(data),
		},
	}}, nil
}
