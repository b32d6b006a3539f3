// ABOUTME: MCP server subcommand
// ABOUTME: Starts the MCP server on stdio for agent integrations
package cli

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/harperreed/whiteboard/handlers"
	"github.com/harperreed/whiteboard/whiteboard"
)

// NewMCPServer registers every whiteboard tool, resource, and prompt.
func NewMCPServer(svc *whiteboard.Service, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "whiteboard",
		Version: version,
	}, nil)

	handlers.NewWhiteboardHandlers(svc).Register(server)
	handlers.NewResourceHandlers(svc).Register(server)
	handlers.NewPromptHandlers(svc).Register(server)
	return server
}

func newMCPCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol; logs go to stderr
			a.logger.Info("starting whiteboard MCP server")

			svc, err := a.openService()
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			server := NewMCPServer(svc, cmd.Root().Version)
			return server.Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
}
