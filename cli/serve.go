// ABOUTME: serve subcommand running the HTTP API, live stream, and dashboard
// ABOUTME: Shuts down cleanly on SIGINT or SIGTERM
package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harperreed/whiteboard/web"
)

func newServeCommand(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the whiteboard HTTP API and live stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Addr
			}

			svc, err := a.openService()
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			srv, err := web.NewServer(svc, a.logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}
