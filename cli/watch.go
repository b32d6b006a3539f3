// ABOUTME: watch subcommand following a whiteboard on a running server
// ABOUTME: Prints each commit as it lands, or opens the live TUI viewer
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/harperreed/whiteboard/client"
	"github.com/harperreed/whiteboard/tui"
)

func newWatchCommand(a *app) *cobra.Command {
	var (
		server string
		useTUI bool
	)

	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a whiteboard live from a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				server = "http://" + a.cfg.Addr
			}

			logger := a.logger
			if useTUI {
				// keep the terminal for the viewer
				logger = log.New(io.Discard)
			}

			follower, err := client.NewFollower(server, args[0], client.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if useTUI {
				return runViewer(ctx, args[0], follower)
			}
			return printFeed(ctx, cmd.OutOrStdout(), follower)
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server base URL (default http://<addr from config>)")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Open the interactive viewer")
	return cmd
}

func runViewer(ctx context.Context, id string, follower *client.Follower) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- follower.Run(ctx) }()

	p := tea.NewProgram(tui.NewModel(id, follower), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	cancel()
	runErr := <-errCh

	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return streamResult(runErr)
}

func printFeed(ctx context.Context, out io.Writer, follower *client.Follower) error {
	errCh := make(chan error, 1)
	go func() { errCh <- follower.Run(ctx) }()

	for u := range follower.Updates() {
		if u.Mutation == nil {
			doc := follower.Replica()
			if doc != nil {
				fmt.Fprintf(out, "v%d snapshot: %d pages, %d elements\n", u.Version, len(doc.Pages), doc.ElementCount())
			}
			continue
		}
		m := u.Mutation
		line := fmt.Sprintf("v%d %s by %s", m.Version, m.Kind, orDash(m.ActorID))
		if m.PageNumber > 0 {
			line += fmt.Sprintf(" page %d", m.PageNumber)
		}
		if m.ElementID != "" {
			line += " " + m.ElementID
		}
		fmt.Fprintln(out, line)
	}
	return streamResult(<-errCh)
}

// streamResult treats a user interrupt and a frozen board as a clean exit.
func streamResult(err error) error {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, client.ErrStreamClosed):
		return nil
	}
	return err
}
