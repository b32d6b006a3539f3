// ABOUTME: board subcommands for creating, inspecting, and editing whiteboards
// ABOUTME: Operates directly on the configured local backend
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harperreed/whiteboard/models"
	"github.com/harperreed/whiteboard/whiteboard"
)

type boardFlags struct {
	actor  string
	asJSON bool
}

func newBoardCommand(a *app) *cobra.Command {
	bf := &boardFlags{}

	cmd := &cobra.Command{
		Use:   "board",
		Short: "Create, inspect, and edit whiteboards",
	}
	cmd.PersistentFlags().StringVar(&bf.actor, "actor", defaultActorID(), "Actor recorded on mutations")
	cmd.PersistentFlags().BoolVar(&bf.asJSON, "json", false, "Print JSON instead of tables")

	cmd.AddCommand(
		boardCreateCommand(a, bf),
		boardListCommand(a, bf),
		boardShowCommand(a, bf),
		boardHistoryCommand(a, bf),
		boardAddPageCommand(a, bf),
		boardSetPageCommand(a, bf),
		boardSettingsCommand(a, bf),
		boardAddElementCommand(a, bf),
		boardUpdateElementCommand(a, bf),
		boardRemoveElementCommand(a, bf),
		boardFreezeCommand(a, bf),
	)
	return cmd
}

func defaultActorID() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// withService opens the backend for one command and closes it afterwards.
func (a *app) withService(fn func(svc *whiteboard.Service) error) error {
	svc, err := a.openService()
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()
	return fn(svc)
}

func boardCreateCommand(a *app, bf *boardFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "create <session-id>",
		Short: "Create the whiteboard for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(func(svc *whiteboard.Service) error {
				doc, err := svc.Create(cmd.Context(), args[0], bf.actor)
				if err != nil {
					return err
				}
				if bf.asJSON {
					return printJSON(cmd.OutOrStdout(), doc)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created whiteboard %s (version %d)\n", doc.ID, doc.Version)
				return nil
			})
		},
	}
}

func boardListCommand(a *app, bf *boardFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List whiteboards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(func(svc *whiteboard.Service) error {
				infos, err := svc.List(cmd.Context())
				if err != nil {
					return err
				}
				if bf.asJSON {
					return printJSON(cmd.OutOrStdout(), infos)
				}
				if len(infos) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No whiteboards found")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tCREATED BY\tCREATED\tSTATE")
				_, _ = fmt.Fprintln(w, "--\t----------\t-------\t-----")
				for _, info := range infos {
					state := "open"
					if info.Frozen() {
						state = "frozen"
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.ID, orDash(info.CreatedBy), info.CreatedAt.Format("2006-01-02 15:04"), state)
				}
				return w.Flush()
			})
		},
	}
}

func boardShowCommand(a *app, bf *boardFlags) *cobra.Command {
	var version int64

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a whiteboard, optionally as of a past version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(func(svc *whiteboard.Service) error {
				var (
					doc *models.Document
					err error
				)
				if cmd.Flags().Changed("at") {
					doc, err = svc.AtVersion(cmd.Context(), args[0], version)
				} else {
					doc, err = svc.Current(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				if bf.asJSON {
					return printJSON(cmd.OutOrStdout(), doc)
				}
				return printDocument(cmd.OutOrStdout(), doc)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "at", 0, "Reconstruct the board as of this version")
	return cmd
}

func boardHistoryCommand(a *app, bf *boardFlags) *cobra.Command {
	var (
		from, to  int64
		elementID string
	)

	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "List committed mutations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(func(svc *whiteboard.Service) error {
				var (
					records []models.Mutation
					err     error
				)
				if elementID != "" {
					records, err = svc.ElementHistory(cmd.Context(), args[0], elementID)
				} else {
					records, err = svc.History(cmd.Context(), args[0], from, to)
				}
				if err != nil {
					return err
				}
				if bf.asJSON {
					return printJSON(cmd.OutOrStdout(), records)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "VERSION\tKIND\tPAGE\tELEMENT\tACTOR\tTIME")
				_, _ = fmt.Fprintln(w, "-------\t----\t----\t-------\t-----\t----")
				for _, m := range records {
					page := "-"
					if m.PageNumber > 0 {
						page = strconv.Itoa(m.PageNumber)
					}
					_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
						m.Version, m.Kind, page, orDash(m.ElementID), orDash(m.ActorID), m.Timestamp.Format("2006-01-02 15:04:05"))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 1, "First version")
	cmd.Flags().Int64Var(&to, "to", 0, "Last version (default latest)")
	cmd.Flags().StringVar(&elementID, "element", "", "Only mutations that touched this element")
	return cmd
}

func boardAddPageCommand(a *app, bf *boardFlags) *cobra.Command {
	var background string

	cmd := &cobra.Command{
		Use:   "add-page <id>",
		Short: "Append a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(func(svc *whiteboard.Service) error {
				res, err := svc.AddPage(cmd.Context(), args[0], bf.actor, background)
				return printResult(cmd.OutOrStdout(), bf, res, err)
			})
		},
	}
	cmd.Flags().StringVar(&background, "background", "", "Page background (default white)")
	return cmd
}

func boardSetPageCommand(a *app, bf *boardFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-page <id> <page-number>",
		Short: "Set the active page",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid page number %q", args[1])
			}
			return a.withService(func(svc *whiteboard.Service) error {
				res, err := svc.SetActivePage(cmd.Context(), args[0], bf.actor, page)
				return printResult(cmd.OutOrStdout(), bf, res, err)
			})
		},
	}
}

func boardSettingsCommand(a *app, bf *boardFlags) *cobra.Command {
	var (
		grid, snap bool
		gridSize   int
		theme      string
	)

	cmd := &cobra.Command{
		Use:   "settings <id>",
		Short: "Change grid and theme settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u models.SettingsUpdate
			if cmd.Flags().Changed("grid") {
				u.GridEnabled = &grid
			}
			if cmd.Flags().Changed("snap") {
				u.SnapToGrid = &snap
			}
			if cmd.Flags().Changed("grid-size") {
				u.GridSize = &gridSize
			}
			if cmd.Flags().Changed("theme") {
				u.Theme = &theme
			}
			return a.withService(func(svc *whiteboard.Service) error {
				res, err := svc.UpdateSettings(cmd.Context(), args[0], bf.actor, u)
				return printResult(cmd.OutOrStdout(), bf, res, err)
			})
		},
	}
	cmd.Flags().BoolVar(&grid, "grid", false, "Show the grid")
	cmd.Flags().BoolVar(&snap, "snap", false, "Snap elements to the grid")
	cmd.Flags().IntVar(&gridSize, "grid-size", models.DefaultGridSize, "Grid spacing")
	cmd.Flags().StringVar(&theme, "theme", models.DefaultTheme, "Canvas theme")
	return cmd
}

type geometryFlags struct {
	x, y, width, height, rotation float64
}

func (g *geometryFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&g.x, "x", 0, "X position")
	cmd.Flags().Float64Var(&g.y, "y", 0, "Y position")
	cmd.Flags().Float64Var(&g.width, "width", 100, "Width")
	cmd.Flags().Float64Var(&g.height, "height", 100, "Height")
	cmd.Flags().Float64Var(&g.rotation, "rotation", 0, "Rotation in degrees")
}

func (g *geometryFlags) geometry() models.Geometry {
	return models.Geometry{X: g.x, Y: g.y, Width: g.width, Height: g.height, Rotation: g.rotation}
}

// overlay applies only the flags the user set onto base.
func (g *geometryFlags) overlay(cmd *cobra.Command, base models.Geometry) (models.Geometry, bool) {
	changed := false
	set := func(name string, dst *float64, v float64) {
		if cmd.Flags().Changed(name) {
			*dst = v
			changed = true
		}
	}
	set("x", &base.X, g.x)
	set("y", &base.Y, g.y)
	set("width", &base.Width, g.width)
	set("height", &base.Height, g.height)
	set("rotation", &base.Rotation, g.rotation)
	return base, changed
}

func boardAddElementCommand(a *app, bf *boardFlags) *cobra.Command {
	var (
		page      int
		kind      string
		content   string
		text      string
		sourceURL string
		geo       geometryFlags
	)

	cmd := &cobra.Command{
		Use:   "add-element <id>",
		Short: "Place an element on a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := contentFlag(content, text)
			if err != nil {
				return err
			}
			spec := models.ElementSpec{
				Kind:      models.ElementKind(kind),
				Content:   raw,
				Geometry:  geo.geometry(),
				SourceURL: sourceURL,
			}
			return a.withService(func(svc *whiteboard.Service) error {
				res, err := svc.AddElement(cmd.Context(), args[0], bf.actor, page, spec)
				return printResult(cmd.OutOrStdout(), bf, res, err)
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().StringVar(&kind, "type", string(models.KindText), "Element type: text, image, chart, shape, file, ai-generated")
	cmd.Flags().StringVar(&content, "content", "", "Element payload as JSON")
	cmd.Flags().StringVar(&text, "text", "", "Shorthand for a plain string payload")
	cmd.Flags().StringVar(&sourceURL, "source-url", "", "Where the content came from")
	geo.register(cmd)
	return cmd
}

func boardUpdateElementCommand(a *app, bf *boardFlags) *cobra.Command {
	var (
		page    int
		content string
		text    string
		geo     geometryFlags
	)

	cmd := &cobra.Command{
		Use:   "update-element <id> <element-id>",
		Short: "Partially update an element",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(func(svc *whiteboard.Service) error {
				var u models.ElementUpdate
				if content != "" || text != "" {
					raw, err := contentFlag(content, text)
					if err != nil {
						return err
					}
					u.Content = raw
				}

				doc, err := svc.Current(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if el, _ := doc.FindElement(args[1]); el != nil {
					if g, changed := geo.overlay(cmd, el.Geometry); changed {
						u.Geometry = &g
					}
				}

				res, err := svc.UpdateElement(cmd.Context(), args[0], bf.actor, page, args[1], u)
				return printResult(cmd.OutOrStdout(), bf, res, err)
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().StringVar(&content, "content", "", "Replacement payload as JSON")
	cmd.Flags().StringVar(&text, "text", "", "Shorthand for a plain string payload")
	geo.register(cmd)
	return cmd
}

func boardRemoveElementCommand(a *app, bf *boardFlags) *cobra.Command {
	var page int

	cmd := &cobra.Command{
		Use:   "remove-element <id> <element-id>",
		Short: "Remove an element",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(func(svc *whiteboard.Service) error {
				res, err := svc.RemoveElement(cmd.Context(), args[0], bf.actor, page, args[1])
				return printResult(cmd.OutOrStdout(), bf, res, err)
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	return cmd
}

func boardFreezeCommand(a *app, bf *boardFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "freeze <id>",
		Short: "End a board's session; it becomes read-only",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(func(svc *whiteboard.Service) error {
				info, err := svc.Freeze(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if bf.asJSON {
					return printJSON(cmd.OutOrStdout(), info)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Froze whiteboard %s\n", info.ID)
				return nil
			})
		},
	}
}

func contentFlag(content, text string) (json.RawMessage, error) {
	switch {
	case content != "" && text != "":
		return nil, fmt.Errorf("use either --content or --text, not both")
	case text != "":
		return json.Marshal(text)
	case content == "":
		return nil, fmt.Errorf("--content or --text is required")
	case !json.Valid([]byte(content)):
		return nil, fmt.Errorf("--content must be valid JSON")
	}
	return json.RawMessage(content), nil
}

func printResult(w io.Writer, bf *boardFlags, res *whiteboard.Result, err error) error {
	if err != nil {
		return err
	}
	if bf.asJSON {
		return printJSON(w, res)
	}
	line := fmt.Sprintf("Committed %s at version %d", res.Mutation.Kind, res.Version)
	if res.Element != nil {
		line += fmt.Sprintf(" (element %s)", res.Element.ID)
	}
	_, err = fmt.Fprintln(w, line)
	return err
}

func printDocument(out io.Writer, doc *models.Document) error {
	fmt.Fprintf(out, "Whiteboard %s  version %d  active page %d\n", doc.ID, doc.Version, doc.ActivePage)
	fmt.Fprintf(out, "Grid %v (size %d, snap %v)  theme %s\n", doc.Settings.GridEnabled, doc.Settings.GridSize, doc.Settings.SnapToGrid, doc.Settings.Theme)

	for _, page := range doc.Pages {
		fmt.Fprintf(out, "\nPage %d (%s)\n", page.Number, page.Background)
		if len(page.Elements) == 0 {
			fmt.Fprintln(out, "  (empty)")
			continue
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  ID\tTYPE\tPOSITION\tVER\tCONTENT")
		for _, el := range page.Elements {
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%.0f,%.0f %.0fx%.0f\t%d\t%s\n",
				el.ID, el.Kind, el.Geometry.X, el.Geometry.Y, el.Geometry.Width, el.Geometry.Height, el.Version, string(el.Content))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
