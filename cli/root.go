// ABOUTME: Root cobra command and shared setup for every subcommand
// ABOUTME: Loads config, builds the logger, and opens the configured backend on demand
package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/harperreed/whiteboard/config"
	"github.com/harperreed/whiteboard/db"
	"github.com/harperreed/whiteboard/kv"
	"github.com/harperreed/whiteboard/store"
	"github.com/harperreed/whiteboard/whiteboard"
)

// app carries what the root command resolved for its subcommands.
type app struct {
	configPath string
	backend    string
	dbPath     string
	verbose    bool

	cfg    *config.Config
	logger *log.Logger
}

// NewRootCommand builds the whiteboard command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "whiteboard",
		Short: "Versioned, live-synced whiteboards for meeting sessions",
		Long: `whiteboard keeps one versioned document per session. Every change is an
ordered mutation; any past version can be rebuilt, and viewers follow
commits live over a websocket stream.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default: "+config.DefaultPath()+")")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "Storage backend: sqlite or badger")
	root.PersistentFlags().StringVar(&a.dbPath, "db-path", "", "Database file (sqlite) or directory (badger)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newServeCommand(a),
		newMCPCommand(a),
		newBoardCommand(a),
		newWatchCommand(a),
		newVersionCommand(version),
	)
	return root
}

// Execute runs the command tree and exits non-zero on failure.
func Execute(version string) {
	if err := NewRootCommand(version).Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.backend != "" {
		cfg.Backend = a.backend
	}
	if a.dbPath != "" {
		if cfg.Backend == config.BackendBadger {
			cfg.BadgerDir = a.dbPath
		} else {
			cfg.SQLitePath = a.dbPath
		}
	}
	if a.verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = cfg.Logger()
	return nil
}

// OpenBackend opens the backend cfg selects.
func OpenBackend(cfg *config.Config, logger *log.Logger) (store.Backend, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		b, err := kv.Open(cfg.BadgerDir, kv.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return b, nil
	default:
		b, err := db.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return b, nil
	}
}

func (a *app) openService() (*whiteboard.Service, error) {
	backend, err := OpenBackend(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("opened backend", "backend", a.cfg.Backend)
	return whiteboard.New(backend, a.cfg.EngineOptions(a.logger)), nil
}
