// ABOUTME: Migration utility copying every whiteboard between the sqlite and badger backends.
// ABOUTME: Provides dry-run and backup capabilities for safe migration.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/harperreed/whiteboard/db"
	"github.com/harperreed/whiteboard/kv"
	"github.com/harperreed/whiteboard/models"
	"github.com/harperreed/whiteboard/store"
)

const batchSize = 500

// errCompacted marks boards whose log no longer starts at version 1.
var errCompacted = errors.New("log compacted")

func main() {
	from := flag.String("from", "sqlite", "Source backend: sqlite or badger")
	fromPath := flag.String("from-path", "", "Source database file or directory (required)")
	to := flag.String("to", "badger", "Destination backend: sqlite or badger")
	toPath := flag.String("to-path", "", "Destination database file or directory (required)")
	dryRun := flag.Bool("dry-run", false, "Show what would happen without making changes")
	backup := flag.Bool("backup", true, "Back up an existing sqlite destination before writing")
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "migrate"})

	if *fromPath == "" || *toPath == "" {
		logger.Fatal("-from-path and -to-path are required")
	}
	if *from == *to && *fromPath == *toPath {
		logger.Fatal("source and destination are the same store")
	}

	if *backup && !*dryRun && *to == "sqlite" {
		if err := backupFile(*toPath, logger); err != nil {
			logger.Fatal("backup failed", "err", err)
		}
	}

	src, err := openBackend(*from, *fromPath, logger)
	if err != nil {
		logger.Fatal("failed to open source", "err", err)
	}
	defer func() { _ = src.Close() }()

	var dst store.Backend
	if !*dryRun {
		dst, err = openBackend(*to, *toPath, logger)
		if err != nil {
			logger.Fatal("failed to open destination", "err", err)
		}
		defer func() { _ = dst.Close() }()
	}

	report, err := migrate(context.Background(), src, dst, logger)
	if err != nil {
		logger.Fatal("migration failed", "err", err)
	}

	logger.Info("migration completed",
		"copied", report.Copied, "records", report.Records, "skipped", len(report.Skipped), "dry_run", *dryRun)
}

func openBackend(kind, path string, logger *log.Logger) (store.Backend, error) {
	switch kind {
	case "sqlite":
		return db.Open(path)
	case "badger":
		return kv.Open(path, kv.WithLogger(logger))
	}
	return nil, fmt.Errorf("unknown backend %q (valid: sqlite, badger)", kind)
}

func backupFile(path string, logger *log.Logger) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	backupPath := fmt.Sprintf("%s.backup.%s", path, time.Now().Format("20060102-150405"))
	logger.Info("creating backup", "path", backupPath)

	input, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read database: %w", err)
	}
	if err := os.WriteFile(backupPath, input, 0644); err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	return nil
}

// Report summarizes a migration run.
type Report struct {
	Copied  int
	Records int64
	// Skipped maps board id to the reason it was not copied.
	Skipped map[string]string
}

// migrate copies every board from src into dst. A nil dst only inspects src.
// Boards already present in dst and boards whose log was compacted are
// skipped and reported.
func migrate(ctx context.Context, src, dst store.Backend, logger *log.Logger) (*Report, error) {
	infos, err := src.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list boards: %w", err)
	}

	report := &Report{Skipped: map[string]string{}}
	for _, info := range infos {
		n, err := copyBoard(ctx, src, dst, info)
		switch {
		case errors.Is(err, errCompacted), errors.Is(err, models.ErrDocumentExists):
			logger.Warn("skipping board", "board", info.ID, "reason", err)
			report.Skipped[info.ID] = err.Error()
			continue
		case err != nil:
			return report, fmt.Errorf("board %s: %w", info.ID, err)
		}

		logger.Info("copied board", "board", info.ID, "records", n, "frozen", info.Frozen())
		report.Copied++
		report.Records += n
	}
	return report, nil
}

func copyBoard(ctx context.Context, src, dst store.Backend, info models.DocumentInfo) (int64, error) {
	latest, err := src.LatestVersion(ctx, info.ID)
	if err != nil {
		return 0, err
	}
	genesis, err := src.GetMutation(ctx, info.ID, 1)
	if err != nil {
		return 0, err
	}
	if genesis == nil {
		return 0, errCompacted
	}
	creation, err := src.NearestSnapshot(ctx, info.ID, 1)
	if err != nil {
		return 0, err
	}
	if creation == nil || creation.Version != 1 {
		return 0, fmt.Errorf("missing creation snapshot")
	}

	if dst == nil {
		return latest, nil
	}

	open := info
	open.FrozenAt = nil
	if err := dst.CreateDocument(ctx, open, *genesis, *creation); err != nil {
		return 0, err
	}

	for from := int64(2); from <= latest; from += batchSize {
		records, err := src.Mutations(ctx, info.ID, from, min(from+batchSize-1, latest))
		if err != nil {
			return 0, err
		}
		for _, m := range records {
			if err := dst.AppendMutation(ctx, m); err != nil {
				return 0, fmt.Errorf("append %d: %w", m.Version, err)
			}
		}
	}

	versions, err := src.SnapshotVersions(ctx, info.ID)
	if err != nil {
		return 0, err
	}
	for _, v := range versions {
		if v == 1 {
			continue
		}
		snap, err := src.NearestSnapshot(ctx, info.ID, v)
		if err != nil {
			return 0, err
		}
		if err := dst.SaveSnapshot(ctx, *snap); err != nil {
			return 0, err
		}
	}

	if info.Frozen() {
		if err := dst.FreezeDocument(ctx, info); err != nil {
			return 0, err
		}
	}
	return latest, nil
}
