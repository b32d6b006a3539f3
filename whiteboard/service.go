// ABOUTME: Whiteboard façade wiring the version store, coordinator, and broadcast hub
// ABOUTME: The only surface the HTTP, MCP, and CLI layers call into
package whiteboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/harperreed/whiteboard/broadcast"
	"github.com/harperreed/whiteboard/coordinator"
	"github.com/harperreed/whiteboard/models"
	"github.com/harperreed/whiteboard/store"
)

// Result describes one committed mutation.
type Result = coordinator.Result

// Options tunes the engine. Zero values select the defaults.
type Options struct {
	SnapshotInterval int64
	RetainVersions   int64
	LockTimeout      time.Duration
	CommitRetries    int
	SubscriberBuffer int
	Logger           *log.Logger

	// Clock and ElementIDs are test hooks.
	Clock      func() time.Time
	ElementIDs func() string
}

// Service is an explicitly constructed engine instance for one backend.
type Service struct {
	store  *store.Store
	coord  *coordinator.Coordinator
	hub    *broadcast.Hub
	logger *log.Logger
}

// New builds a Service over backend. The Service owns the backend and
// closes it in Close.
func New(backend store.Backend, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	storeOpts := []store.Option{
		store.WithLogger(logger),
		store.WithSnapshotInterval(opts.SnapshotInterval),
		store.WithRetention(opts.RetainVersions),
		store.WithClock(opts.Clock),
	}
	s := store.New(backend, storeOpts...)

	hub := broadcast.NewHub(broadcast.WithBuffer(opts.SubscriberBuffer), broadcast.WithLogger(logger))

	coordOpts := []coordinator.Option{
		coordinator.WithPublisher(hub),
		coordinator.WithLogger(logger),
		coordinator.WithLockTimeout(opts.LockTimeout),
		coordinator.WithClock(opts.Clock),
		coordinator.WithElementIDs(opts.ElementIDs),
	}
	if opts.CommitRetries > 0 {
		coordOpts = append(coordOpts, coordinator.WithCommitRetries(opts.CommitRetries))
	}

	return &Service{
		store:  s,
		coord:  coordinator.New(s, coordOpts...),
		hub:    hub,
		logger: logger.With("component", "whiteboard"),
	}
}

// Close releases the backend.
func (s *Service) Close() error {
	return s.store.Close()
}

// Create starts an empty whiteboard with one page for sessionID.
func (s *Service) Create(ctx context.Context, sessionID, actorID string) (*models.Document, error) {
	res, err := s.coord.Create(ctx, sessionID, actorID)
	if err != nil {
		return nil, err
	}
	return res.Document, nil
}

// Current returns the latest committed state.
func (s *Service) Current(ctx context.Context, documentID string) (*models.Document, error) {
	doc, err := s.store.Current(ctx, documentID)
	if err != nil {
		return nil, s.wrap(ctx, "get", documentID, err)
	}
	return doc, nil
}

// AtVersion returns the state as of the greatest committed version <= version.
func (s *Service) AtVersion(ctx context.Context, documentID string, version int64) (*models.Document, error) {
	doc, err := s.store.AtVersion(ctx, documentID, version)
	if err != nil {
		return nil, s.wrap(ctx, "get-at-version", documentID, err)
	}
	return doc, nil
}

// History returns log records in [from, to]; to <= 0 means the latest version.
func (s *Service) History(ctx context.Context, documentID string, from, to int64) ([]models.Mutation, error) {
	records, err := s.store.History(ctx, documentID, from, to)
	if err != nil {
		return nil, s.wrap(ctx, "history", documentID, err)
	}
	return records, nil
}

// ElementHistory returns the retained records that touched one element.
func (s *Service) ElementHistory(ctx context.Context, documentID, elementID string) ([]models.Mutation, error) {
	records, err := s.store.ElementHistory(ctx, documentID, elementID)
	if err != nil {
		return nil, s.wrap(ctx, "element-history", documentID, err)
	}
	return records, nil
}

// Info returns the lifecycle record of a document.
func (s *Service) Info(ctx context.Context, documentID string) (*models.DocumentInfo, error) {
	info, err := s.store.Info(ctx, documentID)
	if err != nil {
		return nil, s.wrap(ctx, "info", documentID, err)
	}
	return info, nil
}

// List returns every stored document.
func (s *Service) List(ctx context.Context) ([]models.DocumentInfo, error) {
	return s.store.List(ctx)
}

// SnapshotVersions lists the retained snapshot versions of a document.
func (s *Service) SnapshotVersions(ctx context.Context, documentID string) ([]int64, error) {
	if _, err := s.store.Info(ctx, documentID); err != nil {
		return nil, s.wrap(ctx, "snapshots", documentID, err)
	}
	return s.store.SnapshotVersions(ctx, documentID)
}

func (s *Service) AddElement(ctx context.Context, documentID, actorID string, pageNumber int, spec models.ElementSpec) (*Result, error) {
	return s.coord.AddElement(ctx, documentID, actorID, pageNumber, spec)
}

func (s *Service) UpdateElement(ctx context.Context, documentID, actorID string, pageNumber int, elementID string, u models.ElementUpdate) (*Result, error) {
	return s.coord.UpdateElement(ctx, documentID, actorID, pageNumber, elementID, u)
}

func (s *Service) RemoveElement(ctx context.Context, documentID, actorID string, pageNumber int, elementID string) (*Result, error) {
	return s.coord.RemoveElement(ctx, documentID, actorID, pageNumber, elementID)
}

func (s *Service) AddPage(ctx context.Context, documentID, actorID, background string) (*Result, error) {
	return s.coord.AddPage(ctx, documentID, actorID, background)
}

func (s *Service) SetActivePage(ctx context.Context, documentID, actorID string, pageNumber int) (*Result, error) {
	return s.coord.SetActivePage(ctx, documentID, actorID, pageNumber)
}

func (s *Service) UpdateSettings(ctx context.Context, documentID, actorID string, u models.SettingsUpdate) (*Result, error) {
	return s.coord.UpdateSettings(ctx, documentID, actorID, u)
}

// Freeze ends the document's session: it becomes a read-only record and its
// live streams are closed.
func (s *Service) Freeze(ctx context.Context, documentID string) (*models.DocumentInfo, error) {
	info, err := s.coord.Freeze(ctx, documentID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("document frozen", "document", documentID)
	return info, nil
}

// Join returns the current state and a subscription that delivers every
// later commit. The subscription is registered before the state is read, so
// nothing committed in between is lost.
func (s *Service) Join(ctx context.Context, documentID string) (*models.Document, *broadcast.Subscription, error) {
	sub := s.hub.Subscribe(documentID)

	doc, err := s.store.Current(ctx, documentID)
	if err != nil {
		sub.Close()
		return nil, nil, s.wrap(ctx, "join", documentID, err)
	}
	sub.Resume(doc.Version)

	if err := s.closeIfFrozen(ctx, documentID); err != nil {
		sub.Close()
		return nil, nil, err
	}
	return doc, sub, nil
}

// Resume lets a reconnecting viewer that holds lastSeen catch up from the
// log instead of a full snapshot. It returns the missing records, oldest
// first, and a subscription positioned after the newest of them. If the
// records were compacted away the viewer must Join again.
func (s *Service) Resume(ctx context.Context, documentID string, lastSeen int64) ([]models.Mutation, *broadcast.Subscription, error) {
	const op = "resume"
	sub := s.hub.Subscribe(documentID)

	current, err := s.store.Version(ctx, documentID)
	if err != nil {
		sub.Close()
		return nil, nil, s.wrap(ctx, op, documentID, err)
	}
	if lastSeen > current {
		sub.Close()
		return nil, nil, s.wrap(ctx, op, documentID,
			fmt.Errorf("%w: viewer holds %d, store is at %d", models.ErrVersionConflict, lastSeen, current))
	}

	records := []models.Mutation{}
	if lastSeen < current {
		records, err = s.store.History(ctx, documentID, lastSeen+1, current)
		if err != nil {
			sub.Close()
			return nil, nil, s.wrap(ctx, op, documentID, err)
		}
	}
	sub.Resume(current)

	if err := s.closeIfFrozen(ctx, documentID); err != nil {
		sub.Close()
		return nil, nil, err
	}
	return records, sub, nil
}

func (s *Service) closeIfFrozen(ctx context.Context, documentID string) error {
	info, err := s.store.Info(ctx, documentID)
	if err != nil {
		return s.wrap(ctx, "join", documentID, err)
	}
	if info.Frozen() {
		s.hub.CloseDocument(documentID, models.ErrDocumentFrozen)
	}
	return nil
}

// wrap attaches the last known good version to a read failure.
func (s *Service) wrap(ctx context.Context, op, documentID string, err error) error {
	var e *models.Error
	if errors.As(err, &e) {
		return err
	}
	var last int64
	if v, verr := s.store.Version(ctx, documentID); verr == nil {
		last = v
	}
	return &models.Error{Op: op, DocumentID: documentID, LastVersion: last, Err: err}
}
