// ABOUTME: Document version store over a pluggable Backend
// ABOUTME: Maintains current states, captures snapshots, and rebuilds any historical version
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/harperreed/whiteboard/models"
)

const (
	// DefaultSnapshotInterval is how many versions pass between snapshots.
	DefaultSnapshotInterval = 50
)

// Option configures a Store.
type Option func(*Store)

// WithSnapshotInterval captures a snapshot whenever version%n == 0.
func WithSnapshotInterval(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.interval = n
		}
	}
}

// WithRetention keeps at least n versions of replayable history behind the
// latest version; older records are compacted behind a snapshot. Zero keeps
// everything.
func WithRetention(n int64) Option {
	return func(s *Store) {
		if n >= 0 {
			s.retain = n
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type entry struct {
	doc  *models.Document
	info models.DocumentInfo
}

// Store is the sole source of truth for "what is document D at version V".
// Cached documents are never mutated in place: a commit installs a new
// pointer, so readers always see a whole version.
type Store struct {
	backend  Backend
	interval int64
	retain   int64
	logger   *log.Logger
	now      func() time.Time

	loads singleflight.Group

	mu      sync.RWMutex
	current map[string]*entry
}

// New creates a Store on top of backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		interval: DefaultSnapshotInterval,
		logger:   log.New(io.Discard),
		now:      func() time.Time { return time.Now().UTC() },
		current:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")
	return s
}

// SnapshotInterval returns the configured snapshot interval.
func (s *Store) SnapshotInterval() int64 {
	return s.interval
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Create persists a new document from its version 1 record.
func (s *Store) Create(ctx context.Context, genesis models.Mutation, createdBy string) (*models.Document, error) {
	if genesis.Kind != models.MutationCreate || genesis.Version != 1 {
		return nil, fmt.Errorf("%w: genesis must be a version 1 create record", models.ErrInvalidMutation)
	}

	doc := &models.Document{}
	if err := doc.Apply(genesis); err != nil {
		return nil, err
	}

	info := models.DocumentInfo{
		ID:        doc.ID,
		SessionID: doc.SessionID,
		CreatedBy: createdBy,
		CreatedAt: genesis.Timestamp,
	}
	snap := models.Snapshot{DocumentID: doc.ID, Version: 1, State: *doc.Clone(), CreatedAt: s.now()}

	if err := s.backend.CreateDocument(ctx, info, genesis, snap); err != nil {
		return nil, persistErr("create document", err)
	}

	s.install(doc.ID, &entry{doc: doc, info: info})
	s.logger.Debug("document created", "document", doc.ID)
	return doc.Clone(), nil
}

// Info returns the lifecycle record of a document as stored, so a freeze
// made through another store on the same backend is visible.
func (s *Store) Info(ctx context.Context, id string) (*models.DocumentInfo, error) {
	if _, err := s.entry(ctx, id); err != nil {
		return nil, err
	}
	info, err := s.backend.GetDocument(ctx, id)
	if err != nil {
		return nil, persistErr("get document", err)
	}
	s.setInfo(id, *info)
	return info, nil
}

// List returns the lifecycle records of every stored document.
func (s *Store) List(ctx context.Context) ([]models.DocumentInfo, error) {
	infos, err := s.backend.ListDocuments(ctx)
	if err != nil {
		return nil, persistErr("list documents", err)
	}
	return infos, nil
}

// Freeze marks the document immutable. Freezing twice is a no-op.
func (s *Store) Freeze(ctx context.Context, id string) (*models.DocumentInfo, error) {
	info, err := s.Info(ctx, id)
	if err != nil {
		return nil, err
	}
	if info.Frozen() {
		return info, nil
	}

	at := s.now()
	info.FrozenAt = &at
	if err := s.backend.FreezeDocument(ctx, *info); err != nil {
		return nil, persistErr("freeze document", err)
	}

	// Another store may have frozen it first; its timestamp wins.
	stored, err := s.backend.GetDocument(ctx, id)
	if err != nil {
		return nil, persistErr("get document", err)
	}
	s.setInfo(id, *stored)

	s.logger.Info("document frozen", "document", id)
	return stored, nil
}

// Current returns a copy of the latest committed state.
func (s *Store) Current(ctx context.Context, id string) (*models.Document, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.doc.Clone(), nil
}

// Version returns the latest committed version without copying the state.
func (s *Store) Version(ctx context.Context, id string) (int64, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return 0, err
	}
	return e.doc.Version, nil
}

// LatestVersion asks the backend, bypassing the cache.
func (s *Store) LatestVersion(ctx context.Context, id string) (int64, error) {
	v, err := s.backend.LatestVersion(ctx, id)
	if err != nil {
		return 0, persistErr("latest version", err)
	}
	return v, nil
}

// Mutation returns the durable record at exactly version, or nil.
func (s *Store) Mutation(ctx context.Context, id string, version int64) (*models.Mutation, error) {
	m, err := s.backend.GetMutation(ctx, id, version)
	if err != nil {
		return nil, persistErr("get mutation", err)
	}
	return m, nil
}

// Append durably records m and installs the resulting state. m.Version must
// be exactly one past the current version.
func (s *Store) Append(ctx context.Context, m models.Mutation) (*models.Document, error) {
	e, err := s.entry(ctx, m.DocumentID)
	if err != nil {
		return nil, err
	}
	if e.info.Frozen() {
		return nil, models.ErrDocumentFrozen
	}
	if m.Version != e.doc.Version+1 {
		return nil, fmt.Errorf("%w: append %d after %d", models.ErrVersionConflict, m.Version, e.doc.Version)
	}

	next := e.doc.Clone()
	if err := next.Apply(m); err != nil {
		return nil, err
	}

	if err := s.backend.AppendMutation(ctx, m); err != nil {
		if errors.Is(err, models.ErrVersionConflict) || errors.Is(err, models.ErrDocumentFrozen) {
			// Someone else changed the document; the cache can no longer be trusted.
			s.Invalidate(m.DocumentID)
		}
		return nil, persistErr("append mutation", err)
	}

	s.install(m.DocumentID, &entry{doc: next, info: e.info})

	if next.Version%s.interval == 0 {
		s.snapshot(ctx, next)
	}
	return next.Clone(), nil
}

// AtVersion returns the state as of the greatest committed version <= version.
// Requests below 1 are answered with the creation state.
func (s *Store) AtVersion(ctx context.Context, id string, version int64) (*models.Document, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	if version >= e.doc.Version {
		return e.doc.Clone(), nil
	}
	if version < 1 {
		version = 1
	}
	return s.rebuild(ctx, id, version)
}

// ReplayFromScratch rebuilds version by applying records 1..version onto an
// empty document, ignoring snapshots.
func (s *Store) ReplayFromScratch(ctx context.Context, id string, version int64) (*models.Document, error) {
	if _, err := s.entry(ctx, id); err != nil {
		return nil, err
	}
	if version < 1 {
		version = 1
	}
	records, err := s.backend.Mutations(ctx, id, 1, version)
	if err != nil {
		return nil, persistErr("load mutations", err)
	}
	if len(records) == 0 || records[0].Version != 1 {
		return nil, fmt.Errorf("%w: log starts after version 1", models.ErrVersionCompacted)
	}
	return models.Replay(nil, records)
}

// History returns the log records with from <= version <= to. A zero to
// means up to the latest version.
func (s *Store) History(ctx context.Context, id string, from, to int64) ([]models.Mutation, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	if from < 1 {
		from = 1
	}
	if to <= 0 || to > e.doc.Version {
		to = e.doc.Version
	}
	if from > to {
		return []models.Mutation{}, nil
	}
	records, err := s.backend.Mutations(ctx, id, from, to)
	if err != nil {
		return nil, persistErr("load mutations", err)
	}
	if len(records) == 0 || records[0].Version != from {
		return nil, fmt.Errorf("%w: history before %d", models.ErrVersionCompacted, from)
	}
	return records, nil
}

// ElementHistory returns every retained record that touched the element,
// including its tombstone.
func (s *Store) ElementHistory(ctx context.Context, id, elementID string) ([]models.Mutation, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := s.backend.Mutations(ctx, id, 1, e.doc.Version)
	if err != nil {
		return nil, persistErr("load mutations", err)
	}
	var out []models.Mutation
	for _, m := range records {
		if m.ElementID == elementID || (m.Element != nil && m.Element.ID == elementID) {
			out = append(out, m)
		}
	}
	return out, nil
}

// SnapshotVersions lists the retained snapshot versions in ascending order.
func (s *Store) SnapshotVersions(ctx context.Context, id string) ([]int64, error) {
	versions, err := s.backend.SnapshotVersions(ctx, id)
	if err != nil {
		return nil, persistErr("list snapshots", err)
	}
	return versions, nil
}

// Invalidate drops the cached state so the next read reloads from the backend.
func (s *Store) Invalidate(id string) {
	s.mu.Lock()
	delete(s.current, id)
	s.mu.Unlock()
}

// entry returns the cached state of id, loading it on first use and catching
// up with records other stores appended to the same backend.
func (s *Store) entry(ctx context.Context, id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.current[id]
	s.mu.RUnlock()
	if ok {
		return s.refresh(ctx, id, e)
	}

	v, err, _ := s.loads.Do(id, func() (any, error) {
		return s.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	e = v.(*entry)
	return s.install(id, e), nil
}

func (s *Store) refresh(ctx context.Context, id string, e *entry) (*entry, error) {
	latest, err := s.backend.LatestVersion(ctx, id)
	if err != nil {
		return nil, persistErr("latest version", err)
	}
	if latest <= e.doc.Version {
		return e, nil
	}

	v, err, _ := s.loads.Do(id, func() (any, error) {
		return s.catchUp(ctx, id, e, latest)
	})
	if err != nil {
		return nil, err
	}
	return s.install(id, v.(*entry)), nil
}

// catchUp replays the records in (e.doc.Version, latest] onto e. If those
// records were compacted away it rebuilds from the nearest snapshot instead.
func (s *Store) catchUp(ctx context.Context, id string, e *entry, latest int64) (*entry, error) {
	records, err := s.backend.Mutations(ctx, id, e.doc.Version+1, latest)
	if err != nil {
		return nil, persistErr("load mutations", err)
	}
	if int64(len(records)) != latest-e.doc.Version || records[0].Version != e.doc.Version+1 {
		return s.load(ctx, id)
	}
	doc, err := models.Replay(e.doc, records)
	if err != nil {
		return nil, err
	}
	info, err := s.backend.GetDocument(ctx, id)
	if err != nil {
		return nil, persistErr("get document", err)
	}
	s.logger.Debug("caught up with backend", "document", id, "from", e.doc.Version, "to", doc.Version)
	return &entry{doc: doc, info: *info}, nil
}

func (s *Store) load(ctx context.Context, id string) (*entry, error) {
	info, err := s.backend.GetDocument(ctx, id)
	if err != nil {
		return nil, persistErr("get document", err)
	}
	latest, err := s.backend.LatestVersion(ctx, id)
	if err != nil {
		return nil, persistErr("latest version", err)
	}
	doc, err := s.rebuild(ctx, id, latest)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("document loaded", "document", id, "version", doc.Version)
	return &entry{doc: doc, info: *info}, nil
}

// install caches e unless a newer version is already cached, and returns
// whichever entry won.
func (s *Store) install(id string, e *entry) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.current[id]; ok && cur.doc.Version >= e.doc.Version {
		return cur
	}
	s.current[id] = e
	return e
}

// setInfo replaces the cached lifecycle record, keeping the cached state.
func (s *Store) setInfo(id string, info models.DocumentInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.current[id]; ok {
		s.current[id] = &entry{doc: cur.doc, info: info}
	}
}

func (s *Store) rebuild(ctx context.Context, id string, version int64) (*models.Document, error) {
	snap, err := s.backend.NearestSnapshot(ctx, id, version)
	if err != nil {
		return nil, persistErr("nearest snapshot", err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: no snapshot at or before %d", models.ErrVersionCompacted, version)
	}
	if snap.Version == version {
		return snap.State.Clone(), nil
	}

	records, err := s.backend.Mutations(ctx, id, snap.Version+1, version)
	if err != nil {
		return nil, persistErr("load mutations", err)
	}
	if int64(len(records)) != version-snap.Version || records[0].Version != snap.Version+1 {
		return nil, fmt.Errorf("%w: version %d", models.ErrVersionCompacted, version)
	}
	return models.Replay(&snap.State, records)
}

func (s *Store) snapshot(ctx context.Context, doc *models.Document) {
	snap := models.Snapshot{DocumentID: doc.ID, Version: doc.Version, State: *doc.Clone(), CreatedAt: s.now()}
	if err := s.backend.SaveSnapshot(ctx, snap); err != nil {
		// The record is already durable; a missing snapshot only costs replay time.
		s.logger.Warn("snapshot failed", "document", doc.ID, "version", doc.Version, "err", err)
		return
	}
	s.logger.Debug("snapshot captured", "document", doc.ID, "version", doc.Version)

	if s.retain > 0 {
		s.compact(ctx, doc.ID, doc.Version)
	}
}

func (s *Store) compact(ctx context.Context, id string, latest int64) {
	cutoff := latest - s.retain
	if cutoff <= 1 {
		return
	}
	versions, err := s.backend.SnapshotVersions(ctx, id)
	if err != nil {
		s.logger.Warn("compaction skipped", "document", id, "err", err)
		return
	}
	var horizon int64
	for _, v := range versions {
		if v > 1 && v <= cutoff {
			horizon = v
		}
	}
	if horizon == 0 {
		return
	}
	if err := s.backend.Compact(ctx, id, horizon); err != nil {
		s.logger.Warn("compaction failed", "document", id, "horizon", horizon, "err", err)
		return
	}
	s.logger.Debug("log compacted", "document", id, "horizon", horizon)
}

// persistErr passes engine sentinels through and marks anything else as a
// storage failure.
func persistErr(op string, err error) error {
	switch {
	case errors.Is(err, models.ErrDocumentNotFound),
		errors.Is(err, models.ErrDocumentExists),
		errors.Is(err, models.ErrDocumentFrozen),
		errors.Is(err, models.ErrVersionConflict),
		errors.Is(err, models.ErrPersistence):
		return err
	}
	return fmt.Errorf("%w: %s: %w", models.ErrPersistence, op, err)
}
