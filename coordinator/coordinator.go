// ABOUTME: Mutation coordinator turning caller intents into committed, versioned records
// ABOUTME: Serializes writers per document, validates against current state, retries only when safe
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/harperreed/whiteboard/models"
	"github.com/harperreed/whiteboard/store"
)

const (
	DefaultLockTimeout   = 5 * time.Second
	DefaultCommitRetries = 3

	retryBackoff = 10 * time.Millisecond
)

// Publisher receives every committed record, in commit order per document.
type Publisher interface {
	Publish(m models.Mutation)
	CloseDocument(documentID string, reason error)
}

// Result describes one committed mutation.
type Result struct {
	Document *models.Document
	Mutation models.Mutation
	Element  *models.Element
	Version  int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLockTimeout bounds how long a mutation waits for its document's slot.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lockTimeout = d
		}
	}
}

// WithCommitRetries sets how many times a commit is retried after a
// conflict or a storage failure that provably left nothing behind.
func WithCommitRetries(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.retries = n
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) {
		c.pub = p
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithElementIDs overrides how fresh element ids are generated.
func WithElementIDs(next func() string) Option {
	return func(c *Coordinator) {
		if next != nil {
			c.newElementID = next
		}
	}
}

// Coordinator is the only writer path into the Store.
type Coordinator struct {
	store       *store.Store
	pub         Publisher
	logger      *log.Logger
	lockTimeout time.Duration
	retries     int
	now         func() time.Time

	newElementID func() string

	entropyMu sync.Mutex
	entropy   io.Reader

	slots *slots
}

// New creates a Coordinator writing to s.
func New(s *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        s,
		logger:       log.New(io.Discard),
		lockTimeout:  DefaultLockTimeout,
		retries:      DefaultCommitRetries,
		now:          func() time.Time { return time.Now().UTC() },
		newElementID: func() string { return uuid.New().String() },
		entropy:      ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		slots:        newSlots(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "coordinator")
	return c
}

// Create starts a new document for sessionID at version 1.
func (c *Coordinator) Create(ctx context.Context, sessionID, actorID string) (*Result, error) {
	const op = "create"
	if err := models.ValidateDocumentID(sessionID); err != nil {
		return nil, &models.Error{Op: op, DocumentID: sessionID, Err: err}
	}

	release, err := c.slots.acquire(ctx, sessionID, c.lockTimeout)
	if err != nil {
		return nil, &models.Error{Op: op, DocumentID: sessionID, Err: err}
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	at := c.now()
	genesis := models.Mutation{
		ID:         c.recordID(at),
		DocumentID: sessionID,
		SessionID:  sessionID,
		Version:    1,
		Kind:       models.MutationCreate,
		ActorID:    actorID,
		Timestamp:  at,
	}
	doc, err := c.store.Create(ctx, genesis, actorID)
	if err != nil {
		return nil, c.fail(ctx, op, sessionID, err)
	}

	c.publish(genesis)
	c.logger.Info("document created", "document", sessionID, "actor", actorID)
	return &Result{Document: doc, Mutation: genesis, Version: doc.Version}, nil
}

// AddElement places a new element built from spec on pageNumber.
func (c *Coordinator) AddElement(ctx context.Context, documentID, actorID string, pageNumber int, spec models.ElementSpec) (*Result, error) {
	const op = "add-element"
	if err := spec.Validate(); err != nil {
		return nil, c.fail(ctx, op, documentID, err)
	}
	return c.commit(ctx, op, documentID, actorID, func(doc *models.Document, at time.Time) (models.Mutation, error) {
		if doc.Page(pageNumber) == nil {
			return models.Mutation{}, models.ErrPageNotFound
		}
		el := models.NewElement(c.newElementID(), spec, actorID, at)
		return models.Mutation{
			Kind:       models.MutationAddElement,
			PageNumber: pageNumber,
			ElementID:  el.ID,
			Element:    &el,
		}, nil
	})
}

// UpdateElement merges u into the element. The whole post-update element
// replaces the prior one; the last committed update wins.
func (c *Coordinator) UpdateElement(ctx context.Context, documentID, actorID string, pageNumber int, elementID string, u models.ElementUpdate) (*Result, error) {
	const op = "update-element"
	if u.Empty() {
		return nil, c.fail(ctx, op, documentID, fmt.Errorf("%w: empty update", models.ErrInvalidMutation))
	}
	if err := u.Validate(); err != nil {
		return nil, c.fail(ctx, op, documentID, err)
	}
	return c.commit(ctx, op, documentID, actorID, func(doc *models.Document, at time.Time) (models.Mutation, error) {
		page := doc.Page(pageNumber)
		if page == nil {
			return models.Mutation{}, models.ErrPageNotFound
		}
		el, _ := page.Element(elementID)
		if el == nil {
			return models.Mutation{}, models.ErrElementNotFound
		}
		merged := el.Merge(u, actorID, at)
		return models.Mutation{
			Kind:       models.MutationUpdateElement,
			PageNumber: pageNumber,
			ElementID:  elementID,
			Element:    &merged,
		}, nil
	})
}

// RemoveElement tombstones the element.
func (c *Coordinator) RemoveElement(ctx context.Context, documentID, actorID string, pageNumber int, elementID string) (*Result, error) {
	return c.commit(ctx, "remove-element", documentID, actorID, func(doc *models.Document, _ time.Time) (models.Mutation, error) {
		page := doc.Page(pageNumber)
		if page == nil {
			return models.Mutation{}, models.ErrPageNotFound
		}
		if el, _ := page.Element(elementID); el == nil {
			return models.Mutation{}, models.ErrElementNotFound
		}
		return models.Mutation{
			Kind:       models.MutationRemoveElement,
			PageNumber: pageNumber,
			ElementID:  elementID,
			Tombstone:  true,
		}, nil
	})
}

// AddPage appends a page with the next contiguous number.
func (c *Coordinator) AddPage(ctx context.Context, documentID, actorID, background string) (*Result, error) {
	return c.commit(ctx, "add-page", documentID, actorID, func(doc *models.Document, _ time.Time) (models.Mutation, error) {
		page := models.NewPage(len(doc.Pages)+1, background)
		return models.Mutation{
			Kind:       models.MutationAddPage,
			PageNumber: page.Number,
			Page:       &page,
		}, nil
	})
}

// SetActivePage moves the active page pointer.
func (c *Coordinator) SetActivePage(ctx context.Context, documentID, actorID string, pageNumber int) (*Result, error) {
	return c.commit(ctx, "set-active-page", documentID, actorID, func(doc *models.Document, _ time.Time) (models.Mutation, error) {
		if doc.Page(pageNumber) == nil {
			return models.Mutation{}, models.ErrPageNotFound
		}
		return models.Mutation{Kind: models.MutationSetActivePage, PageNumber: pageNumber}, nil
	})
}

// UpdateSettings changes the display settings.
func (c *Coordinator) UpdateSettings(ctx context.Context, documentID, actorID string, u models.SettingsUpdate) (*Result, error) {
	const op = "update-settings"
	if err := u.Validate(); err != nil {
		return nil, c.fail(ctx, op, documentID, err)
	}
	return c.commit(ctx, op, documentID, actorID, func(doc *models.Document, _ time.Time) (models.Mutation, error) {
		settings := doc.Settings.Apply(u)
		return models.Mutation{Kind: models.MutationUpdateSettings, Settings: &settings}, nil
	})
}

// Freeze makes the document immutable and ends its live streams. It takes
// the document's slot so no append can race the lifecycle change.
func (c *Coordinator) Freeze(ctx context.Context, documentID string) (*models.DocumentInfo, error) {
	const op = "freeze"
	release, err := c.slots.acquire(ctx, documentID, c.lockTimeout)
	if err != nil {
		return nil, c.fail(ctx, op, documentID, err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	info, err := c.store.Freeze(ctx, documentID)
	if err != nil {
		return nil, c.fail(ctx, op, documentID, err)
	}
	if c.pub != nil {
		c.pub.CloseDocument(documentID, models.ErrDocumentFrozen)
	}
	return info, nil
}

type intent func(doc *models.Document, at time.Time) (models.Mutation, error)

func (c *Coordinator) commit(ctx context.Context, op, documentID, actorID string, build intent) (*Result, error) {
	release, err := c.slots.acquire(ctx, documentID, c.lockTimeout)
	if err != nil {
		return nil, c.fail(ctx, op, documentID, err)
	}
	defer release()

	// Admitted work always runs to commit or hard failure.
	ctx = context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * retryBackoff)
		}

		info, err := c.store.Info(ctx, documentID)
		if err != nil {
			return nil, c.fail(ctx, op, documentID, err)
		}
		if info.Frozen() {
			return nil, c.fail(ctx, op, documentID, models.ErrDocumentFrozen)
		}
		doc, err := c.store.Current(ctx, documentID)
		if err != nil {
			return nil, c.fail(ctx, op, documentID, err)
		}

		at := c.now()
		m, err := build(doc, at)
		if err != nil {
			return nil, c.fail(ctx, op, documentID, err)
		}
		m.ID = c.recordID(at)
		m.DocumentID = documentID
		m.Version = doc.Version + 1
		m.ActorID = actorID
		m.Timestamp = at

		next, err := c.store.Append(ctx, m)
		switch {
		case err == nil:
			return c.committed(op, m, next), nil

		case errors.Is(err, models.ErrVersionConflict):
			c.logger.Warn("version conflict, revalidating", "op", op, "document", documentID, "version", m.Version, "attempt", attempt+1)
			lastErr = err

		case errors.Is(err, models.ErrPersistence):
			landed, safe := c.reconcile(ctx, m)
			if landed {
				c.store.Invalidate(documentID)
				next, rerr := c.store.Current(ctx, documentID)
				if rerr != nil {
					return nil, c.fail(ctx, op, documentID, rerr)
				}
				return c.committed(op, m, next), nil
			}
			if !safe {
				return nil, c.fail(ctx, op, documentID, err)
			}
			c.logger.Warn("append failed, retrying", "op", op, "document", documentID, "version", m.Version, "attempt", attempt+1, "err", err)
			lastErr = err

		default:
			return nil, c.fail(ctx, op, documentID, err)
		}
	}
	return nil, c.fail(ctx, op, documentID, lastErr)
}

// reconcile decides what a failed append left behind by re-reading the
// durable log. landed means m itself was stored; safe means it provably was
// not, so the intent may be re-run.
func (c *Coordinator) reconcile(ctx context.Context, m models.Mutation) (landed, safe bool) {
	latest, err := c.store.LatestVersion(ctx, m.DocumentID)
	if err != nil {
		return false, false
	}
	if latest < m.Version {
		return false, true
	}
	stored, err := c.store.Mutation(ctx, m.DocumentID, m.Version)
	if err != nil || stored == nil {
		return false, false
	}
	if stored.ID == m.ID {
		return true, false
	}
	// Another writer owns this version; ours never landed.
	c.store.Invalidate(m.DocumentID)
	return false, true
}

func (c *Coordinator) committed(op string, m models.Mutation, doc *models.Document) *Result {
	c.publish(m)
	c.logger.Debug("mutation committed", "op", op, "document", m.DocumentID, "version", m.Version, "actor", m.ActorID)

	res := &Result{Document: doc, Mutation: m, Version: m.Version}
	if m.Element != nil {
		el := m.Element.Clone()
		res.Element = &el
	}
	return res
}

func (c *Coordinator) publish(m models.Mutation) {
	if c.pub != nil {
		c.pub.Publish(m)
	}
}

// fail wraps err with the document's last known good version.
func (c *Coordinator) fail(ctx context.Context, op, documentID string, err error) error {
	var e *models.Error
	if errors.As(err, &e) {
		return err
	}
	var last int64
	if v, verr := c.store.Version(context.WithoutCancel(ctx), documentID); verr == nil {
		last = v
	}
	if !errors.Is(err, models.ErrPageNotFound) && !errors.Is(err, models.ErrElementNotFound) {
		c.logger.Debug("mutation rejected", "op", op, "document", documentID, "version", last, "err", err)
	}
	return &models.Error{Op: op, DocumentID: documentID, LastVersion: last, Err: err}
}

func (c *Coordinator) recordID(at time.Time) string {
	c.entropyMu.Lock()
	defer c.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), c.entropy).String()
}
