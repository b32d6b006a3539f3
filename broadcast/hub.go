// ABOUTME: In-process fan-out of committed mutations to live subscribers
// ABOUTME: Best-effort, ordered delivery per document with gap and lag detection
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/harperreed/whiteboard/models"
)

// DefaultBuffer is how many undelivered records a subscriber may fall behind
// before it is dropped.
const DefaultBuffer = 256

var (
	// ErrSubscriberLagged means the subscriber's buffer overflowed and it was
	// dropped; it must catch up from a fresh snapshot.
	ErrSubscriberLagged = errors.New("subscriber lagged")
	// ErrVersionGap means a record arrived that does not directly follow the
	// last delivered one.
	ErrVersionGap = errors.New("version gap")
	// ErrSubscriptionClosed is returned after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

type Option func(*Hub)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Hub keeps the subscriber registry for every document. Publish for one
// document must be called in commit order.
type Hub struct {
	buffer int
	logger *log.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		buffer: DefaultBuffer,
		logger: log.New(io.Discard),
		subs:   make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "broadcast")
	return h
}

// Subscribe registers a subscriber immediately. Records published from now
// on are buffered until the subscriber reads them.
func (h *Hub) Subscribe(documentID string) *Subscription {
	s := &Subscription{
		hub:        h,
		documentID: documentID,
		ch:         make(chan models.Mutation, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[documentID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[documentID] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish hands m to every subscriber of its document without blocking.
// A subscriber whose buffer is full is dropped.
func (h *Hub) Publish(m models.Mutation) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs[m.DocumentID] {
		select {
		case s.ch <- m:
		default:
			h.logger.Warn("dropping lagging subscriber", "document", m.DocumentID, "version", m.Version)
			h.removeLocked(s, ErrSubscriberLagged)
		}
	}
}

// CloseDocument ends every subscription of a document with reason.
func (h *Hub) CloseDocument(documentID string, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.subs[documentID])
	for s := range h.subs[documentID] {
		h.removeLocked(s, reason)
	}
	if n > 0 {
		h.logger.Debug("document streams closed", "document", documentID, "subscribers", n, "reason", reason)
	}
}

// Subscribers returns the number of live subscribers of a document.
func (h *Hub) Subscribers(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[documentID])
}

func (h *Hub) removeLocked(s *Subscription, reason error) {
	set := h.subs[s.documentID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.documentID)
	}
	s.reason = reason
	close(s.ch)
}

// Subscription is one viewer's ordered view of a document's commits.
// Next must not be called concurrently.
type Subscription struct {
	hub        *Hub
	documentID string
	ch         chan models.Mutation

	// reason is written by the hub before ch is closed.
	reason error

	last    int64
	resumed bool
}

// DocumentID returns the subscribed document.
func (s *Subscription) DocumentID() string {
	return s.documentID
}

// Resume sets the version the viewer already holds; only later versions
// are delivered.
func (s *Subscription) Resume(after int64) {
	s.last = after
	s.resumed = true
}

// Last returns the last delivered (or resumed) version.
func (s *Subscription) Last() int64 {
	return s.last
}

// Next returns the record directly following the last delivered version.
// Already-seen versions are skipped. After the hub drops the subscription,
// buffered records are still delivered before the drop reason is returned.
func (s *Subscription) Next(ctx context.Context) (models.Mutation, error) {
	for {
		select {
		case <-ctx.Done():
			return models.Mutation{}, ctx.Err()
		case m, ok := <-s.ch:
			if !ok {
				if s.reason == nil {
					return models.Mutation{}, ErrSubscriptionClosed
				}
				return models.Mutation{}, s.reason
			}
			if !s.resumed {
				s.Resume(m.Version - 1)
			}
			if m.Version <= s.last {
				continue
			}
			if m.Version != s.last+1 {
				return models.Mutation{}, fmt.Errorf("%w: expected %d, got %d", ErrVersionGap, s.last+1, m.Version)
			}
			s.last = m.Version
			return m, nil
		}
	}
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s, ErrSubscriptionClosed)
}
