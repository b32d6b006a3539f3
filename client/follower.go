// ABOUTME: Websocket follower that keeps a local replica of one whiteboard
// ABOUTME: Applies streamed mutations in order and reconnects with its last version on gaps or drops
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/harperreed/whiteboard/broadcast"
	"github.com/harperreed/whiteboard/models"
)

const (
	defaultMinBackoff = 100 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
	updateBuffer      = 64
)

var (
	// ErrStreamClosed is returned by Run when the server ends the stream for
	// good, e.g. because the whiteboard was frozen.
	ErrStreamClosed = errors.New("stream closed by server")

	errResync = errors.New("resync requested")
	errGap    = errors.New("version gap in stream")
)

// Update is sent after every change to the replica.
type Update struct {
	Version int64
	// Mutation is nil when a snapshot replaced the replica.
	Mutation *models.Mutation
}

type Option func(*Follower)

func WithLogger(logger *log.Logger) Option {
	return func(f *Follower) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(f *Follower) {
		if d != nil {
			f.dialer = d
		}
	}
}

// WithBackoff bounds the delay between reconnect attempts.
func WithBackoff(min, max time.Duration) Option {
	return func(f *Follower) {
		if min > 0 && max >= min {
			f.minBackoff, f.maxBackoff = min, max
		}
	}
}

// Follower mirrors one whiteboard from a server's stream endpoint.
type Follower struct {
	streamURL  *url.URL
	documentID string
	dialer     *websocket.Dialer
	logger     *log.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	mu      sync.RWMutex
	replica *models.Document

	updates chan Update
}

// NewFollower follows documentID on the server at baseURL (http or https).
func NewFollower(baseURL, documentID string, opts ...Option) (*Follower, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u = u.JoinPath("whiteboards", documentID, "stream")

	f := &Follower{
		streamURL:  u,
		documentID: documentID,
		dialer:     websocket.DefaultDialer,
		logger:     log.New(io.Discard),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		updates:    make(chan Update, updateBuffer),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "follower", "document", documentID)
	return f, nil
}

// Updates delivers a notification per replica change. Notifications are
// dropped while the channel is full; Replica always has the latest state.
func (f *Follower) Updates() <-chan Update {
	return f.updates
}

// Replica returns a copy of the local state, or nil before the first snapshot.
func (f *Follower) Replica() *models.Document {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.replica == nil {
		return nil
	}
	return f.replica.Clone()
}

// Version is the last version applied to the replica.
func (f *Follower) Version() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.replica == nil {
		return 0
	}
	return f.replica.Version
}

// Run follows the stream until ctx is cancelled, the server closes the
// stream, or the whiteboard cannot be found.
func (f *Follower) Run(ctx context.Context) error {
	defer close(f.updates)

	backoff := f.minBackoff
	for {
		err := f.follow(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrStreamClosed), errors.Is(err, models.ErrDocumentNotFound):
			return err
		case errors.Is(err, errResync), errors.Is(err, errGap):
			f.logger.Debug("reconnecting", "version", f.Version(), "reason", err)
			backoff = f.minBackoff
			continue
		}

		f.logger.Warn("stream dropped", "version", f.Version(), "err", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, f.maxBackoff)
	}
}

func (f *Follower) follow(ctx context.Context) error {
	u := *f.streamURL
	if v := f.Version(); v > 0 {
		q := u.Query()
		q.Set("after", strconv.FormatInt(v, 10))
		u.RawQuery = q.Encode()
	}

	conn, resp, err := f.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", models.ErrDocumentNotFound, f.documentID)
		}
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Unblock the read loop on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var frame broadcast.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}
		if err := f.handle(frame); err != nil {
			return err
		}
	}
}

func (f *Follower) handle(frame broadcast.Frame) error {
	switch frame.Type {
	case broadcast.FrameSnapshot:
		if frame.Document == nil {
			return fmt.Errorf("snapshot frame without a document")
		}
		f.mu.Lock()
		f.replica = frame.Document
		f.mu.Unlock()
		f.notify(Update{Version: frame.Document.Version})
		return nil

	case broadcast.FrameMutation:
		if frame.Mutation == nil {
			return fmt.Errorf("mutation frame without a record")
		}
		return f.apply(*frame.Mutation)

	case broadcast.FrameResync:
		return fmt.Errorf("%w: %s", errResync, frame.Error)

	case broadcast.FrameClosed:
		return fmt.Errorf("%w: %s", ErrStreamClosed, frame.Error)
	}
	return fmt.Errorf("unknown frame type %q", frame.Type)
}

func (f *Follower) apply(m models.Mutation) error {
	f.mu.Lock()
	if f.replica == nil {
		f.mu.Unlock()
		return fmt.Errorf("%w: mutation %d before any snapshot", errGap, m.Version)
	}
	if m.Version <= f.replica.Version {
		f.mu.Unlock()
		return nil
	}
	if m.Version != f.replica.Version+1 {
		last := f.replica.Version
		f.mu.Unlock()
		return fmt.Errorf("%w: have %d, got %d", errGap, last, m.Version)
	}

	next := f.replica.Clone()
	if err := next.Apply(m); err != nil {
		// The replica diverged; drop it so the next dial asks for a snapshot.
		f.replica = nil
		f.mu.Unlock()
		return fmt.Errorf("%w: apply %d: %v", errGap, m.Version, err)
	}
	f.replica = next
	f.mu.Unlock()

	f.notify(Update{Version: m.Version, Mutation: &m})
	return nil
}

func (f *Follower) notify(u Update) {
	select {
	case f.updates <- u:
	default:
	}
}
