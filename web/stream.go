// ABOUTME: Websocket endpoint streaming a whiteboard's commits to a viewer
// ABOUTME: Sends a snapshot (or the missing log tail) then every later mutation in order
package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/harperreed/whiteboard/broadcast"
	"github.com/harperreed/whiteboard/models"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, models.ErrInvalidMutation)
			return
		}
		after = v
	}

	// Subscribe before upgrading so lookup failures still get a JSON error.
	frames, sub, err := s.catchUp(r.Context(), id, after)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade", "document", id, "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The viewer never sends anything meaningful; reading detects hang-ups.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, f := range frames {
		if err := writeFrame(conn, f); err != nil {
			return
		}
	}

	s.logger.Debug("viewer joined", "document", id, "version", sub.Last())
	s.pump(ctx, conn, sub)
}

// catchUp positions a new subscription. A viewer that already holds a
// version gets the log tail; anyone else, or anyone behind the compaction
// horizon, gets a snapshot.
func (s *Server) catchUp(ctx context.Context, id string, after int64) ([]broadcast.Frame, *broadcast.Subscription, error) {
	if after > 0 {
		records, sub, err := s.svc.Resume(ctx, id, after)
		if err == nil {
			frames := make([]broadcast.Frame, 0, len(records))
			for _, m := range records {
				frames = append(frames, broadcast.MutationFrame(m))
			}
			return frames, sub, nil
		}
		if !errors.Is(err, models.ErrVersionCompacted) && !errors.Is(err, models.ErrVersionConflict) {
			return nil, nil, err
		}
	}

	doc, sub, err := s.svc.Join(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return []broadcast.Frame{broadcast.SnapshotFrame(doc)}, sub, nil
}

func (s *Server) pump(ctx context.Context, conn *websocket.Conn, sub *broadcast.Subscription) {
	type result struct {
		m   models.Mutation
		err error
	}
	next := make(chan result)
	go func() {
		defer close(next)
		for {
			m, err := sub.Next(ctx)
			select {
			case next <- result{m, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case res, ok := <-next:
			if !ok {
				return
			}
			if res.err != nil {
				s.endStream(conn, sub, res.err)
				return
			}
			if err := writeFrame(conn, broadcast.MutationFrame(res.m)); err != nil {
				return
			}
		}
	}
}

func (s *Server) endStream(conn *websocket.Conn, sub *broadcast.Subscription, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, broadcast.ErrSubscriberLagged), errors.Is(err, broadcast.ErrVersionGap):
		s.logger.Warn("viewer must resync", "document", sub.DocumentID(), "version", sub.Last(), "err", err)
		_ = writeFrame(conn, broadcast.Frame{Type: broadcast.FrameResync, Version: sub.Last(), Error: err.Error()})
	default:
		_ = writeFrame(conn, broadcast.Frame{Type: broadcast.FrameClosed, Version: sub.Last(), Error: err.Error()})
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func writeFrame(conn *websocket.Conn, f broadcast.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}
