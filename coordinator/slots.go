// ABOUTME: Per-document serialization slots with bounded waiting
// ABOUTME: One weighted semaphore per active document, dropped when nobody holds or waits on it
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/harperreed/whiteboard/models"
)

type slot struct {
	sem  *semaphore.Weighted
	refs int
}

type slots struct {
	mu     sync.Mutex
	active map[string]*slot
}

func newSlots() *slots {
	return &slots{active: make(map[string]*slot)}
}

// acquire waits up to timeout for the document's slot. The returned func
// releases it.
func (s *slots) acquire(ctx context.Context, documentID string, timeout time.Duration) (func(), error) {
	s.mu.Lock()
	sl, ok := s.active[documentID]
	if !ok {
		sl = &slot{sem: semaphore.NewWeighted(1)}
		s.active[documentID] = sl
	}
	sl.refs++
	s.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := sl.sem.Acquire(waitCtx, 1); err != nil {
		s.drop(documentID, sl)
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%w: %w", models.ErrBusy, ctx.Err())
		}
		return nil, fmt.Errorf("%w: waited %s", models.ErrBusy, timeout)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			sl.sem.Release(1)
			s.drop(documentID, sl)
		})
	}, nil
}

func (s *slots) drop(documentID string, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 && s.active[documentID] == sl {
		delete(s.active, documentID)
	}
}

func (s *slots) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
