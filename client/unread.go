package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// UnreadTracker keeps the per-room badge counts. Counts are computed
// server-side against the actor's read watermark; the tracker's job is the
// optimistic zero on mark-read and reconciling it with refreshes that were
// already in flight when the user opened the room.
type UnreadTracker struct {
	c *Client

	mu     sync.RWMutex
	counts map[string]int
	zeroed map[string]time.Time // roomID -> when the server confirmed the mark-read; zero while in flight
}

func NewUnreadTracker(c *Client) *UnreadTracker {
	return &UnreadTracker{
		c:      c,
		counts: make(map[string]int),
		zeroed: make(map[string]time.Time),
	}
}

// Counts returns a copy of the current per-room counts.
func (u *UnreadTracker) Counts() map[string]int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[string]int, len(u.counts))
	for id, n := range u.counts {
		out[id] = n
	}
	return out
}

// Count returns the badge count for one room.
func (u *UnreadTracker) Count(roomID string) int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.counts[roomID]
}

// Refresh fetches the server's counts and adopts them, except for rooms whose
// mark-read reached the server after this refresh started or is still on the
// wire: their server count predates the watermark and would resurrect a badge
// the user just cleared, so the local zero stands until the next refresh.
func (u *UnreadTracker) Refresh(ctx context.Context) (map[string]int, error) {
	started := time.Now()

	var counts map[string]int
	if err := u.c.getJSON(ctx, "/chat/unread-counts", &counts); err != nil {
		return nil, err
	}
	if counts == nil {
		counts = make(map[string]int)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	for roomID, at := range u.zeroed {
		if at.IsZero() || at.After(started) {
			counts[roomID] = 0
		} else {
			delete(u.zeroed, roomID)
		}
	}
	u.counts = counts

	out := make(map[string]int, len(counts))
	for id, n := range counts {
		out[id] = n
	}
	return out, nil
}

// MarkRead zeroes the room immediately and moves the server watermark. The
// zero is kept even when the server call fails; the next successful refresh
// restores the truth.
func (u *UnreadTracker) MarkRead(ctx context.Context, roomID string) error {
	u.mu.Lock()
	u.counts[roomID] = 0
	u.zeroed[roomID] = time.Time{} // pending until the server call returns
	u.mu.Unlock()

	_, err := u.c.doRequest(ctx, http.MethodPut, fmt.Sprintf("/chat/rooms/%s/read", roomID), nil, "")

	// The watermark is only in place once the PUT returns; any count fetched
	// before then is stale for this room. Stamp the entry at completion time
	// so only refreshes started after it may drop the local zero. Bump may
	// have cleared the entry meanwhile; new traffic wins.
	u.mu.Lock()
	if _, ok := u.zeroed[roomID]; ok {
		u.zeroed[roomID] = time.Now()
	}
	u.mu.Unlock()
	return err
}

// Bump increments a room's count locally when a message event arrives for a
// room the user is not looking at.
func (u *UnreadTracker) Bump(roomID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts[roomID]++
	delete(u.zeroed, roomID)
}
