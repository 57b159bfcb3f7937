package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/singleflight"

	"bookstr/internal/types"
)

// Cursor derives unread notifications for one actor from its last-viewed
// timestamp. The timestamp only ever moves forward.
type Cursor struct {
	actor string
	store Store

	loadGroup singleflight.Group

	mu           sync.RWMutex
	now          func() time.Time
	lastViewedAt int64
}

// NewCursor creates a cursor for actor (hex pubkey) backed by store
func NewCursor(actor string, store Store) *Cursor {
	return &Cursor{
		actor: actor,
		store: store,
		now:   time.Now,
	}
}

// SetClock replaces the time source
func (c *Cursor) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Cursor) clock() time.Time {
	c.mu.RLock()
	now := c.now
	c.mu.RUnlock()
	return now()
}

// Load reads the persisted timestamp. Concurrent calls share one store read.
func (c *Cursor) Load(ctx context.Context) (int64, error) {
	v, err, _ := c.loadGroup.Do(c.actor, func() (interface{}, error) {
		ts, found, err := c.store.GetLastRead(ctx, c.actor)
		if err != nil {
			return int64(0), err
		}
		if found {
			c.advance(ts)
		}
		return c.LastViewedAt(), nil
	})
	if err != nil {
		return c.LastViewedAt(), fmt.Errorf("load last viewed: %w", err)
	}
	return v.(int64), nil
}

// LastViewedAt returns the current cursor in unix seconds
func (c *Cursor) LastViewedAt() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastViewedAt
}

func (c *Cursor) advance(ts int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.lastViewedAt {
		c.lastViewedAt = ts
	}
	return c.lastViewedAt
}

// MarkAsRead moves the cursor to max(current, now) and persists it. The
// local cursor advances even if persisting fails.
func (c *Cursor) MarkAsRead(ctx context.Context) (int64, error) {
	next := c.advance(c.clock().Unix())

	err := retry.Do(
		func() error {
			stored, err := c.store.SetLastRead(ctx, c.actor, next)
			if err != nil {
				return err
			}
			// another device may have read further
			c.advance(stored)
			return nil
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("retrying last-viewed write", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return c.LastViewedAt(), fmt.Errorf("persist last viewed: %w", err)
	}
	return c.LastViewedAt(), nil
}

// addressed reports whether evt is a notification for actor
func addressed(evt *types.Event, actor string) bool {
	return actor != "" && evt.PubKey != actor && evt.References("p", actor)
}

// UnreadCount counts distinct events addressed to the actor created after
// the cursor
func (c *Cursor) UnreadCount(events []types.Event) int {
	return len(c.Unread(events))
}

// Unread returns the distinct unread notifications, newest first
func (c *Cursor) Unread(events []types.Event) []types.Notification {
	last := c.LastViewedAt()
	seen := make(map[string]bool, len(events))

	var unread []types.Event
	for i := range events {
		evt := &events[i]
		if seen[evt.ID] || evt.CreatedAt <= last || !addressed(evt, c.actor) {
			continue
		}
		seen[evt.ID] = true
		unread = append(unread, *evt)
	}
	types.SortEvents(unread)

	out := make([]types.Notification, 0, len(unread))
	for _, evt := range unread {
		out = append(out, Classify(evt))
	}
	return out
}

// Classify works out why evt notifies its p-tagged recipients
func Classify(evt types.Event) types.Notification {
	n := types.Notification{Event: evt, Type: types.NotificationMention}
	switch evt.Kind {
	case types.KindReaction:
		n.Type = types.NotificationReaction
		n.TargetEventID = evt.LastTagValue("e")
	case types.KindReview:
		n.Type = types.NotificationReview
	default:
		if target := evt.LastTagValue("e"); target != "" {
			n.Type = types.NotificationReply
			n.TargetEventID = target
		}
	}
	return n
}

// Filter returns the relay filter for events addressed to the actor
func (c *Cursor) Filter(limit int) types.Filter {
	return types.Filter{
		Kinds: []int{types.KindPost, types.KindReaction, types.KindReview},
		Tags:  map[string][]string{"p": {c.actor}},
		Limit: limit,
	}
}
