package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookstr/internal/types"
)

const (
	me    = "aaaa"
	other = "bbbb"
)

func fixedClock(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func addressedTo(id string, kind int, createdAt int64, tags ...[]string) types.Event {
	return types.Event{
		ID:        id,
		PubKey:    other,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      append([][]string{{"p", me}}, tags...),
	}
}

// flakyStore fails the first n writes
type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
	writes   atomic.Int32
}

func (s *flakyStore) SetLastRead(ctx context.Context, pubkey string, ts int64) (int64, error) {
	s.writes.Add(1)
	if s.failures.Add(-1) >= 0 {
		return 0, errors.New("store unavailable")
	}
	return s.MemoryStore.SetLastRead(ctx, pubkey, ts)
}

func TestMemoryStoreIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, found, err := s.GetLastRead(ctx, me)
	require.NoError(t, err)
	assert.False(t, found)

	stored, _ := s.SetLastRead(ctx, me, 200)
	assert.Equal(t, int64(200), stored)
	stored, _ = s.SetLastRead(ctx, me, 100)
	assert.Equal(t, int64(200), stored)

	ts, found, _ := s.GetLastRead(ctx, me)
	assert.True(t, found)
	assert.Equal(t, int64(200), ts)
}

func TestUnreadCountsDistinctEventsAfterCursor(t *testing.T) {
	c := NewCursor(me, NewMemoryStore())
	c.SetClock(fixedClock(1000))
	_, err := c.MarkAsRead(context.Background())
	require.NoError(t, err)

	events := []types.Event{
		addressedTo("old", types.KindPost, 900),
		addressedTo("edge", types.KindPost, 1000),
		addressedTo("new1", types.KindPost, 1100),
		addressedTo("new1", types.KindPost, 1100), // second relay's copy
		addressedTo("new2", types.KindReaction, 1200, []string{"e", "mine"}),
		{ID: "self", PubKey: me, CreatedAt: 1300, Kind: types.KindPost, Tags: [][]string{{"p", me}}},
		{ID: "unrelated", PubKey: other, CreatedAt: 1300, Kind: types.KindPost},
	}
	assert.Equal(t, 2, c.UnreadCount(events))

	unread := c.Unread(events)
	require.Len(t, unread, 2)
	assert.Equal(t, "new2", unread[0].Event.ID)
	assert.Equal(t, types.NotificationReaction, unread[0].Type)
	assert.Equal(t, "mine", unread[0].TargetEventID)
	assert.Equal(t, "new1", unread[1].Event.ID)
}

func TestMarkAsReadNeverMovesBackwards(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// another device already read up to 5000
	_, err := store.SetLastRead(ctx, me, 5000)
	require.NoError(t, err)

	c := NewCursor(me, store)
	c.SetClock(fixedClock(3000))
	ts, err := c.MarkAsRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), ts)

	c.SetClock(fixedClock(100))
	ts, err = c.MarkAsRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), ts)
}

func TestLoadAdoptsStoredCursor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.SetLastRead(ctx, me, 4242)

	c := NewCursor(me, store)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts, err := c.Load(ctx)
			assert.NoError(t, err)
			assert.Equal(t, int64(4242), ts)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(4242), c.LastViewedAt())
}

func TestSetClockWhileMarking(t *testing.T) {
	c := NewCursor(me, NewMemoryStore())
	c.SetClock(fixedClock(50))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(2)
		go func(ts int64) {
			defer wg.Done()
			c.SetClock(fixedClock(ts))
		}(i * 100)
		go func() {
			defer wg.Done()
			_, err := c.MarkAsRead(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c.SetClock(fixedClock(2000))
	ts, err := c.MarkAsRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), ts)
}

func TestMarkAsReadRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(2)

	c := NewCursor(me, store)
	c.SetClock(fixedClock(1000))
	ts, err := c.MarkAsRead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), ts)
	assert.Equal(t, int32(3), store.writes.Load())
}

func TestMarkAsReadAdvancesLocallyWhenStoreIsDown(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(100)

	c := NewCursor(me, store)
	c.SetClock(fixedClock(1000))
	ts, err := c.MarkAsRead(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int64(1000), ts)
	assert.Equal(t, int64(1000), c.LastViewedAt())
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name   string
		evt    types.Event
		want   types.NotificationType
		target string
	}{
		{"mention", addressedTo("m", types.KindPost, 1), types.NotificationMention, ""},
		{"reply", addressedTo("r", types.KindPost, 1, []string{"e", "root"}, []string{"e", "parent"}), types.NotificationReply, "parent"},
		{"reaction", addressedTo("x", types.KindReaction, 1, []string{"e", "liked"}), types.NotificationReaction, "liked"},
		{"review", addressedTo("v", types.KindReview, 1), types.NotificationReview, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n := Classify(tc.evt)
			assert.Equal(t, tc.want, n.Type)
			assert.Equal(t, tc.target, n.TargetEventID)
		})
	}
}

func TestFilterTargetsActor(t *testing.T) {
	f := NewCursor(me, NewMemoryStore()).Filter(100)
	assert.Equal(t, []string{me}, f.Tags["p"])
	assert.Equal(t, 100, f.Limit)
	assert.Contains(t, f.Kinds, types.KindReaction)
}

func TestRedisStoreDegradesWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	s := NewRedisStore(client, "test:", 0)
	ctx := context.Background()

	ts, found, err := s.GetLastRead(ctx, me)
	assert.NoError(t, err, "reads degrade to not found")
	assert.False(t, found)
	assert.Zero(t, ts)

	_, err = s.SetLastRead(ctx, me, 1000)
	assert.Error(t, err)
}

func TestNewRedisClientRejectsBadURL(t *testing.T) {
	_, err := NewRedisClient("not-a-redis-url")
	assert.Error(t, err)
}
