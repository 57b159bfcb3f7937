// Package subscription turns logical queries into per-relay REQs, merges
// what comes back into one deduplicated stream per query and carries the
// publish write path.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bookstr/internal/eventcache"
	"bookstr/internal/nostr"
	"bookstr/internal/relay"
	"bookstr/internal/types"
)

const (
	DefaultEOSETimeout    = 4 * time.Second
	DefaultPublishTimeout = 8 * time.Second
)

var ErrCancelled = errors.New("subscription cancelled")

// RelayPool is the part of relay.Pool the manager needs
type RelayPool interface {
	Broadcast(msg []byte) []string
	SendTo(relayURL string, msg []byte) error
	Status() types.RelayStatus
	AddListener(l relay.Listener)
}

// Options configure a Manager
type Options struct {
	// EOSETimeout bounds how long a subscription waits for slow relays
	// before reporting its initial load complete.
	EOSETimeout    time.Duration
	PublishTimeout time.Duration
	Cache          *eventcache.Cache

	// OnEvent is called once for every event the cache admits for the first
	// time, from the delivering relay's worker. It must not block.
	OnEvent func(evt types.Event)
}

// Stats are cumulative counters for metrics
type Stats struct {
	Received       int64
	Invalid        int64
	Unmatched      int64
	Delivered      int64
	PublishOK      int64
	PublishFailed  int64
	ActiveSubs     int
	PendingPublish int
}

// Manager owns every live subscription
type Manager struct {
	pool           RelayPool
	cache          *eventcache.Cache
	eoseTimeout    time.Duration
	publishTimeout time.Duration
	onEvent        func(evt types.Event)

	mu        sync.RWMutex
	subs      map[string]*Subscription
	publishes map[string]*pendingPublish // event id -> waiting publish

	received      atomic.Int64
	invalid       atomic.Int64
	unmatched     atomic.Int64
	delivered     atomic.Int64
	publishOK     atomic.Int64
	publishFailed atomic.Int64
}

// NewManager creates a manager and registers it with pool
func NewManager(pool RelayPool, opts Options) *Manager {
	if opts.EOSETimeout <= 0 {
		opts.EOSETimeout = DefaultEOSETimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.Cache == nil {
		opts.Cache = eventcache.New(eventcache.Options{})
	}
	m := &Manager{
		pool:           pool,
		cache:          opts.Cache,
		eoseTimeout:    opts.EOSETimeout,
		publishTimeout: opts.PublishTimeout,
		onEvent:        opts.OnEvent,
		subs:           make(map[string]*Subscription),
		publishes:      make(map[string]*pendingPublish),
	}
	pool.AddListener(m)
	return m
}

// Cache returns the event cache shared by every subscription
func (m *Manager) Cache() *eventcache.Cache {
	return m.cache
}

// Subscribe issues filter to every connected relay. The subscription is
// cancelled when ctx ends or Cancel is called.
func (m *Manager) Subscribe(ctx context.Context, filter types.Filter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := newSubscription(uuid.NewString(), filter)
	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	sub.mu.Lock()
	sub.timer = time.AfterFunc(m.eoseTimeout, func() {
		if !sub.Loaded() {
			slog.Debug("subscription EOSE timeout", "sub", sub.ID, "pending", sub.Pending())
		}
		sub.completeLoad()
	})
	sub.mu.Unlock()

	// register before sending so relays that connect meanwhile get the REQ
	// too; answers that beat settle are remembered by the subscription
	sent := m.pool.Broadcast(nostr.EncodeReq(sub.ID, sub.Filter))
	sub.settle(sent, m.pool.Status() == types.StatusConnecting)

	slog.Debug("subscription opened", "sub", sub.ID, "relays", len(sent))

	go func() {
		select {
		case <-ctx.Done():
			m.Cancel(sub)
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Cancel closes sub on every relay and releases its state. Safe to call
// more than once.
func (m *Manager) Cancel(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	_, active := m.subs[sub.ID]
	delete(m.subs, sub.ID)
	m.mu.Unlock()

	if !sub.close() || !active {
		return
	}
	m.pool.Broadcast(nostr.EncodeClose(sub.ID))
	m.cache.Unpin(sub.seenIDs()...)
	slog.Debug("subscription closed", "sub", sub.ID)
}

// Query runs a one-shot fetch: subscribe, wait for the initial load, then
// return the results newest first, trimmed to the filter's limit
func (m *Manager) Query(ctx context.Context, filter types.Filter) ([]types.Event, error) {
	sub, err := m.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer m.Cancel(sub)

	if err := sub.WaitInitialLoad(ctx); err != nil {
		return nil, err
	}
	events := sub.Collected()
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

// Close cancels every subscription
func (m *Manager) Close() {
	m.mu.RLock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()
	for _, sub := range subs {
		m.Cancel(sub)
	}
}

// Stats returns cumulative counters
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active, pending := len(m.subs), len(m.publishes)
	m.mu.RUnlock()
	return Stats{
		Received:       m.received.Load(),
		Invalid:        m.invalid.Load(),
		Unmatched:      m.unmatched.Load(),
		Delivered:      m.delivered.Load(),
		PublishOK:      m.publishOK.Load(),
		PublishFailed:  m.publishFailed.Load(),
		ActiveSubs:     active,
		PendingPublish: pending,
	}
}

func (m *Manager) lookup(subID string) *Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subs[subID]
}

func (m *Manager) activeSubs() []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	return subs
}

// HandleMessage routes one raw relay message
func (m *Manager) HandleMessage(relayURL string, raw []byte) {
	msg, err := nostr.ParseMessage(raw)
	if err != nil {
		slog.Debug("dropping malformed relay message", "relay", relayURL, "error", err)
		return
	}

	switch msg.Label {
	case nostr.LabelEvent:
		if sub := m.lookup(msg.SubscriptionID); sub != nil && msg.Event != nil {
			m.deliver(sub, relayURL, msg.Event)
		}

	case nostr.LabelEOSE:
		if sub := m.lookup(msg.SubscriptionID); sub != nil {
			sub.relayDone(relayURL)
		}

	case nostr.LabelClosed:
		if sub := m.lookup(msg.SubscriptionID); sub != nil {
			slog.Debug("relay closed subscription", "relay", relayURL, "sub", sub.ID, "reason", msg.Reason)
			sub.relayDone(relayURL)
		}

	case nostr.LabelOK:
		m.handleOK(relayURL, msg.EventID, msg.OK, msg.Reason)

	case nostr.LabelNotice:
		slog.Info("relay notice", "relay", relayURL, "notice", msg.Reason)

	case nostr.LabelAuth:
		slog.Debug("relay requested auth, ignoring", "relay", relayURL)
	}
}

func (m *Manager) deliver(sub *Subscription, relayURL string, evt *types.Event) {
	m.received.Add(1)

	// every path below holds a pin on the entry; the subscription keeps it
	// only if it takes the event
	canonical, pinned := m.pinCached(evt.ID)
	if !pinned {
		if err := nostr.ValidateEvent(evt); err != nil {
			m.invalid.Add(1)
			slog.Debug("dropping invalid event", "relay", relayURL, "id", nostr.ShortID(evt.ID), "error", err)
			return
		}
		evt.RelaysSeen = []string{relayURL}
		res := m.cache.AdmitPinned(*evt)
		canonical = res.Canonical
		if res.IsNew && m.onEvent != nil {
			m.onEvent(canonical)
		}
	}

	// relays don't always honour the filter
	if !sub.Filter.Matches(&canonical) {
		m.unmatched.Add(1)
		m.cache.Unpin(canonical.ID)
		return
	}

	if !sub.offer(canonical) {
		m.cache.Unpin(canonical.ID)
		return
	}
	m.delivered.Add(1)
}

// pinCached pins id if it is already cached and returns the canonical event
func (m *Manager) pinCached(id string) (types.Event, bool) {
	if !m.cache.Pin(id) {
		return types.Event{}, false
	}
	evt, ok := m.cache.Get(id)
	if !ok {
		return types.Event{}, false
	}
	return evt, true
}

// HandleStatus reacts to relay connection changes
func (m *Manager) HandleStatus(relayURL string, status types.RelayStatus) {
	switch status {
	case types.StatusConnected:
		// re-issue every live subscription on the (re)connected relay
		for _, sub := range m.activeSubs() {
			sub.track(relayURL)
			if err := m.pool.SendTo(relayURL, nostr.EncodeReq(sub.ID, sub.Filter)); err != nil {
				slog.Debug("resubscribe failed", "relay", relayURL, "sub", sub.ID, "error", err)
				sub.relayDone(relayURL)
			}
		}

	case types.StatusDisconnected, types.StatusFailed:
		for _, sub := range m.activeSubs() {
			sub.relayDone(relayURL)
		}
		m.failPublishes(relayURL, "connection lost")
	}
}
