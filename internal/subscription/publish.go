package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"bookstr/internal/nostr"
	"bookstr/internal/types"
)

var (
	ErrNoRelays        = errors.New("no connected relays")
	ErrPublishRejected = errors.New("publish rejected by every relay")
	ErrPublishTimeout  = errors.New("publish not acknowledged in time")
)

// PublishResult is what the relays said about one publish
type PublishResult struct {
	EventID  string
	Sent     []string          // relays the event was written to
	Accepted []string          // relays that answered OK true
	Rejected map[string]string // relay -> reason
}

type pendingPublish struct {
	mu       sync.Mutex
	sent     map[string]bool // nil until the broadcast returned
	accepted []string
	rejected map[string]string
	ok       bool
	done     chan struct{}
	once     sync.Once
}

func newPendingPublish() *pendingPublish {
	return &pendingPublish{
		rejected: make(map[string]string),
		done:     make(chan struct{}),
	}
}

// expect records where the event went; OKs may already be in
func (p *pendingPublish) expect(urls []string) {
	p.mu.Lock()
	p.sent = make(map[string]bool, len(urls))
	for _, u := range urls {
		p.sent[u] = true
	}
	p.mu.Unlock()
	p.evaluate()
}

func (p *pendingPublish) ack(relayURL string, ok bool, reason string) {
	p.mu.Lock()
	if ok {
		p.accepted = append(p.accepted, relayURL)
	} else if _, seen := p.rejected[relayURL]; !seen {
		p.rejected[relayURL] = reason
	}
	p.mu.Unlock()
	p.evaluate()
}

// evaluate finishes the publish on the first acceptance, or once every
// relay written to has rejected
func (p *pendingPublish) evaluate() {
	p.mu.Lock()
	finished, ok := false, false
	switch {
	case len(p.accepted) > 0:
		finished, ok = true, true
	case p.sent != nil:
		finished = true
		for u := range p.sent {
			if _, rejected := p.rejected[u]; !rejected {
				finished = false
				break
			}
		}
	}
	p.mu.Unlock()

	if finished {
		p.once.Do(func() {
			p.mu.Lock()
			p.ok = ok
			p.mu.Unlock()
			close(p.done)
		})
	}
}

func (p *pendingPublish) result(eventID string) PublishResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := PublishResult{
		EventID:  eventID,
		Accepted: append([]string(nil), p.accepted...),
		Rejected: make(map[string]string, len(p.rejected)),
	}
	for u := range p.sent {
		res.Sent = append(res.Sent, u)
	}
	sort.Strings(res.Sent)
	for u, reason := range p.rejected {
		res.Rejected[u] = reason
	}
	return res
}

// Publish writes a signed event to every connected relay. It succeeds as
// soon as any relay accepts it and fails only when every relay it was
// written to rejected it, or none answered before the publish timeout.
func (m *Manager) Publish(ctx context.Context, evt *types.Event) (PublishResult, error) {
	res := PublishResult{EventID: evt.ID}
	if err := nostr.ValidateEvent(evt); err != nil {
		return res, fmt.Errorf("refusing to publish: %w", err)
	}

	p := newPendingPublish()
	m.mu.Lock()
	if existing, ok := m.publishes[evt.ID]; ok {
		// same event already going out; wait for that one
		p = existing
		m.mu.Unlock()
	} else {
		m.publishes[evt.ID] = p
		m.mu.Unlock()
		defer func() {
			m.mu.Lock()
			if m.publishes[evt.ID] == p {
				delete(m.publishes, evt.ID)
			}
			m.mu.Unlock()
		}()

		sent := m.pool.Broadcast(nostr.EncodePublish(evt))
		if len(sent) == 0 {
			m.publishFailed.Add(1)
			return res, ErrNoRelays
		}
		p.expect(sent)
	}

	timer := time.NewTimer(m.publishTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-p.done:
	case <-timer.C:
		err = ErrPublishTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	res = p.result(evt.ID)
	p.mu.Lock()
	ok := p.ok
	p.mu.Unlock()

	if err == nil && !ok {
		reasons := make([]string, 0, len(res.Rejected))
		for u, reason := range res.Rejected {
			reasons = append(reasons, u+": "+reason)
		}
		sort.Strings(reasons)
		err = fmt.Errorf("%w: %s", ErrPublishRejected, strings.Join(reasons, "; "))
	}
	if err != nil {
		m.publishFailed.Add(1)
		slog.Warn("publish failed", "id", nostr.ShortID(evt.ID), "kind", evt.Kind, "sent", len(res.Sent), "error", err)
		return res, err
	}

	m.publishOK.Add(1)
	slog.Debug("publish accepted", "id", nostr.ShortID(evt.ID), "kind", evt.Kind, "accepted", res.Accepted)
	if admitted := m.cache.Admit(*evt); admitted.IsNew && m.onEvent != nil {
		m.onEvent(admitted.Canonical)
	}
	return res, nil
}

func (m *Manager) handleOK(relayURL, eventID string, ok bool, reason string) {
	m.mu.RLock()
	p := m.publishes[eventID]
	m.mu.RUnlock()
	if p == nil {
		return
	}
	p.ack(relayURL, ok, reason)
}

// failPublishes counts a dropped relay as a rejection for every pending
// publish it was written to
func (m *Manager) failPublishes(relayURL, reason string) {
	m.mu.RLock()
	pending := make([]*pendingPublish, 0, len(m.publishes))
	for _, p := range m.publishes {
		pending = append(pending, p)
	}
	m.mu.RUnlock()

	for _, p := range pending {
		p.mu.Lock()
		wrote := p.sent[relayURL]
		p.mu.Unlock()
		if wrote {
			p.ack(relayURL, false, reason)
		}
	}
}
