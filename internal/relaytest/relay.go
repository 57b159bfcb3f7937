// Package relaytest runs an in-process relay for tests. It speaks enough of
// NIP-01 to store events, answer REQs with stored matches and EOSE, stream
// live matches and acknowledge publishes, and it can be told to misbehave.
package relaytest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"bookstr/internal/nostr"
	"bookstr/internal/types"
)

// Option changes how the relay behaves
type Option func(*Relay)

// RejectPublishes makes the relay answer every publish with OK false
func RejectPublishes() Option {
	return func(r *Relay) { r.rejectPublish = true }
}

// SilentPublishes makes the relay swallow publishes without any OK
func SilentPublishes() Option {
	return func(r *Relay) { r.silentPublish = true }
}

// WithoutEOSE makes the relay never send EOSE
func WithoutEOSE() Option {
	return func(r *Relay) { r.noEOSE = true }
}

// WithEvents preloads stored events
func WithEvents(events ...types.Event) Option {
	return func(r *Relay) { r.stored = append(r.stored, events...) }
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[string][]types.Filter
}

func (c *client) send(msg []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Relay is a test relay bound to a local port
type Relay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	rejectPublish bool
	silentPublish bool
	noEOSE        bool

	mu        sync.Mutex
	stored    []types.Event
	published []types.Event
	clients   map[*client]struct{}
	reqs      int
	closes    int
}

// New starts a relay and stops it when the test ends
func New(t testing.TB, opts ...Option) *Relay {
	t.Helper()
	r := &Relay{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.Close)
	return r
}

// URL returns the ws:// address of the relay
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Close disconnects every client and stops the server
func (r *Relay) Close() {
	r.Disconnect()
	r.server.Close()
}

// Disconnect drops every connected client, leaving the relay listening
func (r *Relay) Disconnect() {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

// Store adds events that future REQs will return
func (r *Relay) Store(events ...types.Event) {
	r.mu.Lock()
	r.stored = append(r.stored, events...)
	r.mu.Unlock()
}

// Push stores evt and streams it to every matching open subscription
func (r *Relay) Push(evt types.Event) {
	r.mu.Lock()
	r.stored = append(r.stored, evt)
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		for subID, filters := range r.subsOf(c) {
			if matchesAny(filters, &evt) {
				c.send(nostr.EncodeDelivery(subID, &evt))
			}
		}
	}
}

// Published returns the events clients published to this relay
func (r *Relay) Published() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.published...)
}

// ReqCount returns how many REQ messages the relay received
func (r *Relay) ReqCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs
}

// CloseCount returns how many CLOSE messages the relay received
func (r *Relay) CloseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

// ClientCount returns the number of connected clients
func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Relay) subsOf(c *client) map[string][]types.Filter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]types.Filter, len(c.subs))
	for id, filters := range c.subs {
		out[id] = filters
	}
	return out
}

func (r *Relay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, subs: make(map[string][]types.Filter)}

	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := nostr.ParseMessage(raw)
		if err != nil {
			c.send(nostr.EncodeNotice("invalid: " + err.Error()))
			continue
		}
		switch msg.Label {
		case nostr.LabelReq:
			r.handleReq(c, msg)
		case nostr.LabelClose:
			r.mu.Lock()
			r.closes++
			delete(c.subs, msg.SubscriptionID)
			r.mu.Unlock()
		case nostr.LabelEvent:
			r.handlePublish(c, msg.Event)
		}
	}
}

func (r *Relay) handleReq(c *client, msg nostr.Message) {
	r.mu.Lock()
	r.reqs++
	c.subs[msg.SubscriptionID] = msg.Filters
	var matches []types.Event
	for i := range r.stored {
		if matchesAny(msg.Filters, &r.stored[i]) {
			matches = append(matches, r.stored[i])
		}
	}
	r.mu.Unlock()

	types.SortEvents(matches)
	if limit := minLimit(msg.Filters); limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	for i := range matches {
		c.send(nostr.EncodeDelivery(msg.SubscriptionID, &matches[i]))
	}
	if !r.noEOSE {
		c.send(nostr.EncodeEOSE(msg.SubscriptionID))
	}
}

func (r *Relay) handlePublish(c *client, evt *types.Event) {
	if evt == nil {
		return
	}
	r.mu.Lock()
	r.published = append(r.published, *evt)
	r.mu.Unlock()

	switch {
	case r.silentPublish:
		return
	case r.rejectPublish:
		c.send(nostr.EncodeOK(evt.ID, false, "blocked: test relay rejects writes"))
		return
	}
	if err := nostr.ValidateEvent(evt); err != nil {
		c.send(nostr.EncodeOK(evt.ID, false, "invalid: "+err.Error()))
		return
	}
	c.send(nostr.EncodeOK(evt.ID, true, ""))
	r.Push(*evt)
}

func matchesAny(filters []types.Filter, evt *types.Event) bool {
	for _, f := range filters {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}

func minLimit(filters []types.Filter) int {
	limit := 0
	for _, f := range filters {
		if f.Limit > 0 && (limit == 0 || f.Limit < limit) {
			limit = f.Limit
		}
	}
	return limit
}
