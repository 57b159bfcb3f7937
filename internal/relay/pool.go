package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"bookstr/internal/nostr"
	"bookstr/internal/types"
)

var (
	ErrUnsafeURL    = errors.New("relay URL blocked: invalid or unsafe destination")
	ErrUnknownRelay = errors.New("relay not configured")
	ErrPoolStopped  = errors.New("relay pool stopped")
)

// Pool manages connections to multiple relays. There is at most one
// Connection per normalized URL.
type Pool struct {
	opts Options

	mu          sync.RWMutex
	connections map[string]*Connection // relayURL -> connection
	started     bool
	stopped     bool

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewPool creates a pool. Connections are only dialed after Start.
func NewPool(opts Options) *Pool {
	return &Pool{
		opts:        opts.withDefaults(),
		connections: make(map[string]*Connection),
	}
}

// AddListener registers l for messages and status changes of every relay
func (p *Pool) AddListener(l Listener) {
	p.listenersMu.Lock()
	p.listeners = append(p.listeners, l)
	p.listenersMu.Unlock()
}

// HandleMessage fans a relay message out to the pool's listeners
func (p *Pool) HandleMessage(relayURL string, raw []byte) {
	p.listenersMu.RLock()
	listeners := p.listeners
	p.listenersMu.RUnlock()
	for _, l := range listeners {
		l.HandleMessage(relayURL, raw)
	}
}

// HandleStatus fans a relay status change out to the pool's listeners
func (p *Pool) HandleStatus(relayURL string, status types.RelayStatus) {
	p.listenersMu.RLock()
	listeners := p.listeners
	p.listenersMu.RUnlock()
	for _, l := range listeners {
		l.HandleStatus(relayURL, status)
	}
}

// Start dials every configured relay
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for _, c := range p.connections {
		c.Start()
	}
}

// Configure reconciles the live connection set with urls. New relays are
// started, removed relays closed, unchanged relays are not touched.
// Invalid URLs are skipped and reported in the returned error.
func (p *Pool) Configure(urls []string) error {
	desired := make(map[string]bool, len(urls))
	var rejected []error
	for _, raw := range urls {
		normalized := nostr.NormalizeRelayURL(raw)
		if normalized == "" {
			rejected = append(rejected, fmt.Errorf("%w: %q", ErrUnsafeURL, raw))
			continue
		}
		desired[normalized] = true
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	var removed []*Connection
	for relayURL, c := range p.connections {
		if !desired[relayURL] {
			removed = append(removed, c)
			delete(p.connections, relayURL)
		}
	}
	for relayURL := range desired {
		if _, ok := p.connections[relayURL]; ok {
			continue
		}
		c := NewConnection(relayURL, p.opts, p)
		p.connections[relayURL] = c
		if p.started {
			c.Start()
		}
	}
	p.mu.Unlock()

	// closing waits for the worker, which may call back into the pool
	for _, c := range removed {
		slog.Debug("relay removed from pool", "relay", c.URL())
		c.Close()
	}

	return errors.Join(rejected...)
}

// Stop closes every connection. The pool can't be restarted.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	conns := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		conns = append(conns, c)
	}
	p.connections = make(map[string]*Connection)
	p.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			c.Close()
			return nil
		})
	}
	g.Wait()
}

// Status aggregates endpoint state: connected if any relay is connected,
// connecting if none is but one is trying, otherwise disconnected.
func (p *Pool) Status() types.RelayStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	connecting := false
	for _, c := range p.connections {
		switch c.Status() {
		case types.StatusConnected:
			return types.StatusConnected
		case types.StatusConnecting:
			connecting = true
		}
	}
	if connecting {
		return types.StatusConnecting
	}
	return types.StatusDisconnected
}

// Broadcast sends msg to every connected relay and returns the URLs it was
// actually written to.
func (p *Pool) Broadcast(msg []byte) []string {
	p.mu.RLock()
	conns := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		conns = append(conns, c)
	}
	p.mu.RUnlock()

	var sent []string
	for _, c := range conns {
		if c.Status() != types.StatusConnected {
			continue
		}
		if err := c.Send(msg); err != nil {
			slog.Debug("broadcast send failed", "relay", c.URL(), "error", err)
			continue
		}
		sent = append(sent, c.URL())
	}
	sort.Strings(sent)
	return sent
}

// SendTo sends msg to a single relay
func (p *Pool) SendTo(relayURL string, msg []byte) error {
	p.mu.RLock()
	c := p.connections[relayURL]
	p.mu.RUnlock()
	if c == nil {
		return ErrUnknownRelay
	}
	return c.Send(msg)
}

// EnsureConnected asks every relay that is not connected to retry now.
// Connected relays are left alone, so repeated calls are harmless.
func (p *Pool) EnsureConnected() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.connections {
		if c.Status() != types.StatusConnected {
			c.Kick()
		}
	}
}

// Endpoints returns a snapshot of every configured relay, sorted by URL
func (p *Pool) Endpoints() []types.RelayEndpoint {
	p.mu.RLock()
	endpoints := make([]types.RelayEndpoint, 0, len(p.connections))
	for _, c := range p.connections {
		endpoints = append(endpoints, c.Endpoint())
	}
	p.mu.RUnlock()

	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].URL < endpoints[j].URL
	})
	return endpoints
}

// URLs returns the configured relay URLs, sorted
func (p *Pool) URLs() []string {
	p.mu.RLock()
	urls := make([]string, 0, len(p.connections))
	for relayURL := range p.connections {
		urls = append(urls, relayURL)
	}
	p.mu.RUnlock()
	sort.Strings(urls)
	return urls
}
