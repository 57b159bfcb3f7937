package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookstr/internal/nostr"
	"bookstr/internal/relaytest"
	"bookstr/internal/types"
)

const (
	eventually = 3 * time.Second
	tick       = 10 * time.Millisecond
)

// deadRelay refuses connections: nothing listens on port 1
const deadRelay = "ws://127.0.0.1:1"

type retry struct {
	attempt int
	delay   time.Duration
}

type recorder struct {
	mu       sync.Mutex
	statuses map[string][]types.RelayStatus
	messages map[string][][]byte
	retries  []retry
}

func newRecorder() *recorder {
	return &recorder{
		statuses: make(map[string][]types.RelayStatus),
		messages: make(map[string][][]byte),
	}
}

func (r *recorder) HandleMessage(relayURL string, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[relayURL] = append(r.messages[relayURL], raw)
}

func (r *recorder) HandleStatus(relayURL string, status types.RelayStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[relayURL] = append(r.statuses[relayURL], status)
}

func (r *recorder) onRetry(relayURL string, attempt int, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, retry{attempt, delay})
}

func (r *recorder) retryLog() []retry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]retry(nil), r.retries...)
}

func (r *recorder) messageCount(relayURL string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages[relayURL])
}

// flakyDialer fails the first n dials, then dials for real
func flakyDialer(n int32) *websocket.Dialer {
	var calls atomic.Int32
	return &websocket.Dialer{
		HandshakeTimeout: time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if calls.Add(1) <= n {
				return nil, errors.New("connection refused")
			}
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

func TestConnectionBackoffGrowsThenResets(t *testing.T) {
	relay := relaytest.New(t)
	rec := newRecorder()
	c := NewConnection(relay.URL(), Options{
		Dialer:      flakyDialer(4),
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  40 * time.Millisecond,
		OnRetry:     rec.onRetry,
	}, rec)
	c.Start()
	defer c.Close()

	require.Eventually(t, func() bool { return c.Status() == types.StatusConnected }, eventually, tick)
	assert.Equal(t, []retry{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 40 * time.Millisecond},
	}, rec.retryLog())
	assert.Equal(t, 0, c.Endpoint().ConsecutiveFailures)

	// a dropped connection starts the schedule over
	relay.Disconnect()
	require.Eventually(t, func() bool { return len(rec.retryLog()) == 5 }, eventually, tick)
	assert.Equal(t, retry{0, 10 * time.Millisecond}, rec.retryLog()[4])
	require.Eventually(t, func() bool { return c.Status() == types.StatusConnected }, eventually, tick)
}

func TestConnectionReportsStatusTransitions(t *testing.T) {
	relay := relaytest.New(t)
	rec := newRecorder()
	c := NewConnection(relay.URL(), Options{}, rec)
	c.Start()

	require.Eventually(t, func() bool { return c.Status() == types.StatusConnected }, eventually, tick)
	c.Close()
	assert.Equal(t, types.StatusDisconnected, c.Status())

	rec.mu.Lock()
	got := rec.statuses[relay.URL()]
	rec.mu.Unlock()
	assert.Equal(t, []types.RelayStatus{types.StatusConnecting, types.StatusConnected, types.StatusDisconnected}, got)
}

func TestConnectionSendWhileDown(t *testing.T) {
	c := NewConnection(deadRelay, Options{BackoffBase: time.Minute}, nil)
	assert.ErrorIs(t, c.Send([]byte(`["CLOSE","x"]`)), ErrNotConnected)
	c.Close() // never started
}

func TestKickSkipsBackoffWait(t *testing.T) {
	relay := relaytest.New(t)
	c := NewConnection(relay.URL(), Options{
		Dialer:      flakyDialer(1),
		BackoffBase: time.Minute,
	}, nil)
	c.Start()
	defer c.Close()

	require.Eventually(t, func() bool { return c.Status() == types.StatusFailed }, eventually, tick)
	c.Kick()
	require.Eventually(t, func() bool { return c.Status() == types.StatusConnected }, eventually, tick)
}

func TestPoolToleratesDeadRelay(t *testing.T) {
	healthy := relaytest.New(t)
	rec := newRecorder()
	p := NewPool(Options{BackoffBase: 20 * time.Millisecond, BackoffMax: 50 * time.Millisecond})
	p.AddListener(rec)
	require.NoError(t, p.Configure([]string{healthy.URL(), deadRelay}))
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return p.Status() == types.StatusConnected }, eventually, tick)
	require.Eventually(t, func() bool {
		for _, ep := range p.Endpoints() {
			if ep.URL == deadRelay && ep.ConsecutiveFailures >= 2 {
				return true
			}
		}
		return false
	}, eventually, tick)

	sent := p.Broadcast(nostr.EncodeReq("sub1", types.Filter{Kinds: []int{types.KindPost}}))
	assert.Equal(t, []string{healthy.URL()}, sent)

	// the healthy relay answers with EOSE, routed to the pool's listener
	require.Eventually(t, func() bool { return rec.messageCount(healthy.URL()) == 1 }, eventually, tick)
	assert.Equal(t, 0, rec.messageCount(deadRelay))
}

func TestPoolConfigureReconciles(t *testing.T) {
	a := relaytest.New(t)
	b := relaytest.New(t)
	p := NewPool(Options{})
	p.Start()
	defer p.Stop()

	require.NoError(t, p.Configure([]string{a.URL(), b.URL() + "/"}))
	require.Eventually(t, func() bool { return a.ClientCount() == 1 && b.ClientCount() == 1 }, eventually, tick)

	p.mu.RLock()
	before := p.connections[a.URL()]
	p.mu.RUnlock()

	// unchanged relays keep their connection, removed ones are closed
	require.NoError(t, p.Configure([]string{a.URL()}))
	p.mu.RLock()
	after := p.connections[a.URL()]
	p.mu.RUnlock()
	assert.Same(t, before, after)
	assert.Equal(t, []string{a.URL()}, p.URLs())
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, eventually, tick)
	assert.Equal(t, 1, a.ClientCount())
}

func TestPoolConfigureRejectsUnsafeURLs(t *testing.T) {
	a := relaytest.New(t)
	p := NewPool(Options{})
	defer p.Stop()

	err := p.Configure([]string{a.URL(), "https://example.com", "wss://10.1.2.3"})
	assert.ErrorIs(t, err, ErrUnsafeURL)
	assert.Equal(t, []string{a.URL()}, p.URLs())
}

func TestPoolSendToAndStop(t *testing.T) {
	a := relaytest.New(t)
	p := NewPool(Options{})
	require.NoError(t, p.Configure([]string{a.URL()}))
	assert.ErrorIs(t, p.SendTo(deadRelay, []byte("[]")), ErrUnknownRelay)
	assert.ErrorIs(t, p.SendTo(a.URL(), []byte("[]")), ErrNotConnected, "not started yet")

	p.Start()
	require.Eventually(t, func() bool { return p.Status() == types.StatusConnected }, eventually, tick)
	require.NoError(t, p.SendTo(a.URL(), nostr.EncodeReq("s", types.Filter{})))
	require.Eventually(t, func() bool { return a.ReqCount() == 1 }, eventually, tick)

	p.Stop()
	assert.Equal(t, types.StatusDisconnected, p.Status())
	assert.Empty(t, p.Endpoints())
	assert.ErrorIs(t, p.Configure([]string{a.URL()}), ErrPoolStopped)
	p.Stop()
}

func TestPoolEnsureConnectedKicksWaitingRelays(t *testing.T) {
	a := relaytest.New(t)
	p := NewPool(Options{Dialer: flakyDialer(1), BackoffBase: time.Minute})
	require.NoError(t, p.Configure([]string{a.URL()}))
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		eps := p.Endpoints()
		return len(eps) == 1 && eps[0].Status == types.StatusFailed
	}, eventually, tick)
	p.EnsureConnected()
	require.Eventually(t, func() bool { return p.Status() == types.StatusConnected }, eventually, tick)
}
