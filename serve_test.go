package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookstr/internal/config"
	"bookstr/internal/eventcache"
	"bookstr/internal/feed"
	"bookstr/internal/relay"
	"bookstr/internal/relaytest"
	"bookstr/internal/signer"
	"bookstr/internal/subscription"
	"bookstr/internal/types"
)

const (
	eventually = 3 * time.Second
	tick       = 10 * time.Millisecond
)

// testApp builds an app on test relays. s may be nil for a read-only app.
func testApp(t *testing.T, s signer.Signer, relays ...*relaytest.Relay) *app {
	t.Helper()
	a := &app{core: config.DefaultCore(), signerType: "none"}
	a.cache = eventcache.New(eventcache.Options{})
	a.pool = relay.NewPool(relay.Options{BackoffBase: 10 * time.Millisecond})
	a.manager = subscription.NewManager(a.pool, subscription.Options{
		Cache:       a.cache,
		EOSETimeout: time.Second,
		OnEvent: func(evt types.Event) {
			if tl := a.timeline.Load(); tl != nil {
				tl.Apply(evt)
			}
		},
	})
	if s != nil {
		a.signer, a.signerType = s, "local"
		a.actor = relaytest.PubKey(t, s)
	}
	a.timeline.Store(feed.NewTimeline(a.actor))

	urls := make([]string, 0, len(relays))
	for _, r := range relays {
		urls = append(urls, r.URL())
	}
	require.NoError(t, a.pool.Configure(urls))
	a.pool.Start()
	t.Cleanup(a.close)
	if len(relays) > 0 {
		require.Eventually(t, func() bool { return a.pool.Status() == types.StatusConnected }, eventually, tick)
	}
	return a
}

func startServer(t *testing.T, a *app) (*server, http.Handler) {
	t.Helper()
	s := &server{app: a}
	require.NoError(t, s.start(context.Background(), types.Filter{Kinds: []int{types.KindPost, types.KindReview}}))
	t.Cleanup(s.stop)
	require.Eventually(t, func() bool { return s.feed.Loaded() }, eventually, tick)
	return s, RequestLoggingMiddleware(s.routes())
}

func serve(h http.Handler, method, target string, form url.Values) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReflectsPoolStatus(t *testing.T) {
	down := testApp(t, nil)
	rec := httptest.NewRecorder()
	down.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	up := testApp(t, nil, relaytest.New(t))
	rec = httptest.NewRecorder()
	up.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, types.StatusConnected, body.Status)
	assert.Len(t, body.Relays, 1)
}

func TestMetricsExposeRelayState(t *testing.T) {
	r := relaytest.New(t)
	a := testApp(t, nil, r)

	rec := httptest.NewRecorder()
	a.metricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "nostr_relays_connected 1")
	assert.Contains(t, body, `nostr_relay_connected{relay="`+r.URL()+`"} 1`)
	assert.Contains(t, body, "event_cache_duplicate_ratio")
}

func TestTimelineEndpoint(t *testing.T) {
	bob := relaytest.Signer(t, relaytest.BobSecret)
	p1 := relaytest.Sign(t, bob, types.KindPost, 1700000001, "first")
	p2 := relaytest.Sign(t, bob, types.KindPost, 1700000002, "second")
	r := relaytest.New(t, relaytest.WithEvents(p1, p2))

	_, h := startServer(t, testApp(t, nil, r))

	rec := serve(h, http.MethodGet, "/timeline?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body struct {
		Loaded     bool            `json:"loaded"`
		Activities []feed.Activity `json:"activities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Loaded)
	require.Len(t, body.Activities, 1)
	assert.Equal(t, p2.ID, body.Activities[0].ID)

	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodPost, "/timeline", url.Values{}).Code)
}

func TestReactEndpoint(t *testing.T) {
	alice := relaytest.Signer(t, relaytest.AliceSecret)
	bob := relaytest.Signer(t, relaytest.BobSecret)
	post := relaytest.Sign(t, bob, types.KindPost, 1700000001, "react to me")
	r := relaytest.New(t, relaytest.WithEvents(post))

	_, h := startServer(t, testApp(t, alice, r))

	rec := serve(h, http.MethodPost, "/react", url.Values{"id": {post.ID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Phase   string               `json:"phase"`
		Summary feed.ReactionSummary `json:"summary"`
		EventID string               `json:"event_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "committed", body.Phase)
	assert.Equal(t, feed.ReactionSummary{Count: 1, UserReacted: true}, body.Summary)
	require.Eventually(t, func() bool { return len(r.Published()) == 1 }, eventually, tick)
	assert.Equal(t, body.EventID, r.Published()[0].ID)

	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodPost, "/react", url.Values{"id": {strings.Repeat("0", 64)}}).Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/react", url.Values{"id": {"nope"}}).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodGet, "/react", nil).Code)
}

func TestReactEndpointWithoutSigner(t *testing.T) {
	_, h := startServer(t, testApp(t, nil, relaytest.New(t)))
	rec := serve(h, http.MethodPost, "/react", url.Values{"id": {strings.Repeat("0", 64)}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/notifications", nil).Code)
}

func TestNotificationsEndpoints(t *testing.T) {
	alice := relaytest.Signer(t, relaytest.AliceSecret)
	bob := relaytest.Signer(t, relaytest.BobSecret)
	mention := relaytest.Sign(t, bob, types.KindPost, time.Now().Unix()-60, "hi alice",
		[]string{"p", relaytest.PubKey(t, alice)})
	r := relaytest.New(t, relaytest.WithEvents(mention))

	s, h := startServer(t, testApp(t, alice, r))
	require.Eventually(t, func() bool { return s.notifSub.Loaded() }, eventually, tick)

	var body struct {
		UnreadCount int `json:"unread_count"`
	}
	rec := serve(h, http.MethodGet, "/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.UnreadCount)

	rec = serve(h, http.MethodPost, "/notifications/read", url.Values{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"persisted":true`)

	rec = serve(h, http.MethodGet, "/notifications", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.UnreadCount)
}
