package bunker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookstr/internal/eventcache"
	"bookstr/internal/nostr"
	"bookstr/internal/relay"
	"bookstr/internal/relaytest"
	"bookstr/internal/signer"
	"bookstr/internal/subscription"
	"bookstr/internal/types"
)

const remotePub = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

func TestParseURL(t *testing.T) {
	p, err := ParseURL("bunker://" + strings.ToUpper(remotePub) + "?relay=wss://relay.example.com/&relay=wss://10.0.0.1&secret=s3cret")
	require.NoError(t, err)
	assert.Equal(t, remotePub, p.RemotePubKey)
	assert.Equal(t, []string{"wss://relay.example.com"}, p.Relays)
	assert.Equal(t, "s3cret", p.Secret)

	for _, bad := range []string{
		"nostrconnect://" + remotePub + "?relay=wss://relay.example.com",
		"bunker://abc?relay=wss://relay.example.com",
		"bunker://" + strings.Repeat("z", 64) + "?relay=wss://relay.example.com",
		"bunker://" + remotePub,
		"bunker://" + remotePub + "?relay=wss://192.168.1.1",
	} {
		_, err := ParseURL(bad)
		assert.Error(t, err, bad)
	}
}

// network wires a pool and manager to one test relay
func network(t *testing.T) (*relaytest.Relay, *subscription.Manager) {
	t.Helper()
	r := relaytest.New(t)
	pool := relay.NewPool(relay.Options{BackoffBase: 10 * time.Millisecond})
	cache := eventcache.New(eventcache.Options{})
	m := subscription.NewManager(pool, subscription.Options{Cache: cache})
	require.NoError(t, pool.Configure([]string{r.URL()}))
	pool.Start()
	t.Cleanup(func() {
		m.Close()
		pool.Stop()
		cache.Close()
	})
	require.Eventually(t, func() bool { return pool.Status() == types.StatusConnected }, 3*time.Second, 10*time.Millisecond)
	return r, m
}

// runRemoteSigner answers NIP-46 requests addressed to remote, signing
// with user
func runRemoteSigner(t *testing.T, m *subscription.Manager, remote, user *signer.LocalSigner, secret string) {
	t.Helper()
	ctx := context.Background()
	remotePK := relaytest.PubKey(t, remote)
	userPK := relaytest.PubKey(t, user)

	sub, err := m.Subscribe(ctx, types.Filter{
		Kinds: []int{types.KindRemoteSigning},
		Tags:  map[string][]string{"p": {remotePK}},
	})
	require.NoError(t, err)
	require.NoError(t, sub.WaitInitialLoad(ctx))
	t.Cleanup(func() { m.Cancel(sub) })

	go func() {
		for evt := range sub.Events() {
			clientPub, _ := hex.DecodeString(evt.PubKey)
			key, err := signer.GetConversationKey(remote.SecretKey(), clientPub)
			if err != nil {
				continue
			}
			plain, err := signer.Nip44Decrypt(evt.Content, key)
			if err != nil {
				continue
			}
			var req Request
			if json.Unmarshal([]byte(plain), &req) != nil {
				continue
			}

			resp := Response{ID: req.ID}
			switch req.Method {
			case "connect":
				if len(req.Params) > 1 && req.Params[1] == secret {
					resp.Result = "ack"
				} else {
					resp.Error = "bad secret"
				}
			case "get_public_key":
				resp.Result = userPK
			case "sign_event":
				var unsigned types.UnsignedEvent
				json.Unmarshal([]byte(req.Params[0]), &unsigned)
				signed, err := user.SignEvent(ctx, unsigned)
				if err != nil {
					resp.Error = err.Error()
					break
				}
				raw, _ := json.Marshal(signed)
				resp.Result = string(raw)
			default:
				resp.Error = "unsupported"
			}

			raw, _ := json.Marshal(resp)
			encrypted, _ := signer.Nip44Encrypt(string(raw), key)
			reply, err := remote.SignEvent(ctx, types.UnsignedEvent{
				Kind:      types.KindRemoteSigning,
				Content:   encrypted,
				Tags:      [][]string{{"p", evt.PubKey}},
				CreatedAt: time.Now().Unix(),
			})
			if err != nil {
				continue
			}
			m.Publish(ctx, reply)
		}
	}()
}

func TestBunkerConnectAndSign(t *testing.T) {
	r, m := network(t)
	remote := relaytest.Signer(t, relaytest.BobSecret)
	user := relaytest.Signer(t, relaytest.AliceSecret)
	runRemoteSigner(t, m, remote, user, "s3cret")

	b, err := New(Params{
		RemotePubKey: relaytest.PubKey(t, remote),
		Relays:       []string{r.URL()},
		Secret:       "s3cret",
	}, m)
	require.NoError(t, err)
	b.SetTimeout(3 * time.Second)
	defer b.Close()

	_, err = b.GetPublicKey(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, b.Connect(context.Background()))
	pk, err := b.GetPublicKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relaytest.PubKey(t, user), pk)

	evt, err := b.SignEvent(context.Background(), types.UnsignedEvent{
		Kind:      types.KindReaction,
		Content:   "+",
		Tags:      [][]string{{"e", remotePub}},
		CreatedAt: 1700000000,
	})
	require.NoError(t, err)
	assert.Equal(t, pk, evt.PubKey)
	assert.NoError(t, nostr.ValidateEvent(evt))

	// requests on the wire are encrypted
	for _, published := range r.Published() {
		if published.Kind == types.KindRemoteSigning {
			assert.NotContains(t, published.Content, "sign_event")
		}
	}
}

func TestBunkerConnectRejectsWrongSecret(t *testing.T) {
	r, m := network(t)
	remote := relaytest.Signer(t, relaytest.BobSecret)
	user := relaytest.Signer(t, relaytest.AliceSecret)
	runRemoteSigner(t, m, remote, user, "right")

	b, err := New(Params{RemotePubKey: relaytest.PubKey(t, remote), Relays: []string{r.URL()}, Secret: "wrong"}, m)
	require.NoError(t, err)
	b.SetTimeout(3 * time.Second)

	err = b.Connect(context.Background())
	assert.ErrorContains(t, err, "bad secret")
	_, err = b.GetPublicKey(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBunkerTimesOutWithoutRemote(t *testing.T) {
	r, m := network(t)
	b, err := New(Params{RemotePubKey: remotePub, Relays: []string{r.URL()}}, m)
	require.NoError(t, err)
	b.SetTimeout(200 * time.Millisecond)

	err = b.Connect(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSignRateLimit(t *testing.T) {
	b := &Signer{}
	for i := 0; i < signRateLimit; i++ {
		require.NoError(t, b.checkSignRateLimit())
	}
	assert.ErrorIs(t, b.checkSignRateLimit(), ErrRateLimited)

	// requests older than the window no longer count
	b.signRequestTimes = []time.Time{time.Now().Add(-2 * signRateWindow)}
	assert.NoError(t, b.checkSignRateLimit())
}
