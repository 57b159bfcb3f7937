package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"bookstr/internal/bunker"
	"bookstr/internal/config"
	"bookstr/internal/eventcache"
	"bookstr/internal/feed"
	"bookstr/internal/nips"
	"bookstr/internal/nostr"
	"bookstr/internal/notify"
	"bookstr/internal/relay"
	"bookstr/internal/signer"
	"bookstr/internal/subscription"
	"bookstr/internal/types"
)

var errNoSigner = errors.New("no signer configured: set --secret or --bunker")

// app wires the core together for one CLI invocation
type app struct {
	core   config.Core
	relays *config.RelaySource

	pool    *relay.Pool
	cache   *eventcache.Cache
	manager *subscription.Manager

	signer     signer.Signer
	bunker     *bunker.Signer
	signerType string
	actor      string

	store     notify.Store
	storeType string
	redis     *redis.Client

	timeline atomic.Pointer[feed.Timeline]
}

// newApp starts the pool on the configured relays, waits briefly for one of
// them to connect and resolves the signer
func newApp(ctx context.Context) (*app, error) {
	a := &app{
		core:   coreConfig(),
		relays: config.NewRelaySource(relaysPath),
	}

	var bunkerParams *bunker.Params
	if a.core.BunkerURL != "" {
		params, err := bunker.ParseURL(a.core.BunkerURL)
		if err != nil {
			return nil, err
		}
		bunkerParams = &params
	}

	a.cache = eventcache.New(eventcache.Options{
		Horizon:  a.core.CacheHorizon,
		Capacity: a.core.CacheCapacity,
	})
	a.pool = relay.NewPool(relay.Options{
		BackoffBase:  a.core.BackoffBase,
		BackoffMax:   a.core.BackoffMax,
		DialTimeout:  a.core.DialTimeout,
		WriteTimeout: a.core.WriteTimeout,
		OnRetry: func(relayURL string, attempt int, delay time.Duration) {
			relayRetriesTotal.Add(1)
			slog.Debug("relay reconnect scheduled", "relay", relayURL, "attempt", attempt, "delay", delay)
		},
	})
	a.pool.AddListener(statusCounter{})
	a.manager = subscription.NewManager(a.pool, subscription.Options{
		EOSETimeout:    a.core.EOSETimeout,
		PublishTimeout: a.core.PublishTimeout,
		Cache:          a.cache,
		OnEvent: func(evt types.Event) {
			if tl := a.timeline.Load(); tl != nil {
				tl.Apply(evt)
			}
		},
	})

	urls := a.relayURLs()
	if bunkerParams != nil {
		urls = append(urls, bunkerParams.Relays...)
	}
	if err := a.pool.Configure(urls); err != nil {
		// bad entries are skipped, the rest still run
		slog.Warn("some relays were rejected", "error", err)
	}
	a.pool.Start()
	a.waitConnected(ctx)

	if err := a.resolveSigner(ctx, bunkerParams); err != nil {
		a.close()
		return nil, err
	}
	a.timeline.Store(feed.NewTimeline(a.actor))
	return a, nil
}

// relayURLs is --relay when given, otherwise the configured read and write relays
func (a *app) relayURLs() []string {
	if len(relayFlags) > 0 {
		return append([]string(nil), relayFlags...)
	}
	return a.relays.Get().All()
}

func (a *app) resolveSigner(ctx context.Context, params *bunker.Params) error {
	switch {
	case params != nil:
		b, err := bunker.New(*params, a.manager)
		if err != nil {
			return err
		}
		if err := b.Connect(ctx); err != nil {
			return fmt.Errorf("bunker: %w", err)
		}
		a.signer, a.bunker, a.signerType = b, b, "bunker"

	case a.core.SecretKey != "":
		s, err := signer.NewLocalSigner(a.core.SecretKey)
		if err != nil {
			return err
		}
		a.signer, a.signerType = s, "local"

	default:
		a.signerType = "none"
	}

	if a.signer != nil {
		pk, err := a.signer.GetPublicKey(ctx)
		if err != nil {
			return err
		}
		a.actor = pk
	} else if pubkeyFlag != "" {
		pk, err := nips.NormalizeHex("npub", pubkeyFlag)
		if err != nil {
			return fmt.Errorf("invalid --pubkey: %w", err)
		}
		a.actor = pk
	}
	if a.actor != "" {
		slog.Info("acting as", "pubkey", nostr.ShortID(a.actor), "signer", a.signerType)
	}
	return nil
}

// waitConnected polls until any relay is connected or the dial timeout passes.
// Subscriptions opened before that still reach relays as they connect.
func (a *app) waitConnected(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, a.core.DialTimeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for a.pool.Status() != types.StatusConnected {
		select {
		case <-ctx.Done():
			slog.Warn("no relay connected yet", "relays", len(a.pool.URLs()))
			return
		case <-ticker.C:
		}
	}
}

// notifyStore returns the Redis store when REDIS_URL is set, memory otherwise
func (a *app) notifyStore() notify.Store {
	if a.store != nil {
		return a.store
	}
	if a.core.RedisURL != "" {
		client, err := notify.NewRedisClient(a.core.RedisURL)
		if err == nil {
			a.redis = client
			a.store, a.storeType = notify.NewRedisStore(client, "bookstr:", 0), "redis"
			return a.store
		}
		slog.Warn("redis unavailable, using memory store", "error", err)
	}
	a.store, a.storeType = notify.NewMemoryStore(), "memory"
	return a.store
}

func (a *app) requireSigner() error {
	if a.signer == nil {
		return errNoSigner
	}
	return nil
}

func (a *app) close() {
	if a.bunker != nil {
		a.bunker.Close()
	}
	a.manager.Close()
	a.pool.Stop()
	a.cache.Close()
	if a.redis != nil {
		a.redis.Close()
	}
}

// statusCounter counts relay status transitions for metrics
type statusCounter struct{}

func (statusCounter) HandleMessage(string, []byte) {}

func (statusCounter) HandleStatus(relayURL string, status types.RelayStatus) {
	relayStatusChanges.Add(1)
}

// parsePubkeys accepts hex or npub values
func parsePubkeys(values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		pk, err := nips.NormalizeHex("npub", strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("invalid pubkey %q: %w", v, err)
		}
		out = append(out, pk)
	}
	return out, nil
}
