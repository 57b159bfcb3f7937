package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bookstr/internal/nips"
	"bookstr/internal/notify"
	"bookstr/internal/reaction"
	"bookstr/internal/subscription"
	"bookstr/internal/types"
)

// Request body size limits
const (
	maxBodySize = 32 * 1024 // 32KB for POST requests
)

const enrichWindow = 2 * time.Second

var listenAddr string

func init() {
	addFeedFlags(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "",
		"Address for the status endpoint. Defaults to :$PORT or :8080.")
}

// Keeps the pool, the feed subscription and the notification subscription
// running and serves their state over HTTP. SIGHUP reloads the relay list.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the core continuously with health, metrics and timeline endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		filter, err := feedFilter()
		if err != nil {
			return err
		}
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		s := &server{app: a}
		if err := s.start(ctx, filter); err != nil {
			return err
		}
		defer s.stop()

		go a.watchReload(ctx)

		addr := listenAddr
		if addr == "" {
			addr = a.core.MetricsAddr
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           RequestLoggingMiddleware(s.routes()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			slog.Info("starting server", "addr", addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	},
}

// server holds the long-lived subscriptions behind the HTTP endpoints
type server struct {
	app *app

	feed     *subscription.Subscription
	notifSub *subscription.Subscription
	cursor   *notify.Cursor
	enricher *Batcher[types.Event]
	coord    *reaction.Coordinator
}

func (s *server) start(ctx context.Context, filter types.Filter) error {
	a := s.app
	s.enricher = NewBatcher("enrich", func(events []types.Event) {
		a.enrich(ctx, events)
	}, enrichWindow, 200)

	// live subscriptions keep the whole stream, the limit only caps the backfill
	feed, err := a.manager.Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	s.feed = feed
	go s.follow(feed)

	if a.actor != "" {
		s.cursor = notify.NewCursor(a.actor, a.notifyStore())
		if _, err := s.cursor.Load(ctx); err != nil {
			slog.Warn("could not load last viewed", "error", err)
		}
		notifSub, err := a.manager.Subscribe(ctx, s.cursor.Filter(500))
		if err != nil {
			return err
		}
		s.notifSub = notifSub
		go s.follow(notifSub)
	}
	if a.signer != nil {
		s.coord = reaction.NewCoordinator(a.signer, a.manager, a.timeline.Load())
	}
	return nil
}

// follow queues every delivered event for enrichment
func (s *server) follow(sub *subscription.Subscription) {
	for evt := range sub.Events() {
		if evt.Kind != types.KindProfile {
			s.enricher.Add(evt.ID, evt)
		}
	}
}

func (s *server) stop() {
	s.app.manager.Cancel(s.feed)
	s.app.manager.Cancel(s.notifSub)
	s.enricher.Stop()
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.app.healthHandler)
	mux.HandleFunc("/metrics", s.app.metricsHandler)
	mux.HandleFunc("/relays", s.relaysHandler)
	mux.HandleFunc("/timeline", s.timelineHandler)
	mux.HandleFunc("/notifications", s.notificationsHandler)
	mux.HandleFunc("/notifications/read", limitBody(s.markReadHandler, maxBodySize))
	mux.HandleFunc("/react", limitBody(s.reactHandler, maxBodySize))
	return mux
}

// limitBody wraps an HTTP handler to limit request body size
func limitBody(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) relaysHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": s.app.pool.Status(),
		"relays": s.app.pool.Endpoints(),
	})
}

func (s *server) timelineHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	kinds := make(map[int]bool, len(s.feed.Filter.Kinds))
	for _, k := range s.feed.Filter.Kinds {
		kinds[k] = true
	}
	var out []any
	for _, act := range s.app.timeline.Load().Activities() {
		if len(kinds) > 0 && !kinds[act.Kind] {
			continue
		}
		out = append(out, act)
		if len(out) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loaded":     s.feed.Loaded(),
		"activities": out,
	})
}

func (s *server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	if s.cursor == nil {
		writeError(w, http.StatusNotFound, "no actor configured")
		return
	}
	unread := s.cursor.Unread(s.notifSub.Collected())
	writeJSON(w, http.StatusOK, map[string]any{
		"last_viewed_at": s.cursor.LastViewedAt(),
		"unread_count":   len(unread),
		"unread":         unread,
	})
}

func (s *server) markReadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cursor == nil {
		writeError(w, http.StatusNotFound, "no actor configured")
		return
	}
	notifMarkReadTotal.Add(1)
	ts, err := s.cursor.MarkAsRead(r.Context())
	if err != nil {
		notifMarkReadFailed.Add(1)
		// the local cursor still moved; only persisting failed
		LoggerFromContext(r.Context()).Warn("mark as read not persisted", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"last_viewed_at": ts,
		"persisted":      err == nil,
	})
}

func (s *server) reactHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.coord == nil {
		writeError(w, http.StatusForbidden, errNoSigner.Error())
		return
	}
	id, err := nips.NormalizeHex("note", r.FormValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	target, ok := s.app.cache.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "event not in timeline")
		return
	}

	outcome, err := s.coord.Toggle(r.Context(), reaction.TargetRef{ID: target.ID, PubKey: target.PubKey, Kind: target.Kind})
	switch {
	case errors.Is(err, reaction.ErrInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		LoggerFromContext(r.Context()).Warn("reaction failed", "target", id, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   err.Error(),
			"phase":   outcome.Intent.Phase,
			"summary": outcome.Summary,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"phase":    outcome.Intent.Phase,
			"summary":  outcome.Summary,
			"event_id": outcome.EventID,
		})
	}
}

// watchReload re-reads the relay list on SIGHUP and reconciles the pool
func (a *app) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			urls := a.relays.Reload().All()
			if len(relayFlags) > 0 {
				urls = append([]string(nil), relayFlags...)
			}
			if a.bunker != nil {
				urls = append(urls, a.bunker.Relays()...)
			}
			if err := a.pool.Configure(urls); err != nil {
				slog.Warn("some relays were rejected", "error", err)
			}
			slog.Info("relay pool reconfigured", "relays", len(a.pool.URLs()))
		}
	}
}
