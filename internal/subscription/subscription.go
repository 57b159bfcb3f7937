package subscription

import (
	"context"
	"sync"
	"time"

	"bookstr/internal/types"
)

// Subscription is the handle for one logical query across all relays.
// Events are delivered once each, in arrival order; use Collected for
// presentation order.
type Subscription struct {
	ID        string
	Filter    types.Filter
	CreatedAt time.Time

	mu        sync.Mutex
	inFlight  map[string]bool // relays still expected to send EOSE
	early     map[string]bool // relays that answered before the REQ fan-out returned
	asked     bool
	seen      map[string]struct{}
	collected []types.Event
	queue     []types.Event
	loaded    bool

	notify      chan struct{}
	events      chan types.Event
	initialLoad chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	timer       *time.Timer
}

func newSubscription(id string, filter types.Filter) *Subscription {
	s := &Subscription{
		ID:          id,
		Filter:      filter.Clone(),
		CreatedAt:   time.Now(),
		inFlight:    make(map[string]bool),
		early:       make(map[string]bool),
		seen:        make(map[string]struct{}),
		notify:      make(chan struct{}, 1),
		events:      make(chan types.Event),
		initialLoad: make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.pump()
	return s
}

// Events streams deduplicated events. The channel closes on Cancel.
func (s *Subscription) Events() <-chan types.Event {
	return s.events
}

// InitialLoad is closed once every asked relay sent EOSE or timed out
func (s *Subscription) InitialLoad() <-chan struct{} {
	return s.initialLoad
}

// Done is closed when the subscription is cancelled
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// WaitInitialLoad blocks until the initial load completes, the subscription
// is cancelled or ctx ends
func (s *Subscription) WaitInitialLoad(ctx context.Context) error {
	select {
	case <-s.initialLoad:
		return nil
	case <-s.done:
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loaded reports whether the initial load has completed
func (s *Subscription) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Collected returns every event received so far, newest first
func (s *Subscription) Collected() []types.Event {
	s.mu.Lock()
	out := make([]types.Event, len(s.collected))
	copy(out, s.collected)
	s.mu.Unlock()
	types.SortEvents(out)
	return out
}

// Pending returns the relays that haven't reported EOSE yet
func (s *Subscription) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, 0, len(s.inFlight))
	for u := range s.inFlight {
		urls = append(urls, u)
	}
	return urls
}

// offer queues evt unless this subscription already has it. Returns true
// on first sight.
func (s *Subscription) offer(evt types.Event) bool {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.seen[evt.ID]; ok {
		s.mu.Unlock()
		return false
	}
	s.seen[evt.ID] = struct{}{}
	s.collected = append(s.collected, evt)
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// settle records the relays the initial REQ reached. Relays that already
// answered are not waited for. With nothing sent the load completes at
// once unless waitForConnect is set, in which case a relay that connects
// later can still take part before the timeout.
func (s *Subscription) settle(sent []string, waitForConnect bool) {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return
	}
	s.asked = true
	for _, u := range sent {
		if !s.early[u] {
			s.inFlight[u] = true
		}
	}
	s.early = nil
	complete := len(s.inFlight) == 0 && (len(sent) > 0 || !waitForConnect)
	s.mu.Unlock()

	if complete {
		s.completeLoad()
	}
}

// track marks one relay as asked. Call it before writing the REQ so the
// answer can't overtake it. Relays asked after the initial load are not
// tracked.
func (s *Subscription) track(relayURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return
	}
	s.inFlight[relayURL] = true
	delete(s.early, relayURL)
}

// relayDone records EOSE (or its equivalent) from one relay
func (s *Subscription) relayDone(relayURL string) {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return
	}
	if !s.inFlight[relayURL] {
		if !s.asked {
			s.early[relayURL] = true
		}
		s.mu.Unlock()
		return
	}
	delete(s.inFlight, relayURL)
	complete := s.asked && len(s.inFlight) == 0
	s.mu.Unlock()

	if complete {
		s.completeLoad()
	}
}

func (s *Subscription) completeLoad() {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return
	}
	s.loaded = true
	s.inFlight = make(map[string]bool)
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	close(s.initialLoad)
}

func (s *Subscription) seenIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.seen))
	for id := range s.seen {
		ids = append(ids, id)
	}
	return ids
}

func (s *Subscription) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// close stops the stream. Returns false if it was already closed.
func (s *Subscription) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		closed = true
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
	return closed
}

// pump moves queued events to the consumer so relay workers never wait on
// a slow reader
func (s *Subscription) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		evt := s.queue[0]
		s.queue[0] = types.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- evt:
		case <-s.done:
			return
		}
	}
}
