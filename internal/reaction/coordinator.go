// Package reaction runs optimistic like/unlike toggles against the network.
// Each (target, actor) pair moves idle -> pending -> committed|rolledBack ->
// idle, and only one toggle per pair can be pending at a time.
package reaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"bookstr/internal/feed"
	"bookstr/internal/nostr"
	"bookstr/internal/signer"
	"bookstr/internal/subscription"
	"bookstr/internal/types"
)

var (
	ErrInFlight      = errors.New("reaction toggle already in flight")
	ErrRolledBack    = errors.New("reaction rolled back")
	ErrNothingToUndo = errors.New("no reaction event to delete")
)

// Desired is the state a toggle is trying to reach
type Desired string

const (
	Reacted   Desired = "reacted"
	Unreacted Desired = "unreacted"
)

// Phase of an intent
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseCommitted  Phase = "committed"
	PhaseRolledBack Phase = "rolledBack"
)

// Intent is one toggle in progress or just finished
type Intent struct {
	TargetEventID string
	ActorPubKey   string
	Desired       Desired
	Phase         Phase
	StartedAt     time.Time
}

// TargetRef identifies the event being reacted to
type TargetRef struct {
	ID     string
	PubKey string
	Kind   int
}

// View is the UI-facing reaction state the coordinator flips and restores.
// feed.Timeline implements it.
type View interface {
	Reaction(target string) feed.ReactionSummary
	ReactionEventIDs(target, actor string) []string
	SetOptimistic(target string, summary feed.ReactionSummary)
	Confirm(target string, evt types.Event)
	Rollback(target string)
}

// Publisher sends signed events; subscription.Manager implements it
type Publisher interface {
	Publish(ctx context.Context, evt *types.Event) (subscription.PublishResult, error)
}

// Outcome is what a finished toggle left behind
type Outcome struct {
	Intent  Intent
	Summary feed.ReactionSummary
	EventID string
}

type intentKey struct {
	target string
	actor  string
}

// Coordinator owns every reaction intent
type Coordinator struct {
	signer    signer.Signer
	publisher Publisher
	view      View
	now       func() time.Time

	mu      sync.Mutex
	intents map[intentKey]*Intent
}

// NewCoordinator wires a coordinator to its signer, publisher and view
func NewCoordinator(s signer.Signer, publisher Publisher, view View) *Coordinator {
	return &Coordinator{
		signer:    s,
		publisher: publisher,
		view:      view,
		now:       time.Now,
		intents:   make(map[intentKey]*Intent),
	}
}

// Toggle flips the actor's reaction on target. The view changes at once;
// if signing or publishing fails it is restored to exactly what it showed
// before and the error wraps ErrRolledBack. A toggle for a pair that is
// still pending returns ErrInFlight without side effects.
func (c *Coordinator) Toggle(ctx context.Context, target TargetRef) (Outcome, error) {
	actor, err := c.signer.GetPublicKey(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("get public key: %w", err)
	}
	key := intentKey{target: target.ID, actor: actor}

	c.mu.Lock()
	if _, pending := c.intents[key]; pending {
		c.mu.Unlock()
		return Outcome{}, ErrInFlight
	}
	before := c.view.Reaction(target.ID)
	intent := &Intent{
		TargetEventID: target.ID,
		ActorPubKey:   actor,
		Desired:       Reacted,
		Phase:         PhasePending,
		StartedAt:     c.now(),
	}
	optimistic := feed.ReactionSummary{Count: before.Count + 1, UserReacted: true}
	if before.UserReacted {
		intent.Desired = Unreacted
		optimistic = feed.ReactionSummary{Count: max(before.Count-1, 0), UserReacted: false}
	}
	c.intents[key] = intent
	c.view.SetOptimistic(target.ID, optimistic)
	c.mu.Unlock()

	evt, err := c.buildEvent(ctx, target, actor, intent.Desired)
	if err == nil {
		_, err = c.publisher.Publish(ctx, evt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// terminal phases go straight back to idle
	delete(c.intents, key)

	if err != nil {
		intent.Phase = PhaseRolledBack
		c.view.Rollback(target.ID)
		slog.Warn("reaction rolled back", "target", nostr.ShortID(target.ID), "desired", intent.Desired, "error", err)
		return Outcome{Intent: *intent, Summary: c.view.Reaction(target.ID)}, fmt.Errorf("%w: %w", ErrRolledBack, err)
	}

	intent.Phase = PhaseCommitted
	c.view.Confirm(target.ID, *evt)
	slog.Debug("reaction committed", "target", nostr.ShortID(target.ID), "desired", intent.Desired, "event", nostr.ShortID(evt.ID))
	return Outcome{Intent: *intent, Summary: c.view.Reaction(target.ID), EventID: evt.ID}, nil
}

// Intent returns the pending intent for a pair, if any
func (c *Coordinator) Intent(targetID, actor string) (Intent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	intent, ok := c.intents[intentKey{target: targetID, actor: actor}]
	if !ok {
		return Intent{}, false
	}
	return *intent, true
}

// buildEvent signs a NIP-25 reaction, or a NIP-09 deletion of the actor's
// existing reactions when unreacting
func (c *Coordinator) buildEvent(ctx context.Context, target TargetRef, actor string, desired Desired) (*types.Event, error) {
	kind := target.Kind
	if kind == 0 {
		kind = types.KindPost
	}

	var unsigned types.UnsignedEvent
	switch desired {
	case Reacted:
		tags := [][]string{
			{"e", target.ID},
			{"k", strconv.Itoa(kind)},
		}
		if target.PubKey != "" {
			tags = append(tags, []string{"p", target.PubKey})
		}
		unsigned = types.UnsignedEvent{Kind: types.KindReaction, Content: "+", Tags: tags}

	case Unreacted:
		ids := c.view.ReactionEventIDs(target.ID, actor)
		if len(ids) == 0 {
			return nil, ErrNothingToUndo
		}
		tags := make([][]string, 0, len(ids)+1)
		for _, id := range ids {
			tags = append(tags, []string{"e", id})
		}
		tags = append(tags, []string{"k", strconv.Itoa(types.KindReaction)})
		unsigned = types.UnsignedEvent{Kind: types.KindDeletion, Tags: tags}
	}
	unsigned.CreatedAt = c.now().Unix()

	evt, err := c.signer.SignEvent(ctx, unsigned)
	if err != nil {
		return nil, fmt.Errorf("sign reaction: %w", err)
	}
	return evt, nil
}
