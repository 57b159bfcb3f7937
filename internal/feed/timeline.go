package feed

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"bookstr/internal/types"
)

type reactionRef struct {
	target  string
	reactor string
}

type profileEntry struct {
	info      types.ProfileInfo
	createdAt int64
}

// Timeline is the merged activity list for one actor. Apply is idempotent:
// reaction counts are derived from the set of distinct reactors, so the same
// event applied twice changes nothing.
type Timeline struct {
	actor string

	mu         sync.RWMutex
	events     map[string]types.Event                // activity id -> event
	reactors   map[string]map[string]map[string]bool // target -> reactor -> reaction ids
	reactions  map[string]reactionRef                // reaction id -> target/reactor
	deletions  map[string]map[string]bool            // deleted id -> deleting pubkeys
	profiles   map[string]profileEntry               // pubkey -> newest profile
	optimistic map[string]ReactionSummary            // target -> pending local state
}

// NewTimeline creates an empty timeline for actor (hex pubkey, may be empty)
func NewTimeline(actor string) *Timeline {
	return &Timeline{
		actor:      actor,
		events:     make(map[string]types.Event),
		reactors:   make(map[string]map[string]map[string]bool),
		reactions:  make(map[string]reactionRef),
		deletions:  make(map[string]map[string]bool),
		profiles:   make(map[string]profileEntry),
		optimistic: make(map[string]ReactionSummary),
	}
}

// Actor returns the pubkey whose reactions set UserReacted
func (t *Timeline) Actor() string {
	return t.actor
}

// Apply folds one event into the timeline. Returns true if anything changed.
func (t *Timeline) Apply(evt types.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch evt.Kind {
	case types.KindProfile:
		return t.applyProfile(evt)
	case types.KindDeletion:
		return t.applyDeletion(evt)
	}

	if _, ok := activityTypeForKind(evt.Kind); !ok {
		return false
	}
	if t.deletions[evt.ID][evt.PubKey] {
		return false
	}
	if _, exists := t.events[evt.ID]; exists {
		return false
	}
	t.events[evt.ID] = evt

	if evt.Kind == types.KindReaction {
		t.addReaction(evt)
	}
	return true
}

func (t *Timeline) applyProfile(evt types.Event) bool {
	current, ok := t.profiles[evt.PubKey]
	if ok && current.createdAt >= evt.CreatedAt {
		return false
	}
	var info types.ProfileInfo
	if err := json.Unmarshal([]byte(evt.Content), &info); err != nil {
		return false
	}
	t.profiles[evt.PubKey] = profileEntry{info: info, createdAt: evt.CreatedAt}
	return true
}

// applyDeletion honours NIP-09 deletions only from the original author
func (t *Timeline) applyDeletion(evt types.Event) bool {
	changed := false
	for _, id := range evt.TagValues("e") {
		if target, ok := t.events[id]; ok {
			if target.PubKey != evt.PubKey {
				continue
			}
			delete(t.events, id)
			changed = true
		}
		if t.deletions[id] == nil {
			t.deletions[id] = make(map[string]bool)
		}
		if !t.deletions[id][evt.PubKey] {
			t.deletions[id][evt.PubKey] = true
			changed = true
		}
		if ref, ok := t.reactions[id]; ok && ref.reactor == evt.PubKey {
			t.removeReaction(id, ref)
			changed = true
		}
	}
	return changed
}

func (t *Timeline) addReaction(evt types.Event) {
	// "-" is a downvote, not a like
	if strings.TrimSpace(evt.Content) == "-" {
		return
	}
	target := evt.LastTagValue("e")
	if target == "" {
		return
	}
	byReactor := t.reactors[target]
	if byReactor == nil {
		byReactor = make(map[string]map[string]bool)
		t.reactors[target] = byReactor
	}
	if byReactor[evt.PubKey] == nil {
		byReactor[evt.PubKey] = make(map[string]bool)
	}
	byReactor[evt.PubKey][evt.ID] = true
	t.reactions[evt.ID] = reactionRef{target: target, reactor: evt.PubKey}
}

func (t *Timeline) removeReaction(reactionID string, ref reactionRef) {
	delete(t.reactions, reactionID)
	byReactor := t.reactors[ref.target]
	if byReactor == nil {
		return
	}
	delete(byReactor[ref.reactor], reactionID)
	if len(byReactor[ref.reactor]) == 0 {
		delete(byReactor, ref.reactor)
	}
	if len(byReactor) == 0 {
		delete(t.reactors, ref.target)
	}
}

func (t *Timeline) confirmedSummary(target string) ReactionSummary {
	byReactor := t.reactors[target]
	return ReactionSummary{
		Count:       len(byReactor),
		UserReacted: t.actor != "" && len(byReactor[t.actor]) > 0,
	}
}

func (t *Timeline) summary(target string) ReactionSummary {
	if s, ok := t.optimistic[target]; ok {
		return s
	}
	return t.confirmedSummary(target)
}

// Reaction returns the summary for target as the UI should show it,
// including any pending optimistic change
func (t *Timeline) Reaction(target string) ReactionSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summary(target)
}

// ReactionEventID returns one of actor's reaction event ids for target, or ""
func (t *Timeline) ReactionEventID(target, actor string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.reactors[target][actor]
	if len(ids) == 0 {
		return ""
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out[0]
}

// ReactionEventIDs returns every reaction event id actor has for target
func (t *Timeline) ReactionEventIDs(target, actor string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.reactors[target][actor]))
	for id := range t.reactors[target][actor] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetOptimistic shows summary for target until Confirm or Rollback
func (t *Timeline) SetOptimistic(target string, summary ReactionSummary) {
	t.mu.Lock()
	t.optimistic[target] = summary
	t.mu.Unlock()
}

// Rollback drops the pending change for target, going back to the
// confirmed state
func (t *Timeline) Rollback(target string) {
	t.mu.Lock()
	delete(t.optimistic, target)
	t.mu.Unlock()
}

// Confirm records a write the network accepted and drops the pending
// change. evt is the reaction (kind 7) or the deletion (kind 5) that was
// published.
func (t *Timeline) Confirm(target string, evt types.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.optimistic, target)
	switch evt.Kind {
	case types.KindReaction:
		if _, exists := t.events[evt.ID]; !exists {
			t.events[evt.ID] = evt
			t.addReaction(evt)
		}
	case types.KindDeletion:
		t.applyDeletion(evt)
	}
}

// Profile returns the newest known profile for pubkey
func (t *Timeline) Profile(pubkey string) (types.ProfileInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.profiles[pubkey]
	return p.info, ok
}

func (t *Timeline) project(evt types.Event) Activity {
	typ, _ := activityTypeForKind(evt.Kind)
	author := Author{PubKey: evt.PubKey}
	if p, ok := t.profiles[evt.PubKey]; ok {
		author.Name = p.info.Name
		author.DisplayName = p.info.DisplayName
		author.Picture = p.info.Picture
	}
	a := Activity{
		ID:        evt.ID,
		Type:      typ,
		Kind:      evt.Kind,
		Author:    author,
		CreatedAt: evt.CreatedAt,
		Content:   evt.Content,
		Reactions: t.summary(evt.ID),
	}
	switch evt.Kind {
	case types.KindReaction:
		a.TargetID = evt.LastTagValue("e")
	case types.KindReview, types.KindReadingStatus:
		a.BookRef = evt.TagValue("d")
		if a.BookRef == "" {
			a.BookRef = evt.TagValue("i")
		}
	}
	return a
}

// Activity returns one activity by id
func (t *Timeline) Activity(id string) (Activity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	evt, ok := t.events[id]
	if !ok {
		return Activity{}, false
	}
	return t.project(evt), true
}

// Activities returns every activity, newest first with ties broken by id
func (t *Timeline) Activities() []Activity {
	t.mu.RLock()
	events := make([]types.Event, 0, len(t.events))
	for _, evt := range t.events {
		events = append(events, evt)
	}
	types.SortEvents(events)
	out := make([]Activity, 0, len(events))
	for _, evt := range events {
		out = append(out, t.project(evt))
	}
	t.mu.RUnlock()
	return out
}

// Len returns the number of activities
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.events)
}
