// Package types provides shared type definitions used across internal packages.
package types

import (
	"slices"
	"sort"
)

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	CreatedAt  int64      `json:"created_at"`
	Kind       int        `json:"kind"`
	Tags       [][]string `json:"tags"`
	Content    string     `json:"content"`
	Sig        string     `json:"sig"`
	RelaysSeen []string   `json:"-"`
}

// UnsignedEvent is an event that still needs an id, pubkey and signature
type UnsignedEvent struct {
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
	CreatedAt int64      `json:"created_at"`
}

// TagValue returns the first value of the first tag with the given name
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// LastTagValue returns the value of the last tag with the given name.
// NIP-25 reactions and NIP-10 replies put the target in the last "e" tag.
func (e *Event) LastTagValue(name string) string {
	value := ""
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			value = tag[1]
		}
	}
	return value
}

// TagValues returns every value of tags with the given name
func (e *Event) TagValues(name string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// References reports whether the event carries a tag name/value pair
func (e *Event) References(name, value string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return true
		}
	}
	return false
}

// Less orders events for presentation: newest first, ties broken by id ascending
func Less(a, b *Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}

// SortEvents sorts events in presentation order. Arrival order is never used.
func SortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		return Less(&events[i], &events[j])
	})
}

// Clone returns a deep copy so callers can't mutate a shared canonical event
func (e Event) Clone() Event {
	out := e
	if e.Tags != nil {
		out.Tags = make([][]string, len(e.Tags))
		for i, tag := range e.Tags {
			out.Tags[i] = slices.Clone(tag)
		}
	}
	out.RelaysSeen = slices.Clone(e.RelaysSeen)
	return out
}
