// Package feed projects the merged event stream into consumer-facing
// activities with reaction summaries and author info.
package feed

import "bookstr/internal/types"

// ActivityType is what an activity represents on the timeline
type ActivityType string

const (
	ActivityPost         ActivityType = "post"
	ActivityReview       ActivityType = "review"
	ActivityReaction     ActivityType = "reaction"
	ActivityStatusChange ActivityType = "status-change"
)

// activityTypeForKind maps an event kind to an activity type
func activityTypeForKind(kind int) (ActivityType, bool) {
	switch kind {
	case types.KindPost:
		return ActivityPost, true
	case types.KindReview:
		return ActivityReview, true
	case types.KindReaction:
		return ActivityReaction, true
	case types.KindReadingStatus:
		return ActivityStatusChange, true
	}
	return "", false
}

// Author is the display info of an event's author
type Author struct {
	PubKey      string `json:"pubkey"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
}

// ReactionSummary is the like count of an activity and whether the current
// actor is one of the likers
type ReactionSummary struct {
	Count       int  `json:"count"`
	UserReacted bool `json:"user_reacted"`
}

// Activity is one timeline entry
type Activity struct {
	ID        string          `json:"id"`
	Type      ActivityType    `json:"type"`
	Kind      int             `json:"kind"`
	Author    Author          `json:"author"`
	CreatedAt int64           `json:"created_at"`
	Content   string          `json:"content"`
	TargetID  string          `json:"target_id,omitempty"` // reacted-to event
	BookRef   string          `json:"book_ref,omitempty"`  // "d" or "i" tag of reviews and status updates
	Reactions ReactionSummary `json:"reactions"`
}
