package types

// NotificationType represents the type of notification
type NotificationType string

const (
	NotificationMention  NotificationType = "mention"
	NotificationReply    NotificationType = "reply"
	NotificationReaction NotificationType = "reaction"
	NotificationReview   NotificationType = "review"
)

// Notification is an event addressed to the current actor
type Notification struct {
	Event         Event            `json:"event"`
	Type          NotificationType `json:"type"`
	TargetEventID string           `json:"target_event_id,omitempty"` // Event being replied to or reacted to
}
