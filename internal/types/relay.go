package types

import "time"

// RelayStatus is the connection state of one relay endpoint
type RelayStatus string

const (
	StatusDisconnected RelayStatus = "disconnected"
	StatusConnecting   RelayStatus = "connecting"
	StatusConnected    RelayStatus = "connected"
	StatusFailed       RelayStatus = "failed"
)

// RelayEndpoint is a point-in-time view of one configured relay
type RelayEndpoint struct {
	URL                 string      `json:"url"`
	Status              RelayStatus `json:"status"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastAttemptAt       time.Time   `json:"last_attempt_at"`
	LastSuccessAt       time.Time   `json:"last_success_at"`
}
