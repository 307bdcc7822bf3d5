package domain

import "time"

// QueuedMessage is a pending delivery attempt. RetryCount increases on every
// retryable failure; FailedAt is set only once the item is dead-lettered.
type QueuedMessage struct {
	ID           string      `json:"id"`
	Message      ChatMessage `json:"message"`
	TargetUserID string      `json:"targetUserId"`
	RetryCount   int         `json:"retryCount"`
	CreatedAt    time.Time   `json:"createdAt"`
	FailedAt     *time.Time  `json:"failedAt,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

// QueueStatus is the snapshot exposed by the admin surface.
type QueueStatus struct {
	PendingCount    int       `json:"pendingCount"`
	DeadLetterCount int       `json:"deadLetterCount"`
	Timestamp       time.Time `json:"timestamp"`
}
