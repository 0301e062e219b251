package model

import "time"

// Priority orders outbound messages in the offline queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weight returns the dispatch rank of p; lower goes first.
// Unknown priorities are treated as normal.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// QueueState is the lifecycle state of a queued message.
type QueueState string

const (
	QueuePending    QueueState = "pending"
	QueueProcessing QueueState = "processing"
	QueueFailed     QueueState = "failed"
)

// QueuedMessage is an outbox entry with its retry metadata.
type QueuedMessage struct {
	ID            string     `json:"id" cbor:"id"`
	Draft         Draft      `json:"draft" cbor:"draft"`
	Attempts      int        `json:"attempts" cbor:"attempts"`
	MaxAttempts   int        `json:"maxAttempts" cbor:"max_attempts"`
	LastAttemptAt time.Time  `json:"lastAttemptAt" cbor:"last_attempt_at"`
	NextRetryAt   time.Time  `json:"nextRetryAt" cbor:"next_retry_at"`
	Priority      Priority   `json:"priority" cbor:"priority"`
	CreatedAt     time.Time  `json:"createdAt" cbor:"created_at"`
	LastError     string     `json:"lastError,omitempty" cbor:"last_error,omitempty"`
	FailureKind   string     `json:"failureKind,omitempty" cbor:"failure_kind,omitempty"`
	State         QueueState `json:"state" cbor:"state"`
}

// Due reports whether the entry may be dispatched at now.
func (q *QueuedMessage) Due(now time.Time) bool {
	return q.State == QueuePending && q.Attempts < q.MaxAttempts && !q.NextRetryAt.After(now)
}
