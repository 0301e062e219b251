package outbox

import (
	"time"

	"github.com/matheus3301/spark/internal/model"
)

// Payloads of the queue.* bus events.

// QueuedEvent is published as bus.MessageQueued.
type QueuedEvent struct {
	Entry model.QueuedMessage
}

// SentEvent is published as bus.MessageSent with the server's canonical copy.
type SentEvent struct {
	QueueID string
	Message model.Message
}

// FailedEvent is published as bus.MessageFailed when an entry fails terminally.
type FailedEvent struct {
	QueueID        string
	ConversationID string
	Kind           FailureKind
	Error          string
	Attempts       int
}

// RetryScheduledEvent is published as bus.MessageRetryScheduled.
type RetryScheduledEvent struct {
	QueueID     string
	Kind        FailureKind
	Attempts    int
	Delay       time.Duration
	NextRetryAt time.Time
}

// ConnectionEvent is published as bus.ConnectionStatusChanged.
type ConnectionEvent struct {
	Online bool
}

// ProcessingEvent is published as bus.ProcessingStarted and
// bus.ProcessingCompleted.
type ProcessingEvent struct {
	Dispatched int
	Remaining  int
}
