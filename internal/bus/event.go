package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespaces usable as Subscribe prefixes.
const (
	NamespaceQueue      = "queue."
	NamespaceSync       = "sync."
	NamespaceConnection = "connection."
)

// Outbox events.
const (
	MessageQueued           = "queue.message_queued"
	MessageSent             = "queue.message_sent"
	MessageFailed           = "queue.message_failed"
	MessageRetryScheduled   = "queue.message_retry_scheduled"
	ConnectionStatusChanged = "queue.connection_status_changed"
	ProcessingStarted       = "queue.processing_started"
	ProcessingCompleted     = "queue.processing_completed"
)

// Sync events.
const (
	SyncStarted          = "sync.started"
	SyncCompleted        = "sync.completed"
	SyncFailed           = "sync.failed"
	ConflictDetected     = "sync.conflict_detected"
	ConflictResolved     = "sync.conflict_resolved"
	MessageReceived      = "sync.message_received"
	MessageStatusUpdated = "sync.message_status_updated"
	TypingChanged        = "sync.typing"
)

// ConnectionStateChanged is published by the connection state machine.
const ConnectionStateChanged = "connection.state_changed"
