package sync

import (
	"time"

	"github.com/matheus3301/spark/internal/model"
	"github.com/matheus3301/spark/internal/wire"
)

// Payloads of the sync.* bus events.

// RunEvent is published as bus.SyncStarted and bus.SyncCompleted. An empty
// ConversationID means a full run.
type RunEvent struct {
	ConversationID string
	Conversations  int
	Failed         int
	NewMessages    int
	Conflicts      int
	Duration       time.Duration
}

// FailedEvent is published as bus.SyncFailed.
type FailedEvent struct {
	Error model.SyncErrorRecord
}

// ConflictEvent is published as bus.ConflictDetected.
type ConflictEvent struct {
	Conflict Conflict
	Policy   Policy
}

// ConflictResolvedEvent is published as bus.ConflictResolved.
type ConflictResolvedEvent struct {
	Conflict Conflict
	// Resolution is empty when a policy resolved the conflict on its own.
	Resolution Resolution
	Policy     Policy
}

// MessageEvent is published as bus.MessageReceived.
type MessageEvent struct {
	Message model.Message
}

// StatusEvent is published as bus.MessageStatusUpdated.
type StatusEvent struct {
	MessageID      string
	ConversationID string
	Status         model.Status
	ReadAt         *time.Time
}

// TypingEvent is published as bus.TypingChanged.
type TypingEvent struct {
	wire.Typing
}
