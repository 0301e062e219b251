package model

import "time"

// SyncStatus is the reconciliation state of one conversation.
type SyncStatus string

const (
	SyncSynced   SyncStatus = "synced"
	SyncSyncing  SyncStatus = "syncing"
	SyncError    SyncStatus = "error"
	SyncConflict SyncStatus = "conflict"
)

// ConversationSyncState tracks how far a conversation has been reconciled.
type ConversationSyncState struct {
	ConversationID       string     `json:"conversationId" cbor:"conversation_id"`
	LastMessageTimestamp time.Time  `json:"lastMessageTimestamp" cbor:"last_message_timestamp"`
	LastReadTimestamp    time.Time  `json:"lastReadTimestamp" cbor:"last_read_timestamp"`
	UnreadCount          int        `json:"unreadCount" cbor:"unread_count"`
	SyncStatus           SyncStatus `json:"syncStatus" cbor:"sync_status"`
	LastSyncAttempt      time.Time  `json:"lastSyncAttempt" cbor:"last_sync_attempt"`
}

// SyncErrorType classifies a recorded sync failure.
type SyncErrorType string

const (
	SyncErrNetwork    SyncErrorType = "network"
	SyncErrConflict   SyncErrorType = "conflict"
	SyncErrValidation SyncErrorType = "validation"
	SyncErrPermission SyncErrorType = "permission"
)

// SyncErrorRecord is a structured record of a failed sync step.
type SyncErrorRecord struct {
	ID             string        `json:"id" cbor:"id"`
	Type           SyncErrorType `json:"type" cbor:"type"`
	ConversationID string        `json:"conversationId,omitempty" cbor:"conversation_id,omitempty"`
	Message        string        `json:"message" cbor:"message"`
	Timestamp      time.Time     `json:"timestamp" cbor:"timestamp"`
	RetryCount     int           `json:"retryCount" cbor:"retry_count"`
	Payload        string        `json:"payload,omitempty" cbor:"payload,omitempty"`
}
