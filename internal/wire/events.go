package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/spark/internal/model"
)

// Receipt reports that a message reached a new delivery status.
type Receipt struct {
	MessageID      string
	ConversationID string
	Status         model.Status
	At             time.Time
}

// Typing reports a peer starting or stopping to type.
type Typing struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// ParseReceipt parses a delivery or read receipt. fallback is used when the
// payload carries no status of its own, as read_receipt frames do.
func ParseReceipt(data []byte, fallback model.Status) (Receipt, error) {
	o, err := decodeObject(data)
	if err != nil {
		return Receipt{}, err
	}
	r := Receipt{
		MessageID:      o.str("messageId", "message_id", "id"),
		ConversationID: o.str("conversationId", "conversation_id", "matchId", "match_id"),
		Status:         fallback,
	}
	if r.MessageID == "" {
		return r, fmt.Errorf("receipt: %w: messageId", ErrMissingField)
	}
	if s := o.str("status"); s != "" {
		if r.Status, err = ParseStatus(s); err != nil {
			return r, fmt.Errorf("receipt %s: %w", r.MessageID, err)
		}
	}
	if r.Status == "" {
		return r, fmt.Errorf("receipt %s: %w: status", r.MessageID, ErrMissingField)
	}
	at, _, err := o.timestamp("at", "timestamp", "readAt", "read_at", "deliveredAt", "delivered_at")
	if err != nil {
		return r, fmt.Errorf("receipt %s: %w", r.MessageID, err)
	}
	r.At = at
	return r, nil
}

// ParseTyping parses a typing indicator.
func ParseTyping(data []byte) (Typing, error) {
	o, err := decodeObject(data)
	if err != nil {
		return Typing{}, err
	}
	t := Typing{
		ConversationID: o.str("conversationId", "conversation_id", "matchId", "match_id"),
		UserID:         o.str("userId", "user_id", "senderId", "sender_id"),
	}
	if t.ConversationID == "" {
		return t, fmt.Errorf("typing: %w: conversationId", ErrMissingField)
	}
	if v, ok := o.raw("isTyping", "is_typing", "typing"); ok {
		_ = json.Unmarshal(v, &t.Typing)
	}
	return t, nil
}
