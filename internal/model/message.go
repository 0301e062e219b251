package model

import (
	"sort"
	"time"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether a message in status s may move to next.
// Statuses only move forward. Failed is reachable from pending and sent and
// is terminal; only an explicit retry (which resets to pending) leaves it.
func (s Status) CanAdvanceTo(next Status) bool {
	if s == next {
		return false
	}
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusPending || s == StatusSent
	}
	cur, ok := statusRank[s]
	if !ok {
		return next.Valid()
	}
	nr, ok := statusRank[next]
	return ok && nr > cur
}

// BodyKind discriminates the message body variant.
type BodyKind string

const (
	BodyText  BodyKind = "text"
	BodyVoice BodyKind = "voice"
	BodyImage BodyKind = "image"
)

// Media describes a voice note or image attachment. Only metadata travels
// through this subsystem; the bytes live with the media service.
type Media struct {
	URL        string `json:"url" cbor:"url" validate:"required"`
	MimeType   string `json:"mimeType,omitempty" cbor:"mime_type,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty" cbor:"duration_ms,omitempty"`
	Width      int    `json:"width,omitempty" cbor:"width,omitempty"`
	Height     int    `json:"height,omitempty" cbor:"height,omitempty"`
	SizeBytes  int64  `json:"sizeBytes,omitempty" cbor:"size_bytes,omitempty"`
}

// Body is the payload of a message: text, or voice/image metadata.
type Body struct {
	Kind  BodyKind `json:"kind" cbor:"kind" validate:"required,oneof=text voice image"`
	Text  string   `json:"text,omitempty" cbor:"text,omitempty" validate:"required_if=Kind text"`
	Media *Media   `json:"media,omitempty" cbor:"media,omitempty" validate:"required_unless=Kind text"`
}

// TextBody is a shorthand for a plain text body.
func TextBody(text string) Body {
	return Body{Kind: BodyText, Text: text}
}

// Message is a chat message as held by the client.
type Message struct {
	ID             string     `json:"id" cbor:"id"`
	ClientID       string     `json:"clientId,omitempty" cbor:"client_id,omitempty"`
	ConversationID string     `json:"conversationId" cbor:"conversation_id"`
	SenderID       string     `json:"senderId" cbor:"sender_id"`
	RecipientID    string     `json:"recipientId" cbor:"recipient_id"`
	Body           Body       `json:"body" cbor:"body"`
	CreatedAt      time.Time  `json:"createdAt" cbor:"created_at"`
	Status         Status     `json:"status" cbor:"status"`
	ReadAt         *time.Time `json:"readAt,omitempty" cbor:"read_at,omitempty"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Body.Media != nil {
		media := *m.Body.Media
		out.Body.Media = &media
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		out.ReadAt = &t
	}
	return out
}

// Conversation is a summary of a conversation returned by the server.
type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participantIds,omitempty"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	UnreadCount    int       `json:"unreadCount"`
}

// SortByCreatedAt sorts msgs ascending by CreatedAt, breaking ties by ID so
// the order is stable across merges.
func SortByCreatedAt(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// DedupByID removes duplicate ids, keeping the last occurrence of each.
func DedupByID(msgs []Message) []Message {
	last := make(map[string]int, len(msgs))
	for i, m := range msgs {
		last[m.ID] = i
	}
	out := make([]Message, 0, len(last))
	for i, m := range msgs {
		if last[m.ID] == i {
			out = append(out, m)
		}
	}
	return out
}

// Watermark returns the highest CreatedAt among messages the server has
// acknowledged, or the zero time. Pending and failed placeholders carry
// device time and are skipped.
func Watermark(msgs []Message) time.Time {
	var w time.Time
	for _, m := range msgs {
		if m.Status == StatusPending || m.Status == StatusFailed {
			continue
		}
		if m.CreatedAt.After(w) {
			w = m.CreatedAt
		}
	}
	return w
}
