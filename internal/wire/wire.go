// Package wire turns the loosely shaped JSON the server and the realtime
// channel emit into model values. Keys may be camelCase or snake_case, text
// may arrive as text, content or body, and timestamps as RFC3339 strings or
// epoch milliseconds. Anything that cannot be mapped onto a known body kind
// is rejected here and never travels further in.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/matheus3301/spark/internal/model"
)

var (
	ErrMissingField    = errors.New("wire: missing field")
	ErrUnknownBodyKind = errors.New("wire: unknown body kind")
	ErrUnknownStatus   = errors.New("wire: unknown status")
	ErrBadTimestamp    = errors.New("wire: bad timestamp")
)

// object is a decoded JSON object with alias lookups.
type object map[string]json.RawMessage

func decodeObject(data []byte) (object, error) {
	var o object
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	if o == nil {
		return nil, fmt.Errorf("decode object: %w", ErrMissingField)
	}
	return o, nil
}

// raw returns the first present, non-null value among keys.
func (o object) raw(keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		v, ok := o[k]
		if ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

// str returns the first key holding a string or number, as a string.
func (o object) str(keys ...string) string {
	v, ok := o.raw(keys...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

func (o object) num(keys ...string) int64 {
	v, ok := o.raw(keys...)
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return int64(f)
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if i, err := json.Number(s).Int64(); err == nil {
			return i
		}
	}
	return 0
}

func (o object) timestamp(keys ...string) (time.Time, bool, error) {
	v, ok := o.raw(keys...)
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := ParseTime(v)
	return t, true, err
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// ParseTime accepts an RFC3339 string, a numeric string or a JSON number of
// epoch milliseconds.
func ParseTime(v json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		if ms, err := json.Number(s).Int64(); err == nil {
			return time.UnixMilli(ms), nil
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return time.Time{}, ErrBadTimestamp
		}
		return time.UnixMilli(int64(f)), nil
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrBadTimestamp, v)
}

// ParseStatus maps a server status string onto model.Status.
func ParseStatus(s string) (model.Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued", "sending":
		return model.StatusPending, nil
	case "sent":
		return model.StatusSent, nil
	case "delivered", "received":
		return model.StatusDelivered, nil
	case "read", "seen":
		return model.StatusRead, nil
	case "failed", "error":
		return model.StatusFailed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

func parseKind(s string) (model.BodyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return model.BodyText, nil
	case "voice", "audio", "voice_note":
		return model.BodyVoice, nil
	case "image", "photo":
		return model.BodyImage, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBodyKind, s)
}

// ParseMessage parses a single message object.
func ParseMessage(data []byte) (model.Message, error) {
	o, err := decodeObject(data)
	if err != nil {
		return model.Message{}, err
	}
	return parseMessage(o)
}

func parseMessage(o object) (model.Message, error) {
	m := model.Message{
		ID:             o.str("id", "messageId", "message_id", "_id"),
		ClientID:       o.str("clientId", "client_id", "tempId", "temp_id"),
		ConversationID: o.str("conversationId", "conversation_id", "matchId", "match_id"),
		SenderID:       o.str("senderId", "sender_id", "from"),
		RecipientID:    o.str("recipientId", "recipient_id", "receiverId", "receiver_id", "to"),
	}
	if m.ID == "" {
		return m, fmt.Errorf("%w: id", ErrMissingField)
	}
	if m.ConversationID == "" {
		return m, fmt.Errorf("message %s: %w: conversationId", m.ID, ErrMissingField)
	}

	body, err := parseBody(o)
	if err != nil {
		return m, fmt.Errorf("message %s: %w", m.ID, err)
	}
	m.Body = body

	created, ok, err := o.timestamp("createdAt", "created_at", "timestamp", "sentAt", "sent_at")
	if err != nil {
		return m, fmt.Errorf("message %s: %w", m.ID, err)
	}
	if !ok {
		return m, fmt.Errorf("message %s: %w: createdAt", m.ID, ErrMissingField)
	}
	m.CreatedAt = created

	m.Status = model.StatusSent
	if s := o.str("status"); s != "" {
		st, err := ParseStatus(s)
		if err != nil {
			return m, fmt.Errorf("message %s: %w", m.ID, err)
		}
		m.Status = st
	}

	readAt, ok, err := o.timestamp("readAt", "read_at")
	if err != nil {
		return m, fmt.Errorf("message %s: %w", m.ID, err)
	}
	if ok {
		m.ReadAt = &readAt
	}
	return m, nil
}

// parseBody reads either a nested body object or flat body fields.
func parseBody(o object) (model.Body, error) {
	if v, ok := o.raw("body"); ok && bytes.HasPrefix(bytes.TrimSpace(v), []byte("{")) {
		nested, err := decodeObject(v)
		if err != nil {
			return model.Body{}, err
		}
		if _, hasKind := nested.raw("kind", "type"); !hasKind {
			if k := o.str("type", "kind", "messageType", "message_type"); k != "" {
				nested["type"], _ = json.Marshal(k)
			}
		}
		return parseBody(nested)
	}

	kind, err := parseKind(o.str("type", "kind", "messageType", "message_type"))
	if err != nil {
		return model.Body{}, err
	}
	if kind == model.BodyText {
		return model.Body{Kind: kind, Text: o.str("text", "content", "body")}, nil
	}

	media := o
	if v, ok := o.raw("media"); ok {
		if media, err = decodeObject(v); err != nil {
			return model.Body{}, err
		}
	}
	md := &model.Media{
		URL:        media.str("url", "mediaUrl", "media_url", "voiceUrl", "voice_url", "imageUrl", "image_url"),
		MimeType:   media.str("mimeType", "mime_type"),
		DurationMs: media.num("durationMs", "duration_ms", "duration"),
		Width:      int(media.num("width")),
		Height:     int(media.num("height")),
		SizeBytes:  media.num("sizeBytes", "size_bytes", "size"),
	}
	if md.URL == "" {
		return model.Body{}, fmt.Errorf("%w: media url", ErrMissingField)
	}
	return model.Body{Kind: kind, Text: o.str("text", "caption"), Media: md}, nil
}

// ParseMessages parses a JSON array of messages, or an object carrying the
// array under messages, items or data.
func ParseMessages(data []byte) ([]model.Message, error) {
	items, err := list(data, "messages", "items", "data")
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(items))
	for i, it := range items {
		o, err := decodeObject(it)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		m, err := parseMessage(o)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ParseConversations parses the conversation list.
func ParseConversations(data []byte) ([]model.Conversation, error) {
	items, err := list(data, "conversations", "items", "data")
	if err != nil {
		return nil, err
	}
	out := make([]model.Conversation, 0, len(items))
	for i, it := range items {
		o, err := decodeObject(it)
		if err != nil {
			return nil, fmt.Errorf("conversation %d: %w", i, err)
		}
		c := model.Conversation{
			ID:          o.str("id", "conversationId", "conversation_id", "matchId", "match_id"),
			UnreadCount: int(o.num("unreadCount", "unread_count", "unread")),
		}
		if c.ID == "" {
			return nil, fmt.Errorf("conversation %d: %w: id", i, ErrMissingField)
		}
		if v, ok := o.raw("participantIds", "participant_ids", "participants"); ok {
			_ = json.Unmarshal(v, &c.ParticipantIDs)
		}
		t, _, err := o.timestamp("lastMessageAt", "last_message_at", "updatedAt", "updated_at")
		if err != nil {
			return nil, fmt.Errorf("conversation %s: %w", c.ID, err)
		}
		c.LastMessageAt = t
		out = append(out, c)
	}
	return out, nil
}

// ParseUnreadCounts accepts {"c1": 2} or [{"conversationId": "c1", "count": 2}].
func ParseUnreadCounts(data []byte) (map[string]int, error) {
	var direct map[string]int
	if err := json.Unmarshal(data, &direct); err == nil {
		return direct, nil
	}
	items, err := list(data, "counts", "items", "data")
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(items))
	for _, it := range items {
		o, err := decodeObject(it)
		if err != nil {
			return nil, err
		}
		id := o.str("conversationId", "conversation_id", "id")
		if id == "" {
			continue
		}
		out[id] = int(o.num("count", "unreadCount", "unread_count", "unread"))
	}
	return out, nil
}

func list(data []byte, keys ...string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}
	o, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	v, ok := o.raw(keys...)
	if !ok {
		return nil, nil
	}
	if err := json.Unmarshal(v, &items); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return items, nil
}
