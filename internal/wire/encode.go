package wire

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/spark/internal/model"
)

type outMedia struct {
	URL        string `json:"url"`
	MimeType   string `json:"mimeType,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	SizeBytes  int64  `json:"sizeBytes,omitempty"`
}

type outMessage struct {
	ID             string    `json:"id,omitempty"`
	ClientID       string    `json:"clientId,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId,omitempty"`
	RecipientID    string    `json:"recipientId"`
	Type           string    `json:"type"`
	Content        string    `json:"content,omitempty"`
	Media          *outMedia `json:"media,omitempty"`
	CreatedAt      string    `json:"createdAt,omitempty"`
	Status         string    `json:"status,omitempty"`
	ReadAt         string    `json:"readAt,omitempty"`
}

func outBody(b model.Body) (string, string, *outMedia) {
	var media *outMedia
	if b.Media != nil {
		media = &outMedia{
			URL:        b.Media.URL,
			MimeType:   b.Media.MimeType,
			DurationMs: b.Media.DurationMs,
			Width:      b.Media.Width,
			Height:     b.Media.Height,
			SizeBytes:  b.Media.SizeBytes,
		}
	}
	return string(b.Kind), b.Text, media
}

// EncodeDraft builds the send request body for d.
func EncodeDraft(d model.Draft) ([]byte, error) {
	kind, text, media := outBody(d.Body)
	return json.Marshal(outMessage{
		ClientID:       d.ClientID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		RecipientID:    d.RecipientID,
		Type:           kind,
		Content:        text,
		Media:          media,
	})
}

// EncodeMessage builds the body used to push a full local copy of m.
func EncodeMessage(m model.Message) ([]byte, error) {
	kind, text, media := outBody(m.Body)
	out := outMessage{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Type:           kind,
		Content:        text,
		Media:          media,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Status:         string(m.Status),
	}
	if m.ReadAt != nil {
		out.ReadAt = m.ReadAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}
