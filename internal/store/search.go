package store

import (
	"context"
	"strings"

	"github.com/matheus3301/spark/internal/model"
)

// SearchMessages finds archived text messages whose body contains query,
// newest first. An empty conversationID searches every conversation.
func (db *DB) SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT conversation_id, id, client_id, sender_id, recipient_id, body, status, created_at, read_at
		FROM messages
		WHERE body_kind = 'text' AND body_text LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Body.Text, query, 32)})
	}
	return results, nil
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message model.Message `json:"message"`
	Snippet string        `json:"snippet"`
}

// snippet marks the first case-sensitive hit of query in text with << >>
// and trims the surrounding text to about width runes on each side.
func snippet(text, query string, width int) string {
	i := strings.Index(text, query)
	if i < 0 || query == "" {
		return text
	}
	runes := []rune(text)
	start := len([]rune(text[:i]))
	end := start + len([]rune(query))
	from := max(start-width, 0)
	to := min(end+width, len(runes))
	var b strings.Builder
	if from > 0 {
		b.WriteString("...")
	}
	b.WriteString(string(runes[from:start]))
	b.WriteString("<<")
	b.WriteString(string(runes[start:end]))
	b.WriteString(">>")
	b.WriteString(string(runes[end:to]))
	if to < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}
