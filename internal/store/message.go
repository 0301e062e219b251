package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/spark/internal/model"
)

// UpsertMessage archives m (idempotent on conversation_id + id). A later
// upsert overwrites body and status but never moves status backwards.
func (db *DB) UpsertMessage(ctx context.Context, m model.Message) error {
	return upsertMessage(ctx, db.DB, m)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertMessage(ctx context.Context, ex execer, m model.Message) error {
	body, err := json.Marshal(m.Body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	var readAt sql.NullInt64
	if m.ReadAt != nil {
		readAt = sql.NullInt64{Int64: m.ReadAt.UnixMilli(), Valid: true}
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, id, client_id, sender_id, recipient_id, body_kind, body_text, body, status, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET
			body_kind = excluded.body_kind,
			body_text = excluded.body_text,
			body = excluded.body,
			read_at = COALESCE(excluded.read_at, messages.read_at),
			status = CASE
				WHEN messages.status = 'failed' THEN messages.status
				WHEN `+statusRankSQL("excluded.status")+` >= `+statusRankSQL("messages.status")+` THEN excluded.status
				ELSE messages.status
			END`,
		m.ConversationID, m.ID, m.ClientID, m.SenderID, m.RecipientID,
		string(m.Body.Kind), m.Body.Text, string(body), string(m.Status),
		m.CreatedAt.UnixMilli(), readAt)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

func statusRankSQL(col string) string {
	return fmt.Sprintf(`(CASE %s WHEN 'pending' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 4 END)`, col)
}

// UpsertMessages archives msgs in one transaction.
func (db *DB) UpsertMessages(ctx context.Context, msgs []model.Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := upsertMessage(ctx, tx, m); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// UpdateStatus sets the status of an archived message if it is a forward move.
func (db *DB) UpdateStatus(ctx context.Context, messageID string, status model.Status, readAt *time.Time) error {
	var ra sql.NullInt64
	if readAt != nil {
		ra = sql.NullInt64{Int64: readAt.UnixMilli(), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET status = ?, read_at = COALESCE(?, read_at)
		WHERE id = ? AND status != 'failed' AND `+statusRankSQL("?")+` > `+statusRankSQL("status"),
		string(status), ra, messageID, string(status))
	if err != nil {
		return fmt.Errorf("update status %s: %w", messageID, err)
	}
	return nil
}

// ListMessages returns up to limit messages of a conversation created before
// before (zero means now), newest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().Add(time.Millisecond)
	}
	rows, err := db.QueryContext(ctx, `
		SELECT conversation_id, id, client_id, sender_id, recipient_id, body, status, created_at, read_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, before.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// RecentConversations returns the ids of the limit conversations with the
// newest archived messages.
func (db *DB) RecentConversations(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT conversation_id FROM messages
		GROUP BY conversation_id
		ORDER BY MAX(created_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	var msgs []model.Message
	for rows.Next() {
		var (
			m       model.Message
			body    string
			status  string
			created int64
			readAt  sql.NullInt64
		)
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.ClientID, &m.SenderID, &m.RecipientID, &body, &status, &created, &readAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &m.Body); err != nil {
			return nil, fmt.Errorf("decode body of %s: %w", m.ID, err)
		}
		m.Status = model.Status(status)
		m.CreatedAt = time.UnixMilli(created)
		if readAt.Valid {
			t := time.UnixMilli(readAt.Int64)
			m.ReadAt = &t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
