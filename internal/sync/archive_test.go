package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/spark/internal/bus"
	"github.com/matheus3301/spark/internal/cache"
	"github.com/matheus3301/spark/internal/model"
	"github.com/matheus3301/spark/internal/outbox"
	"github.com/matheus3301/spark/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, _, err := store.OpenMigrated(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func archived(t *testing.T, db *store.DB, conv string) []model.Message {
	t.Helper()
	msgs, err := db.ListMessages(context.Background(), conv, time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestArchiveWritesEvents(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	a := NewArchive(db, b, nil)
	a.Start(context.Background())
	t.Cleanup(a.Stop)

	b.Emit(bus.MessageReceived, MessageEvent{Message: msg("m1", "them", "hello", 1000, model.StatusSent)})
	b.Emit(bus.MessageSent, outbox.SentEvent{QueueID: "q1", Message: msg("m2", "me", "hi back", 2000, model.StatusSent)})

	eventually(t, func() bool { return len(archived(t, db, "c1")) == 2 })

	read := time.UnixMilli(3000)
	b.Emit(bus.MessageStatusUpdated, StatusEvent{MessageID: "m2", ConversationID: "c1", Status: model.StatusRead, ReadAt: &read})
	eventually(t, func() bool {
		msgs := archived(t, db, "c1")
		return len(msgs) == 2 && msgs[0].ID == "m2" && msgs[0].Status == model.StatusRead
	})
}

func TestArchiveKeepsResolvedCopy(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	a := NewArchive(db, b, zap.NewNop())
	a.Start(context.Background())
	t.Cleanup(a.Stop)

	c := Conflict{
		MessageID:      "A",
		ConversationID: "c1",
		Local:          msg("A", "me", "local", 1000, model.StatusSent),
		Server:         msg("A", "me", "server", 1000, model.StatusSent),
	}
	b.Emit(bus.ConflictResolved, ConflictResolvedEvent{Conflict: c, Resolution: KeepLocal, Policy: PolicyManual})
	eventually(t, func() bool {
		msgs := archived(t, db, "c1")
		return len(msgs) == 1 && msgs[0].Body.Text == "local"
	})

	b.Emit(bus.ConflictResolved, ConflictResolvedEvent{Conflict: c, Policy: PolicyServer})
	eventually(t, func() bool {
		msgs := archived(t, db, "c1")
		return len(msgs) == 1 && msgs[0].Body.Text == "server"
	})
}

func TestArchiveStopIsIdempotent(t *testing.T) {
	a := NewArchive(testDB(t), bus.New(), nil)
	a.Stop()
	a.Start(context.Background())
	a.Stop()
}

func TestHydrate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	older := msg("o1", "them", "old", 1000, model.StatusRead)
	older.ConversationID = "c-old"
	newer := msg("n1", "them", "new", 5000, model.StatusSent)
	newer.ConversationID = "c-new"
	if err := db.UpsertMessages(ctx, []model.Message{older, newer}); err != nil {
		t.Fatal(err)
	}

	c := cache.New(cache.Options{}, nil)
	t.Cleanup(c.Destroy)
	n, err := Hydrate(ctx, db, c, 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("hydrated %d conversations, want 2", n)
	}
	if ids := c.Conversations(); len(ids) != 2 || ids[0] != "c-new" {
		t.Errorf("recency order = %v, want c-new first", ids)
	}
	got, _ := c.Get("c-old")
	if len(got) != 1 || got[0].Body.Text != "old" {
		t.Errorf("c-old = %+v", got)
	}
}
