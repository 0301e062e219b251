package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/spark/internal/kv"
	"github.com/matheus3301/spark/internal/model"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func textMsg(conv, id, text string, ms int64) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "u1",
		RecipientID:    "u2",
		Body:           model.Body{Kind: model.BodyText, Text: text},
		CreatedAt:      time.UnixMilli(ms),
		Status:         model.StatusSent,
	}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (kv + archive)", result.Version)
	}
	if result.Dirty {
		t.Error("migration left the schema dirty")
	}
}

func TestOpenMigratedReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spark.db")
	db, res, err := OpenMigrated(path)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed {
		t.Error("first open should apply migrations")
	}
	if err := db.SetItem(context.Background(), "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db, res, err = OpenMigrated(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if res.Changed {
		t.Error("reopen should not apply migrations again")
	}
	v, err := db.GetItem(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "v" {
		t.Errorf("got %q, want v", v)
	}
}

func TestKVStore(t *testing.T) {
	require := require.New(t)
	db := testDB(t)
	ctx := context.Background()

	_, err := db.GetItem(ctx, "offline_queue")
	require.ErrorIs(err, kv.ErrNotFound)

	require.NoError(db.SetItem(ctx, "offline_queue", []byte{1, 2, 3}))
	require.NoError(db.SetItem(ctx, "offline_queue", []byte{4}))
	v, err := db.GetItem(ctx, "offline_queue")
	require.NoError(err)
	require.Equal([]byte{4}, v)

	require.NoError(db.RemoveItem(ctx, "offline_queue"))
	_, err = db.GetItem(ctx, "offline_queue")
	require.ErrorIs(err, kv.ErrNotFound)
	require.NoError(db.RemoveItem(ctx, "offline_queue"))
}

func TestKVSnapshotterOnSQLite(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := kv.NewSnapshotter(db, "sync_state")

	type state struct {
		Conversations []string `cbor:"conversations"`
	}
	require.NoError(t, s.Save(ctx, func() any { return state{Conversations: []string{"c1", "c2"}} }))

	var out state
	require.NoError(t, s.Load(ctx, &out))
	require.Equal(t, []string{"c1", "c2"}, out.Conversations)
}

func TestKeysPrefix(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for _, k := range []string{"sync_state", "sync_extra", "offline_queue", "sync%literal"} {
		if err := db.SetItem(ctx, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := db.Keys(ctx, "sync_")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, k := range keys {
		got = append(got, k.Key)
	}
	want := []string{"sync_extra", "sync_state"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if keys[0].Size != len("sync_extra") {
		t.Errorf("size = %d, want %d", keys[0].Size, len("sync_extra"))
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msg := textMsg("c1", "m1", "hello", 1000)
	if err := db.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	msg.Body.Text = "hello updated"
	if err := db.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(ctx, "c1", time.Time{}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body.Text != "hello updated" {
		t.Errorf("body = %q, want hello updated", msgs[0].Body.Text)
	}
}

func TestMessageUpsertNeverRegressesStatus(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msg := textMsg("c1", "m1", "hi", 1000)
	msg.Status = model.StatusRead
	if err := db.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	msg.Status = model.StatusDelivered
	if err := db.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListMessages(ctx, "c1", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Status != model.StatusRead {
		t.Errorf("status = %s, want read", msgs[0].Status)
	}
}

func TestUpdateStatusForwardOnly(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.UpsertMessage(ctx, textMsg("c1", "m1", "hi", 1000)); err != nil {
		t.Fatal(err)
	}

	readAt := time.UnixMilli(5000)
	if err := db.UpdateStatus(ctx, "m1", model.StatusRead, &readAt); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateStatus(ctx, "m1", model.StatusDelivered, nil); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(ctx, "c1", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Status != model.StatusRead {
		t.Errorf("status = %s, want read", msgs[0].Status)
	}
	if msgs[0].ReadAt == nil || !msgs[0].ReadAt.Equal(readAt) {
		t.Errorf("read_at = %v, want %v", msgs[0].ReadAt, readAt)
	}
}

func TestListMessagesPagination(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	batch := []model.Message{
		textMsg("c1", "m1", "one", 1000),
		textMsg("c1", "m2", "two", 2000),
		textMsg("c1", "m3", "three", 3000),
		textMsg("c2", "x1", "other", 4000),
	}
	if err := db.UpsertMessages(ctx, batch); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(ctx, "c1", time.UnixMilli(3000), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m2" || msgs[1].ID != "m1" {
		t.Fatalf("got %v, want [m2 m1]", msgs)
	}

	convs, err := db.RecentConversations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0] != "c2" {
		t.Errorf("conversations = %v, want [c2 c1]", convs)
	}
}

func TestMediaBodyRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := textMsg("c1", "v1", "", 1000)
	m.Body = model.Body{Kind: model.BodyVoice, Media: &model.Media{URL: "https://cdn/v1.ogg", MimeType: "audio/ogg", DurationMs: 4200}}
	if err := db.UpsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListMessages(ctx, "c1", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Body.Media == nil || msgs[0].Body.Media.DurationMs != 4200 {
		t.Errorf("media = %+v, want duration 4200", msgs[0].Body.Media)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.UpsertMessages(ctx, []model.Message{
		textMsg("c1", "m1", "hello world", 1000),
		textMsg("c1", "m2", "goodbye world", 2000),
		textMsg("c2", "m3", "100% hello", 3000),
	}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages(ctx, "hello", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.ID != "m1" {
		t.Errorf("id = %q, want m1", results[0].Message.ID)
	}
	if results[0].Snippet != "<<hello>> world" {
		t.Errorf("snippet = %q", results[0].Snippet)
	}

	// LIKE wildcards in the query are literal.
	results, err = db.SearchMessages(ctx, "0%", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ID != "m3" {
		t.Errorf("got %v, want only m3", results)
	}
}
