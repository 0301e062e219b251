package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/spark/internal/api"
	"github.com/matheus3301/spark/internal/bus"
	"github.com/matheus3301/spark/internal/cache"
	"github.com/matheus3301/spark/internal/kv"
	"github.com/matheus3301/spark/internal/model"
	"go.uber.org/zap"
)

// fakeSender records drafts and returns scripted errors in order, then
// fallback.
type fakeSender struct {
	mu       sync.Mutex
	calls    []model.Draft
	errs     []error
	fallback error
	block    chan struct{}
}

func (f *fakeSender) SendMessage(_ context.Context, d model.Draft) (*model.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, d)
	err := f.fallback
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &model.Message{
		ID:             "srv-" + d.ClientID,
		ClientID:       d.ClientID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		RecipientID:    d.RecipientID,
		Body:           d.Body,
		CreatedAt:      time.UnixMilli(1_000_000),
		Status:         model.StatusSent,
	}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, d := range f.calls {
		out[i] = d.Body.Text
	}
	return out
}

func (f *fakeSender) setFallback(err error) {
	f.mu.Lock()
	f.fallback = err
	f.mu.Unlock()
}

func draft(text string) model.Draft {
	return model.Draft{
		ConversationID: "c1",
		SenderID:       "me",
		RecipientID:    "them",
		Body:           model.TextBody(text),
	}
}

type harness struct {
	q      *Queue
	sender *fakeSender
	store  kv.Store
	cache  *cache.Cache
	events <-chan bus.Event
}

func newHarness(t *testing.T, store kv.Store, opts Options) *harness {
	t.Helper()
	if store == nil {
		store = kv.NewMemory()
	}
	b := bus.New()
	events, unsub := b.Subscribe(bus.NamespaceQueue, 256)
	t.Cleanup(unsub)
	c := cache.New(cache.Options{}, zap.NewNop())
	t.Cleanup(c.Destroy)
	s := &fakeSender{}
	q := New(store, s, c, b, nil, zap.NewNop(), opts)
	t.Cleanup(q.Destroy)
	q.Initialize(context.Background())
	return &harness{q: q, sender: s, store: store, cache: c, events: events}
}

// waitFor consumes events until one of kind arrives and returns it, plus
// every event seen before it.
func waitFor(t *testing.T, events <-chan bus.Event, kind string) (bus.Event, []bus.Event) {
	t.Helper()
	var seen []bus.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e, seen
			}
			seen = append(seen, e)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestEnqueueRejectsInvalidDraft(t *testing.T) {
	h := newHarness(t, nil, Options{})
	d := draft("")
	_, err := h.q.Enqueue(context.Background(), d, model.PriorityNormal)
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *model.ValidationError", err)
	}
	if n := len(h.q.QueuedMessages()); n != 0 {
		t.Errorf("queued %d, want 0", n)
	}
}

func TestPriorityDispatchOrder(t *testing.T) {
	h := newHarness(t, nil, Options{BatchSize: 1})
	ctx := context.Background()

	for _, p := range []model.Priority{model.PriorityLow, model.PriorityHigh, model.PriorityNormal} {
		if _, err := h.q.Enqueue(ctx, draft(string(p)), p); err != nil {
			t.Fatal(err)
		}
	}
	h.q.SetOnlineStatus(true)
	for i := 0; i < 3; i++ {
		waitFor(t, h.events, bus.MessageSent)
	}

	got := h.sender.texts()
	want := []string{"high", "normal", "low"}
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("send %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	now := time.UnixMilli(0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
	h := newHarness(t, nil, Options{BatchSize: 1, Now: clock})
	ctx := context.Background()
	for _, text := range []string{"first", "second", "third"} {
		if _, err := h.q.Enqueue(ctx, draft(text), model.PriorityNormal); err != nil {
			t.Fatal(err)
		}
	}
	h.q.SetOnlineStatus(true)
	for i := 0; i < 3; i++ {
		waitFor(t, h.events, bus.MessageSent)
	}
	got := h.sender.texts()
	if got[0] != "first" || got[1] != "second" || got[2] != "third" {
		t.Errorf("order = %v", got)
	}
}

func TestBackoffIsMonotonicAndExhausts(t *testing.T) {
	h := newHarness(t, nil, Options{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond})
	h.sender.setFallback(api.NetworkError(errors.New("dial tcp: connection refused")))
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, draft("hello"), model.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	h.q.SetOnlineStatus(true)

	failed, seen := waitFor(t, h.events, bus.MessageFailed)

	var delays []time.Duration
	for _, e := range seen {
		if e.Kind == bus.MessageRetryScheduled {
			delays = append(delays, e.Payload.(RetryScheduledEvent).Delay)
		}
	}
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}

	fe := failed.Payload.(FailedEvent)
	if fe.Kind != FailureNetwork || fe.Attempts != 5 {
		t.Errorf("failed event = %+v, want network after 5 attempts", fe)
	}

	failedEntries := h.q.FailedMessages()
	if len(failedEntries) != 1 || failedEntries[0].ID != id {
		t.Fatalf("failed entries = %v", failedEntries)
	}
	if failedEntries[0].State != model.QueueFailed {
		t.Errorf("state = %s, want failed", failedEntries[0].State)
	}
	if len(h.q.QueuedMessages()) != 0 {
		t.Error("exhausted entry must not stay pending")
	}
	if n := len(h.sender.texts()); n != 5 {
		t.Errorf("send calls = %d, want 5", n)
	}

	m, _, ok := h.cache.Find(id)
	if !ok || m.Status != model.StatusFailed {
		t.Errorf("cached placeholder = %+v, %v; want failed", m, ok)
	}
}

func TestBatchFailureDoesNotStopSiblings(t *testing.T) {
	h := newHarness(t, nil, Options{BatchSize: 3, BaseDelay: time.Minute, MaxDelay: time.Minute})
	h.sender.errs = []error{nil, api.NetworkError(errors.New("connection reset")), nil}
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if _, err := h.q.Enqueue(ctx, draft(text), model.PriorityNormal); err != nil {
			t.Fatal(err)
		}
	}
	h.q.SetOnlineStatus(true)

	sent, retries := 0, 0
	deadline := time.After(5 * time.Second)
	for sent < 2 || retries < 1 {
		select {
		case e := <-h.events:
			switch e.Kind {
			case bus.MessageSent:
				sent++
			case bus.MessageRetryScheduled:
				retries++
			}
		case <-deadline:
			t.Fatalf("sent %d, retries %d; want 2 and 1", sent, retries)
		}
	}
	if sent != 2 || retries != 1 {
		t.Errorf("sent %d, retries %d; want 2 and 1", sent, retries)
	}

	st := h.q.Stats()
	if st.Processed != 3 || st.Successful != 2 {
		t.Errorf("stats = %+v, want processed 3, successful 2", st)
	}
	if st.Pending != 1 {
		t.Errorf("pending = %d, want the failed entry waiting for its retry", st.Pending)
	}
	if n := len(h.sender.texts()); n != 3 {
		t.Errorf("send calls = %d, want 3", n)
	}
}

func TestUserBlockedFailsAfterOneAttempt(t *testing.T) {
	h := newHarness(t, nil, Options{MaxAttempts: 5, BaseDelay: time.Millisecond})
	h.sender.setFallback(&api.Error{Status: 403, Code: "USER_BLOCKED", Message: "blocked"})

	if _, err := h.q.Enqueue(context.Background(), draft("hi"), model.PriorityNormal); err != nil {
		t.Fatal(err)
	}
	h.q.SetOnlineStatus(true)

	failed, seen := waitFor(t, h.events, bus.MessageFailed)
	for _, e := range seen {
		if e.Kind == bus.MessageRetryScheduled {
			t.Error("user_blocked must not schedule a retry")
		}
	}
	if fe := failed.Payload.(FailedEvent); fe.Kind != FailureUserBlocked || fe.Attempts != 1 {
		t.Errorf("failed event = %+v", fe)
	}
	if n := len(h.sender.texts()); n != 1 {
		t.Errorf("send calls = %d, want 1", n)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	store := kv.NewMemory()
	h := newHarness(t, store, Options{BaseDelay: time.Hour, MaxDelay: time.Hour})
	h.sender.setFallback(errors.New("request timeout"))
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, draft("persist me"), model.PriorityHigh)
	if err != nil {
		t.Fatal(err)
	}
	h.q.SetOnlineStatus(true)
	waitFor(t, h.events, bus.MessageRetryScheduled)
	before, ok := h.q.Get(id)
	if !ok {
		t.Fatal("entry missing before restart")
	}
	h.q.Destroy()

	restarted := New(store, &fakeSender{}, nil, nil, nil, zap.NewNop(), Options{})
	t.Cleanup(restarted.Destroy)
	restarted.Initialize(ctx)

	after, ok := restarted.Get(id)
	if !ok {
		t.Fatal("entry missing after restart")
	}
	if after.Attempts != before.Attempts || after.Attempts != 1 {
		t.Errorf("attempts = %d, want %d", after.Attempts, before.Attempts)
	}
	if !after.NextRetryAt.Equal(before.NextRetryAt) {
		t.Errorf("nextRetryAt = %v, want %v", after.NextRetryAt, before.NextRetryAt)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) || !after.LastAttemptAt.Equal(before.LastAttemptAt) {
		t.Errorf("timestamps changed: %+v vs %+v", after, before)
	}
	if after.Priority != model.PriorityHigh || after.LastError != before.LastError || after.FailureKind != string(FailureNetwork) {
		t.Errorf("metadata = %+v, want %+v", after, before)
	}
	if after.Draft.Body.Text != "persist me" {
		t.Errorf("draft = %+v", after.Draft)
	}
	if s := restarted.Stats(); s.Processed != 1 || s.Pending != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRestartResetsInFlightEntries(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	entry := model.QueuedMessage{
		ID:          "q1",
		Draft:       draft("mid-send"),
		MaxAttempts: 5,
		Priority:    model.PriorityNormal,
		CreatedAt:   time.UnixMilli(1000),
		NextRetryAt: time.UnixMilli(1000),
		State:       model.QueueProcessing,
		Attempts:    1,
	}
	data, err := kv.Marshal(Snapshot{Entries: []model.QueuedMessage{entry}, Processed: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetItem(ctx, SnapshotKey, data); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, store, Options{})
	got, ok := h.q.Get("q1")
	if !ok || got.State != model.QueuePending {
		t.Fatalf("got %+v, want pending", got)
	}
	if _, _, ok := h.cache.Find("q1"); !ok {
		t.Error("placeholder not restored into the cache")
	}
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	store := kv.NewMemory()
	if err := store.SetItem(context.Background(), SnapshotKey, []byte("definitely not cbor")); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, store, Options{})
	if n := len(h.q.QueuedMessages()); n != 0 {
		t.Fatalf("queued %d, want 0", n)
	}
	if _, err := h.q.Enqueue(context.Background(), draft("after corruption"), model.PriorityNormal); err != nil {
		t.Fatal(err)
	}
	snap, err := LoadSnapshot(context.Background(), store, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Entries) != 1 {
		t.Errorf("persisted %d entries, want 1", len(snap.Entries))
	}
}

type failingStore struct{ kv.Store }

func (failingStore) SetItem(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestStoreFailureKeepsEntryInMemory(t *testing.T) {
	h := newHarness(t, failingStore{kv.NewMemory()}, Options{})
	id, err := h.q.Enqueue(context.Background(), draft("volatile"), model.PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue must not surface store errors: %v", err)
	}
	if _, ok := h.q.Get(id); !ok {
		t.Error("entry lost after store failure")
	}
}

func TestSuccessReplacesPlaceholder(t *testing.T) {
	h := newHarness(t, nil, Options{})
	id, err := h.q.Enqueue(context.Background(), draft("hi"), model.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}

	msgs, ok := h.cache.Get("c1")
	if !ok || len(msgs) != 1 || msgs[0].ID != id || msgs[0].Status != model.StatusPending {
		t.Fatalf("placeholder = %+v", msgs)
	}

	h.q.SetOnlineStatus(true)
	sent, _ := waitFor(t, h.events, bus.MessageSent)
	se := sent.Payload.(SentEvent)
	if se.QueueID != id || se.Message.ClientID != id {
		t.Errorf("sent event = %+v", se)
	}

	msgs, _ = h.cache.Get("c1")
	if len(msgs) != 1 || msgs[0].ID != "srv-"+id || msgs[0].Status != model.StatusSent {
		t.Errorf("cache after send = %+v", msgs)
	}
	if s := h.q.Stats(); s.Successful != 1 || s.SuccessRate != 1 || s.Pending != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRetryMessage(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.sender.setFallback(&api.Error{Status: 401, Code: "TOKEN_EXPIRED"})
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, draft("again"), model.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	h.q.SetOnlineStatus(true)
	waitFor(t, h.events, bus.MessageFailed)

	if err := h.q.RetryMessage(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	h.sender.setFallback(nil)
	if err := h.q.RetryMessage(ctx, id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, h.events, bus.MessageSent)

	if n := len(h.q.FailedMessages()); n != 0 {
		t.Errorf("failed = %d, want 0", n)
	}
	s := h.q.Stats()
	if s.Processed != 2 || s.Successful != 1 || s.FailedTotal != 1 || s.SuccessRate != 0.5 {
		t.Errorf("stats = %+v", s)
	}
}

func TestClearFailedAndAll(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.sender.setFallback(&api.Error{Status: 413, Code: "MESSAGE_TOO_LONG"})
	ctx := context.Background()

	if _, err := h.q.Enqueue(ctx, draft("too long"), model.PriorityNormal); err != nil {
		t.Fatal(err)
	}
	h.q.SetOnlineStatus(true)
	waitFor(t, h.events, bus.MessageFailed)
	h.q.SetOnlineStatus(false)

	if _, err := h.q.Enqueue(ctx, draft("waiting"), model.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	if n := h.q.ClearFailedMessages(ctx); n != 1 {
		t.Errorf("cleared %d failed, want 1", n)
	}
	if n := len(h.q.QueuedMessages()); n != 1 {
		t.Errorf("queued = %d, want 1", n)
	}
	if n := h.q.ClearAll(ctx); n != 1 {
		t.Errorf("cleared %d, want 1", n)
	}
	if msgs, _ := h.cache.Get("c1"); len(msgs) != 0 {
		t.Errorf("placeholders left in cache: %+v", msgs)
	}
	snap, err := LoadSnapshot(ctx, h.store, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Entries) != 0 {
		t.Errorf("persisted %d entries, want 0", len(snap.Entries))
	}
}

func TestDequeueIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	id, err := h.q.Enqueue(ctx, draft("bye"), model.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	h.q.Dequeue(ctx, id)
	h.q.Dequeue(ctx, id)
	if _, ok := h.q.Get(id); ok {
		t.Error("entry still queued")
	}
	if _, _, ok := h.cache.Find(id); ok {
		t.Error("placeholder still cached")
	}
}

func TestOnlineTransitionEmitsEvent(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.q.SetOnlineStatus(true)
	e, _ := waitFor(t, h.events, bus.ConnectionStatusChanged)
	if !e.Payload.(ConnectionEvent).Online {
		t.Error("want online=true")
	}
	if !h.q.IsOnline() {
		t.Error("IsOnline = false")
	}

	// Same state again is not a transition.
	h.q.SetOnlineStatus(true)
	h.q.SetOnlineStatus(false)
	e, _ = waitFor(t, h.events, bus.ConnectionStatusChanged)
	if e.Payload.(ConnectionEvent).Online {
		t.Error("want online=false")
	}
}

func TestDestroyDiscardsInFlightResult(t *testing.T) {
	h := newHarness(t, nil, Options{})
	release := make(chan struct{})
	h.sender.mu.Lock()
	h.sender.block = release
	h.sender.mu.Unlock()

	id, err := h.q.Enqueue(context.Background(), draft("late"), model.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	h.q.SetOnlineStatus(true)
	waitFor(t, h.events, bus.ProcessingStarted)

	h.q.Destroy()
	close(release)

	time.Sleep(50 * time.Millisecond)
	for {
		select {
		case e := <-h.events:
			if e.Kind == bus.MessageSent {
				t.Fatal("sent event after Destroy")
			}
			continue
		default:
		}
		break
	}
	if _, ok := h.q.Get(id); !ok {
		t.Error("destroyed queue must not mutate entries")
	}
}
