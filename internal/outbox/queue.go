// Package outbox is the offline message queue: drafts are persisted, sent in
// priority order when the client is online, retried with exponential backoff
// on recoverable failures and parked as failed otherwise.
package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/spark/internal/bus"
	"github.com/matheus3301/spark/internal/cache"
	"github.com/matheus3301/spark/internal/kv"
	"github.com/matheus3301/spark/internal/model"
	"go.uber.org/zap"
)

const (
	SnapshotKey        = "offline_queue"
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultBatchSize   = 5
)

var (
	ErrNotFound = errors.New("outbox: entry not found")
	ErrInFlight = errors.New("outbox: entry is being sent")
)

// Sender delivers a draft and returns the server's canonical message.
type Sender interface {
	SendMessage(ctx context.Context, d model.Draft) (*model.Message, error)
}

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	BatchSize   int
	// Key is the snapshot key in the store.
	Key string
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Key == "" {
		o.Key = SnapshotKey
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Snapshot is the persisted queue state.
type Snapshot struct {
	Entries    []model.QueuedMessage `json:"entries" cbor:"entries"`
	Processed  int                   `json:"processed" cbor:"processed"`
	Successful int                   `json:"successful" cbor:"successful"`
	Failed     int                   `json:"failed" cbor:"failed"`
}

// Stats summarizes the queue.
type Stats struct {
	Pending     int `json:"pending"`
	Processing  int `json:"processing"`
	Failed      int `json:"failed"`
	Processed   int `json:"processed"`
	Successful  int `json:"successful"`
	FailedTotal int `json:"failedTotal"`
	// SuccessRate is Successful/Processed, or 0 before the first attempt.
	SuccessRate float64 `json:"successRate"`
}

// Queue is the offline outbox.
type Queue struct {
	sender  Sender
	cache   *cache.Cache
	bus     *bus.Bus
	metrics *Metrics
	snap    *kv.Snapshotter
	logger  *zap.Logger
	opts    Options

	mu         sync.Mutex
	entries    map[string]*model.QueuedMessage
	processed  int
	successful int
	failed     int
	online     bool
	processing bool
	destroyed  bool
	timer      *time.Timer
}

// New creates a queue persisting to store. c, b and m may be nil.
func New(store kv.Store, sender Sender, c *cache.Cache, b *bus.Bus, m *Metrics, logger *zap.Logger, opts Options) *Queue {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Queue{
		sender:  sender,
		cache:   c,
		bus:     b,
		metrics: m,
		snap:    kv.NewSnapshotter(store, opts.Key),
		logger:  logger,
		opts:    opts,
		entries: make(map[string]*model.QueuedMessage),
	}
}

// Initialize loads the persisted queue. Missing or corrupt state leaves the
// queue empty. Entries that were mid-send when the process stopped go back
// to pending, so a send may repeat.
func (q *Queue) Initialize(ctx context.Context) {
	var s Snapshot
	err := q.snap.Load(ctx, &s)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		q.logger.Debug("no persisted queue")
	case err != nil:
		q.logger.Warn("discarding unreadable queue snapshot", zap.Error(err))
		s = Snapshot{}
	}

	q.mu.Lock()
	q.entries = make(map[string]*model.QueuedMessage, len(s.Entries))
	for i := range s.Entries {
		e := s.Entries[i]
		if e.ID == "" {
			continue
		}
		if e.State == model.QueueProcessing || e.State == "" {
			e.State = model.QueuePending
		}
		if e.MaxAttempts <= 0 {
			e.MaxAttempts = q.opts.MaxAttempts
		}
		q.entries[e.ID] = &e
	}
	q.processed, q.successful, q.failed = s.Processed, s.Successful, s.Failed
	restored := q.sortedLocked(func(*model.QueuedMessage) bool { return true })
	q.mu.Unlock()

	for _, e := range restored {
		status := model.StatusPending
		if e.State == model.QueueFailed {
			status = model.StatusFailed
		}
		q.placeholder(e, status, false)
	}
	q.updateGauge()
	q.logger.Info("queue loaded", zap.Int("entries", len(restored)), zap.Int("processed", s.Processed))

	q.trigger()
}

// Enqueue validates d, persists a new entry and returns its id. The id is
// also the id of the optimistic message placed in the cache. Processing
// starts right away when online.
func (q *Queue) Enqueue(ctx context.Context, d model.Draft, p model.Priority) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	switch p {
	case model.PriorityHigh, model.PriorityNormal, model.PriorityLow:
	default:
		p = model.PriorityNormal
	}

	id := uuid.NewString()
	if d.ClientID == "" {
		d.ClientID = id
	}
	now := q.opts.Now()
	e := &model.QueuedMessage{
		ID:          id,
		Draft:       d,
		MaxAttempts: q.opts.MaxAttempts,
		NextRetryAt: now,
		Priority:    p,
		CreatedAt:   now,
		State:       model.QueuePending,
	}

	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return "", errors.New("outbox: queue destroyed")
	}
	q.entries[id] = e
	entry := *e
	q.mu.Unlock()

	q.persist(ctx)
	q.placeholder(entry, model.StatusPending, true)
	q.bus.Emit(bus.MessageQueued, QueuedEvent{Entry: entry})
	q.logger.Info("message queued",
		zap.String("queue_id", id),
		zap.String("conversation_id", d.ConversationID),
		zap.String("priority", string(p)),
	)

	q.trigger()
	return id, nil
}

// Dequeue removes an entry and its optimistic message. Unknown ids are
// ignored.
func (q *Queue) Dequeue(ctx context.Context, id string) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if ok {
		delete(q.entries, id)
	}
	q.mu.Unlock()
	if !ok {
		return
	}
	q.persist(ctx)
	if q.cache != nil {
		q.cache.RemoveMessage(e.Draft.ConversationID, id)
	}
}

// SetOnlineStatus records connectivity. Going online starts processing.
func (q *Queue) SetOnlineStatus(online bool) {
	q.mu.Lock()
	changed := q.online != online
	q.online = online
	if !online && q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	destroyed := q.destroyed
	q.mu.Unlock()
	if !changed || destroyed {
		return
	}

	q.logger.Info("queue connectivity changed", zap.Bool("online", online))
	q.bus.Emit(bus.ConnectionStatusChanged, ConnectionEvent{Online: online})
	if online {
		q.trigger()
	}
}

func (q *Queue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// trigger runs ProcessQueue in the background if there is anything to do.
func (q *Queue) trigger() {
	q.mu.Lock()
	idle := q.online && !q.processing && !q.destroyed && len(q.entries) > 0
	q.mu.Unlock()
	if idle {
		go q.ProcessQueue(context.Background())
	}
}

// ProcessQueue sends due entries in batches until none are due. It returns
// immediately if a run is already in progress, the queue is offline or
// empty. Entries waiting for a retry are picked up by a timer.
func (q *Queue) ProcessQueue(ctx context.Context) {
	q.mu.Lock()
	if q.processing || !q.online || q.destroyed || len(q.entries) == 0 {
		q.mu.Unlock()
		return
	}
	q.processing = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	q.bus.Emit(bus.ProcessingStarted, ProcessingEvent{})
	dispatched := 0
	defer func() {
		q.mu.Lock()
		q.processing = false
		remaining := 0
		for _, e := range q.entries {
			if e.State == model.QueuePending {
				remaining++
			}
		}
		q.mu.Unlock()
		q.armTimer()
		q.bus.Emit(bus.ProcessingCompleted, ProcessingEvent{Dispatched: dispatched, Remaining: remaining})
	}()

	for {
		batch := q.nextBatch()
		if len(batch) == 0 {
			return
		}
		q.persist(ctx)

		var wg sync.WaitGroup
		for _, e := range batch {
			wg.Add(1)
			go func(e model.QueuedMessage) {
				defer wg.Done()
				q.attempt(ctx, e)
			}(e)
		}
		wg.Wait()
		dispatched += len(batch)

		q.mu.Lock()
		stop := !q.online || q.destroyed
		q.mu.Unlock()
		if stop {
			return
		}
	}
}

// nextBatch marks up to BatchSize due entries as processing and returns
// copies of them in dispatch order.
func (q *Queue) nextBatch() []model.QueuedMessage {
	now := q.opts.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	due := q.sortedLocked(func(e *model.QueuedMessage) bool { return e.Due(now) })
	if len(due) > q.opts.BatchSize {
		due = due[:q.opts.BatchSize]
	}
	for i := range due {
		q.entries[due[i].ID].State = model.QueueProcessing
		due[i].State = model.QueueProcessing
	}
	return due
}

// sortedLocked returns copies of the entries matching keep, ordered by
// priority and then age.
func (q *Queue) sortedLocked(keep func(*model.QueuedMessage) bool) []model.QueuedMessage {
	out := make([]model.QueuedMessage, 0, len(q.entries))
	for _, e := range q.entries {
		if keep(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := out[i].Priority.Weight(), out[j].Priority.Weight()
		if wi != wj {
			return wi < wj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (q *Queue) attempt(ctx context.Context, e model.QueuedMessage) {
	log := q.logger.With(zap.String("queue_id", e.ID), zap.String("conversation_id", e.Draft.ConversationID))

	q.mu.Lock()
	live, ok := q.entries[e.ID]
	if !ok {
		q.mu.Unlock()
		return
	}
	live.Attempts++
	live.LastAttemptAt = q.opts.Now()
	q.processed++
	attempts := live.Attempts
	q.mu.Unlock()

	msg, err := q.sender.SendMessage(ctx, e.Draft)
	if err == nil && msg == nil {
		err = errors.New("send returned no message")
	}

	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	live, ok = q.entries[e.ID]
	if !ok {
		// Dequeued while in flight.
		q.mu.Unlock()
		return
	}

	if err == nil {
		delete(q.entries, e.ID)
		q.successful++
		q.mu.Unlock()

		sent := *msg
		if sent.ConversationID == "" {
			sent.ConversationID = e.Draft.ConversationID
		}
		if sent.ClientID == "" {
			sent.ClientID = e.Draft.ClientID
		}
		q.persist(ctx)
		if q.cache != nil && !q.cache.ReplaceMessage(sent.ConversationID, e.ID, sent) {
			q.cache.AddMessages(sent.ConversationID, []model.Message{sent}, true)
		}
		q.metrics.sent.Inc()
		q.bus.Emit(bus.MessageSent, SentEvent{QueueID: e.ID, Message: sent})
		log.Info("message sent", zap.String("message_id", sent.ID), zap.Int("attempts", attempts))
		return
	}

	kind := Classify(err)
	live.LastError = err.Error()
	live.FailureKind = string(kind)

	if !kind.Recoverable() || live.Attempts >= live.MaxAttempts {
		live.State = model.QueueFailed
		q.failed++
		q.mu.Unlock()

		q.persist(ctx)
		if q.cache != nil {
			q.cache.UpdateMessage(e.ID, cache.StatusPatch(model.StatusFailed))
		}
		q.metrics.failed.WithLabelValues(string(kind)).Inc()
		q.bus.Emit(bus.MessageFailed, FailedEvent{
			QueueID:        e.ID,
			ConversationID: e.Draft.ConversationID,
			Kind:           kind,
			Error:          err.Error(),
			Attempts:       attempts,
		})
		log.Warn("message failed", zap.String("kind", string(kind)), zap.Int("attempts", attempts), zap.Error(err))
		return
	}

	delay := Backoff(live.Attempts, q.opts.BaseDelay, q.opts.MaxDelay)
	live.NextRetryAt = q.opts.Now().Add(delay)
	live.State = model.QueuePending
	next := live.NextRetryAt
	q.mu.Unlock()

	q.persist(ctx)
	q.metrics.retries.Inc()
	q.bus.Emit(bus.MessageRetryScheduled, RetryScheduledEvent{
		QueueID:     e.ID,
		Kind:        kind,
		Attempts:    attempts,
		Delay:       delay,
		NextRetryAt: next,
	})
	log.Info("retry scheduled", zap.String("kind", string(kind)), zap.Int("attempts", attempts), zap.Duration("delay", delay), zap.Error(err))
}

// armTimer schedules processing for the earliest pending retry.
func (q *Queue) armTimer() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if q.destroyed || !q.online {
		return
	}
	var earliest time.Time
	for _, e := range q.entries {
		if e.State != model.QueuePending || e.Attempts >= e.MaxAttempts {
			continue
		}
		if earliest.IsZero() || e.NextRetryAt.Before(earliest) {
			earliest = e.NextRetryAt
		}
	}
	if earliest.IsZero() {
		return
	}
	d := earliest.Sub(q.opts.Now())
	if d < 0 {
		d = 0
	}
	q.timer = time.AfterFunc(d, func() { q.ProcessQueue(context.Background()) })
}

// QueuedMessages returns the entries not yet failed in dispatch order.
func (q *Queue) QueuedMessages() []model.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked(func(e *model.QueuedMessage) bool { return e.State != model.QueueFailed })
}

// FailedMessages returns the terminally failed entries.
func (q *Queue) FailedMessages() []model.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked(func(e *model.QueuedMessage) bool { return e.State == model.QueueFailed })
}

// Get returns a copy of one entry.
func (q *Queue) Get(id string) (model.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return model.QueuedMessage{}, false
	}
	return *e, true
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Processed: q.processed, Successful: q.successful, FailedTotal: q.failed}
	for _, e := range q.entries {
		switch e.State {
		case model.QueuePending:
			s.Pending++
		case model.QueueProcessing:
			s.Processing++
		case model.QueueFailed:
			s.Failed++
		}
	}
	if q.processed > 0 {
		s.SuccessRate = float64(q.successful) / float64(q.processed)
	}
	return s
}

// RetryMessage resets an entry's attempts and makes it due now.
func (q *Queue) RetryMessage(ctx context.Context, id string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if e.State == model.QueueProcessing {
		q.mu.Unlock()
		return ErrInFlight
	}
	e.Attempts = 0
	e.NextRetryAt = q.opts.Now()
	e.State = model.QueuePending
	e.LastError = ""
	e.FailureKind = ""
	q.mu.Unlock()

	q.persist(ctx)
	if q.cache != nil {
		q.cache.UpdateMessage(id, cache.StatusPatch(model.StatusPending))
	}
	q.logger.Info("retrying message", zap.String("queue_id", id))
	q.trigger()
	return nil
}

// ClearFailedMessages drops every failed entry and returns how many.
func (q *Queue) ClearFailedMessages(ctx context.Context) int {
	return q.clear(ctx, func(e *model.QueuedMessage) bool { return e.State == model.QueueFailed })
}

// ClearAll drops every entry that is not in flight and returns how many.
func (q *Queue) ClearAll(ctx context.Context) int {
	return q.clear(ctx, func(e *model.QueuedMessage) bool { return e.State != model.QueueProcessing })
}

func (q *Queue) clear(ctx context.Context, match func(*model.QueuedMessage) bool) int {
	q.mu.Lock()
	var removed []model.QueuedMessage
	for id, e := range q.entries {
		if match(e) {
			removed = append(removed, *e)
			delete(q.entries, id)
		}
	}
	q.mu.Unlock()
	if len(removed) == 0 {
		return 0
	}
	q.persist(ctx)
	if q.cache != nil {
		for _, e := range removed {
			q.cache.RemoveMessage(e.Draft.ConversationID, e.ID)
		}
	}
	return len(removed)
}

// Destroy stops the retry timer. Sends already in flight complete but their
// results are discarded.
func (q *Queue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.destroyed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) placeholder(e model.QueuedMessage, status model.Status, overwrite bool) {
	if q.cache == nil {
		return
	}
	m := e.Draft.Optimistic(e.ID, e.CreatedAt)
	m.Status = status
	q.cache.AddMessages(e.Draft.ConversationID, []model.Message{m}, overwrite)
}

func (q *Queue) snapshot() any {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]model.QueuedMessage, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	return Snapshot{Entries: entries, Processed: q.processed, Successful: q.successful, Failed: q.failed}
}

// persist writes the full snapshot. Store failures are logged; the queue
// keeps working from memory.
func (q *Queue) persist(ctx context.Context) {
	if err := q.snap.Save(ctx, q.snapshot); err != nil {
		q.logger.Error("failed to persist queue", zap.Error(err))
	}
	q.updateGauge()
}

func (q *Queue) updateGauge() {
	q.mu.Lock()
	n := 0
	for _, e := range q.entries {
		if e.State != model.QueueFailed {
			n++
		}
	}
	q.mu.Unlock()
	q.metrics.pending.Set(float64(n))
}

// LoadSnapshot reads a persisted queue without starting one.
func LoadSnapshot(ctx context.Context, store kv.Store, key string) (Snapshot, error) {
	if key == "" {
		key = SnapshotKey
	}
	var s Snapshot
	err := kv.LoadSnapshot(ctx, store, key, &s)
	return s, err
}
