// Package sync reconciles the message cache with the server. It pulls
// server state periodically and after reconnects, ingests realtime pushes as
// they arrive and resolves disagreements between cached and server copies
// according to a Policy.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/spark/internal/api"
	"github.com/matheus3301/spark/internal/bus"
	"github.com/matheus3301/spark/internal/cache"
	"github.com/matheus3301/spark/internal/kv"
	"github.com/matheus3301/spark/internal/model"
	"github.com/matheus3301/spark/internal/outbox"
	"github.com/matheus3301/spark/internal/realtime"
	"go.uber.org/zap"
)

var (
	ErrSyncInProgress    = errors.New("sync: already in progress")
	ErrConflictNotFound  = errors.New("sync: conflict not found")
	ErrUnknownResolution = errors.New("sync: unknown resolution")
	ErrDestroyed         = errors.New("sync: manager destroyed")
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultFetchLimit = 50
	receiptTimeout    = 10 * time.Second
)

type Options struct {
	Policy Policy
	// Interval between periodic full syncs. Negative disables the timer.
	Interval   time.Duration
	FetchLimit int
	// Key is the state key in the store.
	Key string
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Policy == "" {
		o.Policy = PolicyServer
	}
	if o.Interval == 0 {
		o.Interval = DefaultInterval
	}
	if o.FetchLimit <= 0 {
		o.FetchLimit = DefaultFetchLimit
	}
	if o.Key == "" {
		o.Key = StateKey
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Result summarizes a full sync run.
type Result struct {
	Conversations int
	Failed        int
	NewMessages   int
	Conflicts     int
	Duration      time.Duration
}

// Manager is the sync manager. It is safe for concurrent use.
type Manager struct {
	cache   *cache.Cache
	api     api.MessagingAPI
	channel realtime.Channel
	bus     *bus.Bus
	snap    *kv.Snapshotter
	metrics *Metrics
	logger  *zap.Logger
	opts    Options

	mu          stdsync.Mutex
	userID      string
	states      map[string]*model.ConversationSyncState
	conflicts   map[string]Conflict
	errors      []model.SyncErrorRecord
	lastSync    time.Time
	syncingAll  bool
	initialized bool
	destroyed   bool
	detach      []func()
	stop        chan struct{}
}

// NewManager creates a manager. c and client are required; ch, b and m may
// be nil.
func NewManager(c *cache.Cache, client api.MessagingAPI, ch realtime.Channel, b *bus.Bus, store kv.Store, m *Metrics, logger *zap.Logger, opts Options) *Manager {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Manager{
		cache:     c,
		api:       client,
		channel:   ch,
		bus:       b,
		snap:      kv.NewSnapshotter(store, opts.Key),
		metrics:   m,
		logger:    logger,
		opts:      opts,
		states:    make(map[string]*model.ConversationSyncState),
		conflicts: make(map[string]Conflict),
		stop:      make(chan struct{}),
	}
}

// Initialize loads persisted state, attaches the realtime and queue
// handlers and starts the periodic sync. Calling it again is a no-op.
func (m *Manager) Initialize(ctx context.Context, userID string) {
	m.mu.Lock()
	if m.initialized || m.destroyed {
		m.mu.Unlock()
		return
	}
	m.initialized = true
	m.userID = userID
	m.mu.Unlock()

	m.load(ctx)

	var detach []func()
	if m.channel != nil {
		detach = append(detach, m.channel.Subscribe(m.HandleRealtimeEvent))
	}
	if m.bus != nil {
		detach = append(detach, m.bus.Handle(bus.NamespaceQueue, 256, m.handleQueueEvent))
	}
	m.mu.Lock()
	m.detach = detach
	m.mu.Unlock()

	if m.opts.Interval > 0 {
		go m.loop(m.opts.Interval)
	}
	m.logger.Info("sync manager started",
		zap.String("user_id", userID),
		zap.String("policy", string(m.opts.Policy)),
		zap.Duration("interval", m.opts.Interval),
	)
}

func (m *Manager) loop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.runSyncAll("periodic")
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) runSyncAll(trigger string) {
	_, err := m.SyncAllConversations(context.Background())
	switch {
	case err == nil, errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrDestroyed):
	default:
		m.logger.Warn("sync run failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

// SyncAllConversations fetches the conversation list and syncs each
// conversation in turn. Per-conversation failures are recorded and do not
// stop the run. It returns ErrSyncInProgress if a run is already active.
func (m *Manager) SyncAllConversations(ctx context.Context) (Result, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return Result{}, ErrDestroyed
	}
	if m.syncingAll {
		m.mu.Unlock()
		m.metrics.runs.WithLabelValues("skipped").Inc()
		return Result{}, ErrSyncInProgress
	}
	m.syncingAll = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.syncingAll = false
		m.mu.Unlock()
	}()

	start := m.opts.Now()
	m.bus.Emit(bus.SyncStarted, RunEvent{})

	convs, err := m.api.GetConversations(ctx)
	if err != nil {
		m.fail(ctx, "", err)
		m.metrics.runs.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("fetch conversations: %w", err)
	}

	// Counts cover every conversation, so one request serves the whole run.
	counts, countsErr := m.api.GetUnreadCounts(ctx)
	unread := func(context.Context) (map[string]int, error) { return counts, countsErr }

	var res Result
	for _, c := range convs {
		if m.isDestroyed() {
			return res, ErrDestroyed
		}
		n, k, err := m.syncConversation(ctx, c.ID, unread)
		switch {
		case errors.Is(err, ErrSyncInProgress):
			continue
		case errors.Is(err, ErrDestroyed):
			return res, err
		case err != nil:
			res.Failed++
		}
		res.Conversations++
		res.NewMessages += n
		res.Conflicts += k
	}

	now := m.opts.Now()
	res.Duration = now.Sub(start)
	m.mu.Lock()
	m.lastSync = now
	m.mu.Unlock()
	m.persist(ctx)

	m.metrics.runs.WithLabelValues("ok").Inc()
	m.metrics.duration.Observe(res.Duration.Seconds())
	m.bus.Emit(bus.SyncCompleted, RunEvent{
		Conversations: res.Conversations,
		Failed:        res.Failed,
		NewMessages:   res.NewMessages,
		Conflicts:     res.Conflicts,
		Duration:      res.Duration,
	})
	m.logger.Info("sync completed",
		zap.Int("conversations", res.Conversations),
		zap.Int("failed", res.Failed),
		zap.Int("new_messages", res.NewMessages),
		zap.Int("conflicts", res.Conflicts),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// SyncConversation reconciles one conversation with the server. It returns
// ErrSyncInProgress if that conversation is already syncing.
func (m *Manager) SyncConversation(ctx context.Context, id string) error {
	_, _, err := m.syncConversation(ctx, id, m.api.GetUnreadCounts)
	if !errors.Is(err, ErrSyncInProgress) {
		m.persist(ctx)
	}
	return err
}

// syncConversation reconciles one conversation. unread supplies the unread
// counts, fetched once per full run.
func (m *Manager) syncConversation(ctx context.Context, id string, unread func(context.Context) (map[string]int, error)) (fresh, conflicts int, err error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return 0, 0, ErrDestroyed
	}
	st := m.stateLocked(id)
	if st.SyncStatus == model.SyncSyncing {
		m.mu.Unlock()
		return 0, 0, ErrSyncInProgress
	}
	st.SyncStatus = model.SyncSyncing
	st.LastSyncAttempt = m.opts.Now()
	m.mu.Unlock()

	status := model.SyncError
	defer func() {
		m.mu.Lock()
		if st, ok := m.states[id]; ok && st.SyncStatus == model.SyncSyncing {
			st.SyncStatus = status
		}
		m.mu.Unlock()
	}()

	m.bus.Emit(bus.SyncStarted, RunEvent{ConversationID: id})
	log := m.logger.With(zap.String("conversation_id", id))

	cached, _ := m.cache.Peek(id)
	watermark := model.Watermark(cached)

	server, err := m.api.GetMessages(ctx, id, api.Query{Limit: m.opts.FetchLimit})
	if err != nil {
		m.fail(ctx, id, err)
		return 0, 0, fmt.Errorf("fetch messages for %s: %w", id, err)
	}
	if m.isDestroyed() {
		return 0, 0, ErrDestroyed
	}

	byID := make(map[string]model.Message, len(cached))
	for _, c := range cached {
		byID[c.ID] = c
	}

	var incoming []model.Message
	var confirmed []string
	for _, s := range server {
		if s.ConversationID == "" {
			s.ConversationID = id
		}
		local, ok := byID[s.ID]
		if !ok {
			_, placeholder := byID[s.ClientID]
			placeholder = placeholder && s.ClientID != s.ID
			// A confirmation replaces its placeholder even when the server
			// timestamp is older than the watermark.
			if placeholder || s.CreatedAt.After(watermark) {
				incoming = append(incoming, s)
				fresh++
			}
			if placeholder {
				confirmed = append(confirmed, s.ClientID)
			}
			continue
		}
		if !conflicting(local, s) {
			continue
		}
		conflicts++
		incoming = append(incoming, m.applyPolicy(ctx, id, local, s))
	}
	if m.isDestroyed() {
		return 0, 0, ErrDestroyed
	}

	// Merged against the live entry so placeholders added while the fetch
	// was in flight survive.
	m.cache.AddMessages(id, incoming, true)
	for _, placeholder := range confirmed {
		m.cache.RemoveMessage(id, placeholder)
	}
	for _, msg := range incoming {
		if _, isConflict := byID[msg.ID]; !isConflict {
			m.bus.Emit(bus.MessageReceived, MessageEvent{Message: msg})
		}
	}

	counts, uerr := unread(ctx)
	if uerr != nil {
		log.Warn("unread counts unavailable", zap.Error(uerr))
	}

	merged, _ := m.cache.Peek(id)
	m.mu.Lock()
	st = m.stateLocked(id)
	if w := model.Watermark(merged); w.After(st.LastMessageTimestamp) {
		st.LastMessageTimestamp = w
	}
	if uerr == nil {
		st.UnreadCount = counts[id]
	}
	status = model.SyncSynced
	if m.hasConflictsLocked(id) {
		status = model.SyncConflict
	}
	m.mu.Unlock()

	m.bus.Emit(bus.SyncCompleted, RunEvent{ConversationID: id, NewMessages: fresh, Conflicts: conflicts})
	log.Debug("conversation synced", zap.Int("new_messages", fresh), zap.Int("conflicts", conflicts))
	return fresh, conflicts, nil
}

// applyPolicy handles one conflict and returns the copy to keep in the cache.
func (m *Manager) applyPolicy(ctx context.Context, conversationID string, local, server model.Message) model.Message {
	c := Conflict{
		MessageID:      server.ID,
		ConversationID: conversationID,
		Local:          local,
		Server:         server,
		DetectedAt:     m.opts.Now(),
	}
	policy := m.opts.Policy
	m.metrics.conflicts.WithLabelValues(string(policy)).Inc()
	m.bus.Emit(bus.ConflictDetected, ConflictEvent{Conflict: c, Policy: policy})
	log := m.logger.With(zap.String("conversation_id", conversationID), zap.String("message_id", server.ID))

	switch policy {
	case PolicyServer:
		m.bus.Emit(bus.ConflictResolved, ConflictResolvedEvent{Conflict: c, Policy: policy})
		log.Debug("conflict resolved for server")
		return server
	case PolicyClient:
		if err := m.api.PushMessage(ctx, local); err != nil {
			c.PushError = err.Error()
			m.park(c)
			log.Warn("push of local copy failed, conflict needs manual resolution", zap.Error(err))
			return local
		}
		m.bus.Emit(bus.ConflictResolved, ConflictResolvedEvent{Conflict: c, Policy: policy})
		log.Debug("conflict resolved for client")
		return local
	default:
		m.park(c)
		log.Info("conflict awaiting manual resolution")
		return local
	}
}

func (m *Manager) park(c Conflict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.conflicts[c.MessageID] = c
}

func (m *Manager) hasConflictsLocked(conversationID string) bool {
	for _, c := range m.conflicts {
		if c.ConversationID == conversationID {
			return true
		}
	}
	return false
}

// ResolveConflict settles a parked conflict. KeepLocal pushes the local copy
// to the server first; if that fails the conflict stays parked.
func (m *Manager) ResolveConflict(ctx context.Context, messageID string, res Resolution) error {
	if res != KeepLocal && res != KeepServer {
		return fmt.Errorf("%w: %q", ErrUnknownResolution, res)
	}
	m.mu.Lock()
	c, ok := m.conflicts[messageID]
	if !ok {
		m.mu.Unlock()
		return ErrConflictNotFound
	}
	delete(m.conflicts, messageID)
	m.mu.Unlock()

	keep := c.Server
	if res == KeepLocal {
		if err := m.api.PushMessage(ctx, c.Local); err != nil {
			c.PushError = err.Error()
			m.park(c)
			m.persist(ctx)
			return fmt.Errorf("push local copy of %s: %w", messageID, err)
		}
		keep = c.Local
	}
	if m.isDestroyed() {
		return ErrDestroyed
	}

	m.cache.AddMessages(c.ConversationID, []model.Message{keep}, true)
	m.mu.Lock()
	if st, ok := m.states[c.ConversationID]; ok && st.SyncStatus == model.SyncConflict && !m.hasConflictsLocked(c.ConversationID) {
		st.SyncStatus = model.SyncSynced
	}
	m.mu.Unlock()
	m.persist(ctx)

	m.bus.Emit(bus.ConflictResolved, ConflictResolvedEvent{Conflict: c, Resolution: res, Policy: m.opts.Policy})
	m.logger.Info("conflict resolved",
		zap.String("message_id", messageID),
		zap.String("resolution", string(res)),
	)
	return nil
}

// HandleRealtimeEvent applies one realtime event. Events are applied in the
// order they are handed in.
func (m *Manager) HandleRealtimeEvent(evt realtime.Event) {
	if m.isDestroyed() {
		return
	}
	switch e := evt.(type) {
	case realtime.MessageEvent:
		m.ingest(e.Message)
	case realtime.ReceiptEvent:
		m.applyReceipt(e.MessageID, e.Status, e.At)
	case realtime.TypingEvent:
		m.bus.Emit(bus.TypingChanged, TypingEvent{e.Typing})
	case realtime.ConnectionEvent:
		if e.Connected {
			m.logger.Info("realtime connected, catching up")
			go m.runSyncAll("realtime connected")
			return
		}
		m.logger.Info("realtime disconnected", zap.String("reason", e.Reason))
	}
}

func (m *Manager) ingest(msg model.Message) {
	conv := msg.ConversationID
	if conv == "" || msg.ID == "" {
		m.logger.Warn("dropping realtime message without ids", zap.String("message_id", msg.ID))
		return
	}

	old, _, known := m.cache.Find(msg.ID)
	if known {
		if old.Status != msg.Status && !old.Status.CanAdvanceTo(msg.Status) {
			msg.Status = old.Status
		}
		if msg.ReadAt == nil {
			msg.ReadAt = old.ReadAt
		}
	}
	if msg.ClientID == "" || msg.ClientID == msg.ID || !m.cache.ReplaceMessage(conv, msg.ClientID, msg) {
		m.cache.AddMessages(conv, []model.Message{msg}, true)
	}

	m.mu.Lock()
	incoming := msg.SenderID != m.userID
	st := m.stateLocked(conv)
	if msg.CreatedAt.After(st.LastMessageTimestamp) {
		st.LastMessageTimestamp = msg.CreatedAt
	}
	if incoming && !known {
		st.UnreadCount++
	}
	m.mu.Unlock()
	m.persist(context.Background())

	m.bus.Emit(bus.MessageReceived, MessageEvent{Message: msg})
	m.logger.Debug("realtime message merged", zap.String("conversation_id", conv), zap.String("message_id", msg.ID))

	if incoming && !known {
		go m.acknowledge(msg)
	}
}

// acknowledge sends a delivery receipt for a message from a peer and marks
// it delivered locally once the server has it.
func (m *Manager) acknowledge(msg model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), receiptTimeout)
	defer cancel()
	if err := m.api.SendDeliveryReceipt(ctx, msg.ID, model.StatusDelivered); err != nil {
		m.logger.Debug("delivery receipt failed", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if m.isDestroyed() {
		return
	}
	m.applyReceipt(msg.ID, model.StatusDelivered, time.Time{})
}

func (m *Manager) applyReceipt(messageID string, status model.Status, at time.Time) {
	cur, conv, ok := m.cache.Find(messageID)
	if !ok {
		m.logger.Debug("receipt for uncached message", zap.String("message_id", messageID))
		return
	}
	if !cur.Status.CanAdvanceTo(status) {
		return
	}
	p := cache.StatusPatch(status)
	if status == model.StatusRead {
		if at.IsZero() {
			at = m.opts.Now()
		}
		p.ReadAt = &at
	}
	if _, ok := m.cache.UpdateMessage(messageID, p); !ok {
		return
	}
	m.bus.Emit(bus.MessageStatusUpdated, StatusEvent{
		MessageID:      messageID,
		ConversationID: conv,
		Status:         status,
		ReadAt:         p.ReadAt,
	})
}

func (m *Manager) handleQueueEvent(evt bus.Event) {
	if m.isDestroyed() {
		return
	}
	switch evt.Kind {
	case bus.ConnectionStatusChanged:
		if e, ok := evt.Payload.(outbox.ConnectionEvent); ok && e.Online {
			go m.runSyncAll("queue online")
		}
	case bus.MessageSent:
		e, ok := evt.Payload.(outbox.SentEvent)
		if !ok {
			return
		}
		m.mu.Lock()
		st := m.stateLocked(e.Message.ConversationID)
		if e.Message.CreatedAt.After(st.LastMessageTimestamp) {
			st.LastMessageTimestamp = e.Message.CreatedAt
		}
		m.mu.Unlock()
		m.persist(context.Background())
	case bus.MessageFailed:
		e, ok := evt.Payload.(outbox.FailedEvent)
		if !ok {
			return
		}
		m.mu.Lock()
		m.recordErrorLocked(model.SyncErrorRecord{
			ID:             uuid.NewString(),
			Type:           kindType(e.Kind),
			ConversationID: e.ConversationID,
			Message:        e.Error,
			Timestamp:      m.opts.Now(),
			RetryCount:     e.Attempts,
			Payload:        e.QueueID,
		})
		m.mu.Unlock()
		m.persist(context.Background())
	case bus.ProcessingStarted, bus.ProcessingCompleted:
		m.logger.Debug("queue processing", zap.String("kind", evt.Kind))
	}
}

// fail records a sync failure for conversationID ("" for the conversation
// list) and publishes it.
func (m *Manager) fail(ctx context.Context, conversationID string, err error) {
	m.mu.Lock()
	retries := 0
	for _, e := range m.errors {
		if e.ConversationID == conversationID && e.Payload == "" {
			retries++
		}
	}
	rec := model.SyncErrorRecord{
		ID:             uuid.NewString(),
		Type:           classifyError(err),
		ConversationID: conversationID,
		Message:        err.Error(),
		Timestamp:      m.opts.Now(),
		RetryCount:     retries,
	}
	m.recordErrorLocked(rec)
	m.mu.Unlock()
	m.persist(ctx)

	m.bus.Emit(bus.SyncFailed, FailedEvent{Error: rec})
	m.logger.Warn("sync failed",
		zap.String("conversation_id", conversationID),
		zap.String("type", string(rec.Type)),
		zap.Error(err),
	)
}

// MarkConversationRead tells the server the conversation was read and
// marks the cached peer messages read.
func (m *Manager) MarkConversationRead(ctx context.Context, id string) error {
	if err := m.api.MarkConversationAsRead(ctx, id); err != nil {
		return fmt.Errorf("mark %s read: %w", id, err)
	}
	now := m.opts.Now()
	user := m.currentUser()
	if msgs, ok := m.cache.Peek(id); ok {
		for _, msg := range msgs {
			if msg.SenderID == user || !msg.Status.CanAdvanceTo(model.StatusRead) {
				continue
			}
			p := cache.StatusPatch(model.StatusRead)
			p.ReadAt = &now
			m.cache.UpdateMessage(msg.ID, p)
		}
	}
	m.mu.Lock()
	st := m.stateLocked(id)
	st.UnreadCount = 0
	st.LastReadTimestamp = now
	m.mu.Unlock()
	m.persist(ctx)
	return nil
}

// SendTyping forwards a typing indicator for the conversation.
func (m *Manager) SendTyping(ctx context.Context, id string, typing bool) error {
	if err := m.api.SendTypingIndicator(ctx, id, typing); err != nil {
		return fmt.Errorf("send typing for %s: %w", id, err)
	}
	return nil
}

// Conflicts returns the conflicts awaiting manual resolution, oldest first.
func (m *Manager) Conflicts() []Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conflictsLocked()
}

func (m *Manager) State(id string) (model.ConversationSyncState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return model.ConversationSyncState{}, false
	}
	return *st, true
}

// States returns every tracked conversation state ordered by id.
func (m *Manager) States() []model.ConversationSyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statesLocked()
}

// Errors returns the recorded failures, oldest first.
func (m *Manager) Errors() []model.SyncErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SyncErrorRecord(nil), m.errors...)
}

// LastSync returns when the last full run completed.
func (m *Manager) LastSync() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

// Destroy stops the periodic sync and detaches every handler. Calls
// already in flight complete but their results are dropped.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	close(m.stop)
	detach := m.detach
	m.detach = nil
	m.mu.Unlock()

	for _, d := range detach {
		d()
	}
}

func (m *Manager) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

func (m *Manager) currentUser() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

