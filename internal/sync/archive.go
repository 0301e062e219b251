package sync

import (
	"context"
	"time"

	"github.com/matheus3301/spark/internal/bus"
	"github.com/matheus3301/spark/internal/cache"
	"github.com/matheus3301/spark/internal/model"
	"github.com/matheus3301/spark/internal/outbox"
	"github.com/matheus3301/spark/internal/store"
	"go.uber.org/zap"
)

// Archive copies every confirmed message into the SQLite message archive so
// conversations survive cache eviction and restarts.
// It follows "sync." and "queue." events on the bus.
type Archive struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewArchive creates an archive writer.
func NewArchive(db *store.DB, b *bus.Bus, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{db: db, bus: b, logger: logger}
}

// Start subscribes to the bus.
func (a *Archive) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	syncCh, unsubSync := a.bus.Subscribe(bus.NamespaceSync, 256)
	queueCh, unsubQueue := a.bus.Subscribe(bus.NamespaceQueue, 256)

	go func() {
		defer close(a.done)
		defer unsubSync()
		defer unsubQueue()
		for {
			select {
			case evt := <-syncCh:
				a.handleEvent(ctx, evt)
			case evt := <-queueCh:
				a.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the archive and waits for the writer to exit.
func (a *Archive) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *Archive) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.MessageReceived:
		if e, ok := evt.Payload.(MessageEvent); ok {
			a.upsert(ctx, e.Message)
		}
	case bus.MessageSent:
		if e, ok := evt.Payload.(outbox.SentEvent); ok {
			a.upsert(ctx, e.Message)
		}
	case bus.ConflictResolved:
		e, ok := evt.Payload.(ConflictResolvedEvent)
		if !ok {
			return
		}
		kept := e.Conflict.Server
		if e.Resolution == KeepLocal || (e.Resolution == "" && e.Policy == PolicyClient) {
			kept = e.Conflict.Local
		}
		a.upsert(ctx, kept)
	case bus.MessageStatusUpdated:
		e, ok := evt.Payload.(StatusEvent)
		if !ok {
			return
		}
		if err := a.db.UpdateStatus(ctx, e.MessageID, e.Status, e.ReadAt); err != nil {
			a.logger.Error("failed to archive status", zap.Error(err), zap.String("message_id", e.MessageID))
		}
	}
}

func (a *Archive) upsert(ctx context.Context, m model.Message) {
	if err := a.db.UpsertMessage(ctx, m); err != nil {
		a.logger.Error("failed to archive message", zap.Error(err), zap.String("message_id", m.ID))
	}
}

// Hydrate fills c with the most recently active archived conversations, up
// to perConversation messages each. It returns how many conversations were
// loaded.
func Hydrate(ctx context.Context, db *store.DB, c *cache.Cache, conversations, perConversation int) (int, error) {
	ids, err := db.RecentConversations(ctx, conversations)
	if err != nil {
		return 0, err
	}
	n := 0
	// Oldest first so the most recent conversation ends up most recently used.
	for i := len(ids) - 1; i >= 0; i-- {
		msgs, err := db.ListMessages(ctx, ids[i], time.Time{}, perConversation)
		if err != nil {
			return n, err
		}
		if len(msgs) == 0 {
			continue
		}
		c.AddMessages(ids[i], msgs, false)
		n++
	}
	return n, nil
}
