package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/spark/internal/bus"
	"github.com/matheus3301/spark/internal/outbox"
	"github.com/matheus3301/spark/internal/realtime"
	"github.com/matheus3301/spark/internal/status"
	"go.uber.org/zap"
)

// onlineSetter is anything that follows the connection's online flag.
type onlineSetter interface {
	SetOnlineStatus(online bool)
}

// watcher drives the state machine from realtime connection events and
// fans the resulting state out to the queue and the control server.
type watcher struct {
	channel   realtime.Channel
	machine   *status.Machine
	bus       *bus.Bus
	queue     onlineSetter
	health    func(online bool)
	reconnect bool
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	detach []func()
}

func newWatcher(ch realtime.Channel, m *status.Machine, b *bus.Bus, q onlineSetter, health func(bool), reconnect bool, base, maxDelay time.Duration, logger *zap.Logger) *watcher {
	if health == nil {
		health = func(bool) {}
	}
	return &watcher{
		channel:   ch,
		machine:   m,
		bus:       b,
		queue:     q,
		health:    health,
		reconnect: reconnect,
		baseDelay: base,
		maxDelay:  maxDelay,
		logger:    logger,
	}
}

// Start subscribes to both sides and dials the channel in the background
// until the first connection succeeds.
func (w *watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.detach = append(w.detach,
		w.channel.Subscribe(w.handleRealtime),
		w.bus.Handle(bus.NamespaceConnection, 16, w.handleState),
	)
	go func() {
		defer close(w.done)
		w.connectLoop(ctx)
	}()
}

// Stop cancels a pending dial and detaches. It does not disconnect the
// channel.
func (w *watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	for _, fn := range w.detach {
		fn()
	}
	w.detach = nil
	w.cancel = nil
}

func (w *watcher) connectLoop(ctx context.Context) {
	if err := w.machine.Transition(status.Connecting); err != nil {
		w.logger.Warn("state transition failed", zap.Error(err))
	}
	for attempt := 1; ; attempt++ {
		err := w.channel.Connect(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !w.reconnect {
			w.logger.Warn("realtime connect failed", zap.Error(err))
			_ = w.machine.Disconnected(false)
			return
		}
		delay := outbox.Backoff(attempt, w.baseDelay, w.maxDelay)
		w.logger.Warn("realtime connect failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		_ = w.machine.Disconnected(true)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *watcher) handleRealtime(evt realtime.Event) {
	ce, ok := evt.(realtime.ConnectionEvent)
	if !ok {
		return
	}
	var err error
	if ce.Connected {
		err = w.machine.Connected()
	} else {
		retrying := w.reconnect &&
			ce.Reason != realtime.ReasonClientDisconnect &&
			ce.Reason != realtime.ReasonReconnectExhausted
		err = w.machine.Disconnected(retrying)
	}
	if err != nil {
		w.logger.Warn("state transition failed", zap.Error(err))
	}
}

func (w *watcher) handleState(evt bus.Event) {
	change, ok := evt.Payload.(status.StatusChange)
	if !ok {
		return
	}
	w.logger.Info("connection state changed",
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
	)
	online := change.To == status.Online
	w.queue.SetOnlineStatus(online)
	w.health(online)
}
