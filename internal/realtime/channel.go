package realtime

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Channel is a push connection delivering realtime events.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	// Subscribe registers fn for every event and returns a function that
	// removes it.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Dispatcher fans events out to subscribers. A panicking subscriber is
// logged and does not affect the others.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(Event)
	logger   *zap.Logger
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{handlers: make(map[int]func(Event)), logger: logger}
}

func (d *Dispatcher) Subscribe(fn func(Event)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.handlers, id)
			d.mu.Unlock()
		})
	}
}

// Dispatch calls every subscriber synchronously in registration order.
func (d *Dispatcher) Dispatch(evt Event) {
	d.mu.RLock()
	ids := make([]int, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, d.handlers[id])
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		d.call(fn, evt)
	}
}

func (d *Dispatcher) call(fn func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("realtime handler panicked", zap.String("kind", evt.Kind()), zap.Any("panic", r))
		}
	}()
	fn(evt)
}
