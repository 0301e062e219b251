// Package cache holds recently used conversations in memory.
//
// The cache is bounded twice: by the number of conversations (global LRU,
// evicting a whole conversation at a time) and by age (a conversation that
// has not been touched for MaxAge is dropped, lazily on access and by a
// periodic sweep). Evicted conversations are rebuilt from the next fetch.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/matheus3301/spark/internal/model"
	"go.uber.org/zap"
)

// Options configures a Cache. Zero values fall back to the defaults below.
type Options struct {
	MaxConversations int
	MaxMessages      int
	MaxAge           time.Duration
	SweepInterval    time.Duration
	Now              func() time.Time
}

const (
	DefaultMaxConversations = 50
	DefaultMaxMessages      = 100
	DefaultMaxAge           = 30 * time.Minute
	DefaultSweepInterval    = 5 * time.Minute
)

func (o *Options) defaults() {
	if o.MaxConversations <= 0 {
		o.MaxConversations = DefaultMaxConversations
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = DefaultMaxMessages
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type entry struct {
	conversationID string
	messages       []model.Message
	lastTouched    time.Time
	elem           *list.Element
}

// Cache is a bounded multi-conversation message store. It is safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]*entry
	lru     *list.List // front is most recently used

	logger *zap.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a cache. If opts.SweepInterval is positive a background sweep
// evicts stale conversations until Destroy is called.
func New(opts Options, logger *zap.Logger) *Cache {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		opts:    opts,
		entries: make(map[string]*entry),
		lru:     list.New(),
		logger:  logger,
		stop:    make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop(opts.SweepInterval)
	}
	return c
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache sweep evicted conversations", zap.Int("count", n))
			}
		case <-c.stop:
			return
		}
	}
}

// Destroy stops the sweep and drops every conversation.
func (c *Cache) Destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	c.entries = make(map[string]*entry)
	c.lru.Init()
	c.mu.Unlock()
	c.wg.Wait()
}

// Get returns an ordered copy of the conversation's messages and marks it
// most recently used. It reports false on a miss or an expired entry.
func (c *Cache) Get(conversationID string) ([]model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(conversationID)
	if e == nil {
		return nil, false
	}
	c.touch(e)
	return copyMessages(e.messages), true
}

// Peek is like Get but leaves recency untouched.
func (c *Cache) Peek(conversationID string) ([]model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(conversationID)
	if e == nil {
		return nil, false
	}
	return copyMessages(e.messages), true
}

// Set replaces the conversation's messages. Duplicate ids keep their last
// occurrence; the result is sorted by CreatedAt and truncated to the newest
// MaxMessages.
func (c *Cache) Set(conversationID string, msgs []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(conversationID, c.normalize(copyMessages(msgs)))
}

// AddMessages merges msgs into the conversation. With overwrite, an incoming
// message replaces a cached one with the same id; without it the cached copy
// is kept. Missing conversations are created.
func (c *Cache) AddMessages(conversationID string, msgs []model.Message, overwrite bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var existing []model.Message
	if e := c.lookup(conversationID); e != nil {
		existing = e.messages
	}
	incoming := copyMessages(msgs)

	merged := make([]model.Message, 0, len(existing)+len(incoming))
	if overwrite {
		merged = append(append(merged, existing...), incoming...)
	} else {
		merged = append(append(merged, incoming...), existing...)
	}
	c.store(conversationID, c.normalize(merged))
}

// RemoveMessage deletes one message. It reports whether it was present.
func (c *Cache) RemoveMessage(conversationID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(conversationID)
	if e == nil {
		return false
	}
	for i := range e.messages {
		if e.messages[i].ID == messageID {
			e.messages = append(e.messages[:i:i], e.messages[i+1:]...)
			c.touch(e)
			return true
		}
	}
	return false
}

// ReplaceMessage swaps the message stored under oldID for msg, typically an
// optimistic placeholder for its server-confirmed copy. Any other cached copy
// of msg.ID is dropped.
func (c *Cache) ReplaceMessage(conversationID, oldID string, msg model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(conversationID)
	if e == nil {
		return false
	}
	found := false
	kept := e.messages[:0:0]
	for _, m := range e.messages {
		switch {
		case m.ID == oldID:
			found = true
		case m.ID == msg.ID:
		default:
			kept = append(kept, m)
		}
	}
	if !found {
		return false
	}
	kept = append(kept, msg.Clone())
	c.store(conversationID, c.normalize(kept))
	return true
}

// UpdateMessage patches the message with the given id wherever it is cached
// and returns the conversation it belongs to. Messages are re-sorted only
// when the patch moves CreatedAt.
func (c *Cache) UpdateMessage(messageID string, p Patch) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	for id, e := range c.entries {
		if c.expired(e, now) {
			continue
		}
		for i := range e.messages {
			if e.messages[i].ID != messageID {
				continue
			}
			if p.apply(&e.messages[i]) {
				model.SortByCreatedAt(e.messages)
			}
			c.touch(e)
			return id, true
		}
	}
	return "", false
}

// Find returns a copy of the message with the given id and its conversation.
func (c *Cache) Find(messageID string) (model.Message, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	for id, e := range c.entries {
		if c.expired(e, now) {
			continue
		}
		for _, m := range e.messages {
			if m.ID == messageID {
				return m.Clone(), id, true
			}
		}
	}
	return model.Message{}, "", false
}

// Remove drops a whole conversation.
func (c *Cache) Remove(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conversationID]
	if !ok {
		return false
	}
	c.evict(e)
	return true
}

// Sweep evicts every conversation untouched for longer than MaxAge and
// returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	n := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if c.expired(e, now) {
			c.evict(e)
			n++
		}
		el = prev
	}
	return n
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Conversations lists cached conversation ids, most recently used first.
func (c *Cache) Conversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*entry).conversationID)
	}
	return ids
}

// lookup returns the live entry for id, evicting it if it has expired.
func (c *Cache) lookup(id string) *entry {
	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	if c.expired(e, c.opts.Now()) {
		c.evict(e)
		return nil
	}
	return e
}

func (c *Cache) store(id string, msgs []model.Message) {
	if e, ok := c.entries[id]; ok {
		e.messages = msgs
		c.touch(e)
		return
	}
	for len(c.entries) >= c.opts.MaxConversations {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*entry)
		c.logger.Debug("cache evicting conversation", zap.String("conversation_id", victim.conversationID))
		c.evict(victim)
	}
	e := &entry{conversationID: id, messages: msgs, lastTouched: c.opts.Now()}
	e.elem = c.lru.PushFront(e)
	c.entries[id] = e
}

func (c *Cache) touch(e *entry) {
	e.lastTouched = c.opts.Now()
	c.lru.MoveToFront(e.elem)
}

func (c *Cache) evict(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.conversationID)
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.lastTouched) > c.opts.MaxAge
}

func (c *Cache) normalize(msgs []model.Message) []model.Message {
	msgs = model.DedupByID(msgs)
	model.SortByCreatedAt(msgs)
	if len(msgs) > c.opts.MaxMessages {
		msgs = append([]model.Message(nil), msgs[len(msgs)-c.opts.MaxMessages:]...)
	}
	return msgs
}

func copyMessages(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
