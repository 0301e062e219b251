package sync

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/matheus3301/spark/internal/kv"
	"github.com/matheus3301/spark/internal/model"
	"go.uber.org/zap"
)

// StateKey is the default store key of the persisted sync state.
const StateKey = "sync_state"

// maxErrors bounds the recorded error history.
const maxErrors = 100

// State is the persisted sync checkpoint.
type State struct {
	Conversations []model.ConversationSyncState `json:"conversations" cbor:"conversations"`
	LastSync      time.Time                     `json:"lastSync" cbor:"last_sync"`
	Conflicts     []Conflict                    `json:"conflicts" cbor:"conflicts"`
	Errors        []model.SyncErrorRecord       `json:"errors" cbor:"errors"`
}

// LoadState reads persisted sync state without starting a manager.
func LoadState(ctx context.Context, store kv.Store, key string) (State, error) {
	if key == "" {
		key = StateKey
	}
	var s State
	err := kv.LoadSnapshot(ctx, store, key, &s)
	return s, err
}

// load restores the checkpoint. A conversation recorded as syncing was cut
// off mid-run and is marked error so the next run picks it up.
func (m *Manager) load(ctx context.Context) {
	var s State
	err := m.snap.Load(ctx, &s)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		m.logger.Debug("no persisted sync state")
		return
	case err != nil:
		m.logger.Warn("discarding unreadable sync state", zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cs := range s.Conversations {
		if cs.ConversationID == "" {
			continue
		}
		if cs.SyncStatus == model.SyncSyncing {
			cs.SyncStatus = model.SyncError
		}
		st := cs
		m.states[cs.ConversationID] = &st
	}
	for _, c := range s.Conflicts {
		m.conflicts[c.MessageID] = c
	}
	m.errors = s.Errors
	m.lastSync = s.LastSync
	m.logger.Info("sync state loaded",
		zap.Int("conversations", len(s.Conversations)),
		zap.Int("conflicts", len(s.Conflicts)),
		zap.Time("last_sync", s.LastSync),
	)
}

func (m *Manager) snapshot() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Conversations: m.statesLocked(),
		LastSync:      m.lastSync,
		Conflicts:     m.conflictsLocked(),
		Errors:        append([]model.SyncErrorRecord(nil), m.errors...),
	}
}

// persist writes the checkpoint. Failures are logged.
func (m *Manager) persist(ctx context.Context) {
	if err := m.snap.Save(ctx, m.snapshot); err != nil {
		m.logger.Error("failed to persist sync state", zap.Error(err))
	}
}

func (m *Manager) statesLocked() []model.ConversationSyncState {
	out := make([]model.ConversationSyncState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

func (m *Manager) conflictsLocked() []Conflict {
	out := make([]Conflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// stateLocked returns the state of id, creating it if needed.
func (m *Manager) stateLocked(id string) *model.ConversationSyncState {
	st, ok := m.states[id]
	if !ok {
		st = &model.ConversationSyncState{ConversationID: id, SyncStatus: model.SyncSynced}
		m.states[id] = st
	}
	return st
}

func (m *Manager) recordErrorLocked(rec model.SyncErrorRecord) {
	m.errors = append(m.errors, rec)
	if n := len(m.errors); n > maxErrors {
		m.errors = append([]model.SyncErrorRecord(nil), m.errors[n-maxErrors:]...)
	}
}
