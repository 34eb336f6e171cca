package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skeinhq/skein/internal/instruction"
	"github.com/skeinhq/skein/internal/logging"
	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/store"
	"github.com/skeinhq/skein/internal/wire"
)

// configInstance hosts one node-configuration document. It is the
// single-document cousin of graphInstance: same roster, history and
// undo machinery, but edits target the document root and flushes write
// the whole document back.
type configInstance struct {
	key string

	mu     sync.Mutex
	doc    model.Element
	roster roster
	alloc  *idAllocator

	history []historyMessage
	undo    []model.HistoryEntry
	dirty   bool

	autoSave     bool
	lastSaveTime int64
	retired      bool

	histLimit int
	logger    *logging.Logger
}

func loadConfigInstance(ctx context.Context, st store.Store, key string, autoSave bool, histLimit int) (*configInstance, error) {
	doc, err := st.NodeConfigs().Get(ctx, key)
	if err != nil {
		return nil, err
	}
	in := &configInstance{
		key:       key,
		doc:       doc,
		roster:    newRoster(),
		alloc:     newIDAllocator(),
		autoSave:  autoSave,
		histLimit: histLimit,
		logger:    logging.GetLogger("session.instance").WithField("nodeConfig", key),
	}
	in.alloc.observeValue(map[string]any(doc))
	return in, nil
}

func (in *configInstance) isRetired() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.retired
}

func (in *configInstance) register(msg *wire.RegisterNodeConfig, conn Conn, now time.Time) ([]json.RawMessage, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.retired {
		return nil, errRetired
	}
	in.roster.upsert(msg.UserID, msg.UserName, conn, "", now)
	return messagesSince(in.history, msg.FromTimestamp), nil
}

func (in *configInstance) removeUser(userID string, conn Conn) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.roster.remove(userID, conn)
}

func (in *configInstance) touchUser(userID string, now time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.roster.touch(userID, now)
}

func (in *configInstance) userCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.roster.count()
}

func (in *configInstance) fanOut(msg []byte, exceptUserID string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.roster.fanOut(msg, nil, exceptUserID)
}

// applyBatch edits the configuration document through a working copy,
// committing only when every instruction succeeds.
func (in *configInstance) applyBatch(msg *wire.ApplyToNodeConfig, userID string, now int64) (*applyResult, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.retired {
		return nil, errRetired
	}

	working := in.doc
	inverses := make([]wire.InstructionItem, 0, len(msg.Instructions))

	for i := range msg.Instructions {
		item := &msg.Instructions[i]

		if item.ApplyUniqIdentifier && instruction.NeedsStamping(item.I.Value) {
			stamped, err := in.stampValue(item.I.Value)
			if err != nil {
				return nil, err
			}
			item.I.Value = stamped
		}

		inv, err := instruction.Inverse(map[string]any(working), item.I)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		next, err := instruction.Apply(map[string]any(working), item.I, instruction.IdentifierGuard(item.TargetedIdentifier))
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		working = model.Element(next)
		inverses = append(inverses, wire.InstructionItem{I: inv})
	}

	in.doc = working
	in.dirty = true

	fanout := marshalApply(wire.TypeApplyToNodeConfig, msg.Instructions)
	in.history = appendHistory(in.history, historyMessage{time: now, raw: fanout}, in.histLimit)

	// Undo application order is the reverse of arrival order.
	reversed := make([]wire.InstructionItem, len(inverses))
	for i, item := range inverses {
		reversed[len(inverses)-1-i] = item
	}
	payload, err := json.Marshal(map[string]any{"instructions": reversed})
	if err == nil {
		in.undo = append(in.undo, model.HistoryEntry{
			Op:        wire.TypeApplyToNodeConfig,
			UserID:    userID,
			Payload:   payload,
			Timestamp: now,
		})
	}

	return &applyResult{fanout: fanout}, nil
}

func (in *configInstance) stampValue(v any) (any, error) {
	var allocErr error
	stamped := instruction.StampIdentifiers(v, func() string {
		key, err := in.alloc.allocate()
		if err != nil && allocErr == nil {
			allocErr = err
		}
		return key
	})
	if allocErr != nil {
		return nil, fmt.Errorf("identifier allocation failed: %w", allocErr)
	}
	return stamped, nil
}

func (in *configInstance) allocateIDs(n int) ([]string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if n < 1 {
		n = 1
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := in.alloc.allocate()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (in *configInstance) setAutoSave(enabled bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.autoSave = enabled
}

func (in *configInstance) saveStatus() wire.SaveStatus {
	in.mu.Lock()
	defer in.mu.Unlock()
	return wire.NewSaveStatus(in.lastSaveTime, in.dirty || len(in.undo) > 0, in.autoSave)
}

func (in *configInstance) evictDead(now time.Time, staleAfter time.Duration) ([]string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	dropped := in.roster.evict(now, staleAfter)
	return dropped, in.roster.count() == 0
}

func (in *configInstance) tryRetire() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.roster.count() > 0 || in.retired {
		return false
	}
	in.retired = true
	return true
}

func (in *configInstance) abandon() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.retired = true
	closed := 0
	for id, u := range in.roster.users {
		if u.conn != nil {
			u.conn.Close()
		}
		delete(in.roster.users, id)
		closed++
	}
	if in.dirty || len(in.undo) > 0 {
		in.logger.Warn("Abandoning instance with unsaved changes")
	}
	return closed
}

// flush writes the document back and appends the undo log. The dirty
// flag and undo queue are restored on failure so the next tick retries.
func (in *configInstance) flush(ctx context.Context, st store.Store, now int64, force bool) (bool, error) {
	in.mu.Lock()
	if !force && !in.autoSave {
		in.mu.Unlock()
		return false, nil
	}
	if !in.dirty && len(in.undo) == 0 {
		in.mu.Unlock()
		return false, nil
	}
	doc := in.doc
	wasDirty := in.dirty
	in.dirty = false
	undo := in.undo
	in.undo = nil
	in.mu.Unlock()

	err := in.writeFlush(ctx, st, doc, wasDirty, undo, now)

	in.mu.Lock()
	defer in.mu.Unlock()
	if err != nil {
		in.dirty = in.dirty || wasDirty
		in.undo = append(undo, in.undo...)
		return false, err
	}
	in.lastSaveTime = now
	return true, nil
}

func (in *configInstance) writeFlush(ctx context.Context, st store.Store, doc model.Element, dirty bool, undo []model.HistoryEntry, now int64) error {
	if dirty {
		if err := st.NodeConfigs().Put(ctx, in.key, doc); err != nil {
			return fmt.Errorf("put node config: %w", err)
		}
	}
	if len(undo) > 0 {
		rec := &model.HistoryRecord{
			Key:         fmt.Sprintf("%d-%s", now, uuid.NewString()),
			InstanceKey: model.InstanceKey(model.KindNodeConfig, in.key),
			Entries:     undo,
			CreatedAt:   now,
		}
		if err := st.History().Append(ctx, rec); err != nil {
			return fmt.Errorf("append history record: %w", err)
		}
	}
	return nil
}
