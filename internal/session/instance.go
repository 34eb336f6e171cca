package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skeinhq/skein/internal/instruction"
	"github.com/skeinhq/skein/internal/logging"
	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/store"
	"github.com/skeinhq/skein/internal/wire"
)

// errRetired marks an instance that was evicted between lookup and use.
// The dispatcher reloads and retries.
var errRetired = errors.New("instance retired")

// graphInstance is the live state of one graph hosted on this peer. All
// field access happens under mu; flush I/O runs outside it against
// copies captured at entry, so concurrent edits land in the next diff.
type graphInstance struct {
	key string

	mu     sync.Mutex
	graph  *model.Graph
	sheets map[string]*sheetState
	roster roster
	alloc  *idAllocator

	undo []model.HistoryEntry

	// sheetsDirty and pendingSheetRemovals queue sheet-metadata work
	// whose synchronous store write failed; the flush retries it.
	sheetsDirty          bool
	pendingSheetRemovals []string

	autoSave     bool
	lastSaveTime int64
	retired      bool

	histLimit int
	logger    *logging.Logger
}

// loadGraphInstance fetches a graph and its elements and builds the
// live maps grouped by sheet. Edges with a missing endpoint are kept
// out of the live maps but left in the snapshot, so the first flush
// purges them from the store; the returned count tells the caller to
// force that flush.
func loadGraphInstance(ctx context.Context, st store.Store, graphKey string, autoSave bool, histLimit int) (*graphInstance, int, error) {
	g, err := st.Graphs().Get(ctx, graphKey)
	if err != nil {
		return nil, 0, err
	}
	nodes, err := st.Nodes().ListByGraph(ctx, graphKey)
	if err != nil {
		return nil, 0, err
	}
	edges, err := st.Edges().ListByGraph(ctx, graphKey)
	if err != nil {
		return nil, 0, err
	}

	in := &graphInstance{
		key:       graphKey,
		graph:     g,
		sheets:    make(map[string]*sheetState),
		roster:    newRoster(),
		alloc:     newIDAllocator(),
		autoSave:  autoSave,
		histLimit: histLimit,
		logger:    logging.GetLogger("session.instance").WithField("graph", graphKey),
	}
	for id := range g.Sheets {
		in.sheets[id] = newSheetState()
	}

	for _, n := range nodes {
		sheet := in.sheetFor(n.Sheet())
		sheet.nodes[n.Key()] = n
		in.alloc.observe(n.Key())
		in.alloc.observeValue(n["data"])
	}

	dropped := 0
	for _, e := range edges {
		sheet := in.sheetFor(e.Sheet())
		in.alloc.observe(e.Key())
		_, srcOK := sheet.nodes[e.Source()]
		_, dstOK := sheet.nodes[e.Target()]
		if !srcOK || !dstOK {
			// Snapshot-only, so the diff emits a store delete.
			sheet.origEdges[e.Key()] = e
			sheet.dirty = true
			dropped++
			in.logger.Warn("Dropping edge %s on sheet %s: missing endpoint", e.Key(), e.Sheet())
			continue
		}
		sheet.edges[e.Key()] = e
		sheet.indexEdge(e)
	}

	for _, sheet := range in.sheets {
		for k, v := range sheet.nodes {
			sheet.origNodes[k] = v
		}
		for k, v := range sheet.edges {
			sheet.origEdges[k] = v
		}
	}
	return in, dropped, nil
}

// sheetFor returns the sheet state, creating it for elements that name
// a sheet absent from the sheet list.
func (in *graphInstance) sheetFor(id string) *sheetState {
	sheet := in.sheets[id]
	if sheet == nil {
		sheet = newSheetState()
		in.sheets[id] = sheet
	}
	return sheet
}

func (in *graphInstance) isRetired() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.retired
}

// register adds or refreshes a user and returns the catch-up backlog
// for the requested sheet.
func (in *graphInstance) register(msg *wire.RegisterGraph, conn Conn, now time.Time) ([]json.RawMessage, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.retired {
		return nil, errRetired
	}
	sheet, ok := in.sheets[msg.SheetID]
	if !ok {
		return nil, fmt.Errorf("graph %s has no sheet %s", in.key, msg.SheetID)
	}
	in.roster.upsert(msg.UserID, msg.UserName, conn, msg.SheetID, now)
	return messagesSince(sheet.history, msg.FromTimestamp), nil
}

func (in *graphInstance) removeUser(userID string, conn Conn) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.roster.remove(userID, conn)
}

func (in *graphInstance) touchUser(userID string, now time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.roster.touch(userID, now)
}

func (in *graphInstance) userCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.roster.count()
}

// fanOut delivers msg to the users of the named sheets (nil for all),
// skipping the originator.
func (in *graphInstance) fanOut(msg []byte, sheetIDs []string, exceptUserID string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.roster.fanOut(msg, sheetIDs, exceptUserID)
}

// targetRef identifies one element a batch touches.
type targetRef struct {
	sheetID string
	edge    bool
	key     string
}

// applyResult reports a committed batch: the bytes to fan out and
// retain for catch-up, and the sheets it touched.
type applyResult struct {
	fanout   []byte
	sheetIDs []string
}

// applyBatch runs an instruction batch against working copies and
// commits all-or-nothing. Inverses are computed against the pre-images
// before anything is applied and queued for the undo log.
func (in *graphInstance) applyBatch(msg *wire.ApplyToGraph, userID string, now int64) (*applyResult, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.retired {
		return nil, errRetired
	}

	// Every target must exist before anything is touched.
	for i, item := range msg.Instructions {
		sheet, ok := in.sheets[item.SheetID]
		if !ok {
			return nil, fmt.Errorf("instruction %d: no such sheet %s", i, item.SheetID)
		}
		if item.NodeID != "" {
			if _, ok := sheet.nodes[item.NodeID]; !ok {
				return nil, fmt.Errorf("instruction %d: node %s not found on sheet %s", i, item.NodeID, item.SheetID)
			}
		} else {
			if _, ok := sheet.edges[item.EdgeID]; !ok {
				return nil, fmt.Errorf("instruction %d: edge %s not found on sheet %s", i, item.EdgeID, item.SheetID)
			}
		}
	}

	working := make(map[targetRef]model.Element)
	inverses := make([]wire.InstructionItem, 0, len(msg.Instructions))

	for i := range msg.Instructions {
		item := &msg.Instructions[i]
		key := item.NodeID
		if key == "" {
			key = item.EdgeID
		}
		ref := targetRef{sheetID: item.SheetID, edge: item.EdgeID != "", key: key}
		obj, started := working[ref]
		if !started {
			sheet := in.sheets[ref.sheetID]
			if ref.edge {
				obj = sheet.edges[ref.key]
			} else {
				obj = sheet.nodes[ref.key]
			}
		}

		if item.ApplyUniqIdentifier && instruction.NeedsStamping(item.I.Value) {
			stamped, err := in.stampValue(item.I.Value)
			if err != nil {
				return nil, err
			}
			// The stamped value replaces the client's placeholder in the
			// message itself, so history and fan-out carry the final ids.
			item.I.Value = stamped
		}

		inv, err := instruction.Inverse(map[string]any(obj), item.I)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		next, err := instruction.Apply(map[string]any(obj), item.I, instruction.IdentifierGuard(item.TargetedIdentifier))
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		updated := model.Element(next)
		if updated.Key() != ref.key {
			return nil, fmt.Errorf("instruction %d: element keys are immutable", i)
		}
		if item.SheetID != updated.Sheet() && updated.Sheet() != "" {
			return nil, fmt.Errorf("instruction %d: elements cannot move between sheets", i)
		}
		working[ref] = updated
		inverses = append(inverses, wire.InstructionItem{
			SheetID: item.SheetID,
			NodeID:  item.NodeID,
			EdgeID:  item.EdgeID,
			I:       inv,
		})
	}

	// Commit: replace elements, refresh the edge index.
	for ref, obj := range working {
		sheet := in.sheets[ref.sheetID]
		if ref.edge {
			sheet.unindexEdge(sheet.edges[ref.key])
			sheet.edges[ref.key] = obj
			sheet.indexEdge(obj)
		} else {
			sheet.nodes[ref.key] = obj
		}
		sheet.dirty = true
	}

	affected := affectedSheets(working)
	fanout := marshalApply(wire.TypeApplyToGraph, msg.Instructions)
	for _, sid := range affected {
		sheet := in.sheets[sid]
		sheet.history = appendHistory(sheet.history, historyMessage{time: now, raw: fanout}, in.histLimit)
	}
	in.queueInverseEntries(wire.TypeApplyToGraph, userID, inverses, now)

	return &applyResult{fanout: fanout, sheetIDs: affected}, nil
}

// stampValue assigns fresh ids to every "identifier" field in an
// inserted subtree.
func (in *graphInstance) stampValue(v any) (any, error) {
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

// queueInverseEntries records the batch's inverses grouped by sheet and
// element class, reversed into undo application order.
func (in *graphInstance) queueInverseEntries(op, userID string, inverses []wire.InstructionItem, now int64) {
	type group struct {
		sheetID string
		edge    bool
	}
	grouped := make(map[group][]wire.InstructionItem)
	var order []group
	for i := len(inverses) - 1; i >= 0; i-- {
		item := inverses[i]
		g := group{sheetID: item.SheetID, edge: item.EdgeID != ""}
		if _, ok := grouped[g]; !ok {
			order = append(order, g)
		}
		grouped[g] = append(grouped[g], item)
	}
	for _, g := range order {
		payload, err := json.Marshal(map[string]any{"instructions": grouped[g]})
		if err != nil {
			continue
		}
		in.undo = append(in.undo, model.HistoryEntry{
			Op:        op,
			SheetID:   g.sheetID,
			UserID:    userID,
			Payload:   payload,
			Timestamp: now,
		})
	}
}

func affectedSheets(working map[targetRef]model.Element) []string {
	seen := make(map[string]struct{})
	for ref := range working {
		seen[ref.sheetID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sid := range seen {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

func marshalApply(msgType string, items []wire.InstructionItem) []byte {
	out, err := json.Marshal(struct {
		Type         string                 `json:"type"`
		Instructions []wire.InstructionItem `json:"instructions"`
	}{msgType, items})
	if err != nil {
		return nil
	}
	return out
}

// batchCreate atomically adds the batch to one sheet. Keys must be
// globally fresh; edges may reference nodes created by the same batch.
func (in *graphInstance) batchCreate(msg *wire.BatchCreate, userID string, raw []byte, now int64) (*applyResult, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.retired {
		return nil, errRetired
	}
	sheet, ok := in.sheets[msg.SheetID]
	if !ok {
		return nil, fmt.Errorf("no such sheet %s", msg.SheetID)
	}

	batchKeys := make(map[string]struct{}, len(msg.Nodes)+len(msg.Edges))
	check := func(el model.Element, kind string) error {
		key := el.Key()
		if gk := el.GraphKey(); gk != "" && gk != in.key {
			return fmt.Errorf("%s %s belongs to graph %s", kind, key, gk)
		}
		if sid := el.Sheet(); sid != "" && sid != msg.SheetID {
			return fmt.Errorf("%s %s names sheet %s, batch targets %s", kind, key, sid, msg.SheetID)
		}
		if _, dup := batchKeys[key]; dup {
			return fmt.Errorf("duplicate key %s in batch", key)
		}
		// The used set covers every key ever loaded or created, so one
		// lookup answers both the map and the historical check.
		if in.alloc.inUse(key) {
			return fmt.Errorf("key %s is already taken", key)
		}
		batchKeys[key] = struct{}{}
		return nil
	}

	batchNodes := make(map[string]struct{}, len(msg.Nodes))
	for _, n := range msg.Nodes {
		if err := check(n, "node"); err != nil {
			return nil, err
		}
		batchNodes[n.Key()] = struct{}{}
	}
	for _, e := range msg.Edges {
		if err := check(e, "edge"); err != nil {
			return nil, err
		}
	}
	for _, e := range msg.Edges {
		for _, endpoint := range []string{e.Source(), e.Target()} {
			if _, inSheet := sheet.nodes[endpoint]; inSheet {
				continue
			}
			if _, inBatch := batchNodes[endpoint]; inBatch {
				continue
			}
			return nil, fmt.Errorf("edge %s references missing node %s", e.Key(), endpoint)
		}
	}

	for _, n := range msg.Nodes {
		el := n.Clone()
		el[model.FieldGraphKey] = in.key
		el["sheetId"] = msg.SheetID
		sheet.nodes[el.Key()] = el
		in.alloc.observe(el.Key())
		in.alloc.observeValue(el["data"])
	}
	for _, e := range msg.Edges {
		el := e.Clone()
		el[model.FieldGraphKey] = in.key
		el["sheetId"] = msg.SheetID
		sheet.edges[el.Key()] = el
		sheet.indexEdge(el)
		in.alloc.observe(el.Key())
	}
	sheet.dirty = true

	fanout := wire.StripCorrelationID(raw)
	sheet.history = appendHistory(sheet.history, historyMessage{time: now, raw: fanout}, in.histLimit)

	nodeKeys := make([]string, 0, len(msg.Nodes))
	for _, n := range msg.Nodes {
		nodeKeys = append(nodeKeys, n.Key())
	}
	edgeKeys := make([]string, 0, len(msg.Edges))
	for _, e := range msg.Edges {
		edgeKeys = append(edgeKeys, e.Key())
	}
	payload, _ := json.Marshal(map[string]any{"nodeKeys": nodeKeys, "edgeKeys": edgeKeys})
	in.undo = append(in.undo, model.HistoryEntry{
		Op:        wire.TypeBatchCreate,
		SheetID:   msg.SheetID,
		UserID:    userID,
		Payload:   payload,
		Timestamp: now,
	})

	return &applyResult{fanout: fanout, sheetIDs: []string{msg.SheetID}}, nil
}

// batchDelete atomically removes the listed elements. Edges go first so
// their index slots clear; deleting a node also cascades to any edge
// still attached to it. Returned workflow keys identify sub-workflows
// whose trees the caller removes from the store.
func (in *graphInstance) batchDelete(msg *wire.BatchDelete, userID string, raw []byte, now int64) (*applyResult, []string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.retired {
		return nil, nil, errRetired
	}
	sheet, ok := in.sheets[msg.SheetID]
	if !ok {
		return nil, nil, fmt.Errorf("no such sheet %s", msg.SheetID)
	}

	for _, k := range msg.EdgeKeys {
		if _, ok := sheet.edges[k]; !ok {
			return nil, nil, fmt.Errorf("edge %s not found on sheet %s", k, msg.SheetID)
		}
	}
	for _, k := range msg.NodeKeys {
		if _, ok := sheet.nodes[k]; !ok {
			return nil, nil, fmt.Errorf("node %s not found on sheet %s", k, msg.SheetID)
		}
	}

	var archivedNodes, archivedEdges []model.Element
	dropEdge := func(key string) {
		if e, ok := sheet.edges[key]; ok {
			archivedEdges = append(archivedEdges, e)
			sheet.unindexEdge(e)
			delete(sheet.edges, key)
		}
	}

	for _, k := range msg.EdgeKeys {
		dropEdge(k)
	}

	var workflows []string
	for _, k := range msg.NodeKeys {
		n, ok := sheet.nodes[k]
		if !ok {
			continue
		}
		for _, ek := range sheet.attachedEdges(k) {
			dropEdge(ek)
		}
		if wf := n.WorkflowKey(); wf != "" {
			workflows = append(workflows, wf)
		}
		archivedNodes = append(archivedNodes, n)
		delete(sheet.nodes, k)
	}
	sheet.dirty = true

	fanout := wire.StripCorrelationID(raw)
	sheet.history = appendHistory(sheet.history, historyMessage{time: now, raw: fanout}, in.histLimit)

	payload, _ := json.Marshal(map[string]any{"nodes": archivedNodes, "edges": archivedEdges})
	in.undo = append(in.undo, model.HistoryEntry{
		Op:        wire.TypeBatchDelete,
		SheetID:   msg.SheetID,
		UserID:    userID,
		Payload:   payload,
		Timestamp: now,
	})

	return &applyResult{fanout: fanout, sheetIDs: []string{msg.SheetID}}, workflows, nil
}

// allocateIDs reserves n fresh local keys for client-side preview.
func (in *graphInstance) allocateIDs(n int) ([]string, error) {
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

func (in *graphInstance) createSheet(msg *wire.CreateSheet, userID string, raw []byte, now int64) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.retired {
		return errRetired
	}
	if in.graph.Meta.NoMultipleSheet {
		return fmt.Errorf("graph %s does not allow multiple sheets", in.key)
	}
	if in.graph.HasSheet(msg.Key) {
		return fmt.Errorf("sheet %s already exists", msg.Key)
	}

	in.graph.AddSheet(msg.Key, msg.Name)
	in.sheets[msg.Key] = newSheetState()
	in.sheetsDirty = true

	in.recordSheetOp(wire.TypeCreateSheet, userID, raw, now,
		map[string]any{"key": msg.Key, "name": msg.Name})
	return nil
}

func (in *graphInstance) renameSheet(msg *wire.RenameSheet, userID string, raw []byte, now int64) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.retired {
		return errRetired
	}
	previous, ok := in.graph.Sheets[msg.Key]
	if !ok {
		return fmt.Errorf("no such sheet %s", msg.Key)
	}

	in.graph.RenameSheet(msg.Key, msg.Name)
	in.sheetsDirty = true

	in.recordSheetOp(wire.TypeRenameSheet, userID, raw, now,
		map[string]any{"key": msg.Key, "from": previous, "to": msg.Name})
	return nil
}

func (in *graphInstance) deleteSheet(msg *wire.DeleteSheet, userID string, raw []byte, now int64) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.retired {
		return errRetired
	}
	sheet, ok := in.sheets[msg.Key]
	if !ok {
		return fmt.Errorf("no such sheet %s", msg.Key)
	}
	name := in.graph.Sheets[msg.Key]

	// Archive the whole sheet before it disappears.
	archive := map[string]any{
		"key":   msg.Key,
		"name":  name,
		"nodes": elementList(sheet.nodes),
		"edges": elementList(sheet.edges),
	}

	in.graph.RemoveSheet(msg.Key)
	delete(in.sheets, msg.Key)
	in.sheetsDirty = true
	in.pendingSheetRemovals = append(in.pendingSheetRemovals, msg.Key)
	for _, u := range in.roster.users {
		delete(u.sheets, msg.Key)
	}

	in.recordSheetOp(wire.TypeDeleteSheet, userID, raw, now, archive)
	return nil
}

// recordSheetOp appends the message to every remaining sheet's history
// (sheet operations broadcast instance-wide) and queues the undo entry.
func (in *graphInstance) recordSheetOp(op, userID string, raw []byte, now int64, undoPayload map[string]any) {
	fanout := wire.StripCorrelationID(raw)
	for _, sheet := range in.sheets {
		sheet.history = appendHistory(sheet.history, historyMessage{time: now, raw: fanout}, in.histLimit)
	}
	payload, _ := json.Marshal(undoPayload)
	in.undo = append(in.undo, model.HistoryEntry{
		Op:        op,
		UserID:    userID,
		Payload:   payload,
		Timestamp: now,
	})
}

func elementList(m map[string]model.Element) []model.Element {
	out := make([]model.Element, 0, len(m))
	for _, el := range m {
		out = append(out, el)
	}
	sortElements(out)
	return out
}

// persistSheetMetadata writes the sheet list and any queued sheet
// removals straight away. Sheet operations call this after committing
// in memory; on failure the flags stay set and the flush retries.
func (in *graphInstance) persistSheetMetadata(ctx context.Context, st store.Store, now int64) error {
	in.mu.Lock()
	if !in.sheetsDirty && len(in.pendingSheetRemovals) == 0 {
		in.mu.Unlock()
		return nil
	}
	sheetsDirty := in.sheetsDirty
	in.sheetsDirty = false
	removals := in.pendingSheetRemovals
	in.pendingSheetRemovals = nil
	sheets := in.graph.Clone().Sheets
	in.mu.Unlock()

	err := func() error {
		for _, sid := range removals {
			if err := st.Nodes().RemoveBySheet(ctx, in.key, sid); err != nil {
				return fmt.Errorf("remove sheet %s nodes: %w", sid, err)
			}
			if err := st.Edges().RemoveBySheet(ctx, in.key, sid); err != nil {
				return fmt.Errorf("remove sheet %s edges: %w", sid, err)
			}
		}
		if sheetsDirty {
			if err := st.Graphs().UpdateSheets(ctx, in.key, sheets, now); err != nil {
				return fmt.Errorf("update sheet list: %w", err)
			}
		}
		return nil
	}()

	in.mu.Lock()
	defer in.mu.Unlock()
	if err != nil {
		in.sheetsDirty = in.sheetsDirty || sheetsDirty
		in.pendingSheetRemovals = append(removals, in.pendingSheetRemovals...)
		return err
	}
	return nil
}

func (in *graphInstance) setAutoSave(enabled bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.autoSave = enabled
}

// saveStatus snapshots the persistence state for broadcasting.
func (in *graphInstance) saveStatus() wire.SaveStatus {
	in.mu.Lock()
	defer in.mu.Unlock()
	return wire.NewSaveStatus(in.lastSaveTime, in.hasUnsavedLocked(), in.autoSave)
}

func (in *graphInstance) hasUnsavedLocked() bool {
	if in.sheetsDirty || len(in.undo) > 0 || len(in.pendingSheetRemovals) > 0 {
		return true
	}
	for _, sheet := range in.sheets {
		if sheet.dirty {
			return true
		}
	}
	return false
}

// evictDead drops users with dead or silent sockets. The second return
// reports whether the roster emptied.
func (in *graphInstance) evictDead(now time.Time, staleAfter time.Duration) ([]string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	dropped := in.roster.evict(now, staleAfter)
	return dropped, in.roster.count() == 0
}

// tryRetire marks the instance unusable when nobody is registered.
// Callers must have flushed first.
func (in *graphInstance) tryRetire() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.roster.count() > 0 || in.retired {
		return false
	}
	in.retired = true
	return true
}

// abandon force-closes every user socket and marks the instance
// retired. Used when another peer takes ownership: local unsaved state
// is discarded because flushing would overwrite the new owner's writes.
func (in *graphInstance) abandon() int {
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
	if in.hasUnsavedLocked() {
		in.logger.Warn("Abandoning instance with unsaved changes")
	}
	return closed
}

// flush persists everything dirty: per-sheet element diffs, queued
// sheet-metadata work, and the undo log as one history record. It
// returns true when any store write happened. On failure all captured
// work is requeued for the next tick.
func (in *graphInstance) flush(ctx context.Context, st store.Store, now int64, force bool) (bool, error) {
	in.mu.Lock()
	if !force && !in.autoSave {
		in.mu.Unlock()
		return false, nil
	}

	var plans []*sheetFlush
	for sid, sheet := range in.sheets {
		if !sheet.dirty {
			continue
		}
		plan := diffSheet(sid, sheet)
		sheet.dirty = false
		if !plan.empty() {
			plans = append(plans, plan)
		}
	}
	undo := in.undo
	in.undo = nil
	sheetsDirty := in.sheetsDirty
	in.sheetsDirty = false
	removals := in.pendingSheetRemovals
	in.pendingSheetRemovals = nil
	sheets := in.graph.Clone().Sheets
	in.mu.Unlock()

	if len(plans) == 0 && len(undo) == 0 && !sheetsDirty && len(removals) == 0 {
		return false, nil
	}

	err := in.writeFlush(ctx, st, plans, undo, sheets, sheetsDirty, removals, now)

	in.mu.Lock()
	defer in.mu.Unlock()
	if err != nil {
		for _, p := range plans {
			if sheet := in.sheets[p.sheetID]; sheet != nil {
				sheet.dirty = true
			}
		}
		in.undo = append(undo, in.undo...)
		in.sheetsDirty = in.sheetsDirty || sheetsDirty
		in.pendingSheetRemovals = append(removals, in.pendingSheetRemovals...)
		return false, err
	}
	for _, p := range plans {
		if sheet := in.sheets[p.sheetID]; sheet != nil {
			sheet.origNodes = p.snapNodes
			sheet.origEdges = p.snapEdges
		}
	}
	in.lastSaveTime = now
	return true, nil
}

func (in *graphInstance) writeFlush(ctx context.Context, st store.Store, plans []*sheetFlush,
	undo []model.HistoryEntry, sheets map[string]string, sheetsDirty bool, removals []string, now int64) error {

	for _, p := range plans {
		for _, el := range p.createNodes {
			if err := createOrReplace(ctx, st.Nodes(), in.key, el); err != nil {
				return fmt.Errorf("sheet %s: create node %s: %w", p.sheetID, el.Key(), err)
			}
		}
		for _, el := range p.updateNodes {
			if err := replaceOrCreate(ctx, st.Nodes(), in.key, el); err != nil {
				return fmt.Errorf("sheet %s: update node %s: %w", p.sheetID, el.Key(), err)
			}
		}
		for _, el := range p.createEdges {
			if err := createOrReplace(ctx, st.Edges(), in.key, el); err != nil {
				return fmt.Errorf("sheet %s: create edge %s: %w", p.sheetID, el.Key(), err)
			}
		}
		for _, el := range p.updateEdges {
			if err := replaceOrCreate(ctx, st.Edges(), in.key, el); err != nil {
				return fmt.Errorf("sheet %s: update edge %s: %w", p.sheetID, el.Key(), err)
			}
		}
		for _, key := range p.deleteEdges {
			if err := st.Edges().Remove(ctx, in.key, key); err != nil && !store.IsNotFound(err) {
				return fmt.Errorf("sheet %s: delete edge %s: %w", p.sheetID, key, err)
			}
		}
		for _, key := range p.deleteNodes {
			if err := st.Nodes().Remove(ctx, in.key, key); err != nil && !store.IsNotFound(err) {
				return fmt.Errorf("sheet %s: delete node %s: %w", p.sheetID, key, err)
			}
		}
	}

	for _, sid := range removals {
		if err := st.Nodes().RemoveBySheet(ctx, in.key, sid); err != nil {
			return fmt.Errorf("remove sheet %s nodes: %w", sid, err)
		}
		if err := st.Edges().RemoveBySheet(ctx, in.key, sid); err != nil {
			return fmt.Errorf("remove sheet %s edges: %w", sid, err)
		}
	}
	if sheetsDirty {
		if err := st.Graphs().UpdateSheets(ctx, in.key, sheets, now); err != nil {
			return fmt.Errorf("update sheet list: %w", err)
		}
	}

	if len(undo) > 0 {
		rec := &model.HistoryRecord{
			Key:         fmt.Sprintf("%d-%s", now, uuid.NewString()),
			InstanceKey: model.InstanceKey(model.KindGraph, in.key),
			Entries:     undo,
			CreatedAt:   now,
		}
		if err := st.History().Append(ctx, rec); err != nil {
			return fmt.Errorf("append history record: %w", err)
		}
	}

	if err := st.Graphs().Touch(ctx, in.key, now); err != nil {
		return fmt.Errorf("touch graph: %w", err)
	}
	return nil
}

func createOrReplace(ctx context.Context, es store.ElementStore, graphKey string, el model.Element) error {
	err := es.Create(ctx, graphKey, el)
	if errors.Is(err, store.ErrConflict) {
		return es.Replace(ctx, graphKey, el)
	}
	return err
}

func replaceOrCreate(ctx context.Context, es store.ElementStore, graphKey string, el model.Element) error {
	err := es.Replace(ctx, graphKey, el)
	if store.IsNotFound(err) {
		return es.Create(ctx, graphKey, el)
	}
	return err
}
