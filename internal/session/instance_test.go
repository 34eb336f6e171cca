package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinhq/skein/internal/instruction"
	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/store"
	"github.com/skeinhq/skein/internal/store/memstore"
	"github.com/skeinhq/skein/internal/wire"
)

// fakeConn records everything sent to it.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func (c *fakeConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// lastMessage decodes the most recent sent frame.
func (c *fakeConn) lastMessage(t *testing.T) map[string]any {
	t.Helper()
	msgs := c.messages()
	require.NotEmpty(t, msgs)
	var m map[string]any
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &m))
	return m
}

func seedStore(t *testing.T) *memstore.Store {
	t.Helper()
	st := memstore.New()
	ctx := context.Background()
	require.NoError(t, st.Graphs().Put(ctx, &model.Graph{
		Key:    "g1",
		Name:   "Order Flow",
		Sheets: map[string]string{"s1": "Main", "s2": "Detail"},
	}))
	nodes := []model.Element{
		{"key": "n1", "graphKey": "g1", "sheetId": "s1", "type": "task",
			"position": map[string]any{"x": float64(100), "y": float64(80)},
			"data":     map[string]any{"label": "start"}},
		{"key": "n2", "graphKey": "g1", "sheetId": "s1", "type": "task",
			"position": map[string]any{"x": float64(400), "y": float64(80)},
			"data":     map[string]any{"label": "end"}},
		{"key": "n3", "graphKey": "g1", "sheetId": "s2", "type": "workflow",
			"data": map[string]any{"workflowKey": "wf1"}},
	}
	for _, n := range nodes {
		require.NoError(t, st.Nodes().Create(ctx, "g1", n))
	}
	require.NoError(t, st.Edges().Create(ctx, "g1", model.Element{
		"key": "e1", "graphKey": "g1", "sheetId": "s1", "source": "n1", "target": "n2",
	}))
	return st
}

func loadTestInstance(t *testing.T, st *memstore.Store) *graphInstance {
	t.Helper()
	in, dropped, err := loadGraphInstance(context.Background(), st, "g1", true, 100)
	require.NoError(t, err)
	require.Zero(t, dropped)
	return in
}

func registerTestUser(t *testing.T, in *graphInstance, userID, sheetID string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	_, err := in.register(&wire.RegisterGraph{
		GraphKey: in.key, SheetID: sheetID, UserID: userID, UserName: userID,
	}, conn, time.Now())
	require.NoError(t, err)
	return conn
}

func TestLoadGraphInstance(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))

	require.Contains(t, in.sheets, "s1")
	require.Contains(t, in.sheets, "s2")
	assert.Len(t, in.sheets["s1"].nodes, 2)
	assert.Len(t, in.sheets["s1"].edges, 1)
	assert.Len(t, in.sheets["s2"].nodes, 1)
	assert.Equal(t, []string{"e1"}, in.sheets["s1"].attachedEdges("n1"))

	assert.True(t, in.alloc.inUse("n1"))
	assert.True(t, in.alloc.inUse("e1"))
	assert.False(t, in.sheets["s1"].dirty)
}

func TestLoadGraphInstanceMissing(t *testing.T) {
	st := memstore.New()
	_, _, err := loadGraphInstance(context.Background(), st, "nope", true, 100)
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestLoadPurgesDanglingEdges(t *testing.T) {
	st := seedStore(t)
	ctx := context.Background()
	require.NoError(t, st.Edges().Create(ctx, "g1", model.Element{
		"key": "e9", "graphKey": "g1", "sheetId": "s1", "source": "n1", "target": "nx",
	}))

	in, dropped, err := loadGraphInstance(ctx, st, "g1", true, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	sheet := in.sheets["s1"]
	assert.NotContains(t, sheet.edges, "e9")
	assert.Contains(t, sheet.origEdges, "e9")
	assert.True(t, sheet.dirty)

	changed, err := in.flush(ctx, st, 1000, true)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = st.Edges().Get(ctx, "g1", "e9")
	assert.True(t, store.IsNotFound(err))
	_, err = st.Edges().Get(ctx, "g1", "e1")
	assert.NoError(t, err)
}

func TestRegisterAndBacklog(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))

	conn1 := newFakeConn()
	backlog, err := in.register(&wire.RegisterGraph{
		GraphKey: "g1", SheetID: "s1", UserID: "u1", UserName: "Ada",
	}, conn1, time.Now())
	require.NoError(t, err)
	assert.Empty(t, backlog)

	_, err = in.register(&wire.RegisterGraph{
		GraphKey: "g1", SheetID: "nope", UserID: "u2",
	}, newFakeConn(), time.Now())
	require.Error(t, err)

	msg := &wire.ApplyToGraph{Instructions: []wire.InstructionItem{{
		SheetID: "s1", NodeID: "n1",
		I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"position", "x"}, Value: float64(250)},
	}}}
	_, err = in.applyBatch(msg, "u1", 500)
	require.NoError(t, err)

	backlog, err = in.register(&wire.RegisterGraph{
		GraphKey: "g1", SheetID: "s1", UserID: "u2", FromTimestamp: 0,
	}, newFakeConn(), time.Now())
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Contains(t, string(backlog[0]), wire.TypeApplyToGraph)

	backlog, err = in.register(&wire.RegisterGraph{
		GraphKey: "g1", SheetID: "s1", UserID: "u3", FromTimestamp: 600,
	}, newFakeConn(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestApplyBatch(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))

	msg := &wire.ApplyToGraph{Instructions: []wire.InstructionItem{{
		SheetID: "s1", NodeID: "n1",
		I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"position", "x"}, Value: float64(250)},
	}}}
	res, err := in.applyBatch(msg, "u1", 1000)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, res.sheetIDs)

	sheet := in.sheets["s1"]
	pos := sheet.nodes["n1"]["position"].(map[string]any)
	assert.Equal(t, float64(250), pos["x"])
	assert.True(t, sheet.dirty)

	// The snapshot keeps the pre-image for the next diff.
	origPos := sheet.origNodes["n1"]["position"].(map[string]any)
	assert.Equal(t, float64(100), origPos["x"])

	var fan map[string]any
	require.NoError(t, json.Unmarshal(res.fanout, &fan))
	assert.Equal(t, wire.TypeApplyToGraph, fan["type"])
	assert.NotContains(t, fan, "_id")

	require.Len(t, sheet.history, 1)
	assert.EqualValues(t, 1000, sheet.history[0].time)

	require.Len(t, in.undo, 1)
	assert.Equal(t, wire.TypeApplyToGraph, in.undo[0].Op)
	assert.Equal(t, "s1", in.undo[0].SheetID)
	assert.Equal(t, "u1", in.undo[0].UserID)
	var p struct {
		Instructions []wire.InstructionItem `json:"instructions"`
	}
	require.NoError(t, json.Unmarshal(in.undo[0].Payload, &p))
	require.Len(t, p.Instructions, 1)
	assert.Equal(t, instruction.OpSet, p.Instructions[0].I.Op)
	assert.Equal(t, float64(100), p.Instructions[0].I.Value)
}

func TestApplyBatchAllOrNothing(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))

	msg := &wire.ApplyToGraph{Instructions: []wire.InstructionItem{
		{SheetID: "s1", NodeID: "n1",
			I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"position", "x"}, Value: float64(1)}},
		{SheetID: "s1", NodeID: "n2",
			I: instruction.Instruction{Op: instruction.OpDelete, Path: []string{"missing", "deep"}}},
	}}
	_, err := in.applyBatch(msg, "u1", 1000)
	require.Error(t, err)

	sheet := in.sheets["s1"]
	pos := sheet.nodes["n1"]["position"].(map[string]any)
	assert.Equal(t, float64(100), pos["x"], "first instruction must not leak")
	assert.False(t, sheet.dirty)
	assert.Empty(t, in.undo)
	assert.Empty(t, sheet.history)
}

func TestApplyBatchRejectsUnknownTarget(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))

	cases := []wire.InstructionItem{
		{SheetID: "nope", NodeID: "n1",
			I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"type"}, Value: "x"}},
		{SheetID: "s1", NodeID: "zz",
			I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"type"}, Value: "x"}},
		{SheetID: "s1", EdgeID: "zz",
			I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"type"}, Value: "x"}},
	}
	for _, item := range cases {
		_, err := in.applyBatch(&wire.ApplyToGraph{Instructions: []wire.InstructionItem{item}}, "u1", 1000)
		require.Error(t, err)
	}
}

func TestApplyBatchProtectsKeyAndSheet(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))

	_, err := in.applyBatch(&wire.ApplyToGraph{Instructions: []wire.InstructionItem{{
		SheetID: "s1", NodeID: "n1",
		I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"key"}, Value: "hijack"},
	}}}, "u1", 1000)
	require.ErrorContains(t, err, "immutable")

	_, err = in.applyBatch(&wire.ApplyToGraph{Instructions: []wire.InstructionItem{{
		SheetID: "s1", NodeID: "n1",
		I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"sheetId"}, Value: "s2"},
	}}}, "u1", 1000)
	require.ErrorContains(t, err, "sheets")
}

func TestApplyBatchGuard(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))

	_, err := in.applyBatch(&wire.ApplyToGraph{Instructions: []wire.InstructionItem{{
		SheetID: "s1", NodeID: "n1", TargetedIdentifier: "other",
		I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"position", "x"}, Value: float64(1)},
	}}}, "u1", 1000)
	require.ErrorIs(t, err, instruction.ErrGuardMismatch)

	pos := in.sheets["s1"].nodes["n1"]["position"].(map[string]any)
	assert.Equal(t, float64(100), pos["x"])
}

func TestApplyBatchStampsIdentifiers(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))

	msg := &wire.ApplyToGraph{Instructions: []wire.InstructionItem{{
		SheetID: "s1", NodeID: "n1", ApplyUniqIdentifier: true,
		I: instruction.Instruction{
			Op:   instruction.OpSet,
			Path: []string{"data", "pasted"},
			Value: map[string]any{
				"identifier": "n1",
				"children":   []any{map[string]any{"identifier": "n1"}},
			},
		},
	}}}
	res, err := in.applyBatch(msg, "u1", 1000)
	require.NoError(t, err)

	// The stamped value replaces the placeholder in the message itself.
	stamped, ok := msg.Instructions[0].I.Value.(map[string]any)
	require.True(t, ok)
	outer := stamped["identifier"].(string)
	child := stamped["children"].([]any)[0].(map[string]any)["identifier"].(string)
	assert.NotEqual(t, "n1", outer)
	assert.NotEqual(t, "n1", child)
	assert.NotEqual(t, outer, child)
	assert.True(t, in.alloc.inUse(outer))

	// Fan-out and the working copy both carry the final ids.
	assert.Contains(t, string(res.fanout), outer)
	applied := in.sheets["s1"].nodes["n1"]["data"].(map[string]any)["pasted"].(map[string]any)
	assert.Equal(t, outer, applied["identifier"])
}

func TestApplyBatchTwoEditsOneElement(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))

	msg := &wire.ApplyToGraph{Instructions: []wire.InstructionItem{
		{SheetID: "s1", NodeID: "n1",
			I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"position", "x"}, Value: float64(1)}},
		{SheetID: "s1", NodeID: "n1",
			I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"position", "x"}, Value: float64(2)}},
	}}
	_, err := in.applyBatch(msg, "u1", 1000)
	require.NoError(t, err)

	pos := in.sheets["s1"].nodes["n1"]["position"].(map[string]any)
	assert.Equal(t, float64(2), pos["x"])

	// The second inverse restores what the first instruction wrote, the
	// first restores the original; together they rewind in order.
	require.Len(t, in.undo, 1)
	var p struct {
		Instructions []wire.InstructionItem `json:"instructions"`
	}
	require.NoError(t, json.Unmarshal(in.undo[0].Payload, &p))
	require.Len(t, p.Instructions, 2)
	assert.Equal(t, float64(1), p.Instructions[0].I.Value)
	assert.Equal(t, float64(100), p.Instructions[1].I.Value)
}

func TestBatchCreate(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))
	raw := []byte(`{"type":"batchCreateElements","_id":"42","sheetId":"s1","nodes":[{"key":"x1","type":"task"}],"edges":[{"key":"x2","source":"x1","target":"n1"}]}`)

	msg := &wire.BatchCreate{
		SheetID: "s1",
		Nodes:   []model.Element{{"key": "x1", "type": "task"}},
		Edges:   []model.Element{{"key": "x2", "source": "x1", "target": "n1"}},
	}
	res, err := in.batchCreate(msg, "u1", raw, 1000)
	require.NoError(t, err)

	sheet := in.sheets["s1"]
	node := sheet.nodes["x1"]
	require.NotNil(t, node)
	assert.Equal(t, "g1", node.GraphKey())
	assert.Equal(t, "s1", node.Sheet())
	assert.Contains(t, sheet.edges, "x2")
	assert.Equal(t, []string{"x2"}, sheet.attachedEdges("x1"))
	assert.True(t, sheet.dirty)
	assert.True(t, in.alloc.inUse("x1"))

	assert.NotContains(t, string(res.fanout), "_id")
	require.Len(t, sheet.history, 1)

	require.Len(t, in.undo, 1)
	var p struct {
		NodeKeys []string `json:"nodeKeys"`
		EdgeKeys []string `json:"edgeKeys"`
	}
	require.NoError(t, json.Unmarshal(in.undo[0].Payload, &p))
	assert.Equal(t, []string{"x1"}, p.NodeKeys)
	assert.Equal(t, []string{"x2"}, p.EdgeKeys)
}

func TestBatchCreateValidation(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))
	raw := []byte(`{"type":"batchCreateElements"}`)

	t.Run("unknown sheet", func(t *testing.T) {
		_, err := in.batchCreate(&wire.BatchCreate{
			SheetID: "nope", Nodes: []model.Element{{"key": "x1"}},
		}, "u1", raw, 1000)
		require.Error(t, err)
	})

	t.Run("taken key", func(t *testing.T) {
		_, err := in.batchCreate(&wire.BatchCreate{
			SheetID: "s1", Nodes: []model.Element{{"key": "n1"}},
		}, "u1", raw, 1000)
		require.ErrorContains(t, err, "taken")
	})

	t.Run("duplicate in batch", func(t *testing.T) {
		_, err := in.batchCreate(&wire.BatchCreate{
			SheetID: "s1", Nodes: []model.Element{{"key": "y1"}, {"key": "y1"}},
		}, "u1", raw, 1000)
		require.ErrorContains(t, err, "duplicate")
	})

	t.Run("foreign graph key", func(t *testing.T) {
		_, err := in.batchCreate(&wire.BatchCreate{
			SheetID: "s1", Nodes: []model.Element{{"key": "y2", "graphKey": "other"}},
		}, "u1", raw, 1000)
		require.ErrorContains(t, err, "belongs to graph")
	})

	t.Run("foreign sheet on element", func(t *testing.T) {
		_, err := in.batchCreate(&wire.BatchCreate{
			SheetID: "s1", Nodes: []model.Element{{"key": "y3", "sheetId": "s2"}},
		}, "u1", raw, 1000)
		require.Error(t, err)
	})

	t.Run("edge to missing node", func(t *testing.T) {
		_, err := in.batchCreate(&wire.BatchCreate{
			SheetID: "s1", Edges: []model.Element{{"key": "y4", "source": "n1", "target": "ghost"}},
		}, "u1", raw, 1000)
		require.ErrorContains(t, err, "missing node")
	})

	// A failed batch must leave nothing behind.
	assert.NotContains(t, in.sheets["s1"].nodes, "y1")
	assert.False(t, in.sheets["s1"].dirty)
	assert.Empty(t, in.undo)
}

func TestBatchDeleteCascades(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))
	raw := []byte(`{"type":"batchDeleteElements","_id":"7","sheetId":"s1","nodeKeys":["n1"]}`)

	res, workflows, err := in.batchDelete(&wire.BatchDelete{
		SheetID: "s1", NodeKeys: []string{"n1"},
	}, "u1", raw, 1000)
	require.NoError(t, err)
	assert.Empty(t, workflows)
	assert.Equal(t, []string{"s1"}, res.sheetIDs)

	sheet := in.sheets["s1"]
	assert.NotContains(t, sheet.nodes, "n1")
	assert.NotContains(t, sheet.edges, "e1", "attached edge must cascade")
	assert.Empty(t, sheet.attachedEdges("n2"))
	assert.True(t, sheet.dirty)

	require.Len(t, in.undo, 1)
	var p struct {
		Nodes []model.Element `json:"nodes"`
		Edges []model.Element `json:"edges"`
	}
	require.NoError(t, json.Unmarshal(in.undo[0].Payload, &p))
	require.Len(t, p.Nodes, 1)
	assert.Equal(t, "n1", p.Nodes[0].Key())
	require.Len(t, p.Edges, 1)
	assert.Equal(t, "e1", p.Edges[0].Key())
}

func TestBatchDeleteReportsWorkflows(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))
	raw := []byte(`{"type":"batchDeleteElements","sheetId":"s2","nodeKeys":["n3"]}`)

	_, workflows, err := in.batchDelete(&wire.BatchDelete{
		SheetID: "s2", NodeKeys: []string{"n3"},
	}, "u1", raw, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf1"}, workflows)
}

func TestBatchDeleteUnknownKey(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))
	raw := []byte(`{"type":"batchDeleteElements"}`)

	_, _, err := in.batchDelete(&wire.BatchDelete{
		SheetID: "s1", NodeKeys: []string{"n1", "ghost"},
	}, "u1", raw, 1000)
	require.Error(t, err)
	assert.Contains(t, in.sheets["s1"].nodes, "n1", "nothing deletes on a failed batch")
}

func TestSheetOps(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))
	registerTestUser(t, in, "u1", "s2")

	t.Run("create", func(t *testing.T) {
		raw := []byte(`{"type":"createSheet","_id":"1","key":"s3","name":"Third"}`)
		require.NoError(t, in.createSheet(&wire.CreateSheet{Key: "s3", Name: "Third"}, "u1", raw, 1000))
		assert.Equal(t, "Third", in.graph.Sheets["s3"])
		assert.Contains(t, in.sheets, "s3")
		assert.True(t, in.sheetsDirty)

		require.Error(t, in.createSheet(&wire.CreateSheet{Key: "s3", Name: "Again"}, "u1", raw, 1001))
	})

	t.Run("rename", func(t *testing.T) {
		raw := []byte(`{"type":"renameSheet","key":"s1","name":"Primary"}`)
		require.NoError(t, in.renameSheet(&wire.RenameSheet{Key: "s1", Name: "Primary"}, "u1", raw, 1002))
		assert.Equal(t, "Primary", in.graph.Sheets["s1"])

		require.Error(t, in.renameSheet(&wire.RenameSheet{Key: "nope", Name: "X"}, "u1", raw, 1003))
	})

	t.Run("delete", func(t *testing.T) {
		raw := []byte(`{"type":"deleteSheet","key":"s2"}`)
		require.NoError(t, in.deleteSheet(&wire.DeleteSheet{Key: "s2"}, "u1", raw, 1004))
		assert.NotContains(t, in.graph.Sheets, "s2")
		assert.NotContains(t, in.sheets, "s2")
		assert.Equal(t, []string{"s2"}, in.pendingSheetRemovals)

		// The archive holds everything the sheet contained.
		last := in.undo[len(in.undo)-1]
		assert.Equal(t, wire.TypeDeleteSheet, last.Op)
		var p struct {
			Key   string          `json:"key"`
			Nodes []model.Element `json:"nodes"`
		}
		require.NoError(t, json.Unmarshal(last.Payload, &p))
		assert.Equal(t, "s2", p.Key)
		require.Len(t, p.Nodes, 1)
		assert.Equal(t, "n3", p.Nodes[0].Key())

		// The user watching s2 no longer subscribes to it.
		assert.False(t, in.roster.users["u1"].onAnySheet([]string{"s2"}))
	})

	t.Run("histories carry sheet ops", func(t *testing.T) {
		// Three ops so far, all appended to the surviving sheets.
		for _, sid := range []string{"s1", "s3"} {
			assert.NotEmpty(t, in.sheets[sid].history, "sheet %s", sid)
		}
	})
}

func TestCreateSheetRefusedOnSingleSheetGraph(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))
	in.graph.Meta.NoMultipleSheet = true

	err := in.createSheet(&wire.CreateSheet{Key: "s9", Name: "Nine"}, "u1", []byte(`{}`), 1000)
	require.ErrorContains(t, err, "multiple sheets")
}

func TestPersistSheetMetadata(t *testing.T) {
	st := seedStore(t)
	in := loadTestInstance(t, st)
	ctx := context.Background()

	require.NoError(t, in.createSheet(&wire.CreateSheet{Key: "s3", Name: "Third"}, "u1", []byte(`{}`), 1000))
	require.NoError(t, in.persistSheetMetadata(ctx, st, 1000))
	assert.False(t, in.sheetsDirty)

	g, err := st.Graphs().Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "Third", g.Sheets["s3"])

	// A failing store keeps the removal queued for the flush retry.
	require.NoError(t, in.deleteSheet(&wire.DeleteSheet{Key: "s2"}, "u1", []byte(`{}`), 2000))
	boom := errors.New("store down")
	st.SetFailure(boom)
	require.ErrorIs(t, in.persistSheetMetadata(ctx, st, 2000), boom)
	assert.Equal(t, []string{"s2"}, in.pendingSheetRemovals)
	assert.True(t, in.sheetsDirty)

	st.SetFailure(nil)
	changed, err := in.flush(ctx, st, 3000, true)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, in.pendingSheetRemovals)

	_, err = st.Nodes().Get(ctx, "g1", "n3")
	assert.True(t, store.IsNotFound(err), "sheet removal must delete its elements")
	g, err = st.Graphs().Get(ctx, "g1")
	require.NoError(t, err)
	assert.NotContains(t, g.Sheets, "s2")
}

func TestFlushWritesDiffs(t *testing.T) {
	st := seedStore(t)
	in := loadTestInstance(t, st)
	ctx := context.Background()

	_, err := in.applyBatch(&wire.ApplyToGraph{Instructions: []wire.InstructionItem{{
		SheetID: "s1", NodeID: "n1",
		I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"position", "x"}, Value: float64(250)},
	}}}, "u1", 1000)
	require.NoError(t, err)

	changed, err := in.flush(ctx, st, 2000, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 2000, in.lastSaveTime)

	stored, err := st.Nodes().Get(ctx, "g1", "n1")
	require.NoError(t, err)
	assert.Equal(t, float64(250), stored["position"].(map[string]any)["x"])

	recs, err := st.History().ListByInstance(ctx, model.InstanceKey(model.KindGraph, "g1"), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Entries, 1)
	assert.Equal(t, wire.TypeApplyToGraph, recs[0].Entries[0].Op)

	// Snapshots swapped: the next tick has nothing to write.
	changed, err = in.flush(ctx, st, 3000, false)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.EqualValues(t, 2000, in.lastSaveTime)
}

func TestFlushFailureRequeues(t *testing.T) {
	st := seedStore(t)
	in := loadTestInstance(t, st)
	ctx := context.Background()

	_, err := in.applyBatch(&wire.ApplyToGraph{Instructions: []wire.InstructionItem{{
		SheetID: "s1", NodeID: "n1",
		I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"position", "x"}, Value: float64(250)},
	}}}, "u1", 1000)
	require.NoError(t, err)

	boom := errors.New("store down")
	st.SetFailure(boom)
	changed, err := in.flush(ctx, st, 2000, false)
	require.ErrorIs(t, err, boom)
	assert.False(t, changed)
	assert.True(t, in.sheets["s1"].dirty, "failed flush must re-mark the sheet")
	assert.Len(t, in.undo, 1, "failed flush must requeue the undo log")
	assert.Zero(t, in.lastSaveTime)

	st.SetFailure(nil)
	changed, err = in.flush(ctx, st, 3000, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, in.undo)

	stored, err := st.Nodes().Get(ctx, "g1", "n1")
	require.NoError(t, err)
	assert.Equal(t, float64(250), stored["position"].(map[string]any)["x"])
}

func TestFlushRespectsAutoSave(t *testing.T) {
	st := seedStore(t)
	in := loadTestInstance(t, st)
	ctx := context.Background()
	in.setAutoSave(false)

	_, err := in.applyBatch(&wire.ApplyToGraph{Instructions: []wire.InstructionItem{{
		SheetID: "s1", NodeID: "n1",
		I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"position", "x"}, Value: float64(250)},
	}}}, "u1", 1000)
	require.NoError(t, err)

	changed, err := in.flush(ctx, st, 2000, false)
	require.NoError(t, err)
	assert.False(t, changed)

	stored, err := st.Nodes().Get(ctx, "g1", "n1")
	require.NoError(t, err)
	assert.Equal(t, float64(100), stored["position"].(map[string]any)["x"], "nothing may reach the store")

	// A forced save ignores the toggle.
	changed, err = in.flush(ctx, st, 3000, true)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestFlushCoversBatchOps(t *testing.T) {
	st := seedStore(t)
	in := loadTestInstance(t, st)
	ctx := context.Background()

	_, err := in.batchCreate(&wire.BatchCreate{
		SheetID: "s1",
		Nodes:   []model.Element{{"key": "x1", "type": "task"}},
	}, "u1", []byte(`{"type":"batchCreateElements"}`), 1000)
	require.NoError(t, err)
	_, _, err = in.batchDelete(&wire.BatchDelete{
		SheetID: "s1", EdgeKeys: []string{"e1"},
	}, "u1", []byte(`{"type":"batchDeleteElements"}`), 1100)
	require.NoError(t, err)

	changed, err := in.flush(ctx, st, 2000, false)
	require.NoError(t, err)
	assert.True(t, changed)

	created, err := st.Nodes().Get(ctx, "g1", "x1")
	require.NoError(t, err)
	assert.Equal(t, "s1", created.Sheet())
	_, err = st.Edges().Get(ctx, "g1", "e1")
	assert.True(t, store.IsNotFound(err))
}

func TestSaveStatus(t *testing.T) {
	st := seedStore(t)
	in := loadTestInstance(t, st)
	ctx := context.Background()

	status := in.saveStatus()
	assert.False(t, status.HasUnsavedChanges)
	assert.True(t, status.AutoSaveEnabled)

	_, err := in.applyBatch(&wire.ApplyToGraph{Instructions: []wire.InstructionItem{{
		SheetID: "s1", NodeID: "n1",
		I: instruction.Instruction{Op: instruction.OpSet, Path: []string{"position", "x"}, Value: float64(1)},
	}}}, "u1", 1000)
	require.NoError(t, err)
	assert.True(t, in.saveStatus().HasUnsavedChanges)

	_, err = in.flush(ctx, st, 2000, false)
	require.NoError(t, err)
	status = in.saveStatus()
	assert.False(t, status.HasUnsavedChanges)
	assert.EqualValues(t, 2000, status.LastSaveTime)
}

func TestFanOutScope(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))
	conn1 := registerTestUser(t, in, "u1", "s1")
	conn2 := registerTestUser(t, in, "u2", "s1")
	conn3 := registerTestUser(t, in, "u3", "s2")

	n := in.fanOut([]byte(`{"type":"x"}`), []string{"s1"}, "u1")
	assert.Equal(t, 1, n)
	assert.Empty(t, conn1.messages(), "originator is skipped")
	assert.Len(t, conn2.messages(), 1)
	assert.Empty(t, conn3.messages(), "other sheets are not disturbed")

	n = in.fanOut([]byte(`{"type":"y"}`), nil, "")
	assert.Equal(t, 3, n, "nil sheet filter reaches everyone")
}

func TestEvictDeadAndRetire(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))
	conn := registerTestUser(t, in, "u1", "s1")

	dropped, empty := in.evictDead(time.Now(), 0)
	assert.Empty(t, dropped)
	assert.False(t, empty)

	conn.Close()
	dropped, empty = in.evictDead(time.Now(), 0)
	assert.Equal(t, []string{"u1"}, dropped)
	assert.True(t, empty)

	assert.True(t, in.tryRetire())
	_, err := in.register(&wire.RegisterGraph{GraphKey: "g1", SheetID: "s1", UserID: "u2"}, newFakeConn(), time.Now())
	require.ErrorIs(t, err, errRetired)
}

func TestEvictStaleUsers(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))
	registerTestUser(t, in, "u1", "s1")

	in.touchUser("u1", time.Now().Add(-2*time.Minute))
	dropped, _ := in.evictDead(time.Now(), time.Minute)
	assert.Equal(t, []string{"u1"}, dropped)
}

func TestTryRetireKeepsBusyInstance(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))
	registerTestUser(t, in, "u1", "s1")
	assert.False(t, in.tryRetire())
	assert.False(t, in.isRetired())
}

func TestAllocateIDs(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))

	ids, err := in.allocateIDs(3)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
		assert.NotEqual(t, "n1", id)
		assert.True(t, in.alloc.inUse(id))
	}
}

func TestAbandonClosesEverything(t *testing.T) {
	in := loadTestInstance(t, seedStore(t))
	conn1 := registerTestUser(t, in, "u1", "s1")
	conn2 := registerTestUser(t, in, "u2", "s2")

	closed := in.abandon()
	assert.Equal(t, 2, closed)
	assert.False(t, conn1.Alive())
	assert.False(t, conn2.Alive())
	assert.True(t, in.isRetired())
	assert.Zero(t, in.userCount())
}
