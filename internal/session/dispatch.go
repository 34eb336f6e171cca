package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/wire"
)

// registerAttempts bounds the retries when a registration races the
// eviction of the instance it just looked up.
const registerAttempts = 3

// Dispatch routes one raw client message. Protocol violations close
// the socket; validation problems answer ok=false when the message
// carried a correlation id. Any message from a bound socket counts as
// liveness.
func (m *Manager) Dispatch(ctx context.Context, conn Conn, raw []byte) {
	head, err := wire.Peek(raw)
	if err != nil {
		m.protocolViolation(conn, "unparseable message: %v", err)
		return
	}

	b := m.bindingFor(conn)
	now := time.Now()
	if b != nil {
		m.touchBound(b, now)
	}

	switch head.Type {
	case wire.TypePing:
		if b == nil {
			m.protocolViolation(conn, "ping before registration")
			return
		}
		m.reply(conn, wire.NewPong())

	case wire.TypeRegisterGraph:
		m.handleRegisterGraph(ctx, conn, head, raw, now)

	case wire.TypeRegisterNodeConfig:
		m.handleRegisterNodeConfig(ctx, conn, head, raw, now)

	case wire.TypeDisconnectGraph:
		m.handleDisconnectGraph(conn, head, raw)

	case wire.TypeDisconnectNodeConfig:
		m.handleDisconnectNodeConfig(conn, head, raw)

	default:
		if b == nil {
			m.protocolViolation(conn, "%s before registration", head.Type)
			return
		}
		m.dispatchBound(ctx, conn, b, head, raw, now)
	}
}

func (m *Manager) dispatchBound(ctx context.Context, conn Conn, b *binding, head wire.Head, raw []byte, now time.Time) {
	switch head.Type {
	case wire.TypeApplyToGraph:
		if in := m.requireGraph(conn, b, head); in != nil {
			m.handleApplyToGraph(ctx, conn, b, in, head, raw, now)
		}
	case wire.TypeApplyToNodeConfig:
		if in := m.requireConfig(conn, b, head); in != nil {
			m.handleApplyToNodeConfig(ctx, conn, b, in, head, raw, now)
		}
	case wire.TypeBatchCreate:
		if in := m.requireGraph(conn, b, head); in != nil {
			m.handleBatchCreate(conn, b, in, head, raw, now)
		}
	case wire.TypeBatchDelete:
		if in := m.requireGraph(conn, b, head); in != nil {
			m.handleBatchDelete(ctx, conn, b, in, head, raw, now)
		}
	case wire.TypeCreateSheet, wire.TypeRenameSheet, wire.TypeDeleteSheet:
		if in := m.requireGraph(conn, b, head); in != nil {
			m.handleSheetOp(ctx, conn, b, in, head, raw, now)
		}
	case wire.TypeGenerateUniqueID:
		m.handleGenerateUniqueID(conn, b, head, raw)
	case wire.TypeForceSave:
		m.handleForceSave(ctx, conn, b, head)
	case wire.TypeToggleAutoSave:
		m.handleToggleAutoSave(conn, b, head, raw)
	default:
		m.fail(conn, head.ID, fmt.Sprintf("unsupported message type %q", head.Type))
	}
}

func (m *Manager) handleRegisterGraph(ctx context.Context, conn Conn, head wire.Head, raw []byte, now time.Time) {
	var msg wire.RegisterGraph
	if !m.decode(conn, head, raw, &msg) {
		return
	}

	ctx, span := m.tracer.Start(ctx, "session.register")
	defer span.End()
	span.SetAttributes(attribute.String("graph_key", msg.GraphKey))

	// Cheap pre-check: if a live peer already owns the graph there is
	// no reason to load anything here.
	if owner, remote := m.coord.Resolve(model.InstanceKey(model.KindGraph, msg.GraphKey)); remote {
		m.reply(conn, wire.NewRedirect(head.ID, owner.Host, owner.Port))
		return
	}

	for attempt := 0; attempt < registerAttempts; attempt++ {
		in, owner, err := m.graphFor(ctx, msg.GraphKey)
		if err != nil {
			m.logger.ErrorWithErr("Failed to load graph %s", err, msg.GraphKey)
			m.reply(conn, wire.NewError(head.ID, fmt.Sprintf("failed to load graph %s", msg.GraphKey)))
			return
		}
		if owner != nil {
			m.reply(conn, wire.NewRedirect(head.ID, owner.Host, owner.Port))
			return
		}
		backlog, err := in.register(&msg, conn, now)
		if errors.Is(err, errRetired) {
			continue
		}
		if err != nil {
			m.reply(conn, wire.NewError(head.ID, err.Error()))
			return
		}
		m.bind(conn, model.KindGraph, msg.GraphKey, msg.UserID)
		m.reply(conn, wire.NewRegisterResponse(head.ID, backlog))
		m.updateGauges()
		m.logger.Info("User %s registered on graph %s sheet %s", msg.UserID, msg.GraphKey, msg.SheetID)
		return
	}
	m.reply(conn, wire.NewError(head.ID, "instance is being unloaded, retry"))
}

func (m *Manager) handleRegisterNodeConfig(ctx context.Context, conn Conn, head wire.Head, raw []byte, now time.Time) {
	var msg wire.RegisterNodeConfig
	if !m.decode(conn, head, raw, &msg) {
		return
	}

	ctx, span := m.tracer.Start(ctx, "session.register")
	defer span.End()
	span.SetAttributes(attribute.String("config_key", msg.NodeConfigKey))

	if owner, remote := m.coord.Resolve(model.InstanceKey(model.KindNodeConfig, msg.NodeConfigKey)); remote {
		m.reply(conn, wire.NewRedirect(head.ID, owner.Host, owner.Port))
		return
	}

	for attempt := 0; attempt < registerAttempts; attempt++ {
		in, owner, err := m.configFor(ctx, msg.NodeConfigKey)
		if err != nil {
			m.logger.ErrorWithErr("Failed to load node config %s", err, msg.NodeConfigKey)
			m.reply(conn, wire.NewError(head.ID, fmt.Sprintf("failed to load node config %s", msg.NodeConfigKey)))
			return
		}
		if owner != nil {
			m.reply(conn, wire.NewRedirect(head.ID, owner.Host, owner.Port))
			return
		}
		backlog, err := in.register(&msg, conn, now)
		if errors.Is(err, errRetired) {
			continue
		}
		if err != nil {
			m.reply(conn, wire.NewError(head.ID, err.Error()))
			return
		}
		m.bind(conn, model.KindNodeConfig, msg.NodeConfigKey, msg.UserID)
		m.reply(conn, wire.NewRegisterResponse(head.ID, backlog))
		m.updateGauges()
		m.logger.Info("User %s registered on node config %s", msg.UserID, msg.NodeConfigKey)
		return
	}
	m.reply(conn, wire.NewError(head.ID, "instance is being unloaded, retry"))
}

func (m *Manager) handleDisconnectGraph(conn Conn, head wire.Head, raw []byte) {
	var msg wire.DisconnectGraph
	if !m.decode(conn, head, raw, &msg) {
		return
	}
	b := m.bindingFor(conn)
	if b == nil || b.kind != model.KindGraph || b.key != msg.GraphKey {
		m.fail(conn, head.ID, "socket is not bound to that graph")
		return
	}
	if b.userID != msg.UserID {
		m.fail(conn, head.ID, "cannot disconnect another user")
		return
	}
	m.unbind(conn)
	if in := m.boundGraph(b); in != nil && in.removeUser(b.userID, nil) {
		m.announceGraphDeparture(in, b.userID)
	}
	m.ack(conn, head.ID)
	m.updateGauges()
	m.logger.Info("User %s disconnected from graph %s", b.userID, b.key)
}

func (m *Manager) handleDisconnectNodeConfig(conn Conn, head wire.Head, raw []byte) {
	var msg wire.DisconnectNodeConfig
	if !m.decode(conn, head, raw, &msg) {
		return
	}
	b := m.bindingFor(conn)
	if b == nil || b.kind != model.KindNodeConfig || b.key != msg.NodeConfigKey {
		m.fail(conn, head.ID, "socket is not bound to that node config")
		return
	}
	if b.userID != msg.UserID {
		m.fail(conn, head.ID, "cannot disconnect another user")
		return
	}
	m.unbind(conn)
	if in := m.boundConfig(b); in != nil && in.removeUser(b.userID, nil) {
		m.announceConfigDeparture(in, b.userID)
	}
	m.ack(conn, head.ID)
	m.updateGauges()
	m.logger.Info("User %s disconnected from node config %s", b.userID, b.key)
}

func (m *Manager) handleApplyToGraph(ctx context.Context, conn Conn, b *binding, in *graphInstance, head wire.Head, raw []byte, now time.Time) {
	var msg wire.ApplyToGraph
	if !m.decode(conn, head, raw, &msg) {
		return
	}
	if limit := m.maxInstructions(); len(msg.Instructions) > limit {
		m.protocolViolation(conn, "instruction batch of %d exceeds the limit of %d",
			len(msg.Instructions), limit)
		return
	}

	_, span := m.tracer.Start(ctx, "session.apply")
	span.SetAttributes(
		attribute.String("graph_key", in.key),
		attribute.Int("instructions", len(msg.Instructions)),
	)
	start := time.Now()
	res, err := in.applyBatch(&msg, b.userID, now.UnixMilli())
	span.End()
	if m.metrics != nil {
		m.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		m.fail(conn, head.ID, err.Error())
		return
	}
	if m.metrics != nil {
		m.metrics.InstructionsTotal.Inc()
	}
	m.ack(conn, head.ID)
	m.countFanout(in.fanOut(res.fanout, res.sheetIDs, b.userID))
}

func (m *Manager) handleApplyToNodeConfig(ctx context.Context, conn Conn, b *binding, in *configInstance, head wire.Head, raw []byte, now time.Time) {
	var msg wire.ApplyToNodeConfig
	if !m.decode(conn, head, raw, &msg) {
		return
	}
	if limit := m.maxInstructions(); len(msg.Instructions) > limit {
		m.protocolViolation(conn, "instruction batch of %d exceeds the limit of %d",
			len(msg.Instructions), limit)
		return
	}

	_, span := m.tracer.Start(ctx, "session.apply")
	span.SetAttributes(
		attribute.String("config_key", in.key),
		attribute.Int("instructions", len(msg.Instructions)),
	)
	start := time.Now()
	res, err := in.applyBatch(&msg, b.userID, now.UnixMilli())
	span.End()
	if m.metrics != nil {
		m.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		m.fail(conn, head.ID, err.Error())
		return
	}
	if m.metrics != nil {
		m.metrics.InstructionsTotal.Inc()
	}
	m.ack(conn, head.ID)
	m.countFanout(in.fanOut(res.fanout, b.userID))
}

func (m *Manager) handleBatchCreate(conn Conn, b *binding, in *graphInstance, head wire.Head, raw []byte, now time.Time) {
	var msg wire.BatchCreate
	if !m.decode(conn, head, raw, &msg) {
		return
	}
	if limit := m.maxBatchElements(); len(msg.Nodes)+len(msg.Edges) > limit {
		m.fail(conn, head.ID, fmt.Sprintf("batch of %d elements exceeds the limit of %d", len(msg.Nodes)+len(msg.Edges), limit))
		return
	}

	res, err := in.batchCreate(&msg, b.userID, raw, now.UnixMilli())
	if err != nil {
		m.fail(conn, head.ID, err.Error())
		return
	}
	m.ack(conn, head.ID)
	m.countFanout(in.fanOut(res.fanout, res.sheetIDs, b.userID))
}

func (m *Manager) handleBatchDelete(ctx context.Context, conn Conn, b *binding, in *graphInstance, head wire.Head, raw []byte, now time.Time) {
	var msg wire.BatchDelete
	if !m.decode(conn, head, raw, &msg) {
		return
	}
	if limit := m.maxBatchElements(); len(msg.NodeKeys)+len(msg.EdgeKeys) > limit {
		m.fail(conn, head.ID, fmt.Sprintf("batch of %d elements exceeds the limit of %d", len(msg.NodeKeys)+len(msg.EdgeKeys), limit))
		return
	}

	res, workflows, err := in.batchDelete(&msg, b.userID, raw, now.UnixMilli())
	if err != nil {
		m.fail(conn, head.ID, err.Error())
		return
	}
	m.ack(conn, head.ID)
	m.countFanout(in.fanOut(res.fanout, res.sheetIDs, b.userID))

	// Deleted workflow nodes take their sub-graphs with them. This
	// happens after the in-memory commit; a failure leaves an orphaned
	// tree, not a broken graph.
	for _, wf := range workflows {
		if err := m.store.Graphs().RemoveTree(ctx, wf); err != nil {
			in.logger.ErrorWithErr("Failed to remove sub-workflow %s", err, wf)
		}
	}
}

func (m *Manager) handleSheetOp(ctx context.Context, conn Conn, b *binding, in *graphInstance, head wire.Head, raw []byte, now time.Time) {
	nowMs := now.UnixMilli()
	var err error
	switch head.Type {
	case wire.TypeCreateSheet:
		var msg wire.CreateSheet
		if !m.decode(conn, head, raw, &msg) {
			return
		}
		err = in.createSheet(&msg, b.userID, raw, nowMs)
	case wire.TypeRenameSheet:
		var msg wire.RenameSheet
		if !m.decode(conn, head, raw, &msg) {
			return
		}
		err = in.renameSheet(&msg, b.userID, raw, nowMs)
	case wire.TypeDeleteSheet:
		var msg wire.DeleteSheet
		if !m.decode(conn, head, raw, &msg) {
			return
		}
		err = in.deleteSheet(&msg, b.userID, raw, nowMs)
	}
	if err != nil {
		m.fail(conn, head.ID, err.Error())
		return
	}

	m.ack(conn, head.ID)
	// Sheet operations concern every participant regardless of sheet.
	m.countFanout(in.fanOut(wire.StripCorrelationID(raw), nil, b.userID))

	if err := in.persistSheetMetadata(ctx, m.store, nowMs); err != nil {
		in.logger.ErrorWithErr("Sheet metadata write failed, queued for next flush", err)
	}
}

func (m *Manager) handleGenerateUniqueID(conn Conn, b *binding, head wire.Head, raw []byte) {
	var msg wire.GenerateUniqueID
	if !m.decode(conn, head, raw, &msg) {
		return
	}
	count := len(msg.IDs)
	if count < 1 {
		count = 1
	}

	var ids []string
	var err error
	switch b.kind {
	case model.KindGraph:
		in := m.boundGraph(b)
		if in == nil {
			m.reply(conn, wire.NewError(head.ID, "instance is no longer hosted here"))
			return
		}
		ids, err = in.allocateIDs(count)
	case model.KindNodeConfig:
		in := m.boundConfig(b)
		if in == nil {
			m.reply(conn, wire.NewError(head.ID, "instance is no longer hosted here"))
			return
		}
		ids, err = in.allocateIDs(count)
	}
	if err != nil {
		m.logger.ErrorWithErr("Identifier allocation failed for %s %s", err, b.kind, b.key)
		m.reply(conn, wire.NewError(head.ID, err.Error()))
		return
	}
	m.reply(conn, wire.NewUniqueIDResponse(head.ID, ids))
}

func (m *Manager) handleForceSave(ctx context.Context, conn Conn, b *binding, head wire.Head) {
	now := time.Now().UnixMilli()
	var changed bool
	var err error

	ctx, span := m.tracer.Start(ctx, "session.flush")
	defer span.End()
	span.SetAttributes(attribute.String("instance_key", model.InstanceKey(b.kind, b.key)))

	switch b.kind {
	case model.KindGraph:
		in := m.boundGraph(b)
		if in == nil {
			m.fail(conn, head.ID, "instance is no longer hosted here")
			return
		}
		start := time.Now()
		changed, err = in.flush(ctx, m.store, now, true)
		if m.metrics != nil {
			m.metrics.FlushDuration.Observe(time.Since(start).Seconds())
		}
		if changed || err != nil {
			m.announceGraphStatus(in)
		}
	case model.KindNodeConfig:
		in := m.boundConfig(b)
		if in == nil {
			m.fail(conn, head.ID, "instance is no longer hosted here")
			return
		}
		start := time.Now()
		changed, err = in.flush(ctx, m.store, now, true)
		if m.metrics != nil {
			m.metrics.FlushDuration.Observe(time.Since(start).Seconds())
		}
		if changed || err != nil {
			m.announceConfigStatus(in)
		}
	}

	if err != nil {
		if m.metrics != nil {
			m.metrics.FlushErrorsTotal.Inc()
		}
		m.logger.ErrorWithErr("Forced save of %s %s failed", err, b.kind, b.key)
		m.fail(conn, head.ID, "save failed, changes stay queued")
		return
	}
	m.ack(conn, head.ID)
}

func (m *Manager) handleToggleAutoSave(conn Conn, b *binding, head wire.Head, raw []byte) {
	var msg wire.ToggleAutoSave
	if !m.decode(conn, head, raw, &msg) {
		return
	}
	switch b.kind {
	case model.KindGraph:
		in := m.boundGraph(b)
		if in == nil {
			m.fail(conn, head.ID, "instance is no longer hosted here")
			return
		}
		in.setAutoSave(msg.Enabled)
		m.announceGraphStatus(in)
	case model.KindNodeConfig:
		in := m.boundConfig(b)
		if in == nil {
			m.fail(conn, head.ID, "instance is no longer hosted here")
			return
		}
		in.setAutoSave(msg.Enabled)
		m.announceConfigStatus(in)
	}
	m.ack(conn, head.ID)
	m.logger.Info("Auto save for %s %s set to %t", b.kind, b.key, msg.Enabled)
}

func (m *Manager) requireGraph(conn Conn, b *binding, head wire.Head) *graphInstance {
	if b.kind != model.KindGraph {
		m.fail(conn, head.ID, "socket is not bound to a graph")
		return nil
	}
	in := m.boundGraph(b)
	if in == nil {
		m.fail(conn, head.ID, "instance is no longer hosted here")
		return nil
	}
	return in
}

func (m *Manager) requireConfig(conn Conn, b *binding, head wire.Head) *configInstance {
	if b.kind != model.KindNodeConfig {
		m.fail(conn, head.ID, "socket is not bound to a node config")
		return nil
	}
	in := m.boundConfig(b)
	if in == nil {
		m.fail(conn, head.ID, "instance is no longer hosted here")
		return nil
	}
	return in
}

func (m *Manager) touchBound(b *binding, now time.Time) {
	switch b.kind {
	case model.KindGraph:
		if in := m.boundGraph(b); in != nil {
			in.touchUser(b.userID, now)
		}
	case model.KindNodeConfig:
		if in := m.boundConfig(b); in != nil {
			in.touchUser(b.userID, now)
		}
	}
}

// decode parses raw into dst. Malformed JSON closes the socket; failed
// validation answers ok=false. The return reports whether the caller
// may proceed.
func (m *Manager) decode(conn Conn, head wire.Head, raw []byte, dst wire.Validator) bool {
	if err := wire.Decode(raw, dst); err != nil {
		if errors.Is(err, wire.ErrMalformed) {
			m.protocolViolation(conn, "malformed %s: %v", head.Type, err)
		} else {
			m.fail(conn, head.ID, err.Error())
		}
		return false
	}
	return true
}

func (m *Manager) protocolViolation(conn Conn, format string, args ...any) {
	if m.metrics != nil {
		m.metrics.ProtocolViolationsTotal.Inc()
	}
	m.logger.Warn("Closing client socket: "+format, args...)
	conn.Close()
}

func (m *Manager) reply(conn Conn, msg any) {
	out, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := conn.Send(out); err != nil {
		m.logger.Debug("Reply not delivered: %v", err)
	}
}

func (m *Manager) ack(conn Conn, id string) {
	if id == "" {
		return
	}
	m.reply(conn, wire.NewAck(id))
}

func (m *Manager) fail(conn Conn, id, message string) {
	if id == "" {
		m.logger.Warn("Rejected message without correlation id: %s", message)
		return
	}
	m.reply(conn, wire.NewError(id, message))
}
