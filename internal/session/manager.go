// Package session hosts the live collaboration state. Each graph or
// node configuration open in at least one editor is loaded into an
// in-memory instance owned by exactly one server; edits stream in over
// websockets, apply to the working copy, fan out to the other
// participants, and reach the store in periodic diff flushes.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/skeinhq/skein/internal/cluster"
	"github.com/skeinhq/skein/internal/logging"
	"github.com/skeinhq/skein/internal/metrics"
	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/store"
	"github.com/skeinhq/skein/internal/wire"
)

// flushParallelism caps how many instances save concurrently during a
// sweep, so a server hosting hundreds of graphs does not stampede the
// store.
const flushParallelism = 8

// Config controls session behaviour. The zero value is completed by
// applyDefaults.
type Config struct {
	FlushInterval  time.Duration // cadence of the periodic save sweep
	EvictInterval  time.Duration // cadence of the idle-instance sweep
	PingStaleAfter time.Duration // drop users silent for this long, 0 disables

	HistoryLimit     int // retained catch-up messages per sheet, negative for unbounded
	MaxInstructions  int // instruction batch size that closes the socket when exceeded
	MaxBatchElements int // element count limit for batch create and delete

	DisableAutoSave bool // start instances with automatic saving off
}

func (c *Config) applyDefaults() {
	if c.FlushInterval == 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.EvictInterval == 0 {
		c.EvictInterval = 10 * time.Second
	}
	if c.PingStaleAfter == 0 {
		c.PingStaleAfter = 45 * time.Second
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 5000
	}
	if c.MaxInstructions == 0 {
		c.MaxInstructions = 20
	}
	if c.MaxBatchElements == 0 {
		c.MaxBatchElements = 500
	}
}

// Coordinator is the slice of the cluster layer the session manager
// uses: who owns an instance, claiming it, and giving it back.
type Coordinator interface {
	Resolve(instanceKey string) (cluster.PeerInfo, bool)
	Acquire(instanceKey string) (cluster.PeerInfo, bool)
	ReleaseInstance(instanceKey string)
}

// binding ties a socket to the instance and user it registered as.
type binding struct {
	kind   string
	key    string
	userID string
}

// Manager owns every resident instance and routes client messages to
// them. It implements lifecycle.Component and cluster ownership-loss
// callbacks.
type Manager struct {
	cfg     Config
	store   store.Store
	coord   Coordinator
	metrics *metrics.Metrics
	logger  *logging.Logger
	tracer  trace.Tracer

	mu       sync.RWMutex
	graphs   map[string]*graphInstance
	configs  map[string]*configInstance
	bindings map[Conn]*binding

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewManager(cfg Config, st store.Store, coord Coordinator, m *metrics.Metrics) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		store:    st,
		coord:    coord,
		metrics:  m,
		logger:   logging.GetLogger("session.manager"),
		tracer:   otel.Tracer("skein.session"),
		graphs:   make(map[string]*graphInstance),
		configs:  make(map[string]*configInstance),
		bindings: make(map[Conn]*binding),
	}
}

// UpdateLimits applies new protocol limits at runtime, the hook for
// config hot-reload. Non-positive values keep the current setting. A
// changed flush interval takes effect after the next sweep.
func (m *Manager) UpdateLimits(maxInstructions, maxBatchElements int, flushInterval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxInstructions > 0 {
		m.cfg.MaxInstructions = maxInstructions
	}
	if maxBatchElements > 0 {
		m.cfg.MaxBatchElements = maxBatchElements
	}
	if flushInterval > 0 {
		m.cfg.FlushInterval = flushInterval
	}
	m.logger.Info("Limits updated: maxInstructions=%d maxBatchElements=%d flushInterval=%s",
		m.cfg.MaxInstructions, m.cfg.MaxBatchElements, m.cfg.FlushInterval)
}

func (m *Manager) maxInstructions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.MaxInstructions
}

func (m *Manager) maxBatchElements() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.MaxBatchElements
}

func (m *Manager) flushInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.FlushInterval
}

// Start implements lifecycle.Component
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.started = true

	m.wg.Add(2)
	go m.flushLoop(runCtx)
	go m.evictLoop(runCtx)

	m.logger.Info("Session manager started, flush=%s evict=%s", m.cfg.FlushInterval, m.cfg.EvictInterval)
	return nil
}

// Stop implements lifecycle.Component. Every instance is force-flushed
// before its claim is released; sockets close last.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.started {
		return nil
	}
	m.started = false
	m.cancel()
	m.wg.Wait()

	m.flushAll(ctx, true)

	m.mu.Lock()
	graphKeys := make([]string, 0, len(m.graphs))
	for key := range m.graphs {
		graphKeys = append(graphKeys, key)
	}
	configKeys := make([]string, 0, len(m.configs))
	for key := range m.configs {
		configKeys = append(configKeys, key)
	}
	conns := make([]Conn, 0, len(m.bindings))
	for conn := range m.bindings {
		conns = append(conns, conn)
	}
	m.graphs = make(map[string]*graphInstance)
	m.configs = make(map[string]*configInstance)
	m.bindings = make(map[Conn]*binding)
	m.mu.Unlock()

	for _, key := range graphKeys {
		m.coord.ReleaseInstance(model.InstanceKey(model.KindGraph, key))
	}
	for _, key := range configKeys {
		m.coord.ReleaseInstance(model.InstanceKey(model.KindNodeConfig, key))
	}
	for _, conn := range conns {
		conn.Close()
	}

	m.logger.Info("Session manager stopped")
	return nil
}

// Name implements lifecycle.Component
func (m *Manager) Name() string {
	return "Session Manager"
}

// OwnershipLost implements the cluster ownership callback. The local
// instance is abandoned without flushing: the new owner has already
// loaded the stored state, and writing ours now would corrupt theirs.
func (m *Manager) OwnershipLost(instanceKey, newOwnerID string) {
	kind, key, ok := model.SplitInstanceKey(instanceKey)
	if !ok {
		m.logger.Warn("Ignoring ownership loss for unparseable key %q", instanceKey)
		return
	}

	m.mu.Lock()
	var g *graphInstance
	var c *configInstance
	switch kind {
	case model.KindGraph:
		g = m.graphs[key]
		delete(m.graphs, key)
	case model.KindNodeConfig:
		c = m.configs[key]
		delete(m.configs, key)
	}
	m.mu.Unlock()

	closed := 0
	if g != nil {
		closed = g.abandon()
	}
	if c != nil {
		closed = c.abandon()
	}

	m.logger.Warn("Lost ownership of %s to %s, dropped %d connections", instanceKey, newOwnerID, closed)
	m.updateGauges()
}

// graphFor returns the resident instance, loading and claiming it when
// absent. A non-nil PeerInfo means another peer owns the graph and the
// caller should redirect.
func (m *Manager) graphFor(ctx context.Context, key string) (*graphInstance, *cluster.PeerInfo, error) {
	instanceKey := model.InstanceKey(model.KindGraph, key)

	m.mu.RLock()
	in := m.graphs[key]
	m.mu.RUnlock()
	if in != nil && !in.isRetired() {
		// Re-assert the claim so peers that missed it catch up.
		m.coord.Acquire(instanceKey)
		return in, nil, nil
	}

	// Load before claiming: a failed load must not leave a claim
	// pointing at state we do not hold.
	loadCtx, span := m.tracer.Start(ctx, "store.load")
	span.SetAttributes(attribute.String("instance_key", instanceKey))
	loaded, dropped, err := loadGraphInstance(loadCtx, m.store, key, !m.cfg.DisableAutoSave, m.cfg.HistoryLimit)
	span.End()
	if err != nil {
		return nil, nil, err
	}
	owner, local := m.coord.Acquire(instanceKey)
	if !local {
		return nil, &owner, nil
	}

	m.mu.Lock()
	if cur := m.graphs[key]; cur != nil && !cur.isRetired() {
		m.mu.Unlock()
		return cur, nil, nil
	}
	m.graphs[key] = loaded
	m.mu.Unlock()

	if dropped > 0 {
		loaded.logger.Warn("Purging %d edges with missing endpoints from the store", dropped)
		if _, err := loaded.flush(ctx, m.store, time.Now().UnixMilli(), true); err != nil {
			if m.metrics != nil {
				m.metrics.FlushErrorsTotal.Inc()
			}
			loaded.logger.ErrorWithErr("Integrity flush failed, will retry on next sweep", err)
		}
	}
	m.updateGauges()
	return loaded, nil, nil
}

// configFor mirrors graphFor for node-config instances.
func (m *Manager) configFor(ctx context.Context, key string) (*configInstance, *cluster.PeerInfo, error) {
	instanceKey := model.InstanceKey(model.KindNodeConfig, key)

	m.mu.RLock()
	in := m.configs[key]
	m.mu.RUnlock()
	if in != nil && !in.isRetired() {
		m.coord.Acquire(instanceKey)
		return in, nil, nil
	}

	loadCtx, span := m.tracer.Start(ctx, "store.load")
	span.SetAttributes(attribute.String("instance_key", instanceKey))
	loaded, err := loadConfigInstance(loadCtx, m.store, key, !m.cfg.DisableAutoSave, m.cfg.HistoryLimit)
	span.End()
	if err != nil {
		return nil, nil, err
	}
	owner, local := m.coord.Acquire(instanceKey)
	if !local {
		return nil, &owner, nil
	}

	m.mu.Lock()
	if cur := m.configs[key]; cur != nil && !cur.isRetired() {
		m.mu.Unlock()
		return cur, nil, nil
	}
	m.configs[key] = loaded
	m.mu.Unlock()

	m.updateGauges()
	return loaded, nil, nil
}

func (m *Manager) boundGraph(b *binding) *graphInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.graphs[b.key]
}

func (m *Manager) boundConfig(b *binding) *configInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configs[b.key]
}

func (m *Manager) bind(conn Conn, kind, key, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[conn] = &binding{kind: kind, key: key, userID: userID}
}

func (m *Manager) unbind(conn Conn) *binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bindings[conn]
	delete(m.bindings, conn)
	return b
}

func (m *Manager) bindingFor(conn Conn) *binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bindings[conn]
}

// Disconnect tears down a socket's session state. The transport calls
// it when a read loop exits, for whatever reason.
func (m *Manager) Disconnect(conn Conn) {
	b := m.unbind(conn)
	if b == nil {
		return
	}
	switch b.kind {
	case model.KindGraph:
		in := m.boundGraph(b)
		if in != nil && in.removeUser(b.userID, conn) {
			m.announceGraphDeparture(in, b.userID)
			m.logger.Debug("User %s left graph %s", b.userID, b.key)
		}
	case model.KindNodeConfig:
		in := m.boundConfig(b)
		if in != nil && in.removeUser(b.userID, conn) {
			m.announceConfigDeparture(in, b.userID)
			m.logger.Debug("User %s left node config %s", b.userID, b.key)
		}
	}
	m.updateGauges()
}

func (m *Manager) flushLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.flushInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.flushAll(ctx, false)
			// Pick up a hot-reloaded interval for the next cycle
			if cur := m.flushInterval(); cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		}
	}
}

// flushAll saves every resident instance, a few at a time. Failures
// are logged and retried on the next tick; a save status goes out
// whenever a flush did something or failed, so editors always see the
// current persistence state.
func (m *Manager) flushAll(ctx context.Context, force bool) {
	m.mu.RLock()
	graphs := make([]*graphInstance, 0, len(m.graphs))
	for _, in := range m.graphs {
		graphs = append(graphs, in)
	}
	configs := make([]*configInstance, 0, len(m.configs))
	for _, in := range m.configs {
		configs = append(configs, in)
	}
	m.mu.RUnlock()

	now := time.Now().UnixMilli()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flushParallelism)

	for _, in := range graphs {
		in := in
		g.Go(func() error {
			spanCtx, span := m.tracer.Start(gctx, "session.flush")
			span.SetAttributes(attribute.String("graph_key", in.key))
			start := time.Now()
			changed, err := in.flush(spanCtx, m.store, now, force)
			span.End()
			if m.metrics != nil {
				m.metrics.FlushDuration.Observe(time.Since(start).Seconds())
			}
			if err != nil {
				if m.metrics != nil {
					m.metrics.FlushErrorsTotal.Inc()
				}
				in.logger.ErrorWithErr("Flush failed, changes stay queued", err)
			}
			if changed || err != nil {
				m.announceGraphStatus(in)
			}
			return nil
		})
	}
	for _, in := range configs {
		in := in
		g.Go(func() error {
			spanCtx, span := m.tracer.Start(gctx, "session.flush")
			span.SetAttributes(attribute.String("config_key", in.key))
			start := time.Now()
			changed, err := in.flush(spanCtx, m.store, now, force)
			span.End()
			if m.metrics != nil {
				m.metrics.FlushDuration.Observe(time.Since(start).Seconds())
			}
			if err != nil {
				if m.metrics != nil {
					m.metrics.FlushErrorsTotal.Inc()
				}
				in.logger.ErrorWithErr("Flush failed, changes stay queued", err)
			}
			if changed || err != nil {
				m.announceConfigStatus(in)
			}
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) evictLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep drops users with dead or silent sockets and retires instances
// nobody uses anymore.
func (m *Manager) sweep(ctx context.Context) {
	now := time.Now()

	m.mu.RLock()
	graphs := make(map[string]*graphInstance, len(m.graphs))
	for key, in := range m.graphs {
		graphs[key] = in
	}
	configs := make(map[string]*configInstance, len(m.configs))
	for key, in := range m.configs {
		configs[key] = in
	}
	m.mu.RUnlock()

	for key, in := range graphs {
		dropped, empty := in.evictDead(now, m.cfg.PingStaleAfter)
		for _, uid := range dropped {
			m.logger.Info("Evicted user %s from graph %s", uid, key)
			m.announceGraphDeparture(in, uid)
		}
		if empty {
			m.retireGraph(ctx, key, in)
		}
	}
	for key, in := range configs {
		dropped, empty := in.evictDead(now, m.cfg.PingStaleAfter)
		for _, uid := range dropped {
			m.logger.Info("Evicted user %s from node config %s", uid, key)
			m.announceConfigDeparture(in, uid)
		}
		if empty {
			m.retireConfig(ctx, key, in)
		}
	}

	m.pruneBindings()
	m.updateGauges()
}

// retireGraph flushes and unloads an empty instance. A failed flush
// keeps it resident so nothing unsaved is lost.
func (m *Manager) retireGraph(ctx context.Context, key string, in *graphInstance) {
	if _, err := in.flush(ctx, m.store, time.Now().UnixMilli(), true); err != nil {
		if m.metrics != nil {
			m.metrics.FlushErrorsTotal.Inc()
		}
		in.logger.ErrorWithErr("Final flush failed, keeping instance resident", err)
		return
	}
	if !in.tryRetire() {
		return
	}
	m.mu.Lock()
	if m.graphs[key] == in {
		delete(m.graphs, key)
	}
	m.mu.Unlock()
	m.coord.ReleaseInstance(model.InstanceKey(model.KindGraph, key))
	m.logger.Info("Unloaded idle graph instance %s", key)
}

func (m *Manager) retireConfig(ctx context.Context, key string, in *configInstance) {
	if _, err := in.flush(ctx, m.store, time.Now().UnixMilli(), true); err != nil {
		if m.metrics != nil {
			m.metrics.FlushErrorsTotal.Inc()
		}
		in.logger.ErrorWithErr("Final flush failed, keeping instance resident", err)
		return
	}
	if !in.tryRetire() {
		return
	}
	m.mu.Lock()
	if m.configs[key] == in {
		delete(m.configs, key)
	}
	m.mu.Unlock()
	m.coord.ReleaseInstance(model.InstanceKey(model.KindNodeConfig, key))
	m.logger.Info("Unloaded idle node config instance %s", key)
}

func (m *Manager) pruneBindings() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn, b := range m.bindings {
		if !conn.Alive() {
			delete(m.bindings, conn)
			m.logger.Debug("Pruned dead binding for user %s on %s %s", b.userID, b.kind, b.key)
		}
	}
}

func (m *Manager) announceGraphStatus(in *graphInstance) {
	out, err := json.Marshal(in.saveStatus())
	if err != nil {
		return
	}
	m.countFanout(in.fanOut(out, nil, ""))
}

func (m *Manager) announceConfigStatus(in *configInstance) {
	out, err := json.Marshal(in.saveStatus())
	if err != nil {
		return
	}
	m.countFanout(in.fanOut(out, ""))
}

func (m *Manager) announceGraphDeparture(in *graphInstance, userID string) {
	out, err := json.Marshal(wire.NewUserDisconnected(wire.TypeDisconnectedOnGraph, userID))
	if err != nil {
		return
	}
	m.countFanout(in.fanOut(out, nil, ""))
}

func (m *Manager) announceConfigDeparture(in *configInstance, userID string) {
	out, err := json.Marshal(wire.NewUserDisconnected(wire.TypeDisconnectedOnNodeConfig, userID))
	if err != nil {
		return
	}
	m.countFanout(in.fanOut(out, ""))
}

func (m *Manager) countFanout(n int) {
	if m.metrics != nil && n > 0 {
		m.metrics.FanoutMessagesTotal.Add(float64(n))
	}
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	instances := len(m.graphs) + len(m.configs)
	users := 0
	graphs := make([]*graphInstance, 0, len(m.graphs))
	for _, in := range m.graphs {
		graphs = append(graphs, in)
	}
	configs := make([]*configInstance, 0, len(m.configs))
	for _, in := range m.configs {
		configs = append(configs, in)
	}
	m.mu.RUnlock()

	for _, in := range graphs {
		users += in.userCount()
	}
	for _, in := range configs {
		users += in.userCount()
	}
	m.metrics.SessionInstances.Set(float64(instances))
	m.metrics.SessionUsers.Set(float64(users))
}
