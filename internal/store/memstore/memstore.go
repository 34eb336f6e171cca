// Package memstore is a map-backed implementation of store.Store. It
// backs unit tests and the single-node development mode (--store
// memory). All data is lost on shutdown.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/store"
)

// Store holds everything in process memory. Reads and writes deep-copy
// documents so callers never alias stored state.
type Store struct {
	mu       sync.RWMutex
	graphs   map[string]*model.Graph
	nodes    map[string]map[string]model.Element
	edges    map[string]map[string]model.Element
	configs  map[string]model.Element
	history  map[string][]model.HistoryRecord
	registry map[string]model.Registration

	failure error

	graphStore    *graphStore
	nodeStore     *elementStore
	edgeStore     *elementStore
	configStore   *configStore
	historyStore  *historyStore
	registryStore *registryStore
}

// New creates an empty in-memory store.
func New() *Store {
	s := &Store{
		graphs:   make(map[string]*model.Graph),
		nodes:    make(map[string]map[string]model.Element),
		edges:    make(map[string]map[string]model.Element),
		configs:  make(map[string]model.Element),
		history:  make(map[string][]model.HistoryRecord),
		registry: make(map[string]model.Registration),
	}
	s.graphStore = &graphStore{s}
	s.nodeStore = &elementStore{s: s, table: s.nodes}
	s.edgeStore = &elementStore{s: s, table: s.edges}
	s.configStore = &configStore{s}
	s.historyStore = &historyStore{s}
	s.registryStore = &registryStore{s}
	return s
}

// SetFailure makes every subsequent operation return err until cleared
// with SetFailure(nil). Used by tests to exercise retry paths.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *Store) fail() error {
	return s.failure
}

func (s *Store) Graphs() store.GraphStore           { return s.graphStore }
func (s *Store) Nodes() store.ElementStore          { return s.nodeStore }
func (s *Store) Edges() store.ElementStore          { return s.edgeStore }
func (s *Store) NodeConfigs() store.NodeConfigStore { return s.configStore }
func (s *Store) History() store.HistoryStore        { return s.historyStore }
func (s *Store) Registry() store.RegistryStore      { return s.registryStore }

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fail()
}

func (s *Store) Close(ctx context.Context) error { return nil }

type graphStore struct {
	s *Store
}

func (g *graphStore) Get(ctx context.Context, key string) (*model.Graph, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()
	if err := g.s.fail(); err != nil {
		return nil, err
	}
	graph, ok := g.s.graphs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return graph.Clone(), nil
}

func (g *graphStore) Put(ctx context.Context, graph *model.Graph) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	if err := g.s.fail(); err != nil {
		return err
	}
	g.s.graphs[graph.Key] = graph.Clone()
	return nil
}

func (g *graphStore) Remove(ctx context.Context, key string) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	if err := g.s.fail(); err != nil {
		return err
	}
	if _, ok := g.s.graphs[key]; !ok {
		return store.ErrNotFound
	}
	delete(g.s.graphs, key)
	return nil
}

func (g *graphStore) RemoveTree(ctx context.Context, key string) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	if err := g.s.fail(); err != nil {
		return err
	}
	delete(g.s.graphs, key)
	delete(g.s.nodes, key)
	delete(g.s.edges, key)
	delete(g.s.history, model.InstanceKey(model.KindGraph, key))
	return nil
}

func (g *graphStore) UpdateSheets(ctx context.Context, key string, sheets map[string]string, ts int64) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	if err := g.s.fail(); err != nil {
		return err
	}
	graph, ok := g.s.graphs[key]
	if !ok {
		return store.ErrNotFound
	}
	graph.Sheets = make(map[string]string, len(sheets))
	for id, name := range sheets {
		graph.Sheets[id] = name
	}
	graph.UpdatedAt = ts
	return nil
}

func (g *graphStore) Touch(ctx context.Context, key string, ts int64) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	if err := g.s.fail(); err != nil {
		return err
	}
	graph, ok := g.s.graphs[key]
	if !ok {
		return store.ErrNotFound
	}
	graph.UpdatedAt = ts
	return nil
}

type elementStore struct {
	s     *Store
	table map[string]map[string]model.Element
}

func (e *elementStore) bucket(graphKey string) map[string]model.Element {
	b, ok := e.table[graphKey]
	if !ok {
		b = make(map[string]model.Element)
		e.table[graphKey] = b
	}
	return b
}

func (e *elementStore) Get(ctx context.Context, graphKey, key string) (model.Element, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	if err := e.s.fail(); err != nil {
		return nil, err
	}
	el, ok := e.table[graphKey][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return el.Clone(), nil
}

func (e *elementStore) Create(ctx context.Context, graphKey string, el model.Element) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if err := e.s.fail(); err != nil {
		return err
	}
	bucket := e.bucket(graphKey)
	key := el.Key()
	if _, exists := bucket[key]; exists {
		return store.ErrConflict
	}
	bucket[key] = el.Clone()
	return nil
}

func (e *elementStore) Replace(ctx context.Context, graphKey string, el model.Element) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if err := e.s.fail(); err != nil {
		return err
	}
	bucket := e.bucket(graphKey)
	key := el.Key()
	if _, exists := bucket[key]; !exists {
		return store.ErrNotFound
	}
	bucket[key] = el.Clone()
	return nil
}

func (e *elementStore) Remove(ctx context.Context, graphKey, key string) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if err := e.s.fail(); err != nil {
		return err
	}
	if _, exists := e.table[graphKey][key]; !exists {
		return store.ErrNotFound
	}
	delete(e.table[graphKey], key)
	return nil
}

func (e *elementStore) ListByGraph(ctx context.Context, graphKey string) ([]model.Element, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	if err := e.s.fail(); err != nil {
		return nil, err
	}
	bucket := e.table[graphKey]
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]model.Element, 0, len(bucket))
	for _, k := range keys {
		out = append(out, bucket[k].Clone())
	}
	return out, nil
}

func (e *elementStore) RemoveByGraph(ctx context.Context, graphKey string) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if err := e.s.fail(); err != nil {
		return err
	}
	delete(e.table, graphKey)
	return nil
}

func (e *elementStore) RemoveBySheet(ctx context.Context, graphKey, sheetID string) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if err := e.s.fail(); err != nil {
		return err
	}
	for key, el := range e.table[graphKey] {
		if el.Sheet() == sheetID {
			delete(e.table[graphKey], key)
		}
	}
	return nil
}

type configStore struct {
	s *Store
}

func (c *configStore) Get(ctx context.Context, key string) (model.Element, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	if err := c.s.fail(); err != nil {
		return nil, err
	}
	cfg, ok := c.s.configs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cfg.Clone(), nil
}

func (c *configStore) Put(ctx context.Context, key string, cfg model.Element) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.fail(); err != nil {
		return err
	}
	c.s.configs[key] = cfg.Clone()
	return nil
}

func (c *configStore) Remove(ctx context.Context, key string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.fail(); err != nil {
		return err
	}
	if _, ok := c.s.configs[key]; !ok {
		return store.ErrNotFound
	}
	delete(c.s.configs, key)
	return nil
}

type historyStore struct {
	s *Store
}

func (h *historyStore) Append(ctx context.Context, rec *model.HistoryRecord) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if err := h.s.fail(); err != nil {
		return err
	}
	cp := *rec
	cp.Entries = make([]model.HistoryEntry, len(rec.Entries))
	copy(cp.Entries, rec.Entries)
	h.s.history[rec.InstanceKey] = append(h.s.history[rec.InstanceKey], cp)
	return nil
}

func (h *historyStore) ListByInstance(ctx context.Context, instanceKey string, limit int) ([]model.HistoryRecord, error) {
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()
	if err := h.s.fail(); err != nil {
		return nil, err
	}
	records := h.s.history[instanceKey]
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]model.HistoryRecord, len(records))
	copy(out, records)
	return out, nil
}

func (h *historyStore) RemoveByInstance(ctx context.Context, instanceKey string) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if err := h.s.fail(); err != nil {
		return err
	}
	delete(h.s.history, instanceKey)
	return nil
}

type registryStore struct {
	s *Store
}

func (r *registryStore) Upsert(ctx context.Context, reg *model.Registration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail(); err != nil {
		return err
	}
	r.s.registry[reg.PeerID] = *reg
	return nil
}

func (r *registryStore) Refresh(ctx context.Context, peerID string, ts int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail(); err != nil {
		return err
	}
	reg, ok := r.s.registry[peerID]
	if !ok {
		return store.ErrNotFound
	}
	reg.LastRefresh = ts
	r.s.registry[peerID] = reg
	return nil
}

func (r *registryStore) ListLive(ctx context.Context, since int64) ([]model.Registration, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.fail(); err != nil {
		return nil, err
	}
	var out []model.Registration
	for _, reg := range r.s.registry {
		if reg.Status == model.PeerOnline && reg.LastRefresh >= since {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

func (r *registryStore) SetStatus(ctx context.Context, peerID, status string, ts int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail(); err != nil {
		return err
	}
	reg, ok := r.s.registry[peerID]
	if !ok {
		return store.ErrNotFound
	}
	reg.Status = status
	reg.LastRefresh = ts
	r.s.registry[peerID] = reg
	return nil
}

func (r *registryStore) Remove(ctx context.Context, peerID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail(); err != nil {
		return err
	}
	delete(r.s.registry, peerID)
	return nil
}
