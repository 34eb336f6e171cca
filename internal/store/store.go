// Package store defines the persistence interface of the collaboration
// server. The durable backend keeps graphs, their nodes and edges, node
// configurations, per-instance history and the cluster registry. Two
// implementations exist: the ArangoDB adapter used in production and an
// in-memory store for tests and single-node development.
package store

import (
	"context"
	"errors"

	"github.com/skeinhq/skein/internal/model"
)

// ErrNotFound is returned when a document does not exist. Adapters wrap
// backend-specific lookups into this error; use errors.Is.
var ErrNotFound = errors.New("document not found")

// ErrConflict is returned when a create hits an existing key.
var ErrConflict = errors.New("document already exists")

// IsNotFound reports whether err is a missing-document error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store is the durable backend. Sub-stores group the per-collection
// operations; implementations return the same instances on every call.
type Store interface {
	Graphs() GraphStore
	Nodes() ElementStore
	Edges() ElementStore
	NodeConfigs() NodeConfigStore
	History() HistoryStore
	Registry() RegistryStore

	// Ping verifies connectivity; used by readiness checks.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// GraphStore persists graph metadata documents.
type GraphStore interface {
	Get(ctx context.Context, key string) (*model.Graph, error)
	Put(ctx context.Context, graph *model.Graph) error
	Remove(ctx context.Context, key string) error

	// RemoveTree removes the graph together with its nodes, edges and
	// history. Used when a sub-workflow node is deleted.
	RemoveTree(ctx context.Context, key string) error

	// UpdateSheets replaces the sheet list and bumps updatedAt.
	UpdateSheets(ctx context.Context, key string, sheets map[string]string, ts int64) error

	// Touch bumps updatedAt after a save.
	Touch(ctx context.Context, key string, ts int64) error
}

// ElementStore persists nodes or edges. Callers address elements by
// graph key plus local key; adapters translate to the composite
// "{graphKey}-{localKey}" document keys.
type ElementStore interface {
	Get(ctx context.Context, graphKey, key string) (model.Element, error)
	Create(ctx context.Context, graphKey string, el model.Element) error
	Replace(ctx context.Context, graphKey string, el model.Element) error
	Remove(ctx context.Context, graphKey, key string) error
	ListByGraph(ctx context.Context, graphKey string) ([]model.Element, error)
	RemoveByGraph(ctx context.Context, graphKey string) error
	RemoveBySheet(ctx context.Context, graphKey, sheetID string) error
}

// NodeConfigStore persists node configuration documents.
type NodeConfigStore interface {
	Get(ctx context.Context, key string) (model.Element, error)
	Put(ctx context.Context, key string, cfg model.Element) error
	Remove(ctx context.Context, key string) error
}

// HistoryStore persists the per-instance save history.
type HistoryStore interface {
	Append(ctx context.Context, rec *model.HistoryRecord) error
	ListByInstance(ctx context.Context, instanceKey string, limit int) ([]model.HistoryRecord, error)
	RemoveByInstance(ctx context.Context, instanceKey string) error
}

// RegistryStore persists cluster peer registrations.
type RegistryStore interface {
	Upsert(ctx context.Context, reg *model.Registration) error
	Refresh(ctx context.Context, peerID string, ts int64) error

	// ListLive returns registrations with status online refreshed at or
	// after since.
	ListLive(ctx context.Context, since int64) ([]model.Registration, error)
	SetStatus(ctx context.Context, peerID, status string, ts int64) error
	Remove(ctx context.Context, peerID string) error
}
