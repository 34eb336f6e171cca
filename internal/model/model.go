// Package model defines the persistent data model shared by the session
// layer, the cluster coordinator and the store adapters: graphs with
// their sheet lists, nodes and edges as semi-structured elements, node
// configurations, history records and cluster registry rows.
package model

import (
	"encoding/json"
	"sort"
)

// Graph holds the server-managed metadata of a workflow graph. Nodes
// and edges live in their own collections; Sheets maps sheet IDs to
// their display names.
type Graph struct {
	Key         string            `json:"key"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Workspace   string            `json:"workspace,omitempty"`
	Sheets      map[string]string `json:"sheetList"`
	Meta        GraphMeta         `json:"meta,omitempty"`
	CreatedAt   int64             `json:"createdAt,omitempty"`
	UpdatedAt   int64             `json:"updatedAt,omitempty"`
}

// GraphMeta carries graph-level flags.
type GraphMeta struct {
	// NoMultipleSheet refuses sheet creation beyond the first.
	NoMultipleSheet bool `json:"noMultipleSheet,omitempty"`
	Locked          bool `json:"locked,omitempty"`
}

// HasSheet reports whether the graph contains the sheet.
func (g *Graph) HasSheet(id string) bool {
	_, ok := g.Sheets[id]
	return ok
}

// AddSheet records a sheet. The caller checks for duplicates.
func (g *Graph) AddSheet(id, name string) {
	if g.Sheets == nil {
		g.Sheets = make(map[string]string)
	}
	g.Sheets[id] = name
}

// RenameSheet updates a sheet's display name. Returns false when the
// sheet does not exist.
func (g *Graph) RenameSheet(id, name string) bool {
	if _, ok := g.Sheets[id]; !ok {
		return false
	}
	g.Sheets[id] = name
	return true
}

// RemoveSheet drops a sheet. Returns false when the sheet does not
// exist.
func (g *Graph) RemoveSheet(id string) bool {
	if _, ok := g.Sheets[id]; !ok {
		return false
	}
	delete(g.Sheets, id)
	return true
}

// SheetIDs returns the sheet IDs in sorted order.
func (g *Graph) SheetIDs() []string {
	ids := make([]string, 0, len(g.Sheets))
	for id := range g.Sheets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy of the graph metadata.
func (g *Graph) Clone() *Graph {
	cp := *g
	if g.Sheets != nil {
		cp.Sheets = make(map[string]string, len(g.Sheets))
		for id, name := range g.Sheets {
			cp.Sheets[id] = name
		}
	}
	return &cp
}

// HistoryEntry is one recorded edit on an instance. Payload carries the
// instruction batch (or batch/sheet operation) exactly as applied, so
// reconnecting clients can replay it. Timestamps are unix milliseconds
// and non-decreasing within a sheet.
type HistoryEntry struct {
	Op        string          `json:"op"`
	SheetID   string          `json:"sheetId,omitempty"`
	UserID    string          `json:"user,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// HistoryRecord is the durable form written at save time. Entries hold
// the inverse operations queued since the previous save, oldest first.
type HistoryRecord struct {
	Key         string         `json:"key"`
	InstanceKey string         `json:"instanceKey"`
	Entries     []HistoryEntry `json:"entries"`
	CreatedAt   int64          `json:"createdAt"`
}

// Registration is a row in the cluster registry collection. Port is the
// peer's HTTP port; the cluster channels derive from it.
type Registration struct {
	PeerID      string `json:"peerId"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Version     string `json:"version"`
	Status      string `json:"status"`
	LastRefresh int64  `json:"lastRefresh"`
}

// Registry status values.
const (
	PeerOnline  = "online"
	PeerOffline = "offline"
)
