package session

import (
	"sort"

	"github.com/skeinhq/skein/internal/model"
)

// sheetState holds the live maps of one sheet plus the snapshot the
// diff flush compares against. Element values are never mutated in
// place (commits replace them with working copies), so snapshots share
// values with the live maps.
type sheetState struct {
	nodes map[string]model.Element
	edges map[string]model.Element

	// edgeIndex maps "source-{nodeKey}" and "target-{nodeKey}" slots to
	// the set of edge keys occupying them.
	edgeIndex map[string]map[string]struct{}

	history []historyMessage

	origNodes map[string]model.Element
	origEdges map[string]model.Element
	dirty     bool
}

func newSheetState() *sheetState {
	return &sheetState{
		nodes:     make(map[string]model.Element),
		edges:     make(map[string]model.Element),
		edgeIndex: make(map[string]map[string]struct{}),
		origNodes: make(map[string]model.Element),
		origEdges: make(map[string]model.Element),
	}
}

func sourceSlot(nodeKey string) string { return "source-" + nodeKey }
func targetSlot(nodeKey string) string { return "target-" + nodeKey }

func (s *sheetState) indexEdge(e model.Element) {
	key := e.Key()
	for _, slot := range []string{sourceSlot(e.Source()), targetSlot(e.Target())} {
		set := s.edgeIndex[slot]
		if set == nil {
			set = make(map[string]struct{})
			s.edgeIndex[slot] = set
		}
		set[key] = struct{}{}
	}
}

func (s *sheetState) unindexEdge(e model.Element) {
	key := e.Key()
	for _, slot := range []string{sourceSlot(e.Source()), targetSlot(e.Target())} {
		if set := s.edgeIndex[slot]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(s.edgeIndex, slot)
			}
		}
	}
}

// attachedEdges returns the sorted keys of edges touching the node from
// either side.
func (s *sheetState) attachedEdges(nodeKey string) []string {
	seen := make(map[string]struct{})
	for _, slot := range []string{sourceSlot(nodeKey), targetSlot(nodeKey)} {
		for key := range s.edgeIndex[slot] {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// sheetFlush captures one sheet's pending store writes plus the
// snapshot that replaces the old one once they all succeed.
type sheetFlush struct {
	sheetID string

	createNodes []model.Element
	updateNodes []model.Element
	deleteNodes []string
	createEdges []model.Element
	updateEdges []model.Element
	deleteEdges []string

	snapNodes map[string]model.Element
	snapEdges map[string]model.Element
}

func (p *sheetFlush) empty() bool {
	return len(p.createNodes) == 0 && len(p.updateNodes) == 0 && len(p.deleteNodes) == 0 &&
		len(p.createEdges) == 0 && len(p.updateEdges) == 0 && len(p.deleteEdges) == 0
}

// diffSheet computes the created/updated/deleted sets of both entity
// types against the snapshot.
func diffSheet(sheetID string, s *sheetState) *sheetFlush {
	p := &sheetFlush{
		sheetID:   sheetID,
		snapNodes: copyElements(s.nodes),
		snapEdges: copyElements(s.edges),
	}
	p.createNodes, p.updateNodes, p.deleteNodes = diffElements(s.nodes, s.origNodes)
	p.createEdges, p.updateEdges, p.deleteEdges = diffElements(s.edges, s.origEdges)
	return p
}

func diffElements(current, snapshot map[string]model.Element) (created, updated []model.Element, deleted []string) {
	for key, cur := range current {
		prev, ok := snapshot[key]
		if !ok {
			created = append(created, cur)
			continue
		}
		if !canonicalEqual(prev, cur) {
			updated = append(updated, cur)
		}
	}
	for key := range snapshot {
		if _, ok := current[key]; !ok {
			deleted = append(deleted, key)
		}
	}
	sortElements(created)
	sortElements(updated)
	sort.Strings(deleted)
	return created, updated, deleted
}

func canonicalEqual(a, b model.Element) bool {
	ca, err := a.Canonical()
	if err != nil {
		return false
	}
	cb, err := b.Canonical()
	if err != nil {
		return false
	}
	return ca == cb
}

func sortElements(els []model.Element) {
	sort.Slice(els, func(i, j int) bool { return els[i].Key() < els[j].Key() })
}

func copyElements(m map[string]model.Element) map[string]model.Element {
	out := make(map[string]model.Element, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
