package model

import "encoding/json"

// Element is a node, edge or node configuration as held in memory: a
// decoded JSON object. Beyond a handful of reserved fields (key,
// sheetId, source, target) the payload is opaque to the server and is
// edited through the instruction protocol.
type Element map[string]any

// Reserved element fields.
const (
	FieldKey        = "key"
	FieldGraphKey   = "graphKey"
	FieldSheet      = "sheetId"
	FieldSource     = "source"
	FieldTarget     = "target"
	FieldData       = "data"
	FieldIdentifier = "identifier"
	fieldWorkflow   = "workflowKey"
)

// Key returns the element's local key, or "" when unset.
func (e Element) Key() string { return stringField(e, FieldKey) }

// GraphKey returns the owning graph's key, or "" when unset.
func (e Element) GraphKey() string { return stringField(e, FieldGraphKey) }

// Sheet returns the owning sheet id, or "" when unset.
func (e Element) Sheet() string { return stringField(e, FieldSheet) }

// Source returns an edge's source node key.
func (e Element) Source() string { return stringField(e, FieldSource) }

// Target returns an edge's target node key.
func (e Element) Target() string { return stringField(e, FieldTarget) }

// IsEdge reports whether the element carries edge endpoint references.
func (e Element) IsEdge() bool {
	return e.Source() != "" && e.Target() != ""
}

// WorkflowKey returns the key of the nested sub-workflow graph this
// node represents, or "" for ordinary nodes. Stored under
// data.workflowKey.
func (e Element) WorkflowKey() string {
	data, ok := e[FieldData].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(data, fieldWorkflow)
}

// Clone returns a deep copy of the element.
func (e Element) Clone() Element {
	if e == nil {
		return nil
	}
	return CloneValue(map[string]any(e)).(map[string]any)
}

// Canonical returns the element encoded as JSON with sorted object
// keys, suitable for change detection between saves.
func (e Element) Canonical() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// CloneValue deep-copies a decoded JSON value. Scalars are returned
// as-is; maps and slices are copied recursively.
func CloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(tv))
		for k, val := range tv {
			cp[k] = CloneValue(val)
		}
		return cp
	case Element:
		return CloneValue(map[string]any(tv))
	case []any:
		cp := make([]any, len(tv))
		for i, val := range tv {
			cp[i] = CloneValue(val)
		}
		return cp
	default:
		return v
	}
}

func stringField(m map[string]any, field string) string {
	v, ok := m[field]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
