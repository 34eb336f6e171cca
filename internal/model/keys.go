package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Local keys are lowercase base-36 counters allocated per graph. The
// store persists nodes and edges under "{graphKey}-{localKey}" so keys
// from different graphs never collide in a shared collection.

// CompositeKey joins a graph key and a local key into a store key.
func CompositeKey(graphKey, localKey string) string {
	return graphKey + "-" + localKey
}

// SplitCompositeKey splits a store key back into graph and local key.
// Local keys never contain '-', graph keys may, so the split happens at
// the last separator.
func SplitCompositeKey(key string) (graphKey, localKey string, ok bool) {
	idx := strings.LastIndex(key, "-")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// Instance kinds. A session instance manages either a whole graph or a
// single node configuration document.
const (
	KindGraph      = "graph"
	KindNodeConfig = "nodeConfig"
)

// InstanceKey names a session instance across the cluster.
func InstanceKey(kind, key string) string {
	return kind + ":" + key
}

// SplitInstanceKey splits an instance key into kind and document key.
func SplitInstanceKey(instanceKey string) (kind, key string, ok bool) {
	idx := strings.Index(instanceKey, ":")
	if idx <= 0 || idx == len(instanceKey)-1 {
		return "", "", false
	}
	return instanceKey[:idx], instanceKey[idx+1:], true
}

// FormatLocalKey renders a counter value as a lowercase base-36 key.
func FormatLocalKey(n uint64) string {
	return strconv.FormatUint(n, 36)
}

// ParseLocalKey parses a lowercase base-36 local key. Uppercase input
// is rejected so that allocated and parsed keys stay byte-identical.
func ParseLocalKey(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty local key")
	}
	if s != strings.ToLower(s) {
		return 0, fmt.Errorf("local key %q is not lowercase", s)
	}
	n, err := strconv.ParseUint(s, 36, 64)
	if err != nil {
		return 0, fmt.Errorf("local key %q is not base-36: %w", s, err)
	}
	return n, nil
}
