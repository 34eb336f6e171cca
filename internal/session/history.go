package session

import (
	"encoding/json"
	"sort"
)

// historyMessage is one fanned-out client message retained for
// catch-up, in server arrival order with its assignment timestamp.
type historyMessage struct {
	time int64
	raw  json.RawMessage
}

// appendHistory appends msg and enforces the retention cap by dropping
// the oldest entries. limit <= 0 keeps everything.
func appendHistory(h []historyMessage, msg historyMessage, limit int) []historyMessage {
	h = append(h, msg)
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return h
}

// messagesSince returns the raw messages with time strictly greater
// than since. Timestamps are non-decreasing, so the boundary is found
// by binary search.
func messagesSince(h []historyMessage, since int64) []json.RawMessage {
	i := sort.Search(len(h), func(i int) bool { return h[i].time > since })
	out := make([]json.RawMessage, 0, len(h)-i)
	for _, m := range h[i:] {
		out = append(out, m.raw)
	}
	return out
}
