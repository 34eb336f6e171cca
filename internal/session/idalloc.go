package session

import (
	"fmt"

	"github.com/skeinhq/skein/internal/model"
)

// maxAllocAttempts bounds the candidate scan during allocation. Hitting
// it means ten thousand consecutive counter values were already taken,
// which indicates a corrupted key space rather than normal load.
const maxAllocAttempts = 10000

// idAllocator hands out fresh base-36 local keys for one instance. The
// counter only moves forward and every key ever observed or allocated
// stays in the used set, so keys are never reused within a process
// lifetime.
type idAllocator struct {
	next uint64
	used map[string]struct{}
}

func newIDAllocator() *idAllocator {
	return &idAllocator{used: make(map[string]struct{})}
}

// observe records an existing key and, when it parses as base-36,
// advances the counter past it.
func (a *idAllocator) observe(key string) {
	if key == "" {
		return
	}
	a.used[key] = struct{}{}
	if n, err := model.ParseLocalKey(key); err == nil && n >= a.next {
		a.next = n + 1
	}
}

// observeValue walks v and observes every string "identifier" field,
// however deeply nested.
func (a *idAllocator) observeValue(v any) {
	switch t := v.(type) {
	case map[string]any:
		if id, ok := t["identifier"].(string); ok {
			a.observe(id)
		}
		for _, child := range t {
			a.observeValue(child)
		}
	case []any:
		for _, child := range t {
			a.observeValue(child)
		}
	}
}

// inUse reports whether key was ever observed or allocated.
func (a *idAllocator) inUse(key string) bool {
	_, ok := a.used[key]
	return ok
}

// allocate returns a fresh key, skipping counter values that clients
// claimed out of band.
func (a *idAllocator) allocate() (string, error) {
	for i := 0; i < maxAllocAttempts; i++ {
		key := model.FormatLocalKey(a.next)
		a.next++
		if _, taken := a.used[key]; taken {
			continue
		}
		a.used[key] = struct{}{}
		return key, nil
	}
	return "", fmt.Errorf("id space exhausted after %d candidates", maxAllocAttempts)
}
