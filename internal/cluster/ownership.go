package cluster

import (
	"sync"
	"time"
)

type claim struct {
	peerID    string
	claimedAt int64
}

// Ownership maps instance keys to the peer currently managing them.
// Entries for the local server come from claims, entries for remote
// servers from manage broadcasts. Claim timestamps decide simultaneous
// claims: the older claim stands, ties go to the smaller peer ID.
type Ownership struct {
	mu     sync.RWMutex
	selfID string
	owners map[string]claim
}

func NewOwnership(selfID string) *Ownership {
	return &Ownership{
		selfID: selfID,
		owners: make(map[string]claim),
	}
}

// Claim records the local server as owner and returns the claim
// timestamp for the manage broadcast.
func (o *Ownership) Claim(instanceKey string) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.owners[instanceKey]; ok && c.peerID == o.selfID {
		return c.claimedAt
	}
	now := time.Now().UnixMilli()
	o.owners[instanceKey] = claim{peerID: o.selfID, claimedAt: now}
	return now
}

// SetOwner records peerID as owner, overwriting any previous entry.
func (o *Ownership) SetOwner(instanceKey, peerID string, claimedAt int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owners[instanceKey] = claim{peerID: peerID, claimedAt: claimedAt}
}

// Release drops the entry regardless of owner.
func (o *Ownership) Release(instanceKey string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.owners, instanceKey)
}

// ReleaseBy drops the entry only when peerID still owns it. Keeps a
// late release broadcast from clobbering a newer claim.
func (o *Ownership) ReleaseBy(instanceKey, peerID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.owners[instanceKey]; !ok || c.peerID != peerID {
		return false
	}
	delete(o.owners, instanceKey)
	return true
}

// ReleaseOwnedBy drops every entry held by peerID and returns the
// affected instance keys. Called when a peer vanishes from the
// registry.
func (o *Ownership) ReleaseOwnedBy(peerID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var released []string
	for key, c := range o.owners {
		if c.peerID == peerID {
			delete(o.owners, key)
			released = append(released, key)
		}
	}
	return released
}

// Owner returns the owning peer, if any.
func (o *Ownership) Owner(instanceKey string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.owners[instanceKey]
	return c.peerID, ok
}

// Entry returns the owning peer together with its claim timestamp.
func (o *Ownership) Entry(instanceKey string) (peerID string, claimedAt int64, ok bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.owners[instanceKey]
	return c.peerID, c.claimedAt, ok
}

// OwnedBySelf reports whether the local server owns the instance.
func (o *Ownership) OwnedBySelf(instanceKey string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owners[instanceKey].peerID == o.selfID
}

// Count returns the number of tracked instances.
func (o *Ownership) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.owners)
}

// SelfOwned returns the instance keys owned locally.
func (o *Ownership) SelfOwned() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var keys []string
	for key, c := range o.owners {
		if c.peerID == o.selfID {
			keys = append(keys, key)
		}
	}
	return keys
}
