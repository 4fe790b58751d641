package registry

import (
	"sync"

	"github.com/epiwatch/alertstream/internal/domain"
)

// SubscriptionIndex maps coarse alert-group keys (risk level, alert type,
// geo tile) to subscriber connection IDs. Groups are buckets for efficient
// candidate lookup; exact per-connection filters are applied by the caller
// as a second pass.
type SubscriptionIndex struct {
	mu     sync.RWMutex
	groups map[string]map[domain.ConnectionID]struct{}
	conns  map[domain.ConnectionID]map[string]struct{}
}

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		groups: make(map[string]map[domain.ConnectionID]struct{}),
		conns:  make(map[domain.ConnectionID]map[string]struct{}),
	}
}

// Subscribe adds the connection to the given groups. Membership is a set;
// re-subscribing is a no-op.
func (idx *SubscriptionIndex) Subscribe(id domain.ConnectionID, groupKeys []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	memberships, ok := idx.conns[id]
	if !ok {
		memberships = make(map[string]struct{})
		idx.conns[id] = memberships
	}

	for _, key := range groupKeys {
		group, ok := idx.groups[key]
		if !ok {
			group = make(map[domain.ConnectionID]struct{})
			idx.groups[key] = group
		}
		group[id] = struct{}{}
		memberships[key] = struct{}{}
	}
}

// Unsubscribe removes the connection from the given groups.
func (idx *SubscriptionIndex) Unsubscribe(id domain.ConnectionID, groupKeys []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	memberships := idx.conns[id]
	for _, key := range groupKeys {
		if group, ok := idx.groups[key]; ok {
			delete(group, id)
			if len(group) == 0 {
				delete(idx.groups, key)
			}
		}
		delete(memberships, key)
	}
	if len(memberships) == 0 {
		delete(idx.conns, id)
	}
}

// Purge removes every membership the connection holds. Called on close.
func (idx *SubscriptionIndex) Purge(id domain.ConnectionID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for key := range idx.conns[id] {
		if group, ok := idx.groups[key]; ok {
			delete(group, id)
			if len(group) == 0 {
				delete(idx.groups, key)
			}
		}
	}
	delete(idx.conns, id)
}

// Resolve returns the union of subscribers across the alert's group keys.
// Exact filter matching is the caller's second pass.
func (idx *SubscriptionIndex) Resolve(alert domain.AlertMessage) []domain.ConnectionID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[domain.ConnectionID]struct{})
	var ids []domain.ConnectionID
	for _, key := range alert.GroupKeys() {
		for id := range idx.groups[key] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// Groups returns the group keys the connection is subscribed to.
func (idx *SubscriptionIndex) Groups(id domain.ConnectionID) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	keys := make([]string, 0, len(idx.conns[id]))
	for key := range idx.conns[id] {
		keys = append(keys, key)
	}
	return keys
}

// GroupSize returns the number of subscribers in a group.
func (idx *SubscriptionIndex) GroupSize(key string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.groups[key])
}
