package coordinator

import (
	"sync/atomic"

	"github.com/dreamware/corral/internal/cluster"
)

// updatePair holds the incremental diff that created one list version
// together with the full snapshot at that version.
//
// Pairs form a singly linked list ordered by version. A pair's next
// pointer is set exactly once, when its successor is appended, and the
// pair itself is immutable from publication until it is pruned, so the
// updater may walk forward from a pair it was handed without holding
// the registry lock. Appending and pruning happen only at the ends,
// under the lock.
type updatePair struct {
	version     uint64
	incremental cluster.ServerList
	full        cluster.ServerList
	next        atomic.Pointer[updatePair]
}

// appendUpdatePairLocked publishes a new pair at the tail.
func (r *ServerRegistry) appendUpdatePairLocked(incremental, full cluster.ServerList) {
	p := &updatePair{
		version:     incremental.Version,
		incremental: incremental,
		full:        full,
	}
	if r.updatesTail == nil {
		r.updatesHead = p
		r.updatesTail = p
		return
	}
	r.updatesTail.next.Store(p)
	r.updatesTail = p
}

// findPairLocked returns the pair carrying the given version, or nil
// if it has been pruned or never existed.
func (r *ServerRegistry) findPairLocked(version uint64) *updatePair {
	for p := r.updatesHead; p != nil && p.version <= version; p = p.next.Load() {
		if p.version == version {
			return p
		}
	}
	return nil
}

// pruneUpdatesLocked pops pairs from the head that every server has
// acknowledged. Pruning is skipped while any update RPC is in flight,
// since the updater may be traversing from a pair in the prunable
// range.
func (r *ServerRegistry) pruneUpdatesLocked() {
	if r.numUpdatingServers > 0 {
		return
	}
	for r.updatesHead != nil && r.updatesHead.version <= r.minConfirmedVersion {
		r.updatesHead = r.updatesHead.next.Load()
	}
	if r.updatesHead == nil {
		r.updatesTail = nil
	}
}

// updateLogLen reports the number of retained pairs; test helper.
func (r *ServerRegistry) updateLogLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for p := r.updatesHead; p != nil; p = p.next.Load() {
		n++
	}
	return n
}
