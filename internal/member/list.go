// Package member implements the server-side half of membership
// propagation: the local copy of the cluster's server list that every
// storage server maintains by applying the coordinator's pushes.
package member

import (
	"errors"
	"sync"

	"github.com/dreamware/corral/internal/cluster"
)

// ErrUpdateGap is returned when an incremental update's version is not
// the successor of the local version. The caller rejects the push; the
// coordinator rolls back and resends the missing range (or a full
// snapshot).
var ErrUpdateGap = errors.New("server list update version gap")

// List is a server's local view of the cluster membership. It applies
// full snapshots and incremental updates pushed by the coordinator and
// enforces version continuity: incrementals must arrive in exact
// version order, duplicates are ignored, gaps are rejected.
// Thread-safe: all methods are safe for concurrent use.
type List struct {
	mu      sync.RWMutex
	version uint64
	servers map[cluster.ServerId]cluster.ServerListEntry
}

// NewList creates an empty list at version 0.
func NewList() *List {
	return &List{servers: make(map[cluster.ServerId]cluster.ServerListEntry)}
}

// ApplyUpdates applies one batched push in order and returns the
// version the list reached. Bodies already covered by the local
// version are skipped, so retransmissions are harmless. On a gap the
// list is left at the last good version and ErrUpdateGap is returned.
func (l *List) ApplyUpdates(updates []cluster.ServerList) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, u := range updates {
		switch u.Type {
		case cluster.ListFull:
			if u.Version < l.version {
				continue
			}
			l.servers = make(map[cluster.ServerId]cluster.ServerListEntry, len(u.Servers))
			for _, s := range u.Servers {
				l.servers[s.ServerId] = s
			}
			l.version = u.Version
		case cluster.ListUpdate:
			if u.Version <= l.version {
				continue
			}
			if u.Version != l.version+1 {
				return l.version, ErrUpdateGap
			}
			for _, s := range u.Servers {
				switch s.Status {
				case cluster.ServerRemoved:
					delete(l.servers, s.ServerId)
				default:
					l.servers[s.ServerId] = s
				}
			}
			l.version = u.Version
		}
	}
	return l.version, nil
}

// Version returns the version the local list has reached.
func (l *List) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Get returns the entry for id, if present.
func (l *List) Get(id cluster.ServerId) (cluster.ServerListEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.servers[id]
	return s, ok
}

// Servers returns a copy of the current entries, in no particular
// order.
func (l *List) Servers() []cluster.ServerListEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]cluster.ServerListEntry, 0, len(l.servers))
	for _, s := range l.servers {
		out = append(out, s)
	}
	return out
}

// UpServers returns the servers currently believed up that run every
// service in the mask.
func (l *List) UpServers(mask cluster.ServiceMask) []cluster.ServerListEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []cluster.ServerListEntry
	for _, s := range l.servers {
		if s.Status == cluster.ServerUp && s.Services.Intersect(mask) == mask {
			out = append(out, s)
		}
	}
	return out
}
