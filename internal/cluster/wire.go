package cluster

// ServerStatus describes the liveness of a server as far as the
// coordinator is concerned.
type ServerStatus string

const (
	// ServerUp means the server is enlisted and believed alive.
	ServerUp ServerStatus = "up"
	// ServerCrashed means the server is believed dead and its crash
	// recovery has not completed yet.
	ServerCrashed ServerStatus = "crashed"
	// ServerRemoved means crash recovery has completed and the server
	// is being flushed from the cluster's server lists.
	ServerRemoved ServerStatus = "removed"
)

// ListType distinguishes a complete server list snapshot from an
// incremental diff.
type ListType string

const (
	// ListFull is a complete snapshot of the server list at Version.
	ListFull ListType = "full"
	// ListUpdate is the diff that produced Version from Version-1.
	ListUpdate ListType = "update"
)

// ServerListEntry is the wire representation of one server in a server
// list or a server list update.
//
// Within an update, an entry's Status says what happened to the server
// at that version: "up" entries are additions or attribute changes
// (an attribute change, such as a new replication id, carries the same
// id with fresh fields and is applied as an upsert), "crashed" and
// "removed" entries announce the corresponding transitions.
type ServerListEntry struct {
	ServerId       ServerId     `json:"server_id"`
	ServiceLocator string       `json:"service_locator"`
	Services       ServiceMask  `json:"services"`
	ReadSpeed      uint32       `json:"read_speed"`
	Status         ServerStatus `json:"status"`
	ReplicationId  uint64       `json:"replication_id,omitempty"`
}

// ServerList is the wire representation of the cluster's server list:
// either a full snapshot or the incremental diff for one version.
//
// Ordering contract for updates: every "crashed" and "removed" entry
// precedes every "up" entry. A server that re-enlists under a new id is
// therefore always observed as old-id-gone before new-id-present.
type ServerList struct {
	Version uint64            `json:"version"`
	Type    ListType          `json:"type"`
	Servers []ServerListEntry `json:"servers,omitempty"`
}

// UpdateServerListRequest carries one batched membership push from the
// coordinator to a server. Bodies are ordered: an optional full
// snapshot first, then incremental updates in strictly increasing
// version order with no gaps.
type UpdateServerListRequest struct {
	Updates []ServerList `json:"updates"`
}

// UpdateServerListResponse acknowledges a membership push with the
// version the server's list reached after applying it.
type UpdateServerListResponse struct {
	Version uint64 `json:"version"`
}

// EnlistRequest is sent by a starting server to join the cluster.
// ReplacesId, when valid, names a previous incarnation of this server
// that the coordinator should retire first.
type EnlistRequest struct {
	ReplacesId     ServerId    `json:"replaces_id,omitempty"`
	ServiceLocator string      `json:"service_locator"`
	Services       ServiceMask `json:"services"`
	ReadSpeed      uint32      `json:"read_speed"`
}

// EnlistResponse returns the id the coordinator assigned. The id is
// durable: it survives a coordinator crash and replay.
type EnlistResponse struct {
	ServerId ServerId `json:"server_id"`
}
