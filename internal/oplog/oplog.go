package oplog

import (
	"errors"

	"github.com/dreamware/corral/internal/cluster"
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("operation log closed")

// EntryId identifies one appended record. Ids are assigned by the log
// in strictly increasing append order and are never reused.
type EntryId uint64

// NoId is the distinguished "no entry" value. Valid ids start at 1.
const NoId EntryId = 0

// Record is the tagged payload of one log entry. EntryType selects the
// fact being recorded; the remaining fields carry whichever details
// that fact needs and are omitted from the encoding otherwise.
//
// The recognized entry types are:
//
//	ClusterIdentity           header: the cluster this log belongs to
//	AliveServer               enlistment of a server (id, locator,
//	                          services, read speed, update version)
//	ServerCrashed             the server was declared crashed
//	ServerNeedsRecovery       crash recovery is pending for the server
//	ServerRemoveUpdate        recovery completed; remove update pending
//	ServerUpdate              new master recovery info for the server
//	ServerReplicationUpdate   new replication id for the server
//	ServerListVersion         checkpoint of the current list version
//	ServerUpUpdate            marker: up updates not yet cluster-wide
//	ServerReplicationUpUpdate marker: replication updates not yet
//	                          cluster-wide
type Record struct {
	EntryType          string              `json:"entry_type"`
	ClusterID          string              `json:"cluster_id,omitempty"`
	ServerId           cluster.ServerId    `json:"server_id,omitempty"`
	ServiceLocator     string              `json:"service_locator,omitempty"`
	Services           cluster.ServiceMask `json:"services,omitempty"`
	ReadSpeed          uint32              `json:"read_speed,omitempty"`
	UpdateVersion      uint64              `json:"update_version,omitempty"`
	Version            uint64              `json:"version,omitempty"`
	ReplicationId      uint64              `json:"replication_id,omitempty"`
	MasterRecoveryInfo []byte              `json:"master_recovery_info,omitempty"`
}

// Entry type tags for Record.EntryType.
const (
	EntryClusterIdentity           = "ClusterIdentity"
	EntryAliveServer               = "AliveServer"
	EntryServerCrashed             = "ServerCrashed"
	EntryServerNeedsRecovery       = "ServerNeedsRecovery"
	EntryServerRemoveUpdate        = "ServerRemoveUpdate"
	EntryServerUpdate              = "ServerUpdate"
	EntryServerReplicationUpdate   = "ServerReplicationUpdate"
	EntryServerListVersion         = "ServerListVersion"
	EntryServerUpUpdate            = "ServerUpUpdate"
	EntryServerReplicationUpUpdate = "ServerReplicationUpUpdate"
)

// Log is the durable, append-only, invalidatable record store backing
// coordinator recovery. Implementations must be safe for concurrent
// use.
//
// The contract the coordinator relies on:
//
//   - Append is atomic: the new record becomes durable and the named
//     prior entries become invalid in one step, or nothing happens.
//   - Ids are assigned in append order; Replay yields the live (never
//     invalidated) records in exactly that order.
//   - An id may be invalidated at most once; invalidating NoId or an
//     already-invalid id is a harmless no-op, so callers don't have to
//     track which of a record's predecessors are still live.
type Log interface {
	// Append durably stores rec, atomically invalidating the given
	// prior entries, and returns the new record's id.
	Append(rec *Record, invalidates []EntryId) (EntryId, error)

	// Invalidate marks the given entries invalid without appending a
	// record. It returns the id of the tombstone that carries the
	// invalidation, or NoId if there was nothing to invalidate.
	Invalidate(ids []EntryId) (EntryId, error)

	// Replay calls fn once per live record, in append order. A non-nil
	// error from fn aborts the replay and is returned.
	Replay(fn func(id EntryId, rec *Record) error) error
}
