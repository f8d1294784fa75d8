package coordinator

import (
	"github.com/dreamware/corral/internal/cluster"
	"github.com/dreamware/corral/internal/oplog"
)

// Entry is the state the coordinator maintains for one enlisted server.
//
// The exported fields describe the server itself and are what the
// accessors hand out (as value copies). The unexported fields are
// bookkeeping private to the registry: the two-phase update versions,
// the version at which the server's removal was published, and the ids
// of the operation log records that carry the last persisted facts
// about this server.
type Entry struct {
	// ServerId is the unique id assigned at enlistment.
	ServerId cluster.ServerId

	// ServiceLocator is the transport address the server answers on.
	ServiceLocator string

	// Services is the set of services the server runs.
	Services cluster.ServiceMask

	// ReadSpeed is the server's advertised disk read speed in MB/s,
	// used by backup placement.
	ReadSpeed uint32

	// Status is the server's position in the up → crashed → removed
	// lifecycle.
	Status cluster.ServerStatus

	// ReplicationId is the server's replication group, 0 if it is not
	// in one. Only backups join replication groups.
	ReplicationId uint64

	// MasterRecoveryInfo is opaque to the coordinator; master recovery
	// stores what it needs here and reads it back during a recovery.
	MasterRecoveryInfo []byte

	// NeedsRecovery is set when the server is declared crashed and
	// cleared when its crash recovery completes.
	NeedsRecovery bool

	// VerifiedVersion is the latest server list version this server
	// has received, applied, and acknowledged: the committed side of
	// the two-phase update protocol.
	VerifiedVersion uint64

	// UpdateVersion is the latest version handed to an update RPC for
	// this server, in flight or already confirmed: the promised side.
	// VerifiedVersion == UpdateVersion means no RPC is outstanding.
	UpdateVersion uint64

	// removeVersion is the list version that published this server's
	// REMOVE update. The slot is freed once the cluster has
	// acknowledged that version.
	removeVersion uint64

	// Ids of the live operation log records about this server, one per
	// persisted fact. NoId where no such record exists.
	logIdServerUp                oplog.EntryId
	logIdServerCrashed           oplog.EntryId
	logIdServerNeedsRecovery     oplog.EntryId
	logIdServerRemoveUpdate      oplog.EntryId
	logIdServerUpdate            oplog.EntryId
	logIdServerReplicationUpdate oplog.EntryId
}

// isMaster reports whether the entry is an up server running the
// master service.
func (e *Entry) isMaster() bool {
	return e.Status == cluster.ServerUp && e.Services.Has(cluster.MasterService)
}

// isBackup reports whether the entry is an up server running the
// backup service.
func (e *Entry) isBackup() bool {
	return e.Status == cluster.ServerUp && e.Services.Has(cluster.BackupService)
}

// acceptsUpdates reports whether the updater may send this server
// membership pushes: it must be up and run the membership service.
func (e *Entry) acceptsUpdates() bool {
	return e.Status == cluster.ServerUp && e.Services.Has(cluster.MembershipService)
}

// wireEntry renders the entry for a server list body with the given
// status (within an update the status says what happened, which is not
// always the entry's current status).
func (e *Entry) wireEntry(status cluster.ServerStatus) cluster.ServerListEntry {
	return cluster.ServerListEntry{
		ServerId:       e.ServerId,
		ServiceLocator: e.ServiceLocator,
		Services:       e.Services,
		ReadSpeed:      e.ReadSpeed,
		Status:         status,
		ReplicationId:  e.ReplicationId,
	}
}

// slot pairs an optional Entry with the generation number its index
// will use next. Generations start at 1 and only rise, so ids are
// never reused even though indexes are.
type slot struct {
	nextGeneration uint32
	entry          *Entry
}
