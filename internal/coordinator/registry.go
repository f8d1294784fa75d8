// Package coordinator implements the coordinator's server registry:
// the authoritative, versioned list of servers in the cluster.
// See doc.go for complete package documentation.
package coordinator

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/glycerine/idem"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/corral/internal/cluster"
	"github.com/dreamware/corral/internal/oplog"
)

// Sentinel errors surfaced by the registry's mutating operations.
var (
	// ErrNoSuchServer is returned when an id names no current server,
	// including ids from an earlier generation of a reused slot.
	ErrNoSuchServer = errors.New("no such server")

	// ErrServerNotCrashed is returned by RecoveryCompleted when the
	// server is not in the crashed state.
	ErrServerNotCrashed = errors.New("server has not crashed")

	// ErrLocatorMismatch is returned by EnlistServer when the replaced
	// id names a live server at a different locator, which indicates
	// two servers fighting over one identity.
	ErrLocatorMismatch = errors.New("replaced server is up at a different locator")

	// ErrClusterIdentityMismatch is returned by Recover when the
	// operation log's header record names a different cluster than the
	// one configured: the coordinator was pointed at the wrong log.
	ErrClusterIdentityMismatch = errors.New("operation log belongs to a different cluster")
)

const maxUint64 = uint64(math.MaxUint64)

// Config carries the registry's tunables. The zero value gets sensible
// defaults from NewServerRegistry.
type Config struct {
	// MaxUpdatesPerRPC bounds how many incremental updates one
	// membership push may carry. Default 100.
	MaxUpdatesPerRPC uint64

	// MaxRPCBytes bounds the serialized size of one membership push.
	// The updater stops appending bodies before crossing it (the first
	// body always goes, whatever its size). Default 1 MiB.
	MaxRPCBytes int

	// ReplicationGroupSize is the number of backups per replication
	// group. Default 3.
	ReplicationGroupSize int

	// ClusterID is this cluster's identity. Recover binds it to the
	// operation log: a fresh log gets it stamped into a header record,
	// a replayed log must carry the same identity, and an empty value
	// adopts the log's identity (or generates one for a fresh log).
	ClusterID string

	// Logger receives the registry's structured log output. Defaults
	// to the logrus standard logger.
	Logger *logrus.Logger
}

// ServerRegistry is the coordinator's server list: it allocates server
// ids, holds the per-server state the coordinator maintains, publishes
// versioned membership updates, and drives every live server's view of
// the list up to date through a single background updater.
//
// All public methods are safe for concurrent use. One mutex guards the
// slot table, the staged diff, the list version, and the ends of the
// update log; the updater releases it around every outbound RPC, so no
// caller ever blocks on the network.
//
// Every mutation is persisted to the operation log before it becomes
// visible, which is what makes a returned ServerId durable across a
// coordinator crash: replaying the log rebuilds the same registry.
type ServerRegistry struct {
	mu sync.Mutex

	// hasUpdatesOrStop wakes the updater after a push or a stop
	// request; listUpToDate wakes Sync callers when every server that
	// accepts updates has acknowledged the current version.
	hasUpdatesOrStop *sync.Cond
	listUpToDate     *sync.Cond

	// slots is the dense, index-addressed server table.
	slots []slot

	numMasters uint32
	numBackups uint32

	// version is the current list version, bumped by every push.
	version uint64

	// The staged diff for the next push. Downs (crashes and removes)
	// are published before ups so re-enlistments are observed as
	// old-id-gone before new-id-present.
	pendingDowns []cluster.ServerListEntry
	pendingUps   []cluster.ServerListEntry

	// Update log: singly linked, appended and pruned only at the ends
	// under mu, traversed lock-free through immutable next pointers.
	updatesHead *updatePair
	updatesTail *updatePair

	// minConfirmedVersion is a lazily recomputed lower bound on the
	// versions the cluster has acknowledged; updates at or below it
	// are prunable. maxUint64 means either that no scan has computed it
	// yet or that the last scan found no server constraining it.
	minConfirmedVersion uint64

	// numUpdatingServers counts servers with an update RPC in flight.
	numUpdatingServers uint32

	lastScan       scanMetadata
	stopUpdater    bool
	updaterRunning bool
	halt           *idem.Halter

	// nextReplicationId starts at 1 and is never reused; 0 marks a
	// backup without a group.
	nextReplicationId uint64

	// clusterID is bound to the operation log by Recover; see
	// Config.ClusterID.
	clusterID string

	// Registry-level operation log record ids.
	logIdClusterIdentity           oplog.EntryId
	logIdServerListVersion         oplog.EntryId
	logIdServerUpUpdate            oplog.EntryId
	logIdServerReplicationUpUpdate oplog.EntryId

	log      oplog.Log
	sender   Sender
	trackers []Tracker

	maxUpdatesPerRPC     uint64
	maxRPCBytes          int
	replicationGroupSize int

	logger *logrus.Entry
}

// NewServerRegistry creates a registry backed by the given operation
// log and update sender. The updater is not started; call StartUpdater
// (or Sync) once recovery, if any, has run.
func NewServerRegistry(log oplog.Log, sender Sender, cfg Config) *ServerRegistry {
	if cfg.MaxUpdatesPerRPC == 0 {
		cfg.MaxUpdatesPerRPC = 100
	}
	if cfg.MaxRPCBytes == 0 {
		cfg.MaxRPCBytes = 1 << 20
	}
	if cfg.ReplicationGroupSize == 0 {
		cfg.ReplicationGroupSize = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	r := &ServerRegistry{
		minConfirmedVersion:  maxUint64,
		nextReplicationId:    1,
		clusterID:            cfg.ClusterID,
		log:                  log,
		sender:               sender,
		maxUpdatesPerRPC:     cfg.MaxUpdatesPerRPC,
		maxRPCBytes:          cfg.MaxRPCBytes,
		replicationGroupSize: cfg.ReplicationGroupSize,
		logger:               cfg.Logger.WithField("component", "serverlist"),
	}
	r.hasUpdatesOrStop = sync.NewCond(&r.mu)
	r.listUpToDate = sync.NewCond(&r.mu)
	r.lastScan.reset()
	return r
}

// EnlistServer assigns a new id to a server joining the cluster and
// publishes its addition. If replacesId names a live previous
// incarnation of the server, that incarnation is crashed and removed
// first, in the same published diff, so consumers always observe the
// old id gone before the new id appears.
//
// The returned id is durable: the enlistment record is in the
// operation log before this method returns, so a coordinator crash and
// replay recovers the same id.
//
// Enlisting against a live server at a different locator fails with
// ErrLocatorMismatch and changes nothing.
func (r *ServerRegistry) EnlistServer(replacesId cluster.ServerId, services cluster.ServiceMask, readSpeed uint32, locator string) (cluster.ServerId, error) {
	r.mu.Lock()
	id, events, err := r.enlistServerLocked(replacesId, services, readSpeed, locator)
	r.mu.Unlock()
	r.notify(events)
	return id, err
}

func (r *ServerRegistry) enlistServerLocked(replacesId cluster.ServerId, services cluster.ServiceMask, readSpeed uint32, locator string) (cluster.ServerId, []ServerChange, error) {
	replaced := r.getEntry(replacesId)
	if replaced != nil && replaced.Status == cluster.ServerUp && replaced.ServiceLocator != locator {
		return cluster.InvalidServerId, nil, fmt.Errorf("enlisting %q replacing %s: %w",
			locator, replacesId, ErrLocatorMismatch)
	}

	newVersion := r.version + 1
	r.persistUpUpdateMarkerLocked()
	r.persistListVersionLocked(newVersion)

	// A live replaced incarnation is superseded in place: its crash
	// and removal ride the same diff as the new server's addition, so
	// consumers observe the old id gone strictly before the new id
	// appears, and the slot is free for the newcomer. A replaced
	// incarnation already in crash recovery is left alone; its removal
	// follows its own recovery.
	var events []ServerChange
	if replaced != nil && replaced.Status == cluster.ServerUp {
		events = r.crashServerLocked(replaced, newVersion)
		events = append(events, r.supersedeLocked(replaced, newVersion))
	}

	index := r.firstFreeIndexLocked()
	s := &r.slots[index]
	id := cluster.MakeServerId(index, s.nextGeneration)
	s.nextGeneration++

	e := &Entry{
		ServerId:       id,
		ServiceLocator: locator,
		Services:       services,
		ReadSpeed:      readSpeed,
		Status:         cluster.ServerUp,
	}
	e.logIdServerUp = r.mustAppend(&oplog.Record{
		EntryType:      oplog.EntryAliveServer,
		ServerId:       id,
		ServiceLocator: locator,
		Services:       services,
		ReadSpeed:      readSpeed,
		UpdateVersion:  newVersion,
	})
	s.entry = e
	r.adjustCountsLocked(e, +1)
	r.stageUpLocked(e)
	events = append(events, ServerChange{Kind: ChangeAdd, Server: *e})

	if e.isBackup() {
		r.createReplicationGroupsLocked(newVersion)
	}

	r.pushUpdateLocked(newVersion)

	r.logger.WithFields(logrus.Fields{
		"server_id": id.String(),
		"locator":   locator,
		"services":  services.String(),
		"version":   newVersion,
	}).Info("server enlisted")

	return id, events, nil
}

// ServerCrashed declares the server dead: it transitions the entry to
// crashed, marks it as needing recovery, dissolves its replication
// group, and publishes the crash. Declaring an already crashed or
// removed server is a no-op.
func (r *ServerRegistry) ServerCrashed(id cluster.ServerId) error {
	r.mu.Lock()
	e := r.getEntry(id)
	if e == nil {
		r.mu.Unlock()
		return fmt.Errorf("crash report for %s: %w", id, ErrNoSuchServer)
	}
	if e.Status != cluster.ServerUp {
		r.mu.Unlock()
		return nil
	}

	newVersion := r.version + 1
	r.persistListVersionLocked(newVersion)
	events := r.crashServerLocked(e, newVersion)
	r.pushUpdateLocked(newVersion)
	r.mu.Unlock()

	r.notify(events)
	return nil
}

// crashServerLocked performs the up → crashed transition and stages
// the crash into the pending diff, without publishing. No-op unless
// the entry is up.
func (r *ServerRegistry) crashServerLocked(e *Entry, newVersion uint64) []ServerChange {
	if e.Status != cluster.ServerUp {
		return nil
	}

	e.logIdServerCrashed = r.mustAppend(&oplog.Record{
		EntryType:     oplog.EntryServerCrashed,
		ServerId:      e.ServerId,
		UpdateVersion: newVersion,
	})
	e.logIdServerNeedsRecovery = r.mustAppend(&oplog.Record{
		EntryType: oplog.EntryServerNeedsRecovery,
		ServerId:  e.ServerId,
	})

	wasBackup := e.isBackup()
	r.adjustCountsLocked(e, -1)
	e.Status = cluster.ServerCrashed
	e.NeedsRecovery = true

	// Dissolve before staging the crash so the staged entry already
	// shows the cleared replication id, keeping diffs and snapshots
	// pointwise consistent.
	if wasBackup && e.ReplicationId != 0 {
		r.dissolveReplicationGroupLocked(e.ReplicationId, newVersion)
	}
	r.stageDownLocked(e, cluster.ServerCrashed)
	if wasBackup {
		r.createReplicationGroupsLocked(newVersion)
	}

	r.logger.WithFields(logrus.Fields{
		"server_id": e.ServerId.String(),
		"version":   newVersion,
	}).Info("server crashed")

	return []ServerChange{{Kind: ChangeCrash, Server: *e}}
}

// supersedeLocked publishes the removal of a just-crashed replaced
// incarnation in the caller's pending diff and frees its slot
// immediately. Safe because the addition reusing the slot rides the
// same diff: no consumer can observe the new id before the old id's
// removal.
func (r *ServerRegistry) supersedeLocked(e *Entry, newVersion uint64) ServerChange {
	e.logIdServerRemoveUpdate = r.mustAppend(&oplog.Record{
		EntryType:     oplog.EntryServerRemoveUpdate,
		ServerId:      e.ServerId,
		UpdateVersion: newVersion,
	})
	r.mustInvalidate(e.logIdServerNeedsRecovery)
	e.logIdServerNeedsRecovery = oplog.NoId
	e.NeedsRecovery = false
	e.Status = cluster.ServerRemoved
	e.removeVersion = newVersion
	r.stageDownLocked(e, cluster.ServerRemoved)
	change := ServerChange{Kind: ChangeRemove, Server: *e}
	r.freeEntryLocked(e.ServerId.Index())
	return change
}

// RecoveryCompleted records that crash recovery for the server has
// finished and publishes its removal. The slot itself is freed only
// once every live server has acknowledged the REMOVE update; until
// then lookups still see the entry in the removed state.
func (r *ServerRegistry) RecoveryCompleted(id cluster.ServerId) error {
	r.mu.Lock()
	e := r.getEntry(id)
	if e == nil {
		r.mu.Unlock()
		return fmt.Errorf("recovery completion for %s: %w", id, ErrNoSuchServer)
	}
	if e.Status != cluster.ServerCrashed {
		r.mu.Unlock()
		return fmt.Errorf("recovery completion for %s: %w", id, ErrServerNotCrashed)
	}

	newVersion := r.version + 1
	r.persistListVersionLocked(newVersion)

	e.logIdServerRemoveUpdate = r.mustAppend(&oplog.Record{
		EntryType:     oplog.EntryServerRemoveUpdate,
		ServerId:      e.ServerId,
		UpdateVersion: newVersion,
	})
	r.mustInvalidate(e.logIdServerNeedsRecovery)
	e.logIdServerNeedsRecovery = oplog.NoId
	e.NeedsRecovery = false

	e.Status = cluster.ServerRemoved
	e.removeVersion = newVersion
	r.stageDownLocked(e, cluster.ServerRemoved)
	events := []ServerChange{{Kind: ChangeRemove, Server: *e}}

	r.pushUpdateLocked(newVersion)

	r.logger.WithFields(logrus.Fields{
		"server_id": e.ServerId.String(),
		"version":   newVersion,
	}).Info("server recovery completed, removal published")
	r.mu.Unlock()

	r.notify(events)
	return nil
}

// SetMasterRecoveryInfo stores opaque master recovery state on the
// entry and persists it, superseding any previous record. Returns
// false when the id names no current server.
func (r *ServerRegistry) SetMasterRecoveryInfo(id cluster.ServerId, info []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.getEntry(id)
	if e == nil {
		return false
	}

	e.logIdServerUpdate = r.mustAppend(&oplog.Record{
		EntryType:          oplog.EntryServerUpdate,
		ServerId:           e.ServerId,
		MasterRecoveryInfo: info,
	}, e.logIdServerUpdate)
	e.MasterRecoveryInfo = append([]byte(nil), info...)
	return true
}

// Get returns a copy of the entry for id, or false when the id names
// no current server (stale generations included).
func (r *ServerRegistry) Get(id cluster.ServerId) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.getEntry(id)
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// GetByIndex returns a copy of the entry in the given slot, or false
// when the slot is empty or out of range.
func (r *ServerRegistry) GetByIndex(index uint32) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index >= uint32(len(r.slots)) || r.slots[index].entry == nil {
		return Entry{}, false
	}
	return *r.slots[index].entry, true
}

// Servers returns copies of all current entries in slot order,
// including crashed and not-yet-flushed removed ones.
func (r *ServerRegistry) Servers() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for i := range r.slots {
		if e := r.slots[i].entry; e != nil {
			out = append(out, *e)
		}
	}
	return out
}

// SlotCount returns the size of the slot table (occupied or not).
func (r *ServerRegistry) SlotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// MasterCount returns the number of up servers running the master
// service.
func (r *ServerRegistry) MasterCount() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numMasters
}

// BackupCount returns the number of up servers running the backup
// service.
func (r *ServerRegistry) BackupCount() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numBackups
}

// Version returns the current server list version.
func (r *ServerRegistry) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// ClusterID returns the cluster identity the registry is bound to.
// Before Recover runs it is whatever Config carried (possibly empty);
// afterwards it is durable in the operation log's header record.
func (r *ServerRegistry) ClusterID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clusterID
}

// Serialize renders the current list as a full snapshot restricted to
// servers running at least one of the services in filter. Removed
// entries are never included.
func (r *ServerRegistry) Serialize(filter cluster.ServiceMask) cluster.ServerList {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serializeLocked(filter)
}

func (r *ServerRegistry) serializeLocked(filter cluster.ServiceMask) cluster.ServerList {
	list := cluster.ServerList{Version: r.version, Type: cluster.ListFull}
	for i := range r.slots {
		e := r.slots[i].entry
		if e == nil || e.Status == cluster.ServerRemoved {
			continue
		}
		if !e.Services.Intersects(filter) {
			continue
		}
		list.Servers = append(list.Servers, e.wireEntry(e.Status))
	}
	return list
}

// getEntry returns the live entry for id, or nil. An id whose
// generation does not match the slot's current occupant is stale and
// yields nil.
func (r *ServerRegistry) getEntry(id cluster.ServerId) *Entry {
	if !id.IsValid() {
		return nil
	}
	index := id.Index()
	if index >= uint32(len(r.slots)) {
		return nil
	}
	e := r.slots[index].entry
	if e == nil || e.ServerId != id {
		return nil
	}
	return e
}

// firstFreeIndexLocked returns the lowest empty slot index, growing
// the table by one slot when all are occupied.
func (r *ServerRegistry) firstFreeIndexLocked() uint32 {
	for i := range r.slots {
		if r.slots[i].entry == nil {
			return uint32(i)
		}
	}
	r.slots = append(r.slots, slot{nextGeneration: 1})
	return uint32(len(r.slots) - 1)
}

// adjustCountsLocked maintains the master/backup counts around a
// status change; call with delta -1 before taking an entry out of the
// up state and with +1 after putting it in.
func (r *ServerRegistry) adjustCountsLocked(e *Entry, delta int) {
	if e.isMaster() {
		r.numMasters = uint32(int(r.numMasters) + delta)
	}
	if e.isBackup() {
		r.numBackups = uint32(int(r.numBackups) + delta)
	}
}

// stageUpLocked stages an addition or attribute refresh of e into the
// pending diff, replacing any already staged up entry for the same id.
func (r *ServerRegistry) stageUpLocked(e *Entry) {
	wire := e.wireEntry(cluster.ServerUp)
	for i := range r.pendingUps {
		if r.pendingUps[i].ServerId == e.ServerId {
			r.pendingUps[i] = wire
			return
		}
	}
	r.pendingUps = append(r.pendingUps, wire)
}

// stageDownLocked stages a crash or removal of e into the pending
// diff. A crash and a removal of the same id may share one diff (the
// supersede path), in that order.
func (r *ServerRegistry) stageDownLocked(e *Entry, status cluster.ServerStatus) {
	r.pendingDowns = append(r.pendingDowns, e.wireEntry(status))
}

// pushUpdateLocked publishes the staged diff as newVersion: it builds
// the incremental (downs before ups) and the matching full snapshot,
// appends the pair to the update log, clears the stage, and wakes the
// updater. The caller has already persisted the version checkpoint and
// the operation's own records.
func (r *ServerRegistry) pushUpdateLocked(newVersion uint64) {
	servers := make([]cluster.ServerListEntry, 0, len(r.pendingDowns)+len(r.pendingUps))
	servers = append(servers, r.pendingDowns...)
	servers = append(servers, r.pendingUps...)
	incremental := cluster.ServerList{
		Version: newVersion,
		Type:    cluster.ListUpdate,
		Servers: servers,
	}

	r.version = newVersion
	full := r.serializeLocked(cluster.AllServices)

	r.appendUpdatePairLocked(incremental, full)
	r.pendingDowns = nil
	r.pendingUps = nil
	r.hasUpdatesOrStop.Broadcast()
}

// mustAppend appends a record to the operation log, invalidating the
// given prior entries. Losing the operation log means the coordinator
// can no longer recover, so an append failure is fatal; the in-memory
// mutation it would have covered has not happened yet.
func (r *ServerRegistry) mustAppend(rec *oplog.Record, invalidates ...oplog.EntryId) oplog.EntryId {
	id, err := r.log.Append(rec, invalidates)
	if err != nil {
		r.logger.WithError(err).WithField("entry_type", rec.EntryType).
			Fatal("operation log append failed")
	}
	return id
}

// mustInvalidate invalidates log entries, ignoring NoId values.
func (r *ServerRegistry) mustInvalidate(ids ...oplog.EntryId) {
	if _, err := r.log.Invalidate(ids); err != nil {
		r.logger.WithError(err).Fatal("operation log invalidate failed")
	}
}

// persistListVersionLocked checkpoints newVersion in the operation
// log, superseding the previous checkpoint.
func (r *ServerRegistry) persistListVersionLocked(newVersion uint64) {
	r.logIdServerListVersion = r.mustAppend(&oplog.Record{
		EntryType: oplog.EntryServerListVersion,
		Version:   newVersion,
	}, r.logIdServerListVersion)
}

// persistUpUpdateMarkerLocked records that up updates are about to be
// staged and may not yet be cluster-wide. One live marker covers any
// number of enlistments; it is invalidated when the cluster is next
// confirmed fully up to date. A marker that survives to a replay is
// simply re-adopted and retired once the recovered cluster confirms.
func (r *ServerRegistry) persistUpUpdateMarkerLocked() {
	if r.logIdServerUpUpdate != oplog.NoId {
		return
	}
	r.logIdServerUpUpdate = r.mustAppend(&oplog.Record{
		EntryType: oplog.EntryServerUpUpdate,
	})
}

// persistReplicationUpUpdateMarkerLocked is the replication
// counterpart of persistUpUpdateMarkerLocked.
func (r *ServerRegistry) persistReplicationUpUpdateMarkerLocked() {
	if r.logIdServerReplicationUpUpdate != oplog.NoId {
		return
	}
	r.logIdServerReplicationUpUpdate = r.mustAppend(&oplog.Record{
		EntryType: oplog.EntryServerReplicationUpUpdate,
	})
}

// clearUpdateMarkersLocked invalidates both pending-update markers;
// called when the cluster is confirmed fully up to date.
func (r *ServerRegistry) clearUpdateMarkersLocked() {
	if r.logIdServerUpUpdate == oplog.NoId && r.logIdServerReplicationUpUpdate == oplog.NoId {
		return
	}
	r.mustInvalidate(r.logIdServerUpUpdate, r.logIdServerReplicationUpUpdate)
	r.logIdServerUpUpdate = oplog.NoId
	r.logIdServerReplicationUpUpdate = oplog.NoId
}

// freeEntryLocked releases a removed entry's slot and invalidates its
// remaining operation log records. The slot's generation counter stays
// behind so the index can be reused without reusing the id.
func (r *ServerRegistry) freeEntryLocked(index uint32) {
	e := r.slots[index].entry
	r.mustInvalidate(
		e.logIdServerUp,
		e.logIdServerCrashed,
		e.logIdServerNeedsRecovery,
		e.logIdServerRemoveUpdate,
		e.logIdServerUpdate,
		e.logIdServerReplicationUpdate,
	)
	r.slots[index].entry = nil
	r.logger.WithField("server_id", e.ServerId.String()).
		Debug("removed server flushed, slot freed")
}

// freeCompletedRemovalsLocked frees every removed entry whose REMOVE
// update the cluster has acknowledged, i.e. whose removal version is
// at or below minConfirmedVersion. A minConfirmedVersion of maxUint64
// means no server constrains acknowledgement (there is nobody left to
// update), so all removed entries are flushed.
func (r *ServerRegistry) freeCompletedRemovalsLocked() {
	for i := range r.slots {
		e := r.slots[i].entry
		if e == nil || e.Status != cluster.ServerRemoved {
			continue
		}
		if r.minConfirmedVersion == maxUint64 || e.removeVersion <= r.minConfirmedVersion {
			r.freeEntryLocked(uint32(i))
		}
	}
}
