package coordinator

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/corral/internal/cluster"
	"github.com/dreamware/corral/internal/oplog"
)

// Recover rebuilds the registry from the operation log. It must run
// before the updater is started and before any mutating call.
//
// Replay applies the live records in append order; each recover
// handler re-performs the in-memory half of the operation whose intent
// the record persisted. Per-server acknowledgement state is not
// persisted, so every recovered entry restarts at verified and update
// version zero; the updater then brings each server back with a full
// snapshot, which also covers any update that was staged but not yet
// cluster-wide when the coordinator died. To give the updater a
// snapshot to send, recovery republishes the current version as a
// fresh update log pair with an empty diff. The list version itself is
// exactly the last persisted one.
func (r *ServerRegistry) Recover() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.log.Replay(func(id oplog.EntryId, rec *oplog.Record) error {
		switch rec.EntryType {
		case oplog.EntryClusterIdentity:
			return r.recoverClusterIdentity(rec, id)
		case oplog.EntryAliveServer:
			return r.recoverAliveServer(rec, id)
		case oplog.EntryServerCrashed:
			return r.recoverServerCrashed(rec, id)
		case oplog.EntryServerNeedsRecovery:
			return r.recoverServerNeedsRecovery(rec, id)
		case oplog.EntryServerRemoveUpdate:
			return r.recoverServerRemoveUpdate(rec, id)
		case oplog.EntryServerUpdate:
			return r.recoverServerUpdate(rec, id)
		case oplog.EntryServerReplicationUpdate:
			return r.recoverServerReplicationUpdate(rec, id)
		case oplog.EntryServerListVersion:
			return r.recoverServerListVersion(rec, id)
		case oplog.EntryServerUpUpdate:
			return r.recoverServerUpUpdate(rec, id)
		case oplog.EntryServerReplicationUpUpdate:
			return r.recoverServerReplicationUpUpdate(rec, id)
		}
		return fmt.Errorf("operation log entry %d: unknown entry type %q", id, rec.EntryType)
	})
	if err != nil {
		return err
	}

	// A log without a header record gets one now: the cluster identity
	// every future replay is checked against.
	if r.logIdClusterIdentity == oplog.NoId {
		if r.clusterID == "" {
			r.clusterID = uuid.New().String()
			r.logger.WithField("cluster_id", r.clusterID).
				Info("generated cluster identity")
		}
		r.logIdClusterIdentity = r.mustAppend(&oplog.Record{
			EntryType: oplog.EntryClusterIdentity,
			ClusterID: r.clusterID,
		})
	}

	if r.version > 0 {
		r.appendUpdatePairLocked(cluster.ServerList{
			Version: r.version,
			Type:    cluster.ListUpdate,
		}, r.serializeLocked(cluster.AllServices))
	}

	occupied := 0
	for i := range r.slots {
		if r.slots[i].entry != nil {
			occupied++
		}
	}
	r.logger.WithFields(logrus.Fields{
		"servers": occupied,
		"version": r.version,
	}).Info("server list recovered from operation log")
	return nil
}

// recoverClusterIdentity checks the log's header record against the
// configured cluster identity. A configured identity must match the
// log's; an empty one adopts it, so a restarted coordinator picks its
// identity back up from the log.
func (r *ServerRegistry) recoverClusterIdentity(rec *oplog.Record, id oplog.EntryId) error {
	if r.clusterID != "" && r.clusterID != rec.ClusterID {
		return fmt.Errorf("log names cluster %q, configured %q: %w",
			rec.ClusterID, r.clusterID, ErrClusterIdentityMismatch)
	}
	r.clusterID = rec.ClusterID
	r.logIdClusterIdentity = id
	return nil
}

// recoverAliveServer reinstalls an enlisted server. Whether or not its
// addition had reached the cluster before the crash, the post-recovery
// full snapshot resend carries it.
func (r *ServerRegistry) recoverAliveServer(rec *oplog.Record, id oplog.EntryId) error {
	index := rec.ServerId.Index()
	for uint32(len(r.slots)) <= index {
		r.slots = append(r.slots, slot{nextGeneration: 1})
	}
	s := &r.slots[index]
	if s.entry != nil {
		return fmt.Errorf("replayed enlistment of %s into occupied slot %d", rec.ServerId, index)
	}

	e := &Entry{
		ServerId:       rec.ServerId,
		ServiceLocator: rec.ServiceLocator,
		Services:       rec.Services,
		ReadSpeed:      rec.ReadSpeed,
		Status:         cluster.ServerUp,
	}
	e.logIdServerUp = id
	s.entry = e
	if gen := rec.ServerId.Generation(); s.nextGeneration <= gen {
		s.nextGeneration = gen + 1
	}
	r.adjustCountsLocked(e, +1)
	return nil
}

// recoverServerCrashed re-applies the up → crashed transition.
func (r *ServerRegistry) recoverServerCrashed(rec *oplog.Record, id oplog.EntryId) error {
	e := r.getEntry(rec.ServerId)
	if e == nil {
		return fmt.Errorf("replayed crash of unknown server %s", rec.ServerId)
	}
	wasBackup := e.isBackup()
	r.adjustCountsLocked(e, -1)
	e.Status = cluster.ServerCrashed
	e.logIdServerCrashed = id

	// Dissolve the group in memory only; the persisted replication
	// records that follow this one in the log re-apply the same
	// values.
	if wasBackup && e.ReplicationId != 0 {
		groupId := e.ReplicationId
		for i := range r.slots {
			if m := r.slots[i].entry; m != nil && m.ReplicationId == groupId {
				m.ReplicationId = 0
			}
		}
	}
	return nil
}

func (r *ServerRegistry) recoverServerNeedsRecovery(rec *oplog.Record, id oplog.EntryId) error {
	e := r.getEntry(rec.ServerId)
	if e == nil {
		return fmt.Errorf("replayed recovery flag for unknown server %s", rec.ServerId)
	}
	e.NeedsRecovery = true
	e.logIdServerNeedsRecovery = id
	return nil
}

// recoverServerRemoveUpdate re-applies the crashed → removed
// transition. The entry stays in its slot until the recovered
// coordinator confirms the cluster up to date, at which point the
// not-yet-flushed removal completes as it would have.
func (r *ServerRegistry) recoverServerRemoveUpdate(rec *oplog.Record, id oplog.EntryId) error {
	e := r.getEntry(rec.ServerId)
	if e == nil {
		return fmt.Errorf("replayed removal of unknown server %s", rec.ServerId)
	}
	e.Status = cluster.ServerRemoved
	e.removeVersion = rec.UpdateVersion
	e.logIdServerRemoveUpdate = id
	return nil
}

func (r *ServerRegistry) recoverServerUpdate(rec *oplog.Record, id oplog.EntryId) error {
	e := r.getEntry(rec.ServerId)
	if e == nil {
		return fmt.Errorf("replayed server update for unknown server %s", rec.ServerId)
	}
	e.MasterRecoveryInfo = append([]byte(nil), rec.MasterRecoveryInfo...)
	e.logIdServerUpdate = id
	return nil
}

// recoverServerReplicationUpdate re-applies a replication id change
// and keeps the group id counter ahead of every id the live records
// carry.
func (r *ServerRegistry) recoverServerReplicationUpdate(rec *oplog.Record, id oplog.EntryId) error {
	e := r.getEntry(rec.ServerId)
	if e == nil {
		return fmt.Errorf("replayed replication update for unknown server %s", rec.ServerId)
	}
	e.ReplicationId = rec.ReplicationId
	e.logIdServerReplicationUpdate = id
	if rec.ReplicationId >= r.nextReplicationId {
		r.nextReplicationId = rec.ReplicationId + 1
	}
	return nil
}

func (r *ServerRegistry) recoverServerListVersion(rec *oplog.Record, id oplog.EntryId) error {
	r.version = rec.Version
	r.logIdServerListVersion = id
	return nil
}

func (r *ServerRegistry) recoverServerUpUpdate(_ *oplog.Record, id oplog.EntryId) error {
	r.logIdServerUpUpdate = id
	return nil
}

func (r *ServerRegistry) recoverServerReplicationUpUpdate(_ *oplog.Record, id oplog.EntryId) error {
	r.logIdServerReplicationUpUpdate = id
	return nil
}
