package coordinator

import (
	"github.com/sirupsen/logrus"

	"github.com/dreamware/corral/internal/cluster"
	"github.com/dreamware/corral/internal/oplog"
)

// Replication groups collect backups into fixed-size sets that hold
// all replicas of a segment. Group ids start at 1 and are never
// reused; id 0 means the backup is not in a group.
//
// The policy is deliberately simple: whenever at least a full group's
// worth of backups is unassigned, a group is formed from the lowest
// slot indexes; when a member crashes, the survivors are released back
// into the unassigned pool and the pool is re-examined. Replication id
// changes ride the same update log and the same push RPCs as
// membership changes.

// createReplicationGroupsLocked forms as many new groups as the
// unassigned pool allows, persisting and staging a replication update
// for every assigned backup. Each group's publication rides the
// caller's pending push at newVersion.
func (r *ServerRegistry) createReplicationGroupsLocked(newVersion uint64) {
	var pool []*Entry
	for i := range r.slots {
		e := r.slots[i].entry
		if e != nil && e.isBackup() && e.ReplicationId == 0 {
			pool = append(pool, e)
		}
	}

	for len(pool) >= r.replicationGroupSize {
		r.persistReplicationUpUpdateMarkerLocked()
		groupId := r.nextReplicationId
		r.nextReplicationId++
		for _, e := range pool[:r.replicationGroupSize] {
			r.setReplicationIdLocked(e, groupId, newVersion)
		}
		pool = pool[r.replicationGroupSize:]

		r.logger.WithFields(logrus.Fields{
			"replication_id": groupId,
			"version":        newVersion,
		}).Info("replication group formed")
	}
}

// dissolveReplicationGroupLocked releases every member of the group
// back into the unassigned pool, persisting the change for every member
// and staging it for the members that are still up.
func (r *ServerRegistry) dissolveReplicationGroupLocked(groupId, newVersion uint64) {
	r.persistReplicationUpUpdateMarkerLocked()
	for i := range r.slots {
		e := r.slots[i].entry
		if e == nil || e.ReplicationId != groupId {
			continue
		}
		r.setReplicationIdLocked(e, 0, newVersion)
	}
	r.logger.WithFields(logrus.Fields{
		"replication_id": groupId,
		"version":        newVersion,
	}).Info("replication group dissolved")
}

// setReplicationIdLocked persists the backup's new replication id,
// superseding its previous replication record, applies it, and stages
// the change for publication if the backup is still up.
func (r *ServerRegistry) setReplicationIdLocked(e *Entry, groupId, newVersion uint64) {
	e.logIdServerReplicationUpdate = r.mustAppend(&oplog.Record{
		EntryType:     oplog.EntryServerReplicationUpdate,
		ServerId:      e.ServerId,
		ReplicationId: groupId,
		UpdateVersion: newVersion,
	}, e.logIdServerReplicationUpdate)
	e.ReplicationId = groupId
	if e.Status == cluster.ServerUp {
		r.stageUpLocked(e)
	}
}
