package coordinator

import (
	"context"
	"encoding/json"

	"github.com/glycerine/idem"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/corral/internal/cluster"
)

// scanMetadata is the updater's resumable position in its circular
// scan of the slot table, so each getWork call continues where the
// last one stopped instead of rescanning from slot zero.
type scanMetadata struct {
	// noWorkFoundForEpoch is the list version at which a complete scan
	// last found nothing to send. While the version still equals it,
	// rescanning is pointless; the heuristic clears itself as soon as
	// a push bumps the version.
	noWorkFoundForEpoch uint64

	// searchIndex is where the next scan step looks.
	searchIndex int

	// minVersion accumulates the minimum verified version among the
	// update-eligible servers seen since the last wrap; at each wrap
	// it becomes the new minConfirmedVersion.
	minVersion uint64

	// completeScans counts wraps since the updater started; the first
	// iterations and debugging care, nothing else does.
	completeScans uint64
}

func (s *scanMetadata) reset() {
	*s = scanMetadata{minVersion: maxUint64}
}

// workUnit describes one batched update assignment: the target, where
// in the update log to start, and the last version to include.
//
// The contract on a handed-out unit: until the updater reports back
// through workSuccess, workFailed, or workTargetGone, no further unit
// is issued for the same server, and the pairs in
// [firstUpdate, updateVersionTail] stay valid and traversable.
type workUnit struct {
	target            cluster.ServerId
	locator           string
	sendFullList      bool
	firstUpdate       *updatePair
	updateVersionTail uint64
}

// StartUpdater launches the background updater if it is not already
// running. Safe to call repeatedly.
func (r *ServerRegistry) StartUpdater() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updaterRunning {
		return
	}
	r.updaterRunning = true
	r.stopUpdater = false
	r.lastScan.reset()
	r.halt = idem.NewHalter()
	go r.updateLoop(r.halt)
}

// HaltUpdater stops the background updater and waits for it to exit.
// An update RPC already in flight is allowed to resolve first; its
// outcome is recorded normally. Halting a stopped updater is a no-op.
func (r *ServerRegistry) HaltUpdater() {
	r.mu.Lock()
	if !r.updaterRunning {
		r.mu.Unlock()
		return
	}
	halt := r.halt
	r.stopUpdater = true
	halt.ReqStop.Close()
	r.hasUpdatesOrStop.Broadcast()
	r.mu.Unlock()

	<-halt.Done.Chan

	r.mu.Lock()
	r.updaterRunning = false
	r.mu.Unlock()
}

// Sync blocks until every server that accepts updates has acknowledged
// the current list version. It starts the updater if needed. On return
// the up-to-date bookkeeping has run: acknowledged removals are
// flushed and the pending-update markers retired, even when no server
// currently accepts updates.
func (r *ServerRegistry) Sync() {
	r.StartUpdater()
	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.isClusterUpToDateLocked() {
		r.listUpToDate.Wait()
	}
	r.markClusterUpToDateLocked()
}

// updateLoop is the updater goroutine: find work, send it with the
// lock released, record the outcome, repeat; sleep when the cluster is
// up to date.
func (r *ServerRegistry) updateLoop(halt *idem.Halter) {
	defer halt.Done.Close()

	r.logger.Debug("updater started")
	r.mu.Lock()
	for !r.stopUpdater {
		var wu workUnit
		if r.getWork(&wu) {
			r.mu.Unlock()
			outcome, delivered := r.dispatch(&wu)
			r.mu.Lock()
			switch outcome {
			case SendOK:
				r.workSuccess(wu.target, delivered)
			case SendTargetGone:
				r.workTargetGone(wu.target)
			default:
				r.workFailed(wu.target)
			}
		} else {
			r.waitForWork()
		}
	}
	r.mu.Unlock()
	r.logger.Debug("updater stopped")
}

// waitForWork sleeps until a push bumps the version past the last
// fruitless scan's epoch or the updater is stopped.
func (r *ServerRegistry) waitForWork() {
	for !r.stopUpdater && r.version == r.lastScan.noWorkFoundForEpoch {
		r.hasUpdatesOrStop.Wait()
	}
}

// getWork scans for the next server whose acknowledged version lags
// the current list version and assigns it a batched update. Returns
// false when a complete scan finds nothing, after recording the epoch,
// refreshing minConfirmedVersion, flushing acknowledged removals, and
// pruning the update log.
//
// A server is a candidate only when it accepts updates and has no RPC
// in flight (VerifiedVersion == UpdateVersion); assignment moves
// UpdateVersion forward, so the same server is never handed out twice
// concurrently.
func (r *ServerRegistry) getWork(wu *workUnit) bool {
	n := len(r.slots)
	if n == 0 || r.version == r.lastScan.noWorkFoundForEpoch {
		if r.isClusterUpToDateLocked() {
			r.markClusterUpToDateLocked()
		}
		return false
	}

	for i := 0; i < n; i++ {
		index := r.lastScan.searchIndex
		var found bool
		if e := r.slots[index].entry; e != nil && e.acceptsUpdates() {
			if e.VerifiedVersion < r.lastScan.minVersion {
				r.lastScan.minVersion = e.VerifiedVersion
			}
			if e.VerifiedVersion == e.UpdateVersion && e.VerifiedVersion < r.version {
				r.assignWorkLocked(e, wu)
				found = true
			}
		}

		r.lastScan.searchIndex++
		if r.lastScan.searchIndex >= n {
			r.lastScan.searchIndex = 0
			r.lastScan.completeScans++
			r.minConfirmedVersion = r.lastScan.minVersion
			r.lastScan.minVersion = maxUint64
			r.freeCompletedRemovalsLocked()
			r.pruneUpdatesLocked()
		}
		if found {
			return true
		}
	}

	r.lastScan.noWorkFoundForEpoch = r.version
	if r.isClusterUpToDateLocked() {
		r.markClusterUpToDateLocked()
	}
	return false
}

// assignWorkLocked fills wu for entry e and marks the assignment by
// advancing e.UpdateVersion to the promised tail.
func (r *ServerRegistry) assignWorkLocked(e *Entry, wu *workUnit) {
	wu.target = e.ServerId
	wu.locator = e.ServiceLocator

	if e.VerifiedVersion == 0 || r.findPairLocked(e.VerifiedVersion+1) == nil {
		// Never updated (or its resume point was pruned, which only
		// happens when the server itself stopped constraining the
		// prune bound): start over with the oldest retained snapshot.
		wu.sendFullList = true
		wu.firstUpdate = r.updatesHead
		wu.updateVersionTail = minU64(r.version,
			r.updatesHead.version+r.maxUpdatesPerRPC-1)
	} else {
		wu.sendFullList = false
		wu.firstUpdate = r.findPairLocked(e.VerifiedVersion + 1)
		wu.updateVersionTail = minU64(r.version,
			e.VerifiedVersion+r.maxUpdatesPerRPC)
	}

	e.UpdateVersion = wu.updateVersionTail
	r.numUpdatingServers++
}

// dispatch sends one batched update without holding the registry
// lock. It returns the sender's outcome and the last version that was
// actually packed into the request: the byte bound may stop the batch
// before the promised tail, in which case the delivered version is the
// last pair that fit.
func (r *ServerRegistry) dispatch(wu *workUnit) (SendStatus, uint64) {
	var bodies []cluster.ServerList
	var delivered uint64
	budget := r.maxRPCBytes

	p := wu.firstUpdate
	if wu.sendFullList {
		bodies = append(bodies, p.full)
		budget -= jsonSize(p.full)
		delivered = p.version
		p = p.next.Load()
	}
	for p != nil && p.version <= wu.updateVersionTail {
		size := jsonSize(p.incremental)
		if len(bodies) > 0 && size > budget {
			break
		}
		bodies = append(bodies, p.incremental)
		budget -= size
		delivered = p.version
		p = p.next.Load()
	}

	r.logger.WithFields(logrus.Fields{
		"server_id": wu.target.String(),
		"full":      wu.sendFullList,
		"bodies":    len(bodies),
		"delivered": delivered,
	}).Debug("sending server list update")

	return r.sender.SendServerListUpdate(context.Background(), wu.target, wu.locator, bodies), delivered
}

// workSuccess commits a successful update: the server has applied
// everything up to the delivered version. A success arriving for a
// server that crashed or was removed while the RPC was in flight is
// discarded (the rollback leaves no RPC outstanding).
func (r *ServerRegistry) workSuccess(id cluster.ServerId, delivered uint64) {
	if r.numUpdatingServers > 0 {
		r.numUpdatingServers--
	}
	e := r.getEntry(id)
	if e == nil {
		r.logger.WithField("server_id", id.String()).
			Debug("update reply for a vanished server, dropped")
		return
	}
	if e.Status != cluster.ServerUp {
		e.UpdateVersion = e.VerifiedVersion
		return
	}

	e.VerifiedVersion = delivered
	e.UpdateVersion = delivered

	if delivered < r.version {
		// The byte bound truncated the batch; the server is still
		// behind, so force the next scan to look again.
		r.lastScan.noWorkFoundForEpoch = 0
	} else if r.isClusterUpToDateLocked() {
		r.markClusterUpToDateLocked()
	}
}

// workFailed rolls back a failed update so the server becomes a
// candidate again. A spurious failure only costs one redundant resend;
// a spurious success would desynchronize the server for good, which is
// why the transport maps every doubt to failure.
func (r *ServerRegistry) workFailed(id cluster.ServerId) {
	if r.numUpdatingServers > 0 {
		r.numUpdatingServers--
	}
	e := r.getEntry(id)
	if e == nil {
		return
	}
	e.UpdateVersion = e.VerifiedVersion
	// The server still lags; the no-work heuristic must not keep the
	// next scan from finding it again.
	r.lastScan.noWorkFoundForEpoch = 0
	r.logger.WithFields(logrus.Fields{
		"server_id": id.String(),
		"verified":  e.VerifiedVersion,
	}).Warn("server list update failed, rolled back")
}

// workTargetGone handles a target the transport no longer knows:
// rollback, and if the entry was already removed and the rest of the
// cluster has acknowledged its removal, the slot is flushed right
// away. A removal the cluster has not confirmed yet keeps its slot —
// the periodic pass frees it once minConfirmedVersion catches up —
// so a slot is never reused before the REMOVE update is acknowledged.
func (r *ServerRegistry) workTargetGone(id cluster.ServerId) {
	if r.numUpdatingServers > 0 {
		r.numUpdatingServers--
	}
	e := r.getEntry(id)
	if e == nil {
		return
	}
	e.UpdateVersion = e.VerifiedVersion
	r.lastScan.noWorkFoundForEpoch = 0
	if e.Status == cluster.ServerRemoved {
		// The maxUint64 sentinel means no scan has computed a bound
		// yet, not that nobody constrains it; only a genuine bound at
		// or past the removal version permits the immediate free.
		if r.minConfirmedVersion != maxUint64 && e.removeVersion <= r.minConfirmedVersion {
			r.freeEntryLocked(id.Index())
		}
		return
	}
	r.logger.WithField("server_id", id.String()).
		Warn("server list update target gone")
}

// isClusterUpToDateLocked reports whether every server that accepts
// updates has acknowledged the current version and nothing is in
// flight.
func (r *ServerRegistry) isClusterUpToDateLocked() bool {
	if r.numUpdatingServers > 0 {
		return false
	}
	for i := range r.slots {
		e := r.slots[i].entry
		if e != nil && e.acceptsUpdates() && e.VerifiedVersion != r.version {
			return false
		}
	}
	return true
}

// markClusterUpToDateLocked records full acknowledgement of the
// current version: removals are flushed, the update log is emptied,
// the pending-update markers are retired, and Sync callers wake.
func (r *ServerRegistry) markClusterUpToDateLocked() {
	r.minConfirmedVersion = r.version
	r.freeCompletedRemovalsLocked()
	r.pruneUpdatesLocked()
	r.clearUpdateMarkersLocked()
	r.listUpToDate.Broadcast()
}

func jsonSize(list cluster.ServerList) int {
	b, err := json.Marshal(list)
	if err != nil {
		return 0
	}
	return len(b)
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
