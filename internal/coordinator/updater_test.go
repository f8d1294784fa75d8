package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/corral/internal/cluster"
)

// TestSyncDeliversFullListToNewServers verifies that after Sync every
// membership server has acknowledged the current version and that
// each server's first push opened with a full snapshot.
func TestSyncDeliversFullListToNewServers(t *testing.T) {
	r, sender, _ := newTestRegistry(t, Config{})

	ids := []cluster.ServerId{
		enlist(t, r, masterMask, "http://localhost:8081"),
		enlist(t, r, masterMask, "http://localhost:8082"),
		enlist(t, r, backupMask, "http://localhost:8083"),
	}

	r.Sync()

	version := r.Version()
	require.Equal(t, uint64(3), version)
	for _, id := range ids {
		e, ok := r.Get(id)
		require.True(t, ok)
		assert.Equal(t, version, e.VerifiedVersion, "server %s must be current after sync", id)
		assert.Equal(t, version, e.UpdateVersion)

		sends := sender.sendsTo(id)
		require.NotEmpty(t, sends, "server %s must have been pushed to", id)
		first := sends[0].bodies
		require.NotEmpty(t, first)
		assert.Equal(t, cluster.ListFull, first[0].Type,
			"a never-updated server's first body is a full snapshot")
	}
}

// TestUpdateBatchingRespectsCap verifies the MAX_UPDATES_PER_RPC bound:
// a lagging server is brought current through several pushes, each
// carrying at most the cap's worth of incrementals, in strictly
// increasing version order with no gaps.
func TestUpdateBatchingRespectsCap(t *testing.T) {
	const perRPC = 4
	r, sender, _ := newTestRegistry(t, Config{MaxUpdatesPerRPC: perRPC})

	// Build up ten versions before the updater ever runs.
	var ids []cluster.ServerId
	for i := 0; i < 10; i++ {
		ids = append(ids, enlist(t, r, masterMask, "http://localhost:8081"))
	}
	require.Equal(t, uint64(10), r.Version())

	r.Sync()

	for _, id := range ids {
		e, ok := r.Get(id)
		require.True(t, ok)
		assert.Equal(t, uint64(10), e.VerifiedVersion)

		// Reconstruct the version sequence this server received:
		// exactly one full snapshot first, then consecutive
		// incrementals with never more than cap new versions per push.
		sends := sender.sendsTo(id)
		require.NotEmpty(t, sends)
		var last uint64
		for i, send := range sends {
			versionsThisPush := 0
			for j, body := range send.bodies {
				if body.Type == cluster.ListFull {
					require.Zero(t, i, "full snapshots only in the first push")
					require.Zero(t, j, "full snapshot must lead the push")
					assert.GreaterOrEqual(t, body.Version, uint64(1))
					last = body.Version
					continue
				}
				require.Equal(t, last+1, body.Version,
					"server %s must never skip a version", id)
				last = body.Version
				versionsThisPush++
			}
			assert.LessOrEqual(t, versionsThisPush, perRPC)
		}
		assert.Equal(t, uint64(10), last)
	}
}

// TestGetWorkTwoPhaseContract drives getWork by hand (no updater
// goroutine) and verifies the promise/commit protocol: a server with
// an outstanding assignment is never handed out again, failure
// restores eligibility, success retires it.
func TestGetWorkTwoPhaseContract(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	a := enlist(t, r, masterMask, "http://localhost:8081")
	b := enlist(t, r, masterMask, "http://localhost:8082")

	r.mu.Lock()
	defer r.mu.Unlock()

	var first workUnit
	require.True(t, r.getWork(&first))
	assert.Equal(t, a, first.target)
	assert.True(t, first.sendFullList)
	assert.Equal(t, uint64(2), first.updateVersionTail)

	// Selection happened with verified == update; assignment moved the
	// promise ahead, putting the entry in flight.
	ea := r.getEntry(a)
	assert.Equal(t, uint64(0), ea.VerifiedVersion)
	assert.Equal(t, uint64(2), ea.UpdateVersion)
	assert.Equal(t, uint32(1), r.numUpdatingServers)

	// The in-flight server is skipped; the other one is handed out.
	var second workUnit
	require.True(t, r.getWork(&second))
	assert.Equal(t, b, second.target)

	// Everything in flight: a complete scan finds nothing.
	var third workUnit
	assert.False(t, r.getWork(&third))

	// Failure rolls the promise back and the server is rediscovered.
	r.workFailed(a)
	assert.Equal(t, uint64(0), ea.UpdateVersion)
	require.True(t, r.getWork(&third))
	assert.Equal(t, a, third.target)

	// Success commits: verified catches the promise.
	r.workSuccess(a, third.updateVersionTail)
	assert.Equal(t, uint64(2), ea.VerifiedVersion)
	assert.Equal(t, uint64(2), ea.UpdateVersion)

	r.workSuccess(b, second.updateVersionTail)
	eb := r.getEntry(b)
	assert.Equal(t, uint64(2), eb.VerifiedVersion)
	assert.Equal(t, uint32(0), r.numUpdatingServers)
}

// TestWorkSuccessOnCrashedServerDiscarded verifies a reply that
// arrives after the target was declared crashed does not advance its
// verified version.
func TestWorkSuccessOnCrashedServerDiscarded(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	a := enlist(t, r, masterMask, "http://localhost:8081")
	enlist(t, r, masterMask, "http://localhost:8082")

	r.mu.Lock()
	var wu workUnit
	require.True(t, r.getWork(&wu))
	require.Equal(t, a, wu.target)
	r.mu.Unlock()

	// The target crashes while its update RPC is in flight.
	require.NoError(t, r.ServerCrashed(a))

	r.mu.Lock()
	r.workSuccess(a, wu.updateVersionTail)
	e := r.getEntry(a)
	assert.Equal(t, uint64(0), e.VerifiedVersion, "crashed server's commit must not move")
	assert.Equal(t, uint64(0), e.UpdateVersion, "rollback must settle the entry")
	r.mu.Unlock()
}

// TestWorkFailureRetriesUntilDelivered verifies transient transport
// failures are retried until the push lands, with no version skipped.
func TestWorkFailureRetriesUntilDelivered(t *testing.T) {
	r, sender, _ := newTestRegistry(t, Config{})

	id := enlist(t, r, masterMask, "http://localhost:8081")
	sender.failNTimes(id, 2)

	r.Sync()

	e, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, r.Version(), e.VerifiedVersion)
	assert.GreaterOrEqual(t, len(sender.sendsTo(id)), 3, "two failures then a success")
}

// TestRemovedSlotHeldUntilAcknowledged verifies the REMOVE update must
// be acknowledged by the lagging cluster before the slot frees
// (testable property: removal completion).
func TestRemovedSlotHeldUntilAcknowledged(t *testing.T) {
	r, sender, _ := newTestRegistry(t, Config{})

	victim := enlist(t, r, masterMask, "http://localhost:8081")
	witness := enlist(t, r, masterMask, "http://localhost:8082")
	r.Sync()

	// The witness stops acknowledging; the victim is crashed and
	// recovered, publishing its removal at a version the witness has
	// not confirmed.
	sender.setRespond(func(to cluster.ServerId, _ []cluster.ServerList) SendStatus {
		if to == witness {
			time.Sleep(time.Millisecond)
			return SendFailed
		}
		return SendOK
	})
	require.NoError(t, r.ServerCrashed(victim))
	require.NoError(t, r.RecoveryCompleted(victim))

	// Slot 0 must still be occupied by the removed entry: a newcomer
	// gets the next free index instead.
	newcomer := enlist(t, r, masterMask, "http://localhost:8083")
	assert.Equal(t, uint32(2), newcomer.Index(), "removed slot must not be reused yet")

	// Let the witness acknowledge; after sync the slot recycles at the
	// next generation.
	sender.setRespond(nil)
	r.Sync()
	_, ok := r.Get(victim)
	assert.False(t, ok)
	reused := enlist(t, r, masterMask, "http://localhost:8084")
	assert.Equal(t, cluster.MakeServerId(0, 2), reused)
}

// TestTargetGoneHoldsRemovedSlotUntilConfirmed verifies the
// target-gone path cannot shortcut removal completion: a removed
// server whose stale in-flight RPC resolves as target-gone keeps its
// slot while another server still lags behind the REMOVE version, and
// frees only once the cluster confirms.
func TestTargetGoneHoldsRemovedSlotUntilConfirmed(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	victim := enlist(t, r, masterMask, "http://localhost:8081")
	witness := enlist(t, r, masterMask, "http://localhost:8082")

	// The updater (driven by hand here) assigns the victim an update;
	// the RPC is "in flight" when the victim crashes and its recovery
	// completes, publishing the removal at a version the witness has
	// never acknowledged.
	r.mu.Lock()
	var inFlight workUnit
	require.True(t, r.getWork(&inFlight))
	require.Equal(t, victim, inFlight.target)
	r.mu.Unlock()

	require.NoError(t, r.ServerCrashed(victim))
	require.NoError(t, r.RecoveryCompleted(victim))
	removeVersion := r.Version()

	r.mu.Lock()
	r.workTargetGone(victim)
	r.mu.Unlock()

	got, ok := r.Get(victim)
	require.True(t, ok, "slot must be held while the witness lags the REMOVE")
	assert.Equal(t, cluster.ServerRemoved, got.Status)

	// The witness catches up; confirmation of the removal version
	// flushes the slot.
	r.mu.Lock()
	var catchUp workUnit
	require.True(t, r.getWork(&catchUp))
	require.Equal(t, witness, catchUp.target)
	require.GreaterOrEqual(t, catchUp.updateVersionTail, removeVersion)
	r.workSuccess(witness, catchUp.updateVersionTail)
	r.mu.Unlock()

	_, ok = r.Get(victim)
	assert.False(t, ok, "confirmed removal must free the slot")
}

// TestHaltAndRestartUpdater verifies HaltUpdater blocks until the
// worker is gone, is idempotent, and that a restarted updater resumes
// delivering.
func TestHaltAndRestartUpdater(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	enlist(t, r, masterMask, "http://localhost:8081")
	r.Sync()

	r.HaltUpdater()
	r.HaltUpdater() // no-op on a stopped updater

	// Mutations while the updater is down stay staged on the wire
	// side; a restart catches the cluster up.
	enlist(t, r, masterMask, "http://localhost:8082")
	r.StartUpdater()
	r.Sync()

	for _, e := range r.Servers() {
		assert.Equal(t, r.Version(), e.VerifiedVersion)
	}
}

// TestServersWithoutMembershipServiceAreNeverPushed verifies the
// eligibility rule: no membership service, no updates, and sync does
// not wait on them.
func TestServersWithoutMembershipServiceAreNeverPushed(t *testing.T) {
	r, sender, _ := newTestRegistry(t, Config{})

	quiet := enlist(t, r, quietMask, "http://localhost:8081")
	loud := enlist(t, r, masterMask, "http://localhost:8082")

	r.Sync()

	assert.Empty(t, sender.sendsTo(quiet))
	assert.NotEmpty(t, sender.sendsTo(loud))

	e, ok := r.Get(quiet)
	require.True(t, ok)
	assert.Equal(t, uint64(0), e.VerifiedVersion, "ineligible servers are held at zero")
}

// TestUpdateLogPrunesAfterAcknowledgement verifies retained pairs are
// dropped once the whole cluster has confirmed them.
func TestUpdateLogPrunesAfterAcknowledgement(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	for i := 0; i < 5; i++ {
		enlist(t, r, masterMask, "http://localhost:8081")
	}
	assert.Equal(t, 5, r.updateLogLen(), "nothing prunable before any acknowledgement")

	r.Sync()
	assert.Zero(t, r.updateLogLen(), "a fully confirmed log prunes to empty")
}
