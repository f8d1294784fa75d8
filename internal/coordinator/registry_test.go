package coordinator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/corral/internal/cluster"
	"github.com/dreamware/corral/internal/oplog"
)

// TestEnlistAssignsIdsAndCounts verifies the id allocator hands out
// (index, generation) pairs from the lowest free slot, bumps the list
// version per enlistment, and maintains the master/backup counts.
func TestEnlistAssignsIdsAndCounts(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	m1 := enlist(t, r, masterMask, "http://localhost:8081")
	m2 := enlist(t, r, masterMask, "http://localhost:8082")
	b1 := enlist(t, r, backupMask, "http://localhost:8083")

	assert.Equal(t, cluster.MakeServerId(0, 1), m1)
	assert.Equal(t, cluster.MakeServerId(1, 1), m2)
	assert.Equal(t, cluster.MakeServerId(2, 1), b1)

	assert.Equal(t, uint64(3), r.Version())
	assert.Equal(t, uint32(2), r.MasterCount())
	assert.Equal(t, uint32(1), r.BackupCount())
	assert.Equal(t, 3, r.SlotCount())

	// Version invariant on every entry: verified <= update <= current.
	for _, e := range r.Servers() {
		assert.LessOrEqual(t, e.VerifiedVersion, e.UpdateVersion)
		assert.LessOrEqual(t, e.UpdateVersion, r.Version())
	}
}

// TestStaleIdLookup verifies that after a slot cycles, lookups with
// earlier generations return absent rather than the current occupant.
func TestStaleIdLookup(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	cycle := func(expected cluster.ServerId) {
		id := enlist(t, r, quietMask, "http://localhost:8081")
		require.Equal(t, expected, id)
		require.NoError(t, r.ServerCrashed(id))
		require.NoError(t, r.RecoveryCompleted(id))
		r.Sync() // flushes the acknowledged removal, freeing the slot
	}

	cycle(cluster.MakeServerId(0, 1))
	cycle(cluster.MakeServerId(0, 2))

	third := enlist(t, r, quietMask, "http://localhost:8081")
	assert.Equal(t, cluster.MakeServerId(0, 3), third)

	_, ok := r.Get(cluster.MakeServerId(0, 1))
	assert.False(t, ok, "first generation must not resolve")
	_, ok = r.Get(cluster.MakeServerId(0, 2))
	assert.False(t, ok, "second generation must not resolve")
	got, ok := r.Get(third)
	require.True(t, ok)
	assert.Equal(t, third, got.ServerId)
}

// TestReEnlistPublishesCrashBeforeAdd verifies the re-enlistment
// contract: replacing a live incarnation produces one diff in which
// the old id's crash and removal strictly precede the new id's
// addition, and the new id reuses the slot at the next generation.
func TestReEnlistPublishesCrashBeforeAdd(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	old := enlist(t, r, masterMask, "http://localhost:8081")
	require.Equal(t, cluster.MakeServerId(0, 1), old)

	fresh, err := r.EnlistServer(old, masterMask, 100, "http://localhost:8081")
	require.NoError(t, err)
	assert.Equal(t, cluster.MakeServerId(0, 2), fresh)
	assert.Equal(t, uint64(2), r.Version())

	_, ok := r.Get(old)
	assert.False(t, ok, "replaced incarnation must be gone")

	// The version 2 diff: old id down (crash, then remove), then the
	// new id up. Never the reverse.
	pairs := r.pairs()
	require.Len(t, pairs, 2)
	diff := pairs[1].incremental
	require.Equal(t, uint64(2), diff.Version)
	require.Len(t, diff.Servers, 3)
	assert.Equal(t, old, diff.Servers[0].ServerId)
	assert.Equal(t, cluster.ServerCrashed, diff.Servers[0].Status)
	assert.Equal(t, old, diff.Servers[1].ServerId)
	assert.Equal(t, cluster.ServerRemoved, diff.Servers[1].Status)
	assert.Equal(t, fresh, diff.Servers[2].ServerId)
	assert.Equal(t, cluster.ServerUp, diff.Servers[2].Status)
}

// TestEnlistLocatorMismatchRejected verifies enlisting against a live
// server at a different locator fails without touching any state.
func TestEnlistLocatorMismatchRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	id := enlist(t, r, masterMask, "http://localhost:8081")

	_, err := r.EnlistServer(id, masterMask, 100, "http://localhost:9999")
	assert.ErrorIs(t, err, ErrLocatorMismatch)

	assert.Equal(t, uint64(1), r.Version())
	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, cluster.ServerUp, got.Status)
	assert.Equal(t, uint32(1), r.MasterCount())
}

// TestCrashAndRecoveryLifecycle walks one server through
// up → crashed → removed and verifies the state machine's side
// effects, including that the slot is only reused after the removal
// has been acknowledged.
func TestCrashAndRecoveryLifecycle(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	id := enlist(t, r, quietMask, "http://localhost:8081")
	assert.Equal(t, uint32(1), r.MasterCount())

	require.NoError(t, r.ServerCrashed(id))
	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, cluster.ServerCrashed, got.Status)
	assert.True(t, got.NeedsRecovery)
	assert.Equal(t, uint32(0), r.MasterCount())
	assert.Equal(t, uint64(2), r.Version())

	// Crashing again is a harmless no-op.
	require.NoError(t, r.ServerCrashed(id))
	assert.Equal(t, uint64(2), r.Version())

	require.NoError(t, r.RecoveryCompleted(id))
	got, ok = r.Get(id)
	require.True(t, ok)
	assert.Equal(t, cluster.ServerRemoved, got.Status)
	assert.False(t, got.NeedsRecovery)
	assert.Equal(t, uint64(3), r.Version())

	// The removal has not been flushed yet, so the slot is still
	// occupied and a newcomer gets the next index.
	other := enlist(t, r, quietMask, "http://localhost:8082")
	assert.Equal(t, cluster.MakeServerId(1, 1), other)

	// Once the cluster confirms, the slot frees and is reused at the
	// next generation.
	r.Sync()
	_, ok = r.Get(id)
	assert.False(t, ok)
	reused := enlist(t, r, quietMask, "http://localhost:8083")
	assert.Equal(t, cluster.MakeServerId(0, 2), reused)
}

// TestLifecycleErrors verifies the typed errors for out-of-order
// transitions and unknown ids.
func TestLifecycleErrors(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	unknown := cluster.MakeServerId(9, 9)
	assert.ErrorIs(t, r.ServerCrashed(unknown), ErrNoSuchServer)
	assert.ErrorIs(t, r.RecoveryCompleted(unknown), ErrNoSuchServer)

	id := enlist(t, r, quietMask, "http://localhost:8081")
	assert.ErrorIs(t, r.RecoveryCompleted(id), ErrServerNotCrashed)
}

// TestSetMasterRecoveryInfo verifies the info round-trips through the
// entry and that each write supersedes the previous record in the
// operation log.
func TestSetMasterRecoveryInfo(t *testing.T) {
	r, _, log := newTestRegistry(t, Config{})

	assert.False(t, r.SetMasterRecoveryInfo(cluster.MakeServerId(4, 4), []byte("x")))

	id := enlist(t, r, quietMask, "http://localhost:8081")
	assert.True(t, r.SetMasterRecoveryInfo(id, []byte("first")))
	assert.True(t, r.SetMasterRecoveryInfo(id, []byte("second")))

	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got.MasterRecoveryInfo)

	// Only the latest ServerUpdate record survives in the log.
	live := 0
	require.NoError(t, log.Replay(func(_ oplog.EntryId, rec *oplog.Record) error {
		if rec.EntryType == oplog.EntryServerUpdate {
			live++
			assert.Equal(t, []byte("second"), rec.MasterRecoveryInfo)
		}
		return nil
	}))
	assert.Equal(t, 1, live)
}

// recordingTracker collects membership events for assertions.
type recordingTracker struct {
	mu     sync.Mutex
	events []ServerChange
}

func (rt *recordingTracker) ServerChanged(change ServerChange) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.events = append(rt.events, change)
}

func (rt *recordingTracker) all() []ServerChange {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]ServerChange, len(rt.events))
	copy(out, rt.events)
	return out
}

// TestTrackerObservesLifecycle verifies trackers see add, crash, and
// remove events in publication order with entry snapshots attached.
func TestTrackerObservesLifecycle(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	tracker := &recordingTracker{}
	r.RegisterTracker(tracker)

	id := enlist(t, r, quietMask, "http://localhost:8081")
	require.NoError(t, r.ServerCrashed(id))
	require.NoError(t, r.RecoveryCompleted(id))

	events := tracker.all()
	require.Len(t, events, 3)
	assert.Equal(t, ChangeAdd, events[0].Kind)
	assert.Equal(t, cluster.ServerUp, events[0].Server.Status)
	assert.Equal(t, ChangeCrash, events[1].Kind)
	assert.True(t, events[1].Server.NeedsRecovery)
	assert.Equal(t, ChangeRemove, events[2].Kind)
	assert.Equal(t, cluster.ServerRemoved, events[2].Server.Status)
	for _, ev := range events {
		assert.Equal(t, id, ev.Server.ServerId)
	}

	r.UnregisterTracker(tracker)
	enlist(t, r, quietMask, "http://localhost:8082")
	assert.Len(t, tracker.all(), 3, "unregistered tracker must not receive events")
}

// TestSerializeFiltersByService verifies serialization includes up and
// crashed servers matching the mask and never removed ones.
func TestSerializeFiltersByService(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	m := enlist(t, r, masterMask, "http://localhost:8081")
	b := enlist(t, r, backupMask, "http://localhost:8082")
	require.NoError(t, r.ServerCrashed(b))

	all := r.Serialize(cluster.AllServices)
	assert.Equal(t, r.Version(), all.Version)
	require.Len(t, all.Servers, 2)

	masters := r.Serialize(cluster.NewServiceMask(cluster.MasterService))
	require.Len(t, masters.Servers, 1)
	assert.Equal(t, m, masters.Servers[0].ServerId)

	backups := r.Serialize(cluster.NewServiceMask(cluster.BackupService))
	require.Len(t, backups.Servers, 1)
	assert.Equal(t, cluster.ServerCrashed, backups.Servers[0].Status)

	// Removed servers disappear from snapshots immediately.
	require.NoError(t, r.RecoveryCompleted(b))
	backups = r.Serialize(cluster.NewServiceMask(cluster.BackupService))
	assert.Empty(t, backups.Servers)
}
