package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/corral/internal/cluster"
	"github.com/dreamware/corral/internal/member"
)

// TestFullSnapshotsMatchFoldedIncrementals verifies the core update
// log identity: for every published pair, applying all incremental
// diffs up to its version onto an empty list reproduces exactly the
// pair's full snapshot.
func TestFullSnapshotsMatchFoldedIncrementals(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{ReplicationGroupSize: 3})

	// A busy history: masters, a backup group forming, a crash that
	// dissolves it, a completed recovery, and a re-enlistment.
	m1 := enlist(t, r, masterMask, "http://localhost:8081")
	enlist(t, r, backupMask, "http://localhost:8082")
	enlist(t, r, backupMask, "http://localhost:8083")
	enlist(t, r, backupMask, "http://localhost:8084")
	require.NoError(t, r.ServerCrashed(cluster.MakeServerId(1, 1)))
	require.NoError(t, r.RecoveryCompleted(cluster.MakeServerId(1, 1)))
	_, err := r.EnlistServer(m1, masterMask, 100, "http://localhost:8081")
	require.NoError(t, err)

	folded := member.NewList()
	for _, p := range r.pairs() {
		_, err := folded.ApplyUpdates([]cluster.ServerList{p.incremental})
		require.NoError(t, err)
		require.Equal(t, p.version, folded.Version())

		want := make(map[cluster.ServerId]cluster.ServerListEntry)
		for _, s := range p.full.Servers {
			want[s.ServerId] = s
		}
		have := make(map[cluster.ServerId]cluster.ServerListEntry)
		for _, s := range folded.Servers() {
			have[s.ServerId] = s
		}
		assert.Equal(t, want, have, "full snapshot at version %d must equal the folded diffs", p.version)
	}
}

// TestIncrementalsOrderDownsBeforeUps verifies that in every published
// diff all crash and remove entries precede all up entries.
func TestIncrementalsOrderDownsBeforeUps(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{ReplicationGroupSize: 3})

	old := enlist(t, r, masterMask, "http://localhost:8081")
	enlist(t, r, backupMask, "http://localhost:8082")
	_, err := r.EnlistServer(old, masterMask, 100, "http://localhost:8081")
	require.NoError(t, err)

	for _, p := range r.pairs() {
		sawUp := false
		for _, s := range p.incremental.Servers {
			if s.Status == cluster.ServerUp {
				sawUp = true
				continue
			}
			assert.False(t, sawUp,
				"version %d: down entry for %s after an up entry", p.version, s.ServerId)
		}
	}
}

// TestIssuedIdsNeverRepeat churns one slot through many incarnations
// and verifies every id ever issued is distinct.
func TestIssuedIdsNeverRepeat(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	seen := make(map[cluster.ServerId]bool)
	for i := 0; i < 8; i++ {
		id := enlist(t, r, quietMask, "http://localhost:8081")
		assert.False(t, seen[id], "id %s issued twice", id)
		seen[id] = true
		require.NoError(t, r.ServerCrashed(id))
		require.NoError(t, r.RecoveryCompleted(id))
		r.Sync()
	}
	assert.Len(t, seen, 8)
}
