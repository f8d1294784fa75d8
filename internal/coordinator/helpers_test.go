package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/corral/internal/cluster"
	"github.com/dreamware/corral/internal/oplog"
)

// Service mask shorthands used throughout the tests. Servers that
// should receive pushes carry the membership service; servers without
// it exercise the "never updated, logically current" path.
var (
	masterMask = cluster.NewServiceMask(cluster.MasterService, cluster.MembershipService)
	backupMask = cluster.NewServiceMask(cluster.BackupService, cluster.MembershipService)
	quietMask  = cluster.NewServiceMask(cluster.MasterService)
)

// sendRecord captures one push the mock sender received.
type sendRecord struct {
	target cluster.ServerId
	bodies []cluster.ServerList
}

// mockSender is a Sender whose outcome is scripted per call, in the
// style of the health monitor's injectable check function. The default
// outcome is success.
type mockSender struct {
	mu      sync.Mutex
	sends   []sendRecord
	respond func(target cluster.ServerId, bodies []cluster.ServerList) SendStatus
}

func (m *mockSender) SendServerListUpdate(_ context.Context, target cluster.ServerId, _ string, updates []cluster.ServerList) SendStatus {
	m.mu.Lock()
	bodies := make([]cluster.ServerList, len(updates))
	copy(bodies, updates)
	m.sends = append(m.sends, sendRecord{target: target, bodies: bodies})
	respond := m.respond
	m.mu.Unlock()

	if respond != nil {
		return respond(target, updates)
	}
	return SendOK
}

// setRespond swaps the scripted outcome; safe while the updater runs.
func (m *mockSender) setRespond(fn func(cluster.ServerId, []cluster.ServerList) SendStatus) {
	m.mu.Lock()
	m.respond = fn
	m.mu.Unlock()
}

// sendsTo returns the pushes received by one target, in order.
func (m *mockSender) sendsTo(target cluster.ServerId) []sendRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sendRecord
	for _, s := range m.sends {
		if s.target == target {
			out = append(out, s)
		}
	}
	return out
}

// failNTimes scripts n failures for one target, then success, with a
// short delay on failure so retries don't spin hot.
func (m *mockSender) failNTimes(target cluster.ServerId, n int) {
	var mu sync.Mutex
	remaining := n
	m.setRespond(func(to cluster.ServerId, _ []cluster.ServerList) SendStatus {
		if to != target {
			return SendOK
		}
		mu.Lock()
		defer mu.Unlock()
		if remaining > 0 {
			remaining--
			time.Sleep(time.Millisecond)
			return SendFailed
		}
		return SendOK
	})
}

// quietLogger keeps registry noise out of test output.
func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// newTestRegistry builds a registry over a fresh in-memory log and
// mock sender, with logging quieted down.
func newTestRegistry(t *testing.T, cfg Config) (*ServerRegistry, *mockSender, *oplog.MemoryLog) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	log := oplog.NewMemoryLog()
	sender := &mockSender{}
	r := NewServerRegistry(log, sender, cfg)
	t.Cleanup(r.HaltUpdater)
	return r, sender, log
}

// enlist enlists a fresh server and fails the test on error.
func enlist(t *testing.T, r *ServerRegistry, mask cluster.ServiceMask, locator string) cluster.ServerId {
	t.Helper()
	id, err := r.EnlistServer(cluster.InvalidServerId, mask, 100, locator)
	require.NoError(t, err)
	return id
}

// pairs snapshots the retained update log under the registry lock.
func (r *ServerRegistry) pairs() []*updatePair {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*updatePair
	for p := r.updatesHead; p != nil; p = p.next.Load() {
		out = append(out, p)
	}
	return out
}
