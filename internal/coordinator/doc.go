// Package coordinator implements the Corral coordinator's server
// registry: the authoritative, cluster-wide list of storage servers,
// the asynchronous machinery that propagates membership changes to
// every live server, and the operation-log-backed recovery protocol
// that lets a crashed coordinator restore its state exactly.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────┐
//	│                  ServerRegistry                      │
//	├──────────────────────────────────────────────────────┤
//	│ slots:    (generation, Entry?) per index             │
//	│ pending:  staged diff (downs before ups)             │
//	│ updates:  linked log of (version, diff, snapshot)    │
//	│ version:  current list version                       │
//	├──────────────────────────────────────────────────────┤
//	│ mutators ──► persist intent ──► mutate ──► push ─┐   │
//	│                                                  ▼   │
//	│ updater (one goroutine): scan → batch → send RPC     │
//	│          ▲                              │            │
//	│          └── success / failure / gone ◄─┘            │
//	└──────────────────────────────────────────────────────┘
//
// # Identifiers
//
// Every server gets a ServerId composed of its slot index and that
// slot's generation number. Slots are reused after a removed server is
// flushed; generations only rise, so ids are never reused and a stale
// id simply fails to resolve.
//
// # Versioned updates
//
// Each membership change is staged into a pending diff and published
// by bumping the list version. Published versions are retained as
// (incremental, full snapshot) pairs in an append-only linked log,
// pruned from the old end once every server has acknowledged them.
//
// Per server, two version numbers implement a two-phase protocol:
// UpdateVersion is the promise (what the in-flight RPC would bring the
// server to), VerifiedVersion is the commit (what the server has
// acknowledged). Success moves the commit up to the promise; failure
// rolls the promise back to the commit. The single updater goroutine
// never hands out work for a server whose promise is ahead of its
// commit, so each server receives updates in strictly increasing
// version order with no gaps.
//
// # Crash safety
//
// Every mutation appends its intent to the operation log before
// touching memory, records the returned entry id, and invalidates the
// record it supersedes. Recover replays the live records in order and
// rebuilds the identical registry. Acknowledgement state is not
// persisted, so every recovered server restarts at version zero and is
// sent a full snapshot of the recovered version, which also carries
// any update that had not reached the cluster before the crash.
//
// # Locking
//
// One mutex guards everything; two condition variables coordinate
// with the updater (hasUpdatesOrStop) and with Sync callers
// (listUpToDate). The updater drops the mutex for the duration of
// every outbound RPC. Mid-log traversal needs no lock because a
// published pair and its next pointer are immutable until pruned.
package coordinator
