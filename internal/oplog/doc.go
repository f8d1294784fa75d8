// Package oplog provides the durable operation log that backs
// coordinator recovery.
//
// The coordinator persists its intent to the log before making any
// membership change visible, and stamps the returned entry ids onto
// its in-memory state. Superseded entries are invalidated so that a
// replay of the live records, in append order, rebuilds exactly the
// state the coordinator held when it crashed.
//
// Two implementations are provided:
//
//   - MemoryLog: process-lifetime storage for tests and for
//     deployments that do not need coordinator recovery.
//   - FileLog: an fsynced JSON-lines file; one line per appended
//     record or invalidation tombstone.
//
// In a production deployment the Log interface would instead be bound
// to a replicated log service; the coordinator only depends on the
// interface.
package oplog
