// Package cluster defines the identifiers and wire types shared by the
// Corral coordinator and the storage servers it manages, plus the
// HTTP/JSON helpers both sides use to talk to each other.
//
// # Overview
//
// Corral is a coordinator-based distributed storage system. One
// coordinator owns the authoritative server list; every storage server
// enlists with it and is then kept up to date through asynchronous
// membership pushes. This package holds the vocabulary of that
// conversation:
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │              │
//	              │ ServerList   │
//	              │ (versioned)  │
//	              └──────┬───────┘
//	         enlist ▲    │ push full/incremental
//	                │    ▼ server list updates
//	      ┌─────────┴────┬──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌──────▼────┐ ┌───────▼───┐
//	│ Server    │ │ Server    │ │ Server    │
//	│ (0.1)     │ │ (1.1)     │ │ (2.1)     │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Core Types
//
// ServerId: a 64-bit (slot index, generation) pair. Slots are reused,
// generations are not, so every id ever issued is distinct. The zero
// value is the distinguished invalid id.
//
// ServiceMask: a bitset of the services a server runs (master, backup,
// ping, membership). Only servers running the membership service are
// sent server list updates.
//
// ServerList / ServerListEntry: the versioned server list on the wire,
// either as a full snapshot or as the incremental diff for a single
// version. Within a diff, crashed and removed entries always precede
// up entries, so re-enlistments are observed as remove-then-add.
//
// # Communication Protocol
//
// All inter-node communication is HTTP/JSON:
//
// Enlistment (POST /enlist on the coordinator):
//   - A starting server announces its locator, services, and read
//     speed, optionally naming the id it replaces.
//   - The response carries its durable ServerId.
//
// Membership push (POST /serverlist/update on each server):
//   - The coordinator sends a batch: an optional full snapshot
//     followed by consecutive incremental updates.
//   - The server answers with the version its list reached.
//
// Every push carries the ClusterIDHeader so servers reject pushes from
// a coordinator of a different cluster.
//
// # Concurrency
//
// The types in this package are plain values; they are safe to copy
// and to share once published. The HTTP helpers are safe for
// concurrent use.
package cluster
