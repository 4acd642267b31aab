// Package cache implements a client-side write-back cache for a networked
// file store.
//
// Application writes land in dirty-range records over pinned page-cache
// pages and return without touching the network. Records are coalesced into
// wire-contiguous batches and dispatched asynchronously when a per-file
// threshold is reached, when global admission pressure builds, when a
// caller syncs explicitly, or when a record's deadline elapses during the
// periodic sweep. On transports with a two-phase protocol, a completed
// write may be only provisional: the record then waits on the pending-commit
// list until a commit call returns a matching server-incarnation verifier.
// A mismatched verifier means the server restarted and the bytes are
// rewritten from scratch.
//
// Write Lifecycle:
//  1. Write() widens an existing record or admits and creates a new one
//  2. [records accumulate; threshold/pressure/deadline triggers flush]
//  3. Coalesce — maximal contiguous batches bounded by the write size
//  4. Dispatch — one asynchronous write call per batch
//  5. Completion — retire (durable), re-dirty (failed), or park on the
//     pending-commit list (provisional)
//  6. Commit — prove durability; mismatched verifiers re-dirty
//
// Failures are sticky per file: the first error is held until the next
// Sync consumes it, and failed records go back to the dirty list rather
// than being dropped or retried inline.
//
// The cache owns no page memory, no wire format, and no lock state; those
// belong to the PageCache, Transport, and LockTable collaborators.
package cache
