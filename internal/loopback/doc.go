// Package loopback is an in-process file store implementing the cache's
// Transport interface, used by tests and the wbctl command.
//
// It models the durability split of a two-phase remote store: writes
// submitted without a durability requirement are parked in a per-file
// unstable buffer and answered with the server's boot verifier; a commit
// call applies the buffered segments to the backing store, syncs it, and
// returns the current boot verifier. Restart() discards the unstable
// buffer and rolls the verifier, which is exactly what a real server
// restart looks like to a client holding provisional acceptances.
//
// Backing stores are pluggable: an in-memory store for tests, and an
// O_DIRECT file store with fdatasync for wbctl.
package loopback
