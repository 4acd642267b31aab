// Package request implements the dirty-range record store and the per-file
// write index of the write-back cache.
//
// A Request describes one pending write covering part or all of one cached
// page. Records are reference counted and carry an exclusive busy latch: the
// latch is held by whichever path is currently mutating or transmitting the
// record (widening, batch assembly, completion processing), and waiters block
// on a channel that is closed when the latch drops.
//
// A File is the per-open-file index: a page-keyed lookup table plus two lists
// ordered by ascending page index — records waiting to be written (dirty) and
// records provisionally accepted by the server but not yet proven durable
// (pending commit). A record is on at most one list at any time; the index
// methods enforce that, and keep the list counters in lockstep with the list
// contents.
//
// All state in this package is guarded by the owning File's mutex. Violations
// of the structural invariants (counter desync, releasing a record that is
// still listed or busy, unlocking a record that is not busy) are programming
// errors and panic.
package request
