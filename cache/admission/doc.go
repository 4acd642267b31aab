// Package admission bounds the number of dirty-range records the cache may
// hold across all files.
//
// Two limits apply. At or above the soft limit, admission first runs an
// opportunistic pressure-relief callback (typically a flush of the
// requesting file) before deciding, trading writer latency for memory. At
// the hard limit the writer blocks, re-checking once per quantum, until a
// record is released or the overall wait deadline passes; the deadline
// surfaces as a resource-exhaustion error rather than a silent retry.
package admission
