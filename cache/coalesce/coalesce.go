// Package coalesce assembles flush batches from checked-out dirty records.
//
// A batch is a maximal run of records the transport can carry in one write
// call: page indices strictly consecutive, byte coverage contiguous on the
// wire, bounded by the transport's negotiated payload size. Batches are
// ephemeral — they exist only between checkout and dispatch and are never
// looked up by identity.
package coalesce

import (
	"writeback/cache/request"
)

// Next consumes one batch from the head of list, which must already be in
// ascending page order with every record latched (the scan that produced it
// guarantees both). The run ends at, in order:
//
//  1. a record for a different file (defensive; per-file lists make runs
//     single-file by construction),
//  2. a page gap — the next record's page is not exactly one past the last,
//  3. a record that does not start at its page boundary: such a record is
//     only ever taken as the first of a batch, and ends it once taken,
//  4. a record that does not extend to the end of its page,
//  5. the maxPages bound.
//
// The consumed records are removed from list. Next returns nil only when
// list is empty.
func Next(list *[]*request.Request, pageSize int64, maxPages int) []*request.Request {
	if maxPages < 1 {
		maxPages = 1
	}
	var batch []*request.Request
	var prev *request.Request
	for len(*list) > 0 {
		r := (*list)[0]
		if prev != nil {
			if r.File != prev.File {
				break
			}
			if r.Page != prev.Page+1 {
				break
			}
			if r.Off != 0 {
				break
			}
		}
		*list = (*list)[1:]
		batch = append(batch, r)
		if r.Off != 0 {
			break
		}
		if r.End() != pageSize {
			break
		}
		if len(batch) >= maxPages {
			break
		}
		prev = r
	}
	return batch
}

// Span returns the absolute byte offset of a batch's first byte and the
// total byte count it carries. Batches are wire-contiguous, so the pair
// fully describes the covered range.
func Span(batch []*request.Request, pageSize int64) (off int64, n int64) {
	if len(batch) == 0 {
		return 0, 0
	}
	off = batch[0].AbsOffset(pageSize)
	for _, r := range batch {
		n += r.N
	}
	return off, n
}
