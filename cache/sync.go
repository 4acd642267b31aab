package cache

import (
	"context"

	"writeback/cache/request"
	"writeback/pkg/types"
)

// Sync flushes and, on two-phase transports, commits every buffered record
// of file inside rng, blocking until all of them settle or an error is
// observed. With wait set it first waits for records already in flight
// (without issuing new I/O for them). A zero rng covers the whole file.
//
// Flushing can itself park records on the pending-commit list, so the
// flush+commit cycle repeats while it makes progress. The return value is
// the file's sticky error — the first failure recorded since the last
// Sync — which this call consumes.
func (c *Cache) Sync(ctx context.Context, file types.FileID, rng types.Range, wait bool) error {
	f := c.lookup(file)
	if f == nil {
		return nil
	}
	// Writes go out provisionally here; the commit half of the loop proves
	// durability. Single-phase transports ignore the hint and write durably.
	return c.syncRange(ctx, f, rng, false, wait)
}

// syncRange is the flush+commit loop shared by Sync, the conflict path, and
// pressure relief. stable asks the write phase for durable acceptance
// (skipping the commit phase for the flushed records when the server
// honors it).
func (c *Cache) syncRange(ctx context.Context, f *request.File, rng types.Range,
	stable, wait bool) error {
	for {
		if wait {
			if _, err := f.WaitRange(ctx, rng); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		progress := c.flushRange(ctx, f, rng, stable, true)
		if c.opts.Transport.SupportsCommit() {
			progress += c.commitRange(ctx, f, rng, true)
		}

		if err := f.TakeErr(); err != nil {
			return err
		}
		if progress == 0 {
			return nil
		}
	}
}

// syncPage pushes out whatever record covers one page, durably. Used when
// an incompatible record blocks a new write to the page.
func (c *Cache) syncPage(ctx context.Context, f *request.File, page types.PageID) error {
	rng := types.Range{Off: int64(page) * c.pageSize, Len: c.pageSize}
	return c.syncRange(ctx, f, rng, true, true)
}
