package cache

import (
	"context"
	"time"

	"writeback/cache/coalesce"
	"writeback/cache/request"
	"writeback/pkg/types"
)

// strategy is the threshold trigger, consulted when a write fills its page.
// Transports with a commit phase flush as soon as one write call's worth of
// pages is dirty; single-phase transports accumulate GatherMultiplier calls'
// worth so servers that gather writes see full batches. Soft admission
// pressure flushes the file outright, regardless of the threshold.
func (c *Cache) strategy(ctx context.Context, f *request.File) {
	threshold := c.wpages
	if !c.opts.Transport.SupportsCommit() {
		threshold = c.opts.GatherMultiplier * c.wpages
	}
	if f.DirtyCount() >= threshold {
		c.flushRange(context.WithoutCancel(ctx), f, types.Range{}, false, false)
	}
	if c.adm.OverSoft() {
		if err := c.syncRange(ctx, f, types.Range{}, false, false); err != nil {
			f.SetErr(stickyError(err))
		}
	}
}

// flushRange checks out the dirty records inside rng, carves them into
// batches, and dispatches each. With wait set the calls run back to back
// and flushRange returns after the last completion is applied; otherwise
// completions land on transport goroutines. Returns the number of pages
// checked out.
func (c *Cache) flushRange(ctx context.Context, f *request.File, rng types.Range,
	stable, wait bool) int {
	reqs := f.ScanDirty(rng)
	pages := len(reqs)
	for len(reqs) > 0 {
		batch := coalesce.Next(&reqs, c.pageSize, c.wpages)
		c.dispatch(ctx, f, batch, stable, wait)
	}
	return pages
}

// flushExpired is flushRange for records whose deadline has elapsed.
func (c *Cache) flushExpired(ctx context.Context, f *request.File, now time.Time) int {
	reqs, _ := f.ScanDirtyExpired(now)
	pages := len(reqs)
	for len(reqs) > 0 {
		batch := coalesce.Next(&reqs, c.pageSize, c.wpages)
		c.dispatch(ctx, f, batch, false, false)
	}
	return pages
}

// dispatch issues one write call for a checked-out batch and arranges for
// the completion to be applied — inline when wait is set, otherwise on a
// goroutine awaiting the transport's reply.
func (c *Cache) dispatch(ctx context.Context, f *request.File, batch []*request.Request,
	stable, wait bool) {
	if len(batch) == 0 {
		return
	}

	payload := make([][]byte, len(batch))
	want := 0
	for i, r := range batch {
		payload[i] = r.Bytes()
		want += int(r.N)
	}

	// Single-phase transports make every write durable. On two-phase
	// transports a stable flush picks the cheapest level that still proves
	// durability: file-sync unless provisional data is already outstanding.
	durability := types.DurabilityNone
	switch {
	case !c.opts.Transport.SupportsCommit():
		durability = types.DurabilityFile
	case stable:
		if f.CommitCount() == 0 {
			durability = types.DurabilityFile
		} else {
			durability = types.DurabilityData
		}
	}

	off, n := coalesce.Span(batch, c.pageSize)
	call := WriteCall{
		File:       f.ID(),
		Cred:       batch[0].Cred,
		Off:        off,
		Payload:    payload,
		Durability: durability,
	}
	c.log.Debug("write call",
		"file", f.ID(), "off", off, "bytes", n,
		"pages", len(batch), "durability", durability)

	ch := c.opts.Transport.SubmitWrite(ctx, call)
	if wait {
		c.writeDone(f, batch, call, want, <-ch)
		return
	}
	go func() {
		c.writeDone(f, batch, call, want, <-ch)
	}()
}

// writeDone applies one write completion to its whole batch under a single
// index-lock acquisition: no observer sees the batch half retired.
func (c *Cache) writeDone(f *request.File, batch []*request.Request, call WriteCall,
	want int, reply WriteReply) {
	err := reply.Err
	out := reply.Outcome
	if err == nil && out.N < want {
		c.log.Warn("server wrote less than requested",
			"file", f.ID(), "want", want, "got", out.N)
		err = types.ErrShortWrite
	}

	if err != nil {
		// Retry-by-redirty: the scheduler picks these up again on its
		// normal cadence, or a sync forces them out.
		c.log.Debug("write call failed", "file", f.ID(), "off", call.Off, "err", err)
		f.SetErr(stickyError(err))
		f.Complete(batch, func(*request.Request) request.Disposition {
			return request.Redirty
		})
		return
	}

	if out.Durability == types.DurabilityNone {
		if !c.opts.Transport.SupportsCommit() {
			// The transport negotiated single-phase writes but the server
			// answered provisionally anyway; there is no commit call to
			// follow up with, so take the reply at its word.
			c.log.Warn("provisional reply on a single-phase transport, treating as durable",
				"file", f.ID(), "off", call.Off)
			f.Complete(batch, func(*request.Request) request.Disposition {
				return request.Retire
			})
			return
		}
		if call.Durability != types.DurabilityNone {
			c.log.Warn("server returned weaker durability than requested",
				"file", f.ID(), "asked", call.Durability, "got", out.Durability)
		}
		deadline := c.opts.Clock.Now().Add(c.opts.CommitDelay)
		f.Complete(batch, func(r *request.Request) request.Disposition {
			r.Verifier = out.Verifier
			r.HasVerifier = true
			r.Deadline = deadline
			return request.Recommit
		})
		return
	}

	f.Complete(batch, func(*request.Request) request.Disposition {
		return request.Retire
	})
}

// commitRange checks out the pending-commit records inside rng and issues
// one commit call covering their span. Returns the number of records
// checked out.
func (c *Cache) commitRange(ctx context.Context, f *request.File, rng types.Range,
	wait bool) int {
	batch := f.ScanCommit(rng)
	if len(batch) == 0 {
		return 0
	}
	c.commitDispatch(ctx, f, batch, wait)
	return len(batch)
}

// commitDispatch proves durability for a checked-out pending-commit batch.
func (c *Cache) commitDispatch(ctx context.Context, f *request.File,
	batch []*request.Request, wait bool) {
	// One call covers the union of the batch's ranges.
	start := batch[0].AbsOffset(c.pageSize)
	end := start
	for _, r := range batch {
		if s := r.AbsOffset(c.pageSize); s < start {
			start = s
		}
		if e := r.AbsOffset(c.pageSize) + r.N; e > end {
			end = e
		}
	}
	call := CommitCall{File: f.ID(), Cred: batch[0].Cred, Off: start, N: end - start}
	c.log.Debug("commit call",
		"file", f.ID(), "off", start, "bytes", end-start, "records", len(batch))

	ch := c.opts.Transport.SubmitCommit(ctx, call)
	if wait {
		c.commitDone(f, batch, <-ch)
		return
	}
	go func() {
		c.commitDone(f, batch, <-ch)
	}()
}

// commitDone compares each record's stored verifier with the server's. A
// match retires the record; a mismatch means the server restarted between
// write and commit and the bytes must be rewritten in full — a partial
// commit retry can never prove anything about lost buffered data.
func (c *Cache) commitDone(f *request.File, batch []*request.Request, reply CommitReply) {
	if reply.Err != nil {
		c.log.Debug("commit call failed", "file", f.ID(), "err", reply.Err)
		f.SetErr(stickyError(reply.Err))
		f.Complete(batch, func(r *request.Request) request.Disposition {
			r.HasVerifier = false
			return request.Redirty
		})
		return
	}

	deadline := c.opts.Clock.Now().Add(c.opts.WritebackDelay)
	mismatches := 0
	f.Complete(batch, func(r *request.Request) request.Disposition {
		if r.HasVerifier && r.Verifier == reply.Outcome.Verifier {
			return request.Retire
		}
		r.HasVerifier = false
		r.Deadline = deadline
		mismatches++
		return request.Redirty
	})
	if mismatches > 0 {
		c.log.Info("commit verifier mismatch, rewriting",
			"file", f.ID(), "records", mismatches)
	}
}

// FlushOnTimeout is the periodic sweep, invoked by an external timer. It
// dispatches every record whose deadline has elapsed — dirty records as
// write batches, and, if any pending-commit record expired, the file's
// whole pending-commit list in one commit call. Returns the number of
// records dispatched.
func (c *Cache) FlushOnTimeout(ctx context.Context) int {
	now := c.opts.Clock.Now()
	dispatched := 0
	for _, f := range c.snapshotFiles() {
		dispatched += c.flushExpired(context.WithoutCancel(ctx), f, now)

		if !c.opts.Transport.SupportsCommit() {
			continue
		}
		expired := f.ScanCommitExpired(now)
		if len(expired) == 0 {
			continue
		}
		// Once anything is due, commit everything pending for the file:
		// the call covers a span anyway, so widening it is nearly free.
		expired = append(expired, f.ScanCommit(types.Range{})...)
		dispatched += len(expired)
		c.commitDispatch(context.WithoutCancel(ctx), f, expired, false)
	}
	return dispatched
}
