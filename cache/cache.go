package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"writeback/cache/admission"
	"writeback/cache/request"
	"writeback/pkg/types"
)

// Cache buffers writes to remote files and writes them back asynchronously.
// It is safe for concurrent use; completion handlers run on transport
// goroutines and take the same per-file locks as the synchronous paths.
type Cache struct {
	opts     Options
	adm      *admission.Controller
	log      *slog.Logger
	pageSize int64
	wpages   int  // pages per write call
	buffered bool // false forces the synchronous path

	mu    sync.Mutex
	files map[types.FileID]*request.File
}

// New validates the options and builds a cache around the collaborators.
func New(opts Options) (*Cache, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	if opts.Pages == nil {
		return nil, ErrNoPageCache
	}
	if opts.Transport.WriteSize() <= 0 {
		return nil, ErrBadWriteSize
	}
	resolved := opts.withDefaults()

	pageSize := resolved.Pages.PageSize()
	wsize := int64(resolved.Transport.WriteSize())
	wpages := int(wsize / pageSize)

	// A transport that cannot carry a whole page per call cannot gather
	// pages either; degrade to synchronous writes regardless of what the
	// transport claims about buffering.
	buffered := resolved.Transport.SupportsBuffering() && wpages >= 1

	return &Cache{
		opts:     resolved,
		adm:      admission.NewController(resolved.SoftLimit, resolved.HardLimit, resolved.AdmitQuantum, resolved.AdmitTimeout),
		log:      resolved.Logger,
		pageSize: pageSize,
		wpages:   wpages,
		buffered: buffered,
		files:    make(map[types.FileID]*request.File),
	}, nil
}

// OutstandingCount returns the number of buffered dirty-range records
// across all files, for diagnostics and backpressure visibility.
func (c *Cache) OutstandingCount() uint64 {
	return uint64(c.adm.Outstanding())
}

// HardLimit returns the admission controller's record cap.
func (c *Cache) HardLimit() int64 {
	return c.adm.HardLimit()
}

// Forget drops the bookkeeping entry for a file that the caller has closed.
// It fails with ErrBusyFile while any record is still outstanding; callers
// should Sync first.
func (c *Cache) Forget(file types.FileID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[file]
	if !ok {
		return nil
	}
	if f.Len() != 0 {
		return ErrBusyFile
	}
	delete(c.files, file)
	return nil
}

// file returns the write index for file, creating it on first use.
func (c *Cache) file(id types.FileID) *request.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[id]
	if !ok {
		f = request.NewFile(id, c.pageSize)
		c.files[id] = f
	}
	return f
}

// lookup returns the write index for file, or nil if none exists.
func (c *Cache) lookup(id types.FileID) *request.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files[id]
}

func (c *Cache) snapshotFiles() []*request.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*request.File, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, f)
	}
	return out
}

// Write buffers n bytes at off within one cached page of file. The bytes
// must already be in the page (the caller copies into the pinned page
// buffer before calling); Write records the dirty range and schedules
// write-back. It blocks only under admission pressure, on a conflicting
// in-flight record, or when the transport cannot buffer at all.
func (c *Cache) Write(ctx context.Context, file types.FileID, page types.PageID,
	off, n int64, principal types.Principal) error {
	if n <= 0 || off < 0 || off+n > c.pageSize {
		return types.ErrBadRange
	}
	if !c.buffered {
		return c.writeSync(ctx, file, page, off, n, principal)
	}

	f := c.file(file)
	for {
		req, full, err := c.updateRequest(ctx, f, page, off, n, principal)
		if err == nil {
			// A write filling its whole page is the cue to check the
			// gathering threshold: sequential writers cross it here.
			if full {
				c.strategy(ctx, f)
			}
			f.Release(req)
			return nil
		}
		if !errors.Is(err, errConflict) {
			return err
		}
		// The page's record is in flight or disjoint; push it out and retry.
		if err := c.syncPage(ctx, f, page); err != nil {
			return err
		}
	}
}

// updateRequest finds, widens, or creates the record for page. On success
// the returned record carries a reference the caller must release; full
// reports whether the record covered its whole page, read before the busy
// latch drops (concurrent writers may widen Off/N the moment it does). An
// errConflict return means the existing record cannot absorb this write.
func (c *Cache) updateRequest(ctx context.Context, f *request.File, page types.PageID,
	off, n int64, principal types.Principal) (*request.Request, bool, error) {
	var fresh *request.Request
	var req *request.Request
	for {
		if fresh != nil {
			var won bool
			req, won = f.Install(fresh)
			if won {
				// Install latches the winner itself.
				fresh = nil
				break
			}
		} else {
			req = f.Find(page)
			if req == nil {
				var err error
				fresh, err = c.createRequest(ctx, f, page, off, n, principal)
				if err != nil {
					return nil, false, err
				}
				continue
			}
		}
		if f.TryLock(req) {
			break
		}
		// Whoever holds the latch will release it; wait and rescan, since
		// the record may have been replaced meanwhile.
		err := f.Wait(ctx, req)
		f.Release(req)
		if err != nil {
			if fresh != nil {
				f.Release(fresh)
			}
			return nil, false, err
		}
	}
	if fresh != nil {
		// Lost the allocation race; discard the spare.
		f.Release(fresh)
	}

	// The record can only be widened while it is dirty and the ranges
	// overlap or adjoin; anything else must be flushed out first.
	if f.Membership(req) != request.ListDirty || off > req.End() || off+n < req.Off {
		f.Unlock(req)
		f.Release(req)
		return nil, false, errConflict
	}
	if off < req.Off {
		req.N = req.End() - off
		req.Off = off
	}
	if off+n > req.End() {
		req.N = off + n - req.Off
	}
	full := req.Off == 0 && req.N == c.pageSize
	f.Unlock(req)
	return req, full, nil
}

// createRequest admits and allocates a detached record. Admission may block
// and, under soft pressure, first flushes this file's dirty records.
func (c *Cache) createRequest(ctx context.Context, f *request.File, page types.PageID,
	off, n int64, principal types.Principal) (*request.Request, error) {
	relief := func(rctx context.Context) {
		if err := c.syncRange(rctx, f, types.Range{}, false, false); err != nil {
			// Relief is opportunistic; the sticky error resurfaces at the
			// next explicit sync.
			c.log.Debug("pressure relief flush failed", "file", f.ID(), "err", err)
			f.SetErr(stickyError(err))
		}
	}
	if err := c.adm.Admit(ctx, c.opts.Interruptible, relief); err != nil {
		return nil, err
	}

	buf, err := c.opts.Pages.Pin(f.ID(), page)
	if err != nil {
		c.adm.Release()
		return nil, err
	}
	cred := c.opts.Credentials.Lookup(principal)

	delay := c.opts.WritebackDelay
	span := types.Range{Off: int64(page)*c.pageSize + off, Len: n}
	if c.opts.Locks != nil && c.opts.Locks.RangeLocked(f.ID(), span) {
		delay = c.opts.LockedRangeDelay
	}

	fileID := f.ID()
	onFree := func() {
		c.opts.Credentials.Release(cred)
		c.opts.Pages.Unpin(fileID, page)
		c.adm.Release()
	}
	return request.New(fileID, page, off, n, buf, cred, c.opts.Clock.Now().Add(delay), onFree), nil
}

// writeSync is the unbuffered path: chunked, fully durable, no records.
func (c *Cache) writeSync(ctx context.Context, file types.FileID, page types.PageID,
	off, n int64, principal types.Principal) error {
	buf, err := c.opts.Pages.Pin(file, page)
	if err != nil {
		return err
	}
	defer c.opts.Pages.Unpin(file, page)

	cred := c.opts.Credentials.Lookup(principal)
	defer c.opts.Credentials.Release(cred)

	wsize := int64(c.opts.Transport.WriteSize())
	abs := int64(page)*c.pageSize + off
	for n > 0 {
		chunk := min(wsize, n)
		call := WriteCall{
			File:       file,
			Cred:       cred,
			Off:        abs,
			Payload:    [][]byte{buf[off : off+chunk]},
			Durability: types.DurabilityFile,
		}
		reply := <-c.opts.Transport.SubmitWrite(ctx, call)
		if reply.Err != nil {
			return stickyError(reply.Err)
		}
		if int64(reply.Outcome.N) != chunk {
			c.log.Warn("short synchronous write",
				"file", file, "want", chunk, "got", reply.Outcome.N)
			return types.ErrShortWrite
		}
		off += chunk
		abs += chunk
		n -= chunk
	}
	return nil
}

// stickyError coerces transport failures into the typed taxonomy, leaving
// already-typed errors alone.
func stickyError(err error) error {
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	return types.TransportError(err)
}
