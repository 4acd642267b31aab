package request

import (
	"context"
	"fmt"
	"sync"
	"time"

	"writeback/pkg/types"
)

// File is the write index for one open file-backing object. One mutex guards
// the record store and both membership lists; completion handlers running on
// transport goroutines take the same mutex as the synchronous write paths.
type File struct {
	mu       sync.Mutex
	id       types.FileID
	pageSize int64

	byPage  map[types.PageID]*Request
	dirty   []*Request // ascending Page
	commit  []*Request // ascending Page
	ndirty  int
	ncommit int

	err error // sticky; first error wins, cleared by TakeErr
}

// NewFile creates an empty index for the given file.
func NewFile(id types.FileID, pageSize int64) *File {
	return &File{
		id:       id,
		pageSize: pageSize,
		byPage:   make(map[types.PageID]*Request),
	}
}

// ID returns the file identity the index serves.
func (f *File) ID() types.FileID { return f.id }

// PageSize returns the page size the index was created with.
func (f *File) PageSize() int64 { return f.pageSize }

// -----------------------------------------------------------------------------
// Record store: lookup, insertion, reference counting, busy latch
// -----------------------------------------------------------------------------

// Find returns the record for page, taking a reference the caller must
// release, or nil if no record exists.
func (f *File) Find(page types.PageID) *Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.byPage[page]
	if r != nil {
		r.refs++
	}
	return r
}

// Install publishes a freshly created record unless the page already has
// one. When r wins it comes back latched, indexed, and dirty, with the
// index holding its own reference. When another record got there first,
// that record is returned with a reference taken (as Find would), and r is
// untouched for the caller to retry with or discard.
func (f *File) Install(r *Request) (*Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing := f.byPage[r.Page]; existing != nil {
		existing.refs++
		return existing, false
	}
	if !f.tryLockLocked(r) {
		panic("request: installing a latched record")
	}
	f.byPage[r.Page] = r
	r.indexed = true
	r.refs++
	f.markLocked(r, ListDirty)
	return r, true
}

// Remove takes a record out of the page table and drops the table's
// reference. Removing a record that is not indexed is a no-op. The record
// must be off both lists.
func (f *File) Remove(r *Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(r)
}

func (f *File) removeLocked(r *Request) {
	if !r.indexed {
		return
	}
	if r.list != ListNone {
		panic(fmt.Sprintf("request: record removed while on %s list", r.list))
	}
	delete(f.byPage, r.Page)
	r.indexed = false
	f.releaseLocked(r)
}

// TryLock attempts to take the busy latch, returning false if another path
// holds it. On success a reference is taken; Unlock drops both.
func (f *File) TryLock(r *Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tryLockLocked(r)
}

func (f *File) tryLockLocked(r *Request) bool {
	if r.busy {
		return false
	}
	r.busy = true
	r.done = make(chan struct{})
	r.refs++
	return true
}

// Unlock drops the busy latch, wakes every waiter, and releases the latch
// reference. Unlocking a record that is not busy is a programming error.
func (f *File) Unlock(r *Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlockLocked(r)
}

func (f *File) unlockLocked(r *Request) {
	if !r.busy {
		panic("request: unlock of non-busy record")
	}
	r.busy = false
	close(r.done)
	r.done = nil
	f.releaseLocked(r)
}

// Release drops one reference. At zero the record must be detached, idle,
// and unindexed; its onFree hook then runs.
func (f *File) Release(r *Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseLocked(r)
}

func (f *File) releaseLocked(r *Request) {
	r.refs--
	if r.refs > 0 {
		return
	}
	if r.refs < 0 {
		panic("request: refcount underflow")
	}
	if r.busy {
		panic("request: record freed while busy")
	}
	if r.list != ListNone {
		panic(fmt.Sprintf("request: record freed while on %s list", r.list))
	}
	if r.indexed {
		panic("request: record freed while indexed")
	}
	if r.onFree != nil {
		r.onFree()
	}
}

// Wait blocks until the record's busy latch drops or ctx is done. It holds
// its own reference for the duration; the caller's reference stays intact.
func (f *File) Wait(ctx context.Context, r *Request) error {
	f.mu.Lock()
	if !r.busy {
		f.mu.Unlock()
		return nil
	}
	r.refs++
	done := r.done
	f.mu.Unlock()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	f.mu.Lock()
	f.releaseLocked(r)
	f.mu.Unlock()
	return err
}

// Busy reports whether the record's latch is currently held.
func (f *File) Busy(r *Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return r.busy
}

// Refs returns the record's current reference count.
func (f *File) Refs(r *Request) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return r.refs
}

// Membership returns which list the record is on.
func (f *File) Membership(r *Request) List {
	f.mu.Lock()
	defer f.mu.Unlock()
	return r.list
}

// -----------------------------------------------------------------------------
// Membership lists
// -----------------------------------------------------------------------------

// MarkDirty moves the record onto the dirty list. The caller must hold the
// busy latch. A record already dirty is left alone; a record on the commit
// list is moved.
func (f *File) MarkDirty(r *Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markLocked(r, ListDirty)
}

// MarkCommit moves the record onto the pending-commit list. The caller must
// hold the busy latch. A record already pending commit is left alone.
func (f *File) MarkCommit(r *Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markLocked(r, ListCommit)
}

func (f *File) markLocked(r *Request, dst List) {
	if r.list == dst {
		return
	}
	if !r.busy {
		panic("request: unlocked record added to a list")
	}
	if !r.indexed {
		panic("request: unindexed record added to a list")
	}
	f.detachLocked(r)
	switch dst {
	case ListDirty:
		f.dirty = insertByPage(f.dirty, r)
		f.ndirty++
	case ListCommit:
		f.commit = insertByPage(f.commit, r)
		f.ncommit++
	}
	r.list = dst
	f.verifyCounts()
}

func (f *File) detachLocked(r *Request) {
	switch r.list {
	case ListNone:
		return
	case ListDirty:
		f.dirty = removeFrom(f.dirty, r)
		f.ndirty--
	case ListCommit:
		f.commit = removeFrom(f.commit, r)
		f.ncommit--
	}
	r.list = ListNone
	f.verifyCounts()
}

// verifyCounts enforces the counter/list invariant. A desync here means a
// mutation path skipped the index methods; that is not recoverable.
func (f *File) verifyCounts() {
	if f.ndirty != len(f.dirty) {
		panic(fmt.Sprintf("request: desynchronized dirty count (%d vs %d entries)",
			f.ndirty, len(f.dirty)))
	}
	if f.ncommit != len(f.commit) {
		panic(fmt.Sprintf("request: desynchronized commit count (%d vs %d entries)",
			f.ncommit, len(f.commit)))
	}
}

// insertByPage inserts keeping ascending page order. Insertion scans from
// the tail: appends dominate for sequential writers.
func insertByPage(list []*Request, r *Request) []*Request {
	i := len(list)
	for i > 0 && list[i-1].Page > r.Page {
		i--
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = r
	return list
}

func removeFrom(list []*Request, r *Request) []*Request {
	for i, q := range list {
		if q == r {
			return append(list[:i], list[i+1:]...)
		}
	}
	panic("request: record missing from its membership list")
}

// DirtyCount returns the number of records on the dirty list.
func (f *File) DirtyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ndirty
}

// CommitCount returns the number of records on the pending-commit list.
func (f *File) CommitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ncommit
}

// Len returns the number of indexed records, listed or in flight.
func (f *File) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byPage)
}

// -----------------------------------------------------------------------------
// Scans: lock-and-detach checkout for batch assembly
// -----------------------------------------------------------------------------

// ScanDirty checks out every dirty record whose page falls inside rng:
// each is latched and detached from the dirty list, in ascending page order.
// Records whose latch is already held are skipped, not waited on.
func (f *File) ScanDirty(rng types.Range) []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanLocked(ListDirty, rng, time.Time{})
}

// ScanCommit is ScanDirty for the pending-commit list.
func (f *File) ScanCommit(rng types.Range) []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanLocked(ListCommit, rng, time.Time{})
}

// ScanDirtyExpired checks out every dirty record whose deadline is at or
// before now. The second result is the earliest deadline still pending, or
// zero if none remain.
func (f *File) ScanDirtyExpired(now time.Time) ([]*Request, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.scanLocked(ListDirty, types.Range{}, now)
	return out, f.nextDeadlineLocked()
}

// ScanCommitExpired is ScanDirtyExpired for the pending-commit list.
func (f *File) ScanCommitExpired(now time.Time) []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanLocked(ListCommit, types.Range{}, now)
}

// scanLocked walks one list and checks out matching records. A zero cutoff
// selects by range; otherwise by elapsed deadline.
func (f *File) scanLocked(src List, rng types.Range, cutoff time.Time) []*Request {
	var list []*Request
	if src == ListDirty {
		list = f.dirty
	} else {
		list = f.commit
	}
	first, last := rng.PageSpan(f.pageSize)

	var out []*Request
	// Walk a snapshot: detachLocked rewrites the live slice.
	snapshot := append([]*Request(nil), list...)
	for _, r := range snapshot {
		if cutoff.IsZero() {
			if r.Page < first || r.Page > last {
				continue
			}
		} else if r.Deadline.After(cutoff) {
			continue
		}
		if !f.tryLockLocked(r) {
			continue
		}
		f.detachLocked(r)
		out = append(out, r)
	}
	return out
}

func (f *File) nextDeadlineLocked() time.Time {
	var next time.Time
	for _, r := range f.dirty {
		if next.IsZero() || r.Deadline.Before(next) {
			next = r.Deadline
		}
	}
	return next
}

// -----------------------------------------------------------------------------
// Batch completion
// -----------------------------------------------------------------------------

// Disposition is what a completion handler decides for one record of a batch.
type Disposition int

const (
	// Retire removes the record from the index and drops the latch; the
	// bytes are durably stored.
	Retire Disposition = iota
	// Redirty returns the record to the dirty list for a full rewrite.
	Redirty
	// Recommit places the record on the pending-commit list to await a
	// durability proof.
	Recommit
)

// Complete applies a disposition to every record of a checked-out batch
// under one index-lock acquisition, so no observer can see a batch half
// applied. decide runs with the lock held and may update the record's
// verifier and deadline fields (the batch still holds each latch); it must
// not call back into the File.
func (f *File) Complete(batch []*Request, decide func(*Request) Disposition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range batch {
		switch decide(r) {
		case Retire:
			f.removeLocked(r)
		case Redirty:
			f.markLocked(r, ListDirty)
		case Recommit:
			f.markLocked(r, ListCommit)
		}
		f.unlockLocked(r)
	}
}

// -----------------------------------------------------------------------------
// Range waits
// -----------------------------------------------------------------------------

// WaitRange blocks until no indexed record covering rng holds the busy
// latch. It issues no I/O; records that are merely dirty are ignored by
// callers that follow with a flush. Returns the number of records waited on.
func (f *File) WaitRange(ctx context.Context, rng types.Range) (int, error) {
	first, last := rng.PageSpan(f.pageSize)
	waited := 0
	for {
		f.mu.Lock()
		var target *Request
		for page, r := range f.byPage {
			if page < first || page > last || !r.busy {
				continue
			}
			target = r
			break
		}
		if target == nil {
			f.mu.Unlock()
			return waited, nil
		}
		target.refs++
		done := target.done
		f.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			f.Release(target)
			return waited, ctx.Err()
		}
		f.Release(target)
		waited++
	}
}

// -----------------------------------------------------------------------------
// Sticky error
// -----------------------------------------------------------------------------

// SetErr records the file's sticky error. Only the first error sticks;
// later ones are discarded so sync sees a stable signal.
func (f *File) SetErr(err error) {
	if err == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

// TakeErr returns and clears the sticky error.
func (f *File) TakeErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.err
	f.err = nil
	return err
}

// PeekErr returns the sticky error without consuming it.
func (f *File) PeekErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
