package request

import (
	"fmt"
	"time"

	"writeback/pkg/types"
)

// List identifies which membership list, if any, a record is on.
type List int

const (
	// ListNone means the record is detached (newly created, or checked out
	// into a flush batch).
	ListNone List = iota
	// ListDirty means the record holds bytes not yet sent to the server.
	ListDirty
	// ListCommit means the record was provisionally accepted and awaits a
	// commit call proving durability.
	ListCommit
)

func (l List) String() string {
	switch l {
	case ListNone:
		return "none"
	case ListDirty:
		return "dirty"
	case ListCommit:
		return "commit"
	}
	return fmt.Sprintf("list(%d)", int(l))
}

// Request is one pending write: a byte range within a single cached page of
// a single file. The exported fields other than the range are fixed at
// creation; Off and N may be widened, and Deadline, Verifier, and
// HasVerifier may be updated, only by the holder of the busy latch.
type Request struct {
	File types.FileID
	Page types.PageID
	Off  int64 // byte offset within the page
	N    int64 // length in bytes, > 0

	// Buf is the pinned page memory this record's bytes live in. The page
	// stays pinned for the lifetime of the record.
	Buf []byte

	// Cred is the transport credential the eventual write call will use.
	Cred types.Credential

	// Deadline is when the timeout sweep should pick the record up even if
	// no flush threshold was reached.
	Deadline time.Time

	// Verifier is the server incarnation token stored on provisional
	// acceptance; valid only when HasVerifier is set.
	Verifier    types.Verifier
	HasVerifier bool

	// Guarded by the owning File's mutex.
	refs    int
	busy    bool
	done    chan struct{} // non-nil while busy; closed on unlock
	list    List
	onFree  func() // runs once when the last reference drops
	indexed bool   // present in the file's page table
}

// New creates a detached record with one reference, owned by the caller.
// onFree runs exactly once when the final reference is released; it must not
// call back into the owning File.
func New(file types.FileID, page types.PageID, off, n int64, buf []byte,
	cred types.Credential, deadline time.Time, onFree func()) *Request {
	if n <= 0 || off < 0 || off+n > int64(len(buf)) {
		panic(fmt.Sprintf("request: bad range %d+%d for %d-byte page", off, n, len(buf)))
	}
	return &Request{
		File:     file,
		Page:     page,
		Off:      off,
		N:        n,
		Buf:      buf,
		Cred:     cred,
		Deadline: deadline,
		refs:     1,
		onFree:   onFree,
	}
}

// End returns the byte offset one past the record's range within its page.
func (r *Request) End() int64 { return r.Off + r.N }

// Bytes returns the slice of pinned page memory the record covers.
func (r *Request) Bytes() []byte { return r.Buf[r.Off:r.End()] }

// AbsOffset returns the record's starting offset within the file.
func (r *Request) AbsOffset(pageSize int64) int64 {
	return int64(r.Page)*pageSize + r.Off
}
