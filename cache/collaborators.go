package cache

import (
	"context"
	"time"

	"writeback/pkg/types"
)

// -----------------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------------

// WriteCall is one outbound write covering a batch's concatenated byte
// ranges. Payload slices are ordered and wire-contiguous starting at Off.
type WriteCall struct {
	File       types.FileID
	Cred       types.Credential
	Off        int64
	Payload    [][]byte
	Durability types.Durability
}

// WriteReply is the completion of a WriteCall.
type WriteReply struct {
	Outcome types.WriteOutcome
	Err     error
}

// CommitCall asks the server to prove durability for a provisionally
// accepted byte range.
type CommitCall struct {
	File types.FileID
	Cred types.Credential
	Off  int64
	N    int64
}

// CommitReply is the completion of a CommitCall.
type CommitReply struct {
	Outcome types.CommitOutcome
	Err     error
}

// Transport is the remote procedure interface the cache dispatches through.
// Submissions are asynchronous: the returned channel delivers exactly one
// reply, possibly from a different goroutine than the submitter. The cache
// owns no wire format; durability negotiation and encoding live behind this
// interface.
type Transport interface {
	// WriteSize is the negotiated maximum payload per write call, in bytes.
	WriteSize() int

	// SupportsCommit reports whether the transport has a two-phase
	// provisional-write/commit protocol. Without it every write is durable
	// on completion and the pending-commit list is never used.
	SupportsCommit() bool

	// SupportsBuffering reports whether writes may be deferred in client
	// memory at all. When false (or when WriteSize is below the page size)
	// the cache degrades to fully synchronous per-call writes.
	SupportsBuffering() bool

	SubmitWrite(ctx context.Context, call WriteCall) <-chan WriteReply
	SubmitCommit(ctx context.Context, call CommitCall) <-chan CommitReply
}

// -----------------------------------------------------------------------------
// Page cache
// -----------------------------------------------------------------------------

// PageCache supplies the page memory that dirty ranges point into. The
// engine never allocates or evicts pages itself; it only pins a page while
// any record references it so the memory cannot be reclaimed mid-flight.
type PageCache interface {
	// PageSize is the fixed page size in bytes.
	PageSize() int64

	// Pin returns the page's buffer, exactly PageSize bytes long, and
	// guarantees it stays valid until the matching Unpin.
	Pin(file types.FileID, page types.PageID) ([]byte, error)

	// Unpin drops one pin.
	Unpin(file types.FileID, page types.PageID)
}

// -----------------------------------------------------------------------------
// Credentials, locks, clock
// -----------------------------------------------------------------------------

// CredentialProvider resolves principals to transport credentials. Lookup
// and Release bracket a reference the provider counts; a credential is held
// for as long as the record that captured it lives.
type CredentialProvider interface {
	Lookup(p types.Principal) types.Credential
	Release(c types.Credential)
}

// LockTable is the advisory byte-range lock state the cache consults (never
// maintains) when choosing a record's flush deadline: contended ranges are
// written back sooner.
type LockTable interface {
	RangeLocked(file types.FileID, rng types.Range) bool
}

// Clock is the monotonic time source used for scheduling deadlines.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// anonymousCred backs the default credential provider.
type anonymousCred struct{ p types.Principal }

func (c anonymousCred) Principal() types.Principal { return c.p }

type anonymousCreds struct{}

func (anonymousCreds) Lookup(p types.Principal) types.Credential { return anonymousCred{p: p} }
func (anonymousCreds) Release(types.Credential)                  {}
