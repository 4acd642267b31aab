package types

import "fmt"

// -----------------------------------------------------------------------------
// Core Identifiers
// -----------------------------------------------------------------------------

// FileID identifies one open file-backing object on the remote store. It is
// opaque to the cache; the transport maps it back to whatever handle the
// remote protocol uses.
type FileID uint64

// PageID is the zero-based index of a fixed-size page within a file.
type PageID uint64

// Principal names the security principal a write was issued under. The
// credential provider resolves it to a transport credential.
type Principal string

// Range is a byte range within a file. A zero Len means "to end of file",
// matching the convention used by sync and scan operations.
type Range struct {
	Off int64 // absolute byte offset in the file
	Len int64 // length in bytes; 0 = unbounded
}

// Contains reports whether the range covers the byte span [off, off+n).
// An unbounded range (Len == 0) covers everything at or after Off.
func (r Range) Contains(off, n int64) bool {
	if off < r.Off {
		return false
	}
	if r.Len == 0 {
		return true
	}
	return off+n <= r.Off+r.Len
}

// PageSpan converts the range into an inclusive page index interval for the
// given page size. An unbounded range yields last == ^PageID(0).
func (r Range) PageSpan(pageSize int64) (first, last PageID) {
	first = PageID(r.Off / pageSize)
	if r.Len == 0 {
		return first, ^PageID(0)
	}
	end := r.Off + r.Len
	if end <= r.Off {
		return first, first
	}
	return first, PageID((end - 1) / pageSize)
}

// -----------------------------------------------------------------------------
// Durability & Verifiers
// -----------------------------------------------------------------------------

// Durability is the durability level requested for, or reported by, a write.
// The levels mirror the two-phase write protocols used by networked file
// stores: a provisionally accepted write must be confirmed by a later commit
// call before it is guaranteed to survive a server crash.
type Durability int

const (
	// DurabilityNone asks for (or reports) provisional acceptance only.
	DurabilityNone Durability = iota
	// DurabilityData requires the data, but not file metadata, on stable
	// storage before the call returns.
	DurabilityData
	// DurabilityFile requires data and metadata on stable storage.
	DurabilityFile
)

func (d Durability) String() string {
	switch d {
	case DurabilityNone:
		return "none"
	case DurabilityData:
		return "data"
	case DurabilityFile:
		return "file"
	}
	return fmt.Sprintf("durability(%d)", int(d))
}

// Verifier is the opaque token a server returns with a provisional write.
// It identifies the server incarnation that buffered the data; a commit call
// returning a different verifier means the server restarted in between and
// the provisionally accepted bytes may have been lost.
type Verifier uint64

// WriteOutcome is the result of one write call.
type WriteOutcome struct {
	N          int        // bytes the server accepted
	Durability Durability // durability actually provided
	Verifier   Verifier   // set when Durability == DurabilityNone
}

// CommitOutcome is the result of one commit call.
type CommitOutcome struct {
	Verifier Verifier // the server's current incarnation token
}

// Credential is a transport credential resolved from a Principal. The
// provider that issued it manages its lifetime; holders release it through
// the provider when the last record using it is destroyed.
type Credential interface {
	Principal() Principal
}
