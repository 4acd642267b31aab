package types

// -----------------------------------------------------------------------------
// Typed Errors (stable categories for programmatic handling)
// -----------------------------------------------------------------------------

// ErrKind classifies errors so callers can branch on intent rather than text.
type ErrKind int

const (
	// ErrKindTransport covers connection and server failures reported by the
	// remote store. These become the file's sticky error and surface at the
	// next sync.
	ErrKindTransport ErrKind = iota
	// ErrKindExhausted means the hard admission limit was reached and the
	// bounded wait timed out; no data was buffered.
	ErrKindExhausted
	// ErrKindShortWrite means the server accepted fewer bytes than submitted.
	ErrKindShortWrite
	// ErrKindState means the operation is invalid for the current state
	// (e.g. a commit call on a transport without a commit phase).
	ErrKindState
	// ErrKindArgument means the caller passed an out-of-bounds range.
	ErrKindArgument
)

// Error is a typed error with an optional underlying cause.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error // optional underlying cause
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two typed errors by kind, so sentinels below work with
// errors.Is even when an instance carries a wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e != nil && e.Kind == t.Kind
}

// Sentinels commonly returned by the engine.
var (
	// ErrExhausted indicates the hard admission limit held for the whole
	// bounded wait.
	ErrExhausted = &Error{Kind: ErrKindExhausted, Msg: "write cache: request limit reached"}
	// ErrShortWrite indicates the server accepted fewer bytes than sent.
	ErrShortWrite = &Error{Kind: ErrKindShortWrite, Msg: "write cache: short write"}
	// ErrNoCommit indicates a commit call against a single-phase transport.
	ErrNoCommit = &Error{Kind: ErrKindState, Msg: "write cache: transport has no commit phase"}
	// ErrBadRange indicates an offset/length outside the page.
	ErrBadRange = &Error{Kind: ErrKindArgument, Msg: "write cache: range outside page"}
)

// TransportError wraps a failure reported by the remote store.
func TransportError(err error) *Error {
	return &Error{Kind: ErrKindTransport, Msg: "write cache: transport", Err: err}
}
