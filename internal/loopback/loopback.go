package loopback

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"writeback/cache"
	"writeback/pkg/types"
)

// DefaultWriteSize is the per-call payload bound when Options leaves it zero.
const DefaultWriteSize = 64 << 10

// Options configures a Server.
type Options struct {
	// WriteSize bounds the payload of a single write call, in bytes.
	WriteSize int

	// TwoPhase enables the unstable-write-plus-commit protocol. When
	// false the server reports no commit support and every write is
	// applied durably before it is acknowledged.
	TwoPhase bool

	// Unbuffered, when true, makes the server advertise that clients
	// should not buffer writes at all.
	Unbuffered bool
}

// segment is one unstable write awaiting commit.
type segment struct {
	off  int64
	data []byte
}

// Server is an in-process store reachable through the cache.Transport
// interface. Files are registered with AddFile and backed by a Store.
type Server struct {
	opts Options

	mu       sync.Mutex
	nextID   types.FileID
	stores   map[types.FileID]Store
	unstable map[types.FileID][]segment
	boot     types.Verifier
	boots    uint64

	writeErr  error
	commitErr error
}

// New returns a Server with a fresh boot verifier and no files.
func New(opts Options) *Server {
	if opts.WriteSize <= 0 {
		opts.WriteSize = DefaultWriteSize
	}
	s := &Server{
		opts:     opts,
		nextID:   1,
		stores:   make(map[types.FileID]Store),
		unstable: make(map[types.FileID][]segment),
	}
	s.boot = s.newBootVerifier()
	return s
}

// AddFile registers a backing store and returns the file handle clients
// use to address it.
func (s *Server) AddFile(st Store) types.FileID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.stores[id] = st
	return id
}

// Restart simulates a server crash and reboot: every unstable segment is
// lost and the boot verifier rolls. Backing stores survive, as stable
// storage would.
func (s *Server) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unstable = make(map[types.FileID][]segment)
	s.boot = s.newBootVerifier()
}

// FailWrites makes every subsequent write call answer with err. Pass nil
// to clear the fault.
func (s *Server) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// FailCommits makes every subsequent commit call answer with err. Pass
// nil to clear the fault.
func (s *Server) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// BootVerifier returns the verifier the server currently stamps on
// provisional acceptances.
func (s *Server) BootVerifier() types.Verifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boot
}

// UnstableCount reports how many uncommitted segments the server holds
// for file.
func (s *Server) UnstableCount(file types.FileID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unstable[file])
}

func (s *Server) newBootVerifier() types.Verifier {
	s.boots++
	var seed [16]byte
	binary.LittleEndian.PutUint64(seed[0:], s.boots)
	binary.LittleEndian.PutUint64(seed[8:], uint64(time.Now().UnixNano()))
	return types.Verifier(xxhash.Sum64(seed[:]))
}

// ---------------------------------------------------------------------------
// cache.Transport
// ---------------------------------------------------------------------------

// WriteSize reports the per-call payload bound.
func (s *Server) WriteSize() int { return s.opts.WriteSize }

// SupportsCommit reports whether the two-phase protocol is available.
func (s *Server) SupportsCommit() bool { return s.opts.TwoPhase }

// SupportsBuffering reports whether clients may buffer writes.
func (s *Server) SupportsBuffering() bool { return !s.opts.Unbuffered }

// SubmitWrite queues a write call. The reply is delivered on the
// returned channel from a server goroutine, as it would be from a
// network completion.
func (s *Server) SubmitWrite(ctx context.Context, call cache.WriteCall) <-chan cache.WriteReply {
	ch := make(chan cache.WriteReply, 1)
	go func() { ch <- s.handleWrite(call) }()
	return ch
}

// SubmitCommit queues a commit call.
func (s *Server) SubmitCommit(ctx context.Context, call cache.CommitCall) <-chan cache.CommitReply {
	ch := make(chan cache.CommitReply, 1)
	go func() { ch <- s.handleCommit(call) }()
	return ch
}

func (s *Server) handleWrite(call cache.WriteCall) cache.WriteReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return cache.WriteReply{Err: s.writeErr}
	}
	st, ok := s.stores[call.File]
	if !ok {
		return cache.WriteReply{Err: types.ErrBadRange}
	}

	total := 0
	for _, p := range call.Payload {
		total += len(p)
	}
	if total > s.opts.WriteSize {
		return cache.WriteReply{Err: &types.Error{
			Kind: types.ErrKindArgument,
			Msg:  "loopback: payload exceeds write size",
		}}
	}

	if s.opts.TwoPhase && call.Durability == types.DurabilityNone {
		// Park the bytes; durability is the commit call's problem.
		buf := make([]byte, 0, total)
		for _, p := range call.Payload {
			buf = append(buf, p...)
		}
		s.unstable[call.File] = append(s.unstable[call.File], segment{off: call.Off, data: buf})
		return cache.WriteReply{Outcome: types.WriteOutcome{
			N:          total,
			Durability: types.DurabilityNone,
			Verifier:   s.boot,
		}}
	}

	off := call.Off
	for _, p := range call.Payload {
		if _, err := st.WriteAt(p, off); err != nil {
			return cache.WriteReply{Err: err}
		}
		off += int64(len(p))
	}
	if err := st.Sync(); err != nil {
		return cache.WriteReply{Err: err}
	}
	return cache.WriteReply{Outcome: types.WriteOutcome{
		N:          total,
		Durability: types.DurabilityFile,
	}}
}

func (s *Server) handleCommit(call cache.CommitCall) cache.CommitReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opts.TwoPhase {
		return cache.CommitReply{Err: types.ErrNoCommit}
	}
	if s.commitErr != nil {
		return cache.CommitReply{Err: s.commitErr}
	}
	st, ok := s.stores[call.File]
	if !ok {
		return cache.CommitReply{Err: types.ErrBadRange}
	}

	end := call.Off + call.N
	if call.N == 0 {
		end = math.MaxInt64
	}

	var keep []segment
	flushed := false
	for _, seg := range s.unstable[call.File] {
		if seg.off >= end || seg.off+int64(len(seg.data)) <= call.Off {
			keep = append(keep, seg)
			continue
		}
		if _, err := st.WriteAt(seg.data, seg.off); err != nil {
			return cache.CommitReply{Err: err}
		}
		flushed = true
	}
	s.unstable[call.File] = keep

	if flushed {
		if err := st.Sync(); err != nil {
			return cache.CommitReply{Err: err}
		}
	}
	return cache.CommitReply{Outcome: types.CommitOutcome{Verifier: s.boot}}
}
