package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"writeback/cache"
	"writeback/internal/loopback"
	"writeback/internal/pagestore"
	"writeback/internal/testutil"
	"writeback/pkg/types"
)

const pageSize = 4096

type env struct {
	srv   *loopback.Server
	store *loopback.MemStore
	pages *pagestore.Store
	clock *testutil.Clock
	c     *cache.Cache
	file  types.FileID
}

// newEnv builds a cache against an in-process server: two pages per write
// call, a frozen clock, and whatever the caller tweaks in mod.
func newEnv(t *testing.T, srvOpts loopback.Options, mod func(*cache.Options)) *env {
	t.Helper()
	if srvOpts.WriteSize == 0 {
		srvOpts.WriteSize = 2 * pageSize
	}
	srv := loopback.New(srvOpts)
	store := loopback.NewMemStore()
	file := srv.AddFile(store)

	pages, err := pagestore.New(pageSize, 1<<20)
	require.NoError(t, err)
	t.Cleanup(pages.Close)

	clock := testutil.NewClock(time.Unix(10_000, 0))
	opts := cache.Options{
		Transport:      srv,
		Pages:          pages,
		Clock:          clock,
		WritebackDelay: 5 * time.Second,
		CommitDelay:    5 * time.Second,
	}
	if mod != nil {
		mod(&opts)
	}
	c, err := cache.New(opts)
	require.NoError(t, err)

	return &env{srv: srv, store: store, pages: pages, clock: clock, c: c, file: file}
}

// write copies data into the pinned page at off and records the dirty range.
func (e *env) write(t *testing.T, page types.PageID, off int64, data []byte) {
	t.Helper()
	buf, err := e.pages.Pin(e.file, page)
	require.NoError(t, err)
	copy(buf[off:], data)
	require.NoError(t, e.c.Write(context.Background(), e.file, page, off, int64(len(data)), "tester"))
	e.pages.Unpin(e.file, page)
}

func (e *env) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, e.c.Sync(context.Background(), e.file, types.Range{}, true))
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}

func TestNewValidatesOptions(t *testing.T) {
	pages, err := pagestore.New(pageSize, 0)
	require.NoError(t, err)
	defer pages.Close()
	srv := loopback.New(loopback.Options{TwoPhase: true})

	_, err = cache.New(cache.Options{Pages: pages})
	require.ErrorIs(t, err, cache.ErrNoTransport)

	_, err = cache.New(cache.Options{Transport: srv})
	require.ErrorIs(t, err, cache.ErrNoPageCache)
}

func TestWriteRejectsBadRange(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, nil)
	ctx := context.Background()

	require.ErrorIs(t, e.c.Write(ctx, e.file, 0, 0, 0, "t"), types.ErrBadRange)
	require.ErrorIs(t, e.c.Write(ctx, e.file, 0, -1, 10, "t"), types.ErrBadRange)
	require.ErrorIs(t, e.c.Write(ctx, e.file, 0, pageSize, 1, "t"), types.ErrBadRange)
}

func TestWriteBuffersUntilSync(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, nil)
	data := pattern(100, 1)

	e.write(t, 0, 10, data)
	require.Equal(t, uint64(1), e.c.OutstandingCount())
	require.Empty(t, e.store.Bytes(), "nothing durable before sync")

	e.sync(t)
	require.Equal(t, uint64(0), e.c.OutstandingCount())
	require.Equal(t, data, e.store.Bytes()[10:110])
	require.Equal(t, 0, e.srv.UnstableCount(e.file))
}

func TestThresholdFlushCoalescesFullBatch(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, nil)

	// Two full pages fill one write call on this transport; the second
	// write crosses the threshold and triggers an async provisional flush.
	e.write(t, 0, 0, pattern(pageSize, 3))
	require.Equal(t, 0, e.srv.UnstableCount(e.file))

	e.write(t, 1, 0, pattern(pageSize, 7))
	require.Eventually(t, func() bool {
		return e.srv.UnstableCount(e.file) == 1
	}, time.Second, time.Millisecond, "both pages must go out as one call")

	// Provisionally accepted data still counts as outstanding.
	require.Equal(t, uint64(2), e.c.OutstandingCount())

	e.sync(t)
	require.Equal(t, uint64(0), e.c.OutstandingCount())
	got := e.store.Bytes()
	require.Equal(t, pattern(pageSize, 3), got[:pageSize])
	require.Equal(t, pattern(pageSize, 7), got[pageSize:2*pageSize])
}

func TestOverlappingWritesShareOneRecord(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, nil)

	e.write(t, 0, 100, pattern(50, 1))
	e.write(t, 0, 120, pattern(80, 2)) // overlaps, widens to 100..200
	e.write(t, 0, 200, pattern(10, 3)) // adjoins the widened end
	require.Equal(t, uint64(1), e.c.OutstandingCount())

	e.sync(t)
	got := e.store.Bytes()
	require.Len(t, got, 210)
	require.Equal(t, pattern(10, 3), got[200:210])
}

func TestDisjointWriteFlushesConflictingRecord(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, nil)

	e.write(t, 0, 0, pattern(10, 1))
	// Disjoint range on the same page: the first record is pushed out
	// durably, then the new one is buffered.
	e.write(t, 0, 100, pattern(10, 2))

	require.Equal(t, uint64(1), e.c.OutstandingCount())
	require.Equal(t, pattern(10, 1), e.store.Bytes()[:10], "conflicting record written back")

	e.sync(t)
	got := e.store.Bytes()
	require.Equal(t, pattern(10, 1), got[:10])
	require.Equal(t, pattern(10, 2), got[100:110])
}

func TestVerifierMismatchForcesRewrite(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, nil)
	data := pattern(pageSize, 9)

	e.write(t, 0, 0, data)
	e.clock.Advance(6 * time.Second)
	require.Equal(t, 1, e.c.FlushOnTimeout(context.Background()))
	require.Eventually(t, func() bool {
		return e.srv.UnstableCount(e.file) == 1
	}, time.Second, time.Millisecond)

	// The server reboots with the data still only provisionally accepted.
	e.srv.Restart()
	require.Empty(t, e.store.Bytes())

	// Sync sees the verifier mismatch, rewrites in full, and succeeds.
	e.sync(t)
	require.Equal(t, data, e.store.Bytes())
	require.Equal(t, uint64(0), e.c.OutstandingCount())
}

func TestTransportFailureIsStickyUntilConsumed(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, nil)
	boom := errors.New("disk on fire")
	e.srv.FailWrites(boom)

	e.write(t, 0, 0, pattern(64, 1))

	err := e.c.Sync(context.Background(), e.file, types.Range{}, true)
	require.ErrorIs(t, err, boom)
	require.Equal(t, uint64(1), e.c.OutstandingCount(), "failed data stays buffered")

	// Same failure again: the record is retried, not dropped.
	err = e.c.Sync(context.Background(), e.file, types.Range{}, true)
	require.ErrorIs(t, err, boom)

	e.srv.FailWrites(nil)
	e.sync(t)
	require.Equal(t, uint64(0), e.c.OutstandingCount())
	require.Equal(t, pattern(64, 1), e.store.Bytes()[:64])
}

func TestAdmissionExhaustionAfterTimeout(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, func(o *cache.Options) {
		o.SoftLimit = 1
		o.HardLimit = 2
		o.AdmitQuantum = 5 * time.Millisecond
		o.AdmitTimeout = 40 * time.Millisecond
	})
	// Relief flushes cannot drain anything while the server rejects writes.
	boom := errors.New("rejected")
	e.srv.FailWrites(boom)

	e.write(t, 0, 0, pattern(8, 1))
	e.write(t, 1, 0, pattern(8, 2))

	buf, err := e.pages.Pin(e.file, 2)
	require.NoError(t, err)
	copy(buf, pattern(8, 3))
	err = e.c.Write(context.Background(), e.file, 2, 0, 8, "tester")
	e.pages.Unpin(e.file, 2)
	require.ErrorIs(t, err, types.ErrExhausted)

	// Recovery: the sticky error from the failed relief flushes surfaces
	// once, then the buffered data drains normally.
	e.srv.FailWrites(nil)
	require.ErrorIs(t, e.c.Sync(context.Background(), e.file, types.Range{}, true), boom)
	e.sync(t)
	require.Equal(t, uint64(0), e.c.OutstandingCount())
}

func TestFlushOnTimeoutHonorsDeadlines(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, nil)
	ctx := context.Background()
	data := pattern(pageSize, 5)

	e.write(t, 0, 0, data)
	require.Equal(t, 0, e.c.FlushOnTimeout(ctx), "deadline not reached yet")

	e.clock.Advance(6 * time.Second)
	require.Equal(t, 1, e.c.FlushOnTimeout(ctx))
	require.Eventually(t, func() bool {
		return e.srv.UnstableCount(e.file) == 1
	}, time.Second, time.Millisecond)

	// Provisional data waits out its own commit delay.
	require.Equal(t, 0, e.c.FlushOnTimeout(ctx))

	e.clock.Advance(6 * time.Second)
	// The completion handler moves the batch to the pending-commit list on
	// a transport goroutine; poll until the sweep sees it due.
	require.Eventually(t, func() bool {
		return e.c.FlushOnTimeout(ctx) == 1
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return e.c.OutstandingCount() == 0
	}, time.Second, time.Millisecond)
	require.Equal(t, data, e.store.Bytes())
}

func TestLockedRangesFlushSooner(t *testing.T) {
	locks := testutil.NewLockTable()
	e := newEnv(t, loopback.Options{TwoPhase: true}, func(o *cache.Options) {
		o.Locks = locks
		o.WritebackDelay = 10 * time.Second
		o.LockedRangeDelay = time.Second
	})
	locks.Lock(e.file, types.Range{Off: 0, Len: pageSize})

	e.write(t, 0, 0, pattern(pageSize, 1)) // locked, short deadline
	e.write(t, 1, 0, pattern(16, 2))       // unlocked, long deadline

	e.clock.Advance(2 * time.Second)
	require.Equal(t, 1, e.c.FlushOnTimeout(context.Background()),
		"only the locked range is due")
	require.Eventually(t, func() bool {
		return e.srv.UnstableCount(e.file) == 1
	}, time.Second, time.Millisecond)
}

func TestSinglePhaseTransportGathers(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: false}, func(o *cache.Options) {
		o.GatherMultiplier = 2 // threshold: 4 pages on this transport
	})

	for page := types.PageID(0); page < 3; page++ {
		e.write(t, page, 0, pattern(pageSize, byte(page)))
	}
	require.Equal(t, uint64(3), e.c.OutstandingCount(), "below the gather threshold")
	require.Empty(t, e.store.Bytes())

	e.write(t, 3, 0, pattern(pageSize, 3))
	// Single-phase flushes are durable on completion; no commit needed.
	require.Eventually(t, func() bool {
		return e.c.OutstandingCount() == 0
	}, time.Second, time.Millisecond)

	got := e.store.Bytes()
	for page := 0; page < 4; page++ {
		require.Equal(t, pattern(pageSize, byte(page)),
			got[page*pageSize:(page+1)*pageSize], "page %d", page)
	}
}

func TestUnbufferedTransportWritesThrough(t *testing.T) {
	e := newEnv(t, loopback.Options{Unbuffered: true}, nil)
	data := pattern(200, 4)

	e.write(t, 0, 50, data)
	require.Equal(t, uint64(0), e.c.OutstandingCount())
	require.Equal(t, data, e.store.Bytes()[50:250], "write-through is durable immediately")
}

func TestSmallWriteSizeDegradesToWriteThrough(t *testing.T) {
	// A transport that cannot carry a full page forces the synchronous
	// path, chunked to its write size.
	e := newEnv(t, loopback.Options{TwoPhase: true, WriteSize: 512}, nil)
	data := pattern(1500, 6)

	e.write(t, 0, 0, data)
	require.Equal(t, uint64(0), e.c.OutstandingCount())
	require.Equal(t, data, e.store.Bytes()[:1500])
}

func TestConcurrentWriters(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, nil)

	const pages = 8
	var wg sync.WaitGroup
	for page := types.PageID(0); page < pages; page++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.write(t, page, 0, pattern(pageSize, byte(page)))
		}()
	}
	wg.Wait()

	e.sync(t)
	require.Equal(t, uint64(0), e.c.OutstandingCount())

	got := e.store.Bytes()
	require.Len(t, got, pages*pageSize)
	for page := 0; page < pages; page++ {
		require.Equal(t, pattern(pageSize, byte(page)),
			got[page*pageSize:(page+1)*pageSize], "page %d", page)
	}
}

func TestConcurrentWritersOnePage(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, nil)

	// Each writer owns one strip of page 0. The strips adjoin, so the
	// shared record widens toward full-page coverage while other writers
	// are merging into it or conflicting out of it.
	const writers = 8
	const strip = pageSize / writers
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.write(t, 0, int64(i*strip), pattern(strip, byte(i)))
		}()
	}
	wg.Wait()

	e.sync(t)
	require.Equal(t, uint64(0), e.c.OutstandingCount())

	got := e.store.Bytes()
	require.Len(t, got, pageSize)
	for i := 0; i < writers; i++ {
		require.Equal(t, pattern(strip, byte(i)),
			got[i*strip:(i+1)*strip], "strip %d", i)
	}
}

func TestForget(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, nil)

	require.NoError(t, e.c.Forget(999), "unknown file is a no-op")

	e.write(t, 0, 0, pattern(10, 1))
	require.ErrorIs(t, e.c.Forget(e.file), cache.ErrBusyFile)

	e.sync(t)
	require.NoError(t, e.c.Forget(e.file))
}

func TestSyncOnUnknownFile(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, nil)
	require.NoError(t, e.c.Sync(context.Background(), 12345, types.Range{}, true))
}

func TestRangeSyncLeavesOtherRecords(t *testing.T) {
	e := newEnv(t, loopback.Options{TwoPhase: true}, nil)

	e.write(t, 0, 0, pattern(16, 1))
	e.write(t, 5, 0, pattern(16, 2))

	require.NoError(t, e.c.Sync(context.Background(), e.file,
		types.Range{Off: 0, Len: pageSize}, true))
	require.Equal(t, uint64(1), e.c.OutstandingCount(), "page 5 stays buffered")
	require.Equal(t, pattern(16, 1), e.store.Bytes()[:16])

	e.sync(t)
	require.Equal(t, uint64(0), e.c.OutstandingCount())
}
