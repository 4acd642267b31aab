// Package pagestore holds the page buffers the write-back cache pins
// while ranges are dirty.
//
// Pinned pages live in a refcounted map and cannot be evicted. Once the
// last pin drops, the page moves to a cost-bounded ristretto cache; a
// later pin for the same page gets its bytes back if the cache still
// holds them, or a fresh zero page if it chose to evict. Unpinned pages
// are clean by contract, so losing one costs a refill, never data.
package pagestore

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"writeback/pkg/types"
)

// DefaultCapacity bounds the unpinned side when Options leave it zero.
const DefaultCapacity = 64 << 20

// Store implements the cache's PageCache contract.
type Store struct {
	pageSize int64

	mu     sync.Mutex
	pinned map[string]*entry

	clean *ristretto.Cache[string, []byte]
}

type entry struct {
	buf  []byte
	pins int
}

// New returns a Store for pageSize-byte pages, keeping at most capacity
// bytes of unpinned pages around.
func New(pageSize int64, capacity int64) (*Store, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("pagestore: invalid page size %d", pageSize)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	clean, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10 * (capacity / pageSize),
		MaxCost:     capacity,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("pagestore: %w", err)
	}
	return &Store{
		pageSize: pageSize,
		pinned:   make(map[string]*entry),
		clean:    clean,
	}, nil
}

// PageSize reports the fixed page size.
func (s *Store) PageSize() int64 { return s.pageSize }

// Pin returns the buffer for (file, page), creating a zero page if the
// store has never seen it or evicted it. The buffer stays valid and
// unevictable until the matching Unpin.
func (s *Store) Pin(file types.FileID, page types.PageID) ([]byte, error) {
	k := key(file, page)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.pinned[k]; ok {
		e.pins++
		return e.buf, nil
	}

	buf, ok := s.clean.Get(k)
	if ok {
		s.clean.Del(k)
	} else {
		buf = make([]byte, s.pageSize)
	}
	s.pinned[k] = &entry{buf: buf, pins: 1}
	return buf, nil
}

// Unpin drops one pin. The last Unpin hands the page to the clean cache.
func (s *Store) Unpin(file types.FileID, page types.PageID) {
	k := key(file, page)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pinned[k]
	if !ok {
		panic("pagestore: unpin of page that is not pinned")
	}
	e.pins--
	if e.pins > 0 {
		return
	}
	delete(s.pinned, k)
	s.clean.Set(k, e.buf, s.pageSize)
	s.clean.Wait()
}

// PinnedCount reports how many pages are currently pinned.
func (s *Store) PinnedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pinned)
}

// Close releases the clean cache.
func (s *Store) Close() {
	s.clean.Close()
}

func key(file types.FileID, page types.PageID) string {
	return strconv.FormatUint(uint64(file), 16) + "/" + strconv.FormatUint(uint64(page), 16)
}
