// Package testutil provides shared fakes for tests.
package testutil

import (
	"math"
	"sync"
	"time"

	"writeback/pkg/types"
)

// Clock is a manually advanced clock for deadline tests.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a Clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{t: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// LockTable is a static range-lock table.
type LockTable struct {
	mu    sync.Mutex
	locks map[types.FileID][]types.Range
}

// NewLockTable returns an empty table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[types.FileID][]types.Range)}
}

// Lock records rng as locked on file.
func (l *LockTable) Lock(file types.FileID, rng types.Range) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks[file] = append(l.locks[file], rng)
}

// RangeLocked reports whether rng overlaps any recorded lock on file.
func (l *LockTable) RangeLocked(file types.FileID, rng types.Range) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, held := range l.locks[file] {
		if overlaps(held, rng) {
			return true
		}
	}
	return false
}

func overlaps(a, b types.Range) bool {
	aEnd := a.Off + a.Len
	bEnd := b.Off + b.Len
	if a.Len == 0 {
		aEnd = math.MaxInt64
	}
	if b.Len == 0 {
		bEnd = math.MaxInt64
	}
	return a.Off < bEnd && b.Off < aEnd
}
