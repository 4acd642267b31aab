package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"writeback/pkg/types"
)

func TestClockAdvance(t *testing.T) {
	start := time.Unix(5000, 0)
	c := NewClock(start)
	require.Equal(t, start, c.Now())

	c.Advance(3 * time.Second)
	require.Equal(t, start.Add(3*time.Second), c.Now())
}

func TestLockTableOverlap(t *testing.T) {
	l := NewLockTable()
	l.Lock(1, types.Range{Off: 100, Len: 50})

	require.True(t, l.RangeLocked(1, types.Range{Off: 140, Len: 20}))
	require.False(t, l.RangeLocked(1, types.Range{Off: 150, Len: 10}), "ranges only adjoin")
	require.False(t, l.RangeLocked(2, types.Range{Off: 100, Len: 50}), "other file")
}

func TestLockTableUnboundedRanges(t *testing.T) {
	l := NewLockTable()
	l.Lock(1, types.Range{Off: 1 << 40}) // zero Len: locked to end of file

	require.True(t, l.RangeLocked(1, types.Range{Off: 1<<40 + 7, Len: 1}))
	require.False(t, l.RangeLocked(1, types.Range{Off: 0, Len: 10}))

	// An unbounded query range overlaps any lock at or past its start.
	require.True(t, l.RangeLocked(1, types.Range{Off: 0}))
	require.False(t, l.RangeLocked(2, types.Range{Off: 0}))
}
