package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(4096, 1<<20)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPinReturnsZeroPage(t *testing.T) {
	s := newStore(t)

	buf, err := s.Pin(1, 0)
	require.NoError(t, err)
	require.Len(t, buf, 4096)
	for _, b := range buf {
		require.Zero(t, b)
	}
	s.Unpin(1, 0)
}

func TestPinIsStableAcrossPins(t *testing.T) {
	s := newStore(t)

	a, err := s.Pin(7, 3)
	require.NoError(t, err)
	a[0] = 'x'
	b, err := s.Pin(7, 3)
	require.NoError(t, err)
	require.Equal(t, byte('x'), b[0], "second pin must see the same buffer")

	s.Unpin(7, 3)
	require.Equal(t, 1, s.PinnedCount(), "one pin still outstanding")
	s.Unpin(7, 3)
	require.Equal(t, 0, s.PinnedCount())
}

func TestUnpinnedPageSurvivesInCleanCache(t *testing.T) {
	s := newStore(t)

	buf, err := s.Pin(1, 9)
	require.NoError(t, err)
	copy(buf, "kept")
	s.Unpin(1, 9)

	again, err := s.Pin(1, 9)
	require.NoError(t, err)
	defer s.Unpin(1, 9)
	require.Equal(t, []byte("kept"), again[:4])
}

func TestDistinctPagesDistinctBuffers(t *testing.T) {
	s := newStore(t)

	a, _ := s.Pin(1, 0)
	b, _ := s.Pin(1, 1)
	c, _ := s.Pin(2, 0)
	a[0], b[0], c[0] = 1, 2, 3
	require.Equal(t, byte(1), a[0])
	require.Equal(t, byte(2), b[0])
	require.Equal(t, byte(3), c[0])
	s.Unpin(1, 0)
	s.Unpin(1, 1)
	s.Unpin(2, 0)
}

func TestUnpinWithoutPinPanics(t *testing.T) {
	s := newStore(t)
	require.Panics(t, func() { s.Unpin(1, 1) })
}

func TestNewRejectsBadPageSize(t *testing.T) {
	_, err := New(0, 0)
	require.Error(t, err)
}
