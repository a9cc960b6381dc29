package rkey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyOrdering(t *testing.T) {
	a := New(1, TypeStatData, 42, 0)
	b := New(1, TypeStatData, 42, 16)
	c := New(1, TypeDirEntry, 42, 0)
	d := New(2, TypeStatData, 0, 0)

	require.True(t, Less(a, b), "expected %+v < %+v", a, b)
	require.True(t, Less(a, c), "expected minor type to order keys that share a locality: %+v < %+v", a, c)
	require.True(t, Less(c, d), "expected locality to dominate: %+v < %+v", c, d)
	require.True(t, Equal(a, New(1, TypeStatData, 42, 0)), "expected equal keys to compare equal")
}

func TestMinMaxKeyBounds(t *testing.T) {
	min, max := Min(), Max()
	k := New(5, TypeFileBody, 99, 1000)
	require.True(t, Less(min, k), "min_key must order before any concrete key")
	require.True(t, Less(k, max), "max_key must order after any concrete key")
	require.False(t, InRange(max, min, max), "InRange must treat the upper bound as exclusive")
	require.True(t, InRange(min, min, max), "InRange must treat the lower bound as inclusive")
}

func TestBlockNrFakeDiscrimination(t *testing.T) {
	real := NewReal(1024)
	fake := NewFakeUnallocated(3)
	shadow := NewFakeBitmapShadow(7)

	require.False(t, real.IsFake(), "real block must not be fake")
	require.True(t, fake.IsFake(), "unallocated block must be fake")
	require.False(t, fake.IsBitmapShadow(), "plain unallocated fake block must not be a bitmap shadow")
	require.True(t, shadow.IsBitmapShadow(), "bitmap shadow block must report as such")
	require.False(t, FakeTreeAddr.IsReal(), "FakeTreeAddr must be fake")
}

func TestNewRealRejectsReservedBit(t *testing.T) {
	defer func() {
		require.NotNil(t, recover(), "expected panic constructing a real block number with the reserved bit set")
	}()
	NewReal(uint64(1) << 63)
}
