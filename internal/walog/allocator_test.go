package walog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/reiser4core/internal/rerr"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
)

func TestGrabAllocDeallocRoundTrip(t *testing.T) {
	a := NewBitmapAllocator(100)

	require.NoError(t, a.GrabSpace(10, 0))
	require.EqualValues(t, 10, a.Grabbed())

	start, length, err := a.AllocBlocks(AllocHint{}, 10)
	require.NoError(t, err)
	require.EqualValues(t, 10, length)
	require.Zero(t, a.Grabbed(), "expected grab reservation consumed")
	require.NoError(t, a.CheckBlocks(start, length, true))

	require.NoError(t, a.DeallocBlocks(start, length, false, Allocated))
	require.NoError(t, a.CheckBlocks(start, length, false))
}

func TestGrabSpaceFailsPastFree(t *testing.T) {
	a := NewBitmapAllocator(5)
	err := a.GrabSpace(6, 0)
	require.True(t, rerr.Is(err, rerr.NoSpace), "expected NoSpace, got %v", err)
}

func TestAllocBlocksRejectsUnreservedRequest(t *testing.T) {
	a := NewBitmapAllocator(5)
	_, _, err := a.AllocBlocks(AllocHint{}, 2)
	require.True(t, rerr.Is(err, rerr.NoSpace), "expected NoSpace for un-grabbed allocation, got %v", err)
}

func TestPreCommitHookAppliesAllocationsAndDeleteSet(t *testing.T) {
	a := NewBitmapAllocator(10)
	require.NoError(t, a.GrabSpace(3, 0))
	start, _, err := a.AllocBlocks(AllocHint{}, 3)
	require.NoError(t, err)

	allocated := []rkey.BlockNr{start, start + 1, start + 2}
	before := a.FreeBlocks()
	require.NoError(t, a.PreCommitHook(allocated, nil))
	require.Equal(t, before-3, a.FreeBlocks(), "expected free blocks to drop by 3")

	require.NoError(t, a.PreCommitHook(nil, allocated))
	require.Equal(t, before, a.FreeBlocks(), "expected free blocks restored after delete set")
}
