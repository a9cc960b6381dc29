package txnmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/reiser4core/internal/blockdev"
	"github.com/deploymenttheory/reiser4core/internal/jnode"
	"github.com/deploymenttheory/reiser4core/internal/plugin"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
	"github.com/deploymenttheory/reiser4core/internal/walog"
)

func testJnode(block uint64) *jnode.Jnode {
	key := jnode.FormattedKey(rkey.NewReal(block))
	return jnode.NewFormatted(key, &plugin.JnodeTypeOps{})
}

func TestTryCaptureCreatesAtomOnFirstCapture(t *testing.T) {
	ctx := context.Background()
	h := NewTxnh(WriteFusing, 0)
	j := testJnode(1)

	require.NoError(t, TryCapture(ctx, h, j, jnode.CaptureListDirty, 1, 0))
	require.NotNil(t, h.Atom(), "expected handle to have joined an atom")
	require.NotNil(t, j.Atom(), "expected jnode to have captured into an atom")
	require.EqualValues(t, 1, h.Atom().CaptureCount())
}

func TestTryCaptureJoinsExistingJnodeAtom(t *testing.T) {
	ctx := context.Background()
	owner := NewTxnh(WriteFusing, 0)
	j := testJnode(2)
	require.NoError(t, TryCapture(ctx, owner, j, jnode.CaptureListDirty, 1, 0))

	joiner := NewTxnh(WriteFusing, 0)
	// joiner has no atom yet; capturing a jnode already owned by owner's
	// atom should make joiner adopt it.
	require.NoError(t, TryCapture(ctx, joiner, j, jnode.CaptureListDirty, 1, 0))
	require.Equal(t, owner.Atom(), joiner.Atom(), "expected joiner to adopt owner's atom")
}

func TestTryCaptureFusesTwoDistinctAtoms(t *testing.T) {
	ctx := context.Background()
	h1 := NewTxnh(WriteFusing, 0)
	h2 := NewTxnh(WriteFusing, 0)
	j1 := testJnode(10)
	j2 := testJnode(11)

	require.NoError(t, TryCapture(ctx, h1, j1, jnode.CaptureListDirty, 1, 0))
	require.NoError(t, TryCapture(ctx, h2, j2, jnode.CaptureListDirty, 1, 0))
	a1, a2 := h1.Atom(), h2.Atom()
	require.NotEqual(t, a1, a2, "expected two distinct atoms before fusion")

	// h1 now captures j2, which belongs to a2: this must fuse a1 and a2.
	require.NoError(t, TryCapture(ctx, h1, j2, jnode.CaptureListDirty, 1, 0))
	require.Equal(t, h2.Atom(), h1.Atom(), "expected h1 and h2 to share one atom after fusion")
	merged := h1.Atom()
	require.EqualValues(t, 2, merged.CaptureCount())
	require.Equal(t, jnode.AtomHandle(merged), j1.Atom(), "expected j1 reassigned to the merged atom")
	require.Equal(t, jnode.AtomHandle(merged), j2.Atom(), "expected j2 reassigned to the merged atom")
}

func TestTryCaptureReadFusingSkipsCleanCapture(t *testing.T) {
	ctx := context.Background()
	owner := NewTxnh(WriteFusing, 0)
	j := testJnode(3)
	require.NoError(t, TryCapture(ctx, owner, j, jnode.CaptureListDirty, 1, 0))
	ownerAtom := owner.Atom()

	reader := NewTxnh(ReadFusing, 0)
	readerSeed := testJnode(4)
	require.NoError(t, TryCapture(ctx, reader, readerSeed, jnode.CaptureListDirty, 1, 0))
	readerAtom := reader.Atom()
	require.NotEqual(t, ownerAtom, readerAtom, "expected two distinct atoms before the read-fusing capture")

	// A read-fusing handle capturing a clean (not already-dirty) block
	// owned by a different atom must not be forced to fuse the two atoms.
	require.NoError(t, TryCapture(ctx, reader, j, jnode.CaptureListClean, 1, 0))
	require.Equal(t, readerAtom, reader.Atom(), "expected reader's atom unchanged by a READ_NONCOM capture")
}

func TestCommitPipelineWritesOriginalLocations(t *testing.T) {
	ctx := context.Background()
	dev, err := blockdev.NewMemDevice(512, 64)
	require.NoError(t, err)
	alloc := walog.NewBitmapAllocator(64)
	mgr := NewManager(alloc, dev, nil)

	h := NewTxnh(WriteFusing, 0)
	j := testJnode(5)
	require.NoError(t, TryCapture(ctx, h, j, jnode.CaptureListDirty, 1, 0))
	require.NoError(t, j.JLoad(dev))
	copy(j.RawData(), []byte("hello world"))
	j.SetState(jnode.Dirty)

	a := h.Atom()
	require.True(t, ShouldCommit(a, func() bool { return true }))
	require.NoError(t, mgr.Commit(ctx, a))
	require.Equal(t, Done, a.Stage())

	data, err := dev.ReadBlock(j.BlockNr())
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data[:11]))
}
