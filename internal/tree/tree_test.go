package tree

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/reiser4core/internal/blockdev"
	"github.com/deploymenttheory/reiser4core/internal/jnode"
	"github.com/deploymenttheory/reiser4core/internal/lock"
	"github.com/deploymenttheory/reiser4core/internal/plugin"
	"github.com/deploymenttheory/reiser4core/internal/plugin/memnode"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
	"github.com/deploymenttheory/reiser4core/internal/txnmgr"
)

// fixture builds a tiny two-level tree on an in-memory block device: one
// internal root at block 1 (level 2) pointing at two leaves (level 1) at
// blocks 10 and 11. Since concrete node-layout serialization (node40) is
// out of scope, each block's bytes carry only its own block number; the
// test Parse hook uses that to hand back a pre-built *memnode.Node,
// standing in for "parse these bytes into a node" the way a real
// node-layout plugin would.
func fixture(t *testing.T) (*Tree, *blockdev.AferoDevice) {
	t.Helper()
	dev, err := blockdev.NewMemDevice(64, 32)
	require.NoError(t, err)

	leaf1 := memnode.New(1, true)
	leaf1.Insert(memnode.Item{Key: rkey.New(1, rkey.TypeStatData, 100, 0), Value: []byte("v100")})
	leaf1.Insert(memnode.Item{Key: rkey.New(1, rkey.TypeStatData, 200, 0), Value: []byte("v200")})

	leaf2 := memnode.New(1, true)
	leaf2.Insert(memnode.Item{Key: rkey.New(1, rkey.TypeStatData, 300, 0), Value: []byte("v300")})

	root := memnode.New(2, false)
	root.Insert(memnode.Item{Key: rkey.New(1, rkey.TypeStatData, 100, 0), Downlink: rkey.NewReal(10)})
	root.Insert(memnode.Item{Key: rkey.New(1, rkey.TypeStatData, 300, 0), Downlink: rkey.NewReal(11)})

	nodes := map[rkey.BlockNr]*memnode.Node{
		rkey.NewReal(1):  root,
		rkey.NewReal(10): leaf1,
		rkey.NewReal(11): leaf2,
	}
	for b := range nodes {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, b.Real())
		require.NoError(t, dev.WriteBlock(b, buf), "seeding block %d", b)
	}

	ops := &plugin.JnodeTypeOps{
		Name: "memnode",
		Parse: func(data []byte) (any, error) {
			b := rkey.NewReal(binary.BigEndian.Uint64(data[:8]))
			return nodes[b], nil
		},
	}

	cache := jnode.NewCache(8, nil)
	registry := plugin.NewRegistry()
	tr, err := New(cache, registry, dev, ops, rkey.NewReal(1), 2, 8, nil)
	require.NoError(t, err)
	// Root has no delimiting-key ancestor to propagate from in this
	// harness; its dkeys stay at the Min..Max defaults, and CoordByKey
	// skips the InRange check for the root, so lookups don't spuriously
	// restart there.
	return tr, dev
}

func TestCoordByKeyDescendsToLeaf(t *testing.T) {
	tr, _ := fixture(t)
	h := txnmgr.NewTxnh(txnmgr.WriteFusing, 0)
	stack := lock.NewStack(lock.LowPriority, nil)

	coord, err := tr.CoordByKey(context.Background(), h, stack, LookupParams{
		Key:       rkey.New(1, rkey.TypeStatData, 200, 0),
		LockMode:  lock.Read,
		Bias:      plugin.BiasMaxNotMoreThan,
		LockLevel: 0,
		StopLevel: 1,
		Unique:    true,
	})
	require.NoError(t, err)
	defer lock.Release(coord.Node.LockState, stack)

	require.Equal(t, rkey.NewReal(10), coord.Node.BlockNr(), "expected to land on leaf block 10")
	require.EqualValues(t, 1, coord.ItemPos, "expected item position 1 (key 200)")
}

func TestCoordByKeyFindsSecondLeaf(t *testing.T) {
	tr, _ := fixture(t)
	h := txnmgr.NewTxnh(txnmgr.WriteFusing, 0)
	stack := lock.NewStack(lock.LowPriority, nil)

	coord, err := tr.CoordByKey(context.Background(), h, stack, LookupParams{
		Key:       rkey.New(1, rkey.TypeStatData, 300, 0),
		LockMode:  lock.Read,
		Bias:      plugin.BiasExact,
		LockLevel: 0,
		StopLevel: 1,
		Unique:    true,
	})
	require.NoError(t, err)
	defer lock.Release(coord.Node.LockState, stack)

	require.Equal(t, rkey.NewReal(11), coord.Node.BlockNr(), "expected to land on leaf block 11")
}

func TestGetLeftNeighborClimbsAndConnects(t *testing.T) {
	tr, _ := fixture(t)
	h := txnmgr.NewTxnh(txnmgr.WriteFusing, 0)
	stack := lock.NewStack(lock.LowPriority, nil)
	ctx := context.Background()

	coord, err := tr.CoordByKey(ctx, h, stack, LookupParams{
		Key:       rkey.New(1, rkey.TypeStatData, 300, 0),
		LockMode:  lock.Read,
		Bias:      plugin.BiasExact,
		LockLevel: 0,
		StopLevel: 1,
		Unique:    true,
	})
	require.NoError(t, err)
	defer lock.Release(coord.Node.LockState, stack)

	left, err := tr.getLeftNeighbor(ctx, stack, coord.Node)
	require.NoError(t, err)
	defer lock.Release(left.LockState, stack)

	require.Equal(t, rkey.NewReal(10), left.BlockNr(), "expected left neighbor to be leaf block 10")
	right, connected := left.Right()
	require.True(t, connected, "expected Connect to have linked leaf 10 -> leaf 11")
	require.Equal(t, coord.Node, right)
}
