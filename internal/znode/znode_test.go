package znode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/reiser4core/internal/jnode"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
)

func TestZgetIsIdempotentAndTyped(t *testing.T) {
	cache := jnode.NewCache(4, nil)
	block := rkey.NewReal(5)

	z1, created1 := Zget(cache, block, nil, 1, nil, nil)
	require.True(t, created1, "expected first Zget to create")
	z2, created2 := Zget(cache, block, nil, 1, nil, nil)
	require.False(t, created2, "expected second Zget to hit the cache")
	require.Equal(t, z1, z2, "expected identical znode for the same block")
	require.Equal(t, jnode.TypeFormatted, z1.Type())

	recovered, ok := FromJnode(z1.Jnode)
	require.True(t, ok)
	require.Equal(t, z1, recovered, "expected FromJnode to recover the owning znode")
}

func TestConnectEqualizesDelimitingKeys(t *testing.T) {
	cache := jnode.NewCache(4, nil)
	left, _ := Zget(cache, rkey.NewReal(1), nil, 1, nil, nil)
	right, _ := Zget(cache, rkey.NewReal(2), nil, 1, nil, nil)

	mid := rkey.New(1, rkey.TypeStatData, 50, 0)
	require.NoError(t, left.SetDKeys(rkey.Min(), mid))
	require.NoError(t, right.SetDKeys(mid, rkey.Max()))

	require.NoError(t, Connect(left, right))
	require.NoError(t, left.CheckInvariants(), "I2 check failed")

	gotRight, connected := left.Right()
	require.True(t, connected)
	require.Equal(t, right, gotRight, "expected left.Right() == right, connected")
}

func TestCCountTracksChildren(t *testing.T) {
	cache := jnode.NewCache(4, nil)
	parent, _ := Zget(cache, rkey.NewReal(100), nil, 2, nil, nil)

	parent.IncCCount()
	parent.IncCCount()
	require.EqualValues(t, 2, parent.CCount())
	parent.DecCCount()
	require.EqualValues(t, 1, parent.CCount())
}
