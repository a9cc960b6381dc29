package jnode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/reiser4core/internal/blockdev"
	"github.com/deploymenttheory/reiser4core/internal/plugin"
	"github.com/deploymenttheory/reiser4core/internal/rerr"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	c := NewCache(4, nil)
	k := FormattedKey(rkey.NewReal(7))

	j1, created1 := c.GetOrCreate(k, TypeFormatted, nil)
	require.True(t, created1, "expected first GetOrCreate to create")
	j2, created2 := c.GetOrCreate(k, TypeFormatted, nil)
	require.False(t, created2, "expected second GetOrCreate to hit the cache")
	require.Equal(t, j1, j2, "expected the same jnode identity for the same key")
	require.EqualValues(t, 2, j1.XCount(), "expected x_count=2 after two references")
}

func TestJPutMarksRIPAndTryDropEvicts(t *testing.T) {
	c := NewCache(4, nil)
	k := FormattedKey(rkey.NewReal(1))
	j, _ := c.GetOrCreate(k, TypeFormatted, nil)

	c.JPut(j)
	require.True(t, j.HasState(RIP), "expected RIP after the last jput")
	_, ok := c.Lookup(k)
	require.False(t, ok, "a RIP'd jnode must not be resurrected by Lookup")
	require.NoError(t, c.TryDrop(j), "TryDrop should succeed once unreferenced and unloaded")
	require.Zero(t, c.Count(), "expected the cache to be empty after TryDrop")
}

func TestTryDropRefusesWhileBusy(t *testing.T) {
	c := NewCache(4, nil)
	k := FormattedKey(rkey.NewReal(1))
	j, _ := c.GetOrCreate(k, TypeFormatted, nil)
	j.JRef() // second handle-reference still outstanding

	c.JPut(j) // drops one reference; x_count still > 0
	err := c.TryDrop(j)
	require.Error(t, err, "expected TryDrop to refuse a non-RIP jnode")
	require.True(t, rerr.Is(err, rerr.WouldBlock), "expected WouldBlock kind, got %v", err)
}

func TestJLoadIdempotentOverDCount(t *testing.T) {
	dev, err := blockdev.NewMemDevice(512, 4)
	require.NoError(t, err)
	defer dev.Close()
	require.NoError(t, dev.WriteBlock(rkey.NewReal(2), []byte("hello")))

	ops := &plugin.JnodeTypeOps{
		Parse: func(data []byte) (any, error) { return string(data[:5]), nil },
	}
	c := NewCache(4, nil)
	j, _ := c.GetOrCreate(FormattedKey(rkey.NewReal(2)), TypeFormatted, ops)

	require.NoError(t, j.JLoad(dev))
	require.NoError(t, j.JLoad(dev), "second JLoad")
	require.EqualValues(t, 2, j.DCount(), "expected d_count=2 after two JLoad calls")
	require.Equal(t, "hello", j.ParsedData())

	j.JRelse()
	j.JRelse()
	require.Zero(t, j.DCount(), "expected d_count=0 after matching JRelse calls")
}

func TestCheckInvariantsCatchesDirtyWithoutAtom(t *testing.T) {
	c := NewCache(4, nil)
	j, _ := c.GetOrCreate(FormattedKey(rkey.NewReal(9)), TypeFormatted, nil)
	j.SetState(Dirty)

	require.Error(t, c.CheckInvariants(), "expected I3 violation to be detected")
}
