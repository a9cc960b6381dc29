package memnode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/reiser4core/internal/plugin"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
)

func TestLookupExact(t *testing.T) {
	n := New(1, true)
	n.Insert(Item{Key: rkey.New(1, rkey.TypeStatData, 10, 0), Value: []byte("a")})
	n.Insert(Item{Key: rkey.New(1, rkey.TypeStatData, 20, 0), Value: []byte("b")})
	n.Insert(Item{Key: rkey.New(1, rkey.TypeStatData, 15, 0), Value: []byte("c")})

	pos, _, res, err := n.Lookup(rkey.New(1, rkey.TypeStatData, 15, 0), plugin.BiasExact)
	require.NoError(t, err)
	require.Equal(t, plugin.NSFound, res)
	require.Equal(t, "c", string(n.Items[pos].Value), "expected exact match on the middle key")
}

func TestLookupMaxNotMoreThan(t *testing.T) {
	n := New(1, true)
	n.Insert(Item{Key: rkey.New(1, rkey.TypeStatData, 10, 0)})
	n.Insert(Item{Key: rkey.New(1, rkey.TypeStatData, 30, 0)})

	pos, _, res, err := n.Lookup(rkey.New(1, rkey.TypeStatData, 20, 0), plugin.BiasMaxNotMoreThan)
	require.NoError(t, err)
	require.Equal(t, plugin.NSFound, res)
	require.Zero(t, pos, "expected to land on the first key (10) as the max not exceeding 20")

	_, _, res, err = n.Lookup(rkey.New(1, rkey.TypeStatData, 5, 0), plugin.BiasMaxNotMoreThan)
	require.NoError(t, err)
	require.Equal(t, plugin.NSNotFound, res, "expected NotFound when the search key precedes every item")
}

func TestEncodeParseRoundTrip(t *testing.T) {
	n := New(1, true)
	n.Insert(Item{Key: rkey.New(1, rkey.TypeStatData, 10, 0), Value: []byte("hello")})
	n.Insert(Item{Key: rkey.New(1, rkey.TypeFileBody, 10, 4096), Value: []byte("world")})

	parsed, err := Parse(n.Encode())
	require.NoError(t, err)
	got, ok := parsed.(*Node)
	require.True(t, ok, "expected *Node, got %T", parsed)
	require.Equal(t, n.Leaf, got.Leaf)
	require.Equal(t, n.Level, got.Level)
	require.Len(t, got.Items, len(n.Items))
	for i, it := range n.Items {
		require.True(t, rkey.Equal(got.Items[i].Key, it.Key), "item %d key mismatch", i)
		require.Equal(t, string(it.Value), string(got.Items[i].Value), "item %d value mismatch", i)
	}
}

func TestEncodeParseRoundTripInternal(t *testing.T) {
	n := New(2, false)
	n.Insert(Item{Key: rkey.New(1, rkey.TypeStatData, 10, 0), Downlink: rkey.NewReal(42)})

	parsed, err := Parse(n.Encode())
	require.NoError(t, err)
	got := parsed.(*Node)
	require.False(t, got.Leaf, "expected an internal node to decode as non-leaf")

	child, err := got.ChildAt(0)
	require.NoError(t, err)
	require.Equal(t, rkey.NewReal(42), child)
}
