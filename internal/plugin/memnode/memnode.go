// Package memnode is a minimal in-memory node-layout plugin. It stands in
// for the out-of-scope on-disk node40 format so internal/tree and the debug
// CLI have something real to traverse in tests: a node's item table is
// walked as a sorted key slice, the same shape a concrete node reader
// walks a disk-backed record table.
package memnode

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/deploymenttheory/reiser4core/internal/plugin"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
)

// Item is one (key, downlink-or-value) pair held by a Node. Downlink is the
// child block number for internal nodes; Value is the item payload for
// leaves.
type Item struct {
	Key      rkey.Key
	Downlink rkey.BlockNr
	Value    []byte
}

// Node is a sorted-by-key slice of items plus a leaf/internal flag.
type Node struct {
	Leaf  bool
	Level int
	Items []Item
}

// New returns an empty node at the given tree level.
func New(level int, leaf bool) *Node {
	return &Node{Leaf: leaf, Level: level}
}

// Insert keeps Items sorted by Key.
func (n *Node) Insert(it Item) {
	i := sort.Search(len(n.Items), func(i int) bool { return !rkey.Less(n.Items[i].Key, it.Key) })
	n.Items = append(n.Items, Item{})
	copy(n.Items[i+1:], n.Items[i:])
	n.Items[i] = it
}

// Lookup implements plugin.NodeLayout. For BiasExact it requires an exact
// key match; for BiasMaxNotMoreThan it returns the rightmost item whose key
// does not exceed the search key.
func (n *Node) Lookup(key any, bias plugin.Bias) (itemPos, unitPos int, result plugin.LookupResult, err error) {
	k, ok := key.(rkey.Key)
	if !ok {
		return 0, 0, plugin.NSNotFound, fmt.Errorf("memnode: Lookup requires an rkey.Key, got %T", key)
	}
	// First index with Items[i].Key >= k.
	i := sort.Search(len(n.Items), func(i int) bool { return !rkey.Less(n.Items[i].Key, k) })
	if i < len(n.Items) && rkey.Equal(n.Items[i].Key, k) {
		return i, 0, plugin.NSFound, nil
	}
	switch bias {
	case plugin.BiasExact:
		return i, 0, plugin.NSNotFound, nil
	case plugin.BiasMaxNotMoreThan:
		if i == 0 {
			return 0, 0, plugin.NSNotFound, nil
		}
		return i - 1, 0, plugin.NSFound, nil
	default:
		return i, 0, plugin.NSNotFound, fmt.Errorf("memnode: unknown bias %d", bias)
	}
}

func (n *Node) ItemCount() int { return len(n.Items) }
func (n *Node) IsLeaf() bool   { return n.Leaf }

func (n *Node) KeyAt(itemPos int) (any, error) {
	if itemPos < 0 || itemPos >= len(n.Items) {
		return nil, fmt.Errorf("memnode: item position %d out of range (count=%d)", itemPos, len(n.Items))
	}
	return n.Items[itemPos].Key, nil
}

// ChildAt returns the downlink block number of an internal-node item, used
// by the traversal to descend.
func (n *Node) ChildAt(itemPos int) (rkey.BlockNr, error) {
	if n.Leaf {
		return 0, fmt.Errorf("memnode: ChildAt called on a leaf node")
	}
	if itemPos < 0 || itemPos >= len(n.Items) {
		return 0, fmt.Errorf("memnode: item position %d out of range", itemPos)
	}
	return n.Items[itemPos].Downlink, nil
}

// item wire layout: 33-byte key (locality, type, objectID, offset, large
// keys flag) + 8-byte downlink + 4-byte value length + value bytes.
const keyWireSize = 33

func encodeKey(k rkey.Key, buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], k.Locality)
	buf[8] = byte(k.Type)
	binary.BigEndian.PutUint64(buf[9:17], k.ObjectID)
	binary.BigEndian.PutUint64(buf[17:25], k.Offset)
	if k.LargeKeys {
		buf[25] = 1
	}
}

func decodeKey(buf []byte) rkey.Key {
	return rkey.Key{
		Locality:  binary.BigEndian.Uint64(buf[0:8]),
		Type:      rkey.MinorType(buf[8]),
		ObjectID:  binary.BigEndian.Uint64(buf[9:17]),
		Offset:    binary.BigEndian.Uint64(buf[17:25]),
		LargeKeys: buf[25] != 0,
	}
}

// Encode serializes the node to a flat byte slice, the format Parse
// reverses. This is a debug/reference on-disk layout, not node40.
func (n *Node) Encode() []byte {
	buf := make([]byte, 0, 9+len(n.Items)*(keyWireSize+8+4))
	hdr := make([]byte, 9)
	if n.Leaf {
		hdr[0] = 1
	}
	binary.BigEndian.PutUint32(hdr[1:5], uint32(n.Level))
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(n.Items)))
	buf = append(buf, hdr...)

	for _, it := range n.Items {
		kbuf := make([]byte, keyWireSize)
		encodeKey(it.Key, kbuf)
		buf = append(buf, kbuf...)
		var rest [12]byte
		binary.BigEndian.PutUint64(rest[0:8], it.Downlink.Real())
		binary.BigEndian.PutUint32(rest[8:12], uint32(len(it.Value)))
		buf = append(buf, rest[:]...)
		buf = append(buf, it.Value...)
	}
	return buf
}

// Parse decodes bytes produced by Encode back into a Node, implementing
// the plugin.JnodeTypeOps.Parse hook for the debug CLI's "walk tree"
// command.
func Parse(data []byte) (any, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("memnode: short node header (%d bytes)", len(data))
	}
	n := &Node{Leaf: data[0] != 0, Level: int(binary.BigEndian.Uint32(data[1:5]))}
	count := int(binary.BigEndian.Uint32(data[5:9]))
	off := 9
	for i := 0; i < count; i++ {
		if off+keyWireSize+12 > len(data) {
			return nil, fmt.Errorf("memnode: truncated item %d", i)
		}
		key := decodeKey(data[off : off+keyWireSize])
		off += keyWireSize
		downlink := binary.BigEndian.Uint64(data[off : off+8])
		valLen := int(binary.BigEndian.Uint32(data[off+8 : off+12]))
		off += 12
		if off+valLen > len(data) {
			return nil, fmt.Errorf("memnode: truncated value for item %d", i)
		}
		value := append([]byte(nil), data[off:off+valLen]...)
		off += valLen
		n.Items = append(n.Items, Item{Key: key, Downlink: rkey.NewReal(downlink), Value: value})
	}
	return n, nil
}
