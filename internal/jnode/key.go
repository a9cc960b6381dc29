package jnode

import (
	"fmt"

	"github.com/deploymenttheory/reiser4core/internal/rkey"
)

// KeyKind discriminates the jnode.key tagged union ("Duck-typed
// jnode.key union").
type KeyKind int

const (
	KeyFormatted KeyKind = iota
	KeyUnformatted
	KeyAddress
)

// Key is the discriminated key jnode identity hashes on: formatted nodes
// key on their block number, unformatted blocks key on (objectid, index)
// within a mapping, bitmap/io-head key on an address-derived value.
type Key struct {
	Kind KeyKind

	// KeyFormatted
	Block rkey.BlockNr

	// KeyUnformatted. Mapping is an opaque lookup token for the owning
	// address space, not a raw pointer, resolved through the page-cache
	// layer; it is not compared for key equality since two jnodes never
	// share (ObjectID, Index) across mappings.
	ObjectID uint64
	Index    uint64
	Mapping  any

	// KeyAddress
	Addr uint64
}

func FormattedKey(b rkey.BlockNr) Key { return Key{Kind: KeyFormatted, Block: b} }

func UnformattedKey(objectID, index uint64, mapping any) Key {
	return Key{Kind: KeyUnformatted, ObjectID: objectID, Index: index, Mapping: mapping}
}

func AddressKey(addr uint64) Key { return Key{Kind: KeyAddress, Addr: addr} }

// Equal compares the discriminating fields only (never Mapping, which may
// not be comparable).
func (k Key) Equal(o Key) bool {
	if k.Kind != o.Kind {
		return false
	}
	switch k.Kind {
	case KeyFormatted:
		return k.Block == o.Block
	case KeyUnformatted:
		return k.ObjectID == o.ObjectID && k.Index == o.Index
	case KeyAddress:
		return k.Addr == o.Addr
	default:
		return false
	}
}

// hash computes the bucket-selection hash:
// "(objectid + index) mod buckets" for unformatted, block-number for
// formatted, address-derived for bitmap/io-head. The mod-by-bucket-count
// step happens in Cache, not here.
func (k Key) hash() uint64 {
	switch k.Kind {
	case KeyFormatted:
		return uint64(k.Block)
	case KeyUnformatted:
		return k.ObjectID + k.Index
	case KeyAddress:
		return k.Addr
	default:
		panic(fmt.Sprintf("jnode: unknown key kind %d", k.Kind))
	}
}

func (k Key) String() string {
	switch k.Kind {
	case KeyFormatted:
		return fmt.Sprintf("formatted(block=%d)", uint64(k.Block))
	case KeyUnformatted:
		return fmt.Sprintf("unformatted(oid=%d,index=%d)", k.ObjectID, k.Index)
	case KeyAddress:
		return fmt.Sprintf("address(%d)", k.Addr)
	default:
		return "invalid"
	}
}
