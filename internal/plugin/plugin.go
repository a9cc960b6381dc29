// Package plugin implements the Core's plugin registry:
// a type-indexed table of vtable values, resolved from an on-disk
// (type_id, id) pair to an in-memory implementation at mount time. Once
// resolved, a plugin-bearing structure keeps the implementation itself: a
// znode stores its NodeLayout value (znode.nplug) and a jnode a pointer to
// its type's JnodeTypeOps, and both call through those directly.
//
// Concrete node layouts (node40) and disk-format plugins (format40) are
// out of the Core's scope; this package defines only the
// interfaces the Core calls through, plus the registry machinery. A
// reference in-memory node layout lives in the memnode subpackage for
// tests and the debug CLI.
package plugin

import (
	"fmt"
	"sync"

	"github.com/deploymenttheory/reiser4core/internal/rkey"
)

// ID identifies a plugin by its on-disk (type_id, id) pair.
type ID struct {
	TypeID uint16
	ID     uint16
}

func (p ID) String() string { return fmt.Sprintf("%d:%d", p.TypeID, p.ID) }

// Well-known plugin type IDs.
const (
	TypeNodeLayout uint16 = iota
	TypeDiskFormat
	TypeHash
	TypeCrypto
	TypeCompression
	TypeItem
)

// Bias selects whether coord_by_key wants an exact match or the largest key
// not exceeding the search key.
type Bias int

const (
	BiasExact Bias = iota
	BiasMaxNotMoreThan
)

// LookupResult mirrors the node-layout plugin's NS_FOUND/NS_NOT_FOUND
// result.
type LookupResult int

const (
	NSNotFound LookupResult = iota
	NSFound
)

// NodeLayout is the uniform interface the Core's tree traversal calls
// through; a concrete on-disk format (node40) is out of scope and supplies
// its own implementation. ItemPos/UnitPos follow the coord tuple
// definition in the GLOSSARY.
type NodeLayout interface {
	// Lookup returns the item/unit position of key (or where it would be
	// inserted) per bias, and whether it was found exactly.
	Lookup(key any, bias Bias) (itemPos, unitPos int, result LookupResult, err error)
	// ItemCount reports the number of items currently in the node.
	ItemCount() int
	// IsLeaf reports whether this node is at tree level 1.
	IsLeaf() bool
	// KeyAt returns the key of the item at itemPos, used by traversal to
	// decide "leftmost unit" for the non-unique left-scan.
	KeyAt(itemPos int) (any, error)
	// ChildAt returns the downlink block number of an internal-node item,
	// used by coord_by_key to descend a level.
	ChildAt(itemPos int) (rkey.BlockNr, error)
}

// JnodeTypeOps is the per-jnode-type vtable:
// parse, mapping, index, clone and an eviction check, held as function
// fields rather than an interface method set; each jnode keeps a pointer
// to the ops it was created with.
type JnodeTypeOps struct {
	Name string
	// Parse validates raw block bytes for this jnode type and returns
	// opaque parsed state the jnode stores once PARSED-equivalent.
	Parse func(data []byte) (any, error)
	// Mapping names the address-space token (an opaque lookup key, not a
	// raw pointer) this block's page lives under.
	Mapping func(key any) any
	// Index computes the page index within that mapping.
	Index func(key any) uint64
	// Clone duplicates parsed state for capture-copy during relocation.
	Clone func(state any) any
	// EvictBusy reports a type-specific reason jnode_try_drop must refuse
	// eviction beyond the generic d_count/page rule (	// jnode_try_drop; original_source/jnode.c has per-type busy checks for
	// bitmap and io-head jnodes pinned by an in-flight commit). Nil means
	// "never busy for type-specific reasons".
	EvictBusy func(state any) bool
}

// Registry resolves on-disk plugin IDs to in-memory implementations. One
// Registry exists per mounted filesystem, owned by the Core/super handle,
// with no process-wide mutable state.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[ID]NodeLayout
	jtypes  map[ID]*JnodeTypeOps
	diskMap map[ID]ID // on-disk id -> in-memory table index, translated at mount
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes:   make(map[ID]NodeLayout),
		jtypes:  make(map[ID]*JnodeTypeOps),
		diskMap: make(map[ID]ID),
	}
}

// RegisterNodeLayout installs a node-layout plugin under id.
func (r *Registry) RegisterNodeLayout(id ID, nl NodeLayout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[id] = nl
}

// NodeLayoutByID resolves a previously registered node-layout plugin.
func (r *Registry) NodeLayoutByID(id ID) (NodeLayout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nl, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("plugin: no node layout registered for %s", id)
	}
	return nl, nil
}

// RegisterJnodeType installs a jnode-type vtable under id.
func (r *Registry) RegisterJnodeType(id ID, ops *JnodeTypeOps) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jtypes[id] = ops
}

// JnodeTypeByID resolves a jnode-type vtable.
func (r *Registry) JnodeTypeByID(id ID) (*JnodeTypeOps, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops, ok := r.jtypes[id]
	if !ok {
		return nil, fmt.Errorf("plugin: no jnode type ops registered for %s", id)
	}
	return ops, nil
}

// BindDiskID records the mount-time translation from an on-disk plugin id
// to the in-memory table index actually used ("Disk IDs are
// translated on mount via a per-filesystem dictionary").
func (r *Registry) BindDiskID(disk, inmemory ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diskMap[disk] = inmemory
}

// ResolveDiskID translates an on-disk plugin id to its in-memory index.
func (r *Registry) ResolveDiskID(disk ID) (ID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.diskMap[disk]
	if !ok {
		return ID{}, fmt.Errorf("plugin: unbound on-disk plugin id %s", disk)
	}
	return id, nil
}
