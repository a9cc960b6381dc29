// Package znode implements the formatted-node layer: a
// jnode specialized for tree topology (parent coord, sibling links,
// level, delimiting keys) plus the long-term lock state.
package znode

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/deploymenttheory/reiser4core/internal/jnode"
	"github.com/deploymenttheory/reiser4core/internal/lock"
	"github.com/deploymenttheory/reiser4core/internal/plugin"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
	"github.com/deploymenttheory/reiser4core/internal/rlog"
)

// Between is the "between_tag" half of a coord: where a unit's position
// sits relative to the item boundary (GLOSSARY "coord").
type Between int

const (
	AtUnit Between = iota
	BeforeUnit
	AfterUnit
	EmptyNode
)

// Coord identifies a position in the tree: (node, item_pos, unit_pos,
// between_tag).
type Coord struct {
	Node     *Znode
	ItemPos  int
	UnitPos  int
	Between  Between
}

// Znode specializes a jnode for tree topology.
type Znode struct {
	*jnode.Jnode

	Level int // 1 = leaf, H = root; level 0 is the virtual super-root

	LockState *lock.State

	mu        sync.Mutex
	inParent  *Coord
	left      *Znode
	right     *Znode
	ldKey     rkey.Key
	rdKey     rkey.Key
	cCount    atomic.Int32
	nplug     plugin.NodeLayout
	version   uint64

	log *rlog.Logger
}

// ID implements jnode.AtomHandle's sibling contract is not needed here;
// Znode is a lock/tree target, not an atom.

func newZnode(base *jnode.Jnode, level int, log *rlog.Logger) *Znode {
	if log == nil {
		log = rlog.Nop()
	}
	z := &Znode{
		Jnode:     base,
		Level:     level,
		LockState: lock.NewState(log),
		ldKey:     rkey.Min(),
		rdKey:     rkey.Max(),
		log:       log,
	}
	base.Ext = z
	return z
}

// FromJnode recovers the owning *Znode from a bare *jnode.Jnode of type
// Formatted. Cyclic graphs are modeled as an index plus flag, not a raw
// owning pointer; Ext is that index.
func FromJnode(j *jnode.Jnode) (*Znode, bool) {
	if j == nil || j.Type() != jnode.TypeFormatted {
		return nil, false
	}
	z, ok := j.Ext.(*Znode)
	return z, ok
}

// Zget obtains a referenced znode handle for block, allocating and
// zero-initializing on miss under the cache's write lock, exactly as
// describes for the generic zget/alloc_* family.
func Zget(cache *jnode.Cache, block rkey.BlockNr, parent *Coord, level int, ops *plugin.JnodeTypeOps, log *rlog.Logger) (*Znode, bool) {
	key := jnode.FormattedKey(block)
	j, created := cache.LookupOrInsert(key, func() *jnode.Jnode {
		return jnode.NewFormatted(key, ops)
	})
	if created {
		z := newZnode(j, level, log)
		z.inParent = parent
		return z, true
	}
	z, ok := FromJnode(j)
	if !ok {
		panic("znode: cache returned a jnode that is not Formatted under a formatted key")
	}
	return z, false
}

// InParent returns the coord in the parent naming the downlink to this
// znode, or nil if orphaned/fake.
func (z *Znode) InParent() *Coord {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.inParent
}

// SetInParent is called by item-plugin hooks when a downlink item is
// created, killed, or shifted.
func (z *Znode) SetInParent(c *Coord) {
	z.mu.Lock()
	z.inParent = c
	z.mu.Unlock()
}

// CCount returns the number of live children.
func (z *Znode) CCount() int32 { return z.cCount.Load() }

// IncCCount/DecCCount are called when a child znode is created/destroyed
// under this parent (invariant I1/I3: c_count>0 while a non-fake
// parent has referenced children).
func (z *Znode) IncCCount() { z.cCount.Add(1) }
func (z *Znode) DecCCount() {
	if z.cCount.Add(-1) < 0 {
		panic("znode: c_count went negative")
	}
}

// Left/Right return the sibling pointers and whether they are connected.
func (z *Znode) Left() (*Znode, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.left, z.HasState(jnode.LeftConnected)
}

func (z *Znode) Right() (*Znode, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.right, z.HasState(jnode.RightConnected)
}

// Connect links z and right as adjacent siblings and makes their
// delimiting keys meet, per : "rd_key(left) == ld_key(right)
// at all times while both are connected".
func Connect(left, right *Znode) error {
	left.mu.Lock()
	right.mu.Lock()
	defer right.mu.Unlock()
	defer left.mu.Unlock()

	if rkey.Compare(left.rdKey, right.ldKey) != 0 {
		// Reconcile by taking the tighter of the two bounds, mirroring
		// delimiting-key propagation on first connection.
		if rkey.Less(left.rdKey, right.ldKey) {
			right.ldKey = left.rdKey
		} else {
			left.rdKey = right.ldKey
		}
	}
	left.right = right
	right.left = left
	left.SetState(jnode.RightConnected)
	right.SetState(jnode.LeftConnected)
	return nil
}

// DKeys returns the left/right delimiting keys.
func (z *Znode) DKeys() (ld, rd rkey.Key) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.ldKey, z.rdKey
}

// SetDKeys sets the delimiting keys, normally done once from the parent
// coord on first access under the tree's dk-lock.
func (z *Znode) SetDKeys(ld, rd rkey.Key) error {
	if rkey.Less(rd, ld) {
		return fmt.Errorf("znode: invalid delimiting keys: rd_key < ld_key")
	}
	z.mu.Lock()
	z.ldKey = ld
	z.rdKey = rd
	z.mu.Unlock()
	return nil
}

// NPlug returns the node-layout plugin resolved for this znode (parsed
// lazily on first access in the real system; here it is set once parsing
// succeeds).
func (z *Znode) NPlug() plugin.NodeLayout {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.nplug
}

func (z *Znode) SetNPlug(nl plugin.NodeLayout) {
	z.mu.Lock()
	z.nplug = nl
	z.mu.Unlock()
}

// Version is the monotone per-tree epoch stamped at creation, used by
// seals to detect that a coord has gone stale.
func (z *Znode) Version() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.version
}

func (z *Znode) SetVersion(v uint64) {
	z.mu.Lock()
	z.version = v
	z.mu.Unlock()
}

// IsRoot reports whether this znode's parent coord is the fake super-root.
func (z *Znode) IsRoot() bool {
	return z.InParent() == nil
}

// CheckInvariants checks that an ORPHAN znode has no parent coord, and I2
// (rd_key equals the right sibling's ld_key) for a connected sibling pair.
func (z *Znode) CheckInvariants() error {
	if z.HasState(jnode.Orphan) && z.InParent() != nil {
		return fmt.Errorf("znode %v: I8 violated: ORPHAN but has a parent coord", z.BlockNr())
	}
	if right, connected := z.Right(); connected {
		_, rconn := right.Left()
		if rconn {
			_, rd := z.DKeys()
			ld, _ := right.DKeys()
			if !rkey.Equal(rd, ld) {
				return fmt.Errorf("znode %v: I2 violated: rd_key != sibling's ld_key", z.BlockNr())
			}
		}
	}
	return nil
}
