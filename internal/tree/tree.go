// Package tree implements coord_by_key tree traversal and
// sibling/delimiting-key maintenance: the balanced-tree
// search layer sitting on top of jnode/znode identity and the long-term
// lock manager.
package tree

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/deploymenttheory/reiser4core/internal/blockdev"
	"github.com/deploymenttheory/reiser4core/internal/jnode"
	"github.com/deploymenttheory/reiser4core/internal/lock"
	"github.com/deploymenttheory/reiser4core/internal/plugin"
	"github.com/deploymenttheory/reiser4core/internal/rerr"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
	"github.com/deploymenttheory/reiser4core/internal/rlog"
	"github.com/deploymenttheory/reiser4core/internal/txnmgr"
	"github.com/deploymenttheory/reiser4core/internal/znode"
)

// Default restart bounds. The soft/hard restart-count limits are
// implemented in search.c as plain counters compared against two
// tunables; this port exposes them as Tree fields rather than global
// sysctls.
const (
	DefaultSoftRestartLimit = 30
	DefaultHardRestartLimit = 100
)

// maxLeftScanHops bounds the non-unique-key left scan so a pathological
// run of duplicate keys cannot spin the traversal forever; the original
// has no explicit bound here because VFS-level object semantics make
// arbitrarily long duplicate runs impossible, a guarantee this Core-only
// port cannot rely on.
const maxLeftScanHops = 4096

// Tree is the balanced-tree search surface: jnode cache, plugin registry,
// block device, and the cbk cache bundled together.
type Tree struct {
	cache    *jnode.Cache
	registry *plugin.Registry
	dev      blockdev.Device
	ops      *plugin.JnodeTypeOps

	root      rkey.BlockNr
	rootLevel int

	cbkCache *lru.Cache[rkey.Key, *znode.Znode]

	SoftRestartLimit int
	HardRestartLimit int

	log *rlog.Logger
}

// New builds a Tree rooted at (root, rootLevel), with a cbk cache of
// cbkSlots entries.
func New(cache *jnode.Cache, registry *plugin.Registry, dev blockdev.Device, ops *plugin.JnodeTypeOps, root rkey.BlockNr, rootLevel, cbkSlots int, log *rlog.Logger) (*Tree, error) {
	if log == nil {
		log = rlog.Nop()
	}
	if cbkSlots <= 0 {
		cbkSlots = 1
	}
	c, err := lru.New[rkey.Key, *znode.Znode](cbkSlots)
	if err != nil {
		return nil, rerr.Wrap(rerr.NoMemory, err, "tree: allocating cbk cache")
	}
	return &Tree{
		cache:            cache,
		registry:         registry,
		dev:              dev,
		ops:              ops,
		root:             root,
		rootLevel:        rootLevel,
		cbkCache:         c,
		SoftRestartLimit: DefaultSoftRestartLimit,
		HardRestartLimit: DefaultHardRestartLimit,
		log:              log,
	}, nil
}

// LookupParams names coord_by_key's inputs.
type LookupParams struct {
	Key       rkey.Key
	LockMode  lock.Mode
	Bias      plugin.Bias
	LockLevel int // above this level, locks are taken READ regardless of LockMode
	StopLevel int // traversal terminates here (LEAF or TWIG)
	Unique    bool
}

// loadNode jloads z and resolves its parsed node-layout plugin, caching the
// resolution on the znode.
func (t *Tree) loadNode(z *znode.Znode) (plugin.NodeLayout, error) {
	if err := z.JLoad(t.dev); err != nil {
		return nil, err
	}
	if np := z.NPlug(); np != nil {
		return np, nil
	}
	np, ok := z.ParsedData().(plugin.NodeLayout)
	if !ok {
		return nil, rerr.New(rerr.Corrupt, "tree: parsed node does not implement the node-layout plugin interface")
	}
	z.SetNPlug(np)
	return np, nil
}

// propagateDKeys derives child's delimiting-key range from the parent
// item that points to it: the item's own key is the left bound, the next
// item's key (or the parent's own right bound, at the parent's last item)
// is the right bound. Re-derives on every
// visit rather than tracking a per-znode "already set" bit, since the
// computation is idempotent within one mount's traversal.
func (t *Tree) propagateDKeys(child *znode.Znode, parentCoord *znode.Coord) {
	nplug := parentCoord.Node.NPlug()
	if nplug == nil {
		return
	}
	ldAny, err := nplug.KeyAt(parentCoord.ItemPos)
	if err != nil {
		return
	}
	ld, ok := ldAny.(rkey.Key)
	if !ok {
		return
	}
	var rd rkey.Key
	if parentCoord.ItemPos+1 < nplug.ItemCount() {
		rdAny, err := nplug.KeyAt(parentCoord.ItemPos + 1)
		if err != nil {
			return
		}
		rd, ok = rdAny.(rkey.Key)
		if !ok {
			return
		}
	} else {
		_, rd = parentCoord.Node.DKeys()
	}
	_ = child.SetDKeys(ld, rd)
}

func betweenFrom(res plugin.LookupResult, empty bool) znode.Between {
	if empty {
		return znode.EmptyNode
	}
	if res == plugin.NSFound {
		return znode.AtUnit
	}
	return znode.BeforeUnit
}

// CoordByKey implements end to end, including the restart loop
// for deadlock-avoidance and dk-range invalidation. h may be nil for a
// read-only lookup that does not need to capture nodes into a transaction.
func (t *Tree) CoordByKey(ctx context.Context, h *txnmgr.Txnh, stack *lock.Stack, p LookupParams) (*znode.Coord, error) {
	restarts := 0
	for {
		coord, err := t.attempt(ctx, h, stack, p)
		if err == nil {
			return coord, nil
		}
		if !rerr.Is(err, rerr.Restart) {
			return nil, err
		}
		restarts++
		if restarts == t.SoftRestartLimit {
			t.log.Warn("coord_by_key: restart soft limit exceeded")
		}
		if restarts > t.HardRestartLimit {
			return nil, rerr.New(rerr.IO, "coord_by_key: exceeded restart hard limit")
		}
	}
}

// attempt runs one pass of the algorithm: a cache probe, then a root-down
// descent if the probe misses. A return of a Restart-kind error means the
// caller should retry from CoordByKey's loop with every lock already
// released.
func (t *Tree) attempt(ctx context.Context, h *txnmgr.Txnh, stack *lock.Stack, p LookupParams) (*znode.Coord, error) {
	if coord, ok := t.cbkProbe(ctx, stack, p); ok {
		t.captureRead(ctx, h, coord.Node, p.StopLevel)
		return coord, nil
	}

	var prev *znode.Znode
	var parentCoord *znode.Coord
	block := t.root
	level := t.rootLevel

	releasePrev := func() {
		if prev != nil {
			lock.Release(prev.LockState, stack)
			prev = nil
		}
	}

	for {
		mode := p.LockMode
		if level > p.LockLevel {
			mode = lock.Read
		}

		z, _ := znode.Zget(t.cache, block, parentCoord, level, t.ops, t.log)
		if err := lock.Acquire(ctx, z.LockState, stack, mode, 0); err != nil {
			releasePrev()
			if rerr.Is(err, rerr.WouldDeadlock) {
				return nil, rerr.Wrap(rerr.Restart, err, "coord_by_key: deadlock avoidance")
			}
			return nil, err
		}
		releasePrev()

		// Propagate delimiting keys from the parent coord into the child,
		// re-deriving them on every visit.
		if parentCoord != nil {
			t.propagateDKeys(z, parentCoord)
		}

		if z.HasState(jnode.HeardBanshee) {
			lock.Release(z.LockState, stack)
			return nil, rerr.New(rerr.Restart, "coord_by_key: node heard banshee")
		}
		ld, rd := z.DKeys()
		if !z.IsRoot() && !rkey.InRange(p.Key, ld, rd) {
			lock.Release(z.LockState, stack)
			return nil, rerr.New(rerr.Restart, "coord_by_key: key left the node's delimiting-key range")
		}

		nplug, err := t.loadNode(z)
		if err != nil {
			lock.Release(z.LockState, stack)
			return nil, err
		}
		t.captureRead(ctx, h, z, level)

		itemPos, unitPos, res, err := nplug.Lookup(p.Key, p.Bias)
		if err != nil {
			lock.Release(z.LockState, stack)
			return nil, err
		}

		if level == p.StopLevel {
			coord := &znode.Coord{Node: z, ItemPos: itemPos, UnitPos: unitPos, Between: betweenFrom(res, nplug.ItemCount() == 0)}
			if !p.Unique && res == plugin.NSFound && itemPos == 0 && unitPos == 0 {
				coord, err = t.leftScan(ctx, stack, coord, p)
				if err != nil {
					lock.Release(z.LockState, stack)
					return nil, err
				}
			}
			t.cbkCache.Add(p.Key, coord.Node)
			return coord, nil
		}

		if res == plugin.NSNotFound && p.Bias == plugin.BiasMaxNotMoreThan && itemPos == 0 {
			// EOTTL: the key precedes every item on
			// this internal node, so there is no downlink to follow.
			// Restarting from the root re-probes the cbk cache and parent
			// dk ranges, which is sufficient to make progress since the
			// previous level's range narrows monotonically on each
			// restart; a full redescent-with-coord-after-last-unit is not
			// modeled.
			lock.Release(z.LockState, stack)
			return nil, rerr.New(rerr.Restart, "coord_by_key: EOTTL at twig level")
		}

		child, err := nplug.ChildAt(itemPos)
		if err != nil {
			lock.Release(z.LockState, stack)
			return nil, err
		}

		parentCoord = &znode.Coord{Node: z, ItemPos: itemPos, UnitPos: unitPos}
		prev = z
		block = child
		level--
	}
}

// VisitFunc receives one visited node during Walk: its tree level, block
// number, leaf/internal flag, and item count.
type VisitFunc func(level int, block rkey.BlockNr, leaf bool, itemCount int)

// Walk performs an unconditional root-to-leaf descent of every child,
// calling visit on each node in pre-order. Unlike CoordByKey it does not
// search for a particular key; it exists for diagnostic tooling (a debug
// CLI's "walk tree" command) that needs to print the whole shape of the
// tree rather than land on one coord. Each node stays read-locked until
// its whole subtree has been visited.
func (t *Tree) Walk(ctx context.Context, stack *lock.Stack, visit VisitFunc) error {
	return t.walkNode(ctx, stack, t.root, nil, t.rootLevel, visit)
}

func (t *Tree) walkNode(ctx context.Context, stack *lock.Stack, block rkey.BlockNr, parentCoord *znode.Coord, level int, visit VisitFunc) error {
	z, _ := znode.Zget(t.cache, block, parentCoord, level, t.ops, t.log)
	if err := lock.Acquire(ctx, z.LockState, stack, lock.Read, 0); err != nil {
		return err
	}
	defer lock.Release(z.LockState, stack)

	if parentCoord != nil {
		t.propagateDKeys(z, parentCoord)
	}

	nplug, err := t.loadNode(z)
	if err != nil {
		return err
	}
	visit(level, block, nplug.IsLeaf(), nplug.ItemCount())
	if nplug.IsLeaf() {
		return nil
	}
	for i := 0; i < nplug.ItemCount(); i++ {
		child, err := nplug.ChildAt(i)
		if err != nil {
			return err
		}
		childCoord := &znode.Coord{Node: z, ItemPos: i}
		if err := t.walkNode(ctx, stack, child, childCoord, level-1, visit); err != nil {
			return err
		}
	}
	return nil
}

// captureRead best-effort-captures a traversed znode into h's atom on the
// clean list: loaded znodes are captured into the caller's transaction
// atom. A nil h (pure read-only probe) or a capture failure is not fatal
// to the traversal itself.
func (t *Tree) captureRead(ctx context.Context, h *txnmgr.Txnh, z *znode.Znode, level int) {
	if h == nil {
		return
	}
	_ = txnmgr.TryCapture(ctx, h, z.Jnode, jnode.CaptureListClean, level, 0)
}

// cbkProbe implements step 1: scan cached slots for one whose
// dk range strictly contains the key and whose level fits [StopLevel,
// LockLevel], try a nonblocking lock, and look up directly.
func (t *Tree) cbkProbe(ctx context.Context, stack *lock.Stack, p LookupParams) (*znode.Coord, bool) {
	for _, k := range t.cbkCache.Keys() {
		z, ok := t.cbkCache.Get(k)
		if !ok {
			continue
		}
		if z.Level < p.StopLevel || z.Level > p.LockLevel {
			continue
		}
		ld, rd := z.DKeys()
		if !rkey.InRange(p.Key, ld, rd) {
			continue
		}
		mode := p.LockMode
		if z.Level > p.LockLevel {
			mode = lock.Read
		}
		if err := lock.Acquire(ctx, z.LockState, stack, mode, lock.ReqNonblock); err != nil {
			continue
		}
		nplug, err := t.loadNode(z)
		if err != nil {
			lock.Release(z.LockState, stack)
			continue
		}
		itemPos, unitPos, res, err := nplug.Lookup(p.Key, p.Bias)
		if err != nil {
			lock.Release(z.LockState, stack)
			continue
		}
		if z.Level != p.StopLevel {
			lock.Release(z.LockState, stack)
			continue
		}
		return &znode.Coord{Node: z, ItemPos: itemPos, UnitPos: unitPos, Between: betweenFrom(res, nplug.ItemCount() == 0)}, true
	}
	return nil, false
}

// leftScan implements step 4: when the found coord is the
// leftmost unit of its node and the caller did not request UNIQUE, walk
// left while the neighbor's rightmost item still equals the search key, so
// the caller sees the first of a run of duplicate keys.
func (t *Tree) leftScan(ctx context.Context, stack *lock.Stack, coord *znode.Coord, p LookupParams) (*znode.Coord, error) {
	cur := coord
	for hops := 0; hops < maxLeftScanHops; hops++ {
		left, err := t.getLeftNeighbor(ctx, stack, cur.Node)
		if err != nil {
			if rerr.Is(err, rerr.NotFound) {
				return cur, nil
			}
			return nil, err
		}
		nplug, err := t.loadNode(left)
		if err != nil {
			lock.Release(left.LockState, stack)
			return nil, err
		}
		if nplug.ItemCount() == 0 {
			lock.Release(left.LockState, stack)
			return cur, nil
		}
		lastPos := nplug.ItemCount() - 1
		lastKey, err := nplug.KeyAt(lastPos)
		if err != nil {
			lock.Release(left.LockState, stack)
			return nil, err
		}
		lk, ok := lastKey.(rkey.Key)
		if !ok || !rkey.Equal(lk, p.Key) {
			lock.Release(left.LockState, stack)
			return cur, nil
		}
		lock.Release(cur.Node.LockState, stack)
		cur = &znode.Coord{Node: left, ItemPos: lastPos, UnitPos: 0, Between: znode.AtUnit}
	}
	return cur, nil
}
