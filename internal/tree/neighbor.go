package tree

import (
	"context"

	"github.com/deploymenttheory/reiser4core/internal/lock"
	"github.com/deploymenttheory/reiser4core/internal/rerr"
	"github.com/deploymenttheory/reiser4core/internal/znode"
)

// getLeftNeighbor implements : follow an already-connected
// sibling pointer if one exists; otherwise climb to the nearest common
// ancestor via in_parent coords, re-descend on the left side, and connect
// the pair so future calls hit the fast path. Uses LOPRI, matching the
// left-going half of the priority protocol.
func (t *Tree) getLeftNeighbor(ctx context.Context, stack *lock.Stack, z *znode.Znode) (*znode.Znode, error) {
	if left, connected := z.Left(); connected {
		if err := lock.Acquire(ctx, left.LockState, stack, lock.Read, 0); err != nil {
			return nil, err
		}
		return left, nil
	}

	pc := z.InParent()
	if pc == nil {
		return nil, rerr.New(rerr.NotFound, "get_left_neighbor: no left sibling of the root")
	}

	if err := lock.Acquire(ctx, pc.Node.LockState, stack, lock.Read, 0); err != nil {
		return nil, err
	}
	parentNPlug, err := t.loadNode(pc.Node)
	if err != nil {
		lock.Release(pc.Node.LockState, stack)
		return nil, err
	}

	itemPos := pc.ItemPos
	if itemPos == 0 {
		// z is the leftmost child of its parent: the left sibling, if any,
		// hangs off the parent's own left neighbor.
		leftParent, err := t.getLeftNeighbor(ctx, stack, pc.Node)
		lock.Release(pc.Node.LockState, stack)
		if err != nil {
			return nil, err
		}
		lpNPlug, err := t.loadNode(leftParent)
		if err != nil {
			lock.Release(leftParent.LockState, stack)
			return nil, err
		}
		if lpNPlug.ItemCount() == 0 {
			lock.Release(leftParent.LockState, stack)
			return nil, rerr.New(rerr.NotFound, "get_left_neighbor: left ancestor has no children")
		}
		pc = &znode.Coord{Node: leftParent, ItemPos: lpNPlug.ItemCount() - 1}
		parentNPlug = lpNPlug
		defer lock.Release(leftParent.LockState, stack)
	} else {
		pc = &znode.Coord{Node: pc.Node, ItemPos: itemPos - 1}
		defer lock.Release(pc.Node.LockState, stack)
	}

	childBlock, err := parentNPlug.ChildAt(pc.ItemPos)
	if err != nil {
		return nil, err
	}
	left, _ := znode.Zget(t.cache, childBlock, pc, z.Level, t.ops, t.log)
	if err := lock.Acquire(ctx, left.LockState, stack, lock.Read, 0); err != nil {
		return nil, err
	}
	if err := znode.Connect(left, z); err != nil {
		lock.Release(left.LockState, stack)
		return nil, err
	}
	return left, nil
}

// getRightNeighbor is the mirror of getLeftNeighbor, using HIPRI for the
// right-going lock since right-traversal runs against the grain of the
// lookup path's natural left-to-right descent.
func (t *Tree) getRightNeighbor(ctx context.Context, stack *lock.Stack, z *znode.Znode) (*znode.Znode, error) {
	if right, connected := z.Right(); connected {
		if err := lock.Acquire(ctx, right.LockState, stack, lock.Read, lock.ReqHiPri); err != nil {
			return nil, err
		}
		return right, nil
	}

	pc := z.InParent()
	if pc == nil {
		return nil, rerr.New(rerr.NotFound, "get_right_neighbor: no right sibling of the root")
	}

	if err := lock.Acquire(ctx, pc.Node.LockState, stack, lock.Read, lock.ReqHiPri); err != nil {
		return nil, err
	}
	parentNPlug, err := t.loadNode(pc.Node)
	if err != nil {
		lock.Release(pc.Node.LockState, stack)
		return nil, err
	}

	if pc.ItemPos >= parentNPlug.ItemCount()-1 {
		rightParent, err := t.getRightNeighbor(ctx, stack, pc.Node)
		lock.Release(pc.Node.LockState, stack)
		if err != nil {
			return nil, err
		}
		rpNPlug, err := t.loadNode(rightParent)
		if err != nil {
			lock.Release(rightParent.LockState, stack)
			return nil, err
		}
		if rpNPlug.ItemCount() == 0 {
			lock.Release(rightParent.LockState, stack)
			return nil, rerr.New(rerr.NotFound, "get_right_neighbor: right ancestor has no children")
		}
		pc = &znode.Coord{Node: rightParent, ItemPos: 0}
		parentNPlug = rpNPlug
		defer lock.Release(rightParent.LockState, stack)
	} else {
		pc = &znode.Coord{Node: pc.Node, ItemPos: pc.ItemPos + 1}
		defer lock.Release(pc.Node.LockState, stack)
	}

	childBlock, err := parentNPlug.ChildAt(pc.ItemPos)
	if err != nil {
		return nil, err
	}
	right, _ := znode.Zget(t.cache, childBlock, pc, z.Level, t.ops, t.log)
	if err := lock.Acquire(ctx, right.LockState, stack, lock.Read, lock.ReqHiPri); err != nil {
		return nil, err
	}
	if err := znode.Connect(z, right); err != nil {
		lock.Release(right.LockState, stack)
		return nil, err
	}
	return right, nil
}
