package txnmgr

import (
	"context"

	"github.com/deploymenttheory/reiser4core/internal/jnode"
	"github.com/deploymenttheory/reiser4core/internal/lock"
	"github.com/deploymenttheory/reiser4core/internal/rerr"
)

// TryCapture implements "try_capture": binds j to h's atom,
// creating one if neither side has one yet, joining h onto j's atom if j
// already belongs to one, or fusing the two atoms if both h and j already
// have distinct ones. level is only meaningful for list ==
// jnode.CaptureListDirty, naming the tree level the per-level dirty list
// tracks. flags carries the request bits; flags&lock.ReqDontFuse refuses a
// merge that would otherwise happen. An atom that has reached CAPTURE_WAIT
// refuses every new capture and join, since it is already committing.
func TryCapture(ctx context.Context, h *Txnh, j *jnode.Jnode, list jnode.CaptureList, level int, flags lock.Request) error {
	jAtom, _ := j.Atom().(*Atom)
	if jAtom != nil {
		jAtom = jAtom.resolve()
	}
	hAtom := h.Atom()

	switch {
	case jAtom == nil && hAtom == nil:
		a := NewAtom(nil)
		if !j.CASAtom(nil, a, list) {
			return rerr.New(rerr.Restart, "try_capture: lost race creating atom")
		}
		h.setAtom(a)
		a.txnhCount.Add(1)
		a.mu.Lock()
		a.handles = append(a.handles, h)
		a.mu.Unlock()
		a.captureJnode(j, list, level)
		return nil

	case jAtom == nil && hAtom != nil:
		if hAtom.Stage() >= CaptureWait {
			return rerr.New(rerr.Restart, "try_capture: atom no longer accepts new captures")
		}
		if !j.CASAtom(nil, hAtom, list) {
			return rerr.New(rerr.Restart, "try_capture: lost race assigning atom")
		}
		hAtom.captureJnode(j, list, level)
		return nil

	case jAtom != nil && hAtom == nil:
		if jAtom.Stage() >= CaptureWait {
			return rerr.New(rerr.Restart, "try_capture: atom no longer accepts new captures")
		}
		h.setAtom(jAtom)
		jAtom.txnhCount.Add(1)
		jAtom.mu.Lock()
		jAtom.handles = append(jAtom.handles, h)
		jAtom.mu.Unlock()
		return nil

	default:
		if jAtom == hAtom {
			return nil
		}
		if jAtom.Stage() >= CaptureWait || hAtom.Stage() >= CaptureWait {
			return rerr.New(rerr.Restart, "try_capture: atom no longer accepts fusion")
		}
		// READ_NONCOM: a read-fusing handle capturing a block that is not
		// already dirty elsewhere does not force its atom to grow.
		if h.Mode() == ReadFusing && list != jnode.CaptureListDirty && !j.HasState(jnode.Dirty) {
			return nil
		}
		if flags&lock.ReqDontFuse != 0 {
			return rerr.New(rerr.Restart, "try_capture: dont_fuse set, refusing to merge atoms")
		}
		merged, err := fuse(ctx, hAtom, jAtom)
		if err != nil {
			return err
		}
		h.setAtom(merged)
		return nil
	}
}

// fuse merges the smaller (by capture count) of a and b into the larger,
// splicing every list, re-owning every jnode still pointing at the smaller
// atom, and redirecting every handle. Atoms are locked in ascending id
// order regardless of which turns out bigger, so two concurrent fusions of
// the same pair can never deadlock against each other.
//
// If either atom has already progressed past CAPTURE_WAIT (it is mid
// commit), fusion cannot proceed: merging into a committing atom would
// corrupt its in-flight dirty/wandered lists. The caller's handles instead
// join that atom's fwaitfor list and block until it reaches DONE; fuse then
// returns a Restart error so the caller retries the whole capture from
// scratch (the losing atom may have been replaced by a fresh one by then).
func fuse(ctx context.Context, a, b *Atom) (*Atom, error) {
	for {
		a = a.resolve()
		b = b.resolve()
		if a == b {
			return a, nil
		}

		first, second := a, b
		if first.id > second.id {
			first, second = second, first
		}
		first.mu.Lock()
		second.mu.Lock()

		var blocking *Atom
		switch {
		case first.stage > CaptureWait:
			blocking = first
		case second.stage > CaptureWait:
			blocking = second
		}
		if blocking != nil && blocking.stage == Done {
			second.mu.Unlock()
			first.mu.Unlock()
			return nil, rerr.New(rerr.Restart, "try_capture: atom committed while waiting to fuse; retry capture")
		}
		if blocking != nil {
			blocking.fuseWaiters.Add(1)
			ch := blocking.wakeCh
			second.mu.Unlock()
			first.mu.Unlock()

			select {
			case <-ch:
			case <-ctx.Done():
				blocking.fuseWaiters.Add(-1)
				return nil, rerr.Wrap(rerr.IO, ctx.Err(), "try_capture: waiting for committing atom to finish fusion")
			}
			blocking.fuseWaiters.Add(-1)
			continue
		}

		big, small := first, second
		if second.captureCount.Load() > first.captureCount.Load() {
			big, small = second, first
		}

		for lvl, list := range small.dirty {
			big.dirty[lvl] = append(big.dirty[lvl], list...)
			for _, j := range list {
				j.CASAtom(small, big, jnode.CaptureListDirty)
			}
		}
		reown := func(list []*jnode.Jnode, kind jnode.CaptureList) []*jnode.Jnode {
			for _, j := range list {
				j.CASAtom(small, big, kind)
			}
			return list
		}
		big.clean = append(big.clean, reown(small.clean, jnode.CaptureListClean)...)
		big.overwrite = append(big.overwrite, reown(small.overwrite, jnode.CaptureListOverwrite)...)
		big.writeback = append(big.writeback, reown(small.writeback, jnode.CaptureListWriteback)...)

		big.deleteSet = append(big.deleteSet, small.deleteSet...)
		for k, v := range small.wandered {
			big.wandered[k] = v
		}
		big.flushReserved += small.flushReserved
		big.nrObjectsCreated.Add(small.nrObjectsCreated.Load())
		big.nrObjectsDeleted.Add(small.nrObjectsDeleted.Load())
		big.flags |= small.flags
		big.captureCount.Add(small.captureCount.Load())
		big.txnhCount.Add(small.txnhCount.Load())

		for _, h := range small.handles {
			h.setAtom(big)
		}
		big.handles = append(big.handles, small.handles...)

		small.stage = Fused
		small.fusedInto = big
		big.notifyLocked()
		small.notifyLocked()

		second.mu.Unlock()
		first.mu.Unlock()
		return big, nil
	}
}
