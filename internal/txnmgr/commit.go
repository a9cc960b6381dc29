package txnmgr

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/deploymenttheory/reiser4core/internal/blockdev"
	"github.com/deploymenttheory/reiser4core/internal/rerr"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
	"github.com/deploymenttheory/reiser4core/internal/rlog"
	"github.com/deploymenttheory/reiser4core/internal/walog"
)

// Manager owns the commit_semaphore that serializes the disk-visible part
// of every atom's commit: only one atom may be mid wandering-log write at
// a time.
type Manager struct {
	commitSem *semaphore.Weighted
	alloc     walog.Allocator
	dev       blockdev.Device
	log       *rlog.Logger
}

// NewManager wires an allocator and block device into the commit pipeline.
func NewManager(alloc walog.Allocator, dev blockdev.Device, log *rlog.Logger) *Manager {
	if log == nil {
		log = rlog.Nop()
	}
	return &Manager{
		commitSem: semaphore.NewWeighted(1),
		alloc:     alloc,
		dev:       dev,
		log:       log,
	}
}

// Commit runs the wandering-log commit pipeline for atom a end to end:
//
//  0. CAPTURE_WAIT: refuse any further capture into a and block until
//     every handle but the one driving this commit has detached and no
//     fusion is still blocked waiting on a.
//  1. PRE_COMMIT: allocate wandered locations for every dirty block, write
//     the shadow copies, mark them ALLOCATED via the allocator's
//     pre-commit hook (along with the delete set).
//  2. fsync the device. No commit record of the (original, wandered)
//     pairs is written: the wander map exists only in memory
//     (Atom.wandered), so nothing on disk can replay it after a crash.
//  3. POST_COMMIT: overwrite every block's true original location with its
//     captured data, then release the wandered blocks.
//  4. DONE: the atom is retired; callers still holding a reference see
//     Stage() == Done and should drop it.
//
// Only one Commit runs at a time across the Manager (commit_semaphore):
// wandering-log writes are a strictly serialized disk resource.
func (m *Manager) Commit(ctx context.Context, a *Atom) error {
	a = a.resolve()
	if err := m.commitSem.Acquire(ctx, 1); err != nil {
		return rerr.Wrap(rerr.IO, err, "commit: acquiring commit semaphore")
	}
	defer m.commitSem.Release(1)

	if err := a.enterCaptureWait(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.stage = PreCommit
	a.notifyLocked()
	a.mu.Unlock()
	dirty := a.AllDirty()
	deleteSet := a.DeleteSet()

	if err := m.grabWandered(uint64(len(dirty))); err != nil {
		return err
	}

	var allocated []rkey.BlockNr
	for _, j := range dirty {
		original := j.BlockNr()
		start, _, err := m.alloc.AllocBlocks(walog.AllocHint{Preferred: original}, 1)
		if err != nil {
			return rerr.Wrap(rerr.NoSpace, err, "commit: allocating wandered block")
		}
		data := j.RawData()
		if data != nil {
			if err := m.dev.WriteBlock(start, data); err != nil {
				return rerr.Wrap(rerr.IO, err, "commit: writing wandered copy")
			}
		}
		a.recordWandered(original, start)
		allocated = append(allocated, start)
	}

	if err := m.alloc.PreCommitHook(allocated, deleteSet); err != nil {
		return rerr.Wrap(rerr.IO, err, "commit: pre_commit_hook")
	}

	if err := m.dev.Sync(); err != nil {
		return rerr.Wrap(rerr.IO, err, "commit: fsync wandered copies")
	}

	a.mu.Lock()
	a.stage = PostCommit
	a.notifyLocked()
	a.mu.Unlock()

	if err := m.alloc.PostCommitHook(); err != nil {
		return rerr.Wrap(rerr.IO, err, "commit: post_commit_hook")
	}

	var wanderedBlocks []rkey.BlockNr
	for _, j := range dirty {
		original := j.BlockNr()
		data := j.RawData()
		if data != nil {
			if err := m.dev.WriteBlock(original, data); err != nil {
				return rerr.Wrap(rerr.IO, err, "commit: overwriting original location")
			}
		}
		if w, ok := a.WanderedFor(original); ok {
			wanderedBlocks = append(wanderedBlocks, w)
		}
	}
	if err := m.dev.Sync(); err != nil {
		return rerr.Wrap(rerr.IO, err, "commit: fsync post-write-back")
	}
	if err := m.alloc.PostWriteBackHook(wanderedBlocks); err != nil {
		return rerr.Wrap(rerr.IO, err, "commit: post_write_back_hook")
	}

	a.mu.Lock()
	a.stage = Done
	a.notifyLocked()
	a.mu.Unlock()
	return nil
}

// grabWandered reserves space for n wandered-block shadow copies, forcing
// one reclaim-and-retry attempt before giving up. BA_CAN_COMMIT tells
// grab_space it may dip into the allocator's commit margin (space held
// back from ordinary grabs precisely so a commit already underway can
// still shadow-write); on NO_SPACE even with that margin, this folds the
// allocator's commit bitmap into the working one early, reclaiming
// whatever the most recent PreCommitHook's delete-set application already
// freed but hadn't yet been reconciled, and retries exactly once.
func (m *Manager) grabWandered(n uint64) error {
	err := m.alloc.GrabSpace(n, walog.BACanCommit)
	if err == nil {
		return nil
	}
	if !rerr.Is(err, rerr.NoSpace) {
		return err
	}
	if reclaimErr := m.alloc.PostCommitHook(); reclaimErr != nil {
		return rerr.Wrap(rerr.NoSpace, err, "commit: grabbing space for wandered blocks (reclaim attempt failed)")
	}
	if err2 := m.alloc.GrabSpace(n, walog.BACanCommit); err2 != nil {
		return rerr.Wrap(rerr.NoSpace, err2, "commit: grabbing space for wandered blocks (after forced reclaim retry)")
	}
	return nil
}

// ShouldCommit reports whether a's open CAPTURE_FUSE period should end:
// either ForceCommit is already set (a handle asked for it directly, or
// captureJnode tripped atom_max_size/atom_max_age on its own), or the
// caller-supplied maxAge predicate says so. Callers that decide whether
// to invoke Manager.Commit at all (rather than keep capturing into this
// atom) consult this first.
func ShouldCommit(a *Atom, maxAge func() bool) bool {
	a = a.resolve()
	if a.Flags()&ForceCommit != 0 {
		return true
	}
	return maxAge != nil && maxAge()
}
