// Package walog implements the wandering log / space allocator surface:
// the plugin contract the transaction manager's commit pipeline
// consumes, plus a reference bitmap-backed allocator playing the role a
// concrete space-allocator plugin (out of the Core's scope) would play
// behind that contract.
package walog

import (
	"fmt"
	"sync"

	"github.com/deploymenttheory/reiser4core/internal/rerr"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
)

// BlockStage is the four-stage block accounting "Grab/allocate
// two-phase semantics" defines.
type BlockStage int

const (
	NotCounted BlockStage = iota
	Grabbed
	Unallocated
	Allocated
)

// AllocHint carries the allocation preferences lists.
type AllocHint struct {
	Preferred rkey.BlockNr
	MaxDist   uint64
	Level     int
	Stage     BlockStage
	Backward  bool
}

// GrabFlags modifies grab_space's ENOSPC behavior.
type GrabFlags int

const (
	// BACanCommit: the grab may use the allocator's commit margin. On
	// NO_SPACE the caller, not grab_space, decides whether to retry.
	BACanCommit GrabFlags = 1 << iota
)

// Allocator is the plugin contract the Core needs from a space allocator.
// Its method set uses only rkey types so a concrete implementation here
// needs no import of internal/txnmgr, keeping the dependency
// one-directional (txnmgr imports walog, not the reverse).
type Allocator interface {
	// GrabSpace reserves n blocks against the free-blocks counter
	// (NOT_COUNTED -> GRABBED). If the reservation cannot be satisfied and
	// flags has BACanCommit, the caller is expected to force a commit and
	// retry; GrabSpace itself never triggers a commit.
	GrabSpace(n uint64, flags GrabFlags) error
	// ReleaseGrabbed gives back a reservation that went unused.
	ReleaseGrabbed(n uint64)
	// AllocBlocks moves grabbed blocks to unallocated, returning a
	// contiguous (or best-effort) run near hint.Preferred.
	AllocBlocks(hint AllocHint, needed uint64) (start rkey.BlockNr, length uint64, err error)
	// DeallocBlocks releases [start, start+length). With defer_ set,
	// BitmapAllocator releases nothing here; a deferred free reaches its
	// bitmaps only through the delete set passed to PreCommitHook.
	DeallocBlocks(start rkey.BlockNr, length uint64, defer_ bool, stage BlockStage) error
	// PreCommitHook marks newly allocated dirty nodes as ALLOCATED in the
	// commit bitmap and applies the delete set.
	PreCommitHook(allocatedBlocks []rkey.BlockNr, deleteSet []rkey.BlockNr) error
	// PostCommitHook overwrites original locations; here it finalizes the
	// commit bitmap as the working bitmap.
	PostCommitHook() error
	// PostWriteBackHook releases wandered blocks.
	PostWriteBackHook(wandered []rkey.BlockNr) error
	// CheckBlocks is a debug assertion: verifies [start, start+length) all
	// have the expected allocation state.
	CheckBlocks(start rkey.BlockNr, length uint64, shouldBeAllocated bool) error
	// FreeBlocks reports the committed-free-blocks counter.
	FreeBlocks() uint64
}

// BitmapAllocator is a reference Allocator backed by a plain bit array, the
// role plugin/space/bitmap.c plays in original_source: two bitmaps, a
// *working* one mutated in place and a *commit* one only touched during
// PreCommitHook.
type BitmapAllocator struct {
	mu sync.Mutex

	total        uint64
	working      []bool
	commit       []bool
	grabbed      uint64
	free         uint64 // committed-free-blocks counter
	commitMargin uint64 // withheld from ordinary grabs; a BA_CAN_COMMIT grab may use it
}

// NewBitmapAllocator builds an allocator over `total` blocks, all free. A
// small commit margin (roughly 1.5% of total) is held back from ordinary
// grabs so that a commit already underway can still shadow-write its
// wandered blocks even when ordinary capture has exhausted the rest.
func NewBitmapAllocator(total uint64) *BitmapAllocator {
	return &BitmapAllocator{
		total:        total,
		working:      make([]bool, total),
		commit:       make([]bool, total),
		free:         total,
		commitMargin: total / 64,
	}
}

// GrabSpace reserves n blocks against the free-blocks counter. Ordinary
// grabs (flags without BACanCommit) are held back by the commit margin;
// a BA_CAN_COMMIT grab, issued only from the commit pipeline itself, is
// allowed to dip into it.
func (a *BitmapAllocator) GrabSpace(n uint64, flags GrabFlags) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	margin := uint64(0)
	if flags&BACanCommit == 0 {
		margin = a.commitMargin
	}
	if a.grabbed+n+margin > a.free {
		return rerr.New(rerr.NoSpace, fmt.Sprintf("grab_space: want %d, have %d free (grabbed=%d, margin=%d)", n, a.free, a.grabbed, margin))
	}
	a.grabbed += n
	return nil
}

func (a *BitmapAllocator) ReleaseGrabbed(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.grabbed {
		n = a.grabbed
	}
	a.grabbed -= n
}

func (a *BitmapAllocator) AllocBlocks(hint AllocHint, needed uint64) (rkey.BlockNr, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if needed > a.grabbed {
		return 0, 0, rerr.New(rerr.NoSpace, "alloc_blocks: exceeds grabbed reservation")
	}

	start, run := a.findRun(hint, needed)
	if run == 0 {
		return 0, 0, rerr.New(rerr.NoSpace, "alloc_blocks: no free run available")
	}
	for i := start; i < start+run; i++ {
		a.working[i] = true
	}
	a.grabbed -= run
	return rkey.NewReal(start), run, nil
}

// findRun scans for up to `needed` contiguous free working-bitmap bits
// starting near hint.Preferred, falling back to any run found. Caller
// holds a.mu.
func (a *BitmapAllocator) findRun(hint AllocHint, needed uint64) (uint64, uint64) {
	startAt := uint64(0)
	if hint.Preferred.IsReal() {
		startAt = hint.Preferred.Real()
	}
	best := uint64(0)
	bestLen := uint64(0)
	scan := func(from uint64) {
		runStart := uint64(0)
		runLen := uint64(0)
		for i := from; i < a.total; i++ {
			if !a.working[i] {
				if runLen == 0 {
					runStart = i
				}
				runLen++
				if runLen >= needed {
					if bestLen < runLen {
						best, bestLen = runStart, runLen
					}
					return
				}
			} else {
				runLen = 0
			}
		}
		if runLen > bestLen {
			best, bestLen = runStart, runLen
		}
	}
	scan(startAt)
	if bestLen < needed {
		scan(0)
	}
	if bestLen > needed {
		bestLen = needed
	}
	return best, bestLen
}

func (a *BitmapAllocator) DeallocBlocks(start rkey.BlockNr, length uint64, defer_ bool, stage BlockStage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if defer_ {
		// Deferred deallocation is applied at PostCommitHook via the
		// delete set passed to PreCommitHook instead; nothing to do now.
		return nil
	}
	s := start.Real()
	for i := s; i < s+length && i < a.total; i++ {
		a.working[i] = false
	}
	a.free += length
	return nil
}

// PreCommitHook implements step 1: mark newly-allocated dirty
// nodes in the commit bitmap, apply the delete set (unmarking bits), and
// update the committed-free-blocks counter.
func (a *BitmapAllocator) PreCommitHook(allocatedBlocks []rkey.BlockNr, deleteSet []rkey.BlockNr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range allocatedBlocks {
		if !b.IsReal() {
			continue
		}
		i := b.Real()
		if i >= a.total {
			return rerr.New(rerr.Corrupt, "pre_commit_hook: allocated block out of range")
		}
		if !a.commit[i] {
			a.commit[i] = true
			a.free--
		}
	}
	for _, b := range deleteSet {
		if !b.IsReal() {
			continue
		}
		i := b.Real()
		if i < a.total && a.commit[i] {
			a.commit[i] = false
			a.free++
		}
	}
	return nil
}

// PostCommitHook finalizes the commit bitmap as authoritative: a real
// implementation writes it to disk; this in-memory model simply folds it
// into working so ENOSPC accounting continues to reflect reality.
func (a *BitmapAllocator) PostCommitHook() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(a.working, a.commit)
	return nil
}

// PostWriteBackHook releases the wandered blocks once their data is back at
// the original locations: their bits are cleared in both bitmaps and
// returned to the committed-free-blocks counter.
func (a *BitmapAllocator) PostWriteBackHook(wandered []rkey.BlockNr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range wandered {
		if !b.IsReal() || b.Real() >= a.total {
			continue
		}
		i := b.Real()
		a.working[i] = false
		if a.commit[i] {
			a.commit[i] = false
			a.free++
		}
	}
	return nil
}

func (a *BitmapAllocator) CheckBlocks(start rkey.BlockNr, length uint64, shouldBeAllocated bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := start.Real()
	for i := s; i < s+length && i < a.total; i++ {
		if a.working[i] != shouldBeAllocated {
			return rerr.New(rerr.Corrupt, fmt.Sprintf("check_blocks: block %d allocation state mismatch", i))
		}
	}
	return nil
}

func (a *BitmapAllocator) FreeBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free
}

// Grabbed reports outstanding reserved-but-unallocated blocks, for tests.
func (a *BitmapAllocator) Grabbed() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grabbed
}
