// Package txnmgr implements the transaction manager: atoms,
// transaction handles, capture, fusion, and the wandering-log commit
// pipeline.
package txnmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deploymenttheory/reiser4core/internal/jnode"
	"github.com/deploymenttheory/reiser4core/internal/rerr"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
	"github.com/deploymenttheory/reiser4core/internal/rlog"
)

// Stage is the atom lifecycle state machine.
type Stage int

const (
	Free Stage = iota
	CaptureFuse
	CaptureWait
	PreCommit
	PostCommit
	Done
	Fused // redirected into a bigger atom; see Atom.fusedInto
)

func (s Stage) String() string {
	switch s {
	case Free:
		return "FREE"
	case CaptureFuse:
		return "CAPTURE_FUSE"
	case CaptureWait:
		return "CAPTURE_WAIT"
	case PreCommit:
		return "PRE_COMMIT"
	case PostCommit:
		return "POST_COMMIT"
	case Done:
		return "DONE"
	case Fused:
		return "FUSED"
	default:
		return "UNKNOWN"
	}
}

// Flags are atom-wide bits accumulated from fused handles' requirements.
type Flags int

const (
	// ForceCommit: the atom should commit even if it would otherwise stay
	// open for more capture; captureJnode sets it once atom_max_size or
	// atom_max_age trips, and a handle may set it directly.
	ForceCommit Flags = 1 << iota
)

// Default atom_max_size/atom_max_age commit triggers; a mounted
// filesystem overrides these from its tuning config via SetDefaultLimits.
const (
	DefaultAtomMaxCaptureCount = 256
	DefaultAtomMaxAge          = 30 * time.Second
)

var (
	defaultMaxCaptureCount atomic.Int64
	defaultMaxAgeNanos     atomic.Int64
)

func init() {
	defaultMaxCaptureCount.Store(DefaultAtomMaxCaptureCount)
	defaultMaxAgeNanos.Store(int64(DefaultAtomMaxAge))
}

// SetDefaultLimits configures the atom_max_size/atom_max_age commit
// triggers every newly created atom starts with. A mount calls this once
// at Open time from the superblock's tuning config; a zero value leaves
// the existing default untouched.
func SetDefaultLimits(maxCaptureCount int, maxAge time.Duration) {
	if maxCaptureCount > 0 {
		defaultMaxCaptureCount.Store(int64(maxCaptureCount))
	}
	if maxAge > 0 {
		defaultMaxAgeNanos.Store(int64(maxAge))
	}
}

// Atom is "Atom": the unit of transactional fusion.
type Atom struct {
	mu sync.Mutex

	id    uint64
	stage Stage
	flags Flags

	refcount   atomic.Int32
	txnhCount  atomic.Int32
	captureCount atomic.Int32

	nrObjectsCreated atomic.Int32
	nrObjectsDeleted atomic.Int32
	flushReserved    uint64 // blocks reserved for this atom's own flush I/O

	startTime       time.Time
	maxCaptureCount int
	maxAge          time.Duration

	// wakeCh is closed and replaced (notifyLocked) on every stage change, on
	// each handle detach and on each completed fusion, so a goroutine
	// blocked in enterCaptureWait or fuse can wait on it without polling.
	wakeCh      chan struct{}
	fuseWaiters atomic.Int32

	// Per-level dirty lists; overwrite and
	// writeback lists are not level-indexed since they are populated only
	// during commit.
	dirty     map[int][]*jnode.Jnode
	clean     []*jnode.Jnode
	overwrite []*jnode.Jnode
	writeback []*jnode.Jnode

	deleteSet []rkey.BlockNr
	// wandered maps an original block to the wandered location it was
	// shadow-written to during PRE_COMMIT.
	wandered map[rkey.BlockNr]rkey.BlockNr

	handles []*Txnh

	// fusedInto is set when this atom has been merged into a bigger one;
	// stage becomes Fused and every method re-dispatches to fusedInto.
	fusedInto *Atom

	log *rlog.Logger
}

var atomIDSeq atomic.Uint64

// NewAtom allocates a fresh atom already in stage CAPTURE_FUSE, owning no
// captured jnodes.
func NewAtom(log *rlog.Logger) *Atom {
	if log == nil {
		log = rlog.Nop()
	}
	a := &Atom{
		id:              atomIDSeq.Add(1),
		stage:           CaptureFuse,
		startTime:       time.Now(),
		maxCaptureCount: int(defaultMaxCaptureCount.Load()),
		maxAge:          time.Duration(defaultMaxAgeNanos.Load()),
		dirty:           make(map[int][]*jnode.Jnode),
		wandered:        make(map[rkey.BlockNr]rkey.BlockNr),
		wakeCh:          make(chan struct{}),
		log:             log,
	}
	a.refcount.Store(1)
	return a
}

// notifyLocked closes the current wakeCh generation and replaces it,
// waking everything blocked on it. Caller holds a.mu.
func (a *Atom) notifyLocked() {
	close(a.wakeCh)
	a.wakeCh = make(chan struct{})
}

// ID implements jnode.AtomHandle.
func (a *Atom) ID() uint64 { return a.id }

// resolve follows the fusedInto chain to the atom that now actually owns
// this atom's former state: fusion merges the smaller atom into the
// larger, which is thereafter referenced by every jnode and handle the
// smaller one used to own.
func (a *Atom) resolve() *Atom {
	cur := a
	cur.mu.Lock()
	for cur.stage == Fused && cur.fusedInto != nil {
		next := cur.fusedInto
		cur.mu.Unlock()
		cur = next
		cur.mu.Lock()
	}
	cur.mu.Unlock()
	return cur
}

func (a *Atom) Stage() Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stage
}

func (a *Atom) Flags() Flags {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flags
}

func (a *Atom) SetFlag(f Flags) {
	a.mu.Lock()
	a.flags |= f
	a.mu.Unlock()
}

func (a *Atom) RefCount() int32    { return a.refcount.Load() }
func (a *Atom) Get()                { a.refcount.Add(1) }
func (a *Atom) Put() int32          { return a.refcount.Add(-1) }
func (a *Atom) TxnhCount() int32    { return a.txnhCount.Load() }
func (a *Atom) CaptureCount() int32 { return a.captureCount.Load() }

func (a *Atom) IncObjectsCreated() { a.nrObjectsCreated.Add(1) }
func (a *Atom) IncObjectsDeleted() { a.nrObjectsDeleted.Add(1) }
func (a *Atom) ObjectsCreated() int32 { return a.nrObjectsCreated.Load() }
func (a *Atom) ObjectsDeleted() int32 { return a.nrObjectsDeleted.Load() }

// ReserveFlush records blocks this atom's own flush machinery will need,
// separate from any txnh's grabbed space.
func (a *Atom) ReserveFlush(n uint64) {
	a.mu.Lock()
	a.flushReserved += n
	a.mu.Unlock()
}

func (a *Atom) FlushReserved() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushReserved
}

// Age reports how long this atom has been open, for the age-based commit
// trigger.
func (a *Atom) Age() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.startTime)
}

// captureJnode records j on the appropriate list under the atom lock and
// stamps j.CaptureElem/capList so the jnode side can be validated without
// reaching into atom internals. Once the atom's capture count or age
// crosses its atom_max_size/atom_max_age trigger, ForceCommit is set so
// the next thing that looks at Flags()/ShouldCommit knows this atom wants
// out of CAPTURE_FUSE.
func (a *Atom) captureJnode(j *jnode.Jnode, list jnode.CaptureList, level int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch list {
	case jnode.CaptureListDirty:
		a.dirty[level] = append(a.dirty[level], j)
	case jnode.CaptureListClean:
		a.clean = append(a.clean, j)
	case jnode.CaptureListOverwrite:
		a.overwrite = append(a.overwrite, j)
	case jnode.CaptureListWriteback:
		a.writeback = append(a.writeback, j)
	}
	a.captureCount.Add(1)
	if int(a.captureCount.Load()) >= a.maxCaptureCount || time.Since(a.startTime) >= a.maxAge {
		a.flags |= ForceCommit
	}
}

// enterCaptureWait transitions the atom from CAPTURE_FUSE into
// CAPTURE_WAIT, refusing every new capture from this point on (TryCapture
// checks Stage() for every atom it would join or fuse into), and blocks
// here until every handle but the one driving the commit has detached
// (txnh_count <= 1) and no fusion is still blocked waiting on this atom.
// Only once both drain does the caller continue on to PRE_COMMIT.
func (a *Atom) enterCaptureWait(ctx context.Context) error {
	a.mu.Lock()
	if a.stage == CaptureFuse {
		a.stage = CaptureWait
		a.notifyLocked()
	}
	for a.txnhCount.Load() > 1 || a.fuseWaiters.Load() > 0 {
		ch := a.wakeCh
		a.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return rerr.Wrap(rerr.IO, ctx.Err(), "commit: waiting for handles to detach before pre_commit")
		}
		a.mu.Lock()
	}
	a.mu.Unlock()
	return nil
}

// DirtyAt returns a snapshot of the dirty list at level, for inspection and
// flush/commit.
func (a *Atom) DirtyAt(level int) []*jnode.Jnode {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*jnode.Jnode, len(a.dirty[level]))
	copy(out, a.dirty[level])
	return out
}

// AllDirty returns every captured jnode across all levels, in no particular
// order.
func (a *Atom) AllDirty() []*jnode.Jnode {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*jnode.Jnode
	for _, lvl := range a.dirty {
		out = append(out, lvl...)
	}
	return out
}

// AddToDeleteSet records a freed block, applied to the allocator's commit
// bitmap at PRE_COMMIT.
func (a *Atom) AddToDeleteSet(b rkey.BlockNr) {
	a.mu.Lock()
	a.deleteSet = append(a.deleteSet, b)
	a.mu.Unlock()
}

func (a *Atom) DeleteSet() []rkey.BlockNr {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]rkey.BlockNr, len(a.deleteSet))
	copy(out, a.deleteSet)
	return out
}

func (a *Atom) recordWandered(original, wandered rkey.BlockNr) {
	a.mu.Lock()
	a.wandered[original] = wandered
	a.mu.Unlock()
}

func (a *Atom) WanderedFor(original rkey.BlockNr) (rkey.BlockNr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.wandered[original]
	return w, ok
}
