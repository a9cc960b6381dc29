package txnmgr

import (
	"context"
	"sync"

	"github.com/deploymenttheory/reiser4core/internal/rerr"
)

// FusionMode governs how a transaction handle participates in fusion.
type FusionMode int

const (
	// WriteFusing: any capture of a dirty block fuses the handle's atom
	// with the block's owning atom (the default, used by ordinary updates).
	WriteFusing FusionMode = iota
	// ReadFusing: only captures of blocks already dirty in another atom
	// force fusion; a handle that only reads avoids needlessly growing
	// atoms.
	ReadFusing
)

// HandleFlags are per-handle requirements contributed to the owning atom.
type HandleFlags int

const (
	// WaitCommit: txnh_end blocks until the atom it last belonged to
	// reaches DONE.
	WaitCommit HandleFlags = 1 << iota
	// DontCommit: txnh_end never triggers a commit itself, only detaches;
	// used by the fsck/bitmap-repair style consumers.
	DontCommit
)

// Txnh is "Txn_handle": the per-thread handle used to capture
// jnodes into an atom across a sequence of operations.
type Txnh struct {
	mu    sync.Mutex
	mode  FusionMode
	flags HandleFlags
	atom  *Atom
}

// NewTxnh opens a transaction handle with no atom yet bound (txn_begin);
// the first capture call lazily creates or joins an atom.
func NewTxnh(mode FusionMode, flags HandleFlags) *Txnh {
	return &Txnh{mode: mode, flags: flags}
}

func (h *Txnh) Mode() FusionMode   { return h.mode }
func (h *Txnh) Flags() HandleFlags { return h.flags }

// Atom returns the handle's current atom, resolving through any fusion
// redirects, or nil if the handle has not captured anything yet.
func (h *Txnh) Atom() *Atom {
	h.mu.Lock()
	a := h.atom
	h.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.resolve()
}

func (h *Txnh) setAtom(a *Atom) {
	h.mu.Lock()
	h.atom = a
	h.mu.Unlock()
}

// End implements txnh_end: detaches h from its atom, decrementing the
// atom's open-handle count and waking anything blocked in Commit waiting
// for txnh_count to drain to one (or zero). If h was opened with
// WaitCommit, End blocks until the atom reaches DONE.
func (h *Txnh) End(ctx context.Context) error {
	h.mu.Lock()
	a := h.atom
	h.atom = nil
	wait := h.flags&WaitCommit != 0
	h.mu.Unlock()
	if a == nil {
		return nil
	}
	a = a.resolve()

	a.mu.Lock()
	a.txnhCount.Add(-1)
	for i, hh := range a.handles {
		if hh == h {
			a.handles = append(a.handles[:i], a.handles[i+1:]...)
			break
		}
	}
	a.notifyLocked()
	a.mu.Unlock()

	if !wait {
		return nil
	}
	for {
		a.mu.Lock()
		if a.stage == Done {
			a.mu.Unlock()
			return nil
		}
		ch := a.wakeCh
		a.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return rerr.Wrap(rerr.IO, ctx.Err(), "txnh_end: waiting for commit")
		}
	}
}
