// Package jnode implements the node-handle cache: the
// single canonical in-memory identity for any block the filesystem
// touches, unifying hash lookup, page-cache binding, reference counting,
// and per-type lifecycle.
package jnode

import (
	"sync"
	"sync/atomic"

	"github.com/deploymenttheory/reiser4core/internal/plugin"
	"github.com/deploymenttheory/reiser4core/internal/rerr"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
)

// AtomHandle is the minimal view jnode needs of the owning transaction
// atom: just enough to log/compare identity. internal/txnmgr.Atom
// implements this; jnode never imports txnmgr, breaking the natural
// jnode<->atom reference cycle. The atom pointer is nullable and
// CAS-updated under the jnode lock, modeled here as an interface rather
// than a concrete *txnmgr.Atom import.
type AtomHandle interface {
	ID() uint64
}

// CaptureList names which of the atom's lists a jnode's CaptureElem
// belongs to, so txnmgr can validate I8 ("every entry on an atom's
// capture list has atom == thisAtom") without reaching into unexported
// atom state.
type CaptureList int

const (
	CaptureListNone CaptureList = iota
	CaptureListDirty
	CaptureListClean
	CaptureListOverwrite
	CaptureListWriteback
)

// Jnode is the universal in-memory node handle.
type Jnode struct {
	mu sync.Mutex // the "jnode spin lock"

	typ     Type
	state   State
	dCount  atomic.Int32
	xCount  atomic.Int32
	blocknr rkey.BlockNr
	key     Key

	page *Page

	atom     AtomHandle
	capList  CaptureList
	// CaptureElem is owned and mutated by internal/txnmgr under the atom's
	// spin lock;
	// exported because Go has no "friend package" mechanism, the way
	// container/list exposes Element.Value.
	CaptureElem any

	ops *plugin.JnodeTypeOps
	// Ext holds the type-specific superstructure that embeds this Jnode by
	// pointer (e.g. *znode.Znode for TypeFormatted), letting code that only
	// holds a *Jnode recover it: cyclic graphs are modeled as an index
	// plus flag rather than a raw owning pointer.
	Ext any
}

func newJnode(typ Type, key Key, blocknr rkey.BlockNr, ops *plugin.JnodeTypeOps) *Jnode {
	j := &Jnode{typ: typ, key: key, blocknr: blocknr, ops: ops}
	j.state = New
	return j
}

// NewFormatted builds an unattached TypeFormatted jnode, for znode.Zget to
// wrap and publish into the cache.
func NewFormatted(key Key, ops *plugin.JnodeTypeOps) *Jnode {
	j := newJnode(TypeFormatted, key, 0, ops)
	if key.Kind == KeyFormatted {
		j.blocknr = key.Block
	}
	return j
}

// NewUnformatted builds an unattached TypeUnformatted jnode indexing a data
// block of a file.
func NewUnformatted(key Key, ops *plugin.JnodeTypeOps) *Jnode {
	return newJnode(TypeUnformatted, key, 0, ops)
}

// NewBitmap builds an unattached TypeBitmap jnode.
func NewBitmap(key Key, ops *plugin.JnodeTypeOps) *Jnode {
	return newJnode(TypeBitmap, key, 0, ops)
}

// NewIOHead builds an unattached TypeIOHead jnode (alloc_io_head), used
// for journal header/footer/status blocks.
func NewIOHead(key Key, blocknr rkey.BlockNr, ops *plugin.JnodeTypeOps) *Jnode {
	return newJnode(TypeIOHead, key, blocknr, ops)
}

func (j *Jnode) Type() Type         { return j.typ }
func (j *Jnode) Key() Key           { return j.key }
func (j *Jnode) BlockNr() rkey.BlockNr { return j.blocknr }

// SetBlockNr updates the block this jnode names, e.g. after relocation
// during PRE_COMMIT.
func (j *Jnode) SetBlockNr(b rkey.BlockNr) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.blocknr = b
}

func (j *Jnode) DCount() int32 { return j.dCount.Load() }
func (j *Jnode) XCount() int32 { return j.xCount.Load() }

func (j *Jnode) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Jnode) HasState(flag State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Has(flag)
}

func (j *Jnode) SetState(flag State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state |= flag
}

func (j *Jnode) ClearState(flag State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state &^= flag
}

// Atom returns the owning atom, or nil.
func (j *Jnode) Atom() AtomHandle {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.atom
}

// CASAtom atomically assigns the owning atom under the jnode spin lock,
// succeeding only if the current owner is old (nil means "unowned"). Used
// by try_capture (fast assignment) and by fusion (reassigning from the
// smaller atom to the larger).
func (j *Jnode) CASAtom(old, new AtomHandle, list CaptureList) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.atom != old {
		return false
	}
	j.atom = new
	j.capList = list
	return true
}

func (j *Jnode) CaptureListKind() CaptureList {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.capList
}

// Lock/Unlock expose the jnode spin lock directly for callers (txnmgr,
// eviction) that need to hold it across a short multi-field read-modify
// sequence; requires at most one jnode lock held at a time.
func (j *Jnode) Lock()   { j.mu.Lock() }
func (j *Jnode) Unlock() { j.mu.Unlock() }

// Page returns the bound page, or nil.
func (j *Jnode) Page() *Page {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.page
}

func (j *Jnode) attachPage(p *Page) {
	p.Lock()
	j.mu.Lock()
	j.page = p
	j.mu.Unlock()
	p.Unlock()
}

func (j *Jnode) detachPage() *Page {
	j.mu.Lock()
	p := j.page
	j.page = nil
	j.mu.Unlock()
	if p != nil {
		p.Lock()
		p.decref()
		p.Unlock()
	}
	return p
}

// JRef increments the handle-reference count.
func (j *Jnode) JRef() { j.xCount.Add(1) }

// Reader is the minimal block-reading collaborator jload needs; satisfied
// by blockdev.Device.
type Reader interface {
	ReadBlock(b rkey.BlockNr) ([]byte, error)
}

// JLoad pins and loads the jnode's data page, reading the block from dev if
// it is not already resident, then invoking the owning type's Parse hook
// (jload: "reads the block if not uptodate, then calls the
// owning plugin's parse to validate and set PARSED"). Idempotent over
// d_count: a second JLoad while already loaded just bumps the pin count.
func (j *Jnode) JLoad(dev Reader) error {
	j.mu.Lock()
	if j.state.Has(Loaded) {
		j.dCount.Add(1)
		j.mu.Unlock()
		return nil
	}
	j.mu.Unlock()

	data, err := dev.ReadBlock(j.blocknr)
	if err != nil {
		return rerr.Wrap(rerr.IO, err, "jload: reading block")
	}
	page := newPage(data)

	var parsed any
	if j.ops != nil && j.ops.Parse != nil {
		parsed, err = j.ops.Parse(data)
		if err != nil {
			return rerr.Wrap(rerr.Corrupt, err, "jload: parse failed")
		}
	}
	page.Parsed = parsed

	j.mu.Lock()
	if j.state.Has(Loaded) {
		// Lost a race with a concurrent JLoad; keep the winner's page.
		j.dCount.Add(1)
		j.mu.Unlock()
		return nil
	}
	j.page = page
	j.state |= Loaded | Parsed
	j.dCount.Add(1)
	j.mu.Unlock()
	return nil
}

// JRelse unpins the data page. The page itself stays
// cached until eviction reclaims it; jrelse only guarantees the data-count
// invariant d_count <= x_count keeps holding.
func (j *Jnode) JRelse() {
	j.dCount.Add(-1)
}

// ParsedData returns the plugin-parsed state attached to the loaded page,
// or nil if the jnode is not loaded.
func (j *Jnode) ParsedData() any {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.page == nil {
		return nil
	}
	return j.page.Parsed
}

// RawData returns the loaded page's raw bytes, or nil if not loaded.
func (j *Jnode) RawData() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.page == nil {
		return nil
	}
	return j.page.Data
}

// checkInvariants validates the debug assertions lists:
// d_count <= x_count, and queued-for-flush implies RELOC or HEARD_BANSHEE.
// Called from tests, not production hot paths.
func (j *Jnode) checkInvariants() error {
	if j.DCount() > j.XCount() {
		return rerr.New(rerr.Corrupt, "jnode invariant violated: d_count > x_count")
	}
	st := j.State()
	if st.Has(FlushQueued) && !st.Has(Reloc) && !st.Has(HeardBanshee) {
		return rerr.New(rerr.Corrupt, "jnode invariant violated: FLUSH_QUEUED without RELOC or HEARD_BANSHEE")
	}
	if st.Has(Reloc) && st.Has(Ovrwr) {
		return rerr.New(rerr.Corrupt, "jnode invariant violated: RELOC and OVRWR both set")
	}
	return nil
}
