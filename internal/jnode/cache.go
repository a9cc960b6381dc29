package jnode

import (
	"fmt"
	"sync"

	"github.com/deploymenttheory/reiser4core/internal/plugin"
	"github.com/deploymenttheory/reiser4core/internal/rerr"
	"github.com/deploymenttheory/reiser4core/internal/rlog"
)

// Cache is the tree's jnode hash table: size a
// power of two, bucket selection via Key.hash() mod bucket count. Cache
// also tracks the "global all-jnodes list" debug invariants
// reference.
type Cache struct {
	mu      sync.RWMutex // approximates the tree read/write lock
	buckets [][]*Jnode
	count   int
	log     *rlog.Logger
}

// defaultBuckets is halved from an initial guess until allocation succeeds
// in the original source; this port just picks a reasonable power of two
// (or rounds the caller's hint up to one) and lets Go's allocator handle
// memory pressure. The bucket count is fixed once NewCache returns.
const defaultBuckets = 1024

// NewCache builds a jnode cache with the given hint for bucket count
// (rounded up to a power of two; 0 picks the default).
func NewCache(bucketHint uint64, log *rlog.Logger) *Cache {
	n := nextPow2(bucketHint)
	if n == 0 {
		n = defaultBuckets
	}
	if log == nil {
		log = rlog.Nop()
	}
	return &Cache{buckets: make([][]*Jnode, n), log: log}
}

func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (c *Cache) bucketFor(k Key) int {
	return int(k.hash() % uint64(len(c.buckets)))
}

// lookupLocked returns the live (non-RIP) jnode for k, if any. Caller holds
// c.mu for at least reading.
func (c *Cache) lookupLocked(k Key) *Jnode {
	b := c.buckets[c.bucketFor(k)]
	for _, j := range b {
		if j.key.Equal(k) && !j.HasState(RIP) {
			return j
		}
	}
	return nil
}

// Lookup consults the hash table under a read lock, returning a
// reference-counted handle (zget "consults the tree's hash
// table (read-lock)").
func (c *Cache) Lookup(k Key) (*Jnode, bool) {
	c.mu.RLock()
	j := c.lookupLocked(k)
	c.mu.RUnlock()
	if j == nil {
		return nil, false
	}
	j.JRef()
	return j, true
}

// GetOrCreate implements zget/alloc_io_head/alloc_unformatted: on miss it
// allocates, zero-initializes, inserts under the tree write lock, and
// returns with x_count incremented by one; on hit it returns the existing
// handle similarly referenced.
func (c *Cache) GetOrCreate(k Key, typ Type, ops *plugin.JnodeTypeOps) (j *Jnode, created bool) {
	return c.LookupOrInsert(k, func() *Jnode {
		j := newJnode(typ, k, 0, ops)
		if k.Kind == KeyFormatted {
			j.blocknr = k.Block
		}
		return j
	})
}

// Insert adds an already-constructed jnode directly (used by znode.Zget,
// which needs to set blocknr/level before publishing). The caller must
// not have published j anywhere else yet.
func (c *Cache) Insert(j *Jnode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.bucketFor(j.key)
	c.buckets[idx] = append(c.buckets[idx], j)
	c.count++
}

// LookupOrInsert is Insert's check-then-act counterpart for callers (like
// znode.Zget) that build the replacement candidate before knowing whether
// it is needed.
func (c *Cache) LookupOrInsert(k Key, build func() *Jnode) (j *Jnode, created bool) {
	if got, ok := c.Lookup(k); ok {
		return got, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing := c.lookupLocked(k); existing != nil {
		existing.JRef()
		return existing, false
	}
	nj := build()
	idx := c.bucketFor(nj.key)
	c.buckets[idx] = append(c.buckets[idx], nj)
	c.count++
	nj.JRef()
	return nj, true
}

// JPut decrements x_count; the last JPut marks the handle RIP under the
// tree write lock so concurrent lookups either see the intact handle or a
// cleanly-gone one. Go's garbage collector plays the role of the
// grace-period reclaimer once the jnode is out of the table; only TryDrop
// removes a RIP jnode from the bucket chain.
func (c *Cache) JPut(j *Jnode) {
	if j.xCount.Add(-1) != 0 {
		return
	}
	c.mu.Lock()
	j.mu.Lock()
	j.state |= RIP
	j.mu.Unlock()
	c.mu.Unlock()
}

// TryDrop attempts to evict a RIP'd handle from the bucket chain, failing
// with WouldBlock if d_count>0, a page is still attached, or the jnode
// type's EvictBusy predicate refuses (jnode_try_drop, supplemented with a
// per-type busy rule).
func (c *Cache) TryDrop(j *Jnode) error {
	if !j.HasState(RIP) {
		return rerr.New(rerr.WouldBlock, "jnode_try_drop: not RIP")
	}
	if j.DCount() > 0 {
		return rerr.New(rerr.WouldBlock, "jnode_try_drop: d_count>0")
	}
	j.mu.Lock()
	hasPage := j.page != nil
	var parsed any
	if hasPage {
		parsed = j.page.Parsed
	}
	ops := j.ops
	j.mu.Unlock()
	if hasPage {
		return rerr.New(rerr.WouldBlock, "jnode_try_drop: page still attached")
	}
	if ops != nil && ops.EvictBusy != nil && ops.EvictBusy(parsed) {
		return rerr.New(rerr.WouldBlock, "jnode_try_drop: type-specific busy rule")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.bucketFor(j.key)
	b := c.buckets[idx]
	for i, cand := range b {
		if cand == j {
			c.buckets[idx] = append(b[:i], b[i+1:]...)
			c.count--
			c.log.Debug("jnode evicted: " + j.key.String())
			return nil
		}
	}
	return rerr.New(rerr.NotFound, "jnode_try_drop: not present in table")
}

// Count returns the number of live entries, for tests and stats.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// AllJnodes returns every jnode currently tracked (invariant:
// "a dirty jnode has an atom" etc. is checked against this list in tests).
func (c *Cache) AllJnodes() []*Jnode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Jnode, 0, c.count)
	for _, b := range c.buckets {
		out = append(out, b...)
	}
	return out
}

// CheckInvariants runs every jnode's debug assertions and returns the
// first violation found.
func (c *Cache) CheckInvariants() error {
	for _, j := range c.AllJnodes() {
		if err := j.checkInvariants(); err != nil {
			return fmt.Errorf("jnode %s: %w", j.key, err)
		}
		if j.HasState(Dirty) && j.Atom() == nil {
			return fmt.Errorf("jnode %s: I3 violated: DIRTY without atom", j.key)
		}
	}
	return nil
}
