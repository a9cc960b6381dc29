package jnode

import "sync"

// Page stands in for a page-cache page. Real
// mmap/page-cache integration is VFS glue, out of the Core's scope
//; this is the minimal shape jload/jrelse and emergency
// flush need: a byte buffer, a reference count, and its own lock so the
// jnode<->page dual-lock order (page lock, then jnode spin lock) in
// is meaningful.
type Page struct {
	mu       sync.Mutex
	Data     []byte
	Parsed   any // result of the owning jnode-type plugin's Parse
	refcount int
}

func newPage(data []byte) *Page {
	return &Page{Data: data, refcount: 1}
}

func (p *Page) Lock()   { p.mu.Lock() }
func (p *Page) Unlock() { p.mu.Unlock() }

func (p *Page) incref() { p.refcount++ }
func (p *Page) decref() int {
	p.refcount--
	return p.refcount
}
