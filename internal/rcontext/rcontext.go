// Package rcontext implements the per-thread Reiser4 context: the
// stacked, reentrant carrier of the current transaction handle and lock
// stack that every Core entry point picks up implicitly, the way
// original_source's reiser4_context sits in a per-thread slot rather than
// being threaded through every call.
package rcontext

import (
	"context"
	"sync"

	"github.com/deploymenttheory/reiser4core/internal/lock"
	"github.com/deploymenttheory/reiser4core/internal/txnmgr"
)

// Context is one frame of the reentrant context stack: the transaction
// handle and lock stack in force for the current nested call.
type Context struct {
	Txnh      *txnmgr.Txnh
	LockStack *lock.Stack

	parent *Context
	depth  int
}

type ctxKeyType struct{}

var ctxKey = ctxKeyType{}

// Enter pushes a new Context frame onto ctx, reusing the parent frame's
// Txnh/LockStack if the caller passes nil for either ("nested
// entry into the Core reuses the outer transaction unless told
// otherwise"). Returns the new context.Context to pass down and the frame
// itself. There is no explicit exit: the outer frame is current again
// wherever the parent context is used.
func Enter(parent context.Context, txnh *txnmgr.Txnh, stack *lock.Stack) (context.Context, *Context) {
	outer, _ := parent.Value(ctxKey).(*Context)

	frame := &Context{Txnh: txnh, LockStack: stack, parent: outer}
	if outer != nil {
		frame.depth = outer.depth + 1
		if txnh == nil {
			frame.Txnh = outer.Txnh
		}
		if stack == nil {
			frame.LockStack = outer.LockStack
		}
	}
	return context.WithValue(parent, ctxKey, frame), frame
}

// Depth reports how many nested Enter calls produced this frame; 0 for a
// freshly entered top-level call.
func (c *Context) Depth() int { return c.depth }

// From recovers the current frame from ctx, or nil if none is active: an
// operation invoked outside any Core entry point has no implicit
// transaction.
func From(ctx context.Context) *Context {
	f, _ := ctx.Value(ctxKey).(*Context)
	return f
}

// pool recycles Context frames across calls to avoid per-request
// allocation; kept small since frames are cheap, but it mirrors the
// original slab-cached reiser4_context allocation.
var pool = sync.Pool{New: func() any { return &Context{} }}

// Borrow and Release let a caller that creates many short-lived frames
// (e.g. a traversal retry loop) avoid repeated heap allocation.
func Borrow() *Context { return pool.Get().(*Context) }
func Release(c *Context) {
	*c = Context{}
	pool.Put(c)
}
