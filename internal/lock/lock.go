// Package lock implements the long-term lock manager: R/W
// locks over znodes held across I/O and tree traversals, with a
// priority-based protocol (L/H classes) that avoids deadlock when lock
// acquisitions arrive in arbitrary order. The package is generic over its
// lock targets: internal/znode embeds a *State per znode rather than this
// package importing znode, avoiding the natural lock<->znode import cycle.
package lock

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/deploymenttheory/reiser4core/internal/rerr"
	"github.com/deploymenttheory/reiser4core/internal/rlog"
)

// Mode is the requested lock strength.
type Mode int

const (
	Read Mode = iota
	Write
)

// Priority is the lock stack's class: L(ow) takes locks top-down,
// right-to-left on the lookup path; H(igh) takes locks bottom-up,
// left-to-right on the balancing path.
type Priority int

const (
	LowPriority Priority = iota
	HighPriority
)

// Request carries the request bits defines.
type Request int

const (
	ReqHiPri Request = 1 << iota
	ReqNonblock
	ReqDontFuse
)

// MaxConvoySize bounds how many compatible readers are woken together on a
// write unlock.
const MaxConvoySize = 32

var stackIDSeq atomic.Uint64

// Stack is a thread's long-term lock stack: its fixed L/H class, the set of
// locks it currently holds, and the signalling flag the deadlock-avoidance
// protocol uses.
type Stack struct {
	id         uint64
	Priority   Priority
	mu         sync.Mutex
	nrSignaled int32
	held       map[*State]*ownerEntry
	log        *rlog.Logger
}

// NewStack allocates a lock stack with a stable, monotonically increasing
// ID for ordering cross-stack spinlock acquisition (SortStacksByID):
// original_source/lock.c sorts by stack pointer address, but Go has no
// stable object address to sort by, so this port uses an assigned
// sequence number instead.
func NewStack(priority Priority, log *rlog.Logger) *Stack {
	if log == nil {
		log = rlog.Nop()
	}
	return &Stack{
		id:       stackIDSeq.Add(1),
		Priority: priority,
		held:     make(map[*State]*ownerEntry),
		log:      log,
	}
}

func (s *Stack) ID() uint64 { return s.id }

// Signaled reports whether a deadlock-avoidance signal is pending for this
// stack; a pending signal makes the stack's next lock attempt fail with
// WouldDeadlock instead of blocking.
func (s *Stack) Signaled() bool {
	return atomic.LoadInt32(&s.nrSignaled) > 0
}

func (s *Stack) signal() {
	atomic.AddInt32(&s.nrSignaled, 1)
}

// clearSignal is called on promotion: "a high-priority owner clears the
// signalled flag on all its nodes".
func (s *Stack) clearSignal() {
	atomic.StoreInt32(&s.nrSignaled, 0)
}

type ownerEntry struct {
	mode  Mode
	nest  int
	hipri bool
}

type waiter struct {
	stack   *Stack
	mode    Mode
	hipri   bool
	ready   chan struct{}
	granted bool
	dying   bool
}

// State is the per-znode long-term lock state, the "lock" attribute of a
// znode.
type State struct {
	mu              sync.Mutex
	cond            *sync.Cond
	owners          []*Stack // stacks currently holding the lock
	ownerData       map[*Stack]*ownerEntry
	queue           []*waiter
	nrHipriOwners   int32
	nrHipriRequests int32
	dying           bool
	log             *rlog.Logger
}

// NewState builds a fresh, unlocked lock state.
func NewState(log *rlog.Logger) *State {
	if log == nil {
		log = rlog.Nop()
	}
	s := &State{ownerData: make(map[*Stack]*ownerEntry), log: log}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func effectiveHiPri(stack *Stack, req Request) bool {
	return stack.Priority == HighPriority || req&ReqHiPri != 0
}

func compatible(s *State, mode Mode) bool {
	if len(s.owners) == 0 {
		return true
	}
	if mode == Read {
		for _, st := range s.owners {
			if s.ownerData[st].mode == Write {
				return false
			}
		}
		return true
	}
	// Write is only compatible with the empty set, or with a lone
	// recursive owner re-acquiring write (checked by caller before this).
	return false
}

// deadlocked reports the deadlock condition: a pending high-priority
// request while no high-priority owner holds the lock.
func (s *State) deadlocked() bool {
	return s.nrHipriRequests > 0 && s.nrHipriOwners == 0
}

// signalLowPriOwners marks every low-priority owner signalled and wakes
// any threads waiting on this State's condition: every low-priority owner
// is signalled and woken so it can back off.
func (s *State) signalLowPriOwners(log *rlog.Logger) {
	for _, st := range s.owners {
		if st.Priority != HighPriority {
			st.signal()
			log.Debug("lock: signalling low-priority owner for deadlock avoidance")
		}
	}
	s.cond.Broadcast()
}

// Acquire implements longterm_lock_znode. ctx cancellation
// is honored while blocked; a cancelled context returns ctx.Err().
func Acquire(ctx context.Context, s *State, stack *Stack, mode Mode, req Request) error {
	s.mu.Lock()

	if s.dying {
		s.mu.Unlock()
		return rerr.New(rerr.Dying, "longterm_lock_znode: node is dying")
	}

	// Recursive lock by the same stack: succeeds without re-queuing.
	if existing, ok := s.ownerData[stack]; ok {
		if mode == Read || existing.mode == Write {
			existing.nest++
			s.mu.Unlock()
			return nil
		}
		// Holds READ, wants WRITE: fall through to the general path; a
		// lone owner upgrading is always compatible.
		if len(s.owners) == 1 {
			existing.mode = Write
			existing.nest++
			s.mu.Unlock()
			return nil
		}
	}

	hipri := effectiveHiPri(stack, req)
	if hipri {
		s.nrHipriRequests++
		defer func() { s.nrHipriRequests-- }()
	}

	if s.deadlocked() {
		s.signalLowPriOwners(s.log)
	}
	if !hipri && stack.Signaled() {
		s.mu.Unlock()
		return rerr.New(rerr.WouldDeadlock, "longterm_lock_znode: stack was signalled")
	}
	if compatible(s, mode) && len(s.queue) == 0 {
		s.grant(stack, mode, hipri)
		s.mu.Unlock()
		return nil
	}
	if req&ReqNonblock != 0 {
		s.mu.Unlock()
		return rerr.New(rerr.WouldBlock, "longterm_lock_znode: would block")
	}

	// Queue once, then only ever wait on w.ready: the grantor (wakeNext)
	// or invalidate_lock (dying) decide the outcome, never this goroutine
	// re-checking compatibility on a spurious wake.
	w := &waiter{stack: stack, mode: mode, hipri: hipri, ready: make(chan struct{})}
	s.enqueue(w)
	s.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		s.mu.Lock()
		if !w.granted {
			s.removeWaiter(w)
			s.mu.Unlock()
			return ctx.Err()
		}
		s.mu.Unlock()
	}

	if w.dying {
		return rerr.New(rerr.Dying, "longterm_lock_znode: node is dying")
	}
	return nil
}

// enqueue inserts w with HIPRI requests pushed to the front of the queue,
// LOPRI appended to the back; FIFO within a class.
func (s *State) enqueue(w *waiter) {
	if w.hipri {
		s.queue = append([]*waiter{w}, s.queue...)
	} else {
		s.queue = append(s.queue, w)
	}
}

func (s *State) removeWaiter(w *waiter) {
	for i, q := range s.queue {
		if q == w {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *State) grant(stack *Stack, mode Mode, hipri bool) {
	s.owners = append(s.owners, stack)
	s.ownerData[stack] = &ownerEntry{mode: mode, nest: 1, hipri: hipri}
	if hipri {
		s.nrHipriOwners++
		stack.clearSignal() // promotion
	}
	s.recordOwnership(stack)
}

// recordOwnership records the owner in the stack's held set under the stack's own
// lock, ordered independently of State.mu (lock hierarchy
// position 8: "per-thread, rarely nested except during convoy wakeup").
func (s *State) recordOwnership(stack *Stack) {
	stack.mu.Lock()
	stack.held[s] = s.ownerData[stack]
	stack.mu.Unlock()
}

// Release implements longterm_unlock_znode. Releasing the
// last writer wakes one requestor, or a convoy of compatible readers
// bounded as wakeNext describes.
func Release(s *State, stack *Stack) {
	s.mu.Lock()
	entry, ok := s.ownerData[stack]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry.nest--
	if entry.nest > 0 {
		s.mu.Unlock()
		return
	}

	for i, st := range s.owners {
		if st == stack {
			s.owners = append(s.owners[:i], s.owners[i+1:]...)
			break
		}
	}
	wasHipri := entry.hipri
	delete(s.ownerData, stack)
	stack.mu.Lock()
	delete(stack.held, s)
	stack.mu.Unlock()

	if wasHipri {
		s.nrHipriOwners--
	}
	s.wakeNext()
	s.mu.Unlock()
}

// wakeNext grants the lock to the next compatible waiter(s); caller holds
// s.mu. If the head of the queue wants WRITE, only it is woken. If it wants
// READ, the run of consecutive READ waiters at the head is woken together,
// at most min(NumCPU-1, MaxConvoySize) of them (and at least one). Stack
// locks are taken one at a time, in queue order.
func (s *State) wakeNext() {
	if len(s.queue) == 0 || !compatible(s, s.queue[0].mode) {
		return
	}
	head := s.queue[0]
	if head.mode == Write {
		s.queue = s.queue[1:]
		s.grant(head.stack, Write, head.hipri)
		head.granted = true
		close(head.ready)
		return
	}

	limit := runtime.NumCPU() - 1
	if limit > MaxConvoySize {
		limit = MaxConvoySize
	}
	if limit < 1 {
		limit = 1
	}
	n := 0
	for n < len(s.queue) && n < limit && s.queue[n].mode == Read {
		w := s.queue[n]
		s.grant(w.stack, Read, w.hipri)
		w.granted = true
		close(w.ready)
		n++
	}
	s.queue = s.queue[n:]
}

// Invalidate implements invalidate_lock: marks the node
// dying, wakes every requestor so each fails the next retry, and waits for
// the queue to drain.
func Invalidate(s *State) {
	s.mu.Lock()
	s.dying = true
	for _, w := range s.queue {
		w.dying = true
		close(w.ready)
	}
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Dying reports whether the node has been invalidated.
func (s *State) Dying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dying
}

// HipriOwners/HipriRequests expose the deadlock-condition counters for
// tests.
func (s *State) HipriOwners() int32   { return atomic.LoadInt32(&s.nrHipriOwners) }
func (s *State) HipriRequests() int32 { return atomic.LoadInt32(&s.nrHipriRequests) }

// SortStacksByID orders stacks by ID for deterministic multi-stack locking.
// wakeNext does not call it: it holds at most one stack lock at a time.
func SortStacksByID(stacks []*Stack) {
	sort.Slice(stacks, func(i, j int) bool { return stacks[i].id < stacks[j].id })
}
