package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/reiser4core/internal/rerr"
)

func TestRecursiveWriteLockIsIdempotent(t *testing.T) {
	s := NewState(nil)
	stack := NewStack(LowPriority, nil)
	ctx := context.Background()

	require.NoError(t, Acquire(ctx, s, stack, Write, 0), "first Acquire")
	require.NoError(t, Acquire(ctx, s, stack, Write, 0), "second (recursive) Acquire")
	// One Release should not free the lock yet; nesting must drop to 0
	// first (L4: recursive lock only increments internal nesting).
	Release(s, stack)
	_, err := tryNonblock(s, NewStack(LowPriority, nil), Write)
	require.Error(t, err, "expected the lock to still be held after a single release of a nested acquire")

	Release(s, stack)
	_, err = tryNonblock(s, NewStack(LowPriority, nil), Write)
	require.NoError(t, err, "expected the lock to be free after releasing all nesting levels")
}

func tryNonblock(s *State, stack *Stack, mode Mode) (bool, error) {
	err := Acquire(context.Background(), s, stack, mode, ReqNonblock)
	if err != nil {
		return false, err
	}
	Release(s, stack)
	return true, nil
}

func TestPriorityDeadlockAvoidance(t *testing.T) {
	s := NewState(nil)
	lopri := NewStack(LowPriority, nil)
	hipri := NewStack(HighPriority, nil)
	ctx := context.Background()

	require.NoError(t, Acquire(ctx, s, lopri, Read, 0), "T1 READ acquire")

	done := make(chan error, 1)
	go func() {
		done <- Acquire(ctx, s, hipri, Write, 0)
	}()

	// Give T2's request time to register as pending.
	deadline := time.After(time.Second)
	for {
		if s.HipriRequests() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("T2's HIPRI request never registered")
		default:
		}
	}

	other := NewState(nil)
	require.True(t, lopri.Signaled(), "expected T1's stack to be signalled once T2's HIPRI request is pending")
	err := Acquire(ctx, other, lopri, Read, 0)
	require.Error(t, err, "expected T1's next lock attempt on another node to fail WOULD_DEADLOCK")
	require.NotEmpty(t, err.Error())

	Release(s, lopri)
	require.NoError(t, <-done, "T2 should obtain WRITE once T1 releases")
	Release(s, hipri)
}

func TestInvalidateWakesAllWaitersAsDying(t *testing.T) {
	s := NewState(nil)
	owner := NewStack(LowPriority, nil)
	waiter := NewStack(LowPriority, nil)
	ctx := context.Background()

	require.NoError(t, Acquire(ctx, s, owner, Write, 0), "owner acquire")

	errCh := make(chan error, 1)
	go func() { errCh <- Acquire(ctx, s, waiter, Write, 0) }()

	// Let the waiter enqueue.
	time.Sleep(20 * time.Millisecond)
	Invalidate(s)

	require.True(t, rerr.Is(<-errCh, rerr.Dying), "expected the queued waiter to fail DYING once the node is invalidated")
	require.True(t, s.Dying(), "expected Dying() to report true after Invalidate")
}
