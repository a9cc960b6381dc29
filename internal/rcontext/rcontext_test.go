package rcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/reiser4core/internal/lock"
	"github.com/deploymenttheory/reiser4core/internal/txnmgr"
)

func TestEnterWithoutParentCreatesTopLevelFrame(t *testing.T) {
	h := txnmgr.NewTxnh(txnmgr.WriteFusing, 0)
	s := lock.NewStack(lock.LowPriority, nil)

	ctx, frame := Enter(context.Background(), h, s)
	require.Zero(t, frame.Depth())
	require.Equal(t, frame, From(ctx), "expected From to recover the entered frame")
}

func TestNestedEnterInheritsParentTxnhWhenNilPassed(t *testing.T) {
	h := txnmgr.NewTxnh(txnmgr.WriteFusing, 0)
	s := lock.NewStack(lock.LowPriority, nil)
	outer, _ := Enter(context.Background(), h, s)

	inner, frame := Enter(outer, nil, nil)
	require.EqualValues(t, 1, frame.Depth())
	require.Equal(t, h, frame.Txnh, "expected nested frame to inherit parent's Txnh")
	require.Equal(t, s, frame.LockStack, "expected nested frame to inherit parent's LockStack")
	require.Equal(t, frame, From(inner), "expected From to recover the nested frame")
}

func TestNestedEnterOverridesWithExplicitValues(t *testing.T) {
	h1 := txnmgr.NewTxnh(txnmgr.WriteFusing, 0)
	h2 := txnmgr.NewTxnh(txnmgr.ReadFusing, 0)
	outer, _ := Enter(context.Background(), h1, nil)

	_, frame := Enter(outer, h2, nil)
	require.Equal(t, h2, frame.Txnh, "expected explicit Txnh to override the parent's")
}
