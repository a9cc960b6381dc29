package rerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndIs(t *testing.T) {
	base := errors.New("bad checksum")
	err := Wrap(Corrupt, base, "parsing znode header")
	wrapped := fmt.Errorf("jload: %w", err)

	require.True(t, Is(wrapped, Corrupt), "expected Corrupt kind to survive fmt.Errorf wrapping")
	require.False(t, Is(wrapped, IO), "did not expect IO kind to match")
	require.True(t, errors.Is(wrapped, base), "expected errors.Is to see through to the original cause")
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("capture failed: %w", New(WouldDeadlock, "signalled"))
	k, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, WouldDeadlock, k)

	_, ok = KindOf(errors.New("plain"))
	require.False(t, ok, "plain errors must not resolve a kind")
}
