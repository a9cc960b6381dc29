package blockdev

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/reiser4core/internal/rerr"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
)

func TestReadWriteRoundTrip(t *testing.T) {
	dev, err := NewMemDevice(4096, 16)
	require.NoError(t, err)
	defer dev.Close()

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	require.NoError(t, dev.WriteBlock(rkey.NewReal(3), payload))
	got, err := dev.ReadBlock(rkey.NewReal(3))
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, payload), "round trip mismatch")
}

func TestOutOfRangeBlockIsIOError(t *testing.T) {
	dev, err := NewMemDevice(512, 4)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.ReadBlock(rkey.NewReal(100))
	require.True(t, rerr.Is(err, rerr.IO), "expected IO kind, got %v", err)
}

func TestFakeBlockRejected(t *testing.T) {
	dev, err := NewMemDevice(512, 4)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.ReadBlock(rkey.NewFakeUnallocated(1))
	require.True(t, rerr.Is(err, rerr.Corrupt), "expected Corrupt kind for I/O on a fake block, got %v", err)
}
