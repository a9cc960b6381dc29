package super

import (
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/reiser4core/internal/blockdev"
	"github.com/deploymenttheory/reiser4core/internal/plugin"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
)

func TestMasterBlockRoundTrip(t *testing.T) {
	m := MasterBlock{
		BlockSize:        4096,
		DiskFormatPlugin: plugin.ID{TypeID: 1, ID: 40},
		UUID:             uuid.New(),
		Diskmap:          rkey.NewReal(7),
	}
	copy(m.Label[:], []byte("root"))

	got, err := DecodeMasterBlock(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m.BlockSize, got.BlockSize)
	require.Equal(t, m.DiskFormatPlugin, got.DiskFormatPlugin)
	require.Equal(t, m.UUID, got.UUID)
	require.Equal(t, m.Diskmap, got.Diskmap)
}

func TestFormatSuperRoundTrip(t *testing.T) {
	f := FormatSuper{
		BlockCount:      1000,
		FreeBlocks:      400,
		RootBlock:       rkey.NewReal(2),
		TreeHeight:      3,
		SmallestFreeOID: 17,
		FileCount:       5,
		MkfsID:          0xcafef00d,
		TailPolicy:      TailPolicySmart,
		LargeKeys:       true,
	}
	got, err := DecodeFormatSuper(f.Encode())
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestDecodeMasterBlockRejectsBadMagic(t *testing.T) {
	buf := make([]byte, masterBlockSize)
	copy(buf, []byte("garbage"))
	_, err := DecodeMasterBlock(buf)
	require.Error(t, err, "expected an error decoding a bad magic")
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	cfg := LoadConfig(nil)
	require.Equal(t, DefaultConfig(), cfg)

	v := viper.New()
	v.Set("atom.max_size", 4096)
	cfg = LoadConfig(v)
	require.EqualValues(t, 4096, cfg.AtomMaxSize)
	require.Equal(t, DefaultConfig().JnodeHashBuckets, cfg.JnodeHashBuckets, "expected unset fields to keep their default")
}

func TestOpenWiresCore(t *testing.T) {
	dev, err := blockdev.NewMemDevice(64, 16)
	require.NoError(t, err)
	format := FormatSuper{
		BlockCount: 16,
		RootBlock:  rkey.NewReal(1),
		TreeHeight: 1,
	}
	ops := &plugin.JnodeTypeOps{Name: "test"}

	c, err := Open(dev, MasterBlock{}, format, DefaultConfig(), ops, nil)
	require.NoError(t, err)
	require.NotNil(t, c.Cache)
	require.NotNil(t, c.Registry)
	require.NotNil(t, c.Manager)
	require.NotNil(t, c.Alloc)
	require.NotNil(t, c.Tree)
	require.Equal(t, format.BlockCount, c.Alloc.FreeBlocks())
}
