// Package super implements the on-disk master block / format40 superblock
// fields the Core consumes, the viper-backed mount/tuning
// configuration, and the Core handle wiring every other package together.
package super

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/reiser4core/internal/blockdev"
	"github.com/deploymenttheory/reiser4core/internal/jnode"
	"github.com/deploymenttheory/reiser4core/internal/plugin"
	"github.com/deploymenttheory/reiser4core/internal/rerr"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
	"github.com/deploymenttheory/reiser4core/internal/rlog"
	"github.com/deploymenttheory/reiser4core/internal/tree"
	"github.com/deploymenttheory/reiser4core/internal/txnmgr"
	"github.com/deploymenttheory/reiser4core/internal/walog"
)

// MagicPrefix is the fixed on-disk master-block magic string: variable
// width, checked by prefix rather than exact length.
const MagicPrefix = "ReIsEr4"

const (
	masterBlockSize = 512 // fixed layout region; actual device blocksize is separate
)

// MasterBlock is the bit-exact fields "On-disk master block"
// names: magic, device block size, the disk-format plugin selector, and
// identity/label fields common to every format.
type MasterBlock struct {
	Magic            string
	BlockSize        uint16
	DiskFormatPlugin plugin.ID
	UUID             uuid.UUID
	Label            [16]byte
	Diskmap          rkey.BlockNr // 0 if absent
}

// Encode serializes the master block into masterBlockSize bytes, little
// endian throughout.
func (m MasterBlock) Encode() []byte {
	buf := make([]byte, masterBlockSize)
	copy(buf[0:7], []byte(MagicPrefix))
	binary.LittleEndian.PutUint16(buf[8:10], m.BlockSize)
	binary.LittleEndian.PutUint16(buf[10:12], m.DiskFormatPlugin.TypeID)
	binary.LittleEndian.PutUint16(buf[12:14], m.DiskFormatPlugin.ID)
	uuidBytes, _ := m.UUID.MarshalBinary()
	copy(buf[14:30], uuidBytes)
	copy(buf[30:46], m.Label[:])
	binary.LittleEndian.PutUint64(buf[46:54], uint64(m.Diskmap))
	return buf
}

// DecodeMasterBlock parses a raw block read from device offset 0,
// validating the magic prefix.
func DecodeMasterBlock(buf []byte) (MasterBlock, error) {
	if len(buf) < masterBlockSize {
		return MasterBlock{}, rerr.New(rerr.Corrupt, "super: master block short read")
	}
	if string(buf[0:7]) != MagicPrefix {
		return MasterBlock{}, rerr.New(rerr.Corrupt, "super: bad master block magic")
	}
	var m MasterBlock
	m.Magic = MagicPrefix
	m.BlockSize = binary.LittleEndian.Uint16(buf[8:10])
	m.DiskFormatPlugin = plugin.ID{
		TypeID: binary.LittleEndian.Uint16(buf[10:12]),
		ID:     binary.LittleEndian.Uint16(buf[12:14]),
	}
	if err := m.UUID.UnmarshalBinary(buf[14:30]); err != nil {
		return MasterBlock{}, rerr.Wrap(rerr.Corrupt, err, "super: decoding uuid")
	}
	copy(m.Label[:], buf[30:46])
	m.Diskmap = rkey.BlockNr(binary.LittleEndian.Uint64(buf[46:54]))
	return m, nil
}

// TailPolicy selects how small files' tails are stored; out of scope for
// the Core to implement (no node40/format40 item plugins), but the field
// is still consumed from the superblock so a reader can report it.
type TailPolicy uint8

const (
	TailPolicyAlways TailPolicy = iota
	TailPolicyNever
	TailPolicySmart
)

// FormatSuper is the per-format (format40) superblock fields the Core
// consumes.
type FormatSuper struct {
	BlockCount    uint64
	FreeBlocks    uint64
	RootBlock     rkey.BlockNr
	TreeHeight    int
	SmallestFreeOID uint64
	FileCount     uint64
	MkfsID        uint32
	TailPolicy    TailPolicy
	LargeKeys     bool
}

const formatSuperSize = 64

// Encode serializes the format superblock, little endian throughout.
func (f FormatSuper) Encode() []byte {
	buf := make([]byte, formatSuperSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.BlockCount)
	binary.LittleEndian.PutUint64(buf[8:16], f.FreeBlocks)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(f.RootBlock))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.TreeHeight))
	binary.LittleEndian.PutUint64(buf[28:36], f.SmallestFreeOID)
	binary.LittleEndian.PutUint64(buf[36:44], f.FileCount)
	binary.LittleEndian.PutUint32(buf[44:48], f.MkfsID)
	buf[48] = byte(f.TailPolicy)
	if f.LargeKeys {
		buf[49] = 1
	}
	return buf
}

// DecodeFormatSuper parses bytes produced by Encode.
func DecodeFormatSuper(buf []byte) (FormatSuper, error) {
	if len(buf) < formatSuperSize {
		return FormatSuper{}, rerr.New(rerr.Corrupt, "super: format superblock short read")
	}
	return FormatSuper{
		BlockCount:      binary.LittleEndian.Uint64(buf[0:8]),
		FreeBlocks:      binary.LittleEndian.Uint64(buf[8:16]),
		RootBlock:       rkey.BlockNr(binary.LittleEndian.Uint64(buf[16:24])),
		TreeHeight:      int(binary.LittleEndian.Uint32(buf[24:28])),
		SmallestFreeOID: binary.LittleEndian.Uint64(buf[28:36]),
		FileCount:       binary.LittleEndian.Uint64(buf[36:44]),
		MkfsID:          binary.LittleEndian.Uint32(buf[44:48]),
		TailPolicy:      TailPolicy(buf[48]),
		LargeKeys:       buf[49] != 0,
	}, nil
}

// Config is the mount/tuning configuration consumed from viper: atom
// age/size thresholds, hash bucket hint, cbk cache slot count.
type Config struct {
	AtomMaxAgeSeconds int
	AtomMaxSize       int
	JnodeHashBuckets  int
	CBKCacheSlots     int
}

// DefaultConfig mirrors original_source/txnmgr.h's compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		AtomMaxAgeSeconds: 60,
		AtomMaxSize:       1024,
		JnodeHashBuckets:  1024,
		CBKCacheSlots:     16,
	}
}

// LoadConfig reads mount/tuning parameters from v, falling back to
// DefaultConfig for anything unset.
func LoadConfig(v *viper.Viper) Config {
	cfg := DefaultConfig()
	if v == nil {
		return cfg
	}
	v.SetDefault("atom.max_age_seconds", cfg.AtomMaxAgeSeconds)
	v.SetDefault("atom.max_size", cfg.AtomMaxSize)
	v.SetDefault("jnode.hash_buckets", cfg.JnodeHashBuckets)
	v.SetDefault("tree.cbk_cache_slots", cfg.CBKCacheSlots)
	cfg.AtomMaxAgeSeconds = v.GetInt("atom.max_age_seconds")
	cfg.AtomMaxSize = v.GetInt("atom.max_size")
	cfg.JnodeHashBuckets = v.GetInt("jnode.hash_buckets")
	cfg.CBKCacheSlots = v.GetInt("tree.cbk_cache_slots")
	return cfg
}

// Core bundles every layer into the single handle a mount owns: node
// cache, plugin registry, transaction manager, allocator, block device,
// and tree, wired together the way original_source's reiser4_context and
// per-superblock private data do.
type Core struct {
	Master MasterBlock
	Format FormatSuper
	Config Config

	Device   blockdev.Device
	Cache    *jnode.Cache
	Registry *plugin.Registry
	Manager  *txnmgr.Manager
	Alloc    walog.Allocator
	Tree     *tree.Tree

	log *rlog.Logger
}

// Open wires a Core over an already-open device, given a decoded master
// block, format superblock, and tuning config. ops selects the jnode-type
// vtable the tree's znodes use; a concrete on-disk node40 parser is out of
// the Core's scope, so callers supply whatever node-layout Parse hook
// fits their test harness or embedding.
func Open(dev blockdev.Device, master MasterBlock, format FormatSuper, cfg Config, ops *plugin.JnodeTypeOps, log *rlog.Logger) (*Core, error) {
	if log == nil {
		log = rlog.Nop()
	}
	txnmgr.SetDefaultLimits(cfg.AtomMaxSize, time.Duration(cfg.AtomMaxAgeSeconds)*time.Second)

	registry := plugin.NewRegistry()
	cache := jnode.NewCache(uint64(cfg.JnodeHashBuckets), log)
	alloc := walog.NewBitmapAllocator(format.BlockCount)
	manager := txnmgr.NewManager(alloc, dev, log)

	rootLevel := format.TreeHeight
	if rootLevel < 1 {
		rootLevel = 1
	}
	t, err := tree.New(cache, registry, dev, ops, format.RootBlock, rootLevel, cfg.CBKCacheSlots, log)
	if err != nil {
		return nil, err
	}

	return &Core{
		Master:   master,
		Format:   format,
		Config:   cfg,
		Device:   dev,
		Cache:    cache,
		Registry: registry,
		Manager:  manager,
		Alloc:    alloc,
		Tree:     t,
		log:      log,
	}, nil
}
