// Package blockdev stands in for the VFS/page-cache boundary that // §1 treats as an external collaborator: something that can read and write
// fixed-size blocks. jnode.jload and the wandering-log writer are the only
// Core consumers.
package blockdev

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/deploymenttheory/reiser4core/internal/rerr"
	"github.com/deploymenttheory/reiser4core/internal/rkey"
)

// Device is the minimal block I/O contract the Core needs. Implementations
// need not be a real disk: tests back it with an in-memory afero.Fs.
type Device interface {
	BlockSize() int
	BlockCount() uint64
	ReadBlock(b rkey.BlockNr) ([]byte, error)
	WriteBlock(b rkey.BlockNr, data []byte) error
	Sync() error
}

// AferoDevice implements Device over a single fixed-size file on an
// afero.Fs, so the same code path exercises both an in-memory filesystem in
// unit tests and a real on-disk image via afero.NewOsFs() in production.
type AferoDevice struct {
	mu         sync.Mutex
	fs         afero.Fs
	path       string
	blockSize  int
	blockCount uint64
	file       afero.File
}

// Create initializes a new backing file of blockCount*blockSize bytes on fs
// at path and returns a Device over it.
func Create(fs afero.Fs, path string, blockSize int, blockCount uint64) (*AferoDevice, error) {
	if blockSize <= 0 {
		return nil, rerr.New(rerr.Corrupt, "block size must be positive")
	}
	f, err := fs.Create(path)
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, err, "creating block device backing file")
	}
	size := int64(blockSize) * int64(blockCount)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, rerr.Wrap(rerr.IO, err, "sizing block device backing file")
	}
	return &AferoDevice{fs: fs, path: path, blockSize: blockSize, blockCount: blockCount, file: f}, nil
}

// Open attaches to an existing backing file, inferring blockCount from its
// size.
func Open(fs afero.Fs, path string, blockSize int) (*AferoDevice, error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, err, "opening block device backing file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, rerr.Wrap(rerr.IO, err, "stat block device backing file")
	}
	count := uint64(info.Size()) / uint64(blockSize)
	return &AferoDevice{fs: fs, path: path, blockSize: blockSize, blockCount: count, file: f}, nil
}

func (d *AferoDevice) BlockSize() int      { return d.blockSize }
func (d *AferoDevice) BlockCount() uint64  { return d.blockCount }

func (d *AferoDevice) offset(b rkey.BlockNr) (int64, error) {
	if b.IsFake() {
		return 0, rerr.New(rerr.Corrupt, fmt.Sprintf("cannot perform I/O on fake block %d", uint64(b)))
	}
	n := b.Real()
	if n >= d.blockCount {
		return 0, rerr.New(rerr.IO, fmt.Sprintf("block %d out of range (count=%d)", n, d.blockCount))
	}
	return int64(n) * int64(d.blockSize), nil
}

// ReadBlock reads exactly BlockSize() bytes at block b.
func (d *AferoDevice) ReadBlock(b rkey.BlockNr) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	off, err := d.offset(b)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, d.blockSize)
	if _, err := d.file.ReadAt(buf, off); err != nil {
		return nil, rerr.Wrap(rerr.IO, err, "reading block")
	}
	return buf, nil
}

// WriteBlock writes data (truncated/zero-padded to BlockSize()) at block b.
func (d *AferoDevice) WriteBlock(b rkey.BlockNr, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	off, err := d.offset(b)
	if err != nil {
		return err
	}
	buf := make([]byte, d.blockSize)
	copy(buf, data)
	if _, err := d.file.WriteAt(buf, off); err != nil {
		return rerr.Wrap(rerr.IO, err, "writing block")
	}
	return nil
}

// Sync flushes the backing file.
func (d *AferoDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.file.Sync(); err != nil {
		return rerr.Wrap(rerr.IO, err, "fsync block device")
	}
	return nil
}

// Close releases the backing file handle.
func (d *AferoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}

// NewMemDevice is a convenience constructor for tests: an in-memory afero
// filesystem backing a fresh device, no real disk image required.
func NewMemDevice(blockSize int, blockCount uint64) (*AferoDevice, error) {
	return Create(afero.NewMemMapFs(), "/reiser4.img", blockSize, blockCount)
}
