package fs

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tchajed/goose/machine/disk"

	"github.com/nkfs-dev/nkfs/alloc"
	"github.com/nkfs-dev/nkfs/bcache"
	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/dir"
	"github.com/nkfs-dev/nkfs/inode"
	"github.com/nkfs-dev/nkfs/super"
	"github.com/nkfs-dev/nkfs/util/stats"
)

type State int32

const (
	Unmounted State = iota
	Mounting
	Mounted
	Unmounting
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	case Unmounting:
		return "unmounting"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Config struct {
	InodeCacheSize uint64 // # cached inodes, 0 for the default
	BlockCacheSize uint64 // # cached blocks, 0 for the default
	NInodes        uint64 // mkfs only, 0 for one per 4 blocks
	Uid            uint32 // owner of the root directory (mkfs only)
	Gid            uint32
}

func (cfg Config) withDefaults(nblocks uint64) Config {
	if cfg.NInodes == 0 {
		cfg.NInodes = nblocks / 4
		if cfg.NInodes < common.INODEBLK {
			cfg.NInodes = common.INODEBLK
		}
	}
	return cfg
}

// Fs is a mounted volume.  Operations run concurrently with each other;
// Sync, Check and Unmount wait for running operations and hold off new
// ones.
type Fs struct {
	*volume
	state    atomic.Int32
	opMu     sync.RWMutex
	renameMu sync.Mutex // cross-directory renames
	root     *inode.Inode
	handles  atomic.Int64 // open Handles
	stats    [NUM_OPS]stats.Op
}

func corrupt(err error) error {
	slog.Warn("mount: corrupt volume", "err", err)
	return err
}

func checkReserved(a *alloc.Alloc) error {
	for n := uint64(0); n < a.Reserved(); n++ {
		if !a.IsAllocated(n) {
			return fmt.Errorf("reserved number %d is free: %w", n,
				common.ErrCorruptVolume)
		}
	}
	if a.NumFree() != a.CountFree() {
		return fmt.Errorf("free count %d != bitmap %d: %w", a.NumFree(),
			a.CountFree(), common.ErrCorruptVolume)
	}
	return nil
}

// Mount validates the volume on d and brings it into the mounted state.
// A volume that fails validation is left untouched and ErrCorruptVolume
// is returned.
func Mount(d disk.Disk, cfg Config) (*Fs, error) {
	fs := &Fs{}
	fs.state.Store(int32(Mounting))
	v, err := load(d, cfg)
	if err != nil {
		fs.state.Store(int32(Unmounted))
		return nil, corrupt(fmt.Errorf("mount: %w", err))
	}
	fs.volume = v
	root, err := v.tbl.Get(common.ROOTINUM)
	if err != nil {
		fs.state.Store(int32(Unmounted))
		return nil, corrupt(fmt.Errorf("mount: root: %v: %w", err, common.ErrCorruptVolume))
	}
	root.Lock()
	err = checkRoot(v.tbl, root)
	root.Unlock()
	if err != nil {
		v.tbl.Unref(root)
		fs.state.Store(int32(Unmounted))
		return nil, corrupt(fmt.Errorf("mount: %w", err))
	}
	fs.root = root
	fs.state.Store(int32(Mounted))
	slog.Info("mounted", "uuid", v.super.UUID, "blocks", v.super.NBlocks,
		"free", v.super.FreeBlocks, "inodes", v.super.NInodes,
		"ifree", v.super.FreeInodes)
	return fs, nil
}

// checkRoot vets the root record before any of its entries are read.
func checkRoot(t *inode.Table, root *inode.Inode) error {
	if root.Kind != common.KindDir {
		return fmt.Errorf("root is %v: %w", root.Kind, common.ErrCorruptVolume)
	}
	if root.Nlink < 2 {
		return fmt.Errorf("root nlink %d: %w", root.Nlink, common.ErrCorruptVolume)
	}
	if root.Size < 2*common.DIRENTSZ || root.Size%common.DIRENTSZ != 0 {
		return fmt.Errorf("root size %d: %w", root.Size, common.ErrCorruptVolume)
	}
	if err := root.Verify(t); err != nil {
		return fmt.Errorf("root: %w", err)
	}
	if p := dir.Parent(t, root); p != common.ROOTINUM {
		return fmt.Errorf("root parent %d: %w", p, common.ErrCorruptVolume)
	}
	return nil
}

func load(d disk.Disk, cfg Config) (*volume, error) {
	bc := bcache.MkBcache(d, cfg.BlockCacheSize)
	blk := bc.Read(super.SUPERBLOCK)
	sb, err := super.Decode(blk)
	if err != nil {
		return nil, err
	}
	if sb.NBlocks > d.Size() {
		return nil, fmt.Errorf("volume has %d blocks, device %d: %w",
			sb.NBlocks, d.Size(), common.ErrCorruptVolume)
	}
	balloc := alloc.MkAlloc(readBitmap(bc, sb.BlockBitmapStart, sb.NBlockBitmap),
		sb.NBlocks, sb.DataStart, "block")
	ialloc := alloc.MkAlloc(readBitmap(bc, sb.InodeBitmapStart, sb.NInodeBitmap),
		sb.NInodes, common.ROOTINUM+1, "inode")
	if err := checkReserved(balloc); err != nil {
		return nil, fmt.Errorf("block bitmap: %w", err)
	}
	if err := checkReserved(ialloc); err != nil {
		return nil, fmt.Errorf("inode bitmap: %w", err)
	}
	if sb.FreeBlocks != balloc.NumFree() || sb.FreeInodes != ialloc.NumFree() {
		return nil, fmt.Errorf("counters %d/%d, bitmaps %d/%d: %w",
			sb.FreeBlocks, sb.FreeInodes, balloc.NumFree(), ialloc.NumFree(),
			common.ErrCorruptVolume)
	}
	v := mkVolume(bc, sb, balloc, ialloc, cfg)
	v.lastSuper = blk
	return v, nil
}

func (fs *Fs) State() State {
	return State(fs.state.Load())
}

// begin admits an operation; the caller runs fs.end() when done.
func (fs *Fs) begin() error {
	fs.opMu.RLock()
	if fs.State() != Mounted {
		fs.opMu.RUnlock()
		return common.ErrNotMounted
	}
	return nil
}

func (fs *Fs) end() {
	fs.opMu.RUnlock()
}

// exclusive waits out running operations and blocks new ones.
func (fs *Fs) exclusive() error {
	fs.opMu.Lock()
	if fs.State() != Mounted {
		fs.opMu.Unlock()
		return common.ErrNotMounted
	}
	return nil
}

// Sync makes everything done so far durable.  A Sync with nothing new to
// write issues no writes.
func (fs *Fs) Sync() error {
	defer fs.recordOp(SYNC, now())
	if err := fs.exclusive(); err != nil {
		return err
	}
	defer fs.opMu.Unlock()
	fs.volume.sync()
	return nil
}

// Unmount syncs and drops all in-memory state.  The Fs is unusable
// afterwards.  It fails with ErrBusy while Handles are open, since an
// unlinked file is only reclaimed on its last Release.
func (fs *Fs) Unmount() error {
	if err := fs.exclusive(); err != nil {
		return err
	}
	defer fs.opMu.Unlock()
	if n := fs.handles.Load(); n != 0 {
		return fmt.Errorf("unmount: %d open handles: %w", n, common.ErrBusy)
	}
	fs.state.Store(int32(Unmounting))
	fs.volume.sync()
	fs.tbl.Put(fs.root)
	fs.root = nil
	fs.tbl.Drop()
	fs.bc.Drop()
	if n := fs.tbl.Cached(); n != 0 {
		slog.Warn("unmount: inodes still referenced", "n", n)
	}
	fs.state.Store(int32(Unmounted))
	slog.Info("unmounted", "uuid", fs.super.UUID)
	return nil
}

type Statfs struct {
	UUID       uuid.UUID
	BlockSize  uint64
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
	NameLen    uint64
}

func (fs *Fs) Statfs() (Statfs, error) {
	defer fs.recordOp(STATFS, now())
	if err := fs.begin(); err != nil {
		return Statfs{}, err
	}
	defer fs.end()
	return Statfs{
		UUID:       fs.super.UUID,
		BlockSize:  disk.BlockSize,
		Blocks:     fs.super.NBlocks,
		BlocksFree: fs.balloc.NumFree(),
		Files:      fs.super.NInodes,
		FilesFree:  fs.ialloc.NumFree(),
		NameLen:    dir.MAXNAMELEN,
	}, nil
}

func (fs *Fs) Super() *super.FsSuper {
	return fs.super
}

// DiskStats returns the number of device reads and writes so far.
func (fs *Fs) DiskStats() (uint64, uint64) {
	return fs.bc.Stats()
}
