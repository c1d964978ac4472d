package fs

import (
	"github.com/goose-lang/std"
	"github.com/tchajed/goose/machine/disk"

	"github.com/nkfs-dev/nkfs/alloc"
	"github.com/nkfs-dev/nkfs/bcache"
	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/inode"
	"github.com/nkfs-dev/nkfs/super"
	"github.com/nkfs-dev/nkfs/util"
)

// volume is the in-memory state behind a formatted device: the
// superblock, both allocators and the inode table.
type volume struct {
	bc        *bcache.Bcache
	super     *super.FsSuper
	balloc    *alloc.Alloc
	ialloc    *alloc.Alloc
	tbl       *inode.Table
	lastSuper disk.Block // block 0 as last written or read
}

func mkVolume(bc *bcache.Bcache, sb *super.FsSuper, balloc *alloc.Alloc,
	ialloc *alloc.Alloc, cfg Config) *volume {
	return &volume{
		bc:     bc,
		super:  sb,
		balloc: balloc,
		ialloc: ialloc,
		tbl:    inode.MkTable(sb, bc, balloc, ialloc, cfg.InodeCacheSize),
	}
}

func readBitmap(bc *bcache.Bcache, start common.Bnum, nblk uint64) []byte {
	bm := make([]byte, 0, nblk*disk.BlockSize)
	for i := uint64(0); i < nblk; i++ {
		bm = append(bm, bc.Read(start+i)...)
	}
	return bm
}

func writeBitmap(bc *bcache.Bcache, start common.Bnum, nblk uint64, bm []byte) {
	for i := uint64(0); i < nblk; i++ {
		blk := make(disk.Block, disk.BlockSize)
		if i*disk.BlockSize < uint64(len(bm)) {
			copy(blk, bm[i*disk.BlockSize:])
		}
		bc.Write(start+i, blk)
	}
}

// flushAlloc writes a's bitmap if it changed since the last flush.
func flushAlloc(bc *bcache.Bcache, a *alloc.Alloc, start common.Bnum, nblk uint64) bool {
	if !a.Dirty() {
		return false
	}
	bm, gen := a.Snapshot()
	writeBitmap(bc, start, nblk, bm)
	a.MarkClean(gen)
	return true
}

// sync writes dirty inodes, then the block and inode bitmaps, then the
// superblock counters, then waits for the device.  It writes nothing if
// nothing changed, and reports whether it wrote.
func (v *volume) sync() bool {
	n := v.tbl.Sync()
	wrote := n > 0
	if flushAlloc(v.bc, v.balloc, v.super.BlockBitmapStart, v.super.NBlockBitmap) {
		wrote = true
	}
	if flushAlloc(v.bc, v.ialloc, v.super.InodeBitmapStart, v.super.NInodeBitmap) {
		wrote = true
	}
	v.super.FreeBlocks = v.balloc.NumFree()
	v.super.FreeInodes = v.ialloc.NumFree()
	blk := v.super.Encode()
	if !std.BytesEqual(blk, v.lastSuper) {
		v.bc.Write(super.SUPERBLOCK, blk)
		v.lastSuper = blk
		wrote = true
	}
	if wrote {
		v.bc.Barrier()
	}
	util.DPrintf(1, "sync: %d inodes, wrote %v\n", n, wrote)
	return wrote
}
