package bcache

import (
	"fmt"
	"sync/atomic"

	"github.com/tchajed/goose/machine/disk"

	"github.com/nkfs-dev/nkfs/cache"
	"github.com/nkfs-dev/nkfs/common"
)

//
// Write-through block cache.  This is the only layer that talks to the
// device; everything above addresses storage by block number.
//

const BCACHESZ uint64 = 512

type Bcache struct {
	d      disk.Disk
	bcache *cache.Cache
	nblk   uint64
	reads  uint64
	writes uint64
}

func MkBcache(d disk.Disk, sz uint64) *Bcache {
	if sz == 0 {
		sz = BCACHESZ
	}
	return &Bcache{
		d:      d,
		bcache: cache.MkCache(sz, nil),
		nblk:   d.Size(),
	}
}

func (bc *Bcache) check(bn common.Bnum) {
	if bn >= bc.nblk {
		panic(fmt.Sprintf("bcache: block %d out of range [0, %d)", bn, bc.nblk))
	}
}

// Read returns a private copy of block bn.
func (bc *Bcache) Read(bn common.Bnum) disk.Block {
	bc.check(bn)
	cslot := bc.bcache.LookupSlot(bn)
	cslot.Lock()
	if cslot.Obj == nil {
		atomic.AddUint64(&bc.reads, 1)
		cslot.Obj = bc.d.Read(bn)
	}
	b := cslot.Obj.(disk.Block)
	blk := make(disk.Block, disk.BlockSize)
	copy(blk, b)
	cslot.Unlock()
	bc.bcache.FreeSlot(bn)
	return blk
}

func (bc *Bcache) Write(bn common.Bnum, b disk.Block) {
	if uint64(len(b)) != disk.BlockSize {
		panic("bcache: short block")
	}
	bc.check(bn)
	blk := make(disk.Block, disk.BlockSize)
	copy(blk, b)
	cslot := bc.bcache.LookupSlot(bn)
	cslot.Lock()
	cslot.Obj = blk
	atomic.AddUint64(&bc.writes, 1)
	bc.d.Write(bn, blk)
	cslot.Unlock()
	bc.bcache.FreeSlot(bn)
}

// Zero overwrites block bn with zeroes.
func (bc *Bcache) Zero(bn common.Bnum) {
	bc.Write(bn, make(disk.Block, disk.BlockSize))
}

func (bc *Bcache) Barrier() {
	bc.d.Barrier()
}

func (bc *Bcache) Size() uint64 {
	return bc.nblk
}

// Stats returns the number of device reads and writes issued so far.
func (bc *Bcache) Stats() (uint64, uint64) {
	return atomic.LoadUint64(&bc.reads), atomic.LoadUint64(&bc.writes)
}

// Drop forgets all cached blocks.
func (bc *Bcache) Drop() {
	bc.bcache.Drop()
}
