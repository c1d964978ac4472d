package inode

import (
	"fmt"

	"github.com/tchajed/goose/machine"
	"github.com/tchajed/goose/machine/disk"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/util"
)

func sub(a uint64, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return 0
}

// shrink frees every block of ip at logical index nkeep or beyond,
// including indirection blocks left with no children.
func (ip *Inode) shrink(t *Table, nkeep uint64) {
	for i := nkeep; i < NDIRECT; i++ {
		if ip.blks[i] != common.NULLBNUM {
			t.FreeBlock(ip.blks[i])
			ip.blks[i] = common.NULLBNUM
		}
	}
	ip.blks[INDIRECT] = t.indshrink(ip.blks[INDIRECT], 1, sub(nkeep, NDIRECT))
	ip.blks[DINDIRECT] = t.indshrink(ip.blks[DINDIRECT], 2, sub(nkeep, NDIRECT+NBLKBLK))
}

// indshrink frees the blocks of the subtree at root from logical offset
// first on, and returns the new root.
func (t *Table) indshrink(root common.Bnum, level uint64, first uint64) common.Bnum {
	if root == common.NULLBNUM {
		return common.NULLBNUM
	}
	if level == 0 {
		if first == 0 {
			t.FreeBlock(root)
			return common.NULLBNUM
		}
		return root
	}
	span := pow(level - 1)
	blk := t.bc.Read(root)
	changed := false
	live := false
	for i := uint64(0); i < NBLKBLK; i++ {
		child := machine.UInt64Get(blk[i*8:])
		if child == common.NULLBNUM {
			continue
		}
		if (i+1)*span <= first {
			live = true
			continue
		}
		nc := t.indshrink(child, level-1, sub(first, i*span))
		if nc != child {
			machine.UInt64Put(blk[i*8:], nc)
			changed = true
		}
		if nc != common.NULLBNUM {
			live = true
		}
	}
	if !live {
		t.FreeBlock(root)
		return common.NULLBNUM
	}
	if changed {
		t.bc.Write(root, blk)
	}
	return root
}

// Truncate sets ip's size.  Shrinking frees the blocks wholly beyond the
// new size and zeroes the rest of the last partial block; growing leaves
// a hole.  The caller holds ip's lock.
func (ip *Inode) Truncate(t *Table, size uint64) error {
	if size > MaxFileSize() {
		return fmt.Errorf("truncate %d to %d: %w", ip.Inum, size, common.ErrFileTooLarge)
	}
	if size < ip.Size {
		if off := size % disk.BlockSize; off != 0 {
			bn, _ := ip.Resolve(t, size/disk.BlockSize, false)
			if bn != common.NULLBNUM {
				blk := t.bc.Read(bn)
				for i := off; i < disk.BlockSize; i++ {
					blk[i] = 0
				}
				t.bc.Write(bn, blk)
			}
		}
		ip.shrink(t, util.RoundUp(size, disk.BlockSize))
	}
	util.DPrintf(5, "truncate %d: %d -> %d\n", ip.Inum, ip.Size, size)
	ip.Size = size
	ip.TouchMtime()
	return nil
}
