package inode

import (
	"fmt"

	"github.com/tchajed/goose/machine"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/util"
)

// ptrLoc names a block pointer: slot index of ip.blks when blk is
// NULLBNUM, otherwise entry index of indirect block blk.
type ptrLoc struct {
	blk   common.Bnum
	index uint64
}

// offsets splits logical block bn into the slot of ip.blks that roots its
// path and the entry index at each indirection level below that slot.
func offsets(bn uint64) (uint64, []uint64, error) {
	if bn < NDIRECT {
		return bn, nil, nil
	}
	bn = bn - NDIRECT
	if bn < NBLKBLK {
		return INDIRECT, []uint64{bn}, nil
	}
	bn = bn - NBLKBLK
	if bn < pow(2) {
		return DINDIRECT, []uint64{bn / NBLKBLK, bn % NBLKBLK}, nil
	}
	return 0, nil, common.ErrFileTooLarge
}

type resolver struct {
	t         *Table
	ip        *Inode
	allocated []common.Bnum
	written   []ptrLoc
}

func (r *resolver) load(loc ptrLoc) common.Bnum {
	var bn common.Bnum
	if loc.blk == common.NULLBNUM {
		bn = r.ip.blks[loc.index]
	} else {
		blk := r.t.bc.Read(loc.blk)
		bn = machine.UInt64Get(blk[loc.index*8:])
	}
	if bn != common.NULLBNUM && !r.t.super.ValidDataBlock(bn) {
		panic(fmt.Sprintf("inode %d: corrupt block pointer %d", r.ip.Inum, bn))
	}
	return bn
}

func (r *resolver) store(loc ptrLoc, bn common.Bnum) {
	if loc.blk == common.NULLBNUM {
		r.ip.blks[loc.index] = bn
		return
	}
	blk := r.t.bc.Read(loc.blk)
	machine.UInt64Put(blk[loc.index*8:], bn)
	r.t.bc.Write(loc.blk, blk)
}

func (r *resolver) get(loc ptrLoc, create bool) (common.Bnum, error) {
	bn := r.load(loc)
	if bn != common.NULLBNUM || !create {
		return bn, nil
	}
	bn, err := r.t.AllocBlock()
	if err != nil {
		return common.NULLBNUM, err
	}
	r.allocated = append(r.allocated, bn)
	r.store(loc, bn)
	r.written = append(r.written, loc)
	return bn, nil
}

func (r *resolver) isNew(bn common.Bnum) bool {
	for _, a := range r.allocated {
		if a == bn {
			return true
		}
	}
	return false
}

// rollback undoes every pointer write and allocation of this call.
// Pointers inside blocks allocated by this call go away with the block.
func (r *resolver) rollback() {
	for i := len(r.written) - 1; i >= 0; i-- {
		loc := r.written[i]
		if loc.blk != common.NULLBNUM && r.isNew(loc.blk) {
			continue
		}
		r.store(loc, common.NULLBNUM)
	}
	for _, bn := range r.allocated {
		r.t.FreeBlock(bn)
	}
}

// Resolve maps logical block bn of ip to a device block.  Without create
// an unmapped block resolves to NULLBNUM (a hole) and nothing is
// allocated.  With create, missing indirect and data blocks are allocated
// zeroed; if the volume runs out of space partway, the call leaves ip and
// the allocator as it found them.  The caller holds ip's lock.
func (ip *Inode) Resolve(t *Table, bn uint64, create bool) (common.Bnum, error) {
	slot, path, err := offsets(bn)
	if err != nil {
		return common.NULLBNUM, fmt.Errorf("inode %d block %d: %w", ip.Inum, bn, err)
	}
	r := &resolver{t: t, ip: ip}
	cur, err := r.get(ptrLoc{blk: common.NULLBNUM, index: slot}, create)
	for _, idx := range path {
		if err != nil || cur == common.NULLBNUM {
			break
		}
		cur, err = r.get(ptrLoc{blk: cur, index: idx}, create)
	}
	if err != nil {
		util.DPrintf(1, "resolve %d block %d: %v, undo %d allocs\n", ip.Inum,
			bn, err, len(r.allocated))
		r.rollback()
		return common.NULLBNUM, fmt.Errorf("inode %d block %d: %w", ip.Inum, bn, err)
	}
	for _, loc := range r.written {
		if loc.blk == common.NULLBNUM {
			ip.MarkDirty()
			break
		}
	}
	return cur, nil
}

// Walk calls f for every block ip owns, meta set for indirection blocks.
func (ip *Inode) Walk(t *Table, f func(bn common.Bnum, meta bool)) {
	for i := uint64(0); i < NDIRECT; i++ {
		if ip.blks[i] != common.NULLBNUM {
			f(ip.blks[i], false)
		}
	}
	t.walkInd(ip.blks[INDIRECT], 1, f)
	t.walkInd(ip.blks[DINDIRECT], 2, f)
}

func (t *Table) walkInd(root common.Bnum, level uint64, f func(common.Bnum, bool)) {
	if root == common.NULLBNUM {
		return
	}
	if level == 0 {
		f(root, false)
		return
	}
	f(root, true)
	blk := t.bc.Read(root)
	for i := uint64(0); i < NBLKBLK; i++ {
		t.walkInd(machine.UInt64Get(blk[i*8:]), level-1, f)
	}
}

// Verify checks ip's record against the volume geometry: a live kind, a
// size within MaxFileSize, and block pointers that all name data blocks,
// those inside indirection blocks included.  The caller holds ip's lock.
func (ip *Inode) Verify(t *Table) error {
	if !ip.Kind.Valid() {
		return fmt.Errorf("inode %d: kind %d: %w", ip.Inum, ip.Kind, common.ErrCorruptVolume)
	}
	if ip.Size > MaxFileSize() {
		return fmt.Errorf("inode %d: size %d: %w", ip.Inum, ip.Size, common.ErrCorruptVolume)
	}
	for i := uint64(0); i < NDIRECT; i++ {
		if !t.verifyInd(ip.blks[i], 0) {
			return fmt.Errorf("inode %d: block %d: %w", ip.Inum, ip.blks[i], common.ErrCorruptVolume)
		}
	}
	if !t.verifyInd(ip.blks[INDIRECT], 1) || !t.verifyInd(ip.blks[DINDIRECT], 2) {
		return fmt.Errorf("inode %d: bad indirect block: %w", ip.Inum, common.ErrCorruptVolume)
	}
	return nil
}

func (t *Table) verifyInd(bn common.Bnum, level uint64) bool {
	if bn == common.NULLBNUM {
		return true
	}
	if !t.super.ValidDataBlock(bn) {
		return false
	}
	if level == 0 {
		return true
	}
	blk := t.bc.Read(bn)
	for i := uint64(0); i < NBLKBLK; i++ {
		if !t.verifyInd(machine.UInt64Get(blk[i*8:]), level-1) {
			return false
		}
	}
	return true
}

// NBlocks counts the data and indirection blocks ip owns.
func (ip *Inode) NBlocks(t *Table) uint64 {
	var n uint64
	ip.Walk(t, func(common.Bnum, bool) { n++ })
	return n
}
