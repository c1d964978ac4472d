package inode

import (
	"fmt"
	"time"

	"github.com/nkfs-dev/nkfs/addrlock"
	"github.com/nkfs-dev/nkfs/bcache"
	"github.com/nkfs-dev/nkfs/cache"
	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/super"
	"github.com/nkfs-dev/nkfs/util"
)

const ICACHESZ uint64 = 100

// Allocator hands out block or inode numbers.  *alloc.Alloc implements
// it.
type Allocator interface {
	AllocNum() (uint64, error)
	FreeNum(num uint64)
}

// Table is the in-memory view of the inode table.  Inodes are reference
// counted through the inode cache: an inode stays cached, and Get keeps
// returning the same *Inode, until its last reference is dropped and the
// cache evicts it.
type Table struct {
	super  *super.FsSuper
	bc     *bcache.Bcache
	balloc Allocator
	ialloc Allocator
	icache *cache.Cache
	blocks *addrlock.LockMap
}

func MkTable(fs *super.FsSuper, bc *bcache.Bcache, balloc Allocator, ialloc Allocator, sz uint64) *Table {
	if sz == 0 {
		sz = ICACHESZ
	}
	t := &Table{
		super:  fs,
		bc:     bc,
		balloc: balloc,
		ialloc: ialloc,
		blocks: addrlock.MkLockMap(),
	}
	t.icache = cache.MkCache(sz, t.evict)
	return t
}

func (t *Table) Super() *super.FsSuper {
	return t.super
}

// evict runs with the object unreferenced; nobody else can hold its lock.
func (t *Table) evict(id uint64, obj interface{}) {
	ip := obj.(*Inode)
	if ip.dirty {
		util.DPrintf(5, "evict: write back %v\n", ip)
		t.Persist(ip)
	}
}

func (t *Table) readInode(inum common.Inum) *Inode {
	bn, off := t.super.Inum2Block(inum)
	blk := t.bc.Read(bn)
	return Decode(blk[off:off+common.INODESZ], inum)
}

// lookup returns the referenced, loaded inode for inum.
func (t *Table) lookup(inum common.Inum) *Inode {
	slot := t.icache.LookupSlot(inum)
	slot.Lock()
	if slot.Obj == nil {
		ip := t.readInode(inum)
		ip.cslot = slot
		slot.Obj = ip
	}
	ip := slot.Obj.(*Inode)
	slot.Unlock()
	return ip
}

// Get returns a referenced, unlocked inode.  Callers release it with Put.
func (t *Table) Get(inum common.Inum) (*Inode, error) {
	if !t.super.ValidInum(inum) {
		return nil, fmt.Errorf("inode %d: %w", inum, common.ErrNotFound)
	}
	ip := t.lookup(inum)
	ip.Lock()
	free := ip.Kind == common.KindFree
	ip.Unlock()
	if free {
		t.icache.FreeSlot(inum)
		return nil, fmt.Errorf("inode %d: %w", inum, common.ErrNotFound)
	}
	return ip, nil
}

// Create allocates a fresh inode of the given kind.  The new inode has no
// links; a caller that fails to link it simply Puts it and it is
// reclaimed.
func (t *Table) Create(kind common.Kind, uid uint32, gid uint32, mode uint32) (*Inode, error) {
	if kind == common.KindFree || !kind.Valid() {
		panic(fmt.Sprintf("Create: bad kind %v", kind))
	}
	inum, err := t.ialloc.AllocNum()
	if err != nil {
		return nil, fmt.Errorf("create %v: %w", kind, err)
	}
	ip := t.lookup(inum)
	ip.Lock()
	if ip.Kind != common.KindFree {
		panic(fmt.Sprintf("Create: allocator handed out live inode %v", ip))
	}
	now := time.Now()
	ip.Kind = kind
	ip.Mode = mode
	ip.Uid = uid
	ip.Gid = gid
	ip.Nlink = 0
	ip.Gen = ip.Gen + 1
	ip.Size = 0
	ip.Atime = now
	ip.Mtime = now
	ip.Ctime = now
	ip.Rdev = 0
	ip.blks = make([]common.Bnum, NBLKINO)
	ip.Dcache = nil
	ip.dirty = true
	ip.Unlock()
	util.DPrintf(1, "create %v\n", ip)
	return ip, nil
}

// Persist writes ip's record into the inode table.  The caller holds ip's
// lock.  Other records in the same block belong to other inodes, so the
// read-modify-write of the block is serialized by block number.
func (t *Table) Persist(ip *Inode) {
	bn, off := t.super.Inum2Block(ip.Inum)
	t.blocks.Acquire(bn)
	blk := t.bc.Read(bn)
	copy(blk[off:off+common.INODESZ], ip.Encode())
	t.bc.Write(bn, blk)
	t.blocks.Release(bn)
	ip.dirty = false
}

// Put drops a reference.
func (t *Table) Put(ip *Inode) {
	t.put(ip, false)
}

func (t *Table) put(ip *Inode, persist bool) {
	ip.Lock()
	if ip.Nlink == 0 && ip.Kind != common.KindFree && t.icache.Ref(ip.Inum) == 1 {
		t.release(ip)
	}
	if persist && ip.dirty {
		t.Persist(ip)
	}
	ip.Unlock()
	t.icache.FreeSlot(ip.Inum)
}

// Unref drops a reference to an inode that was only inspected.  Unlike
// Put it never reclaims, so it is safe on records that may be damaged.
func (t *Table) Unref(ip *Inode) {
	t.icache.FreeSlot(ip.Inum)
}

// release frees everything an unlinked, unreferenced inode owns.
func (t *Table) release(ip *Inode) {
	util.DPrintf(1, "release %v\n", ip)
	ip.shrink(t, 0)
	ip.Size = 0
	ip.Kind = common.KindFree
	ip.Mode = 0
	ip.Rdev = 0
	ip.Dcache = nil
	ip.MarkDirty()
	t.ialloc.FreeNum(ip.Inum)
}

// Sync writes back every dirty cached inode and returns how many it
// wrote.
func (t *Table) Sync() int {
	n := 0
	for _, inum := range t.icache.Ids() {
		slot := t.icache.LookupSlot(inum)
		slot.Lock()
		if slot.Obj == nil {
			slot.Unlock()
			t.icache.FreeSlot(inum)
			continue
		}
		ip := slot.Obj.(*Inode)
		ip.cslot = slot
		if ip.dirty {
			n++
		}
		slot.Unlock()
		t.put(ip, true)
	}
	return n
}

// Cached reports the number of inodes in the cache, referenced or not.
func (t *Table) Cached() int {
	return t.icache.Len()
}

// Drop evicts every unreferenced inode, writing back the dirty ones.
func (t *Table) Drop() {
	t.icache.Drop()
}

// AllocBlock returns a zeroed data block.
func (t *Table) AllocBlock() (common.Bnum, error) {
	bn, err := t.balloc.AllocNum()
	if err != nil {
		return common.NULLBNUM, err
	}
	t.assertValidBlock(bn)
	t.bc.Zero(bn)
	return bn, nil
}

func (t *Table) FreeBlock(bn common.Bnum) {
	t.assertValidBlock(bn)
	t.balloc.FreeNum(bn)
}

func (t *Table) assertValidBlock(bn common.Bnum) {
	if !t.super.ValidDataBlock(bn) {
		panic(fmt.Sprintf("block %d is not a data block [%d, %d)", bn,
			t.super.DataStart, t.super.NBlocks))
	}
}

// Referenced reports whether anyone holds a reference to inum.
func (t *Table) Referenced(inum common.Inum) bool {
	return t.icache.Ref(inum) > 0
}
