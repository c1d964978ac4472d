package inode

import (
	"fmt"
	"time"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/nkfs-dev/nkfs/cache"
	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/dcache"
)

const (
	NBLKINO   uint64 = 8 // # blk in an inode's blks array
	NDIRECT   uint64 = NBLKINO - 2
	INDIRECT  uint64 = NBLKINO - 2
	DINDIRECT uint64 = NBLKINO - 1
	NBLKBLK   uint64 = disk.BlockSize / 8 // # blkno per block
	NINDLEVEL uint64 = 2                  // # levels of indirection
)

type Inode struct {
	// in-memory info:
	Inum   common.Inum
	Dcache *dcache.Dcache
	cslot  *cache.Cslot
	dirty  bool

	// the on-disk inode:
	Kind  common.Kind
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Nlink uint32
	Gen   uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Rdev  uint64
	blks  []common.Bnum
}

func mkInode(inum common.Inum) *Inode {
	return &Inode{
		Inum: inum,
		blks: make([]common.Bnum, NBLKINO),
	}
}

func (ip *Inode) String() string {
	return fmt.Sprintf("# %d k %v n %d g %d sz %d %v", ip.Inum, ip.Kind,
		ip.Nlink, ip.Gen, ip.Size, ip.blks)
}

// Lock and Unlock guard every field of the on-disk inode as well as the
// inode's data blocks.
func (ip *Inode) Lock() {
	ip.cslot.Lock()
}

func (ip *Inode) Unlock() {
	ip.cslot.Unlock()
}

// MarkDirty records a metadata change.
func (ip *Inode) MarkDirty() {
	ip.dirty = true
	ip.Ctime = time.Now()
}

// TouchMtime records a content change.
func (ip *Inode) TouchMtime() {
	now := time.Now()
	ip.dirty = true
	ip.Mtime = now
	ip.Ctime = now
}

func (ip *Inode) IncLink() {
	ip.Nlink = ip.Nlink + 1
	ip.MarkDirty()
}

func (ip *Inode) DecLink() {
	if ip.Nlink == 0 {
		panic(fmt.Sprintf("DecLink: inode %d has no links", ip.Inum))
	}
	ip.Nlink = ip.Nlink - 1
	ip.MarkDirty()
}

// Blks returns a copy of the block pointer table.
func (ip *Inode) Blks() []common.Bnum {
	blks := make([]common.Bnum, NBLKINO)
	copy(blks, ip.blks)
	return blks
}

func encodeTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func decodeTime(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n))
}

func (ip *Inode) Encode() []byte {
	enc := marshal.NewEnc(common.INODESZ)
	enc.PutInt32(uint32(ip.Kind))
	enc.PutInt32(ip.Mode)
	enc.PutInt32(ip.Uid)
	enc.PutInt32(ip.Gid)
	enc.PutInt32(ip.Nlink)
	enc.PutInt32(ip.Gen)
	enc.PutInt(ip.Size)
	enc.PutInt(encodeTime(ip.Atime))
	enc.PutInt(encodeTime(ip.Mtime))
	enc.PutInt(encodeTime(ip.Ctime))
	enc.PutInt(ip.Rdev)
	enc.PutInts(ip.blks)
	return enc.Finish()
}

func Decode(d []byte, inum common.Inum) *Inode {
	ip := mkInode(inum)
	dec := marshal.NewDec(d)
	ip.Kind = common.Kind(dec.GetInt32())
	ip.Mode = dec.GetInt32()
	ip.Uid = dec.GetInt32()
	ip.Gid = dec.GetInt32()
	ip.Nlink = dec.GetInt32()
	ip.Gen = dec.GetInt32()
	ip.Size = dec.GetInt()
	ip.Atime = decodeTime(dec.GetInt())
	ip.Mtime = decodeTime(dec.GetInt())
	ip.Ctime = decodeTime(dec.GetInt())
	ip.Rdev = dec.GetInt()
	ip.blks = dec.GetInts(NBLKINO)
	return ip
}

func pow(level uint64) uint64 {
	var p uint64 = 1
	for i := uint64(0); i < level; i++ {
		p = p * NBLKBLK
	}
	return p
}

func MaxFileSize() uint64 {
	return (NDIRECT + pow(1) + pow(NINDLEVEL)) * disk.BlockSize
}
