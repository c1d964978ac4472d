package super

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/goose-lang/std"
	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"
	"github.com/zeebo/blake3"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/util"
)

const (
	SUPERBLOCK common.Bnum = 0

	fieldsSize   uint64 = 2*4 + 13*8 + 16
	checksumSize uint64 = 32
)

// FsSuper is the in-memory copy of block 0.  The layout fields never
// change after mkfs; the free counters are refreshed from the allocators
// on every sync.
type FsSuper struct {
	Magic            uint32
	Version          uint32
	BlockSize        uint64
	NBlocks          uint64
	NInodes          uint64
	FreeBlocks       uint64
	FreeInodes       uint64
	RootInum         common.Inum
	BlockBitmapStart common.Bnum
	NBlockBitmap     uint64
	InodeBitmapStart common.Bnum
	NInodeBitmap     uint64
	InodeStart       common.Bnum
	NInodeBlk        uint64
	DataStart        common.Bnum
	UUID             uuid.UUID
}

// MkFsSuper lays out a volume of nblocks blocks with room for at least
// ninodes inodes.  The inode count is rounded up to fill the last
// inode-table block.
func MkFsSuper(nblocks uint64, ninodes uint64) (*FsSuper, error) {
	if ninodes < 2 {
		return nil, fmt.Errorf("layout: need at least 2 inodes, got %d: %w",
			ninodes, common.ErrInvalid)
	}
	ninodeblk := util.RoundUp(ninodes, common.INODEBLK)
	ninodes = ninodeblk * common.INODEBLK
	fs := &FsSuper{
		Magic:            common.MAGIC,
		Version:          common.VERSION,
		BlockSize:        disk.BlockSize,
		NBlocks:          nblocks,
		NInodes:          ninodes,
		RootInum:         common.ROOTINUM,
		BlockBitmapStart: SUPERBLOCK + 1,
		NBlockBitmap:     util.RoundUp(nblocks, common.NBITBLOCK),
		NInodeBitmap:     util.RoundUp(ninodes, common.NBITBLOCK),
		NInodeBlk:        ninodeblk,
		UUID:             uuid.New(),
	}
	fs.InodeBitmapStart = fs.BlockBitmapStart + fs.NBlockBitmap
	fs.InodeStart = fs.InodeBitmapStart + fs.NInodeBitmap
	fs.DataStart = fs.InodeStart + fs.NInodeBlk
	// the root directory needs at least one data block
	if fs.DataStart >= nblocks {
		return nil, fmt.Errorf("layout: %d blocks leave no room for data "+
			"(metadata needs %d): %w", nblocks, fs.DataStart, common.ErrInvalid)
	}
	fs.FreeBlocks = nblocks - fs.DataStart
	fs.FreeInodes = ninodes - 2
	return fs, nil
}

func (fs *FsSuper) String() string {
	return fmt.Sprintf("nkfs %v: %d blocks (%d free), %d inodes (%d free), "+
		"bbitmap %d+%d ibitmap %d+%d itable %d+%d data %d",
		fs.UUID, fs.NBlocks, fs.FreeBlocks, fs.NInodes, fs.FreeInodes,
		fs.BlockBitmapStart, fs.NBlockBitmap, fs.InodeBitmapStart,
		fs.NInodeBitmap, fs.InodeStart, fs.NInodeBlk, fs.DataStart)
}

// Inum2Block returns the inode-table block holding inum and the byte
// offset of its record within that block.
func (fs *FsSuper) Inum2Block(inum common.Inum) (common.Bnum, uint64) {
	return fs.InodeStart + inum/common.INODEBLK,
		(inum % common.INODEBLK) * common.INODESZ
}

func (fs *FsSuper) ValidInum(inum common.Inum) bool {
	return inum != common.NULLINUM && inum < fs.NInodes
}

func (fs *FsSuper) ValidDataBlock(bn common.Bnum) bool {
	return bn >= fs.DataStart && bn < fs.NBlocks
}

func (fs *FsSuper) encodeFields() []byte {
	enc := marshal.NewEnc(fieldsSize)
	enc.PutInt32(fs.Magic)
	enc.PutInt32(fs.Version)
	enc.PutInt(fs.BlockSize)
	enc.PutInt(fs.NBlocks)
	enc.PutInt(fs.NInodes)
	enc.PutInt(fs.FreeBlocks)
	enc.PutInt(fs.FreeInodes)
	enc.PutInt(fs.RootInum)
	enc.PutInt(fs.BlockBitmapStart)
	enc.PutInt(fs.NBlockBitmap)
	enc.PutInt(fs.InodeBitmapStart)
	enc.PutInt(fs.NInodeBitmap)
	enc.PutInt(fs.InodeStart)
	enc.PutInt(fs.NInodeBlk)
	enc.PutInt(fs.DataStart)
	enc.PutBytes(fs.UUID[:])
	return enc.Finish()
}

// Encode returns block 0: the fields followed by their BLAKE3 checksum.
func (fs *FsSuper) Encode() disk.Block {
	fields := fs.encodeFields()
	sum := blake3.Sum256(fields)
	blk := make(disk.Block, disk.BlockSize)
	copy(blk, fields)
	copy(blk[fieldsSize:], sum[:])
	return blk
}

func corrupt(format string, a ...interface{}) error {
	return fmt.Errorf("superblock: %s: %w", fmt.Sprintf(format, a...),
		common.ErrCorruptVolume)
}

// Decode parses and checks block 0.  Any inconsistency is reported as
// common.ErrCorruptVolume.
func Decode(blk disk.Block) (*FsSuper, error) {
	if uint64(len(blk)) < fieldsSize+checksumSize {
		return nil, corrupt("short block")
	}
	dec := marshal.NewDec(blk)
	fs := &FsSuper{}
	fs.Magic = dec.GetInt32()
	if fs.Magic != common.MAGIC {
		return nil, corrupt("bad magic %#x", fs.Magic)
	}
	fs.Version = dec.GetInt32()
	fs.BlockSize = dec.GetInt()
	fs.NBlocks = dec.GetInt()
	fs.NInodes = dec.GetInt()
	fs.FreeBlocks = dec.GetInt()
	fs.FreeInodes = dec.GetInt()
	fs.RootInum = dec.GetInt()
	fs.BlockBitmapStart = dec.GetInt()
	fs.NBlockBitmap = dec.GetInt()
	fs.InodeBitmapStart = dec.GetInt()
	fs.NInodeBitmap = dec.GetInt()
	fs.InodeStart = dec.GetInt()
	fs.NInodeBlk = dec.GetInt()
	fs.DataStart = dec.GetInt()
	copy(fs.UUID[:], dec.GetBytes(16))

	sum := blake3.Sum256(blk[:fieldsSize])
	if !std.BytesEqual(sum[:], blk[fieldsSize:fieldsSize+checksumSize]) {
		return nil, corrupt("checksum mismatch")
	}
	if err := fs.Validate(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Validate checks that the layout is self-consistent.
func (fs *FsSuper) Validate() error {
	if fs.Version != common.VERSION {
		return corrupt("unsupported version %d", fs.Version)
	}
	if fs.BlockSize != disk.BlockSize {
		return corrupt("block size %d != %d", fs.BlockSize, disk.BlockSize)
	}
	if fs.RootInum != common.ROOTINUM {
		return corrupt("root inode %d", fs.RootInum)
	}
	if fs.NInodes < 2 || fs.NInodeBlk*common.INODEBLK != fs.NInodes {
		return corrupt("%d inodes in %d blocks", fs.NInodes, fs.NInodeBlk)
	}
	if fs.BlockBitmapStart != SUPERBLOCK+1 ||
		fs.NBlockBitmap != util.RoundUp(fs.NBlocks, common.NBITBLOCK) ||
		fs.InodeBitmapStart != fs.BlockBitmapStart+fs.NBlockBitmap ||
		fs.NInodeBitmap != util.RoundUp(fs.NInodes, common.NBITBLOCK) ||
		fs.InodeStart != fs.InodeBitmapStart+fs.NInodeBitmap ||
		fs.DataStart != fs.InodeStart+fs.NInodeBlk {
		return corrupt("inconsistent layout")
	}
	if fs.DataStart >= fs.NBlocks {
		return corrupt("no data blocks")
	}
	if fs.FreeBlocks > fs.NBlocks-fs.DataStart || fs.FreeInodes > fs.NInodes-2 {
		return corrupt("free counters out of range")
	}
	return nil
}
