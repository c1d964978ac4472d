package common

import (
	"github.com/tchajed/goose/machine/disk"
)

const (
	INODESZ  uint64 = 128 // on-disk size
	DIRENTSZ uint64 = 256 // on-disk size

	NBITBLOCK uint64 = disk.BlockSize * 8
	INODEBLK  uint64 = disk.BlockSize / INODESZ
	DIRENTBLK uint64 = disk.BlockSize / DIRENTSZ

	MAGIC   uint32 = 0x4E4B4653 // "NKFS"
	VERSION uint32 = 1
)

type Inum = uint64
type Bnum = uint64

const (
	NULLINUM Inum = 0
	ROOTINUM Inum = 1
	NULLBNUM Bnum = 0
)

// Kind is the immutable type tag of an inode.
type Kind uint32

const (
	KindFree Kind = iota
	KindRegular
	KindDir
	KindSymlink
	KindSpecial
)

func (k Kind) String() string {
	switch k {
	case KindFree:
		return "free"
	case KindRegular:
		return "regular"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	case KindSpecial:
		return "special"
	default:
		return "invalid"
	}
}

func (k Kind) Valid() bool {
	return k > KindFree && k <= KindSpecial
}
