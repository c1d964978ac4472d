package fs

import (
	"time"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/inode"
)

type Attr struct {
	Inum   common.Inum
	Gen    uint32
	Kind   common.Kind
	Mode   uint32
	Uid    uint32
	Gid    uint32
	Nlink  uint32
	Size   uint64
	Blocks uint64 // data and indirection blocks in use
	Rdev   uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

// SetAttr selects the attributes Setattr changes; nil fields are left
// alone.
type SetAttr struct {
	Mode  *uint32
	Uid   *uint32
	Gid   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

func (fs *Fs) attr(ip *inode.Inode) Attr {
	return Attr{
		Inum:   ip.Inum,
		Gen:    ip.Gen,
		Kind:   ip.Kind,
		Mode:   ip.Mode,
		Uid:    ip.Uid,
		Gid:    ip.Gid,
		Nlink:  ip.Nlink,
		Size:   ip.Size,
		Blocks: ip.NBlocks(fs.tbl),
		Rdev:   ip.Rdev,
		Atime:  ip.Atime,
		Mtime:  ip.Mtime,
		Ctime:  ip.Ctime,
	}
}
