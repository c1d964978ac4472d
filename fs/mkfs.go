package fs

import (
	"fmt"
	"log/slog"

	"github.com/tchajed/goose/machine/disk"

	"github.com/nkfs-dev/nkfs/alloc"
	"github.com/nkfs-dev/nkfs/bcache"
	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/dir"
	"github.com/nkfs-dev/nkfs/super"
)

const ROOTMODE uint32 = 0755

// Mkfs formats d with an empty root directory and returns the new
// superblock.
func Mkfs(d disk.Disk, cfg Config) (*super.FsSuper, error) {
	cfg = cfg.withDefaults(d.Size())
	sb, err := super.MkFsSuper(d.Size(), cfg.NInodes)
	if err != nil {
		return nil, fmt.Errorf("mkfs: %w", err)
	}
	bc := bcache.MkBcache(d, cfg.BlockCacheSize)
	for bn := sb.BlockBitmapStart; bn < sb.DataStart; bn++ {
		bc.Zero(bn)
	}
	balloc := alloc.MkEmptyAlloc(sb.NBlocks, sb.DataStart, "block")
	// the root is the first inode handed out
	ialloc := alloc.MkEmptyAlloc(sb.NInodes, common.ROOTINUM, "inode")
	v := mkVolume(bc, sb, balloc, ialloc, cfg)

	root, err := v.tbl.Create(common.KindDir, cfg.Uid, cfg.Gid, ROOTMODE)
	if err != nil {
		return nil, fmt.Errorf("mkfs: root: %w", err)
	}
	if root.Inum != common.ROOTINUM {
		panic(fmt.Sprintf("mkfs: root is %d", root.Inum))
	}
	root.Lock()
	err = dir.InitDir(v.tbl, root, root)
	root.Unlock()
	v.tbl.Put(root)
	if err != nil {
		return nil, fmt.Errorf("mkfs: root: %w", err)
	}
	v.sync()
	slog.Info("mkfs", "uuid", sb.UUID, "blocks", sb.NBlocks, "inodes", sb.NInodes,
		"data", sb.DataStart)
	return sb, nil
}
