package dir

import (
	"fmt"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/inode"
	"github.com/nkfs-dev/nkfs/util"
)

// Rename moves the entry srcName of src, which refers to ip, to dstName
// in dst.  target is the inode dstName currently refers to, or nil.  An
// existing target is only overwritten when replace is set; a directory
// target must be empty and ip must then be a directory too.  The caller
// holds the locks of src, dst, ip and target, and has ruled out moving a
// directory below itself.
//
// The move is a delete followed by an insert.  If the insert cannot get
// a block, the deleted entry is put back where it was.
func Rename(t *inode.Table, src *inode.Inode, srcName string, dst *inode.Inode,
	dstName string, ip *inode.Inode, target *inode.Inode, replace bool) error {
	if err := isDir(src); err != nil {
		return err
	}
	if err := isDir(dst); err != nil {
		return err
	}
	if err := ValidName(srcName); err != nil {
		return err
	}
	if err := ValidName(dstName); err != nil {
		return err
	}
	inum, _, err := Lookup(t, src, srcName)
	if err != nil {
		return err
	}
	if inum != ip.Inum {
		return fmt.Errorf("rename %q: entry is %d, not %d: %w", srcName, inum,
			ip.Inum, common.ErrNotFound)
	}
	tinum, _, err := Lookup(t, dst, dstName)
	exists := err == nil
	if exists {
		if !replace {
			return fmt.Errorf("rename to %q in %d: %w", dstName, dst.Inum, common.ErrExists)
		}
		if tinum == ip.Inum {
			// same object under both names
			return nil
		}
		if target == nil || target.Inum != tinum {
			panic(fmt.Sprintf("Rename: target of %q is %d, caller passed %v",
				dstName, tinum, target))
		}
		if err := checkReplace(t, ip, target); err != nil {
			return err
		}
	} else {
		target = nil
	}

	util.DPrintf(1, "rename %d/%q -> %d/%q (# %d, replace %v)\n", src.Inum,
		srcName, dst.Inum, dstName, ip.Inum, target != nil)

	if target != nil {
		if _, err := remEnt(t, dst, dstName); err != nil {
			panic(err)
		}
		target.DecLink()
		if target.Kind == common.KindDir {
			DropDots(t, target, dst)
		}
	}
	off, err := remEnt(t, src, srcName)
	if err != nil {
		panic(err)
	}
	ip.DecLink()
	if _, err := addEnt(t, dst, dstName, ip.Inum, ip.Kind); err != nil {
		// slot off is a tombstone inside an existing block
		de := &dirEnt{inum: ip.Inum, kind: ip.Kind, name: srcName}
		if werr := writeEnt(t, src, off, de); werr != nil {
			panic(fmt.Sprintf("Rename: restore %q in %d: %v", srcName, src.Inum, werr))
		}
		dc := dcacheOf(t, src)
		dc.UseFree(off)
		dc.Add(srcName, ip.Inum, ip.Kind, off)
		ip.IncLink()
		return err
	}
	ip.IncLink()
	if ip.Kind == common.KindDir && src.Inum != dst.Inum {
		SetParent(t, ip, src, dst)
	}
	src.TouchMtime()
	dst.TouchMtime()
	ip.MarkDirty()
	return nil
}

func checkReplace(t *inode.Table, ip *inode.Inode, target *inode.Inode) error {
	if target.Kind == common.KindDir {
		if ip.Kind != common.KindDir {
			return fmt.Errorf("rename over %d: %w", target.Inum, common.ErrIsDir)
		}
		if !IsEmpty(t, target) {
			return fmt.Errorf("rename over %d: %w", target.Inum, common.ErrNotEmpty)
		}
		return nil
	}
	if ip.Kind == common.KindDir {
		return fmt.Errorf("rename over %d: %w", target.Inum, common.ErrNotDir)
	}
	return nil
}
