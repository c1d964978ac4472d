package fs

import (
	"errors"
	"fmt"

	"github.com/tchajed/goose/machine/disk"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/dir"
	"github.com/nkfs-dev/nkfs/inode"
	"github.com/nkfs-dev/nkfs/util"
)

const MAXSYMLINK uint64 = disk.BlockSize

// Cred is the owner given to new inodes.
type Cred struct {
	Uid uint32
	Gid uint32
}

// Handle is a long-lived reference to an inode.  An inode unlinked while
// a handle is open stays readable and is reclaimed on Release.
type Handle struct {
	Inum common.Inum
	Gen  uint32
	ip   *inode.Inode
}

func liveDir(dip *inode.Inode) error {
	if dip.Kind != common.KindDir {
		return fmt.Errorf("inode %d: %w", dip.Inum, common.ErrNotDir)
	}
	if dip.Nlink == 0 {
		return fmt.Errorf("directory %d was removed: %w", dip.Inum, common.ErrNotFound)
	}
	return nil
}

func regular(ip *inode.Inode) error {
	switch ip.Kind {
	case common.KindRegular:
		return nil
	case common.KindDir:
		return fmt.Errorf("inode %d: %w", ip.Inum, common.ErrIsDir)
	}
	return fmt.Errorf("inode %d is a %v: %w", ip.Inum, ip.Kind, common.ErrInvalid)
}

func (fs *Fs) Lookup(dinum common.Inum, name string) (Attr, error) {
	defer fs.recordOp(LOOKUP, now())
	if err := fs.begin(); err != nil {
		return Attr{}, err
	}
	defer fs.end()
	l, _, ip, err := fs.lookupOrdered(dinum, name)
	if err != nil {
		return Attr{}, err
	}
	defer l.release()
	return fs.attr(ip), nil
}

func (fs *Fs) Getattr(inum common.Inum) (Attr, error) {
	defer fs.recordOp(GETATTR, now())
	if err := fs.begin(); err != nil {
		return Attr{}, err
	}
	defer fs.end()
	l, err := fs.lockInodes(inum)
	if err != nil {
		return Attr{}, err
	}
	defer l.release()
	return fs.attr(l.get(inum)), nil
}

func (fs *Fs) Setattr(inum common.Inum, sa SetAttr) (Attr, error) {
	defer fs.recordOp(SETATTR, now())
	if err := fs.begin(); err != nil {
		return Attr{}, err
	}
	defer fs.end()
	l, err := fs.lockInodes(inum)
	if err != nil {
		return Attr{}, err
	}
	defer l.release()
	ip := l.get(inum)
	if sa.Size != nil {
		if err := regular(ip); err != nil {
			return Attr{}, err
		}
		if err := ip.Truncate(fs.tbl, *sa.Size); err != nil {
			return Attr{}, err
		}
	}
	if sa.Mode != nil {
		ip.Mode = *sa.Mode
	}
	if sa.Uid != nil {
		ip.Uid = *sa.Uid
	}
	if sa.Gid != nil {
		ip.Gid = *sa.Gid
	}
	ip.MarkDirty()
	if sa.Atime != nil {
		ip.Atime = *sa.Atime
	}
	if sa.Mtime != nil {
		ip.Mtime = *sa.Mtime
	}
	return fs.attr(ip), nil
}

// mkobj creates an inode of the given kind and links it into dinum as
// name; init, if set, runs with both inodes locked after the link.  The
// new inode is created before anything is locked, so that it can be
// locked in order with the directory.  If linking fails the unlinked
// inode is reclaimed by the final Put.
func (fs *Fs) mkobj(dinum common.Inum, name string, kind common.Kind, mode uint32,
	cred Cred, init func(dip *inode.Inode, ip *inode.Inode) error) (Attr, error) {
	if err := dir.ValidName(name); err != nil {
		return Attr{}, err
	}
	if _, err := fs.peek(dinum, name); err == nil {
		return Attr{}, fmt.Errorf("%q in %d: %w", name, dinum, common.ErrExists)
	} else if !errors.Is(err, common.ErrNotFound) {
		return Attr{}, err
	}
	ip, err := fs.tbl.Create(kind, cred.Uid, cred.Gid, mode)
	if err != nil {
		return Attr{}, err
	}
	defer fs.tbl.Put(ip)
	l, err := fs.lockInodes(dinum, ip.Inum)
	if err != nil {
		return Attr{}, err
	}
	defer l.release()
	dip := l.get(dinum)
	if err := liveDir(dip); err != nil {
		return Attr{}, err
	}
	if err := dir.Insert(fs.tbl, dip, name, ip); err != nil {
		return Attr{}, err
	}
	if init != nil {
		if err := init(dip, ip); err != nil {
			if derr := dir.Delete(fs.tbl, dip, name, ip); derr != nil {
				panic(derr)
			}
			return Attr{}, err
		}
	}
	util.DPrintf(1, "mkobj %d/%q -> %v\n", dinum, name, ip)
	return fs.attr(ip), nil
}

func (fs *Fs) Create(dinum common.Inum, name string, mode uint32, cred Cred) (Attr, error) {
	defer fs.recordOp(CREATE, now())
	if err := fs.begin(); err != nil {
		return Attr{}, err
	}
	defer fs.end()
	return fs.mkobj(dinum, name, common.KindRegular, mode, cred, nil)
}

func (fs *Fs) Mkdir(dinum common.Inum, name string, mode uint32, cred Cred) (Attr, error) {
	defer fs.recordOp(MKDIR, now())
	if err := fs.begin(); err != nil {
		return Attr{}, err
	}
	defer fs.end()
	return fs.mkobj(dinum, name, common.KindDir, mode, cred,
		func(dip *inode.Inode, ip *inode.Inode) error {
			return dir.InitDir(fs.tbl, ip, dip)
		})
}

func (fs *Fs) Symlink(dinum common.Inum, name string, target string, cred Cred) (Attr, error) {
	defer fs.recordOp(SYMLINK, now())
	if err := fs.begin(); err != nil {
		return Attr{}, err
	}
	defer fs.end()
	if target == "" {
		return Attr{}, fmt.Errorf("empty symlink target: %w", common.ErrInvalid)
	}
	if uint64(len(target)) > MAXSYMLINK {
		return Attr{}, fmt.Errorf("symlink target: %w", common.ErrNameTooLong)
	}
	return fs.mkobj(dinum, name, common.KindSymlink, 0777, cred,
		func(dip *inode.Inode, ip *inode.Inode) error {
			_, err := ip.Write(fs.tbl, 0, []byte(target))
			return err
		})
}

func (fs *Fs) Mknod(dinum common.Inum, name string, mode uint32, rdev uint64, cred Cred) (Attr, error) {
	defer fs.recordOp(MKNOD, now())
	if err := fs.begin(); err != nil {
		return Attr{}, err
	}
	defer fs.end()
	return fs.mkobj(dinum, name, common.KindSpecial, mode, cred,
		func(dip *inode.Inode, ip *inode.Inode) error {
			ip.Rdev = rdev
			ip.MarkDirty()
			return nil
		})
}

func (fs *Fs) Readlink(inum common.Inum) (string, error) {
	defer fs.recordOp(READLINK, now())
	if err := fs.begin(); err != nil {
		return "", err
	}
	defer fs.end()
	l, err := fs.lockInodes(inum)
	if err != nil {
		return "", err
	}
	defer l.release()
	ip := l.get(inum)
	if ip.Kind != common.KindSymlink {
		return "", fmt.Errorf("inode %d: %w", inum, common.ErrNotSymlink)
	}
	data, _ := ip.Read(fs.tbl, 0, ip.Size)
	return string(data), nil
}

// Link adds name in dinum as another name for inum.
func (fs *Fs) Link(inum common.Inum, dinum common.Inum, name string) (Attr, error) {
	defer fs.recordOp(LINK, now())
	if err := fs.begin(); err != nil {
		return Attr{}, err
	}
	defer fs.end()
	if err := dir.ValidName(name); err != nil {
		return Attr{}, err
	}
	l, err := fs.lockInodes(inum, dinum)
	if err != nil {
		return Attr{}, err
	}
	defer l.release()
	ip, dip := l.get(inum), l.get(dinum)
	if ip.Kind == common.KindDir {
		return Attr{}, fmt.Errorf("link to directory %d: %w", inum, common.ErrIsDir)
	}
	if err := liveDir(dip); err != nil {
		return Attr{}, err
	}
	if ip.Nlink == 0 {
		return Attr{}, fmt.Errorf("link to removed inode %d: %w", inum, common.ErrNotFound)
	}
	if err := dir.Insert(fs.tbl, dip, name, ip); err != nil {
		return Attr{}, err
	}
	return fs.attr(ip), nil
}

func (fs *Fs) Unlink(dinum common.Inum, name string) error {
	defer fs.recordOp(UNLINK, now())
	if err := fs.begin(); err != nil {
		return err
	}
	defer fs.end()
	if err := dir.ValidName(name); err != nil {
		return err
	}
	l, dip, ip, err := fs.lookupOrdered(dinum, name)
	if err != nil {
		return err
	}
	defer l.release()
	if ip.Kind == common.KindDir {
		return fmt.Errorf("unlink %q: %w", name, common.ErrIsDir)
	}
	return dir.Delete(fs.tbl, dip, name, ip)
}

func (fs *Fs) Rmdir(dinum common.Inum, name string) error {
	defer fs.recordOp(RMDIR, now())
	if err := fs.begin(); err != nil {
		return err
	}
	defer fs.end()
	if err := dir.ValidName(name); err != nil {
		return err
	}
	l, dip, ip, err := fs.lookupOrdered(dinum, name)
	if err != nil {
		return err
	}
	defer l.release()
	if ip.Kind != common.KindDir {
		return fmt.Errorf("rmdir %q: %w", name, common.ErrNotDir)
	}
	if !dir.IsEmpty(fs.tbl, ip) {
		return fmt.Errorf("rmdir %q: %w", name, common.ErrNotEmpty)
	}
	if err := dir.Delete(fs.tbl, dip, name, ip); err != nil {
		return err
	}
	dir.DropDots(fs.tbl, ip, dip)
	return nil
}

// isAncestor reports whether inum is dinum or one of its ancestors.
// Parents only change through cross-directory renames, which hold
// renameMu, so the walk is stable for the caller.
func (fs *Fs) isAncestor(inum common.Inum, dinum common.Inum) (bool, error) {
	cur := dinum
	for i := uint64(0); i < fs.super.NInodes; i++ {
		if cur == inum {
			return true, nil
		}
		if cur == common.ROOTINUM {
			return false, nil
		}
		parent, err := fs.peek(cur, "..")
		if err != nil {
			return false, err
		}
		cur = parent
	}
	return false, fmt.Errorf("directory loop above %d: %w", dinum, common.ErrCorruptVolume)
}

// Rename moves srcName in srcDir to dstName in dstDir.  Without replace
// an existing dstName fails the call with ErrExists.
func (fs *Fs) Rename(srcDir common.Inum, srcName string, dstDir common.Inum, dstName string, replace bool) error {
	defer fs.recordOp(RENAME, now())
	if err := fs.begin(); err != nil {
		return err
	}
	defer fs.end()
	if err := dir.ValidName(srcName); err != nil {
		return err
	}
	if err := dir.ValidName(dstName); err != nil {
		return err
	}
	cross := srcDir != dstDir
	if cross {
		fs.renameMu.Lock()
		defer fs.renameMu.Unlock()
	}
	for {
		inum, err := fs.peek(srcDir, srcName)
		if err != nil {
			return err
		}
		tinum, err := fs.peek(dstDir, dstName)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if cross {
			up, err := fs.isAncestor(inum, dstDir)
			if err != nil {
				return err
			}
			if up {
				return fmt.Errorf("rename %q into itself: %w", srcName, common.ErrInvalid)
			}
		}
		l, err := fs.lockInodes(srcDir, dstDir, inum, tinum)
		if err != nil {
			return err
		}
		src, dst := l.get(srcDir), l.get(dstDir)
		if err := liveDir(src); err != nil {
			l.release()
			return err
		}
		if err := liveDir(dst); err != nil {
			l.release()
			return err
		}
		cur, _, serr := dir.Lookup(fs.tbl, src, srcName)
		tcur, _, terr := dir.Lookup(fs.tbl, dst, dstName)
		if terr != nil {
			tcur = common.NULLINUM
		}
		if serr != nil || cur != inum || tcur != tinum {
			util.DPrintf(1, "rename %d/%q: raced, retry\n", srcDir, srcName)
			l.release()
			continue
		}
		err = dir.Rename(fs.tbl, src, srcName, dst, dstName, l.get(inum), l.get(tinum), replace)
		l.release()
		return err
	}
}

func (fs *Fs) Read(inum common.Inum, off uint64, count uint64) ([]byte, bool, error) {
	defer fs.recordOp(READ, now())
	if err := fs.begin(); err != nil {
		return nil, false, err
	}
	defer fs.end()
	l, err := fs.lockInodes(inum)
	if err != nil {
		return nil, false, err
	}
	defer l.release()
	ip := l.get(inum)
	if err := regular(ip); err != nil {
		return nil, false, err
	}
	data, eof := ip.Read(fs.tbl, off, count)
	return data, eof, nil
}

// Write stores data at off and returns how much it wrote; a short count
// comes with the error that stopped it.
func (fs *Fs) Write(inum common.Inum, off uint64, data []byte) (uint64, error) {
	defer fs.recordOp(WRITE, now())
	if err := fs.begin(); err != nil {
		return 0, err
	}
	defer fs.end()
	l, err := fs.lockInodes(inum)
	if err != nil {
		return 0, err
	}
	defer l.release()
	ip := l.get(inum)
	if err := regular(ip); err != nil {
		return 0, err
	}
	return ip.Write(fs.tbl, off, data)
}

// ReadDir returns up to max live entries of dinum starting at offset
// start (0 for the beginning; the next call continues at the last
// entry's Off + DIRENTSZ), and whether it reached the end.
func (fs *Fs) ReadDir(dinum common.Inum, start uint64, max int) ([]dir.Entry, bool, error) {
	defer fs.recordOp(READDIR, now())
	if err := fs.begin(); err != nil {
		return nil, false, err
	}
	defer fs.end()
	l, dip, err := fs.lockDir(dinum)
	if err != nil {
		return nil, false, err
	}
	defer l.release()
	var ents []dir.Entry
	eof, err := dir.ReadDir(fs.tbl, dip, start, func(e dir.Entry) bool {
		if max > 0 && len(ents) >= max {
			return false
		}
		ents = append(ents, e)
		return true
	})
	return ents, eof, err
}

// Bmap translates logical block bn of a regular file to a device block,
// NULLBNUM for a hole.  With create, a hole gets a zeroed block.
func (fs *Fs) Bmap(inum common.Inum, bn uint64, create bool) (common.Bnum, error) {
	defer fs.recordOp(BMAP, now())
	if err := fs.begin(); err != nil {
		return common.NULLBNUM, err
	}
	defer fs.end()
	l, err := fs.lockInodes(inum)
	if err != nil {
		return common.NULLBNUM, err
	}
	defer l.release()
	ip := l.get(inum)
	if err := regular(ip); err != nil {
		return common.NULLBNUM, err
	}
	return ip.Resolve(fs.tbl, bn, create)
}

func (fs *Fs) Open(inum common.Inum) (*Handle, error) {
	defer fs.recordOp(OPEN, now())
	if err := fs.begin(); err != nil {
		return nil, err
	}
	defer fs.end()
	ip, err := fs.tbl.Get(inum)
	if err != nil {
		return nil, err
	}
	ip.Lock()
	gen := ip.Gen
	ip.Unlock()
	fs.handles.Add(1)
	return &Handle{Inum: inum, Gen: gen, ip: ip}, nil
}

func (fs *Fs) Release(h *Handle) error {
	defer fs.recordOp(RELEASE, now())
	if err := fs.begin(); err != nil {
		return err
	}
	defer fs.end()
	if h.ip == nil {
		panic("Release: handle already released")
	}
	fs.tbl.Put(h.ip)
	h.ip = nil
	fs.handles.Add(-1)
	return nil
}
