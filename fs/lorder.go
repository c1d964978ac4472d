package fs

import (
	"fmt"
	"sort"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/dir"
	"github.com/nkfs-dev/nkfs/inode"
	"github.com/nkfs-dev/nkfs/util"
)

// locked is a set of inodes locked in increasing inode number order.
type locked struct {
	fs     *Fs
	inodes map[common.Inum]*inode.Inode
}

// lockInodes gets and locks the inodes in inums (duplicates and
// NULLINUM are ignored) in sorted order.  An inode freed before it could
// be locked makes the whole call fail with ErrNotFound.
func (fs *Fs) lockInodes(inums ...common.Inum) (*locked, error) {
	util.DPrintf(5, "lock inodes %v\n", inums)
	sorted := make([]common.Inum, 0, len(inums))
	for _, inum := range inums {
		if inum != common.NULLINUM {
			sorted = append(sorted, inum)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	l := &locked{fs: fs, inodes: make(map[common.Inum]*inode.Inode)}
	for _, inum := range sorted {
		if l.inodes[inum] != nil {
			continue
		}
		ip, err := fs.tbl.Get(inum)
		if err != nil {
			l.release()
			return nil, err
		}
		ip.Lock()
		l.inodes[inum] = ip
		if ip.Kind == common.KindFree {
			l.release()
			return nil, fmt.Errorf("inode %d: %w", inum, common.ErrNotFound)
		}
	}
	return l, nil
}

func (l *locked) get(inum common.Inum) *inode.Inode {
	return l.inodes[inum]
}

// release unlocks and puts every inode.  Putting the last reference to
// an unlinked inode reclaims it.
func (l *locked) release() {
	for _, ip := range l.inodes {
		ip.Unlock()
	}
	for _, ip := range l.inodes {
		l.fs.tbl.Put(ip)
	}
	l.inodes = nil
}

// lockDir locks a single directory.
func (fs *Fs) lockDir(dinum common.Inum) (*locked, *inode.Inode, error) {
	l, err := fs.lockInodes(dinum)
	if err != nil {
		return nil, nil, err
	}
	dip := l.get(dinum)
	if dip.Kind != common.KindDir {
		l.release()
		return nil, nil, fmt.Errorf("inode %d: %w", dinum, common.ErrNotDir)
	}
	return l, dip, nil
}

// peek looks name up in dinum without keeping any lock.
func (fs *Fs) peek(dinum common.Inum, name string) (common.Inum, error) {
	l, dip, err := fs.lockDir(dinum)
	if err != nil {
		return common.NULLINUM, err
	}
	defer l.release()
	inum, _, err := dir.Lookup(fs.tbl, dip, name)
	return inum, err
}

// lookupOrdered locks directory dinum together with the inode name
// refers to, then revalidates that name still refers to it.  It retries
// if the entry changed while nothing was locked.
func (fs *Fs) lookupOrdered(dinum common.Inum, name string) (*locked, *inode.Inode, *inode.Inode, error) {
	for {
		inum, err := fs.peek(dinum, name)
		if err != nil {
			return nil, nil, nil, err
		}
		l, err := fs.lockInodes(dinum, inum)
		if err != nil {
			return nil, nil, nil, err
		}
		dip := l.get(dinum)
		cur, _, err := dir.Lookup(fs.tbl, dip, name)
		if err == nil && cur == inum {
			return l, dip, l.get(inum), nil
		}
		util.DPrintf(1, "lookupOrdered %d %q: %d became %d, retry\n", dinum, name, inum, cur)
		l.release()
	}
}
