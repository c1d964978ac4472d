package dcache

import (
	"sort"

	"github.com/nkfs-dev/nkfs/common"
)

// Dcache is the in-memory index of one directory: live names with their
// entry offsets, and the offsets of tombstoned entries in ascending
// order.  It is owned by the directory inode and protected by its lock.
type Dentry struct {
	Inum common.Inum
	Kind common.Kind
	Off  uint64
}

type Dcache struct {
	cache map[string]Dentry
	free  []uint64
}

func MkDcache() *Dcache {
	return &Dcache{
		cache: make(map[string]Dentry),
	}
}

func (dc *Dcache) Add(name string, inum common.Inum, kind common.Kind, off uint64) {
	dc.cache[name] = Dentry{Inum: inum, Kind: kind, Off: off}
}

func (dc *Dcache) Lookup(name string) (Dentry, bool) {
	d, ok := dc.cache[name]
	return d, ok
}

func (dc *Dcache) Del(name string) bool {
	_, ok := dc.cache[name]
	if ok {
		delete(dc.cache, name)
	}
	return ok
}

func (dc *Dcache) Len() int {
	return len(dc.cache)
}

// AddFree records a tombstone at off.
func (dc *Dcache) AddFree(off uint64) {
	i := sort.Search(len(dc.free), func(i int) bool { return dc.free[i] >= off })
	if i < len(dc.free) && dc.free[i] == off {
		return
	}
	dc.free = append(dc.free, 0)
	copy(dc.free[i+1:], dc.free[i:])
	dc.free[i] = off
}

// FirstFree returns the lowest tombstone offset without consuming it.
func (dc *Dcache) FirstFree() (uint64, bool) {
	if len(dc.free) == 0 {
		return 0, false
	}
	return dc.free[0], true
}

// UseFree removes off from the tombstone list.
func (dc *Dcache) UseFree(off uint64) {
	i := sort.Search(len(dc.free), func(i int) bool { return dc.free[i] >= off })
	if i < len(dc.free) && dc.free[i] == off {
		dc.free = append(dc.free[:i], dc.free[i+1:]...)
	}
}
