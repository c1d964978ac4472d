package dir

import (
	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/dcache"
	"github.com/nkfs-dev/nkfs/inode"
)

func mkDcache(t *inode.Table, dip *inode.Inode) {
	dc := dcache.MkDcache()
	scan(t, dip, 0, func(de *dirEnt, off uint64) bool {
		if de.inum == common.NULLINUM {
			dc.AddFree(off)
		} else {
			dc.Add(de.name, de.inum, de.kind, off)
		}
		return true
	})
	dip.Dcache = dc
}

// dcacheOf returns dip's name cache, building it from disk on first use.
// It lives as long as the cached inode and is kept in step with every
// entry this package writes.
func dcacheOf(t *inode.Table, dip *inode.Inode) *dcache.Dcache {
	if dip.Dcache == nil {
		mkDcache(t, dip)
	}
	return dip.Dcache
}
