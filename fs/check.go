package fs

import (
	"fmt"
	"strings"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/dir"
	"github.com/nkfs-dev/nkfs/inode"
)

// Report is the outcome of a consistency check.
type Report struct {
	Inodes   uint64 // reachable from the root
	Dirs     uint64
	Blocks   uint64 // owned by reachable inodes
	Orphans  uint64 // unlinked but still open
	Problems []string
}

func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

func (r *Report) problem(format string, a ...interface{}) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, a...))
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d inodes (%d dirs, %d orphans), %d blocks", r.Inodes,
		r.Dirs, r.Orphans, r.Blocks)
	for _, p := range r.Problems {
		fmt.Fprintf(&b, "\n  %s", p)
	}
	return b.String()
}

type checker struct {
	fs     *Fs
	r      *Report
	refs   map[common.Inum]uint32 // directory entries naming the inode
	owner  map[common.Bnum]common.Inum
	nlink  map[common.Inum]uint32
	kinds  map[common.Inum]common.Kind
	parent map[common.Inum]common.Inum // of every reachable directory
}

// Check walks the namespace from the root with every other operation
// held off and cross-checks it against the bitmaps.
func (fs *Fs) Check() (*Report, error) {
	defer fs.recordOp(CHECK, now())
	if err := fs.exclusive(); err != nil {
		return nil, err
	}
	defer fs.opMu.Unlock()
	c := &checker{
		fs:     fs,
		r:      &Report{},
		refs:   make(map[common.Inum]uint32),
		owner:  make(map[common.Bnum]common.Inum),
		nlink:  make(map[common.Inum]uint32),
		kinds:  make(map[common.Inum]common.Kind),
		parent: map[common.Inum]common.Inum{common.ROOTINUM: common.ROOTINUM},
	}
	c.walk()
	c.links()
	c.unreachable()
	c.counters()
	return c.r, nil
}

// visit records the inode's attributes and blocks.  It reports false for
// a record too damaged to follow.
func (c *checker) visit(ip *inode.Inode) bool {
	c.r.Inodes++
	c.nlink[ip.Inum] = ip.Nlink
	c.kinds[ip.Inum] = ip.Kind
	if !c.fs.ialloc.IsAllocated(ip.Inum) {
		c.r.problem("inode %d in use but free in the bitmap", ip.Inum)
	}
	if err := ip.Verify(c.fs.tbl); err != nil {
		c.r.problem("%v", err)
		return false
	}
	c.r.Blocks += c.own(ip)
	return true
}

// own claims ip's blocks and returns how many there are.
func (c *checker) own(ip *inode.Inode) uint64 {
	var n uint64
	ip.Walk(c.fs.tbl, func(bn common.Bnum, meta bool) {
		n++
		if prev, ok := c.owner[bn]; ok {
			c.r.problem("block %d owned by %d and %d", bn, prev, ip.Inum)
			return
		}
		c.owner[bn] = ip.Inum
		if !c.fs.balloc.IsAllocated(bn) {
			c.r.problem("block %d of inode %d free in the bitmap", bn, ip.Inum)
		}
	})
	return n
}

func (c *checker) walk() {
	queue := []common.Inum{common.ROOTINUM}
	seen := map[common.Inum]bool{common.ROOTINUM: true}
	for len(queue) > 0 {
		inum := queue[0]
		queue = queue[1:]
		ip, err := c.fs.tbl.Get(inum)
		if err != nil {
			c.r.problem("directory %d: %v", inum, err)
			continue
		}
		ip.Lock()
		ok := c.visit(ip)
		c.r.Dirs++
		var ents []dir.Entry
		if ok && ip.Size%common.DIRENTSZ != 0 {
			c.r.problem("directory %d: size %d", inum, ip.Size)
			ok = false
		}
		if ok {
			_, err = dir.ReadDir(c.fs.tbl, ip, 0, func(e dir.Entry) bool {
				ents = append(ents, e)
				return true
			})
		}
		ip.Unlock()
		c.fs.tbl.Unref(ip)
		if !ok {
			continue
		}
		if err != nil {
			c.r.problem("directory %d: %v", inum, err)
			continue
		}
		c.dots(inum, ents)
		for _, e := range ents {
			c.refs[e.Inum]++
			if e.Name == "." || e.Name == ".." {
				continue
			}
			if seen[e.Inum] {
				if e.Kind == common.KindDir {
					c.r.problem("directory %d linked twice (%d/%q)", e.Inum, inum, e.Name)
				}
				continue
			}
			seen[e.Inum] = true
			if e.Kind == common.KindDir {
				c.parent[e.Inum] = inum
				queue = append(queue, e.Inum)
			} else {
				c.leaf(inum, e)
			}
		}
	}
}

func (c *checker) dots(inum common.Inum, ents []dir.Entry) {
	if len(ents) < 2 || ents[0].Name != "." || ents[1].Name != ".." ||
		ents[0].Off != 0 || ents[1].Off != common.DIRENTSZ {
		c.r.problem("directory %d: . and .. are not the first entries", inum)
		return
	}
	if ents[0].Inum != inum {
		c.r.problem("directory %d: . is %d", inum, ents[0].Inum)
	}
	if ents[1].Inum != c.parent[inum] {
		c.r.problem("directory %d: .. is %d, parent %d", inum, ents[1].Inum, c.parent[inum])
	}
}

func (c *checker) leaf(dinum common.Inum, e dir.Entry) {
	ip, err := c.fs.tbl.Get(e.Inum)
	if err != nil {
		c.r.problem("%d/%q refers to %d: %v", dinum, e.Name, e.Inum, err)
		return
	}
	ip.Lock()
	c.visit(ip)
	if ip.Kind != e.Kind {
		c.r.problem("%d/%q says %v, inode %d is %v", dinum, e.Name, e.Kind, e.Inum, ip.Kind)
	}
	ip.Unlock()
	c.fs.tbl.Unref(ip)
}

func (c *checker) links() {
	for inum, n := range c.nlink {
		if c.refs[inum] != n {
			c.r.problem("inode %d: nlink %d, %d entries", inum, n, c.refs[inum])
		}
	}
}

// unreachable looks for allocated inodes and blocks nothing refers to.
// An unlinked inode that is still open is expected.  Nothing is repaired:
// an unreachable inode is only read, and its blocks are counted as its
// own so they are not reported a second time.
func (c *checker) unreachable() {
	for inum := common.ROOTINUM + 1; inum < c.fs.super.NInodes; inum++ {
		if !c.fs.ialloc.IsAllocated(inum) {
			continue
		}
		if _, ok := c.nlink[inum]; ok {
			continue
		}
		open := c.fs.tbl.Referenced(inum)
		ip, err := c.fs.tbl.Get(inum)
		if err != nil {
			c.r.problem("inode %d allocated but free: %v", inum, err)
			continue
		}
		ip.Lock()
		nlink := ip.Nlink
		var n uint64
		if err := ip.Verify(c.fs.tbl); err != nil {
			c.r.problem("%v", err)
		} else {
			n = c.own(ip)
		}
		ip.Unlock()
		c.fs.tbl.Unref(ip)
		if open && nlink == 0 {
			c.r.Orphans++
		} else {
			c.r.problem("inode %d (nlink %d, %d blocks) allocated but unreachable", inum, nlink, n)
		}
	}
	for bn := c.fs.super.DataStart; bn < c.fs.super.NBlocks; bn++ {
		if c.fs.balloc.IsAllocated(bn) {
			if _, ok := c.owner[bn]; !ok {
				c.r.problem("block %d allocated but unreferenced", bn)
			}
		}
	}
}

func (c *checker) counters() {
	for _, a := range []struct {
		name string
		free uint64
		bits uint64
	}{
		{"block", c.fs.balloc.NumFree(), c.fs.balloc.CountFree()},
		{"inode", c.fs.ialloc.NumFree(), c.fs.ialloc.CountFree()},
	} {
		if a.free != a.bits {
			c.r.problem("%s free count %d, bitmap %d", a.name, a.free, a.bits)
		}
	}
}
