package dir

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/nkfs-dev/nkfs/alloc"
	"github.com/nkfs-dev/nkfs/bcache"
	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/inode"
	"github.com/nkfs-dev/nkfs/super"
)

type testState struct {
	t      *testing.T
	assert *assert.Assertions
	balloc *alloc.Alloc
	tbl    *inode.Table
	root   *inode.Inode
}

func newTest(t *testing.T, nblocks uint64) *testState {
	fs, err := super.MkFsSuper(nblocks, 64)
	require.NoError(t, err)
	bc := bcache.MkBcache(disk.NewMemDisk(nblocks), 0)
	ts := &testState{
		t:      t,
		assert: assert.New(t),
		balloc: alloc.MkEmptyAlloc(nblocks, fs.DataStart, "block"),
	}
	ialloc := alloc.MkEmptyAlloc(fs.NInodes, common.ROOTINUM, "inode")
	ts.tbl = inode.MkTable(fs, bc, ts.balloc, ialloc, 0)
	ts.root = ts.create(common.KindDir)
	require.Equal(t, common.ROOTINUM, ts.root.Inum)
	require.NoError(t, InitDir(ts.tbl, ts.root, ts.root))
	return ts
}

// The tests run single threaded, so inodes are used without locking.
func (ts *testState) create(kind common.Kind) *inode.Inode {
	ip, err := ts.tbl.Create(kind, 0, 0, 0755)
	require.NoError(ts.t, err)
	return ip
}

func (ts *testState) mkdir(parent *inode.Inode, name string) *inode.Inode {
	ip := ts.create(common.KindDir)
	require.NoError(ts.t, Insert(ts.tbl, parent, name, ip))
	require.NoError(ts.t, InitDir(ts.tbl, ip, parent))
	return ip
}

func (ts *testState) names(dip *inode.Inode) []string {
	var names []string
	_, err := ReadDir(ts.tbl, dip, 0, func(e Entry) bool {
		names = append(names, e.Name)
		return true
	})
	require.NoError(ts.t, err)
	return names
}

func (ts *testState) lookup(dip *inode.Inode, name string) common.Inum {
	inum, _, err := Lookup(ts.tbl, dip, name)
	if err != nil {
		return common.NULLINUM
	}
	return inum
}

func TestEntryCodec(t *testing.T) {
	de := &dirEnt{inum: 77, kind: common.KindSymlink, name: "link"}
	d := encodeDirEnt(de)
	assert.Equal(t, int(common.DIRENTSZ), len(d))
	assert.Equal(t, de, decodeDirEnt(d))
	assert.Equal(t, &dirEnt{}, decodeDirEnt(make([]byte, common.DIRENTSZ)))
}

func TestValidName(t *testing.T) {
	assert := assert.New(t)
	assert.NoError(ValidName("a"))
	assert.NoError(ValidName(strings.Repeat("x", int(MAXNAMELEN))))
	assert.True(errors.Is(ValidName(strings.Repeat("x", int(MAXNAMELEN)+1)), common.ErrNameTooLong))
	for _, bad := range []string{"", ".", "..", "a/b", "nul\x00"} {
		assert.True(errors.Is(ValidName(bad), common.ErrInvalidName), "%q", bad)
	}
}

func TestRoot(t *testing.T) {
	ts := newTest(t, 100)
	ts.assert.Equal(uint32(2), ts.root.Nlink)
	ts.assert.Equal(common.ROOTINUM, Parent(ts.tbl, ts.root))
	ts.assert.Equal([]string{".", ".."}, ts.names(ts.root))
	ts.assert.True(IsEmpty(ts.tbl, ts.root))
	ts.assert.Equal(2*common.DIRENTSZ, ts.root.Size)
}

func TestMkdirRmdirScenario(t *testing.T) {
	ts := newTest(t, 100)
	a := ts.mkdir(ts.root, "a")
	ts.assert.Equal(a.Inum, ts.lookup(ts.root, "a"))
	ts.assert.Equal(uint32(3), ts.root.Nlink)
	ts.assert.Equal(uint32(2), a.Nlink)
	ts.assert.True(IsEmpty(ts.tbl, a))

	b := ts.create(common.KindRegular)
	ts.assert.NoError(Insert(ts.tbl, a, "b", b))
	ts.assert.Equal(uint32(1), b.Nlink)
	ts.assert.False(IsEmpty(ts.tbl, a), "rmdir of a must fail")

	ts.assert.NoError(Delete(ts.tbl, a, "b", b))
	ts.assert.Equal(uint32(0), b.Nlink)
	ts.tbl.Put(b)
	ts.assert.True(IsEmpty(ts.tbl, a))

	ts.assert.NoError(Delete(ts.tbl, ts.root, "a", a))
	DropDots(ts.tbl, a, ts.root)
	ts.assert.Equal(uint32(0), a.Nlink)
	ts.assert.Equal(uint32(2), ts.root.Nlink)
	free := ts.balloc.NumFree()
	ts.tbl.Put(a)
	ts.assert.Equal(free+1, ts.balloc.NumFree(), "directory block released")
	ts.assert.Equal(common.NULLINUM, ts.lookup(ts.root, "a"))
}

func TestInsertErrors(t *testing.T) {
	ts := newTest(t, 100)
	f := ts.create(common.KindRegular)
	ts.assert.NoError(Insert(ts.tbl, ts.root, "f", f))
	err := Insert(ts.tbl, ts.root, "f", f)
	ts.assert.True(errors.Is(err, common.ErrExists))
	ts.assert.Equal(uint32(1), f.Nlink, "failed insert leaves links alone")

	err = Insert(ts.tbl, f, "x", f)
	ts.assert.True(errors.Is(err, common.ErrNotDir))
	_, _, err = Lookup(ts.tbl, f, "x")
	ts.assert.True(errors.Is(err, common.ErrNotDir))
	_, _, err = Lookup(ts.tbl, ts.root, "missing")
	ts.assert.True(errors.Is(err, common.ErrNotFound))
	err = Delete(ts.tbl, ts.root, "missing", f)
	ts.assert.True(errors.Is(err, common.ErrNotFound))
	err = Insert(ts.tbl, ts.root, "..", f)
	ts.assert.True(errors.Is(err, common.ErrInvalidName))
}

func TestTombstoneReuse(t *testing.T) {
	ts := newTest(t, 100)
	var ips []*inode.Inode
	for i := 0; i < 5; i++ {
		ip := ts.create(common.KindRegular)
		ts.assert.NoError(Insert(ts.tbl, ts.root, fmt.Sprintf("f%d", i), ip))
		ips = append(ips, ip)
	}
	size := ts.root.Size
	ts.assert.NoError(Delete(ts.tbl, ts.root, "f3", ips[3]))
	ts.assert.NoError(Delete(ts.tbl, ts.root, "f1", ips[1]))

	g := ts.create(common.KindRegular)
	ts.assert.NoError(Insert(ts.tbl, ts.root, "g", g))
	ts.assert.Equal(size, ts.root.Size, "first tombstone reused")
	ts.assert.Equal([]string{".", "..", "f0", "g", "f2", "f4"}, ts.names(ts.root))

	// the name cache is rebuilt from disk the same way
	ts.root.Dcache = nil
	ts.assert.Equal(g.Inum, ts.lookup(ts.root, "g"))
	h := ts.create(common.KindRegular)
	ts.assert.NoError(Insert(ts.tbl, ts.root, "h", h))
	ts.assert.Equal([]string{".", "..", "f0", "g", "f2", "h", "f4"}, ts.names(ts.root))
}

func TestInsertGrowsAndExhausts(t *testing.T) {
	// one data block for the root; a 17th entry needs a second block
	ts := newTest(t, 6)
	ts.assert.Equal(uint64(0), ts.balloc.NumFree())
	f := ts.create(common.KindRegular)
	for i := 0; i < 14; i++ {
		ts.assert.NoError(Insert(ts.tbl, ts.root, fmt.Sprintf("n%d", i), f))
	}
	ts.assert.Equal(disk.BlockSize, ts.root.Size)
	err := Insert(ts.tbl, ts.root, "overflow", f)
	ts.assert.True(errors.Is(err, common.ErrExhausted))
	ts.assert.Equal(disk.BlockSize, ts.root.Size)
	ts.assert.Equal(uint32(14), f.Nlink)
	ts.assert.Equal(common.NULLINUM, ts.lookup(ts.root, "overflow"))
}

func TestRenameSameDir(t *testing.T) {
	ts := newTest(t, 100)
	f := ts.create(common.KindRegular)
	ts.assert.NoError(Insert(ts.tbl, ts.root, "old", f))
	ts.assert.NoError(Rename(ts.tbl, ts.root, "old", ts.root, "new", f, nil, false))
	ts.assert.Equal(common.NULLINUM, ts.lookup(ts.root, "old"))
	ts.assert.Equal(f.Inum, ts.lookup(ts.root, "new"))
	ts.assert.Equal(uint32(1), f.Nlink)

	err := Rename(ts.tbl, ts.root, "old", ts.root, "x", f, nil, false)
	ts.assert.True(errors.Is(err, common.ErrNotFound))
}

func TestRenameNoReplace(t *testing.T) {
	ts := newTest(t, 100)
	f := ts.create(common.KindRegular)
	g := ts.create(common.KindRegular)
	ts.assert.NoError(Insert(ts.tbl, ts.root, "f", f))
	ts.assert.NoError(Insert(ts.tbl, ts.root, "g", g))
	err := Rename(ts.tbl, ts.root, "f", ts.root, "g", f, g, false)
	ts.assert.True(errors.Is(err, common.ErrExists))
	ts.assert.Equal(f.Inum, ts.lookup(ts.root, "f"))
	ts.assert.Equal(g.Inum, ts.lookup(ts.root, "g"))

	ts.assert.NoError(Rename(ts.tbl, ts.root, "f", ts.root, "g", f, g, true))
	ts.assert.Equal(f.Inum, ts.lookup(ts.root, "g"))
	ts.assert.Equal(uint32(0), g.Nlink)
	ts.assert.Equal(uint32(1), f.Nlink)
}

func TestRenameOntoHardLink(t *testing.T) {
	ts := newTest(t, 100)
	f := ts.create(common.KindRegular)
	ts.assert.NoError(Insert(ts.tbl, ts.root, "f", f))
	ts.assert.NoError(Insert(ts.tbl, ts.root, "g", f))
	err := Rename(ts.tbl, ts.root, "f", ts.root, "g", f, f, false)
	ts.assert.True(errors.Is(err, common.ErrExists))
	ts.assert.Equal(f.Inum, ts.lookup(ts.root, "f"))
	ts.assert.Equal(f.Inum, ts.lookup(ts.root, "g"))
	ts.assert.Equal(uint32(2), f.Nlink)

	ts.assert.NoError(Rename(ts.tbl, ts.root, "f", ts.root, "g", f, f, true))
	ts.assert.Equal(f.Inum, ts.lookup(ts.root, "f"))
	ts.assert.Equal(f.Inum, ts.lookup(ts.root, "g"))
	ts.assert.Equal(uint32(2), f.Nlink)
}

func TestRenameDirAcrossParents(t *testing.T) {
	ts := newTest(t, 100)
	a := ts.mkdir(ts.root, "a")
	b := ts.mkdir(ts.root, "b")
	c := ts.mkdir(a, "c")
	ts.assert.Equal(uint32(3), a.Nlink)
	ts.assert.Equal(uint32(2), b.Nlink)

	ts.assert.NoError(Rename(ts.tbl, a, "c", b, "c", c, nil, false))
	ts.assert.Equal(b.Inum, Parent(ts.tbl, c))
	ts.assert.Equal(uint32(2), a.Nlink)
	ts.assert.Equal(uint32(3), b.Nlink)
	ts.assert.Equal(uint32(2), c.Nlink)

	// replace an empty directory
	d := ts.mkdir(a, "d")
	ts.assert.NoError(Rename(ts.tbl, b, "c", a, "d", c, d, true))
	ts.assert.Equal(uint32(0), d.Nlink)
	ts.assert.Equal(uint32(3), a.Nlink)
	ts.assert.Equal(uint32(2), b.Nlink)
	ts.assert.Equal(a.Inum, Parent(ts.tbl, c))
}

func TestRenameKindChecks(t *testing.T) {
	ts := newTest(t, 100)
	a := ts.mkdir(ts.root, "a")
	b := ts.mkdir(ts.root, "b")
	f := ts.create(common.KindRegular)
	ts.assert.NoError(Insert(ts.tbl, b, "f", f))

	err := Rename(ts.tbl, ts.root, "a", ts.root, "b", a, b, true)
	ts.assert.True(errors.Is(err, common.ErrNotEmpty))
	err = Rename(ts.tbl, b, "f", ts.root, "a", f, a, true)
	ts.assert.True(errors.Is(err, common.ErrIsDir))
	g := ts.create(common.KindRegular)
	ts.assert.NoError(Insert(ts.tbl, ts.root, "g", g))
	err = Rename(ts.tbl, ts.root, "a", ts.root, "g", a, g, true)
	ts.assert.True(errors.Is(err, common.ErrNotDir))
	ts.assert.Equal(uint32(4), ts.root.Nlink)
}

func TestRenameRollback(t *testing.T) {
	ts := newTest(t, 7)
	a := ts.mkdir(ts.root, "a")
	ts.assert.Equal(uint64(0), ts.balloc.NumFree())
	f := ts.create(common.KindRegular)
	for i := 0; i < 14; i++ {
		ts.assert.NoError(Insert(ts.tbl, a, fmt.Sprintf("n%d", i), f))
	}
	g := ts.create(common.KindRegular)
	ts.assert.NoError(Insert(ts.tbl, ts.root, "g", g))

	err := Rename(ts.tbl, ts.root, "g", a, "g", g, nil, false)
	ts.assert.True(errors.Is(err, common.ErrExhausted))
	ts.assert.Equal(g.Inum, ts.lookup(ts.root, "g"))
	ts.assert.Equal(common.NULLINUM, ts.lookup(a, "g"))
	ts.assert.Equal(uint32(1), g.Nlink)
	ts.root.Dcache = nil
	ts.assert.Equal(g.Inum, ts.lookup(ts.root, "g"), "restored on disk")
}

// Random inserts, deletes and renames across a few directories keep the
// live name set and link counts in step with a model.
func TestRandomOps(t *testing.T) {
	ts := newTest(t, 400)
	dirs := []*inode.Inode{ts.root, ts.mkdir(ts.root, "d1"), ts.mkdir(ts.root, "d2")}
	var files []*inode.Inode
	for i := 0; i < 6; i++ {
		files = append(files, ts.create(common.KindRegular))
	}
	type key struct {
		d    int
		name string
	}
	model := map[key]*inode.Inode{
		{0, "d1"}: dirs[1],
		{0, "d2"}: dirs[2],
	}
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		d := rnd.Intn(len(dirs))
		name := fmt.Sprintf("n%d", rnd.Intn(12))
		cur := model[key{d, name}]
		switch rnd.Intn(3) {
		case 0:
			f := files[rnd.Intn(len(files))]
			err := Insert(ts.tbl, dirs[d], name, f)
			if cur != nil {
				ts.assert.True(errors.Is(err, common.ErrExists))
			} else {
				ts.assert.NoError(err)
				model[key{d, name}] = f
			}
		case 1:
			if cur == nil {
				continue
			}
			ts.assert.NoError(Delete(ts.tbl, dirs[d], name, cur))
			delete(model, key{d, name})
		case 2:
			if cur == nil {
				continue
			}
			d2 := rnd.Intn(len(dirs))
			name2 := fmt.Sprintf("n%d", rnd.Intn(12))
			tgt := model[key{d2, name2}]
			err := Rename(ts.tbl, dirs[d], name, dirs[d2], name2, cur, tgt, true)
			ts.assert.NoError(err)
			if tgt != cur {
				delete(model, key{d, name})
				model[key{d2, name2}] = cur
			}
		}
	}
	links := make(map[common.Inum]uint32)
	for d := range dirs {
		live := make(map[string]bool)
		for _, n := range ts.names(dirs[d]) {
			if n != "." && n != ".." {
				live[n] = true
			}
		}
		want := make(map[string]bool)
		for k, ip := range model {
			if k.d == d {
				want[k.name] = true
				links[ip.Inum]++
				ts.assert.Equal(ip.Inum, ts.lookup(dirs[d], k.name))
			}
		}
		ts.assert.Equal(want, live)
	}
	for _, f := range files {
		ts.assert.Equal(links[f.Inum], f.Nlink, "links of %d", f.Inum)
	}
}
