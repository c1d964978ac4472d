package dir

import (
	"fmt"
	"strings"

	"github.com/tchajed/marshal"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/inode"
	"github.com/nkfs-dev/nkfs/util"
)

//
// A directory is the data region of a directory inode, read as an array
// of DIRENTSZ-byte entries.  Entry 0 is "." and entry 1 is "..".  An
// entry with inum NULLINUM is a tombstone that the next insert reuses.
// Every function here expects the caller to hold the lock of each inode
// it is handed.
//

const MAXNAMELEN = common.DIRENTSZ - 16 // inum u64 + kind u32 + namelen u32

type dirEnt struct {
	inum common.Inum
	kind common.Kind
	name string // <= MAXNAMELEN
}

// Caller must ensure de.name fits
func encodeDirEnt(de *dirEnt) []byte {
	enc := marshal.NewEnc(common.DIRENTSZ)
	enc.PutInt(de.inum)
	enc.PutInt32(uint32(de.kind))
	enc.PutInt32(uint32(len(de.name)))
	enc.PutBytes([]byte(de.name))
	return enc.Finish()
}

func decodeDirEnt(d []byte) *dirEnt {
	dec := marshal.NewDec(d)
	de := &dirEnt{}
	de.inum = dec.GetInt()
	de.kind = common.Kind(dec.GetInt32())
	l := uint64(dec.GetInt32())
	if l > MAXNAMELEN {
		l = MAXNAMELEN
	}
	de.name = string(dec.GetBytes(l))
	return de
}

// ValidName checks a name supplied by a caller.  "." and ".." are managed
// by the directory store itself.
func ValidName(name string) error {
	if uint64(len(name)) > MAXNAMELEN {
		return fmt.Errorf("%q: %w", name, common.ErrNameTooLong)
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%q: %w", name, common.ErrInvalidName)
	}
	return nil
}

func isDir(dip *inode.Inode) error {
	if dip.Kind != common.KindDir {
		return fmt.Errorf("inode %d: %w", dip.Inum, common.ErrNotDir)
	}
	return nil
}

func readEnt(t *inode.Table, dip *inode.Inode, off uint64) *dirEnt {
	data, _ := dip.Read(t, off, common.DIRENTSZ)
	if uint64(len(data)) != common.DIRENTSZ {
		panic(fmt.Sprintf("dir %d: short entry at %d", dip.Inum, off))
	}
	return decodeDirEnt(data)
}

func writeEnt(t *inode.Table, dip *inode.Inode, off uint64, de *dirEnt) error {
	util.DPrintf(5, "writeEnt # %d: %q -> %d off %d\n", dip.Inum, de.name, de.inum, off)
	_, err := dip.Write(t, off, encodeDirEnt(de))
	return err
}

// scan calls f on every entry, tombstones included, in on-disk order
// from offset start.  f returns false to stop.
func scan(t *inode.Table, dip *inode.Inode, start uint64, f func(de *dirEnt, off uint64) bool) {
	for off := start; off < dip.Size; off += common.DIRENTSZ {
		if !f(readEnt(t, dip, off), off) {
			return
		}
	}
}

// addEnt places a new entry in the lowest free slot, or appends one.  On
// failure the directory is unchanged.
func addEnt(t *inode.Table, dip *inode.Inode, name string, inum common.Inum, kind common.Kind) (uint64, error) {
	dc := dcacheOf(t, dip)
	off, ok := dc.FirstFree()
	if !ok {
		off = dip.Size
	}
	if err := writeEnt(t, dip, off, &dirEnt{inum: inum, kind: kind, name: name}); err != nil {
		return 0, fmt.Errorf("insert %q in %d: %w", name, dip.Inum, err)
	}
	dc.UseFree(off)
	dc.Add(name, inum, kind, off)
	return off, nil
}

// remEnt tombstones name and returns its old offset.
func remEnt(t *inode.Table, dip *inode.Inode, name string) (uint64, error) {
	dc := dcacheOf(t, dip)
	d, ok := dc.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%q in %d: %w", name, dip.Inum, common.ErrNotFound)
	}
	if err := writeEnt(t, dip, d.Off, &dirEnt{}); err != nil {
		panic(fmt.Sprintf("dir %d: tombstone in place: %v", dip.Inum, err))
	}
	dc.Del(name)
	dc.AddFree(d.Off)
	return d.Off, nil
}

// Lookup returns the inode number and kind name refers to in dip.
func Lookup(t *inode.Table, dip *inode.Inode, name string) (common.Inum, common.Kind, error) {
	if err := isDir(dip); err != nil {
		return common.NULLINUM, common.KindFree, err
	}
	d, ok := dcacheOf(t, dip).Lookup(name)
	if !ok {
		return common.NULLINUM, common.KindFree,
			fmt.Errorf("%q in %d: %w", name, dip.Inum, common.ErrNotFound)
	}
	return d.Inum, d.Kind, nil
}

// Insert links ip into dip under name and bumps ip's link count.
func Insert(t *inode.Table, dip *inode.Inode, name string, ip *inode.Inode) error {
	if err := isDir(dip); err != nil {
		return err
	}
	if err := ValidName(name); err != nil {
		return err
	}
	if _, ok := dcacheOf(t, dip).Lookup(name); ok {
		return fmt.Errorf("%q in %d: %w", name, dip.Inum, common.ErrExists)
	}
	if _, err := addEnt(t, dip, name, ip.Inum, ip.Kind); err != nil {
		return err
	}
	ip.IncLink()
	dip.TouchMtime()
	return nil
}

// Delete removes name from dip and drops a link of ip, which must be the
// inode name refers to.  An inode left without links is reclaimed by the
// inode table once its last reference goes away.
func Delete(t *inode.Table, dip *inode.Inode, name string, ip *inode.Inode) error {
	if err := isDir(dip); err != nil {
		return err
	}
	if err := ValidName(name); err != nil {
		return err
	}
	inum, _, err := Lookup(t, dip, name)
	if err != nil {
		return err
	}
	if inum != ip.Inum {
		panic(fmt.Sprintf("Delete %q in %d: entry is %d, not %d", name,
			dip.Inum, inum, ip.Inum))
	}
	if _, err := remEnt(t, dip, name); err != nil {
		return err
	}
	ip.DecLink()
	dip.TouchMtime()
	return nil
}

// InitDir adds "." and ".." to an empty directory.  For the root, parent
// is dip itself.
func InitDir(t *inode.Table, dip *inode.Inode, parent *inode.Inode) error {
	if err := isDir(dip); err != nil {
		return err
	}
	if dip.Size != 0 {
		panic(fmt.Sprintf("InitDir: %d not empty", dip.Inum))
	}
	dip.Dcache = nil
	if _, err := addEnt(t, dip, ".", dip.Inum, common.KindDir); err != nil {
		return err
	}
	// same block as "."
	if _, err := addEnt(t, dip, "..", parent.Inum, common.KindDir); err != nil {
		panic(fmt.Sprintf("InitDir %d: %v", dip.Inum, err))
	}
	dip.IncLink()
	parent.IncLink()
	dip.TouchMtime()
	return nil
}

// DropDots removes "." and ".." from a directory that is going away,
// releasing the links they hold on dip and on its parent.
func DropDots(t *inode.Table, dip *inode.Inode, parent *inode.Inode) {
	if p := Parent(t, dip); p != parent.Inum {
		panic(fmt.Sprintf("DropDots %d: parent is %d, not %d", dip.Inum, p, parent.Inum))
	}
	if _, err := remEnt(t, dip, "."); err == nil {
		dip.DecLink()
	}
	if _, err := remEnt(t, dip, ".."); err == nil {
		parent.DecLink()
	}
}

// Parent returns the inode number ".." refers to.
func Parent(t *inode.Table, dip *inode.Inode) common.Inum {
	d, ok := dcacheOf(t, dip).Lookup("..")
	if !ok {
		return common.NULLINUM
	}
	return d.Inum
}

// SetParent points dip's ".." at newParent and moves the link it holds.
func SetParent(t *inode.Table, dip *inode.Inode, oldParent *inode.Inode, newParent *inode.Inode) {
	dc := dcacheOf(t, dip)
	d, ok := dc.Lookup("..")
	if !ok || d.Inum != oldParent.Inum {
		panic(fmt.Sprintf("SetParent %d: .. is %v, expected %d", dip.Inum, d, oldParent.Inum))
	}
	de := &dirEnt{inum: newParent.Inum, kind: common.KindDir, name: ".."}
	if err := writeEnt(t, dip, d.Off, de); err != nil {
		panic(fmt.Sprintf("SetParent %d: %v", dip.Inum, err))
	}
	dc.Add("..", newParent.Inum, common.KindDir, d.Off)
	oldParent.DecLink()
	newParent.IncLink()
	dip.MarkDirty()
}

// IsEmpty reports whether "." and ".." are dip's only live entries.
func IsEmpty(t *inode.Table, dip *inode.Inode) bool {
	empty := true
	scan(t, dip, 2*common.DIRENTSZ, func(de *dirEnt, off uint64) bool {
		if de.inum != common.NULLINUM {
			empty = false
			return false
		}
		return true
	})
	util.DPrintf(10, "IsEmpty: %d -> %v\n", dip.Inum, empty)
	return empty
}

// Entry is a live directory entry as ReadDir reports it.
type Entry struct {
	Name string
	Inum common.Inum
	Kind common.Kind
	Off  uint64
}

// ReadDir calls f for each live entry at or after offset start, in
// on-disk order, until f returns false.  It returns true if it reached
// the end of the directory.
func ReadDir(t *inode.Table, dip *inode.Inode, start uint64, f func(e Entry) bool) (bool, error) {
	if err := isDir(dip); err != nil {
		return false, err
	}
	eof := true
	scan(t, dip, start, func(de *dirEnt, off uint64) bool {
		if de.inum == common.NULLINUM {
			return true
		}
		if !f(Entry{Name: de.name, Inum: de.inum, Kind: de.kind, Off: off}) {
			eof = false
			return false
		}
		return true
	})
	return eof, nil
}
