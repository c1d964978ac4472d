package inode

import (
	"fmt"

	"github.com/tchajed/goose/machine/disk"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/util"
)

// Read returns up to count bytes at offset, with holes reading as zeros,
// and whether the read reached the end of the file.  The caller holds
// ip's lock.
func (ip *Inode) Read(t *Table, offset uint64, count uint64) ([]byte, bool) {
	if offset >= ip.Size {
		return nil, true
	}
	if count >= ip.Size-offset {
		count = ip.Size - offset
	}
	data := make([]byte, count)
	var n uint64
	for n < count {
		off := offset + n
		boff := off % disk.BlockSize
		nbytes := util.Min(disk.BlockSize-boff, count-n)
		bn, err := ip.Resolve(t, off/disk.BlockSize, false)
		if err == nil && bn != common.NULLBNUM {
			blk := t.bc.Read(bn)
			copy(data[n:n+nbytes], blk[boff:boff+nbytes])
		}
		n += nbytes
	}
	return data, offset+count >= ip.Size
}

// Write stores data at offset, allocating blocks as needed and extending
// the size.  On error it returns how many bytes made it; the size covers
// exactly those.  The caller holds ip's lock.
func (ip *Inode) Write(t *Table, offset uint64, data []byte) (uint64, error) {
	count := uint64(len(data))
	if util.SumOverflows(offset, count) || offset+count > MaxFileSize() {
		return 0, fmt.Errorf("write %d at %d+%d: %w", ip.Inum, offset, count,
			common.ErrFileTooLarge)
	}
	var n uint64
	var err error
	for n < count {
		off := offset + n
		boff := off % disk.BlockSize
		nbytes := util.Min(disk.BlockSize-boff, count-n)
		var bn common.Bnum
		bn, err = ip.Resolve(t, off/disk.BlockSize, true)
		if err != nil {
			break
		}
		if nbytes == disk.BlockSize {
			t.bc.Write(bn, data[n:n+nbytes])
		} else {
			blk := t.bc.Read(bn)
			copy(blk[boff:], data[n:n+nbytes])
			t.bc.Write(bn, blk)
		}
		n += nbytes
	}
	if offset+n > ip.Size {
		ip.Size = offset + n
	}
	if n > 0 {
		ip.TouchMtime()
	}
	return n, err
}
