package fs

import (
	"io"
	"time"

	"github.com/nkfs-dev/nkfs/util/stats"
)

const (
	LOOKUP uint32 = iota
	GETATTR
	SETATTR
	CREATE
	MKDIR
	SYMLINK
	READLINK
	MKNOD
	LINK
	UNLINK
	RMDIR
	RENAME
	READ
	WRITE
	READDIR
	BMAP
	OPEN
	RELEASE
	STATFS
	SYNC
	CHECK
	NUM_OPS
)

var opNames = []string{
	"LOOKUP",
	"GETATTR",
	"SETATTR",
	"CREATE",
	"MKDIR",
	"SYMLINK",
	"READLINK",
	"MKNOD",
	"LINK",
	"UNLINK",
	"RMDIR",
	"RENAME",
	"READ",
	"WRITE",
	"READDIR",
	"BMAP",
	"OPEN",
	"RELEASE",
	"STATFS",
	"SYNC",
	"CHECK",
}

func now() time.Time {
	return time.Now()
}

func (fs *Fs) recordOp(op uint32, start time.Time) {
	fs.stats[op].Record(start)
}

func (fs *Fs) OpCount(op uint32) uint64 {
	return fs.stats[op].Count()
}

func (fs *Fs) WriteOpStats(w io.Writer) {
	stats.WriteTable(opNames, fs.stats[:], w)
}

func (fs *Fs) ResetOpStats() {
	for i := range fs.stats {
		fs.stats[i].Reset()
	}
}
