// Package timed_disk wraps a disk.Disk and records the latency of every
// device operation.
package timed_disk

import (
	"io"
	"time"

	"github.com/tchajed/goose/machine/disk"

	"github.com/nkfs-dev/nkfs/util/stats"
)

type Disk struct {
	d   disk.Disk
	ops [3]stats.Op
}

func New(d disk.Disk) *Disk {
	return &Disk{d: d}
}

const (
	readOp int = iota
	writeOp
	barrierOp
)

var opNames = []string{"disk.Read", "disk.Write", "disk.Barrier"}

var _ disk.Disk = &Disk{}

func (d *Disk) ReadTo(a uint64, b disk.Block) {
	defer d.ops[readOp].Record(time.Now())
	copy(b, d.d.Read(a))
}

func (d *Disk) Read(a uint64) disk.Block {
	defer d.ops[readOp].Record(time.Now())
	return d.d.Read(a)
}

func (d *Disk) Write(a uint64, b disk.Block) {
	defer d.ops[writeOp].Record(time.Now())
	d.d.Write(a, b)
}

func (d *Disk) Barrier() {
	defer d.ops[barrierOp].Record(time.Now())
	d.d.Barrier()
}

func (d *Disk) Size() uint64 {
	return d.d.Size()
}

func (d *Disk) Close() {
	d.d.Close()
}

func (d *Disk) Writes() uint64 {
	return d.ops[writeOp].Count()
}

func (d *Disk) WriteStats(w io.Writer) {
	stats.WriteTable(opNames, d.ops[:], w)
}

func (d *Disk) ResetStats() {
	for i := range d.ops {
		d.ops[i].Reset()
	}
}
