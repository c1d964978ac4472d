// Package stats tracks operation counts and latencies.
package stats

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rodaine/table"
)

type Op struct {
	count uint64
	nanos uint64
}

func (op *Op) Record(start time.Time) {
	atomic.AddUint64(&op.count, 1)
	dur := time.Since(start)
	atomic.AddUint64(&op.nanos, uint64(dur.Nanoseconds()))
}

func (op *Op) Reset() {
	atomic.StoreUint64(&op.count, 0)
	atomic.StoreUint64(&op.nanos, 0)
}

func (op *Op) Count() uint64 {
	return atomic.LoadUint64(&op.count)
}

func (op *Op) load() Op {
	return Op{
		count: atomic.LoadUint64(&op.count),
		nanos: atomic.LoadUint64(&op.nanos),
	}
}

func (op Op) MicrosPerOp() float64 {
	if op.count == 0 {
		return 0
	}
	return float64(op.nanos) / float64(op.count) / 1e3
}

// WriteTable prints one row per named op plus a total row. Ops that were
// never recorded are skipped.
func WriteTable(names []string, ops []Op, w io.Writer) {
	if len(names) != len(ops) {
		panic("mismatched names and ops lists")
	}
	tbl := table.New("op", "count", "us/op").WithWriter(w)
	var total Op
	for i, name := range names {
		op := ops[i].load()
		if op.count == 0 {
			continue
		}
		total.count += op.count
		total.nanos += op.nanos
		tbl.AddRow(name, op.count, fmt.Sprintf("%0.1f", op.MicrosPerOp()))
	}
	tbl.AddRow("total", total.count,
		fmt.Sprintf("%0.1f us", float64(total.nanos)/1e3))
	tbl.Print()
}

func FormatTable(names []string, ops []Op) string {
	buf := new(bytes.Buffer)
	WriteTable(names, ops, buf)
	return buf.String()
}
