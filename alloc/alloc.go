package alloc

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/nkfs-dev/nkfs/common"
	"github.com/nkfs-dev/nkfs/util"
)

// Alloc uses a bit map to allocate and free numbers.  Bit i (LSB first
// within each byte) corresponds to number i.  Allocation is first fit:
// the lowest clear bit wins.  A single mutex serializes every operation,
// so the bitmap and the free counter always agree.
//
// Numbers below reserved are marked allocated when the volume is
// formatted and can never be freed (metadata blocks, the null inode, the
// root inode).
type Alloc struct {
	mu       *sync.Mutex
	kind     string
	bitmap   []byte
	n        uint64
	reserved uint64
	nfree    uint64
	next     uint64 // no clear bit below next
	gen      uint64 // bumped on every change
	clean    uint64 // gen written back by the last sync
}

// MkAlloc loads a persisted bitmap covering numbers [0, n).
func MkAlloc(bitmap []byte, n uint64, reserved uint64, kind string) *Alloc {
	if uint64(len(bitmap))*8 < n {
		panic("MkAlloc: bitmap too short")
	}
	bm := make([]byte, util.RoundUp(n, 8))
	copy(bm, bitmap)
	a := &Alloc{
		mu:       new(sync.Mutex),
		kind:     kind,
		bitmap:   bm,
		n:        n,
		reserved: reserved,
	}
	a.nfree = a.countFree()
	return a
}

// MkEmptyAlloc returns an allocator with only the reserved numbers in use.
func MkEmptyAlloc(n uint64, reserved uint64, kind string) *Alloc {
	a := MkAlloc(make([]byte, util.RoundUp(n, 8)), n, reserved, kind)
	for i := uint64(0); i < reserved && i < n; i++ {
		a.set(i)
	}
	a.nfree = n - util.Min(reserved, n)
	a.gen = 1
	return a
}

func (a *Alloc) isSet(num uint64) bool {
	return a.bitmap[num/8]&(1<<(num%8)) != 0
}

func (a *Alloc) set(num uint64) {
	a.bitmap[num/8] = a.bitmap[num/8] | (1 << (num % 8))
}

func (a *Alloc) clear(num uint64) {
	a.bitmap[num/8] = a.bitmap[num/8] & ^(1 << (num % 8))
}

func (a *Alloc) countFree() uint64 {
	var used uint64
	full := a.n / 8
	for _, b := range a.bitmap[:full] {
		used += uint64(bits.OnesCount8(b))
	}
	for num := full * 8; num < a.n; num++ {
		if a.isSet(num) {
			used++
		}
	}
	return a.n - used
}

func (a *Alloc) findFree() (uint64, bool) {
	for i := a.next / 8; i < uint64(len(a.bitmap)); i++ {
		b := a.bitmap[i]
		if b == 0xff {
			continue
		}
		num := i*8 + uint64(bits.TrailingZeros8(^b))
		if num >= a.n {
			break
		}
		return num, true
	}
	return 0, false
}

func (a *Alloc) AllocNum() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	num, ok := a.findFree()
	if !ok {
		a.next = a.n
		return 0, fmt.Errorf("allocating %s: %w", a.kind, common.ErrExhausted)
	}
	a.set(num)
	a.nfree = a.nfree - 1
	a.next = num + 1
	a.gen = a.gen + 1
	util.DPrintf(10, "alloc %s -> %d (%d free)\n", a.kind, num, a.nfree)
	return num, nil
}

// FreeNum returns num to the pool.  Freeing a number that is already free
// or reserved is a programmer error and panics.
func (a *Alloc) FreeNum(num uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if num < a.reserved || num >= a.n {
		panic(fmt.Sprintf("FreeNum: %s %d outside [%d, %d)",
			a.kind, num, a.reserved, a.n))
	}
	if !a.isSet(num) {
		panic(common.DoubleFreeError{Kind: a.kind, Num: num})
	}
	a.clear(num)
	a.nfree = a.nfree + 1
	if num < a.next {
		a.next = num
	}
	a.gen = a.gen + 1
	util.DPrintf(10, "free %s %d (%d free)\n", a.kind, num, a.nfree)
}

func (a *Alloc) NumFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// CountFree recounts the clear bits instead of trusting the counter.
func (a *Alloc) CountFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countFree()
}

func (a *Alloc) Len() uint64 {
	return a.n
}

func (a *Alloc) Reserved() uint64 {
	return a.reserved
}

func (a *Alloc) IsAllocated(num uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if num >= a.n {
		return false
	}
	return a.isSet(num)
}

func (a *Alloc) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen != a.clean
}

// Snapshot returns a copy of the bitmap and the generation it reflects.
func (a *Alloc) Snapshot() ([]byte, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bm := make([]byte, len(a.bitmap))
	copy(bm, a.bitmap)
	return bm, a.gen
}

// MarkClean records that the snapshot of generation gen is on disk.
func (a *Alloc) MarkClean(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen > a.clean {
		a.clean = gen
	}
}
