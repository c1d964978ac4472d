package addrlock

import (
	"sync"
)

//
// A sharded lock map.  Locks are created on demand for any uint64 key and
// disappear when released, so the map only holds keys that are
// currently locked.
//

type lockShard struct {
	mu      *sync.Mutex
	cond    *sync.Cond
	holders map[uint64]bool
}

func mkLockShard() *lockShard {
	mu := new(sync.Mutex)
	a := &lockShard{
		mu:      mu,
		cond:    sync.NewCond(mu),
		holders: make(map[uint64]bool),
	}
	return a
}

func (lmap *lockShard) acquire(addr uint64) {
	lmap.mu.Lock()
	for lmap.holders[addr] {
		lmap.cond.Wait()
	}
	lmap.holders[addr] = true
	lmap.mu.Unlock()
}

func (lmap *lockShard) release(addr uint64) {
	lmap.mu.Lock()
	if !lmap.holders[addr] {
		lmap.mu.Unlock()
		panic("addrlock: release of unlocked address")
	}
	delete(lmap.holders, addr)
	lmap.mu.Unlock()
	lmap.cond.Broadcast()
}

func (lmap *lockShard) isLocked(addr uint64) bool {
	lmap.mu.Lock()
	held := lmap.holders[addr]
	lmap.mu.Unlock()
	return held
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	shards := make([]*lockShard, NSHARD)
	for i := uint64(0); i < NSHARD; i++ {
		shards[i] = mkLockShard()
	}
	return &LockMap{shards: shards}
}

func (lmap *LockMap) Acquire(flataddr uint64) {
	lmap.shards[flataddr%NSHARD].acquire(flataddr)
}

func (lmap *LockMap) Release(flataddr uint64) {
	lmap.shards[flataddr%NSHARD].release(flataddr)
}

func (lmap *LockMap) IsLocked(flataddr uint64) bool {
	return lmap.shards[flataddr%NSHARD].isLocked(flataddr)
}
