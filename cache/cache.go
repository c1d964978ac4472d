package cache

import (
	"container/list"
	"sync"

	"github.com/nkfs-dev/nkfs/util"
)

// A shared cache mapping from uint64 to a reference-counted slot.  A
// lookup for an id increments the reference count for that slot and
// callers are responsible for filling it.  When a caller is done with
// the object in the slot it must decrement the reference count.  Slots
// whose reference count is 0 sit on an LRU list and are evicted, least
// recently used first, once the cache holds more than sz slots.  The
// size is soft: if every slot is referenced the cache grows.
//
// The slot mutex is the lock for the object stored in it.

type Cslot struct {
	mu  *sync.Mutex
	Obj interface{}
}

func (slot *Cslot) Lock() {
	slot.mu.Lock()
}

func (slot *Cslot) Unlock() {
	slot.mu.Unlock()
}

type entry struct {
	id   uint64
	ref  uint32
	slot Cslot
	elem *list.Element // position in lru, nil while referenced
}

// EvictFn is called with the cache lock held for every evicted object.
// The object is unreferenced, so nobody holds its slot lock.
type EvictFn func(id uint64, obj interface{})

type Cache struct {
	mu      *sync.Mutex
	entries map[uint64]*entry
	lru     *list.List
	sz      uint64
	onEvict EvictFn
}

func MkCache(sz uint64, onEvict EvictFn) *Cache {
	return &Cache{
		mu:      new(sync.Mutex),
		entries: make(map[uint64]*entry, sz),
		lru:     list.New(),
		sz:      sz,
		onEvict: onEvict,
	}
}

func (c *Cache) evict() bool {
	e := c.lru.Front()
	if e == nil {
		return false
	}
	victim := e.Value.(*entry)
	c.lru.Remove(e)
	delete(c.entries, victim.id)
	util.DPrintf(10, "evict: %d\n", victim.id)
	if c.onEvict != nil && victim.slot.Obj != nil {
		c.onEvict(victim.id, victim.slot.Obj)
	}
	return true
}

func (c *Cache) shrink() {
	for uint64(len(c.entries)) > c.sz {
		if !c.evict() {
			util.DPrintf(5, "cache over capacity: %d referenced slots\n",
				len(c.entries))
			return
		}
	}
}

// LookupSlot returns the slot for id with its reference count
// incremented, creating an empty slot if id isn't cached.
func (c *Cache) LookupSlot(id uint64) *Cslot {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	if e != nil {
		if e.ref == 0 {
			c.lru.Remove(e.elem)
			e.elem = nil
		}
		e.ref = e.ref + 1
		return &e.slot
	}
	enew := &entry{
		id:   id,
		ref:  1,
		slot: Cslot{mu: new(sync.Mutex), Obj: nil},
	}
	c.entries[id] = enew
	c.shrink()
	return &enew.slot
}

// FreeSlot decrements the reference count of the slot for id and returns
// the remaining count.
func (c *Cache) FreeSlot(id uint64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	if e == nil || e.ref == 0 {
		panic("FreeSlot")
	}
	e.ref = e.ref - 1
	if e.ref == 0 {
		e.elem = c.lru.PushBack(e)
		c.shrink()
	}
	return e.ref
}

// Ref returns the current reference count of id, 0 if it isn't cached.
func (c *Cache) Ref(id uint64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	if e == nil {
		return 0
	}
	return e.ref
}

// Ids returns the ids currently cached, in no particular order.
func (c *Cache) Ids() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Drop evicts every unreferenced slot.
func (c *Cache) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.evict() {
	}
}
