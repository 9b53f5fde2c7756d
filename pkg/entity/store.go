package entity

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
)

const numShards = 16

type shard struct {
	mu    sync.RWMutex
	items map[uint64]Entity
}

// Store is a sharded concurrent map from entity id to entity. Reads of one shard
// never block each other and writes only lock the shard the id hashes to.
type Store struct {
	shards [numShards]*shard
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[uint64]Entity)}
	}
	return s
}

func (s *Store) shardFor(id uint64) *shard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], id)
	h := fnv.New32a()
	h.Write(b[:])
	return s.shards[h.Sum32()%numShards]
}

// Insert upserts an entity. A later insert for the same id wins.
func (s *Store) Insert(e Entity) {
	sh := s.shardFor(e.ID)
	sh.mu.Lock()
	sh.items[e.ID] = e
	sh.mu.Unlock()
}

func (s *Store) Get(id uint64) (Entity, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.items[id]
	sh.mu.RUnlock()
	return e, ok
}

func (s *Store) Contains(id uint64) bool {
	_, ok := s.Get(id)
	return ok
}

func (s *Store) Remove(id uint64) (Entity, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.items[id]
	if ok {
		delete(sh.items, id)
	}
	sh.mu.Unlock()
	return e, ok
}

func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entity. Each shard is consistent while visited, the
// pass as a whole is not a point-in-time snapshot. fn returning false stops early.
func (s *Store) Range(fn func(Entity) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.items {
			if !fn(e) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// Snapshot copies every entity out into a slice.
func (s *Store) Snapshot() []Entity {
	out := make([]Entity, 0, s.Len())
	s.Range(func(e Entity) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (s *Store) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		clear(sh.items)
		sh.mu.Unlock()
	}
}

// ReplaceAll clears the table and inserts the given entities. Used when a full
// snapshot arrives: a destructive replace, not a merge.
func (s *Store) ReplaceAll(entities []Entity) {
	s.Clear()
	for _, e := range entities {
		s.Insert(e)
	}
}

// Spawn inserts a new locally created entity, allocating the next id as the
// current table size, and returns that id.
func (s *Store) Spawn(x, y, radius float32, color int32) uint64 {
	id := uint64(s.Len())
	s.Insert(Entity{ID: id, X: x, Y: y, Radius: radius, Color: color})
	return id
}

// EraseWithin removes every entity whose center lies inside the circle at
// (x, y) with the given radius and reports how many were removed. Local eraser
// tool only, removals are never replicated.
func (s *Store) EraseWithin(x, y, radius float32) int {
	var hit []uint64
	rr := radius * radius
	s.Range(func(e Entity) bool {
		dx := e.X - x
		dy := e.Y - y
		if dx*dx+dy*dy <= rr {
			hit = append(hit, e.ID)
		}
		return true
	})
	for _, id := range hit {
		s.Remove(id)
	}
	return len(hit)
}
