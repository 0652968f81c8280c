package reconcile

import (
	"encoding/binary"
	"sort"
	"sync"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/streamdup/fragment"
)

const numStoreShards = 64

// pending is an expectation registered in the partition that owes reads to
// a fragment. Either res is set, for a resolved fragment, or member is set,
// for a candidate group member waiting on its mate.
type pending struct {
	res       fragment.Resolution
	expected  int
	processed int
	member    *member
}

// partitionRecord is the reconciliation state of one partition. It is only
// reachable through store.with, which serializes access.
type partitionRecord struct {
	mu      sync.Mutex
	id      int
	drained bool
	// pending maps read names to the reads this partition owes them.
	pending map[string]*pending
	// pieces holds reads of this partition whose owner has not reported.
	pieces map[string]*fragment.Fragment
}

// names returns the sorted keys of m.
func names(m map[string]*fragment.Fragment) []string {
	n := make([]string, 0, len(m))
	for name := range m {
		n = append(n, name)
	}
	sort.Strings(n)
	return n
}

type storeShard struct {
	mu      sync.Mutex
	records map[int]*partitionRecord
}

// store is a sharded map from partition id to partitionRecord.
type store struct {
	shards [numStoreShards]storeShard
}

func newStore() *store {
	s := &store{}
	for i := range s.shards {
		s.shards[i].records = make(map[int]*partitionRecord)
	}
	return s
}

func (s *store) record(id int) *partitionRecord {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	shard := &s.shards[seahash.Sum64(buf[:])%numStoreShards]
	shard.mu.Lock()
	rec, ok := shard.records[id]
	if !ok {
		rec = &partitionRecord{
			id:      id,
			pending: make(map[string]*pending),
			pieces:  make(map[string]*fragment.Fragment),
		}
		shard.records[id] = rec
	}
	shard.mu.Unlock()
	return rec
}

// with runs fn with exclusive access to the record of partition id. fn must
// not call with.
func (s *store) with(id int, fn func(rec *partitionRecord)) {
	rec := s.record(id)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(rec)
}

// ids returns the ids of every partition that has a record.
func (s *store) ids() []int {
	var ids []int
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for id := range shard.records {
			ids = append(ids, id)
		}
		shard.mu.Unlock()
	}
	sort.Ints(ids)
	return ids
}
