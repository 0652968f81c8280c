package bam

import (
	"github.com/biogo/store/llrb"
	"github.com/grailbio/hts/sam"
)

type partitionKey struct {
	refID int
	start int
	shard *Shard
}

// Compare compares two partitionKey objects for use in llrb.
func (k partitionKey) Compare(c2 llrb.Comparable) int {
	k2 := c2.(partitionKey)
	if diff := k.refID - k2.refID; diff != 0 {
		return diff
	}
	return k.start - k2.start
}

// PartitionIndex maps genomic positions and reference names to the
// position-based shards that contain them. It is immutable once built and
// safe for concurrent use.
type PartitionIndex struct {
	header  *sam.Header
	refs    map[string]*sam.Reference
	byKey   llrb.Tree
	byIndex map[int]*Shard
}

// NewPartitionIndex indexes the mapped shards in shards.
func NewPartitionIndex(header *sam.Header, shards []Shard) *PartitionIndex {
	idx := &PartitionIndex{
		header:  header,
		refs:    make(map[string]*sam.Reference, len(header.Refs())),
		byIndex: make(map[int]*Shard, len(shards)),
	}
	for _, ref := range header.Refs() {
		idx.refs[ref.Name()] = ref
	}
	for i := range shards {
		shard := &shards[i]
		idx.byIndex[shard.ShardIdx] = shard
		if shard.StartRef == nil {
			continue
		}
		idx.byKey.Insert(partitionKey{shard.StartRef.ID(), shard.Start, shard})
	}
	return idx
}

// Header returns the header the index was built for.
func (idx *PartitionIndex) Header() *sam.Header { return idx.header }

// RefByName returns the reference with the given name, or nil.
func (idx *PartitionIndex) RefByName(name string) *sam.Reference {
	return idx.refs[name]
}

// Lookup returns the shard that contains (ref, pos), where pos is 0-based.
func (idx *PartitionIndex) Lookup(ref *sam.Reference, pos int) (*Shard, bool) {
	if ref == nil || pos < 0 {
		return nil, false
	}
	c := idx.byKey.Floor(partitionKey{refID: ref.ID(), start: pos})
	if c == nil {
		return nil, false
	}
	shard := c.(partitionKey).shard
	if !shard.CoordInShard(0, NewCoord(ref, pos)) {
		return nil, false
	}
	return shard, true
}

// PartitionOf returns the partition id of the shard containing
// (refName, pos), where pos is 0-based.
func (idx *PartitionIndex) PartitionOf(refName string, pos int) (int, bool) {
	shard, ok := idx.Lookup(idx.refs[refName], pos)
	if !ok {
		return 0, false
	}
	return shard.ShardIdx, true
}

// Shard returns the shard with the given partition id.
func (idx *PartitionIndex) Shard(partition int) (*Shard, bool) {
	shard, ok := idx.byIndex[partition]
	return shard, ok
}

// Len returns the number of shards in the index.
func (idx *PartitionIndex) Len() int {
	return len(idx.byIndex)
}
