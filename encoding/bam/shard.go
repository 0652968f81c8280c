// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam

import (
	"fmt"
	"math"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/biopb"
	"v.io/x/lib/vlog"
)

// Shard represents a genomic interval. The <StartRef,Start> and
// <EndRef,End> coordinates form a half-open, 0-based interval. An iterator
// for such a range will return reads whose start positions fall within
// that range.
//
// Duplicate marking uses position-based shards as its partitions: every
// shard covers a contiguous interval of a single reference, and ShardIdx is
// the partition id used for cross-partition reconciliation.
//
// An unmapped sequence has coordinate (nil,0), and it is stored after any
// mapped sequence. A shard that contains unmapped sequences has
// EndRef=nil, End=math.MaxInt32.
//
// Padding must be >=0. It expands the read range to [PaddedStart,
// PaddedEnd), where PaddedStart=max(0, Start-Padding) and
// PaddedEnd=min(EndRef.Len(), End+Padding)).
//
// The Shards are ordered according to the order of the bam input file.
// ShardIdx is an index into that ordering.  The first Shard has index 0, and
// the subsequent shards increment the ShardIdx by one each.
type Shard struct {
	StartRef *sam.Reference
	EndRef   *sam.Reference
	Start    int
	End      int

	Padding  int
	ShardIdx int
}

// RefShard creates a Shard that covers all of ref.
func RefShard(ref *sam.Reference) Shard {
	return Shard{StartRef: ref, EndRef: ref, Start: 0, End: ref.Len(), ShardIdx: ref.ID()}
}

// UnmappedShard creates a Shard that covers the unmapped reads.
func UnmappedShard() Shard {
	return Shard{End: math.MaxInt32, ShardIdx: -1}
}

// PadStart returns max(s.Start-padding, 0).
func (s *Shard) PadStart(padding int) int {
	return max(0, s.Start-padding)
}

// PaddedStart computes the effective start of the range to read, including
// padding.
func (s *Shard) PaddedStart() int {
	return s.PadStart(s.Padding)
}

// PadEnd end returns min(s.End+padding, length of s.EndRef)
func (s *Shard) PadEnd(padding int) int {
	if s.End == 0 {
		// The shard extends to the end of the previous reference. So PadEnd can
		// stay zero.
		return 0
	}
	if s.EndRef == nil {
		// Unmapped reads are all at position 0, so limit can be any positive value.
		return min(math.MaxInt32, s.End+padding)
	}
	return min(s.EndRef.Len(), s.End+padding)
}

// PaddedEnd computes the effective limit of the range to read, including
// padding.
func (s *Shard) PaddedEnd() int {
	return s.PadEnd(s.Padding)
}

// CoordInShard returns whether coord is within the shard plus the
// supplied padding (this uses the padding parameter in place of
// s.Padding).
func (s *Shard) CoordInShard(padding int, coord biopb.Coord) bool {
	startCoord := NewCoord(s.StartRef, s.PadStart(padding))
	if coord.LT(startCoord) {
		return false
	}
	endCoord := NewCoord(s.EndRef, s.PadEnd(padding))
	return coord.LT(endCoord)
}

// SameRef returns true if s covers a single reference, and that reference
// is ref.
func (s *Shard) SameRef(ref *sam.Reference) bool {
	return s.StartRef != nil && s.StartRef == s.EndRef && s.StartRef.ID() == ref.ID()
}

// String returns a debug string for s.
func (s *Shard) String() string {
	return fmt.Sprintf("%d:(%s[%d],%d(%d))-(%s[%d],%d(%d))",
		s.ShardIdx, s.StartRef.Name(), s.StartRef.ID(), s.Start, s.PaddedStart(),
		s.EndRef.Name(), s.EndRef.ID(), s.End, s.PaddedEnd())
}

func min(x, y int) int {
	if y < x {
		return y
	}
	return x
}

func max(x, y int) int {
	if y > x {
		return y
	}
	return x
}

// CoordFromSAMRecord computes the biopb.Coord for the given record.
func CoordFromSAMRecord(rec *sam.Record) biopb.Coord {
	return NewCoord(rec.Ref, rec.Pos)
}

// NewCoord generates biopb.Coord from the given parameters.
func NewCoord(ref *sam.Reference, pos int) biopb.Coord {
	a := biopb.Coord{RefId: int32(ref.ID()), Pos: int32(pos)}
	if a.RefId == biopb.InfinityRefID && pos < 0 {
		// Pos for unmapped reads are meaningless.  The convention is to
		// store -1 as Pos, but we don't use negative positions
		// elsewhere, so we just use 0 as a placeholder.
		a.Pos = 0
	}
	return a
}

// GetPositionBasedShards returns a list of shards that cover the
// genome using the specified shard size and padding size.  Return a
// shard for the unmapped && mate-unmapped pairs if includeUnmapped is
// true.
//
// The Shards split the BAM data from the given provider into
// contiguous, non-overlapping genomic intervals (Shards). A SAM
// record is associated with a shard if its alignment start position
// is within the given padding distance of the shard.
func GetPositionBasedShards(header *sam.Header, shardSize int, padding int, includeUnmapped bool) ([]Shard, error) {
	if shardSize <= 0 {
		return nil, fmt.Errorf("shard size must be positive: %d", shardSize)
	}
	var shards []Shard
	shardIdx := 0
	for _, ref := range header.Refs() {
		var start int
		for start < ref.Len() {
			end := min(start+shardSize, ref.Len())
			shards = append(shards,
				Shard{
					StartRef: ref,
					EndRef:   ref,
					Start:    start,
					End:      end,
					Padding:  padding,
					ShardIdx: shardIdx,
				})
			start += shardSize
			shardIdx++
		}
	}
	if includeUnmapped {
		shards = append(shards,
			Shard{
				StartRef: nil,
				EndRef:   nil,
				Start:    0,
				End:      math.MaxInt32,
				ShardIdx: shardIdx,
			})
	}
	ValidateShardList(header, shards, padding)
	return shards, nil
}

// ShardsByRef groups a shard list produced by GetPositionBasedShards by
// reference. The result is indexed by reference id; the unmapped shard, if
// any, is dropped.
func ShardsByRef(header *sam.Header, shards []Shard) [][]Shard {
	byRef := make([][]Shard, len(header.Refs()))
	for _, shard := range shards {
		if shard.StartRef == nil {
			continue
		}
		id := shard.StartRef.ID()
		byRef[id] = append(byRef[id], shard)
	}
	return byRef
}

// ValidateShardList panics unless shardList covers every reference with
// contiguous shards, in order, optionally followed by one unmapped shard.
func ValidateShardList(header *sam.Header, shardList []Shard, padding int) {
	var prevRef *sam.Reference
	for i, shard := range shardList {
		if shard.Start >= shard.End {
			vlog.Panicf("Shard start must precede end for ref %s: %d, %d", shard.StartRef.Name(), shard.Start, shard.End)
		}

		if shard.StartRef == nil {
			if i == len(shardList)-1 {
				continue
			}
			vlog.Panicf("Only the last shard may have nil Ref, not shard %d", i)
		}

		if i == 0 || shard.StartRef != prevRef {
			prevRef = shard.StartRef
			if shard.Start != 0 {
				vlog.Panicf("First shard of ref %s should start at 0, not %d", shard.StartRef.Name(), shard.Start)
			}
		} else {
			if shard.Start != shardList[i-1].End {
				vlog.Panicf("Shard gap for ref %s between %d and %d", shard.StartRef.Name(), shardList[i-1].End, shard.Start)
			}
		}
		if i < len(shardList)-1 && shardList[i+1].StartRef != shard.StartRef && shard.End != shard.StartRef.Len() {
			vlog.Panicf("Last shard of %s should end at reference end: %d, %d", shard.StartRef.Name(), shard.End, shard.StartRef.Len())
		}

		if shard.Padding < 0 {
			vlog.Panicf("Padding must be non-negative: %d", shard.Padding)
		}
	}
}
