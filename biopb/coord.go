// Package biopb defines the genomic coordinate types shared by the
// partitioning and reconciliation code.
package biopb

import (
	"fmt"
	"math"
)

// InfinityRefID is the RefId of unmapped reads. It sorts after every
// mapped reference.
const InfinityRefID = int32(-1)

// Coord is a position of an alignment record. RefId is the index of the
// reference in the BAM header, or InfinityRefID. Pos is 0-based. Seq
// distinguishes records that start at the same (RefId, Pos).
type Coord struct {
	RefId int32
	Pos   int32
	Seq   int32
}

// CoordRange is a half-open range [Start, Limit).
type CoordRange struct {
	Start Coord
	Limit Coord
}

func (r Coord) String() string {
	return fmt.Sprintf("%d:%d:%d", r.RefId, r.Pos, r.Seq)
}

func sortableRefID(id int32) int64 {
	if id == InfinityRefID {
		return math.MaxInt32 + 1
	}
	return int64(id)
}

func cmp64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Compare returns -1, 0 or 1 when r sorts before, with, or after r1.
// Unmapped coordinates sort last.
func (r Coord) Compare(r1 Coord) int {
	if c := cmp64(sortableRefID(r.RefId), sortableRefID(r1.RefId)); c != 0 {
		return c
	}
	if c := cmp64(int64(r.Pos), int64(r1.Pos)); c != 0 {
		return c
	}
	return cmp64(int64(r.Seq), int64(r1.Seq))
}

// LT returns true iff r < r1.
func (r Coord) LT(r1 Coord) bool { return r.Compare(r1) < 0 }

// GE returns true iff r >= r1.
func (r Coord) GE(r1 Coord) bool { return r.Compare(r1) >= 0 }

// EQ returns true iff r = r1.
func (r Coord) EQ(r1 Coord) bool { return r == r1 }

// Contains checks if a is inside r.
func (r CoordRange) Contains(a Coord) bool {
	return !a.LT(r.Start) && a.LT(r.Limit)
}
