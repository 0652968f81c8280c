package fragment

import (
	"fmt"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/encoding/bam"
)

// Coord is a strand-aware genomic coordinate. Pos is the 1-based unclipped
// 5' position of a read, negated for reverse-strand reads, so that a single
// signed integer orders both strand and position.
type Coord struct {
	RefID int
	Pos   int
}

// Less orders coordinates by reference, then by signed position.
func (c Coord) Less(o Coord) bool {
	if c.RefID != o.RefID {
		return c.RefID < o.RefID
	}
	return c.Pos < o.Pos
}

// Reverse returns true if c is on the reverse strand.
func (c Coord) Reverse() bool { return c.Pos < 0 }

// Abs returns the 1-based position of c, ignoring strand.
func (c Coord) Abs() int {
	if c.Pos < 0 {
		return -c.Pos
	}
	return c.Pos
}

func (c Coord) String() string {
	strand := '+'
	if c.Reverse() {
		strand = '-'
	}
	return fmt.Sprintf("%d:%d(%c)", c.RefID, c.Abs(), strand)
}

func signedPos(pos0 int, reverse bool) int {
	if reverse {
		return -(pos0 + 1)
	}
	return pos0 + 1
}

// Normalize returns the normalized coordinate of r: the unclipped start of
// forward reads, and the negated unclipped end of reverse reads.
func Normalize(r *sam.Record) Coord {
	return Coord{
		RefID: r.Ref.ID(),
		Pos:   signedPos(bam.UnclippedFivePrimePosition(r), bam.IsReverse(r)),
	}
}

// Key identifies the alignment of a fragment's primary reads: the min and
// max of their normalized coordinates. Fragments with equal, complete keys
// are duplicates.
type Key struct {
	Paired bool
	Start  Coord
	End    Coord
}

func (k Key) String() string {
	return fmt.Sprintf("%v_%v", k.Start, k.End)
}
