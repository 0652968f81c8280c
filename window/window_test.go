package window

import (
	"fmt"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/fragment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	chr1, _   = sam.NewReference("chr1", "", "", 1000000, nil, nil)
	chr2, _   = sam.NewReference("chr2", "", "", 1000000, nil, nil)
	header, _ = sam.NewHeader(nil, []*sam.Reference{chr1, chr2})

	cigar10M  = []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 10)}
	cigar5S5M = []sam.CigarOp{sam.NewCigarOp(sam.CigarSoftClipped, 5), sam.NewCigarOp(sam.CigarMatch, 5)}

	r1F = sam.Paired | sam.Read1 | sam.MateReverse
	r2R = sam.Paired | sam.Read2 | sam.Reverse
)

// single returns an unpaired forward read at 1-based position pos.
func single(name string, ref *sam.Reference, pos int) *sam.Record {
	return &sam.Record{Name: name, Ref: ref, Pos: pos - 1, MatePos: -1, Cigar: cigar10M}
}

func pair(name string, ref *sam.Reference, pos, matePos int) (*sam.Record, *sam.Record) {
	r1 := &sam.Record{Name: name, Ref: ref, Pos: pos - 1, MateRef: ref, MatePos: matePos - 1, Flags: r1F, Cigar: cigar10M}
	r2 := &sam.Record{Name: name, Ref: ref, Pos: matePos - 1, MateRef: ref, MatePos: pos - 1, Flags: r2R, Cigar: cigar10M}
	return r1, r2
}

type recorder struct {
	groups []*PositionGroup
}

func (r *recorder) evict(g *PositionGroup) { r.groups = append(r.groups, g) }

func (r *recorder) positions() []int {
	var p []int
	for _, g := range r.groups {
		p = append(p, g.Key.Pos)
	}
	return p
}

func TestEvictionExample(t *testing.T) {
	rec := &recorder{}
	w := New(1000, rec.evict)
	for _, pos := range []int{1, 500} {
		_, d := w.ProcessRecord(single(fmt.Sprint("r", pos), chr1, pos))
		assert.Equal(t, Inserted, d)
	}
	assert.Empty(t, rec.groups)
	_, d := w.ProcessRecord(single("r1600", chr1, 1600))
	assert.Equal(t, Inserted, d)
	assert.Equal(t, []int{1, 500}, rec.positions())
	assert.Equal(t, 601, w.MinPos())
	assert.Equal(t, 1, w.Len())

	w.EvictAll()
	assert.Equal(t, []int{1, 500, 1600}, rec.positions())
	assert.Equal(t, 0, w.Len())
}

func TestMonotonicEviction(t *testing.T) {
	rec := &recorder{}
	w := New(100, rec.evict)
	n := 0
	for pos := 1; pos < 2000; pos += 7 {
		r1, _ := pair(fmt.Sprint("p", pos), chr1, pos, pos+30)
		w.ProcessRecord(r1)
		w.ProcessRecord(single(fmt.Sprint("s", pos), chr1, pos))
		n += 2
	}
	w.EvictAll()

	total := 0
	seen := map[string]bool{}
	for i, g := range rec.groups {
		if i > 0 {
			assert.False(t, g.Key.Abs() < rec.groups[i-1].Key.Abs(), "group %d out of order", i)
		}
		for _, f := range g.Fragments {
			assert.False(t, seen[f.Name], "fragment %s evicted twice", f.Name)
			seen[f.Name] = true
			total++
		}
	}
	assert.Equal(t, n, total)
}

func TestMateMerge(t *testing.T) {
	rec := &recorder{}
	w := New(1000, rec.evict)
	r1, r2 := pair("a", chr1, 100, 300)
	f, d := w.ProcessRecord(r1)
	require.Equal(t, Inserted, d)
	assert.False(t, f.PrimaryReadsPresent())
	g, d := w.ProcessRecord(r2)
	assert.Equal(t, Merged, d)
	assert.True(t, f == g)
	assert.True(t, f.PrimaryReadsPresent())
	assert.Equal(t, fragment.Coord{RefID: 0, Pos: -309}, f.Key().Start)
	assert.Equal(t, fragment.Coord{RefID: 0, Pos: 100}, f.Key().End)
}

func TestOrphans(t *testing.T) {
	rec := &recorder{}
	w := New(1000, rec.evict)

	// The mate precedes the window start, so the owner was never buffered.
	_, r2 := pair("late", chr1, 100, 5000)
	f, d := w.ProcessRecord(r2)
	assert.Equal(t, Orphan, d)
	assert.False(t, f.IsOwner())
	assert.Equal(t, 0, w.Len())

	sup := single("sup", chr1, 5010)
	sup.Flags = sam.Supplementary
	f, d = w.ProcessRecord(sup)
	assert.Equal(t, Orphan, d)
	assert.Equal(t, fragment.Supplementary, f.Status())
}

func TestRejected(t *testing.T) {
	rec := &recorder{}
	w := New(100, rec.evict)
	w.ProcessRecord(single("a", chr1, 1000))
	w.ProcessRecord(single("b", chr1, 1100))
	assert.Equal(t, 1001, w.MinPos())
	assert.Equal(t, []int{1000}, rec.positions())

	_, d := w.ProcessRecord(single("c", chr1, 900))
	assert.Equal(t, Rejected, d)

	// Soft clipping moves the key before the window start.
	clipped := single("d", chr1, 1002)
	clipped.Cigar = cigar5S5M
	_, d = w.ProcessRecord(clipped)
	assert.Equal(t, Rejected, d)
}

func TestLargeJumpAndReferenceChange(t *testing.T) {
	rec := &recorder{}
	w := New(100, rec.evict)
	w.ProcessRecord(single("a", chr1, 10))
	w.ProcessRecord(single("b", chr1, 50))
	w.ProcessRecord(single("c", chr1, 100000))
	assert.Equal(t, []int{10, 50}, rec.positions())
	assert.Equal(t, 100000-50, w.MinPos())

	w.ProcessRecord(single("d", chr2, 5))
	require.Len(t, rec.groups, 3)
	assert.Equal(t, "c", rec.groups[2].Fragments[0].Name)
	assert.Equal(t, 1, w.MinPos())
	assert.Equal(t, 1, w.Len())
}

func TestReverseAfterForwardAtSamePosition(t *testing.T) {
	rec := &recorder{}
	w := New(100, rec.evict)
	// Reverse read whose unclipped end is 110.
	rev := single("rev", chr1, 101)
	rev.Flags = sam.Reverse
	w.ProcessRecord(rev)
	w.ProcessRecord(single("fwd", chr1, 110))
	w.EvictAll()
	require.Len(t, rec.groups, 2)
	assert.Equal(t, "fwd", rec.groups[0].Fragments[0].Name)
	assert.Equal(t, "rev", rec.groups[1].Fragments[0].Name)
}

func TestSamePositionMatesOwnerOrder(t *testing.T) {
	rec := &recorder{}
	w := New(100, rec.evict)
	a1, a2 := pair("a", chr1, 100, 100)
	b1, b2 := pair("b", chr1, 100, 100)
	w.ProcessRecord(a1)
	w.ProcessRecord(b2)
	f, d := w.ProcessRecord(b1)
	assert.Equal(t, Merged, d)
	assert.Equal(t, fragment.Coord{RefID: 0, Pos: 100}, f.Initial())
	mate, ok := f.MateCoord()
	require.True(t, ok)
	assert.Equal(t, fragment.Coord{RefID: 0, Pos: -109}, mate)
	w.ProcessRecord(a2)
	assert.Equal(t, 2, w.Len())
	w.EvictAll()

	// Both fragments are grouped by their forward read.
	require.Len(t, rec.groups, 1)
	assert.Equal(t, 100, rec.groups[0].Key.Pos)
	var names []string
	for _, f := range rec.groups[0].Fragments {
		names = append(names, f.Name)
		assert.True(t, f.PrimaryReadsPresent())
	}
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, rec.groups[0].Fragments[0].Key(), rec.groups[0].Fragments[1].Key())

	// Mates on the same strand: read 1 owns.
	rec = &recorder{}
	w = New(100, rec.evict)
	c1, c2 := pair("c", chr1, 200, 200)
	c1.Flags, c2.Flags = sam.Paired|sam.Read1, sam.Paired|sam.Read2
	w.ProcessRecord(c2)
	w.ProcessRecord(c1)
	w.EvictAll()
	require.Len(t, rec.groups, 1)
	assert.True(t, rec.groups[0].Fragments[0].Reads[1] == c1)
	assert.Equal(t, 200, rec.groups[0].Key.Pos)
}
