package classify

import (
	"bytes"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/fragment"
	"github.com/grailbio/streamdup/umi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	chr1, _   = sam.NewReference("chr1", "", "", 100000, nil, nil)
	chr2, _   = sam.NewReference("chr2", "", "", 100000, nil, nil)
	header, _ = sam.NewHeader(nil, []*sam.Reference{chr1, chr2})

	r1F = sam.Paired | sam.Read1
	r2F = sam.Paired | sam.Read2

	cigar150M = []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 150)}
)

func read(name string, ref *sam.Reference, pos int, flags sam.Flags, mateRef *sam.Reference, matePos int, q byte) *sam.Record {
	return &sam.Record{
		Name:    name,
		Ref:     ref,
		Pos:     pos - 1,
		Flags:   flags,
		MateRef: mateRef,
		MatePos: matePos - 1,
		Cigar:   cigar150M,
		Qual:    bytes.Repeat([]byte{q}, 150),
	}
}

// pair returns a fragment whose first read is at pos and whose mate is
// expected at matePos. When complete is set the mate is added at matePos.
func pair(name string, pos, matePos int, q byte, complete bool) *fragment.Fragment {
	f := fragment.New(read(name, chr1, pos, r1F, chr1, matePos, q))
	if complete {
		f.AddRead(read(name, chr1, matePos, r2F, chr1, pos, q))
	}
	return f
}

func single(name string, pos int, q byte) *fragment.Fragment {
	return fragment.New(read(name, chr1, pos, 0, nil, 0, q))
}

func count(r Result) int {
	n := len(r.Resolved)
	for _, g := range r.CandidateGroups {
		n += len(g.Members)
	}
	return n
}

func TestDuplicatePair(t *testing.T) {
	a := pair("a", 1000, 1200, 30, true)
	b := pair("b", 1000, 1200, 35, true)
	require.True(t, a.PrimaryReadsPresent())
	assert.Equal(t, "0:1000(+)_0:1200(+)", a.Key().String())

	c := New(Opts{})
	assert.Equal(t, Duplicate, c.Compare(a, b, 2))
	r := c.Classify([]*fragment.Fragment{a, b}, false)
	assert.Equal(t, 2, count(r))
	require.Len(t, r.DuplicateGroups, 1)
	g := r.DuplicateGroups[0]
	assert.True(t, g.Primary == b)
	assert.Equal(t, fragment.Primary, b.Status())
	assert.Equal(t, fragment.Duplicate, a.Status())
	assert.Equal(t, 2, a.Resolution().GroupSize)
	assert.Equal(t, 2, b.Resolution().GroupSize)
	assert.Equal(t, g.ID, a.Resolution().GroupID)
	assert.NotZero(t, g.ID)

	// Classifying resolved fragments again changes nothing.
	r = c.Classify([]*fragment.Fragment{a, b}, false)
	assert.Len(t, r.Resolved, 2)
	assert.Empty(t, r.DuplicateGroups)
	assert.Equal(t, fragment.Primary, b.Status())
	assert.Equal(t, fragment.Duplicate, a.Status())
}

func TestCandidateThenDuplicate(t *testing.T) {
	a := pair("a", 1000, 1200, 30, false)
	b := pair("b", 1000, 1205, 30, false)
	c := New(Opts{})
	assert.Equal(t, Candidate, c.Compare(a, b, 2))

	r := c.Classify([]*fragment.Fragment{a, b}, false)
	assert.Equal(t, 2, count(r))
	assert.Empty(t, r.Resolved)
	require.Len(t, r.CandidateGroups, 1)
	assert.Equal(t, []*fragment.Fragment{a, b}, r.CandidateGroups[0].Members)
	assert.Empty(t, r.CandidateGroups[0].Anchors)
	assert.Equal(t, fragment.Candidate, a.Status())

	a.AddRead(read("a", chr1, 1200, r2F, chr1, 1000, 30))
	b.AddRead(read("b", chr1, 1200, r2F, chr1, 1000, 20))
	r = c.Classify(r.CandidateGroups[0].Members, true)
	require.Len(t, r.DuplicateGroups, 1)
	assert.Equal(t, fragment.Primary, a.Status())
	assert.Equal(t, fragment.Duplicate, b.Status())
}

func TestCandidateFinalDegradesToNone(t *testing.T) {
	a := pair("a", 1000, 1200, 30, false)
	b := pair("b", 1000, 1205, 30, false)
	r := New(Opts{}).Classify([]*fragment.Fragment{a, b}, true)
	assert.Empty(t, r.CandidateGroups)
	assert.Len(t, r.Resolved, 2)
	assert.Equal(t, fragment.None, a.Status())
	assert.Equal(t, fragment.None, b.Status())
}

func TestNotDuplicate(t *testing.T) {
	c := New(Opts{})
	tests := []struct {
		a, b *fragment.Fragment
	}{
		// Different mate position.
		{pair("a", 1000, 1200, 30, true), pair("b", 1000, 1300, 30, true)},
		// Paired vs unpaired.
		{pair("a", 1000, 1200, 30, false), single("b", 1000, 30)},
		// Mates too far apart.
		{pair("a", 1000, 1200, 30, false), pair("b", 1000, 1400, 30, false)},
		// Mate on another chromosome.
		{pair("a", 1000, 1200, 30, false), fragment.New(read("b", chr1, 1000, r1F, chr2, 1200, 30))},
		// Mate on the other strand.
		{pair("a", 1000, 1200, 30, false), fragment.New(read("b", chr1, 1000, r1F|sam.MateReverse, chr1, 1200, 30))},
	}
	for i, test := range tests {
		assert.Equal(t, NotDuplicate, c.Compare(test.a, test.b, 2), "test %d", i)
		r := c.Classify([]*fragment.Fragment{test.a, test.b}, false)
		assert.Len(t, r.Resolved, 2, "test %d", i)
		assert.Equal(t, fragment.None, test.a.Status(), "test %d", i)
	}
}

func TestUnpairedDuplicates(t *testing.T) {
	a := single("a", 500, 20)
	b := single("b", 500, 30)
	c := single("c", 500, 10)
	r := New(Opts{}).Classify([]*fragment.Fragment{a, b, c}, false)
	require.Len(t, r.DuplicateGroups, 1)
	assert.Len(t, r.DuplicateGroups[0].Members, 3)
	assert.True(t, r.DuplicateGroups[0].Primary == b)
	assert.Equal(t, 3, a.Resolution().GroupSize)
}

func TestTransitiveCandidates(t *testing.T) {
	// a~b and b~c are within one read length, a and c are not.
	a := pair("a", 1000, 1200, 30, false)
	b := pair("b", 1000, 1300, 30, false)
	c := pair("c", 1000, 1400, 30, false)
	d := pair("d", 1000, 5000, 30, false)
	cl := New(Opts{})
	assert.Equal(t, NotDuplicate, cl.Compare(a, c, 4))
	r := cl.Classify([]*fragment.Fragment{a, d, c, b}, false)
	assert.Equal(t, 4, count(r))
	require.Len(t, r.CandidateGroups, 1)
	assert.ElementsMatch(t, []*fragment.Fragment{a, b, c}, r.CandidateGroups[0].Members)
	assert.Equal(t, []*fragment.Fragment{d}, r.Resolved)
	assert.Equal(t, fragment.None, d.Status())
}

func TestMixedGroup(t *testing.T) {
	for _, mateMatches := range []bool{true, false} {
		a := pair("a", 1000, 1200, 30, true)
		b := pair("b", 1000, 1200, 30, true)
		c := pair("c", 1000, 1210, 30, false)
		e := pair("e", 1000, 1200, 30, true)
		e.SetStatus(fragment.None)
		cl := New(Opts{})
		r := cl.Classify([]*fragment.Fragment{e, a, c, b}, false)
		assert.Equal(t, 4, count(r))
		require.Len(t, r.DuplicateGroups, 1)
		g := r.DuplicateGroups[0]
		assert.Len(t, g.Members, 2)
		assert.Equal(t, fragment.None, e.Status())

		// c is a candidate of a, which was finalized as a duplicate: c waits
		// for its mate, anchored on the group.
		require.Len(t, r.CandidateGroups, 1)
		assert.Equal(t, []*fragment.Fragment{c}, r.CandidateGroups[0].Members)
		assert.Equal(t, []*fragment.Fragment{g.Primary}, r.CandidateGroups[0].Anchors)
		assert.Equal(t, fragment.Candidate, c.Status())

		mate := read("c", chr1, 1210, r2F, chr1, 1000, 30)
		if mateMatches {
			// The mate is soft clipped; its unclipped start matches a's mate.
			mate.Cigar = []sam.CigarOp{sam.NewCigarOp(sam.CigarSoftClipped, 10), sam.NewCigarOp(sam.CigarMatch, 140)}
		}
		require.True(t, c.AddRead(mate))
		require.True(t, c.PrimaryReadsPresent())
		joined, rest := cl.Join(r.CandidateGroups[0])
		if !mateMatches {
			assert.Empty(t, joined)
			assert.Equal(t, []*fragment.Fragment{c}, rest)
			assert.Equal(t, fragment.Candidate, c.Status())
			continue
		}
		assert.Equal(t, a.Key(), c.Key())
		assert.Equal(t, []*fragment.Fragment{c}, joined)
		assert.Empty(t, rest)
		assert.Equal(t, fragment.Duplicate, c.Status())
		assert.Equal(t, g.ID, c.Resolution().GroupID)
		assert.Equal(t, 2, c.Resolution().GroupSize)
	}
}

func TestJoinUmis(t *testing.T) {
	a := pair("a:AAAA", 1000, 1200, 30, true)
	b := pair("b:AAAA", 1000, 1200, 20, true)
	cl := New(Opts{Umis: &umi.Clusterer{Delimiter: ":", MaxMismatch: 1}})
	r := cl.Classify([]*fragment.Fragment{a, b}, false)
	require.Len(t, r.DuplicateGroups, 1)

	near := pair("c:AAAT", 1000, 1200, 30, true)
	far := pair("d:GGGG", 1000, 1200, 30, true)
	near.SetStatus(fragment.Candidate)
	far.SetStatus(fragment.Candidate)
	joined, rest := cl.Join(&CandidateGroup{Members: []*fragment.Fragment{near, far}, Anchors: []*fragment.Fragment{a}})
	assert.Equal(t, []*fragment.Fragment{near}, joined)
	assert.Equal(t, []*fragment.Fragment{far}, rest)
	assert.Equal(t, "AAAA", near.Resolution().Umi)
}

func TestHighDepth(t *testing.T) {
	group := []*fragment.Fragment{
		pair("a", 1000, 1200, 30, false),
		pair("b", 1000, 1202, 20, false),
		pair("c", 1000, 1280, 20, false),
	}
	opts := Opts{HighDepth: true, HighDepthThreshold: 3, HighDepthInsertTolerance: 5}
	c := New(opts)
	assert.Equal(t, Duplicate, c.Compare(group[0], group[1], 3))
	assert.Equal(t, Candidate, c.Compare(group[0], group[2], 3))
	assert.Equal(t, Candidate, c.Compare(group[0], group[1], 2))

	r := c.Classify(group, false)
	assert.Equal(t, 3, count(r))
	require.Len(t, r.DuplicateGroups, 1)
	assert.True(t, r.DuplicateGroups[0].Primary == group[0])
	require.Len(t, r.CandidateGroups, 1)
	assert.Equal(t, []*fragment.Fragment{group[2]}, r.CandidateGroups[0].Members)
	assert.Equal(t, []*fragment.Fragment{group[0]}, r.CandidateGroups[0].Anchors)
	assert.Equal(t, fragment.Candidate, group[2].Status())

	// Off by default.
	assert.Equal(t, Candidate, New(Opts{}).Compare(group[0], group[1], 100))
}

func TestUmiSubgroups(t *testing.T) {
	group := []*fragment.Fragment{
		pair("r1:AAAA", 1000, 1200, 30, true),
		pair("r2:AAAT", 1000, 1200, 35, true),
		pair("r3:GGGG", 1000, 1200, 30, true),
		pair("r4:GGGG", 1000, 1200, 30, true),
		pair("r5:CCCC", 1000, 1200, 30, true),
	}
	c := New(Opts{Umis: &umi.Clusterer{Delimiter: ":", MaxMismatch: 1}})
	r := c.Classify(group, false)
	assert.Len(t, r.Resolved, 5)
	require.Len(t, r.DuplicateGroups, 2)

	byUmi := map[string]*DuplicateGroup{}
	for _, g := range r.DuplicateGroups {
		byUmi[g.Umi] = g
	}
	// AAAA and AAAT both have one read; AAAA sorts first and anchors.
	require.NotNil(t, byUmi["AAAA"])
	assert.True(t, byUmi["AAAA"].Primary == group[1])
	require.NotNil(t, byUmi["GGGG"])
	assert.True(t, byUmi["GGGG"].Primary == group[2])
	assert.Equal(t, 2, group[3].Resolution().GroupSize)
	assert.Equal(t, fragment.None, group[4].Status())
	assert.Equal(t, "CCCC", group[4].Resolution().Umi)
}

func TestSelectPrimary(t *testing.T) {
	a := single("a", 100, 30)
	b := single("b", 100, 30)
	c := single("c", 100, 20)
	assert.True(t, SelectPrimary([]*fragment.Fragment{a, b, c}) == a)

	// Quality ranks first; the external duplicate flag only breaks ties.
	dupFlagged := func(name string, q byte) *fragment.Fragment {
		return fragment.New(read(name, chr1, 100, sam.Duplicate, nil, 0, q))
	}
	d := dupFlagged("d", 30)
	e := single("e", 100, 30)
	assert.True(t, SelectPrimary([]*fragment.Fragment{d, e}) == e)
	f := dupFlagged("f", 40)
	assert.True(t, SelectPrimary([]*fragment.Fragment{e, f}) == f)
}

func TestDisjointSet(t *testing.T) {
	d := newDisjointSet(6)
	d.union(0, 1)
	d.union(2, 3)
	d.union(1, 3)
	assert.Equal(t, d.find(0), d.find(2))
	assert.NotEqual(t, d.find(0), d.find(4))
	d.union(4, 4)
	assert.Equal(t, 4, d.find(4))
	for i := 0; i < 4; i++ {
		root := d.find(i)
		assert.Equal(t, 0, root)
		assert.Equal(t, root, d.parent[i], "path not compressed for %d", i)
	}
}
