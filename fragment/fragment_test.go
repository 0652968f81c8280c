package fragment

import (
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/encoding/bam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	chr1, _   = sam.NewReference("chr1", "", "", 10000, nil, nil)
	chr2, _   = sam.NewReference("chr2", "", "", 10000, nil, nil)
	header, _ = sam.NewHeader(nil, []*sam.Reference{chr1, chr2})

	r1F = sam.Paired | sam.Read1 | sam.MateReverse
	r2R = sam.Paired | sam.Read2 | sam.Reverse
	s1F = sam.Paired | sam.Read1 | sam.MateUnmapped
	sup = sam.Paired | sam.Read1 | sam.Supplementary | sam.MateReverse

	cigar10M    = []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 10)}
	cigar2S8M   = []sam.CigarOp{sam.NewCigarOp(sam.CigarSoftClipped, 2), sam.NewCigarOp(sam.CigarMatch, 8)}
	cigar8M2S   = []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 8), sam.NewCigarOp(sam.CigarSoftClipped, 2)}
	cigar5M5H   = []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 5), sam.NewCigarOp(sam.CigarHardClipped, 5)}
	cigar5H5M   = []sam.CigarOp{sam.NewCigarOp(sam.CigarHardClipped, 5), sam.NewCigarOp(sam.CigarMatch, 5)}
	partitions  []bam.Shard
	partitionIx *bam.PartitionIndex
)

func init() {
	var err error
	partitions, err = bam.GetPositionBasedShards(header, 1000, 0, false)
	if err != nil {
		panic(err)
	}
	partitionIx = bam.NewPartitionIndex(header, partitions)
}

func newRecord(name string, ref *sam.Reference, pos int, flags sam.Flags, matePos int, mateRef *sam.Reference,
	cigar sam.Cigar, auxs ...sam.Aux) *sam.Record {
	r := &sam.Record{
		Name:    name,
		Ref:     ref,
		Pos:     pos,
		Flags:   flags,
		MatePos: matePos,
		MateRef: mateRef,
		Cigar:   cigar,
	}
	r.AuxFields = append(r.AuxFields, auxs...)
	return r
}

func newAux(t *testing.T, tag string, v interface{}) sam.Aux {
	aux, err := sam.NewAux(sam.NewTag(tag), v)
	require.NoError(t, err)
	return aux
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		r    *sam.Record
		want Coord
	}{
		{newRecord("a", chr1, 100, r1F, 0, chr1, cigar10M), Coord{0, 101}},
		{newRecord("a", chr1, 100, r1F, 0, chr1, cigar2S8M), Coord{0, 99}},
		{newRecord("a", chr1, 100, r2R, 0, chr1, cigar10M), Coord{0, -110}},
		{newRecord("a", chr1, 100, r2R, 0, chr1, cigar8M2S), Coord{0, -110}},
		{newRecord("a", chr2, 0, r2R, 0, chr1, cigar5M5H), Coord{1, -10}},
	}
	for i, test := range tests {
		assert.Equal(t, test.want, Normalize(test.r), "test %d", i)
	}
	assert.True(t, Coord{0, -110}.Reverse())
	assert.Equal(t, 110, Coord{0, -110}.Abs())
	assert.True(t, Coord{0, -110}.Less(Coord{0, 5}))
	assert.True(t, Coord{0, 500}.Less(Coord{1, -5}))
}

func TestPairAssembly(t *testing.T) {
	a1 := newRecord("A", chr1, 1000, r1F, 1190, chr1, cigar10M)
	a2 := newRecord("A", chr1, 1190, r2R, 1000, chr1, cigar10M)

	f := New(a1)
	assert.True(t, f.IsOwner())
	assert.True(t, f.Paired())
	assert.False(t, f.PrimaryReadsPresent())
	assert.False(t, f.AllReadsPresent())
	assert.Equal(t, Coord{0, 1001}, f.Initial())
	mate, ok := f.MateCoord()
	assert.True(t, ok)
	assert.Equal(t, Coord{0, -1200}, mate)

	assert.True(t, f.AddRead(a2))
	assert.True(t, f.PrimaryReadsPresent())
	assert.True(t, f.AllReadsPresent())
	assert.Equal(t, Key{Paired: true, Start: Coord{0, -1200}, End: Coord{0, 1001}}, f.Key())
	mate, _ = f.MateCoord()
	assert.Equal(t, Coord{0, -1200}, mate)

	// No read may be added once the fragment is complete.
	assert.False(t, f.AddRead(newRecord("A", chr1, 1500, sup, 1190, chr1, cigar5M5H)))
	assert.Equal(t, 2, len(f.Reads))
}

func TestExpectedMateCoord(t *testing.T) {
	// Without MC the read length stands in for the mate's aligned length.
	r := newRecord("A", chr1, 1000, r1F, 1190, chr1, cigar10M)
	f := New(r)
	mate, _ := f.MateCoord()
	assert.Equal(t, Coord{0, -1200}, mate)

	r = newRecord("A", chr1, 1000, r1F, 1190, chr1, cigar10M, newAux(t, "MC", "8M2S"))
	f = New(r)
	mate, _ = f.MateCoord()
	assert.Equal(t, Coord{0, -1200}, mate)

	r = newRecord("A", chr1, 1000, r1F, 1190, chr1, cigar10M, newAux(t, "MC", "6M"))
	f = New(r)
	mate, _ = f.MateCoord()
	assert.Equal(t, Coord{0, -1196}, mate)

	r = newRecord("A", chr1, 1000, sam.Paired|sam.Read1, 1190, chr2, cigar10M, newAux(t, "MC", "3S7M"))
	f = New(r)
	mate, _ = f.MateCoord()
	assert.Equal(t, Coord{1, 1188}, mate)
}

func TestUnpaired(t *testing.T) {
	f := New(newRecord("S", chr1, 10, s1F, 10, chr1, cigar10M))
	assert.False(t, f.Paired())
	assert.True(t, f.PrimaryReadsPresent())
	assert.True(t, f.AllReadsPresent())
	_, ok := f.MateCoord()
	assert.False(t, ok)
	assert.Equal(t, Key{Start: Coord{0, 11}, End: Coord{0, 11}}, f.Key())

	f = New(newRecord("U", chr1, 10, 0, -1, nil, cigar10M))
	assert.True(t, f.AllReadsPresent())
}

func TestSupplementaryExpectations(t *testing.T) {
	sa := newAux(t, "SA", "chr2,501,+,5H5M,60,0;")
	a1 := newRecord("A", chr1, 1000, r1F, 1190, chr1, cigar5M5H, sa)
	a2 := newRecord("A", chr1, 1190, r2R, 1000, chr1, cigar10M)
	aSup := newRecord("A", chr2, 500, sup, 1190, chr1, cigar5H5M,
		newAux(t, "SA", "chr1,1001,+,5M5H,60,0;"))

	f := New(a1)
	f.AddRead(a2)
	assert.True(t, f.PrimaryReadsPresent())
	assert.False(t, f.AllReadsPresent())

	missing := f.MissingByPartition(partitionIx)
	assert.Equal(t, map[int]int{10 + 0: 1}, missing)

	shard := partitions[1]
	assert.True(t, f.MarkRemotePartitions(&shard, partitionIx))
	assert.Equal(t, []int{10}, f.RemotePartitions())

	assert.True(t, f.AddRead(aSup))
	assert.True(t, f.AllReadsPresent())
	assert.Equal(t, 0, len(f.MissingByPartition(partitionIx)))
	assert.False(t, f.MarkRemotePartitions(&shard, partitionIx))
	assert.Equal(t, 0, len(f.RemotePartitions()))

	// The key ignores supplementary alignments.
	assert.Equal(t, Key{Paired: true, Start: Coord{0, -1200}, End: Coord{0, 1001}}, f.Key())
}

func TestSupplementaryBeforePrimary(t *testing.T) {
	sa := newAux(t, "SA", "chr1,101,+,5H5M,60,0;")
	aSup := newRecord("A", chr1, 100, sup, 1190, chr1, cigar5H5M, newAux(t, "SA", "chr1,1001,+,5M5H,60,0;"))
	a1 := newRecord("A", chr1, 1000, r1F, 1190, chr1, cigar5M5H, sa)
	a2 := newRecord("A", chr1, 1190, r2R, 1000, chr1, cigar10M)

	piece := NewPiece(aSup)
	assert.False(t, piece.IsOwner())
	assert.Equal(t, Supplementary, piece.Status())
	ref, pos, ok := piece.OwnerLocation(partitionIx)
	assert.True(t, ok)
	assert.Equal(t, "chr1", ref.Name())
	assert.Equal(t, 1000, pos)

	f := New(a1)
	f.Merge(piece)
	assert.False(t, f.AllReadsPresent())
	mp, ok := f.MatePartition(partitionIx)
	assert.True(t, ok)
	assert.Equal(t, 1, mp)
	f.AddRead(a2)
	assert.True(t, f.AllReadsPresent())
	_, ok = f.MatePartition(partitionIx)
	assert.False(t, ok)
}

func TestMatePiece(t *testing.T) {
	k2 := newRecord("K", chr2, 150, r2R, 50, chr1, cigar10M)
	piece := NewPiece(k2)
	assert.Equal(t, Unset, piece.Status())
	assert.False(t, piece.PrimaryReadsPresent())
	ref, pos, ok := piece.OwnerLocation(partitionIx)
	assert.True(t, ok)
	assert.Equal(t, chr1, ref)
	assert.Equal(t, 50, pos)
	// A piece expects nothing on its own.
	assert.Equal(t, 0, len(piece.MissingByPartition(partitionIx)))
}

func TestMarkRemotePartitions(t *testing.T) {
	k1 := newRecord("K", chr1, 50, r1F, 150, chr2, cigar10M)
	f := New(k1)
	shard := partitions[0]
	assert.True(t, f.MarkRemotePartitions(&shard, partitionIx))
	assert.Equal(t, []int{10}, f.RemotePartitions())

	i1 := newRecord("I", chr1, 50, r1F, 1500, chr1, cigar10M)
	f = New(i1)
	assert.False(t, f.MarkRemotePartitions(&shard, partitionIx))
	assert.Equal(t, []int{1}, f.RemotePartitions())

	j1 := newRecord("J", chr1, 50, r1F, 500, chr1, cigar10M)
	f = New(j1)
	assert.False(t, f.MarkRemotePartitions(&shard, partitionIx))
	assert.Equal(t, 0, len(f.RemotePartitions()))
	assert.Equal(t, map[int]int{0: 1}, f.MissingByPartition(partitionIx))
}

func TestStatusTransitions(t *testing.T) {
	f := New(newRecord("A", chr1, 1000, r1F, 1190, chr1, cigar10M))
	assert.Equal(t, Unset, f.Status())
	assert.True(t, f.SetStatus(Candidate))
	assert.True(t, f.SetStatus(Duplicate))
	assert.False(t, f.SetStatus(None))
	assert.False(t, f.SetStatus(Candidate))
	assert.Equal(t, Duplicate, f.Status())
	assert.True(t, f.SetStatus(Duplicate))

	f = New(newRecord("B", chr1, 1000, r1F, 1190, chr1, cigar10M))
	f.SetStatus(Primary)
	f.SetGroup(7, 3, "ACGT")
	res := f.Resolution()
	assert.Equal(t, Resolution{Status: Primary, GroupID: 7, GroupSize: 3, Umi: "ACGT"}, res)
	assert.False(t, res.IsDuplicate())

	piece := NewPiece(newRecord("B", chr1, 1190, r2R, 1000, chr1, cigar10M))
	assert.True(t, piece.Adopt(res))
	assert.Equal(t, res, piece.Resolution())
	assert.False(t, piece.Adopt(Resolution{Status: Duplicate}))

	assert.True(t, None.Terminal())
	assert.True(t, Primary.Terminal())
	assert.True(t, Duplicate.Terminal())
	assert.False(t, Candidate.Terminal())
	assert.False(t, Unclear.Terminal())
	assert.Equal(t, "Candidate", Candidate.String())
}

func TestAvgBaseQuality(t *testing.T) {
	a1 := newRecord("A", chr1, 1000, r1F, 1190, chr1, cigar10M)
	a1.Qual = []byte{30, 30, 30, 30, 30, 30, 30, 30, 30, 30}
	a2 := newRecord("A", chr1, 1190, r2R, 1000, chr1, cigar10M)
	a2.Qual = []byte{10, 10, 10, 10, 10, 10, 10, 10, 10, 10}
	f := New(a1)
	assert.InDelta(t, 30.0, f.AvgBaseQuality(), 1e-9)
	f.AddRead(a2)
	assert.InDelta(t, 20.0, f.AvgBaseQuality(), 1e-9)

	b := newRecord("B", chr1, 1000, s1F, 0, chr1, cigar10M)
	b.Qual = []byte{0xff, 0xff}
	assert.Equal(t, 0.0, New(b).AvgBaseQuality())
}

func TestExternallyDuplicate(t *testing.T) {
	a1 := newRecord("A", chr1, 1000, r1F|sam.Duplicate, 1190, chr1, cigar10M)
	assert.True(t, New(a1).ExternallyDuplicate())
	b1 := newRecord("B", chr1, 1000, r1F, 1190, chr1, cigar10M)
	assert.False(t, New(b1).ExternallyDuplicate())
}
