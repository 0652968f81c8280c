// Package fragment assembles the alignment records of one sequencing
// template (a read pair plus its supplementary alignments) and computes the
// strand-aware coordinate key used for duplicate detection.
package fragment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/simd"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/encoding/bam"
)

var mcTag = sam.Tag{'M', 'C'}

// Locator resolves genomic locations to partition ids.
// *bam.PartitionIndex implements it.
type Locator interface {
	// PartitionOf returns the partition containing (refName, pos), pos
	// 0-based.
	PartitionOf(refName string, pos int) (int, bool)
	// RefByName returns the named reference, or nil.
	RefByName(name string) *sam.Reference
}

// expectedRead is a read the fragment knows about but may not have seen
// yet.
type expectedRead struct {
	refName string
	pos     int
	reverse bool
	seen    bool
}

func (e *expectedRead) matches(r *sam.Record) bool {
	return r.Ref.Name() == e.refName && r.Pos == e.pos && bam.IsReverse(r) == e.reverse
}

// Fragment is one sequencing template as it accumulates evidence. A
// Fragment is owned by a single goroutine at a time.
type Fragment struct {
	// Name is the read name shared by all records of the template.
	Name string
	// Reads are all the records observed so far, in arrival order.
	Reads []*sam.Record

	res Resolution

	owner           bool
	paired          bool
	expectedPrimary int
	seenPrimary     int
	initial         Coord
	key             Key
	mate            *expectedRead
	mateCoord       Coord
	supplementaries []expectedRead
	readLength      int
	externalDup     bool
	remote          []int
	allPresent      bool
}

// New starts a fragment from the non-supplementary record r. The fragment
// expects two primary reads when r is paired with a mapped mate.
func New(r *sam.Record) *Fragment {
	f := &Fragment{
		Name:            r.Name,
		owner:           true,
		paired:          bam.IsPaired(r) && !bam.IsMateUnmapped(r),
		expectedPrimary: 1,
		initial:         Normalize(r),
		readLength:      bam.ReadLength(r),
	}
	if f.paired {
		f.expectedPrimary = 2
		f.mate = &expectedRead{refName: r.MateRef.Name(), pos: r.MatePos, reverse: bam.IsMateReverse(r)}
		f.mateCoord = expectedMateCoord(r, f.readLength)
	}
	f.key = Key{Paired: f.paired, Start: f.initial, End: f.initial}
	f.addRead(r)
	return f
}

// NewPiece creates a non-owning fragment for a supplementary alignment or a
// second mate that arrived without its owner. Pieces only carry reads until
// they are merged into, or adopt the resolution of, their owner.
func NewPiece(r *sam.Record) *Fragment {
	f := &Fragment{Name: r.Name, readLength: bam.ReadLength(r)}
	if bam.IsSupplementary(r) {
		f.res.Status = Supplementary
	}
	f.addRead(r)
	return f
}

// expectedMateCoord computes where the mate's 5' end should be, using the
// MC tag when present and the read length otherwise.
func expectedMateCoord(r *sam.Record, readLength int) Coord {
	c := Coord{RefID: r.MateRef.ID()}
	if aux, ok := r.Tag(mcTag[:]); ok {
		if s, ok := aux.Value().(string); ok {
			if cigar, err := sam.ParseCigar([]byte(s)); err == nil {
				sa := bam.SupplementaryAlignment{Pos: r.MatePos, Reverse: bam.IsMateReverse(r), Cigar: cigar}
				c.Pos = signedPos(sa.UnclippedFivePrimePosition(), sa.Reverse)
				return c
			}
		}
	}
	if bam.IsMateReverse(r) {
		c.Pos = -(r.MatePos + readLength)
	} else {
		c.Pos = r.MatePos + 1
	}
	return c
}

// AddRead adds a mate or supplementary record. It returns false, and logs
// an error, if the fragment already has all of its reads.
func (f *Fragment) AddRead(r *sam.Record) bool {
	if f.allPresent {
		log.Error.Printf("fragment %s: read added after all reads were present: %v", f.Name, r)
		return false
	}
	f.addRead(r)
	return true
}

func (f *Fragment) addRead(r *sam.Record) {
	f.Reads = append(f.Reads, r)
	if !bam.IsSupplementary(r) {
		f.seenPrimary++
		if bam.IsDuplicate(r) {
			f.externalDup = true
		}
		c := Normalize(r)
		if f.seenPrimary == 1 && !f.owner {
			f.key = Key{Paired: bam.IsPaired(r) && !bam.IsMateUnmapped(r), Start: c, End: c}
		} else {
			if c.Less(f.key.Start) {
				f.key.Start = c
			}
			if f.key.End.Less(c) {
				f.key.End = c
			}
		}
		if f.mate != nil && f.mate.matches(r) {
			f.mate.seen = true
			f.mateCoord = c
		}
		alignments, err := bam.ParseSATag(r)
		if err != nil {
			log.Error.Printf("fragment %s: %v", f.Name, err)
		}
		for _, a := range alignments {
			f.supplementaries = append(f.supplementaries,
				expectedRead{refName: a.RefName, pos: a.Pos, reverse: a.Reverse})
		}
	}
	f.refresh()
}

// refresh recomputes which expected supplementaries have been seen, and the
// completeness flag.
func (f *Fragment) refresh() {
	used := make([]bool, len(f.Reads))
	for i := range f.supplementaries {
		e := &f.supplementaries[i]
		e.seen = false
		for j, r := range f.Reads {
			if !used[j] && bam.IsSupplementary(r) && e.matches(r) {
				e.seen, used[j] = true, true
				break
			}
		}
	}
	if !f.owner {
		return
	}
	all := f.PrimaryReadsPresent()
	for _, e := range f.supplementaries {
		all = all && e.seen
	}
	f.allPresent = all
}

// IsOwner returns true if f was created from the read that owns the
// template, as opposed to a piece.
func (f *Fragment) IsOwner() bool { return f.owner }

// Paired returns true if the template has two mapped primary reads.
func (f *Fragment) Paired() bool { return f.paired }

// PrimaryReadsPresent returns true when every expected non-supplementary
// read has been seen.
func (f *Fragment) PrimaryReadsPresent() bool {
	return f.owner && f.seenPrimary >= f.expectedPrimary
}

// AllReadsPresent returns true when all primary and supplementary reads
// have been seen. No read may be added afterwards.
func (f *Fragment) AllReadsPresent() bool { return f.allPresent }

// Key returns the normalized key of the primary reads seen so far.
func (f *Fragment) Key() Key { return f.key }

// Initial returns the normalized coordinate of the read that created the
// fragment, or of the read passed to the last Rebase.
func (f *Fragment) Initial() Coord { return f.initial }

// Rebase makes the primary read r, already added to f, the read that
// positions f. The read that created f becomes the mate.
func (f *Fragment) Rebase(r *sam.Record) {
	old := f.initial
	f.initial = Normalize(r)
	if f.mate != nil && f.mate.seen {
		f.mateCoord = old
	}
}

// MateCoord returns the normalized 5' coordinate of the mate: the observed
// one once the mate has arrived, else the expected one. ok is false for
// fragments without a mapped mate.
func (f *Fragment) MateCoord() (c Coord, ok bool) {
	if f.mate == nil {
		return Coord{}, false
	}
	return f.mateCoord, true
}

// ReadLength returns the length of the read that created the fragment.
func (f *Fragment) ReadLength() int { return f.readLength }

// ExternallyDuplicate returns true if any primary read already carried the
// duplicate flag in the input.
func (f *Fragment) ExternallyDuplicate() bool { return f.externalDup }

// AvgBaseQuality returns the mean base quality over the primary reads.
func (f *Fragment) AvgBaseQuality() float64 {
	var sum, n int
	for _, r := range f.Reads {
		if bam.IsSupplementary(r) || len(r.Qual) == 0 || r.Qual[0] == 0xff {
			continue
		}
		sum += simd.Accumulate8Greater(r.Qual, 0)
		n += len(r.Qual)
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

// Status returns the current status.
func (f *Fragment) Status() Status { return f.res.Status }

// Resolution returns the current resolution.
func (f *Fragment) Resolution() Resolution { return f.res }

// SetStatus moves f to status s. Transitions out of a terminal status are
// rejected and logged.
func (f *Fragment) SetStatus(s Status) bool {
	if !f.res.Status.canTransition(s) {
		log.Error.Printf("fragment %s: invalid status transition %v -> %v", f.Name, f.res.Status, s)
		return false
	}
	f.res.Status = s
	return true
}

// SetGroup records the duplicate group f was classified into.
func (f *Fragment) SetGroup(id uint64, size int, umi string) {
	f.res.GroupID = id
	f.res.GroupSize = size
	f.res.Umi = umi
}

// Adopt takes over a resolution computed for the owner of f.
func (f *Fragment) Adopt(res Resolution) bool {
	if !f.SetStatus(res.Status) {
		return false
	}
	f.res = res
	return true
}

// Merge moves the reads of piece into f.
func (f *Fragment) Merge(piece *Fragment) {
	for _, r := range piece.Reads {
		if !f.AddRead(r) {
			return
		}
	}
}

// missing returns the locations of reads that f expects but has not seen.
func (f *Fragment) missing() []expectedRead {
	var m []expectedRead
	if f.mate != nil && !f.mate.seen {
		m = append(m, *f.mate)
	}
	for _, e := range f.supplementaries {
		if !e.seen {
			m = append(m, e)
		}
	}
	return m
}

// MissingByPartition returns, for every partition that owes reads to f, the
// number of reads expected from it. Reads outside every known partition
// are not reported.
func (f *Fragment) MissingByPartition(loc Locator) map[int]int {
	byPartition := map[int]int{}
	for _, e := range f.missing() {
		p, ok := loc.PartitionOf(e.refName, e.pos)
		if !ok {
			log.Debug.Printf("fragment %s: no partition for %s:%d", f.Name, e.refName, e.pos+1)
			continue
		}
		byPartition[p]++
	}
	return byPartition
}

// MatePartition returns the partition of the mate when the mate has not
// been seen.
func (f *Fragment) MatePartition(loc Locator) (int, bool) {
	if f.mate == nil || f.mate.seen {
		return 0, false
	}
	return loc.PartitionOf(f.mate.refName, f.mate.pos)
}

// MarkRemotePartitions records the partitions other than shard that must
// supply missing reads of f. It returns true if any missing read is on a
// different reference than shard.
func (f *Fragment) MarkRemotePartitions(shard *bam.Shard, loc Locator) bool {
	f.remote = f.remote[:0]
	crossRef := false
	for _, e := range f.missing() {
		if shard.StartRef == nil || e.refName != shard.StartRef.Name() {
			crossRef = true
		}
		p, ok := loc.PartitionOf(e.refName, e.pos)
		if !ok || p == shard.ShardIdx {
			continue
		}
		f.remote = append(f.remote, p)
	}
	sort.Ints(f.remote)
	n := 0
	for i, p := range f.remote {
		if i == 0 || p != f.remote[n-1] {
			f.remote[n] = p
			n++
		}
	}
	f.remote = f.remote[:n]
	return crossRef
}

// RemotePartitions returns the partitions recorded by the last call to
// MarkRemotePartitions.
func (f *Fragment) RemotePartitions() []int { return f.remote }

// OwnerLocation returns the alignment start of the read that owns the
// template of piece f: the leftmost of the mate and, for supplementary
// pieces, the primary alignment listed in the SA tag.
func (f *Fragment) OwnerLocation(loc Locator) (ref *sam.Reference, pos int, ok bool) {
	consider := func(r *sam.Reference, p int) {
		if r == nil || p < 0 {
			return
		}
		if !ok || r.ID() < ref.ID() || (r.ID() == ref.ID() && p < pos) {
			ref, pos, ok = r, p, true
		}
	}
	for _, r := range f.Reads {
		if bam.IsPaired(r) && !bam.IsMateUnmapped(r) {
			consider(r.MateRef, r.MatePos)
		}
		if !bam.IsSupplementary(r) {
			consider(r.Ref, r.Pos)
			continue
		}
		alignments, _ := bam.ParseSATag(r)
		if len(alignments) > 0 {
			consider(loc.RefByName(alignments[0].RefName), alignments[0].Pos)
		}
	}
	return ref, pos, ok
}

// String returns a debug string for f.
func (f *Fragment) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s{key=%v status=%v reads=%d primary=%d/%d", f.Name, f.key, f.res.Status,
		len(f.Reads), f.seenPrimary, f.expectedPrimary)
	if f.mate != nil {
		fmt.Fprintf(&b, " mate=%v seen=%v", f.mateCoord, f.mate.seen)
	}
	if len(f.supplementaries) > 0 {
		n := 0
		for _, e := range f.supplementaries {
			if e.seen {
				n++
			}
		}
		fmt.Fprintf(&b, " supp=%d/%d", n, len(f.supplementaries))
	}
	b.WriteString("}")
	return b.String()
}
