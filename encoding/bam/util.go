package bam

import (
	"strconv"
	"strings"

	"github.com/grailbio/hts/sam"
)

var saTag = sam.Tag{'S', 'A'}

// IsPaired returns true if record is part of a template with multiple segments.
func IsPaired(record *sam.Record) bool { return record.Flags&sam.Paired != 0 }

// IsProperPair returns true if each segment is properly aligned.
func IsProperPair(record *sam.Record) bool { return record.Flags&sam.ProperPair != 0 }

// IsUnmapped returns true if record is unmapped.
func IsUnmapped(record *sam.Record) bool { return record.Flags&sam.Unmapped != 0 }

// IsMateUnmapped returns true if the mate of record is unmapped.
func IsMateUnmapped(record *sam.Record) bool { return record.Flags&sam.MateUnmapped != 0 }

// IsReverse returns true if record is aligned to the reverse strand.
func IsReverse(record *sam.Record) bool { return record.Flags&sam.Reverse != 0 }

// IsMateReverse returns true if the mate of record is aligned to the reverse strand.
func IsMateReverse(record *sam.Record) bool { return record.Flags&sam.MateReverse != 0 }

// IsRead1 returns true if record is the first segment of its template.
func IsRead1(record *sam.Record) bool { return record.Flags&sam.Read1 != 0 }

// IsRead2 returns true if record is the last segment of its template.
func IsRead2(record *sam.Record) bool { return record.Flags&sam.Read2 != 0 }

// IsSecondary returns true if record is a secondary alignment.
func IsSecondary(record *sam.Record) bool { return record.Flags&sam.Secondary != 0 }

// IsQCFail returns true if record did not pass quality controls.
func IsQCFail(record *sam.Record) bool { return record.Flags&sam.QCFail != 0 }

// IsDuplicate returns true if record is already flagged as a duplicate.
func IsDuplicate(record *sam.Record) bool { return record.Flags&sam.Duplicate != 0 }

// IsSupplementary returns true if record is a supplementary alignment.
func IsSupplementary(record *sam.Record) bool { return record.Flags&sam.Supplementary != 0 }

// IsPrimary returns true if record is neither secondary nor supplementary.
func IsPrimary(record *sam.Record) bool {
	return record.Flags&(sam.Secondary|sam.Supplementary) == 0
}

// HasNoMappedMate returns true if record is unpaired or has an unmapped mate.
func HasNoMappedMate(record *sam.Record) bool {
	return (record.Flags&sam.Paired) == 0 || (record.Flags&sam.MateUnmapped) != 0
}

// LeftClipDistance returns the total number of soft and hard clipped bases
// at the left end of the alignment.
func LeftClipDistance(record *sam.Record) int {
	return leadingClip(record.Cigar)
}

// RightClipDistance returns the total number of soft and hard clipped bases
// at the right end of the alignment.
func RightClipDistance(record *sam.Record) int {
	return trailingClip(record.Cigar)
}

// FivePrimeClipDistance returns the number of clipped bases at the 5' end
// of the read.
func FivePrimeClipDistance(record *sam.Record) int {
	if IsReverse(record) {
		return RightClipDistance(record)
	}
	return LeftClipDistance(record)
}

// UnclippedStart returns the 0-based position where the leftmost base of
// the read would align if no bases were clipped.
func UnclippedStart(record *sam.Record) int {
	return record.Pos - LeftClipDistance(record)
}

// UnclippedEnd returns the 0-based, inclusive position where the rightmost
// base of the read would align if no bases were clipped.
func UnclippedEnd(record *sam.Record) int {
	return record.End() - 1 + RightClipDistance(record)
}

// UnclippedFivePrimePosition returns the unclipped 0-based position of the
// 5' end of the read: UnclippedStart for forward reads, UnclippedEnd for
// reverse reads.
func UnclippedFivePrimePosition(record *sam.Record) int {
	if IsReverse(record) {
		return UnclippedEnd(record)
	}
	return UnclippedStart(record)
}

func isClip(t sam.CigarOpType) bool {
	return t == sam.CigarSoftClipped || t == sam.CigarHardClipped
}

func leadingClip(cigar sam.Cigar) int {
	n := 0
	for _, co := range cigar {
		if !isClip(co.Type()) {
			break
		}
		n += co.Len()
	}
	return n
}

func trailingClip(cigar sam.Cigar) int {
	n := 0
	for i := len(cigar) - 1; i >= 0; i-- {
		if !isClip(cigar[i].Type()) {
			break
		}
		n += cigar[i].Len()
	}
	return n
}

// ReferenceLength returns the number of reference bases consumed by cigar.
func ReferenceLength(cigar sam.Cigar) int {
	n := 0
	for _, co := range cigar {
		n += co.Len() * co.Type().Consumes().Reference
	}
	return n
}

// QueryLength returns the read length implied by cigar, clipped bases
// included.
func QueryLength(cigar sam.Cigar) int {
	n := 0
	for _, co := range cigar {
		t := co.Type()
		if t == sam.CigarHardClipped {
			n += co.Len()
			continue
		}
		n += co.Len() * t.Consumes().Query
	}
	return n
}

// ReadLength returns the length of the sequenced read, falling back to the
// cigar when SEQ is absent.
func ReadLength(record *sam.Record) int {
	if record.Seq.Length > 0 {
		return record.Seq.Length + LeftHardClip(record.Cigar) + RightHardClip(record.Cigar)
	}
	return QueryLength(record.Cigar)
}

// LeftHardClip returns the number of hard clipped bases at the left end.
func LeftHardClip(cigar sam.Cigar) int {
	n := 0
	for _, co := range cigar {
		if co.Type() != sam.CigarHardClipped {
			break
		}
		n += co.Len()
	}
	return n
}

// RightHardClip returns the number of hard clipped bases at the right end.
func RightHardClip(cigar sam.Cigar) int {
	n := 0
	for i := len(cigar) - 1; i >= 0; i-- {
		if cigar[i].Type() != sam.CigarHardClipped {
			break
		}
		n += cigar[i].Len()
	}
	return n
}

// ClearAuxTags removes all aux fields of r whose tag is listed in tags.
func ClearAuxTags(r *sam.Record, tags []sam.Tag) {
	kept := r.AuxFields[:0]
	for _, aux := range r.AuxFields {
		drop := false
		for _, tag := range tags {
			if aux.Tag() == tag {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, aux)
		}
	}
	r.AuxFields = kept
}

// SupplementaryAlignment is one entry of an SA tag.
type SupplementaryAlignment struct {
	RefName string
	// Pos is 0-based.
	Pos     int
	Reverse bool
	Cigar   sam.Cigar
	MapQ    int
}

// UnclippedFivePrimePosition returns the 0-based unclipped 5' position of
// the alignment.
func (a SupplementaryAlignment) UnclippedFivePrimePosition() int {
	if a.Reverse {
		return a.Pos + ReferenceLength(a.Cigar) - 1 + trailingClip(a.Cigar)
	}
	return a.Pos - leadingClip(a.Cigar)
}

// ParseSATag parses the SA tag of record. It returns nil when the tag is
// absent. Malformed entries are skipped and reported through the error.
func ParseSATag(record *sam.Record) ([]SupplementaryAlignment, error) {
	aux, ok := record.Tag(saTag[:])
	if !ok {
		return nil, nil
	}
	value, ok := aux.Value().(string)
	if !ok {
		return nil, &SATagError{Name: record.Name, Value: aux.String()}
	}
	var (
		alignments []SupplementaryAlignment
		err        error
	)
	for _, entry := range strings.Split(value, ";") {
		if entry == "" {
			continue
		}
		a, ok := parseSAEntry(entry)
		if !ok {
			err = &SATagError{Name: record.Name, Value: entry}
			continue
		}
		alignments = append(alignments, a)
	}
	return alignments, err
}

// parseSAEntry parses "rname,pos,strand,CIGAR,mapQ,NM". Pos is 1-based in
// the tag.
func parseSAEntry(entry string) (SupplementaryAlignment, bool) {
	fields := strings.Split(entry, ",")
	if len(fields) < 5 {
		return SupplementaryAlignment{}, false
	}
	pos, err := strconv.Atoi(fields[1])
	if err != nil || pos < 1 {
		return SupplementaryAlignment{}, false
	}
	if fields[2] != "+" && fields[2] != "-" {
		return SupplementaryAlignment{}, false
	}
	cigar, err := sam.ParseCigar([]byte(fields[3]))
	if err != nil {
		return SupplementaryAlignment{}, false
	}
	mapq, err := strconv.Atoi(fields[4])
	if err != nil {
		return SupplementaryAlignment{}, false
	}
	return SupplementaryAlignment{
		RefName: fields[0],
		Pos:     pos - 1,
		Reverse: fields[2] == "-",
		Cigar:   cigar,
		MapQ:    mapq,
	}, true
}

// SATagError reports a malformed SA tag.
type SATagError struct {
	Name  string
	Value string
}

func (e *SATagError) Error() string {
	return "malformed SA tag on " + e.Name + ": " + e.Value
}
