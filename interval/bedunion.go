package interval

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/hts/sam"
)

// NewBEDOpts defines how a BEDUnion is built.
type NewBEDOpts struct {
	// SAMHeader enables ID-based lookup, which Intersects requires.
	SAMHeader *sam.Header
}

// BEDUnion is a per-reference collection of length-2N endpoint sequences,
// where N is the number of intervals: the 0-based start of interval #k is in
// element [2k] and its end in element [2k+1].
//
// ContainsByName caches its last search, so a BEDUnion must not be queried
// by several goroutines at once; use Clone to give each its own.
type BEDUnion struct {
	// nameMap is a reference-keyed map with disjoint-interval-set values.
	// Always initialized.
	nameMap map[string][]PosType
	// idMap is indexed by sam.Header reference ID.  It is only initialized if
	// NewBEDOpts.SAMHeader was set.
	idMap [][]PosType
	// lastRefName is the name of the last queried reference.  If it's
	// nonempty, lastRefIntervals is its interval set.
	lastRefName      string
	lastRefIntervals []PosType
	// lastPos is the last queried position, and lastIdx its EndpointIndex.
	lastPos PosType
	lastIdx EndpointIndex
	// isSequential is true if all queries since the last reference change
	// have been in order of nondecreasing position.
	isSequential bool
}

// ContainsByName checks whether the (0-based) interval [pos, pos+1) is
// contained within the BEDUnion, where the reference is specified by name.
func (u *BEDUnion) ContainsByName(refName string, pos PosType) bool {
	if refName != u.lastRefName {
		u.lastRefName = refName
		u.lastRefIntervals = u.nameMap[refName]
		if u.lastRefIntervals == nil {
			return false
		}
		u.lastIdx = NewEndpointIndex(pos, u.lastRefIntervals)
		u.lastPos = pos
		u.isSequential = true
		return u.lastIdx.Contained()
	}
	if u.lastRefIntervals == nil {
		return false
	}
	if u.isSequential {
		if pos >= u.lastPos {
			u.lastIdx.Update(pos, u.lastRefIntervals)
			u.lastPos = pos
			return u.lastIdx.Contained()
		}
		u.isSequential = false
	}
	return NewEndpointIndex(pos, u.lastRefIntervals).Contained()
}

// Intersects checks whether the given contiguous possibly-multi-reference
// region intersects the interval set.  References must be specified by ID.
// It panics if limitRefID:limitPos isn't after startRefID:startPos.
func (u *BEDUnion) Intersects(startRefID int, startPos PosType, limitRefID int, limitPos PosType) bool {
	if startRefID > limitRefID {
		panic("internal error: BEDUnion.Intersects requires startRefID <= limitRefID")
	}
	if startIntervals := u.idMap[startRefID]; startIntervals != nil {
		idxStart := NewEndpointIndex(startPos, startIntervals)
		if startRefID < limitRefID {
			if int(idxStart) < len(startIntervals) {
				return true
			}
		} else {
			if limitPos <= startPos {
				panic("internal error: BEDUnion.Intersects requires limitPos > startPos when startRefID == limitRefID")
			}
			if idxStart.Contained() {
				return true
			}
			return int(idxStart) != len(startIntervals) && limitPos > startIntervals[idxStart]
		}
	}
	if startRefID == limitRefID {
		return false
	}
	for refID := startRefID + 1; refID < limitRefID; refID++ {
		if len(u.idMap[refID]) > 0 {
			return true
		}
	}
	if limitIntervals := u.idMap[limitRefID]; len(limitIntervals) > 0 {
		return limitIntervals[0] < limitPos
	}
	return false
}

func (u *BEDUnion) nameToIDData(header *sam.Header) {
	refs := header.Refs()
	u.idMap = make([][]PosType, len(refs))
	for refID, ref := range refs {
		if refID != ref.ID() {
			panic("internal error: sam.Header ref.ID != array position")
		}
		u.idMap[refID] = u.nameMap[ref.Name()]
	}
}

// Entry represents a single interval, with 0-based coordinates.
type Entry struct {
	RefName string
	Start0  PosType
	End     PosType
}

// ParseRegionString parses a region string of one of the forms
//   [contig ID]:[1-based first pos]-[last pos]
//   [contig ID]:[1-based pos]
//   [contig ID]
// returning a contig ID and 0-based interval boundaries.  The interval
// [0, PosTypeMax - 1) is returned if there is no positional restriction.
// The range follows the last colon, so contig IDs may contain colons.
func ParseRegionString(region string) (result Entry, err error) {
	if len(region) == 0 {
		err = fmt.Errorf("interval.ParseRegionString: empty region string")
		return
	}
	colonPos := strings.LastIndexByte(region, ':')
	if colonPos == -1 {
		result.RefName = region
		result.End = PosTypeMax - 1
		return
	}
	if colonPos == 0 {
		err = fmt.Errorf("interval.ParseRegionString: empty contig ID in %q", region)
		return
	}
	result.RefName = region[:colonPos]
	rangeStr := region[colonPos+1:]
	dashPos := strings.IndexByte(rangeStr, '-')
	if dashPos == -1 {
		var pos1 int64
		if pos1, err = strconv.ParseInt(rangeStr, 10, 32); err != nil {
			return
		}
		if pos1 <= 0 {
			err = fmt.Errorf("interval.ParseRegionString: position %v in %q out of range", rangeStr, region)
			return
		}
		result.Start0 = PosType(pos1 - 1)
		result.End = PosType(pos1)
		return
	}
	start1Str, endStr := rangeStr[:dashPos], rangeStr[dashPos+1:]
	var start1, end int
	if start1, err = strconv.Atoi(start1Str); err != nil {
		return
	}
	if start1 <= 0 {
		err = fmt.Errorf("interval.ParseRegionString: position %v in %q out of range", start1Str, region)
		return
	}
	if end, err = strconv.Atoi(endStr); err != nil {
		return
	}
	// end == PosTypeMax is prohibited so the endpoint arrays never contain
	// repeats.
	if end < start1 || end >= PosTypeMax {
		err = fmt.Errorf("interval.ParseRegionString: invalid range %v in %q", rangeStr, region)
		return
	}
	result.Start0 = PosType(start1 - 1)
	result.End = PosType(end)
	return
}

// NewBEDUnionFromEntries initializes a BEDUnion from entries sorted by start
// within each reference, with every reference's entries contiguous.
// Touching and overlapping intervals are merged; empty ones are dropped.
func NewBEDUnionFromEntries(entries []Entry, opts NewBEDOpts) (bedUnion BEDUnion, err error) {
	bedUnion.nameMap = make(map[string][]PosType)
	prevRef := ""
	var prevStart, prevEnd PosType
	var intervals []PosType
	flush := func() {
		if prevEnd != -1 {
			intervals = append(intervals, prevStart, prevEnd)
		}
		bedUnion.nameMap[prevRef] = intervals
	}
	for _, entry := range entries {
		if entry.Start0 < 0 {
			err = fmt.Errorf("interval.NewBEDUnionFromEntries: negative start coordinate in %+v", entry)
			return
		}
		if entry.End < entry.Start0 || entry.End >= PosTypeMax {
			err = fmt.Errorf("interval.NewBEDUnionFromEntries: invalid coordinate pair [%d, %d)", entry.Start0, entry.End)
			return
		}
		if prevRef != entry.RefName {
			if prevRef != "" {
				flush()
			}
			prevRef = entry.RefName
			if _, found := bedUnion.nameMap[prevRef]; found {
				err = fmt.Errorf("interval.NewBEDUnionFromEntries: unsorted input (split reference %v)", prevRef)
				return
			}
			intervals = []PosType{}
			prevStart, prevEnd = entry.Start0, entry.End
			if entry.End == entry.Start0 {
				// A mentioned reference without any bases.
				prevStart, prevEnd = -1, -1
			}
			continue
		}
		if entry.End == entry.Start0 {
			continue
		}
		if prevEnd == -1 || entry.Start0 > prevEnd {
			if prevEnd != -1 {
				intervals = append(intervals, prevStart, prevEnd)
			}
			prevStart, prevEnd = entry.Start0, entry.End
			continue
		}
		if entry.Start0 < prevStart {
			err = fmt.Errorf("interval.NewBEDUnionFromEntries: unsorted input")
			return
		}
		if entry.End > prevEnd {
			prevEnd = entry.End
		}
	}
	if prevRef != "" {
		flush()
	}
	if opts.SAMHeader != nil {
		bedUnion.nameToIDData(opts.SAMHeader)
	}
	return
}

// Clone returns a new BEDUnion which shares the interval set, but has its own
// search state.
func (u *BEDUnion) Clone() BEDUnion {
	return BEDUnion{nameMap: u.nameMap, idMap: u.idMap}
}
