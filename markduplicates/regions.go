package markduplicates

import (
	"sort"
	"strings"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/encoding/bam"
	"github.com/grailbio/streamdup/interval"
)

// regionFilter selects reads by alignment start. A nil *regionFilter
// accepts everything. A regionFilter must not be shared between
// goroutines; see clone.
type regionFilter struct {
	bed interval.BEDUnion
}

// parseRegions parses specs into a filter. It returns nil for an empty
// list. header may be nil when only validating, in which case
// overlaps must not be called.
func parseRegions(specs []string, header *sam.Header) (*regionFilter, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	entries := make([]interval.Entry, 0, len(specs))
	for _, spec := range specs {
		e, err := interval.ParseRegionString(strings.TrimSpace(spec))
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].RefName != entries[j].RefName {
			return entries[i].RefName < entries[j].RefName
		}
		return entries[i].Start0 < entries[j].Start0
	})
	bed, err := interval.NewBEDUnionFromEntries(entries, interval.NewBEDOpts{SAMHeader: header})
	if err != nil {
		return nil, err
	}
	return &regionFilter{bed: bed}, nil
}

// clone returns a filter sharing f's intervals with its own search state.
func (f *regionFilter) clone() *regionFilter {
	if f == nil {
		return nil
	}
	return &regionFilter{bed: f.bed.Clone()}
}

// contains returns true if r starts inside a region.
func (f *regionFilter) contains(r *sam.Record) bool {
	if f == nil {
		return true
	}
	return f.bed.ContainsByName(r.Ref.Name(), interval.PosType(r.Pos))
}

// overlaps returns true if shard intersects a region.
func (f *regionFilter) overlaps(shard *bam.Shard) bool {
	if f == nil {
		return true
	}
	if shard.StartRef == nil {
		return false
	}
	endRef := shard.EndRef
	if endRef == nil {
		endRef = shard.StartRef
	}
	if endRef == shard.StartRef && shard.End <= shard.Start {
		return false
	}
	return f.bed.Intersects(shard.StartRef.ID(), interval.PosType(shard.Start),
		endRef.ID(), interval.PosType(shard.End))
}
