package markduplicates

import (
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/encoding/bam"
	"github.com/grailbio/streamdup/fragment"
)

var (
	rgTag = sam.Tag{'R', 'G'}
	diTag = sam.Tag{'D', 'I'}
	dlTag = sam.Tag{'D', 'L'}
	dsTag = sam.Tag{'D', 'S'}
	dtTag = sam.Tag{'D', 'T'}
	duTag = sam.Tag{'D', 'U'}
)

func getReadGroup(r *sam.Record) (string, bool) {
	aux := r.AuxFields.Get(rgTag)
	if aux == nil {
		return "", false
	}
	rg, ok := aux.Value().(string)
	return rg, ok
}

// GetLibrary returns the library for the given record's read group.
// If the library is not defined in readGroupLibrary, returns "Unknown
// Library".
func GetLibrary(readGroupLibrary map[string]string, record *sam.Record) string {
	const unknown = "Unknown Library"

	readGroup, found := getReadGroup(record)
	if !found {
		return unknown
	}

	library := readGroupLibrary[readGroup]
	if library == "" {
		return unknown
	}
	return library
}

func clearDupFlagTags(r *sam.Record) {
	r.Flags &^= sam.Duplicate

	tagsToRemove := []sam.Tag{diTag, dlTag, dsTag, dtTag, duTag}
	bam.ClearAuxTags(r, tagsToRemove)
}

// markable returns true for the reads that carry the resolution of their
// fragment: mapped, non-secondary alignments.
func markable(r *sam.Record) bool {
	return !bam.IsUnmapped(r) && !bam.IsSecondary(r)
}

// flagRead applies res to r: the duplicate flag, and with opts.TagDups the
// DI (group id), DS (group size) and DU (UMI) tags of reads in a
// duplicate group.
func flagRead(opts *Opts, r *sam.Record, res fragment.Resolution) error {
	if res.IsDuplicate() {
		r.Flags |= sam.Duplicate
	}
	if !opts.TagDups || res.GroupSize == 0 {
		return nil
	}
	tag, err := sam.NewAux(diTag, strconv.FormatUint(res.GroupID, 10))
	if err != nil {
		return errors.E(err, "creating DI tag for", r.Name)
	}
	r.AuxFields = append(r.AuxFields, tag)

	if tag, err = sam.NewAux(dsTag, res.GroupSize); err != nil {
		return errors.E(err, "creating DS tag for", r.Name)
	}
	r.AuxFields = append(r.AuxFields, tag)

	if res.GroupSize > 1 && len(res.Umi) > 0 {
		if tag, err = sam.NewAux(duTag, res.Umi); err != nil {
			return errors.E(err, "creating DU tag for", r.Name)
		}
		r.AuxFields = append(r.AuxFields, tag)
	}
	return nil
}
