package bamprovider

import (
	"github.com/grailbio/hts/sam"
	gbam "github.com/grailbio/streamdup/encoding/bam"
	"github.com/pkg/errors"
)

// RefByName finds a sam.Reference with the given name. It returns nil if a
// reference is not found.
func RefByName(h *sam.Header, refName string) *sam.Reference {
	for _, ref := range h.Refs() {
		if ref.Name() == refName {
			return ref
		}
	}
	return nil
}

// NewRefIterator creates an iterator for half-open range [refName:start,
// refName:limit). Start and limit are both base zero.  The iterator will yield
// reads whose start positions are in the given range.
func NewRefIterator(p Provider, refName string, start, limit int) Iterator {
	h, err := p.GetHeader()
	if err != nil {
		return NewErrorIterator(err)
	}
	ref := RefByName(h, refName)
	if ref == nil {
		return NewErrorIterator(errors.Errorf("bamprovider.NewRefIterator: reference '%s' not found", refName))
	}
	shard := gbam.Shard{
		StartRef: ref,
		EndRef:   ref,
		Start:    start,
		End:      limit,
	}
	return p.NewIterator(shard)
}

// OutputShards returns one shard per reference of h followed by the
// unmapped shard. Together they visit every record once, in file order.
func OutputShards(h *sam.Header) []gbam.Shard {
	shards := make([]gbam.Shard, 0, len(h.Refs())+1)
	for _, ref := range h.Refs() {
		shards = append(shards, gbam.RefShard(ref))
	}
	return append(shards, gbam.UnmappedShard())
}

// ForEachShardRecord calls fn on every record of shard. It stops at the
// first error from fn or from the iterator.
func ForEachShardRecord(p Provider, shard gbam.Shard, fn func(r *sam.Record) error) error {
	iter := p.NewIterator(shard)
	for iter.Scan() {
		if err := fn(iter.Record()); err != nil {
			iter.Close() // nolint: errcheck
			return err
		}
	}
	if err := iter.Close(); err != nil {
		name := "unmapped"
		if shard.StartRef != nil {
			name = shard.StartRef.Name()
		}
		return errors.Wrapf(err, "scanning %s", name)
	}
	return nil
}

// ForEachRecord calls fn on every record of p, in the order of
// OutputShards.
func ForEachRecord(p Provider, fn func(r *sam.Record) error) error {
	h, err := p.GetHeader()
	if err != nil {
		return err
	}
	for _, shard := range OutputShards(h) {
		if err := ForEachShardRecord(p, shard, fn); err != nil {
			return err
		}
	}
	return nil
}

// errorIterator yields nothing and reports err.
type errorIterator struct{ err error }

func (i errorIterator) Scan() bool          { return false }
func (i errorIterator) Record() *sam.Record { return nil }
func (i errorIterator) Err() error          { return i.err }
func (i errorIterator) Close() error        { return i.err }

// NewErrorIterator returns an Iterator that is already exhausted and
// returns err from Err and Close.
func NewErrorIterator(err error) Iterator {
	return errorIterator{err: err}
}
