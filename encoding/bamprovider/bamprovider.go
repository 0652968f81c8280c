package bamprovider

import (
	"io"
	"sync"

	gerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/bgzf/index"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/biopb"
	gbam "github.com/grailbio/streamdup/encoding/bam"
	"github.com/pkg/errors"
)

// BAMProvider implements Provider for an indexed, coordinate-sorted BAM
// file. Paths are opened through grailbio/base/file, so any filesystem
// registered with it can be used.
//
// The header and the index are read once and shared by all iterators.
// Closed iterators keep their open reader and are reused by later calls
// to NewIterator, since each partition worker opens one iterator per
// partition.
type BAMProvider struct {
	// Path of the *.bam file. Must be nonempty.
	Path string
	// Index is the pathname of *.bam.bai file. If "", Path + ".bai"
	Index string
	err   gerrors.Once

	mu        sync.Mutex
	nActive   int
	freeIters []*bamIterator
	header    *sam.Header
	index     *bam.Index
}

type bamIterator struct {
	provider *BAMProvider
	in       file.File
	reader   *bam.Reader
	// Offset of the first record in the file.
	firstRecord bgzf.Offset
	// Half-open coordinate range to read.
	startAddr, limitAddr biopb.Coord

	active bool
	err    error
	rec    *sam.Record
}

func (b *BAMProvider) indexPath() string {
	if b.Index == "" {
		return b.Path + ".bai"
	}
	return b.Index
}

// GetHeader implements the Provider interface.
func (b *BAMProvider) GetHeader() (*sam.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.header != nil {
		return b.header, nil
	}
	ctx := vcontext.Background()
	in, err := file.Open(ctx, b.Path)
	if err != nil {
		b.err.Set(err)
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	reader, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		err = errors.Wrapf(err, "read header of %s", b.Path)
		b.err.Set(err)
		return nil, err
	}
	defer reader.Close() // nolint: errcheck
	b.header = reader.Header()
	return b.header, nil
}

// getIndex reads the BAM index on first use.
func (b *BAMProvider) getIndex() (*bam.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.index != nil {
		return b.index, nil
	}
	ctx := vcontext.Background()
	in, err := file.Open(ctx, b.indexPath())
	if err != nil {
		return nil, errors.Wrapf(err, "open index %s", b.indexPath())
	}
	defer in.Close(ctx) // nolint: errcheck
	if b.index, err = bam.ReadIndex(in.Reader(ctx)); err != nil {
		return nil, errors.Wrapf(err, "read index %s", b.indexPath())
	}
	return b.index, nil
}

// Close implements the Provider interface.
func (b *BAMProvider) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nActive > 0 {
		b.err.Set(gerrors.E(gerrors.Invalid, b.Path, "closed with", b.nActive, "active iterators"))
	}
	for _, iter := range b.freeIters {
		iter.internalClose()
	}
	b.freeIters = nil
	return b.err.Err()
}

func (b *BAMProvider) freeIterator(i *bamIterator) {
	i.active = false
	if i.Err() != nil {
		// The reader may be left mid-block. Don't reuse it.
		i.internalClose()
		i = nil
	}
	b.mu.Lock()
	if i != nil {
		b.freeIters = append(b.freeIters, i)
	}
	b.nActive--
	if b.nActive < 0 {
		log.Error.Printf("bamprovider %s: negative active iterator count %d", b.Path, b.nActive)
	}
	b.mu.Unlock()
}

// allocateIterator returns a free iterator, or opens the BAM file for a
// new one. Errors are recorded in the iterator's err field.
func (b *BAMProvider) allocateIterator() *bamIterator {
	b.mu.Lock()
	b.nActive++
	if n := len(b.freeIters); n > 0 {
		iter := b.freeIters[n-1]
		b.freeIters = b.freeIters[:n-1]
		b.mu.Unlock()
		iter.active = true
		iter.err = nil
		iter.rec = nil
		return iter
	}
	b.mu.Unlock()

	iter := &bamIterator{provider: b, active: true}
	ctx := vcontext.Background()
	if iter.in, iter.err = file.Open(ctx, b.Path); iter.err != nil {
		iter.err = errors.Wrapf(iter.err, "open %s", b.Path)
		return iter
	}
	if iter.reader, iter.err = bam.NewReader(iter.in.Reader(ctx), 1); iter.err != nil {
		iter.err = errors.Wrapf(iter.err, "read %s", b.Path)
		return iter
	}
	iter.firstRecord = iter.reader.LastChunk().End
	return iter
}

// GenerateShards implements the Provider interface.
func (b *BAMProvider) GenerateShards(opts GenerateShardsOpts) ([]gbam.Shard, error) {
	header, err := b.GetHeader()
	if err != nil {
		return nil, err
	}
	if opts.ShardSize <= 0 {
		opts.ShardSize = DefaultShardSize
	}
	return gbam.GetPositionBasedShards(header, opts.ShardSize, opts.Padding, opts.IncludeUnmapped)
}

// NewIterator implements the Provider interface. The shard must not span
// references.
func (b *BAMProvider) NewIterator(shard gbam.Shard) Iterator {
	iter := b.allocateIterator()
	if iter.err != nil {
		return iter
	}
	if shard.StartRef.ID() != shard.EndRef.ID() {
		iter.err = errors.Errorf("shard %v spans references %v and %v", shard.ShardIdx, shard.StartRef, shard.EndRef)
		return iter
	}
	idx, err := b.getIndex()
	if err != nil {
		iter.err = err
		return iter
	}
	iter.seek(idx, shard.StartRef, shard.PaddedStart(), shard.PaddedEnd())
	return iter
}

// seek positions the iterator at the first record of [start, end) on
// ref, or of the unmapped reads when ref is nil.
func (i *bamIterator) seek(idx *bam.Index, ref *sam.Reference, start, end int) {
	i.startAddr = gbam.NewCoord(ref, start)
	i.limitAddr = gbam.NewCoord(ref, end)
	if i.startAddr.GE(i.limitAddr) {
		i.err = errors.Errorf("start coord (%v) not before limit coord (%v)", i.startAddr, i.limitAddr)
		return
	}
	var (
		offset bgzf.Offset
		found  = true
		err    error
	)
	if ref == nil {
		offset = i.unmappedOffset(idx)
	} else {
		found, offset, err = recordOffset(idx, ref, start, end)
	}
	switch {
	case err != nil:
		i.err = err
	case !found:
		i.err = io.EOF
	default:
		i.err = i.reader.Seek(offset)
	}
}

// unmappedOffset returns an offset at or before the first unmapped
// record: the largest chunk end over all references.
func (i *bamIterator) unmappedOffset(idx *bam.Index) bgzf.Offset {
	var (
		last  bgzf.Offset
		found bool
	)
	for _, r := range i.reader.Header().Refs() {
		chunks, err := idx.Chunks(r, 0, r.Len())
		if err != nil || len(chunks) == 0 {
			continue
		}
		found = true
		c := chunks[len(chunks)-1]
		if c.End.File > last.File || (c.End.File == last.File && c.End.Block > last.Block) {
			last = c.End
		}
	}
	if !found {
		return i.firstRecord
	}
	return last
}

// recordOffset returns an offset at or before the first record in
// [start, end) on ref. found is false if the index has no record there.
func recordOffset(idx *bam.Index, ref *sam.Reference, start, end int) (bool, bgzf.Offset, error) {
	chunks, err := idx.Chunks(ref, start, end)
	switch {
	case err == index.ErrInvalid || (err == nil && len(chunks) == 0):
		return false, bgzf.Offset{}, nil
	case err != nil:
		// References after the last one with reads have no index entry.
		log.Debug.Printf("bamprovider: no index chunks for %s:%d-%d: %v", ref.Name(), start, end, err)
		return false, bgzf.Offset{}, nil
	}
	return true, chunks[0].Begin, nil
}

// Scan implements the Iterator interface.
func (i *bamIterator) Scan() bool {
	if !i.active {
		i.err = errors.New("bamprovider: Scan on a closed iterator")
		return false
	}
	if i.err != nil {
		return false
	}
	for {
		i.rec, i.err = i.reader.Read()
		if i.err != nil {
			return false
		}
		addr := gbam.CoordFromSAMRecord(i.rec)
		if addr.LT(i.startAddr) {
			sam.PutInFreePool(i.rec)
			continue
		}
		if !addr.LT(i.limitAddr) {
			// Past the range; the next seek repositions the reader.
			sam.PutInFreePool(i.rec)
			i.rec = nil
			i.err = io.EOF
			return false
		}
		return true
	}
}

// Record implements the Iterator interface.
func (i *bamIterator) Record() *sam.Record {
	return i.rec
}

// Err implements the Iterator interface.
func (i *bamIterator) Err() error {
	if i.err == io.EOF {
		return nil
	}
	return i.err
}

// Close implements the Iterator interface.
func (i *bamIterator) Close() error {
	err := i.Err()
	i.provider.freeIterator(i)
	return err
}

func (i *bamIterator) internalClose() {
	if i.reader != nil {
		if err := i.reader.Close(); err != nil && i.err == nil {
			i.err = err
		}
		i.reader = nil
	}
	if i.in != nil {
		if err := i.in.Close(vcontext.Background()); err != nil && i.err == nil {
			i.err = err
		}
		i.in = nil
	}
	i.provider.err.Set(i.Err())
}
