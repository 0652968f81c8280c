package markduplicates

import (
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/classify"
	"github.com/grailbio/streamdup/encoding/bam"
	"github.com/grailbio/streamdup/encoding/bamprovider"
	"github.com/grailbio/streamdup/reconcile"
	"github.com/grailbio/streamdup/window"
)

// PartitionStats counts what the workers saw.
type PartitionStats struct {
	// Partitions is the number of partitions drained.
	Partitions int
	// Reads is the number of mapped, non-secondary reads processed.
	Reads int
	// Rejected is the number of reads dropped because they arrived out of
	// order.
	Rejected int
	// Orphans is the number of reads handed to the reconciler because
	// their owner was not in the window.
	Orphans int
	// Fragments is the number of fragments classified at eviction.
	Fragments int
	// DuplicateGroups is the number of duplicate groups found at eviction.
	DuplicateGroups int
	// CandidateGroups is the number of candidate groups registered.
	CandidateGroups int
	// CrossReference is the number of resolved fragments still waiting on
	// reads from another reference.
	CrossReference int
	// RemoteHandoffs is the number of (fragment, partition) pairs where a
	// resolved fragment waits on reads from a partition other than its own.
	RemoteHandoffs int
}

// Add adds the counters of other to s.
func (s *PartitionStats) Add(other *PartitionStats) {
	s.Partitions += other.Partitions
	s.Reads += other.Reads
	s.Rejected += other.Rejected
	s.Orphans += other.Orphans
	s.Fragments += other.Fragments
	s.DuplicateGroups += other.DuplicateGroups
	s.CandidateGroups += other.CandidateGroups
	s.CrossReference += other.CrossReference
	s.RemoteHandoffs += other.RemoteHandoffs
}

// chromosomeWorker marks the partitions of one reference, in order. Each
// partition is streamed through its own window; everything a partition
// cannot decide on its own goes to the shared reconciler.
type chromosomeWorker struct {
	provider   bamprovider.Provider
	opts       *Opts
	index      *bam.PartitionIndex
	classifier *classify.Classifier
	reconciler *reconcile.Reconciler
	out        reconcile.Writer
	regions    *regionFilter

	stats PartitionStats
}

// run processes shards, which must all be on one reference and sorted by
// position. Every shard is drained, even after an error.
func (w *chromosomeWorker) run(shards []bam.Shard) error {
	var err error
	for i := range shards {
		shard := &shards[i]
		if err == nil {
			err = w.processPartition(shard)
		}
		w.reconciler.DrainPartition(shard)
		w.stats.Partitions++
	}
	return err
}

func (w *chromosomeWorker) processPartition(shard *bam.Shard) error {
	if !w.regions.overlaps(shard) {
		log.Debug.Printf("partition %v: outside regions", shard)
		return nil
	}
	t0 := time.Now()
	before := w.stats
	win := window.New(w.opts.WindowCapacity, func(g *window.PositionGroup) {
		w.evict(shard, g)
	})
	iter := w.provider.NewIterator(*shard)
	for iter.Scan() {
		r := iter.Record()
		if w.opts.ClearExisting {
			clearDupFlagTags(r)
		}
		if !markable(r) || !w.regions.contains(r) {
			sam.PutInFreePool(r)
			continue
		}
		w.stats.Reads++
		f, disposition := win.ProcessRecord(r)
		switch disposition {
		case window.Rejected:
			w.stats.Rejected++
		case window.Orphan:
			w.stats.Orphans++
			w.reconciler.ProcessIncomplete(shard, f)
		}
	}
	win.EvictAll()
	if err := iter.Close(); err != nil {
		return errors.E(err, "reading partition", shard.String())
	}
	log.Debug.Printf("partition %v: %d reads, %d fragments, %d duplicate groups, %d orphans in %v",
		shard, w.stats.Reads-before.Reads, w.stats.Fragments-before.Fragments,
		w.stats.DuplicateGroups-before.DuplicateGroups, w.stats.Orphans-before.Orphans, time.Since(t0))
	return nil
}

// evict classifies a position group that left the window. Resolved
// fragments are written; the ones still missing reads, and candidate
// groups, are handed to the reconciler.
func (w *chromosomeWorker) evict(shard *bam.Shard, g *window.PositionGroup) {
	result := w.classifier.Classify(g.Fragments, false)
	w.stats.Fragments += len(g.Fragments)
	w.stats.DuplicateGroups += len(result.DuplicateGroups)
	for _, f := range result.Resolved {
		w.out.WriteFragment(f)
		if f.AllReadsPresent() {
			continue
		}
		if f.MarkRemotePartitions(shard, w.index) {
			w.stats.CrossReference++
		}
		if remote := f.RemotePartitions(); len(remote) > 0 {
			w.stats.RemoteHandoffs += len(remote)
			if log.At(log.Debug) {
				log.Debug.Printf("partition %v: %s waits on partitions %v", shard, f.Name, remote)
			}
		}
		w.reconciler.ProcessResolved(shard, f)
	}
	for _, cg := range result.CandidateGroups {
		w.stats.CandidateGroups++
		w.reconciler.AddCandidateGroup(shard, cg)
	}
}
