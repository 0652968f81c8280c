package markduplicates

import (
	"context"
	"io/ioutil"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/streamdup/classify"
	"github.com/grailbio/streamdup/encoding/bam"
	"github.com/grailbio/streamdup/encoding/bamprovider"
	"github.com/grailbio/streamdup/reconcile"
	"github.com/grailbio/streamdup/umi"
)

// MarkDuplicates implements duplicate marking.
type MarkDuplicates struct {
	Provider bamprovider.Provider
	Opts     *Opts

	readGroupLibrary map[string]string
	index            *bam.PartitionIndex
	statuses         *statusTable
	reconciler       *reconcile.Reconciler
	globalMetrics    *MetricsCollection
}

func (m *MarkDuplicates) classifierOpts() (classify.Opts, error) {
	opts := classify.Opts{
		HighDepth:                m.Opts.HighDepth,
		HighDepthThreshold:       m.Opts.HighDepthThreshold,
		HighDepthInsertTolerance: m.Opts.HighDepthInsertTolerance,
	}
	if !m.Opts.UseUmis {
		return opts, nil
	}
	opts.Umis = &umi.Clusterer{
		Delimiter:   m.Opts.UmiDelimiter,
		MaxMismatch: m.Opts.UmiMaxMismatch,
	}
	if m.Opts.KnownUmis != nil {
		corrector, err := umi.NewSnapCorrector(m.Opts.KnownUmis)
		if err != nil {
			return opts, err
		}
		opts.Umis.Corrector = corrector
	}
	return opts, nil
}

// Mark marks the duplicates, writes the annotated output, and returns
// metrics, and an error if encountered. shards are the position
// partitions; when nil they are generated from Opts.PartitionSize.
func (m *MarkDuplicates) Mark(shards []bam.Shard) (*MetricsCollection, error) {
	ctx := vcontext.Background()
	if err := validateMarking(m.Opts); err != nil {
		return nil, err
	}
	header, err := m.Provider.GetHeader()
	if err != nil {
		return nil, err
	}
	if shards == nil {
		shards, err = m.Provider.GenerateShards(bamprovider.GenerateShardsOpts{
			ShardSize: m.Opts.PartitionSize,
		})
		if err != nil {
			return nil, err
		}
	}
	regions, err := parseRegions(m.Opts.Regions, header)
	if err != nil {
		return nil, err
	}
	classifierOpts, err := m.classifierOpts()
	if err != nil {
		return nil, err
	}

	// Collect some info from the bam header
	m.readGroupLibrary = make(map[string]string)
	for _, readGroup := range header.RGs() {
		m.readGroupLibrary[readGroup.Name()] = readGroup.Library()
	}
	m.globalMetrics = newMetricsCollection()
	m.index = bam.NewPartitionIndex(header, shards)
	m.statuses = newStatusTable()
	m.reconciler = reconcile.New(m.index, classify.New(classifierOpts), m.statuses)

	t0 := time.Now()
	byRef := bam.ShardsByRef(header, shards)
	log.Debug.Printf("marking %d partitions on %d references with parallelism %d",
		len(shards), len(byRef), m.Opts.Parallelism)
	errs := multierror.NewMultiError(m.Opts.Parallelism)
	errs.Add(traverse.Limit(m.Opts.Parallelism).Each(len(byRef), func(refIdx int) error {
		if len(byRef[refIdx]) == 0 {
			return nil
		}
		w := &chromosomeWorker{
			provider:   m.Provider,
			opts:       m.Opts,
			index:      m.index,
			classifier: classify.New(classifierOpts),
			reconciler: m.reconciler,
			out:        m.statuses,
			regions:    regions.clone(),
		}
		if err := w.run(byRef[refIdx]); err != nil {
			log.Error.Printf("reference %s: %v", header.Refs()[refIdx].Name(), err)
			errs.Add(err)
		}
		m.globalMetrics.Merge(&MetricsCollection{Partitions: w.stats})
		return nil
	}))
	m.reconciler.Finish()
	t1 := time.Now()
	log.Debug.Printf("workers all done in %v", t1.Sub(t0))
	if err := errs.Err(); err != nil {
		return nil, err
	}

	m.globalMetrics.GroupSizes = summarizeGroupSizes(m.statuses.groupSizes())
	m.globalMetrics.Reconcile = m.reconciler.Stats()
	p, rs := m.globalMetrics.Partitions, m.globalMetrics.Reconcile
	log.Printf("marked %d reads: %d fragments, %d duplicate groups, %d candidate groups, %d rejected reads",
		p.Reads, p.Fragments, m.globalMetrics.GroupSizes.Groups, p.CandidateGroups, p.Rejected)
	log.Printf("reconciled %d orphan reads: %d adopted, %d unmatched, %d candidate members joined, "+
		"%d abandoned, %d stale; %d partition hand-offs, %d across references",
		p.Orphans, rs.Adopted, rs.Unmatched, rs.Joined, rs.Abandoned, rs.Stale, p.RemoteHandoffs, p.CrossReference)

	if m.Opts.StatusPath != "" {
		if err := m.writeStatuses(ctx, m.Opts.StatusPath); err != nil {
			return nil, err
		}
	}
	if err := m.annotate(ctx, header); err != nil {
		return nil, err
	}
	log.Debug.Printf("output written in %v", time.Since(t1))
	return m.globalMetrics, nil
}

// SetupAndMark does some minimal setup for validating opts, and
// then runs Mark() on provider.
func SetupAndMark(ctx context.Context, provider bamprovider.Provider, opts *Opts) error {
	if err := validate(opts); err != nil {
		return err
	}

	// Prepare umi inputs.
	if len(opts.UmiFile) > 0 {
		umiReader, err := file.Open(ctx, opts.UmiFile)
		if err != nil {
			return errors.E(err, "could not open umi file", opts.UmiFile)
		}
		defer umiReader.Close(ctx) // nolint: errcheck
		if opts.KnownUmis, err = ioutil.ReadAll(umiReader.Reader(ctx)); err != nil {
			return errors.E(err, "could not read umi file", opts.UmiFile)
		}
		if len(opts.KnownUmis) == 0 {
			return errors.E(errors.Invalid, "umi file is empty:", opts.UmiFile)
		}
	}

	// Mark/remove those duplicates.
	markDuplicates := &MarkDuplicates{
		Provider: provider,
		Opts:     opts,
	}
	globalMetrics, err := markDuplicates.Mark(nil)
	if err != nil {
		log.Debug.Printf("Error marking duplicates: %v", err)
		return err
	}

	// Output metric file.
	if opts.MetricsFile != "" {
		if err := writeMetrics(ctx, opts, globalMetrics); err != nil {
			return err
		}
	}
	return nil
}
