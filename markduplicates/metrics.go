package markduplicates

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/encoding/bam"
	"github.com/grailbio/streamdup/reconcile"
	"github.com/montanaflynn/stats"
)

// Metrics contains metrics from mark duplicates.
type Metrics struct {
	// Implement the metrics reported by picard

	// UnpairedReads is the number of mapped reads examined which did
	// not have a mapped mate pair, either because the read is
	// unpaired, or the read is paired to an unmapped mate.
	UnpairedReads int

	// ReadPairsExamined is the number of mapped reads examined that
	// belong to a mapped pair. (Primary, non-supplemental).
	ReadPairsExamined int

	// SecondarySupplementary is the number of reads that were either
	// secondary or supplementary.
	SecondarySupplementary int

	// UnmappedReads is the total number of unmapped reads
	// examined. (Primary, non-supplemental).
	UnmappedReads int

	// UnpairedDups is the number of unpaired reads marked as duplicates.
	UnpairedDups int

	// ReadPairDups is the number of paired reads marked as duplicates.
	ReadPairDups int
}

// String returns a string representation of the metrics contained in
// m. The string can be used as metrics file output.
func (m *Metrics) String() string {
	librarySizeStr := "0"
	a := uint64(m.ReadPairsExamined / 2)
	b := uint64((m.ReadPairsExamined / 2) - (m.ReadPairDups / 2))
	if librarySize, err := estimateLibrarySize(a, b); err == nil {
		librarySizeStr = fmt.Sprintf("%v", librarySize)
	} else {
		log.Debug.Printf("estimateLibrarySize(%v, %v): %v", a, b, err)
	}

	percent := 0.0
	if examined := m.UnpairedReads + m.ReadPairsExamined; examined > 0 {
		percent = 100 * float64(m.UnpairedDups+m.ReadPairDups) / float64(examined)
	}
	return fmt.Sprintf("%d\t%d\t%d\t%d\t%d\t%d\t%0.6f\t%v", m.UnpairedReads, m.ReadPairsExamined/2,
		m.SecondarySupplementary, m.UnmappedReads, m.UnpairedDups, m.ReadPairDups/2,
		percent, librarySizeStr)
}

// Add adds the metrics in other to m.
func (m *Metrics) Add(other *Metrics) {
	m.UnpairedReads += other.UnpairedReads
	m.ReadPairsExamined += other.ReadPairsExamined
	m.SecondarySupplementary += other.SecondarySupplementary
	m.UnmappedReads += other.UnmappedReads
	m.UnpairedDups += other.UnpairedDups
	m.ReadPairDups += other.ReadPairDups
}

// GroupSizeSummary describes the sizes of the duplicate groups found.
type GroupSizeSummary struct {
	Groups int
	Mean   float64
	Median float64
	P95    float64
	Max    float64
}

func summarizeGroupSizes(sizes []float64) GroupSizeSummary {
	s := GroupSizeSummary{Groups: len(sizes)}
	if len(sizes) == 0 {
		return s
	}
	data := stats.Float64Data(sizes)
	var err error
	if s.Mean, err = stats.Mean(data); err != nil {
		log.Error.Printf("group size mean: %v", err)
	}
	if s.Median, err = stats.Median(data); err != nil {
		log.Error.Printf("group size median: %v", err)
	}
	if s.P95, err = stats.Percentile(data, 95); err != nil {
		log.Error.Printf("group size percentile: %v", err)
	}
	if s.Max, err = stats.Max(data); err != nil {
		log.Error.Printf("group size max: %v", err)
	}
	return s
}

// MetricsCollection contains metrics computed by Mark.
type MetricsCollection struct {
	// LibraryMetrics contains per-library metrics.
	LibraryMetrics map[string]*Metrics

	// GroupSizes summarizes the duplicate groups.
	GroupSizes GroupSizeSummary
	// Partitions sums the per-partition counters of the workers.
	Partitions PartitionStats
	// Reconcile holds the counters of cross-partition reconciliation.
	Reconcile reconcile.Stats

	mutex sync.Mutex
}

func newMetricsCollection() *MetricsCollection {
	return &MetricsCollection{
		LibraryMetrics: make(map[string]*Metrics),
	}
}

// Get returns Metrics for the given library. If there is no Metrics
// for library yet, create one and return it.
func (mc *MetricsCollection) Get(library string) *Metrics {
	m, found := mc.LibraryMetrics[library]
	if found {
		return m
	}
	m = &Metrics{}
	mc.LibraryMetrics[library] = m
	return m
}

// Merge per-library metrics and partition counters from other into mc.
func (mc *MetricsCollection) Merge(other *MetricsCollection) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	for library, otherMetrics := range other.LibraryMetrics {
		existing, found := mc.LibraryMetrics[library]
		if found {
			existing.Add(otherMetrics)
		} else {
			// Make a copy to be owned by m.
			new := *otherMetrics
			mc.LibraryMetrics[library] = &new
		}
	}
	mc.Partitions.Add(&other.Partitions)
}

func updateMetrics(readGroupLibrary map[string]string, mc *MetricsCollection, record *sam.Record) {
	metrics := mc.Get(GetLibrary(readGroupLibrary, record))

	primary := !bam.IsSecondary(record) && !bam.IsSupplementary(record)
	switch {
	case bam.IsUnmapped(record):
		metrics.UnmappedReads++
	case !primary:
		metrics.SecondarySupplementary++
	case bam.HasNoMappedMate(record):
		metrics.UnpairedReads++
		if bam.IsDuplicate(record) {
			metrics.UnpairedDups++
		}
	default:
		metrics.ReadPairsExamined++
		if bam.IsDuplicate(record) {
			metrics.ReadPairDups++
		}
	}
}

func writeMetrics(ctx context.Context, opts *Opts, globalMetrics *MetricsCollection) (err error) {
	out, err := file.Create(ctx, opts.MetricsFile)
	if err != nil {
		return errors.E(err, "Couldn't create metrics file:", opts.MetricsFile)
	}
	defer file.CloseAndReport(ctx, out, &err)

	g := globalMetrics.GroupSizes
	var b strings.Builder
	b.WriteString("# bio-mark-duplicates\n")
	fmt.Fprintf(&b, "# duplicate groups: %d, size mean %.2f median %.1f p95 %.1f max %.0f\n",
		g.Groups, g.Mean, g.Median, g.P95, g.Max)
	b.WriteString("LIBRARY\tUNPAIRED_READS_EXAMINED\tREAD_PAIRS_EXAMINED\t" +
		"SECONDARY_OR_SUPPLEMENTARY_RDS\tUNMAPPED_READS\tUNPAIRED_READ_DUPLICATES\t" +
		"READ_PAIR_DUPLICATES\tPERCENT_DUPLICATION\tESTIMATED_LIBRARY_SIZE\n")

	libraries := make([]string, 0, len(globalMetrics.LibraryMetrics))
	for library := range globalMetrics.LibraryMetrics {
		libraries = append(libraries, library)
	}
	sort.Strings(libraries)
	for _, library := range libraries {
		b.WriteString(library + "\t" + globalMetrics.LibraryMetrics[library].String() + "\n")
	}
	if _, err = out.Writer(ctx).Write([]byte(b.String())); err != nil {
		return errors.E(err, "error writing to metrics file:", opts.MetricsFile)
	}
	return nil
}
