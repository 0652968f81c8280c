package markduplicates

import (
	"fmt"
)

// Opts for mark-duplicates.
type Opts struct {
	// Commandline options.
	BamFile     string `toml:"bam"`
	IndexFile   string `toml:"index"`
	OutputPath  string `toml:"output"`
	MetricsFile string `toml:"metrics"`
	StatusPath  string `toml:"status"`

	// PartitionSize is the width, in bases, of each position partition.
	PartitionSize int `toml:"partition-size"`
	// WindowCapacity is the number of positions buffered by each worker
	// before position groups are classified.
	WindowCapacity int `toml:"window-capacity"`
	// Parallelism is the number of chromosomes processed concurrently.
	Parallelism int `toml:"parallelism"`

	ClearExisting bool `toml:"clear-existing"`
	RemoveDups    bool `toml:"remove-dups"`
	TagDups       bool `toml:"tag-dups"`

	UseUmis        bool   `toml:"use-umis"`
	UmiDelimiter   string `toml:"umi-delimiter"`
	UmiMaxMismatch int    `toml:"umi-mismatch"`
	UmiFile        string `toml:"umi-file"`

	// Regions restricts marking to reads starting in these regions, each
	// "chr", "chr:pos" or "chr:start-end", 1-based and inclusive.
	Regions []string `toml:"regions"`

	HighDepth                bool `toml:"high-depth"`
	HighDepthThreshold       int  `toml:"high-depth-threshold"`
	HighDepthInsertTolerance int  `toml:"high-depth-insert-tolerance"`

	// Data derived from commandline options.
	KnownUmis []byte `toml:"-"`
}

// DefaultOpts holds the default values of the commandline options.
var DefaultOpts = Opts{
	PartitionSize:            1000000,
	WindowCapacity:           10000,
	Parallelism:              8,
	TagDups:                  true,
	UmiDelimiter:             ":",
	UmiMaxMismatch:           1,
	HighDepthThreshold:       1000,
	HighDepthInsertTolerance: 5,
}

func validate(opts *Opts) error {
	if opts.BamFile == "" {
		return fmt.Errorf("you must specify a bam file with --bam")
	}
	if opts.IndexFile == "" {
		opts.IndexFile = opts.BamFile + ".bai"
	}
	return validateMarking(opts)
}

// validateMarking checks the options used by Mark.
func validateMarking(opts *Opts) error {
	if opts.PartitionSize <= 0 {
		return fmt.Errorf("partition-size must be positive")
	}
	if opts.WindowCapacity < 2 {
		return fmt.Errorf("window-capacity must be at least 2, got %d", opts.WindowCapacity)
	}
	if opts.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if len(opts.UmiFile) > 0 && !opts.UseUmis {
		return fmt.Errorf("umi-file is set, but use-umis is false")
	}
	if opts.UseUmis && opts.UmiDelimiter == "" {
		return fmt.Errorf("use-umis is set, but umi-delimiter is empty")
	}
	if opts.UmiMaxMismatch < 0 {
		return fmt.Errorf("umi-mismatch must be non-negative")
	}
	if opts.HighDepth && opts.HighDepthThreshold < 2 {
		return fmt.Errorf("high-depth-threshold must be at least 2, got %d", opts.HighDepthThreshold)
	}
	if opts.HighDepth && opts.HighDepthInsertTolerance < 0 {
		return fmt.Errorf("high-depth-insert-tolerance must be non-negative")
	}
	if _, err := parseRegions(opts.Regions, nil); err != nil {
		return err
	}
	return nil
}
