package main

/*
  bio-mark-duplicates marks or removes duplicate fragments in a
  coordinate-sorted BAM file. For more information, see
  github.com/grailbio/streamdup/markduplicates/doc.go
*/

import (
	"flag"
	"runtime"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/streamdup/encoding/bamprovider"
	md "github.com/grailbio/streamdup/markduplicates"
)

var (
	configFile               = flag.String("config", "", "TOML file of options. Flags given on the command line override it")
	bamFile                  = flag.String("bam", "", "Input BAM filename")
	indexFile                = flag.String("index", "", "Input BAM index filename. By default, set to input BAM filename + .bai")
	outputPath               = flag.String("output", "", "Output BAM filename. By default, write to stdout")
	metricsFile              = flag.String("metrics", "", "Output metrics file")
	statusPath               = flag.String("status", "", "Output file of per-read duplicate statuses, gzipped if it ends in .gz")
	partitionSize            = flag.Int("partition-size", md.DefaultOpts.PartitionSize, "width in bases of each position partition")
	windowCapacity           = flag.Int("window-capacity", md.DefaultOpts.WindowCapacity, "number of positions buffered before classification, must exceed the largest clip distance")
	parallelism              = flag.Int("parallelism", runtime.NumCPU(), "Number of chromosomes to mark concurrently")
	clearExisting            = flag.Bool("clear-existing", false, "clear existing duplicate flag and tags before marking")
	removeDups               = flag.Bool("remove-dups", false, "remove duplicates instead of flagging them")
	tagDups                  = flag.Bool("tag-dups", md.DefaultOpts.TagDups, "tag reads of duplicate groups with DI, DS and DU")
	useUmis                  = flag.Bool("use-umis", false, "use Umi information in read names for grouping duplicates")
	umiDelimiter             = flag.String("umi-delimiter", md.DefaultOpts.UmiDelimiter, "the UMI is the suffix of the read name after the last occurrence of this string")
	umiMismatch              = flag.Int("umi-mismatch", md.DefaultOpts.UmiMaxMismatch, "maximum number of mismatches between UMIs of one group")
	umiFile                  = flag.String("umi-file", "", "perform UMI error correction with the known UMIs in this file")
	regions                  = flag.String("regions", "", "comma separated list of regions to mark, e.g. chr1:1-1000,chr2")
	highDepth                = flag.Bool("high-depth", false, "resolve close candidate pairs in deep position groups without waiting for their mates")
	highDepthThreshold       = flag.Int("high-depth-threshold", md.DefaultOpts.HighDepthThreshold, "minimum position group size for -high-depth")
	highDepthInsertTolerance = flag.Int("high-depth-insert-tolerance", md.DefaultOpts.HighDepthInsertTolerance, "maximum mate distance for -high-depth")
)

// overrides apply a command line flag to Opts.
var overrides = map[string]func(opts *md.Opts){
	"bam":                         func(o *md.Opts) { o.BamFile = *bamFile },
	"index":                       func(o *md.Opts) { o.IndexFile = *indexFile },
	"output":                      func(o *md.Opts) { o.OutputPath = *outputPath },
	"metrics":                     func(o *md.Opts) { o.MetricsFile = *metricsFile },
	"status":                      func(o *md.Opts) { o.StatusPath = *statusPath },
	"partition-size":              func(o *md.Opts) { o.PartitionSize = *partitionSize },
	"window-capacity":             func(o *md.Opts) { o.WindowCapacity = *windowCapacity },
	"parallelism":                 func(o *md.Opts) { o.Parallelism = *parallelism },
	"clear-existing":              func(o *md.Opts) { o.ClearExisting = *clearExisting },
	"remove-dups":                 func(o *md.Opts) { o.RemoveDups = *removeDups },
	"tag-dups":                    func(o *md.Opts) { o.TagDups = *tagDups },
	"use-umis":                    func(o *md.Opts) { o.UseUmis = *useUmis },
	"umi-delimiter":               func(o *md.Opts) { o.UmiDelimiter = *umiDelimiter },
	"umi-mismatch":                func(o *md.Opts) { o.UmiMaxMismatch = *umiMismatch },
	"umi-file":                    func(o *md.Opts) { o.UmiFile = *umiFile },
	"regions":                     func(o *md.Opts) { o.Regions = splitRegions(*regions) },
	"high-depth":                  func(o *md.Opts) { o.HighDepth = *highDepth },
	"high-depth-threshold":        func(o *md.Opts) { o.HighDepthThreshold = *highDepthThreshold },
	"high-depth-insert-tolerance": func(o *md.Opts) { o.HighDepthInsertTolerance = *highDepthInsertTolerance },
}

func main() {
	shutdown := grail.Init()
	defer shutdown()

	// Validate parameters.
	if flag.NArg() > 0 {
		a := flag.Args()
		log.Fatalf("unparsed flags, please check flag syntax: '%s'", strings.Join(a[len(a)-flag.NArg():], " "))
	}

	ctx := vcontext.Background()
	opts := md.DefaultOpts
	opts.Parallelism = *parallelism
	if *configFile != "" {
		if err := loadConfig(ctx, *configFile, &opts); err != nil {
			log.Fatalf("%v", err)
		}
	}
	applyFlags(&opts, flag.Visit)
	log.Debug.Printf("options: %+v", opts)

	provider := bamprovider.NewProvider(opts.BamFile, bamprovider.ProviderOpts{Index: opts.IndexFile})
	err := md.SetupAndMark(ctx, provider, &opts)
	if closeErr := provider.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Debug.Printf("exiting")
}
