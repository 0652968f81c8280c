package markduplicates

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/sam"
	gbam "github.com/grailbio/streamdup/encoding/bam"
	"github.com/grailbio/streamdup/encoding/bamprovider"
	"github.com/klauspost/compress/gzip"
)

// annotate streams the input once more and writes it to opts.OutputPath
// with the final duplicate flags and tags. References are compressed in
// parallel and written in input order. Per-library metrics are collected
// on the way.
func (m *MarkDuplicates) annotate(ctx context.Context, header *sam.Header) (err error) {
	t0 := time.Now()
	var outputStream io.Writer
	if m.Opts.OutputPath == "" {
		outputStream = os.Stdout
	} else {
		var out file.File
		if out, err = file.Create(ctx, m.Opts.OutputPath); err != nil {
			return errors.E(err, "couldn't create output file", m.Opts.OutputPath)
		}
		defer file.CloseAndReport(ctx, out, &err)
		outputStream = out.Writer(ctx)
	}
	var writer *gbam.ShardedBAMWriter
	writer, err = gbam.NewShardedBAMWriter(outputStream, gzip.DefaultCompression, 2*m.Opts.Parallelism, header)
	if err != nil {
		return errors.E(err, "couldn't create bam writer for", m.Opts.OutputPath)
	}

	var written, removed int64
	shards := bamprovider.OutputShards(header)
	err = traverse.Limit(m.Opts.Parallelism).Each(len(shards), func(shardIdx int) error {
		var (
			c       = writer.GetCompressor()
			metrics = newMetricsCollection()
			n, rm   int64
		)
		if err := c.StartShard(shardIdx); err != nil {
			return err
		}
		err := bamprovider.ForEachShardRecord(m.Provider, shards[shardIdx], func(r *sam.Record) error {
			defer sam.PutInFreePool(r)
			if m.Opts.ClearExisting {
				clearDupFlagTags(r)
			}
			if markable(r) {
				if res, ok := m.statuses.Get(r.Name); ok {
					if err := flagRead(m.Opts, r, res); err != nil {
						return err
					}
				}
			}
			updateMetrics(m.readGroupLibrary, metrics, r)
			if m.Opts.RemoveDups && r.Flags&sam.Duplicate != 0 {
				rm++
				return nil
			}
			n++
			return c.AddRecord(r)
		})
		if err == nil {
			err = c.CloseShard()
		}
		if err != nil {
			// Unblock the workers waiting on this shard.
			writer.Abort(err)
			return err
		}
		m.globalMetrics.Merge(metrics)
		atomic.AddInt64(&written, n)
		atomic.AddInt64(&removed, rm)
		return nil
	})
	if err != nil {
		return errors.E(err, "writing", m.Opts.OutputPath)
	}
	if err = writer.Close(); err != nil {
		return errors.E(err, "closing bam writer for", m.Opts.OutputPath)
	}
	log.Debug.Printf("wrote %d records, removed %d duplicates in %v", written, removed, time.Since(t0))
	return nil
}

// writeStatuses writes one line per read name with its final resolution,
// sorted by name. The output is gzipped when path ends in ".gz".
func (m *MarkDuplicates) writeStatuses(ctx context.Context, path string) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "couldn't create status file", path)
	}
	defer file.CloseAndReport(ctx, out, &err)

	var (
		w  = out.Writer(ctx)
		gz *gzip.Writer
	)
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(w)
		w = gz
	}
	tw := tsv.NewWriter(w)
	tw.WriteString("#name\tstatus\tgroup_id\tgroup_size\tumi")
	if err = tw.EndLine(); err != nil {
		return errors.E(err, "writing", path)
	}
	for _, name := range m.statuses.names() {
		res, _ := m.statuses.Get(name)
		tw.WriteString(name)
		tw.WriteString(res.Status.String())
		tw.WriteString(strconv.FormatUint(res.GroupID, 10))
		tw.WriteUint32(uint32(res.GroupSize))
		tw.WriteString(res.Umi)
		if err = tw.EndLine(); err != nil {
			return errors.E(err, "writing", path)
		}
	}
	if err = tw.Flush(); err != nil {
		return errors.E(err, "flushing", path)
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			return errors.E(err, "closing", path)
		}
	}
	return nil
}
