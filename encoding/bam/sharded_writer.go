package bam

import (
	"bytes"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/syncqueue"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/encoding/bgzf"
)

// ShardedBAMWriter writes a BAM file as a sequence of shards numbered
// 0, 1, 2, ... .  Shards may be compressed concurrently, each by its
// own ShardedBAMCompressor, and are written out in shard order.
//
//   w, err := NewShardedBAMWriter(out, gzip.DefaultCompression, 10, header)
//   c := w.GetCompressor()
//   err = c.StartShard(0)
//   err = c.AddRecord(r)
//   err = c.CloseShard()
//   ...
//   err = w.Close()
//
// The writer buffers up to queueSize closed shards that are ahead of
// the next shard to write; CloseShard blocks beyond that.
type ShardedBAMWriter struct {
	w         io.Writer
	gzLevel   int
	queue     *syncqueue.OrderedQueue
	waitGroup sync.WaitGroup
	abortOnce sync.Once
	err       error
}

// ShardedBAMCompressor compresses the records of one shard at a time.
// It is not safe for concurrent use; create one per goroutine.
type ShardedBAMCompressor struct {
	writer *ShardedBAMWriter
	bgzf   *bgzf.Writer
	output *shardBuffer
	buf    bytes.Buffer
}

type shardBuffer struct {
	buf      bytes.Buffer
	shardNum int
}

// NewShardedBAMWriter creates a ShardedBAMWriter that writes header
// and then the shards to w.
func NewShardedBAMWriter(w io.Writer, gzLevel, queueSize int, header *sam.Header) (*ShardedBAMWriter, error) {
	bw := &ShardedBAMWriter{
		w:       w,
		gzLevel: gzLevel,
		queue:   syncqueue.NewOrderedQueue(queueSize),
	}
	// The header occupies internal slot 0, before the caller's shard 0.
	c := bw.GetCompressor()
	if err := c.StartShard(-1); err != nil {
		return nil, err
	}
	if err := header.EncodeBinary(c.bgzf); err != nil {
		return nil, err
	}
	if err := c.CloseShard(); err != nil {
		return nil, err
	}

	bw.waitGroup.Add(1)
	go func() {
		defer bw.waitGroup.Done()
		bw.writeShards()
	}()
	return bw, nil
}

// GetCompressor returns a new compressor for bw.
func (bw *ShardedBAMWriter) GetCompressor() *ShardedBAMCompressor {
	return &ShardedBAMCompressor{writer: bw}
}

// StartShard begins shard shardNum.
func (c *ShardedBAMCompressor) StartShard(shardNum int) error {
	if c.output != nil {
		return errors.E(errors.Invalid, "shard", c.output.shardNum-1, "still in progress")
	}
	c.output = &shardBuffer{shardNum: shardNum + 1}
	var err error
	c.bgzf, err = bgzf.NewWriter(&c.output.buf, c.writer.gzLevel)
	return err
}

// AddRecord appends r to the current shard.
func (c *ShardedBAMCompressor) AddRecord(r *sam.Record) error {
	if c.output == nil {
		return errors.E(errors.Invalid, "AddRecord called without StartShard")
	}
	if err := Marshal(r, &c.buf); err != nil {
		return err
	}
	_, err := c.buf.WriteTo(c.bgzf)
	return err
}

// CloseShard finishes the current shard and hands it to the writer.
func (c *ShardedBAMCompressor) CloseShard() error {
	if c.output == nil {
		return errors.E(errors.Invalid, "CloseShard called without StartShard")
	}
	if err := c.bgzf.CloseWithoutTerminator(); err != nil {
		return err
	}
	out := c.output
	c.output = nil
	return c.writer.queue.Insert(out.shardNum, out)
}

func (bw *ShardedBAMWriter) writeShards() {
	for {
		entry, ok, err := bw.queue.Next()
		if err != nil {
			bw.err = err
			return
		}
		if !ok {
			return
		}
		shard := entry.(*shardBuffer)
		if _, err = shard.buf.WriteTo(bw.w); err != nil {
			bw.err = err
			bw.queue.Close(err) // nolint: errcheck
			return
		}
	}
}

// Close waits for the queued shards to be written and appends the
// bgzf terminator. Every shard must have been closed before.
func (bw *ShardedBAMWriter) Close() error {
	err := bw.queue.Close(nil)
	bw.waitGroup.Wait()
	if bw.err != nil {
		return bw.err
	}
	if err != nil {
		return err
	}
	// An empty last block marks the end of the stream.
	c, err := bgzf.NewWriter(bw.w, bw.gzLevel)
	if err != nil {
		return err
	}
	return c.Close()
}

// Abort stops the writer after a failure; shards not yet written are
// dropped.
func (bw *ShardedBAMWriter) Abort(err error) {
	bw.abortOnce.Do(func() {
		bw.queue.Close(err) // nolint: errcheck
	})
	bw.waitGroup.Wait()
}
