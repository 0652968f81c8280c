// Package bamprovider reads a coordinate-sorted BAM file one genomic
// range at a time.
//
// A Provider hands out independent Iterators over Shards, so that
// partition workers can stream disjoint ranges of the same file
// concurrently. NewProvider opens an indexed BAM file; NewFakeProvider
// serves an in-memory record list for tests.
//
// Example:
//
//   p := bamprovider.NewProvider("in.bam")
//   shards, err := p.GenerateShards(bamprovider.GenerateShardsOpts{ShardSize: 1000000})
//   for _, shard := range shards {
//     iter := p.NewIterator(shard)
//     for iter.Scan() {
//       rec := iter.Record()
//       ...
//     }
//     if err := iter.Close(); err != nil { ... }
//   }
//   err = p.Close()
package bamprovider
