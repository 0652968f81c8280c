// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bam holds the BAM-level helpers of the duplicate marker: the
// position-based Shard and the partition index built over a shard
// list, record coordinates, and a ShardedBAMWriter that compresses the
// annotated output in parallel while keeping input order.
package bam
