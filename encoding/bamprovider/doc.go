// Package bamprovider provider utilities for scanning a BAM file in parallel.
//
// The Provider hands out Iterators over genomic shards. Each iterator owns its
// own BAM reader and index, so iterators for different shards can run
// concurrently.
package bamprovider
