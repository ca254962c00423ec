// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam

import (
	"fmt"

	"github.com/grailbio/hts/sam"
	"v.io/x/lib/vlog"
)

// Shard represents a genomic interval. The <StartRef,Start> and <EndRef,End>
// coordinates form a half-open, 0-based interval. An iterator for such a range
// will return reads whose start positions fall within that range.
//
// Padding must be >=0. It expands the read range to [PaddedStart, PaddedEnd),
// where PaddedStart=max(0, Start-Padding) and PaddedEnd=min(EndRef.Len(),
// End+Padding)).  The regions [PaddedStart,Start) and [End,PaddedEnd) are not
// part of the shard, since the padding regions will overlap with another
// Shard's [Start, End).
//
// The Shards are ordered according to the order of the bam input file.
// ShardIdx is an index into that ordering.  The first Shard has index 0, and
// the subsequent shards increment the ShardIdx by one each.
type Shard struct {
	StartRef *sam.Reference
	EndRef   *sam.Reference
	Start    int
	End      int

	Padding  int
	ShardIdx int
}

// PadStart returns max(s.Start-padding, 0).
func (s *Shard) PadStart(padding int) int {
	return max(0, s.Start-padding)
}

// PaddedStart computes the effective start of the range to read, including
// padding.
func (s *Shard) PaddedStart() int {
	return s.PadStart(s.Padding)
}

// PadEnd end returns min(s.End+padding, length of s.EndRef)
func (s *Shard) PadEnd(padding int) int {
	return min(s.EndRef.Len(), s.End+padding)
}

// PaddedEnd computes the effective limit of the range to read, including
// padding.
func (s *Shard) PaddedEnd() int {
	return s.PadEnd(s.Padding)
}

// RecordInShard returns true if r's start position is in s.
func (s *Shard) RecordInShard(r *sam.Record) bool {
	return r.Ref.ID() == s.StartRef.ID() && r.Pos >= s.Start && r.Pos < s.End
}

// RecordInPaddedShard returns true if r's start position is in s+padding.
func (s *Shard) RecordInPaddedShard(r *sam.Record) bool {
	return r.Ref.ID() == s.StartRef.ID() && r.Pos >= s.PaddedStart() && r.Pos < s.PaddedEnd()
}

// String returns a debug string for s.
func (s *Shard) String() string {
	return fmt.Sprintf("%d:(%s[%d],%d(%d))-(%s[%d],%d(%d))",
		s.ShardIdx, s.StartRef.Name(), s.StartRef.ID(), s.Start, s.PaddedStart(),
		s.EndRef.Name(), s.EndRef.ID(), s.End, s.PaddedEnd())
}

func min(x, y int) int {
	if y < x {
		return y
	}
	return x
}

func max(x, y int) int {
	if y > x {
		return y
	}
	return x
}

// GetPositionBasedShards returns a list of shards that cover all the
// references in the header using the specified shard size and padding size.
//
// The Shards split the BAM data from the given provider into contiguous,
// non-overlapping genomic intervals (Shards). A SAM record is associated with
// a shard if its alignment start position is within the given padding distance
// of the shard. This means reads near shard boundaries may be associated with
// more than one shard.
func GetPositionBasedShards(header *sam.Header, shardSize int, padding int) ([]Shard, error) {
	var shards []Shard
	shardIdx := 0
	for _, ref := range header.Refs() {
		var start int
		for start < ref.Len() {
			end := min(start+shardSize, ref.Len())
			shards = append(shards,
				Shard{
					StartRef: ref,
					EndRef:   ref,
					Start:    start,
					End:      end,
					Padding:  padding,
					ShardIdx: shardIdx,
				})
			start += shardSize
			shardIdx++
		}
	}
	ValidateShardList(header, shards, padding)
	return shards, nil
}

// GetRefSplitShards returns a list of shards much like
// GetPositionBasedShards, but instead of a fixed shard size it splits every
// reference into at most nSplit pieces of equal width, so each reference
// spreads evenly over nSplit workers. A reference shorter than nSplit bases
// yields fewer pieces.
func GetRefSplitShards(header *sam.Header, nSplit int, padding int) ([]Shard, error) {
	if nSplit <= 0 {
		return nil, fmt.Errorf("number of splits per reference must be positive: %d", nSplit)
	}
	var shards []Shard
	shardIdx := 0
	for _, ref := range header.Refs() {
		size := (ref.Len() + nSplit - 1) / nSplit
		if size <= 0 {
			continue
		}
		var start int
		for start < ref.Len() {
			end := min(start+size, ref.Len())
			shards = append(shards,
				Shard{
					StartRef: ref,
					EndRef:   ref,
					Start:    start,
					End:      end,
					Padding:  padding,
					ShardIdx: shardIdx,
				})
			start += size
			shardIdx++
		}
	}
	ValidateShardList(header, shards, padding)
	return shards, nil
}

// ValidateShardList validates that shardList has sensible values. Exposed only for testing.
func ValidateShardList(header *sam.Header, shardList []Shard, padding int) {
	var prevRef *sam.Reference
	for i, shard := range shardList {
		if shard.StartRef == nil || shard.EndRef == nil {
			vlog.Panicf("Shard %d has a nil reference: %+v", i, shard)
		}
		if shard.StartRef.ID() != shard.EndRef.ID() {
			vlog.Panicf("Shard %d spans references %s and %s", i, shard.StartRef.Name(), shard.EndRef.Name())
		}
		if shard.Start >= shard.End {
			vlog.Panicf("Shard start must precede end for ref %s: %d, %d", shard.StartRef.Name(), shard.Start, shard.End)
		}

		if i == 0 || shard.StartRef != prevRef {
			prevRef = shard.StartRef
			if shard.Start != 0 {
				vlog.Panicf("First shard of ref %s should start at 0, not %d", shard.StartRef.Name(), shard.Start)
			}
		} else {
			if shard.Start != shardList[i-1].End {
				vlog.Panicf("Shard gap for ref %s between %d and %d", shard.StartRef.Name(), shardList[i-1].End, shard.Start)
			}
		}
		if i < len(shardList)-1 && shardList[i+1].StartRef != shard.StartRef && shard.End != shard.StartRef.Len() {
			vlog.Panicf("Last shard of %s should end at reference end: %d, %d", shard.StartRef.Name(), shard.End, shard.StartRef.Len())
		}

		if shard.Padding < 0 {
			vlog.Panicf("Padding must be non-negative: %d", shard.Padding)
		}
	}
}
