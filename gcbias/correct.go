// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package gcbias

import (
	"context"

	gbam "github.com/aakrosh/rdcleanr/encoding/bam"
	"github.com/aakrosh/rdcleanr/encoding/bamprovider"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

// corrector turns the rate table into per-base raw and corrected coverage
// signals, one contig at a time.
type corrector struct {
	provider    bamprovider.Provider
	table       *RateTable
	window      int
	minMapQ     int
	maxReadSpan int
	parallelism int
}

// contig computes the per-base signals for one contig.  raw[i] and
// corrected[i] are -1 at ineligible bases; at eligible ones raw[i] counts
// the fragment ends attributed to i and corrected[i] sums their rates.
//
// A base is eligible when it is mappable, both its forward window
// [i, i+window) and reverse window [max(i-window,0), i) contain sequence,
// and both window GC values have usable rates.  Work units write disjoint
// position ranges, so they share the output arrays without locking.
func (c *corrector) contig(ctx context.Context, seq []byte, mappable []bool, shards []gbam.Shard) ([]int32, []float64, error) {
	raw := make([]int32, len(seq))
	corrected := make([]float64, len(seq))
	for i := range raw {
		raw[i] = -1
		corrected[i] = -1
	}
	if mappable == nil || len(shards) == 0 {
		return raw, corrected, nil
	}
	parallelism := minInt(c.parallelism, len(shards))
	err := traverse.Each(parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * len(shards)) / parallelism
		endIdx := ((jobIdx + 1) * len(shards)) / parallelism
		for i := startIdx; i < endIdx; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.unit(shards[i], seq, mappable, raw, corrected); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return raw, corrected, nil
}

// unit handles one work unit: first the eligibility sweep with two
// incremental GC windows, then one pass over the unit's alignments
// attributing each fragment end to a position.  Forward-strand records count
// at their start with the forward-window rate; reverse-strand records at
// their exclusive alignment end with the reverse-window rate.  The unit's
// shard is padded, so records starting just before it still reach their
// attribution position.
func (c *corrector) unit(shard gbam.Shard, seq []byte, mappable []bool, raw []int32, corrected []float64) error {
	start, end := shard.Start, shard.End
	fwd := newGCWindow(seq)
	rev := newGCWindow(seq)
	fwd.reset(start, start+c.window)
	rev.reset(start-c.window, start)
	fwdRate := make([]float64, end-start)
	revRate := make([]float64, end-start)
	for i := start; i < end; i++ {
		if i > start {
			fwd.popLeft()
			fwd.pushRight()
			rev.pushRight()
			if rev.Len() > c.window {
				rev.popLeft()
			}
		}
		if !mappable[i] || fwd.ACGT() == 0 || rev.ACGT() == 0 {
			continue
		}
		fr, fok := c.table.Rate(fwd.GC())
		rr, rok := c.table.Rate(rev.GC())
		if !fok || !rok {
			continue
		}
		raw[i] = 0
		corrected[i] = 0
		fwdRate[i-start] = fr
		revRate[i-start] = rr
	}

	iter := c.provider.NewIterator(shard)
	var serr error
	for iter.Scan() {
		rec := iter.Record()
		if rec.Pos >= end {
			// Sorted input: no later record can attribute inside the unit.
			sam.PutInFreePool(rec)
			break
		}
		if int(rec.Flags)&flagExclude != 0 || len(rec.Cigar) == 0 || int(rec.MapQ) < c.minMapQ {
			sam.PutInFreePool(rec)
			continue
		}
		span, _ := rec.Cigar.Lengths()
		if span <= 0 {
			sam.PutInFreePool(rec)
			continue
		}
		if span > c.maxReadSpan {
			serr = errors.Errorf("correction: maxReadSpan is %d, but read %s at %s:%d has span %d; raise -max-read-span",
				c.maxReadSpan, rec.Name, rec.Ref.Name(), rec.Pos, span)
			sam.PutInFreePool(rec)
			break
		}
		if rec.Flags&sam.Reverse != 0 {
			if e := rec.Pos + span; e >= start && e < end && raw[e] >= 0 {
				raw[e]++
				corrected[e] += revRate[e-start]
			}
		} else if p := rec.Pos; p >= start && raw[p] >= 0 {
			raw[p]++
			corrected[p] += fwdRate[p-start]
		}
		sam.PutInFreePool(rec)
	}
	if serr == nil {
		serr = iter.Err()
	}
	if cerr := iter.Close(); cerr != nil && serr == nil {
		serr = cerr
	}
	return serr
}
