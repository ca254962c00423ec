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
	"math/bits"

	"github.com/aakrosh/rdcleanr/encoding/bamprovider"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

// flagExclude drops unmapped, secondary, supplementary, QC-fail, and
// duplicate records from every scan in this package.
const flagExclude = int(sam.Unmapped | sam.Secondary | sam.Supplementary | sam.QCFail | sam.Duplicate)

// column summarizes the usable reads overlapping one reference position.
type column struct {
	pos     int
	depth   int // usable reads whose aligned span covers pos
	mapqSum int // sum of those reads' mapping qualities
	starts  int // forward-strand alignments whose span begins at pos
}

// meanMapQ returns the mean mapping quality of the reads in the column.
func (c *column) meanMapQ() float64 {
	return float64(c.mapqSum) / float64(c.depth)
}

// nextExp2 returns the next power of 2 strictly greater than x.  (Useful
// when setting circular buffer size.)
func nextExp2(x int) int {
	log2 := 63 - bits.LeadingZeros64(uint64(x))
	return 2 << uint32(log2)
}

// streamColumns reads coordinate-sorted records from iter and invokes fn
// once per reference position in [start, end) covered by at least one usable
// read, in increasing position order.  Positions nobody covers produce no
// column, matching pileup semantics.
//
// The iterator is expected to come from a shard padded by maxReadSpan, so
// reads starting before the range can still contribute depth to it;
// contributions outside [start, end) are discarded.  The caller retains
// ownership of iter.
//
// Columns are buffered in power-of-2 ring buffers: a record starting at
// position p first flushes every buffered column below p (no later record
// can touch those), then adds its span.  A record spanning more than
// maxReadSpan bases cannot be buffered and is an error.
func streamColumns(iter bamprovider.Iterator, start, end, maxReadSpan int, fn func(col column) error) error {
	nCirc := nextExp2(maxReadSpan)
	mask := nCirc - 1
	depth := make([]int32, nCirc)
	mapqSum := make([]int32, nCirc)
	starts := make([]int32, nCirc)
	flushPos := start
	endMax := start // 1 + last position with buffered data

	flush := func(limit int) error {
		for pos := flushPos; pos < limit; pos++ {
			i := pos & mask
			if depth[i] == 0 {
				continue
			}
			col := column{
				pos:     pos,
				depth:   int(depth[i]),
				mapqSum: int(mapqSum[i]),
				starts:  int(starts[i]),
			}
			depth[i], mapqSum[i], starts[i] = 0, 0, 0
			if err := fn(col); err != nil {
				return err
			}
		}
		flushPos = limit
		return nil
	}

	for iter.Scan() {
		rec := iter.Record()
		if int(rec.Flags)&flagExclude != 0 || len(rec.Cigar) == 0 {
			sam.PutInFreePool(rec)
			continue
		}
		p := rec.Pos
		if p >= end {
			// Sorted input: nothing from here on can reach [start, end).
			sam.PutInFreePool(rec)
			break
		}
		span, _ := rec.Cigar.Lengths()
		if span > maxReadSpan {
			return errors.Errorf("streamColumns: maxReadSpan is %d, but read %s at %s:%d has span %d; raise -max-read-span",
				maxReadSpan, rec.Name, rec.Ref.Name(), rec.Pos, span)
		}
		if span <= 0 {
			sam.PutInFreePool(rec)
			continue
		}
		if flushEnd := minInt(p, end); flushEnd > flushPos {
			if err := flush(flushEnd); err != nil {
				sam.PutInFreePool(rec)
				return err
			}
		}
		addStart := maxInt(p, start)
		addEnd := minInt(p+span, end)
		for pos := addStart; pos < addEnd; pos++ {
			i := pos & mask
			depth[i]++
			mapqSum[i] += int32(rec.MapQ)
		}
		if endMax < addEnd {
			endMax = addEnd
		}
		if rec.Flags&sam.Reverse == 0 && p >= start {
			starts[p&mask]++
		}
		sam.PutInFreePool(rec)
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return flush(minInt(endMax, end))
}

func minInt(x, y int) int {
	if y < x {
		return y
	}
	return x
}

func maxInt(x, y int) int {
	if y > x {
		return y
	}
	return x
}
