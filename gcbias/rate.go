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
	"math/rand"
	"sort"

	gbam "github.com/aakrosh/rdcleanr/encoding/bam"
	"github.com/aakrosh/rdcleanr/encoding/bamprovider"
	"github.com/aakrosh/rdcleanr/encoding/fasta"
	"github.com/aakrosh/rdcleanr/interval"
	"github.com/grailbio/base/traverse"
)

// rateAccum tallies evaluated positions and observed fragment starts per GC
// value for one work unit.
type rateAccum struct {
	positions []int64
	fragments []int64
}

func newRateAccum(n int) *rateAccum {
	return &rateAccum{
		positions: make([]int64, n),
		fragments: make([]int64, n),
	}
}

func (a *rateAccum) add(gc, frags int) {
	a.positions[gc]++
	a.fragments[gc] += int64(frags)
}

func (a *rateAccum) merge(o *rateAccum) {
	for gc, n := range o.positions {
		a.positions[gc] += n
		a.fragments[gc] += o.fragments[gc]
	}
}

// rateEstimator estimates per-GC fragmentation rates by sampling genomic
// positions.  GC for a position pos is measured over
// [pos+shift, pos+window-shift); fragment starts at pos are forward-strand
// alignments beginning exactly there.
type rateEstimator struct {
	provider     bamprovider.Provider
	fa           fasta.Fasta
	mask         *interval.Mask
	shards       []gbam.Shard
	window       int     // fragment window, = rounded mean insert length
	shift        int     // bases trimmed off both window edges
	prob         float64 // per-position selection probability in pass 1
	minMapQ      int
	minCov       float64
	maxCov       float64
	minPositions int
	maxReadSpan  int
	parallelism  int
	seed         int64
}

// columnUsable applies the quality and depth gates shared by both passes.
func (e *rateEstimator) columnUsable(col column) bool {
	return col.meanMapQ() >= float64(e.minMapQ) &&
		float64(col.depth) >= e.minCov &&
		float64(col.depth) <= e.maxCov
}

// estimate runs two passes over the shards.  Pass 1 evaluates a random
// subsample of positions per shard.  GC values left with fewer than
// minPositions evaluated positions then get a second, exhaustive pass that
// evaluates every position whose GC lands in that left-over set.  Both
// passes fan out over shards and merge their tallies after the join.
func (e *rateEstimator) estimate(ctx context.Context) (*RateTable, error) {
	nBucket := e.window + 1
	merged := newRateAccum(nBucket)
	if err := e.runPass(ctx, merged, e.samplePass); err != nil {
		return nil, err
	}
	leftover := make([]bool, nBucket)
	needScan := false
	for gc, cnt := range merged.positions {
		if cnt < int64(e.minPositions) {
			leftover[gc] = true
			needScan = true
		}
	}
	if needScan {
		scan := func(shard gbam.Shard) (*rateAccum, error) {
			return e.scanPass(shard, leftover)
		}
		if err := e.runPass(ctx, merged, scan); err != nil {
			return nil, err
		}
	}
	return NewRateTable(merged.positions, merged.fragments, e.minPositions), nil
}

// runPass applies pass to every shard, parallelized the usual way: each of
// parallelism jobs owns a contiguous subrange of the shard list.
func (e *rateEstimator) runPass(ctx context.Context, merged *rateAccum, pass func(gbam.Shard) (*rateAccum, error)) error {
	accs := make([]*rateAccum, len(e.shards))
	parallelism := minInt(e.parallelism, len(e.shards))
	err := traverse.Each(parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * len(e.shards)) / parallelism
		endIdx := ((jobIdx + 1) * len(e.shards)) / parallelism
		for i := startIdx; i < endIdx; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			acc, err := pass(e.shards[i])
			if err != nil {
				return err
			}
			accs[i] = acc
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, acc := range accs {
		merged.merge(acc)
	}
	return nil
}

// samplePass draws prob × shardLen positions from the shard span without
// replacement (Floyd's algorithm, seeded per shard for reproducibility),
// keeps the mappable ones whose GC window fits the contig, and evaluates
// those that fall inside a usable pileup column.
func (e *rateEstimator) samplePass(shard gbam.Shard) (*rateAccum, error) {
	acc := newRateAccum(e.window + 1)
	chrom := shard.StartRef.Name()
	mappable := e.mask.Mappable(chrom)
	if mappable == nil {
		return acc, nil
	}
	seq, err := e.fa.Seq(chrom)
	if err != nil {
		return nil, err
	}
	unitLen := shard.End - shard.Start
	numselect := int(e.prob * float64(unitLen))
	if numselect > unitLen {
		numselect = unitLen
	}
	if numselect <= 0 {
		return acc, nil
	}
	rng := rand.New(rand.NewSource(e.seed + int64(shard.ShardIdx)))
	picked := make(map[int]bool, numselect)
	for j := shard.End - numselect; j < shard.End; j++ {
		t := shard.Start + rng.Intn(j-shard.Start+1)
		if picked[t] {
			t = j
		}
		picked[t] = true
	}
	sel := make([]int, 0, len(picked))
	for pos := range picked {
		if pos+e.window-e.shift > len(seq) {
			continue
		}
		if !mappable[pos] {
			continue
		}
		sel = append(sel, pos)
	}
	sort.Ints(sel)
	if len(sel) == 0 {
		return acc, nil
	}
	iter := e.provider.NewIterator(shard)
	idx := 0
	serr := streamColumns(iter, shard.Start, shard.End, e.maxReadSpan, func(col column) error {
		for idx < len(sel) && sel[idx] < col.pos {
			idx++
		}
		if idx >= len(sel) || sel[idx] != col.pos {
			return nil
		}
		idx++
		if !e.columnUsable(col) {
			return nil
		}
		gc, _ := countGC(seq[col.pos+e.shift : col.pos+e.window-e.shift])
		acc.add(gc, col.starts)
		return nil
	})
	if cerr := iter.Close(); cerr != nil && serr == nil {
		serr = cerr
	}
	if serr != nil {
		return nil, serr
	}
	return acc, nil
}

// scanPass walks every covered position of the shard with an incrementally
// maintained GC window and evaluates the mappable ones whose GC is still in
// the left-over set, under the same column gates as samplePass.
func (e *rateEstimator) scanPass(shard gbam.Shard, leftover []bool) (*rateAccum, error) {
	acc := newRateAccum(e.window + 1)
	chrom := shard.StartRef.Name()
	mappable := e.mask.Mappable(chrom)
	if mappable == nil {
		return acc, nil
	}
	seq, err := e.fa.Seq(chrom)
	if err != nil {
		return nil, err
	}
	winLen := e.window - 2*e.shift
	w := newGCWindow(seq)
	cur := -(winLen + 1) // far enough back that the first column resets
	iter := e.provider.NewIterator(shard)
	serr := streamColumns(iter, shard.Start, shard.End, e.maxReadSpan, func(col column) error {
		pos := col.pos
		if pos+e.window-e.shift > len(seq) {
			return nil
		}
		if pos-cur >= winLen {
			w.reset(pos+e.shift, pos+e.window-e.shift)
		} else {
			for step := cur; step < pos; step++ {
				w.popLeft()
				w.pushRight()
			}
		}
		cur = pos
		if !mappable[pos] {
			return nil
		}
		gc := w.GC()
		if !leftover[gc] || !e.columnUsable(col) {
			return nil
		}
		acc.add(gc, col.starts)
		return nil
	})
	if cerr := iter.Close(); cerr != nil && serr == nil {
		serr = cerr
	}
	if serr != nil {
		return nil, serr
	}
	return acc, nil
}
