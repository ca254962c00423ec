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
	"fmt"
	"math/rand"
	"strings"
	"testing"

	gbam "github.com/aakrosh/rdcleanr/encoding/bam"
	"github.com/aakrosh/rdcleanr/encoding/bamprovider"
	"github.com/aakrosh/rdcleanr/encoding/fasta"
	"github.com/aakrosh/rdcleanr/interval"
	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rateFixture is a 60bp contig with one forward read starting at every
// position 0..55, so every column has exactly one fragment start and the
// true rate is 1.0 at every GC value, making estimator output checkable in
// closed form.  Positions 0..49 are mappable; the GC window is 10 bases.
type rateFixture struct {
	provider bamprovider.Provider
	fa       fasta.Fasta
	mask     *interval.Mask
	shards   []gbam.Shard
	seq      string
}

func newRateFixture(t *testing.T) *rateFixture {
	rng := rand.New(rand.NewSource(5))
	bases := make([]byte, 60)
	for i := range bases {
		bases[i] = "ACGT"[rng.Intn(4)]
	}
	seq := string(bases)
	ref, err := sam.NewReference("chr1", "", "", 60, nil, nil)
	require.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{ref})
	require.NoError(t, err)
	var recs []*sam.Record
	for i := 0; i <= 55; i++ {
		recs = append(recs, newRead(fmt.Sprintf("r%d", i), ref, i, 5, 60, 0))
	}
	fa, err := fasta.New(strings.NewReader(">chr1\n"+seq+"\n"),
		strings.NewReader("chr1\t60\t6\t60\t61\n"))
	require.NoError(t, err)
	mask, err := interval.NewMask(strings.NewReader("chr1\t0\t50\n"), interval.MaskOpts{
		SeqLens: map[string]int{"chr1": 60},
		MinSpan: 10,
	})
	require.NoError(t, err)
	return &rateFixture{
		provider: bamprovider.NewFakeProvider(header, recs),
		fa:       fa,
		mask:     mask,
		shards: []gbam.Shard{
			{StartRef: ref, EndRef: ref, Start: 0, End: 30, Padding: 50, ShardIdx: 0},
			{StartRef: ref, EndRef: ref, Start: 30, End: 60, Padding: 50, ShardIdx: 1},
		},
		seq: seq,
	}
}

func (f *rateFixture) estimator(prob, minCov float64) *rateEstimator {
	return &rateEstimator{
		provider:     f.provider,
		fa:           f.fa,
		mask:         f.mask,
		shards:       f.shards,
		window:       10,
		shift:        0,
		prob:         prob,
		minMapQ:      20,
		minCov:       minCov,
		maxCov:       100,
		minPositions: 1,
		maxReadSpan:  10,
		parallelism:  2,
		seed:         1,
	}
}

func checkUnitRates(t *testing.T, table *RateTable, wantPositions int64) {
	require.Len(t, table.Rates, 11)
	var total int64
	for gc, n := range table.Positions {
		total += n
		r, ok := table.Rate(gc)
		if n == 0 {
			assert.False(t, ok, "gc=%d", gc)
			continue
		}
		// One start per evaluated position.
		assert.Equal(t, n, table.Fragments[gc], "gc=%d", gc)
		require.True(t, ok, "gc=%d", gc)
		assert.InEpsilon(t, 1.0, r, 1e-9, "gc=%d", gc)
	}
	assert.Equal(t, wantPositions, total)
	assert.InEpsilon(t, 1.0, table.GlobalMean, 1e-9)
}

func TestRateEstimatorFullSample(t *testing.T) {
	f := newRateFixture(t)
	table, err := f.estimator(1.0, 1).estimate(context.Background())
	require.NoError(t, err)
	checkUnitRates(t, table, 50)
	require.NoError(t, f.provider.Close())
}

// prob 0 leaves every GC value under minPositions after pass 1, forcing the
// exhaustive pass to evaluate everything; the outcome must match a full
// pass-1 sample.
func TestRateEstimatorScanOnly(t *testing.T) {
	f := newRateFixture(t)
	table, err := f.estimator(0, 1).estimate(context.Background())
	require.NoError(t, err)
	checkUnitRates(t, table, 50)

	full, err := f.estimator(1.0, 1).estimate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, full.Positions, table.Positions)
	assert.Equal(t, full.Fragments, table.Fragments)
	assert.InEpsilon(t, full.GlobalMean, table.GlobalMean, 1e-12)
	require.NoError(t, f.provider.Close())
}

// Raising the depth floor to 5 drops columns 0..3, where fewer than five of
// the tiled reads overlap.
func TestRateEstimatorDepthGate(t *testing.T) {
	f := newRateFixture(t)
	table, err := f.estimator(1.0, 5).estimate(context.Background())
	require.NoError(t, err)
	checkUnitRates(t, table, 46)
	require.NoError(t, f.provider.Close())
}

func TestRateEstimatorDeterministic(t *testing.T) {
	f := newRateFixture(t)
	est := f.estimator(0.5, 1)
	first, err := est.estimate(context.Background())
	require.NoError(t, err)
	second, err := est.estimate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Positions, second.Positions)
	assert.Equal(t, first.Fragments, second.Fragments)
	assert.Equal(t, first.GlobalMean, second.GlobalMean)
	require.NoError(t, f.provider.Close())
}
