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
	"math"
	"strings"
	"testing"

	gbam "github.com/aakrosh/rdcleanr/encoding/bam"
	"github.com/aakrosh/rdcleanr/encoding/bamprovider"
	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatRateTable(nBucket int, rate float64) *RateTable {
	rates := make([]float64, nBucket)
	for i := range rates {
		rates[i] = rate
	}
	return &RateTable{Rates: rates}
}

func TestCorrectorAttribution(t *testing.T) {
	seq := []byte(strings.Repeat("ACGT", 15))
	ref, err := sam.NewReference("chr1", "", "", 60, nil, nil)
	require.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{ref})
	require.NoError(t, err)
	mappable := make([]bool, 60)
	for i := 0; i < 50; i++ {
		mappable[i] = true
	}
	recs := []*sam.Record{
		newRead("f0", ref, 0, 4, 60, 0),               // start ineligible: empty reverse window
		newRead("f1", ref, 5, 4, 60, 0),               // counts at 5 with the forward rate
		newRead("r1", ref, 5, 4, 60, sam.Reverse),     // counts at its end, 9, with the reverse rate
		newRead("lowq", ref, 7, 4, 10, 0),             // below the MapQ floor
		newRead("dup", ref, 8, 4, 60, sam.Duplicate),  // filtered flag
		newRead("rb", ref, 28, 4, 60, sam.Reverse),    // ends at 32, inside the next unit
		newRead("redge", ref, 46, 4, 60, sam.Reverse), // ends at 50, which is unmappable
		newRead("rout", ref, 56, 4, 60, sam.Reverse),  // ends at the contig boundary
	}
	p := bamprovider.NewFakeProvider(header, recs)
	c := &corrector{
		provider:    p,
		table:       flatRateTable(11, 2.0),
		window:      10,
		minMapQ:     20,
		maxReadSpan: 10,
		parallelism: 2,
	}
	shards := []gbam.Shard{
		{StartRef: ref, EndRef: ref, Start: 0, End: 30, Padding: 50, ShardIdx: 0},
		{StartRef: ref, EndRef: ref, Start: 30, End: 60, Padding: 50, ShardIdx: 1},
	}
	raw, corrected, err := c.contig(context.Background(), seq, mappable, shards)
	require.NoError(t, err)
	require.Len(t, raw, 60)
	require.Len(t, corrected, 60)
	for i := 0; i < 60; i++ {
		switch {
		case i == 0 || i >= 50:
			assert.Equal(t, int32(-1), raw[i], "i=%d", i)
			assert.Equal(t, -1.0, corrected[i], "i=%d", i)
		case i == 5 || i == 9 || i == 32:
			assert.Equal(t, int32(1), raw[i], "i=%d", i)
			assert.Equal(t, 2.0, corrected[i], "i=%d", i)
		default:
			assert.Equal(t, int32(0), raw[i], "i=%d", i)
			assert.Equal(t, 0.0, corrected[i], "i=%d", i)
		}
	}
	require.NoError(t, p.Close())
}

// A homopolymer ramp makes the two window GC values differ at every base, so
// each eligibility gate can be pinned down separately.
func TestCorrectorEligibility(t *testing.T) {
	seq := []byte("AAAAAAGGGGGG")
	ref, err := sam.NewReference("chr1", "", "", 12, nil, nil)
	require.NoError(t, err)
	mappable := make([]bool, 12)
	for i := range mappable {
		mappable[i] = true
	}
	header, err := sam.NewHeader(nil, []*sam.Reference{ref})
	require.NoError(t, err)
	p := bamprovider.NewFakeProvider(header, nil)
	c := &corrector{
		provider:    p,
		table:       &RateTable{Rates: []float64{1, 1, 1, 1, math.NaN()}},
		window:      4,
		minMapQ:     20,
		maxReadSpan: 10,
		parallelism: 1,
	}
	shards := []gbam.Shard{{StartRef: ref, EndRef: ref, Start: 0, End: 12, Padding: 12}}
	raw, corrected, err := c.contig(context.Background(), seq, mappable, shards)
	require.NoError(t, err)
	eligible := map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true, 9: true}
	for i := 0; i < 12; i++ {
		if eligible[i] {
			assert.Equal(t, int32(0), raw[i], "i=%d", i)
			assert.Equal(t, 0.0, corrected[i], "i=%d", i)
		} else {
			// Either the reverse window is empty (i=0) or a window GC value
			// of 4 has no usable rate.
			assert.Equal(t, int32(-1), raw[i], "i=%d", i)
			assert.Equal(t, -1.0, corrected[i], "i=%d", i)
		}
	}
	require.NoError(t, p.Close())
}

func TestCorrectorUnmappableContig(t *testing.T) {
	seq := []byte("ACGTACGT")
	ref, err := sam.NewReference("chrU", "", "", 8, nil, nil)
	require.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{ref})
	require.NoError(t, err)
	p := bamprovider.NewFakeProvider(header, nil)
	c := &corrector{provider: p, table: flatRateTable(5, 1), window: 4, minMapQ: 0, maxReadSpan: 10, parallelism: 1}
	raw, corrected, err := c.contig(context.Background(), seq, nil, nil)
	require.NoError(t, err)
	for i := range raw {
		assert.Equal(t, int32(-1), raw[i])
		assert.Equal(t, -1.0, corrected[i])
	}
	require.NoError(t, p.Close())
}

func TestCorrectorOversizedRead(t *testing.T) {
	seq := []byte(strings.Repeat("ACGT", 15))
	ref, err := sam.NewReference("chr1", "", "", 60, nil, nil)
	require.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{ref})
	require.NoError(t, err)
	mappable := make([]bool, 60)
	for i := range mappable {
		mappable[i] = true
	}
	p := bamprovider.NewFakeProvider(header, []*sam.Record{newRead("wide", ref, 3, 20, 60, 0)})
	c := &corrector{
		provider:    p,
		table:       flatRateTable(11, 1),
		window:      10,
		minMapQ:     20,
		maxReadSpan: 10,
		parallelism: 1,
	}
	shards := []gbam.Shard{{StartRef: ref, EndRef: ref, Start: 0, End: 60, Padding: 10}}
	_, _, err = c.contig(context.Background(), seq, mappable, shards)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxReadSpan")
	assert.Contains(t, err.Error(), "wide")
	require.NoError(t, p.Close())
}
