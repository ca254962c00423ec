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
	"math"
)

// RateTable holds the per-GC fragmentation rates estimated from a sample of
// genomic positions.  Index gc ranges over 0..windowSize G/C bases.
type RateTable struct {
	// Positions[gc] counts the evaluated positions whose window held gc G/C
	// bases.
	Positions []int64
	// Fragments[gc] counts the fragment starts observed at those positions.
	Fragments []int64
	// Rates[gc] is the correction rate for windows with gc G/C bases, or NaN
	// when too few positions back the estimate.
	Rates []float64
	// GlobalMean is the mean fragment count per evaluated position across all
	// GC values.
	GlobalMean float64
}

// NewRateTable derives rates from raw position and fragment tallies.  A GC
// value needs at least minPositions evaluated positions and a nonzero
// fragment count to get a rate; others stay NaN.
func NewRateTable(positions, fragments []int64, minPositions int) *RateTable {
	t := &RateTable{
		Positions: positions,
		Fragments: fragments,
		Rates:     make([]float64, len(positions)),
	}
	var sumPos, sumFrag int64
	for gc, n := range positions {
		if n < 1 {
			continue
		}
		sumPos += n
		sumFrag += fragments[gc]
	}
	if sumPos > 0 {
		t.GlobalMean = float64(sumFrag) / float64(sumPos)
	}
	for gc := range t.Rates {
		if positions[gc] >= int64(minPositions) && fragments[gc] > 0 {
			t.Rates[gc] = t.GlobalMean * float64(positions[gc]) / float64(fragments[gc])
		} else {
			t.Rates[gc] = math.NaN()
		}
	}
	return t
}

// Rate returns the correction rate for a window with gc G/C bases.  ok is
// false when gc is out of range or its rate could not be estimated.
func (t *RateTable) Rate(gc int) (float64, bool) {
	if gc < 0 || gc >= len(t.Rates) {
		return 0, false
	}
	r := t.Rates[gc]
	if math.IsNaN(r) {
		return 0, false
	}
	return r, true
}
