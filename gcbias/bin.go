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
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// binSizeStep is the granularity of the automatic bin size search;
	// binCVThreshold is the mean/stdev stability a candidate size must reach.
	binSizeStep    = 50
	binCVThreshold = 4.0
)

// Bin aggregates a fixed number of eligible bases of one contig.
type Bin struct {
	Chrom     string
	Start     int // reference position of the first included base
	End       int // 1 + reference position of the last included base
	GC        int // G/C count among the included bases
	Bases     int // included bases; short only in a contig's final bin
	Raw       int64
	Corrected float64
}

// BinContig appends bins covering one contig's per-base signals to bins and
// returns the extended slice.  Sentinel positions (raw < 0) are skipped and
// do not count toward a bin's size, so a bin's [Start, End) span can be much
// wider than binSize.  A final partial bin is emitted when at least one
// eligible base remains.
func BinContig(chrom string, seq []byte, raw []int32, corrected []float64, binSize int, bins []Bin) []Bin {
	var cur Bin
	for i := range raw {
		if raw[i] < 0 {
			continue
		}
		if cur.Bases == 0 {
			cur = Bin{Chrom: chrom, Start: i}
		}
		cur.End = i + 1
		if seq[i] == 'G' || seq[i] == 'C' {
			cur.GC++
		}
		cur.Bases++
		cur.Raw += int64(raw[i])
		cur.Corrected += corrected[i]
		if cur.Bases == binSize {
			bins = append(bins, cur)
			cur = Bin{}
		}
	}
	if cur.Bases > 0 {
		bins = append(bins, cur)
	}
	return bins
}

// FindBinSize searches candidate sizes 50, 100, 150, … for the smallest one
// whose chunked sums over vals are stable, i.e. mean/stdev of consecutive
// size-length chunk sums reaches binCVThreshold.  vals holds one contig's
// eligible corrected values in position order.  The search fails once a
// candidate leaves fewer than two chunks.
func FindBinSize(vals []float64) (int, error) {
	for size := binSizeStep; ; size += binSizeStep {
		n := len(vals) / size
		if n < 2 {
			return 0, errors.Errorf("bin size search: no candidate below %d bases reached mean/stdev >= %.1f; pass -bin-size",
				size, binCVThreshold)
		}
		sums := make([]float64, n)
		for i := 0; i < n; i++ {
			sums[i] = floats.Sum(vals[i*size : (i+1)*size])
		}
		mean, sd := stat.MeanStdDev(sums, nil)
		if sd == 0 || mean/sd >= binCVThreshold {
			return size, nil
		}
	}
}
