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

type Opts struct {
	// Commandline options.
	BamIndexPath string
	// Chroms optionally restricts every stage to a comma-separated set of
	// contig names.  Empty means all contigs in the BAM header.
	Chroms string
	// Shift trims this many bases off both edges of the stage-1 tabulation
	// window, so GC is measured over [pos+Shift, pos+insert-Shift).
	Shift        int
	MinPositions int
	// Fraction controls stage-1 subsampling.  A value below 1.0 is the
	// fraction of each contig's positions to sample; a value above 1.0 is an
	// absolute genome-wide position budget, spread across contigs in
	// proportion to their lengths.
	Fraction float64
	Mapq     int
	// Coverage is the expected mean coverage.  When positive, depth cutoffs
	// are derived from a Poisson model instead of sampled from the BAM.
	Coverage float64
	// InsertMean/InsertSD describe the insert length distribution.  When
	// InsertMean is positive the sampling estimator is skipped.
	InsertMean float64
	InsertSD   float64
	// BinSize is the number of usable bases per output bin; 0 triggers the
	// coefficient-of-variation search on the first corrected contig.
	BinSize int
	Smooth  bool
	// MinSpan is the threshold above which a mappable run doubles as a
	// coverage-sampling anchor.
	MinSpan     int
	Parallelism int
	Seed        int64
	MaxReadSpan int
}

var DefaultOpts = Opts{
	Shift:        0,
	MinPositions: 100,
	Fraction:     0.01,
	Mapq:         20,
	Coverage:     0,
	InsertMean:   0,
	InsertSD:     0,
	BinSize:      0,
	Smooth:       false,
	MinSpan:      10000,
	Parallelism:  0,
	Seed:         1,
	MaxReadSpan:  511,
}
