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
	"math/rand"

	gbam "github.com/aakrosh/rdcleanr/encoding/bam"
	"github.com/aakrosh/rdcleanr/encoding/bamprovider"
	"github.com/aakrosh/rdcleanr/interval"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// insertSampleProb is the retention probability for template-length
	// sampling; insertSampleTarget caps the number of retained observations.
	insertSampleProb   = 0.05
	insertSampleTarget = 100000
	// covMapQMean is the mean-mapping-quality floor a sampled column must
	// clear to enter the coverage histogram.
	covMapQMean = 20.0
	// poissonMassTarget is the pmf mass the Lander-Waterman cutoffs must
	// capture; above poissonApproxLambda fixed multiples of lambda are used
	// instead.
	poissonMassTarget   = 0.999
	poissonApproxLambda = 100.0
)

// InsertStats summarizes sampled template lengths from properly paired
// records.
type InsertStats struct {
	Mean float64
	SD   float64
	N    int // observations retained
}

// CoverageStats summarizes sampled read depth.  Columns with depth outside
// [MinCutoff, MaxCutoff] are excluded from rate estimation.
type CoverageStats struct {
	Mean      float64
	SD        float64
	MinCutoff float64
	MaxCutoff float64
}

// validInsert reports whether rec carries a trustworthy fragment-length
// observation.
func validInsert(rec *sam.Record) bool {
	if int(rec.Flags)&flagExclude != 0 || rec.Flags&sam.MateUnmapped != 0 {
		return false
	}
	return rec.Flags&sam.ProperPair != 0 && rec.TempLen > 0
}

// EstimateInsert scans refs in order, retaining each valid template length
// with probability insertSampleProb until insertSampleTarget observations
// are collected or the input runs out, and returns their mean and standard
// deviation.  A distribution whose mean minus three standard deviations goes
// negative is rejected as implausible.
func EstimateInsert(provider bamprovider.Provider, refs []*sam.Reference, seed int64) (InsertStats, error) {
	rng := rand.New(rand.NewSource(seed))
	lengths := make([]float64, 0, insertSampleTarget)
	for i, ref := range refs {
		if ref.Len() == 0 {
			continue
		}
		iter := provider.NewIterator(gbam.Shard{
			StartRef: ref,
			EndRef:   ref,
			Start:    0,
			End:      ref.Len(),
			ShardIdx: i,
		})
		for len(lengths) < insertSampleTarget && iter.Scan() {
			rec := iter.Record()
			if validInsert(rec) && rng.Float64() < insertSampleProb {
				lengths = append(lengths, float64(rec.TempLen))
			}
			sam.PutInFreePool(rec)
		}
		err := iter.Err()
		if cerr := iter.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return InsertStats{}, err
		}
		if len(lengths) >= insertSampleTarget {
			break
		}
	}
	if len(lengths) < 2 {
		return InsertStats{}, errors.New("insert size estimation: too few proper pairs sampled; pass -insert-mean and -insert-sd")
	}
	mean, sd := stat.MeanStdDev(lengths, nil)
	if mean-3*sd < 0 {
		return InsertStats{}, errors.Errorf("insert size estimation: implausible distribution (mean %.2f, stdev %.2f); pass -insert-mean and -insert-sd",
			mean, sd)
	}
	return InsertStats{Mean: mean, SD: sd, N: len(lengths)}, nil
}

type covUnit struct {
	ref   *sam.Reference
	start int
	end   int
}

// EstimateCoverage samples read depth and returns its moments plus the
// usable-depth cutoffs mean ± 3·stdev, floored at zero.  One region per
// contig is sampled: a random long mappable run when the mask has one,
// otherwise a random interval of about frac × contigLen/2 bases.  Sampled
// regions are scanned in parallel, one depth histogram per region, merged
// after the join.
func EstimateCoverage(ctx context.Context, provider bamprovider.Provider, mask *interval.Mask, refs []*sam.Reference, frac float64, maxReadSpan int, seed int64) (CoverageStats, error) {
	rng := rand.New(rand.NewSource(seed))
	units := make([]covUnit, 0, len(refs))
	for _, ref := range refs {
		if ref.Len() == 0 {
			continue
		}
		if runs := mask.LongRuns(ref.Name()); len(runs) > 0 {
			run := runs[rng.Intn(len(runs))]
			units = append(units, covUnit{ref, int(run.Start), int(run.End)})
			continue
		}
		span := int(frac * float64(ref.Len()) / 2)
		if span < 1 {
			span = 1
		}
		if span > ref.Len() {
			span = ref.Len()
		}
		start := rng.Intn(ref.Len() - span + 1)
		units = append(units, covUnit{ref, start, start + span})
	}
	if len(units) == 0 {
		return CoverageStats{}, errors.New("coverage estimation: no contigs to sample")
	}
	hists := make([][]int64, len(units))
	err := traverse.Each(len(units), func(i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		u := units[i]
		var hist []int64
		iter := provider.NewIterator(gbam.Shard{
			StartRef: u.ref,
			EndRef:   u.ref,
			Start:    u.start,
			End:      u.end,
			Padding:  maxReadSpan,
			ShardIdx: i,
		})
		err := streamColumns(iter, u.start, u.end, maxReadSpan, func(col column) error {
			if col.meanMapQ() < covMapQMean {
				return nil
			}
			for col.depth >= len(hist) {
				hist = append(hist, 0)
			}
			hist[col.depth]++
			return nil
		})
		if cerr := iter.Close(); cerr != nil && err == nil {
			err = cerr
		}
		hists[i] = hist
		return err
	})
	if err != nil {
		return CoverageStats{}, err
	}
	var merged []int64
	var total int64
	for _, hist := range hists {
		for d, n := range hist {
			if n == 0 {
				continue
			}
			for d >= len(merged) {
				merged = append(merged, 0)
			}
			merged[d] += n
			total += n
		}
	}
	if total == 0 {
		return CoverageStats{}, errors.New("coverage estimation: sampled regions have no aligned reads; pass -coverage")
	}
	var depths, weights []float64
	for d, n := range merged {
		if n == 0 {
			continue
		}
		depths = append(depths, float64(d))
		weights = append(weights, float64(n))
	}
	mean := stat.Mean(depths, weights)
	sd := stat.StdDev(depths, weights)
	lo := mean - 3*sd
	if lo < 0 {
		lo = 0
	}
	return CoverageStats{Mean: mean, SD: sd, MinCutoff: lo, MaxCutoff: mean + 3*sd}, nil
}

// PoissonCoverage summarizes a user-supplied mean coverage under the
// Lander-Waterman model instead of sampling the alignments.
func PoissonCoverage(lambda float64) CoverageStats {
	lo, hi := PoissonCutoffs(lambda)
	return CoverageStats{Mean: lambda, SD: math.Sqrt(lambda), MinCutoff: lo, MaxCutoff: hi}
}

// PoissonCutoffs derives (min, max) depth cutoffs for mean coverage lambda.
// For small lambda the Poisson pmf is integrated outward from the mode,
// absorbing the heavier neighboring count first, until the captured mass
// exceeds poissonMassTarget; the first and last counts absorbed become the
// cutoffs.  Past poissonApproxLambda the distribution is tight enough that
// fixed multiples of lambda suffice.
func PoissonCutoffs(lambda float64) (float64, float64) {
	if lambda > poissonApproxLambda {
		return 0.5 * lambda, 2 * lambda
	}
	dist := distuv.Poisson{Lambda: lambda}
	lo := int(math.Floor(lambda))
	hi := lo
	mass := dist.Prob(float64(lo))
	for mass <= poissonMassTarget {
		var pLo float64
		if lo > 0 {
			pLo = dist.Prob(float64(lo - 1))
		}
		pHi := dist.Prob(float64(hi + 1))
		if pHi >= pLo {
			hi++
			mass += pHi
		} else {
			lo--
			mass += pLo
		}
	}
	return float64(lo), float64(hi)
}
