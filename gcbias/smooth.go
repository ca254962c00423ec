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
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// smoothSpan is the fraction of total weight each local fit draws on.
const smoothSpan = 0.3

// SmoothBins flattens any residual trend of corrected signal against bin GC
// fraction.  A lowess curve is fit to corrected-vs-GC over all bins, and
// each bin's corrected value is rescaled by median/fitted so the trend line
// lands on the global median.  Raw counts are left untouched.
func SmoothBins(bins []Bin) {
	if len(bins) < 2 {
		return
	}
	// Bins sharing a GC fraction collapse into one point carrying their
	// count as weight; the weighted fit through the collapsed points is the
	// same as the fit through the original ones.
	groups := make(map[float64][]int)
	for i := range bins {
		x := float64(bins[i].GC) / float64(bins[i].Bases)
		groups[x] = append(groups[x], i)
	}
	xs := make([]float64, 0, len(groups))
	for x := range groups {
		xs = append(xs, x)
	}
	sort.Float64s(xs)
	ys := make([]float64, len(xs))
	ws := make([]float64, len(xs))
	for i, x := range xs {
		var sum float64
		for _, b := range groups[x] {
			sum += bins[b].Corrected
		}
		ws[i] = float64(len(groups[x]))
		ys[i] = sum / ws[i]
	}
	fitted := lowessFit(xs, ys, ws, floats.Sum(ws)*smoothSpan)

	vals := make([]float64, len(bins))
	for i := range bins {
		vals[i] = bins[i].Corrected
	}
	sort.Float64s(vals)
	med := stat.Quantile(0.5, stat.Empirical, vals, nil)
	for i, x := range xs {
		f := fitted[i]
		if f <= 0 {
			continue
		}
		for _, b := range groups[x] {
			bins[b].Corrected *= med / f
		}
	}
}

// lowessFit evaluates a locally weighted linear fit at every point.  For
// each evaluation point the nearest neighbors along x are pulled in until
// their cumulative weight reaches minWeight, the tricube kernel downweights
// the far ones, and a weighted least-squares line through the neighborhood
// supplies the fitted value.
func lowessFit(xs, ys, ws []float64, minWeight float64) []float64 {
	n := len(xs)
	fitted := make([]float64, n)
	for i := 0; i < n; i++ {
		lo, hi := i, i
		weight := ws[i]
		for weight < minWeight && (lo > 0 || hi < n-1) {
			dLo, dHi := math.Inf(1), math.Inf(1)
			if lo > 0 {
				dLo = xs[i] - xs[lo-1]
			}
			if hi < n-1 {
				dHi = xs[hi+1] - xs[i]
			}
			if dLo <= dHi {
				lo--
				weight += ws[lo]
			} else {
				hi++
				weight += ws[hi]
			}
		}
		dmax := math.Max(xs[i]-xs[lo], xs[hi]-xs[i])
		if dmax == 0 {
			fitted[i] = stat.Mean(ys[lo:hi+1], ws[lo:hi+1])
			continue
		}
		kw := make([]float64, hi-lo+1)
		for j := lo; j <= hi; j++ {
			d := math.Abs(xs[j]-xs[i]) / dmax
			t := 1 - d*d*d
			kw[j-lo] = ws[j] * t * t * t
		}
		alpha, beta := stat.LinearRegression(xs[lo:hi+1], ys[lo:hi+1], kw, false)
		f := alpha + beta*xs[i]
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// The neighborhood carried no x spread after kernel weighting.
			f = stat.Mean(ys[lo:hi+1], kw)
		}
		fitted[i] = f
	}
	return fitted
}
