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
	"runtime"
	"strings"
	"time"

	gbam "github.com/aakrosh/rdcleanr/encoding/bam"
	"github.com/aakrosh/rdcleanr/encoding/bamprovider"
	"github.com/aakrosh/rdcleanr/encoding/fasta"
	"github.com/aakrosh/rdcleanr/interval"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

var startTime = time.Now()

func elapsed() int64 {
	return int64(time.Since(startTime).Seconds())
}

// Run executes the whole correction workflow on one BAM file: estimate
// the insert length and depth cutoffs (unless supplied), build the per-GC
// rate table, compute per-base corrected signals contig by contig, bin
// them, and optionally smooth the bins.  Results land in
// outPrefix.rates.tsv and outPrefix.bins.tsv.
func Run(ctx context.Context, bamPath, faPath, maskPath, outPrefix string, rawOpts *Opts) (err error) {
	opts := *rawOpts
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	if opts.Fraction <= 0 {
		return errors.Errorf("-fraction must be positive: %v", opts.Fraction)
	}
	if opts.Shift < 0 {
		return errors.Errorf("-shift must be nonnegative: %d", opts.Shift)
	}
	if opts.BinSize < 0 {
		return errors.Errorf("-bin-size must be nonnegative: %d", opts.BinSize)
	}
	if opts.MaxReadSpan < 1 {
		return errors.Errorf("-max-read-span must be positive: %d", opts.MaxReadSpan)
	}

	provider := bamprovider.NewProvider(bamPath, bamprovider.ProviderOpts{Index: opts.BamIndexPath})
	defer func() {
		if cerr := provider.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	header, err := provider.GetHeader()
	if err != nil {
		return err
	}
	var allow map[string]bool
	if opts.Chroms != "" {
		allow = map[string]bool{}
		for _, name := range strings.Split(opts.Chroms, ",") {
			allow[name] = true
		}
	}
	refs := make([]*sam.Reference, 0, len(header.Refs()))
	for _, ref := range header.Refs() {
		if ref.Len() > 0 && (allow == nil || allow[ref.Name()]) {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return errors.New("no usable contigs after applying -chroms")
	}

	fa, err := fasta.NewFromPath(ctx, faPath)
	if err != nil {
		return err
	}
	seqLens := make(map[string]int, len(refs))
	var genomeLen int64
	for _, ref := range refs {
		n, err := fa.Len(ref.Name())
		if err != nil {
			return err
		}
		if int(n) != ref.Len() {
			return errors.Errorf("contig %s: FASTA length %d does not match BAM header length %d",
				ref.Name(), n, ref.Len())
		}
		seqLens[ref.Name()] = int(n)
		genomeLen += int64(n)
	}
	mask, err := interval.NewMaskFromPath(ctx, maskPath, interval.MaskOpts{
		SeqLens: seqLens,
		MinSpan: opts.MinSpan,
		Chroms:  allow,
	})
	if err != nil {
		return err
	}
	log.Printf("loaded %d contigs, %d mappable bases; %ds elapsed", len(refs), mask.TotalBases, elapsed())

	insert := InsertStats{Mean: opts.InsertMean, SD: opts.InsertSD}
	if opts.InsertMean <= 0 {
		if insert, err = EstimateInsert(provider, refs, opts.Seed); err != nil {
			return err
		}
	}
	window := int(math.Round(insert.Mean))
	if window <= 0 {
		return errors.Errorf("mean insert length must be positive: %v", insert.Mean)
	}
	if opts.Shift*2 >= window {
		return errors.Errorf("-shift is %d, but twice that must stay below the insert length %d", opts.Shift, window)
	}
	log.Printf("fragment window %d (insert %.2f +- %.2f, %d sampled); %ds elapsed",
		window, insert.Mean, insert.SD, insert.N, elapsed())

	var cov CoverageStats
	if opts.Coverage > 0 {
		cov = PoissonCoverage(opts.Coverage)
	} else if cov, err = EstimateCoverage(ctx, provider, mask, refs, opts.Fraction, opts.MaxReadSpan, opts.Seed); err != nil {
		return err
	}
	log.Printf("coverage %.2f +- %.2f, usable depth [%.2f, %.2f]; %ds elapsed",
		cov.Mean, cov.SD, cov.MinCutoff, cov.MaxCutoff, elapsed())

	shards, err := gbam.GetRefSplitShards(header, opts.Parallelism, opts.MaxReadSpan)
	if err != nil {
		return err
	}
	var kept []gbam.Shard
	for _, shard := range shards {
		if allow == nil || allow[shard.StartRef.Name()] {
			kept = append(kept, shard)
		}
	}

	prob := opts.Fraction
	if prob > 1 {
		prob = opts.Fraction / float64(genomeLen)
	}
	if prob > 1 {
		prob = 1
	}
	est := &rateEstimator{
		provider:     provider,
		fa:           fa,
		mask:         mask,
		shards:       kept,
		window:       window,
		shift:        opts.Shift,
		prob:         prob,
		minMapQ:      opts.Mapq,
		minCov:       cov.MinCutoff,
		maxCov:       cov.MaxCutoff,
		minPositions: opts.MinPositions,
		maxReadSpan:  opts.MaxReadSpan,
		parallelism:  opts.Parallelism,
		seed:         opts.Seed,
	}
	table, err := est.estimate(ctx)
	if err != nil {
		return err
	}
	var nPos, nFrag int64
	for gc := range table.Positions {
		nPos += table.Positions[gc]
		nFrag += table.Fragments[gc]
	}
	log.Printf("rate table: %d positions, %d fragment starts, global rate %.4f; %ds elapsed",
		nPos, nFrag, table.GlobalMean, elapsed())
	if err = WriteRates(ctx, outPrefix+".rates.tsv", table); err != nil {
		return err
	}

	corr := &corrector{
		provider:    provider,
		table:       table,
		window:      window,
		minMapQ:     opts.Mapq,
		maxReadSpan: opts.MaxReadSpan,
		parallelism: opts.Parallelism,
	}
	binSize := opts.BinSize
	var bins []Bin
	for _, ref := range refs {
		chrom := ref.Name()
		seq, err := fa.Seq(chrom)
		if err != nil {
			return err
		}
		var contigShards []gbam.Shard
		for _, shard := range kept {
			if shard.StartRef == ref {
				contigShards = append(contigShards, shard)
			}
		}
		raw, corrected, err := corr.contig(ctx, seq, mask.Mappable(chrom), contigShards)
		if err != nil {
			return err
		}
		if binSize == 0 {
			vals := make([]float64, 0, len(corrected))
			for i, v := range corrected {
				if raw[i] >= 0 {
					vals = append(vals, v)
				}
			}
			if binSize, err = FindBinSize(vals); err != nil {
				return errors.Wrapf(err, "contig %s", chrom)
			}
			log.Printf("chose bin size %d on %s; %ds elapsed", binSize, chrom, elapsed())
		}
		bins = BinContig(chrom, seq, raw, corrected, binSize, bins)
		log.Printf("corrected %s: %d bins total; %ds elapsed", chrom, len(bins), elapsed())
	}
	if opts.Smooth {
		SmoothBins(bins)
		log.Printf("smoothed %d bins; %ds elapsed", len(bins), elapsed())
	}
	if err = WriteBins(ctx, outPrefix+".bins.tsv", bins); err != nil {
		return err
	}
	log.Printf("wrote %s.rates.tsv and %s.bins.tsv; %ds elapsed", outPrefix, outPrefix, elapsed())
	return nil
}
