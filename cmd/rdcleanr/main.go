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
package main

/*
rdcleanr estimates GC-dependent fragmentation rates from a BAM and reports
binned read-depth signals with the bias corrected out.
*/

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aakrosh/rdcleanr/gcbias"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
)

var (
	bamIndexPath = flag.String("index", gcbias.DefaultOpts.BamIndexPath, "Input BAM index path. Defaults to bampath + .bai")
	binSize      = flag.Int("bin-size", gcbias.DefaultOpts.BinSize, "Number of usable bases per output bin; 0 = search for a stable size on the first contig")
	chroms       = flag.String("chroms", gcbias.DefaultOpts.Chroms, "Comma-separated list of contigs to process; default is all of them")
	coverage     = flag.Float64("coverage", gcbias.DefaultOpts.Coverage, "Expected mean coverage; 0 = estimate it by sampling the alignments")
	fraction     = flag.Float64("fraction", gcbias.DefaultOpts.Fraction, "Fraction of each contig's positions to sample for rate estimation; values above 1 are an absolute genome-wide position budget")
	insertMean   = flag.Float64("insert-mean", gcbias.DefaultOpts.InsertMean, "Mean insert length; 0 = estimate it by sampling proper pairs")
	insertSD     = flag.Float64("insert-sd", gcbias.DefaultOpts.InsertSD, "Insert length standard deviation; only used with -insert-mean")
	mapq         = flag.Int("mapq", gcbias.DefaultOpts.Mapq, "Columns whose mean MAPQ is below this level are skipped during estimation, as are individual reads during correction")
	maxReadSpan  = flag.Int("max-read-span", gcbias.DefaultOpts.MaxReadSpan, "Upper bound on size of reference-genome region a read maps to")
	minPositions = flag.Int("min-positions", gcbias.DefaultOpts.MinPositions, "Minimum evaluated positions a GC value needs for a usable rate")
	minSpan      = flag.Int("min-span", gcbias.DefaultOpts.MinSpan, "Mappable runs longer than this double as coverage-sampling anchors")
	outPrefix    = flag.String("out", "rdcleanr", "Output path prefix")
	parallelism  = flag.Int("parallelism", 0, "Maximum number of simultaneous (local) jobs to launch; 0 = runtime.NumCPU()")
	seed         = flag.Int64("seed", gcbias.DefaultOpts.Seed, "Seed for position subsampling")
	shift        = flag.Int("shift", gcbias.DefaultOpts.Shift, "Bases trimmed off both edges of the per-position GC window")
	smooth       = flag.Bool("smooth", gcbias.DefaultOpts.Smooth, "Lowess-smooth binned corrected values against GC")
)

func rdcleanrUsage() {
	fmt.Printf("Usage: %s [OPTIONS] bampath fapath maskpath\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = rdcleanrUsage
	shutdown := grail.Init()
	defer shutdown()

	allArgs := flag.Args()
	nPositionalArgs := flag.NArg()
	positionalArgs := allArgs[len(allArgs)-nPositionalArgs:]
	if nPositionalArgs != 3 {
		if nPositionalArgs < 3 {
			log.Fatalf("Missing positional arguments (bampath, fapath, and maskpath required); please check flag syntax: '%s'", strings.Join(positionalArgs, " "))
		} else {
			log.Fatalf("Too many positional arguments (only bampath, fapath, and maskpath expected); please check flag syntax: '%s'", strings.Join(positionalArgs, " "))
		}
	}
	// An interrupt cancels the context; the running stage notices between
	// work units and returns the cancellation error.
	ctx, cancel := signal.NotifyContext(vcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	opts := gcbias.Opts{
		BamIndexPath: *bamIndexPath,
		Chroms:       *chroms,
		Shift:        *shift,
		MinPositions: *minPositions,
		Fraction:     *fraction,
		Mapq:         *mapq,
		Coverage:     *coverage,
		InsertMean:   *insertMean,
		InsertSD:     *insertSD,
		BinSize:      *binSize,
		Smooth:       *smooth,
		MinSpan:      *minSpan,
		Parallelism:  *parallelism,
		Seed:         *seed,
		MaxReadSpan:  *maxReadSpan,
	}
	if err := gcbias.Run(ctx, positionalArgs[0], positionalArgs[1], positionalArgs[2], *outPrefix, &opts); err != nil {
		log.Panicf("%v", err)
	}
	log.Debug.Printf("exiting")
}
