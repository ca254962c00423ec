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
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteRates writes the rate table to path as TSV, one row per GC value
// with its tallies and rate.  GC values without a usable rate get "-".
func WriteRates(ctx context.Context, path string, table *RateTable) (err error) {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := tsv.NewWriter(dst.Writer(ctx))
	w.WriteString("#gc")
	w.WriteString("positions")
	w.WriteString("fragments")
	w.WriteString("rate")
	if err = w.EndLine(); err != nil {
		return err
	}
	for gc := range table.Rates {
		w.WriteInt64(int64(gc))
		w.WriteInt64(table.Positions[gc])
		w.WriteInt64(table.Fragments[gc])
		if r, ok := table.Rate(gc); ok {
			w.WriteString(formatFloat(r))
		} else {
			w.WriteString("-")
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteBins writes bins to path as TSV rows of contig, 0-based half-open
// [start, end), GC count, and the raw and corrected signals.
func WriteBins(ctx context.Context, path string, bins []Bin) (err error) {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := tsv.NewWriter(dst.Writer(ctx))
	w.WriteString("#chrom")
	w.WriteString("start")
	w.WriteString("end")
	w.WriteString("gc")
	w.WriteString("raw")
	w.WriteString("corrected")
	if err = w.EndLine(); err != nil {
		return err
	}
	for i := range bins {
		b := &bins[i]
		w.WriteString(b.Chrom)
		w.WriteInt64(int64(b.Start))
		w.WriteInt64(int64(b.End))
		w.WriteInt64(int64(b.GC))
		w.WriteInt64(b.Raw)
		w.WriteString(formatFloat(b.Corrected))
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}
