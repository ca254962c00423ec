package interval

import (
	"bufio"
	"context"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// getTokens identifies up to the first len(tokens) tokens from curLine,
// returning the number of tokens saved.  Any (group of) characters <= ' ' is
// treated as a delimiter.
//
// These simple loops beat the standard library string-split functions for the
// three leading columns of a BED-like line.
func getTokens(tokens [][]byte, curLine []byte) int {
	posEnd := 0
	lineLen := len(curLine)
	for tokenIdx := range tokens {
		pos := posEnd
		for ; pos != lineLen; pos++ {
			if curLine[pos] > ' ' {
				break
			}
		}
		if pos == lineLen {
			return tokenIdx
		}
		posEnd = pos
		for ; posEnd != lineLen; posEnd++ {
			if curLine[posEnd] <= ' ' {
				break
			}
		}
		tokens[tokenIdx] = curLine[pos:posEnd]
	}
	return len(tokens)
}

// PosType is the mask's coordinate type.
type PosType int32

const posTypeMax = math.MaxInt32

// Run is a single mappable interval, with 0-based half-open coordinates.
type Run struct {
	Start PosType
	End   PosType
}

// MaskOpts defines behavior of this package's mask-loading function(s).
type MaskOpts struct {
	// SeqLens gives the length of every contig the mask covers.  Input
	// intervals on contigs absent from this map are skipped, and interval ends
	// are clipped to the contig length.
	SeqLens map[string]int
	// MinSpan is the threshold above which a merged mappable run is kept as
	// a sampling anchor: runs longer than MinSpan land in LongRuns().
	MinSpan int
	// Chroms optionally restricts the mask to the named contigs.  An empty
	// map means no restriction.
	Chroms map[string]bool
}

// Mask is a per-contig mappability lookup.  A position p on contig c is
// usable iff Mappable(c)[p] is true.  Masks are immutable once built and
// safe for concurrent readers.
type Mask struct {
	mappable map[string][]bool
	longRuns map[string][]Run
	contigs  []string
	// TotalBases is the number of mappable bases across all contigs.
	TotalBases int
}

// Mappable returns the boolean mask for the named contig, or nil if the
// contig is unknown or excluded.  Callers must not modify the returned slice.
func (m *Mask) Mappable(chrom string) []bool {
	return m.mappable[chrom]
}

// LongRuns returns the merged mappable runs longer than MinSpan for the named
// contig, in increasing position order.
func (m *Mask) LongRuns(chrom string) []Run {
	return m.longRuns[chrom]
}

// Contigs returns the names of all masked contigs, sorted.
func (m *Mask) Contigs() []string {
	return m.contigs
}

// keep reports whether a contig participates in the mask, and its length.
func (opts *MaskOpts) keep(chrom string) (int, bool) {
	seqLen, known := opts.SeqLens[chrom]
	if !known {
		return 0, false
	}
	if len(opts.Chroms) != 0 && !opts.Chroms[chrom] {
		return 0, false
	}
	return seqLen, true
}

func scanRuns(scanner *bufio.Scanner, opts MaskOpts) (map[string][]Run, error) {
	var tokens [3][]byte
	runs := make(map[string][]Run)
	lineIdx := 0
	skipped := 0
	// Cache the per-chromosome decision: input lines are usually grouped by
	// chromosome, and map writes need an owned key copy anyway.
	prevChr := ""
	prevLen := 0
	prevKeep := false
	for scanner.Scan() {
		lineIdx++
		curLine := scanner.Bytes()
		nToken := getTokens(tokens[:], curLine)
		if nToken != 3 {
			if nToken == 0 {
				continue
			}
			return nil, errors.Errorf("interval.scanRuns: line %d has fewer tokens than expected", lineIdx)
		}
		if gunsafe.BytesToString(tokens[0]) != prevChr {
			// Copy: tokens[0] aliases the scanner's buffer.
			prevChr = string(tokens[0])
			prevLen, prevKeep = opts.keep(prevChr)
		}
		if !prevKeep {
			skipped++
			continue
		}
		parsedStart, err := strconv.Atoi(gunsafe.BytesToString(tokens[1]))
		if err != nil {
			return nil, errors.Wrapf(err, "interval.scanRuns: line %d", lineIdx)
		}
		if parsedStart < 0 {
			return nil, errors.Errorf("interval.scanRuns: negative start coordinate %s on line %d", tokens[1], lineIdx)
		}
		parsedEnd, err := strconv.Atoi(gunsafe.BytesToString(tokens[2]))
		if err != nil {
			return nil, errors.Wrapf(err, "interval.scanRuns: line %d", lineIdx)
		}
		if parsedEnd < parsedStart || parsedEnd >= posTypeMax {
			return nil, errors.Errorf("interval.scanRuns: invalid coordinate pair on line %d", lineIdx)
		}
		if parsedEnd > prevLen {
			parsedEnd = prevLen
		}
		if parsedEnd <= parsedStart {
			continue
		}
		runs[prevChr] = append(runs[prevChr], Run{PosType(parsedStart), PosType(parsedEnd)})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if skipped > 0 {
		log.Debug.Printf("interval: skipped %d line(s) on unknown or excluded contigs", skipped)
	}
	return runs, nil
}

// mergeRuns sorts runs in place and merges touching/overlapping ones.
func mergeRuns(runs []Run) []Run {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].Start != runs[j].Start {
			return runs[i].Start < runs[j].Start
		}
		return runs[i].End < runs[j].End
	})
	merged := runs[:0]
	for _, r := range runs {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// NewMask loads a mappability-interval list ("chrom start end" per line,
// 0-based half-open, any order) and returns the union as a Mask.  Every
// contig in opts.SeqLens (modulo the Chroms restriction) gets a mask array,
// even when no interval mentions it.
func NewMask(reader io.Reader, opts MaskOpts) (*Mask, error) {
	// Scanner does not handle very long lines unless an adequate buffer size
	// is specified in advance.  Shouldn't matter for three-column lines.
	scanner := bufio.NewScanner(reader)
	runs, err := scanRuns(scanner, opts)
	if err != nil {
		return nil, err
	}
	m := &Mask{
		mappable: make(map[string][]bool),
		longRuns: make(map[string][]Run),
	}
	for chrom, seqLen := range opts.SeqLens {
		if _, ok := opts.keep(chrom); !ok {
			continue
		}
		m.mappable[chrom] = make([]bool, seqLen)
		m.contigs = append(m.contigs, chrom)
	}
	sort.Strings(m.contigs)
	for chrom, chrRuns := range runs {
		bits := m.mappable[chrom]
		for _, r := range mergeRuns(chrRuns) {
			for i := r.Start; i < r.End; i++ {
				bits[i] = true
			}
			m.TotalBases += int(r.End - r.Start)
			if int(r.End-r.Start) > opts.MinSpan {
				m.longRuns[chrom] = append(m.longRuns[chrom], r)
			}
		}
	}
	log.Printf("mappability mask loaded, %d base(s) covered.\n", m.TotalBases)
	return m, nil
}

// NewMaskFromPath is a wrapper for NewMask that takes a path instead of an
// io.Reader.  Gzip-compressed inputs are detected by suffix and decompressed
// transparently.
func NewMaskFromPath(ctx context.Context, path string, opts MaskOpts) (m *Mask, err error) {
	var infile file.File
	if infile, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := infile.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(infile.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return
		}
	}
	if m, err = NewMask(reader, opts); err != nil {
		err = errors.Wrapf(err, "reading mappability intervals from %s", path)
	}
	return
}
