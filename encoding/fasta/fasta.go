// Package fasta contains code for parsing indexed FASTA files.
// See http://www.htslib.org/doc/faidx.html.  Briefly, FASTA files consist of a
// number of named sequences that may be interrupted by newlines.  For example:
//
// >chr7
// ACGTAC
// GAGGAC
// GCG
// >chr8
// ACGT
//
// Note: Sequence names are defined to be the stretch of characters excluding
// spaces immediately after '>'.  Any text appearing after a space is ignored.
// For example, '>chr1 A viral sequence' becomes 'chr1'.
//
// Sequences are normalized at load time to the uppercase {A,C,G,T,N}
// alphabet, since every consumer in this repo classifies bases as G/C,
// A/T, or unknown.
package fasta

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"sort"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/pkg/errors"
)

const readerBufSize = 4 * 1024 * 1024

// Index files consist of one tab-separated line per sequence in the associated
// FASTA file.  The format is: "<sequence name>\t<length>\t<byte
// offset>\t<bases per line>\t<bytes per line>".
// For example: "chr3\t12345\t9000\t80\t81".
var indexRegExp = regexp.MustCompile(`(\S+)\t(\d+)\t(\d+)\t(\d+)\t(\d+)`)

// cleanTable capitalizes a/c/g/t and maps every other byte outside
// {A,C,G,T} to 'N'.
var cleanTable = func() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = 'N'
	}
	for _, b := range []byte("ACGT") {
		t[b] = b
		t[b+'a'-'A'] = b
	}
	return t
}()

// Fasta holds a set of named reference sequences, fully loaded and
// normalized to the uppercase {A,C,G,T,N} alphabet.
type Fasta interface {
	// Len returns the length of the given sequence.
	Len(seqName string) (uint64, error)

	// Seq returns the entire named sequence.  The returned slice is shared
	// across callers and must not be modified.  Seq is thread-safe.
	Seq(seqName string) ([]byte, error)

	// SeqNames returns the names of all sequences, in index order.
	SeqNames() []string
}

type fasta struct {
	seqs     map[string][]byte
	seqNames []string
}

type indexEntry struct {
	name      string
	length    uint64
	offset    uint64
	lineBase  uint64
	lineWidth uint64
}

func parseIndex(index io.Reader) ([]indexEntry, error) {
	var entries []indexEntry
	scanner := bufio.NewScanner(index)
	for scanner.Scan() {
		matches := indexRegExp.FindStringSubmatch(scanner.Text())
		if len(matches) != 6 {
			return nil, errors.Errorf("invalid index line: %s", scanner.Text())
		}
		ent := indexEntry{name: matches[1]}
		ent.length, _ = strconv.ParseUint(matches[2], 10, 64)
		ent.offset, _ = strconv.ParseUint(matches[3], 10, 64)
		ent.lineBase, _ = strconv.ParseUint(matches[4], 10, 64)
		ent.lineWidth, _ = strconv.ParseUint(matches[5], 10, 64)
		if ent.lineBase == 0 || ent.lineWidth < ent.lineBase {
			return nil, errors.Errorf("invalid index line: %s", scanner.Text())
		}
		entries = append(entries, ent)
	}
	if scanner.Err() != nil {
		return nil, errors.Wrap(scanner.Err(), "couldn't read FASTA index")
	}
	// Sequences are read with a forward-only scan, so they must be visited in
	// file order regardless of index line order.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].offset < entries[j].offset
	})
	return entries, nil
}

// New creates a Fasta from FASTA data and its faidx-format index, reading
// every sequence into memory.
func New(fastaR io.Reader, indexR io.Reader) (Fasta, error) {
	entries, err := parseIndex(indexR)
	if err != nil {
		return nil, err
	}
	f := &fasta{
		seqs:     make(map[string][]byte, len(entries)),
		seqNames: make([]string, 0, len(entries)),
	}
	bufR := bufio.NewReaderSize(fastaR, readerBufSize)
	var fileOffset uint64
	for _, ent := range entries {
		n, err := bufR.Discard(int(ent.offset - fileOffset))
		fileOffset += uint64(n)
		if err != nil {
			return nil, errors.Wrapf(err, "fasta: seeking to sequence %s", ent.name)
		}
		seq := make([]byte, ent.length)
		var basesRead uint64
		for basesRead < ent.length {
			lineBases := ent.lineBase
			if basesRead+lineBases > ent.length {
				lineBases = ent.length - basesRead
			}
			n, err := io.ReadFull(bufR, seq[basesRead:basesRead+lineBases])
			fileOffset += uint64(n)
			if err != nil {
				return nil, errors.Wrapf(err, "fasta: reading sequence %s", ent.name)
			}
			basesRead += lineBases
			// Skip line terminator(s) unless at the end of the sequence.
			if basesRead < ent.length {
				n, err := bufR.Discard(int(ent.lineWidth - ent.lineBase))
				fileOffset += uint64(n)
				if err != nil {
					return nil, errors.Wrapf(err, "fasta: bad line terminator in %s", ent.name)
				}
			}
		}
		cleanSeqInplace(seq)
		f.seqs[ent.name] = seq
		f.seqNames = append(f.seqNames, ent.name)
	}
	return f, nil
}

// NewFromPath loads the FASTA file at the given path, using the index
// expected at path + ".fai".
func NewFromPath(ctx context.Context, path string) (fa Fasta, err error) {
	fastaIn, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, fastaIn, &err)
	indexIn, err := file.Open(ctx, path+".fai")
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, indexIn, &err)
	return New(fastaIn.Reader(ctx), indexIn.Reader(ctx))
}

func cleanSeqInplace(seq []byte) {
	for i, b := range seq {
		seq[i] = cleanTable[b]
	}
}

// Len implements Fasta.Len().
func (f *fasta) Len(seqName string) (uint64, error) {
	s, ok := f.seqs[seqName]
	if !ok {
		return 0, errors.Errorf("sequence not found in index: %s", seqName)
	}
	return uint64(len(s)), nil
}

// Seq implements Fasta.Seq().
func (f *fasta) Seq(seqName string) ([]byte, error) {
	s, ok := f.seqs[seqName]
	if !ok {
		return nil, errors.Errorf("sequence not found in index: %s", seqName)
	}
	return s, nil
}

// SeqNames implements Fasta.SeqNames().
func (f *fasta) SeqNames() []string {
	return f.seqNames
}
