package bamprovider

import (
	"fmt"
	"io"
	"strings"
	"sync"

	gbam "github.com/aakrosh/rdcleanr/encoding/bam"
	"github.com/grailbio/base/errorreporter"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/bgzf/index"
	"github.com/grailbio/hts/sam"
	"v.io/x/lib/vlog"
)

// BAMProvider implements Provider for BAM files.  Both BAM and the index
// filenames are allowed to be S3 URLs, in which case the data will be read
// from S3. Otherwise the data will be read from the local filesystem.
type BAMProvider struct {
	// Path of the *.bam file. Must be nonempty.
	Path string
	// Index is the pathname of the index file, either *.bam.bai or
	// *.bam.gbai. If "", Path + ".bai".
	Index string
	err   errorreporter.T

	mu        sync.Mutex
	nActive   int
	freeIters []*bamIterator
	header    *sam.Header
}

type bamIterator struct {
	provider *BAMProvider
	in       file.File
	reader   *bam.Reader
	// Exactly one of index, gindex is non-nil, depending on the index file
	// suffix.
	index  *bam.Index
	gindex *gbam.GIndex
	// Half-open position range to read, on a single reference.
	refID              int
	startPos, limitPos int

	active bool
	err    error
	next   *sam.Record
}

func (b *BAMProvider) indexPath() string {
	index := b.Index
	if index == "" {
		index = b.Path + ".bai"
	}
	return index
}

// GetHeader implements the Provider interface.
func (b *BAMProvider) GetHeader() (*sam.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.header != nil {
		return b.header, nil
	}

	ctx := vcontext.Background()
	reader, err := file.Open(ctx, b.Path)
	if err != nil {
		b.err.Set(err)
		return nil, err
	}
	defer reader.Close(ctx)
	bamReader, err := bam.NewReader(reader.Reader(ctx), 1)
	if err != nil {
		b.err.Set(err)
		return nil, err
	}
	defer bamReader.Close()
	b.header = bamReader.Header()
	return b.header, nil
}

// Close implements the Provider interface.
func (b *BAMProvider) Close() error {
	if b.nActive > 0 {
		vlog.Fatalf("%d iterators still active for %+v", b.nActive, b)
	}
	for _, iter := range b.freeIters {
		iter.internalClose()
	}
	b.freeIters = nil
	return b.err.Err()
}

func (b *BAMProvider) freeIterator(i *bamIterator) {
	if !i.active {
		vlog.Fatal(i)
	}
	i.active = false
	if i.Err() != nil {
		// The iter may be invalid. Don't reuse it.
		i.internalClose() // Will set b.err
		i = nil
	}
	b.mu.Lock()
	if i != nil {
		b.freeIters = append(b.freeIters, i)
	}
	b.nActive--
	if b.nActive < 0 {
		vlog.Fatalf("Negative active count for %+v", b)
	}
	b.mu.Unlock()
}

// Return an unused iterator. If b.freeIters is nonempty, this function returns
// one from freeIters. Else, it opens the BAM file, creates a BAM reader and
// returns an iterator containing them. On error, returns an iterator with
// non-nil err field.
func (b *BAMProvider) allocateIterator() *bamIterator {
	b.mu.Lock()
	b.nActive++
	if len(b.freeIters) > 0 {
		iter := b.freeIters[len(b.freeIters)-1]
		iter.active = true
		iter.err = nil
		iter.next = nil
		b.freeIters = b.freeIters[:len(b.freeIters)-1]
		b.mu.Unlock()
		return iter
	}
	b.mu.Unlock()

	iter := bamIterator{
		provider: b,
		active:   true,
	}
	ctx := vcontext.Background()
	if iter.in, iter.err = file.Open(ctx, b.Path); iter.err != nil {
		return &iter
	}

	var indexIn file.File
	if indexIn, iter.err = file.Open(ctx, b.indexPath()); iter.err != nil {
		return &iter
	}
	defer indexIn.Close(ctx)
	if strings.HasSuffix(b.indexPath(), ".gbai") {
		if iter.gindex, iter.err = gbam.ReadGIndex(indexIn.Reader(ctx)); iter.err != nil {
			return &iter
		}
	} else {
		if iter.index, iter.err = bam.ReadIndex(indexIn.Reader(ctx)); iter.err != nil {
			return &iter
		}
	}
	if iter.reader, iter.err = bam.NewReader(iter.in.Reader(ctx), 1); iter.err != nil {
		return &iter
	}
	return &iter
}

// NewIterator implements the Provider interface.
func (b *BAMProvider) NewIterator(shard gbam.Shard) Iterator {
	iter := b.allocateIterator()
	if iter.err != nil {
		return iter
	}
	if shard.StartRef == nil || shard.EndRef == nil {
		iter.err = fmt.Errorf("shard references must be non-nil: %+v", shard)
		return iter
	}
	if shard.StartRef.ID() != shard.EndRef.ID() {
		iter.err = fmt.Errorf("start and limit ref ID must be the same, but got %v, %v",
			shard.StartRef, shard.EndRef)
		return iter
	}
	iter.reset(shard.StartRef, shard.PaddedStart(), shard.PaddedEnd())
	return iter
}

// Reset the iterator to read the range [<ref,startPos>, <ref,limitPos>).
func (i *bamIterator) reset(ref *sam.Reference, startPos, limitPos int) {
	i.refID = ref.ID()
	i.startPos = startPos
	i.limitPos = limitPos
	if startPos >= limitPos {
		i.err = fmt.Errorf("start position (%d) not before limit position (%d) on %s",
			startPos, limitPos, ref.Name())
		return
	}

	// Find the file offset at which <ref,startPos> is located, then start
	// reading there.
	var offset bgzf.Offset
	if i.gindex != nil {
		if len(*i.gindex) == 0 {
			// An empty index means an empty bam.
			i.err = io.EOF
			return
		}
		offset = i.gindex.RecordOffset(int32(ref.ID()), int32(startPos), 0)
	} else {
		found, off, err := i.findRecordOffset(ref, startPos, limitPos)
		if err != nil {
			i.err = err
			return
		}
		if !found {
			// No record in range. There's nothing to read.
			i.err = io.EOF
			return
		}
		offset = off
	}
	i.err = i.reader.Seek(offset)
}

// Err implements the Iterator interface.
func (i *bamIterator) Err() error {
	if i.err == io.EOF {
		return nil
	}
	return i.err
}

// Close implements the Iterator interface.
func (i *bamIterator) Close() error {
	err := i.Err()
	i.provider.freeIterator(i)
	return err
}

// Find the file offset at which the first record at coordinate <ref,pos> is
// stored using the .bai index. This function is conservative; it may return an
// offset that's smaller than absolutely necessary.
func (i *bamIterator) findRecordOffset(ref *sam.Reference, startPos, endPos int) (bool, bgzf.Offset, error) {
	chunks, err := i.index.Chunks(ref, startPos, endPos)
	if err == index.ErrInvalid || len(chunks) == 0 {
		// No reads for this interval: return an empty iterator.
		return false, bgzf.Offset{}, nil
	}
	if err != nil {
		return false, bgzf.Offset{}, err
	}
	return true, chunks[0].Begin, nil
}

func (i *bamIterator) Scan() bool {
	if !i.active {
		vlog.Fatal("Reusing iterator")
	}
	if i.err != nil {
		return false
	}
	for {
		i.next, i.err = i.reader.Read()
		if i.err != nil {
			return false
		}
		recRef := i.next.Ref.ID()
		if recRef < 0 || recRef > i.refID {
			// Past the last record of the shard's reference. Records for the
			// unmapped pseudo reference sort after every mapped record.
			i.err = io.EOF
			return false
		}
		if recRef < i.refID || i.next.Pos < i.startPos {
			// The index may point slightly before the start of the range.
			continue
		}
		if i.next.Pos >= i.limitPos {
			i.err = io.EOF
			return false
		}
		return true
	}
}

func (i *bamIterator) Record() *sam.Record {
	return i.next
}

func (i *bamIterator) internalClose() {
	if i.reader != nil {
		if err := i.reader.Close(); err != nil && i.err == nil {
			i.err = err
		}
		i.reader = nil
	}
	if i.in != nil {
		if err := i.in.Close(vcontext.Background()); err != nil && i.err == nil {
			i.err = err
		}
		i.in = nil
	}
	i.provider.err.Set(i.Err())
}
