package bamprovider_test

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	gbam "github.com/aakrosh/rdcleanr/encoding/bam"
	"github.com/aakrosh/rdcleanr/encoding/bamprovider"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	status := m.Run()
	shutdown()
	os.Exit(status)
}

var (
	testRef1, _   = sam.NewReference("chr1", "", "", 2000, nil, nil)
	testRef2, _   = sam.NewReference("chr2", "", "", 1000, nil, nil)
	testHeader, _ = sam.NewHeader(nil, []*sam.Reference{testRef1, testRef2})
)

func newTestRecord(name string, ref *sam.Reference, pos int, flags sam.Flags) *sam.Record {
	return &sam.Record{
		Name:    name,
		Ref:     ref,
		Pos:     pos,
		MapQ:    60,
		Cigar:   []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 4)},
		Flags:   flags,
		MateRef: nil,
		MatePos: -1,
		Seq:     sam.NewSeq([]byte("ACGT")),
		Qual:    []byte{40, 40, 40, 40},
	}
}

// testRecords returns position-sorted records on two references, ending with
// two unmapped records.
func testRecords() []*sam.Record {
	return []*sam.Record{
		newTestRecord("r1", testRef1, 0, 0),
		newTestRecord("r2", testRef1, 2, 0),
		newTestRecord("r3", testRef1, 2, 0),
		newTestRecord("r4", testRef1, 500, 0),
		newTestRecord("r5", testRef1, 501, 0),
		newTestRecord("r6", testRef1, 999, 0),
		newTestRecord("r7", testRef1, 1200, 0),
		newTestRecord("r8", testRef1, 1999, 0),
		newTestRecord("s1", testRef2, 0, 0),
		newTestRecord("s2", testRef2, 250, 0),
		newTestRecord("s3", testRef2, 500, 0),
		newTestRecord("s4", testRef2, 750, 0),
		newTestRecord("s5", testRef2, 900, 0),
		newTestRecord("u1", nil, -1, sam.Unmapped),
		newTestRecord("u2", nil, -1, sam.Unmapped),
	}
}

// writeTestBAM writes the records as a .bam file plus the matching .gbai
// index, and returns their paths.
func writeTestBAM(t *testing.T, tmpDir string, recs []*sam.Record) (string, string) {
	ctx := vcontext.Background()
	bamPath := filepath.Join(tmpDir, "test.bam")
	gbaiPath := filepath.Join(tmpDir, "test.bam.gbai")

	out, err := file.Create(ctx, bamPath)
	require.NoError(t, err)
	bamWriter, err := bam.NewWriter(out.Writer(ctx), testHeader, 1)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, bamWriter.Write(r))
	}
	require.NoError(t, bamWriter.Close())
	require.NoError(t, out.Close(ctx))

	inBam, err := file.Open(ctx, bamPath)
	require.NoError(t, err)
	gbai, err := file.Create(ctx, gbaiPath)
	require.NoError(t, err)
	require.NoError(t, gbam.WriteGIndex(gbai.Writer(ctx), inBam.Reader(ctx), 1024, 1))
	require.NoError(t, gbai.Close(ctx))
	require.NoError(t, inBam.Close(ctx))
	return bamPath, gbaiPath
}

func doRead(t *testing.T, path, index string) []string {
	p := bamprovider.NewProvider(path, bamprovider.ProviderOpts{Index: index})
	header, err := p.GetHeader()
	require.NoError(t, err)
	shards, err := gbam.GetPositionBasedShards(header, 500, 0)
	require.NoError(t, err)

	var names []string
	// Repeat the test to test iterator-reuse code path.
	for i := 0; i < 3; i++ {
		names = []string{}
		for _, shard := range shards {
			iter := p.NewIterator(shard)
			for iter.Scan() {
				names = append(names, iter.Record().Name)
			}
			require.NoError(t, iter.Err())
			require.NoError(t, iter.Close())
		}
		require.NoError(t, p.Close())
	}
	return names
}

func TestBAMWithGIndex(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	bamPath, gbaiPath := writeTestBAM(t, tmpDir, testRecords())

	// The unmapped tail must never be yielded.
	require.Equal(t,
		[]string{"r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8", "s1", "s2", "s3", "s4", "s5"},
		doRead(t, bamPath, gbaiPath))
}

func TestRefIterator(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	bamPath, gbaiPath := writeTestBAM(t, tmpDir, testRecords())

	p := bamprovider.NewProvider(bamPath, bamprovider.ProviderOpts{Index: gbaiPath})
	iter := bamprovider.NewRefIterator(p, "chr2", 250, 900)
	var names []string
	for iter.Scan() {
		names = append(names, iter.Record().Name)
	}
	require.NoError(t, iter.Close())
	require.Equal(t, []string{"s2", "s3", "s4"}, names)

	iter = bamprovider.NewRefIterator(p, "chrX", 0, 100)
	require.False(t, iter.Scan())
	require.Regexp(t, "not found", iter.Close())
	require.NoError(t, p.Close())
}

func TestIteratorErrors(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	bamPath, gbaiPath := writeTestBAM(t, tmpDir, testRecords())

	p := bamprovider.NewProvider(bamPath, bamprovider.ProviderOpts{Index: gbaiPath})
	iter := p.NewIterator(gbam.Shard{StartRef: testRef1, EndRef: testRef1, Start: 10, End: 10})
	require.False(t, iter.Scan())
	require.Regexp(t, "not before limit", iter.Close())

	iter = p.NewIterator(gbam.Shard{StartRef: testRef1, EndRef: testRef2, Start: 0, End: 100})
	require.False(t, iter.Scan())
	require.Regexp(t, "must be the same", iter.Close())
	// The provider latches the first error it saw.
	require.Regexp(t, "not before limit", p.Close())
}

func TestNonexistentFile(t *testing.T) {
	p := bamprovider.NewProvider("nonexistent.bam")
	iter := p.NewIterator(gbam.Shard{StartRef: testRef1, EndRef: testRef1, Start: 0, End: 1})
	require.False(t, iter.Scan())
	require.Error(t, iter.Close())
	require.Error(t, p.Close())
}

// Test reading random ranges against a brute-force scan of the records.
func testRandom(t *testing.T, randomSeed int64) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	recs := testRecords()
	bamPath, gbaiPath := writeTestBAM(t, tmpDir, recs)

	p := bamprovider.NewProvider(bamPath, bamprovider.ProviderOpts{Index: gbaiPath})
	header, err := p.GetHeader()
	require.NoError(t, err)

	key := func(name string, refID, pos int) string {
		return fmt.Sprintf("%s:%d:%d", name, refID, pos)
	}
	r := rand.New(rand.NewSource(randomSeed))
	for i := 0; i < 20; i++ {
		ref := header.Refs()[r.Intn(len(header.Refs()))]
		start, limit := r.Intn(ref.Len()), r.Intn(ref.Len())
		if start == limit {
			continue
		}
		if limit < start {
			start, limit = limit, start
		}

		var expected []string
		for _, rec := range recs {
			if rec.Ref.ID() == ref.ID() && rec.Pos >= start && rec.Pos < limit {
				expected = append(expected, key(rec.Name, rec.Ref.ID(), rec.Pos))
			}
		}

		var got []string
		iter := p.NewIterator(gbam.Shard{StartRef: ref, EndRef: ref, Start: start, End: limit})
		for iter.Scan() {
			rec := iter.Record()
			got = append(got, key(rec.Name, rec.Ref.ID(), rec.Pos))
		}
		require.NoError(t, iter.Close())
		require.Equal(t, expected, got, "range %s:[%d,%d)", ref.Name(), start, limit)
	}
	require.NoError(t, p.Close())
}

func TestRandom0(t *testing.T) { testRandom(t, 0) }
func TestRandom1(t *testing.T) { testRandom(t, 1) }
func TestRandom2(t *testing.T) { testRandom(t, 2) }

func TestFakeProvider(t *testing.T) {
	p := bamprovider.NewFakeProvider(testHeader, testRecords())
	header, err := p.GetHeader()
	require.NoError(t, err)
	require.Equal(t, 2, len(header.Refs()))

	iter := p.NewIterator(gbam.Shard{StartRef: testRef1, EndRef: testRef1, Start: 2, End: 501, Padding: 1})
	var names []string
	for iter.Scan() {
		names = append(names, iter.Record().Name)
	}
	require.NoError(t, iter.Close())
	// Padding extends the range to [1, 502).
	require.Equal(t, []string{"r2", "r3", "r4", "r5"}, names)
	require.NoError(t, p.Close())
}
