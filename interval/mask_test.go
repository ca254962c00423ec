package interval

import (
	"io/ioutil"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
)

func bits(n int, runs ...Run) []bool {
	b := make([]bool, n)
	for _, r := range runs {
		for i := r.Start; i < r.End; i++ {
			b[i] = true
		}
	}
	return b
}

func TestNewMask(t *testing.T) {
	// Unsorted input with overlapping and duplicate intervals, an interval
	// past the contig end, and a line on an unknown contig.
	input := "chr2\t5\t10\n" +
		"chr1\t20\t30\n" +
		"chr1\t25\t35\n" +
		"chr1\t0\t8\n" +
		"chrUn\t0\t100\n" +
		"chr1\t20\t30\n" +
		"chr2\t38\t90\n"
	opts := MaskOpts{
		SeqLens: map[string]int{"chr1": 50, "chr2": 40, "chr3": 10},
		MinSpan: 10,
	}
	m, err := NewMask(strings.NewReader(input), opts)
	expect.NoError(t, err)

	want := map[string][]bool{
		"chr1": bits(50, Run{0, 8}, Run{20, 35}),
		"chr2": bits(40, Run{5, 10}, Run{38, 40}),
		"chr3": bits(10),
	}
	for chrom, wantBits := range want {
		if got := m.Mappable(chrom); !reflect.DeepEqual(got, wantBits) {
			t.Errorf("Mappable(%s): got %v, want %v", chrom, got, wantBits)
		}
	}
	if m.Mappable("chrUn") != nil {
		t.Errorf("unknown contig should have no mask")
	}
	expect.EQ(t, m.TotalBases, 8+15+5+2)
	expect.EQ(t, m.Contigs(), []string{"chr1", "chr2", "chr3"})

	// Only the merged [20,35) run exceeds MinSpan=10.
	expect.EQ(t, m.LongRuns("chr1"), []Run{{20, 35}})
	if m.LongRuns("chr2") != nil {
		t.Errorf("no chr2 run is longer than MinSpan: %v", m.LongRuns("chr2"))
	}
}

func TestNewMaskChromRestriction(t *testing.T) {
	input := "chr1\t0\t10\nchr2\t0\t10\n"
	m, err := NewMask(strings.NewReader(input), MaskOpts{
		SeqLens: map[string]int{"chr1": 20, "chr2": 20},
		Chroms:  map[string]bool{"chr2": true},
	})
	expect.NoError(t, err)
	if m.Mappable("chr1") != nil {
		t.Errorf("chr1 should be excluded by the restriction")
	}
	expect.EQ(t, m.Mappable("chr2"), bits(20, Run{0, 10}))
	expect.EQ(t, m.Contigs(), []string{"chr2"})
}

func TestNewMaskErrors(t *testing.T) {
	opts := MaskOpts{SeqLens: map[string]int{"chr1": 100}}
	tests := []struct {
		input string
		want  string
	}{
		{"chr1\t5\n", "fewer tokens"},
		{"chr1\tx\t10\n", "line 1"},
		{"chr1\t5\ty\n", "line 1"},
		{"chr1\t-3\t10\n", "negative start"},
		{"chr1\t10\t5\n", "invalid coordinate pair"},
	}
	for _, tt := range tests {
		_, err := NewMask(strings.NewReader(tt.input), opts)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("input %q: want error containing %q, got %v", tt.input, tt.want, err)
		}
	}
}

func TestNewMaskFromPathGzip(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)

	input := "chr1\t3\t9\nchr1\t40\t70\n"
	opts := MaskOpts{SeqLens: map[string]int{"chr1": 80}, MinSpan: 20}
	ctx := vcontext.Background()

	plainPath := filepath.Join(tmpDir, "map.txt")
	expect.NoError(t, ioutil.WriteFile(plainPath, []byte(input), 0644))

	gzPath := filepath.Join(tmpDir, "map.txt.gz")
	var buf strings.Builder
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(input))
	expect.NoError(t, err)
	expect.NoError(t, zw.Close())
	expect.NoError(t, ioutil.WriteFile(gzPath, []byte(buf.String()), 0644))

	plain, err := NewMaskFromPath(ctx, plainPath, opts)
	expect.NoError(t, err)
	zipped, err := NewMaskFromPath(ctx, gzPath, opts)
	expect.NoError(t, err)
	if !reflect.DeepEqual(plain, zipped) {
		t.Errorf("gzip and plain input should load identically")
	}
	expect.EQ(t, plain.LongRuns("chr1"), []Run{{40, 70}})
}
