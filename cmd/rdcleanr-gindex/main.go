package main

// See doc.go for documentation
import (
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/aakrosh/rdcleanr/encoding/bam"
	"github.com/grailbio/base/grail"
)

var (
	shardSize   = flag.Int("shard-size", 64*1024, "Approximate bytes per interval in index")
	parallelism = flag.Int("parallelism", 0, "Number of decompression threads; 0 = runtime.NumCPU()")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if *parallelism <= 0 {
		*parallelism = runtime.NumCPU()
	}
	r := io.Reader(os.Stdin)
	w := io.Writer(os.Stdout)

	if err := bam.WriteGIndex(w, r, *shardSize, *parallelism); err != nil {
		panic(err.Error())
	}
}
