package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/canopydb/canopy/pkg/engine"
	"github.com/canopydb/canopy/pkg/logging"
	"github.com/canopydb/canopy/pkg/perfcount"
	"github.com/canopydb/canopy/pkg/sstable"
)

func main() {
	numKeys := flag.Int("keys", 1_000_000, "number of records to build")
	valueSize := flag.Int("value-size", 100, "value size in bytes")
	workers := flag.Int("workers", 2, "compression worker count")
	ring := flag.Int("ring", 4, "block slot ring size")
	blockSize := flag.Int("block-size", 4096, "data block size")
	optionsFile := flag.String("options", "", "YAML options file (overrides flags)")
	keep := flag.Bool("keep", false, "keep the output directory")
	flag.Parse()

	dir, err := os.MkdirTemp("", "benchmark-build")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	if !*keep {
		defer os.RemoveAll(dir)
	}

	opts := sstable.DefaultOptions()
	if *optionsFile != "" {
		opts, err = sstable.LoadOptions(*optionsFile)
		if err != nil {
			log.Fatalf("load options: %v", err)
		}
	} else {
		opts.WorkerCount = *workers
		opts.RingSize = *ring
		opts.BlockSize = *blockSize
	}
	opts.FilterPolicy = sstable.NewBloomFilterPolicy(10)
	opts.Logger = logging.NewLogger(os.Stderr, logging.WarnLevel)

	userCmp := sstable.NewBytewiseComparator()

	// Synthetic sorted input: fixed-width ascending keys, repeating values
	records := make([]engine.Record, *numKeys)
	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}
	for i := range records {
		userKey := fmt.Appendf(nil, "key%012d", i)
		records[i] = engine.Record{
			Key:   engine.MakeInternalKey(userKey, engine.SequenceNumber(i+1), engine.KindValue),
			Value: value,
		}
	}

	meta := &engine.FileMetaData{Number: 1, Level: 0}
	cache := &engine.DirTableCache{DBName: dir, Options: readOptions(opts)}

	start := time.Now()
	err = engine.BuildTable(dir, opts, userCmp, cache,
		engine.NewVectorIterator(records), meta, 0, false)
	elapsed := time.Since(start)
	if err != nil {
		log.Fatalf("build: %v", err)
	}

	mb := float64(meta.FileSize) / (1024 * 1024)
	fmt.Printf("built %d entries, %.2f MB in %s (%.2f MB/s)\n",
		meta.NumEntries, mb, elapsed, mb/elapsed.Seconds())

	snap := perfcount.Default().Snapshot()
	fmt.Println("perf counters:")
	for i, v := range snap {
		if v != 0 {
			fmt.Printf("  %-22s %d\n", perfcount.CounterName(i), v)
		}
	}
	if *keep {
		fmt.Printf("output: %s\n", engine.TableFileName(dir, meta.Number, meta.Level))
	}
}

// readOptions derives the verification-side options from the build options
func readOptions(opts sstable.Options) sstable.Options {
	ro := opts
	ro.VerifyChecksums = true
	ro.Comparator = engine.NewInternalKeyComparator(sstable.NewBytewiseComparator())
	if opts.FilterPolicy != nil {
		ro.FilterPolicy = engine.NewInternalFilterPolicy(opts.FilterPolicy)
	}
	return ro
}
