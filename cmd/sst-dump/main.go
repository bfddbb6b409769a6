package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/canopydb/canopy/pkg/engine"
	"github.com/canopydb/canopy/pkg/sstable"
)

func main() {
	verify := flag.Bool("verify", true, "verify block checksums while reading")
	dumpKeys := flag.Bool("keys", false, "print every key in the table")
	bloom := flag.Bool("bloom", false, "table was written with the builtin bloom filter")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: sst-dump [flags] <table-file>\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	opts := sstable.DefaultOptions()
	opts.VerifyChecksums = *verify
	opts.Comparator = engine.NewInternalKeyComparator(sstable.NewBytewiseComparator())
	if *bloom {
		opts.FilterPolicy = engine.NewInternalFilterPolicy(sstable.NewBloomFilterPolicy(10))
	}

	table, err := sstable.OpenTable(path, opts)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	defer table.Close()

	fmt.Printf("table: %s\n", path)
	fmt.Printf("size:  %d bytes\n", table.Size())

	if counters := table.Counters(); counters != nil {
		names := []struct {
			idx  int
			name string
		}{
			{sstable.SstCountKeys, "keys"},
			{sstable.SstCountBlocks, "blocks"},
			{sstable.SstCountCompressAborted, "compress_aborted"},
			{sstable.SstCountKeySize, "key_bytes"},
			{sstable.SstCountValueSize, "value_bytes"},
			{sstable.SstCountBlockSize, "block_bytes_raw"},
			{sstable.SstCountBlockWriteSize, "block_bytes_written"},
			{sstable.SstCountIndexKeys, "index_keys"},
		}
		fmt.Println("counters:")
		for _, n := range names {
			fmt.Printf("  %-20s %d\n", n.name, counters.Value(n.idx))
		}
	}

	entries := 0
	it := table.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		entries++
		if *dumpKeys {
			if parsed, ok := engine.ParseInternalKey(it.Key()); ok {
				kind := "del"
				if parsed.Kind == engine.KindValue {
					kind = "val"
				}
				fmt.Printf("  %q @ %d %s (%d bytes)\n",
					parsed.UserKey, parsed.Sequence, kind, len(it.Value()))
			} else {
				fmt.Printf("  %q (raw, %d bytes)\n", it.Key(), len(it.Value()))
			}
		}
	}
	if err := it.Status(); err != nil {
		log.Fatalf("iterate %s: %v", path, err)
	}
	fmt.Printf("entries: %d\n", entries)
}
