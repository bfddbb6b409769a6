package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/canopydb/canopy/pkg/logging"
	"github.com/canopydb/canopy/pkg/perfcount"
	"github.com/canopydb/canopy/pkg/sstable"
)

// FileMetaData describes a table file to the rest of the engine
type FileMetaData struct {
	Number     uint64
	Level      int
	FileSize   uint64
	NumEntries uint64
	Smallest   []byte // Internal key of the first retained record
	Largest    []byte // Internal key of the last retained record
}

// BuildTable consumes a sorted iterator of internal keys and constructs
// the table file for meta at its level. On success meta's size, entry
// count and key bounds are filled and the file has been verified by
// reading it back through cache. On failure or empty input the file is
// removed.
//
// Used when flushing the write buffer to level 0 and when compacting
// existing tables into a new one.
func BuildTable(
	dbname string,
	opts sstable.Options,
	userCmp sstable.Comparator,
	cache TableCache,
	iter sstable.Iterator,
	meta *FileMetaData,
	smallestSnapshot SequenceNumber,
	dropDeletes bool,
) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	log := opts.Logger.With(
		logging.Component("build"),
		logging.String("build_id", uuid.NewString()),
		logging.FileNumber(meta.Number),
		logging.TableLevel(meta.Level))

	meta.FileSize = 0
	iter.SeekToFirst()

	retire := NewKeyRetirement(userCmp, smallestSnapshot, dropDeletes)
	fname := TableFileName(dbname, meta.Number, meta.Level)

	if iter.Valid() {
		if err := buildTableFile(fname, opts, userCmp, iter, meta, retire, log); err != nil {
			_ = os.Remove(fname)
			return err
		}
	}

	// Input iterator errors surface even after a clean finish
	if err := iter.Status(); err != nil {
		_ = os.Remove(fname)
		return err
	}

	if meta.FileSize == 0 {
		// Every record retired, or empty input: nothing to keep
		_ = os.Remove(fname)
		return nil
	}

	// Verify that the table is usable before publishing it
	verifyIter, closer, err := cache.NewIterator(meta.Number, meta.FileSize, meta.Level)
	if err == nil {
		err = verifyIter.Status()
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		perfcount.Default().Inc(perfcount.TableVerifyFail)
		_ = os.Remove(fname)
		return fmt.Errorf("verify table %s: %w", fname, err)
	}

	perfcount.Default().Inc(perfcount.TableBuilt)
	log.Info("table built",
		logging.Entries(meta.NumEntries),
		logging.Bytes(meta.FileSize),
		logging.Uint64("dropped", retire.Dropped()))
	return nil
}

// buildTableFile drives the parallel builder over the retained records
func buildTableFile(
	fname string,
	opts sstable.Options,
	userCmp sstable.Comparator,
	iter sstable.Iterator,
	meta *FileMetaData,
	retire *KeyRetirement,
	log logging.Logger,
) error {
	if meta.Level == 0 {
		perfcount.Default().Inc(perfcount.BGCompactLevel0)
	} else {
		perfcount.Default().Inc(perfcount.BGCompactNormal)
	}

	// Tables store internal keys; wrap the comparator and filter policy
	buildOpts := opts
	buildOpts.Comparator = NewInternalKeyComparator(userCmp)
	if opts.FilterPolicy != nil {
		buildOpts.FilterPolicy = NewInternalFilterPolicy(opts.FilterPolicy)
	}

	if err := os.MkdirAll(filepath.Dir(fname), 0755); err != nil {
		return fmt.Errorf("create table directory: %w", err)
	}
	file, err := sstable.NewFileWriter(fname, opts.WriteBufferSize)
	if err != nil {
		return err
	}
	perfcount.Default().Inc(perfcount.RWFileOpen)

	builder, err := sstable.NewBuilder(buildOpts, file)
	if err != nil {
		_ = file.Close()
		return err
	}

	for ; iter.Valid(); iter.Next() {
		key := iter.Key()
		if retire.Retire(key) {
			continue
		}
		if meta.Smallest == nil {
			meta.Smallest = append([]byte(nil), key...)
		}
		meta.Largest = append(meta.Largest[:0], key...)
		if err := builder.Add(key, iter.Value()); err != nil {
			builder.Abandon()
			perfcount.Default().Inc(perfcount.TableAbandoned)
			_ = file.Close()
			return err
		}
	}

	if err := builder.Finish(); err != nil {
		perfcount.Default().Inc(perfcount.TableAbandoned)
		_ = file.Close()
		return err
	}
	meta.NumEntries = builder.NumEntries()
	if meta.NumEntries > 0 {
		// A table whose records were all retired keeps FileSize 0 so the
		// caller removes it like empty input
		meta.FileSize = builder.FileSize()
	}

	timer := logging.StartTimer(log, "table file synced")
	if err := file.Sync(); err != nil {
		timer.EndError(err)
		_ = file.Close()
		return err
	}
	timer.End()

	if err := file.Close(); err != nil {
		return err
	}
	perfcount.Default().Inc(perfcount.RWFileClose)
	return nil
}
