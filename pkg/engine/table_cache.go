package engine

import (
	"io"

	"github.com/canopydb/canopy/pkg/sstable"
)

// TableCache hands out iterators over existing tables. BuildTable uses
// it to verify a freshly written file; the engine's cache implementation
// also serves the read path, which is outside this package's scope.
type TableCache interface {
	// NewIterator opens table number at level and returns an iterator
	// plus a closer releasing the underlying table handle
	NewIterator(number uint64, fileSize uint64, level int) (sstable.Iterator, io.Closer, error)
}

// DirTableCache is a cache-less TableCache that opens table files
// directly from the database directory. Suitable for tools and tests.
type DirTableCache struct {
	DBName  string
	Options sstable.Options
}

// NewIterator implements TableCache
func (c *DirTableCache) NewIterator(number uint64, fileSize uint64, level int) (sstable.Iterator, io.Closer, error) {
	t, err := sstable.OpenTable(TableFileName(c.DBName, number, level), c.Options)
	if err != nil {
		return nil, nil, err
	}
	return t.NewIterator(), t, nil
}
