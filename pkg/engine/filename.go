package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

// Tables live in per-level directories under the database directory:
//   <dbname>/sst_<level>/<number>.sst

// LevelDirName returns the directory holding tables of one level
func LevelDirName(dbname string, level int) string {
	return filepath.Join(dbname, fmt.Sprintf("sst_%d", level))
}

// TableFileName assembles the path of table number at level
func TableFileName(dbname string, number uint64, level int) string {
	return filepath.Join(LevelDirName(dbname, level), fmt.Sprintf("%06d.sst", number))
}

// EnsureLevelDir creates the level directory if needed
func EnsureLevelDir(dbname string, level int) error {
	if err := os.MkdirAll(LevelDirName(dbname, level), 0755); err != nil {
		return fmt.Errorf("create level directory: %w", err)
	}
	return nil
}
