package storage

import (
	"os"
)

// Block is the narrow view of non-volatile storage the store needs: a
// fixed-size region with positioned reads and writes. *os.File
// satisfies it directly.
type Block interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
}

// FileBlock opens (creating if absent) the file backing the settings
// record.
func FileBlock(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
}
