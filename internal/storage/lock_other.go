//go:build !unix

package storage

import (
	"errors"
	"os"
	"sync"
)

// Without flock the guard only covers handles inside this process.
var (
	fileLocksMu sync.Mutex
	fileLocks   = map[string]bool{}
)

var errLocked = errors.New("lock held")

func tryLockFile(f *os.File) error {
	fileLocksMu.Lock()
	defer fileLocksMu.Unlock()
	if fileLocks[f.Name()] {
		return errLocked
	}
	fileLocks[f.Name()] = true
	return nil
}

func unlockFile(f *os.File) error {
	fileLocksMu.Lock()
	delete(fileLocks, f.Name())
	fileLocksMu.Unlock()
	return nil
}
