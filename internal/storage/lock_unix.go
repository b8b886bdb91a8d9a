//go:build unix

package storage

import (
	"errors"
	"os"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// tryLockFile takes a non-blocking exclusive flock. A held lock is returned
// as a retryable error; anything else is permanent.
func tryLockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
		return err
	default:
		return backoff.Permanent(err)
	}
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
