// Package storage is the atomic persistence layer for ledgers, Merkle
// snapshots and anchor receipts.
//
// Every backend guarantees that a reader never observes a partially written
// object: a Save either replaces the object at key completely or leaves the
// previously committed object untouched. Values are written in canonical form
// and decoded with exact numbers, so anything hashed before a Save hashes
// identically after a Load.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmerrifield20/custodyledger/internal/canonical"
)

// Store is the persistence contract used by the ledger and the custody
// service. Implementations must be safe for concurrent use.
type Store interface {
	// Save canonically encodes value and atomically replaces the object at key.
	Save(ctx context.Context, key string, value any) error

	// Load decodes the last committed object at key into dst.
	// Returns an error wrapping ErrNotFound when key has never been saved.
	Load(ctx context.Context, key string, dst any) error

	// Exists reports whether an object is committed at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Lock takes an exclusive lock on key that is honoured by every process
	// sharing the backend, blocking until it is granted or ctx is done.
	// It guards read-check-write sequences; Save and Load do not take it.
	Lock(ctx context.Context, key string) (Unlock, error)

	// Close releases the underlying handle.
	Close() error
}

// Unlock releases a lock taken with Store.Lock.
type Unlock func() error

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrPersistence = errors.New("storage: persistence failure")
	ErrInvalidKey  = errors.New("storage: invalid key")
)

// PersistenceError wraps an I/O failure with the operation and key involved.
// It matches both ErrPersistence and the underlying cause under errors.Is.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// ValidateKey checks that key is a non-empty sequence of '/'-separated
// segments made of ASCII letters, digits, '.', '_' and '-'. Segments may not
// be "." or ".." and may not start with '.', which keeps keys from escaping a
// file store root or colliding with temporary files.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg[0] == '.' {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		for i := 0; i < len(seg); i++ {
			c := seg[i]
			ok := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
				c == '.' || c == '_' || c == '-'
			if !ok {
				return fmt.Errorf("%w: %q", ErrInvalidKey, key)
			}
		}
	}
	return nil
}

// encode returns the canonical bytes of value. Serialization failures are
// returned as-is (wrapping canonical.ErrSerialization) so callers can tell
// them apart from I/O failures.
func encode(value any) ([]byte, error) {
	return canonical.Marshal(value)
}

// decode parses data into dst keeping numbers as json.Number wherever dst
// holds an interface value.
func decode(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dst)
}

func notFound(key string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}
