// Package kv is the small key-value layer under pushtalk's persistent state:
// the identity secret and the bounded event log. Keys are hierarchical
// paths (e.g. ["identity", "secret"]) joined with ':' on disk.
//
// Badger backs the store in production; Memory is for tests and for
// ephemeral sessions that must not touch disk.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: not found")

// Separator joins key segments in the encoded form.
const Separator byte = ':'

// Key is a hierarchical path. Segments must not contain Separator.
type Key []string

// String returns the encoded form of the key.
func (k Key) String() string {
	return strings.Join(k, string(Separator))
}

// Append returns a new key with the given segments added.
func (k Key) Append(segs ...string) Key {
	out := make(Key, 0, len(k)+len(segs))
	out = append(out, k...)
	return append(out, segs...)
}

// Entry is a key-value pair yielded by List.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is implemented by Badger and Memory.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores value at key. When the store was opened with synchronous
	// writes, Set returns only after the value is durable.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// List iterates entries under prefix in lexicographic key order.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchDelete removes keys atomically.
	BatchDelete(ctx context.Context, keys []Key) error

	// Close releases the store.
	Close() error
}

func encode(k Key) []byte {
	return []byte(k.String())
}

func decode(b []byte) Key {
	return Key(strings.Split(string(b), string(Separator)))
}

// prefixBytes returns the scan prefix for a key; an empty key scans all.
// The trailing separator keeps "a:b" from matching "a:bc".
func prefixBytes(prefix Key) []byte {
	if len(prefix) == 0 {
		return nil
	}
	return append(encode(prefix), Separator)
}
