// Package kv is the small durable key-value layer used by the studio backend.
// Keys are slash-joined path segments, e.g. Key{"audio", "s1", "m1"} is
// stored as "audio/s1/m1". A BadgerDB implementation backs real deployments
// and an in-memory one backs tests and ephemeral runs.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: not found")

const separator = "/"

// Key is a hierarchical path. Segments must not contain "/".
type Key []string

func (k Key) String() string {
	return strings.Join(k, separator)
}

func (k Key) encode() []byte {
	return []byte(k.String())
}

// prefixBytes returns the encoded prefix with a trailing separator so that
// "audio/s1" does not match "audio/s10". An empty prefix matches everything.
func (k Key) prefixBytes() []byte {
	if len(k) == 0 {
		return nil
	}
	return []byte(k.String() + separator)
}

func decodeKey(b []byte) Key {
	return Key(strings.Split(string(b), separator))
}

// Entry is one key/value pair yielded by List.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the key-value interface shared by all implementations.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte) error
	// Delete is idempotent.
	Delete(ctx context.Context, key Key) error
	// List yields entries under prefix in lexicographic key order.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]
	BatchDelete(ctx context.Context, keys []Key) error
	Close() error
}

// DeletePrefix removes every key under prefix.
func DeletePrefix(ctx context.Context, s Store, prefix Key) (int, error) {
	var keys []Key
	for entry, err := range s.List(ctx, prefix) {
		if err != nil {
			return 0, err
		}
		keys = append(keys, entry.Key)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.BatchDelete(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}
