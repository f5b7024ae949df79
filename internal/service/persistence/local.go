// Package persistence is the studio's persistence gateway: named JSON
// entries in the local kv store, the backup document that bundles them,
// and the WebDAV client that moves that document to and from the cloud.
package persistence

import (
	"context"
	"errors"

	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/pkg/kv"
)

const entryPrefix = "studio"

// Local keeps each store entry under studio/<name>.
type Local struct {
	kv kv.Store
}

// NewLocal wraps a kv store.
func NewLocal(store kv.Store) *Local {
	return &Local{kv: store}
}

func entryKey(name string) kv.Key { return kv.Key{entryPrefix, name} }

// LoadEntry reports found=false for a missing entry.
func (l *Local) LoadEntry(ctx context.Context, name string) ([]byte, bool, error) {
	data, err := l.kv.Get(ctx, entryKey(name))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Storage("load "+name, err)
	}
	return data, true, nil
}

func (l *Local) SaveEntry(ctx context.Context, name string, data []byte) error {
	if err := l.kv.Set(ctx, entryKey(name), data); err != nil {
		return apperr.Storage("save "+name, err)
	}
	return nil
}
