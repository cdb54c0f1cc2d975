package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shinyes/geo_crdt/pkg/logging"
)

// Backend 标识持久化引擎。
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBadger Backend = "badger"
	BackendPebble Backend = "pebble"
)

// Valid reports whether b names a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendMemory, BackendBadger, BackendPebble:
		return true
	default:
		return false
	}
}

// OpenKV 在 dir/<backend> 下打开一个 KV 存储，目录不存在时自动创建。
// logger 为 nil 时丢弃引擎自身的日志。
func OpenKV(backend Backend, dir string, logger logging.Logger) (Store, error) {
	path := filepath.Join(dir, string(backend))
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	switch backend {
	case BackendBadger:
		if logger == nil {
			return NewBadgerStore(path)
		}
		return NewBadgerStore(path, WithBadgerLogger(logger))
	case BackendPebble:
		return NewPebbleStore(path)
	default:
		return nil, fmt.Errorf("store: backend %q has no key-value form", backend)
	}
}

// Open returns the GeometricStore for backend. The memory backend ignores dir.
func Open(backend Backend, dir string, opts ...Option) (GeometricStore, error) {
	if backend == BackendMemory {
		return NewMemoryStore(opts...), nil
	}
	kv, err := OpenKV(backend, dir, buildConfig(opts).Logger)
	if err != nil {
		return nil, err
	}
	ds, err := NewDurableStore(kv, opts...)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return ds, nil
}
