package store

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleStore is a Store over a Pebble LSM. Update runs against an indexed
// batch so reads observe the transaction's own writes.
type PebbleStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

type pebbleConfig struct {
	inMemory bool
	sync     bool
}

// PebbleOption customizes how Pebble is opened.
type PebbleOption func(*pebbleConfig)

// WithPebbleInMemory uses an in-memory filesystem; path only names it.
func WithPebbleInMemory() PebbleOption {
	return func(cfg *pebbleConfig) {
		cfg.inMemory = true
	}
}

// WithPebbleNoSync commits without fsync.
func WithPebbleNoSync() PebbleOption {
	return func(cfg *pebbleConfig) {
		cfg.sync = false
	}
}

func NewPebbleStore(path string, options ...PebbleOption) (*PebbleStore, error) {
	cfg := pebbleConfig{sync: true}
	for _, option := range options {
		if option != nil {
			option(&cfg)
		}
	}

	opts := &pebble.Options{}
	if cfg.inMemory {
		opts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %q: %w", path, err)
	}
	wo := pebble.Sync
	if !cfg.sync {
		wo = pebble.NoSync
	}
	return &PebbleStore{db: db, writeOpts: wo}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) View(fn func(Tx) error) error {
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return fn(&pebbleTx{reader: snap})
}

func (s *PebbleStore) Update(fn func(Tx) error) error {
	b := s.db.NewIndexedBatch()
	defer b.Close()
	if err := fn(&pebbleTx{reader: b, batch: b}); err != nil {
		return err
	}
	return b.Commit(s.writeOpts)
}

type pebbleTx struct {
	reader pebble.Reader
	batch  *pebble.Batch
}

func (tx *pebbleTx) Set(key, value []byte) error {
	if tx.batch == nil {
		return ErrReadOnly
	}
	return tx.batch.Set(key, value, nil)
}

func (tx *pebbleTx) Get(key []byte) ([]byte, error) {
	v, closer, err := tx.reader.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(v), nil
}

func (tx *pebbleTx) Delete(key []byte) error {
	if tx.batch == nil {
		return ErrReadOnly
	}
	return tx.batch.Delete(key, nil)
}

func (tx *pebbleTx) NewIterator(opts IteratorOptions) Iterator {
	io := &pebble.IterOptions{}
	if len(opts.Prefix) > 0 {
		io.LowerBound = opts.Prefix
		io.UpperBound = prefixEnd(opts.Prefix)
	}
	it, err := tx.reader.NewIter(io)
	return &pebbleIterator{it: it, err: err, reverse: opts.Reverse}
}

type pebbleIterator struct {
	it      *pebble.Iterator
	err     error
	reverse bool
}

func (i *pebbleIterator) Seek(key []byte) {
	if i.it == nil {
		return
	}
	if i.reverse {
		// last key <= key
		i.it.SeekLT(append(bytes.Clone(key), 0))
		return
	}
	i.it.SeekGE(key)
}

func (i *pebbleIterator) Rewind() {
	if i.it == nil {
		return
	}
	if i.reverse {
		i.it.Last()
		return
	}
	i.it.First()
}

// Valid stays true on a failed open so that Item reports the error.
func (i *pebbleIterator) Valid() bool {
	return i.err != nil || (i.it != nil && i.it.Valid())
}

func (i *pebbleIterator) Next() {
	if i.it == nil {
		return
	}
	if i.reverse {
		i.it.Prev()
		return
	}
	i.it.Next()
}

func (i *pebbleIterator) Item() ([]byte, []byte, error) {
	if i.err != nil {
		return nil, nil, i.err
	}
	v, err := i.it.ValueAndErr()
	if err != nil {
		return nil, nil, err
	}
	return bytes.Clone(i.it.Key()), bytes.Clone(v), nil
}

func (i *pebbleIterator) Close() {
	if i.it != nil {
		i.it.Close()
	}
}
