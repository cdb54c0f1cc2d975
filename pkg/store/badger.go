package store

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/shinyes/geo_crdt/pkg/logging"
)

type BadgerStore struct {
	db *badger.DB
}

const defaultBadgerValueLogFileSize = 64 * 1024 * 1024 // 64MB

type badgerConfig struct {
	valueLogFileSize int64
	inMemory         bool
	logger           logging.Logger
}

// BadgerOption customizes how Badger is opened.
type BadgerOption func(*badgerConfig) error

// WithBadgerValueLogFileSize sets max bytes per value log (vlog) file.
func WithBadgerValueLogFileSize(sizeBytes int64) BadgerOption {
	return func(cfg *badgerConfig) error {
		if sizeBytes <= 0 {
			return fmt.Errorf("badger value log file size must be > 0, got %d", sizeBytes)
		}
		cfg.valueLogFileSize = sizeBytes
		return nil
	}
}

// WithBadgerInMemory keeps all data in memory; path is ignored.
func WithBadgerInMemory() BadgerOption {
	return func(cfg *badgerConfig) error {
		cfg.inMemory = true
		return nil
	}
}

// WithBadgerLogger routes badger's internal log through l. Badger info
// messages are logged at debug level.
func WithBadgerLogger(l logging.Logger) BadgerOption {
	return func(cfg *badgerConfig) error {
		cfg.logger = l
		return nil
	}
}

type badgerLogger struct {
	l logging.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

// NewBadgerStore creates a Badger-backed store.
func NewBadgerStore(path string, options ...BadgerOption) (*BadgerStore, error) {
	cfg := badgerConfig{
		valueLogFileSize: defaultBadgerValueLogFileSize,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(&cfg); err != nil {
			return nil, err
		}
	}

	opts := badger.DefaultOptions(path)
	if cfg.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithValueLogFileSize(cfg.valueLogFileSize)
	opts.Logger = nil
	if cfg.logger != nil {
		opts.Logger = badgerLogger{l: cfg.logger}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", path, err)
	}

	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) View(fn func(Tx) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, readOnly: true})
	})
}

func (s *BadgerStore) Update(fn func(Tx) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

type badgerTx struct {
	txn      *badger.Txn
	readOnly bool
}

func (tx *badgerTx) Set(key, value []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	return tx.txn.Set(key, value)
}

func (tx *badgerTx) Get(key []byte) ([]byte, error) {
	item, err := tx.txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (tx *badgerTx) Delete(key []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	return tx.txn.Delete(key)
}

func (tx *badgerTx) NewIterator(opts IteratorOptions) Iterator {
	bOpts := badger.DefaultIteratorOptions
	bOpts.Reverse = opts.Reverse
	bOpts.Prefix = opts.Prefix
	return &badgerIterator{it: tx.txn.NewIterator(bOpts), opts: opts}
}

type badgerIterator struct {
	it   *badger.Iterator
	opts IteratorOptions
}

func (i *badgerIterator) Seek(key []byte) {
	i.it.Seek(key)
}

// Rewind in reverse mode must start past the prefix range: badger seeks to
// the largest key <= the seek key, and every key under the prefix sorts after
// the bare prefix.
func (i *badgerIterator) Rewind() {
	if i.opts.Reverse && len(i.opts.Prefix) > 0 {
		i.it.Seek(append(bytes.Clone(i.opts.Prefix), bytes.Repeat([]byte{0xff}, 32)...))
		return
	}
	i.it.Rewind()
}

func (i *badgerIterator) Valid() bool {
	return i.it.ValidForPrefix(i.opts.Prefix)
}

func (i *badgerIterator) Next() {
	i.it.Next()
}

func (i *badgerIterator) Item() ([]byte, []byte, error) {
	item := i.it.Item()
	k := item.KeyCopy(nil)
	v, err := item.ValueCopy(nil)
	return k, v, err
}

func (i *badgerIterator) Close() {
	i.it.Close()
}
