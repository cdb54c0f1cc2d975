package store

import (
	"bytes"
	"errors"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrReadOnly    = errors.New("write in read-only transaction")
)

// Store 代表底层有序 KV 存储接口（BadgerDB 或 Pebble）。
// 每个节点拥有一个独占的 Store 实例。
type Store interface {
	// Close 关闭存储。
	Close() error

	// View 执行只读事务。
	View(fn func(Tx) error) error

	// Update 执行读写事务，fn 返回错误时不提交任何写入。
	Update(fn func(Tx) error) error
}

// Tx 代表事务。
type Tx interface {
	// Set 设置键的值。
	Set(key, value []byte) error

	// Get 获取键的值。
	// 如果键不存在返回 ErrKeyNotFound。
	Get(key []byte) ([]byte, error)

	// Delete 删除键。
	Delete(key []byte) error

	// NewIterator 使用选项创建新的迭代器。
	NewIterator(opts IteratorOptions) Iterator
}

// IteratorOptions 定义迭代器的选项。
type IteratorOptions struct {
	Prefix  []byte
	Reverse bool // 如果为 true，则按反序迭代。
}

// Iterator 遍历存储中的键。
type Iterator interface {
	// Seek 正序时移动到第一个 >= key 的键，反序时移动到最后一个 <= key 的键。
	Seek(key []byte)

	// Rewind 将迭代器移动到范围的开头（反序时为前缀范围内的最大键）。
	Rewind()

	// Valid 如果迭代器指向前缀范围内的有效键，则返回 true。
	Valid() bool

	// Next 将迭代器移动到下一个键。
	Next()

	// Item 返回当前项（键和值）的副本。
	Item() (key, value []byte, err error)

	// Close 关闭迭代器。
	Close()
}

// ScanPrefix calls fn for every key under prefix in the requested order,
// stopping at the first error.
func ScanPrefix(tx Tx, prefix []byte, reverse bool, fn func(key, value []byte) error) error {
	it := tx.NewIterator(IteratorOptions{Prefix: prefix, Reverse: reverse})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		k, v, err := it.Item()
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// prefixEnd returns the smallest key greater than every key with prefix, or
// nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
