// Package kv 提供带前缀隔离的 KV 存储
//
// Store 在 BadgerDB 之上提供命名空间隔离，每个组件使用不同的
// 前缀隔离数据。
//
// # 键空间约定
//
//   - v/ - 值记录
//   - p/ - 提供者记录
//
// # 使用示例
//
//	engine, _ := kv.Open(dir)
//	values := kv.New(engine, []byte("v/"))
//	providers := kv.New(engine, []byte("p/"))
//
//	values.PutTTL([]byte("key1"), data, time.Hour) // 实际键: v/key1
package kv

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound 键不存在
var ErrNotFound = errors.New("kv: key not found")

// ============================================================================
//                              存储引擎
// ============================================================================

// Engine BadgerDB 存储引擎
type Engine struct {
	db *badger.DB
}

// Open 打开指定目录下的存储引擎
func Open(dir string) (*Engine, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{db: db}, nil
}

// OpenInMemory 打开内存存储引擎（测试用）
func OpenInMemory() (*Engine, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{db: db}, nil
}

// Close 关闭存储引擎
func (e *Engine) Close() error {
	return e.db.Close()
}

// ============================================================================
//                              前缀隔离存储
// ============================================================================

// Store 带前缀隔离的 KV 存储
//
// 为所有键自动添加前缀，实现数据命名空间隔离。
type Store struct {
	engine *Engine
	prefix []byte
}

// New 创建 Store
//
// 参数:
//   - engine: 底层存储引擎
//   - prefix: 键前缀（所有操作自动添加）
func New(engine *Engine, prefix []byte) *Store {
	return &Store{
		engine: engine,
		prefix: prefix,
	}
}

// prefixKey 为键添加前缀
func (s *Store) prefixKey(key []byte) []byte {
	if len(s.prefix) == 0 {
		return key
	}
	prefixed := make([]byte, len(s.prefix)+len(key))
	copy(prefixed, s.prefix)
	copy(prefixed[len(s.prefix):], key)
	return prefixed
}

// Get 获取指定键的值
func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.engine.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.prefixKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put 设置键值对
func (s *Store) Put(key, value []byte) error {
	return s.engine.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.prefixKey(key), value)
	})
}

// PutTTL 设置带过期时间的键值对
//
// 过期由 Badger 自行处理，读取不到已过期的键。
func (s *Store) PutTTL(key, value []byte, ttl time.Duration) error {
	return s.engine.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(s.prefixKey(key), value).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

// Delete 删除指定键
func (s *Store) Delete(key []byte) error {
	return s.engine.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.prefixKey(key))
	})
}

// Has 检查键是否存在
func (s *Store) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PrefixScan 遍历指定子前缀下的所有键值对
//
// 回调返回 false 时终止遍历。传给回调的键不含 Store 前缀。
func (s *Store) PrefixScan(sub []byte, fn func(key, value []byte) bool) error {
	full := s.prefixKey(sub)
	return s.engine.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = full
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)[len(s.prefix):]
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(key, value) {
				return nil
			}
		}
		return nil
	})
}
