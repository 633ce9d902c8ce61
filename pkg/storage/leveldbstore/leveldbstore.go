// Package leveldbstore 提供基于 goleveldb 的持久化 Store 实现。
package leveldbstore

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/esr-link/link/pkg/storage"
)

// Store 将键值持久化到本地 leveldb 目录。
type Store struct {
	db *leveldb.DB
}

// Open 打开（必要时创建）指定路径的 leveldb 存储。
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Read 实现 storage.Store。
func (s *Store) Read(key string) ([]byte, error) {
	value, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get %s: %w", key, err)
	}
	return value, nil
}

// Write 实现 storage.Store。
func (s *Store) Write(key string, value []byte) error {
	if err := s.db.Put([]byte(key), value, nil); err != nil {
		return fmt.Errorf("leveldb put %s: %w", key, err)
	}
	return nil
}

// Remove 实现 storage.Store。
func (s *Store) Remove(key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("leveldb delete %s: %w", key, err)
	}
	return nil
}

// Close 关闭底层数据库。
func (s *Store) Close() error {
	return s.db.Close()
}
