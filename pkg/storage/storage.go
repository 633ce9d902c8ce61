// Package storage 定义字节键值持久化能力，具体后端由使用方选择。
package storage

import (
	"errors"
	"sync"
)

// ErrNotFound 表示键不存在。后端实现必须用它区分“缺失”与真实失败。
var ErrNotFound = errors.New("storage: key not found")

// Store 抽象会话持久化所需的最小键值接口。
// 不要求跨键事务；同一标识符下的读改写原子性由上层串行化保证。
type Store interface {
	// Read 读取键对应的值，键不存在返回 ErrNotFound。
	Read(key string) ([]byte, error)
	// Write 写入或覆盖键值。
	Write(key string, value []byte) error
	// Remove 删除键，键不存在视为成功。
	Remove(key string) error
}

// MemoryStore 是进程内实现，用于测试与无持久化场景。
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Read 实现 Store。
func (s *MemoryStore) Read(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Write 实现 Store。
func (s *MemoryStore) Write(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Remove 实现 Store。
func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len 返回键数量，仅测试使用。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
