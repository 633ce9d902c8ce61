// Package sessionstore 在键值存储上持久化会话记录，并维护
// 按最近使用排序的会话索引。索引键为应用标识符本身，
// 记录键为 "identifier:actor@permission"。
package sessionstore

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/esr-link/link/pkg/chain"
	"github.com/esr-link/link/pkg/linkerrors"
	"github.com/esr-link/link/pkg/storage"
)

// Clock 用于可测试的时间来源。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Record 表示一条持久化会话。
type Record struct {
	Identifier string                `json:"identifier"`
	Auth       chain.PermissionLevel `json:"auth"`
	Metadata   json.RawMessage       `json:"metadata,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	LastUsed   time.Time             `json:"last_used"`
}

// Store 管理会话记录与 MRU 索引。kv 为空时所有操作返回
// STORAGE_UNCONFIGURED。同一标识符下的索引读改写通过
// 每标识符互斥锁串行化，避免并发任务交错导致丢失更新。
type Store struct {
	kv     storage.Store
	clock  Clock
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option 自定义 Store 行为。
type Option func(*Store)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock 注入时钟，测试用。
func WithClock(clock Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// New 创建会话存储。kv 允许为空，表示调用方未配置持久化。
func New(kv storage.Store, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		clock:  realClock{},
		logger: slog.Default(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Configured 报告是否配置了底层存储。
func (s *Store) Configured() bool { return s.kv != nil }

// Save 写入记录并将其移动到索引最前。
func (s *Store) Save(rec Record) error {
	if err := s.check(rec.Identifier); err != nil {
		return err
	}
	if !rec.Auth.Valid() {
		return linkerrors.Newf(linkerrors.CodeInvalidArgument, "invalid session auth %q", rec.Auth.String())
	}
	now := s.clock.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.LastUsed = now

	unlock := s.lockIdentifier(rec.Identifier)
	defer unlock()

	raw, err := json.Marshal(rec)
	if err != nil {
		return linkerrors.Wrap(linkerrors.CodeStorage, "encode session record", err)
	}
	if err := s.kv.Write(recordKey(rec.Identifier, rec.Auth), raw); err != nil {
		return linkerrors.Wrap(linkerrors.CodeStorage, "write session record", err)
	}
	return s.promoteLocked(rec.Identifier, rec.Auth)
}

// Touch 将已有会话移动到索引最前并刷新最近使用时间。
// 会话不存在时为无操作。
func (s *Store) Touch(identifier string, auth chain.PermissionLevel) error {
	if err := s.check(identifier); err != nil {
		return err
	}
	unlock := s.lockIdentifier(identifier)
	defer unlock()

	rec, err := s.readRecord(identifier, auth)
	if err != nil || rec == nil {
		return err
	}
	rec.LastUsed = s.clock.Now()
	raw, err := json.Marshal(rec)
	if err != nil {
		return linkerrors.Wrap(linkerrors.CodeStorage, "encode session record", err)
	}
	if err := s.kv.Write(recordKey(identifier, auth), raw); err != nil {
		return linkerrors.Wrap(linkerrors.CodeStorage, "write session record", err)
	}
	return s.promoteLocked(identifier, auth)
}

// Get 按签名主体查找记录，不存在返回 (nil, nil)。
func (s *Store) Get(identifier string, auth chain.PermissionLevel) (*Record, error) {
	if err := s.check(identifier); err != nil {
		return nil, err
	}
	return s.readRecord(identifier, auth)
}

// Latest 返回标识符下最近使用的记录，没有会话返回 (nil, nil)。
func (s *Store) Latest(identifier string) (*Record, error) {
	if err := s.check(identifier); err != nil {
		return nil, err
	}
	auths, err := s.List(identifier)
	if err != nil || len(auths) == 0 {
		return nil, err
	}
	return s.readRecord(identifier, auths[0])
}

// List 返回标识符下全部会话主体，最近使用在前。
func (s *Store) List(identifier string) ([]chain.PermissionLevel, error) {
	if err := s.check(identifier); err != nil {
		return nil, err
	}
	return s.readIndex(identifier)
}

// Remove 删除记录与其索引项。
func (s *Store) Remove(identifier string, auth chain.PermissionLevel) error {
	if err := s.check(identifier); err != nil {
		return err
	}
	unlock := s.lockIdentifier(identifier)
	defer unlock()

	if err := s.kv.Remove(recordKey(identifier, auth)); err != nil {
		return linkerrors.Wrap(linkerrors.CodeStorage, "remove session record", err)
	}
	index, err := s.readIndex(identifier)
	if err != nil {
		return err
	}
	filtered := index[:0]
	for _, entry := range index {
		if !entry.Equal(auth) {
			filtered = append(filtered, entry)
		}
	}
	return s.writeIndex(identifier, filtered)
}

// Clear 删除标识符下的索引与全部成员记录。
func (s *Store) Clear(identifier string) error {
	if err := s.check(identifier); err != nil {
		return err
	}
	unlock := s.lockIdentifier(identifier)
	defer unlock()

	index, err := s.readIndex(identifier)
	if err != nil {
		return err
	}
	for _, auth := range index {
		if err := s.kv.Remove(recordKey(identifier, auth)); err != nil {
			return linkerrors.Wrap(linkerrors.CodeStorage, "remove session record", err)
		}
	}
	if err := s.kv.Remove(identifier); err != nil {
		return linkerrors.Wrap(linkerrors.CodeStorage, "remove session index", err)
	}
	return nil
}

func (s *Store) check(identifier string) error {
	if s.kv == nil {
		return linkerrors.New(linkerrors.CodeStorageUnconfigured, "no storage adapter configured")
	}
	if identifier == "" {
		return linkerrors.New(linkerrors.CodeInvalidArgument, "identifier is required")
	}
	return nil
}

// lockIdentifier 获取每标识符互斥锁，保证索引读改写原子。
func (s *Store) lockIdentifier(identifier string) func() {
	s.mu.Lock()
	lock, ok := s.locks[identifier]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[identifier] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (s *Store) readRecord(identifier string, auth chain.PermissionLevel) (*Record, error) {
	raw, err := s.kv.Read(recordKey(identifier, auth))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, linkerrors.Wrap(linkerrors.CodeStorage, "read session record", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, linkerrors.Wrap(linkerrors.CodeStorage, "decode session record", err)
	}
	return &rec, nil
}

func (s *Store) readIndex(identifier string) ([]chain.PermissionLevel, error) {
	raw, err := s.kv.Read(identifier)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, linkerrors.Wrap(linkerrors.CodeStorage, "read session index", err)
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, linkerrors.Wrap(linkerrors.CodeStorage, "decode session index", err)
	}
	auths := make([]chain.PermissionLevel, 0, len(keys))
	for _, key := range keys {
		auth, parseErr := chain.ParsePermissionLevel(key)
		if parseErr != nil {
			s.logger.Warn("skipping malformed session index entry", slog.String("identifier", identifier), slog.String("entry", key))
			continue
		}
		auths = append(auths, auth)
	}
	return auths, nil
}

func (s *Store) writeIndex(identifier string, auths []chain.PermissionLevel) error {
	if len(auths) == 0 {
		if err := s.kv.Remove(identifier); err != nil {
			return linkerrors.Wrap(linkerrors.CodeStorage, "remove session index", err)
		}
		return nil
	}
	keys := make([]string, 0, len(auths))
	for _, auth := range auths {
		keys = append(keys, auth.String())
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return linkerrors.Wrap(linkerrors.CodeStorage, "encode session index", err)
	}
	if err := s.kv.Write(identifier, raw); err != nil {
		return linkerrors.Wrap(linkerrors.CodeStorage, "write session index", err)
	}
	return nil
}

// promoteLocked 把 auth 移动到索引最前，保持索引无重复。
func (s *Store) promoteLocked(identifier string, auth chain.PermissionLevel) error {
	index, err := s.readIndex(identifier)
	if err != nil {
		return err
	}
	next := make([]chain.PermissionLevel, 0, len(index)+1)
	next = append(next, auth)
	for _, entry := range index {
		if !entry.Equal(auth) {
			next = append(next, entry)
		}
	}
	return s.writeIndex(identifier, next)
}

func recordKey(identifier string, auth chain.PermissionLevel) string {
	return identifier + ":" + auth.String()
}
