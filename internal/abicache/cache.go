// Package abicache 缓存账户 ABI，并保证同一账户同时只有一个在飞抓取。
package abicache

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/esr-link/link/pkg/chain"
	"github.com/esr-link/link/pkg/linkerrors"
)

// Provider 抽象 ABI 的上游来源，通常由链节点客户端实现。
type Provider interface {
	GetABI(ctx context.Context, account chain.Name) (*chain.ABI, error)
}

// Cache 按账户缓存 ABI。命中即返回；未命中时相同账户的并发调用
// 合并为一次上游抓取，全部等待者共享同一结果或同一失败。
// 成功结果在 Cache 生命周期内不过期，失败不记忆、下次重试。
type Cache struct {
	provider Provider
	logger   *slog.Logger
	metrics  *Metrics

	group singleflight.Group

	mu   sync.RWMutex
	abis map[chain.Name]*chain.ABI
}

// Option 自定义 Cache 行为。
type Option func(*Cache)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics 注入指标集合。
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New 创建 ABI 缓存。
func New(provider Provider, opts ...Option) (*Cache, error) {
	if provider == nil {
		return nil, errors.New("abi provider is required")
	}
	c := &Cache{
		provider: provider,
		logger:   slog.Default(),
		abis:     make(map[chain.Name]*chain.ABI),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// GetABI 返回账户 ABI，必要时触发一次上游抓取。
func (c *Cache) GetABI(ctx context.Context, account chain.Name) (*chain.ABI, error) {
	if !account.Valid() {
		return nil, linkerrors.Newf(linkerrors.CodeInvalidArgument, "invalid account name %q", account)
	}
	c.mu.RLock()
	abi, ok := c.abis[account]
	c.mu.RUnlock()
	if ok {
		c.metrics.incHit()
		return abi, nil
	}
	c.metrics.incMiss()

	result, err, shared := c.group.Do(string(account), func() (any, error) {
		// 二次检查：上一轮在飞抓取可能已在本调用排队期间完成
		c.mu.RLock()
		cached, done := c.abis[account]
		c.mu.RUnlock()
		if done {
			return cached, nil
		}
		fetched, fetchErr := c.provider.GetABI(ctx, account)
		if fetchErr != nil {
			return nil, fetchErr
		}
		if fetched == nil {
			return nil, errors.New("provider returned nil abi")
		}
		c.mu.Lock()
		c.abis[account] = fetched
		c.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		c.metrics.incFetchFailure()
		c.logger.Warn("abi fetch failed", slog.String("account", string(account)), slog.Bool("shared", shared), slog.Any("err", err))
		if _, ok := linkerrors.FromError(err); ok {
			return nil, err
		}
		return nil, linkerrors.Wrap(linkerrors.CodeUpstreamFetch, "fetch abi for "+string(account), err)
	}
	return result.(*chain.ABI), nil
}

// Cached 返回已缓存的 ABI，不触发抓取；仅供诊断与测试。
func (c *Cache) Cached(account chain.Name) (*chain.ABI, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	abi, ok := c.abis[account]
	return abi, ok
}
