// Package callback 负责回调地址铸造与挂起请求的一次性终态解析。
package callback

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/esr-link/link/pkg/esr"
	"github.com/esr-link/link/pkg/linkerrors"
)

// Clock 用于可测试的时间来源。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// outcome 是挂起请求的终态：成功载荷或错误，二选一。
type outcome struct {
	payload *esr.CallbackPayload
	err     error
}

// Pending 表示一个已铸造回调地址、等待钱包终态的请求。
// 每个 Pending 至多收到一次终态。
type Pending struct {
	token     string
	url       string
	createdAt time.Time
	ch        chan outcome
}

// Token 返回回调令牌。
func (p *Pending) Token() string { return p.token }

// URL 返回钱包应投递结果的回调地址。
func (p *Pending) URL() string { return p.url }

// CreatedAt 返回铸造时间。
func (p *Pending) CreatedAt() time.Time { return p.createdAt }

// Wait 阻塞直到终态到达或 ctx 取消。ctx 取消返回 ctx 错误，
// 调用方负责随后调用 Correlator.Dispose 释放令牌。
func (p *Pending) Wait(ctx context.Context) (*esr.CallbackPayload, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-p.ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.payload, nil
	}
}

// Correlator 铸造进程内唯一的回调地址，并把异步到达的终态
// 精确路由回发起请求。令牌表由单个 Link 实例独占。
type Correlator struct {
	service string
	logger  *slog.Logger
	metrics *Metrics
	clock   Clock

	mu      sync.Mutex
	pending map[string]*Pending
}

// Option 自定义 Correlator 行为。
type Option func(*Correlator)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

// WithMetrics 注入指标集合。
func WithMetrics(m *Metrics) Option {
	return func(c *Correlator) { c.metrics = m }
}

// WithClock 注入时钟，测试用。
func WithClock(clock Clock) Option {
	return func(c *Correlator) { c.clock = clock }
}

// New 创建 Correlator。service 为回调中继服务的基地址。
func New(service string, opts ...Option) (*Correlator, error) {
	service = strings.TrimRight(service, "/")
	if service == "" {
		return nil, errors.New("callback service address is required")
	}
	if _, err := url.Parse(service); err != nil {
		return nil, errors.New("invalid callback service address")
	}
	c := &Correlator{
		service: service,
		logger:  slog.Default(),
		clock:   realClock{},
		pending: make(map[string]*Pending),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Create 铸造唯一回调地址并登记挂起请求。
func (c *Correlator) Create() *Pending {
	token := uuid.NewString()
	p := &Pending{
		token:     token,
		url:       c.service + "/" + token,
		createdAt: c.clock.Now(),
		ch:        make(chan outcome, 1),
	}
	c.mu.Lock()
	c.pending[token] = p
	count := len(c.pending)
	c.mu.Unlock()
	c.metrics.setPending(count)
	return p
}

// Resolve 以成功载荷解析令牌。未知或已解析的令牌为无操作，
// 返回值指示本次调用是否真正投递了终态。
func (c *Correlator) Resolve(token string, payload *esr.CallbackPayload) bool {
	if payload == nil {
		return c.deliver(token, outcome{err: linkerrors.New(linkerrors.CodeTransport, "empty callback payload")})
	}
	return c.deliver(token, outcome{payload: payload})
}

// Fail 以错误解析令牌。
func (c *Correlator) Fail(token string, err error) bool {
	if err == nil {
		err = linkerrors.New(linkerrors.CodeTransport, "callback failed without cause")
	}
	return c.deliver(token, outcome{err: err})
}

// Cancel 以用户取消解析令牌。重复取消为无操作。
func (c *Correlator) Cancel(token string, reason string) bool {
	if reason == "" {
		reason = "request cancelled"
	}
	return c.deliver(token, outcome{err: linkerrors.New(linkerrors.CodeUserCancelled, reason)})
}

// Dispose 释放令牌而不投递终态；等待方已经离开时使用。幂等。
func (c *Correlator) Dispose(token string) {
	c.mu.Lock()
	_, ok := c.pending[token]
	if ok {
		delete(c.pending, token)
	}
	count := len(c.pending)
	c.mu.Unlock()
	if ok {
		c.metrics.setPending(count)
	}
}

// PendingCount 返回当前挂起数量。
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// deliver 在持锁下摘除令牌，保证每个令牌至多投递一次。
func (c *Correlator) deliver(token string, out outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[token]
	if ok {
		delete(c.pending, token)
	}
	count := len(c.pending)
	c.mu.Unlock()
	if !ok {
		// 重复或迟到的回调：受不可靠传输保护，不视为错误
		c.metrics.incLate()
		c.logger.Debug("late or unknown callback ignored", slog.String("token", token))
		return false
	}
	c.metrics.setPending(count)
	c.metrics.incResolved(out)
	p.ch <- out
	return true
}
