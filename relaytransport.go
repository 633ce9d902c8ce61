package link

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/esr-link/link/internal/relay"
	"github.com/esr-link/link/pkg/esr"
	"github.com/esr-link/link/pkg/linkerrors"
)

// DisplayFunc 把请求 URI 展示给用户：渲染二维码、打开深链或打印。
// 返回错误表示展示失败，请求随之终止。
type DisplayFunc func(ctx context.Context, uri string) error

// RelayTransport 面向进程外钱包：展示请求 URI，同时在请求铸造出的
// 回调通道上监听钱包经托管中继投递的终态。每个请求的监听生命周期
// 绑定到请求本身：任一收尾钩子触发时关闭对应的通道连接。
type RelayTransport struct {
	display  DisplayFunc
	receiver *relay.Receiver
	logger   *slog.Logger
	metadata json.RawMessage

	mu      sync.Mutex
	cancels map[*PreparedRequest]context.CancelFunc
}

// NewRelayTransport 创建中继传输。
func NewRelayTransport(display DisplayFunc) *RelayTransport {
	return &RelayTransport{
		display:  display,
		receiver: relay.New(),
		logger:   slog.Default(),
		cancels:  make(map[*PreparedRequest]context.CancelFunc),
	}
}

// WithLogger 注入 slog Logger，返回自身方便链式调用。
func (t *RelayTransport) WithLogger(l *slog.Logger) *RelayTransport {
	t.logger = l
	t.receiver = relay.New(relay.WithLogger(l))
	return t
}

// WithSessionMetadata 设置登录会话元数据，返回自身方便链式调用。
func (t *RelayTransport) WithSessionMetadata(metadata json.RawMessage) *RelayTransport {
	t.metadata = metadata
	return t
}

// SendRequest 实现 Transport：先在回调通道上挂起监听，再展示 URI。
// 监听先行，避免钱包在展示完成前投递导致丢失终态。监听使用派生的
// 可取消 context，操作终止（超时、失败、取消）经收尾钩子关闭它。
func (t *RelayTransport) SendRequest(ctx context.Context, req *PreparedRequest) error {
	if t.display == nil {
		return linkerrors.New(linkerrors.CodeTransport, "relay transport has no display func")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancels[req] = cancel
	t.mu.Unlock()

	go func() {
		payload, err := t.receiver.ReceivePayload(listenCtx, req.CallbackURL())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// 等待方已离开，终态不再有人消费
				return
			}
			req.Reject(err)
			return
		}
		req.Resolve(payload)
	}()
	if err := t.display(ctx, req.URI); err != nil {
		t.abort(req)
		return linkerrors.Wrap(linkerrors.CodeTransport, "display signing request", err)
	}
	return nil
}

// abort 关闭请求的通道监听。重复调用为无操作。
func (t *RelayTransport) abort(req *PreparedRequest) {
	t.mu.Lock()
	cancel, ok := t.cancels[req]
	if ok {
		delete(t.cancels, req)
	}
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// OnSuccess 实现 Transport。
func (t *RelayTransport) OnSuccess(req *PreparedRequest, _ *esr.CallbackPayload) {
	t.abort(req)
	t.logger.Debug("signing request resolved", slog.String("callback", req.CallbackURL()))
}

// OnFailure 实现 Transport。
func (t *RelayTransport) OnFailure(req *PreparedRequest, err error) {
	t.abort(req)
	t.logger.Debug("signing request failed", slog.String("callback", req.CallbackURL()), slog.Any("err", err))
}

// OnCancel 实现 Transport。
func (t *RelayTransport) OnCancel(req *PreparedRequest) {
	t.abort(req)
	t.logger.Debug("signing request cancelled", slog.String("callback", req.CallbackURL()))
}

// SessionMetadata 实现 SessionMetadataProvider。
func (t *RelayTransport) SessionMetadata() json.RawMessage {
	return t.metadata
}
