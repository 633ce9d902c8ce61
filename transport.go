package link

import (
	"context"
	"encoding/json"

	"github.com/esr-link/link/internal/callback"
	"github.com/esr-link/link/pkg/esr"
	"github.com/esr-link/link/pkg/linkerrors"
)

// Transport 抽象签名请求的投递通道：二维码展示、推送、深链、
// 浏览器扩展或内嵌钱包。实现不负责等待终态——终态经回调通道
// 到达，由 PreparedRequest 的 Resolve/Reject/CancelByUser 投递。
type Transport interface {
	// SendRequest 投递请求。返回错误表示投递本身失败；
	// 成功返回后回调可能立刻到达（内嵌钱包），也可能分钟级延迟。
	SendRequest(ctx context.Context, req *PreparedRequest) error
	// OnSuccess 在请求成功解析后调用，用于 UI 收尾。
	OnSuccess(req *PreparedRequest, payload *esr.CallbackPayload)
	// OnFailure 在请求以非取消错误终止后调用。
	OnFailure(req *PreparedRequest, err error)
	// OnCancel 在用户拒绝或调用方中止后调用，释放展示状态。
	OnCancel(req *PreparedRequest)
}

// SessionMetadataProvider 是传输层的可选能力：为登录产生的
// 会话记录附加不透明元数据（如中继通道地址），随记录持久化。
type SessionMetadataProvider interface {
	SessionMetadata() json.RawMessage
}

// PreparedRequest 表示一个已附加回调地址、待投递的签名请求。
type PreparedRequest struct {
	// Request 为完整的签名请求。
	Request *esr.SigningRequest
	// URI 为 codec 编码后的可投递形式。
	URI string

	correlator *callback.Correlator
	pending    *callback.Pending
}

// CallbackURL 返回钱包投递终态的回调地址。
func (r *PreparedRequest) CallbackURL() string {
	return r.pending.URL()
}

// Resolve 投递成功载荷。重复投递为无操作。
func (r *PreparedRequest) Resolve(payload *esr.CallbackPayload) {
	r.correlator.Resolve(r.pending.Token(), payload)
}

// Reject 以错误终止请求。重复投递为无操作。
func (r *PreparedRequest) Reject(err error) {
	r.correlator.Fail(r.pending.Token(), err)
}

// CancelByUser 以用户取消终止请求。重复投递为无操作。
func (r *PreparedRequest) CancelByUser(reason string) {
	r.correlator.Cancel(r.pending.Token(), reason)
}

// SignFunc 为内嵌钱包的签名回调：给定请求返回终态载荷。
// 用于包装 HSM、托管 API 或任何进程内签名服务。
type SignFunc func(ctx context.Context, req *esr.SigningRequest) (*esr.CallbackPayload, error)

// CallbackTransport 把签名函数适配为 Transport：投递即签名，
// 终态在 SendRequest 内就地解析。
type CallbackTransport struct {
	sign     SignFunc
	metadata json.RawMessage
}

// NewCallbackTransport 创建内嵌钱包传输。
func NewCallbackTransport(sign SignFunc) *CallbackTransport {
	return &CallbackTransport{sign: sign}
}

// WithSessionMetadata 设置登录会话元数据，返回自身方便链式调用。
func (t *CallbackTransport) WithSessionMetadata(metadata json.RawMessage) *CallbackTransport {
	t.metadata = metadata
	return t
}

// SendRequest 实现 Transport。
func (t *CallbackTransport) SendRequest(ctx context.Context, req *PreparedRequest) error {
	if t.sign == nil {
		return linkerrors.New(linkerrors.CodeTransport, "callback transport has no sign func")
	}
	payload, err := t.sign(ctx, req.Request)
	if err != nil {
		if linkerrors.IsCancel(err) {
			req.CancelByUser(err.Error())
		} else {
			req.Reject(err)
		}
		return nil
	}
	req.Resolve(payload)
	return nil
}

// OnSuccess 实现 Transport。
func (t *CallbackTransport) OnSuccess(*PreparedRequest, *esr.CallbackPayload) {}

// OnFailure 实现 Transport。
func (t *CallbackTransport) OnFailure(*PreparedRequest, error) {}

// OnCancel 实现 Transport。
func (t *CallbackTransport) OnCancel(*PreparedRequest) {}

// SessionMetadata 实现 SessionMetadataProvider。
func (t *CallbackTransport) SessionMetadata() json.RawMessage {
	return t.metadata
}
