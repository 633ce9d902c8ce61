// Package relay 实现托管回调中继的接收端：连接铸造出的通道地址，
// 等待钱包投递的单条终态载荷。无法直接接收 HTTP 回调的传输层使用它。
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/esr-link/link/pkg/esr"
	"github.com/esr-link/link/pkg/linkerrors"
)

const defaultHandshakeTimeout = 10 * time.Second

// Receiver 从中继通道读取一条回调消息后关闭连接。
type Receiver struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

// Option 自定义 Receiver 行为。
type Option func(*Receiver)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(r *Receiver) { r.logger = l }
}

// WithDialer 自定义 websocket 拨号器。
func WithDialer(d *websocket.Dialer) Option {
	return func(r *Receiver) { r.dialer = d }
}

// New 创建 Receiver。
func New(opts ...Option) *Receiver {
	r := &Receiver{
		dialer: &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Receive 连接通道并阻塞等待第一条文本/二进制消息。
// ctx 取消时关闭连接并返回 ctx 错误。
func (r *Receiver) Receive(ctx context.Context, channel string) ([]byte, error) {
	endpoint, err := wsEndpoint(channel)
	if err != nil {
		return nil, err
	}
	conn, resp, err := r.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, linkerrors.Wrap(linkerrors.CodeTransport, "dial callback channel", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		for {
			messageType, data, readErr := conn.ReadMessage()
			if readErr != nil {
				resultCh <- readResult{err: readErr}
				return
			}
			if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
				continue
			}
			resultCh <- readResult{data: data}
			return
		}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			r.logger.Warn("callback channel read failed", slog.String("channel", channel), slog.Any("err", result.err))
			return nil, linkerrors.Wrap(linkerrors.CodeTransport, "read callback channel", result.err)
		}
		return result.data, nil
	}
}

// ReceivePayload 等待并解码钱包回调载荷。
func (r *Receiver) ReceivePayload(ctx context.Context, channel string) (*esr.CallbackPayload, error) {
	data, err := r.Receive(ctx, channel)
	if err != nil {
		return nil, err
	}
	var payload esr.CallbackPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, linkerrors.Wrap(linkerrors.CodeTransport, "decode callback payload", err)
	}
	return &payload, nil
}

// wsEndpoint 把回调通道的 http(s) 地址改写为 ws(s)。
func wsEndpoint(channel string) (string, error) {
	parsed, err := url.Parse(channel)
	if err != nil {
		return "", linkerrors.Wrap(linkerrors.CodeTransport, "invalid callback channel", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", linkerrors.Newf(linkerrors.CodeTransport, "unsupported callback channel scheme %q", parsed.Scheme)
	}
	return parsed.String(), nil
}
