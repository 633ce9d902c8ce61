package link

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/esr-link/link/pkg/chain"
	"github.com/esr-link/link/pkg/esr"
	"github.com/esr-link/link/pkg/storage"
)

// DefaultServiceURL 是回调中继服务的默认基地址。
const DefaultServiceURL = "https://cb.esr.link"

// APIClient 抽象链节点查询能力：链信息、账户 ABI、交易广播。
// 默认实现基于节点的 HTTP API；测试与特殊部署可注入自己的实现。
type APIClient interface {
	GetInfo(ctx context.Context) (*chain.Info, error)
	GetABI(ctx context.Context, account chain.Name) (*chain.ABI, error)
	PushTransaction(ctx context.Context, signed *chain.SignedTransaction) (json.RawMessage, error)
}

// Config 控制 Link 行为。Transport 必填；ChainID 为空时
// 在首次操作前通过 get_info 解析；Client 为空时按 NodeURL 构造
// 默认 HTTP 客户端；Storage 为空表示不持久化会话。
type Config struct {
	// ChainID 为目标链标识（64 位十六进制）。
	ChainID string
	// NodeURL 为链节点 HTTP API 地址，Client 为空时必填。
	NodeURL string
	// Client 为链节点查询客户端，覆盖 NodeURL。
	Client APIClient
	// ServiceURL 为回调中继服务基地址。
	ServiceURL string
	// Transport 负责把签名请求投递给钱包。
	Transport Transport
	// Storage 为会话持久化后端，可为空。
	Storage storage.Store
	// Codec 为请求/交易编码器，默认使用参考 JSON codec。
	Codec esr.Codec
	// CallbackTimeout 限制等待钱包回调的时长，0 表示仅受 ctx 约束。
	CallbackTimeout time.Duration
	// Logger 为结构化日志器。
	Logger *slog.Logger
	// Registerer 非空时注册 Prometheus 指标。
	Registerer prometheus.Registerer
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.ServiceURL == "" {
		cfg.ServiceURL = DefaultServiceURL
	}
	if cfg.Codec == nil {
		cfg.Codec = esr.NewJSONCodec()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
