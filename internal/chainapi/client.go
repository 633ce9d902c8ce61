// Package chainapi 实现链节点查询客户端：get_info、get_abi、push_transaction。
// 所有失败原样上抛为 UPSTREAM_FETCH，内部不做重试，重试策略交给调用方。
package chainapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/esr-link/link/pkg/chain"
	"github.com/esr-link/link/pkg/linkerrors"
)

const (
	pathGetInfo  = "/v1/chain/get_info"
	pathGetABI   = "/v1/chain/get_abi"
	pathPushTx   = "/v1/chain/push_transaction"
	maxErrorBody = 4 << 10
)

// Config 控制客户端行为。
type Config struct {
	Endpoint   string
	Timeout    time.Duration
	RateLimit  float64
	RateBurst  int
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *Metrics
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Client 是链节点 HTTP/JSON 客户端。
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *Metrics
}

// New 根据配置创建客户端。
func New(cfg Config) (*Client, error) {
	normalized := cfg.normalize()
	endpoint := strings.TrimRight(normalized.Endpoint, "/")
	if endpoint == "" {
		return nil, errors.New("node endpoint is required")
	}
	c := &Client{
		endpoint: endpoint,
		http:     normalized.HTTPClient,
		logger:   normalized.Logger,
		metrics:  normalized.Metrics,
	}
	if normalized.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(normalized.RateLimit), normalized.RateBurst)
	}
	return c, nil
}

// GetInfo 查询链信息。
func (c *Client) GetInfo(ctx context.Context) (*chain.Info, error) {
	var info chain.Info
	if err := c.post(ctx, pathGetInfo, nil, &info); err != nil {
		return nil, err
	}
	if !info.ChainID.Valid() {
		return nil, linkerrors.Newf(linkerrors.CodeUpstreamFetch, "node returned invalid chain id %q", info.ChainID)
	}
	return &info, nil
}

type getABIRequest struct {
	AccountName chain.Name `json:"account_name"`
}

type getABIResponse struct {
	AccountName chain.Name      `json:"account_name"`
	ABI         json.RawMessage `json:"abi"`
}

// GetABI 查询账户合约接口。账户存在但未部署合约视为抓取失败。
func (c *Client) GetABI(ctx context.Context, account chain.Name) (*chain.ABI, error) {
	var resp getABIResponse
	if err := c.post(ctx, pathGetABI, getABIRequest{AccountName: account}, &resp); err != nil {
		return nil, err
	}
	if len(resp.ABI) == 0 || string(resp.ABI) == "null" {
		return nil, linkerrors.Newf(linkerrors.CodeUpstreamFetch, "account %s has no abi", account)
	}
	var abi chain.ABI
	if err := json.Unmarshal(resp.ABI, &abi); err != nil {
		return nil, linkerrors.Wrap(linkerrors.CodeUpstreamFetch, "decode abi for "+string(account), err)
	}
	abi.Raw = resp.ABI
	return &abi, nil
}

// PushTransaction 广播已签名交易，返回节点的处理回执。
func (c *Client) PushTransaction(ctx context.Context, signed *chain.SignedTransaction) (json.RawMessage, error) {
	if signed == nil {
		return nil, linkerrors.New(linkerrors.CodeInvalidArgument, "nil signed transaction")
	}
	var receipt json.RawMessage
	if err := c.post(ctx, pathPushTx, signed, &receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return linkerrors.Wrap(linkerrors.CodeUpstreamFetch, "rate limit wait", err)
		}
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return linkerrors.Wrap(linkerrors.CodeUpstreamFetch, "encode request body", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, reader)
	if err != nil {
		return linkerrors.Wrap(linkerrors.CodeUpstreamFetch, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.observeRequest(path, time.Since(start), err == nil)
	if err != nil {
		c.logger.Warn("node request failed", slog.String("path", path), slog.Any("err", err))
		return linkerrors.Wrap(linkerrors.CodeUpstreamFetch, "node request "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.metrics.incFailure(path)
		return linkerrors.Newf(linkerrors.CodeUpstreamFetch, "node request %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return linkerrors.Wrap(linkerrors.CodeUpstreamFetch, fmt.Sprintf("decode %s response", path), err)
	}
	return nil
}
