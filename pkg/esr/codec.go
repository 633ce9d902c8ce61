package esr

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/esr-link/link/pkg/chain"
)

// uriScheme 为签名请求 URI 的协议前缀。
const uriScheme = "esr:"

// ErrNotRequestURI 表示输入不是签名请求 URI。
var ErrNotRequestURI = errors.New("not a signing request uri")

// Codec 抽象交易与签名请求的编码能力。核心库把线格式当黑盒，
// 生产环境注入实现了二进制协议的 codec，测试与参考场景使用 JSONCodec。
type Codec interface {
	// EncodeRequest 将请求编码为可投递的 URI。
	EncodeRequest(req *SigningRequest) (string, error)
	// DecodeRequest 解析 URI 还原请求。
	DecodeRequest(uri string) (*SigningRequest, error)
	// PackTransaction 将交易打包为待签名字节，abis 提供各账户的合约接口。
	PackTransaction(tx *chain.Transaction, abis map[chain.Name]*chain.ABI) ([]byte, error)
	// SigningDigest 计算链作用域下交易字节的签名摘要。
	SigningDigest(chainID chain.ChainID, packed []byte) ([32]byte, error)
}

// JSONCodec 是参考实现：以确定性 JSON 为打包格式，
// sha256(chainID ‖ packed ‖ 32 字节零填充) 为签名摘要。
type JSONCodec struct{}

// NewJSONCodec 返回参考 codec。
func NewJSONCodec() *JSONCodec { return &JSONCodec{} }

// EncodeRequest 输出 "esr:" + base64url(JSON) 形式的 URI。
func (c *JSONCodec) EncodeRequest(req *SigningRequest) (string, error) {
	if req == nil {
		return "", errors.New("nil signing request")
	}
	if (req.Transaction == nil) == (req.Identity == nil) {
		return "", errors.New("signing request must carry exactly one of transaction or identity")
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode signing request: %w", err)
	}
	return uriScheme + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeRequest 解析 EncodeRequest 的输出。
func (c *JSONCodec) DecodeRequest(uri string) (*SigningRequest, error) {
	payload, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return nil, ErrNotRequestURI
	}
	// 兼容 "esr://" 写法
	payload = strings.TrimPrefix(payload, "//")
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode signing request uri: %w", err)
	}
	var req SigningRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode signing request payload: %w", err)
	}
	return &req, nil
}

// PackTransaction 以 JSON 编码交易。编码对相同输入是确定性的，
// 因为交易结构体字段顺序固定且 action data 的原始字节被原样保留。
// 提供了 ABI 的账户会校验 action 是否存在于其接口中。
func (c *JSONCodec) PackTransaction(tx *chain.Transaction, abis map[chain.Name]*chain.ABI) ([]byte, error) {
	if tx == nil {
		return nil, errors.New("nil transaction")
	}
	for _, action := range tx.Actions {
		abi, ok := abis[action.Account]
		if !ok || abi == nil {
			continue
		}
		if len(abi.Actions) > 0 && abi.ActionType(action.Name) == "" {
			return nil, fmt.Errorf("action %s not present in abi of %s", action.Name, action.Account)
		}
	}
	raw, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("pack transaction: %w", err)
	}
	return raw, nil
}

// SigningDigest 计算签名摘要。末尾的 32 字节零填充为 context-free
// 数据摘要占位，与链上签名摘要布局保持一致。
func (c *JSONCodec) SigningDigest(chainID chain.ChainID, packed []byte) ([32]byte, error) {
	var digest [32]byte
	idBytes, err := chainID.Bytes()
	if err != nil {
		return digest, err
	}
	h := sha256.New()
	h.Write(idBytes)
	h.Write(packed)
	h.Write(make([]byte, 32))
	copy(digest[:], h.Sum(nil))
	return digest, nil
}
