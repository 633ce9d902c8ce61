// Package esr 定义签名请求值类型、回调载荷以及编码 codec 能力。
package esr

import (
	"encoding/json"

	"github.com/esr-link/link/pkg/chain"
)

// Callback 描述钱包完成签名后投递结果的目标。
// Background 为 true 时钱包直接向 URL POST 结果而不跳转页面。
type Callback struct {
	URL        string `json:"url"`
	Background bool   `json:"background"`
}

// InfoPair 表示附加在请求上的元数据键值对。
type InfoPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// IdentityRequest 表示身份证明请求：要求钱包返回签名者账户与公钥，
// 而不仅是交易签名。Permission 为空时由钱包自行选择签名主体。
type IdentityRequest struct {
	Scope      string                 `json:"scope"`
	Permission *chain.PermissionLevel `json:"permission,omitempty"`
}

// SigningRequest 表示一次链上签名请求。创建后不可变，解析完成即丢弃。
// Transaction 与 Identity 二者有且只有一个非空。
type SigningRequest struct {
	ChainID     chain.ChainID      `json:"chain_id"`
	Transaction *chain.Transaction `json:"transaction,omitempty"`
	Identity    *IdentityRequest   `json:"identity,omitempty"`
	Callback    Callback           `json:"callback"`
	Info        []InfoPair         `json:"info,omitempty"`
}

// IsIdentity 判断请求是否为身份证明形式。
func (r *SigningRequest) IsIdentity() bool {
	return r != nil && r.Identity != nil
}

// InfoValue 按键查找元数据，未找到返回空串。
func (r *SigningRequest) InfoValue(key string) string {
	if r == nil {
		return ""
	}
	for _, pair := range r.Info {
		if pair.Key == key {
			return pair.Value
		}
	}
	return ""
}

// CallbackPayload 表示钱包经回调通道返回的终态载荷。
// Transaction 为钱包实际签名的交易，可能在原请求基础上
// 注入了资源费用等字段；验签必须针对该交易的精确字节。
type CallbackPayload struct {
	ChainID     chain.ChainID         `json:"chain_id"`
	Signatures  []chain.Signature     `json:"signatures"`
	Signer      chain.PermissionLevel `json:"signer"`
	Transaction *chain.Transaction    `json:"transaction"`
	PublicKey   chain.PublicKey       `json:"public_key,omitempty"`
	Metadata    json.RawMessage       `json:"metadata,omitempty"`
}
