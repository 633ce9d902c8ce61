// Package chain 定义链上值类型：账户名、权限、action、交易与 ABI。
// 二进制编码由外部 codec 负责，这里只承载结构化表示。
package chain

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// namePattern 约束账户/权限/action 名称的合法字符集。
var namePattern = regexp.MustCompile(`^[a-z1-5.]{1,13}$`)

// Name 表示受限字母表的短名称（账户、权限、action）。
type Name string

// Valid 校验名称是否符合 [a-z1-5.]{1,13} 且不以点结尾。
func (n Name) Valid() bool {
	s := string(n)
	if !namePattern.MatchString(s) {
		return false
	}
	return !strings.HasSuffix(s, ".")
}

func (n Name) String() string { return string(n) }

// PermissionLevel 表示签名主体 (actor, permission)。
type PermissionLevel struct {
	Actor      Name `json:"actor"`
	Permission Name `json:"permission"`
}

// Valid 校验两个名称均合法。
func (p PermissionLevel) Valid() bool {
	return p.Actor.Valid() && p.Permission.Valid()
}

// Equal 按结构比较两个权限。
func (p PermissionLevel) Equal(other PermissionLevel) bool {
	return p.Actor == other.Actor && p.Permission == other.Permission
}

// String 输出 "actor@permission" 形式，作为存储键的一部分。
func (p PermissionLevel) String() string {
	return string(p.Actor) + "@" + string(p.Permission)
}

// ParsePermissionLevel 解析 "actor@permission" 形式的权限。
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	actor, permission, found := strings.Cut(s, "@")
	if !found {
		return PermissionLevel{}, fmt.Errorf("invalid permission level %q: missing '@'", s)
	}
	level := PermissionLevel{Actor: Name(actor), Permission: Name(permission)}
	if !level.Valid() {
		return PermissionLevel{}, fmt.Errorf("invalid permission level %q", s)
	}
	return level, nil
}

// Action 表示一次合约调用。Data 为 ABI 解码后的 JSON 形式，
// 打包为二进制由 codec 结合账户 ABI 完成。
type Action struct {
	Account       Name              `json:"account"`
	Name          Name              `json:"name"`
	Authorization []PermissionLevel `json:"authorization"`
	Data          json.RawMessage   `json:"data,omitempty"`
}

// Valid 校验 action 的名称与授权均合法。
func (a Action) Valid() bool {
	if !a.Account.Valid() || !a.Name.Valid() {
		return false
	}
	for _, auth := range a.Authorization {
		if !auth.Valid() {
			return false
		}
	}
	return true
}

// TimePointSec 以秒精度序列化为链上时间格式。
type TimePointSec time.Time

const timePointLayout = "2006-01-02T15:04:05"

// MarshalJSON 实现链上 "2006-01-02T15:04:05" 时间格式。
func (t TimePointSec) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(timePointLayout))
}

// UnmarshalJSON 解析链上时间格式。
func (t *TimePointSec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = TimePointSec{}
		return nil
	}
	parsed, err := time.Parse(timePointLayout, s)
	if err != nil {
		return err
	}
	*t = TimePointSec(parsed)
	return nil
}

// IsZero 判断时间是否未设置。
func (t TimePointSec) IsZero() bool { return time.Time(t).IsZero() }

// Transaction 表示一笔完整交易。TAPOS 头部字段允许为零值，
// 由钱包或广播前的填充步骤补全。
type Transaction struct {
	Expiration         TimePointSec      `json:"expiration"`
	RefBlockNum        uint16            `json:"ref_block_num"`
	RefBlockPrefix     uint32            `json:"ref_block_prefix"`
	MaxNetUsageWords   uint32            `json:"max_net_usage_words"`
	MaxCPUUsageMS      uint8             `json:"max_cpu_usage_ms"`
	DelaySec           uint32            `json:"delay_sec"`
	ContextFreeActions []Action          `json:"context_free_actions"`
	Actions            []Action          `json:"actions"`
	Extensions         []json.RawMessage `json:"transaction_extensions,omitempty"`
}

// SignedTransaction 表示附带签名的交易。
type SignedTransaction struct {
	Transaction
	Signatures      []Signature `json:"signatures"`
	ContextFreeData []string    `json:"context_free_data,omitempty"`
}

// ChainID 表示 32 字节链标识的十六进制形式。
type ChainID string

// Valid 校验链 ID 为 64 位十六进制。
func (c ChainID) Valid() bool {
	if len(c) != 64 {
		return false
	}
	_, err := hex.DecodeString(string(c))
	return err == nil
}

// Bytes 返回链 ID 的原始字节。
func (c ChainID) Bytes() ([]byte, error) {
	if !c.Valid() {
		return nil, errors.New("chain id must be 64 hex characters")
	}
	return hex.DecodeString(string(c))
}

func (c ChainID) String() string { return string(c) }

// Signature 表示 65 字节紧凑型可恢复签名的十六进制形式。
// 线上 SIG_K1 文本格式的转换由外部 codec 负责。
type Signature string

// Bytes 解码签名字节并校验长度。
func (s Signature) Bytes() ([]byte, error) {
	raw, err := hex.DecodeString(string(s))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(raw) != 65 {
		return nil, fmt.Errorf("invalid signature length %d, want 65", len(raw))
	}
	return raw, nil
}

// PublicKey 表示 33 字节压缩公钥的十六进制形式。
type PublicKey string

// Bytes 解码公钥字节并校验长度。
func (k PublicKey) Bytes() ([]byte, error) {
	raw, err := hex.DecodeString(string(k))
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != 33 {
		return nil, fmt.Errorf("invalid public key length %d, want 33", len(raw))
	}
	return raw, nil
}

// Info 是链节点 get_info 响应中本库关心的字段。
type Info struct {
	ChainID                  ChainID      `json:"chain_id"`
	HeadBlockNum             uint32       `json:"head_block_num"`
	LastIrreversibleBlockNum uint32       `json:"last_irreversible_block_num"`
	HeadBlockID              string       `json:"head_block_id"`
	HeadBlockTime            TimePointSec `json:"head_block_time"`
}

// ABIAction 表示 ABI 中一个 action 到类型名的映射。
type ABIAction struct {
	Name Name   `json:"name"`
	Type string `json:"type"`
}

// ABI 表示账户合约接口描述。Raw 保留完整定义供 codec 使用，
// Actions 提供本库需要的最小检索面。
type ABI struct {
	Version string          `json:"version"`
	Actions []ABIAction     `json:"actions"`
	Raw     json.RawMessage `json:"-"`
}

// ActionType 查找 action 对应的结构类型名，未知返回空串。
func (a *ABI) ActionType(name Name) string {
	if a == nil {
		return ""
	}
	for _, act := range a.Actions {
		if act.Name == name {
			return act.Type
		}
	}
	return ""
}
