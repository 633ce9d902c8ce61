package link

import (
	"context"
	"encoding/json"
	"time"

	"github.com/esr-link/link/pkg/chain"
	"github.com/esr-link/link/pkg/esr"
)

// TransactArgs 描述一次签名请求的载荷，三种形式有且只有一种：
// 单个 action、action 列表或完整交易。
type TransactArgs struct {
	Action      *chain.Action
	Actions     []chain.Action
	Transaction *chain.Transaction
}

// TransactOptions 控制单次操作行为。
type TransactOptions struct {
	// NoBroadcast 为 true 时仅取得签名，不向链节点广播。
	NoBroadcast bool
}

func (o *TransactOptions) broadcast() bool {
	return o == nil || !o.NoBroadcast
}

// TransactResult 是签名操作的基础结果。
type TransactResult struct {
	// Request 为原始签名请求。
	Request *esr.SigningRequest
	// Signer 为钱包声明并经签名验证的签名主体。
	Signer chain.PermissionLevel
	// Signatures 为钱包返回的签名。
	Signatures []chain.Signature
	// Transaction 为钱包实际签名的交易（可能含钱包注入的字段）。
	Transaction *chain.Transaction
	// SignedTransaction 为可广播形式。
	SignedTransaction *chain.SignedTransaction
	// Processed 为广播后节点返回的处理回执，未广播时为空。
	Processed json.RawMessage
	// RecoveredKeys 为从签名恢复出的压缩公钥（十六进制）。
	RecoveredKeys []chain.PublicKey
}

// IdentifyResult 在基础结果上附加身份证明字段。
type IdentifyResult struct {
	TransactResult
	// Account 为证明身份的账户。
	Account chain.Name
	// PublicKey 为钱包声明并经恢复验证的公钥。
	PublicKey chain.PublicKey
}

// LoginResult 在身份结果上附加持久化会话。
type LoginResult struct {
	IdentifyResult
	Session *Session
}

// Session 表示一条已恢复或新建的会话，绑定创建它的 Link。
type Session struct {
	link *Link

	// Identifier 为应用标识符。
	Identifier string
	// Auth 为会话的签名主体。
	Auth chain.PermissionLevel
	// Metadata 为传输层附加的不透明元数据。
	Metadata json.RawMessage
	// CreatedAt/LastUsed 为会话时间戳。
	CreatedAt time.Time
	LastUsed  time.Time
}

// Transact 以会话身份发起签名请求：未显式授权的 action
// 默认使用会话的签名主体。
func (s *Session) Transact(ctx context.Context, args TransactArgs, opts *TransactOptions) (*TransactResult, error) {
	injected, err := s.injectAuth(args)
	if err != nil {
		return nil, err
	}
	return s.link.Transact(ctx, injected, opts)
}

// Remove 删除本会话的持久化记录。
func (s *Session) Remove() error {
	return s.link.RemoveSession(s.Identifier, s.Auth)
}

func (s *Session) injectAuth(args TransactArgs) (TransactArgs, error) {
	defaultAuth := []chain.PermissionLevel{s.Auth}
	switch {
	case args.Action != nil:
		action := *args.Action
		if len(action.Authorization) == 0 {
			action.Authorization = defaultAuth
		}
		args.Action = &action
	case args.Actions != nil:
		actions := make([]chain.Action, len(args.Actions))
		copy(actions, args.Actions)
		for i := range actions {
			if len(actions[i].Authorization) == 0 {
				actions[i].Authorization = defaultAuth
			}
		}
		args.Actions = actions
	case args.Transaction != nil:
		tx := *args.Transaction
		actions := make([]chain.Action, len(tx.Actions))
		copy(actions, tx.Actions)
		for i := range actions {
			if len(actions[i].Authorization) == 0 {
				actions[i].Authorization = defaultAuth
			}
		}
		tx.Actions = actions
		args.Transaction = &tx
	}
	return args, nil
}
