// Package link 实现面向远程钱包的签名请求编排：构造链作用域的
// 签名请求、经可插拔传输层投递、等待异步回调携带的签名、验签并
// 可选广播，同时管理跨重启的多会话登录状态。私钥材料从不进入本库。
package link

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/esr-link/link/internal/abicache"
	"github.com/esr-link/link/internal/callback"
	"github.com/esr-link/link/internal/chainapi"
	"github.com/esr-link/link/internal/sessionstore"
	"github.com/esr-link/link/pkg/chain"
	"github.com/esr-link/link/pkg/esr"
	"github.com/esr-link/link/pkg/linkerrors"
	"github.com/esr-link/link/pkg/sigverify"
)

// Link 把 ABI 缓存、回调关联器、会话存储与传输层组合为
// transact/identify/login 操作。一个实例绑定一条链；
// ABI 缓存与挂起回调表由实例独占，多个实例互不干扰。
type Link struct {
	cfg        Config
	logger     *slog.Logger
	client     APIClient
	codec      esr.Codec
	transport  Transport
	abis       *abicache.Cache
	correlator *callback.Correlator
	sessions   *sessionstore.Store
	metrics    *Metrics

	mu      sync.Mutex
	chainID chain.ChainID
}

// New 创建 Link。
func New(cfg Config) (*Link, error) {
	normalized := cfg.normalize()
	if normalized.Transport == nil {
		return nil, linkerrors.New(linkerrors.CodeInvalidArgument, "transport is required")
	}
	if normalized.ChainID != "" && !chain.ChainID(normalized.ChainID).Valid() {
		return nil, linkerrors.Newf(linkerrors.CodeInvalidArgument, "invalid chain id %q", normalized.ChainID)
	}

	client := normalized.Client
	if client == nil {
		if normalized.NodeURL == "" {
			return nil, linkerrors.New(linkerrors.CodeInvalidArgument, "either Client or NodeURL is required")
		}
		var apiMetrics *chainapi.Metrics
		if normalized.Registerer != nil {
			apiMetrics = chainapi.NewMetrics(normalized.Registerer)
		}
		httpClient, err := chainapi.New(chainapi.Config{
			Endpoint: normalized.NodeURL,
			Logger:   normalized.Logger,
			Metrics:  apiMetrics,
		})
		if err != nil {
			return nil, linkerrors.Wrap(linkerrors.CodeInvalidArgument, "configure node client", err)
		}
		client = httpClient
	}

	cacheOpts := []abicache.Option{abicache.WithLogger(normalized.Logger)}
	correlatorOpts := []callback.Option{callback.WithLogger(normalized.Logger)}
	var metrics *Metrics
	if normalized.Registerer != nil {
		cacheOpts = append(cacheOpts, abicache.WithMetrics(abicache.NewMetrics(normalized.Registerer)))
		correlatorOpts = append(correlatorOpts, callback.WithMetrics(callback.NewMetrics(normalized.Registerer)))
		metrics = NewMetrics(normalized.Registerer)
	}
	abis, err := abicache.New(client, cacheOpts...)
	if err != nil {
		return nil, linkerrors.Wrap(linkerrors.CodeInvalidArgument, "configure abi cache", err)
	}
	correlator, err := callback.New(normalized.ServiceURL, correlatorOpts...)
	if err != nil {
		return nil, linkerrors.Wrap(linkerrors.CodeInvalidArgument, "configure callback service", err)
	}

	return &Link{
		cfg:        normalized,
		logger:     normalized.Logger,
		client:     client,
		codec:      normalized.Codec,
		transport:  normalized.Transport,
		abis:       abis,
		correlator: correlator,
		sessions:   sessionstore.New(normalized.Storage, sessionstore.WithLogger(normalized.Logger)),
		metrics:    metrics,
		chainID:    chain.ChainID(normalized.ChainID),
	}, nil
}

// ChainID 返回已解析的链标识，必要时通过 get_info 获取。
func (l *Link) ChainID(ctx context.Context) (chain.ChainID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.chainID != "" {
		return l.chainID, nil
	}
	info, err := l.client.GetInfo(ctx)
	if err != nil {
		return "", err
	}
	l.chainID = info.ChainID
	return l.chainID, nil
}

// Transact 请求钱包对载荷签名，默认随后广播。
// 广播失败时签名仍然有效：结果与错误同时返回，供调用方自行重播。
func (l *Link) Transact(ctx context.Context, args TransactArgs, opts *TransactOptions) (*TransactResult, error) {
	tx, err := normalizeArgs(args)
	if err != nil {
		l.metrics.incOperation("transact", "invalid")
		return nil, err
	}
	prepared, err := l.buildRequest(ctx, tx, nil)
	if err != nil {
		l.metrics.incOperation("transact", "build_failed")
		return nil, err
	}
	payload, err := l.dispatchAndAwait(ctx, prepared)
	if err != nil {
		l.metrics.incOperation("transact", outcomeLabel(err))
		return nil, err
	}
	result, err := l.verify(prepared, payload)
	if err != nil {
		l.transport.OnFailure(prepared, err)
		l.metrics.incOperation("transact", "protocol_violation")
		return nil, err
	}
	l.transport.OnSuccess(prepared, payload)

	if opts.broadcast() {
		receipt, pushErr := l.client.PushTransaction(ctx, result.SignedTransaction)
		if pushErr != nil {
			l.logger.Warn("broadcast failed after valid signature",
				slog.String("signer", result.Signer.String()), slog.Any("err", pushErr))
			l.metrics.incOperation("transact", "broadcast_failed")
			return result, pushErr
		}
		result.Processed = receipt
	}
	l.metrics.incOperation("transact", "success")
	return result, nil
}

// Identify 请求钱包出具身份证明：返回签名者账户与公钥。
func (l *Link) Identify(ctx context.Context, scope string) (*IdentifyResult, error) {
	if scope == "" {
		return nil, linkerrors.New(linkerrors.CodeInvalidArgument, "identify scope is required")
	}
	prepared, err := l.buildRequest(ctx, nil, &esr.IdentityRequest{Scope: scope})
	if err != nil {
		l.metrics.incOperation("identify", "build_failed")
		return nil, err
	}
	payload, err := l.dispatchAndAwait(ctx, prepared)
	if err != nil {
		l.metrics.incOperation("identify", outcomeLabel(err))
		return nil, err
	}
	result, err := l.verify(prepared, payload)
	if err == nil && payload.PublicKey == "" {
		err = linkerrors.New(linkerrors.CodeProtocolViolation, "identity proof missing public key")
	}
	if err != nil {
		l.transport.OnFailure(prepared, err)
		l.metrics.incOperation("identify", "protocol_violation")
		return nil, err
	}
	l.transport.OnSuccess(prepared, payload)
	l.metrics.incOperation("identify", "success")
	return &IdentifyResult{
		TransactResult: *result,
		Account:        payload.Signer.Actor,
		PublicKey:      payload.PublicKey,
	}, nil
}

// Login 完成身份证明并把会话持久化到存储，新会话移动到最近使用位。
func (l *Link) Login(ctx context.Context, identifier string) (*LoginResult, error) {
	if !l.sessions.Configured() {
		return nil, linkerrors.New(linkerrors.CodeStorageUnconfigured, "login requires a storage adapter")
	}
	ident, err := l.Identify(ctx, identifier)
	if err != nil {
		return nil, err
	}
	var metadata json.RawMessage
	if provider, ok := l.transport.(SessionMetadataProvider); ok {
		metadata = provider.SessionMetadata()
	}
	rec := sessionstore.Record{Identifier: identifier, Auth: ident.Signer, Metadata: metadata}
	if err := l.sessions.Save(rec); err != nil {
		return nil, err
	}
	stored, err := l.sessions.Get(identifier, ident.Signer)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		IdentifyResult: *ident,
		Session:        l.sessionFromRecord(stored),
	}, nil
}

// RestoreSession 恢复持久化会话。auth 省略时取最近使用的会话；
// 无匹配记录返回 (nil, nil)。
func (l *Link) RestoreSession(identifier string, auth ...chain.PermissionLevel) (*Session, error) {
	if len(auth) > 1 {
		return nil, linkerrors.New(linkerrors.CodeInvalidArgument, "at most one auth may be given")
	}
	var (
		rec *sessionstore.Record
		err error
	)
	if len(auth) == 1 {
		rec, err = l.sessions.Get(identifier, auth[0])
	} else {
		rec, err = l.sessions.Latest(identifier)
	}
	if err != nil || rec == nil {
		return nil, err
	}
	if err := l.sessions.Touch(identifier, rec.Auth); err != nil {
		return nil, err
	}
	// 句柄反映触碰后的持久化状态
	refreshed, err := l.sessions.Get(identifier, rec.Auth)
	if err != nil {
		return nil, err
	}
	if refreshed != nil {
		rec = refreshed
	}
	return l.sessionFromRecord(rec), nil
}

// ListSessions 返回标识符下的全部会话主体，最近使用在前。
func (l *Link) ListSessions(identifier string) ([]chain.PermissionLevel, error) {
	return l.sessions.List(identifier)
}

// RemoveSession 删除指定会话记录与索引项。
func (l *Link) RemoveSession(identifier string, auth chain.PermissionLevel) error {
	return l.sessions.Remove(identifier, auth)
}

// ClearSessions 删除标识符下的全部会话。
func (l *Link) ClearSessions(identifier string) error {
	return l.sessions.Clear(identifier)
}

// PendingCallbacks 返回等待终态的回调数量，诊断用。
func (l *Link) PendingCallbacks() int {
	return l.correlator.PendingCount()
}

func (l *Link) sessionFromRecord(rec *sessionstore.Record) *Session {
	if rec == nil {
		return nil
	}
	return &Session{
		link:       l,
		Identifier: rec.Identifier,
		Auth:       rec.Auth,
		Metadata:   rec.Metadata,
		CreatedAt:  rec.CreatedAt,
		LastUsed:   rec.LastUsed,
	}
}

// normalizeArgs 校验三种载荷形式有且只有一种，并统一为交易。
// 校验在任何网络或传输调用之前完成。
func normalizeArgs(args TransactArgs) (*chain.Transaction, error) {
	given := 0
	if args.Action != nil {
		given++
	}
	if args.Actions != nil {
		given++
	}
	if args.Transaction != nil {
		given++
	}
	if given != 1 {
		return nil, linkerrors.Newf(linkerrors.CodeInvalidArgument, "exactly one of action, actions or transaction must be given, got %d", given)
	}

	var tx chain.Transaction
	switch {
	case args.Action != nil:
		tx.Actions = []chain.Action{*args.Action}
	case args.Actions != nil:
		if len(args.Actions) == 0 {
			return nil, linkerrors.New(linkerrors.CodeInvalidArgument, "actions list must not be empty")
		}
		tx.Actions = append([]chain.Action(nil), args.Actions...)
	default:
		tx = *args.Transaction
	}
	for _, action := range tx.Actions {
		if !action.Valid() {
			return nil, linkerrors.Newf(linkerrors.CodeInvalidArgument, "invalid action %s::%s", action.Account, action.Name)
		}
	}
	return &tx, nil
}

// buildRequest 组装签名请求：解析链 ID、按需抓取 ABI、
// 铸造回调地址并编码投递 URI。
func (l *Link) buildRequest(ctx context.Context, tx *chain.Transaction, identity *esr.IdentityRequest) (*PreparedRequest, error) {
	id, err := l.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if tx != nil {
		abis := make(map[chain.Name]*chain.ABI)
		for _, action := range tx.Actions {
			if _, ok := abis[action.Account]; ok {
				continue
			}
			abi, fetchErr := l.abis.GetABI(ctx, action.Account)
			if fetchErr != nil {
				return nil, fetchErr
			}
			abis[action.Account] = abi
		}
		if _, packErr := l.codec.PackTransaction(tx, abis); packErr != nil {
			return nil, linkerrors.Wrap(linkerrors.CodeInvalidArgument, "encode transaction", packErr)
		}
	}

	pending := l.correlator.Create()
	req := &esr.SigningRequest{
		ChainID:     id,
		Transaction: tx,
		Identity:    identity,
		Callback:    esr.Callback{URL: pending.URL(), Background: true},
	}
	uri, err := l.codec.EncodeRequest(req)
	if err != nil {
		l.correlator.Dispose(pending.Token())
		return nil, linkerrors.Wrap(linkerrors.CodeInvalidArgument, "encode signing request", err)
	}
	return &PreparedRequest{Request: req, URI: uri, correlator: l.correlator, pending: pending}, nil
}

// dispatchAndAwait 投递请求并阻塞等待终态，负责超时与取消的
// 归类以及传输层收尾钩子。
func (l *Link) dispatchAndAwait(ctx context.Context, prepared *PreparedRequest) (*esr.CallbackPayload, error) {
	if err := l.transport.SendRequest(ctx, prepared); err != nil {
		l.correlator.Dispose(prepared.pending.Token())
		if _, ok := linkerrors.FromError(err); !ok {
			err = linkerrors.Wrap(linkerrors.CodeTransport, "deliver signing request", err)
		}
		l.transport.OnFailure(prepared, err)
		return nil, err
	}

	waitCtx := ctx
	if l.cfg.CallbackTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.cfg.CallbackTimeout)
		defer cancel()
	}
	payload, err := prepared.pending.Wait(waitCtx)
	if err == nil {
		return payload, nil
	}
	l.correlator.Dispose(prepared.pending.Token())
	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		err = linkerrors.Wrap(linkerrors.CodeTransport, "callback wait timed out", err)
		l.transport.OnFailure(prepared, err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		err = linkerrors.Wrap(linkerrors.CodeUserCancelled, "request aborted by caller", err)
		l.transport.OnCancel(prepared)
	case linkerrors.IsCancel(err):
		l.transport.OnCancel(prepared)
	default:
		if _, ok := linkerrors.FromError(err); !ok {
			err = linkerrors.Wrap(linkerrors.CodeTransport, "callback failed", err)
		}
		l.transport.OnFailure(prepared, err)
	}
	return nil, err
}

// verify 针对钱包实际签名的交易字节验签。钱包可能在原请求上
// 注入字段（如资源费用），因此摘要必须基于返回的交易重新计算，
// 同时要求原请求的全部 action 原样包含在返回交易中。
func (l *Link) verify(prepared *PreparedRequest, payload *esr.CallbackPayload) (*TransactResult, error) {
	req := prepared.Request
	if payload.Transaction == nil {
		return nil, linkerrors.New(linkerrors.CodeProtocolViolation, "callback payload missing transaction")
	}
	if payload.ChainID != "" && payload.ChainID != req.ChainID {
		return nil, linkerrors.Newf(linkerrors.CodeProtocolViolation, "callback chain id %s does not match request", payload.ChainID)
	}
	if len(payload.Signatures) == 0 {
		return nil, linkerrors.New(linkerrors.CodeProtocolViolation, "callback payload missing signatures")
	}
	if !payload.Signer.Valid() {
		return nil, linkerrors.Newf(linkerrors.CodeProtocolViolation, "invalid signer %q in callback", payload.Signer.String())
	}
	if req.Transaction != nil {
		if err := containsActions(payload.Transaction, req.Transaction.Actions); err != nil {
			return nil, err
		}
	}

	packed, err := l.codec.PackTransaction(payload.Transaction, nil)
	if err != nil {
		return nil, linkerrors.Wrap(linkerrors.CodeProtocolViolation, "pack returned transaction", err)
	}
	digest, err := l.codec.SigningDigest(req.ChainID, packed)
	if err != nil {
		return nil, linkerrors.Wrap(linkerrors.CodeProtocolViolation, "compute signing digest", err)
	}

	recovered := make([]chain.PublicKey, 0, len(payload.Signatures))
	for _, sig := range payload.Signatures {
		raw, sigErr := sig.Bytes()
		if sigErr != nil {
			return nil, linkerrors.Wrap(linkerrors.CodeProtocolViolation, "malformed signature in callback", sigErr)
		}
		key, recErr := sigverify.RecoverDigest(raw, digest)
		if recErr != nil {
			return nil, linkerrors.Wrap(linkerrors.CodeProtocolViolation, "signature does not match signed transaction", recErr)
		}
		recovered = append(recovered, chain.PublicKey(hex.EncodeToString(key)))
	}
	if payload.PublicKey != "" && !containsKey(recovered, payload.PublicKey) {
		return nil, linkerrors.New(linkerrors.CodeProtocolViolation, "declared public key did not sign the transaction")
	}

	return &TransactResult{
		Request:     req,
		Signer:      payload.Signer,
		Signatures:  payload.Signatures,
		Transaction: payload.Transaction,
		SignedTransaction: &chain.SignedTransaction{
			Transaction: *payload.Transaction,
			Signatures:  payload.Signatures,
		},
		RecoveredKeys: recovered,
	}, nil
}

// containsActions 校验请求的每个 action 都原样出现在返回交易中。
func containsActions(returned *chain.Transaction, requested []chain.Action) error {
	for _, want := range requested {
		wantRaw, err := json.Marshal(want)
		if err != nil {
			return linkerrors.Wrap(linkerrors.CodeProtocolViolation, "encode requested action", err)
		}
		found := false
		for _, got := range returned.Actions {
			gotRaw, err := json.Marshal(got)
			if err != nil {
				continue
			}
			if string(wantRaw) == string(gotRaw) {
				found = true
				break
			}
		}
		if !found {
			return linkerrors.Newf(linkerrors.CodeProtocolViolation, "returned transaction is missing requested action %s::%s", want.Account, want.Name)
		}
	}
	return nil
}

func containsKey(keys []chain.PublicKey, want chain.PublicKey) bool {
	for _, key := range keys {
		if key == want {
			return true
		}
	}
	return false
}

func outcomeLabel(err error) string {
	switch {
	case linkerrors.IsCancel(err):
		return "cancelled"
	case linkerrors.HasCode(err, linkerrors.CodeTransport):
		return "transport_error"
	default:
		return "error"
	}
}
