package link

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/esr-link/link/pkg/chain"
	"github.com/esr-link/link/pkg/esr"
	"github.com/esr-link/link/pkg/linkerrors"
	"github.com/esr-link/link/pkg/sigverify"
	"github.com/esr-link/link/pkg/storage"
)

var testChainID = chain.ChainID(strings.Repeat("ab", 32))

type stubClient struct {
	chainID   chain.ChainID
	infoCalls atomic.Int64
	abiCalls  atomic.Int64
	pushCalls atomic.Int64
	pushErr   error
}

func (c *stubClient) GetInfo(ctx context.Context) (*chain.Info, error) {
	c.infoCalls.Add(1)
	return &chain.Info{ChainID: c.chainID, HeadBlockNum: 100}, nil
}

func (c *stubClient) GetABI(ctx context.Context, account chain.Name) (*chain.ABI, error) {
	c.abiCalls.Add(1)
	return &chain.ABI{
		Version: "test/1.0",
		Actions: []chain.ABIAction{{Name: "transfer", Type: "transfer"}},
	}, nil
}

func (c *stubClient) PushTransaction(ctx context.Context, signed *chain.SignedTransaction) (json.RawMessage, error) {
	c.pushCalls.Add(1)
	if c.pushErr != nil {
		return nil, c.pushErr
	}
	return json.RawMessage(`{"transaction_id":"deadbeef"}`), nil
}

// testWallet 用真实 secp256k1 密钥模拟钱包端签名。
type testWallet struct {
	priv   *btcec.PrivateKey
	signer chain.PermissionLevel
	codec  esr.Codec

	lastRequest *esr.SigningRequest
}

func newTestWallet(t *testing.T, signer chain.PermissionLevel) *testWallet {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return &testWallet{priv: priv, signer: signer, codec: esr.NewJSONCodec()}
}

func (w *testWallet) publicKey() chain.PublicKey {
	return chain.PublicKey(hex.EncodeToString(w.priv.PubKey().SerializeCompressed()))
}

func (w *testWallet) sign(ctx context.Context, req *esr.SigningRequest) (*esr.CallbackPayload, error) {
	w.lastRequest = req
	tx := req.Transaction
	if tx == nil {
		tx = &chain.Transaction{}
	}
	packed, err := w.codec.PackTransaction(tx, nil)
	if err != nil {
		return nil, err
	}
	digest, err := w.codec.SigningDigest(req.ChainID, packed)
	if err != nil {
		return nil, err
	}
	sig := sigverify.SignDigest(w.priv, digest)
	return &esr.CallbackPayload{
		ChainID:     req.ChainID,
		Signatures:  []chain.Signature{chain.Signature(hex.EncodeToString(sig))},
		Signer:      w.signer,
		Transaction: tx,
		PublicKey:   w.publicKey(),
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLink(t *testing.T, client *stubClient, transport Transport, store storage.Store) *Link {
	t.Helper()
	l, err := New(Config{
		ChainID:    string(client.chainID),
		Client:     client,
		Transport:  transport,
		Storage:    store,
		Logger:     testLogger(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return l
}

func transferAction() *chain.Action {
	return &chain.Action{
		Account:       "token.acct",
		Name:          "transfer",
		Authorization: []chain.PermissionLevel{{Actor: "alice", Permission: "active"}},
		Data:          json.RawMessage(`{"from":"alice","to":"bob","quantity":"1.0000"}`),
	}
}

func TestTransactSignsAndBroadcastsOnce(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	l := newTestLink(t, client, NewCallbackTransport(wallet.sign), nil)

	result, err := l.Transact(context.Background(), TransactArgs{Action: transferAction()}, nil)
	require.NoError(t, err)
	require.Equal(t, wallet.signer, result.Signer)
	require.Len(t, result.Signatures, 1)
	require.NotNil(t, result.SignedTransaction)
	require.JSONEq(t, `{"transaction_id":"deadbeef"}`, string(result.Processed))
	require.Contains(t, result.RecoveredKeys, wallet.publicKey())

	require.Equal(t, int64(1), client.pushCalls.Load())
	require.Equal(t, int64(1), client.abiCalls.Load())
	// 链 ID 已配置，不应触发 get_info
	require.Equal(t, int64(0), client.infoCalls.Load())
	require.Equal(t, 0, l.PendingCallbacks())
}

func TestTransactNoBroadcast(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	l := newTestLink(t, client, NewCallbackTransport(wallet.sign), nil)

	result, err := l.Transact(context.Background(), TransactArgs{Action: transferAction()}, &TransactOptions{NoBroadcast: true})
	require.NoError(t, err)
	require.Nil(t, result.Processed)
	require.Equal(t, int64(0), client.pushCalls.Load())
}

func TestTransactBroadcastFailureReturnsSignedResult(t *testing.T) {
	client := &stubClient{chainID: testChainID, pushErr: errors.New("node unavailable")}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	l := newTestLink(t, client, NewCallbackTransport(wallet.sign), nil)

	result, err := l.Transact(context.Background(), TransactArgs{Action: transferAction()}, nil)
	require.Error(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Signatures, 1)
	require.Nil(t, result.Processed)
}

func TestTransactUserCancelSkipsBroadcast(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	decline := func(ctx context.Context, req *esr.SigningRequest) (*esr.CallbackPayload, error) {
		return nil, linkerrors.New(linkerrors.CodeUserCancelled, "declined on device")
	}
	l := newTestLink(t, client, NewCallbackTransport(decline), nil)

	result, err := l.Transact(context.Background(), TransactArgs{Action: transferAction()}, nil)
	require.Nil(t, result)
	require.True(t, linkerrors.IsCancel(err))
	require.Equal(t, int64(0), client.pushCalls.Load())
	require.Equal(t, 0, l.PendingCallbacks())
}

func TestTransactArgsExactlyOne(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	l := newTestLink(t, client, NewCallbackTransport(wallet.sign), nil)

	cases := []TransactArgs{
		{},
		{Action: transferAction(), Actions: []chain.Action{*transferAction()}},
		{Action: transferAction(), Transaction: &chain.Transaction{Actions: []chain.Action{*transferAction()}}},
	}
	for _, args := range cases {
		result, err := l.Transact(context.Background(), args, nil)
		require.Nil(t, result)
		require.True(t, linkerrors.HasCode(err, linkerrors.CodeInvalidArgument))
	}
	// 参数校验必须发生在任何链上查询之前
	require.Equal(t, int64(0), client.infoCalls.Load())
	require.Equal(t, int64(0), client.abiCalls.Load())
}

func TestTransactShapeEquivalence(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	l := newTestLink(t, client, NewCallbackTransport(wallet.sign), nil)
	action := transferAction()

	_, err := l.Transact(context.Background(), TransactArgs{Action: action}, &TransactOptions{NoBroadcast: true})
	require.NoError(t, err)
	fromAction := wallet.lastRequest.Transaction

	_, err = l.Transact(context.Background(), TransactArgs{Actions: []chain.Action{*action}}, &TransactOptions{NoBroadcast: true})
	require.NoError(t, err)
	fromActions := wallet.lastRequest.Transaction

	_, err = l.Transact(context.Background(), TransactArgs{Transaction: &chain.Transaction{Actions: []chain.Action{*action}}}, &TransactOptions{NoBroadcast: true})
	require.NoError(t, err)
	fromTx := wallet.lastRequest.Transaction

	require.Equal(t, fromAction.Actions, fromActions.Actions)
	require.Equal(t, fromAction.Actions, fromTx.Actions)
}

func TestTransactRejectsForgedSignature(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	forged := func(ctx context.Context, req *esr.SigningRequest) (*esr.CallbackPayload, error) {
		payload, err := wallet.sign(ctx, req)
		if err != nil {
			return nil, err
		}
		// 对无关摘要签名但仍声明原公钥
		var bogus [32]byte
		bogus[0] = 0x7f
		sig := sigverify.SignDigest(wallet.priv, bogus)
		payload.Signatures = []chain.Signature{chain.Signature(hex.EncodeToString(sig))}
		return payload, nil
	}
	l := newTestLink(t, client, NewCallbackTransport(forged), nil)

	result, err := l.Transact(context.Background(), TransactArgs{Action: transferAction()}, nil)
	require.Nil(t, result)
	require.True(t, linkerrors.HasCode(err, linkerrors.CodeProtocolViolation))
	require.Equal(t, int64(0), client.pushCalls.Load())
}

func TestTransactRejectsDroppedAction(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	dropping := func(ctx context.Context, req *esr.SigningRequest) (*esr.CallbackPayload, error) {
		stripped := *req
		stripped.Transaction = &chain.Transaction{}
		return wallet.sign(ctx, &stripped)
	}
	l := newTestLink(t, client, NewCallbackTransport(dropping), nil)

	_, err := l.Transact(context.Background(), TransactArgs{Action: transferAction()}, nil)
	require.True(t, linkerrors.HasCode(err, linkerrors.CodeProtocolViolation))
}

func TestTransactAllowsWalletInjectedAction(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	injecting := func(ctx context.Context, req *esr.SigningRequest) (*esr.CallbackPayload, error) {
		padded := *req
		tx := *req.Transaction
		tx.Actions = append([]chain.Action{{
			Account:       "fee.payer",
			Name:          "payfee",
			Authorization: []chain.PermissionLevel{{Actor: "fee.payer", Permission: "active"}},
		}}, tx.Actions...)
		padded.Transaction = &tx
		return wallet.sign(ctx, &padded)
	}
	l := newTestLink(t, client, NewCallbackTransport(injecting), nil)

	result, err := l.Transact(context.Background(), TransactArgs{Action: transferAction()}, nil)
	require.NoError(t, err)
	require.Len(t, result.Transaction.Actions, 2)
}

func TestChainIDResolvedLazilyOnce(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	l, err := New(Config{
		Client:    client,
		Transport: NewCallbackTransport(wallet.sign),
		Logger:    testLogger(),
	})
	require.NoError(t, err)

	_, err = l.Transact(context.Background(), TransactArgs{Action: transferAction()}, &TransactOptions{NoBroadcast: true})
	require.NoError(t, err)
	_, err = l.Transact(context.Background(), TransactArgs{Action: transferAction()}, &TransactOptions{NoBroadcast: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), client.infoCalls.Load())
}

// silentTransport 投递成功但从不产生终态。
type silentTransport struct{}

func (silentTransport) SendRequest(context.Context, *PreparedRequest) error { return nil }
func (silentTransport) OnSuccess(*PreparedRequest, *esr.CallbackPayload)    {}
func (silentTransport) OnFailure(*PreparedRequest, error)                   {}
func (silentTransport) OnCancel(*PreparedRequest)                           {}

func TestCallbackTimeout(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	l, err := New(Config{
		ChainID:         string(testChainID),
		Client:          client,
		Transport:       silentTransport{},
		CallbackTimeout: 30 * time.Millisecond,
		Logger:          testLogger(),
	})
	require.NoError(t, err)

	_, err = l.Transact(context.Background(), TransactArgs{Action: transferAction()}, nil)
	require.True(t, linkerrors.HasCode(err, linkerrors.CodeTransport))
	require.Equal(t, 0, l.PendingCallbacks())
}

func TestCallerAbortIsUserCancelled(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	l, err := New(Config{
		ChainID:   string(testChainID),
		Client:    client,
		Transport: silentTransport{},
		Logger:    testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = l.Transact(ctx, TransactArgs{Action: transferAction()}, nil)
	require.True(t, linkerrors.IsCancel(err))
	require.Equal(t, 0, l.PendingCallbacks())
}

func TestIdentify(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	l := newTestLink(t, client, NewCallbackTransport(wallet.sign), nil)

	ident, err := l.Identify(context.Background(), "myapp")
	require.NoError(t, err)
	require.Equal(t, chain.Name("alice"), ident.Account)
	require.Equal(t, wallet.publicKey(), ident.PublicKey)
	require.True(t, wallet.lastRequest.IsIdentity())
	require.Equal(t, "myapp", wallet.lastRequest.Identity.Scope)
	// 身份证明从不广播
	require.Equal(t, int64(0), client.pushCalls.Load())
}

func TestLoginRequiresStorage(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	l := newTestLink(t, client, NewCallbackTransport(wallet.sign), nil)

	_, err := l.Login(context.Background(), "myapp")
	require.True(t, linkerrors.HasCode(err, linkerrors.CodeStorageUnconfigured))
}

func TestLoginRestoreRoundTrip(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	metadata := json.RawMessage(`{"channel":"wss://relay.example/ch1"}`)
	transport := NewCallbackTransport(wallet.sign).WithSessionMetadata(metadata)
	store := storage.NewMemoryStore()
	l := newTestLink(t, client, transport, store)

	login, err := l.Login(context.Background(), "myapp")
	require.NoError(t, err)
	require.NotNil(t, login.Session)
	require.Equal(t, wallet.signer, login.Session.Auth)
	require.JSONEq(t, string(metadata), string(login.Session.Metadata))
	require.False(t, login.Session.CreatedAt.IsZero())

	restored, err := l.RestoreSession("myapp")
	require.NoError(t, err)
	require.NotNil(t, restored)
	require.Equal(t, wallet.signer, restored.Auth)
	require.JSONEq(t, string(metadata), string(restored.Metadata))

	byAuth, err := l.RestoreSession("myapp", wallet.signer)
	require.NoError(t, err)
	require.NotNil(t, byAuth)

	missing, err := l.RestoreSession("otherapp")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRestoreSessionRefreshesLastUsed(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	store := storage.NewMemoryStore()
	l := newTestLink(t, client, NewCallbackTransport(wallet.sign), store)

	login, err := l.Login(context.Background(), "myapp")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	restored, err := l.RestoreSession("myapp")
	require.NoError(t, err)
	require.NotNil(t, restored)
	require.True(t, restored.LastUsed.After(login.Session.LastUsed))
	require.Equal(t, login.Session.CreatedAt, restored.CreatedAt)

	// 句柄时间戳与存储一致
	stored, err := l.RestoreSession("myapp", wallet.signer)
	require.NoError(t, err)
	require.False(t, stored.LastUsed.Before(restored.LastUsed))
}

func TestSessionListingIsMostRecentFirst(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	store := storage.NewMemoryStore()
	alice := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "active"})
	bob := newTestWallet(t, chain.PermissionLevel{Actor: "bob", Permission: "active"})

	aliceLink := newTestLink(t, client, NewCallbackTransport(alice.sign), store)
	_, err := aliceLink.Login(context.Background(), "myapp")
	require.NoError(t, err)

	bobLink := newTestLink(t, &stubClient{chainID: testChainID}, NewCallbackTransport(bob.sign), store)
	_, err = bobLink.Login(context.Background(), "myapp")
	require.NoError(t, err)

	sessions, err := bobLink.ListSessions("myapp")
	require.NoError(t, err)
	require.Equal(t, []chain.PermissionLevel{bob.signer, alice.signer}, sessions)

	// 恢复 alice 的会话把它提升到最前
	_, err = aliceLink.RestoreSession("myapp", alice.signer)
	require.NoError(t, err)
	sessions, err = aliceLink.ListSessions("myapp")
	require.NoError(t, err)
	require.Equal(t, []chain.PermissionLevel{alice.signer, bob.signer}, sessions)

	require.NoError(t, aliceLink.RemoveSession("myapp", alice.signer))
	sessions, err = aliceLink.ListSessions("myapp")
	require.NoError(t, err)
	require.Equal(t, []chain.PermissionLevel{bob.signer}, sessions)

	require.NoError(t, aliceLink.ClearSessions("myapp"))
	sessions, err = aliceLink.ListSessions("myapp")
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestSessionTransactInjectsAuth(t *testing.T) {
	client := &stubClient{chainID: testChainID}
	wallet := newTestWallet(t, chain.PermissionLevel{Actor: "alice", Permission: "owner"})
	store := storage.NewMemoryStore()
	l := newTestLink(t, client, NewCallbackTransport(wallet.sign), store)

	login, err := l.Login(context.Background(), "myapp")
	require.NoError(t, err)

	action := transferAction()
	action.Authorization = nil
	_, err = login.Session.Transact(context.Background(), TransactArgs{Action: action}, &TransactOptions{NoBroadcast: true})
	require.NoError(t, err)
	require.Equal(t,
		[]chain.PermissionLevel{{Actor: "alice", Permission: "owner"}},
		wallet.lastRequest.Transaction.Actions[0].Authorization)

	// 显式授权不被覆盖
	explicit := transferAction()
	_, err = login.Session.Transact(context.Background(), TransactArgs{Action: explicit}, &TransactOptions{NoBroadcast: true})
	require.NoError(t, err)
	require.Equal(t, explicit.Authorization, wallet.lastRequest.Transaction.Actions[0].Authorization)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.True(t, linkerrors.HasCode(err, linkerrors.CodeInvalidArgument))

	_, err = New(Config{Transport: silentTransport{}})
	require.True(t, linkerrors.HasCode(err, linkerrors.CodeInvalidArgument))

	_, err = New(Config{Transport: silentTransport{}, Client: &stubClient{}, ChainID: "not-hex"})
	require.True(t, linkerrors.HasCode(err, linkerrors.CodeInvalidArgument))
}
