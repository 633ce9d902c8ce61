package callback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/esr-link/link/pkg/chain"
	"github.com/esr-link/link/pkg/esr"
	"github.com/esr-link/link/pkg/linkerrors"
)

func newTestCorrelator(t *testing.T) *Correlator {
	t.Helper()
	c, err := New("https://cb.example/", WithMetrics(NewMetrics(prometheus.NewRegistry())))
	require.NoError(t, err)
	return c
}

func TestCreateMintsUniqueURLs(t *testing.T) {
	c := newTestCorrelator(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		p := c.Create()
		require.False(t, seen[p.URL()], "duplicate callback url %s", p.URL())
		seen[p.URL()] = true
		require.Equal(t, "https://cb.example/"+p.Token(), p.URL())
	}
	require.Equal(t, 100, c.PendingCount())
}

func TestResolveDeliversPayloadOnce(t *testing.T) {
	c := newTestCorrelator(t)
	p := c.Create()

	payload := &esr.CallbackPayload{Signer: chain.PermissionLevel{Actor: "alice", Permission: "active"}}
	require.True(t, c.Resolve(p.Token(), payload))

	got, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// 再次 resolve/cancel 均为无操作
	require.False(t, c.Resolve(p.Token(), payload))
	require.False(t, c.Cancel(p.Token(), "again"))
	require.Equal(t, 0, c.PendingCount())
}

func TestCancelDeliversUserCancelled(t *testing.T) {
	c := newTestCorrelator(t)
	p := c.Create()
	require.True(t, c.Cancel(p.Token(), "user declined"))

	_, err := p.Wait(context.Background())
	require.True(t, linkerrors.IsCancel(err))
}

func TestFailDeliversError(t *testing.T) {
	c := newTestCorrelator(t)
	p := c.Create()
	cause := errors.New("relay unreachable")
	require.True(t, c.Fail(p.Token(), cause))

	_, err := p.Wait(context.Background())
	require.ErrorIs(t, err, cause)
}

func TestUnknownTokenIsNoop(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	c, err := New("https://cb.example", WithMetrics(metrics))
	require.NoError(t, err)

	require.False(t, c.Resolve("no-such-token", &esr.CallbackPayload{}))
	require.False(t, c.Cancel("no-such-token", ""))
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.lateTotal))
}

func TestWaitHonorsContext(t *testing.T) {
	c := newTestCorrelator(t)
	p := c.Create()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// 等待方离开后释放令牌，迟到的 resolve 不应崩溃
	c.Dispose(p.Token())
	require.False(t, c.Resolve(p.Token(), &esr.CallbackPayload{}))
	require.Equal(t, 0, c.PendingCount())
}

func TestRaceBetweenResolveAndCancel(t *testing.T) {
	c := newTestCorrelator(t)
	p := c.Create()

	done := make(chan bool, 2)
	go func() { done <- c.Resolve(p.Token(), &esr.CallbackPayload{}) }()
	go func() { done <- c.Cancel(p.Token(), "abort") }()

	first, second := <-done, <-done
	require.True(t, first != second, "exactly one of resolve/cancel must win")

	// 无论谁胜出，等待方只观察到一个终态
	_, _ = p.Wait(context.Background())
}

func TestNewValidatesService(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
