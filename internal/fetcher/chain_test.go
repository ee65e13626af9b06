package fetcher

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func page(n int) []byte {
	return []byte("<html><body><p>" + strings.Repeat("x", n) + "</p></body></html>")
}

func TestChainShortCircuitsOnAcceptableFirstTier(t *testing.T) {
	t.Parallel()

	direct := &fakeTier{name: "direct", result: Result{StatusCode: 200, Body: page(600)}}
	headless := &fakeTier{name: "headless", result: Result{Body: page(2000)}}
	proxy := &fakeTier{name: "proxy", result: Result{Body: page(2000)}}

	chain := NewChain(ChainConfig{}, fakeBlocks{}, zap.NewNop(), direct, headless, proxy)
	res, err := chain.Fetch(context.Background(), "https://example.com/job")
	require.NoError(t, err)
	assert.Equal(t, "direct", res.Tier)
	assert.EqualValues(t, 1, direct.calls.Load())
	assert.Zero(t, headless.calls.Load())
	assert.Zero(t, proxy.calls.Load())
}

func TestChainFallsThroughHTTPErrorToHeadless(t *testing.T) {
	t.Parallel()

	direct := &fakeTier{name: "direct", err: NewTierError("direct", KindHTTPStatus, 403, "HTTP error: 403")}
	headless := &fakeTier{name: "headless", result: Result{Body: page(2000)}}
	proxy := &fakeTier{name: "proxy", result: Result{Body: page(2000)}}

	chain := NewChain(ChainConfig{}, fakeBlocks{}, zap.NewNop(), direct, headless, proxy)
	res, err := chain.Fetch(context.Background(), "https://example.com/job")
	require.NoError(t, err)
	assert.Equal(t, "headless", res.Tier)
	assert.Zero(t, proxy.calls.Load())
}

func TestChainSkipsUnavailableTiers(t *testing.T) {
	t.Parallel()

	direct := &fakeTier{name: "direct", result: Result{Body: page(10)}}
	headless := &fakeTier{name: "headless", err: ErrUnavailable}
	proxy := &fakeTier{name: "proxy", result: Result{Body: page(900)}}

	chain := NewChain(ChainConfig{}, fakeBlocks{}, zap.NewNop(), direct, headless, proxy)
	res, err := chain.Fetch(context.Background(), "https://example.com/job")
	require.NoError(t, err)
	assert.Equal(t, "proxy", res.Tier)
	assert.EqualValues(t, 1, headless.calls.Load())
}

func TestChainReturnsShortContentWhenNothingBetter(t *testing.T) {
	t.Parallel()

	direct := &fakeTier{name: "direct", result: Result{Body: page(100)}}
	headless := &fakeTier{name: "headless", result: Result{Body: page(300)}}
	proxy := &fakeTier{name: "proxy", err: ErrUnavailable}

	chain := NewChain(ChainConfig{}, fakeBlocks{}, zap.NewNop(), direct, headless, proxy)
	res, err := chain.Fetch(context.Background(), "https://example.com/job")
	require.NoError(t, err)
	assert.Equal(t, "headless", res.Tier)
	assert.Len(t, res.Body, len(page(300)))
}

func TestChainTreatsBlockPagesAsSoftFailures(t *testing.T) {
	t.Parallel()

	blocked := []byte("<html><title>Access Denied</title>" + strings.Repeat(" ", 600) + "</html>")
	direct := &fakeTier{name: "direct", result: Result{StatusCode: 200, Body: blocked}}
	headless := &fakeTier{name: "headless", result: Result{Body: blocked}}
	proxy := &fakeTier{name: "proxy", result: Result{Body: page(1200)}}

	chain := NewChain(ChainConfig{}, fakeBlocks{marker: "Access Denied"}, zap.NewNop(), direct, headless, proxy)
	res, err := chain.Fetch(context.Background(), "https://example.com/job")
	require.NoError(t, err)
	assert.Equal(t, "proxy", res.Tier)
	assert.EqualValues(t, 1, direct.calls.Load())
	assert.EqualValues(t, 1, headless.calls.Load())
}

func TestChainReportsMostSpecificError(t *testing.T) {
	t.Parallel()

	direct := &fakeTier{name: "direct", err: NewTierError("direct", KindHTTPStatus, 404, "HTTP error: 404")}
	headless := &fakeTier{name: "headless", err: context.DeadlineExceeded}
	proxy := &fakeTier{name: "proxy", err: errors.New("connection reset")}

	chain := NewChain(ChainConfig{}, fakeBlocks{}, zap.NewNop(), direct, headless, proxy)
	_, err := chain.Fetch(context.Background(), "https://example.com/job")
	require.Error(t, err)
	assert.Equal(t, "HTTP error: 404", err.Error())

	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	require.Len(t, chainErr.Attempts, 3)
	assert.Equal(t, KindTimeout, chainErr.Attempts[1].Kind)
	assert.Equal(t, "Request timed out", chainErr.Attempts[1].Error())
	assert.Equal(t, KindTransport, chainErr.Attempts[2].Kind)
	assert.Equal(t, "Request error: connection reset", chainErr.Attempts[2].Error())
	assert.Equal(t, "direct=http_status,headless=timeout,proxy=transport", chainErr.Summary())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChainEachTierAttemptedOnce(t *testing.T) {
	t.Parallel()

	direct := &fakeTier{name: "direct", err: errors.New("dial tcp: refused")}
	headless := &fakeTier{name: "headless", result: Result{}}
	chain := NewChain(ChainConfig{}, nil, nil, direct, nil, headless)
	_, err := chain.Fetch(context.Background(), "https://example.com/job")
	require.Error(t, err)
	assert.EqualValues(t, 1, direct.calls.Load())
	assert.EqualValues(t, 1, headless.calls.Load())
	assert.Equal(t, []string{"direct", "headless"}, chain.Tiers())
}

func TestChainAllUnavailable(t *testing.T) {
	t.Parallel()

	chain := NewChain(ChainConfig{}, nil, zap.NewNop(), &fakeTier{name: "headless", err: ErrUnavailable})
	_, err := chain.Fetch(context.Background(), "https://example.com/job")
	require.Error(t, err)
	assert.Equal(t, "no fetch tier available", err.Error())
}

func TestChainStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	direct := &fakeTier{name: "direct", result: Result{Body: page(900)}}
	chain := NewChain(ChainConfig{}, nil, zap.NewNop(), direct)
	_, err := chain.Fetch(ctx, "https://example.com/job")
	require.Error(t, err)
	assert.Zero(t, direct.calls.Load())
}

// --- fakes ---

type fakeTier struct {
	name   string
	result Result
	err    error
	calls  atomic.Int32
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Fetch(_ context.Context, url string) (Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return Result{}, f.err
	}
	res := f.result
	res.URL = url
	return res, nil
}

type fakeBlocks struct {
	marker string
}

func (b fakeBlocks) IsBlocked(body []byte) bool {
	return b.marker != "" && strings.Contains(string(body), b.marker)
}
