// internal/gateway/gateway_test.go
package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rokutrade/engine/internal/types"
)

type mockChain struct {
	sendErr   error
	sendCalls atomic.Int32
	status    types.TxStatus
}

func (m *mockChain) SendRawTransaction(_ context.Context, _ []byte) (string, error) {
	m.sendCalls.Add(1)
	if m.sendErr != nil {
		return "", m.sendErr
	}
	return "5igSig", nil
}

func (m *mockChain) SignatureStatus(_ context.Context, _ string) (types.TxStatus, error) {
	return m.status, nil
}

func newTestGateway(t *testing.T, quoteURL, swapURL string, chain ChainRPC) *Gateway {
	t.Helper()
	return New(Config{
		QuoteURL: quoteURL,
		SwapURL:  swapURL,
		Timeout:  2 * time.Second,
		MaxTries: 3,
	}, chain, zaptest.NewLogger(t))
}

const quoteBody = `{
	"inputMint": "So11111111111111111111111111111111111111112",
	"inAmount": "1000000000",
	"outputMint": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	"outAmount": "153420000",
	"priceImpactPct": "0.0012",
	"slippageBps": 100
}`

func TestQuoteParsesAggregatorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1000000000", r.URL.Query().Get("amount"))
		assert.Equal(t, "100", r.URL.Query().Get("slippageBps"))
		fmt.Fprint(w, quoteBody)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, srv.URL, &mockChain{})
	q, err := g.Quote(context.Background(), types.WSOLMint, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", 1_000_000_000, 100)
	require.NoError(t, err)

	assert.Equal(t, uint64(1_000_000_000), q.InAmount)
	assert.Equal(t, uint64(153_420_000), q.OutAmount)
	assert.InDelta(t, 0.0012, q.PriceImpactPct, 1e-9)
	assert.NotEmpty(t, q.Raw)
}

func TestQuoteRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, quoteBody)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, srv.URL, &mockChain{})
	q, err := g.Quote(context.Background(), types.WSOLMint, "mint", 1_000_000_000, 100)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(153_420_000), q.OutAmount)
}

func TestQuoteRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"no route found"}`)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, srv.URL, &mockChain{})
	_, err := g.Quote(context.Background(), types.WSOLMint, "mint", 1_000_000_000, 100)
	require.Error(t, err)

	assert.True(t, types.IsRejected(err))
	assert.Equal(t, int32(1), calls.Load(), "rejections must not be retried")
}

func TestQuoteExhaustsRetriesOnPersistentOutage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, srv.URL, &mockChain{})
	_, err := g.Quote(context.Background(), types.WSOLMint, "mint", 1_000_000_000, 100)
	require.Error(t, err)

	assert.True(t, types.IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestQuoteRejectsZeroAmount(t *testing.T) {
	g := newTestGateway(t, "http://unused", "http://unused", &mockChain{})
	_, err := g.Quote(context.Background(), types.WSOLMint, "mint", 0, 100)
	assert.True(t, types.IsRejected(err))
}

func TestSwapReturnsDecodedTransaction(t *testing.T) {
	rawTx := []byte{0x01, 0x02, 0x03, 0x04}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		fmt.Fprintf(w, `{"swapTransaction":%q}`, base64.StdEncoding.EncodeToString(rawTx))
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, srv.URL, &mockChain{})
	got, err := g.Swap(context.Background(), &Quote{Raw: []byte(quoteBody)}, "Signer111")
	require.NoError(t, err)
	assert.Equal(t, rawTx, got)
}

func TestSwapWithoutTransactionIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, srv.URL, &mockChain{})
	_, err := g.Swap(context.Background(), &Quote{Raw: []byte(quoteBody)}, "Signer111")
	assert.True(t, types.IsRejected(err))
}

func TestSubmitRetriesTransientRPCFailures(t *testing.T) {
	chain := &mockChain{sendErr: &types.TransientNetworkError{Err: fmt.Errorf("node unavailable")}}
	g := newTestGateway(t, "http://unused", "http://unused", chain)

	_, err := g.Submit(context.Background(), []byte{0x01})
	require.Error(t, err)
	assert.Equal(t, int32(3), chain.sendCalls.Load())
}

func TestSubmitSucceeds(t *testing.T) {
	chain := &mockChain{}
	g := newTestGateway(t, "http://unused", "http://unused", chain)

	sig, err := g.Submit(context.Background(), []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, "5igSig", sig)
	assert.Equal(t, int32(1), chain.sendCalls.Load())
}

func TestStatusDelegatesToChain(t *testing.T) {
	g := newTestGateway(t, "http://unused", "http://unused", &mockChain{status: types.TxConfirmed})
	status, err := g.Status(context.Background(), "5igSig")
	require.NoError(t, err)
	assert.Equal(t, types.TxConfirmed, status)
}
