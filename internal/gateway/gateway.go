// internal/gateway/gateway.go
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/rokutrade/engine/internal/types"
)

// ChainRPC is the slice of the RPC client the gateway needs for submission
// and status polling.
type ChainRPC interface {
	SendRawTransaction(ctx context.Context, signed []byte) (string, error)
	SignatureStatus(ctx context.Context, signature string) (types.TxStatus, error)
}

// Quote is one priced route from the aggregator. Raw carries the unmodified
// quote payload because the swap endpoint wants it echoed back verbatim.
type Quote struct {
	InputMint      string
	OutputMint     string
	InAmount       uint64
	OutAmount      uint64
	PriceImpactPct float64
	SlippageBps    int
	Raw            json.RawMessage
}

// Config for the gateway.
type Config struct {
	QuoteURL string
	SwapURL  string
	Timeout  time.Duration
	MaxTries uint
}

// Gateway talks to the external swap aggregator and the chain RPC. Transient
// network failures are retried with capped exponential backoff; rejections
// propagate immediately.
type Gateway struct {
	httpClient *http.Client
	chain      ChainRPC
	cfg        Config
	logger     *zap.Logger
}

func New(cfg Config, chain ChainRPC, logger *zap.Logger) *Gateway {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Gateway{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		chain:      chain,
		cfg:        cfg,
		logger:     logger.Named("gateway"),
	}
}

// quoteResponse mirrors the aggregator's wire format. Amounts arrive as
// decimal strings.
type quoteResponse struct {
	InputMint      string `json:"inputMint"`
	InAmount       string `json:"inAmount"`
	OutputMint     string `json:"outputMint"`
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
	SlippageBps    int    `json:"slippageBps"`
	Error          string `json:"error"`
}

// Quote fetches a priced route for the given pair and amount (smallest
// units of the input mint).
func (g *Gateway) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*Quote, error) {
	if amount == 0 {
		return nil, &types.RejectedTradeError{Reason: "zero amount"}
	}

	url := fmt.Sprintf("%s?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d&swapMode=ExactIn",
		g.cfg.QuoteURL, inputMint, outputMint, amount, slippageBps)

	body, err := g.getWithRetry(ctx, url)
	if err != nil {
		return nil, err
	}

	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}
	if qr.Error != "" {
		return nil, &types.RejectedTradeError{Reason: qr.Error}
	}

	inAmount, err := strconv.ParseUint(qr.InAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad inAmount %q: %w", qr.InAmount, err)
	}
	outAmount, err := strconv.ParseUint(qr.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad outAmount %q: %w", qr.OutAmount, err)
	}
	impact, _ := strconv.ParseFloat(qr.PriceImpactPct, 64)

	g.logger.Debug("Quote received",
		zap.String("input_mint", qr.InputMint),
		zap.String("output_mint", qr.OutputMint),
		zap.Uint64("in_amount", inAmount),
		zap.Uint64("out_amount", outAmount),
		zap.Float64("price_impact_pct", impact))

	return &Quote{
		InputMint:      qr.InputMint,
		OutputMint:     qr.OutputMint,
		InAmount:       inAmount,
		OutAmount:      outAmount,
		PriceImpactPct: impact,
		SlippageBps:    qr.SlippageBps,
		Raw:            body,
	}, nil
}

// Swap exchanges a quote for an unsigned transaction blob bound to the
// signer's public key.
func (g *Gateway) Swap(ctx context.Context, q *Quote, signerPublicKey string) ([]byte, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"quoteResponse":           q.Raw,
		"userPublicKey":           signerPublicKey,
		"wrapAndUnwrapSol":        true,
		"dynamicComputeUnitLimit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode swap request: %w", err)
	}

	body, err := g.postWithRetry(ctx, g.cfg.SwapURL, payload)
	if err != nil {
		return nil, err
	}

	var sr struct {
		SwapTransaction string `json:"swapTransaction"`
		Error           string `json:"error"`
	}
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("failed to decode swap response: %w", err)
	}
	if sr.Error != "" {
		return nil, &types.RejectedTradeError{Reason: sr.Error}
	}
	if sr.SwapTransaction == "" {
		return nil, &types.RejectedTradeError{Reason: "aggregator returned no transaction"}
	}

	raw, err := base64.StdEncoding.DecodeString(sr.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction blob: %w", err)
	}
	return raw, nil
}

// Submit sends a signed transaction through the chain RPC with retry on
// transient failures only.
func (g *Gateway) Submit(ctx context.Context, signed []byte) (string, error) {
	return backoff.Retry(ctx, func() (string, error) {
		sig, err := g.chain.SendRawTransaction(ctx, signed)
		if err != nil {
			if !types.IsTransient(err) {
				return "", backoff.Permanent(err)
			}
			g.logger.Warn("Retrying transaction submit", zap.Error(err))
			return "", err
		}
		return sig, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(g.cfg.MaxTries))
}

// Status polls the chain for the terminal state of a submitted transaction.
func (g *Gateway) Status(ctx context.Context, signature string) (types.TxStatus, error) {
	return g.chain.SignatureStatus(ctx, signature)
}

func (g *Gateway) getWithRetry(ctx context.Context, url string) ([]byte, error) {
	return backoff.Retry(ctx, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return g.do(req)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(g.cfg.MaxTries))
}

func (g *Gateway) postWithRetry(ctx context.Context, url string, payload []byte) ([]byte, error) {
	return backoff.Retry(ctx, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		return g.do(req)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(g.cfg.MaxTries))
}

// do executes one HTTP attempt and classifies the outcome: 2xx passes
// through, 429/5xx are retryable, any other status is a rejection.
func (g *Gateway) do(req *http.Request) ([]byte, error) {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &types.TransientNetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &types.TransientNetworkError{Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &types.TransientNetworkError{
			Err: fmt.Errorf("aggregator returned %d", resp.StatusCode),
		}
	default:
		return nil, backoff.Permanent(&types.RejectedTradeError{
			Reason: fmt.Sprintf("aggregator returned %d: %s", resp.StatusCode, truncate(body, 200)),
		})
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
