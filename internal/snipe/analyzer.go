// internal/snipe/analyzer.go
package snipe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rokutrade/engine/internal/types"
)

// TokenReport is the analyzer's verdict on one candidate token.
type TokenReport struct {
	Mint         string  `json:"mint"`
	Symbol       string  `json:"symbol"`
	Decimals     uint8   `json:"decimals"`
	LiquidityUSD float64 `json:"liquidityUsd"`
	MarketCapUSD float64 `json:"marketCapUsd"`
	SafetyScore  float64 `json:"safetyScore"`
}

// Analyzer inspects a mint and reports liquidity, market cap and a safety
// score. Implementations are pluggable; the detector only needs the report.
type Analyzer interface {
	Analyze(ctx context.Context, mint string) (*TokenReport, error)
}

// Feed discovers candidate mints to analyze.
type Feed interface {
	Latest(ctx context.Context) ([]string, error)
}

// HTTPAnalyzer talks to a token metadata service exposing
// GET /tokens/new and GET /tokens/{mint}.
type HTTPAnalyzer struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPAnalyzer(baseURL string, timeout time.Duration) *HTTPAnalyzer {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAnalyzer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAnalyzer) Latest(ctx context.Context) ([]string, error) {
	body, err := a.get(ctx, a.baseURL+"/tokens/new")
	if err != nil {
		return nil, err
	}
	var out []struct {
		Mint string `json:"mint"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode feed: %w", err)
	}
	mints := make([]string, 0, len(out))
	for _, entry := range out {
		if entry.Mint != "" {
			mints = append(mints, entry.Mint)
		}
	}
	return mints, nil
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, mint string) (*TokenReport, error) {
	body, err := a.get(ctx, a.baseURL+"/tokens/"+mint)
	if err != nil {
		return nil, err
	}
	var report TokenReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report for %s: %w", mint, err)
	}
	report.Mint = mint
	return &report, nil
}

func (a *HTTPAnalyzer) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &types.TransientNetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata feed returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
