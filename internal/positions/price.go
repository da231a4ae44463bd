// internal/positions/price.go
package positions

import (
	"context"
	"fmt"
	"math"

	"github.com/rokutrade/engine/internal/gateway"
	"github.com/rokutrade/engine/internal/types"
)

// PriceSource yields the current SOL-per-token price of a mint.
type PriceSource interface {
	Price(ctx context.Context, mint string, decimals uint8) (float64, error)
}

type quoter interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*gateway.Quote, error)
}

// QuotePriceSource prices a token by asking the aggregator what one whole
// token sells for. This reflects executable liquidity rather than an oracle
// mid price, which is what exit decisions should key on.
type QuotePriceSource struct {
	agg quoter
}

func NewQuotePriceSource(agg quoter) *QuotePriceSource {
	return &QuotePriceSource{agg: agg}
}

func (s *QuotePriceSource) Price(ctx context.Context, mint string, decimals uint8) (float64, error) {
	oneToken := uint64(math.Pow10(int(decimals)))
	q, err := s.agg.Quote(ctx, mint, types.WSOLMint, oneToken, 100)
	if err != nil {
		return 0, fmt.Errorf("failed to price %s: %w", mint, err)
	}
	if q.OutAmount == 0 {
		return 0, fmt.Errorf("no liquidity for %s", mint)
	}
	return types.FromBaseUnits(q.OutAmount, types.SOLDecimals), nil
}
