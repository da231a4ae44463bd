// internal/types/trade.go
package types

import "time"

// WSOLMint is the wrapped SOL mint, the quote side of every entry and exit.
const WSOLMint = "So11111111111111111111111111111111111111112"

// SOLDecimals is the decimal precision of SOL (lamports).
const SOLDecimals = 9

// TradePurpose tags why a trade was decided. It drives downstream
// bookkeeping, not execution mechanics.
type TradePurpose string

const (
	PurposeManual       TradePurpose = "manual"
	PurposeCopy         TradePurpose = "copy"
	PurposeSnipe        TradePurpose = "snipe"
	PurposeTakeProfit   TradePurpose = "take_profit"
	PurposeStopLoss     TradePurpose = "stop_loss"
	PurposeTrailingStop TradePurpose = "trailing_stop"
)

// IsExit reports whether the purpose closes a position. Exits default to a
// wider slippage tolerance than entries.
func (p TradePurpose) IsExit() bool {
	switch p {
	case PurposeTakeProfit, PurposeStopLoss, PurposeTrailingStop:
		return true
	}
	return false
}

// TradeRequest is the universal unit passed into the execution service.
// Immutable once constructed.
type TradeRequest struct {
	UserID         string
	WalletAddress  string
	InputMint      string
	OutputMint     string
	Amount         float64 // human units of the input token
	InputDecimals  uint8
	OutputDecimals uint8
	SlippageBps    int // 0 = purpose default
	Purpose        TradePurpose
	PositionID     uint64 // set for exit trades
}

// TxStatus is the chain-side status of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// TradeOutcome is the terminal result of an execution attempt.
type TradeOutcome struct {
	Signature      string
	InAmount       uint64 // smallest units actually quoted
	OutAmount      uint64 // realized output, smallest units
	Price          float64
	PriceImpactPct float64
	Purpose        TradePurpose
	ExecutedAt     time.Time
}
