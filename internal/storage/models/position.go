// internal/storage/models/position.go
package models

import "time"

// Position lifecycle states.
const (
	PositionActive  = "active"
	PositionClosing = "closing"
	PositionClosed  = "closed"
)

// Position is one monitored token holding. Prices are denominated in SOL
// per whole token. HighWaterPrice only ever moves up while the position is
// open; the trailing stop is measured against it.
type Position struct {
	BaseModel
	UserID         string `gorm:"index;size:64"`
	WalletAddress  string `gorm:"size:64"`
	TokenMint      string `gorm:"index;size:64"`
	TokenSymbol    string `gorm:"size:16"`
	TokenDecimals  uint8
	Amount         float64 // whole tokens held
	EntryPrice     float64
	HighWaterPrice float64

	// Exit rules, percentages relative to entry (take profit, stop loss)
	// or to the high-water mark (trailing). Zero disables the rule.
	TakeProfitPct   float64
	StopLossPct     float64
	TrailingStopPct float64

	Status      string `gorm:"index;size:16;default:active"`
	CloseReason string `gorm:"size:32"`
	ClosedAt    *time.Time
}
