// internal/storage/models/snipe.go
package models

// SnipeCriteria is a user's standing filter over newly listed tokens. A
// candidate qualifies only when every enabled threshold passes.
type SnipeCriteria struct {
	BaseModel
	UserID          string  `gorm:"uniqueIndex;size:64"`
	MinLiquidityUSD float64 `gorm:"default:1000"`
	MaxMarketCapUSD float64 `gorm:"default:100000"`
	MinSafetyScore  float64
	BuyAmountSOL    float64 `gorm:"default:0.1"`
	SlippageBps     int     `gorm:"default:100"`

	// When set, a successful snipe opens a monitored position with these
	// exit rules instead of a fire-and-forget buy.
	AutoSell        bool
	TakeProfitPct   float64
	StopLossPct     float64
	TrailingStopPct float64

	Enabled bool `gorm:"default:true"`
}
