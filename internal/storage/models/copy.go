// internal/storage/models/copy.go
package models

// CopySubscription mirrors one target wallet for one user. A user follows a
// given target at most once.
type CopySubscription struct {
	BaseModel
	UserID       string  `gorm:"uniqueIndex:idx_copy_user_target;size:64"`
	TargetWallet string  `gorm:"uniqueIndex:idx_copy_user_target;index;size:64"`
	Ratio        float64 `gorm:"default:1.0"` // fraction of the observed size to replicate
	MaxAmountSOL float64 `gorm:"default:1.0"` // hard cap per replicated trade
	SlippageBps  int     `gorm:"default:50"`
	DelayMs      int     // optional lag before replicating

	// Default exit rules applied to positions opened by replicated buys.
	TakeProfitPct   float64
	StopLossPct     float64
	TrailingStopPct float64

	Enabled bool `gorm:"default:true"`
}
