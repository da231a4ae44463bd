// internal/storage/models/transaction.go
package models

// Transaction statuses mirror types.TxStatus values.
const (
	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
	TxStatusFailed    = "failed"
)

// Transaction is the audit record of one submitted swap.
type Transaction struct {
	BaseModel
	UserID        string `gorm:"index;size:64"`
	WalletAddress string `gorm:"index;size:64"`
	Signature     string `gorm:"uniqueIndex;size:96"`
	InputMint     string `gorm:"size:64"`
	OutputMint    string `gorm:"size:64"`
	InAmount      uint64 // smallest units of the input mint
	OutAmount     uint64 // smallest units of the output mint
	Price         float64
	Purpose       string `gorm:"size:16"`
	Status        string `gorm:"index;size:16;default:pending"`
	ErrorMessage  string
}
