// internal/storage/models/user.go
package models

import "github.com/rokutrade/engine/internal/vault"

// User binds an external user identifier to a wallet. The private key is
// stored only as a sealed envelope; the raw key never touches the database.
type User struct {
	BaseModel
	UserID        string `gorm:"uniqueIndex;size:64"`
	WalletAddress string `gorm:"index;size:64"`
	KeyCiphertext []byte `gorm:"not null"`
	KeyNonce      []byte `gorm:"not null"`
	KeyTag        []byte `gorm:"not null"`
	KeyAlgorithm  string `gorm:"size:32;not null"`

	// Trade defaults applied when a request leaves them unset. Zero means
	// "no preference" and falls through to the engine-wide defaults.
	DefaultSlippageBps  int     `gorm:"default:0"`
	DefaultBuyAmountSOL float64 `gorm:"default:0"`
}

// Envelope reconstructs the sealed key envelope from its columns.
func (u *User) Envelope() *vault.Envelope {
	return &vault.Envelope{
		Ciphertext: u.KeyCiphertext,
		Nonce:      u.KeyNonce,
		Tag:        u.KeyTag,
		Algorithm:  u.KeyAlgorithm,
	}
}

// SetEnvelope stores a sealed key envelope into the user's columns.
func (u *User) SetEnvelope(env *vault.Envelope) {
	u.KeyCiphertext = env.Ciphertext
	u.KeyNonce = env.Nonce
	u.KeyTag = env.Tag
	u.KeyAlgorithm = env.Algorithm
}
