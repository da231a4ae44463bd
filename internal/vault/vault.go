// internal/vault/vault.go
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"

	"github.com/rokutrade/engine/internal/types"
)

const (
	// Algorithm identifies the only envelope format this vault produces.
	Algorithm = "aes-256-gcm-pbkdf2"

	keyLen     = 32
	iterations = 100_000
	tagLen     = 16
)

// fixedSalt keeps derivation deterministic for a given master secret so
// envelopes written before a restart can still be opened after it.
var fixedSalt = []byte("rokutrade.vault.v1")

// Envelope holds a sealed signing key at rest. It carries everything needed
// to authenticate and decrypt except the master secret itself.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag"`
	Algorithm  string `json:"algorithm"`
}

// Vault seals and unseals user signing keys. It is the only component that
// ever materializes a raw private key, and only inside WithKey.
type Vault struct {
	aead   cipher.AEAD
	logger *zap.Logger
}

// New derives the vault key from the master secret. An empty secret is a
// startup-fatal configuration error.
func New(masterSecret string, logger *zap.Logger) (*Vault, error) {
	if masterSecret == "" {
		return nil, &types.ConfigError{Field: "master_secret", Reason: "not set"}
	}

	derived := pbkdf2.Key([]byte(masterSecret), fixedSalt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, &types.ConfigError{Field: "master_secret", Reason: err.Error()}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &types.ConfigError{Field: "master_secret", Reason: err.Error()}
	}

	return &Vault{
		aead:   aead,
		logger: logger.Named("vault"),
	}, nil
}

// Seal encrypts a raw signing key. The authentication tag is stored
// separately so tampering with either part is detected on unseal.
func (v *Vault) Seal(raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty key material")
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, raw, nil)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	return &Envelope{
		Ciphertext: append([]byte(nil), ct...),
		Nonce:      nonce,
		Tag:        append([]byte(nil), tag...),
		Algorithm:  Algorithm,
	}, nil
}

// WithKey decrypts the envelope and hands the raw key to fn. The key is
// zeroed on every exit path, including a panic inside fn. The raw key must
// not escape fn.
func (v *Vault) WithKey(env *Envelope, fn func(raw []byte) error) error {
	raw, err := v.open(env)
	if err != nil {
		return err
	}
	defer zero(raw)

	return fn(raw)
}

func (v *Vault) open(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, &types.IntegrityError{Reason: "nil envelope"}
	}
	if env.Algorithm != Algorithm {
		return nil, &types.IntegrityError{Reason: "unknown algorithm " + env.Algorithm}
	}
	if len(env.Nonce) != v.aead.NonceSize() || len(env.Tag) != tagLen {
		return nil, &types.IntegrityError{Reason: "malformed envelope"}
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+tagLen)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	raw, err := v.aead.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		// Fail closed: GCM rejects the whole message, nothing leaks.
		return nil, &types.IntegrityError{Reason: "authentication failed"}
	}
	return raw, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
