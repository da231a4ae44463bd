// internal/blockchain/client.go
package blockchain

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/rokutrade/engine/internal/types"
)

// Client wraps a single Solana RPC endpoint. Every call is bounded by the
// configured timeout so a hung node never stalls a monitor.
type Client struct {
	rpc     *rpc.Client
	logger  *zap.Logger
	timeout time.Duration
}

func NewClient(rpcURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		rpc:     rpc.New(rpcURL),
		logger:  logger.Named("rpc"),
		timeout: timeout,
	}
}

// GetBalance returns the lamport balance of an address.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", address, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.rpc.GetBalance(ctx, pubkey, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, &types.TransientNetworkError{Err: err}
	}
	return out.Value, nil
}

// SendRawTransaction submits a fully signed transaction and returns its
// signature. Preflight is skipped: the quote already validated the route and
// speed matters more than a second simulation.
func (c *Client) SendRawTransaction(ctx context.Context, signed []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, signed, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", &types.TransientNetworkError{Err: err}
	}
	return sig.String(), nil
}

// SignatureStatus resolves the chain-side status of a submitted transaction.
func (c *Client) SignatureStatus(ctx context.Context, signature string) (types.TxStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return "", &types.TransientNetworkError{Err: err}
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return types.TxPending, nil
	}

	status := out.Value[0]
	if status.Err != nil {
		return types.TxFailed, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return types.TxConfirmed, nil
	default:
		return types.TxPending, nil
	}
}

// GetTransaction fetches a confirmed transaction with metadata, used by the
// copy-trade classifier to reconstruct the observed swap.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*rpc.GetTransactionResult, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxVersion := uint64(0)
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, &types.TransientNetworkError{Err: err}
	}
	return out, nil
}
