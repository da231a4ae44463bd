// internal/copytrade/classifier.go
package copytrade

import (
	"fmt"
	"math"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/rokutrade/engine/internal/types"
)

// AggregatorProgramID is the swap router program a transaction must touch to
// count as a qualifying swap. Plain transfers and unrelated programs are
// ignored.
const AggregatorProgramID = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"

// ObservedSwap is a qualifying swap reconstructed from transaction metadata.
type ObservedSwap struct {
	Wallet        string
	Signature     string
	Buy           bool // true: SOL -> token, false: token -> SOL
	TokenMint     string
	TokenDecimals uint8
	TokenAmount   float64 // whole tokens moved
	SOLAmount     float64 // whole SOL moved
}

// Classify inspects a confirmed transaction and reconstructs the swap the
// watched wallet performed, if any. A (nil, nil) return means the
// transaction is simply not a qualifying swap.
func Classify(result *rpc.GetTransactionResult, wallet string) (*ObservedSwap, error) {
	if result == nil || result.Meta == nil || result.Transaction == nil {
		return nil, fmt.Errorf("incomplete transaction result")
	}
	if result.Meta.Err != nil {
		return nil, nil
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	program, err := solana.PublicKeyFromBase58(AggregatorProgramID)
	if err != nil {
		return nil, err
	}
	if !touchesProgram(tx, result.Meta, program) {
		return nil, nil
	}

	walletKey, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet %q: %w", wallet, err)
	}

	// Native SOL delta of the wallet account, fee added back for the payer
	// so the swap size is not distorted by transaction cost.
	var solDelta float64
	for i, key := range tx.Message.AccountKeys {
		if !key.Equals(walletKey) {
			continue
		}
		if i < len(result.Meta.PreBalances) && i < len(result.Meta.PostBalances) {
			solDelta = float64(result.Meta.PostBalances[i]) - float64(result.Meta.PreBalances[i])
			if i == 0 {
				solDelta += float64(result.Meta.Fee)
			}
		}
		break
	}

	// Token deltas owned by the wallet. Wrapped SOL folds into the native
	// delta: the aggregator wraps and unwraps around the route.
	type tokenDelta struct {
		delta    float64 // base units
		decimals uint8
	}
	deltas := make(map[string]*tokenDelta)
	apply := func(balances []rpc.TokenBalance, sign float64) {
		for _, b := range balances {
			if b.Owner == nil || !b.Owner.Equals(walletKey) || b.UiTokenAmount == nil {
				continue
			}
			amount, err := strconv.ParseFloat(b.UiTokenAmount.Amount, 64)
			if err != nil {
				continue
			}
			mint := b.Mint.String()
			if mint == types.WSOLMint {
				solDelta += sign * amount
				continue
			}
			d := deltas[mint]
			if d == nil {
				d = &tokenDelta{decimals: b.UiTokenAmount.Decimals}
				deltas[mint] = d
			}
			d.delta += sign * amount
		}
	}
	apply(result.Meta.PostTokenBalances, +1)
	apply(result.Meta.PreTokenBalances, -1)

	var mint string
	var best *tokenDelta
	for m, d := range deltas {
		if best == nil || math.Abs(d.delta) > math.Abs(best.delta) {
			mint, best = m, d
		}
	}
	if best == nil || best.delta == 0 {
		return nil, nil
	}

	swap := &ObservedSwap{
		Wallet:        wallet,
		TokenMint:     mint,
		TokenDecimals: best.decimals,
		TokenAmount:   math.Abs(best.delta) / math.Pow10(int(best.decimals)),
		SOLAmount:     math.Abs(solDelta) / math.Pow10(types.SOLDecimals),
	}
	switch {
	case best.delta > 0 && solDelta < 0:
		swap.Buy = true
		return swap, nil
	case best.delta < 0 && solDelta > 0:
		swap.Buy = false
		return swap, nil
	}
	return nil, nil
}

func touchesProgram(tx *solana.Transaction, meta *rpc.TransactionMeta, program solana.PublicKey) bool {
	for _, key := range tx.Message.AccountKeys {
		if key.Equals(program) {
			return true
		}
	}
	for _, key := range meta.LoadedAddresses.Writable {
		if key.Equals(program) {
			return true
		}
	}
	for _, key := range meta.LoadedAddresses.ReadOnly {
		if key.Equals(program) {
			return true
		}
	}
	return false
}
