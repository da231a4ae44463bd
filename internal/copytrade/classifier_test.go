// internal/copytrade/classifier_test.go
package copytrade

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFee = 5000

// buildResult assembles a GetTransactionResult the way the RPC layer would
// deliver it: a base64 transaction envelope plus balance metadata.
func buildResult(t *testing.T, wallet *solana.Wallet, program solana.PublicKey, meta *rpc.TransactionMeta) *rpc.GetTransactionResult {
	t.Helper()

	instr := solana.NewInstruction(program, solana.AccountMetaSlice{
		solana.NewAccountMeta(wallet.PublicKey(), true, true),
	}, []byte{0x01})
	tx, err := solana.NewTransaction([]solana.Instruction{instr}, solana.Hash{},
		solana.TransactionPayer(wallet.PublicKey()))
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	envelope := &rpc.TransactionResultEnvelope{}
	require.NoError(t, envelope.UnmarshalJSON(
		[]byte(fmt.Sprintf(`["%s","base64"]`, base64.StdEncoding.EncodeToString(raw)))))

	return &rpc.GetTransactionResult{
		Transaction: envelope,
		Meta:        meta,
	}
}

func tokenBalance(owner solana.PublicKey, mint solana.PublicKey, amount string, decimals uint8) rpc.TokenBalance {
	return rpc.TokenBalance{
		AccountIndex: 1,
		Mint:         mint,
		Owner:        &owner,
		UiTokenAmount: &rpc.UiTokenAmount{
			Amount:   amount,
			Decimals: decimals,
		},
	}
}

func TestClassifyBuy(t *testing.T) {
	wallet := solana.NewWallet()
	mint := solana.NewWallet().PublicKey()
	program := solana.MustPublicKeyFromBase58(AggregatorProgramID)

	// Wallet spent 2 SOL (plus fee) and received 4 tokens at 6 decimals.
	meta := &rpc.TransactionMeta{
		Fee:          testFee,
		PreBalances:  []uint64{10_000_000_000, 1},
		PostBalances: []uint64{8_000_000_000 - testFee, 1},
		PostTokenBalances: []rpc.TokenBalance{
			tokenBalance(wallet.PublicKey(), mint, "4000000", 6),
		},
	}

	swap, err := Classify(buildResult(t, wallet, program, meta), wallet.PublicKey().String())
	require.NoError(t, err)
	require.NotNil(t, swap)

	assert.True(t, swap.Buy)
	assert.Equal(t, mint.String(), swap.TokenMint)
	assert.InDelta(t, 2.0, swap.SOLAmount, 1e-9, "fee must not inflate the observed size")
	assert.InDelta(t, 4.0, swap.TokenAmount, 1e-9)
	assert.Equal(t, uint8(6), swap.TokenDecimals)
}

func TestClassifySell(t *testing.T) {
	wallet := solana.NewWallet()
	mint := solana.NewWallet().PublicKey()
	program := solana.MustPublicKeyFromBase58(AggregatorProgramID)

	meta := &rpc.TransactionMeta{
		Fee:          testFee,
		PreBalances:  []uint64{5_000_000_000, 1},
		PostBalances: []uint64{6_500_000_000 - testFee, 1},
		PreTokenBalances: []rpc.TokenBalance{
			tokenBalance(wallet.PublicKey(), mint, "3000000", 6),
		},
		PostTokenBalances: []rpc.TokenBalance{
			tokenBalance(wallet.PublicKey(), mint, "0", 6),
		},
	}

	swap, err := Classify(buildResult(t, wallet, program, meta), wallet.PublicKey().String())
	require.NoError(t, err)
	require.NotNil(t, swap)

	assert.False(t, swap.Buy)
	assert.InDelta(t, 1.5, swap.SOLAmount, 1e-9)
	assert.InDelta(t, 3.0, swap.TokenAmount, 1e-9)
}

func TestClassifyIgnoresNonAggregatorTransactions(t *testing.T) {
	wallet := solana.NewWallet()
	mint := solana.NewWallet().PublicKey()

	meta := &rpc.TransactionMeta{
		Fee:          testFee,
		PreBalances:  []uint64{10_000_000_000, 1},
		PostBalances: []uint64{8_000_000_000, 1},
		PostTokenBalances: []rpc.TokenBalance{
			tokenBalance(wallet.PublicKey(), mint, "4000000", 6),
		},
	}

	// Routed through the system program, not the aggregator.
	swap, err := Classify(buildResult(t, wallet, solana.SystemProgramID, meta), wallet.PublicKey().String())
	require.NoError(t, err)
	assert.Nil(t, swap)
}

func TestClassifyIgnoresFailedTransactions(t *testing.T) {
	wallet := solana.NewWallet()
	program := solana.MustPublicKeyFromBase58(AggregatorProgramID)

	meta := &rpc.TransactionMeta{
		Err:          map[string]interface{}{"InstructionError": []interface{}{}},
		PreBalances:  []uint64{1, 1},
		PostBalances: []uint64{1, 1},
	}

	swap, err := Classify(buildResult(t, wallet, program, meta), wallet.PublicKey().String())
	require.NoError(t, err)
	assert.Nil(t, swap)
}

func TestClassifyIgnoresOtherOwnersBalances(t *testing.T) {
	wallet := solana.NewWallet()
	other := solana.NewWallet()
	mint := solana.NewWallet().PublicKey()
	program := solana.MustPublicKeyFromBase58(AggregatorProgramID)

	meta := &rpc.TransactionMeta{
		Fee:          testFee,
		PreBalances:  []uint64{10_000_000_000, 1},
		PostBalances: []uint64{10_000_000_000 - testFee, 1},
		PostTokenBalances: []rpc.TokenBalance{
			tokenBalance(other.PublicKey(), mint, "4000000", 6),
		},
	}

	swap, err := Classify(buildResult(t, wallet, program, meta), wallet.PublicKey().String())
	require.NoError(t, err)
	assert.Nil(t, swap, "someone else's token movement is not our wallet's swap")
}
