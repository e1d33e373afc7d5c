// Package faucet pre-funds newly issued addresses with a fixed native
// amount so they can pay gas for later token sweeps, per spec.md §4.6.
package faucet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/evmhot/custody/internal/chainclient"
	"github.com/evmhot/custody/internal/hdwallet"
)

const faucetGasLimit = 21000

// Faucet sends ExistentialDeposit wei from the faucet address (index 0
// of FaucetMnemonic) to each newly registered address.
type Faucet struct {
	wallet             *hdwallet.Wallet
	chain              chainclient.Client
	existentialDeposit *big.Int
	address            common.Address
}

// New builds a Faucet. address must equal wallet.DeriveAddress(0); the
// caller (config/service wiring) is responsible for that startup check
// per spec.md §7.
func New(wallet *hdwallet.Wallet, chain chainclient.Client, existentialDeposit *big.Int, address common.Address) *Faucet {
	return &Faucet{wallet: wallet, chain: chain, existentialDeposit: existentialDeposit, address: address}
}

// Fund sends the existential deposit to targetHex and returns the
// funding transaction hash.
func (f *Faucet) Fund(targetHex string) (string, error) {
	ctx := context.Background()
	target := common.HexToAddress(targetHex)

	signer, err := f.wallet.DeriveSigner(0)
	if err != nil {
		return "", fmt.Errorf("faucet: derive signer: %w", err)
	}
	if signer.Address != f.address {
		return "", fmt.Errorf("faucet: derived address %s does not match configured FAUCET_ADDRESS %s", signer.Address.Hex(), f.address.Hex())
	}

	nonce, err := f.chain.Nonce(ctx, f.address)
	if err != nil {
		return "", fmt.Errorf("faucet: nonce: %w", err)
	}
	gasPrice, err := f.chain.GasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("faucet: gas price: %w", err)
	}
	chainID, err := f.chain.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("faucet: chain id: %w", err)
	}

	tx := types.NewTransaction(nonce, target, f.existentialDeposit, faucetGasLimit, gasPrice, nil)
	signedTx, err := signer.SignTx(tx, chainID)
	if err != nil {
		return "", fmt.Errorf("faucet: sign: %w", err)
	}

	txHash, err := f.chain.SendRawTransaction(ctx, signedTx)
	if err != nil {
		return "", fmt.Errorf("faucet: broadcast: %w", err)
	}
	return txHash, nil
}
