// Package sweeper drains every deposit in the detected state to the
// treasury address, per spec.md §4.5's per-deposit state machine.
package sweeper

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/evmhot/custody/internal/chainclient"
	"github.com/evmhot/custody/internal/hdwallet"
	"github.com/evmhot/custody/internal/notify"
	"github.com/evmhot/custody/internal/store"
)

const (
	nativeGasLimit   = 21000
	gasSafetyMarginN = 110 // estimated gas * 110 / 100 rounded up, a 10% margin
	gasSafetyMarginD = 100

	receiptTimeout = 2 * time.Minute

	tokenMetaCacheSize = 1024
)

// Sweeper is the per-deposit financial state machine of spec.md §4.5.
type Sweeper struct {
	wallet       *hdwallet.Wallet
	chain        chainclient.Client
	store        *store.Store
	notifier     *notify.Dispatcher
	treasury     common.Address
	pollInterval time.Duration
	log          *zap.SugaredLogger

	tokenMetaCache *lru.Cache[string, store.TokenMeta]

	newDeposits <-chan store.DepositKey
}

// Config bundles Sweeper's tunables.
type Config struct {
	Treasury     common.Address
	PollInterval time.Duration
}

// New builds a Sweeper. newDeposits, if non-nil, lets the monitor wake
// the sweeper immediately on a fresh deposit (spec.md §4.5 "Cadence");
// the timer alone is sufficient for correctness.
func New(wallet *hdwallet.Wallet, chain chainclient.Client, st *store.Store, notifier *notify.Dispatcher, newDeposits <-chan store.DepositKey, cfg Config, log *zap.SugaredLogger) (*Sweeper, error) {
	cache, err := lru.New[string, store.TokenMeta](tokenMetaCacheSize)
	if err != nil {
		return nil, fmt.Errorf("sweeper: build token meta cache: %w", err)
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 12 * time.Second
	}
	return &Sweeper{
		wallet:         wallet,
		chain:          chain,
		store:          st,
		notifier:       notifier,
		treasury:       cfg.Treasury,
		pollInterval:   interval,
		log:            log,
		tokenMetaCache: cache,
		newDeposits:    newDeposits,
	}, nil
}

// Run drives the sweep loop until ctx is cancelled. Per spec.md §5, a
// cancellation finishes the current broadcast's receipt wait (or
// abandons it safely — MarkSwept is atomic with the receipt
// observation) before returning.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if err := s.sweepPending(ctx); err != nil {
			s.log.Warnw("sweeper: pass failed, will retry", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.newDeposits:
		}
	}
}

// sweepPending processes every currently-detected deposit, one address
// at a time, per spec.md §4.5's concurrency constraint (no two
// transactions for the same address in flight at once).
func (s *Sweeper) sweepPending(ctx context.Context) error {
	keys, deposits, err := s.store.PendingDeposits()
	if err != nil {
		return fmt.Errorf("list pending deposits: %w", err)
	}

	for i, key := range keys {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.sweepOne(ctx, key, deposits[i]); err != nil {
			s.log.Warnw("sweeper: sweep attempt failed, leaving deposit detected",
				"tx_hash", key.TxHash, "log_index", key.LogIndex, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepOne(ctx context.Context, key store.DepositKey, d store.Deposit) error {
	index := hdwallet.IndexForAccount(d.AccountID)
	signer, err := s.wallet.DeriveSigner(index)
	if err != nil {
		return fmt.Errorf("derive signer: %w", err)
	}
	address := signer.Address

	gasPrice, err := s.chain.GasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	nonce, err := s.chain.Nonce(ctx, address)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	chainID, err := s.chain.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}

	var tx *types.Transaction
	if d.TokenKind == "native" {
		tx, err = s.buildNativeSweep(ctx, address, gasPrice, nonce)
	} else {
		tx, err = s.buildTokenSweep(ctx, address, d, gasPrice, nonce)
	}
	if err != nil {
		return err
	}
	if tx == nil {
		return nil // abort this attempt, retry next cycle (insufficient balance/gas)
	}

	signedTx, err := signer.SignTx(tx, chainID)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	txHash, err := s.chain.SendRawTransaction(ctx, signedTx)
	if err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}

	receiptCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	receipt, err := s.chain.WaitForReceipt(receiptCtx, txHash)
	if err != nil {
		return fmt.Errorf("wait for receipt %s: %w", txHash, err)
	}
	if receipt.Status == 0 {
		return fmt.Errorf("sweep tx %s reverted", txHash)
	}

	return s.complete(ctx, key, d, txHash)
}

// buildNativeSweep implements the native branch of spec.md §4.5 step 3:
// balance must be strictly greater than the flat 21000-gas fee.
func (s *Sweeper) buildNativeSweep(ctx context.Context, address common.Address, gasPrice *big.Int, nonce uint64) (*types.Transaction, error) {
	balance, err := s.chain.Balance(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}

	fee := new(big.Int).Mul(big.NewInt(nativeGasLimit), gasPrice)
	if balance.Cmp(fee) <= 0 {
		return nil, nil // balance <= fee, strict inequality required
	}

	amount := new(big.Int).Sub(balance, fee)
	return types.NewTransaction(nonce, s.treasury, amount, nativeGasLimit, gasPrice, nil), nil
}

// buildTokenSweep implements the token branch: transfer(treasury,
// amount) on the deposit's token contract, gas estimated with a 10%+
// safety margin.
func (s *Sweeper) buildTokenSweep(ctx context.Context, address common.Address, d store.Deposit, gasPrice *big.Int, nonce uint64) (*types.Transaction, error) {
	token := common.HexToAddress(d.TokenKind)
	amount, ok := new(big.Int).SetString(d.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("parse deposit amount %q", d.Amount)
	}

	data, err := chainclient.PackTransfer(s.treasury, amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}

	estimated, err := s.chain.EstimateGas(ctx, ethereum.CallMsg{From: address, To: &token, Data: data})
	if err != nil {
		return nil, nil // estimation failure (e.g. no native balance for gas): abort, retry next cycle
	}
	gasLimit := (estimated*gasSafetyMarginN + gasSafetyMarginD - 1) / gasSafetyMarginD

	return types.NewTransaction(nonce, token, big.NewInt(0), gasLimit, gasPrice, data), nil
}

// complete marks the deposit swept and enqueues the notification in
// that order, matching spec.md §4.5 step 5 ("in one atomic store
// transaction, mark the deposit swept, then enqueue...").
func (s *Sweeper) complete(ctx context.Context, key store.DepositKey, d store.Deposit, txHash string) error {
	if err := s.store.MarkSwept(key); err != nil {
		return fmt.Errorf("mark swept: %w", err)
	}

	event := notify.Event{
		Event:     notify.EventDepositSwept,
		AccountID: d.AccountID,
		Amount:    d.Amount,
	}
	if d.TokenKind == "native" {
		event.TokenType = notify.TokenTypeNative
		event.OriginalTxHash = d.TxHash
	} else {
		event.TokenType = notify.TokenTypeERC20
		event.TokenAddress = d.TokenKind
		event.OriginalTxHash = fmt.Sprintf("%s:%d", d.TxHash, d.LogIndex)
		event.TokenSymbol = s.tokenSymbol(ctx, d.TokenKind)
	}

	acct, err := s.store.GetAccount(d.AccountID)
	if err != nil {
		s.log.Warnw("sweeper: account lookup failed, dropping sweep notification", "account_id", d.AccountID, "error", err)
		return nil
	}
	s.notifier.Enqueue(acct.WebhookURL, event)
	return nil
}

// tokenSymbol resolves a token contract's symbol via the shared
// persisted cache (internal/store.GetOrPutTokenMeta), front-cached in
// memory the same way the monitor resolves it on detection. A lookup
// failure yields an empty symbol rather than blocking the sweep.
func (s *Sweeper) tokenSymbol(ctx context.Context, tokenHex string) string {
	if meta, ok := s.tokenMetaCache.Get(tokenHex); ok {
		return meta.Symbol
	}

	meta, err := s.store.GetOrPutTokenMeta(tokenHex, func() (store.TokenMeta, error) {
		addr := common.HexToAddress(tokenHex)
		symbol, name, decimals, err := s.chain.CallSymbolDecimalsName(ctx, addr)
		if err != nil {
			return store.TokenMeta{}, err
		}
		return store.TokenMeta{Symbol: symbol, Name: name, Decimals: decimals}, nil
	})
	if err != nil {
		s.log.Warnw("sweeper: token meta lookup failed", "token", tokenHex, "error", err)
		return ""
	}
	s.tokenMetaCache.Add(tokenHex, meta)
	return meta.Symbol
}
