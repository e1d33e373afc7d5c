// Package monitor implements the chain-tail-following state machine of
// spec.md §4.4: it advances the scan cursor toward the safe head,
// records new deposits, and emits detection notifications.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/evmhot/custody/internal/chainclient"
	"github.com/evmhot/custody/internal/notify"
	"github.com/evmhot/custody/internal/store"
)

const tokenMetaCacheSize = 1024

// NewDeposit signals the sweeper that a deposit just became eligible.
type NewDeposit struct {
	Key store.DepositKey
}

// Monitor advances the store's scan cursor and records deposits.
type Monitor struct {
	chain              chainclient.Client
	store              *store.Store
	notifier           *notify.Dispatcher
	confirmationOffset uint64
	faucetAddress      string // lowercased hex
	pollInterval       time.Duration
	log                *zap.SugaredLogger

	tokenMetaCache *lru.Cache[string, store.TokenMeta]

	// NewDepositCh is fed once per newly inserted deposit, in block
	// order, so the sweeper can react without waiting for its own
	// timer (spec.md §4.5 "Cadence").
	NewDepositCh chan NewDeposit
}

// Config bundles Monitor's tunables.
type Config struct {
	ConfirmationOffset uint64
	FaucetAddress      string
	PollInterval       time.Duration
}

func New(chain chainclient.Client, st *store.Store, notifier *notify.Dispatcher, cfg Config, log *zap.SugaredLogger) (*Monitor, error) {
	cache, err := lru.New[string, store.TokenMeta](tokenMetaCacheSize)
	if err != nil {
		return nil, fmt.Errorf("monitor: build token meta cache: %w", err)
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 12 * time.Second
	}

	return &Monitor{
		chain:              chain,
		store:              st,
		notifier:           notifier,
		confirmationOffset: cfg.ConfirmationOffset,
		faucetAddress:      strings.ToLower(common.HexToAddress(cfg.FaucetAddress).Hex()),
		pollInterval:       interval,
		log:                log,
		tokenMetaCache:     cache,
		NewDepositCh:       make(chan NewDeposit, 256),
	}, nil
}

// Run drives the monitor loop until ctx is cancelled. Per spec.md §5,
// it finishes the current block's atomic commit before stopping.
//
// Per spec.md:116, cadence is chosen from the chain client's
// availability hint: a push-capable client drives ticks from its new
// head subscription instead of a fixed-interval ticker.
func (m *Monitor) Run(ctx context.Context) error {
	if m.chain.PrefersPush() {
		heads, err := m.chain.SubscribeNewHead(ctx)
		if err != nil {
			m.log.Warnw("monitor: new head subscription failed, falling back to polling", "error", err)
		} else {
			return m.runPushDriven(ctx, heads)
		}
	}
	return m.runPolled(ctx)
}

func (m *Monitor) runPolled(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if err := m.tick(ctx); err != nil {
			m.log.Warnw("monitor: tick failed, will retry", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// runPushDriven ticks on every new head delivered by heads instead of a
// timer. If the subscription channel closes (transport dropped, ctx
// cancelled, or the node unsubscribed us), it falls back to polling
// rather than stalling the monitor for good.
func (m *Monitor) runPushDriven(ctx context.Context, heads <-chan uint64) error {
	if err := m.tick(ctx); err != nil {
		m.log.Warnw("monitor: tick failed, will retry", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-heads:
			if !ok {
				m.log.Warnw("monitor: new head subscription closed, falling back to polling")
				return m.runPolled(ctx)
			}
			if err := m.tick(ctx); err != nil {
				m.log.Warnw("monitor: tick failed, will retry", "error", err)
			}
		}
	}
}

// tick runs one pass of the per-tick algorithm in spec.md §4.4.
func (m *Monitor) tick(ctx context.Context) error {
	head, err := m.chain.CurrentHead(ctx)
	if err != nil {
		return fmt.Errorf("current head: %w", err)
	}
	safeHead := chainclient.SafeHead(head, m.confirmationOffset)

	cursor, err := m.store.GetScanCursor()
	if err != nil {
		return fmt.Errorf("get scan cursor: %w", err)
	}

	start := cursor + 1
	if start > safeHead {
		return nil // nothing new to scan yet
	}

	for b := start; b <= safeHead; b++ {
		if err := m.scanBlock(ctx, b); err != nil {
			return fmt.Errorf("scan block %d: %w", b, err)
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
	return nil
}

func (m *Monitor) scanBlock(ctx context.Context, b uint64) error {
	block, err := m.chain.GetBlock(ctx, b)
	if err != nil {
		return fmt.Errorf("get block: %w", err)
	}

	candidates := make(map[store.DepositKey]store.Deposit)
	var order []store.DepositKey

	addToOrder := func(key store.DepositKey, d store.Deposit) {
		if _, exists := candidates[key]; !exists {
			order = append(order, key)
		}
		candidates[key] = d
	}

	// Native transfers.
	for _, tx := range block.Transactions {
		if tx.To == nil || tx.Value == nil || tx.Value.Sign() <= 0 {
			continue
		}
		toHex := strings.ToLower(tx.To.Hex())
		accountID, err := m.store.ResolveAddress(toHex)
		if err != nil {
			continue // not a managed address
		}
		if strings.ToLower(tx.From.Hex()) == m.faucetAddress {
			continue // §4.4.d faucet filter
		}

		key := store.DepositKey{TxHash: tx.Hash, LogIndex: 0, TokenKind: "native"}
		addToOrder(key, store.Deposit{
			AccountID:  accountID,
			Address:    toHex,
			TxHash:     tx.Hash,
			LogIndex:   0,
			TokenKind:  "native",
			Amount:     tx.Value.String(),
			State:      store.StateDetected,
			ObservedAt: time.Now().UTC(),
		})
	}

	// ERC-20 Transfer logs.
	logs, err := m.chain.GetTransferLogs(ctx, b, b)
	if err != nil {
		return fmt.Errorf("get transfer logs: %w", err)
	}
	for _, lg := range logs {
		if lg.Value == nil || lg.Value.Sign() <= 0 {
			continue
		}
		toHex := strings.ToLower(lg.To.Hex())
		accountID, err := m.store.ResolveAddress(toHex)
		if err != nil {
			continue
		}
		if strings.ToLower(lg.From.Hex()) == m.faucetAddress {
			continue
		}

		tokenHex := strings.ToLower(lg.Address.Hex())
		m.ensureTokenMeta(ctx, tokenHex)

		key := store.DepositKey{TxHash: lg.TxHash, LogIndex: lg.LogIndex, TokenKind: tokenHex}
		addToOrder(key, store.Deposit{
			AccountID:  accountID,
			Address:    toHex,
			TxHash:     lg.TxHash,
			LogIndex:   lg.LogIndex,
			TokenKind:  tokenHex,
			Amount:     lg.Value.String(),
			State:      store.StateDetected,
			ObservedAt: time.Now().UTC(),
		})
	}

	newly, err := m.store.RecordDepositsAndAdvanceCursor(candidates, order, b)
	if err != nil {
		return fmt.Errorf("commit block: %w", err)
	}

	for _, key := range newly {
		d := candidates[key]
		m.emitDetection(key, d)

		select {
		case m.NewDepositCh <- NewDeposit{Key: key}:
		default:
			// Sweeper's timer cadence will pick it up regardless;
			// this channel is a latency optimization, not a queue of
			// record.
		}
	}
	return nil
}

func (m *Monitor) ensureTokenMeta(ctx context.Context, tokenHex string) {
	if _, ok := m.tokenMetaCache.Get(tokenHex); ok {
		return
	}

	meta, err := m.store.GetOrPutTokenMeta(tokenHex, func() (store.TokenMeta, error) {
		return m.fetchTokenMeta(ctx, tokenHex)
	})
	if err != nil {
		m.log.Warnw("monitor: token meta cache write failed", "token", tokenHex, "error", err)
		return
	}
	m.tokenMetaCache.Add(tokenHex, meta)
}

func (m *Monitor) fetchTokenMeta(ctx context.Context, tokenHex string) (store.TokenMeta, error) {
	addr := common.HexToAddress(tokenHex)
	symbol, name, decimals, err := m.chain.CallSymbolDecimalsName(ctx, addr)
	if err != nil {
		return store.TokenMeta{}, err
	}
	return store.TokenMeta{Symbol: symbol, Name: name, Decimals: decimals}, nil
}

func (m *Monitor) emitDetection(key store.DepositKey, d store.Deposit) {
	acct, err := m.store.GetAccount(d.AccountID)
	if err != nil {
		m.log.Warnw("monitor: account lookup failed, dropping notification", "account_id", d.AccountID, "error", err)
		return
	}

	event := notify.Event{
		Event:     notify.EventDepositDetected,
		AccountID: d.AccountID,
		TxHash:    d.TxHash,
		Amount:    d.Amount,
	}
	if d.TokenKind == "native" {
		event.TokenType = notify.TokenTypeNative
	} else {
		event.TokenType = notify.TokenTypeERC20
		event.TokenAddress = d.TokenKind
		if meta, ok := m.tokenMetaCache.Get(d.TokenKind); ok {
			event.TokenSymbol = meta.Symbol
		}
	}

	m.notifier.Enqueue(acct.WebhookURL, event)
}
