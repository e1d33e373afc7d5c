// Package registry implements account registration: deriving a
// deterministic address for a new account id, funding it via the
// faucet, and persisting the binding atomically, per spec.md §4.1 and
// §4.6.
package registry

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/evmhot/custody/internal/hdwallet"
	"github.com/evmhot/custody/internal/store"
)

// Errors surfaced to the registration RPC, matching spec.md §6.
var (
	ErrAccountExistsDifferentAddress = errors.New("registry: account_exists_different_address")
	ErrInvalidWebhookURL              = errors.New("registry: invalid_webhook_url")
	ErrFaucetFailed                   = errors.New("registry: faucet_failed")
)

// Funder funds a freshly derived address so it can pay gas, returning
// the funding transaction hash. Implemented by faucet.Faucet.
type Funder interface {
	Fund(target string) (txHash string, err error)
}

// Registry ties together the HD key engine, the store, and the
// faucet to implement the registration RPC of spec.md §6.
type Registry struct {
	hotWallet *hdwallet.Wallet
	store     *store.Store
	funder    Funder
}

func New(hotWallet *hdwallet.Wallet, st *store.Store, funder Funder) *Registry {
	return &Registry{hotWallet: hotWallet, store: st, funder: funder}
}

// Result is the success payload of the registration RPC.
type Result struct {
	Address    string
	FundingTx  string // empty if this account already existed
}

// Register derives (or reuses) the deterministic address for
// accountID, funds it via the faucet on first creation, and persists
// the binding. It is atomic per spec.md §4.6: a faucet failure leaves
// no address row behind.
func (r *Registry) Register(accountID, webhookURL string) (Result, error) {
	if !isValidHTTPSURL(webhookURL) {
		return Result{}, ErrInvalidWebhookURL
	}

	index := hdwallet.IndexForAccount(accountID)
	addr, err := r.hotWallet.DeriveAddress(index)
	if err != nil {
		return Result{}, fmt.Errorf("registry: derive address: %w", err)
	}
	addrHex := addr.Hex()

	if existing, err := r.store.AccountAddress(accountID); err == nil {
		// Already registered; re-registration only ever updates the
		// webhook URL (see DESIGN.md Open Question resolution), never
		// the address or index.
		if _, regErr := r.store.RegisterAccount(accountID, webhookURL, existing.Address, existing.Index); regErr != nil {
			return Result{}, fmt.Errorf("registry: update webhook: %w", regErr)
		}
		return Result{Address: existing.Address}, nil
	}

	if owner, err := r.store.ResolveAddress(addrHex); err == nil && owner != accountID {
		return Result{}, ErrAccountExistsDifferentAddress
	}

	fundingTx, err := r.funder.Fund(addrHex)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrFaucetFailed, err)
	}

	result, err := r.store.RegisterAccount(accountID, webhookURL, addrHex, index)
	if err != nil {
		return Result{}, fmt.Errorf("registry: persist registration: %w", err)
	}
	if result == store.Conflict {
		return Result{}, ErrAccountExistsDifferentAddress
	}

	return Result{Address: addrHex, FundingTx: fundingTx}, nil
}

func isValidHTTPSURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host != ""
}
