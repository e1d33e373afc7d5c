package registry

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/evmhot/custody/internal/hdwallet"
	"github.com/evmhot/custody/internal/store"
)

const testMnemonic = "tag volcano eight thank tide danger coast health above argue embrace heavy"

type fakeFunder struct {
	txHash string
	err    error
	calls  int
}

func (f *fakeFunder) Fund(target string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.txHash, nil
}

func newTestRegistry(t *testing.T, funder Funder) (*Registry, *store.Store) {
	t.Helper()
	w, err := hdwallet.NewFromMnemonic(testMnemonic)
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(w, st, funder), st
}

func TestRegisterNewAccountFundsAndPersists(t *testing.T) {
	funder := &fakeFunder{txHash: "0xFUND1"}
	r, st := newTestRegistry(t, funder)

	result, err := r.Register("user_A", "https://webhook.example/a")
	if err != nil {
		t.Fatal(err)
	}
	if result.FundingTx != "0xFUND1" {
		t.Fatalf("expected funding tx to be surfaced, got %q", result.FundingTx)
	}
	if funder.calls != 1 {
		t.Fatalf("expected exactly one funding call, got %d", funder.calls)
	}

	rec, err := st.AccountAddress("user_A")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Address != result.Address {
		t.Fatalf("persisted address %s does not match returned address %s", rec.Address, result.Address)
	}
}

func TestRegisterInvalidWebhookURLRejected(t *testing.T) {
	funder := &fakeFunder{txHash: "0xFUND2"}
	r, _ := newTestRegistry(t, funder)

	_, err := r.Register("user_B", "http://not-https.example/b")
	if !errors.Is(err, ErrInvalidWebhookURL) {
		t.Fatalf("expected ErrInvalidWebhookURL, got %v", err)
	}
	if funder.calls != 0 {
		t.Fatalf("expected faucet not to be invoked for a rejected webhook, got %d calls", funder.calls)
	}
}

func TestRegisterFaucetFailureLeavesNoAddressRow(t *testing.T) {
	funder := &fakeFunder{err: errors.New("rpc: connection refused")}
	r, st := newTestRegistry(t, funder)

	_, err := r.Register("user_C", "https://webhook.example/c")
	if !errors.Is(err, ErrFaucetFailed) {
		t.Fatalf("expected ErrFaucetFailed, got %v", err)
	}

	if _, err := st.AccountAddress("user_C"); err != store.ErrNotFound {
		t.Fatalf("expected no address row to have been persisted, got err=%v", err)
	}
}

func TestRegisterSameAccountTwiceOverwritesWebhookOnly(t *testing.T) {
	funder := &fakeFunder{txHash: "0xFUND3"}
	r, st := newTestRegistry(t, funder)

	first, err := r.Register("user_D", "https://webhook.example/first")
	if err != nil {
		t.Fatal(err)
	}

	second, err := r.Register("user_D", "https://webhook.example/second")
	if err != nil {
		t.Fatal(err)
	}
	if second.Address != first.Address {
		t.Fatalf("expected re-registration to keep the same address, got %s vs %s", second.Address, first.Address)
	}
	if funder.calls != 1 {
		t.Fatalf("expected faucet to be invoked only on first registration, got %d calls", funder.calls)
	}

	acct, err := st.GetAccount("user_D")
	if err != nil {
		t.Fatal(err)
	}
	if acct.WebhookURL != "https://webhook.example/second" {
		t.Fatalf("expected webhook URL to be updated, got %q", acct.WebhookURL)
	}
}
