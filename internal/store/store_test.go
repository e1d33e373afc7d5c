package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterAccountCreatedThenSameAddress(t *testing.T) {
	s := newTestStore(t)

	res, err := s.RegisterAccount("user_A", "https://w/a", "0xAAAA000000000000000000000000000000AAAA", 1)
	if err != nil {
		t.Fatal(err)
	}
	if res != Created {
		t.Fatalf("expected Created, got %v", res)
	}

	res, err = s.RegisterAccount("user_A", "https://w/a2", "0xAAAA000000000000000000000000000000AAAA", 1)
	if err != nil {
		t.Fatal(err)
	}
	if res != AlreadyExistsSameAddress {
		t.Fatalf("expected AlreadyExistsSameAddress, got %v", res)
	}

	acctID, err := s.ResolveAddress("0xAAAA000000000000000000000000000000AAAA")
	if err != nil {
		t.Fatal(err)
	}
	if acctID != "user_A" {
		t.Fatalf("expected user_A, got %s", acctID)
	}
}

func TestRegisterAccountConflict(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.RegisterAccount("user_A", "https://w/a", "0xBBBB000000000000000000000000000000BBBB", 2); err != nil {
		t.Fatal(err)
	}

	res, err := s.RegisterAccount("user_B", "https://w/b", "0xBBBB000000000000000000000000000000BBBB", 2)
	if err != nil {
		t.Fatal(err)
	}
	if res != Conflict {
		t.Fatalf("expected Conflict, got %v", res)
	}

	if _, err := s.AccountAddress("user_B"); err != ErrNotFound {
		t.Fatalf("expected user_B to not have been written, got err=%v", err)
	}
}

func TestRecordDepositIdempotent(t *testing.T) {
	s := newTestStore(t)
	key := DepositKey{TxHash: "0xT1", LogIndex: 0, TokenKind: "native"}
	d := Deposit{AccountID: "user_A", Amount: "1000", State: StateDetected}

	inserted, err := s.RecordDeposit(key, d)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("expected first insert to report inserted=true")
	}

	inserted, err = s.RecordDeposit(key, d)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Fatal("expected duplicate insert to be a no-op")
	}
}

func TestMarkSweptTransitionsOnce(t *testing.T) {
	s := newTestStore(t)
	key := DepositKey{TxHash: "0xT2", LogIndex: 0, TokenKind: "native"}
	if _, err := s.RecordDeposit(key, Deposit{AccountID: "user_A", Amount: "1", State: StateDetected}); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkSwept(key); err != nil {
		t.Fatal(err)
	}

	d, err := s.GetDeposit(key)
	if err != nil {
		t.Fatal(err)
	}
	if d.State != StateSwept {
		t.Fatalf("expected swept, got %s", d.State)
	}

	if err := s.MarkSwept(key); err != ErrNotPending {
		t.Fatalf("expected ErrNotPending on re-sweep, got %v", err)
	}
}

func TestMarkSweptNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.MarkSwept(DepositKey{TxHash: "0xNope", LogIndex: 0, TokenKind: "native"})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScanCursorMonotonic(t *testing.T) {
	s := newTestStore(t)

	cursor, err := s.GetScanCursor()
	if err != nil {
		t.Fatal(err)
	}
	if cursor != 0 {
		t.Fatalf("expected initial cursor 0, got %d", cursor)
	}

	if err := s.SetScanCursor(100); err != nil {
		t.Fatal(err)
	}
	cursor, err = s.GetScanCursor()
	if err != nil {
		t.Fatal(err)
	}
	if cursor != 100 {
		t.Fatalf("expected cursor 100, got %d", cursor)
	}
}

func TestRecordDepositsAndAdvanceCursorAtomic(t *testing.T) {
	s := newTestStore(t)

	k1 := DepositKey{TxHash: "0xT3", LogIndex: 0, TokenKind: "native"}
	k2 := DepositKey{TxHash: "0xT4", LogIndex: 0, TokenKind: "native"}
	deposits := map[DepositKey]Deposit{
		k1: {AccountID: "user_A", Amount: "1", State: StateDetected},
		k2: {AccountID: "user_B", Amount: "2", State: StateDetected},
	}

	newly, err := s.RecordDepositsAndAdvanceCursor(deposits, []DepositKey{k1, k2}, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(newly) != 2 {
		t.Fatalf("expected 2 newly inserted deposits, got %d", len(newly))
	}

	cursor, err := s.GetScanCursor()
	if err != nil {
		t.Fatal(err)
	}
	if cursor != 42 {
		t.Fatalf("expected cursor 42, got %d", cursor)
	}

	// Replaying the same block is idempotent: no new inserts, cursor unchanged.
	newly, err = s.RecordDepositsAndAdvanceCursor(deposits, []DepositKey{k1, k2}, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(newly) != 0 {
		t.Fatalf("expected 0 newly inserted deposits on replay, got %d", len(newly))
	}
}

func TestGetOrPutTokenMetaCachesFetchedValue(t *testing.T) {
	s := newTestStore(t)

	calls := 0
	fetch := func() (TokenMeta, error) {
		calls++
		return TokenMeta{Symbol: "USDX", Decimals: 6, Name: "USD Example"}, nil
	}

	meta, err := s.GetOrPutTokenMeta("0xTOK", fetch)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Symbol != "USDX" {
		t.Fatalf("expected USDX, got %s", meta.Symbol)
	}

	meta, err = s.GetOrPutTokenMeta("0xTOK", fetch)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected fetch to be called once, got %d", calls)
	}
	if meta.Symbol != "USDX" {
		t.Fatalf("expected cached USDX, got %s", meta.Symbol)
	}
}

func TestGetOrPutTokenMetaPlaceholderOnFailure(t *testing.T) {
	s := newTestStore(t)

	meta, err := s.GetOrPutTokenMeta("0xBAD", func() (TokenMeta, error) {
		return TokenMeta{}, errFetchFailed
	})
	if err != nil {
		t.Fatal(err)
	}
	if meta.Symbol != "UNKNOWN" || meta.Decimals != 18 || meta.Name != "" {
		t.Fatalf("expected placeholder metadata, got %+v", meta)
	}
}

var errFetchFailed = &fetchError{}

type fetchError struct{}

func (e *fetchError) Error() string { return "fetch failed" }
