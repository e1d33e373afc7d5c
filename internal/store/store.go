// Package store implements the embedded, crash-safe persistence layer
// for accounts, addresses, deposits, token metadata, and the scan
// cursor described in spec.md §4.2. It is backed by go.etcd.io/bbolt,
// an embedded single-writer/multi-reader B+tree store whose
// transaction model gives us the atomic multi-bucket updates the core
// invariants depend on (deposit insertion + cursor advance in one
// commit, account+address+index rows appearing all-or-nothing).
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketAccounts            = []byte("accounts")
	bucketAddresses           = []byte("addresses")
	bucketAddressesByAccount  = []byte("addresses_by_account")
	bucketDeposits            = []byte("deposits")
	bucketTokenMeta           = []byte("token_meta")
	bucketScan                = []byte("scan")
	scanCursorKey             = []byte("last_processed_block")
)

// Sentinel errors surfaced to callers.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAddressBound  = errors.New("store: address already bound to a different account")
	ErrAlreadyExists = errors.New("store: account already exists with this address")
	ErrDuplicate     = errors.New("store: duplicate key")
	ErrNotPending    = errors.New("store: deposit not in detected state")
)

// DepositState tracks the one-directional lifecycle detected -> swept.
type DepositState string

const (
	StateDetected DepositState = "detected"
	StateSwept    DepositState = "swept"
)

// Account is the persisted row for one external account.
type Account struct {
	WebhookURL string    `json:"webhook_url"`
	CreatedAt  time.Time `json:"created_at"`
}

// AddressRecord is the persisted (address, index) pair for one account.
type AddressRecord struct {
	Address string `json:"address"` // 0x-hex, 20 bytes
	Index   uint32 `json:"index"`
}

// Deposit is one recorded inbound transfer.
type Deposit struct {
	AccountID    string       `json:"account_id"`
	Address      string       `json:"address"`
	TxHash       string       `json:"tx_hash"`
	LogIndex     uint         `json:"log_index"`
	TokenKind    string       `json:"token_kind"` // "native" or 0x-hex token contract address
	Amount       string       `json:"amount"`     // decimal string, arbitrary precision
	State        DepositState `json:"state"`
	ObservedAt   time.Time    `json:"observed_at"`
}

// DepositKey identifies one deposit row. See spec.md "Deposit key" in
// the glossary: (tx_hash, log_index, token_kind).
type DepositKey struct {
	TxHash    string
	LogIndex  uint
	TokenKind string
}

func (k DepositKey) bytes() []byte {
	return []byte(fmt.Sprintf("%s:%d:%s", strings.ToLower(k.TxHash), k.LogIndex, strings.ToLower(k.TokenKind)))
}

// TokenMeta caches ERC-20 metadata for one token contract.
type TokenMeta struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Name     string `json:"name"`
}

// RegisterResult reports the outcome of Store.RegisterAccount.
type RegisterResult int

const (
	Created RegisterResult = iota
	AlreadyExistsSameAddress
	Conflict
)

// Store is the single persistence handle for the service. All writer
// methods enforce single-writer semantics internally via bbolt's
// exclusive Update transactions; readers may run concurrently with a
// writer.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures
// all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketAccounts, bucketAddresses, bucketAddressesByAccount, bucketDeposits, bucketTokenMeta, bucketScan} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RegisterAccount atomically inserts the account, address, and
// addresses_by_account rows for a newly issued address. Re-registering
// the same account id with the same address is reported as
// AlreadyExistsSameAddress and overwrites only the webhook URL (see
// DESIGN.md for the Open Question this resolves). A different account
// already bound to this address is a Conflict and nothing is written.
func (s *Store) RegisterAccount(accountID, webhookURL, address string, index uint32) (RegisterResult, error) {
	result := Created

	err := s.db.Update(func(tx *bbolt.Tx) error {
		addrBucket := tx.Bucket(bucketAddresses)
		addrKey := []byte(strings.ToLower(address))

		if existing := addrBucket.Get(addrKey); existing != nil {
			if string(existing) == accountID {
				result = AlreadyExistsSameAddress
			} else {
				result = Conflict
				return nil
			}
		}

		accounts := tx.Bucket(bucketAccounts)
		acct := Account{WebhookURL: webhookURL, CreatedAt: time.Now().UTC()}
		if raw := accounts.Get([]byte(accountID)); raw != nil {
			var existing Account
			if err := json.Unmarshal(raw, &existing); err == nil {
				acct.CreatedAt = existing.CreatedAt
			}
		}
		acctBytes, err := json.Marshal(acct)
		if err != nil {
			return err
		}
		if err := accounts.Put([]byte(accountID), acctBytes); err != nil {
			return err
		}

		if err := addrBucket.Put(addrKey, []byte(accountID)); err != nil {
			return err
		}

		byAccount := tx.Bucket(bucketAddressesByAccount)
		rec := AddressRecord{Address: address, Index: index}
		recBytes, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return byAccount.Put([]byte(accountID), recBytes)
	})
	if err != nil {
		return Conflict, err
	}
	return result, nil
}

// ResolveAddress returns the owning account id for a managed address,
// or ErrNotFound.
func (s *Store) ResolveAddress(address string) (string, error) {
	var accountID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketAddresses).Get([]byte(strings.ToLower(address)))
		if v == nil {
			return ErrNotFound
		}
		accountID = string(v)
		return nil
	})
	if err != nil {
		return "", err
	}
	return accountID, nil
}

// GetAccount returns the persisted account row, or ErrNotFound.
func (s *Store) GetAccount(accountID string) (Account, error) {
	var acct Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketAccounts).Get([]byte(accountID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &acct)
	})
	return acct, err
}

// AccountAddress returns the managed address and derivation index for
// an account id.
func (s *Store) AccountAddress(accountID string) (AddressRecord, error) {
	var rec AddressRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketAddressesByAccount).Get([]byte(accountID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// ListAccountAddresses iterates every managed (address -> accountID)
// binding, used on startup to rebuild in-memory filters.
func (s *Store) ListAccountAddresses() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAddresses).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// RecordDeposit inserts a deposit row, idempotent on its DepositKey.
// Returns true if a new row was inserted, false if the key already
// existed (a no-op, per invariant 1 in spec.md §3).
func (s *Store) RecordDeposit(key DepositKey, d Deposit) (inserted bool, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDeposits)
		k := key.bytes()
		if b.Get(k) != nil {
			inserted = false
			return nil
		}
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		inserted = true
		return b.Put(k, raw)
	})
	return inserted, err
}

// RecordDepositsAndAdvanceCursor performs the atomic commit required by
// spec.md §4.4.f: every surviving deposit for block b is inserted
// (idempotently) and the scan cursor is set to b in one transaction.
// Returns the subset of keys that were newly inserted, in the order
// given, so callers can emit detection notifications only for those.
func (s *Store) RecordDepositsAndAdvanceCursor(deposits map[DepositKey]Deposit, order []DepositKey, block uint64) ([]DepositKey, error) {
	var newlyInserted []DepositKey

	err := s.db.Update(func(tx *bbolt.Tx) error {
		depositsBucket := tx.Bucket(bucketDeposits)
		for _, key := range order {
			k := key.bytes()
			if depositsBucket.Get(k) != nil {
				continue
			}
			raw, err := json.Marshal(deposits[key])
			if err != nil {
				return err
			}
			if err := depositsBucket.Put(k, raw); err != nil {
				return err
			}
			newlyInserted = append(newlyInserted, key)
		}

		cursor := tx.Bucket(bucketScan)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, block)
		return cursor.Put(scanCursorKey, buf)
	})
	if err != nil {
		return nil, err
	}
	return newlyInserted, nil
}

// PendingDeposits returns every deposit currently in the detected
// state, paired with its key, in unspecified order.
func (s *Store) PendingDeposits() ([]DepositKey, []Deposit, error) {
	var keys []DepositKey
	var deposits []Deposit

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDeposits).ForEach(func(k, v []byte) error {
			var d Deposit
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.State != StateDetected {
				return nil
			}
			keys = append(keys, parseDepositKey(k))
			deposits = append(deposits, d)
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return keys, deposits, nil
}

func parseDepositKey(raw []byte) DepositKey {
	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 {
		return DepositKey{}
	}
	var logIndex uint
	fmt.Sscanf(parts[1], "%d", &logIndex)
	return DepositKey{TxHash: parts[0], LogIndex: logIndex, TokenKind: parts[2]}
}

// MarkSwept transitions a deposit from detected to swept. Returns
// ErrNotFound or ErrNotPending as appropriate; both leave the store
// unchanged.
func (s *Store) MarkSwept(key DepositKey) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDeposits)
		k := key.bytes()
		raw := b.Get(k)
		if raw == nil {
			return ErrNotFound
		}
		var d Deposit
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		if d.State != StateDetected {
			return ErrNotPending
		}
		d.State = StateSwept
		out, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put(k, out)
	})
}

// GetDeposit reads a single deposit by key.
func (s *Store) GetDeposit(key DepositKey) (Deposit, error) {
	var d Deposit
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketDeposits).Get(key.bytes())
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &d)
	})
	return d, err
}

// GetOrPutTokenMeta returns the cached metadata for a token contract,
// calling fetch on a cache miss and persisting its result (even a
// placeholder) so detection is never blocked by a flaky fetch.
func (s *Store) GetOrPutTokenMeta(tokenAddress string, fetch func() (TokenMeta, error)) (TokenMeta, error) {
	key := []byte(strings.ToLower(tokenAddress))

	var cached TokenMeta
	var hit bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketTokenMeta).Get(key)
		if raw == nil {
			return nil
		}
		hit = true
		return json.Unmarshal(raw, &cached)
	})
	if err != nil {
		return TokenMeta{}, err
	}
	if hit {
		return cached, nil
	}

	meta, fetchErr := fetch()
	if fetchErr != nil {
		meta = TokenMeta{Symbol: "UNKNOWN", Decimals: 18, Name: ""}
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTokenMeta).Put(key, raw)
	})
	return meta, err
}

// GetScanCursor returns the highest fully-processed block number. Zero
// means nothing has been scanned yet.
func (s *Store) GetScanCursor() (uint64, error) {
	var cursor uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketScan).Get(scanCursorKey)
		if v == nil {
			cursor = 0
			return nil
		}
		cursor = binary.BigEndian.Uint64(v)
		return nil
	})
	return cursor, err
}

// SetScanCursor sets the cursor directly. Exposed for startup recovery
// and maintenance; normal advancement happens inside
// RecordDepositsAndAdvanceCursor.
func (s *Store) SetScanCursor(block uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, block)
		return tx.Bucket(bucketScan).Put(scanCursorKey, buf)
	})
}
