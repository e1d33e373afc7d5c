// Package hdwallet derives EVM signing keys and addresses from a BIP-39
// mnemonic along the BIP-44 path m/44'/60'/0'/0/N.
//
// Adapted from the project's original single-account demo wallet: the
// derivation math is unchanged (BIP-32 via btcutil/hdkeychain over a
// BIP-39 seed), generalized to derive at an arbitrary index computed
// from an external account id rather than a manually supplied path.
package hdwallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil/hdkeychain"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tyler-smith/go-bip39"
)

// DefaultBaseDerivationPath is the root of every address this package
// derives: m/44'/60'/0'/0/N, N is the variable address index.
var DefaultBaseDerivationPath = accounts.DerivationPath{
	0x80000000 + 44,
	0x80000000 + 60,
	0x80000000 + 0,
	0,
}

// Wallet is a BIP-32/BIP-39 hierarchical deterministic wallet scoped to
// one mnemonic. It derives child keys lazily and caches nothing beyond
// the master extended key, so derivation at any index is O(depth) and
// side-effect free.
type Wallet struct {
	mnemonic  string
	masterKey *hdkeychain.ExtendedKey
	mu        sync.RWMutex
}

// NewFromMnemonic builds a Wallet from a BIP-39 mnemonic phrase.
func NewFromMnemonic(mnemonic string) (*Wallet, error) {
	if mnemonic == "" {
		return nil, errors.New("hdwallet: empty mnemonic")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("hdwallet: invalid mnemonic")
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("hdwallet: seed from mnemonic: %w", err)
	}

	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("hdwallet: master key: %w", err)
	}

	return &Wallet{mnemonic: mnemonic, masterKey: masterKey}, nil
}

// Signer signs transaction hashes for one derived account.
type Signer struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// SignTx signs tx as account's legacy sender, using the given chain id
// (nil for pre-EIP-155 signing, matched against the teacher's original
// SignTx which also accepted a nil chainID).
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	var signer types.Signer
	if chainID != nil {
		signer = types.NewEIP155Signer(chainID)
	} else {
		signer = types.HomesteadSigner{}
	}
	return types.SignTx(tx, signer, s.PrivateKey)
}

// DeriveAddress returns the address at DefaultBaseDerivationPath/index.
// The child private key is derived internally; only the address is
// returned.
func (w *Wallet) DeriveAddress(index uint32) (common.Address, error) {
	pub, err := w.derivePublicKey(index)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// DeriveSigner returns a Signer able to sign transactions for the
// address at the given index.
func (w *Wallet) DeriveSigner(index uint32) (*Signer, error) {
	priv, err := w.derivePrivateKey(index)
	if err != nil {
		return nil, err
	}
	return &Signer{
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey: priv,
	}, nil
}

func (w *Wallet) childKey(index uint32) (*hdkeychain.ExtendedKey, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	key := w.masterKey
	var err error
	for _, n := range DefaultBaseDerivationPath {
		key, err = key.Child(n)
		if err != nil {
			return nil, fmt.Errorf("hdwallet: derive path component %d: %w", n, err)
		}
	}
	key, err = key.Child(index)
	if err != nil {
		return nil, fmt.Errorf("hdwallet: derive index %d: %w", index, err)
	}
	return key, nil
}

func (w *Wallet) derivePrivateKey(index uint32) (*ecdsa.PrivateKey, error) {
	key, err := w.childKey(index)
	if err != nil {
		return nil, err
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("hdwallet: ec private key: %w", err)
	}
	return privKey.ToECDSA(), nil
}

func (w *Wallet) derivePublicKey(index uint32) (*ecdsa.PublicKey, error) {
	priv, err := w.derivePrivateKey(index)
	if err != nil {
		return nil, err
	}
	return &priv.PublicKey, nil
}

// IndexForAccount maps an opaque account id to its deterministic
// derivation index: the first 4 bytes of Keccak-256(id), big-endian.
//
// Distinct ids occasionally collide on the same index; the store (not
// this package) is responsible for rejecting a registration whose
// resulting address is already bound to a different account.
func IndexForAccount(accountID string) uint32 {
	h := crypto.Keccak256([]byte(accountID))
	return uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
}

// NewMnemonic generates a fresh BIP-39 mnemonic of the given entropy
// size in bits (128, 160, 192, 224 or 256).
func NewMnemonic(bits int) (string, error) {
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}
