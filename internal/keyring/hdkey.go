// Package keyring derives the per-payment signing key from a store's BIP39
// mnemonic and BIP32 HD path.
package keyring

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/yourusername/finchwatch/internal/chainerr"
)

// HDKeyring derives deterministic child keys from a store's mnemonic. It
// holds no private key material at rest — everything is derived on demand.
type HDKeyring struct {
	mnemonic string
	password string
}

// FromMnemonic validates mnemonic and returns an HDKeyring over it.
func FromMnemonic(mnemonic, password string) (*HDKeyring, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, chainerr.NonRetryablef(chainerr.CodeKeyDerivation, nil, "invalid BIP39 mnemonic")
	}
	return &HDKeyring{mnemonic: mnemonic, password: password}, nil
}

// PaymentPath builds the per-payment derivation path: the store's base HD
// path, suffixed with the payment's creation-time seconds and nanoseconds,
// then the payment's HD child index. Matches the original payout engine's
// scheme of folding a timestamp into the path so that two payments sharing
// an index still derive distinct keys.
func PaymentPath(basePath string, createdAt time.Time, index uint32) string {
	seconds := createdAt.Unix()
	nanos := createdAt.Nanosecond()
	path := strings.TrimRight(basePath, "/")
	return fmt.Sprintf("%s/%d/%d/%d", path, seconds, nanos, index)
}

// derive walks masterKey down path, returning the final child key.
func (k *HDKeyring) derive(path string) (*bip32.Key, error) {
	seed := bip39.NewSeed(k.mnemonic, k.password)
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodeKeyDerivation, err, "deriving master key from seed")
	}

	indices, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	key := master
	for i, index := range indices {
		child, err := key.NewChildKey(index)
		if err != nil {
			return nil, chainerr.NonRetryablef(chainerr.CodeKeyDerivation, err, "deriving child key at level %d of %q", i, path)
		}
		key = child
	}
	return key, nil
}

// EthereumKey derives the Ethereum-compatible ECDSA private key at path.
func (k *HDKeyring) EthereumKey(path string) (*ecdsa.PrivateKey, error) {
	bip32Key, err := k.derive(path)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.ToECDSA(bip32Key.Key)
	if err != nil {
		return nil, chainerr.NonRetryablef(chainerr.CodeKeyDerivation, err, "converting derived key to ECDSA")
	}
	return priv, nil
}

// BitcoinKey derives the Bitcoin-compatible secp256k1 private key at path.
func (k *HDKeyring) BitcoinKey(path string) (*btcec.PrivateKey, error) {
	bip32Key, err := k.derive(path)
	if err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(bip32Key.Key)
	return priv, nil
}

// parsePath parses a slash-separated BIP44-style path. A trailing "'" marks
// a hardened component; "m" prefix is optional and ignored.
func parsePath(path string) ([]uint32, error) {
	if path == "" || path == "m" {
		return nil, nil
	}
	path = strings.TrimPrefix(path, "m/")

	parts := strings.Split(path, "/")
	indices := make([]uint32, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		hardened := strings.HasSuffix(part, "'")
		if hardened {
			part = part[:len(part)-1]
		}
		num, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, chainerr.NonRetryablef(chainerr.CodeKeyDerivation, err, "invalid path component %q", part)
		}
		index := uint32(num)
		if hardened {
			index += bip32.FirstHardenedChild
		}
		indices = append(indices, index)
	}
	return indices, nil
}
