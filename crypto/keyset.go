package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutcustody/cashu/nuts/nut01"
)

const maxOrder = 64

// MintKeyset holds the private keys a mint signs with.
type MintKeyset struct {
	Id          string
	Unit        string
	Active      bool
	InputFeePpk uint
	Keys        map[uint64]KeyPair
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// GenerateKeyset deterministically derives one key per power of two
// amount from the seed and derivation path.
func GenerateKeyset(seed, derivationPath string, inputFeePpk uint) *MintKeyset {
	keys := make(map[uint64]KeyPair, maxOrder)
	pubkeys := make(map[uint64]*secp256k1.PublicKey, maxOrder)

	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		hash := sha256.Sum256([]byte(seed + derivationPath + strconv.FormatUint(amount, 10)))
		privKey, pubKey := btcec.PrivKeyFromBytes(hash[:])
		keys[amount] = KeyPair{PrivateKey: privKey, PublicKey: pubKey}
		pubkeys[amount] = pubKey
	}

	return &MintKeyset{
		Id:          DeriveKeysetId(pubkeys),
		Unit:        "sat",
		Active:      true,
		InputFeePpk: inputFeePpk,
		Keys:        keys,
	}
}

// PublicKeys returns the hex encoded public keys of the keyset.
func (ks *MintKeyset) PublicKeys() nut01.KeysMap {
	pubkeys := make(nut01.KeysMap, len(ks.Keys))
	for amount, key := range ks.Keys {
		pubkeys[amount] = hex.EncodeToString(key.PublicKey.SerializeCompressed())
	}
	return pubkeys
}

// WalletKeyset is the public view of a mint keyset.
type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]*secp256k1.PublicKey
	InputFeePpk uint
}

// DeriveKeysetId is "00" followed by the first 14 hex characters of the
// sha256 of the compressed public keys sorted by amount.
func DeriveKeysetId(keyset map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keyset))
	for amount := range keyset {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	pubkeys := make([]byte, 0, len(amounts)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keyset[amount].SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}

// MapPubKeys parses the hex encoded keys returned by a mint.
func MapPubKeys(keys nut01.KeysMap) (map[uint64]*secp256k1.PublicKey, error) {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		pkbytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for amount %d: %v", amount, err)
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for amount %d: %v", amount, err)
		}
		publicKeys[amount] = pubkey
	}
	return publicKeys, nil
}
