package storage

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/elnosh/nutcustody/cashu/nuts/nut01"
	"github.com/elnosh/nutcustody/crypto"
	bolt "go.etcd.io/bbolt"
)

const (
	keysetsBucket = "keysets"

	boltFile = "keysets.db"
)

// BoltDB caches the keysets fetched from mints so the client does not
// need to ask for them on every start.
type BoltDB struct {
	bolt *bolt.DB
}

type keysetRecord struct {
	Id          string        `json:"id"`
	MintURL     string        `json:"mint_url"`
	Unit        string        `json:"unit"`
	Active      bool          `json:"active"`
	PublicKeys  nut01.KeysMap `json:"public_keys"`
	InputFeePpk uint          `json:"input_fee_ppk"`
}

// InitBolt opens the keyset cache in path. The cache can always be
// rebuilt from the mint so a file that cannot be opened is discarded.
func InitBolt(path string, logger *slog.Logger) (*BoltDB, error) {
	dbpath := filepath.Join(path, boltFile)
	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("keyset cache is locked: %w", err)
		}

		if logger != nil {
			logger.Warn("discarding unreadable keyset cache", slog.String("path", dbpath), slog.String("error", err.Error()))
		}
		if err := os.Remove(dbpath); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		db, err = bolt.Open(dbpath, 0600, &bolt.Options{Timeout: 1 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("error setting bolt db: %w", err)
		}
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initKeysetsBucket(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error setting bolt db: %w", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initKeysetsBucket() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(keysetsBucket))
		return err
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

// SaveKeyset stores the keyset under its mint, replacing a previous
// version of it.
func (db *BoltDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	record := keysetRecord{
		Id:          keyset.Id,
		MintURL:     keyset.MintURL,
		Unit:        keyset.Unit,
		Active:      keyset.Active,
		PublicKeys:  make(nut01.KeysMap, len(keyset.PublicKeys)),
		InputFeePpk: keyset.InputFeePpk,
	}
	for amount, pubkey := range keyset.PublicKeys {
		record.PublicKeys[amount] = hex.EncodeToString(pubkey.SerializeCompressed())
	}

	jsonKeyset, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("invalid keyset format: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		mintBucket, err := keysetsb.CreateBucketIfNotExists([]byte(keyset.MintURL))
		if err != nil {
			return err
		}
		return mintBucket.Put([]byte(keyset.Id), jsonKeyset)
	})
}

// GetKeysets returns the cached keysets of mintURL keyed by keyset id.
func (db *BoltDB) GetKeysets(mintURL string) (map[string]*crypto.WalletKeyset, error) {
	keysets := make(map[string]*crypto.WalletKeyset)

	err := db.bolt.View(func(tx *bolt.Tx) error {
		mintBucket := tx.Bucket([]byte(keysetsBucket)).Bucket([]byte(mintURL))
		if mintBucket == nil {
			return nil
		}

		return mintBucket.ForEach(func(k, v []byte) error {
			var record keysetRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("invalid keyset format: %v", err)
			}

			publicKeys, err := crypto.MapPubKeys(record.PublicKeys)
			if err != nil {
				return err
			}

			keysets[record.Id] = &crypto.WalletKeyset{
				Id:          record.Id,
				MintURL:     record.MintURL,
				Unit:        record.Unit,
				Active:      record.Active,
				PublicKeys:  publicKeys,
				InputFeePpk: record.InputFeePpk,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return keysets, nil
}
