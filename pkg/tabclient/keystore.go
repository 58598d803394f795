package tabclient

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/AugusDogus/opentab/pkg/tabcrypto"
)

const (
	keystoreDirPerm  = fs.FileMode(0o700)
	keystoreFilePerm = fs.FileMode(0o600)

	// keystoreOpenTimeout bounds the wait for the bolt file lock.
	keystoreOpenTimeout = 5 * time.Second
)

var (
	deviceBucket   = []byte("device")
	secretKeyKey   = []byte("secret_key")
	publicKeyKey   = []byte("public_key")
	identifierKey  = []byte("device_identifier")
	tokenBucketKey = []byte("auth")
	bearerTokenKey = []byte("bearer_token")
	lastAckBucket  = []byte("last_ack")
)

// Keystore persists the local device's keypair, identifier, and auth token
// in a bbolt database. Keys are stored hex-encoded, matching the wire
// format of the payload codec.
type Keystore struct {
	db *bolt.DB
}

// OpenKeystore opens (or creates) the keystore at path.
func OpenKeystore(path string) (*Keystore, error) {
	if err := os.MkdirAll(filepath.Dir(path), keystoreDirPerm); err != nil {
		return nil, fmt.Errorf("creating keystore directory: %w", err)
	}
	db, err := bolt.Open(path, keystoreFilePerm, &bolt.Options{Timeout: keystoreOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening keystore: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{deviceBucket, tokenBucketKey, lastAckBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing keystore: %w", err)
	}
	return &Keystore{db: db}, nil
}

// Close closes the underlying database.
func (k *Keystore) Close() error {
	return k.db.Close()
}

// KeyPair returns the stored keypair, or nil if none has been generated.
func (k *Keystore) KeyPair() (*tabcrypto.KeyPair, error) {
	var pair *tabcrypto.KeyPair
	err := k.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(deviceBucket)
		secret := b.Get(secretKeyKey)
		public := b.Get(publicKeyKey)
		if secret == nil || public == nil {
			return nil
		}
		pair = &tabcrypto.KeyPair{
			SecretKey: string(secret),
			PublicKey: string(public),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// EnsureKeyPair returns the stored keypair, generating and persisting a
// fresh one on first use.
func (k *Keystore) EnsureKeyPair() (*tabcrypto.KeyPair, error) {
	pair, err := k.KeyPair()
	if err != nil {
		return nil, err
	}
	if pair != nil {
		return pair, nil
	}
	fresh, err := tabcrypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	err = k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(deviceBucket)
		if err := b.Put(secretKeyKey, []byte(fresh.SecretKey)); err != nil {
			return err
		}
		return b.Put(publicKeyKey, []byte(fresh.PublicKey))
	})
	if err != nil {
		return nil, fmt.Errorf("persisting keypair: %w", err)
	}
	return &fresh, nil
}

// DeviceIdentifier returns the stored device identifier, or "".
func (k *Keystore) DeviceIdentifier() string {
	var id string
	_ = k.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(deviceBucket).Get(identifierKey); v != nil {
			id = string(v)
		}
		return nil
	})
	return id
}

// SetDeviceIdentifier persists the device identifier.
func (k *Keystore) SetDeviceIdentifier(id string) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(deviceBucket).Put(identifierKey, []byte(id))
	})
}

// Token returns the stored bearer token, or "".
func (k *Keystore) Token() string {
	var token string
	_ = k.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(tokenBucketKey).Get(bearerTokenKey); v != nil {
			token = string(v)
		}
		return nil
	})
	return token
}

// SetToken persists the bearer token.
func (k *Keystore) SetToken(token string) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokenBucketKey).Put(bearerTokenKey, []byte(token))
	})
}

// LastAck returns the persisted replay cursor for a channel, or "".
func (k *Keystore) LastAck(channel string) string {
	var cursor string
	_ = k.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(lastAckBucket).Get([]byte(channel)); v != nil {
			cursor = string(v)
		}
		return nil
	})
	return cursor
}

// SetLastAck persists a channel's replay cursor so a restarted client can
// resume from where it left off.
func (k *Keystore) SetLastAck(channel, cursor string) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(lastAckBucket).Put([]byte(channel), []byte(cursor))
	})
}
