// Package tabcrypto implements the end-to-end payload codec used between
// devices: X25519 key agreement plus AES-256-GCM sealing of tab records.
// The server only ever sees the sealed form.
package tabcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
)

// nonceSize is the GCM nonce length in bytes. A nonce is drawn fresh from
// the randomness source for every encryption; reuse under the same shared
// secret breaks confidentiality.
const nonceSize = 12

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests
// can substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic testing
// and returns a restore function that must be called when the test completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// KeyPair is an X25519 key pair. Both halves are hex encoded. The secret key
// must never leave the device that generated it.
type KeyPair struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
}

// EncryptedPayload is the sealed form of a tab record. The sender's public
// key travels in cleartext so the recipient can re-derive the shared secret.
type EncryptedPayload struct {
	Ciphertext      string `json:"ciphertext"`
	Nonce           string `json:"nonce"`
	SenderPublicKey string `json:"senderPublicKey"`
}

// TabData is the plaintext a device shares: a URL and an optional title.
type TabData struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// DeviceKey pairs a registered device id with its public key, for fan-out
// encryption.
type DeviceKey struct {
	ID        string
	PublicKey string
}

// DevicePayload is one sealed payload addressed to one target device.
type DevicePayload struct {
	DeviceID  string
	Encrypted EncryptedPayload
}

// GenerateKeyPair draws a fresh 32-byte scalar and derives the matching
// X25519 public key.
func GenerateKeyPair() (KeyPair, error) {
	secret := make([]byte, curve25519.ScalarSize)
	if err := readRandom(secret); err != nil {
		return KeyPair{}, fmt.Errorf("reading randomness: %w", err)
	}
	public, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("deriving public key: %w", err)
	}
	return KeyPair{
		PublicKey: hex.EncodeToString(public),
		SecretKey: hex.EncodeToString(secret),
	}, nil
}

// DeriveSharedSecret performs X25519 Diffie-Hellman between a peer's public
// key and our secret key. The result is commutative: both sides derive the
// same 32 bytes.
func DeriveSharedSecret(peerPublicKey, ownSecretKey string) ([]byte, error) {
	pub, err := decodeKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: peer public key", ErrInvalidKey)
	}
	sec, err := decodeKey(ownSecretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: secret key", ErrInvalidKey)
	}
	shared, err := curve25519.X25519(sec, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return shared, nil
}

func decodeKey(hexKey string) ([]byte, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	if len(b) != curve25519.ScalarSize {
		return nil, fmt.Errorf("unexpected key length %d", len(b))
	}
	return b, nil
}

// EncryptForDevice seals a tab record for one recipient. A fresh nonce is
// drawn per call, so encrypting the same plaintext twice yields different
// ciphertexts.
func EncryptForDevice(data TabData, recipientPublicKey, senderSecretKey, senderPublicKey string) (EncryptedPayload, error) {
	shared, err := DeriveSharedSecret(recipientPublicKey, senderSecretKey)
	if err != nil {
		return EncryptedPayload{}, err
	}
	aead, err := newAEAD(shared)
	if err != nil {
		return EncryptedPayload{}, err
	}

	plaintext, err := json.Marshal(data)
	if err != nil {
		return EncryptedPayload{}, fmt.Errorf("encoding tab data: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if err := readRandom(nonce); err != nil {
		return EncryptedPayload{}, fmt.Errorf("reading nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return EncryptedPayload{
		Ciphertext:      hex.EncodeToString(ciphertext),
		Nonce:           hex.EncodeToString(nonce),
		SenderPublicKey: senderPublicKey,
	}, nil
}

// DecryptFromDevice opens a sealed payload using the recipient's secret key
// and the sender public key embedded in the payload. Returns
// ErrDecryptionFailed on any authentication failure; it never returns
// unverified plaintext.
func DecryptFromDevice(payload EncryptedPayload, recipientSecretKey string) (TabData, error) {
	shared, err := DeriveSharedSecret(payload.SenderPublicKey, recipientSecretKey)
	if err != nil {
		return TabData{}, err
	}
	aead, err := newAEAD(shared)
	if err != nil {
		return TabData{}, err
	}

	nonce, err := hex.DecodeString(payload.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return TabData{}, fmt.Errorf("%w: malformed nonce", ErrDecryptionFailed)
	}
	ciphertext, err := hex.DecodeString(payload.Ciphertext)
	if err != nil {
		return TabData{}, fmt.Errorf("%w: malformed ciphertext", ErrDecryptionFailed)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return TabData{}, ErrDecryptionFailed
	}

	var data TabData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return TabData{}, fmt.Errorf("decoding tab data: %w", err)
	}
	return data, nil
}

// EncryptForDevices seals the same tab record independently for each target
// device. Every payload gets its own nonce, so identical plaintext cannot be
// linked across targets.
func EncryptForDevices(data TabData, devices []DeviceKey, senderSecretKey, senderPublicKey string) ([]DevicePayload, error) {
	payloads := make([]DevicePayload, 0, len(devices))
	for _, dev := range devices {
		enc, err := EncryptForDevice(data, dev.PublicKey, senderSecretKey, senderPublicKey)
		if err != nil {
			return nil, fmt.Errorf("encrypting for device %s: %w", dev.ID, err)
		}
		payloads = append(payloads, DevicePayload{DeviceID: dev.ID, Encrypted: enc})
	}
	return payloads, nil
}

// Serialize renders a payload as its canonical JSON wire form. Field order is
// fixed by the struct declaration, so Serialize(Deserialize(s)) == s for any
// string produced by Serialize.
func Serialize(payload EncryptedPayload) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Deserialize parses the canonical JSON wire form of a payload.
func Deserialize(serialized string) (EncryptedPayload, error) {
	var payload EncryptedPayload
	if err := json.Unmarshal([]byte(serialized), &payload); err != nil {
		return EncryptedPayload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return payload, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aead, nil
}
