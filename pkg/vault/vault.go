// Package vault encrypts stored credentials with per-value envelope encryption.
// Each blob is base64(salt[32] | nonce[16] | tag[16] | ciphertext): the salt
// derives a one-off subkey from the master key, so leaking one subkey never
// exposes another value.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize   = 32 // 256 bits
	nonceSize = 16 // 128 bits
	tagSize   = 16 // 128 bits
	saltSize  = 32 // 256 bits

	// Master key derivation is deliberately expensive; the per-value pass is
	// cheap enough for interactive latency.
	masterIterations = 100000
	subkeyIterations = 1000

	envelopeOverhead = saltSize + nonceSize + tagSize
)

// staticSaltInput seeds the master key derivation. Changing it invalidates
// every stored blob.
const staticSaltInput = "strava-weather-static-salt"

// ErrCorruptedCiphertext signals that a blob failed authentication or cannot
// be sliced into its envelope fields. It indicates a data-integrity problem,
// never a silently wrong plaintext.
var ErrCorruptedCiphertext = errors.New("corrupted ciphertext")

// Vault holds the process-lifetime master key.
type Vault struct {
	masterKey []byte
}

// New derives the master key from the configured secret.
func New(encryptionKey string) (*Vault, error) {
	if len(encryptionKey) < 32 {
		return nil, errors.New("encryption key must be at least 32 characters")
	}

	staticSalt := sha256.Sum256([]byte(staticSaltInput))
	master := pbkdf2.Key([]byte(encryptionKey), staticSalt[:], masterIterations, keySize, sha256.New)

	return &Vault{masterKey: master}, nil
}

// Encrypt seals the UTF-8 plaintext under a freshly derived subkey.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}

	// Seal appends the tag after the ciphertext; the envelope stores the tag
	// ahead of the ciphertext instead.
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	cipherBytes := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	buf := make([]byte, 0, envelopeOverhead+len(cipherBytes))
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, tag...)
	buf = append(buf, cipherBytes...)

	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt reverses Encrypt, authenticating the blob in the process.
func (v *Vault) Decrypt(cipherText string) (string, error) {
	combined, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", fmt.Errorf("%w: not base64", ErrCorruptedCiphertext)
	}
	if len(combined) < envelopeOverhead {
		return "", fmt.Errorf("%w: blob shorter than envelope", ErrCorruptedCiphertext)
	}

	salt := combined[:saltSize]
	nonce := combined[saltSize : saltSize+nonceSize]
	tag := combined[saltSize+nonceSize : envelopeOverhead]
	cipherBytes := combined[envelopeOverhead:]

	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(cipherBytes)+tagSize)
	sealed = append(sealed, cipherBytes...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCorruptedCiphertext)
	}

	return string(plain), nil
}

// IsEncrypted reports whether a value looks like an envelope blob. It is a
// heuristic (base64 decodability + minimum length) used only to make
// SafeEncrypt/SafeDecrypt idempotent, never a security boundary.
func (v *Vault) IsEncrypted(value string) bool {
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return false
	}
	return len(decoded) > envelopeOverhead
}

// SafeEncrypt encrypts unless the value already looks encrypted.
func (v *Vault) SafeEncrypt(value string) (string, error) {
	if v.IsEncrypted(value) {
		return value, nil
	}
	return v.Encrypt(value)
}

// SafeDecrypt decrypts unless the value already looks like plaintext.
func (v *Vault) SafeDecrypt(value string) (string, error) {
	if !v.IsEncrypted(value) {
		return value, nil
	}
	return v.Decrypt(value)
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	subkey := pbkdf2.Key(v.masterKey, salt, subkeyIterations, keySize, sha256.New)

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return gcm, nil
}
